package codec

import (
	"sort"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"remoting/message"
)

// BinaryCodec writes envelopes in protobuf wire format without generated code.
// Only *message.Request and *message.Response are accepted.
//
//	Request:  1 id (varint) | 2 service | 3 method | 4 arg{1 type, 2 data} (repeated) | 5 meta{1 key, 2 value} (repeated, sorted)
//	Response: 1 id (varint) | 2 status (varint) | 3 result | 4 error{1 kind, 2 message, 3 stack}
//
// Empty byte fields are omitted and decode as nil, so encode then decode
// reproduces the envelope.
type BinaryCodec struct{}

var errNotEnvelope = errors.New("BinaryCodec: v must be *message.Request or *message.Response")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *message.Request:
		return appendRequest(nil, msg), nil
	case *message.Response:
		return appendResponse(nil, msg), nil
	}
	return nil, errNotEnvelope
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	switch msg := v.(type) {
	case *message.Request:
		*msg = message.Request{}
		return errors.Wrap(decodeRequest(data, msg), "binary decode request")
	case *message.Response:
		*msg = message.Response{}
		return errors.Wrap(decodeResponse(data, msg), "binary decode response")
	}
	return errNotEnvelope
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendRequest(b []byte, req *message.Request) []byte {
	b = appendVarint(b, 1, req.ID)
	b = appendString(b, 2, req.Service)
	b = appendString(b, 3, req.Method)
	for _, arg := range req.Args {
		var sub []byte
		sub = appendString(sub, 1, arg.Type)
		sub = appendBytes(sub, 2, arg.Data)
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var sub []byte
		sub = appendString(sub, 1, k)
		sub = appendString(sub, 2, req.Metadata[k])
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	return b
}

func appendResponse(b []byte, resp *message.Response) []byte {
	b = appendVarint(b, 1, resp.ID)
	b = appendVarint(b, 2, uint64(resp.Status))
	b = appendBytes(b, 3, resp.Result)
	if resp.Error != nil {
		var sub []byte
		sub = appendString(sub, 1, resp.Error.Kind)
		sub = appendString(sub, 2, resp.Error.Message)
		sub = appendString(sub, 3, resp.Error.Stack)
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	return b
}

// field is one decoded top-level field: either a varint or a byte slice.
type field struct {
	num    protowire.Number
	varint uint64
	bytes  []byte
}

// walk iterates the fields of b, calling fn for every varint or bytes field.
// Other wire types are skipped.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			f.varint, n = v, m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			f.bytes, n = v, m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
			continue
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func decodeRequest(b []byte, req *message.Request) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			req.ID = f.varint
		case 2:
			req.Service = string(f.bytes)
		case 3:
			req.Method = string(f.bytes)
		case 4:
			var arg message.Arg
			err := walk(f.bytes, func(sf field) error {
				switch sf.num {
				case 1:
					arg.Type = string(sf.bytes)
				case 2:
					arg.Data = cloneBytes(sf.bytes)
				}
				return nil
			})
			if err != nil {
				return err
			}
			req.Args = append(req.Args, arg)
		case 5:
			var k, v string
			err := walk(f.bytes, func(sf field) error {
				switch sf.num {
				case 1:
					k = string(sf.bytes)
				case 2:
					v = string(sf.bytes)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if req.Metadata == nil {
				req.Metadata = make(map[string]string)
			}
			req.Metadata[k] = v
		}
		return nil
	})
}

func decodeResponse(b []byte, resp *message.Response) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			resp.ID = f.varint
		case 2:
			resp.Status = message.Status(f.varint)
		case 3:
			resp.Result = cloneBytes(f.bytes)
		case 4:
			e := &message.Error{}
			err := walk(f.bytes, func(sf field) error {
				switch sf.num {
				case 1:
					e.Kind = string(sf.bytes)
				case 2:
					e.Message = string(sf.bytes)
				case 3:
					e.Stack = string(sf.bytes)
				}
				return nil
			})
			if err != nil {
				return err
			}
			resp.Error = e
		}
		return nil
	})
}
