// Package codec serializes envelopes and argument values.
//
// Two codecs are available for envelopes: JSON (readable, any value) and
// Binary (protobuf wire format, envelopes only). Argument and result values are
// always encoded with the JSON codec so any Go value can cross the wire.
package codec

import (
	"strings"

	"github.com/pkg/errors"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	}
	return "unknown"
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

// Payload is the codec used for argument and result values.
var Payload Codec = &JSONCodec{}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ParseType maps a config string ("json", "binary") to a CodecType.
func ParseType(name string) (CodecType, error) {
	switch strings.ToLower(name) {
	case "json", "":
		return CodecTypeJSON, nil
	case "binary", "protowire":
		return CodecTypeBinary, nil
	}
	return 0, errors.Errorf("codec: unknown codec %q", name)
}
