package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remoting/message"
)

func sampleRequest() *message.Request {
	return &message.Request{
		ID:      42,
		Service: "ArithService",
		Method:  "Add",
		Args: []message.Arg{
			{Type: "int", Data: []byte(`1`)},
			{Type: "*codec.Args", Data: []byte(`{"a":1,"b":2}`)},
		},
		Metadata: map[string]string{
			message.MetaCallerID: "caller-1",
			"trace":              "abc",
		},
	}
}

func sampleResponses() []*message.Response {
	return []*message.Response{
		message.NewSuccess(42, []byte(`3`)),
		message.NewFailure(43, &message.Error{
			Kind:    message.KindMethodNotFound,
			Message: `method "Sub" not found`,
			Stack:   "main.go:12",
		}),
	}
}

// Encoding then decoding each envelope must reproduce its fields exactly.
func TestRoundTrip(t *testing.T) {
	for _, c := range []Codec{GetCodec(CodecTypeJSON), GetCodec(CodecTypeBinary)} {
		t.Run(c.Type().String(), func(t *testing.T) {
			req := sampleRequest()
			data, err := c.Encode(req)
			require.NoError(t, err)

			var decodedReq message.Request
			require.NoError(t, c.Decode(data, &decodedReq))
			assert.Equal(t, req, &decodedReq)

			for _, resp := range sampleResponses() {
				data, err := c.Encode(resp)
				require.NoError(t, err)

				var decodedResp message.Response
				require.NoError(t, c.Decode(data, &decodedResp))
				assert.Equal(t, resp, &decodedResp)
			}
		})
	}
}

func TestBinaryCodecDeterministic(t *testing.T) {
	c := &BinaryCodec{}
	first, err := c.Encode(sampleRequest())
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := c.Encode(sampleRequest())
		require.NoError(t, err)
		assert.Equal(t, first, again, "map iteration must not change the encoding")
	}
}

func TestBinaryCodecRejectsOtherValues(t *testing.T) {
	c := &BinaryCodec{}
	_, err := c.Encode(struct{}{})
	assert.Error(t, err)
	assert.Error(t, c.Decode([]byte{0x08, 0x01}, &struct{}{}))
}

func TestBinaryCodecTruncated(t *testing.T) {
	c := &BinaryCodec{}
	data, err := c.Encode(sampleRequest())
	require.NoError(t, err)

	var req message.Request
	assert.Error(t, c.Decode(data[:len(data)-3], &req))
}

func TestJSONCodecMalformed(t *testing.T) {
	var resp message.Response
	assert.Error(t, GetCodec(CodecTypeJSON).Decode([]byte(`{"id":`), &resp))
}

func TestParseType(t *testing.T) {
	ct, err := ParseType("Binary")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeBinary, ct)

	ct, err = ParseType("")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeJSON, ct)

	_, err = ParseType("xml")
	assert.Error(t, err)
}

func benchmarkCodec(b *testing.B, ct CodecType) {
	cdc := GetCodec(ct)
	req := sampleRequest()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := cdc.Encode(req)
		if err != nil {
			b.Fatal(err)
		}
		var out message.Request
		if err := cdc.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

// 纯编解码，不走网络
func BenchmarkCodecJSON(b *testing.B) {
	benchmarkCodec(b, CodecTypeJSON)
}

func BenchmarkCodecBinary(b *testing.B) {
	benchmarkCodec(b, CodecTypeBinary)
}
