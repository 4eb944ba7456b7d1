package leasestream

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with google.golang.org/grpc/encoding and selected
// via grpc.CallContentSubtype / the server's default, so the service runs on
// real gRPC framing and flow control without a protoc-generated protobuf
// codec.
const codecName = "fleetrun-json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
