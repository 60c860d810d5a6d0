// Package chatv1 is the wire contract of the chat service: request and
// response messages, live stream events and the gRPC service descriptor.
// Messages travel with the "json" content-subtype registered here.
package chatv1

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// CodecName is the gRPC content-subtype clients must request.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec marshals protobuf messages with protojson and everything else with
// encoding/json, so well-known proto types can share a call with wire structs.
type codec struct{}

func (codec) Name() string { return CodecName }

func (codec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return protojson.Marshal(m)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("chatv1: marshal %T: %w", v, err)
	}
	return b, nil
}

func (codec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return protojson.Unmarshal(data, m)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("chatv1: unmarshal %T: %w", v, err)
	}
	return nil
}
