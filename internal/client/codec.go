// Package client talks to gateway node agents over gRPC.
//
// The control channel carries JSON, not protobuf: the client forces a JSON
// codec on every call and sends the "application/grpc+json" content type.
// A node agent must serve the fleet.control.v1.NodeControl service with the
// same codec, either by building its server with ServerCodec() and
// RegisterNodeControlServer, or by registering an encoding.Codec named
// "json" that marshals the request and response types in this package.
package client

import (
	"encoding/json"
	"fmt"
)

// codecName is registered on both ends of the control channel
const codecName = "json"

// jsonCodec carries control messages as JSON over gRPC framing so node
// agents do not need generated stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }
