package server

import (
	"github.com/goccy/go-json"
	"google.golang.org/grpc/encoding"
)

// jsonCodec carries request and response structs as JSON on the gRPC wire
// (content-subtype "json"), so clients need no generated stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
