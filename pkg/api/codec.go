package api

import "encoding/json"

// CodecName is the Connect codec name carried in the Content-Type header.
const CodecName = "json"

// Codec marshals the plain Go messages in this package as JSON. It replaces
// Connect's default protobuf JSON codec, which only accepts proto.Message.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
