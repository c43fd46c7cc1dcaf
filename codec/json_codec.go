package codec

import (
	"encoding/json"
	"fmt"

	"flux-rpc/rpcerror"
)

// JSONCodec uses encoding/json, tag 1.
// Human-readable and cross-language; unknown fields on input are ignored and
// empty optional fields are omitted on output (omitempty on the envelopes).
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: json encode: %v: %w", err, rpcerror.ErrSerialization)
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: json decode: %v: %w", err, rpcerror.ErrSerialization)
	}
	return nil
}

func (c *JSONCodec) Type() byte { return TypeJSON }

func (c *JSONCodec) Name() string { return "json" }

func init() {
	c := &JSONCodec{}
	Register(c)
	registerExtension(c.Name(), c)
}
