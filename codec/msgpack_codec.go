package codec

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"flux-rpc/rpcerror"
)

// MsgpackCodec uses MessagePack, tag 2: a self-describing binary format that
// round-trips the envelopes without any schema exchange.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: msgpack encode: %v: %w", err, rpcerror.ErrSerialization)
	}
	return data, nil
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: msgpack decode: %v: %w", err, rpcerror.ErrSerialization)
	}
	return nil
}

func (c *MsgpackCodec) Type() byte { return TypeMsgpack }

func (c *MsgpackCodec) Name() string { return "msgpack" }

func init() {
	c := &MsgpackCodec{}
	Register(c)
	registerExtension(c.Name(), c)
}
