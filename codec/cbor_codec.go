package codec

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"flux-rpc/rpcerror"
)

// CBORCodec uses CBOR, tag 3. The encode and decode modes are built once and
// reused: mode construction walks the options every time, so caching them is
// the CBOR equivalent of caching a runtime-derived schema. Encoding goes
// through a pooled buffer with reset semantics instead of per-call scratch.
type CBORCodec struct {
	enc  cbor.EncMode
	dec  cbor.DecMode
	bufs sync.Pool
}

// NewCBORCodec builds the codec with canonical encoding options.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("codec: cbor enc mode: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("codec: cbor dec mode: %w", err)
	}
	c := &CBORCodec{enc: enc, dec: dec}
	c.bufs.New = func() any { return new(bytes.Buffer) }
	return c, nil
}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	buf := c.bufs.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.bufs.Put(buf)

	if err := c.enc.NewEncoder(buf).Encode(v); err != nil {
		return nil, fmt.Errorf("codec: cbor encode: %v: %w", err, rpcerror.ErrSerialization)
	}
	// Copy out: the buffer goes back to the pool.
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	if err := c.dec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: cbor decode: %v: %w", err, rpcerror.ErrSerialization)
	}
	return nil
}

func (c *CBORCodec) Type() byte { return TypeCBOR }

func (c *CBORCodec) Name() string { return "cbor" }

func init() {
	c, err := NewCBORCodec()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor init: %v", err))
	}
	Register(c)
	registerExtension(c.Name(), c)
}
