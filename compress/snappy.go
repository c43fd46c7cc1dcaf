package compress

import (
	"fmt"

	"github.com/golang/snappy"

	"flux-rpc/rpcerror"
)

// SnappyCompressor favors speed over ratio, which suits the mid-sized
// payloads that dominate RPC traffic.
type SnappyCompressor struct{}

func (SnappyCompressor) Compress(data []byte) ([]byte, error) {
	if len(data) < SnappyThreshold {
		return data, nil
	}
	out := snappy.Encode(nil, data)
	if len(out) >= len(data) {
		return data, nil
	}
	return out, nil
}

func (SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, fmt.Errorf("compress: snappy length: %v: %w", err, rpcerror.ErrDecode)
	}
	if n > maxDecodedSize {
		return nil, fmt.Errorf("compress: snappy payload exceeds %d bytes: %w", maxDecodedSize, rpcerror.ErrDecode)
	}
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("compress: snappy: %v: %w", err, rpcerror.ErrDecode)
	}
	return out, nil
}

func (SnappyCompressor) Type() byte   { return TypeSnappy }
func (SnappyCompressor) Name() string { return "snappy" }

func init() {
	c := SnappyCompressor{}
	Register(c)
	registerExtension("snappy", c)
}
