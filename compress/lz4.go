package compress

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pierrec/lz4/v4"
	"go.uber.org/zap"

	"flux-rpc/rpcerror"
)

// LZ4Compressor uses the lz4 block format. Blocks carry no length header of
// their own, so the original size is prepended as a 4-byte big-endian prefix
// and validated on decompress.
type LZ4Compressor struct {
	blocks sync.Pool
}

func NewLZ4Compressor() *LZ4Compressor {
	return &LZ4Compressor{
		blocks: sync.Pool{
			New: func() any { return &lz4.Compressor{} },
		},
	}
}

func (l *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	if len(data) < LZ4Threshold {
		return data, nil
	}
	dst := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(dst[:4], uint32(len(data)))
	bc := l.blocks.Get().(*lz4.Compressor)
	n, err := bc.CompressBlock(data, dst[4:])
	l.blocks.Put(bc)
	if err != nil {
		warn("lz4 compress failed, sending uncompressed", zap.Int("size", len(data)), zap.Error(err))
		return data, nil
	}
	// n == 0 means the block is incompressible.
	if n == 0 || 4+n >= len(data) {
		return data, nil
	}
	return dst[:4+n], nil
}

func (l *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("compress: lz4 payload missing length prefix: %w", rpcerror.ErrDecode)
	}
	size := binary.BigEndian.Uint32(data[:4])
	if size > maxDecodedSize {
		return nil, fmt.Errorf("compress: lz4 payload exceeds %d bytes: %w", maxDecodedSize, rpcerror.ErrDecode)
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, fmt.Errorf("compress: lz4: %v: %w", err, rpcerror.ErrDecode)
	}
	if n != int(size) {
		return nil, fmt.Errorf("compress: lz4 decoded %d bytes, prefix says %d: %w", n, size, rpcerror.ErrDecode)
	}
	return out, nil
}

func (l *LZ4Compressor) Type() byte   { return TypeLZ4 }
func (l *LZ4Compressor) Name() string { return "lz4" }

func init() {
	c := NewLZ4Compressor()
	Register(c)
	registerExtension("lz4", c)
}
