package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"flux-rpc/rpcerror"
)

// GzipCompressor trades CPU for the best ratio of the built-in compressors.
// Writers are pooled because gzip.NewWriter allocates large internal state.
type GzipCompressor struct {
	writers sync.Pool
}

func NewGzipCompressor() *GzipCompressor {
	return &GzipCompressor{
		writers: sync.Pool{
			New: func() any { return gzip.NewWriter(io.Discard) },
		},
	}
}

func (g *GzipCompressor) Compress(data []byte) ([]byte, error) {
	if len(data) < GzipThreshold {
		return data, nil
	}
	var buf bytes.Buffer
	buf.Grow(len(data) / 2)
	zw := g.writers.Get().(*gzip.Writer)
	zw.Reset(&buf)
	if _, err := zw.Write(data); err != nil {
		g.writers.Put(zw)
		warn("gzip compress failed, sending uncompressed", zap.Int("size", len(data)), zap.Error(err))
		return data, nil
	}
	if err := zw.Close(); err != nil {
		g.writers.Put(zw)
		warn("gzip compress failed, sending uncompressed", zap.Int("size", len(data)), zap.Error(err))
		return data, nil
	}
	g.writers.Put(zw)
	if buf.Len() >= len(data) {
		return data, nil
	}
	return buf.Bytes(), nil
}

func (g *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("compress: gzip header: %v: %w", err, rpcerror.ErrDecode)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxDecodedSize+1))
	if err != nil {
		return nil, fmt.Errorf("compress: gzip stream: %v: %w", err, rpcerror.ErrDecode)
	}
	if len(out) > maxDecodedSize {
		return nil, fmt.Errorf("compress: gzip payload exceeds %d bytes: %w", maxDecodedSize, rpcerror.ErrDecode)
	}
	return out, nil
}

func (g *GzipCompressor) Type() byte   { return TypeGzip }
func (g *GzipCompressor) Name() string { return "gzip" }

func init() {
	c := NewGzipCompressor()
	Register(c)
	registerExtension("gzip", c)
}
