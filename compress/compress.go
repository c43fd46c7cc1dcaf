// Package compress provides the pluggable payload compressors.
//
// Compression is advisory: inputs below a compressor's threshold, outputs that
// are not strictly smaller than the input, and internal compression failures
// all return the input unchanged so the stream is never corrupted. The frame
// encoder detects the unchanged output and writes the none tag instead, so
// decompression stays strict: a decompress failure is fatal to the frame.
package compress

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"flux-rpc/extension"
	"flux-rpc/rpcerror"
)

// Compressor tags as they appear in the frame header.
const (
	TypeNone   byte = 0
	TypeGzip   byte = 1
	TypeSnappy byte = 2
	TypeLZ4    byte = 3
)

// Minimum payload sizes worth compressing. Below these, compression overhead
// outweighs the savings.
const (
	GzipThreshold   = 1024
	SnappyThreshold = 512
	LZ4Threshold    = 256
)

// maxDecodedSize bounds the size a compressed payload may expand to,
// independent of the frame-size limit on the wire form.
const maxDecodedSize = 1 << 24

// Compressor compresses and decompresses payload bytes.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Type() byte
	Name() string
}

var (
	regMu  sync.RWMutex
	byTag  [256]Compressor
	byName = make(map[string]Compressor)

	logMu  sync.RWMutex
	logger = zap.NewNop()
)

// SetLogger installs the logger used for compression-failure warnings.
func SetLogger(l *zap.Logger) {
	if l == nil {
		return
	}
	logMu.Lock()
	logger = l.Named("compress")
	logMu.Unlock()
}

func warn(msg string, fields ...zap.Field) {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	l.Warn(msg, fields...)
}

// Register installs a compressor in the tag and name tables.
func Register(c Compressor) {
	regMu.Lock()
	byTag[c.Type()] = c
	byName[c.Name()] = c
	regMu.Unlock()
}

// ByTag resolves a compressor by its frame-header tag.
func ByTag(tag byte) (Compressor, error) {
	regMu.RLock()
	c := byTag[tag]
	regMu.RUnlock()
	if c == nil {
		return nil, fmt.Errorf("compress: no compressor for tag %d: %w", tag, rpcerror.ErrUnknownCompressor)
	}
	return c, nil
}

// ByName resolves a compressor by its registered name.
func ByName(name string) (Compressor, error) {
	regMu.RLock()
	c := byName[name]
	regMu.RUnlock()
	if c == nil {
		return nil, fmt.Errorf("compress: no compressor named %q: %w", name, rpcerror.ErrUnknownCompressor)
	}
	return c, nil
}

func registerExtension(name string, c Compressor) {
	extension.RegisterImpl("compressor", name, func() (any, error) { return c, nil })
}
