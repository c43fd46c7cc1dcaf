package compress

// NoneCompressor passes payloads through untouched. It backs the none tag so
// callers never have to special-case the uncompressed path.
type NoneCompressor struct{}

func (NoneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (NoneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (NoneCompressor) Type() byte                             { return TypeNone }
func (NoneCompressor) Name() string                           { return "none" }

func init() {
	c := NoneCompressor{}
	Register(c)
	registerExtension("none", c)
}
