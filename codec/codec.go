// Package codec provides the pluggable serializers used for frame payloads.
//
// Each codec carries a fixed byte tag written into the frame header. Lookup by
// tag is a fixed array indexed by the tag byte; lookup by name goes through
// the extension descriptor. All codecs are safe for concurrent use.
package codec

import (
	"fmt"
	"sync"

	"flux-rpc/extension"
	"flux-rpc/rpcerror"
)

// Codec tags as they appear in the frame header.
const (
	TypeJSON    byte = 1
	TypeMsgpack byte = 2
	TypeCBOR    byte = 3
)

// Codec serializes envelope and parameter values.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() byte
	Name() string
}

var (
	regMu  sync.RWMutex
	byTag  [256]Codec
	byName = make(map[string]Codec)
)

// Register installs a codec in the tag and name tables. Registering over an
// existing tag replaces it.
func Register(c Codec) {
	regMu.Lock()
	byTag[c.Type()] = c
	byName[c.Name()] = c
	regMu.Unlock()
}

// ByTag resolves a codec by its frame-header tag.
func ByTag(tag byte) (Codec, error) {
	regMu.RLock()
	c := byTag[tag]
	regMu.RUnlock()
	if c == nil {
		return nil, fmt.Errorf("codec: no codec for tag %d: %w", tag, rpcerror.ErrUnknownCodec)
	}
	return c, nil
}

// ByName resolves a codec by its registered name.
func ByName(name string) (Codec, error) {
	regMu.RLock()
	c := byName[name]
	regMu.RUnlock()
	if c == nil {
		return nil, fmt.Errorf("codec: no codec named %q: %w", name, rpcerror.ErrUnknownCodec)
	}
	return c, nil
}

// EncodeByTag serializes v with the codec registered under tag.
func EncodeByTag(tag byte, v any) ([]byte, error) {
	c, err := ByTag(tag)
	if err != nil {
		return nil, err
	}
	return c.Encode(v)
}

// DecodeByTag deserializes data into v with the codec registered under tag.
func DecodeByTag(tag byte, data []byte, v any) error {
	c, err := ByTag(tag)
	if err != nil {
		return err
	}
	return c.Decode(data, v)
}

func registerExtension(name string, c Codec) {
	extension.RegisterImpl("codec", name, func() (any, error) { return c, nil })
}
