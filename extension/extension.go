// Package extension implements name→implementation discovery for pluggable
// capabilities (codecs, compressors, load balancers).
//
// Each capability has a descriptor resource embedded under descriptors/: one
// line per implementation in the form name=key, where key references a factory
// registered by the implementing package. Lines starting with '#' and blank
// lines are ignored; duplicate names keep the first occurrence. The first
// declared name is the capability's default.
//
// Lookups return cached singletons: a factory runs at most once per name, and
// an instantiation error is cached and returned on every subsequent lookup.
package extension

import (
	"bufio"
	"embed"
	"fmt"
	"strings"
	"sync"

	"flux-rpc/rpcerror"
)

//go:embed descriptors/*
var descriptorFS embed.FS

// Factory builds one implementation instance for a capability.
type Factory func() (any, error)

var implMu sync.Mutex
var impls = map[string]map[string]Factory{} // capability → key → factory

// RegisterImpl registers a factory under a capability-scoped key. Implementing
// packages call it from init; descriptors then map public names to these keys.
// A duplicate key replaces the previous factory.
func RegisterImpl(capability, key string, f Factory) {
	implMu.Lock()
	defer implMu.Unlock()
	m, ok := impls[capability]
	if !ok {
		m = make(map[string]Factory)
		impls[capability] = m
	}
	m[key] = f
}

func implFor(capability, key string) (Factory, bool) {
	implMu.Lock()
	defer implMu.Unlock()
	f, ok := impls[capability][key]
	return f, ok
}

// Loader resolves names to cached singleton instances for one capability.
type Loader struct {
	capability string

	mu        sync.Mutex
	names     map[string]string // name → implementation key
	order     []string          // declaration order; order[0] is the default
	instances map[string]*instance
}

type instance struct {
	once sync.Once
	v    any
	err  error
}

var loaderMu sync.Mutex
var loaders = map[string]*Loader{}

// LoaderFor returns the process-wide loader for a capability, parsing its
// embedded descriptor on first use. A capability without a descriptor starts
// empty and can be populated with Register.
func LoaderFor(capability string) *Loader {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	if l, ok := loaders[capability]; ok {
		return l
	}
	l := &Loader{
		capability: capability,
		names:      make(map[string]string),
		instances:  make(map[string]*instance),
	}
	if data, err := descriptorFS.ReadFile("descriptors/" + capability); err == nil {
		l.parse(string(data))
	}
	loaders[capability] = l
	return l
}

func (l *Loader) parse(data string) {
	sc := bufio.NewScanner(strings.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, key, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		l.register(strings.TrimSpace(name), strings.TrimSpace(key))
	}
}

// Register adds a name→key mapping as if it had appeared at the end of the
// descriptor. Duplicate names keep the first mapping.
func (l *Loader) Register(name, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.register(name, key)
}

func (l *Loader) register(name, key string) {
	if _, dup := l.names[name]; dup {
		return
	}
	l.names[name] = key
	l.order = append(l.order, name)
}

// Get returns the singleton instance registered under name.
func (l *Loader) Get(name string) (any, error) {
	l.mu.Lock()
	key, ok := l.names[name]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("extension %q/%q: %w", l.capability, name, rpcerror.ErrExtensionNotFound)
	}
	inst, ok := l.instances[name]
	if !ok {
		inst = &instance{}
		l.instances[name] = inst
	}
	l.mu.Unlock()

	inst.once.Do(func() {
		f, ok := implFor(l.capability, key)
		if !ok {
			inst.err = fmt.Errorf("extension %q/%q: implementation %q not registered: %w",
				l.capability, name, key, rpcerror.ErrExtensionNotFound)
			return
		}
		inst.v, inst.err = f()
	})
	return inst.v, inst.err
}

// GetDefault returns the first-declared extension for the capability.
func (l *Loader) GetDefault() (any, error) {
	l.mu.Lock()
	if len(l.order) == 0 {
		l.mu.Unlock()
		return nil, fmt.Errorf("extension %q: no implementations declared: %w",
			l.capability, rpcerror.ErrExtensionNotFound)
	}
	name := l.order[0]
	l.mu.Unlock()
	return l.Get(name)
}

// Names returns the declared names in descriptor order.
func (l *Loader) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// Resolve looks up a named extension and asserts its type. An empty name
// resolves the capability's default.
func Resolve[T any](capability, name string) (T, error) {
	var zero T
	l := LoaderFor(capability)
	var v any
	var err error
	if name == "" {
		v, err = l.GetDefault()
	} else {
		v, err = l.Get(name)
	}
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("extension %q/%q: implementation is %T, not %T: %w",
			capability, name, v, zero, rpcerror.ErrExtensionNotFound)
	}
	return t, nil
}
