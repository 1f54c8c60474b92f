package events

import (
	"fmt"
	"sync"
)

// SectionFactory decodes all the sections of one type found in an event
// into the typed record. On error it must leave ev untouched.
type SectionFactory interface {
	Decode(sections []RawSection, ev *Event) error
}

// SectionFactoryFunc adapts a function to SectionFactory.
type SectionFactoryFunc func(sections []RawSection, ev *Event) error

func (f SectionFactoryFunc) Decode(sections []RawSection, ev *Event) error {
	return f(sections, ev)
}

// Registry maps section types to their factory. The core sections are
// registered on creation; collectors register the types they own.
type Registry struct {
	mu        sync.RWMutex
	factories map[SectionType]SectionFactory
}

// NewRegistry creates a registry holding the COMMON, KERNEL and USERSPACE
// factories. symbols may be nil, in which case probe addresses are printed
// instead of names.
func NewRegistry(symbols SymbolResolver) *Registry {
	r := &Registry{factories: make(map[SectionType]SectionFactory)}
	r.factories[SectionCommon] = SectionFactoryFunc(decodeCommon)
	r.factories[SectionKernel] = &KernelFactory{Symbols: symbols}
	r.factories[SectionUserspace] = &UserFactory{Symbols: symbols}
	return r
}

// Register adds the factory of a section type. Types can only be
// registered once.
func (r *Registry) Register(t SectionType, f SectionFactory) error {
	if !t.Known() {
		return fmt.Errorf("registering factory: unknown section type %d", uint8(t))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[t]; ok {
		return fmt.Errorf("registering factory: section %s already has one", t)
	}
	r.factories[t] = f
	return nil
}

// Lookup returns the factory of a section type.
func (r *Registry) Lookup(t SectionType) (SectionFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[t]
	return f, ok
}
