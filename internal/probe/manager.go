package probe

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	// ProbeMax is the number of attachment points the probe object can
	// handle.
	ProbeMax = 1024
	// HookMax is the number of hooks a single probe can run.
	HookMax = 10
)

var (
	ErrProbeListFull = errors.New("probe list is full")
	ErrHookListFull  = errors.New("hook list is full")
	ErrFrozen        = errors.New("probe registration is closed")
)

// Manager collects probes and hooks from collectors and the user. Probes
// without a targeted hook only run the generic hooks; targeted probes run
// their own hooks followed by the generic ones, when they support them.
type Manager struct {
	mu           sync.Mutex
	symbols      *Symbols
	generic      map[string]Probe
	genericHooks []Hook
	targeted     map[string]*targetedSet
	frozen       bool
}

type targetedSet struct {
	probe Probe
	hooks []Hook
}

// NewManager creates a manager resolving symbols with symbols.
func NewManager(symbols *Symbols) *Manager {
	if symbols == nil {
		symbols = NewSymbols()
	}
	return &Manager{
		symbols:  symbols,
		generic:  make(map[string]Probe),
		targeted: make(map[string]*targetedSet),
	}
}

// Symbols returns the symbol table used by the manager.
func (m *Manager) Symbols() *Symbols {
	return m.symbols
}

func (m *Manager) checkProbeMax() error {
	if len(m.generic)+len(m.targeted) >= ProbeMax {
		return fmt.Errorf("%w: reached maximum capacity (%d)", ErrProbeListFull, ProbeMax)
	}
	return nil
}

// AddProbe requests a probe running the generic hooks. Adding a probe twice,
// or one that already has targeted hooks, is a no-op.
func (m *Manager) AddProbe(p Probe) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return ErrFrozen
	}
	if !p.Kind.Kernel() {
		return fmt.Errorf("probe %s: only kernel probes run generic hooks", p)
	}

	key := p.Key()
	if _, ok := m.targeted[key]; ok {
		return nil
	}
	if _, ok := m.generic[key]; ok {
		return nil
	}
	if err := m.checkProbeMax(); err != nil {
		return err
	}
	m.generic[key] = p
	return nil
}

// RegisterKernelHook requests a hook to run on every kernel probe.
func (m *Manager) RegisterKernelHook(h Hook) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return ErrFrozen
	}
	if h.Func == nil {
		return fmt.Errorf("hook %q has no function", h.Name)
	}

	most := 0
	for _, set := range m.targeted {
		if set.probe.Kind.Kernel() && len(set.hooks) > most {
			most = len(set.hooks)
		}
	}
	if len(m.genericHooks)+most >= HookMax {
		return fmt.Errorf("%w: registering generic hook %q", ErrHookListFull, h.Name)
	}

	m.genericHooks = append(m.genericHooks, h)
	return nil
}

// RegisterHookTo requests a hook to run on a specific probe. USDT probes
// accept a single hook.
func (m *Manager) RegisterHookTo(h Hook, p Probe) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return ErrFrozen
	}
	if h.Func == nil {
		return fmt.Errorf("hook %q has no function", h.Name)
	}

	generic := 0
	if p.Kind.Kernel() {
		generic = len(m.genericHooks)
	}

	key := p.Key()
	if set, ok := m.targeted[key]; ok {
		if p.Kind == Usdt {
			return fmt.Errorf("probe %s: usdt probes only support a single hook", p)
		}
		if generic+len(set.hooks) >= HookMax {
			return fmt.Errorf("%w: registering hook %q to %s", ErrHookListFull, h.Name, p)
		}
		set.hooks = append(set.hooks, h)
		return nil
	}

	if generic >= HookMax {
		return fmt.Errorf("%w: registering hook %q to %s", ErrHookListFull, h.Name, p)
	}
	// A probe moving from the generic list keeps its slot.
	if _, ok := m.generic[key]; ok {
		delete(m.generic, key)
	} else if err := m.checkProbeMax(); err != nil {
		return err
	}

	m.targeted[key] = &targetedSet{probe: p, hooks: []Hook{h}}
	return nil
}

// Attachment is a probe with the ordered list of hooks it runs.
type Attachment struct {
	Probe Probe
	Hooks []Hook
	// Addr is the symbol address reported in the probe section.
	Addr uint64
}

// Table is the frozen result of the registration phase.
type Table struct {
	attachments map[string]*Attachment
	ordered     []*Attachment
}

// Resolve closes the registration and binds every hook to its attachment
// points.
func (m *Manager) Resolve() *Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = true

	t := &Table{attachments: make(map[string]*Attachment, len(m.generic)+len(m.targeted))}
	add := func(p Probe, hooks []Hook) {
		a := &Attachment{
			Probe: p,
			Hooks: hooks,
			Addr:  m.symbols.Intern(p.Symbol),
		}
		t.attachments[p.Key()] = a
		t.ordered = append(t.ordered, a)
	}

	for _, p := range m.generic {
		add(p, append([]Hook(nil), m.genericHooks...))
	}
	for _, set := range m.targeted {
		hooks := append([]Hook(nil), set.hooks...)
		if set.probe.Kind.Kernel() {
			hooks = append(hooks, m.genericHooks...)
		}
		add(set.probe, hooks)
	}

	sort.Slice(t.ordered, func(i, j int) bool {
		return t.ordered[i].Probe.Key() < t.ordered[j].Probe.Key()
	})
	return t
}

// Lookup returns the attachment of a probe key.
func (t *Table) Lookup(key string) (*Attachment, bool) {
	a, ok := t.attachments[key]
	return a, ok
}

// Attachments returns every attachment, sorted by key.
func (t *Table) Attachments() []*Attachment {
	return t.ordered
}

// Len returns the number of attachments.
func (t *Table) Len() int {
	return len(t.ordered)
}
