package procmeta

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/procfs"
)

// DefaultCacheSize bounds the number of processes kept in memory.
const DefaultCacheSize = 4096

// Manager caches process metadata read from procfs.
type Manager struct {
	fs       procfs.FS
	metadata *lru.Cache[uint32, *ProcessMetadata]

	mu             sync.RWMutex
	metadataErrors map[uint32]error // PID -> last collection error
	observers      []func(pid uint32, md *ProcessMetadata)
}

// NewManager reads processes from the procfs mounted at mountPoint and keeps
// up to size of them.
func NewManager(mountPoint string, size int) (*Manager, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", mountPoint, err)
	}
	cache, err := lru.New[uint32, *ProcessMetadata](size)
	if err != nil {
		return nil, err
	}
	return &Manager{
		fs:             fs,
		metadata:       cache,
		metadataErrors: make(map[uint32]error),
	}, nil
}

// Get returns cached metadata, or nil.
func (m *Manager) Get(pid uint32) *ProcessMetadata {
	md, _ := m.metadata.Get(pid)
	return md
}

// GetError returns the error met the last time pid was resolved.
func (m *Manager) GetError(pid uint32) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadataErrors[pid]
}

// Set stores metadata for a PID, replacing what was there.
func (m *Manager) Set(pid uint32, metadata *ProcessMetadata) {
	m.metadata.Add(pid, metadata)
}

// Delete forgets a PID.
func (m *Manager) Delete(pid uint32) {
	m.metadata.Remove(pid)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metadataErrors, pid)
}

// Observe registers fn to be called with every process read from procfs.
// It must be called before the manager is used.
func (m *Manager) Observe(fn func(pid uint32, md *ProcessMetadata)) {
	m.observers = append(m.observers, fn)
}

// Len returns the number of cached processes.
func (m *Manager) Len() int {
	return m.metadata.Len()
}

// Resolve returns the metadata of pid, reading procfs on a cache miss. A
// process that already exited is not cached and its error is kept for
// GetError.
func (m *Manager) Resolve(pid uint32) (*ProcessMetadata, error) {
	if md, ok := m.metadata.Get(pid); ok {
		return md, nil
	}

	md, err := m.read(pid)
	if err != nil {
		m.mu.Lock()
		m.metadataErrors[pid] = err
		m.mu.Unlock()
		return nil, err
	}
	m.Set(pid, md)
	for _, fn := range m.observers {
		fn(pid, md)
	}
	return md, nil
}

func (m *Manager) read(pid uint32) (*ProcessMetadata, error) {
	proc, err := m.fs.Proc(int(pid))
	if err != nil {
		return nil, fmt.Errorf("pid %d: %w", pid, err)
	}
	comm, err := proc.Comm()
	if err != nil {
		return nil, fmt.Errorf("pid %d comm: %w", pid, err)
	}
	md := &ProcessMetadata{Comm: comm}

	// Kernel threads have no command line. The environment of processes
	// owned by other users may not be readable.
	if raw, err := proc.CmdLine(); err == nil {
		md.Args, md.Cmdline = parseCmdline(raw)
	}
	if raw, err := proc.Environ(); err == nil {
		md.Environ = parseEnviron(raw)
	}
	return md, nil
}
