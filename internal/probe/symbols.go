package probe

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// syntheticBase is where addresses of symbols unknown to the kernel symbol
// table start. It is below the kernel address space so the two never mix.
const syntheticBase = 0x1000

// Symbols maps symbol names to addresses and back. Addresses come from
// /proc/kallsyms when readable; other symbols (tracepoints, USDT probes, or
// everything when kallsyms is hidden) get a stable synthetic address.
type Symbols struct {
	mu     sync.RWMutex
	byName map[string]uint64
	byAddr map[uint64]string
	next   uint64
}

// NewSymbols returns an empty table.
func NewSymbols() *Symbols {
	return &Symbols{
		byName: make(map[string]uint64),
		byAddr: make(map[uint64]string),
		next:   syntheticBase,
	}
}

// ReadKallsyms loads the kernel symbols. Without the privileges to read the
// addresses the table is empty and every symbol becomes synthetic.
func ReadKallsyms() (*Symbols, error) {
	f, err := os.Open("/proc/kallsyms")
	if err != nil {
		return nil, fmt.Errorf("opening kallsyms: %w", err)
	}
	defer func() {
		_ = f.Close() //nolint:errcheck // Read-only file
	}()
	return LoadKallsyms(f)
}

// LoadKallsyms parses symbols in the kallsyms format:
//
//	ffffffff81000000 T _stext
//	ffffffffc0a01000 t ovs_dp_upcall	[openvswitch]
func LoadKallsyms(r io.Reader) (*Symbols, error) {
	s := NewSymbols()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing kallsyms address %q: %w", fields[0], err)
		}
		// Hidden addresses are all zero.
		if addr == 0 {
			continue
		}
		name := fields[2]
		if _, ok := s.byName[name]; ok {
			continue
		}
		s.byName[name] = addr
		if _, ok := s.byAddr[addr]; !ok {
			s.byAddr[addr] = name
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading kallsyms: %w", err)
	}
	return s, nil
}

// Addr returns the address of name.
func (s *Symbols) Addr(name string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.byName[name]
	return addr, ok
}

// SymbolName returns the symbol at addr.
func (s *Symbols) SymbolName(addr uint64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.byAddr[addr]
	return name, ok
}

// Intern returns the address of name, assigning a synthetic one if the
// symbol is unknown.
func (s *Symbols) Intern(name string) uint64 {
	if addr, ok := s.Addr(name); ok {
		return addr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if addr, ok := s.byName[name]; ok {
		return addr
	}
	for {
		addr := s.next
		s.next += 0x10
		if _, taken := s.byAddr[addr]; taken {
			continue
		}
		s.byName[name] = addr
		s.byAddr[addr] = name
		return addr
	}
}

// Len returns the number of known symbols.
func (s *Symbols) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byName)
}
