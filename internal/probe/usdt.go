package probe

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	stapsdtNoteSection = ".note.stapsdt"
	stapsdtBaseSection = ".stapsdt.base"
	stapsdtNoteName    = "stapsdt"
	stapsdtNoteType    = 3
)

// ErrUsdtNotFound is returned when a binary has no matching USDT note.
var ErrUsdtNotFound = errors.New("usdt probe not found")

// UsdtNote is a USDT probe as described in the .note.stapsdt section of a
// binary.
type UsdtNote struct {
	Provider  string
	Name      string
	Location  uint64
	Base      uint64
	Semaphore uint64
	Args      string
}

// UsdtNotes returns the USDT probes of the ELF binary at path.
func UsdtNotes(path string) ([]UsdtNote, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() {
		_ = f.Close() //nolint:errcheck // Read-only file
	}()
	return readUsdtNotes(f)
}

func readUsdtNotes(f *elf.File) ([]UsdtNote, error) {
	sec := f.Section(stapsdtNoteSection)
	if sec == nil {
		return nil, nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", stapsdtNoteSection, err)
	}

	var baseAddr uint64
	if base := f.Section(stapsdtBaseSection); base != nil {
		baseAddr = base.Addr
	}

	var notes []UsdtNote
	order := f.ByteOrder
	for len(data) >= 12 {
		nameSz := int(order.Uint32(data[0:]))
		descSz := int(order.Uint32(data[4:]))
		typ := order.Uint32(data[8:])
		data = data[12:]

		nameEnd := align4(nameSz)
		descEnd := nameEnd + align4(descSz)
		if descEnd > len(data) || nameSz > len(data) || nameEnd+descSz > len(data) {
			return nil, fmt.Errorf("truncated %s note", stapsdtNoteSection)
		}
		name := string(bytes.TrimRight(data[:nameSz], "\x00"))
		desc := data[nameEnd : nameEnd+descSz]
		data = data[descEnd:]

		if name != stapsdtNoteName || typ != stapsdtNoteType {
			continue
		}
		note, err := parseStapsdtDesc(desc, order)
		if err != nil {
			return nil, err
		}
		// Prelinked binaries moved the base section; apply the same offset.
		if baseAddr != 0 && note.Base != 0 {
			note.Location += baseAddr - note.Base
			if note.Semaphore != 0 {
				note.Semaphore += baseAddr - note.Base
			}
		}
		notes = append(notes, note)
	}
	return notes, nil
}

func parseStapsdtDesc(desc []byte, order binary.ByteOrder) (UsdtNote, error) {
	if len(desc) < 24 {
		return UsdtNote{}, fmt.Errorf("stapsdt note descriptor too short (%d bytes)", len(desc))
	}
	note := UsdtNote{
		Location:  order.Uint64(desc[0:]),
		Base:      order.Uint64(desc[8:]),
		Semaphore: order.Uint64(desc[16:]),
	}
	strs := bytes.SplitN(desc[24:], []byte{0}, 4)
	if len(strs) < 3 {
		return UsdtNote{}, errors.New("stapsdt note descriptor misses strings")
	}
	note.Provider = string(strs[0])
	note.Name = string(strs[1])
	note.Args = string(strs[2])
	return note, nil
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// UsdtOffset returns the file offset of a USDT probe, the value uprobes
// attach to.
func UsdtOffset(path, provider, name string) (uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() {
		_ = f.Close() //nolint:errcheck // Read-only file
	}()

	notes, err := readUsdtNotes(f)
	if err != nil {
		return 0, err
	}
	for _, n := range notes {
		if n.Provider != provider || n.Name != name {
			continue
		}
		for _, prog := range f.Progs {
			if prog.Type != elf.PT_LOAD || prog.Flags&elf.PF_X == 0 {
				continue
			}
			if n.Location >= prog.Vaddr && n.Location < prog.Vaddr+prog.Memsz {
				return n.Location - prog.Vaddr + prog.Off, nil
			}
		}
		return 0, fmt.Errorf("usdt %s::%s at %#x is outside any executable segment", provider, name, n.Location)
	}
	return 0, fmt.Errorf("%w: %s::%s in %s", ErrUsdtNotFound, provider, name, path)
}
