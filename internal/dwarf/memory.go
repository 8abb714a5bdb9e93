package dwarf

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// Memory models the traced target's address space: overlay regions
// patched in by the caller, backed by the sections of an ELF core image.
// Overlays win on overlap.
type Memory struct {
	overlays []region
	sections []region
}

type region struct {
	addr uint64
	data []byte
}

func (r region) contains(addr uint64) bool {
	return addr >= r.addr && addr < r.addr+uint64(len(r.data))
}

// NewMemory creates an empty memory with no backing image. Useful for
// running expression programs patched in entirely via SetOverlay.
func NewMemory() *Memory {
	return &Memory{}
}

// OpenCore loads the sections of an ELF core image as the backing layer.
func OpenCore(path string) (*Memory, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open core image: %w", err)
	}
	defer f.Close()
	return NewMemoryFromELF(f)
}

// NewMemoryFromELF loads all allocated sections of f.
func NewMemoryFromELF(f *elf.File) (*Memory, error) {
	m := &Memory{}
	for _, sec := range f.Sections {
		if sec.Addr == 0 || sec.Size == 0 || sec.Type == elf.SHT_NOBITS {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("read section %s: %w", sec.Name, err)
		}
		m.sections = append(m.sections, region{addr: sec.Addr, data: data})
	}
	return m, nil
}

// SetOverlay patches data into the address space at addr, shadowing any
// backing section on overlap.
func (m *Memory) SetOverlay(addr uint64, data []byte) {
	m.overlays = append(m.overlays, region{addr: addr, data: data})
}

// Slice returns the bytes from addr to the end of the containing region.
func (m *Memory) Slice(addr uint64) ([]byte, error) {
	for _, r := range m.overlays {
		if r.contains(addr) {
			return r.data[addr-r.addr:], nil
		}
	}
	for _, r := range m.sections {
		if r.contains(addr) {
			return r.data[addr-r.addr:], nil
		}
	}
	return nil, fmt.Errorf("no mapping for address %#x", addr)
}

// read returns exactly size bytes starting at addr.
func (m *Memory) read(addr uint64, size int) ([]byte, error) {
	b, err := m.Slice(addr)
	if err != nil {
		return nil, err
	}
	if len(b) < size {
		return nil, fmt.Errorf("short read at %#x: have %d bytes, need %d", addr, len(b), size)
	}
	return b[:size], nil
}

// ReadU64 reads a little-endian 64-bit word at addr.
func (m *Memory) ReadU64(addr uint64) (uint64, error) {
	b, err := m.read(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadU32 reads a little-endian 32-bit word at addr.
func (m *Memory) ReadU32(addr uint64) (uint32, error) {
	b, err := m.read(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadU16 reads a little-endian 16-bit word at addr.
func (m *Memory) ReadU16(addr uint64) (uint16, error) {
	b, err := m.read(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadU8 reads one byte at addr.
func (m *Memory) ReadU8(addr uint64) (uint8, error) {
	b, err := m.read(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}
