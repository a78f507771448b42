package emu

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// MemoryProviderBlockSize is the granularity at which the low 1 MiB window
// is partitioned among memory providers.
const MemoryProviderBlockSize = 16 * 1024

const lowMemoryWindow = 1 << 20

// MemoryProvider models a device that claims a physical address range below
// 1 MiB (VGA framebuffer, BIOS ROM). Typed accesses receive the full
// physical address. DirectReadPointer may return a stable backing slice
// covering [Base, Base+Size) for zero-copy reads, or nil.
type MemoryProvider interface {
	Read8(paddr uint32) uint8
	Write8(paddr uint32, v uint8)
	Read16(paddr uint32) uint16
	Write16(paddr uint32, v uint16)
	Read32(paddr uint32) uint32
	Write32(paddr uint32, v uint32)
	Base() uint32
	Size() uint32
	DirectReadPointer() []byte
}

// Memory is the physical address space: a flat RAM array with provider
// overlays on low-memory blocks. Addresses beyond RAM read as zero and
// silently drop writes (with a log line), so a confused guest keeps running.
type Memory struct {
	ram       []byte
	providers [lowMemoryWindow / MemoryProviderBlockSize]MemoryProvider
	log       *logrus.Entry
}

// NewMemory creates size bytes of zeroed RAM.
func NewMemory(size uint32, log *logrus.Entry) *Memory {
	return &Memory{ram: make([]byte, size), log: log}
}

// Size returns the RAM size in bytes.
func (m *Memory) Size() uint32 { return uint32(len(m.ram)) }

// Reset zeroes RAM. Provider registrations survive a reset.
func (m *Memory) Reset() {
	for i := range m.ram {
		m.ram[i] = 0
	}
}

// RegisterProvider maps p over the blocks covering [p.Base(), p.Base()+p.Size()).
// The range must be block-aligned and fall inside the low 1 MiB window; each
// block maps to at most one provider.
func (m *Memory) RegisterProvider(p MemoryProvider) error {
	base, size := p.Base(), p.Size()
	if base%MemoryProviderBlockSize != 0 || size%MemoryProviderBlockSize != 0 {
		return fmt.Errorf("memory provider range %#x+%#x is not block aligned", base, size)
	}
	if base+size > lowMemoryWindow {
		return fmt.Errorf("memory provider range %#x+%#x exceeds the low-memory window", base, size)
	}
	for block := base / MemoryProviderBlockSize; block < (base+size)/MemoryProviderBlockSize; block++ {
		if m.providers[block] != nil {
			return fmt.Errorf("memory provider block %#x already claimed", block*MemoryProviderBlockSize)
		}
		m.providers[block] = p
	}
	return nil
}

func (m *Memory) providerFor(paddr uint32) MemoryProvider {
	if paddr >= lowMemoryWindow {
		return nil
	}
	return m.providers[paddr/MemoryProviderBlockSize]
}

// Read8 reads one byte of physical memory.
func (m *Memory) Read8(paddr uint32) uint8 {
	if p := m.providerFor(paddr); p != nil {
		return p.Read8(paddr)
	}
	if paddr >= uint32(len(m.ram)) {
		m.log.WithField("paddr", fmt.Sprintf("%#08x", paddr)).Debug("read past end of RAM")
		return 0
	}
	return m.ram[paddr]
}

// Read16 reads a little-endian word of physical memory.
func (m *Memory) Read16(paddr uint32) uint16 {
	if p := m.providerFor(paddr); p != nil && p == m.providerFor(paddr+1) {
		return p.Read16(paddr)
	}
	return uint16(m.Read8(paddr)) | uint16(m.Read8(paddr+1))<<8
}

// Read32 reads a little-endian dword of physical memory.
func (m *Memory) Read32(paddr uint32) uint32 {
	if p := m.providerFor(paddr); p != nil && p == m.providerFor(paddr+3) {
		return p.Read32(paddr)
	}
	return uint32(m.Read16(paddr)) | uint32(m.Read16(paddr+2))<<16
}

// Write8 writes one byte of physical memory.
func (m *Memory) Write8(paddr uint32, v uint8) {
	if p := m.providerFor(paddr); p != nil {
		p.Write8(paddr, v)
		return
	}
	if paddr >= uint32(len(m.ram)) {
		m.log.WithField("paddr", fmt.Sprintf("%#08x", paddr)).Debug("write past end of RAM dropped")
		return
	}
	m.ram[paddr] = v
}

// Write16 writes a little-endian word of physical memory.
func (m *Memory) Write16(paddr uint32, v uint16) {
	if p := m.providerFor(paddr); p != nil && p == m.providerFor(paddr+1) {
		p.Write16(paddr, v)
		return
	}
	m.Write8(paddr, uint8(v))
	m.Write8(paddr+1, uint8(v>>8))
}

// Write32 writes a little-endian dword of physical memory.
func (m *Memory) Write32(paddr uint32, v uint32) {
	if p := m.providerFor(paddr); p != nil && p == m.providerFor(paddr+3) {
		p.Write32(paddr, v)
		return
	}
	m.Write16(paddr, uint16(v))
	m.Write16(paddr+2, uint16(v>>16))
}
