package emu_test

import (
	"github.com/awesomekling/vomit/emu"
	"github.com/awesomekling/vomit/insts"
)

// The tests drive the core the way a guest would: machine code placed in
// RAM, executed in autotest mode where opcode 0xF1 stops the run.

const (
	testCodeSeg  = 0x1000
	testCodeBase = 0x10000
	testStackSeg = 0x2000
	testStackPtr = 0x1000

	// Scratch physical addresses test programs store results at.
	scratch0 = 0x2000
	scratch1 = 0x2004
	scratch2 = 0x2008
	scratch3 = 0x200C
	scratch4 = 0x2010
)

func newTestCPU(opts ...emu.Option) *emu.CPU {
	all := append([]emu.Option{
		emu.WithMemorySize(4 * 1024 * 1024),
		emu.WithAutotestEntry(testCodeSeg, 0),
	}, opts...)
	cpu := emu.NewCPU(all...)
	_ = cpu.SetSegmentRegister(insts.SS, testStackSeg)
	cpu.WriteReg16(emu.RegESP, testStackPtr)
	return cpu
}

func loadBytes(cpu *emu.CPU, paddr uint32, data []byte) {
	for i, b := range data {
		cpu.Memory().Write8(paddr+uint32(i), b)
	}
}

// runProgram executes real-mode code at 1000:0000 until the trailing 0xF1.
func runProgram(code ...byte) *emu.CPU {
	cpu := newTestCPU()
	loadBytes(cpu, testCodeBase, append(code, 0xF1))
	_ = cpu.Run()
	return cpu
}

// setIVT points a real-mode interrupt vector at segment:offset.
func setIVT(cpu *emu.CPU, vector uint8, seg, off uint16) {
	cpu.Memory().Write16(uint32(vector)*4, off)
	cpu.Memory().Write16(uint32(vector)*4+2, seg)
}

func dword(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// segDescriptor encodes an 8-byte code/data descriptor.
func segDescriptor(base, limit uint32, access, flags uint8) []byte {
	return []byte{
		byte(limit), byte(limit >> 8),
		byte(base), byte(base >> 8), byte(base >> 16),
		access,
		byte(limit>>16)&0xF | flags<<4,
		byte(base >> 24),
	}
}

// gateDescriptor encodes a gate: selector, offset, access byte.
func gateDescriptor(selector uint16, offset uint32, access uint8) []byte {
	return []byte{
		byte(offset), byte(offset >> 8),
		byte(selector), byte(selector >> 8),
		0,
		access,
		byte(offset >> 16), byte(offset >> 24),
	}
}

// Physical layout used by the protected-mode harness.
const (
	gdtBase     = 0x500
	gdtrImage   = 0x600
	idtrImage   = 0x608
	idtBase     = 0x800
	tssBase     = 0x7000
	ring0Stack  = 0x60000
	ring3Stack  = 0x50000
	pmEntryBase = 0x11000
)

// GDT selectors installed by installProtectedModeTables.
const (
	selCode32 = 0x08
	selData32 = 0x10
	selCode3  = 0x18 // ring-3 code, use 0x1B
	selData3  = 0x20 // ring-3 data, use 0x23
	selTSS    = 0x28
	selGate   = 0x30 // call gate into selCode32, patched per test
)

// installProtectedModeTables writes a GDT with flat 32-bit ring-0 and
// ring-3 segments, a TSS whose ring-0 stack is ss=0x10:esp=ring0Stack, and
// GDTR/IDTR images. The IDT itself starts zeroed; tests install gates.
func installProtectedModeTables(cpu *emu.CPU, gateEntry uint32) {
	gdt := make([]byte, 0, 8*7)
	gdt = append(gdt, make([]byte, 8)...) // null
	gdt = append(gdt, segDescriptor(0, 0xFFFFF, 0x9A, 0xC)...)
	gdt = append(gdt, segDescriptor(0, 0xFFFFF, 0x92, 0xC)...)
	gdt = append(gdt, segDescriptor(0, 0xFFFFF, 0xFA, 0xC)...)
	gdt = append(gdt, segDescriptor(0, 0xFFFFF, 0xF2, 0xC)...)
	gdt = append(gdt, segDescriptor(tssBase, 0x67, 0x89, 0x0)...)
	gdt = append(gdt, gateDescriptor(selCode32, gateEntry, 0xEC)...) // call gate, DPL 3
	loadBytes(cpu, gdtBase, gdt)

	// GDTR/IDTR images for LGDT/LIDT.
	loadBytes(cpu, gdtrImage, []byte{0x37, 0x00, 0x00, 0x05, 0x00, 0x00})
	loadBytes(cpu, idtrImage, []byte{0xFF, 0x07, 0x00, 0x08, 0x00, 0x00})

	// 32-bit TSS: esp0 at +4, ss0 at +8.
	loadBytes(cpu, tssBase+4, dword(ring0Stack))
	loadBytes(cpu, tssBase+8, []byte{selData32, 0x00})
}

// setIDTGate installs a 32-bit interrupt gate for a vector.
func setIDTGate(cpu *emu.CPU, vector uint8, handler uint32) {
	loadBytes(cpu, idtBase+uint32(vector)*8, gateDescriptor(selCode32, handler, 0x8E))
}

// enterProtectedMode assembles the real-mode prologue that loads the
// tables, sets CR0.PE and far-jumps into a 32-bit code segment, then the
// 32-bit body (with flat SS/DS/ES already loaded). The body runs at
// pmEntryBase and ends with 0xF1.
func enterProtectedMode(cpu *emu.CPU, body []byte) {
	prologue := []byte{
		0x0F, 0x01, 0x16, 0x00, 0x06, // lgdt [0x0600]
		0x0F, 0x01, 0x1E, 0x08, 0x06, // lidt [0x0608]
		0x0F, 0x20, 0xC0, // mov eax, cr0
		0x66, 0x83, 0xC8, 0x01, // or eax, 1
		0x0F, 0x22, 0xC0, // mov cr0, eax
		0x66, 0xEA, // jmp far dword 0008:pmEntryBase
	}
	prologue = append(prologue, dword(pmEntryBase)...)
	prologue = append(prologue, selCode32, 0x00)
	loadBytes(cpu, testCodeBase, prologue)

	setup := []byte{
		0xB8, 0x10, 0x00, 0x00, 0x00, // mov eax, selData32
		0x8E, 0xD0, // mov ss, ax
		0xBC, 0x00, 0x00, 0x09, 0x00, // mov esp, 0x90000
		0x8E, 0xD8, // mov ds, ax
		0x8E, 0xC0, // mov es, ax
	}
	program := append(setup, body...)
	program = append(program, 0xF1)
	loadBytes(cpu, pmEntryBase, program)
}
