package emu

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/awesomekling/vomit/insts"
)

// General-purpose register indices, in hardware encoding order.
const (
	RegEAX = 0
	RegECX = 1
	RegEDX = 2
	RegEBX = 3
	RegESP = 4
	RegEBP = 5
	RegESI = 6
	RegEDI = 7
)

// CR0 bits.
const (
	CR0PE = 1 << 0
	CR0MP = 1 << 1
	CR0EM = 1 << 2
	CR0TS = 1 << 3
	CR0ET = 1 << 4
	CR0NE = 1 << 5
	CR0WP = 1 << 16
	CR0AM = 1 << 18
	CR0NW = 1 << 29
	CR0CD = 1 << 30
	CR0PG = 1 << 31
)

// CR4 bits the core reacts to.
const (
	CR4TSD = 1 << 2
)

// State is the lifecycle state of the CPU.
type State uint8

// CPU states.
const (
	StateAlive State = iota
	StateHalted
	StateDead
)

// Command is an externally queued request, latched and serviced at the main
// loop's slow-path check.
type Command uint8

// Commands.
const (
	EnterDebugger Command = iota
	ExitDebugger
	HardReboot
)

// InterruptController is the CPU-facing contract of the PIC model: a single
// pending flag polled between instructions, and a callback that delivers the
// vectored interrupt when IF allows it.
type InterruptController interface {
	HasPendingIRQ() bool
	ServiceIRQ(c *CPU)
}

// DescriptorTableRegister holds GDTR/IDTR/LDTR state.
type DescriptorTableRegister struct {
	Base  uint32
	Limit uint32
}

// TaskRegister holds TR state.
type TaskRegister struct {
	Selector uint16
	Base     uint32
	Limit    uint32
	Is32Bit  bool
}

// CPU is an 80386-class processor core. One CPU is constructed per machine
// and owns all architectural state; device models interact with it only
// through port I/O, memory providers and the interrupt controller.
type CPU struct {
	gpr  [8]uint32
	eip  uint32
	sreg [6]uint16

	descriptorCache [6]Descriptor

	// Eager flag bits. ZF/SF/PF are additionally tracked lazily through
	// lastResult/lastOpSize/dirtyFlags and materialized on read.
	cf, pf, af, zf, sf, of bool
	flagIF, flagDF, flagTF bool
	iopl                   uint8
	nt, rf, vm             bool
	ac, vif, vip, id       bool

	lastResult uint32
	lastOpSize uint8
	dirtyFlags uint32

	cr0, cr2, cr3, cr4 uint32
	dr                 [8]uint32

	gdtr, idtr DescriptorTableRegister
	ldtr       DescriptorTableRegister
	ldtrSel    uint16
	tr         TaskRegister

	memory  *Memory
	a20Mask uint32

	ioDevices       [65536]IODevice
	warnedPorts     map[uint16]bool
	pic             InterruptController

	decoder *insts.Decoder

	state State
	cycle uint64

	// Base CS:EIP of the instruction being executed, for exception
	// delivery and reporting.
	baseCS  uint16
	baseEIP uint32

	// Code segment defaults, refreshed on CS writes.
	o32Default bool
	a32Default bool

	nextInstructionUninterruptible bool
	exceptionDepth                 uint8

	shouldHardReboot bool
	debuggerRequest  Command
	hasDebuggerReq   bool
	debuggerActive   bool
	needsSlowStuff   bool

	autotest bool
	entryCS  uint16
	entryIP  uint32

	maxInstructions uint64
	instructionsRun uint64
	fatalErr        error

	memorySize uint32
	log        *logrus.Entry
}

// Option configures a CPU at construction time.
type Option func(*CPU)

// WithMemorySize sets the RAM size in bytes. The default is 8 MiB.
func WithMemorySize(size uint32) Option {
	return func(c *CPU) { c.memorySize = size }
}

// WithLogger routes core logging to the given logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *CPU) { c.log = logrus.NewEntry(logger) }
}

// WithInterruptController attaches the PIC model.
func WithInterruptController(pic InterruptController) Option {
	return func(c *CPU) { c.pic = pic }
}

// WithAutotestEntry puts the CPU in autotest mode: reset jumps to cs:ip
// instead of the BIOS entry point, and opcode 0xF1 stops the main loop.
func WithAutotestEntry(cs uint16, ip uint32) Option {
	return func(c *CPU) {
		c.autotest = true
		c.entryCS = cs
		c.entryIP = ip
	}
}

// WithMaxInstructions bounds Run to n instructions; 0 means no limit.
func WithMaxInstructions(n uint64) Option {
	return func(c *CPU) { c.maxInstructions = n }
}

// NewCPU creates a CPU with freshly zeroed memory and resets it.
func NewCPU(opts ...Option) *CPU {
	c := &CPU{
		memorySize:  8192 * 1024,
		warnedPorts: make(map[uint16]bool),
		decoder:     insts.NewDecoder(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		quiet := logrus.New()
		quiet.SetOutput(io.Discard)
		c.log = logrus.NewEntry(quiet)
	}
	c.memory = NewMemory(c.memorySize, c.log)
	c.Reset()
	return c
}

// Memory returns the physical memory model, for providers and test setup.
func (c *CPU) Memory() *Memory { return c.memory }

// Cycle returns the instruction cycle counter.
func (c *CPU) Cycle() uint64 { return c.cycle }

// State returns the CPU lifecycle state.
func (c *CPU) State() State { return c.state }

// Reset restores the architectural power-on state: zeroed registers, empty
// descriptor tables, EFLAGS 0x0200 with IOPL 3, A20 disabled, and a far jump
// to the configured entry point (F000:0000 unless in autotest mode). Memory
// is zeroed too.
func (c *CPU) Reset() {
	c.a20Mask = ^uint32(1 << 20)
	c.nextInstructionUninterruptible = false

	c.gpr = [8]uint32{}
	c.cr0, c.cr2, c.cr3, c.cr4 = 0, 0, 0, 0
	c.dr = [8]uint32{}

	c.iopl = 0
	c.vm, c.vip, c.vif, c.nt, c.rf, c.ac, c.id = false, false, false, false, false, false, false

	c.gdtr = DescriptorTableRegister{Base: 0, Limit: 0xFFFF}
	c.idtr = DescriptorTableRegister{Base: 0, Limit: 0xFFFF}
	c.ldtr = DescriptorTableRegister{}
	c.ldtrSel = 0
	c.tr = TaskRegister{Selector: 0, Limit: 0xFFFF}

	c.descriptorCache = [6]Descriptor{}
	for seg := insts.ES; seg <= insts.GS; seg++ {
		_ = c.SetSegmentRegister(seg, 0)
	}

	c.memory.Reset()

	if c.autotest {
		_ = c.SetSegmentRegister(insts.CS, c.entryCS)
		c.eip = c.entryIP
	} else {
		_ = c.SetSegmentRegister(insts.CS, 0xF000)
		c.eip = 0
	}

	c.setFlags16(0x0200)
	c.iopl = 3

	c.state = StateAlive
	c.o32Default = false
	c.a32Default = false

	c.dirtyFlags = 0
	c.lastResult = 0
	c.lastOpSize = 8

	c.cycle = 0
	c.instructionsRun = 0
	c.exceptionDepth = 0

	c.recomputeSlowStuff()
}

// protectedMode reports CR0.PE.
func (c *CPU) protectedMode() bool { return c.cr0&CR0PE != 0 }

// vm86Mode reports EFLAGS.VM.
func (c *CPU) vm86Mode() bool { return c.vm }

// pagingEnabled reports CR0.PG.
func (c *CPU) pagingEnabled() bool { return c.cr0&CR0PG != 0 }

// CPL returns the current privilege level.
func (c *CPU) CPL() uint8 {
	if c.vm86Mode() {
		return 3
	}
	if c.protectedMode() {
		return c.descriptorCache[insts.CS].RPL
	}
	return 0
}

// setCPL rewrites the low bits of CS and the cached RPL during privilege
// transitions.
func (c *CPU) setCPL(cpl uint8) {
	if c.protectedMode() && !c.vm86Mode() {
		c.sreg[insts.CS] = c.sreg[insts.CS]&^uint16(3) | uint16(cpl)
	}
	c.descriptorCache[insts.CS].RPL = cpl
}

// updateDefaultSizes refreshes the operand/address size defaults from the
// CS descriptor cache after a CS write.
func (c *CPU) updateDefaultSizes() {
	d := c.descriptorCache[insts.CS].D && c.protectedMode() && !c.vm86Mode()
	c.o32Default = d
	c.a32Default = d
}

// stackSize32 reports the stack address width from the SS descriptor's B bit.
func (c *CPU) stackSize32() bool {
	return c.descriptorCache[insts.SS].D
}

// SetA20Enabled flips the A20 gate; the mask is applied to every physical
// address.
func (c *CPU) SetA20Enabled(enabled bool) {
	if enabled {
		c.a20Mask = 0xFFFFFFFF
	} else {
		c.a20Mask = ^uint32(1 << 20)
	}
}

// A20Enabled reports the A20 gate state.
func (c *CPU) A20Enabled() bool { return c.a20Mask == 0xFFFFFFFF }

// EIP returns the instruction pointer.
func (c *CPU) EIP() uint32 { return c.eip }

// SetEIP sets the instruction pointer.
func (c *CPU) SetEIP(eip uint32) { c.eip = eip }

// SegmentSelector returns the selector held in a segment register.
func (c *CPU) SegmentSelector(seg insts.SegmentRegister) uint16 { return c.sreg[seg] }

// CachedDescriptor exposes a segment's cached descriptor.
func (c *CPU) CachedDescriptor(seg insts.SegmentRegister) Descriptor {
	return c.descriptorCache[seg]
}

// ReadReg32 reads a general register.
func (c *CPU) ReadReg32(reg uint8) uint32 { return c.gpr[reg] }

// WriteReg32 writes a general register.
func (c *CPU) WriteReg32(reg uint8, v uint32) { c.gpr[reg] = v }

// ReadReg16 reads the low word view of a general register.
func (c *CPU) ReadReg16(reg uint8) uint16 { return uint16(c.gpr[reg]) }

// WriteReg16 writes the low word view, preserving the high word.
func (c *CPU) WriteReg16(reg uint8, v uint16) {
	c.gpr[reg] = c.gpr[reg]&0xFFFF0000 | uint32(v)
}

// ReadReg8 reads the byte bank: indices 0-3 are AL/CL/DL/BL, 4-7 AH/CH/DH/BH.
func (c *CPU) ReadReg8(reg uint8) uint8 {
	if reg < 4 {
		return uint8(c.gpr[reg])
	}
	return uint8(c.gpr[reg-4] >> 8)
}

// WriteReg8 writes the byte bank.
func (c *CPU) WriteReg8(reg uint8, v uint8) {
	if reg < 4 {
		c.gpr[reg] = c.gpr[reg]&0xFFFFFF00 | uint32(v)
		return
	}
	c.gpr[reg-4] = c.gpr[reg-4]&0xFFFF00FF | uint32(v)<<8
}

// readRegOperand reads a register at the instruction's operand size,
// zero-extended.
func (c *CPU) readRegOperand(reg uint8, o32 bool) uint32 {
	if o32 {
		return c.gpr[reg]
	}
	return uint32(uint16(c.gpr[reg]))
}

// writeRegOperand writes a register at the instruction's operand size.
func (c *CPU) writeRegOperand(reg uint8, v uint32, o32 bool) {
	if o32 {
		c.gpr[reg] = v
	} else {
		c.WriteReg16(reg, uint16(v))
	}
}

// Named register accessors for the handful of architecturally special
// registers the handlers touch all the time.

func (c *CPU) GetAL() uint8  { return uint8(c.gpr[RegEAX]) }
func (c *CPU) GetAX() uint16 { return uint16(c.gpr[RegEAX]) }
func (c *CPU) GetEAX() uint32 { return c.gpr[RegEAX] }
func (c *CPU) SetAL(v uint8)  { c.WriteReg8(0, v) }
func (c *CPU) SetAH(v uint8)  { c.WriteReg8(4, v) }
func (c *CPU) GetAH() uint8   { return c.ReadReg8(4) }
func (c *CPU) SetAX(v uint16) { c.WriteReg16(RegEAX, v) }
func (c *CPU) SetEAX(v uint32) { c.gpr[RegEAX] = v }
func (c *CPU) GetDX() uint16  { return uint16(c.gpr[RegEDX]) }
func (c *CPU) GetESP() uint32 { return c.gpr[RegESP] }
func (c *CPU) SetESP(v uint32) { c.gpr[RegESP] = v }

// readRegForAddressSize reads a register at the instruction's address size,
// used by string operations and XLAT.
func (c *CPU) readRegForAddressSize(reg uint8, a32 bool) uint32 {
	if a32 {
		return c.gpr[reg]
	}
	return uint32(uint16(c.gpr[reg]))
}

func (c *CPU) writeRegForAddressSize(reg uint8, v uint32, a32 bool) {
	if a32 {
		c.gpr[reg] = v
	} else {
		c.WriteReg16(reg, uint16(v))
	}
}

// stepRegForAddressSize advances SI/DI after a string operation, respecting
// the direction flag.
func (c *CPU) stepRegForAddressSize(reg uint8, step uint32, a32 bool) {
	if c.flagDF {
		c.writeRegForAddressSize(reg, c.readRegForAddressSize(reg, a32)-step, a32)
	} else {
		c.writeRegForAddressSize(reg, c.readRegForAddressSize(reg, a32)+step, a32)
	}
}

// decrementCountForAddressSize decrements CX/ECX and reports whether it
// reached zero.
func (c *CPU) decrementCountForAddressSize(a32 bool) bool {
	v := c.readRegForAddressSize(RegECX, a32) - 1
	c.writeRegForAddressSize(RegECX, v, a32)
	return v == 0
}

// codeFetcher implements insts.CodeFetcher by reading through CS:EIP with
// instruction-fetch access checks, advancing EIP as bytes are consumed.
type codeFetcher struct {
	c *CPU
}

// NextByte fetches the next instruction byte at CS:EIP.
func (f codeFetcher) NextByte() (uint8, error) {
	c := f.c
	if err := c.validateSegmentAccess(insts.CS, c.eip, 1, accessFetch); err != nil {
		return 0, err
	}
	b, err := c.readLinear8(c.descriptorCache[insts.CS].Base+c.eip, accessFetch, c.CPL())
	if err != nil {
		return 0, err
	}
	c.eip++
	return b, nil
}

// saveBaseAddress records the CS:EIP the current instruction started at, so
// exception delivery can rewind to it.
func (c *CPU) saveBaseAddress() {
	c.baseCS = c.sreg[insts.CS]
	c.baseEIP = c.eip
}
