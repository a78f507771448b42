package emu

import (
	"github.com/awesomekling/vomit/insts"
)

// stackPointer returns SP or ESP per the SS descriptor's B bit.
func (c *CPU) stackPointer() uint32 {
	if c.stackSize32() {
		return c.gpr[RegESP]
	}
	return uint32(uint16(c.gpr[RegESP]))
}

// setStackPointer writes SP or ESP per the SS descriptor's B bit.
func (c *CPU) setStackPointer(v uint32) {
	if c.stackSize32() {
		c.gpr[RegESP] = v
	} else {
		c.WriteReg16(RegESP, uint16(v))
	}
}

// adjustStackPointer moves the stack pointer by delta bytes.
func (c *CPU) adjustStackPointer(delta int32) {
	c.setStackPointer(c.stackPointer() + uint32(delta))
}

// push16 writes v at SS:SP-2 and commits the new stack pointer only if the
// write succeeded, so a #SS mid-push leaves SP untouched.
func (c *CPU) push16(v uint16) error {
	sp := c.stackPointer() - 2
	if !c.stackSize32() {
		sp &= 0xFFFF
	}
	if err := c.WriteMemory16(insts.SS, sp, v); err != nil {
		return err
	}
	c.setStackPointer(sp)
	return nil
}

// push32 pushes a dword.
func (c *CPU) push32(v uint32) error {
	sp := c.stackPointer() - 4
	if !c.stackSize32() {
		sp &= 0xFFFF
	}
	if err := c.WriteMemory32(insts.SS, sp, v); err != nil {
		return err
	}
	c.setStackPointer(sp)
	return nil
}

// pop16 pops a word.
func (c *CPU) pop16() (uint16, error) {
	v, err := c.ReadMemory16(insts.SS, c.stackPointer())
	if err != nil {
		return 0, err
	}
	c.adjustStackPointer(2)
	return v, nil
}

// pop32 pops a dword.
func (c *CPU) pop32() (uint32, error) {
	v, err := c.ReadMemory32(insts.SS, c.stackPointer())
	if err != nil {
		return 0, err
	}
	c.adjustStackPointer(4)
	return v, nil
}

// pushOperandSizedValue pushes v at the given operand size.
func (c *CPU) pushOperandSizedValue(v uint32, o32 bool) error {
	if o32 {
		return c.push32(v)
	}
	return c.push16(uint16(v))
}

// popOperandSizedValue pops a value at the given operand size,
// zero-extended.
func (c *CPU) popOperandSizedValue(o32 bool) (uint32, error) {
	if o32 {
		return c.pop32()
	}
	v, err := c.pop16()
	return uint32(v), err
}

// transactionalPopper stages a multi-value pop (far RET, IRET): values are
// read from the stack without moving SP, validated by the caller, and the
// pointer adjustment lands only on commit. A fault before commit therefore
// leaves the stack exactly as it was.
type transactionalPopper struct {
	c      *CPU
	offset uint32
}

func newTransactionalPopper(c *CPU) transactionalPopper {
	return transactionalPopper{c: c}
}

func (p *transactionalPopper) pop16() (uint16, error) {
	v, err := p.c.ReadMemory16(insts.SS, p.stagedPointer())
	if err != nil {
		return 0, err
	}
	p.offset += 2
	return v, nil
}

func (p *transactionalPopper) pop32() (uint32, error) {
	v, err := p.c.ReadMemory32(insts.SS, p.stagedPointer())
	if err != nil {
		return 0, err
	}
	p.offset += 4
	return v, nil
}

func (p *transactionalPopper) popOperandSizedValue(o32 bool) (uint32, error) {
	if o32 {
		return p.pop32()
	}
	v, err := p.pop16()
	return uint32(v), err
}

// adjustStackPointer stages an extra adjustment (RET imm16).
func (p *transactionalPopper) adjustStackPointer(n uint32) {
	p.offset += n
}

// stagedPointer is where the next staged pop reads from.
func (p *transactionalPopper) stagedPointer() uint32 {
	sp := p.c.stackPointer() + p.offset
	if !p.c.stackSize32() {
		sp &= 0xFFFF
	}
	return sp
}

// commit applies the staged stack pointer movement.
func (p *transactionalPopper) commit() {
	p.c.setStackPointer(p.stagedPointer())
}
