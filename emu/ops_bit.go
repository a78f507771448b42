package emu

import (
	"math/bits"

	"github.com/awesomekling/vomit/insts"
)

// shiftOp is the shape of the shift/rotate kernel helpers.
type shiftOp func(c *CPU, a uint32, count uint8, width uint8) uint32

var group2Ops = [8]shiftOp{
	(*CPU).opRol, (*CPU).opRor, (*CPU).opRcl, (*CPU).opRcr,
	(*CPU).opShl, (*CPU).opShr, (*CPU).opShl, // reg 6 is the undocumented SHL alias
	(*CPU).opSar,
}

// opcodeGroup2 covers C0/C1 (imm8 count), D0/D1 (count 1) and D2/D3
// (count CL).
func (c *CPU) opcodeGroup2(insn *insts.Instruction) error {
	op := group2Ops[insn.Reg()]

	var count uint8
	switch insn.Opcode {
	case 0xC0, 0xC1:
		count = insn.Imm8()
	case 0xD0, 0xD1:
		count = 1
	case 0xD2, 0xD3:
		count = c.ReadReg8(1) // CL
	}

	o := c.resolveModRM(insn)
	if insn.Opcode == 0xC0 || insn.Opcode == 0xD0 || insn.Opcode == 0xD2 {
		a, err := o.read8()
		if err != nil {
			return err
		}
		return o.write8(uint8(op(c, uint32(a), count, 8)))
	}
	a, err := o.readOp(insn.O32)
	if err != nil {
		return err
	}
	return o.writeOp(op(c, a, count, opWidth(insn)), insn.O32)
}

// bitOpKind selects the BT family member.
type bitOpKind uint8

const (
	bitTest bitOpKind = iota
	bitTestSet
	bitTestReset
	bitTestComplement
)

// bitStringOperand locates the word/dword containing a bit. For memory
// operands the bit index is a signed displacement from the effective
// address, so BT can address a bit string; for registers it wraps modulo
// the operand width.
func (c *CPU) bitStringOperand(insn *insts.Instruction, bitIndex int32) (operand, uint8) {
	o := c.resolveModRM(insn)
	width := opWidth(insn)
	if o.isReg {
		return o, uint8(uint32(bitIndex) % uint32(width))
	}
	if width == 32 {
		o.off += uint32((bitIndex >> 5) * 4)
		return o, uint8(bitIndex & 31)
	}
	o.off += uint32((bitIndex >> 4) * 2)
	return o, uint8(bitIndex & 15)
}

func (c *CPU) bitOp(insn *insts.Instruction, bitIndex int32, kind bitOpKind) error {
	o, bit := c.bitStringOperand(insn, bitIndex)
	v, err := o.readOp(insn.O32)
	if err != nil {
		return err
	}
	c.cf = v>>bit&1 != 0
	switch kind {
	case bitTest:
		return nil
	case bitTestSet:
		v |= 1 << bit
	case bitTestReset:
		v &^= 1 << bit
	case bitTestComplement:
		v ^= 1 << bit
	}
	return o.writeOp(v, insn.O32)
}

// regBitIndex reads the reg operand as a signed bit index.
func regBitIndex(c *CPU, insn *insts.Instruction) int32 {
	return int32(signExtend(c.readRegOperand(insn.Reg(), insn.O32), opWidth(insn)))
}

func (c *CPU) opcodeBT(insn *insts.Instruction) error {
	return c.bitOp(insn, regBitIndex(c, insn), bitTest)
}

func (c *CPU) opcodeBTS(insn *insts.Instruction) error {
	return c.bitOp(insn, regBitIndex(c, insn), bitTestSet)
}

func (c *CPU) opcodeBTR(insn *insts.Instruction) error {
	return c.bitOp(insn, regBitIndex(c, insn), bitTestReset)
}

func (c *CPU) opcodeBTC(insn *insts.Instruction) error {
	return c.bitOp(insn, regBitIndex(c, insn), bitTestComplement)
}

// opcodeGroup8 covers 0F BA: the immediate-index BT family. The immediate
// index never moves the effective address.
func (c *CPU) opcodeGroup8(insn *insts.Instruction) error {
	var kind bitOpKind
	switch insn.Reg() {
	case 4:
		kind = bitTest
	case 5:
		kind = bitTestSet
	case 6:
		kind = bitTestReset
	case 7:
		kind = bitTestComplement
	default:
		return invalidOpcode("group 8")
	}
	o := c.resolveModRM(insn)
	bit := insn.Imm8() % uint8(opWidth(insn))
	v, err := o.readOp(insn.O32)
	if err != nil {
		return err
	}
	c.cf = v>>bit&1 != 0
	switch kind {
	case bitTest:
		return nil
	case bitTestSet:
		v |= 1 << bit
	case bitTestReset:
		v &^= 1 << bit
	case bitTestComplement:
		v ^= 1 << bit
	}
	return o.writeOp(v, insn.O32)
}

// opcodeBSF scans forward for the lowest set bit; ZF reports an all-zero
// source, in which case the destination is unchanged.
func (c *CPU) opcodeBSF(insn *insts.Instruction) error {
	o := c.resolveModRM(insn)
	v, err := o.readOp(insn.O32)
	if err != nil {
		return err
	}
	if v == 0 {
		c.SetZF(true)
		return nil
	}
	c.SetZF(false)
	c.writeRegOperand(insn.Reg(), uint32(bits.TrailingZeros32(v)), insn.O32)
	return nil
}

// opcodeBSR scans backward for the highest set bit.
func (c *CPU) opcodeBSR(insn *insts.Instruction) error {
	o := c.resolveModRM(insn)
	v, err := o.readOp(insn.O32)
	if err != nil {
		return err
	}
	if v == 0 {
		c.SetZF(true)
		return nil
	}
	c.SetZF(false)
	c.writeRegOperand(insn.Reg(), uint32(31-bits.LeadingZeros32(v)), insn.O32)
	return nil
}

// opcodeSHLD covers 0F A4/A5: shift rm left, filling from the reg operand.
func (c *CPU) opcodeSHLD(insn *insts.Instruction) error {
	count := c.shldShrdCount(insn)
	o := c.resolveModRM(insn)
	a, err := o.readOp(insn.O32)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	width := opWidth(insn)
	filler := c.readRegOperand(insn.Reg(), insn.O32)
	wide := uint64(a)<<width | uint64(filler)
	wide <<= count
	r := truncate(uint32(wide>>width), width)
	c.cf = a>>(width-count)&1 != 0
	if count == 1 {
		c.of = signBit(r, width) != signBit(a, width)
	}
	c.updateLazyFlags(r, width)
	return o.writeOp(r, insn.O32)
}

// opcodeSHRD covers 0F AC/AD: shift rm right, filling from the reg operand.
func (c *CPU) opcodeSHRD(insn *insts.Instruction) error {
	count := c.shldShrdCount(insn)
	o := c.resolveModRM(insn)
	a, err := o.readOp(insn.O32)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	width := opWidth(insn)
	filler := c.readRegOperand(insn.Reg(), insn.O32)
	wide := uint64(filler)<<width | uint64(a)
	wide >>= count
	r := truncate(uint32(wide), width)
	c.cf = a>>(count-1)&1 != 0
	if count == 1 {
		c.of = signBit(r, width) != signBit(a, width)
	}
	c.updateLazyFlags(r, width)
	return o.writeOp(r, insn.O32)
}

func (c *CPU) shldShrdCount(insn *insts.Instruction) uint8 {
	if insn.Opcode == 0xA4 || insn.Opcode == 0xAC {
		return insn.Imm8() & 31
	}
	return c.ReadReg8(1) & 31 // CL
}
