package emu

import (
	"github.com/awesomekling/vomit/insts"
)

// aluOp is the shape of the width-parameterized arithmetic kernel helpers;
// the binop templates below close over one to form a handler.
type aluOp func(c *CPU, a, b uint32, width uint8) uint32

// opWidth returns the operand width for a v-sized instruction.
func opWidth(insn *insts.Instruction) uint8 {
	if insn.O32 {
		return 32
	}
	return 16
}

// The binop templates mirror the classic RM/reg/accumulator instruction
// patterns. With write false they become the read-only compare/test forms.

func makeRM8Reg8(op aluOp, write bool) handler {
	return func(c *CPU, insn *insts.Instruction) error {
		o := c.resolveModRM(insn)
		a, err := o.read8()
		if err != nil {
			return err
		}
		r := op(c, uint32(a), uint32(c.ReadReg8(insn.Reg())), 8)
		if !write {
			return nil
		}
		return o.write8(uint8(r))
	}
}

func makeRMvRegv(op aluOp, write bool) handler {
	return func(c *CPU, insn *insts.Instruction) error {
		o := c.resolveModRM(insn)
		a, err := o.readOp(insn.O32)
		if err != nil {
			return err
		}
		r := op(c, a, c.readRegOperand(insn.Reg(), insn.O32), opWidth(insn))
		if !write {
			return nil
		}
		return o.writeOp(r, insn.O32)
	}
}

func makeReg8RM8(op aluOp, write bool) handler {
	return func(c *CPU, insn *insts.Instruction) error {
		o := c.resolveModRM(insn)
		b, err := o.read8()
		if err != nil {
			return err
		}
		r := op(c, uint32(c.ReadReg8(insn.Reg())), uint32(b), 8)
		if write {
			c.WriteReg8(insn.Reg(), uint8(r))
		}
		return nil
	}
}

func makeRegvRMv(op aluOp, write bool) handler {
	return func(c *CPU, insn *insts.Instruction) error {
		o := c.resolveModRM(insn)
		b, err := o.readOp(insn.O32)
		if err != nil {
			return err
		}
		r := op(c, c.readRegOperand(insn.Reg(), insn.O32), b, opWidth(insn))
		if write {
			c.writeRegOperand(insn.Reg(), r, insn.O32)
		}
		return nil
	}
}

func makeALImm8(op aluOp, write bool) handler {
	return func(c *CPU, insn *insts.Instruction) error {
		r := op(c, uint32(c.GetAL()), uint32(insn.Imm8()), 8)
		if write {
			c.SetAL(uint8(r))
		}
		return nil
	}
}

func makeAXImmv(op aluOp, write bool) handler {
	return func(c *CPU, insn *insts.Instruction) error {
		r := op(c, c.readRegOperand(RegEAX, insn.O32), insn.ImmOperand(), opWidth(insn))
		if write {
			c.writeRegOperand(RegEAX, r, insn.O32)
		}
		return nil
	}
}

var group1Ops = [8]aluOp{
	(*CPU).opAdd, (*CPU).opOr, (*CPU).opAdc, (*CPU).opSbb,
	(*CPU).opAnd, (*CPU).opSub, (*CPU).opXor, (*CPU).opSub,
}

// opcodeGroup1 covers 0x80-0x83: rm op= imm, with reg field 7 as the
// read-only CMP.
func (c *CPU) opcodeGroup1(insn *insts.Instruction) error {
	op := group1Ops[insn.Reg()]
	write := insn.Reg() != 7
	o := c.resolveModRM(insn)

	if insn.Opcode == 0x80 || insn.Opcode == 0x82 {
		a, err := o.read8()
		if err != nil {
			return err
		}
		r := op(c, uint32(a), uint32(insn.Imm8()), 8)
		if !write {
			return nil
		}
		return o.write8(uint8(r))
	}

	a, err := o.readOp(insn.O32)
	if err != nil {
		return err
	}
	imm := insn.ImmOperand()
	if insn.Opcode == 0x83 {
		imm = truncate(uint32(signExtend(uint32(insn.Imm8()), 8)), opWidth(insn))
	}
	r := op(c, a, imm, opWidth(insn))
	if !write {
		return nil
	}
	return o.writeOp(r, insn.O32)
}

// opcodeGroup3 covers 0xF6/0xF7: TEST, NOT, NEG, MUL, IMUL, DIV, IDIV.
func (c *CPU) opcodeGroup3(insn *insts.Instruction) error {
	o := c.resolveModRM(insn)
	byteOp := insn.Opcode == 0xF6
	width := opWidth(insn)
	if byteOp {
		width = 8
	}

	read := func() (uint32, error) {
		if byteOp {
			v, err := o.read8()
			return uint32(v), err
		}
		return o.readOp(insn.O32)
	}
	write := func(v uint32) error {
		if byteOp {
			return o.write8(uint8(v))
		}
		return o.writeOp(v, insn.O32)
	}

	a, err := read()
	if err != nil {
		return err
	}

	switch insn.Reg() {
	case 0, 1: // TEST rm, imm
		c.opAnd(a, insn.Imm1, width)
		return nil
	case 2: // NOT, no flags
		return write(truncate(^a, width))
	case 3: // NEG
		r := c.opSub(0, a, width)
		c.cf = a != 0
		return write(r)
	case 4: // MUL
		return c.mulAccumulator(a, width, false, byteOp)
	case 5: // IMUL
		return c.mulAccumulator(a, width, true, byteOp)
	case 6: // DIV
		return c.divAccumulator(a, width, false, byteOp)
	case 7: // IDIV
		return c.divAccumulator(a, width, true, byteOp)
	}
	return invalidOpcode("group 3")
}

// mulAccumulator implements MUL/IMUL rm against the accumulator pair:
// AX = AL*rm8, DX:AX = AX*rm16, EDX:EAX = EAX*rm32.
func (c *CPU) mulAccumulator(b uint32, width uint8, signed, byteOp bool) error {
	var lo, hi uint32
	a := c.readRegOperand(RegEAX, width == 32)
	if byteOp {
		a = uint32(c.GetAL())
	}
	if signed {
		lo, hi = c.opIMul(a, b, width)
	} else {
		lo, hi = c.opMul(a, b, width)
	}
	if byteOp {
		c.SetAX(uint16(hi)<<8 | uint16(lo))
		return nil
	}
	c.writeRegOperand(RegEAX, lo, width == 32)
	c.writeRegOperand(RegEDX, hi, width == 32)
	return nil
}

// divAccumulator implements DIV/IDIV rm: AX/(rm8) into AL,AH and the wider
// forms into (E)AX quotient, (E)DX remainder.
func (c *CPU) divAccumulator(divisor uint32, width uint8, signed bool, byteOp bool) error {
	var hi, lo uint32
	if byteOp {
		ax := uint32(c.GetAX())
		hi, lo = ax>>8, ax&0xFF
	} else {
		hi = c.readRegOperand(RegEDX, width == 32)
		lo = c.readRegOperand(RegEAX, width == 32)
	}

	var q, r uint32
	var err error
	if signed {
		q, r, err = c.opIDiv(hi, lo, divisor, width)
	} else {
		q, r, err = c.opDiv(hi, lo, divisor, width)
	}
	if err != nil {
		return err
	}

	if byteOp {
		c.SetAL(uint8(q))
		c.SetAH(uint8(r))
		return nil
	}
	c.writeRegOperand(RegEAX, q, width == 32)
	c.writeRegOperand(RegEDX, r, width == 32)
	return nil
}

// opcodeGroup4 covers 0xFE: INC/DEC rm8.
func (c *CPU) opcodeGroup4(insn *insts.Instruction) error {
	o := c.resolveModRM(insn)
	a, err := o.read8()
	if err != nil {
		return err
	}
	switch insn.Reg() {
	case 0:
		return o.write8(uint8(c.opInc(uint32(a), 8)))
	case 1:
		return o.write8(uint8(c.opDec(uint32(a), 8)))
	}
	return invalidOpcode("group 4")
}

func makeIncReg(reg uint8) handler {
	return func(c *CPU, insn *insts.Instruction) error {
		c.writeRegOperand(reg, c.opInc(c.readRegOperand(reg, insn.O32), opWidth(insn)), insn.O32)
		return nil
	}
}

func makeDecReg(reg uint8) handler {
	return func(c *CPU, insn *insts.Instruction) error {
		c.writeRegOperand(reg, c.opDec(c.readRegOperand(reg, insn.O32), opWidth(insn)), insn.O32)
		return nil
	}
}

// opcodeIMULRegRMImm covers 0x69/0x6B: r = rm * imm.
func (c *CPU) opcodeIMULRegRMImm(insn *insts.Instruction) error {
	o := c.resolveModRM(insn)
	a, err := o.readOp(insn.O32)
	if err != nil {
		return err
	}
	imm := insn.ImmOperand()
	if insn.Opcode == 0x6B {
		imm = truncate(uint32(signExtend(uint32(insn.Imm8()), 8)), opWidth(insn))
	}
	lo, _ := c.opIMul(a, imm, opWidth(insn))
	c.writeRegOperand(insn.Reg(), lo, insn.O32)
	return nil
}

// opcodeIMULRegRM covers 0x0F 0xAF: r = r * rm.
func (c *CPU) opcodeIMULRegRM(insn *insts.Instruction) error {
	o := c.resolveModRM(insn)
	b, err := o.readOp(insn.O32)
	if err != nil {
		return err
	}
	lo, _ := c.opIMul(c.readRegOperand(insn.Reg(), insn.O32), b, opWidth(insn))
	c.writeRegOperand(insn.Reg(), lo, insn.O32)
	return nil
}

// opcodeCBW covers CBW/CWDE: sign-extend AL into AX, or AX into EAX.
func (c *CPU) opcodeCBW(insn *insts.Instruction) error {
	if insn.O32 {
		c.SetEAX(uint32(int32(int16(c.GetAX()))))
	} else {
		c.SetAX(uint16(int16(int8(c.GetAL()))))
	}
	return nil
}

// opcodeCWD covers CWD/CDQ: spread the accumulator sign across DX/EDX.
func (c *CPU) opcodeCWD(insn *insts.Instruction) error {
	if insn.O32 {
		c.gpr[RegEDX] = uint32(int32(c.GetEAX()) >> 31)
	} else {
		c.WriteReg16(RegEDX, uint16(int16(c.GetAX())>>15))
	}
	return nil
}

func (c *CPU) opcodeDAA(*insts.Instruction) error { c.opDAA(); return nil }
func (c *CPU) opcodeDAS(*insts.Instruction) error { c.opDAS(); return nil }
func (c *CPU) opcodeAAA(*insts.Instruction) error { c.opAAA(); return nil }
func (c *CPU) opcodeAAS(*insts.Instruction) error { c.opAAS(); return nil }

func (c *CPU) opcodeAAM(insn *insts.Instruction) error { return c.opAAM(insn.Imm8()) }
func (c *CPU) opcodeAAD(insn *insts.Instruction) error { c.opAAD(insn.Imm8()); return nil }
