package emu

import (
	"github.com/awesomekling/vomit/insts"
)

func (c *CPU) opcodeMOVRM8Reg8(insn *insts.Instruction) error {
	o := c.resolveModRM(insn)
	return o.write8(c.ReadReg8(insn.Reg()))
}

func (c *CPU) opcodeMOVRMvRegv(insn *insts.Instruction) error {
	o := c.resolveModRM(insn)
	return o.writeOp(c.readRegOperand(insn.Reg(), insn.O32), insn.O32)
}

func (c *CPU) opcodeMOVReg8RM8(insn *insts.Instruction) error {
	o := c.resolveModRM(insn)
	v, err := o.read8()
	if err != nil {
		return err
	}
	c.WriteReg8(insn.Reg(), v)
	return nil
}

func (c *CPU) opcodeMOVRegvRMv(insn *insts.Instruction) error {
	o := c.resolveModRM(insn)
	v, err := o.readOp(insn.O32)
	if err != nil {
		return err
	}
	c.writeRegOperand(insn.Reg(), v, insn.O32)
	return nil
}

// opcodeMOVRMSeg stores a segment selector; the register form of the
// 32-bit move zero-extends.
func (c *CPU) opcodeMOVRMSeg(insn *insts.Instruction) error {
	if insn.Reg() > uint8(insts.GS) {
		return invalidOpcode("mov rm, sreg with bad segment index")
	}
	sel := c.sreg[insts.SegmentRegister(insn.Reg())]
	o := c.resolveModRM(insn)
	if o.isReg && insn.O32 {
		c.WriteReg32(o.reg, uint32(sel))
		return nil
	}
	return o.write16(sel)
}

// opcodeMOVSegRM loads a segment register. A CS destination is invalid, and
// an SS load makes the next instruction uninterruptible so the SP update
// that follows cannot be split by an IRQ.
func (c *CPU) opcodeMOVSegRM(insn *insts.Instruction) error {
	if insn.Reg() > uint8(insts.GS) || insts.SegmentRegister(insn.Reg()) == insts.CS {
		return invalidOpcode("mov sreg, rm with bad segment index")
	}
	seg := insts.SegmentRegister(insn.Reg())
	o := c.resolveModRM(insn)
	sel, err := o.read16()
	if err != nil {
		return err
	}
	if err := c.SetSegmentRegister(seg, sel); err != nil {
		return err
	}
	if seg == insts.SS {
		c.MakeNextInstructionUninterruptible()
	}
	return nil
}

// opcodeLEA stores the effective address; a register operand is undefined.
func (c *CPU) opcodeLEA(insn *insts.Instruction) error {
	if insn.ModRM.IsRegister() {
		return invalidOpcode("lea with register operand")
	}
	o := c.resolveModRM(insn)
	c.writeRegOperand(insn.Reg(), o.off, insn.O32)
	return nil
}

// opcodeMOVAccMoff covers A0/A1: load the accumulator from a direct offset.
func (c *CPU) opcodeMOVAccMoff(insn *insts.Instruction) error {
	seg := insts.DS
	if insn.SegOverride != insts.SegNone {
		seg = insn.SegOverride
	}
	if insn.Opcode == 0xA0 {
		v, err := c.ReadMemory8(seg, insn.Imm1)
		if err != nil {
			return err
		}
		c.SetAL(v)
		return nil
	}
	if insn.O32 {
		v, err := c.ReadMemory32(seg, insn.Imm1)
		if err != nil {
			return err
		}
		c.SetEAX(v)
		return nil
	}
	v, err := c.ReadMemory16(seg, insn.Imm1)
	if err != nil {
		return err
	}
	c.SetAX(v)
	return nil
}

// opcodeMOVMoffAcc covers A2/A3: store the accumulator at a direct offset.
func (c *CPU) opcodeMOVMoffAcc(insn *insts.Instruction) error {
	seg := insts.DS
	if insn.SegOverride != insts.SegNone {
		seg = insn.SegOverride
	}
	if insn.Opcode == 0xA2 {
		return c.WriteMemory8(seg, insn.Imm1, c.GetAL())
	}
	if insn.O32 {
		return c.WriteMemory32(seg, insn.Imm1, c.GetEAX())
	}
	return c.WriteMemory16(seg, insn.Imm1, c.GetAX())
}

func makeMOVReg8Imm8(reg uint8) handler {
	return func(c *CPU, insn *insts.Instruction) error {
		c.WriteReg8(reg, insn.Imm8())
		return nil
	}
}

func makeMOVRegvImmv(reg uint8) handler {
	return func(c *CPU, insn *insts.Instruction) error {
		c.writeRegOperand(reg, insn.ImmOperand(), insn.O32)
		return nil
	}
}

// opcodeMOVRMImm covers C6/C7.
func (c *CPU) opcodeMOVRMImm(insn *insts.Instruction) error {
	o := c.resolveModRM(insn)
	if insn.Opcode == 0xC6 {
		return o.write8(insn.Imm8())
	}
	return o.writeOp(insn.ImmOperand(), insn.O32)
}

func (c *CPU) opcodeXCHGReg8RM8(insn *insts.Instruction) error {
	o := c.resolveModRM(insn)
	tmp, err := o.read8()
	if err != nil {
		return err
	}
	if err := o.write8(c.ReadReg8(insn.Reg())); err != nil {
		return err
	}
	c.WriteReg8(insn.Reg(), tmp)
	return nil
}

func (c *CPU) opcodeXCHGRegvRMv(insn *insts.Instruction) error {
	o := c.resolveModRM(insn)
	tmp, err := o.readOp(insn.O32)
	if err != nil {
		return err
	}
	if err := o.writeOp(c.readRegOperand(insn.Reg(), insn.O32), insn.O32); err != nil {
		return err
	}
	c.writeRegOperand(insn.Reg(), tmp, insn.O32)
	return nil
}

func makeXCHGAccReg(reg uint8) handler {
	return func(c *CPU, insn *insts.Instruction) error {
		tmp := c.readRegOperand(reg, insn.O32)
		c.writeRegOperand(reg, c.readRegOperand(RegEAX, insn.O32), insn.O32)
		c.writeRegOperand(RegEAX, tmp, insn.O32)
		return nil
	}
}

// makeLoadFarPointer builds LES/LDS/LSS/LFS/LGS: load r and the segment
// register from an m16:v operand.
func makeLoadFarPointer(seg insts.SegmentRegister) handler {
	return func(c *CPU, insn *insts.Instruction) error {
		if insn.ModRM.IsRegister() {
			return invalidOpcode("far pointer load with register operand")
		}
		o := c.resolveModRM(insn)
		selector, offset, err := o.readFarPointer(insn.O32)
		if err != nil {
			return err
		}
		if err := c.SetSegmentRegister(seg, selector); err != nil {
			return err
		}
		c.writeRegOperand(insn.Reg(), offset, insn.O32)
		if seg == insts.SS {
			c.MakeNextInstructionUninterruptible()
		}
		return nil
	}
}

// opcodeMOVZX covers 0F B6/B7.
func (c *CPU) opcodeMOVZX(insn *insts.Instruction) error {
	o := c.resolveModRM(insn)
	var v uint32
	if insn.Opcode == 0xB6 {
		b, err := o.read8()
		if err != nil {
			return err
		}
		v = uint32(b)
	} else {
		w, err := o.read16()
		if err != nil {
			return err
		}
		v = uint32(w)
	}
	c.writeRegOperand(insn.Reg(), v, insn.O32)
	return nil
}

// opcodeMOVSX covers 0F BE/BF.
func (c *CPU) opcodeMOVSX(insn *insts.Instruction) error {
	o := c.resolveModRM(insn)
	var v uint32
	if insn.Opcode == 0xBE {
		b, err := o.read8()
		if err != nil {
			return err
		}
		v = truncate(uint32(signExtend(uint32(b), 8)), opWidth(insn))
	} else {
		w, err := o.read16()
		if err != nil {
			return err
		}
		v = truncate(uint32(signExtend(uint32(w), 16)), opWidth(insn))
	}
	c.writeRegOperand(insn.Reg(), v, insn.O32)
	return nil
}

// opcodeXLAT: AL = [seg:(E)BX + AL].
func (c *CPU) opcodeXLAT(insn *insts.Instruction) error {
	seg := insts.DS
	if insn.SegOverride != insts.SegNone {
		seg = insn.SegOverride
	}
	off := c.readRegForAddressSize(RegEBX, insn.A32) + uint32(c.GetAL())
	if !insn.A32 {
		off &= 0xFFFF
	}
	v, err := c.ReadMemory8(seg, off)
	if err != nil {
		return err
	}
	c.SetAL(v)
	return nil
}

// opcodeSALC: undocumented, AL = CF ? 0xFF : 0x00.
func (c *CPU) opcodeSALC(*insts.Instruction) error {
	if c.GetCF() {
		c.SetAL(0xFF)
	} else {
		c.SetAL(0x00)
	}
	return nil
}

// opcodeLAHF loads AH from the low flag byte.
func (c *CPU) opcodeLAHF(*insts.Instruction) error {
	c.SetAH(uint8(c.GetFlags16()))
	return nil
}

// opcodeSAHF stores AH into the low flag byte.
func (c *CPU) opcodeSAHF(*insts.Instruction) error {
	ah := uint16(c.GetAH())
	f := c.GetFlags16()&0xFF00 | ah
	c.setFlags16(f)
	return nil
}
