package emu

import (
	"github.com/awesomekling/vomit/insts"
)

func makePushReg(reg uint8) handler {
	return func(c *CPU, insn *insts.Instruction) error {
		return c.pushOperandSizedValue(c.readRegOperand(reg, insn.O32), insn.O32)
	}
}

func makePopReg(reg uint8) handler {
	return func(c *CPU, insn *insts.Instruction) error {
		v, err := c.popOperandSizedValue(insn.O32)
		if err != nil {
			return err
		}
		c.writeRegOperand(reg, v, insn.O32)
		return nil
	}
}

func makePushSeg(seg insts.SegmentRegister) handler {
	return func(c *CPU, insn *insts.Instruction) error {
		return c.pushOperandSizedValue(uint32(c.sreg[seg]), insn.O32)
	}
}

// makePopSeg pops a selector into a segment register. POP SS shields the
// following instruction from interrupts, like MOV SS.
func makePopSeg(seg insts.SegmentRegister) handler {
	return func(c *CPU, insn *insts.Instruction) error {
		popper := newTransactionalPopper(c)
		v, err := popper.popOperandSizedValue(insn.O32)
		if err != nil {
			return err
		}
		if err := c.SetSegmentRegister(seg, uint16(v)); err != nil {
			return err
		}
		popper.commit()
		if seg == insts.SS {
			c.MakeNextInstructionUninterruptible()
		}
		return nil
	}
}

func (c *CPU) opcodePUSHImm(insn *insts.Instruction) error {
	return c.pushOperandSizedValue(insn.ImmOperand(), insn.O32)
}

func (c *CPU) opcodePUSHImm8(insn *insts.Instruction) error {
	v := truncate(uint32(signExtend(uint32(insn.Imm8()), 8)), opWidth(insn))
	return c.pushOperandSizedValue(v, insn.O32)
}

// opcodePOPRM covers 0x8F; only reg field 0 is defined.
func (c *CPU) opcodePOPRM(insn *insts.Instruction) error {
	if insn.Reg() != 0 {
		return invalidOpcode("pop rm with nonzero reg field")
	}
	v, err := c.popOperandSizedValue(insn.O32)
	if err != nil {
		return err
	}
	o := c.resolveModRM(insn)
	return o.writeOp(v, insn.O32)
}

// opcodePUSHA pushes all eight registers, with SP as it was before the
// first push.
func (c *CPU) opcodePUSHA(insn *insts.Instruction) error {
	originalSP := c.readRegOperand(RegESP, insn.O32)
	for _, reg := range []uint8{RegEAX, RegECX, RegEDX, RegEBX} {
		if err := c.pushOperandSizedValue(c.readRegOperand(reg, insn.O32), insn.O32); err != nil {
			return err
		}
	}
	if err := c.pushOperandSizedValue(originalSP, insn.O32); err != nil {
		return err
	}
	for _, reg := range []uint8{RegEBP, RegESI, RegEDI} {
		if err := c.pushOperandSizedValue(c.readRegOperand(reg, insn.O32), insn.O32); err != nil {
			return err
		}
	}
	return nil
}

// opcodePOPA pops all registers back, discarding the stored SP.
func (c *CPU) opcodePOPA(insn *insts.Instruction) error {
	for _, reg := range []uint8{RegEDI, RegESI, RegEBP} {
		v, err := c.popOperandSizedValue(insn.O32)
		if err != nil {
			return err
		}
		c.writeRegOperand(reg, v, insn.O32)
	}
	if _, err := c.popOperandSizedValue(insn.O32); err != nil {
		return err
	}
	for _, reg := range []uint8{RegEBX, RegEDX, RegECX, RegEAX} {
		v, err := c.popOperandSizedValue(insn.O32)
		if err != nil {
			return err
		}
		c.writeRegOperand(reg, v, insn.O32)
	}
	return nil
}

// opcodePUSHF pushes FLAGS/EFLAGS; the pushed image never carries VM or RF.
func (c *CPU) opcodePUSHF(insn *insts.Instruction) error {
	if c.vm86Mode() && c.iopl < 3 {
		return generalProtectionFault(0, "pushf in VM86 with IOPL < 3")
	}
	if insn.O32 {
		return c.push32(c.GetEFlags() &^ uint32(FlagVM|FlagRF))
	}
	return c.push16(c.GetFlags16())
}

// opcodePOPF pops into FLAGS/EFLAGS under the privilege filter.
func (c *CPU) opcodePOPF(insn *insts.Instruction) error {
	if c.vm86Mode() && c.iopl < 3 {
		return generalProtectionFault(0, "popf in VM86 with IOPL < 3")
	}
	v, err := c.popOperandSizedValue(insn.O32)
	if err != nil {
		return err
	}
	c.setFlagsRespectingPrivilege(v, insn.O32)
	return nil
}

// opcodeENTER builds a stack frame; the nesting level is masked to 5 bits.
func (c *CPU) opcodeENTER(insn *insts.Instruction) error {
	frameSize := insn.Imm16()
	level := uint8(insn.Imm2) & 0x1F

	if err := c.pushOperandSizedValue(c.readRegOperand(RegEBP, insn.O32), insn.O32); err != nil {
		return err
	}
	frameTemp := c.stackPointer()

	if level > 0 {
		bp := c.readRegOperand(RegEBP, insn.O32)
		for i := uint8(1); i < level; i++ {
			var delta uint32 = 2
			if insn.O32 {
				delta = 4
			}
			bp -= delta
			var v uint32
			var err error
			if insn.O32 {
				v, err = c.ReadMemory32(insts.SS, bp)
			} else {
				var w uint16
				w, err = c.ReadMemory16(insts.SS, bp)
				v = uint32(w)
			}
			if err != nil {
				return err
			}
			if err := c.pushOperandSizedValue(v, insn.O32); err != nil {
				return err
			}
		}
		if err := c.pushOperandSizedValue(frameTemp, insn.O32); err != nil {
			return err
		}
	}

	c.writeRegOperand(RegEBP, frameTemp, insn.O32)
	c.adjustStackPointer(-int32(frameSize))
	return nil
}

// opcodeLEAVE tears the frame down: SP = BP, then pop BP.
func (c *CPU) opcodeLEAVE(insn *insts.Instruction) error {
	c.setStackPointer(c.readRegOperand(RegEBP, insn.O32))
	v, err := c.popOperandSizedValue(insn.O32)
	if err != nil {
		return err
	}
	c.writeRegOperand(RegEBP, v, insn.O32)
	return nil
}
