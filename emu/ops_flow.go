package emu

import (
	"github.com/awesomekling/vomit/insts"
)

// evaluateCondition tests the condition code in the low nibble of a
// Jcc/SETcc opcode against the current flags.
func (c *CPU) evaluateCondition(cc uint8) bool {
	var r bool
	switch cc >> 1 {
	case 0: // O
		r = c.GetOF()
	case 1: // C/B
		r = c.GetCF()
	case 2: // Z
		r = c.GetZF()
	case 3: // BE
		r = c.GetCF() || c.GetZF()
	case 4: // S
		r = c.GetSF()
	case 5: // P
		r = c.GetPF()
	case 6: // L
		r = c.GetSF() != c.GetOF()
	case 7: // LE
		r = c.GetZF() || c.GetSF() != c.GetOF()
	}
	if cc&1 != 0 {
		return !r
	}
	return r
}

// jumpRelative adds a signed displacement to EIP, truncating to 16 bits in
// a 16-bit code flow.
func (c *CPU) jumpRelative(insn *insts.Instruction, displacement int32) {
	eip := c.eip + uint32(displacement)
	if !insn.O32 {
		eip &= 0xFFFF
	}
	c.eip = eip
}

// relDisplacement sign-extends the relative-branch immediate.
func relDisplacement(insn *insts.Instruction) int32 {
	return int32(signExtend(insn.Imm1, insn.Imm1Bits))
}

// opcodeJccRel covers 70-7F and 0F 80-8F.
func (c *CPU) opcodeJccRel(insn *insts.Instruction) error {
	if c.evaluateCondition(insn.Opcode & 0xF) {
		c.jumpRelative(insn, relDisplacement(insn))
	}
	return nil
}

// opcodeSETcc covers 0F 90-9F.
func (c *CPU) opcodeSETcc(insn *insts.Instruction) error {
	o := c.resolveModRM(insn)
	var v uint8
	if c.evaluateCondition(insn.Opcode & 0xF) {
		v = 1
	}
	return o.write8(v)
}

func (c *CPU) opcodeJMPShortRel(insn *insts.Instruction) error {
	c.jumpRelative(insn, relDisplacement(insn))
	return nil
}

func (c *CPU) opcodeJMPNearRel(insn *insts.Instruction) error {
	c.jumpRelative(insn, relDisplacement(insn))
	return nil
}

func (c *CPU) opcodeCALLNearRel(insn *insts.Instruction) error {
	if err := c.pushOperandSizedValue(c.eip, insn.O32); err != nil {
		return err
	}
	c.jumpRelative(insn, relDisplacement(insn))
	return nil
}

func (c *CPU) opcodeJMPFarImm(insn *insts.Instruction) error {
	return c.farJump(insn.FarSelector(), insn.FarOffset(), jumpJmp, insn.O32)
}

func (c *CPU) opcodeCALLFarImm(insn *insts.Instruction) error {
	return c.farJump(insn.FarSelector(), insn.FarOffset(), jumpCall, insn.O32)
}

// opcodeRETNear covers C2/C3; the immediate form releases caller arguments.
func (c *CPU) opcodeRETNear(insn *insts.Instruction) error {
	eip, err := c.popOperandSizedValue(insn.O32)
	if err != nil {
		return err
	}
	if !insn.O32 {
		eip &= 0xFFFF
	}
	c.eip = eip
	if insn.Opcode == 0xC2 {
		c.adjustStackPointer(int32(insn.Imm16()))
	}
	return nil
}

// opcodeRETFar covers CA/CB.
func (c *CPU) opcodeRETFar(insn *insts.Instruction) error {
	var adjust uint16
	if insn.Opcode == 0xCA {
		adjust = insn.Imm16()
	}
	return c.farReturn(adjust, jumpRetf, insn.O32)
}

func (c *CPU) opcodeIRET(insn *insts.Instruction) error {
	return c.iret(insn.O32)
}

// opcodeLOOP covers LOOPNE/LOOPE/LOOP; the counter follows the address
// size.
func (c *CPU) opcodeLOOP(insn *insts.Instruction) error {
	count := c.readRegForAddressSize(RegECX, insn.A32) - 1
	c.writeRegForAddressSize(RegECX, count, insn.A32)

	taken := count != 0
	switch insn.Opcode {
	case 0xE0: // LOOPNE
		taken = taken && !c.GetZF()
	case 0xE1: // LOOPE
		taken = taken && c.GetZF()
	}
	if taken {
		c.jumpRelative(insn, relDisplacement(insn))
	}
	return nil
}

// opcodeJCXZ branches when CX/ECX is zero.
func (c *CPU) opcodeJCXZ(insn *insts.Instruction) error {
	if c.readRegForAddressSize(RegECX, insn.A32) == 0 {
		c.jumpRelative(insn, relDisplacement(insn))
	}
	return nil
}

func (c *CPU) opcodeINTImm8(insn *insts.Instruction) error {
	return c.Interrupt(insn.Imm8(), InterruptSourceInternal)
}

func (c *CPU) opcodeINT3(*insts.Instruction) error {
	return c.Interrupt(3, InterruptSourceInternal)
}

func (c *CPU) opcodeINTO(*insts.Instruction) error {
	if c.GetOF() {
		return c.Interrupt(4, InterruptSourceInternal)
	}
	return nil
}

// opcodeHLT enters the low-frequency halted loop, which spins until an IRQ,
// reboot request or debugger entry wakes the core.
func (c *CPU) opcodeHLT(*insts.Instruction) error {
	if c.protectedMode() && c.CPL() != 0 {
		return generalProtectionFault(0, "hlt with CPL != 0")
	}
	c.state = StateHalted
	if !c.flagIF {
		c.log.Warn("halted with IF=0")
	}
	c.haltedLoop()
	return nil
}

// opcodeICEBP is the autotest shutdown opcode; outside autotest mode it is
// undefined.
func (c *CPU) opcodeICEBP(*insts.Instruction) error {
	if !c.autotest {
		return invalidOpcode("icebp outside autotest mode")
	}
	c.log.Info("icebp shutdown request")
	c.state = StateDead
	return nil
}

// opcodeGroup5 covers 0xFF: INC/DEC/CALL/CALL far/JMP/JMP far/PUSH.
func (c *CPU) opcodeGroup5(insn *insts.Instruction) error {
	o := c.resolveModRM(insn)
	switch insn.Reg() {
	case 0:
		a, err := o.readOp(insn.O32)
		if err != nil {
			return err
		}
		return o.writeOp(c.opInc(a, opWidth(insn)), insn.O32)
	case 1:
		a, err := o.readOp(insn.O32)
		if err != nil {
			return err
		}
		return o.writeOp(c.opDec(a, opWidth(insn)), insn.O32)
	case 2: // CALL rm
		target, err := o.readOp(insn.O32)
		if err != nil {
			return err
		}
		if err := c.pushOperandSizedValue(c.eip, insn.O32); err != nil {
			return err
		}
		c.setNearJumpTarget(target, insn.O32)
		return nil
	case 3: // CALL far m16:v
		if insn.ModRM.IsRegister() {
			return invalidOpcode("far call with register operand")
		}
		selector, offset, err := o.readFarPointer(insn.O32)
		if err != nil {
			return err
		}
		return c.farJump(selector, offset, jumpCall, insn.O32)
	case 4: // JMP rm
		target, err := o.readOp(insn.O32)
		if err != nil {
			return err
		}
		c.setNearJumpTarget(target, insn.O32)
		return nil
	case 5: // JMP far m16:v
		if insn.ModRM.IsRegister() {
			return invalidOpcode("far jmp with register operand")
		}
		selector, offset, err := o.readFarPointer(insn.O32)
		if err != nil {
			return err
		}
		return c.farJump(selector, offset, jumpJmp, insn.O32)
	case 6: // PUSH rm
		v, err := o.readOp(insn.O32)
		if err != nil {
			return err
		}
		return c.pushOperandSizedValue(v, insn.O32)
	}
	return invalidOpcode("group 5")
}

func (c *CPU) setNearJumpTarget(target uint32, o32 bool) {
	if !o32 {
		target &= 0xFFFF
	}
	c.eip = target
}
