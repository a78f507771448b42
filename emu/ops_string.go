package emu

import (
	"github.com/awesomekling/vomit/insts"
)

// currentSegment resolves the data segment for string sources and XLAT:
// the override if present, else DS. Destinations always use ES.
func currentSegment(insn *insts.Instruction) insts.SegmentRegister {
	if insn.SegOverride != insts.SegNone {
		return insn.SegOverride
	}
	return insts.DS
}

// stringWidth derives the element width and step from the opcode's low bit.
func stringWidth(insn *insts.Instruction) (width uint8, step uint32) {
	if insn.Opcode&1 == 0 {
		return 8, 1
	}
	if insn.O32 {
		return 32, 4
	}
	return 16, 2
}

func (c *CPU) readStringElement(seg insts.SegmentRegister, off uint32, width uint8) (uint32, error) {
	switch width {
	case 8:
		v, err := c.ReadMemory8(seg, off)
		return uint32(v), err
	case 16:
		v, err := c.ReadMemory16(seg, off)
		return uint32(v), err
	}
	return c.ReadMemory32(seg, off)
}

func (c *CPU) writeStringElement(seg insts.SegmentRegister, off uint32, width uint8, v uint32) error {
	switch width {
	case 8:
		return c.WriteMemory8(seg, off, uint8(v))
	case 16:
		return c.WriteMemory16(seg, off, uint16(v))
	}
	return c.WriteMemory32(seg, off, v)
}

func (c *CPU) readAccumulator(width uint8) uint32 {
	switch width {
	case 8:
		return uint32(c.GetAL())
	case 16:
		return uint32(c.GetAX())
	}
	return c.GetEAX()
}

func (c *CPU) writeAccumulator(width uint8, v uint32) {
	switch width {
	case 8:
		c.SetAL(uint8(v))
	case 16:
		c.SetAX(uint16(v))
	default:
		c.SetEAX(v)
	}
}

// runStringOp applies the REP machinery around a single-element operation.
// A fault mid-repetition propagates with CX/SI/DI reflecting the completed
// iterations and EIP rewound to the instruction, giving the architectural
// restart semantics for free.
func (c *CPU) runStringOp(insn *insts.Instruction, once func(*insts.Instruction) error, testsZF bool) error {
	if insn.Rep == insts.RepNone {
		return once(insn)
	}
	for {
		if c.readRegForAddressSize(RegECX, insn.A32) == 0 {
			return nil
		}
		if err := once(insn); err != nil {
			return err
		}
		c.decrementCountForAddressSize(insn.A32)
		if testsZF {
			if insn.Rep == insts.Rep && !c.GetZF() {
				return nil
			}
			if insn.Rep == insts.RepNE && c.GetZF() {
				return nil
			}
		}
	}
}

func (c *CPU) opcodeMOVS(insn *insts.Instruction) error {
	return c.runStringOp(insn, c.movsOnce, false)
}

func (c *CPU) movsOnce(insn *insts.Instruction) error {
	width, step := stringWidth(insn)
	v, err := c.readStringElement(currentSegment(insn), c.readRegForAddressSize(RegESI, insn.A32), width)
	if err != nil {
		return err
	}
	if err := c.writeStringElement(insts.ES, c.readRegForAddressSize(RegEDI, insn.A32), width, v); err != nil {
		return err
	}
	c.stepRegForAddressSize(RegESI, step, insn.A32)
	c.stepRegForAddressSize(RegEDI, step, insn.A32)
	return nil
}

func (c *CPU) opcodeCMPS(insn *insts.Instruction) error {
	return c.runStringOp(insn, c.cmpsOnce, true)
}

func (c *CPU) cmpsOnce(insn *insts.Instruction) error {
	width, step := stringWidth(insn)
	lhs, err := c.readStringElement(currentSegment(insn), c.readRegForAddressSize(RegESI, insn.A32), width)
	if err != nil {
		return err
	}
	rhs, err := c.readStringElement(insts.ES, c.readRegForAddressSize(RegEDI, insn.A32), width)
	if err != nil {
		return err
	}
	c.opSub(lhs, rhs, width)
	c.stepRegForAddressSize(RegESI, step, insn.A32)
	c.stepRegForAddressSize(RegEDI, step, insn.A32)
	return nil
}

func (c *CPU) opcodeSCAS(insn *insts.Instruction) error {
	return c.runStringOp(insn, c.scasOnce, true)
}

func (c *CPU) scasOnce(insn *insts.Instruction) error {
	width, step := stringWidth(insn)
	rhs, err := c.readStringElement(insts.ES, c.readRegForAddressSize(RegEDI, insn.A32), width)
	if err != nil {
		return err
	}
	c.opSub(c.readAccumulator(width), rhs, width)
	c.stepRegForAddressSize(RegEDI, step, insn.A32)
	return nil
}

func (c *CPU) opcodeLODS(insn *insts.Instruction) error {
	return c.runStringOp(insn, c.lodsOnce, false)
}

func (c *CPU) lodsOnce(insn *insts.Instruction) error {
	width, step := stringWidth(insn)
	v, err := c.readStringElement(currentSegment(insn), c.readRegForAddressSize(RegESI, insn.A32), width)
	if err != nil {
		return err
	}
	c.writeAccumulator(width, v)
	c.stepRegForAddressSize(RegESI, step, insn.A32)
	return nil
}

func (c *CPU) opcodeSTOS(insn *insts.Instruction) error {
	return c.runStringOp(insn, c.stosOnce, false)
}

func (c *CPU) stosOnce(insn *insts.Instruction) error {
	width, step := stringWidth(insn)
	if err := c.writeStringElement(insts.ES, c.readRegForAddressSize(RegEDI, insn.A32), width, c.readAccumulator(width)); err != nil {
		return err
	}
	c.stepRegForAddressSize(RegEDI, step, insn.A32)
	return nil
}

func (c *CPU) opcodeINS(insn *insts.Instruction) error {
	return c.runStringOp(insn, c.insOnce, false)
}

func (c *CPU) insOnce(insn *insts.Instruction) error {
	width, step := stringWidth(insn)
	port := c.GetDX()
	if err := c.ioPermitted(port, uint32(step)); err != nil {
		return err
	}
	var v uint32
	switch width {
	case 8:
		v = uint32(c.In8(port))
	case 16:
		v = uint32(c.In16(port))
	default:
		v = c.In32(port)
	}
	if err := c.writeStringElement(insts.ES, c.readRegForAddressSize(RegEDI, insn.A32), width, v); err != nil {
		return err
	}
	c.stepRegForAddressSize(RegEDI, step, insn.A32)
	return nil
}

func (c *CPU) opcodeOUTS(insn *insts.Instruction) error {
	return c.runStringOp(insn, c.outsOnce, false)
}

func (c *CPU) outsOnce(insn *insts.Instruction) error {
	width, step := stringWidth(insn)
	port := c.GetDX()
	if err := c.ioPermitted(port, uint32(step)); err != nil {
		return err
	}
	v, err := c.readStringElement(currentSegment(insn), c.readRegForAddressSize(RegESI, insn.A32), width)
	if err != nil {
		return err
	}
	switch width {
	case 8:
		c.Out8(port, uint8(v))
	case 16:
		c.Out16(port, uint16(v))
	default:
		c.Out32(port, v)
	}
	c.stepRegForAddressSize(RegESI, step, insn.A32)
	return nil
}
