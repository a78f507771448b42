package emu

import (
	"github.com/awesomekling/vomit/insts"
)

// operand is a resolved ModR/M operand: either a register index into the
// bank selected by the access width, or a (segment, offset) memory
// location whose accesses run through segmentation and paging.
type operand struct {
	c     *CPU
	isReg bool
	reg   uint8
	seg   insts.SegmentRegister
	off   uint32
}

// resolveModRM computes the operand named by the instruction's ModR/M (and
// SIB) bytes. Effective-address arithmetic cannot fault; only the eventual
// access can.
func (c *CPU) resolveModRM(insn *insts.Instruction) operand {
	if insn.ModRM.IsRegister() {
		return operand{c: c, isReg: true, reg: insn.ModRM.RM()}
	}
	var o operand
	if insn.A32 {
		o = c.effectiveAddress32(insn)
	} else {
		o = c.effectiveAddress16(insn)
	}
	if insn.SegOverride != insts.SegNone {
		o.seg = insn.SegOverride
	}
	return o
}

// effectiveAddress16 applies the 16-bit addressing formulas. The default
// segment is SS whenever BP participates, else DS.
func (c *CPU) effectiveAddress16(insn *insts.Instruction) operand {
	var base uint32
	seg := insts.DS
	switch insn.ModRM.RM() {
	case 0:
		base = uint32(c.ReadReg16(RegEBX)) + uint32(c.ReadReg16(RegESI))
	case 1:
		base = uint32(c.ReadReg16(RegEBX)) + uint32(c.ReadReg16(RegEDI))
	case 2:
		base = uint32(c.ReadReg16(RegEBP)) + uint32(c.ReadReg16(RegESI))
		seg = insts.SS
	case 3:
		base = uint32(c.ReadReg16(RegEBP)) + uint32(c.ReadReg16(RegEDI))
		seg = insts.SS
	case 4:
		base = uint32(c.ReadReg16(RegESI))
	case 5:
		base = uint32(c.ReadReg16(RegEDI))
	case 6:
		if insn.ModRM.Mod() == 0 {
			// disp16 only.
			base = 0
		} else {
			base = uint32(c.ReadReg16(RegEBP))
			seg = insts.SS
		}
	case 7:
		base = uint32(c.ReadReg16(RegEBX))
	}
	return operand{c: c, seg: seg, off: (base + insn.Disp) & 0xFFFF}
}

// effectiveAddress32 applies base+index*scale+disp addressing. The default
// segment is SS when EBP or ESP is the base, else DS.
func (c *CPU) effectiveAddress32(insn *insts.Instruction) operand {
	seg := insts.DS
	var off uint32

	if insn.HasSIB {
		base := insn.SIB & 7
		index := insn.SIB >> 3 & 7
		scale := insn.SIB >> 6

		if base == 5 && insn.ModRM.Mod() == 0 {
			// disp32-only base.
		} else {
			off = c.gpr[base]
			if base == RegEBP || base == RegESP {
				seg = insts.SS
			}
		}
		if index != 4 {
			off += c.gpr[index] << scale
		}
	} else {
		rm := insn.ModRM.RM()
		if rm == 5 && insn.ModRM.Mod() == 0 {
			// disp32 only.
		} else {
			off = c.gpr[rm]
			if rm == RegEBP {
				seg = insts.SS
			}
		}
	}
	return operand{c: c, seg: seg, off: off + insn.Disp}
}

func (o *operand) read8() (uint8, error) {
	if o.isReg {
		return o.c.ReadReg8(o.reg), nil
	}
	return o.c.ReadMemory8(o.seg, o.off)
}

func (o *operand) write8(v uint8) error {
	if o.isReg {
		o.c.WriteReg8(o.reg, v)
		return nil
	}
	return o.c.WriteMemory8(o.seg, o.off, v)
}

func (o *operand) read16() (uint16, error) {
	if o.isReg {
		return o.c.ReadReg16(o.reg), nil
	}
	return o.c.ReadMemory16(o.seg, o.off)
}

func (o *operand) write16(v uint16) error {
	if o.isReg {
		o.c.WriteReg16(o.reg, v)
		return nil
	}
	return o.c.WriteMemory16(o.seg, o.off, v)
}

func (o *operand) read32() (uint32, error) {
	if o.isReg {
		return o.c.ReadReg32(o.reg), nil
	}
	return o.c.ReadMemory32(o.seg, o.off)
}

func (o *operand) write32(v uint32) error {
	if o.isReg {
		o.c.WriteReg32(o.reg, v)
		return nil
	}
	return o.c.WriteMemory32(o.seg, o.off, v)
}

// readOp and writeOp access the operand at the instruction's operand size.
func (o *operand) readOp(o32 bool) (uint32, error) {
	if o32 {
		return o.read32()
	}
	v, err := o.read16()
	return uint32(v), err
}

func (o *operand) writeOp(v uint32, o32 bool) error {
	if o32 {
		return o.write32(v)
	}
	return o.write16(uint16(v))
}

// readFarPointer reads an offset:selector pair for LES/LDS/LSS/LFS/LGS and
// far indirect CALL/JMP.
func (o *operand) readFarPointer(o32 bool) (selector uint16, offset uint32, err error) {
	offset, err = o.readOp(o32)
	if err != nil {
		return 0, 0, err
	}
	selSize := uint32(2)
	if o32 {
		selSize = 4
	}
	selector, err = o.c.ReadMemory16(o.seg, o.off+selSize)
	return selector, offset, err
}
