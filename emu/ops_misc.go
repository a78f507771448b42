package emu

import (
	"github.com/awesomekling/vomit/insts"
)

func (c *CPU) opcodeNOP(*insts.Instruction) error { return nil }

// opcodeWAIT faults only when a task switch left TS set with MP.
func (c *CPU) opcodeWAIT(*insts.Instruction) error {
	if c.cr0&CR0TS != 0 && c.cr0&CR0MP != 0 {
		return deviceNotAvailable("wait with TS and MP set")
	}
	return nil
}

// opcodeFPUEscape decodes the coprocessor escape range. No x87 state is
// modeled; the escape either raises #NM per CR0.EM/TS or falls through.
func (c *CPU) opcodeFPUEscape(*insts.Instruction) error {
	if c.cr0&(CR0EM|CR0TS) != 0 {
		return deviceNotAvailable("coprocessor escape with EM or TS set")
	}
	return nil
}

func (c *CPU) opcodeCLC(*insts.Instruction) error { c.cf = false; return nil }
func (c *CPU) opcodeSTC(*insts.Instruction) error { c.cf = true; return nil }
func (c *CPU) opcodeCMC(*insts.Instruction) error { c.cf = !c.cf; return nil }
func (c *CPU) opcodeCLD(*insts.Instruction) error { c.flagDF = false; return nil }
func (c *CPU) opcodeSTD(*insts.Instruction) error { c.flagDF = true; return nil }

// interruptFlagPermitted gates CLI/STI on IOPL.
func (c *CPU) interruptFlagPermitted() error {
	if c.protectedMode() && c.iopl < c.CPL() {
		return generalProtectionFault(0, "interrupt flag change with IOPL < CPL")
	}
	if c.vm86Mode() && c.iopl < 3 {
		return generalProtectionFault(0, "interrupt flag change in VM86 with IOPL < 3")
	}
	return nil
}

func (c *CPU) opcodeCLI(*insts.Instruction) error {
	if err := c.interruptFlagPermitted(); err != nil {
		return err
	}
	c.flagIF = false
	return nil
}

// opcodeSTI delays interrupt recognition by one instruction, so a
// STI;HLT pair cannot lose the wakeup.
func (c *CPU) opcodeSTI(*insts.Instruction) error {
	if err := c.interruptFlagPermitted(); err != nil {
		return err
	}
	if !c.flagIF {
		c.MakeNextInstructionUninterruptible()
	}
	c.flagIF = true
	return nil
}

// Port I/O forms.

func (c *CPU) opcodeINAccImm8(insn *insts.Instruction) error {
	return c.inAcc(insn, uint16(insn.Imm8()))
}

func (c *CPU) opcodeINAccDX(insn *insts.Instruction) error {
	return c.inAcc(insn, c.GetDX())
}

func (c *CPU) inAcc(insn *insts.Instruction, port uint16) error {
	byteOp := insn.Opcode == 0xE4 || insn.Opcode == 0xEC
	size := uint32(1)
	if !byteOp {
		size = 2
		if insn.O32 {
			size = 4
		}
	}
	if err := c.ioPermitted(port, size); err != nil {
		return err
	}
	switch {
	case byteOp:
		c.SetAL(c.In8(port))
	case insn.O32:
		c.SetEAX(c.In32(port))
	default:
		c.SetAX(c.In16(port))
	}
	return nil
}

func (c *CPU) opcodeOUTImm8Acc(insn *insts.Instruction) error {
	return c.outAcc(insn, uint16(insn.Imm8()))
}

func (c *CPU) opcodeOUTDXAcc(insn *insts.Instruction) error {
	return c.outAcc(insn, c.GetDX())
}

func (c *CPU) outAcc(insn *insts.Instruction, port uint16) error {
	byteOp := insn.Opcode == 0xE6 || insn.Opcode == 0xEE
	size := uint32(1)
	if !byteOp {
		size = 2
		if insn.O32 {
			size = 4
		}
	}
	if err := c.ioPermitted(port, size); err != nil {
		return err
	}
	switch {
	case byteOp:
		c.Out8(port, c.GetAL())
	case insn.O32:
		c.Out32(port, c.GetEAX())
	default:
		c.Out16(port, c.GetAX())
	}
	return nil
}

// opcodeBOUND checks the index register against the two bounds at the
// memory operand and raises #BR when out of range.
func (c *CPU) opcodeBOUND(insn *insts.Instruction) error {
	if insn.ModRM.IsRegister() {
		return invalidOpcode("bound with register operand")
	}
	o := c.resolveModRM(insn)

	var lower, upper, index int64
	if insn.O32 {
		lo, err := c.ReadMemory32(o.seg, o.off)
		if err != nil {
			return err
		}
		hi, err := c.ReadMemory32(o.seg, o.off+4)
		if err != nil {
			return err
		}
		lower, upper = int64(int32(lo)), int64(int32(hi))
		index = int64(int32(c.ReadReg32(insn.Reg())))
	} else {
		lo, err := c.ReadMemory16(o.seg, o.off)
		if err != nil {
			return err
		}
		hi, err := c.ReadMemory16(o.seg, o.off+2)
		if err != nil {
			return err
		}
		lower, upper = int64(int16(lo)), int64(int16(hi))
		index = int64(int16(c.ReadReg16(insn.Reg())))
	}
	if index < lower || index > upper {
		return boundRangeExceeded("index outside bounds")
	}
	return nil
}

// opcodeARPL raises the RPL of the rm selector to the reg selector's, used
// by kernels to sanitize user-supplied selectors.
func (c *CPU) opcodeARPL(insn *insts.Instruction) error {
	if !c.protectedMode() || c.vm86Mode() {
		return invalidOpcode("arpl outside protected mode")
	}
	o := c.resolveModRM(insn)
	dest, err := o.read16()
	if err != nil {
		return err
	}
	src := c.ReadReg16(insn.Reg())
	if dest&3 < src&3 {
		c.SetZF(true)
		return o.write16(dest&^uint16(3) | src&3)
	}
	c.SetZF(false)
	return nil
}

// opcodeCPUID reports a fixed identification: the 386 core pretends to be
// the lowest CPUID-capable stepping with a constant vendor string.
func (c *CPU) opcodeCPUID(*insts.Instruction) error {
	switch c.GetEAX() {
	case 0:
		c.SetEAX(1)
		c.gpr[RegEBX] = 0x696D6F56 // "Vomi"
		c.gpr[RegEDX] = 0x36385674 // "tV86"
		c.gpr[RegECX] = 0x55504320 // " CPU"
	default:
		c.SetEAX(0x0308) // family 3, stepping 8
		c.gpr[RegEBX] = 0
		c.gpr[RegECX] = 0
		c.gpr[RegEDX] = 0
	}
	return nil
}

// opcodeRDTSC returns the cycle counter; CR4.TSD restricts it to ring 0.
func (c *CPU) opcodeRDTSC(*insts.Instruction) error {
	if c.cr4&CR4TSD != 0 && c.protectedMode() && c.CPL() != 0 {
		return generalProtectionFault(0, "rdtsc with TSD set outside ring 0")
	}
	c.SetEAX(uint32(c.cycle))
	c.gpr[RegEDX] = uint32(c.cycle >> 32)
	return nil
}

// opcodeINVD covers INVD/WBINVD: privileged cache no-ops.
func (c *CPU) opcodeINVD(*insts.Instruction) error {
	if c.protectedMode() && c.CPL() != 0 {
		return generalProtectionFault(0, "cache control outside ring 0")
	}
	return nil
}

// opcodeCLTS clears CR0.TS.
func (c *CPU) opcodeCLTS(*insts.Instruction) error {
	if c.protectedMode() && c.CPL() != 0 {
		return generalProtectionFault(0, "clts outside ring 0")
	}
	c.cr0 &^= CR0TS
	return nil
}

// Control and debug register moves. CR1 and CR5-CR7 do not exist; naming
// them is undefined rather than privileged.

func validControlRegister(idx uint8) bool {
	switch idx {
	case 0, 2, 3, 4:
		return true
	}
	return false
}

func (c *CPU) controlRegisterAccessPermitted() error {
	if c.protectedMode() && c.CPL() != 0 {
		return generalProtectionFault(0, "control register access outside ring 0")
	}
	return nil
}

func (c *CPU) opcodeMOVFromCR(insn *insts.Instruction) error {
	if !validControlRegister(insn.Reg()) {
		return invalidOpcode("read of nonexistent control register")
	}
	if err := c.controlRegisterAccessPermitted(); err != nil {
		return err
	}
	var v uint32
	switch insn.Reg() {
	case 0:
		v = c.cr0
	case 2:
		v = c.cr2
	case 3:
		v = c.cr3
	case 4:
		v = c.cr4
	}
	c.WriteReg32(insn.ModRM.RM(), v)
	return nil
}

func (c *CPU) opcodeMOVToCR(insn *insts.Instruction) error {
	if !validControlRegister(insn.Reg()) {
		return invalidOpcode("write of nonexistent control register")
	}
	if err := c.controlRegisterAccessPermitted(); err != nil {
		return err
	}
	v := c.ReadReg32(insn.ModRM.RM())
	switch insn.Reg() {
	case 0:
		c.cr0 = v
		c.updateDefaultSizes()
	case 2:
		c.cr2 = v
	case 3:
		c.cr3 = v
	case 4:
		c.cr4 = v
	}
	return nil
}

func (c *CPU) opcodeMOVFromDR(insn *insts.Instruction) error {
	if err := c.controlRegisterAccessPermitted(); err != nil {
		return err
	}
	c.WriteReg32(insn.ModRM.RM(), c.dr[insn.Reg()])
	return nil
}

func (c *CPU) opcodeMOVToDR(insn *insts.Instruction) error {
	if err := c.controlRegisterAccessPermitted(); err != nil {
		return err
	}
	c.dr[insn.Reg()] = c.ReadReg32(insn.ModRM.RM())
	return nil
}

// opcodeGroup6 covers 0F 00: SLDT/STR/LLDT/LTR/VERR/VERW.
func (c *CPU) opcodeGroup6(insn *insts.Instruction) error {
	if !c.protectedMode() || c.vm86Mode() {
		return invalidOpcode("system segment instruction outside protected mode")
	}
	o := c.resolveModRM(insn)
	switch insn.Reg() {
	case 0: // SLDT
		return o.write16(c.ldtrSel)
	case 1: // STR
		return o.write16(c.tr.Selector)
	case 2: // LLDT
		if c.CPL() != 0 {
			return generalProtectionFault(0, "lldt outside ring 0")
		}
		sel, err := o.read16()
		if err != nil {
			return err
		}
		return c.loadLDT(sel)
	case 3: // LTR
		if c.CPL() != 0 {
			return generalProtectionFault(0, "ltr outside ring 0")
		}
		sel, err := o.read16()
		if err != nil {
			return err
		}
		return c.loadTaskRegister(sel)
	case 4: // VERR
		return c.verifySegment(insn, o, false)
	case 5: // VERW
		return c.verifySegment(insn, o, true)
	}
	return invalidOpcode("group 6")
}

// loadTaskRegister installs an available TSS into TR and marks it busy.
func (c *CPU) loadTaskRegister(selector uint16) error {
	if selector&4 != 0 {
		return generalProtectionFault(selector&0xFFFC, "ltr with LDT selector")
	}
	if selector&0xFFF8 == 0 {
		return generalProtectionFault(0, "ltr with null selector")
	}
	desc, err := c.getDescriptor(selector)
	if err != nil {
		return err
	}
	if desc.IsOutsideTableLimits() {
		return generalProtectionFault(selector&0xFFFC, "ltr selector outside table limits")
	}
	if desc.Kind != DescTSS || desc.IsBusyTSS() {
		return generalProtectionFault(selector&0xFFFC, "ltr with non-available-TSS descriptor")
	}
	if !desc.Present {
		return notPresent(selector&0xFFFC, "ltr with non-present TSS")
	}
	if err := c.setTSSBusy(selector, true); err != nil {
		return err
	}
	c.tr = TaskRegister{
		Selector: selector,
		Base:     desc.Base,
		Limit:    desc.Limit,
		Is32Bit:  desc.Is32Bit(),
	}
	return nil
}

// verifySegment implements VERR/VERW: ZF reports whether the selector is
// readable (or writable) at the current privilege.
func (c *CPU) verifySegment(insn *insts.Instruction, o operand, forWrite bool) error {
	sel, err := o.read16()
	if err != nil {
		return err
	}
	desc, err := c.getDescriptor(sel)
	if err != nil {
		return err
	}
	ok := false
	switch desc.Kind {
	case DescData:
		ok = !forWrite || desc.Writable
	case DescCode:
		ok = !forWrite && desc.Readable
	}
	if ok && !(desc.Kind == DescCode && desc.Conforming) {
		rpl := uint8(sel & 3)
		if desc.DPL < c.CPL() || desc.DPL < rpl {
			ok = false
		}
	}
	c.SetZF(ok)
	return nil
}

// opcodeGroup7 covers 0F 01: the descriptor-table and machine-status forms.
func (c *CPU) opcodeGroup7(insn *insts.Instruction) error {
	o := c.resolveModRM(insn)
	switch insn.Reg() {
	case 0: // SGDT
		return c.storeDescriptorTable(insn, o, c.gdtr)
	case 1: // SIDT
		return c.storeDescriptorTable(insn, o, c.idtr)
	case 2: // LGDT
		table, err := c.loadDescriptorTable(insn, o)
		if err != nil {
			return err
		}
		c.gdtr = table
		return nil
	case 3: // LIDT
		table, err := c.loadDescriptorTable(insn, o)
		if err != nil {
			return err
		}
		c.idtr = table
		return nil
	case 4: // SMSW
		return o.write16(uint16(c.cr0))
	case 6: // LMSW
		if c.protectedMode() && c.CPL() != 0 {
			return generalProtectionFault(0, "lmsw outside ring 0")
		}
		v, err := o.read16()
		if err != nil {
			return err
		}
		// LMSW can set PE but never clear it.
		c.cr0 = c.cr0&^uint32(0xE) | uint32(v)&0xF | c.cr0&CR0PE
		if v&CR0PE != 0 {
			c.cr0 |= CR0PE
		}
		return nil
	case 7: // INVLPG
		if c.protectedMode() && c.CPL() != 0 {
			return generalProtectionFault(0, "invlpg outside ring 0")
		}
		return nil
	}
	return invalidOpcode("group 7")
}

func (c *CPU) storeDescriptorTable(insn *insts.Instruction, o operand, table DescriptorTableRegister) error {
	if insn.ModRM.IsRegister() {
		return invalidOpcode("descriptor table store with register operand")
	}
	if err := c.WriteMemory16(o.seg, o.off, uint16(table.Limit)); err != nil {
		return err
	}
	base := table.Base
	if !insn.O32 {
		base &= 0x00FFFFFF
	}
	return c.WriteMemory32(o.seg, o.off+2, base)
}

func (c *CPU) loadDescriptorTable(insn *insts.Instruction, o operand) (DescriptorTableRegister, error) {
	if insn.ModRM.IsRegister() {
		return DescriptorTableRegister{}, invalidOpcode("descriptor table load with register operand")
	}
	if c.protectedMode() && c.CPL() != 0 {
		return DescriptorTableRegister{}, generalProtectionFault(0, "descriptor table load outside ring 0")
	}
	limit, err := c.ReadMemory16(o.seg, o.off)
	if err != nil {
		return DescriptorTableRegister{}, err
	}
	base, err := c.ReadMemory32(o.seg, o.off+2)
	if err != nil {
		return DescriptorTableRegister{}, err
	}
	if !insn.O32 {
		base &= 0x00FFFFFF
	}
	return DescriptorTableRegister{Base: base, Limit: uint32(limit)}, nil
}

// opcodeLAR loads the access-rights image of a selector; ZF reports
// whether the selector was visible at the current privilege.
func (c *CPU) opcodeLAR(insn *insts.Instruction) error {
	if !c.protectedMode() || c.vm86Mode() {
		return invalidOpcode("lar outside protected mode")
	}
	o := c.resolveModRM(insn)
	sel, err := o.read16()
	if err != nil {
		return err
	}
	desc, err := c.getDescriptor(sel)
	if err != nil {
		return err
	}
	if !c.descriptorVisibleForProbe(&desc, uint8(sel&3)) {
		c.SetZF(false)
		return nil
	}
	c.SetZF(true)
	c.writeRegOperand(insn.Reg(), c.accessRightsImage(&desc), insn.O32)
	return nil
}

// opcodeLSL loads the effective limit of a selector.
func (c *CPU) opcodeLSL(insn *insts.Instruction) error {
	if !c.protectedMode() || c.vm86Mode() {
		return invalidOpcode("lsl outside protected mode")
	}
	o := c.resolveModRM(insn)
	sel, err := o.read16()
	if err != nil {
		return err
	}
	desc, err := c.getDescriptor(sel)
	if err != nil {
		return err
	}
	if !c.descriptorVisibleForProbe(&desc, uint8(sel&3)) {
		c.SetZF(false)
		return nil
	}
	c.SetZF(true)
	c.writeRegOperand(insn.Reg(), desc.EffectiveLimit(), insn.O32)
	return nil
}

// descriptorVisibleForProbe applies the LAR/LSL visibility rules.
func (c *CPU) descriptorVisibleForProbe(desc *Descriptor, rpl uint8) bool {
	switch desc.Kind {
	case DescNull, DescOutsideTableLimits, DescReserved:
		return false
	case DescGate:
		if desc.IsCallGate() || desc.IsTaskGate() {
			return desc.DPL >= c.CPL() && desc.DPL >= rpl
		}
		return false
	case DescCode:
		if desc.Conforming {
			return true
		}
	}
	return desc.DPL >= c.CPL() && desc.DPL >= rpl
}

// accessRightsImage reconstructs the type/DPL/present byte the way LAR
// reports it.
func (c *CPU) accessRightsImage(desc *Descriptor) uint32 {
	var typ uint32
	switch desc.Kind {
	case DescCode:
		typ = 0x18
		if desc.Conforming {
			typ |= 4
		}
		if desc.Readable {
			typ |= 2
		}
	case DescData:
		typ = 0x10
		if desc.ExpandDown {
			typ |= 4
		}
		if desc.Writable {
			typ |= 2
		}
	default:
		typ = uint32(desc.SysType)
	}
	v := typ << 8
	v |= uint32(desc.DPL) << 13
	if desc.Present {
		v |= 1 << 15
	}
	return v & 0xFF00
}
