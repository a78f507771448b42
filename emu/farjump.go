package emu

import (
	"github.com/awesomekling/vomit/insts"
)

// jumpType distinguishes the control transfers that share the far-jump
// protocol, since privilege and stack rules differ between them.
type jumpType uint8

const (
	jumpJmp jumpType = iota
	jumpCall
	jumpRetf
	jumpIret
	jumpInt
	jumpInternal
)

func (j jumpType) String() string {
	switch j {
	case jumpJmp:
		return "JMP"
	case jumpCall:
		return "CALL"
	case jumpRetf:
		return "RETF"
	case jumpIret:
		return "IRET"
	case jumpInt:
		return "INT"
	case jumpInternal:
		return "Internal"
	}
	return "?"
}

// farJump transfers control to selector:offset, branching on CPU mode.
func (c *CPU) farJump(selector uint16, offset uint32, jump jumpType, o32 bool) error {
	if !c.protectedMode() || c.vm86Mode() {
		return c.realModeFarJump(selector, offset, jump, o32)
	}
	return c.protectedModeFarJump(selector, offset, jump, o32, nil)
}

// realModeFarJump writes CS:EIP directly; CALL pushes the return address at
// the current operand size first.
func (c *CPU) realModeFarJump(selector uint16, offset uint32, jump jumpType, o32 bool) error {
	originalCS := c.sreg[insts.CS]
	originalEIP := c.eip

	if jump == jumpCall {
		if err := c.pushOperandSizedValue(uint32(originalCS), o32); err != nil {
			return err
		}
		if err := c.pushOperandSizedValue(originalEIP, o32); err != nil {
			return err
		}
	}

	if err := c.SetSegmentRegister(insts.CS, selector); err != nil {
		return err
	}
	c.eip = offset
	return nil
}

// protectedModeFarJump runs the descriptor-driven transfer protocol: code
// segments transfer directly under the conforming/non-conforming rules,
// call gates redirect (possibly escalating privilege and switching stacks),
// and TSS descriptors or task gates switch tasks.
func (c *CPU) protectedModeFarJump(selector uint16, offset uint32, jump jumpType, o32 bool, gate *Descriptor) error {
	pushSize32 := o32
	if gate != nil {
		// Coming through a gate; the gate's bit size controls the pushes.
		pushSize32 = gate.Is32Bit()
	}

	originalCPL := c.CPL()
	originalCS := c.sreg[insts.CS]
	originalEIP := c.eip
	selectorRPL := uint8(selector & 3)

	desc, err := c.getDescriptor(selector)
	if err != nil {
		return err
	}

	if desc.IsNull() {
		return generalProtectionFault(0, jump.String()+" to null selector")
	}
	if desc.IsOutsideTableLimits() {
		return generalProtectionFault(selector&0xFFFC, jump.String()+" to selector outside table limits")
	}
	if desc.Kind != DescCode && !desc.IsCallGate() && !desc.IsTaskGate() && desc.Kind != DescTSS {
		return generalProtectionFault(selector&0xFFFC, jump.String()+" to invalid descriptor type")
	}

	if desc.Kind == DescGate && gate != nil {
		return generalProtectionFault(selector&0xFFFC, "gate-to-gate transfers are not allowed")
	}

	if desc.IsTaskGate() {
		target, err := c.getDescriptor(desc.GateSel)
		if err != nil {
			return err
		}
		if target.Kind != DescTSS {
			return generalProtectionFault(desc.GateSel&0xFFFC, "task gate to non-TSS descriptor")
		}
		if !target.Present {
			return notPresent(desc.GateSel&0xFFFC, "task gate to non-present TSS")
		}
		return c.taskSwitch(desc.GateSel, target, jump)
	}

	if desc.IsCallGate() {
		if desc.GateParms != 0 {
			return generalProtectionFault(selector&0xFFFC, "call gate with parameter copy is not supported")
		}
		if desc.DPL < originalCPL {
			return generalProtectionFault(selector&0xFFFC, jump.String()+" to gate with DPL < CPL")
		}
		if selectorRPL > desc.DPL {
			return generalProtectionFault(selector&0xFFFC, jump.String()+" to gate with RPL > DPL")
		}
		if !desc.Present {
			return notPresent(selector&0xFFFC, "gate not present")
		}
		// Transfer to the gate's entry point, carrying the gate along.
		return c.protectedModeFarJump(desc.GateSel, desc.GateOff, jump, o32, &desc)
	}

	if desc.Kind == DescTSS {
		if desc.DPL < originalCPL {
			return generalProtectionFault(selector&0xFFFC, jump.String()+" to TSS with DPL < CPL")
		}
		if desc.DPL < selectorRPL {
			return generalProtectionFault(selector&0xFFFC, jump.String()+" to TSS with DPL < RPL")
		}
		if !desc.Present {
			return notPresent(selector&0xFFFC, "TSS not present")
		}
		return c.taskSwitch(selector, desc, jump)
	}

	// A plain code segment.
	if (jump == jumpCall || jump == jumpJmp) && gate == nil {
		if desc.Conforming {
			if desc.DPL > originalCPL {
				return generalProtectionFault(selector&0xFFFC, jump.String()+" to conforming code with DPL > CPL")
			}
		} else {
			if selectorRPL > desc.DPL {
				return generalProtectionFault(selector&0xFFFC, jump.String()+" with RPL > DPL")
			}
			if desc.DPL != originalCPL {
				return generalProtectionFault(selector&0xFFFC, jump.String()+" to non-conforming code with DPL != CPL")
			}
		}
	}

	if gate != nil && !gate.Is32Bit() {
		offset &= 0xFFFF
	}
	// A 32-bit transfer into a 16-bit segment may carry junk in the high
	// offset bits; mask before the limit check.
	if !desc.D {
		offset &= 0xFFFF
	}

	if !desc.Present {
		return notPresent(selector&0xFFFC, "code segment not present")
	}
	if offset > desc.EffectiveLimit() {
		c.log.WithFields(map[string]interface{}{
			"offset": offset,
			"limit":  desc.EffectiveLimit(),
		}).Debug("far transfer outside code segment limit")
		return generalProtectionFault(0, "offset outside segment limit")
	}

	if err := c.SetSegmentRegister(insts.CS, selector); err != nil {
		return err
	}
	c.eip = offset

	if jump == jumpCall && gate != nil {
		if desc.DPL < originalCPL {
			// Privilege escalation: switch to the inner ring's stack from
			// the current TSS, then push the outer stack pointer.
			t := c.currentTSS()
			newSS, err := t.ringSS(desc.DPL)
			if err != nil {
				return err
			}
			newESP, err := t.ringESP(desc.DPL)
			if err != nil {
				return err
			}
			originalSS := c.sreg[insts.SS]
			originalESP := c.gpr[RegESP]

			newSSDesc, err := c.getDescriptor(newSS)
			if err != nil {
				return err
			}
			if newSSDesc.IsNull() {
				return invalidTSS(newSS&0xFFFC, "inner-ring ss is null")
			}
			if newSSDesc.IsOutsideTableLimits() {
				return invalidTSS(newSS&0xFFFC, "inner-ring ss outside table limits")
			}
			if newSSDesc.DPL != desc.DPL {
				return invalidTSS(newSS&0xFFFC, "inner-ring ss DPL != code segment DPL")
			}
			if newSSDesc.Kind != DescData || !newSSDesc.Writable {
				return invalidTSS(newSS&0xFFFC, "inner-ring ss not a writable data segment")
			}
			if !newSSDesc.Present {
				return stackFault(newSS&0xFFFC, "inner-ring ss not present")
			}

			c.setCPL(desc.DPL)
			if err := c.SetSegmentRegister(insts.SS, newSS); err != nil {
				return err
			}
			c.gpr[RegESP] = newESP

			if err := c.pushOperandSizedValue(uint32(originalSS), pushSize32); err != nil {
				return err
			}
			if err := c.pushOperandSizedValue(originalESP, pushSize32); err != nil {
				return err
			}
		} else {
			c.setCPL(originalCPL)
		}
	}

	if jump == jumpCall {
		if err := c.pushOperandSizedValue(uint32(originalCS), pushSize32); err != nil {
			return err
		}
		if err := c.pushOperandSizedValue(originalEIP, pushSize32); err != nil {
			return err
		}
	}

	if gate == nil {
		c.setCPL(originalCPL)
	}
	return nil
}

// clearSegmentRegisterAfterReturnIfNeeded zeroes a data segment register
// whose descriptor is no longer reachable at the new, lower privilege.
func (c *CPU) clearSegmentRegisterAfterReturnIfNeeded(seg insts.SegmentRegister, jump jumpType) {
	if c.sreg[seg] == 0 {
		return
	}
	cached := &c.descriptorCache[seg]
	stale := cached.IsNull() ||
		(cached.DPL < c.CPL() && (cached.Kind == DescData || (cached.Kind == DescCode && !cached.Conforming)))
	if stale {
		c.log.WithFields(map[string]interface{}{
			"segment":  seg.String(),
			"selector": c.sreg[seg],
			"type":     jump.String(),
		}).Debug("clearing stale segment register after return")
		c.sreg[seg] = 0
		c.descriptorCache[seg] = Descriptor{Kind: DescNull}
	}
}

// farReturn implements RETF and the non-task part of IRET.
func (c *CPU) farReturn(stackAdjustment uint16, jump jumpType, o32 bool) error {
	if !c.protectedMode() || c.vm86Mode() {
		return c.realModeFarReturn(stackAdjustment, jump, o32)
	}
	return c.protectedFarReturn(stackAdjustment, jump, o32)
}

// realModeFarReturn pops EIP, CS (and FLAGS for IRET) directly.
func (c *CPU) realModeFarReturn(stackAdjustment uint16, jump jumpType, o32 bool) error {
	popper := newTransactionalPopper(c)
	offset, err := popper.popOperandSizedValue(o32)
	if err != nil {
		return err
	}
	selector, err := popper.popOperandSizedValue(o32)
	if err != nil {
		return err
	}
	var flags uint32
	if jump == jumpIret {
		if flags, err = popper.popOperandSizedValue(o32); err != nil {
			return err
		}
	}
	popper.adjustStackPointer(uint32(stackAdjustment))
	popper.commit()

	if err := c.SetSegmentRegister(insts.CS, uint16(selector)); err != nil {
		return err
	}
	c.eip = offset
	if jump == jumpIret {
		c.setFlagsRespectingPrivilege(flags, o32)
	}
	return nil
}

// protectedFarReturn stages the popped CS:EIP (and EFLAGS for IRET, and
// SS:ESP when returning outward) through a transactional popper, committing
// the stack pointer only after every check has passed.
func (c *CPU) protectedFarReturn(stackAdjustment uint16, jump jumpType, o32 bool) error {
	popper := newTransactionalPopper(c)

	offset, err := popper.popOperandSizedValue(o32)
	if err != nil {
		return err
	}
	sel, err := popper.popOperandSizedValue(o32)
	if err != nil {
		return err
	}
	selector := uint16(sel)
	var flags uint32
	if jump == jumpIret {
		if flags, err = popper.popOperandSizedValue(o32); err != nil {
			return err
		}
	}
	popper.adjustStackPointer(uint32(stackAdjustment))

	originalCPL := c.CPL()
	selectorRPL := uint8(selector & 3)

	desc, err := c.getDescriptor(selector)
	if err != nil {
		return err
	}
	if desc.IsNull() {
		return generalProtectionFault(0, jump.String()+" to null selector")
	}
	if desc.IsOutsideTableLimits() {
		return generalProtectionFault(selector&0xFFFC, jump.String()+" to selector outside table limits")
	}
	if desc.Kind != DescCode {
		return generalProtectionFault(selector&0xFFFC, jump.String()+" to non-code segment")
	}
	if selectorRPL < originalCPL {
		return generalProtectionFault(selector&0xFFFC, jump.String()+" with RPL < CPL")
	}
	if desc.Conforming && desc.DPL > selectorRPL {
		return generalProtectionFault(selector&0xFFFC, jump.String()+" to conforming code with DPL > RPL")
	}
	if !desc.Conforming && desc.DPL != selectorRPL {
		return generalProtectionFault(selector&0xFFFC, jump.String()+" to non-conforming code with DPL != RPL")
	}
	if !desc.Present {
		return notPresent(selector&0xFFFC, "code segment not present")
	}

	if !desc.D {
		offset &= 0xFFFF
	}
	if offset > desc.EffectiveLimit() {
		return generalProtectionFault(0, "offset outside segment limit")
	}

	if selectorRPL > originalCPL {
		// Returning outward: the outer SS:ESP is on the inner stack.
		newESP, err := popper.popOperandSizedValue(o32)
		if err != nil {
			return err
		}
		newSS, err := popper.popOperandSizedValue(o32)
		if err != nil {
			return err
		}

		if err := c.SetSegmentRegister(insts.CS, selector); err != nil {
			return err
		}
		c.eip = offset
		c.setCPL(selectorRPL)

		if err := c.SetSegmentRegister(insts.SS, uint16(newSS)); err != nil {
			return err
		}
		c.gpr[RegESP] = newESP
		c.adjustStackPointer(int32(stackAdjustment))

		c.clearSegmentRegisterAfterReturnIfNeeded(insts.ES, jump)
		c.clearSegmentRegisterAfterReturnIfNeeded(insts.FS, jump)
		c.clearSegmentRegisterAfterReturnIfNeeded(insts.GS, jump)
		c.clearSegmentRegisterAfterReturnIfNeeded(insts.DS, jump)
	} else {
		if err := c.SetSegmentRegister(insts.CS, selector); err != nil {
			return err
		}
		c.eip = offset
		popper.commit()
	}

	if jump == jumpIret {
		c.setFlagsRespectingPrivilege(flags, o32)
	}
	return nil
}

// iret dispatches IRET: across tasks when NT is set, else as a far return
// that also restores EFLAGS.
func (c *CPU) iret(o32 bool) error {
	if c.protectedMode() && c.nt {
		t := c.currentTSS()
		link, err := t.backLink()
		if err != nil {
			return err
		}
		desc, err := c.getDescriptor(link)
		if err != nil {
			return err
		}
		if desc.Kind != DescTSS {
			return invalidTSS(link&0xFFFC, "iret back link is not a TSS")
		}
		return c.taskSwitch(link, desc, jumpIret)
	}
	return c.farReturn(0, jumpIret, o32)
}
