package emu

import (
	"github.com/awesomekling/vomit/insts"
)

// InterruptSource tells delivery whether the vector came from hardware; the
// distinction feeds the external bit of pushed error codes.
type InterruptSource uint8

// Interrupt sources. Software INT instructions are privilege-checked
// against the gate DPL; CPU-raised exceptions and hardware IRQs are not.
const (
	InterruptSourceInternal  InterruptSource = iota // INT n, INT3, INTO
	InterruptSourceExternal                         // hardware IRQ
	interruptSourceException                        // fault/trap raised by the core
)

func (s InterruptSource) externalBit() uint16 {
	if s == InterruptSourceExternal {
		return 1
	}
	return 0
}

// makeErrorCode formats a selector-error code: bit 0 carries the external
// bit, bit 1 the IDT bit.
func makeErrorCode(num uint16, idt bool, source InterruptSource) uint16 {
	if idt {
		return num<<3 | 2 | source.externalBit()
	}
	return num&0xFFFC | source.externalBit()
}

// Interrupt delivers vector isr with no error code.
func (c *CPU) Interrupt(isr uint8, source InterruptSource) error {
	return c.interruptWithError(isr, source, 0, false)
}

// deliverDebugTrap delivers the TF single-step trap, which is exempt from
// the software-interrupt gate DPL check and must not rewind EIP.
func (c *CPU) deliverDebugTrap() error {
	return c.interruptWithError(ExcDB, interruptSourceException, 0, false)
}

func (c *CPU) interruptWithError(isr uint8, source InterruptSource, code uint16, hasCode bool) error {
	if c.state == StateHalted {
		c.state = StateAlive
	}
	if c.protectedMode() {
		return c.protectedModeInterrupt(isr, source, code, hasCode)
	}
	return c.realModeInterrupt(isr, source)
}

// realModeInterrupt vectors through the IVT at physical isr*4, pushing
// FLAGS, CS, IP and clearing IF and TF.
func (c *CPU) realModeInterrupt(isr uint8, source InterruptSource) error {
	originalCS := c.sreg[insts.CS]
	originalIP := uint16(c.eip)
	flags := c.GetFlags16()

	offset := c.physRead16(uint32(isr) * 4)
	selector := c.physRead16(uint32(isr)*4 + 2)

	if source == InterruptSourceExternal {
		c.log.WithFields(map[string]interface{}{
			"isr": isr, "cs": selector, "ip": offset,
		}).Trace("external interrupt")
	}

	if err := c.SetSegmentRegister(insts.CS, selector); err != nil {
		return err
	}
	c.eip = uint32(offset)

	if err := c.push16(flags); err != nil {
		return err
	}
	if err := c.push16(originalCS); err != nil {
		return err
	}
	if err := c.push16(originalIP); err != nil {
		return err
	}

	c.flagIF = false
	c.flagTF = false
	return nil
}

// getInterruptGate fetches and decodes IDT entry isr.
func (c *CPU) getInterruptGate(isr uint8, source InterruptSource) (Descriptor, error) {
	index := uint32(isr) * 8
	if index+7 > c.idtr.Limit {
		return Descriptor{}, generalProtectionFault(makeErrorCode(uint16(isr), true, source), "interrupt vector outside IDT limit")
	}
	low, err := c.readLinear32(c.idtr.Base+index, accessRead, 0)
	if err != nil {
		return Descriptor{}, err
	}
	high, err := c.readLinear32(c.idtr.Base+index+4, accessRead, 0)
	if err != nil {
		return Descriptor{}, err
	}
	return parseDescriptor(low, high), nil
}

// protectedModeInterrupt delivers a vector through the IDT: task gates
// switch tasks, trap gates leave IF alone, interrupt gates clear it. A gate
// to a more-privileged code segment switches to the inner ring's stack from
// the TSS and pushes the outer SS:ESP first.
func (c *CPU) protectedModeInterrupt(isr uint8, source InterruptSource, code uint16, hasCode bool) error {
	gate, err := c.getInterruptGate(isr, source)
	if err != nil {
		return err
	}

	if gate.Kind != DescGate || gate.IsCallGate() {
		return generalProtectionFault(makeErrorCode(uint16(isr), true, source), "interrupt through bad gate type")
	}
	if source == InterruptSourceInternal && gate.DPL < c.CPL() {
		return generalProtectionFault(makeErrorCode(uint16(isr), true, source), "software interrupt trying to escalate privilege")
	}
	if !gate.Present {
		return notPresent(makeErrorCode(uint16(isr), true, source), "interrupt gate not present")
	}

	if gate.IsTaskGate() {
		return c.interruptToTaskGate(source, code, hasCode, &gate)
	}

	if gate.GateSel&0xFFF8 == 0 {
		return generalProtectionFault(makeErrorCode(0, false, source), "interrupt gate with null selector")
	}

	desc, err := c.getDescriptor(gate.GateSel)
	if err != nil {
		return err
	}
	if desc.IsOutsideTableLimits() {
		return generalProtectionFault(makeErrorCode(gate.GateSel, false, source), "interrupt gate to segment outside table limits")
	}
	if desc.Kind != DescCode {
		return generalProtectionFault(makeErrorCode(gate.GateSel, false, source), "interrupt gate to non-code segment")
	}
	if desc.DPL > c.CPL() {
		return generalProtectionFault(makeErrorCode(gate.GateSel, false, source), "interrupt gate to segment with DPL > CPL")
	}
	if !desc.Present {
		return notPresent(makeErrorCode(gate.GateSel, false, source), "interrupt to non-present segment")
	}

	isTrap := gate.IsTrapGate()
	gate32 := gate.Is32Bit()

	offset := gate.GateOff
	if !gate32 || !desc.D {
		offset &= 0xFFFF
	}

	flags := c.GetEFlags()
	originalSS := c.sreg[insts.SS]
	originalESP := c.gpr[RegESP]
	originalCPL := c.CPL()
	originalCS := c.sreg[insts.CS]
	originalEIP := c.eip

	if offset > desc.EffectiveLimit() {
		return generalProtectionFault(0, "interrupt entry outside segment limit")
	}

	escalating := !desc.Conforming && desc.DPL < originalCPL
	if escalating {
		t := c.currentTSS()
		newSS, err := t.ringSS(desc.DPL)
		if err != nil {
			return err
		}
		newESP, err := t.ringESP(desc.DPL)
		if err != nil {
			return err
		}

		newSSDesc, err := c.getDescriptor(newSS)
		if err != nil {
			return err
		}
		if newSSDesc.IsNull() {
			return invalidTSS(uint16(source), "inner-ring ss is null")
		}
		if newSSDesc.IsOutsideTableLimits() {
			return invalidTSS(makeErrorCode(newSS, false, source), "inner-ring ss outside table limits")
		}
		if newSSDesc.DPL != desc.DPL {
			return invalidTSS(makeErrorCode(newSS, false, source), "inner-ring ss DPL != code segment DPL")
		}
		if newSSDesc.Kind != DescData || !newSSDesc.Writable {
			return invalidTSS(makeErrorCode(newSS, false, source), "inner-ring ss not a writable data segment")
		}
		if !newSSDesc.Present {
			return stackFault(makeErrorCode(newSS, false, source), "inner-ring ss not present")
		}

		c.setCPL(desc.DPL)
		if err := c.SetSegmentRegister(insts.SS, newSS); err != nil {
			return err
		}
		c.gpr[RegESP] = newESP

		if err := c.pushGateSized(uint32(originalSS), gate32); err != nil {
			return err
		}
		if err := c.pushGateSized(originalESP, gate32); err != nil {
			return err
		}
	}

	if err := c.pushGateSized(flags, gate32); err != nil {
		return err
	}
	if err := c.pushGateSized(uint32(originalCS), gate32); err != nil {
		return err
	}
	if err := c.pushGateSized(originalEIP, gate32); err != nil {
		return err
	}
	if hasCode {
		if err := c.pushGateSized(uint32(code), gate32); err != nil {
			return err
		}
	}

	if !isTrap {
		c.flagIF = false
	}
	c.flagTF = false
	c.rf = false
	c.nt = false

	if err := c.SetSegmentRegister(insts.CS, gate.GateSel); err != nil {
		return err
	}
	if escalating {
		c.setCPL(desc.DPL)
	} else {
		c.setCPL(originalCPL)
	}
	c.eip = offset
	return nil
}

func (c *CPU) pushGateSized(v uint32, gate32 bool) error {
	if gate32 {
		return c.push32(v)
	}
	return c.push16(uint16(v))
}

// interruptToTaskGate switches to the task named by the gate; any error
// code is pushed on the incoming task's stack.
func (c *CPU) interruptToTaskGate(source InterruptSource, code uint16, hasCode bool, gate *Descriptor) error {
	desc, err := c.getDescriptor(gate.GateSel)
	if err != nil {
		return err
	}
	if gate.GateSel&4 != 0 {
		return generalProtectionFault(makeErrorCode(gate.GateSel, false, source), "task gate referencing local descriptor")
	}
	if desc.Kind != DescTSS {
		return generalProtectionFault(makeErrorCode(gate.GateSel, false, source), "task gate referencing non-TSS descriptor")
	}
	if desc.IsBusyTSS() {
		return generalProtectionFault(makeErrorCode(gate.GateSel, false, source), "task gate referencing busy TSS")
	}
	if !desc.Present {
		return generalProtectionFault(makeErrorCode(gate.GateSel, false, source), "task gate referencing non-present TSS")
	}
	if err := c.taskSwitch(gate.GateSel, desc, jumpInt); err != nil {
		return err
	}
	if hasCode {
		if desc.Is32Bit() {
			return c.push32(uint32(code))
		}
		return c.push16(code)
	}
	return nil
}

// raiseException rewinds EIP to the faulting instruction and delivers the
// exception, escalating per the architectural nesting rules: a fault during
// delivery becomes #DF, and a fault delivering #DF is a triple fault that
// shuts the core down.
func (c *CPU) raiseException(e *Exception) {
	c.log.WithField("exception", e.Error()).Debug("raising exception")
	c.eip = c.baseEIP

	c.exceptionDepth++
	defer func() { c.exceptionDepth-- }()

	if c.exceptionDepth >= 3 {
		c.log.WithField("exception", e.Error()).Error("triple fault, shutting down")
		c.state = StateDead
		return
	}
	if c.exceptionDepth == 2 && e.Vector != ExcDF {
		e = doubleFault()
	}

	err := c.interruptWithError(e.Vector, interruptSourceException, e.Code, e.HasCode && hasErrorCode(e.Vector))
	if err != nil {
		if nested := asException(err); nested != nil {
			c.raiseException(nested)
			return
		}
		c.fatal(err)
	}
}
