package emu

import (
	"github.com/awesomekling/vomit/insts"
)

// tss is an accessor over a task-state segment image in linear memory.
// Field offsets differ between the 16-bit (286) and 32-bit (386) layouts.
type tss struct {
	c     *CPU
	base  uint32
	is32  bool
}

func (c *CPU) currentTSS() tss {
	return tss{c: c, base: c.tr.Base, is32: c.tr.Is32Bit}
}

func (t tss) read16(off uint32) (uint16, error) {
	return t.c.readLinear16(t.base+off, accessRead, 0)
}

func (t tss) read32(off uint32) (uint32, error) {
	return t.c.readLinear32(t.base+off, accessRead, 0)
}

func (t tss) write16(off uint32, v uint16) error {
	return t.c.writeLinear16(t.base+off, v, 0)
}

func (t tss) write32(off uint32, v uint32) error {
	return t.c.writeLinear32(t.base+off, v, 0)
}

// backLink reads the selector of the task that nested into this one.
func (t tss) backLink() (uint16, error) { return t.read16(0) }

func (t tss) setBackLink(selector uint16) error { return t.write16(0, selector) }

// ringSS returns the inner-ring stack segment for a privilege escalation.
func (t tss) ringSS(ring uint8) (uint16, error) {
	if t.is32 {
		return t.read16(8 + uint32(ring)*8)
	}
	return t.read16(4 + uint32(ring)*4)
}

// ringESP returns the inner-ring stack pointer for a privilege escalation.
func (t tss) ringESP(ring uint8) (uint32, error) {
	if t.is32 {
		return t.read32(4 + uint32(ring)*8)
	}
	v, err := t.read16(2 + uint32(ring)*4)
	return uint32(v), err
}

// ioMapBase returns the I/O permission bitmap offset (32-bit TSS only).
func (t tss) ioMapBase() (uint16, error) { return t.read16(0x66) }

// 32-bit TSS field offsets.
const (
	tss32CR3    = 0x1C
	tss32EIP    = 0x20
	tss32EFLAGS = 0x24
	tss32EAX    = 0x28
	tss32ES     = 0x48
	tss32CS     = 0x4C
	tss32SS     = 0x50
	tss32DS     = 0x54
	tss32FS     = 0x58
	tss32GS     = 0x5C
	tss32LDT    = 0x60
)

// 16-bit TSS field offsets.
const (
	tss16IP  = 0x0E
	tss16FLG = 0x10
	tss16AX  = 0x12
	tss16ES  = 0x22
	tss16CS  = 0x24
	tss16SS  = 0x26
	tss16DS  = 0x28
	tss16LDT = 0x2A
)

// saveOutgoingTask stores the current CPU state into the current TSS.
func (c *CPU) saveOutgoingTask() error {
	t := c.currentTSS()
	if t.is32 {
		if err := t.write32(tss32CR3, c.cr3); err != nil {
			return err
		}
		if err := t.write32(tss32EIP, c.eip); err != nil {
			return err
		}
		if err := t.write32(tss32EFLAGS, c.GetEFlags()); err != nil {
			return err
		}
		for i := uint32(0); i < 8; i++ {
			if err := t.write32(tss32EAX+i*4, c.gpr[i]); err != nil {
				return err
			}
		}
		for seg, off := range map[insts.SegmentRegister]uint32{
			insts.ES: tss32ES, insts.CS: tss32CS, insts.SS: tss32SS,
			insts.DS: tss32DS, insts.FS: tss32FS, insts.GS: tss32GS,
		} {
			if err := t.write16(off, c.sreg[seg]); err != nil {
				return err
			}
		}
		return nil
	}
	if err := t.write16(tss16IP, uint16(c.eip)); err != nil {
		return err
	}
	if err := t.write16(tss16FLG, c.GetFlags16()); err != nil {
		return err
	}
	for i := uint32(0); i < 8; i++ {
		if err := t.write16(tss16AX+i*2, uint16(c.gpr[i])); err != nil {
			return err
		}
	}
	for seg, off := range map[insts.SegmentRegister]uint32{
		insts.ES: tss16ES, insts.CS: tss16CS, insts.SS: tss16SS, insts.DS: tss16DS,
	} {
		if err := t.write16(off, c.sreg[seg]); err != nil {
			return err
		}
	}
	return nil
}

// loadSegmentFromTSS re-validates a selector coming out of a TSS; faults
// from the regular selector-load path are reported as #TS per the
// task-switch rules.
func (c *CPU) loadSegmentFromTSS(seg insts.SegmentRegister, selector uint16) error {
	err := c.SetSegmentRegister(seg, selector)
	if err == nil {
		return nil
	}
	if e := asException(err); e != nil {
		switch e.Vector {
		case ExcGP, ExcNP, ExcSS:
			return invalidTSS(e.Code, "segment from TSS: "+e.Message)
		}
	}
	return err
}

// taskSwitch performs a hardware task switch to the TSS named by selector.
// For CALL and INT the outgoing task is recorded in the new TSS back link
// and NT is set so IRET can return across tasks.
func (c *CPU) taskSwitch(selector uint16, incoming Descriptor, jump jumpType) error {
	c.log.WithFields(map[string]interface{}{
		"selector": selector,
		"base":     incoming.Base,
		"type":     jump.String(),
	}).Trace("task switch")

	nesting := jump == jumpCall || jump == jumpInt
	if jump == jumpIret {
		c.nt = false
	}

	if err := c.saveOutgoingTask(); err != nil {
		return err
	}

	outgoingSelector := c.tr.Selector

	// Busy bookkeeping in the descriptor table entries.
	if outgoingSelector != 0 && !nesting {
		if err := c.setTSSBusy(outgoingSelector, false); err != nil {
			return err
		}
	}
	if err := c.setTSSBusy(selector, true); err != nil {
		return err
	}

	c.tr = TaskRegister{
		Selector: selector,
		Base:     incoming.Base,
		Limit:    incoming.Limit,
		Is32Bit:  incoming.Is32Bit(),
	}
	c.cr0 |= CR0TS

	t := c.currentTSS()
	if nesting {
		if err := t.setBackLink(outgoingSelector); err != nil {
			return err
		}
	}

	var eip, eflags uint32
	var ldt, cs, ss, ds, es, fs, gs uint16
	var gprs [8]uint32
	var err error

	if t.is32 {
		if c.cr3, err = t.read32(tss32CR3); err != nil {
			return err
		}
		if eip, err = t.read32(tss32EIP); err != nil {
			return err
		}
		if eflags, err = t.read32(tss32EFLAGS); err != nil {
			return err
		}
		for i := uint32(0); i < 8; i++ {
			if gprs[i], err = t.read32(tss32EAX + i*4); err != nil {
				return err
			}
		}
		if es, err = t.read16(tss32ES); err != nil {
			return err
		}
		if cs, err = t.read16(tss32CS); err != nil {
			return err
		}
		if ss, err = t.read16(tss32SS); err != nil {
			return err
		}
		if ds, err = t.read16(tss32DS); err != nil {
			return err
		}
		if fs, err = t.read16(tss32FS); err != nil {
			return err
		}
		if gs, err = t.read16(tss32GS); err != nil {
			return err
		}
		if ldt, err = t.read16(tss32LDT); err != nil {
			return err
		}
	} else {
		var ip, flags uint16
		if ip, err = t.read16(tss16IP); err != nil {
			return err
		}
		if flags, err = t.read16(tss16FLG); err != nil {
			return err
		}
		eip, eflags = uint32(ip), uint32(flags)
		for i := uint32(0); i < 8; i++ {
			var v uint16
			if v, err = t.read16(tss16AX + i*2); err != nil {
				return err
			}
			gprs[i] = uint32(v)
		}
		if es, err = t.read16(tss16ES); err != nil {
			return err
		}
		if cs, err = t.read16(tss16CS); err != nil {
			return err
		}
		if ss, err = t.read16(tss16SS); err != nil {
			return err
		}
		if ds, err = t.read16(tss16DS); err != nil {
			return err
		}
		if ldt, err = t.read16(tss16LDT); err != nil {
			return err
		}
	}

	if err := c.loadLDT(ldt); err != nil {
		return err
	}

	c.gpr = gprs
	c.eip = eip
	c.setEFlags(eflags)
	if nesting {
		c.nt = true
	}

	if err := c.loadSegmentFromTSS(insts.CS, cs); err != nil {
		return err
	}
	if err := c.loadSegmentFromTSS(insts.SS, ss); err != nil {
		return err
	}
	if err := c.loadSegmentFromTSS(insts.DS, ds); err != nil {
		return err
	}
	if err := c.loadSegmentFromTSS(insts.ES, es); err != nil {
		return err
	}
	if t.is32 {
		if err := c.loadSegmentFromTSS(insts.FS, fs); err != nil {
			return err
		}
		if err := c.loadSegmentFromTSS(insts.GS, gs); err != nil {
			return err
		}
	}
	return nil
}

// setTSSBusy flips the busy bit in a TSS descriptor table entry.
func (c *CPU) setTSSBusy(selector uint16, busy bool) error {
	var table DescriptorTableRegister
	if selector&4 != 0 {
		table = c.ldtr
	} else {
		table = c.gdtr
	}
	index := uint32(selector & 0xFFF8)
	high, err := c.readLinear32(table.Base+index+4, accessRead, 0)
	if err != nil {
		return err
	}
	if busy {
		high |= 1 << 9
	} else {
		high &^= 1 << 9
	}
	return c.writeLinear32(table.Base+index+4, high, 0)
}

// loadLDT installs the LDT named by selector into LDTR. A null selector
// leaves an empty table.
func (c *CPU) loadLDT(selector uint16) error {
	if selector&0xFFF8 == 0 {
		c.ldtr = DescriptorTableRegister{}
		c.ldtrSel = selector
		return nil
	}
	desc, err := c.getDescriptor(selector)
	if err != nil {
		return err
	}
	if desc.IsOutsideTableLimits() {
		return generalProtectionFault(selector&0xFFFC, "lldt selector outside table limits")
	}
	if desc.Kind != DescLDT {
		return generalProtectionFault(selector&0xFFFC, "lldt with non-LDT descriptor")
	}
	if !desc.Present {
		return notPresent(selector&0xFFFC, "lldt with non-present LDT")
	}
	c.ldtr = DescriptorTableRegister{Base: desc.Base, Limit: desc.Limit}
	c.ldtrSel = selector
	return nil
}
