package emu

import (
	"github.com/awesomekling/vomit/insts"
)

// DescriptorKind tags the decoded variant of an 8-byte descriptor table
// entry. An exhaustive switch over the kind replaces the class hierarchy of
// classic emulators and makes every case visible at the use site.
type DescriptorKind uint8

// Descriptor kinds.
const (
	DescNull DescriptorKind = iota
	DescCode
	DescData
	DescGate // call, interrupt, trap or task gate
	DescTSS
	DescLDT
	DescOutsideTableLimits
	DescReserved // system types with no 386 meaning
)

// System descriptor type nibbles.
const (
	sysTypeTSS16Available  = 0x1
	sysTypeLDT             = 0x2
	sysTypeTSS16Busy       = 0x3
	sysTypeCallGate16      = 0x4
	sysTypeTaskGate        = 0x5
	sysTypeInterruptGate16 = 0x6
	sysTypeTrapGate16      = 0x7
	sysTypeTSS32Available  = 0x9
	sysTypeTSS32Busy       = 0xB
	sysTypeCallGate32      = 0xC
	sysTypeInterruptGate32 = 0xE
	sysTypeTrapGate32      = 0xF
)

// Descriptor is a cached, granularity-expanded view of a descriptor table
// entry, plus the bookkeeping recorded when it was loaded into a segment
// register (selector, RPL, whether SS holds it).
type Descriptor struct {
	Kind    DescriptorKind
	Base    uint32
	Limit   uint32 // effective limit, granularity already applied
	DPL     uint8
	Present bool
	D       bool // D/B: default operand size / stack size / big
	G       bool

	// Code segments.
	Conforming bool
	Readable   bool

	// Data segments.
	Writable   bool
	ExpandDown bool

	// System descriptors: raw type nibble and gate payload.
	SysType   uint8
	GateSel   uint16
	GateOff   uint32
	GateParms uint8

	// Load bookkeeping.
	Selector   uint16
	RPL        uint8
	LoadedInSS bool
}

// IsNull reports a null descriptor (selector index 0 in the GDT).
func (d *Descriptor) IsNull() bool { return d.Kind == DescNull }

// IsOutsideTableLimits reports a selector that indexed past its table.
func (d *Descriptor) IsOutsideTableLimits() bool { return d.Kind == DescOutsideTableLimits }

// Is32Bit reports the D/B bit for code/data, or a 32-bit gate/TSS type.
func (d *Descriptor) Is32Bit() bool {
	switch d.Kind {
	case DescGate:
		return d.SysType >= 0x8
	case DescTSS:
		return d.SysType == sysTypeTSS32Available || d.SysType == sysTypeTSS32Busy
	}
	return d.D
}

// EffectiveLimit returns the granularity-expanded limit.
func (d *Descriptor) EffectiveLimit() uint32 { return d.Limit }

// IsCallGate, IsTaskGate, IsInterruptGate and IsTrapGate discriminate gates.
func (d *Descriptor) IsCallGate() bool {
	return d.Kind == DescGate && (d.SysType == sysTypeCallGate16 || d.SysType == sysTypeCallGate32)
}

func (d *Descriptor) IsTaskGate() bool {
	return d.Kind == DescGate && d.SysType == sysTypeTaskGate
}

func (d *Descriptor) IsInterruptGate() bool {
	return d.Kind == DescGate && (d.SysType == sysTypeInterruptGate16 || d.SysType == sysTypeInterruptGate32)
}

func (d *Descriptor) IsTrapGate() bool {
	return d.Kind == DescGate && (d.SysType == sysTypeTrapGate16 || d.SysType == sysTypeTrapGate32)
}

// IsBusyTSS reports a busy TSS descriptor.
func (d *Descriptor) IsBusyTSS() bool {
	return d.Kind == DescTSS && (d.SysType == sysTypeTSS16Busy || d.SysType == sysTypeTSS32Busy)
}

// parseDescriptor decodes the two dwords of a descriptor table entry.
func parseDescriptor(low, high uint32) Descriptor {
	d := Descriptor{
		DPL:     uint8(high >> 13 & 3),
		Present: high&0x8000 != 0,
	}

	if high&0x1000 != 0 {
		// Code or data segment.
		d.Base = low>>16 | high&0xFF<<16 | high&0xFF000000
		d.Limit = low&0xFFFF | high&0xF0000
		d.G = high&0x800000 != 0
		d.D = high&0x400000 != 0
		if d.G {
			d.Limit = d.Limit<<12 | 0xFFF
		}
		typ := uint8(high >> 8 & 0xF)
		if typ&0x8 != 0 {
			d.Kind = DescCode
			d.Conforming = typ&0x4 != 0
			d.Readable = typ&0x2 != 0
		} else {
			d.Kind = DescData
			d.ExpandDown = typ&0x4 != 0
			d.Writable = typ&0x2 != 0
		}
		return d
	}

	typ := uint8(high >> 8 & 0xF)
	d.SysType = typ
	switch typ {
	case sysTypeCallGate16, sysTypeCallGate32, sysTypeTaskGate,
		sysTypeInterruptGate16, sysTypeInterruptGate32,
		sysTypeTrapGate16, sysTypeTrapGate32:
		d.Kind = DescGate
		d.GateSel = uint16(low >> 16)
		d.GateOff = low&0xFFFF | high&0xFFFF0000
		d.GateParms = uint8(high & 0x1F)
	case sysTypeTSS16Available, sysTypeTSS16Busy, sysTypeTSS32Available, sysTypeTSS32Busy:
		d.Kind = DescTSS
		d.Base = low>>16 | high&0xFF<<16 | high&0xFF000000
		d.Limit = low&0xFFFF | high&0xF0000
		d.G = high&0x800000 != 0
		if d.G {
			d.Limit = d.Limit<<12 | 0xFFF
		}
	case sysTypeLDT:
		d.Kind = DescLDT
		d.Base = low>>16 | high&0xFF<<16 | high&0xFF000000
		d.Limit = low&0xFFFF | high&0xF0000
		if high&0x800000 != 0 {
			d.Limit = d.Limit<<12 | 0xFFF
		}
	default:
		d.Kind = DescReserved
	}
	return d
}

// realModeDescriptor synthesizes the descriptor cache entry for a segment
// register write in real or VM86 mode: base selector*16, 64 KiB limit,
// writable 16-bit data that is also executable for CS purposes.
func realModeDescriptor(selector uint16, seg insts.SegmentRegister) Descriptor {
	d := Descriptor{
		Base:     uint32(selector) << 4,
		Limit:    0xFFFF,
		Present:  true,
		Readable: true,
		Writable: true,
		Selector: selector,
		RPL:      uint8(selector & 3),
	}
	if seg == insts.CS {
		d.Kind = DescCode
	} else {
		d.Kind = DescData
	}
	d.LoadedInSS = seg == insts.SS
	return d
}

// getDescriptor fetches and decodes the descriptor named by selector from
// the GDT or LDT. Selectors past the table limit yield a descriptor with
// Kind DescOutsideTableLimits; a GDT selector with index 0 yields DescNull.
func (c *CPU) getDescriptor(selector uint16) (Descriptor, error) {
	var table DescriptorTableRegister
	local := selector&4 != 0
	if local {
		table = c.ldtr
	} else {
		table = c.gdtr
	}
	index := uint32(selector & 0xFFF8)

	if !local && index == 0 {
		return Descriptor{Kind: DescNull, Selector: selector, RPL: uint8(selector & 3)}, nil
	}
	if index+7 > table.Limit {
		c.log.WithField("selector", selector).Debug("selector outside descriptor table limits")
		return Descriptor{Kind: DescOutsideTableLimits, Selector: selector, RPL: uint8(selector & 3)}, nil
	}

	low, err := c.readLinear32(table.Base+index, accessRead, 0)
	if err != nil {
		return Descriptor{}, err
	}
	high, err := c.readLinear32(table.Base+index+4, accessRead, 0)
	if err != nil {
		return Descriptor{}, err
	}
	d := parseDescriptor(low, high)
	d.Selector = selector
	d.RPL = uint8(selector & 3)
	return d, nil
}

// writeDescriptorHigh rewrites the high dword of a descriptor entry, used to
// flip the busy bit of TSS descriptors during task switches.
func (c *CPU) writeDescriptorHigh(selector uint16, high uint32) error {
	var table DescriptorTableRegister
	if selector&4 != 0 {
		table = c.ldtr
	} else {
		table = c.gdtr
	}
	index := uint32(selector & 0xFFF8)
	return c.writeLinear32(table.Base+index+4, high, 0)
}

// SetSegmentRegister performs an architectural selector load, refreshing the
// descriptor cache or raising the appropriate fault. In real and VM86 mode
// the cache is synthesized from the selector.
func (c *CPU) SetSegmentRegister(seg insts.SegmentRegister, selector uint16) error {
	if !c.protectedMode() || c.vm86Mode() {
		c.sreg[seg] = selector
		c.descriptorCache[seg] = realModeDescriptor(selector, seg)
		if seg == insts.CS {
			c.updateDefaultSizes()
		}
		return nil
	}

	desc, err := c.getDescriptor(selector)
	if err != nil {
		return err
	}
	if err := c.validateSegmentLoad(seg, selector, &desc); err != nil {
		return err
	}

	desc.LoadedInSS = seg == insts.SS
	c.sreg[seg] = selector
	c.descriptorCache[seg] = desc
	if seg == insts.CS {
		c.updateDefaultSizes()
	}
	return nil
}

// validateSegmentLoad enforces the per-register type, privilege and presence
// rules for a protected-mode selector load.
func (c *CPU) validateSegmentLoad(seg insts.SegmentRegister, selector uint16, desc *Descriptor) error {
	errSel := selector & 0xFFFC
	rpl := uint8(selector & 3)

	if desc.IsNull() {
		// A null selector is legal everywhere but SS and CS; using the
		// segment later faults instead.
		if seg == insts.SS || seg == insts.CS {
			return generalProtectionFault(0, "null selector loaded into "+seg.String())
		}
		return nil
	}
	if desc.IsOutsideTableLimits() {
		if seg == insts.SS {
			return generalProtectionFault(errSel, "ss selector outside table limits")
		}
		return generalProtectionFault(errSel, "selector outside table limits")
	}

	switch seg {
	case insts.SS:
		if desc.Kind != DescData || !desc.Writable {
			return generalProtectionFault(errSel, "ss loaded with non-writable segment")
		}
		if desc.DPL != c.CPL() || rpl != c.CPL() {
			return generalProtectionFault(errSel, "ss loaded with DPL or RPL != CPL")
		}
		if !desc.Present {
			return stackFault(errSel, "ss loaded with non-present segment")
		}
	case insts.CS:
		if desc.Kind != DescCode {
			return generalProtectionFault(errSel, "cs loaded with non-code segment")
		}
		if !desc.Present {
			return notPresent(errSel, "cs loaded with non-present segment")
		}
	default:
		// DS, ES, FS, GS accept data or readable code.
		readableCode := desc.Kind == DescCode && desc.Readable
		if desc.Kind != DescData && !readableCode {
			return generalProtectionFault(errSel, "segment register loaded with non-data segment")
		}
		conformingCode := desc.Kind == DescCode && desc.Conforming
		if !conformingCode && desc.DPL < maxPrivilege(c.CPL(), rpl) {
			return generalProtectionFault(errSel, "segment DPL below CPL/RPL")
		}
		if !desc.Present {
			return notPresent(errSel, "segment not present")
		}
	}
	return nil
}

func maxPrivilege(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}
