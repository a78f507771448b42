package emu

import (
	"github.com/awesomekling/vomit/insts"
)

// memoryAccess classifies a guest access for paging and segmentation checks.
type memoryAccess uint8

const (
	accessRead memoryAccess = iota
	accessWrite
	accessFetch
)

// Page table entry bits.
const (
	pageP = 1 << 0
	pageW = 1 << 1
	pageU = 1 << 2
	pageA = 1 << 5
	pageD = 1 << 6
)

// translateAddress runs the two-level page walk, or the identity mapping
// when CR0.PG is clear. cpl is the privilege the access is performed at
// (the current CPL, or 3 for accesses that must behave as user mode).
// On a fault, CR2 is loaded with the faulting linear address.
func (c *CPU) translateAddress(laddr uint32, access memoryAccess, cpl uint8) (uint32, error) {
	if !c.pagingEnabled() {
		return laddr, nil
	}

	dir := laddr >> 22
	page := laddr >> 12 & 0x3FF
	offset := laddr & 0xFFF
	user := cpl == 3

	pdeAddr := c.cr3&^uint32(0xFFF) | dir<<2
	pde := c.physRead32(pdeAddr)
	if pde&pageP == 0 {
		return 0, c.pageFaultFor(laddr, access, user, false)
	}

	pteAddr := pde&^uint32(0xFFF) | page<<2
	pte := c.physRead32(pteAddr)
	if pte&pageP == 0 {
		return 0, c.pageFaultFor(laddr, access, user, false)
	}

	if user && (pde&pageU == 0 || pte&pageU == 0) {
		return 0, c.pageFaultFor(laddr, access, user, true)
	}
	if access == accessWrite && (user || c.cr0&CR0WP != 0) && (pde&pageW == 0 || pte&pageW == 0) {
		return 0, c.pageFaultFor(laddr, access, user, true)
	}

	c.physWrite32(pdeAddr, pde|pageA)
	if access == accessWrite {
		c.physWrite32(pteAddr, pte|pageA|pageD)
	} else {
		c.physWrite32(pteAddr, pte|pageA)
	}

	return pte&^uint32(0xFFF) | offset, nil
}

// pageFaultFor builds the #PF error code: bit 0 set when the page was
// present (protection violation), bit 1 for writes, bit 2 for user-mode
// accesses, bit 4 for instruction fetches.
func (c *CPU) pageFaultFor(laddr uint32, access memoryAccess, user, present bool) error {
	var code uint16
	if present {
		code |= pfErrProtection
	}
	if access == accessWrite {
		code |= pfErrWrite
	}
	if user {
		code |= pfErrUser
	}
	if access == accessFetch {
		code |= pfErrFetch
	}
	c.cr2 = laddr
	msg := "page not present"
	if present {
		msg = "page protection violation"
	}
	return pageFault(code, laddr, msg)
}

// physRead8 and friends apply the A20 mask and dispatch to physical memory.
func (c *CPU) physRead8(paddr uint32) uint8       { return c.memory.Read8(paddr & c.a20Mask) }
func (c *CPU) physRead16(paddr uint32) uint16     { return c.memory.Read16(paddr & c.a20Mask) }
func (c *CPU) physRead32(paddr uint32) uint32     { return c.memory.Read32(paddr & c.a20Mask) }
func (c *CPU) physWrite8(paddr uint32, v uint8)   { c.memory.Write8(paddr&c.a20Mask, v) }
func (c *CPU) physWrite16(paddr uint32, v uint16) { c.memory.Write16(paddr&c.a20Mask, v) }
func (c *CPU) physWrite32(paddr uint32, v uint32) { c.memory.Write32(paddr&c.a20Mask, v) }

// crossesPage reports whether [laddr, laddr+size) straddles a 4 KiB page.
func crossesPage(laddr, size uint32) bool {
	return (laddr&0xFFF)+size-1 > 0xFFF
}

// readLinear8 reads one byte at a linear address.
func (c *CPU) readLinear8(laddr uint32, access memoryAccess, cpl uint8) (uint8, error) {
	paddr, err := c.translateAddress(laddr, access, cpl)
	if err != nil {
		return 0, err
	}
	return c.physRead8(paddr), nil
}

// readLinear16 reads a word at a linear address. When paging is on and the
// access straddles a page boundary it is decomposed byte-wise so a fault on
// the second page reports that page's linear address.
func (c *CPU) readLinear16(laddr uint32, access memoryAccess, cpl uint8) (uint16, error) {
	if c.pagingEnabled() && crossesPage(laddr, 2) {
		lo, err := c.readLinear8(laddr, access, cpl)
		if err != nil {
			return 0, err
		}
		hi, err := c.readLinear8(laddr+1, access, cpl)
		if err != nil {
			return 0, err
		}
		return uint16(lo) | uint16(hi)<<8, nil
	}
	paddr, err := c.translateAddress(laddr, access, cpl)
	if err != nil {
		return 0, err
	}
	return c.physRead16(paddr), nil
}

// readLinear32 reads a dword at a linear address, decomposed byte-wise when
// it straddles a page.
func (c *CPU) readLinear32(laddr uint32, access memoryAccess, cpl uint8) (uint32, error) {
	if c.pagingEnabled() && crossesPage(laddr, 4) {
		var v uint32
		for i := uint32(0); i < 4; i++ {
			b, err := c.readLinear8(laddr+i, access, cpl)
			if err != nil {
				return 0, err
			}
			v |= uint32(b) << (8 * i)
		}
		return v, nil
	}
	paddr, err := c.translateAddress(laddr, access, cpl)
	if err != nil {
		return 0, err
	}
	return c.physRead32(paddr), nil
}

func (c *CPU) writeLinear8(laddr uint32, v uint8, cpl uint8) error {
	paddr, err := c.translateAddress(laddr, accessWrite, cpl)
	if err != nil {
		return err
	}
	c.physWrite8(paddr, v)
	return nil
}

func (c *CPU) writeLinear16(laddr uint32, v uint16, cpl uint8) error {
	if c.pagingEnabled() && crossesPage(laddr, 2) {
		if err := c.writeLinear8(laddr, uint8(v), cpl); err != nil {
			return err
		}
		return c.writeLinear8(laddr+1, uint8(v>>8), cpl)
	}
	paddr, err := c.translateAddress(laddr, accessWrite, cpl)
	if err != nil {
		return err
	}
	c.physWrite16(paddr, v)
	return nil
}

func (c *CPU) writeLinear32(laddr uint32, v uint32, cpl uint8) error {
	if c.pagingEnabled() && crossesPage(laddr, 4) {
		for i := uint32(0); i < 4; i++ {
			if err := c.writeLinear8(laddr+i, uint8(v>>(8*i)), cpl); err != nil {
				return err
			}
		}
		return nil
	}
	paddr, err := c.translateAddress(laddr, accessWrite, cpl)
	if err != nil {
		return err
	}
	c.physWrite32(paddr, v)
	return nil
}

// validateSegmentAccess applies the protected-mode segmentation rules before
// a data access of the given size through seg at offset.
func (c *CPU) validateSegmentAccess(seg insts.SegmentRegister, offset, size uint32, access memoryAccess) error {
	desc := &c.descriptorCache[seg]

	if c.protectedMode() && !c.vm86Mode() {
		if desc.IsNull() {
			if desc.LoadedInSS {
				return stackFault(0, "access through null ss")
			}
			return generalProtectionFault(0, "access through null segment")
		}
		switch access {
		case accessRead:
			if desc.Kind == DescCode && !desc.Readable {
				return generalProtectionFault(0, "read from execute-only code segment")
			}
		case accessWrite:
			if desc.Kind == DescCode {
				if desc.LoadedInSS {
					return stackFault(0, "write through code segment in ss")
				}
				return generalProtectionFault(0, "write to code segment")
			}
			if !desc.Writable {
				if desc.LoadedInSS {
					return stackFault(0, "write to read-only ss")
				}
				return generalProtectionFault(0, "write to read-only segment")
			}
		}
	}

	if !c.withinLimit(desc, offset, size) {
		if desc.LoadedInSS {
			return stackFault(0, "offset outside ss limit")
		}
		return generalProtectionFault(0, "offset outside segment limit")
	}
	return nil
}

// withinLimit runs the limit check, inverted for expand-down data segments.
func (c *CPU) withinLimit(desc *Descriptor, offset, size uint32) bool {
	if desc.Kind == DescData && desc.ExpandDown {
		upper := uint32(0xFFFF)
		if desc.D {
			upper = 0xFFFFFFFF
		}
		return offset > desc.Limit && offset+size-1 <= upper
	}
	return offset+size-1 <= desc.Limit
}

// ReadMemory8 reads a byte through segmentation and paging.
func (c *CPU) ReadMemory8(seg insts.SegmentRegister, offset uint32) (uint8, error) {
	if err := c.validateSegmentAccess(seg, offset, 1, accessRead); err != nil {
		return 0, err
	}
	return c.readLinear8(c.descriptorCache[seg].Base+offset, accessRead, c.CPL())
}

// ReadMemory16 reads a word through segmentation and paging.
func (c *CPU) ReadMemory16(seg insts.SegmentRegister, offset uint32) (uint16, error) {
	if err := c.validateSegmentAccess(seg, offset, 2, accessRead); err != nil {
		return 0, err
	}
	return c.readLinear16(c.descriptorCache[seg].Base+offset, accessRead, c.CPL())
}

// ReadMemory32 reads a dword through segmentation and paging.
func (c *CPU) ReadMemory32(seg insts.SegmentRegister, offset uint32) (uint32, error) {
	if err := c.validateSegmentAccess(seg, offset, 4, accessRead); err != nil {
		return 0, err
	}
	return c.readLinear32(c.descriptorCache[seg].Base+offset, accessRead, c.CPL())
}

// WriteMemory8 writes a byte through segmentation and paging.
func (c *CPU) WriteMemory8(seg insts.SegmentRegister, offset uint32, v uint8) error {
	if err := c.validateSegmentAccess(seg, offset, 1, accessWrite); err != nil {
		return err
	}
	return c.writeLinear8(c.descriptorCache[seg].Base+offset, v, c.CPL())
}

// WriteMemory16 writes a word through segmentation and paging.
func (c *CPU) WriteMemory16(seg insts.SegmentRegister, offset uint32, v uint16) error {
	if err := c.validateSegmentAccess(seg, offset, 2, accessWrite); err != nil {
		return err
	}
	return c.writeLinear16(c.descriptorCache[seg].Base+offset, v, c.CPL())
}

// WriteMemory32 writes a dword through segmentation and paging.
func (c *CPU) WriteMemory32(seg insts.SegmentRegister, offset uint32, v uint32) error {
	if err := c.validateSegmentAccess(seg, offset, 4, accessWrite); err != nil {
		return err
	}
	return c.writeLinear32(c.descriptorCache[seg].Base+offset, v, c.CPL())
}
