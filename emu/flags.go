package emu

// EFLAGS bits.
const (
	FlagCF   = 1 << 0
	FlagPF   = 1 << 2
	FlagAF   = 1 << 4
	FlagZF   = 1 << 6
	FlagSF   = 1 << 7
	FlagTF   = 1 << 8
	FlagIF   = 1 << 9
	FlagDF   = 1 << 10
	FlagOF   = 1 << 11
	FlagIOPL = 3 << 12
	FlagNT   = 1 << 14
	FlagRF   = 1 << 16
	FlagVM   = 1 << 17
	FlagAC   = 1 << 18
	FlagVIF  = 1 << 19
	FlagVIP  = 1 << 20
	FlagID   = 1 << 21
)

// parityTable[b] is the PF value for a result whose low byte is b.
var parityTable [256]bool

func init() {
	for i := range parityTable {
		ones := 0
		for b := i; b != 0; b >>= 1 {
			ones += b & 1
		}
		parityTable[i] = ones%2 == 0
	}
}

func signBit(v uint32, width uint8) bool {
	return v>>(width-1)&1 != 0
}

func truncate(v uint32, width uint8) uint32 {
	if width == 32 {
		return v
	}
	return v & (1<<width - 1)
}

// updateLazyFlags records the last result so ZF/SF/PF can be materialized
// on demand. CF/OF/AF stay eager because they depend on the operand pair,
// which is not reconstructible from the result alone.
func (c *CPU) updateLazyFlags(result uint32, width uint8) {
	c.lastResult = truncate(result, width)
	c.lastOpSize = width
	c.dirtyFlags = FlagZF | FlagSF | FlagPF
}

func (c *CPU) GetCF() bool { return c.cf }
func (c *CPU) GetAF() bool { return c.af }
func (c *CPU) GetOF() bool { return c.of }

func (c *CPU) SetCF(v bool) { c.cf = v }
func (c *CPU) SetAF(v bool) { c.af = v }
func (c *CPU) SetOF(v bool) { c.of = v }

// GetZF materializes the zero flag from the last-result cache when dirty.
func (c *CPU) GetZF() bool {
	if c.dirtyFlags&FlagZF != 0 {
		c.zf = c.lastResult == 0
		c.dirtyFlags &^= FlagZF
	}
	return c.zf
}

// GetSF materializes the sign flag from the last-result cache when dirty.
func (c *CPU) GetSF() bool {
	if c.dirtyFlags&FlagSF != 0 {
		c.sf = signBit(c.lastResult, c.lastOpSize)
		c.dirtyFlags &^= FlagSF
	}
	return c.sf
}

// GetPF materializes the parity flag from the last-result cache when dirty.
func (c *CPU) GetPF() bool {
	if c.dirtyFlags&FlagPF != 0 {
		c.pf = parityTable[uint8(c.lastResult)]
		c.dirtyFlags &^= FlagPF
	}
	return c.pf
}

func (c *CPU) SetZF(v bool) {
	c.zf = v
	c.dirtyFlags &^= FlagZF
}

func (c *CPU) SetSF(v bool) {
	c.sf = v
	c.dirtyFlags &^= FlagSF
}

func (c *CPU) SetPF(v bool) {
	c.pf = v
	c.dirtyFlags &^= FlagPF
}

func (c *CPU) GetIF() bool  { return c.flagIF }
func (c *CPU) SetIF(v bool) { c.flagIF = v }
func (c *CPU) GetDF() bool  { return c.flagDF }
func (c *CPU) SetDF(v bool) { c.flagDF = v }
func (c *CPU) GetTF() bool  { return c.flagTF }
func (c *CPU) SetTF(v bool) { c.flagTF = v }
func (c *CPU) GetNT() bool  { return c.nt }
func (c *CPU) SetNT(v bool) { c.nt = v }
func (c *CPU) GetVM() bool  { return c.vm }
func (c *CPU) GetIOPL() uint8 { return c.iopl }

// GetFlags16 assembles the low 16 bits of EFLAGS. Reserved bit 1 reads as
// one, bits 3, 5 and 15 as zero.
func (c *CPU) GetFlags16() uint16 {
	var f uint16 = 1 << 1
	if c.GetCF() {
		f |= FlagCF
	}
	if c.GetPF() {
		f |= FlagPF
	}
	if c.GetAF() {
		f |= FlagAF
	}
	if c.GetZF() {
		f |= FlagZF
	}
	if c.GetSF() {
		f |= FlagSF
	}
	if c.flagTF {
		f |= FlagTF
	}
	if c.flagIF {
		f |= FlagIF
	}
	if c.flagDF {
		f |= FlagDF
	}
	if c.GetOF() {
		f |= FlagOF
	}
	f |= uint16(c.iopl) << 12
	if c.nt {
		f |= FlagNT
	}
	return f
}

// GetEFlags assembles the full EFLAGS image.
func (c *CPU) GetEFlags() uint32 {
	f := uint32(c.GetFlags16())
	if c.rf {
		f |= FlagRF
	}
	if c.vm {
		f |= FlagVM
	}
	if c.ac {
		f |= FlagAC
	}
	if c.vif {
		f |= FlagVIF
	}
	if c.vip {
		f |= FlagVIP
	}
	if c.id {
		f |= FlagID
	}
	return f
}

// setFlags16 installs the low 16 bits of EFLAGS unconditionally.
func (c *CPU) setFlags16(f uint16) {
	c.SetCF(f&FlagCF != 0)
	c.SetPF(f&FlagPF != 0)
	c.SetAF(f&FlagAF != 0)
	c.SetZF(f&FlagZF != 0)
	c.SetSF(f&FlagSF != 0)
	c.flagTF = f&FlagTF != 0
	c.flagIF = f&FlagIF != 0
	c.flagDF = f&FlagDF != 0
	c.SetOF(f&FlagOF != 0)
	c.iopl = uint8(f >> 12 & 3)
	c.nt = f&FlagNT != 0
	c.dirtyFlags = 0
}

// setEFlags installs a full EFLAGS image unconditionally.
func (c *CPU) setEFlags(f uint32) {
	c.setFlags16(uint16(f))
	c.rf = f&FlagRF != 0
	c.vm = f&FlagVM != 0
	c.ac = f&FlagAC != 0
	c.vif = f&FlagVIF != 0
	c.vip = f&FlagVIP != 0
	c.id = f&FlagID != 0
}

// setFlagsRespectingPrivilege installs flags the way POPF and IRET do:
// IOPL changes only at CPL 0, IF only when CPL <= IOPL, and VM is never
// changed on this path.
func (c *CPU) setFlagsRespectingPrivilege(f uint32, o32 bool) {
	oldIOPL := c.iopl
	oldIF := c.flagIF
	oldVM := c.vm

	if o32 {
		c.setEFlags(f)
	} else {
		c.setFlags16(uint16(f))
	}
	c.vm = oldVM

	if c.protectedMode() {
		if c.CPL() != 0 {
			c.iopl = oldIOPL
		}
		if c.CPL() > oldIOPL {
			c.flagIF = oldIF
		}
	}
}
