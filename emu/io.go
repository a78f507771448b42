package emu

// IODevice is the port-mapped contract for device models. Wide accesses on
// devices that only implement byte ports are composed from consecutive
// byte accesses by the CPU.
type IODevice interface {
	In8(port uint16) uint8
	Out8(port uint16, v uint8)
}

// RegisterIODevice routes count consecutive ports starting at base to dev.
func (c *CPU) RegisterIODevice(base uint16, count uint32, dev IODevice) {
	for i := uint32(0); i < count; i++ {
		c.ioDevices[uint32(base)+i] = dev
	}
}

// ioPermitted applies the IOPL and TSS I/O-permission-bitmap rules before a
// port access of size bytes.
func (c *CPU) ioPermitted(port uint16, size uint32) error {
	if !c.protectedMode() {
		return nil
	}
	if c.CPL() <= c.iopl && !c.vm86Mode() {
		return nil
	}

	// CPL > IOPL (or VM86): consult the I/O permission bitmap in the TSS.
	if !c.tr.Is32Bit {
		return generalProtectionFault(0, "port access denied by IOPL without 32-bit TSS")
	}
	t := c.currentTSS()
	mapBase, err := t.ioMapBase()
	if err != nil {
		return err
	}
	for i := uint32(0); i < size; i++ {
		p := uint32(port) + i
		byteOff := uint32(mapBase) + p/8
		if byteOff >= c.tr.Limit {
			return generalProtectionFault(0, "port outside I/O permission bitmap")
		}
		b, err := c.readLinear8(c.tr.Base+byteOff, accessRead, 0)
		if err != nil {
			return err
		}
		if b>>(p%8)&1 != 0 {
			return generalProtectionFault(0, "port denied by I/O permission bitmap")
		}
	}
	return nil
}

func (c *CPU) warnUnknownPort(port uint16, what string) {
	if c.warnedPorts[port] {
		return
	}
	c.warnedPorts[port] = true
	c.log.WithField("port", port).Warn("unmapped I/O port " + what)
}

// In8 reads a byte from a port; unmapped ports float to 0xFF.
func (c *CPU) In8(port uint16) uint8 {
	if dev := c.ioDevices[port]; dev != nil {
		return dev.In8(port)
	}
	c.warnUnknownPort(port, "read")
	return 0xFF
}

// In16 reads a word from consecutive byte ports.
func (c *CPU) In16(port uint16) uint16 {
	return uint16(c.In8(port)) | uint16(c.In8(port+1))<<8
}

// In32 reads a dword from consecutive byte ports.
func (c *CPU) In32(port uint16) uint32 {
	return uint32(c.In16(port)) | uint32(c.In16(port+2))<<16
}

// Out8 writes a byte to a port; writes to unmapped ports are dropped.
func (c *CPU) Out8(port uint16, v uint8) {
	if dev := c.ioDevices[port]; dev != nil {
		dev.Out8(port, v)
		return
	}
	c.warnUnknownPort(port, "write")
}

// Out16 writes a word to consecutive byte ports.
func (c *CPU) Out16(port uint16, v uint16) {
	c.Out8(port, uint8(v))
	c.Out8(port+1, uint8(v>>8))
}

// Out32 writes a dword to consecutive byte ports.
func (c *CPU) Out32(port uint16, v uint32) {
	c.Out16(port, uint16(v))
	c.Out16(port+2, uint16(v>>16))
}
