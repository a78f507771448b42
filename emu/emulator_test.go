package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awesomekling/vomit/emu"
	"github.com/awesomekling/vomit/insts"
)

var _ = Describe("Emulator", func() {
	It("executes MOV AX, imm16 and advances EIP", func() {
		cpu := newTestCPU()
		loadBytes(cpu, testCodeBase, []byte{0xB8, 0x34, 0x12})
		flagsBefore := cpu.GetEFlags()

		cpu.Step()

		Expect(cpu.ReadReg16(emu.RegEAX)).To(Equal(uint16(0x1234)))
		Expect(cpu.EIP()).To(Equal(uint32(3)))
		Expect(cpu.GetEFlags()).To(Equal(flagsBefore))
	})

	It("computes the carry chain of MOV AL,0xFF / ADD AL,1", func() {
		cpu := runProgram(
			0xB0, 0xFF, // mov al, 0xFF
			0x04, 0x01, // add al, 1
		)
		Expect(cpu.ReadReg8(0)).To(Equal(uint8(0)))
		Expect(cpu.GetCF()).To(BeTrue())
		Expect(cpu.GetZF()).To(BeTrue())
		Expect(cpu.GetAF()).To(BeTrue())
		Expect(cpu.GetPF()).To(BeTrue())
		Expect(cpu.GetOF()).To(BeFalse())
		Expect(cpu.GetSF()).To(BeFalse())
	})

	It("delivers a real-mode software interrupt through the IVT", func() {
		cpu := newTestCPU()
		setIVT(cpu, 0x21, 0xF000, 0x1234)
		cpu.Memory().Write8(0xF1234, 0xF1) // handler: stop immediately
		flagsBefore := cpu.GetFlags16()
		loadBytes(cpu, testCodeBase, []byte{0xCD, 0x21})

		_ = cpu.Run()

		Expect(cpu.SegmentSelector(insts.CS)).To(Equal(uint16(0xF000)))
		Expect(cpu.EIP()).To(Equal(uint32(0x1235))) // after the 0xF1 fetch
		Expect(cpu.GetIF()).To(BeFalse())
		Expect(cpu.GetTF()).To(BeFalse())

		// Stack holds IP, CS, FLAGS from the bottom up.
		sp := uint32(testStackSeg)<<4 + uint32(cpu.ReadReg16(emu.RegESP))
		Expect(cpu.ReadReg16(emu.RegESP)).To(Equal(uint16(testStackPtr - 6)))
		Expect(cpu.Memory().Read16(sp)).To(Equal(uint16(2)))
		Expect(cpu.Memory().Read16(sp + 2)).To(Equal(uint16(testCodeSeg)))
		Expect(cpu.Memory().Read16(sp + 4)).To(Equal(flagsBefore))
	})

	It("restores CS:IP:FLAGS exactly on IRET after INT", func() {
		cpu := newTestCPU()
		setIVT(cpu, 0x40, 0x0900, 0x0000)
		loadBytes(cpu, 0x9000, []byte{0xCF}) // iret
		loadBytes(cpu, testCodeBase, []byte{
			0xF9,       // stc (make flags distinctive)
			0xCD, 0x40, // int 0x40
			0xF1,
		})
		_ = cpu.Run()

		Expect(cpu.SegmentSelector(insts.CS)).To(Equal(uint16(testCodeSeg)))
		Expect(cpu.EIP()).To(Equal(uint32(4))) // past int and the 0xF1
		Expect(cpu.GetCF()).To(BeTrue())
		Expect(cpu.ReadReg16(emu.RegESP)).To(Equal(uint16(testStackPtr)))
	})

	It("round-trips PUSH and POP", func() {
		cpu := runProgram(
			0xB8, 0xEF, 0xBE, // mov ax, 0xBEEF
			0x50, // push ax
			0x5B, // pop bx
		)
		Expect(cpu.ReadReg16(emu.RegEBX)).To(Equal(uint16(0xBEEF)))
		Expect(cpu.ReadReg16(emu.RegESP)).To(Equal(uint16(testStackPtr)))
	})

	It("lays out PUSHA exactly and ends 16 bytes down", func() {
		cpu := newTestCPU()
		for reg := uint8(0); reg < 8; reg++ {
			if reg != emu.RegESP {
				cpu.WriteReg16(reg, uint16(reg)+1)
			}
		}
		loadBytes(cpu, testCodeBase, []byte{0x60, 0xF1})
		_ = cpu.Run()

		Expect(cpu.ReadReg16(emu.RegESP)).To(Equal(uint16(0x0FF0)))
		base := uint32(testStackSeg) << 4
		want := []uint16{
			8, 7, 6, // DI, SI, BP
			testStackPtr,      // original SP
			4, 3, 2, 1,        // BX, DX, CX, AX
		}
		for i, v := range want {
			Expect(cpu.Memory().Read16(base + 0x0FF0 + uint32(i)*2)).To(Equal(v), "stack slot %d", i)
		}
	})

	It("returns to the caller with CALL then RET", func() {
		cpu := newTestCPU()
		loadBytes(cpu, testCodeBase, []byte{
			0xE8, 0x02, 0x00, // call +2 (to the sub)
			0xF1,       // stop
			0x00,       // pad
			0x40,       // sub: inc ax
			0xC3,       // ret
		})
		_ = cpu.Run()
		Expect(cpu.ReadReg16(emu.RegEAX)).To(Equal(uint16(1)))
		Expect(cpu.EIP()).To(Equal(uint32(4)))
		Expect(cpu.ReadReg16(emu.RegESP)).To(Equal(uint16(testStackPtr)))
	})

	It("returns across segments with far CALL then RETF", func() {
		cpu := newTestCPU()
		// Far target at 3000:0005 increments BX and returns.
		loadBytes(cpu, 0x30005, []byte{0x43, 0xCB}) // inc bx; retf
		loadBytes(cpu, testCodeBase, []byte{
			0x9A, 0x05, 0x00, 0x00, 0x30, // call 3000:0005
			0xF1,
		})
		_ = cpu.Run()
		Expect(cpu.ReadReg16(emu.RegEBX)).To(Equal(uint16(1)))
		Expect(cpu.SegmentSelector(insts.CS)).To(Equal(uint16(testCodeSeg)))
		Expect(cpu.ReadReg16(emu.RegESP)).To(Equal(uint16(testStackPtr)))
	})

	It("copies memory with REP MOVSB", func() {
		cpu := newTestCPU()
		loadBytes(cpu, 0x3000, []byte{'v', 'o', 'm', 'i', 't'})
		// ds=0x300? No: use DS=0 with SI=0x3000, ES=0, DI=0x3800.
		loadBytes(cpu, testCodeBase, []byte{
			0xBE, 0x00, 0x30, // mov si, 0x3000
			0xBF, 0x00, 0x38, // mov di, 0x3800
			0xB9, 0x05, 0x00, // mov cx, 5
			0xFC,             // cld
			0xF3, 0xA4,       // rep movsb
			0xF1,
		})
		_ = cpu.Run()
		for i, want := range []byte{'v', 'o', 'm', 'i', 't'} {
			Expect(cpu.Memory().Read8(uint32(0x3800 + i))).To(Equal(want))
		}
		Expect(cpu.ReadReg16(emu.RegECX)).To(Equal(uint16(0)))
		Expect(cpu.ReadReg16(emu.RegESI)).To(Equal(uint16(0x3005)))
	})

	It("finds the mismatch with REPE CMPSB", func() {
		cpu := newTestCPU()
		loadBytes(cpu, 0x3000, []byte{1, 2, 3, 9, 5})
		loadBytes(cpu, 0x3800, []byte{1, 2, 3, 4, 5})
		loadBytes(cpu, testCodeBase, []byte{
			0xBE, 0x00, 0x30, // mov si, 0x3000
			0xBF, 0x00, 0x38, // mov di, 0x3800
			0xB9, 0x05, 0x00, // mov cx, 5
			0xFC,       // cld
			0xF3, 0xA6, // repe cmpsb
			0xF1,
		})
		_ = cpu.Run()
		Expect(cpu.ReadReg16(emu.RegECX)).To(Equal(uint16(1)))
		Expect(cpu.GetZF()).To(BeFalse())
	})

	It("masks bit 20 of physical addresses until A20 is enabled", func() {
		cpu := newTestCPU()
		cpu.Memory().Write8(0x000000, 0x55)
		cpu.Memory().Write8(0x100000, 0xAA)
		// ds=0xFFFF, al=[ds:0x10] wraps to 0 with A20 off.
		program := []byte{
			0xB8, 0xFF, 0xFF, // mov ax, 0xFFFF
			0x8E, 0xD8, // mov ds, ax
			0xA0, 0x10, 0x00, // mov al, [0x10]
			0xF1,
		}
		loadBytes(cpu, testCodeBase, program)
		_ = cpu.Run()
		Expect(cpu.ReadReg8(0)).To(Equal(uint8(0x55)))

		cpu = newTestCPU()
		cpu.SetA20Enabled(true)
		cpu.Memory().Write8(0x000000, 0x55)
		cpu.Memory().Write8(0x100000, 0xAA)
		loadBytes(cpu, testCodeBase, program)
		_ = cpu.Run()
		Expect(cpu.ReadReg8(0)).To(Equal(uint8(0xAA)))
	})
})

// recordingDevice captures port traffic.
type recordingDevice struct {
	lastPort  uint16
	lastValue uint8
	inValue   uint8
}

func (d *recordingDevice) In8(port uint16) uint8 {
	d.lastPort = port
	return d.inValue
}

func (d *recordingDevice) Out8(port uint16, v uint8) {
	d.lastPort = port
	d.lastValue = v
}

// stubPIC drives the pending-IRQ contract.
type stubPIC struct {
	pending  bool
	vector   uint8
	serviced int
}

func (p *stubPIC) HasPendingIRQ() bool { return p.pending }

func (p *stubPIC) ServiceIRQ(c *emu.CPU) {
	p.pending = false
	p.serviced++
	_ = c.Interrupt(p.vector, emu.InterruptSourceExternal)
}

var _ = Describe("External interfaces", func() {
	It("routes IN and OUT through a registered device", func() {
		dev := &recordingDevice{inValue: 0x5A}
		cpu := newTestCPU()
		cpu.RegisterIODevice(0x80, 2, dev)
		loadBytes(cpu, testCodeBase, []byte{
			0xB0, 0x42, // mov al, 0x42
			0xE6, 0x80, // out 0x80, al
			0xE4, 0x81, // in al, 0x81
			0xF1,
		})
		_ = cpu.Run()
		Expect(dev.lastValue).To(Equal(uint8(0x42)))
		Expect(cpu.ReadReg8(0)).To(Equal(uint8(0x5A)))
	})

	It("reads 0xFF from unmapped ports", func() {
		cpu := runProgram(0xE4, 0x99) // in al, 0x99
		Expect(cpu.ReadReg8(0)).To(Equal(uint8(0xFF)))
	})

	It("services a pending IRQ between instructions when IF is set", func() {
		pic := &stubPIC{pending: true, vector: 0x08}
		cpu := newTestCPU(emu.WithInterruptController(pic))
		setIVT(cpu, 0x08, 0x0900, 0x0000)
		loadBytes(cpu, 0x9000, []byte{
			0xC6, 0x06, 0x00, 0x20, 0x01, // mov byte [0x2000], 1
			0xF1,
		})
		loadBytes(cpu, testCodeBase, []byte{
			0xFB, // sti
			0x90, // nop
			0x90, // nop
			0xF1,
		})
		_ = cpu.Run()
		Expect(pic.serviced).To(Equal(1))
		Expect(cpu.Memory().Read8(scratch0)).To(Equal(uint8(1)))
	})

	It("wakes from HLT when an IRQ arrives", func() {
		pic := &stubPIC{pending: true, vector: 0x08}
		cpu := newTestCPU(emu.WithInterruptController(pic))
		setIVT(cpu, 0x08, 0x0900, 0x0000)
		loadBytes(cpu, 0x9000, []byte{0xF1})
		loadBytes(cpu, testCodeBase, []byte{
			0xFA, // cli: hold the IRQ off until after HLT
			0xFB, // sti
			0xF4, // hlt
			0xF1,
		})
		_ = cpu.Run()
		Expect(pic.serviced).To(Equal(1))
		Expect(cpu.State()).To(Equal(emu.StateDead))
	})

	It("reboots on a queued HardReboot command", func() {
		cpu := newTestCPU()
		loadBytes(cpu, testCodeBase, []byte{
			0xB8, 0x34, 0x12, // mov ax, 0x1234
			0xF1,
		})
		_ = cpu.Run()
		Expect(cpu.ReadReg16(emu.RegEAX)).To(Equal(uint16(0x1234)))

		cpu.QueueCommand(emu.HardReboot)
		// The step services the reboot, then runs one instruction of the
		// now-zeroed memory.
		cpu.Step()
		Expect(cpu.ReadReg16(emu.RegEAX)).To(Equal(uint16(0)))
		Expect(cpu.State()).To(Equal(emu.StateAlive))
		Expect(cpu.Memory().Read8(testCodeBase)).To(Equal(uint8(0)))
	})
})

// linearProvider is a trivial memory provider over a private buffer.
type linearProvider struct {
	base uint32
	data []byte
}

func (p *linearProvider) Base() uint32              { return p.base }
func (p *linearProvider) Size() uint32              { return uint32(len(p.data)) }
func (p *linearProvider) DirectReadPointer() []byte { return p.data }

func (p *linearProvider) Read8(paddr uint32) uint8 { return p.data[paddr-p.base] }
func (p *linearProvider) Write8(paddr uint32, v uint8) {
	p.data[paddr-p.base] = v
}

func (p *linearProvider) Read16(paddr uint32) uint16 {
	return uint16(p.Read8(paddr)) | uint16(p.Read8(paddr+1))<<8
}

func (p *linearProvider) Write16(paddr uint32, v uint16) {
	p.Write8(paddr, uint8(v))
	p.Write8(paddr+1, uint8(v>>8))
}

func (p *linearProvider) Read32(paddr uint32) uint32 {
	return uint32(p.Read16(paddr)) | uint32(p.Read16(paddr+2))<<16
}

func (p *linearProvider) Write32(paddr uint32, v uint32) {
	p.Write16(paddr, uint16(v))
	p.Write16(paddr+2, uint16(v>>16))
}

var _ = Describe("Memory providers", func() {
	It("intercepts guest accesses to a claimed range", func() {
		prov := &linearProvider{base: 0xB8000, data: make([]byte, emu.MemoryProviderBlockSize)}
		cpu := newTestCPU()
		Expect(cpu.Memory().RegisterProvider(prov)).To(Succeed())

		loadBytes(cpu, testCodeBase, []byte{
			0xB8, 0x00, 0xB8, // mov ax, 0xB800
			0x8E, 0xC0, // mov es, ax
			0xB0, 0x2A, // mov al, '*'
			0x26, 0xA2, 0x00, 0x00, // mov [es:0], al
			0x26, 0xA0, 0x01, 0x00, // mov al, [es:1]
			0xF1,
		})
		prov.data[1] = 0x21
		_ = cpu.Run()

		Expect(prov.data[0]).To(Equal(uint8(0x2A)))
		Expect(cpu.ReadReg8(0)).To(Equal(uint8(0x21)))
	})

	It("rejects overlapping registrations", func() {
		prov := &linearProvider{base: 0xB8000, data: make([]byte, emu.MemoryProviderBlockSize)}
		again := &linearProvider{base: 0xB8000, data: make([]byte, emu.MemoryProviderBlockSize)}
		cpu := newTestCPU()
		Expect(cpu.Memory().RegisterProvider(prov)).To(Succeed())
		Expect(cpu.Memory().RegisterProvider(again)).NotTo(Succeed())
	})
})
