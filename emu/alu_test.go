package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awesomekling/vomit/emu"
)

// Reference flag model for 8-bit addition, independent of the kernel's
// formulas.
func refAddFlags8(a, b uint8) (cf, of, af, zf, sf, pf bool) {
	r := uint16(a) + uint16(b)
	res := uint8(r)
	cf = r > 0xFF
	of = (a^b)&0x80 == 0 && (a^res)&0x80 != 0
	af = (a&0xF)+(b&0xF) > 0xF
	zf = res == 0
	sf = res&0x80 != 0
	ones := 0
	for v := res; v != 0; v >>= 1 {
		ones += int(v & 1)
	}
	pf = ones%2 == 0
	return
}

var _ = Describe("Arithmetic kernel", func() {
	It("round-trips ADD then SUB for every 8-bit pair, with reference flags", func() {
		cpu := newTestCPU()
		for a := 0; a < 256; a++ {
			for b := 0; b < 256; b++ {
				loadBytes(cpu, testCodeBase, []byte{
					0xB0, byte(a), // mov al, a
					0x04, byte(b), // add al, b
					0x2C, byte(b), // sub al, b
				})
				cpu.SetEIP(0)
				cpu.Step() // mov
				cpu.Step() // add

				cf, of, af, zf, sf, pf := refAddFlags8(uint8(a), uint8(b))
				Expect(cpu.GetCF()).To(Equal(cf), "CF for %02x+%02x", a, b)
				Expect(cpu.GetOF()).To(Equal(of), "OF for %02x+%02x", a, b)
				Expect(cpu.GetAF()).To(Equal(af), "AF for %02x+%02x", a, b)
				Expect(cpu.GetZF()).To(Equal(zf), "ZF for %02x+%02x", a, b)
				Expect(cpu.GetSF()).To(Equal(sf), "SF for %02x+%02x", a, b)
				Expect(cpu.GetPF()).To(Equal(pf), "PF for %02x+%02x", a, b)

				cpu.Step() // sub
				Expect(cpu.ReadReg8(0)).To(Equal(uint8(a)), "SUB did not restore %02x after +%02x", a, b)
			}
		}
	})

	It("shifts left then right, keeping only the surviving bits", func() {
		cpu := newTestCPU()
		samples := []uint16{0x0000, 0x0001, 0x8000, 0xFFFF, 0x1234, 0xA5A5, 0x7FFF}
		for _, a := range samples {
			for count := 0; count < 32; count++ {
				loadBytes(cpu, testCodeBase, []byte{
					0xB8, byte(a), byte(a >> 8), // mov ax, a
					0xC1, 0xE0, byte(count), // shl ax, count
					0xC1, 0xE8, byte(count), // shr ax, count
				})
				cpu.SetEIP(0)
				cpu.Step()
				cpu.Step()

				if count > 0 && count <= 16 {
					wantCF := a>>(16-count)&1 != 0
					Expect(cpu.GetCF()).To(Equal(wantCF), "SHL CF for %04x<<%d", a, count)
				}

				cpu.Step()
				var want uint16
				if count < 16 {
					want = a << count >> count
				}
				Expect(cpu.ReadReg16(emu.RegEAX)).To(Equal(want), "%04x shifted by %d", a, count)
			}
		}
	})

	It("inverts RCL with RCR at the same count", func() {
		cpu := newTestCPU()
		for _, a := range []uint16{0x0001, 0x8001, 0xBEEF, 0xFFFF} {
			for count := 1; count < 17; count++ {
				loadBytes(cpu, testCodeBase, []byte{
					0xF8,                    // clc
					0xB8, byte(a), byte(a >> 8), // mov ax, a
					0xC1, 0xD0, byte(count), // rcl ax, count
					0xC1, 0xD8, byte(count), // rcr ax, count
				})
				cpu.SetEIP(0)
				for i := 0; i < 4; i++ {
					cpu.Step()
				}
				Expect(cpu.ReadReg16(emu.RegEAX)).To(Equal(a), "RCL/RCR at count %d", count)
				Expect(cpu.GetCF()).To(BeFalse())
			}
		}
	})

	It("sets CF and OF on MUL exactly when the high half is non-zero", func() {
		cases := []struct {
			a, b uint16
		}{
			{2, 3}, {0x100, 0x100}, {0xFFFF, 0xFFFF}, {0, 0x1234}, {0x8000, 2},
		}
		for _, tc := range cases {
			cpu := runProgram(
				0xB8, byte(tc.a), byte(tc.a>>8), // mov ax, a
				0xBB, byte(tc.b), byte(tc.b>>8), // mov bx, b
				0xF7, 0xE3, // mul bx
			)
			product := uint32(tc.a) * uint32(tc.b)
			Expect(cpu.ReadReg16(emu.RegEAX)).To(Equal(uint16(product)))
			Expect(cpu.ReadReg16(emu.RegEDX)).To(Equal(uint16(product >> 16)))
			overflows := product>>16 != 0
			Expect(cpu.GetCF()).To(Equal(overflows), "%04x*%04x", tc.a, tc.b)
			Expect(cpu.GetOF()).To(Equal(overflows), "%04x*%04x", tc.a, tc.b)
		}
	})

	It("sets CF and OF on IMUL only when the high half matters", func() {
		cpu := runProgram(
			0xB8, 0xFF, 0xFF, // mov ax, -1
			0xBB, 0x05, 0x00, // mov bx, 5
			0xF7, 0xEB, // imul bx
		)
		// -5 fits in 16 bits, so DX is just sign extension.
		Expect(cpu.ReadReg16(emu.RegEAX)).To(Equal(uint16(0xFFFB)))
		Expect(cpu.ReadReg16(emu.RegEDX)).To(Equal(uint16(0xFFFF)))
		Expect(cpu.GetCF()).To(BeFalse())
		Expect(cpu.GetOF()).To(BeFalse())

		cpu = runProgram(
			0xB8, 0x00, 0x40, // mov ax, 0x4000
			0xBB, 0x08, 0x00, // mov bx, 8
			0xF7, 0xEB, // imul bx
		)
		Expect(cpu.GetCF()).To(BeTrue())
		Expect(cpu.GetOF()).To(BeTrue())
	})

	It("raises #DE on divide by zero", func() {
		cpu := newTestCPU()
		// Vector 0 handler at 0900:0000 records a marker and stops.
		setIVT(cpu, 0, 0x0900, 0x0000)
		loadBytes(cpu, 0x9000, []byte{
			0xC6, 0x06, 0x00, 0x20, 0x01, // mov byte [0x2000], 1
			0xF1,
		})
		loadBytes(cpu, testCodeBase, []byte{
			0xB8, 0x05, 0x00, // mov ax, 5
			0xB3, 0x00, // mov bl, 0
			0xF6, 0xF3, // div bl
			0xF1,
		})
		_ = cpu.Run()
		Expect(cpu.Memory().Read8(scratch0)).To(Equal(uint8(1)))
	})

	It("adjusts packed BCD with DAA", func() {
		cpu := runProgram(
			0xB0, 0x79, // mov al, 0x79
			0x04, 0x35, // add al, 0x35
			0x27, // daa
		)
		// 79 + 35 = 114 in BCD.
		Expect(cpu.ReadReg8(0)).To(Equal(uint8(0x14)))
		Expect(cpu.GetCF()).To(BeTrue())
	})

	It("splits AL with AAM", func() {
		cpu := runProgram(
			0xB0, 0x2F, // mov al, 47
			0xD4, 0x0A, // aam
		)
		Expect(cpu.ReadReg8(4)).To(Equal(uint8(4))) // AH
		Expect(cpu.ReadReg8(0)).To(Equal(uint8(7))) // AL
	})
})
