package insts_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/arch/x86/x86asm"

	"github.com/awesomekling/vomit/insts"
)

// byteFetcher feeds a fixed byte slice to the decoder.
type byteFetcher struct {
	data []byte
	pos  int
}

func (f *byteFetcher) NextByte() (uint8, error) {
	b := f.data[f.pos]
	f.pos++
	return b, nil
}

func decode16(code ...byte) *insts.Instruction {
	insn, err := insts.NewDecoder().Decode(&byteFetcher{data: code}, false, false)
	Expect(err).NotTo(HaveOccurred())
	return insn
}

func decode32(code ...byte) *insts.Instruction {
	insn, err := insts.NewDecoder().Decode(&byteFetcher{data: code}, true, true)
	Expect(err).NotTo(HaveOccurred())
	return insn
}

var _ = Describe("Decoder", func() {
	Describe("prefixes", func() {
		It("latches a segment override", func() {
			insn := decode16(0x26, 0x8B, 0x04) // mov ax, es:[si]
			Expect(insn.SegOverride).To(Equal(insts.ES))
			Expect(insn.Opcode).To(Equal(uint8(0x8B)))
			Expect(insn.Length).To(Equal(uint8(3)))
		})

		It("flips the operand size with 0x66", func() {
			insn := decode16(0x66, 0xB8, 0x78, 0x56, 0x34, 0x12) // mov eax, imm32
			Expect(insn.O32).To(BeTrue())
			Expect(insn.Imm32()).To(Equal(uint32(0x12345678)))
			Expect(insn.Length).To(Equal(uint8(6)))
		})

		It("flips the address size with 0x67", func() {
			insn := decode32(0x67, 0x8B, 0x04) // 16-bit EA in 32-bit code
			Expect(insn.A32).To(BeFalse())
			Expect(insn.O32).To(BeTrue())
		})

		It("latches repeat prefixes", func() {
			Expect(decode16(0xF3, 0xA4).Rep).To(Equal(insts.Rep))
			Expect(decode16(0xF2, 0xAE).Rep).To(Equal(insts.RepNE))
		})

		It("accepts and records LOCK", func() {
			insn := decode16(0xF0, 0x00, 0xD8) // lock add al, bl
			Expect(insn.Lock).To(BeTrue())
			Expect(insn.Opcode).To(Equal(uint8(0x00)))
		})
	})

	Describe("16-bit effective addresses", func() {
		It("reads no displacement for mod=00", func() {
			insn := decode16(0x8B, 0x07) // mov ax, [bx]
			Expect(insn.HasModRM).To(BeTrue())
			Expect(insn.DispBits).To(Equal(uint8(0)))
			Expect(insn.Length).To(Equal(uint8(2)))
		})

		It("reads disp16 for the mod=00 rm=110 hole", func() {
			insn := decode16(0x8B, 0x06, 0x00, 0x20) // mov ax, [0x2000]
			Expect(insn.DispBits).To(Equal(uint8(16)))
			Expect(insn.Disp).To(Equal(uint32(0x2000)))
		})

		It("sign-extends disp8", func() {
			insn := decode16(0x8B, 0x44, 0xFE) // mov ax, [si-2]
			Expect(insn.DispBits).To(Equal(uint8(8)))
			Expect(insn.Disp).To(Equal(uint32(0xFFFFFFFE)))
		})
	})

	Describe("32-bit effective addresses", func() {
		It("reads a SIB byte when rm=100", func() {
			insn := decode32(0x8B, 0x04, 0x88) // mov eax, [eax+ecx*4]
			Expect(insn.HasSIB).To(BeTrue())
			Expect(insn.SIB).To(Equal(uint8(0x88)))
			Expect(insn.Length).To(Equal(uint8(3)))
		})

		It("reads disp32 for mod=00 rm=101", func() {
			insn := decode32(0xA1, 0x00, 0x00, 0x40, 0x00) // mov eax, [0x400000]
			Expect(insn.Imm1).To(Equal(uint32(0x400000)))

			insn = decode32(0x8B, 0x05, 0x44, 0x33, 0x22, 0x11)
			Expect(insn.DispBits).To(Equal(uint8(32)))
			Expect(insn.Disp).To(Equal(uint32(0x11223344)))
		})

		It("reads disp32 for a SIB with base=101 and mod=00", func() {
			insn := decode32(0x8B, 0x04, 0x8D, 0x78, 0x56, 0x34, 0x12) // mov eax, [ecx*4+disp32]
			Expect(insn.HasSIB).To(BeTrue())
			Expect(insn.Disp).To(Equal(uint32(0x12345678)))
		})
	})

	Describe("immediates", func() {
		It("decodes a far pointer as offset then selector", func() {
			insn := decode16(0xEA, 0x34, 0x12, 0x00, 0xF0) // jmp f000:1234
			Expect(insn.FarOffset()).To(Equal(uint32(0x1234)))
			Expect(insn.FarSelector()).To(Equal(uint16(0xF000)))
		})

		It("decodes ENTER's word and byte pair", func() {
			insn := decode16(0xC8, 0x10, 0x00, 0x03)
			Expect(insn.Imm16()).To(Equal(uint16(0x10)))
			Expect(insn.Imm2).To(Equal(uint32(3)))
		})

		It("reads a group 3 immediate only for TEST", func() {
			insn := decode16(0xF6, 0xC0, 0x55) // test al, 0x55
			Expect(insn.Imm8()).To(Equal(uint8(0x55)))
			Expect(insn.Length).To(Equal(uint8(3)))

			insn = decode16(0xF6, 0xD8) // neg al
			Expect(insn.Length).To(Equal(uint8(2)))
		})

		It("sizes the group 3 TEST immediate by operand size", func() {
			insn := decode32(0xF7, 0xC0, 0x78, 0x56, 0x34, 0x12)
			Expect(insn.Imm32()).To(Equal(uint32(0x12345678)))
		})
	})

	Describe("two-byte opcodes", func() {
		It("decodes through the 0F escape", func() {
			insn := decode32(0x0F, 0xB6, 0xC3) // movzx eax, bl
			Expect(insn.TwoByte).To(BeTrue())
			Expect(insn.Opcode).To(Equal(uint8(0xB6)))
			Expect(insn.HasModRM).To(BeTrue())
		})

		It("marks unknown two-byte opcodes invalid", func() {
			insn := decode32(0x0F, 0xFF)
			Expect(insn.Invalid).To(BeTrue())
		})
	})

	Describe("lengths against the reference decoder", func() {
		// A corpus of encodings the execution tests rely on is checked
		// against x86asm on total instruction length: corpus16 in 16-bit
		// mode, corpus32 in 32-bit mode.
		corpus16 := [][]byte{
			{0xB8, 0x34, 0x12},
			{0xB0, 0xFF},
			{0x04, 0x01},
			{0x00, 0xD8},
			{0x01, 0x07},
			{0x03, 0x46, 0x02},
			{0x8B, 0x84, 0x10, 0x20},
			{0x83, 0xC0, 0x05},
			{0x81, 0xC3, 0x00, 0x10},
			{0xC7, 0x06, 0x00, 0x20, 0x34, 0x12},
			{0x50},
			{0x9C},
			{0xCD, 0x21},
			{0xE8, 0x10, 0x00},
			{0xEB, 0xFE},
			{0x75, 0x02},
			{0xF3, 0xA4},
			{0xC3},
			{0xCB},
			{0xCF},
			{0xD1, 0xE0},
			{0xC1, 0xE0, 0x04},
			{0xF7, 0xE3},
			{0x0F, 0x84, 0x00, 0x01},
			{0x0F, 0xB7, 0xC8},
			{0x66, 0xB8, 0x78, 0x56, 0x34, 0x12},
		}
		corpus32 := [][]byte{
			{0xB8, 0x78, 0x56, 0x34, 0x12},
			{0x8B, 0x04, 0x88},
			{0x8B, 0x05, 0x44, 0x33, 0x22, 0x11},
			{0x89, 0x44, 0x24, 0x08},
			{0x0F, 0xAF, 0xC3},
			{0x0F, 0xA4, 0xD8, 0x04},
			{0x0F, 0xBA, 0xE0, 0x07},
			{0x69, 0xC3, 0x00, 0x01, 0x00, 0x00},
			{0x67, 0x8B, 0x07},
			{0x66, 0xB8, 0x34, 0x12},
		}

		It("matches x86asm in 16-bit mode", func() {
			for _, code := range corpus16 {
				ref, err := x86asm.Decode(code, 16)
				Expect(err).NotTo(HaveOccurred(), "encoding %x", code)
				insn := decode16(code...)
				Expect(insn.Invalid).To(BeFalse(), "encoding %x", code)
				Expect(int(insn.Length)).To(Equal(ref.Len), "encoding %x", code)
			}
		})

		It("matches x86asm in 32-bit mode", func() {
			for _, code := range corpus32 {
				ref, err := x86asm.Decode(code, 32)
				Expect(err).NotTo(HaveOccurred(), "encoding %x", code)
				insn := decode32(code...)
				Expect(insn.Invalid).To(BeFalse(), "encoding %x", code)
				Expect(int(insn.Length)).To(Equal(ref.Len), "encoding %x", code)
			}
		})
	})
})
