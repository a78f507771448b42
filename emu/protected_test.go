package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awesomekling/vomit/emu"
	"github.com/awesomekling/vomit/insts"
)

var _ = Describe("Protected mode", func() {
	It("enters ring 0 with 32-bit defaults through LGDT and a far jump", func() {
		cpu := newTestCPU()
		installProtectedModeTables(cpu, 0)
		enterProtectedMode(cpu, []byte{
			0xB8, 0x78, 0x56, 0x34, 0x12, // mov eax, 0x12345678 (32-bit default)
			0xA3, 0x00, 0x20, 0x00, 0x00, // mov [0x2000], eax
		})
		_ = cpu.Run()

		Expect(cpu.State()).To(Equal(emu.StateDead)) // clean autotest stop
		Expect(cpu.SegmentSelector(insts.CS)).To(Equal(uint16(selCode32)))
		Expect(cpu.CachedDescriptor(insts.CS).Kind).To(Equal(emu.DescCode))
		Expect(cpu.CachedDescriptor(insts.SS).Writable).To(BeTrue())
		Expect(cpu.GetEAX()).To(Equal(uint32(0x12345678)))
		Expect(cpu.Memory().Read32(scratch0)).To(Equal(uint32(0x12345678)))
	})

	It("raises #GP with the selector as error code on a bad segment load", func() {
		cpu := newTestCPU()
		installProtectedModeTables(cpu, 0)

		// #GP handler: stash the error code.
		handler := uint32(0x12000)
		loadBytes(cpu, handler, []byte{
			0x5B, // pop ebx (error code)
			0x89, 0x1D, 0x00, 0x20, 0x00, 0x00, // mov [0x2000], ebx
			0xF1,
		})
		setIDTGate(cpu, emu.ExcGP, handler)

		enterProtectedMode(cpu, []byte{
			0xB8, 0x48, 0x00, 0x00, 0x00, // mov eax, 0x48 (past GDT limit)
			0x8E, 0xE0, // mov fs, ax
		})
		_ = cpu.Run()

		Expect(cpu.Memory().Read32(scratch0)).To(Equal(uint32(0x48)))
	})

	It("triple-faults to a dead core when no IDT can deliver the fault", func() {
		cpu := newTestCPU()
		installProtectedModeTables(cpu, 0)
		// Zero the IDTR image so every vector lies outside the IDT limit.
		loadBytes(cpu, idtrImage, []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00})

		enterProtectedMode(cpu, []byte{
			0xB8, 0x48, 0x00, 0x00, 0x00, // mov eax, 0x48
			0x8E, 0xE0, // mov fs, ax -> #GP -> #DF -> triple fault
			0xC6, 0x05, 0x00, 0x20, 0x00, 0x00, 0x01, // never reached
		})
		_ = cpu.Run()

		Expect(cpu.State()).To(Equal(emu.StateDead))
		Expect(cpu.Memory().Read8(scratch0)).To(Equal(uint8(0)))
	})

	It("pushes old SS, ESP, CS, EIP across a privilege-escalating call gate", func() {
		cpu := newTestCPU()

		ring3Code := uint32(0x13000)
		gateEntry := uint32(0x14000)
		installProtectedModeTables(cpu, gateEntry)

		// Ring-3 code: far call through the gate selector.
		loadBytes(cpu, ring3Code, []byte{
			0x9A, 0x00, 0x00, 0x00, 0x00, byte(selGate), 0x00, // call far 0x30:0
		})
		ring3Return := ring3Code + 7

		// Gate entry at ring 0: reload DS, then record ESP and the four
		// values the escalation pushed.
		loadBytes(cpu, gateEntry, []byte{
			0xB8, 0x10, 0x00, 0x00, 0x00, // mov eax, selData32
			0x8E, 0xD8, // mov ds, ax
			0x89, 0xE0, // mov eax, esp
			0xA3, 0x00, 0x20, 0x00, 0x00, // mov [0x2000], eax
			0x8B, 0x1C, 0x24, // mov ebx, [esp]
			0x89, 0x1D, 0x04, 0x20, 0x00, 0x00, // mov [0x2004], ebx
			0x8B, 0x5C, 0x24, 0x04, // mov ebx, [esp+4]
			0x89, 0x1D, 0x08, 0x20, 0x00, 0x00, // mov [0x2008], ebx
			0x8B, 0x5C, 0x24, 0x08, // mov ebx, [esp+8]
			0x89, 0x1D, 0x0C, 0x20, 0x00, 0x00, // mov [0x200C], ebx
			0x8B, 0x5C, 0x24, 0x0C, // mov ebx, [esp+12]
			0x89, 0x1D, 0x10, 0x20, 0x00, 0x00, // mov [0x2010], ebx
			0xF1,
		})

		// Ring-0 body: install the TSS, then IRET outward to ring 3.
		body := []byte{
			0xB8, byte(selTSS), 0x00, 0x00, 0x00, // mov eax, selTSS
			0x0F, 0x00, 0xD8, // ltr ax
			0x68, byte(selData3 | 3), 0x00, 0x00, 0x00, // push ss3
		}
		body = append(body, 0x68)
		body = append(body, dword(ring3Stack)...) // push esp3
		body = append(body, 0x9C)                 // pushfd
		body = append(body, 0x68, byte(selCode3|3), 0x00, 0x00, 0x00) // push cs3
		body = append(body, 0x68)
		body = append(body, dword(ring3Code)...) // push ring-3 entry
		body = append(body, 0xCF)                // iretd

		enterProtectedMode(cpu, body)
		_ = cpu.Run()

		Expect(cpu.State()).To(Equal(emu.StateDead))
		// The inner stack came from the TSS and holds EIP, CS, ESP, SS.
		Expect(cpu.Memory().Read32(scratch0)).To(Equal(uint32(ring0Stack - 16)))
		Expect(cpu.Memory().Read32(scratch1)).To(Equal(ring3Return))
		Expect(cpu.Memory().Read32(scratch2)).To(Equal(uint32(selCode3 | 3)))
		Expect(cpu.Memory().Read32(scratch3)).To(Equal(uint32(ring3Stack)))
		Expect(cpu.Memory().Read32(scratch4)).To(Equal(uint32(selData3 | 3)))
	})
})
