package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awesomekling/vomit/emu"
)

const (
	pageDir   = 0x3000
	pageTable = 0x4000
	physPage  = 0x100000 // above 1 MiB, so A20 must be on
	linAddr   = 0x00400000
)

const identTable = 0x5000

// mapTestPages identity-maps the low 4 MiB (tables, code and stack live
// there), then installs PDE[1] -> pageTable with PTE[0..1] covering
// linAddr with the given low attribute bits.
func mapTestPages(cpu *emu.CPU, pte0, pte1 uint32) {
	cpu.SetA20Enabled(true)
	cpu.Memory().Write32(pageDir, identTable|0x3)
	for i := uint32(0); i < 1024; i++ {
		cpu.Memory().Write32(identTable+i*4, i<<12|0x3)
	}
	cpu.Memory().Write32(pageDir+4, pageTable|0x7) // present, writable, user
	cpu.Memory().Write32(pageTable, pte0)
	cpu.Memory().Write32(pageTable+4, pte1)
}

// pagingOn is the 32-bit body prefix that loads CR3 and sets CR0.PG.
func pagingOn() []byte {
	body := []byte{0xB8}
	body = append(body, dword(pageDir)...) // mov eax, pageDir
	body = append(body,
		0x0F, 0x22, 0xD8, // mov cr3, eax
		0x0F, 0x20, 0xC0, // mov eax, cr0
		0x0D, 0x00, 0x00, 0x00, 0x80, // or eax, 0x80000000
		0x0F, 0x22, 0xC0, // mov cr0, eax
	)
	return body
}

// pfRecorder is a #PF handler that stores CR2 and the error code.
func installPFRecorder(cpu *emu.CPU) {
	handler := uint32(0x12000)
	loadBytes(cpu, handler, []byte{
		0x5B, // pop ebx (error code)
		0x0F, 0x20, 0xD0, // mov eax, cr2
		0xA3, 0x00, 0x20, 0x00, 0x00, // mov [0x2000], eax
		0x89, 0x1D, 0x04, 0x20, 0x00, 0x00, // mov [0x2004], ebx
		0xF1,
	})
	setIDTGate(cpu, emu.ExcPF, handler)
}

var _ = Describe("Paging", func() {
	It("translates a mapped linear address to its physical frame", func() {
		cpu := newTestCPU()
		installProtectedModeTables(cpu, 0)
		mapTestPages(cpu, physPage|0x7, 0)
		cpu.Memory().Write32(physPage, 0xCAFEBABE)

		body := pagingOn()
		body = append(body,
			0xA1, 0x00, 0x00, 0x40, 0x00, // mov eax, [linAddr]
			0xA3, 0x00, 0x20, 0x00, 0x00, // mov [0x2000], eax
		)
		enterProtectedMode(cpu, body)
		_ = cpu.Run()

		Expect(cpu.Memory().Read32(scratch0)).To(Equal(uint32(0xCAFEBABE)))
	})

	It("raises #PF with CR2 and a not-present error code", func() {
		cpu := newTestCPU()
		installProtectedModeTables(cpu, 0)
		installPFRecorder(cpu)
		mapTestPages(cpu, physPage|0x6, 0) // present bit clear

		body := pagingOn()
		body = append(body, 0xA1, 0x00, 0x00, 0x40, 0x00) // mov eax, [linAddr]
		enterProtectedMode(cpu, body)
		_ = cpu.Run()

		Expect(cpu.Memory().Read32(scratch0)).To(Equal(uint32(linAddr)))
		// Supervisor read of a non-present page: all bits clear.
		Expect(cpu.Memory().Read32(scratch1)).To(Equal(uint32(0)))
	})

	It("reports the second page's address when a dword straddles into it", func() {
		cpu := newTestCPU()
		installProtectedModeTables(cpu, 0)
		installPFRecorder(cpu)
		mapTestPages(cpu, physPage|0x7, 0) // second page not present

		body := pagingOn()
		body = append(body, 0xA1, 0xFD, 0x0F, 0x40, 0x00) // mov eax, [linAddr+0xFFD]
		enterProtectedMode(cpu, body)
		_ = cpu.Run()

		Expect(cpu.Memory().Read32(scratch0)).To(Equal(uint32(linAddr + 0x1000)))
	})

	It("sets Accessed on reads and Dirty only on writes", func() {
		cpu := newTestCPU()
		installProtectedModeTables(cpu, 0)
		mapTestPages(cpu, physPage|0x7, 0)

		body := pagingOn()
		body = append(body,
			0xA1, 0x00, 0x00, 0x40, 0x00, // read [linAddr]
		)
		enterProtectedMode(cpu, body)
		_ = cpu.Run()

		pte := cpu.Memory().Read32(pageTable)
		pde := cpu.Memory().Read32(pageDir + 4)
		Expect(pde & 0x20).NotTo(BeZero(), "PDE accessed")
		Expect(pte & 0x20).NotTo(BeZero(), "PTE accessed")
		Expect(pte & 0x40).To(BeZero(), "PTE dirty after read only")

		cpu = newTestCPU()
		installProtectedModeTables(cpu, 0)
		mapTestPages(cpu, physPage|0x7, 0)
		body = pagingOn()
		body = append(body,
			0xB8, 0x99, 0x00, 0x00, 0x00, // mov eax, 0x99
			0xA3, 0x00, 0x00, 0x40, 0x00, // write [linAddr]
		)
		enterProtectedMode(cpu, body)
		_ = cpu.Run()

		pte = cpu.Memory().Read32(pageTable)
		Expect(pte & 0x40).NotTo(BeZero(), "PTE dirty after write")
		Expect(cpu.Memory().Read32(physPage)).To(Equal(uint32(0x99)))
	})
})
