// Package main provides the entry point for the vomit CPU core runner.
// It loads a flat guest image into physical memory, runs the core in
// autotest mode, and dumps the architectural state on exit.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/awesomekling/vomit/emu"
	"github.com/awesomekling/vomit/insts"
)

var (
	entryCS = flag.Uint("entry-cs", 0x1000, "Entry code segment selector")
	entryIP = flag.Uint("entry-ip", 0x0000, "Entry instruction pointer")
	org     = flag.Uint("org", 0x10000, "Physical load address of the image")
	memSize = flag.Uint("mem", 8192, "RAM size in KiB")
	maxInsn = flag.Uint64("max", 0, "Stop after N instructions (0 = no limit)")
	verbose = flag.Bool("v", false, "Verbose output")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: vomit [options] <image.bin>\n\nOptions:\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}

	image, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading image: %v\n", err)
		os.Exit(1)
	}

	cpu := emu.NewCPU(
		emu.WithMemorySize(uint32(*memSize)*1024),
		emu.WithLogger(logger),
		emu.WithAutotestEntry(uint16(*entryCS), uint32(*entryIP)),
		emu.WithMaxInstructions(*maxInsn),
	)

	for i, b := range image {
		cpu.Memory().Write8(uint32(*org)+uint32(i), b)
	}

	if *verbose {
		fmt.Printf("Loaded: %s (%d bytes at %#x)\n", flag.Arg(0), len(image), *org)
		fmt.Printf("Entry point: %04x:%04x\n", *entryCS, *entryIP)
	}

	if err := cpu.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Emulation error: %v\n", err)
		os.Exit(1)
	}

	dumpState(cpu)
}

func dumpState(cpu *emu.CPU) {
	names := []string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}
	for i, name := range names {
		fmt.Printf("%s=%08x ", name, cpu.ReadReg32(uint8(i)))
		if i == 3 {
			fmt.Println()
		}
	}
	fmt.Println()
	for seg := insts.ES; seg <= insts.GS; seg++ {
		fmt.Printf("%s=%04x ", seg, cpu.SegmentSelector(seg))
	}
	fmt.Printf("eip=%08x eflags=%08x cycles=%d\n", cpu.EIP(), cpu.GetEFlags(), cpu.Cycle())
}
