// Package insts provides 80386 instruction definitions and decoding.
package insts

// SegmentRegister identifies a segment register using the hardware
// encoding from the ModR/M reg field of MOV Sreg forms.
type SegmentRegister uint8

// Segment registers.
const (
	ES SegmentRegister = 0
	CS SegmentRegister = 1
	SS SegmentRegister = 2
	DS SegmentRegister = 3
	FS SegmentRegister = 4
	GS SegmentRegister = 5

	// SegNone marks the absence of a segment override prefix.
	SegNone SegmentRegister = 0xFF
)

// String returns the conventional name of the segment register.
func (s SegmentRegister) String() string {
	switch s {
	case ES:
		return "es"
	case CS:
		return "cs"
	case SS:
		return "ss"
	case DS:
		return "ds"
	case FS:
		return "fs"
	case GS:
		return "gs"
	}
	return "??"
}

// RepPrefix records a repeat prefix latched before a string instruction.
type RepPrefix uint8

// Repeat prefixes.
const (
	RepNone RepPrefix = iota
	RepNE             // 0xF2: REPNE/REPNZ
	Rep               // 0xF3: REP/REPE/REPZ
)

// ModRM is the mode/register/memory byte following an opcode.
type ModRM uint8

// Mod returns the addressing mode bits [7:6].
func (m ModRM) Mod() uint8 { return uint8(m) >> 6 }

// Reg returns the register-operand bits [5:3].
func (m ModRM) Reg() uint8 { return uint8(m) >> 3 & 7 }

// RM returns the register/memory bits [2:0].
func (m ModRM) RM() uint8 { return uint8(m) & 7 }

// IsRegister reports whether the r/m operand names a register (mod == 11).
func (m ModRM) IsRegister() bool { return m.Mod() == 3 }

// Instruction is one decoded 80386 instruction.
//
// The decoder records syntax only: opcode, prefixes, the raw ModR/M and SIB
// bytes, displacement, and immediates. Operand resolution (effective-address
// arithmetic, register bank views, memory access) is the execution engine's
// job, so the decoder has no dependency on CPU state beyond the byte stream
// and the default operand/address sizes.
type Instruction struct {
	// Opcode is the primary opcode byte. For two-byte instructions it is
	// the byte following the 0x0F escape.
	Opcode  uint8
	TwoByte bool

	ModRM    ModRM
	HasModRM bool
	SIB      uint8
	HasSIB   bool

	// Disp is the displacement, sign-extended to 32 bits.
	Disp     uint32
	DispBits uint8 // 0, 8, 16 or 32

	// Imm1 is the first immediate in instruction-stream order, Imm2 the
	// second (far-pointer selector, or the byte operand of ENTER).
	Imm1     uint32
	Imm1Bits uint8
	Imm2     uint32
	Imm2Bits uint8

	SegOverride SegmentRegister
	Rep         RepPrefix
	Lock        bool

	// O32 and A32 are the effective operand and address sizes after any
	// 0x66/0x67 prefixes have been applied to the code segment defaults.
	O32 bool
	A32 bool

	// Length is the total encoded length in bytes, prefixes included.
	Length uint8

	// Invalid marks an undefined opcode; the dispatcher raises #UD.
	Invalid bool
}

// Imm8 returns the first immediate as a byte.
func (i *Instruction) Imm8() uint8 { return uint8(i.Imm1) }

// Imm16 returns the first immediate as a word.
func (i *Instruction) Imm16() uint16 { return uint16(i.Imm1) }

// Imm32 returns the first immediate as a dword.
func (i *Instruction) Imm32() uint32 { return i.Imm1 }

// ImmOperand returns the first immediate at the instruction's operand size.
func (i *Instruction) ImmOperand() uint32 {
	if i.O32 {
		return i.Imm1
	}
	return i.Imm1 & 0xFFFF
}

// FarOffset and FarSelector split a ptr16:16/ptr16:32 immediate pair.
func (i *Instruction) FarOffset() uint32    { return i.Imm1 }
func (i *Instruction) FarSelector() uint16  { return uint16(i.Imm2) }

// Reg returns the register index from the ModR/M reg field.
func (i *Instruction) Reg() uint8 { return i.ModRM.Reg() }

// Mnemonic returns the table mnemonic for the opcode, shared with the
// disassembler. Group opcodes report the group name.
func (i *Instruction) Mnemonic() string {
	if i.TwoByte {
		return twoByteAttrs[i.Opcode].mnemonic
	}
	return oneByteAttrs[i.Opcode].mnemonic
}
