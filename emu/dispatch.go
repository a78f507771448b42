package emu

import (
	"github.com/awesomekling/vomit/insts"
)

// handler executes one decoded instruction against CPU state.
type handler func(c *CPU, insn *insts.Instruction) error

var (
	oneByteHandlers [256]handler
	twoByteHandlers [256]handler
)

// The dispatch tables are built once at startup; the hot path is a single
// indirect call through them.
func init() {
	buildOpcodeTables()
}

func buildOpcodeTables() {
	one := &oneByteHandlers
	two := &twoByteHandlers

	// ALU blocks: op rm,reg / reg,rm / accumulator,imm.
	type aluBlock struct {
		base uint8
		op   aluOp
	}
	for _, b := range []aluBlock{
		{0x00, (*CPU).opAdd},
		{0x08, (*CPU).opOr},
		{0x10, (*CPU).opAdc},
		{0x18, (*CPU).opSbb},
		{0x20, (*CPU).opAnd},
		{0x28, (*CPU).opSub},
		{0x30, (*CPU).opXor},
	} {
		one[b.base+0] = makeRM8Reg8(b.op, true)
		one[b.base+1] = makeRMvRegv(b.op, true)
		one[b.base+2] = makeReg8RM8(b.op, true)
		one[b.base+3] = makeRegvRMv(b.op, true)
		one[b.base+4] = makeALImm8(b.op, true)
		one[b.base+5] = makeAXImmv(b.op, true)
	}
	// CMP is the read-only SUB pattern.
	one[0x38] = makeRM8Reg8((*CPU).opSub, false)
	one[0x39] = makeRMvRegv((*CPU).opSub, false)
	one[0x3A] = makeReg8RM8((*CPU).opSub, false)
	one[0x3B] = makeRegvRMv((*CPU).opSub, false)
	one[0x3C] = makeALImm8((*CPU).opSub, false)
	one[0x3D] = makeAXImmv((*CPU).opSub, false)

	one[0x06] = makePushSeg(insts.ES)
	one[0x07] = makePopSeg(insts.ES)
	one[0x0E] = makePushSeg(insts.CS)
	one[0x16] = makePushSeg(insts.SS)
	one[0x17] = makePopSeg(insts.SS)
	one[0x1E] = makePushSeg(insts.DS)
	one[0x1F] = makePopSeg(insts.DS)

	one[0x27] = (*CPU).opcodeDAA
	one[0x2F] = (*CPU).opcodeDAS
	one[0x37] = (*CPU).opcodeAAA
	one[0x3F] = (*CPU).opcodeAAS

	for r := uint8(0); r < 8; r++ {
		one[0x40+r] = makeIncReg(r)
		one[0x48+r] = makeDecReg(r)
		one[0x50+r] = makePushReg(r)
		one[0x58+r] = makePopReg(r)
	}
	one[0x60] = (*CPU).opcodePUSHA
	one[0x61] = (*CPU).opcodePOPA
	one[0x62] = (*CPU).opcodeBOUND
	one[0x63] = (*CPU).opcodeARPL
	one[0x68] = (*CPU).opcodePUSHImm
	one[0x69] = (*CPU).opcodeIMULRegRMImm
	one[0x6A] = (*CPU).opcodePUSHImm8
	one[0x6B] = (*CPU).opcodeIMULRegRMImm
	one[0x6C] = (*CPU).opcodeINS
	one[0x6D] = (*CPU).opcodeINS
	one[0x6E] = (*CPU).opcodeOUTS
	one[0x6F] = (*CPU).opcodeOUTS

	for cc := uint8(0); cc < 16; cc++ {
		one[0x70+cc] = (*CPU).opcodeJccRel
		two[0x80+cc] = (*CPU).opcodeJccRel
		two[0x90+cc] = (*CPU).opcodeSETcc
	}

	one[0x80] = (*CPU).opcodeGroup1
	one[0x81] = (*CPU).opcodeGroup1
	one[0x82] = (*CPU).opcodeGroup1
	one[0x83] = (*CPU).opcodeGroup1
	one[0x84] = makeRM8Reg8((*CPU).opAnd, false) // TEST
	one[0x85] = makeRMvRegv((*CPU).opAnd, false)
	one[0x86] = (*CPU).opcodeXCHGReg8RM8
	one[0x87] = (*CPU).opcodeXCHGRegvRMv
	one[0x88] = (*CPU).opcodeMOVRM8Reg8
	one[0x89] = (*CPU).opcodeMOVRMvRegv
	one[0x8A] = (*CPU).opcodeMOVReg8RM8
	one[0x8B] = (*CPU).opcodeMOVRegvRMv
	one[0x8C] = (*CPU).opcodeMOVRMSeg
	one[0x8D] = (*CPU).opcodeLEA
	one[0x8E] = (*CPU).opcodeMOVSegRM
	one[0x8F] = (*CPU).opcodePOPRM

	one[0x90] = (*CPU).opcodeNOP
	for r := uint8(1); r < 8; r++ {
		one[0x90+r] = makeXCHGAccReg(r)
	}
	one[0x98] = (*CPU).opcodeCBW
	one[0x99] = (*CPU).opcodeCWD
	one[0x9A] = (*CPU).opcodeCALLFarImm
	one[0x9B] = (*CPU).opcodeWAIT
	one[0x9C] = (*CPU).opcodePUSHF
	one[0x9D] = (*CPU).opcodePOPF
	one[0x9E] = (*CPU).opcodeSAHF
	one[0x9F] = (*CPU).opcodeLAHF

	one[0xA0] = (*CPU).opcodeMOVAccMoff
	one[0xA1] = (*CPU).opcodeMOVAccMoff
	one[0xA2] = (*CPU).opcodeMOVMoffAcc
	one[0xA3] = (*CPU).opcodeMOVMoffAcc
	one[0xA4] = (*CPU).opcodeMOVS
	one[0xA5] = (*CPU).opcodeMOVS
	one[0xA6] = (*CPU).opcodeCMPS
	one[0xA7] = (*CPU).opcodeCMPS
	one[0xA8] = makeALImm8((*CPU).opAnd, false) // TEST
	one[0xA9] = makeAXImmv((*CPU).opAnd, false)
	one[0xAA] = (*CPU).opcodeSTOS
	one[0xAB] = (*CPU).opcodeSTOS
	one[0xAC] = (*CPU).opcodeLODS
	one[0xAD] = (*CPU).opcodeLODS
	one[0xAE] = (*CPU).opcodeSCAS
	one[0xAF] = (*CPU).opcodeSCAS

	for r := uint8(0); r < 8; r++ {
		one[0xB0+r] = makeMOVReg8Imm8(r)
		one[0xB8+r] = makeMOVRegvImmv(r)
	}

	one[0xC0] = (*CPU).opcodeGroup2
	one[0xC1] = (*CPU).opcodeGroup2
	one[0xC2] = (*CPU).opcodeRETNear
	one[0xC3] = (*CPU).opcodeRETNear
	one[0xC4] = makeLoadFarPointer(insts.ES)
	one[0xC5] = makeLoadFarPointer(insts.DS)
	one[0xC6] = (*CPU).opcodeMOVRMImm
	one[0xC7] = (*CPU).opcodeMOVRMImm
	one[0xC8] = (*CPU).opcodeENTER
	one[0xC9] = (*CPU).opcodeLEAVE
	one[0xCA] = (*CPU).opcodeRETFar
	one[0xCB] = (*CPU).opcodeRETFar
	one[0xCC] = (*CPU).opcodeINT3
	one[0xCD] = (*CPU).opcodeINTImm8
	one[0xCE] = (*CPU).opcodeINTO
	one[0xCF] = (*CPU).opcodeIRET

	one[0xD0] = (*CPU).opcodeGroup2
	one[0xD1] = (*CPU).opcodeGroup2
	one[0xD2] = (*CPU).opcodeGroup2
	one[0xD3] = (*CPU).opcodeGroup2
	one[0xD4] = (*CPU).opcodeAAM
	one[0xD5] = (*CPU).opcodeAAD
	one[0xD6] = (*CPU).opcodeSALC
	one[0xD7] = (*CPU).opcodeXLAT
	for esc := uint8(0xD8); esc <= 0xDF; esc++ {
		one[esc] = (*CPU).opcodeFPUEscape
	}

	one[0xE0] = (*CPU).opcodeLOOP
	one[0xE1] = (*CPU).opcodeLOOP
	one[0xE2] = (*CPU).opcodeLOOP
	one[0xE3] = (*CPU).opcodeJCXZ
	one[0xE4] = (*CPU).opcodeINAccImm8
	one[0xE5] = (*CPU).opcodeINAccImm8
	one[0xE6] = (*CPU).opcodeOUTImm8Acc
	one[0xE7] = (*CPU).opcodeOUTImm8Acc
	one[0xE8] = (*CPU).opcodeCALLNearRel
	one[0xE9] = (*CPU).opcodeJMPNearRel
	one[0xEA] = (*CPU).opcodeJMPFarImm
	one[0xEB] = (*CPU).opcodeJMPShortRel
	one[0xEC] = (*CPU).opcodeINAccDX
	one[0xED] = (*CPU).opcodeINAccDX
	one[0xEE] = (*CPU).opcodeOUTDXAcc
	one[0xEF] = (*CPU).opcodeOUTDXAcc

	one[0xF1] = (*CPU).opcodeICEBP
	one[0xF4] = (*CPU).opcodeHLT
	one[0xF5] = (*CPU).opcodeCMC
	one[0xF6] = (*CPU).opcodeGroup3
	one[0xF7] = (*CPU).opcodeGroup3
	one[0xF8] = (*CPU).opcodeCLC
	one[0xF9] = (*CPU).opcodeSTC
	one[0xFA] = (*CPU).opcodeCLI
	one[0xFB] = (*CPU).opcodeSTI
	one[0xFC] = (*CPU).opcodeCLD
	one[0xFD] = (*CPU).opcodeSTD
	one[0xFE] = (*CPU).opcodeGroup4
	one[0xFF] = (*CPU).opcodeGroup5

	// Two-byte map.
	two[0x00] = (*CPU).opcodeGroup6
	two[0x01] = (*CPU).opcodeGroup7
	two[0x02] = (*CPU).opcodeLAR
	two[0x03] = (*CPU).opcodeLSL
	two[0x06] = (*CPU).opcodeCLTS
	two[0x08] = (*CPU).opcodeINVD
	two[0x09] = (*CPU).opcodeINVD
	two[0x20] = (*CPU).opcodeMOVFromCR
	two[0x21] = (*CPU).opcodeMOVFromDR
	two[0x22] = (*CPU).opcodeMOVToCR
	two[0x23] = (*CPU).opcodeMOVToDR
	two[0x31] = (*CPU).opcodeRDTSC
	two[0xA0] = makePushSeg(insts.FS)
	two[0xA1] = makePopSeg(insts.FS)
	two[0xA2] = (*CPU).opcodeCPUID
	two[0xA3] = (*CPU).opcodeBT
	two[0xA4] = (*CPU).opcodeSHLD
	two[0xA5] = (*CPU).opcodeSHLD
	two[0xA8] = makePushSeg(insts.GS)
	two[0xA9] = makePopSeg(insts.GS)
	two[0xAB] = (*CPU).opcodeBTS
	two[0xAC] = (*CPU).opcodeSHRD
	two[0xAD] = (*CPU).opcodeSHRD
	two[0xAF] = (*CPU).opcodeIMULRegRM
	two[0xB2] = makeLoadFarPointer(insts.SS)
	two[0xB3] = (*CPU).opcodeBTR
	two[0xB4] = makeLoadFarPointer(insts.FS)
	two[0xB5] = makeLoadFarPointer(insts.GS)
	two[0xB6] = (*CPU).opcodeMOVZX
	two[0xB7] = (*CPU).opcodeMOVZX
	two[0xBA] = (*CPU).opcodeGroup8
	two[0xBB] = (*CPU).opcodeBTC
	two[0xBC] = (*CPU).opcodeBSF
	two[0xBD] = (*CPU).opcodeBSR
	two[0xBE] = (*CPU).opcodeMOVSX
	two[0xBF] = (*CPU).opcodeMOVSX
}

// execute runs the handler for a decoded instruction and counts the cycle.
func (c *CPU) execute(insn *insts.Instruction) error {
	if insn.Invalid {
		return invalidOpcode("undefined opcode")
	}
	var h handler
	if insn.TwoByte {
		h = twoByteHandlers[insn.Opcode]
	} else {
		h = oneByteHandlers[insn.Opcode]
	}
	if h == nil {
		return invalidOpcode("unhandled opcode")
	}
	if err := h(c, insn); err != nil {
		return err
	}
	c.cycle++
	return nil
}
