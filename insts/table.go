package insts

// immKind describes how an opcode encodes an immediate operand.
type immKind uint8

const (
	immNone     immKind = iota
	immByte             // 8-bit immediate
	immWord             // 16-bit immediate regardless of operand size
	immOpSize           // 16- or 32-bit by effective operand size
	immAddrSize         // 16- or 32-bit by effective address size (moffs)
	immGroup3           // TEST forms of group 3: present only when reg is 0 or 1
)

// opcodeAttr is one row of the declarative opcode table. The decoder uses
// hasRM and the immediate kinds; the dispatcher and disassembler share the
// same rows by opcode index.
type opcodeAttr struct {
	mnemonic string
	hasRM    bool
	imm1     immKind
	imm2     immKind
	valid    bool
}

func op(name string) opcodeAttr         { return opcodeAttr{mnemonic: name, valid: true} }
func opRM(name string) opcodeAttr       { return opcodeAttr{mnemonic: name, hasRM: true, valid: true} }
func opImm(name string, k immKind) opcodeAttr {
	return opcodeAttr{mnemonic: name, imm1: k, valid: true}
}
func opRMImm(name string, k immKind) opcodeAttr {
	return opcodeAttr{mnemonic: name, hasRM: true, imm1: k, valid: true}
}

// oneByteAttrs describes the primary opcode map. Opcodes that act as
// prefixes (segment overrides, 0x66/0x67, LOCK, REP, 0x0F escape) are
// consumed before table lookup and have no row.
var oneByteAttrs = [256]opcodeAttr{
	0x00: opRM("add"), 0x01: opRM("add"), 0x02: opRM("add"), 0x03: opRM("add"),
	0x04: opImm("add", immByte), 0x05: opImm("add", immOpSize),
	0x06: op("push es"), 0x07: op("pop es"),
	0x08: opRM("or"), 0x09: opRM("or"), 0x0A: opRM("or"), 0x0B: opRM("or"),
	0x0C: opImm("or", immByte), 0x0D: opImm("or", immOpSize),
	0x0E: op("push cs"),
	0x10: opRM("adc"), 0x11: opRM("adc"), 0x12: opRM("adc"), 0x13: opRM("adc"),
	0x14: opImm("adc", immByte), 0x15: opImm("adc", immOpSize),
	0x16: op("push ss"), 0x17: op("pop ss"),
	0x18: opRM("sbb"), 0x19: opRM("sbb"), 0x1A: opRM("sbb"), 0x1B: opRM("sbb"),
	0x1C: opImm("sbb", immByte), 0x1D: opImm("sbb", immOpSize),
	0x1E: op("push ds"), 0x1F: op("pop ds"),
	0x20: opRM("and"), 0x21: opRM("and"), 0x22: opRM("and"), 0x23: opRM("and"),
	0x24: opImm("and", immByte), 0x25: opImm("and", immOpSize),
	0x27: op("daa"),
	0x28: opRM("sub"), 0x29: opRM("sub"), 0x2A: opRM("sub"), 0x2B: opRM("sub"),
	0x2C: opImm("sub", immByte), 0x2D: opImm("sub", immOpSize),
	0x2F: op("das"),
	0x30: opRM("xor"), 0x31: opRM("xor"), 0x32: opRM("xor"), 0x33: opRM("xor"),
	0x34: opImm("xor", immByte), 0x35: opImm("xor", immOpSize),
	0x37: op("aaa"),
	0x38: opRM("cmp"), 0x39: opRM("cmp"), 0x3A: opRM("cmp"), 0x3B: opRM("cmp"),
	0x3C: opImm("cmp", immByte), 0x3D: opImm("cmp", immOpSize),
	0x3F: op("aas"),
	0x40: op("inc"), 0x41: op("inc"), 0x42: op("inc"), 0x43: op("inc"),
	0x44: op("inc"), 0x45: op("inc"), 0x46: op("inc"), 0x47: op("inc"),
	0x48: op("dec"), 0x49: op("dec"), 0x4A: op("dec"), 0x4B: op("dec"),
	0x4C: op("dec"), 0x4D: op("dec"), 0x4E: op("dec"), 0x4F: op("dec"),
	0x50: op("push"), 0x51: op("push"), 0x52: op("push"), 0x53: op("push"),
	0x54: op("push"), 0x55: op("push"), 0x56: op("push"), 0x57: op("push"),
	0x58: op("pop"), 0x59: op("pop"), 0x5A: op("pop"), 0x5B: op("pop"),
	0x5C: op("pop"), 0x5D: op("pop"), 0x5E: op("pop"), 0x5F: op("pop"),
	0x60: op("pusha"), 0x61: op("popa"),
	0x62: opRM("bound"), 0x63: opRM("arpl"),
	0x68: opImm("push", immOpSize),
	0x69: opRMImm("imul", immOpSize),
	0x6A: opImm("push", immByte),
	0x6B: opRMImm("imul", immByte),
	0x6C: op("insb"), 0x6D: op("insw"), 0x6E: op("outsb"), 0x6F: op("outsw"),
	0x70: opImm("jo", immByte), 0x71: opImm("jno", immByte),
	0x72: opImm("jc", immByte), 0x73: opImm("jnc", immByte),
	0x74: opImm("jz", immByte), 0x75: opImm("jnz", immByte),
	0x76: opImm("jna", immByte), 0x77: opImm("ja", immByte),
	0x78: opImm("js", immByte), 0x79: opImm("jns", immByte),
	0x7A: opImm("jp", immByte), 0x7B: opImm("jnp", immByte),
	0x7C: opImm("jl", immByte), 0x7D: opImm("jnl", immByte),
	0x7E: opImm("jng", immByte), 0x7F: opImm("jg", immByte),
	0x80: opRMImm("grp1", immByte),
	0x81: opRMImm("grp1", immOpSize),
	0x82: opRMImm("grp1", immByte),
	0x83: opRMImm("grp1", immByte),
	0x84: opRM("test"), 0x85: opRM("test"),
	0x86: opRM("xchg"), 0x87: opRM("xchg"),
	0x88: opRM("mov"), 0x89: opRM("mov"), 0x8A: opRM("mov"), 0x8B: opRM("mov"),
	0x8C: opRM("mov"), 0x8D: opRM("lea"), 0x8E: opRM("mov"),
	0x8F: opRM("pop"),
	0x90: op("nop"),
	0x91: op("xchg"), 0x92: op("xchg"), 0x93: op("xchg"), 0x94: op("xchg"),
	0x95: op("xchg"), 0x96: op("xchg"), 0x97: op("xchg"),
	0x98: op("cbw"), 0x99: op("cwd"),
	0x9A: opcodeAttr{mnemonic: "call far", imm1: immOpSize, imm2: immWord, valid: true},
	0x9B: op("wait"),
	0x9C: op("pushf"), 0x9D: op("popf"), 0x9E: op("sahf"), 0x9F: op("lahf"),
	0xA0: opImm("mov", immAddrSize), 0xA1: opImm("mov", immAddrSize),
	0xA2: opImm("mov", immAddrSize), 0xA3: opImm("mov", immAddrSize),
	0xA4: op("movsb"), 0xA5: op("movsw"), 0xA6: op("cmpsb"), 0xA7: op("cmpsw"),
	0xA8: opImm("test", immByte), 0xA9: opImm("test", immOpSize),
	0xAA: op("stosb"), 0xAB: op("stosw"),
	0xAC: op("lodsb"), 0xAD: op("lodsw"),
	0xAE: op("scasb"), 0xAF: op("scasw"),
	0xB0: opImm("mov", immByte), 0xB1: opImm("mov", immByte),
	0xB2: opImm("mov", immByte), 0xB3: opImm("mov", immByte),
	0xB4: opImm("mov", immByte), 0xB5: opImm("mov", immByte),
	0xB6: opImm("mov", immByte), 0xB7: opImm("mov", immByte),
	0xB8: opImm("mov", immOpSize), 0xB9: opImm("mov", immOpSize),
	0xBA: opImm("mov", immOpSize), 0xBB: opImm("mov", immOpSize),
	0xBC: opImm("mov", immOpSize), 0xBD: opImm("mov", immOpSize),
	0xBE: opImm("mov", immOpSize), 0xBF: opImm("mov", immOpSize),
	0xC0: opRMImm("grp2", immByte), 0xC1: opRMImm("grp2", immByte),
	0xC2: opImm("ret", immWord), 0xC3: op("ret"),
	0xC4: opRM("les"), 0xC5: opRM("lds"),
	0xC6: opRMImm("mov", immByte), 0xC7: opRMImm("mov", immOpSize),
	0xC8: opcodeAttr{mnemonic: "enter", imm1: immWord, imm2: immByte, valid: true},
	0xC9: op("leave"),
	0xCA: opImm("retf", immWord), 0xCB: op("retf"),
	0xCC: op("int3"), 0xCD: opImm("int", immByte), 0xCE: op("into"), 0xCF: op("iret"),
	0xD0: opRM("grp2"), 0xD1: opRM("grp2"), 0xD2: opRM("grp2"), 0xD3: opRM("grp2"),
	0xD4: opImm("aam", immByte), 0xD5: opImm("aad", immByte),
	0xD6: op("salc"), 0xD7: op("xlat"),
	0xD8: opRM("esc"), 0xD9: opRM("esc"), 0xDA: opRM("esc"), 0xDB: opRM("esc"),
	0xDC: opRM("esc"), 0xDD: opRM("esc"), 0xDE: opRM("esc"), 0xDF: opRM("esc"),
	0xE0: opImm("loopne", immByte), 0xE1: opImm("loope", immByte),
	0xE2: opImm("loop", immByte), 0xE3: opImm("jcxz", immByte),
	0xE4: opImm("in", immByte), 0xE5: opImm("in", immByte),
	0xE6: opImm("out", immByte), 0xE7: opImm("out", immByte),
	0xE8: opImm("call", immOpSize), 0xE9: opImm("jmp", immOpSize),
	0xEA: opcodeAttr{mnemonic: "jmp far", imm1: immOpSize, imm2: immWord, valid: true},
	0xEB: opImm("jmp", immByte),
	0xEC: op("in"), 0xED: op("in"), 0xEE: op("out"), 0xEF: op("out"),
	0xF1: op("icebp"),
	0xF4: op("hlt"), 0xF5: op("cmc"),
	0xF6: opRMImm("grp3", immGroup3), 0xF7: opRMImm("grp3", immGroup3),
	0xF8: op("clc"), 0xF9: op("stc"),
	0xFA: op("cli"), 0xFB: op("sti"),
	0xFC: op("cld"), 0xFD: op("std"),
	0xFE: opRM("grp4"), 0xFF: opRM("grp5"),
}

// twoByteAttrs describes the 0x0F opcode map. Unlisted entries decode to an
// invalid instruction and raise #UD at dispatch.
var twoByteAttrs = [256]opcodeAttr{
	0x00: opRM("grp6"), 0x01: opRM("grp7"),
	0x02: opRM("lar"), 0x03: opRM("lsl"),
	0x06: op("clts"),
	0x08: op("invd"), 0x09: op("wbinvd"),
	0x20: opRM("mov"), 0x21: opRM("mov"), 0x22: opRM("mov"), 0x23: opRM("mov"),
	0x31: op("rdtsc"),
	0x80: opImm("jo", immOpSize), 0x81: opImm("jno", immOpSize),
	0x82: opImm("jc", immOpSize), 0x83: opImm("jnc", immOpSize),
	0x84: opImm("jz", immOpSize), 0x85: opImm("jnz", immOpSize),
	0x86: opImm("jna", immOpSize), 0x87: opImm("ja", immOpSize),
	0x88: opImm("js", immOpSize), 0x89: opImm("jns", immOpSize),
	0x8A: opImm("jp", immOpSize), 0x8B: opImm("jnp", immOpSize),
	0x8C: opImm("jl", immOpSize), 0x8D: opImm("jnl", immOpSize),
	0x8E: opImm("jng", immOpSize), 0x8F: opImm("jg", immOpSize),
	0x90: opRM("seto"), 0x91: opRM("setno"),
	0x92: opRM("setc"), 0x93: opRM("setnc"),
	0x94: opRM("setz"), 0x95: opRM("setnz"),
	0x96: opRM("setna"), 0x97: opRM("seta"),
	0x98: opRM("sets"), 0x99: opRM("setns"),
	0x9A: opRM("setp"), 0x9B: opRM("setnp"),
	0x9C: opRM("setl"), 0x9D: opRM("setnl"),
	0x9E: opRM("setng"), 0x9F: opRM("setg"),
	0xA0: op("push fs"), 0xA1: op("pop fs"),
	0xA2: op("cpuid"),
	0xA3: opRM("bt"),
	0xA4: opRMImm("shld", immByte), 0xA5: opRM("shld"),
	0xA8: op("push gs"), 0xA9: op("pop gs"),
	0xAB: opRM("bts"),
	0xAC: opRMImm("shrd", immByte), 0xAD: opRM("shrd"),
	0xAF: opRM("imul"),
	0xB2: opRM("lss"), 0xB3: opRM("btr"),
	0xB4: opRM("lfs"), 0xB5: opRM("lgs"),
	0xB6: opRM("movzx"), 0xB7: opRM("movzx"),
	0xBA: opRMImm("grp8", immByte), 0xBB: opRM("btc"),
	0xBC: opRM("bsf"), 0xBD: opRM("bsr"),
	0xBE: opRM("movsx"), 0xBF: opRM("movsx"),
}
