package insts

// CodeFetcher supplies the instruction byte stream. The execution engine's
// implementation reads through CS:EIP via the MMU and advances EIP, so a
// fetch can fail with an architectural exception (#PF, #GP) which the
// decoder propagates unchanged.
type CodeFetcher interface {
	NextByte() (uint8, error)
}

// Decoder decodes 80386 machine code into Instruction values.
type Decoder struct{}

// NewDecoder creates a new instruction decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode consumes one instruction from f. The o32 and a32 arguments are the
// operand- and address-size defaults from the current code segment; 0x66 and
// 0x67 prefixes invert them for this instruction only.
//
// An undefined opcode yields an Instruction with Invalid set rather than an
// error; only fetch failures are returned as errors.
func (d *Decoder) Decode(f CodeFetcher, o32, a32 bool) (*Instruction, error) {
	s := stream{f: f}
	insn := &Instruction{
		SegOverride: SegNone,
		O32:         o32,
		A32:         a32,
	}

	opcode, err := d.consumePrefixes(&s, insn, o32, a32)
	if err != nil {
		return nil, err
	}

	attrs := &oneByteAttrs
	if opcode == 0x0F {
		insn.TwoByte = true
		opcode, err = s.next8()
		if err != nil {
			return nil, err
		}
		attrs = &twoByteAttrs
	}
	insn.Opcode = opcode

	attr := attrs[opcode]
	if !attr.valid {
		insn.Invalid = true
		insn.Length = s.length
		return insn, nil
	}

	if attr.hasRM {
		if err := d.decodeModRM(&s, insn); err != nil {
			return nil, err
		}
	}

	if insn.Imm1, insn.Imm1Bits, err = d.decodeImmediate(&s, insn, attr.imm1); err != nil {
		return nil, err
	}
	if insn.Imm2, insn.Imm2Bits, err = d.decodeImmediate(&s, insn, attr.imm2); err != nil {
		return nil, err
	}

	insn.Length = s.length
	return insn, nil
}

// consumePrefixes reads prefix bytes until it hits the opcode, which it
// returns. Segment overrides latch, repeated size prefixes are idempotent
// (each occurrence selects the inverse of the segment default).
func (d *Decoder) consumePrefixes(s *stream, insn *Instruction, o32, a32 bool) (uint8, error) {
	for {
		b, err := s.next8()
		if err != nil {
			return 0, err
		}
		switch b {
		case 0x26:
			insn.SegOverride = ES
		case 0x2E:
			insn.SegOverride = CS
		case 0x36:
			insn.SegOverride = SS
		case 0x3E:
			insn.SegOverride = DS
		case 0x64:
			insn.SegOverride = FS
		case 0x65:
			insn.SegOverride = GS
		case 0x66:
			insn.O32 = !o32
		case 0x67:
			insn.A32 = !a32
		case 0xF0:
			insn.Lock = true
		case 0xF2:
			insn.Rep = RepNE
		case 0xF3:
			insn.Rep = Rep
		default:
			return b, nil
		}
	}
}

// decodeModRM reads the ModR/M byte plus any SIB byte and displacement.
func (d *Decoder) decodeModRM(s *stream, insn *Instruction) error {
	b, err := s.next8()
	if err != nil {
		return err
	}
	insn.ModRM = ModRM(b)
	insn.HasModRM = true

	if insn.ModRM.IsRegister() {
		return nil
	}
	if insn.A32 {
		return d.decodeEA32(s, insn)
	}
	return d.decodeEA16(s, insn)
}

// decodeEA16 applies the 16-bit addressing displacement rules:
// mod=00 has no displacement except rm=110 (disp16), mod=01 disp8,
// mod=10 disp16.
func (d *Decoder) decodeEA16(s *stream, insn *Instruction) error {
	switch insn.ModRM.Mod() {
	case 0:
		if insn.ModRM.RM() == 6 {
			return s.disp16(insn)
		}
	case 1:
		return s.disp8(insn)
	case 2:
		return s.disp16(insn)
	}
	return nil
}

// decodeEA32 applies the 32-bit rules: rm=100 introduces a SIB byte;
// mod=00 rm=101 (or SIB base=101 with mod=00) is disp32-only; mod=01
// disp8, mod=10 disp32.
func (d *Decoder) decodeEA32(s *stream, insn *Instruction) error {
	mod, rm := insn.ModRM.Mod(), insn.ModRM.RM()

	if rm == 4 {
		sib, err := s.next8()
		if err != nil {
			return err
		}
		insn.SIB = sib
		insn.HasSIB = true
		if mod == 0 && sib&7 == 5 {
			return s.disp32(insn)
		}
	}

	switch mod {
	case 0:
		if rm == 5 {
			return s.disp32(insn)
		}
	case 1:
		return s.disp8(insn)
	case 2:
		return s.disp32(insn)
	}
	return nil
}

func (d *Decoder) decodeImmediate(s *stream, insn *Instruction, k immKind) (uint32, uint8, error) {
	switch k {
	case immByte:
		v, err := s.next8()
		return uint32(v), 8, err
	case immWord:
		v, err := s.next16()
		return uint32(v), 16, err
	case immOpSize:
		if insn.O32 {
			v, err := s.next32()
			return v, 32, err
		}
		v, err := s.next16()
		return uint32(v), 16, err
	case immAddrSize:
		if insn.A32 {
			v, err := s.next32()
			return v, 32, err
		}
		v, err := s.next16()
		return uint32(v), 16, err
	case immGroup3:
		// Only the TEST rows of group 3 carry an immediate.
		if insn.ModRM.Reg() > 1 {
			return 0, 0, nil
		}
		if insn.Opcode == 0xF6 {
			v, err := s.next8()
			return uint32(v), 8, err
		}
		if insn.O32 {
			v, err := s.next32()
			return v, 32, err
		}
		v, err := s.next16()
		return uint32(v), 16, err
	}
	return 0, 0, nil
}

// stream counts consumed bytes and assembles little-endian words.
type stream struct {
	f      CodeFetcher
	length uint8
}

func (s *stream) next8() (uint8, error) {
	b, err := s.f.NextByte()
	if err != nil {
		return 0, err
	}
	s.length++
	return b, nil
}

func (s *stream) next16() (uint16, error) {
	lo, err := s.next8()
	if err != nil {
		return 0, err
	}
	hi, err := s.next8()
	if err != nil {
		return 0, err
	}
	return uint16(hi)<<8 | uint16(lo), nil
}

func (s *stream) next32() (uint32, error) {
	lo, err := s.next16()
	if err != nil {
		return 0, err
	}
	hi, err := s.next16()
	if err != nil {
		return 0, err
	}
	return uint32(hi)<<16 | uint32(lo), nil
}

func (s *stream) disp8(insn *Instruction) error {
	v, err := s.next8()
	if err != nil {
		return err
	}
	insn.Disp = uint32(int32(int8(v)))
	insn.DispBits = 8
	return nil
}

func (s *stream) disp16(insn *Instruction) error {
	v, err := s.next16()
	if err != nil {
		return err
	}
	insn.Disp = uint32(v)
	insn.DispBits = 16
	return nil
}

func (s *stream) disp32(insn *Instruction) error {
	v, err := s.next32()
	if err != nil {
		return err
	}
	insn.Disp = v
	insn.DispBits = 32
	return nil
}
