package x86

// rex emits a REX prefix. It is omitted when no bit is set.
func (a *Assembler) rex(w bool, reg, index, base uint8) {
	b := byte(0x40)
	if w {
		b |= 0x08
	}
	b |= (reg >> 3 & 1) << 2
	b |= (index >> 3 & 1) << 1
	b |= base >> 3 & 1
	if b != 0x40 {
		a.emit(b)
	}
}

// modrmReg emits a register-direct ModRM byte.
func (a *Assembler) modrmReg(reg, rm uint8) {
	a.emit(0xc0 | (reg&7)<<3 | rm&7)
}

// modrmMem emits ModRM, SIB and displacement for m. disp8 values are scaled
// by n, which is 1 for legacy encodings and the tuple size for EVEX.
func (a *Assembler) modrmMem(reg uint8, m Mem, n int32) {
	base := uint8(m.Base) & 7
	var mod byte
	var disp8 bool
	switch {
	case m.Disp == 0 && base != 5:
		mod = 0
	case m.Disp%n == 0 && fitsInt8(int64(m.Disp/n)):
		mod, disp8 = 1, true
	default:
		mod = 2
	}
	a.emit(mod<<6 | (reg&7)<<3 | base)
	if base == 4 {
		// SIB with no index, base in ModRM.rm.
		a.emit(0x24)
	}
	switch {
	case disp8:
		a.emit(byte(int8(m.Disp / n)))
	case mod == 2:
		a.emit32(m.Disp)
	}
}

// PUSHQ pushes r.
func (a *Assembler) PUSHQ(r GP) {
	a.rex(false, 0, 0, uint8(r))
	a.emit(0x50 + uint8(r)&7)
}

// POPQ pops into r.
func (a *Assembler) POPQ(r GP) {
	a.rex(false, 0, 0, uint8(r))
	a.emit(0x58 + uint8(r)&7)
}

// MOVQ copies src into dst. Supported forms: GP→GP, Mem→GP, Imm→GP.
func (a *Assembler) MOVQ(src Op, dst GP) {
	switch s := src.(type) {
	case GP:
		a.rex(true, uint8(s), 0, uint8(dst))
		a.emit(0x89)
		a.modrmReg(uint8(s), uint8(dst))
	case Mem:
		a.rex(true, uint8(dst), 0, uint8(s.Base))
		a.emit(0x8b)
		a.modrmMem(uint8(dst), s, 1)
	case Imm:
		if !fitsInt32(int64(s)) {
			a.fail("MOVQ immediate %d does not fit in 32 bits", int64(s))
			return
		}
		a.rex(true, 0, 0, uint8(dst))
		a.emit(0xc7)
		a.modrmReg(0, uint8(dst))
		a.emit32(int32(s))
	default:
		a.fail("MOVQ %T, %s", src, dst)
	}
}

// arith emits one of the group-1 integer instructions (ADD, SUB, AND, ...).
// ext is the ModRM.reg extension for immediate forms, rr the opcode of the
// register form.
func (a *Assembler) arith(name string, ext uint8, rr byte, src Op, dst GP) {
	switch s := src.(type) {
	case GP:
		a.rex(true, uint8(s), 0, uint8(dst))
		a.emit(rr)
		a.modrmReg(uint8(s), uint8(dst))
	case Imm:
		switch {
		case fitsInt8(int64(s)):
			a.rex(true, 0, 0, uint8(dst))
			a.emit(0x83)
			a.modrmReg(ext, uint8(dst))
			a.emit(byte(int8(s)))
		case fitsInt32(int64(s)):
			a.rex(true, 0, 0, uint8(dst))
			a.emit(0x81)
			a.modrmReg(ext, uint8(dst))
			a.emit32(int32(s))
		default:
			a.fail("%s immediate %d does not fit in 32 bits", name, int64(s))
		}
	default:
		a.fail("%s %T, %s", name, src, dst)
	}
}

// ADDQ adds src to dst.
func (a *Assembler) ADDQ(src Op, dst GP) { a.arith("ADDQ", 0, 0x01, src, dst) }

// SUBQ subtracts src from dst.
func (a *Assembler) SUBQ(src Op, dst GP) { a.arith("SUBQ", 5, 0x29, src, dst) }

// ANDQ ands src into dst.
func (a *Assembler) ANDQ(src Op, dst GP) { a.arith("ANDQ", 4, 0x21, src, dst) }

// shift emits a group-2 shift. src is either an Imm or CX.
func (a *Assembler) shift(name string, ext uint8, src Op, dst GP) {
	switch s := src.(type) {
	case GP:
		if s != RCX {
			a.fail("%s count must be in CX, got %s", name, s)
			return
		}
		a.rex(true, 0, 0, uint8(dst))
		a.emit(0xd3)
		a.modrmReg(ext, uint8(dst))
	case Imm:
		if s < 0 || s > 63 {
			a.fail("%s count %d out of range", name, int64(s))
			return
		}
		a.rex(true, 0, 0, uint8(dst))
		if s == 1 {
			a.emit(0xd1)
			a.modrmReg(ext, uint8(dst))
			return
		}
		a.emit(0xc1)
		a.modrmReg(ext, uint8(dst))
		a.emit(byte(s))
	default:
		a.fail("%s %T, %s", name, src, dst)
	}
}

// SHLQ shifts dst left. The hardware masks a CX count to its low 6 bits.
func (a *Assembler) SHLQ(src Op, dst GP) { a.shift("SHLQ", 4, src, dst) }

// SHRQ shifts dst right (logical).
func (a *Assembler) SHRQ(src Op, dst GP) { a.shift("SHRQ", 5, src, dst) }

// NOTQ complements r.
func (a *Assembler) NOTQ(r GP) {
	a.rex(true, 0, 0, uint8(r))
	a.emit(0xf7)
	a.modrmReg(2, uint8(r))
}

// DECQ decrements r and sets ZF when it reaches zero.
func (a *Assembler) DECQ(r GP) {
	a.rex(true, 0, 0, uint8(r))
	a.emit(0xff)
	a.modrmReg(1, uint8(r))
}

// POPCNTQ stores the number of set bits of src in dst.
func (a *Assembler) POPCNTQ(src, dst GP) {
	a.emit(0xf3)
	a.rex(true, uint8(dst), 0, uint8(src))
	a.emit(0x0f, 0xb8)
	a.modrmReg(uint8(dst), uint8(src))
}
