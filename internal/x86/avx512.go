package x86

// Opcode maps and mandatory prefixes for VEX/EVEX encodings.
const (
	map0F   = 1
	map0F38 = 2

	ppNone = 0
	pp66   = 1
	ppF3   = 2
	ppF2   = 3
)

// zmmTuple is the EVEX disp8*N scale for full 512-bit memory operands.
const zmmTuple = 64

// vex3 emits a three byte VEX prefix with no vvvv operand and L=0.
func (a *Assembler) vex3(w bool, mmmmm, pp, reg, base uint8) {
	b1 := byte(mmmmm)
	b1 |= (^reg >> 3 & 1) << 7
	b1 |= 1 << 6 // X̄: no index
	b1 |= (^base >> 3 & 1) << 5
	b2 := byte(0x78) | pp // v̄vvv = 1111, L = 0
	if w {
		b2 |= 0x80
	}
	a.emit(0xc4, b1, b2)
}

// evex emits a four byte EVEX prefix for a 512-bit operation without a vvvv
// operand. reg is the ModRM.reg register number (0-31). rm is either a vector
// register number (rmVec) or the base GP of a memory operand.
func (a *Assembler) evex(w bool, mm, pp, reg, rm uint8, rmVec bool, k K, zero bool) {
	p0 := byte(mm)
	p0 |= (^reg >> 3 & 1) << 7
	if rmVec {
		p0 |= (^rm >> 4 & 1) << 6
	} else {
		p0 |= 1 << 6
	}
	p0 |= (^rm >> 3 & 1) << 5
	p0 |= (^reg >> 4 & 1) << 4

	p1 := byte(0x7c) | pp // v̄vvv = 1111, fixed bit 2 set
	if w {
		p1 |= 0x80
	}

	p2 := byte(0x48) | byte(k)&7 // L'L = 10 (512-bit), V̄' = 1
	if zero {
		p2 |= 0x80
	}
	a.emit(0x62, p0, p1, p2)
}

func (a *Assembler) checkZ(z Z) bool {
	if z > 31 {
		a.fail("vector register %s out of range", z)
		return false
	}
	return true
}

func (a *Assembler) checkK(k K, write bool) bool {
	if k > K7 || (write && k == K0) {
		a.fail("invalid opmask %s", k)
		return false
	}
	return true
}

// KMOVQ moves 64 bits between a general purpose register and an opmask
// register. Supported forms: GP→K and K→GP.
func (a *Assembler) KMOVQ(src, dst Op) {
	switch s := src.(type) {
	case GP:
		d, ok := dst.(K)
		if !ok || !a.checkK(d, false) {
			a.fail("KMOVQ %s, %v", s, dst)
			return
		}
		a.vex3(true, map0F, ppF2, uint8(d), uint8(s))
		a.emit(0x92)
		a.modrmReg(uint8(d), uint8(s))
	case K:
		d, ok := dst.(GP)
		if !ok || !a.checkK(s, false) {
			a.fail("KMOVQ %s, %v", s, dst)
			return
		}
		a.vex3(true, map0F, ppF2, uint8(d), uint8(s))
		a.emit(0x93)
		a.modrmReg(uint8(d), uint8(s))
	default:
		a.fail("KMOVQ %T, %T", src, dst)
	}
}

// VMOVDQU8_Z loads 64 bytes from m into z, keeping the lanes selected by k
// and zeroing the rest. Masked-off lanes do not fault.
func (a *Assembler) VMOVDQU8_Z(m Mem, k K, z Z) {
	if !a.checkZ(z) || !a.checkK(k, true) {
		return
	}
	a.evex(false, map0F, ppF2, uint8(z), uint8(m.Base), false, k, true)
	a.emit(0x6f)
	a.modrmMem(uint8(z), m, zmmTuple)
}

// VMOVDQU8 stores all 64 bytes of z to m.
func (a *Assembler) VMOVDQU8(z Z, m Mem) {
	if !a.checkZ(z) {
		return
	}
	a.evex(false, map0F, ppF2, uint8(z), uint8(m.Base), false, K0, false)
	a.emit(0x7f)
	a.modrmMem(uint8(z), m, zmmTuple)
}

// VPEXPANDB_Z scatters the low bytes of src into the lanes of dst selected
// by k, in order, and zeroes the unselected lanes.
func (a *Assembler) VPEXPANDB_Z(src Z, k K, dst Z) {
	if !a.checkZ(src) || !a.checkZ(dst) || !a.checkK(k, true) {
		return
	}
	a.evex(false, map0F38, pp66, uint8(dst), uint8(src), true, k, true)
	a.emit(0x62)
	a.modrmReg(uint8(dst), uint8(src))
}
