package sparsejit

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emulator interprets the instruction subset the generator emits so that
// generated code can be checked against the reference on any host. Memory
// accesses are resolved against registered Go buffers and fail the run when
// they fall outside of them, including masked-off lanes.
type emulator struct {
	gp    [16]uint64
	k     [8]uint64
	z     [32][RowBytes]byte
	stack []uint64
	zf    bool

	regions []emuRegion
}

type emuRegion struct {
	name string
	base uintptr
	buf  []byte
}

type emuFault struct{ msg string }

func (e *emulator) faultf(format string, args ...any) {
	panic(emuFault{fmt.Sprintf(format, args...)})
}

func (e *emulator) mapBytes(name string, b []byte) {
	if len(b) == 0 {
		return
	}
	e.regions = append(e.regions, emuRegion{name: name, base: uintptr(unsafe.Pointer(&b[0])), buf: b})
}

func (e *emulator) mem(addr uint64, n int) []byte {
	for _, r := range e.regions {
		if uintptr(addr) >= r.base && uintptr(addr)+uintptr(n) <= r.base+uintptr(len(r.buf)) {
			off := uintptr(addr) - r.base
			return r.buf[off : off+uintptr(n)]
		}
	}
	e.faultf("access of %d bytes at %#x outside mapped memory", n, addr)
	return nil
}

// run executes code from offset 0 until the outermost RET.
func (e *emulator) run(code []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f, ok := r.(emuFault)
			if !ok {
				panic(r)
			}
			err = fmt.Errorf("emulator: %s", f.msg)
		}
	}()
	pc := 0
	for {
		next, done := e.step(code, pc)
		if done {
			return nil
		}
		pc = next
	}
}

// modrm decodes a ModRM byte at code[i] and its SIB and displacement. It
// returns the reg field, the rm register or base, the displacement, whether
// the operand is a register and the offset after the operand bytes.
func (e *emulator) modrm(code []byte, i int, dispScale int32) (reg, rm uint8, disp int32, direct bool, next int) {
	b := code[i]
	mod, reg, rm := b>>6, b>>3&7, b&7
	i++
	if mod == 3 {
		return reg, rm, 0, true, i
	}
	if rm == 4 {
		if code[i] != 0x24 {
			e.faultf("unsupported SIB %#x", code[i])
		}
		i++
	}
	switch mod {
	case 0:
		if rm == 5 {
			e.faultf("RIP-relative addressing")
		}
	case 1:
		disp = int32(int8(code[i])) * dispScale
		i++
	case 2:
		disp = int32(binary.LittleEndian.Uint32(code[i:]))
		i += 4
	}
	return reg, rm, disp, false, i
}

func (e *emulator) load64(addr uint64) uint64 {
	return binary.NativeEndian.Uint64(e.mem(addr, 8))
}

func (e *emulator) setZF(v uint64) uint64 {
	e.zf = v == 0
	return v
}

func (e *emulator) step(code []byte, pc int) (next int, done bool) {
	op := code[pc]
	switch {
	case op >= 0x50 && op <= 0x57:
		e.stack = append(e.stack, e.gp[op-0x50])
		return pc + 1, false
	case op >= 0x58 && op <= 0x5f:
		e.gp[op-0x58] = e.pop()
		return pc + 1, false
	case op == 0x41 && code[pc+1] >= 0x50 && code[pc+1] <= 0x57:
		e.stack = append(e.stack, e.gp[8+code[pc+1]-0x50])
		return pc + 2, false
	case op == 0x41 && code[pc+1] >= 0x58 && code[pc+1] <= 0x5f:
		e.gp[8+code[pc+1]-0x58] = e.pop()
		return pc + 2, false
	case op >= 0x48 && op <= 0x4f:
		return e.stepRexW(code, pc), false
	case op == 0xf3:
		return e.stepPopcnt(code, pc), false
	case op == 0xc4:
		return e.stepKmov(code, pc), false
	case op == 0xc5 && code[pc+1] == 0xf8 && code[pc+2] == 0x77:
		for i := 0; i < 16; i++ {
			clear(e.z[i][16:])
		}
		return pc + 3, false
	case op == 0x62:
		return e.stepEvex(code, pc), false
	case op == 0x0f && code[pc+1] == 0x85:
		rel := int32(binary.LittleEndian.Uint32(code[pc+2:]))
		if !e.zf {
			return pc + 6 + int(rel), false
		}
		return pc + 6, false
	case op == 0xc3:
		if len(e.stack) != 0 {
			e.faultf("ret with %d words on the stack", len(e.stack))
		}
		return 0, true
	}
	e.faultf("unknown opcode %#x at %d", op, pc)
	return 0, false
}

func (e *emulator) pop() uint64 {
	if len(e.stack) == 0 {
		e.faultf("pop from empty stack")
	}
	v := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	return v
}

func (e *emulator) stepRexW(code []byte, pc int) int {
	rex := code[pc]
	rexR, rexB := (rex>>2&1)<<3, (rex&1)<<3
	op := code[pc+1]
	reg, rm, disp, direct, next := e.modrm(code, pc+2, 1)
	reg |= rexR
	rm |= rexB
	if !direct && op != 0x8b {
		e.faultf("memory operand for opcode %#x", op)
	}
	switch op {
	case 0x89:
		e.gp[rm] = e.gp[reg]
	case 0x8b:
		e.gp[reg] = e.load64(e.gp[rm] + uint64(int64(disp)))
	case 0xc7:
		e.gp[rm] = uint64(int64(int32(binary.LittleEndian.Uint32(code[next:]))))
		next += 4
	case 0x01:
		e.gp[rm] = e.setZF(e.gp[rm] + e.gp[reg])
	case 0x29:
		e.gp[rm] = e.setZF(e.gp[rm] - e.gp[reg])
	case 0x21:
		e.gp[rm] = e.setZF(e.gp[rm] & e.gp[reg])
	case 0x83, 0x81:
		var imm uint64
		if op == 0x83 {
			imm = uint64(int64(int8(code[next])))
			next++
		} else {
			imm = uint64(int64(int32(binary.LittleEndian.Uint32(code[next:]))))
			next += 4
		}
		switch reg & 7 {
		case 0:
			e.gp[rm] = e.setZF(e.gp[rm] + imm)
		case 5:
			e.gp[rm] = e.setZF(e.gp[rm] - imm)
		case 4:
			e.gp[rm] = e.setZF(e.gp[rm] & imm)
		default:
			e.faultf("group 1 /%d", reg&7)
		}
	case 0xd1, 0xc1, 0xd3:
		var count uint64
		switch op {
		case 0xd1:
			count = 1
		case 0xc1:
			count = uint64(code[next])
			next++
		case 0xd3:
			count = e.gp[1]
		}
		count &= 63 // hardware count masking
		if count == 0 {
			break
		}
		switch reg & 7 {
		case 4:
			e.gp[rm] = e.setZF(e.gp[rm] << count)
		case 5:
			e.gp[rm] = e.setZF(e.gp[rm] >> count)
		default:
			e.faultf("group 2 /%d", reg&7)
		}
	case 0xf7:
		if reg&7 != 2 {
			e.faultf("group 3 /%d", reg&7)
		}
		e.gp[rm] = ^e.gp[rm]
	case 0xff:
		if reg&7 != 1 {
			e.faultf("group 5 /%d", reg&7)
		}
		e.gp[rm] = e.setZF(e.gp[rm] - 1)
	default:
		e.faultf("unknown REX.W opcode %#x", op)
	}
	return next
}

func (e *emulator) stepPopcnt(code []byte, pc int) int {
	rex := code[pc+1]
	if rex&0xf8 != 0x48 || code[pc+2] != 0x0f || code[pc+3] != 0xb8 {
		e.faultf("unknown F3 sequence at %d", pc)
	}
	reg, rm, _, direct, next := e.modrm(code, pc+4, 1)
	if !direct {
		e.faultf("popcnt from memory")
	}
	reg |= (rex >> 2 & 1) << 3
	rm |= (rex & 1) << 3
	e.gp[reg] = e.setZF(uint64(bits.OnesCount64(e.gp[rm])))
	return next
}

func (e *emulator) stepKmov(code []byte, pc int) int {
	b1, b2, op := code[pc+1], code[pc+2], code[pc+3]
	if b1&0x1f != 1 || b2 != 0xfb {
		e.faultf("unknown VEX prefix %#x %#x", b1, b2)
	}
	reg, rm, _, direct, next := e.modrm(code, pc+4, 1)
	if !direct {
		e.faultf("kmovq memory form")
	}
	switch op {
	case 0x92: // k <- gp
		e.k[reg] = e.gp[rm|(^b1>>5&1)<<3]
	case 0x93: // gp <- k
		e.gp[reg|(^b1>>7&1)<<3] = e.k[rm]
	default:
		e.faultf("unknown VEX opcode %#x", op)
	}
	return next
}

func (e *emulator) stepEvex(code []byte, pc int) int {
	p0, p1, p2, op := code[pc+1], code[pc+2], code[pc+3], code[pc+4]
	if p1&0x7f != 0x7f && p1&0x7f != 0x7d || p2&0x68 != 0x48 {
		e.faultf("unsupported EVEX prefix %#x %#x %#x", p0, p1, p2)
	}
	k, zero := p2&7, p2&0x80 != 0
	reg, rm, disp, direct, next := e.modrm(code, pc+5, RowBytes)
	reg |= (^p0>>7&1)<<3 | (^p0>>4&1)<<4
	rm |= (^p0 >> 5 & 1) << 3

	switch {
	case p0&3 == 1 && op == 0x6f && !direct:
		if k == 0 || !zero {
			e.faultf("vmovdqu8 load needs a zeroing mask")
		}
		base := e.gp[rm] + uint64(int64(disp))
		mask := e.k[k]
		var v [RowBytes]byte
		for i := 0; i < RowBytes; i++ {
			if mask>>i&1 != 0 {
				v[i] = e.mem(base+uint64(i), 1)[0]
			}
		}
		e.z[reg] = v
	case p0&3 == 1 && op == 0x7f && !direct:
		if k != 0 {
			e.faultf("masked store")
		}
		copy(e.mem(e.gp[rm]+uint64(int64(disp)), RowBytes), e.z[reg][:])
	case p0&3 == 2 && op == 0x62 && direct:
		if k == 0 || !zero {
			e.faultf("vpexpandb needs a zeroing mask")
		}
		rm |= (^p0 >> 6 & 1) << 4
		src, mask := e.z[rm], e.k[k]
		var v [RowBytes]byte
		j := 0
		for i := 0; i < RowBytes; i++ {
			if mask>>i&1 != 0 {
				v[i] = src[j]
				j++
			}
		}
		e.z[reg] = v
	default:
		e.faultf("unknown EVEX instruction map %d opcode %#x", p0&3, op)
	}
	return next
}

// runEmulated runs code as a kernel over the given buffers and checks the
// calling convention.
func runEmulated(t *testing.T, code []byte, dst, src []byte, masks []uint64) {
	t.Helper()
	if unsafe.Sizeof(uintptr(0)) != 8 {
		t.Skip("kernel ABI needs 64-bit pointers")
	}
	p := &Params{Destination: unsafe.SliceData(dst), Source: unsafe.SliceData(src), Bitmask: unsafe.SliceData(masks)}

	e := &emulator{}
	e.mapBytes("params", unsafe.Slice((*byte)(unsafe.Pointer(p)), unsafe.Sizeof(*p)))
	e.mapBytes("dst", dst)
	e.mapBytes("src", src)
	if len(masks) > 0 {
		e.mapBytes("masks", unsafe.Slice((*byte)(unsafe.Pointer(&masks[0])), len(masks)*8))
	}
	for i := range e.gp {
		e.gp[i] = 0x1111_1111_1111_1111 * uint64(i+1)
	}
	e.gp[7] = uint64(uintptr(unsafe.Pointer(p)))
	for i := range e.k {
		e.k[i] = ^uint64(i)
	}
	gp, k := e.gp, e.k

	require.NoError(t, e.run(code))
	assert.Equal(t, gp, e.gp, "general purpose registers must be preserved")
	assert.Equal(t, k, e.k, "opmask registers must be preserved")
	for i := 0; i < 16; i++ {
		assert.Equalf(t, make([]byte, RowBytes-16), e.z[i][16:], "upper state of zmm%d", i)
	}
}

func TestEmulatedKernelFiveRows(t *testing.T) {
	masks := fiveRowMasks()
	stream := fiveRowStream(masks)
	for _, s := range []Strategy{LoopEmission, FullyUnrolled} {
		t.Run(s.String(), func(t *testing.T) {
			code, err := Generate(1, WithStrategy(s))
			require.NoError(t, err)
			dst := make([]byte, BlockBytes)
			runEmulated(t, code, dst, stream, masks)
			checkFiveRows(t, dst)

			want := make([]byte, BlockBytes)
			DecompressScalar(want, stream, masks, 1)
			assert.Equal(t, want, dst)
		})
	}
}

func TestEmulatedKernelMatchesScalar(t *testing.T) {
	tests := []struct {
		strategy Strategy
		blocks   int
	}{
		{LoopEmission, 0},
		{LoopEmission, 1},
		{LoopEmission, 4},
		{LoopEmission, 1000},
		{FullyUnrolled, 0},
		{FullyUnrolled, 1},
		{FullyUnrolled, 4},
		{FullyUnrolled, 40},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.strategy, tt.blocks), func(t *testing.T) {
			f := newFixture(t, tt.blocks, 0.35, uint64(100+i))
			code, err := Generate(tt.blocks, WithStrategy(tt.strategy))
			require.NoError(t, err)

			// The stream is mapped only up to the last byte a masked load can
			// select, so any over-read faults.
			dst := make([]byte, tt.blocks*BlockBytes)
			runEmulated(t, code, dst, f.stream[:f.used+TrailingPad], f.masks)
			assert.Equal(t, f.dense, dst)
		})
	}
}

// Masked loads must not touch bytes past the last selected one, so a stream
// without trailing padding still expands when its last row is short.
func TestEmulatedKernelNoOverRead(t *testing.T) {
	masks := make([]uint64, RowsPerBlock)
	masks[RowsPerBlock-1] = 0b1011
	src := []byte{7, 8, 9}
	code, err := Generate(1)
	require.NoError(t, err)

	dst := make([]byte, BlockBytes)
	runEmulated(t, code, dst, src, masks)
	assert.Equal(t, []byte{7, 8, 0, 9}, dst[BlockBytes-RowBytes:BlockBytes-RowBytes+4])
}
