// Package x86 is a small x86-64 machine code assembler for the instructions
// the sparse expand kernels need.
//
// Method names and operand order follow the Go assembler (and avo): sources
// first, destination last, size suffixes on general purpose instructions and
// a _Z suffix for zeroing-masked AVX-512 forms. The assembler only covers the
// operand shapes the kernel generator emits; anything else is recorded as an
// error and reported by Bytes.
package x86

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrEncoding is returned by Bytes when an instruction could not be encoded.
var ErrEncoding = errors.New("x86: cannot encode instruction")

// GP is a 64-bit general purpose register.
type GP uint8

const (
	RAX GP = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var gpNames = [16]string{
	"AX", "CX", "DX", "BX", "SP", "BP", "SI", "DI",
	"R8", "R9", "R10", "R11", "R12", "R13", "R14", "R15",
}

func (r GP) String() string {
	if int(r) < len(gpNames) {
		return gpNames[r]
	}
	return fmt.Sprintf("GP(%d)", uint8(r))
}

// K is an AVX-512 opmask register. K0 cannot be used as a write mask.
type K uint8

const (
	K0 K = iota
	K1
	K2
	K3
	K4
	K5
	K6
	K7
)

func (k K) String() string { return fmt.Sprintf("K%d", uint8(k)) }

// Z is a 512-bit vector register (Z0-Z31).
type Z uint8

func (z Z) String() string { return fmt.Sprintf("Z%d", uint8(z)) }

// Mem is a [Base+Disp] memory operand. Index registers are not supported.
type Mem struct {
	Base GP
	Disp int32
}

func (m Mem) String() string {
	if m.Disp == 0 {
		return fmt.Sprintf("(%s)", m.Base)
	}
	return fmt.Sprintf("%d(%s)", m.Disp, m.Base)
}

// Imm is an immediate operand.
type Imm int64

// Op is any operand accepted by the polymorphic instructions.
type Op interface{}

// Label marks a position in the instruction stream. Labels may be
// referenced before they are bound.
type Label struct {
	name   string
	pos    int
	bound  bool
	fixups []int // offsets of rel32 fields waiting for pos
}

// Assembler accumulates encoded instructions.
type Assembler struct {
	buf    []byte
	labels []*Label
	err    error
}

// New returns an assembler with room for sizeHint bytes.
func New(sizeHint int) *Assembler {
	return &Assembler{buf: make([]byte, 0, sizeHint)}
}

// Len reports the number of bytes emitted so far.
func (a *Assembler) Len() int { return len(a.buf) }

// Bytes returns the encoded machine code. It fails if any instruction could
// not be encoded or a referenced label was never bound.
func (a *Assembler) Bytes() ([]byte, error) {
	if a.err != nil {
		return nil, a.err
	}
	for _, l := range a.labels {
		if !l.bound && len(l.fixups) > 0 {
			return nil, fmt.Errorf("%w: label %q referenced but not bound", ErrEncoding, l.name)
		}
	}
	return a.buf, nil
}

func (a *Assembler) fail(format string, args ...any) {
	if a.err == nil {
		a.err = fmt.Errorf("%w: "+format, append([]any{ErrEncoding}, args...)...)
	}
}

func (a *Assembler) emit(b ...byte) { a.buf = append(a.buf, b...) }

func (a *Assembler) emit32(v int32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, uint32(v))
}

// NewLabel creates an unbound label.
func (a *Assembler) NewLabel(name string) *Label {
	l := &Label{name: name}
	a.labels = append(a.labels, l)
	return l
}

// Bind attaches l to the current position and patches earlier references.
func (a *Assembler) Bind(l *Label) {
	if l.bound {
		a.fail("label %q bound twice", l.name)
		return
	}
	l.pos = len(a.buf)
	l.bound = true
	for _, at := range l.fixups {
		a.patchRel32(at, l.pos)
	}
	l.fixups = nil
}

// patchRel32 writes target relative to the end of the rel32 field at.
func (a *Assembler) patchRel32(at, target int) {
	rel := int64(target) - int64(at+4)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		a.fail("branch displacement %d out of range", rel)
		return
	}
	binary.LittleEndian.PutUint32(a.buf[at:], uint32(int32(rel)))
}

func (a *Assembler) branch(opcode []byte, l *Label) {
	a.emit(opcode...)
	at := len(a.buf)
	a.emit32(0)
	if l.bound {
		a.patchRel32(at, l.pos)
		return
	}
	l.fixups = append(l.fixups, at)
}

// JNZ jumps to l when ZF is clear.
func (a *Assembler) JNZ(l *Label) { a.branch([]byte{0x0f, 0x85}, l) }

// RET returns to the caller.
func (a *Assembler) RET() { a.emit(0xc3) }

// VZEROUPPER clears the upper bits of all vector registers.
func (a *Assembler) VZEROUPPER() { a.emit(0xc5, 0xf8, 0x77) }

func fitsInt8(v int64) bool { return v >= math.MinInt8 && v <= math.MaxInt8 }

func fitsInt32(v int64) bool { return v >= math.MinInt32 && v <= math.MaxInt32 }
