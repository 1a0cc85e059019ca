package sparsejit

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/Akron/sparsejit/internal/x86"
)

// Strategy selects how a kernel body is laid out in memory.
type Strategy int

const (
	// LoopEmission emits one group of Unroll rows inside runtime loops over
	// groups and blocks. Code size does not depend on the block count.
	LoopEmission Strategy = iota
	// FullyUnrolled emits every row of every block with fixed displacements.
	// Code size grows linearly with the block count.
	FullyUnrolled
)

func (s Strategy) String() string {
	switch s {
	case LoopEmission:
		return "loop"
	case FullyUnrolled:
		return "unrolled"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy maps the names printed by Strategy.String back to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(name) {
	case "loop":
		return LoopEmission, nil
	case "unrolled":
		return FullyUnrolled, nil
	default:
		return 0, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, name)
	}
}

// role names a register use in the kernel. Emission code asks the role table
// for registers instead of naming physical registers directly.
type role int

const (
	roleParams role = iota
	roleSource
	roleDestination
	roleBitmask
	roleLoadMask
	rolePopSave
	roleCount // popcount of the current row, doubles as CL for shifts
	roleAlign
	roleBlocks
	roleGroups
	numRoles
)

var roles = [numRoles]x86.GP{
	roleParams:      x86.RDI,
	roleSource:      x86.R8,
	roleDestination: x86.R9,
	roleBitmask:     x86.R10,
	roleLoadMask:    x86.R11,
	rolePopSave:     x86.R12,
	roleCount:       x86.RCX,
	roleAlign:       x86.RDX,
	roleBlocks:      x86.RBX,
	roleGroups:      x86.RSI,
}

// Per-slot registers of an unrolled group. Slot u of a group uses
// rowSlots[u], maskSlots[u] and vecSlots[u] only.
var (
	rowSlots  = [Unroll]x86.GP{x86.R13, x86.R14, x86.R15, x86.RAX}
	maskSlots = [Unroll]x86.K{x86.K1, x86.K2, x86.K3, x86.K4}
	vecSlots  = [Unroll]x86.Z{0, 1, 2, 3}
)

// groupsPerBlock is the trip count of the LoopEmission group loop.
const groupsPerBlock = RowsPerBlock / Unroll

// config is a validated kernel shape.
type config struct {
	blocks       int
	rowsPerBlock int
	unroll       int
	strategy     Strategy
}

func newConfig(blocks int, o options) (config, error) {
	c := config{
		blocks:       blocks,
		rowsPerBlock: o.rowsPerBlock,
		unroll:       o.unroll,
		strategy:     o.strategy,
	}
	if c.rowsPerBlock == 0 {
		c.rowsPerBlock = RowsPerBlock
	}
	if c.unroll == 0 {
		c.unroll = Unroll
	}
	switch {
	case blocks < 0:
		return config{}, fmt.Errorf("%w: negative block count %d", ErrInvalidConfig, blocks)
	case c.rowsPerBlock != RowsPerBlock:
		return config{}, fmt.Errorf("%w: rows per block must be %d, got %d", ErrInvalidConfig, RowsPerBlock, c.rowsPerBlock)
	case c.unroll != Unroll:
		return config{}, fmt.Errorf("%w: unroll must be %d, got %d", ErrInvalidConfig, Unroll, c.unroll)
	}
	switch c.strategy {
	case LoopEmission:
		if blocks > math.MaxInt32 {
			return config{}, fmt.Errorf("%w: %d blocks exceed the loop counter", ErrInvalidConfig, blocks)
		}
	case FullyUnrolled:
		// The last row's destination displacement must fit in a disp32.
		if blocks > 0 && int64(blocks)*BlockBytes-RowBytes > math.MaxInt32 {
			return config{}, fmt.Errorf("%w: %d blocks overflow unrolled displacements", ErrInvalidConfig, blocks)
		}
	default:
		return config{}, fmt.Errorf("%w: unknown strategy %d", ErrInvalidConfig, int(c.strategy))
	}
	return c, nil
}

// savedRegisters lists every general purpose register the kernel writes, in
// push order. The params register is only read.
func savedRegisters() []x86.GP {
	var regs []x86.GP
	for r, gp := range roles {
		if role(r) != roleParams {
			regs = append(regs, gp)
		}
	}
	regs = append(regs, rowSlots[:]...)
	slices.Sort(regs)
	return slices.Compact(regs)
}

// generate emits the machine code of a kernel for c.
func generate(c config) ([]byte, error) {
	a := x86.New(codeSizeHint(c))
	saved := savedRegisters()

	emitPrologue(a, saved)
	switch c.strategy {
	case LoopEmission:
		emitLooped(a, c.blocks)
	case FullyUnrolled:
		emitUnrolled(a, c.blocks)
	}
	emitEpilogue(a, saved)

	return a.Bytes()
}

// codeSizeHint over-estimates the emitted size. A row is at most 90 bytes.
func codeSizeHint(c config) int {
	const frame, row = 256, 90
	if c.strategy == FullyUnrolled {
		return frame + c.blocks*RowsPerBlock*row
	}
	return frame + Unroll*row
}

func emitPrologue(a *x86.Assembler, saved []x86.GP) {
	for _, r := range saved {
		a.PUSHQ(r)
	}
	// Opmask registers go through a general purpose register that has
	// already been saved.
	scratch := rowSlots[Unroll-1]
	for _, k := range maskSlots {
		a.KMOVQ(k, scratch)
		a.PUSHQ(scratch)
	}

	params := roles[roleParams]
	a.MOVQ(x86.Mem{Base: params, Disp: paramsSource}, roles[roleSource])
	a.MOVQ(x86.Mem{Base: params, Disp: paramsBitmask}, roles[roleBitmask])
	a.MOVQ(x86.Mem{Base: params, Disp: paramsDestination}, roles[roleDestination])
}

func emitEpilogue(a *x86.Assembler, saved []x86.GP) {
	scratch := rowSlots[Unroll-1]
	for i := len(maskSlots) - 1; i >= 0; i-- {
		a.POPQ(scratch)
		a.KMOVQ(scratch, maskSlots[i])
	}
	for i := len(saved) - 1; i >= 0; i-- {
		a.POPQ(saved[i])
	}
	a.VZEROUPPER()
	a.RET()
}

// emitLooped emits a block loop around a group loop around one unrolled
// group. The bitmask and destination registers advance after every group.
func emitLooped(a *x86.Assembler, blocks int) {
	if blocks == 0 {
		return
	}
	blockCounter, groupCounter := roles[roleBlocks], roles[roleGroups]

	a.MOVQ(x86.Imm(blocks), blockCounter)
	blockLoop := a.NewLabel("expand_block_loop")
	a.Bind(blockLoop)
	a.MOVQ(x86.Imm(groupsPerBlock), groupCounter)

	groupLoop := a.NewLabel("expand_group_loop")
	a.Bind(groupLoop)
	for u := 0; u < Unroll; u++ {
		emitRow(a, u, int32(u*8), int32(u*RowBytes))
	}
	a.ADDQ(x86.Imm(Unroll*8), roles[roleBitmask])
	a.ADDQ(x86.Imm(Unroll*RowBytes), roles[roleDestination])
	a.DECQ(groupCounter)
	a.JNZ(groupLoop)

	emitAlign(a)
	a.DECQ(blockCounter)
	a.JNZ(blockLoop)
}

// emitUnrolled emits every row with displacements from the base pointers,
// which never move.
func emitUnrolled(a *x86.Assembler, blocks int) {
	for b := 0; b < blocks; b++ {
		for r := 0; r < RowsPerBlock; r++ {
			row := b*RowsPerBlock + r
			emitRow(a, r%Unroll, int32(row*8), int32(row*RowBytes))
		}
		emitAlign(a)
	}
}

// emitRow expands one row using the registers of slot u. maskDisp and
// dstDisp locate the row's mask word and output relative to the bitmask and
// destination registers.
func emitRow(a *x86.Assembler, u int, maskDisp, dstDisp int32) {
	m, k, z := rowSlots[u], maskSlots[u], vecSlots[u]
	src, count := roles[roleSource], roles[roleCount]

	a.MOVQ(x86.Mem{Base: roles[roleBitmask], Disp: maskDisp}, m)
	a.POPCNTQ(m, count)
	emitLoadMask(a, k)
	a.VMOVDQU8_Z(x86.Mem{Base: src}, k, z)
	a.ADDQ(count, src)
	a.KMOVQ(m, k)
	a.VPEXPANDB_Z(z, k, z)
	a.VMOVDQU8(z, x86.Mem{Base: roles[roleDestination], Disp: dstDisp})
}

// emitLoadMask sets k to the low P bits, P being the popcount in the count
// register. The shift is split as in LoadMask so that P = 64 yields all
// ones. The count register holds P again on exit.
func emitLoadMask(a *x86.Assembler, k x86.K) {
	count, save, t := roles[roleCount], roles[rolePopSave], roles[roleLoadMask]

	a.MOVQ(count, save)
	a.MOVQ(x86.Imm(1), t)
	a.SHRQ(x86.Imm(1), count)
	a.SHLQ(count, t)
	a.SHLQ(count, t)
	a.MOVQ(save, count)
	a.ANDQ(x86.Imm(1), count)
	a.SHLQ(count, t)
	a.SUBQ(x86.Imm(1), t)
	a.MOVQ(save, count)
	a.KMOVQ(t, k)
}

// emitAlign rounds the source cursor up to the next 64-byte boundary, the
// same computation as AlignPad.
func emitAlign(a *x86.Assembler) {
	src, d := roles[roleSource], roles[roleAlign]

	a.MOVQ(src, d)
	a.NOTQ(d)
	a.ANDQ(x86.Imm(streamAlign-1), d)
	a.ADDQ(x86.Imm(1), d)
	a.ANDQ(x86.Imm(streamAlign-1), d)
	a.ADDQ(d, src)
}
