//go:build avogen
// +build avogen

package main

import (
	. "github.com/mmcloughlin/avo/build"
	. "github.com/mmcloughlin/avo/operand"
	"github.com/mmcloughlin/avo/reg"
)

// This file generates the static AVX-512 expand kernel used by Decompress.
//
// Unlike the runtime generated kernels it expands straight from memory:
// VPEXPANDB with a memory source reads only as many bytes as the mask has set
// bits, so no separate load mask is needed. The cursor still advances by the
// popcount of each row and is rounded up to 64 bytes after every block, here
// with the shorter (-cur) & 63 form.

const (
	rowsPerBlock = 64
	rowBytes     = 64
	unroll       = 4
)

func genExpandBlocksKernel() {
	TEXT("expandBlocksAVX512", NOSPLIT, "func(dst *byte, src *byte, masks *uint64, blocks int)")
	Pragma("noescape")
	Doc("expandBlocksAVX512 expands blocks blocks of 64 rows from src into dst.")
	Doc("Row i uses masks[i] as VPEXPANDB mask and consumes popcount(masks[i]) bytes")
	Doc("of src. After each block src is rounded up to a multiple of 64.")
	Doc("Requires AVX512F, AVX512BW, AVX512VBMI2 and POPCNT.")

	dst := Load(Param("dst"), GP64())
	src := Load(Param("src"), GP64())
	maskPtr := Load(Param("masks"), GP64())
	blocks := Load(Param("blocks"), GP64())

	blockLoop := "expand_block_loop"
	groupLoop := "expand_group_loop"
	done := "expand_done"

	TESTQ(blocks, blocks)
	JZ(LabelRef(done))

	Label(blockLoop)
	groups := GP64()
	MOVQ(U32(rowsPerBlock/unroll), groups)

	// Independent registers per unrolled row.
	var rows, ks, vecs [unroll]reg.Register
	for u := 0; u < unroll; u++ {
		rows[u] = GP64()
		ks[u] = K()
		vecs[u] = ZMM()
	}

	Label(groupLoop)
	for u := 0; u < unroll; u++ {
		MOVQ(Mem{Base: maskPtr, Disp: 8 * u}, rows[u])
	}
	for u := 0; u < unroll; u++ {
		KMOVQ(rows[u], ks[u])
		VPEXPANDB_Z(Mem{Base: src}, ks[u], vecs[u])
		POPCNTQ(rows[u], rows[u])
		ADDQ(rows[u], src)
	}
	for u := 0; u < unroll; u++ {
		VMOVDQU8(vecs[u], Mem{Base: dst, Disp: rowBytes * u})
	}
	ADDQ(U8(8*unroll), maskPtr)
	ADDQ(U32(rowBytes*unroll), dst)
	DECQ(groups)
	JNZ(LabelRef(groupLoop))

	Comment("Round src up to the next 64-byte boundary")
	pad := GP64()
	MOVQ(src, pad)
	NEGQ(pad)
	ANDQ(U8(rowBytes-1), pad)
	ADDQ(pad, src)
	DECQ(blocks)
	JNZ(LabelRef(blockLoop))

	Label(done)
	VZEROUPPER()
	RET()
}
