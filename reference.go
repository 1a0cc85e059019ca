package sparsejit

import (
	"math/bits"
	"unsafe"
)

// DecompressScalar is the reference decompressor. For every row it copies the
// next popcount(mask) stream bytes into the lanes whose mask bit is set, in
// ascending lane order, and zeroes the other lanes. After each block the
// cursor is advanced to the next 64-byte boundary of its address; the skipped
// bytes are never read.
func DecompressScalar(dst, src []byte, bitmasks []uint64, blocks int) {
	if blocks <= 0 {
		return
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(src)))
	pos := 0
	for b := 0; b < blocks; b++ {
		masks := bitmasks[b*RowsPerBlock : (b+1)*RowsPerBlock]
		out := dst[b*BlockBytes : (b+1)*BlockBytes]
		for r, m := range masks {
			row := out[r*RowBytes : (r+1)*RowBytes]
			clear(row)
			for m != 0 {
				row[bits.TrailingZeros64(m)] = src[pos]
				pos++
				m &= m - 1
			}
		}
		pos += AlignPad(base + uintptr(pos))
	}
}

// StreamLen returns the number of src bytes a decompressor may touch for
// bitmasks: every selected byte, the worst case block pads and TrailingPad.
func StreamLen(bitmasks []uint64, blocks int) int {
	return popcountRows(bitmasks[:blocks*RowsPerBlock]) + blocks*(streamAlign-1) + TrailingPad
}
