package sparsejit

import (
	"math/bits"
	"unsafe"
)

// Bitmasks returns one mask word per 64-byte row of dense with a bit set for
// every non-zero byte. A trailing partial row is ignored.
func Bitmasks(dense []byte) []uint64 {
	masks := make([]uint64, len(dense)/RowBytes)
	for r := range masks {
		var m uint64
		for i, b := range dense[r*RowBytes : (r+1)*RowBytes] {
			if b != 0 {
				m |= 1 << i
			}
		}
		masks[r] = m
	}
	return masks
}

// CompressedBound returns a dst size that Compress can fill for any blocks
// blocks, including block pads and TrailingPad.
func CompressedBound(blocks int) int {
	return blocks*(BlockBytes+streamAlign-1) + TrailingPad
}

// Compress is the inverse of DecompressScalar. It writes the bytes of dense
// selected by bitmasks to dst in row and lane order and skips to the next
// 64-byte address boundary of dst after every block, zero filling the gap.
// It returns the stream offset after the last block, which is how far a
// decompressor advances its cursor.
//
// The block pads depend on dst's address: the stream must be decompressed
// from the same buffer (or one with the same address modulo 64). dst must
// hold CompressedBound(blocks) bytes.
func Compress(dst, dense []byte, bitmasks []uint64, blocks int) int {
	if blocks <= 0 {
		return 0
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(dst)))
	pos := 0
	for b := 0; b < blocks; b++ {
		for r, m := range bitmasks[b*RowsPerBlock : (b+1)*RowsPerBlock] {
			row := dense[(b*RowsPerBlock+r)*RowBytes:][:RowBytes]
			for m != 0 {
				dst[pos] = row[bits.TrailingZeros64(m)]
				pos++
				m &= m - 1
			}
		}
		pad := AlignPad(base + uintptr(pos))
		clear(dst[pos : pos+pad])
		pos += pad
	}
	return pos
}
