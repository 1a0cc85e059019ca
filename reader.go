package sparsejit

import (
	"errors"
	"fmt"
	"math/bits"
	"unsafe"
)

// Reader provides random access to the rows and bytes of a compressed stream
// without expanding it. Load finds the start of every block once; after that
// a byte or row is located with at most 64 popcounts.
//
// A Reader is not safe for concurrent use. Create multiple readers over the
// same stream if concurrent access is needed.
type Reader struct {
	// src and masks are the loaded stream and its row masks
	src   []byte
	masks []uint64

	// blockStart holds the stream offset of every block
	blockStart []int

	// blocks is the number of blocks in the stream
	blocks int

	// pos is the next row for sequential iteration
	pos int

	// loaded indicates if the reader has been loaded with data
	loaded bool
}

// ErrInvalidBuffer is returned when a stream or its masks are too short.
var ErrInvalidBuffer = errors.New("sparsejit: invalid buffer")

// ErrNotLoaded is returned when operations are called before Load().
var ErrNotLoaded = errors.New("sparsejit: reader not loaded")

// ErrPositionOutOfRange is returned when accessing a position beyond the stream.
var ErrPositionOutOfRange = errors.New("sparsejit: position out of range")

// NewReader creates an empty Reader that must be loaded with Load() before use.
func NewReader() *Reader {
	return &Reader{}
}

// Load a compressed stream of blocks blocks into the reader. It resets all
// internal state and can be called multiple times to reuse the reader. src
// is not copied and must stay at the address it was compressed for.
func (r *Reader) Load(src []byte, bitmasks []uint64, blocks int) error {
	r.loaded = false
	if blocks < 0 {
		return fmt.Errorf("%w: negative block count %d", ErrInvalidBuffer, blocks)
	}
	if len(bitmasks) < blocks*RowsPerBlock {
		return fmt.Errorf("%w: need %d mask words, got %d", ErrInvalidBuffer, blocks*RowsPerBlock, len(bitmasks))
	}
	starts, end := blockStarts(r.blockStart[:0], src, bitmasks, blocks)
	// The pad after the last block is never read.
	if blocks > 0 {
		end = starts[blocks-1] + popcountRows(bitmasks[(blocks-1)*RowsPerBlock:blocks*RowsPerBlock])
	}
	if len(src) < end {
		return fmt.Errorf("%w: stream needs %d bytes, got %d", ErrInvalidBuffer, end, len(src))
	}

	r.src = src
	r.masks = bitmasks[:blocks*RowsPerBlock]
	r.blockStart = starts
	r.blocks = blocks
	r.pos = 0
	r.loaded = true
	return nil
}

// IsLoaded returns whether the reader has been loaded with data.
func (r *Reader) IsLoaded() bool {
	return r.loaded
}

// Len returns the number of dense bytes in the stream.
func (r *Reader) Len() int {
	return r.blocks * BlockBytes
}

// Rows returns the number of rows in the stream.
func (r *Reader) Rows() int {
	return r.blocks * RowsPerBlock
}

// Pos returns the next row for sequential iteration.
func (r *Reader) Pos() int {
	return r.pos
}

// Reset resets the reader position to the first row.
func (r *Reader) Reset() {
	r.pos = 0
}

// rowStart returns the stream offset of the first byte of row.
func (r *Reader) rowStart(row int) int {
	b := row / RowsPerBlock
	return r.blockStart[b] + popcountRows(r.masks[b*RowsPerBlock:row])
}

// Get returns the dense byte at pos.
// Returns an error if the reader is not loaded or pos is out of range.
func (r *Reader) Get(pos int) (byte, error) {
	if !r.loaded {
		return 0, ErrNotLoaded
	}
	if pos < 0 || pos >= r.Len() {
		return 0, ErrPositionOutOfRange
	}
	row, lane := pos/RowBytes, pos%RowBytes
	m := r.masks[row]
	if m&(1<<lane) == 0 {
		return 0, nil
	}
	rank := bits.OnesCount64(m & (1<<lane - 1))
	return r.src[r.rowStart(row)+rank], nil
}

// GetSafe returns the dense byte at pos and whether the position is valid.
// Returns (0, false) if the reader is not loaded or pos is out of range.
func (r *Reader) GetSafe(pos int) (byte, bool) {
	val, err := r.Get(pos)
	return val, err == nil
}

// Row expands row into dst, which must hold RowBytes bytes.
func (r *Reader) Row(dst []byte, row int) error {
	if !r.loaded {
		return ErrNotLoaded
	}
	if row < 0 || row >= r.Rows() {
		return ErrPositionOutOfRange
	}
	out := dst[:RowBytes]
	clear(out)
	pos := r.rowStart(row)
	for m := r.masks[row]; m != 0; m &= m - 1 {
		out[bits.TrailingZeros64(m)] = r.src[pos]
		pos++
	}
	return nil
}

// Next expands the next row into dst and returns its index.
// Returns (0, false) if not loaded or no rows are left.
func (r *Reader) Next(dst []byte) (row int, ok bool) {
	if !r.loaded || r.pos >= r.Rows() {
		return 0, false
	}
	row = r.pos
	// Row cannot fail for an in-range row of a loaded reader.
	_ = r.Row(dst, row)
	r.pos++
	return row, true
}

// Decode expands the whole stream into dst with Decompress.
// If dst has insufficient capacity, a new slice is allocated.
// Returns nil if the reader is not loaded.
func (r *Reader) Decode(dst []byte) []byte {
	if !r.loaded {
		return nil
	}
	n := r.Len()
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	if len(r.src) >= StreamLen(r.masks, r.blocks) {
		Decompress(dst, r.src, r.masks, r.blocks)
		return dst
	}
	// Streams without trailing padding are expanded row by row.
	for row := 0; row < r.Rows(); row++ {
		_ = r.Row(dst[row*RowBytes:], row)
	}
	return dst
}

// blockStarts appends the stream offset of every block to starts and also
// returns the offset after the last block's pad. It replays the cursor
// arithmetic of the decompressors on src's address.
func blockStarts(starts []int, src []byte, bitmasks []uint64, blocks int) ([]int, int) {
	base := uintptr(unsafe.Pointer(unsafe.SliceData(src)))
	pos := 0
	for b := 0; b < blocks; b++ {
		starts = append(starts, pos)
		pos += popcountRows(bitmasks[b*RowsPerBlock : (b+1)*RowsPerBlock])
		pos += AlignPad(base + uintptr(pos))
	}
	return starts, pos
}

func popcountRows(masks []uint64) int {
	n := 0
	for _, m := range masks {
		n += bits.OnesCount64(m)
	}
	return n
}
