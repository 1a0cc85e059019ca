// Package sparsejit decompresses bitmask-sparsified byte streams into dense
// buffers with AVX-512 byte expand.
//
// A dense buffer is a sequence of blocks of 64 rows of 64 bytes. Each row has
// a 64-bit mask: bit i set means byte i is the next byte of the compressed
// stream, clear means the byte is zero. The stream holds only the selected
// bytes, row after row, and the stream cursor is rounded up to the next
// 64-byte address boundary after every block.
//
// NewKernel emits a machine code routine specialized for a block count at
// runtime. Decompress is the package-level entry point that dispatches to a
// static AVX-512 kernel when the CPU supports it and to the scalar reference
// otherwise. Both must produce output byte-identical to DecompressScalar.
package sparsejit

import (
	"errors"
)

// Layout constants. A kernel is parametrized by the number of blocks only;
// rows per block and the unroll factor are fixed.
const (
	// RowsPerBlock is the number of 64-byte rows (and mask words) in a block.
	RowsPerBlock = 64
	// RowBytes is the width of one row and of one zmm register.
	RowBytes = 64
	// BlockBytes is the dense size of one block.
	BlockBytes = RowsPerBlock * RowBytes
	// Unroll is the number of rows emitted per group with independent registers.
	Unroll = 4

	// streamAlign is the boundary the cursor is rounded up to after each block.
	streamAlign = 64
	// TrailingPad is the number of readable bytes callers must provide past
	// the last consumed stream byte. Masked loads never fault on the lanes
	// they skip, but Go slices still need to cover them.
	TrailingPad = 64
)

var (
	// ErrUnsupported is returned when the host cannot run generated kernels.
	ErrUnsupported = errors.New("sparsejit: unsupported platform")
	// ErrInvalidConfig is returned for kernel configurations that cannot be generated.
	ErrInvalidConfig = errors.New("sparsejit: invalid configuration")
	// ErrClosed is returned when using a kernel or driver after Close.
	ErrClosed = errors.New("sparsejit: closed")
)

// Params is the record a generated kernel receives in RDI. The layout is
// part of the kernel ABI: three consecutive 8-byte words.
type Params struct {
	Source      *byte   // offset 0, compressed stream cursor
	Bitmask     *uint64 // offset 8, first row mask
	Destination *byte   // offset 16, dense output
}

// Field offsets of Params as seen by generated code.
const (
	paramsSource      = 0
	paramsBitmask     = 8
	paramsDestination = 16
)

// Decompressor is implemented by every decompression path that can be
// checked with Verify.
type Decompressor interface {
	Decompress(dst, src []byte, bitmasks []uint64)
}

// DecompressorFunc adapts a plain function to Decompressor.
type DecompressorFunc func(dst, src []byte, bitmasks []uint64)

// Decompress calls f.
func (f DecompressorFunc) Decompress(dst, src []byte, bitmasks []uint64) { f(dst, src, bitmasks) }

// decompressBlocks is the package-level dispatch target. It starts as the
// scalar reference and is replaced by initSIMDSelection when a vector kernel
// is available.
var decompressBlocks func(dst, src []byte, bitmasks []uint64, blocks int) = DecompressScalar

var simdAvailable bool

func init() {
	initSIMDSelection()
}

// IsSIMDavailable reports whether Decompress uses the AVX-512 expand kernel.
func IsSIMDavailable() bool {
	return simdAvailable
}

// Decompress expands blocks blocks from src into dst using the fastest
// available static implementation. dst must hold blocks*BlockBytes bytes,
// bitmasks blocks*RowsPerBlock words and src at least StreamLen bytes.
func Decompress(dst, src []byte, bitmasks []uint64, blocks int) {
	decompressBlocks(dst, src, bitmasks, blocks)
}

// checkDense panics when dst or bitmasks are too short for blocks. The
// stream length is not checked since that needs a popcount pass.
func checkDense(dst []byte, bitmasks []uint64, blocks int) {
	if len(dst) < blocks*BlockBytes {
		panic("sparsejit: destination shorter than blocks*BlockBytes")
	}
	if len(bitmasks) < blocks*RowsPerBlock {
		panic("sparsejit: fewer bitmask words than blocks*RowsPerBlock")
	}
}
