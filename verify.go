package sparsejit

import "fmt"

// MismatchError reports the first output byte where a decompressor
// disagrees with DecompressScalar.
type MismatchError struct {
	Offset int
	Want   byte
	Got    byte
}

func (e *MismatchError) Error() string {
	block, rest := e.Offset/BlockBytes, e.Offset%BlockBytes
	return fmt.Sprintf("sparsejit: output differs at offset %d (block %d row %d lane %d): want %#02x, got %#02x",
		e.Offset, block, rest/RowBytes, rest%RowBytes, e.Want, e.Got)
}

// poison fills dst before a candidate runs so that bytes it fails to write
// show up as mismatches.
const poison = 0xEE

// Verify runs the scalar reference into a scratch buffer and d into dst, and
// compares the first blocks*BlockBytes bytes. dst is filled with a non-zero
// byte first, so every output byte, zero rows included, must be written. It
// returns a *MismatchError for the first differing byte and nil when the
// outputs are identical.
func Verify(d Decompressor, dst, src []byte, bitmasks []uint64, blocks int) error {
	n := blocks * BlockBytes
	want := make([]byte, n)
	DecompressScalar(want, src, bitmasks, blocks)

	got := dst[:n]
	for i := range got {
		got[i] = poison
	}
	d.Decompress(dst, src, bitmasks)

	for i := range want {
		if want[i] != got[i] {
			return &MismatchError{Offset: i, Want: want[i], Got: got[i]}
		}
	}
	return nil
}
