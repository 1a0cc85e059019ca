package sparsejit

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

// fixture is a dense buffer together with its masks and compressed stream.
type fixture struct {
	dense  []byte
	masks  []uint64
	stream []byte
	used   int
	blocks int
}

// newFixture fills blocks blocks with bytes that are non-zero with
// probability density and compresses them. Every tenth row is forced empty
// and every seventh row full so both edge cases show up in any block.
func newFixture(t testing.TB, blocks int, density float64, seed uint64) fixture {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed+1))
	dense := make([]byte, blocks*BlockBytes)
	for r := 0; r < blocks*RowsPerBlock; r++ {
		row := dense[r*RowBytes : (r+1)*RowBytes]
		switch {
		case r%10 == 9:
			continue
		case r%7 == 6:
			for i := range row {
				row[i] = byte(1 + rng.IntN(255))
			}
		default:
			for i := range row {
				if rng.Float64() < density {
					row[i] = byte(1 + rng.IntN(255))
				}
			}
		}
	}
	masks := Bitmasks(dense)
	stream := make([]byte, CompressedBound(blocks))
	used := Compress(stream, dense, masks, blocks)
	return fixture{dense: dense, masks: masks, stream: stream, used: used, blocks: blocks}
}

// fiveRowMasks is a block whose first rows cover a partial nibble, a partial
// byte, an empty row, a full row and the top lane only. The remaining rows
// alternate between even and odd lanes.
func fiveRowMasks() []uint64 {
	masks := make([]uint64, RowsPerBlock)
	copy(masks, []uint64{0xF, 0xFF, 0, ^uint64(0), 1 << 63})
	for r := 5; r < RowsPerBlock; r++ {
		if r%2 == 1 {
			masks[r] = 0x5555555555555555
		} else {
			masks[r] = 0xAAAAAAAAAAAAAAAA
		}
	}
	return masks
}

// fiveRowStream returns a stream for fiveRowMasks whose bytes count up from
// 1 and wrap past 255 to 1 again.
func fiveRowStream(masks []uint64) []byte {
	stream := make([]byte, StreamLen(masks, 1))
	for i := range stream {
		stream[i] = byte(1 + i%255)
	}
	return stream
}

// checkFiveRows asserts the first five rows of a block expanded from
// fiveRowStream.
func checkFiveRows(t *testing.T, dst []byte) {
	t.Helper()
	want := make([]byte, 5*RowBytes)
	for i := 0; i < 4; i++ {
		want[i] = byte(1 + i)
	}
	for i := 0; i < 8; i++ {
		want[RowBytes+i] = byte(5 + i)
	}
	for i := 0; i < RowBytes; i++ {
		want[3*RowBytes+i] = byte(13 + i)
	}
	want[4*RowBytes+63] = 77
	for r := 0; r < 5; r++ {
		assert.Equalf(t, want[r*RowBytes:(r+1)*RowBytes], dst[r*RowBytes:(r+1)*RowBytes], "row %d", r)
	}
}
