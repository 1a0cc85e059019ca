package sparsejit

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadReader is a test helper that creates and loads a Reader.
func loadReader(f fixture) (*Reader, error) {
	r := NewReader()
	if err := r.Load(f.stream, f.masks, f.blocks); err != nil {
		return nil, err
	}
	return r, nil
}

// Example demonstrates random access into a compressed stream.
func ExampleReader() {
	dense := make([]byte, BlockBytes)
	copy(dense[RowBytes:], []byte{0, 7, 0, 9})
	dense[200] = 42
	masks := Bitmasks(dense)
	stream := make([]byte, CompressedBound(1))
	Compress(stream, dense, masks, 1)

	r := NewReader()
	if err := r.Load(stream, masks, 1); err != nil {
		panic(err)
	}
	v, _ := r.Get(67)
	fmt.Println("Get(67):", v)
	v, _ = r.Get(200)
	fmt.Println("Get(200):", v)

	row := make([]byte, RowBytes)
	_ = r.Row(row, 1)
	fmt.Println("Row(1):", row[:4])

	// Output:
	// Get(67): 9
	// Get(200): 42
	// Row(1): [0 7 0 9]
}

func TestReaderGet(t *testing.T) {
	f := newFixture(t, 5, 0.3, 31)
	r, err := loadReader(f)
	require.NoError(t, err)
	assert.True(t, r.IsLoaded())
	assert.Equal(t, len(f.dense), r.Len())
	assert.Equal(t, 5*RowsPerBlock, r.Rows())

	for pos, want := range f.dense {
		got, err := r.Get(pos)
		require.NoError(t, err)
		if got != want {
			assert.Failf(t, "Get", "pos %d: got %d, want %d", pos, got, want)
			return
		}
	}
}

func TestReaderRowsAndNext(t *testing.T) {
	f := newFixture(t, 3, 0.5, 32)
	r, err := loadReader(f)
	require.NoError(t, err)

	row := make([]byte, RowBytes)
	for i := 0; i < r.Rows(); i += 37 {
		require.NoError(t, r.Row(row, i))
		assert.Equalf(t, f.dense[i*RowBytes:(i+1)*RowBytes], row, "row %d", i)
	}

	n := 0
	for i, ok := r.Next(row); ok; i, ok = r.Next(row) {
		assert.Equal(t, n, i)
		assert.Equalf(t, f.dense[i*RowBytes:(i+1)*RowBytes], row, "row %d", i)
		n++
	}
	assert.Equal(t, r.Rows(), n)
	assert.Equal(t, r.Rows(), r.Pos())

	r.Reset()
	assert.Equal(t, 0, r.Pos())
	i, ok := r.Next(row)
	assert.True(t, ok)
	assert.Equal(t, 0, i)
}

func TestReaderDecode(t *testing.T) {
	f := newFixture(t, 4, 0.3, 33)
	r, err := loadReader(f)
	require.NoError(t, err)
	assert.Equal(t, f.dense, r.Decode(nil))

	buf := make([]byte, 0, len(f.dense)+10)
	out := r.Decode(buf)
	assert.Equal(t, f.dense, out)
	assert.Equal(t, &buf[:1][0], &out[0], "capacity is reused")

	// Without trailing padding the stream is expanded row by row.
	require.NoError(t, r.Load(f.stream[:f.used], f.masks, f.blocks))
	assert.Equal(t, f.dense, r.Decode(nil))
}

func TestReaderErrors(t *testing.T) {
	r := NewReader()
	_, err := r.Get(0)
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.Nil(t, r.Decode(nil))
	_, ok := r.Next(make([]byte, RowBytes))
	assert.False(t, ok)
	assert.ErrorIs(t, r.Row(make([]byte, RowBytes), 0), ErrNotLoaded)

	f := newFixture(t, 2, 0.3, 34)
	assert.ErrorIs(t, r.Load(f.stream, f.masks[:10], 2), ErrInvalidBuffer)
	assert.ErrorIs(t, r.Load(f.stream, f.masks, -1), ErrInvalidBuffer)
	assert.ErrorIs(t, r.Load(f.stream[:10], f.masks, 2), ErrInvalidBuffer)
	assert.False(t, r.IsLoaded())

	require.NoError(t, r.Load(f.stream, f.masks, 2))
	_, err = r.Get(-1)
	assert.ErrorIs(t, err, ErrPositionOutOfRange)
	_, ok = r.GetSafe(2 * BlockBytes)
	assert.False(t, ok)
	assert.ErrorIs(t, r.Row(make([]byte, RowBytes), 2*RowsPerBlock), ErrPositionOutOfRange)
}

func BenchmarkReaderGet(b *testing.B) {
	f := newFixture(b, 100, 0.3, 1)
	r, err := loadReader(f)
	require.NoError(b, err)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = r.Get((i * 7919) % r.Len())
	}
}
