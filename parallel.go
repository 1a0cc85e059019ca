package sparsejit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ParallelDecompressor splits a stream of blocks into chunks and expands the
// chunks concurrently with generated kernels.
//
// Chunks only differ in where they start in the stream. Because block pads
// depend on absolute addresses, the start of every chunk is found by a scalar
// popcount pass over the masks before any kernel runs.
type ParallelDecompressor struct {
	blocks      int
	chunkBlocks int
	workers     int

	chunk *Kernel // chunkBlocks blocks, nil if blocks < chunkBlocks
	tail  *Kernel // blocks % chunkBlocks blocks, nil if zero

	mu     sync.RWMutex
	closed bool
}

// NewParallelDecompressor generates the kernels for expanding blocks blocks
// in chunks of chunkBlocks with at most workers chunks in flight.
func NewParallelDecompressor(blocks, chunkBlocks, workers int, opts ...Option) (*ParallelDecompressor, error) {
	switch {
	case blocks < 0:
		return nil, fmt.Errorf("%w: negative block count %d", ErrInvalidConfig, blocks)
	case chunkBlocks <= 0:
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfig, chunkBlocks)
	case workers <= 0:
		return nil, fmt.Errorf("%w: worker count must be positive, got %d", ErrInvalidConfig, workers)
	}
	pd := &ParallelDecompressor{blocks: blocks, chunkBlocks: chunkBlocks, workers: workers}

	var err error
	if blocks >= chunkBlocks {
		if pd.chunk, err = NewKernel(chunkBlocks, opts...); err != nil {
			return nil, err
		}
	}
	if rem := blocks % chunkBlocks; rem > 0 {
		if pd.tail, err = NewKernel(rem, opts...); err != nil {
			pd.Close()
			return nil, err
		}
	}
	return pd, nil
}

// Blocks reports the total number of blocks expanded per call.
func (pd *ParallelDecompressor) Blocks() int { return pd.blocks }

// chunkStarts returns the stream offset of the first byte of every chunk.
func (pd *ParallelDecompressor) chunkStarts(src []byte, bitmasks []uint64) []int {
	blocks, _ := blockStarts(make([]int, 0, pd.blocks), src, bitmasks, pd.blocks)
	starts := make([]int, 0, (pd.blocks+pd.chunkBlocks-1)/pd.chunkBlocks)
	for b := 0; b < pd.blocks; b += pd.chunkBlocks {
		starts = append(starts, blocks[b])
	}
	return starts
}

// Decompress expands all blocks into dst. It stops scheduling chunks once ctx
// is done and returns ctx's error; chunks already running complete.
func (pd *ParallelDecompressor) Decompress(ctx context.Context, dst, src []byte, bitmasks []uint64) error {
	pd.mu.RLock()
	defer pd.mu.RUnlock()
	if pd.closed {
		return ErrClosed
	}
	if pd.blocks == 0 {
		return nil
	}
	checkDense(dst, bitmasks, pd.blocks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pd.workers)

	for c, start := range pd.chunkStarts(src, bitmasks) {
		if gctx.Err() != nil {
			break
		}
		first := c * pd.chunkBlocks
		k := pd.chunk
		if pd.blocks-first < pd.chunkBlocks {
			k = pd.tail
		}
		n := k.Blocks()
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			k.Decompress(
				dst[first*BlockBytes:(first+n)*BlockBytes],
				src[start:],
				bitmasks[first*RowsPerBlock:(first+n)*RowsPerBlock],
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Close releases both kernels. Decompress returns ErrClosed afterwards.
func (pd *ParallelDecompressor) Close() error {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.closed {
		return nil
	}
	pd.closed = true

	var errs []error
	for _, k := range []*Kernel{pd.chunk, pd.tail} {
		if k != nil {
			errs = append(errs, k.Close())
		}
	}
	return errors.Join(errs...)
}
