package sparsejit

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Kernel is a generated decompression routine for a fixed number of blocks.
//
// A Kernel holds no state between calls and may be called concurrently as
// long as the calls use disjoint destination buffers. Close must not run
// concurrently with, or before the end of, any call.
type Kernel struct {
	code     *codeBuffer
	blocks   int
	strategy Strategy

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewKernel generates, maps and returns a kernel that expands blocks blocks
// per call. It fails with ErrUnsupported when the host lacks AVX-512
// (F, BW and VBMI2), POPCNT or executable memory, and with ErrInvalidConfig
// for shapes that cannot be generated.
func NewKernel(blocks int, opts ...Option) (*Kernel, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	m := newMetrics(o.registerer)
	logger := log.With(o.logger, "component", "sparsejit", "strategy", o.strategy, "blocks", blocks)

	if err := checkKernelSupport(); err != nil {
		m.observeFailure(reasonUnsupported)
		level.Warn(logger).Log("msg", "kernel generation unavailable", "err", err)
		return nil, err
	}
	cfg, err := newConfig(blocks, o)
	if err != nil {
		m.observeFailure(reasonConfig)
		level.Warn(logger).Log("msg", "invalid kernel configuration", "err", err)
		return nil, err
	}

	start := time.Now()
	code, err := generate(cfg)
	if err != nil {
		m.observeFailure(reasonEncoding)
		level.Warn(logger).Log("msg", "kernel emission failed", "err", err)
		return nil, fmt.Errorf("sparsejit: emit kernel: %w", err)
	}
	buf, err := newCodeBuffer(code)
	if err != nil {
		m.observeFailure(reasonMapping)
		level.Warn(logger).Log("msg", "mapping kernel code failed", "err", err)
		return nil, err
	}
	took := time.Since(start)

	m.observeGenerated(cfg.strategy, len(code), took)
	level.Debug(logger).Log("msg", "kernel generated", "code_bytes", len(code), "duration", took)

	return &Kernel{code: buf, blocks: cfg.blocks, strategy: cfg.strategy}, nil
}

// Call runs the kernel on p. The kernel reads Blocks()*RowsPerBlock mask
// words from p.Bitmask, writes Blocks()*BlockBytes bytes to p.Destination and
// reads at most StreamLen bytes from p.Source. Nothing is validated.
//
// Call panics if the kernel has been closed.
func (k *Kernel) Call(p *Params) {
	if k.closed.Load() {
		panic("sparsejit: kernel called after Close")
	}
	callKernel(k.code.entry(), p)
}

// Decompress runs the kernel over slices, with the same semantics and
// argument order as DecompressScalar for Blocks() blocks.
func (k *Kernel) Decompress(dst, src []byte, bitmasks []uint64) {
	if k.blocks == 0 {
		return
	}
	checkDense(dst, bitmasks, k.blocks)
	p := Params{
		Source:      &src[0],
		Bitmask:     &bitmasks[0],
		Destination: &dst[0],
	}
	k.Call(&p)
	runtime.KeepAlive(dst)
	runtime.KeepAlive(src)
	runtime.KeepAlive(bitmasks)
}

// Close releases the kernel's code mapping. It is safe to call more than
// once; later calls return the first result.
func (k *Kernel) Close() error {
	k.closeOnce.Do(func() {
		k.closed.Store(true)
		k.closeErr = k.code.release()
	})
	return k.closeErr
}

// Blocks reports the number of blocks expanded per call.
func (k *Kernel) Blocks() int { return k.blocks }

// Strategy reports the emission strategy the kernel was built with.
func (k *Kernel) Strategy() Strategy { return k.strategy }

// CodeSize reports the size of the emitted machine code in bytes.
func (k *Kernel) CodeSize() int { return k.code.size }

// Code returns a copy of the emitted machine code.
func (k *Kernel) Code() ([]byte, error) {
	if k.closed.Load() {
		return nil, ErrClosed
	}
	return append([]byte(nil), k.code.bytes()...), nil
}

// Generate returns the machine code NewKernel would map for blocks, without
// requiring a CPU or OS able to run it.
func Generate(blocks int, opts ...Option) ([]byte, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	cfg, err := newConfig(blocks, o)
	if err != nil {
		return nil, err
	}
	code, err := generate(cfg)
	if err != nil {
		return nil, fmt.Errorf("sparsejit: emit kernel: %w", err)
	}
	return code, nil
}
