package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Akron/sparsejit"
)

// verifyCommand compresses random data and checks every available
// decompressor against the scalar reference.
type verifyCommand struct {
	logLevel *string
	blocks   *int
	density  *float64
	strategy *string
	seed     *uint64
	workers  *int
}

// validate checks the flags that kingpin cannot constrain.
func (cmd *verifyCommand) validate() error {
	switch {
	case *cmd.density < 0 || *cmd.density > 1:
		return fmt.Errorf("density must be in [0, 1], got %v", *cmd.density)
	case *cmd.blocks < 0:
		return fmt.Errorf("blocks must not be negative, got %d", *cmd.blocks)
	case *cmd.workers <= 0:
		return fmt.Errorf("workers must be positive, got %d", *cmd.workers)
	}
	return nil
}

func (cmd *verifyCommand) run(*kingpin.ParseContext) error {
	if err := cmd.validate(); err != nil {
		exitWithErr(err)
	}
	strategy, err := sparsejit.ParseStrategy(*cmd.strategy)
	if err != nil {
		exitWithErr(err)
	}
	blocks := *cmd.blocks
	logger := newLogger(*cmd.logLevel)

	dense := randomDense(blocks, *cmd.density, *cmd.seed)
	masks := sparsejit.Bitmasks(dense)
	stream := make([]byte, sparsejit.CompressedBound(blocks))
	used := sparsejit.Compress(stream, dense, masks, blocks)

	bold := color.New(color.Bold)
	bold.Println("Input:")
	fmt.Printf("\tblocks: %d, dense: %v, stream: %v (%.1f%%), seed: %d\n",
		blocks,
		humanize.Bytes(uint64(len(dense))),
		humanize.Bytes(uint64(used)),
		100*float64(used)/float64(max(len(dense), 1)),
		*cmd.seed,
	)

	reg := prometheus.NewRegistry()
	opts := []sparsejit.Option{
		sparsejit.WithStrategy(strategy),
		sparsejit.WithLogger(logger),
		sparsejit.WithRegisterer(reg),
	}
	dst := make([]byte, len(dense))
	failed := false

	bold.Println("Results:")
	report := func(name string, err error, took time.Duration) {
		switch {
		case errors.Is(err, sparsejit.ErrUnsupported):
			fmt.Printf("\t%-10s %s (%v)\n", name, color.YellowString("SKIP"), err)
		case err != nil:
			failed = true
			fmt.Printf("\t%-10s %s %v\n", name, color.RedString("FAIL"), err)
		default:
			fmt.Printf("\t%-10s %s %v\n", name, color.GreenString("OK"), took)
		}
	}

	start := time.Now()
	err = sparsejit.Verify(sparsejit.DecompressorFunc(func(dst, src []byte, bitmasks []uint64) {
		sparsejit.Decompress(dst, src, bitmasks, blocks)
	}), dst, stream, masks, blocks)
	name := "static"
	if !sparsejit.IsSIMDavailable() {
		name = "scalar"
	}
	report(name, err, time.Since(start))

	k, err := sparsejit.NewKernel(blocks, opts...)
	if err == nil {
		start = time.Now()
		err = sparsejit.Verify(k, dst, stream, masks, blocks)
		report("jit", err, time.Since(start))
		fmt.Printf("\t%-10s %s strategy, %v of code\n", "", k.Strategy(), humanize.Bytes(uint64(k.CodeSize())))
		if err := k.Close(); err != nil {
			level.Warn(logger).Log("msg", "closing kernel", "err", err)
		}
	} else {
		report("jit", err, 0)
	}

	pd, err := sparsejit.NewParallelDecompressor(blocks, max(blocks/(*cmd.workers), 1), *cmd.workers, opts...)
	if err == nil {
		var runErr error
		start = time.Now()
		err = sparsejit.Verify(sparsejit.DecompressorFunc(func(dst, src []byte, bitmasks []uint64) {
			runErr = pd.Decompress(context.Background(), dst, src, bitmasks)
		}), dst, stream, masks, blocks)
		if runErr != nil {
			level.Error(logger).Log("msg", "parallel decompression", "err", runErr)
			err = errors.Join(runErr, err)
		}
		report("parallel", err, time.Since(start))
		_ = pd.Close()
	} else {
		report("parallel", err, 0)
	}

	if failed {
		exitWithErr(errors.New("verification failed"))
	}
	return nil
}

// randomDense returns blocks blocks where each byte is non-zero with
// probability density.
func randomDense(blocks int, density float64, seed uint64) []byte {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	dense := make([]byte, blocks*sparsejit.BlockBytes)
	for i := range dense {
		if rng.Float64() < density {
			dense[i] = byte(1 + rng.IntN(255))
		}
	}
	return dense
}

func addVerifyCommand(app *kingpin.Application, logLevel *string) {
	cmd := &verifyCommand{logLevel: logLevel}
	verify := app.Command("verify", "Check generated kernels against the scalar reference on random data.").Action(cmd.run)
	cmd.blocks = verify.Flag("blocks", "Number of 4 KiB blocks.").Default("1000").Int()
	cmd.density = verify.Flag("density", "Fraction of non-zero bytes.").Default("0.3").Float64()
	cmd.strategy = verify.Flag("strategy", "Kernel emission strategy.").Default("loop").Enum("loop", "unrolled")
	cmd.seed = verify.Flag("seed", "Random seed.").Default("1").Uint64()
	cmd.workers = verify.Flag("workers", "Concurrent chunks for the parallel driver.").Default("4").Int()
}
