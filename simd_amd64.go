//go:build amd64 && !noasm

package sparsejit

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

func initSIMDSelection() {
	if len(missingFeatures()) == 0 {
		decompressBlocks = decompressAVX512
		simdAvailable = true
	}
}

// missingFeatures lists the CPU features both kernels need but the host
// lacks. cpu.X86.HasAVX512* already accounts for OS zmm state support.
func missingFeatures() []string {
	var missing []string
	for _, f := range []struct {
		name string
		ok   bool
	}{
		{"avx512f", cpu.X86.HasAVX512F},
		{"avx512bw", cpu.X86.HasAVX512BW},
		{"avx512vbmi2", cpu.X86.HasAVX512VBMI2},
		{"popcnt", cpu.X86.HasPOPCNT},
	} {
		if !f.ok {
			missing = append(missing, f.name)
		}
	}
	return missing
}

func checkKernelSupport() error {
	if !executableMemory {
		return fmt.Errorf("%w: no executable mappings on %s", ErrUnsupported, runtime.GOOS)
	}
	if missing := missingFeatures(); len(missing) > 0 {
		return fmt.Errorf("%w: cpu lacks %s", ErrUnsupported, strings.Join(missing, ", "))
	}
	return nil
}

// callKernel calls the machine code at fn with p in DI. Provided by
// call_amd64.s.
//
//go:noescape
func callKernel(fn uintptr, p *Params)

// decompressAVX512 runs the static expand kernel from expand_amd64.s.
func decompressAVX512(dst, src []byte, bitmasks []uint64, blocks int) {
	if blocks <= 0 {
		return
	}
	checkDense(dst, bitmasks, blocks)
	expandBlocksAVX512(&dst[0], &src[0], &bitmasks[0], blocks)
}
