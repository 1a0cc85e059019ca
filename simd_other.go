//go:build !amd64 || noasm

package sparsejit

import (
	"fmt"
	"runtime"
)

func initSIMDSelection() {}

func checkKernelSupport() error {
	return fmt.Errorf("%w: kernels need amd64 assembly, running on %s", ErrUnsupported, runtime.GOARCH)
}

func callKernel(uintptr, *Params) {
	panic("sparsejit: kernels are not supported on this platform")
}
