//go:build unix

package sparsejit

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const executableMemory = true

// codeBuffer is an anonymous mapping holding one kernel. It is writable only
// while the code is copied in and executable afterwards.
type codeBuffer struct {
	mem  []byte
	size int
}

func newCodeBuffer(code []byte) (*codeBuffer, error) {
	page := os.Getpagesize()
	n := (len(code) + page - 1) / page * page

	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("sparsejit: map %d byte code buffer: %w", n, err)
	}
	copy(mem, code)

	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("%w: make code buffer executable: %v", ErrUnsupported, err)
	}
	return &codeBuffer{mem: mem, size: len(code)}, nil
}

func (c *codeBuffer) entry() uintptr { return uintptr(unsafe.Pointer(&c.mem[0])) }

func (c *codeBuffer) bytes() []byte { return c.mem[:c.size] }

func (c *codeBuffer) release() error {
	if err := unix.Munmap(c.mem); err != nil {
		return fmt.Errorf("sparsejit: unmap code buffer: %w", err)
	}
	c.mem = nil
	return nil
}
