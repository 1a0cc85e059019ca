//go:build !unix

package sparsejit

const executableMemory = false

type codeBuffer struct {
	size int
}

func newCodeBuffer([]byte) (*codeBuffer, error) { return nil, ErrUnsupported }

func (c *codeBuffer) entry() uintptr { return 0 }

func (c *codeBuffer) bytes() []byte { return nil }

func (c *codeBuffer) release() error { return nil }
