package blockwise

import (
	"bytes"
	"fmt"

	"github.com/backkem/coap/pkg/eventloop"
	"github.com/backkem/coap/pkg/message"
)

// Assembly accumulates the blocks of one inbound transfer.
//
// Blocks must arrive with consecutive numbers starting at 0 and all share
// the size of the first block; only the final block may be shorter.
type Assembly struct {
	buf      bytes.Buffer
	next     uint32
	szx      uint8
	complete bool
	maxSize  int

	// Request is the first block's message, kept for its options.
	Request *message.Message

	timer eventloop.Timer
}

// NewAssembly creates an empty assembly. maxSize bounds the assembled
// payload; zero means unbounded.
func NewAssembly(maxSize int) *Assembly {
	return &Assembly{maxSize: maxSize}
}

// Add appends a block. It returns true once the final block was added.
// Any error leaves the assembly unusable.
func (a *Assembly) Add(b message.Block, data []byte) (bool, error) {
	if a.complete {
		return false, fmt.Errorf("%w: block %d after final block", ErrProtocolViolation, b.Num)
	}
	if b.Num != a.next {
		return false, fmt.Errorf("%w: got block %d, expected %d", ErrProtocolViolation, b.Num, a.next)
	}
	if a.next == 0 {
		a.szx = b.SZX
	} else if b.SZX != a.szx {
		return false, fmt.Errorf("%w: block size changed from %d to %d", ErrProtocolViolation, 1<<(uint(a.szx)+4), b.Size())
	}
	if len(data) > b.Size() || (b.More && len(data) != b.Size()) {
		return false, fmt.Errorf("%w: block %d carries %d bytes, size is %d", ErrProtocolViolation, b.Num, len(data), b.Size())
	}
	if a.maxSize > 0 && a.buf.Len()+len(data) > a.maxSize {
		return false, ErrTooLarge
	}

	a.buf.Write(data)
	a.next++
	if !b.More {
		a.complete = true
	}
	return a.complete, nil
}

// Next returns the number of the block expected next.
func (a *Assembly) Next() uint32 {
	return a.next
}

// SZX returns the size exponent fixed by the first block.
func (a *Assembly) SZX() uint8 {
	return a.szx
}

// Complete returns true once the final block was added.
func (a *Assembly) Complete() bool {
	return a.complete
}

// Len returns the number of bytes assembled so far.
func (a *Assembly) Len() int {
	return a.buf.Len()
}

// Payload returns the assembled bytes.
func (a *Assembly) Payload() []byte {
	return a.buf.Bytes()
}
