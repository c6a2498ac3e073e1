// Package blockwise implements block-wise transfers (RFC 7959): splitting
// payloads that do not fit a datagram into numbered blocks, and putting
// inbound blocks back together.
//
// A Sender walks a payload one block at a time and only moves on once the
// peer confirmed the previous block. An Assembly accepts blocks strictly in
// order at a fixed size. The Coordinator owns the assemblies of a context,
// keyed by peer and transfer, together with their idle timers.
//
// Spec References:
//   - RFC 7959 Section 2: Block-Wise Transfers
//   - RFC 7959 Section 2.5: Using the Block1 Option
//   - RFC 7959 Section 2.4: Using the Block2 Option
package blockwise

import (
	"fmt"

	"github.com/backkem/coap/pkg/message"
)

// DefaultBlockSize is the block size used when a transfer does not
// negotiate one.
const DefaultBlockSize = message.MaxBlockSize

// Sender splits an outbound payload into blocks.
//
// Offsets are tracked in bytes so the peer can lower the block size
// mid-transfer; the block number is recomputed for the new size.
type Sender struct {
	payload []byte
	szx     uint8
	offset  int
	done    bool
}

// NewSender creates a sender for payload starting with blocks of size
// bytes.
func NewSender(payload []byte, size int) (*Sender, error) {
	szx, err := message.SZXForSize(size)
	if err != nil {
		return nil, err
	}
	return &Sender{payload: payload, szx: szx}, nil
}

// NeedsBlockwise returns true if payload does not fit in a single block of
// size bytes.
func NeedsBlockwise(payload []byte, size int) bool {
	return len(payload) > size
}

// Current returns the block to send next and its data.
func (s *Sender) Current() (message.Block, []byte) {
	size := 1 << (uint(s.szx) + 4)
	end := s.offset + size
	if end > len(s.payload) {
		end = len(s.payload)
	}
	return message.Block{
		Num:  uint32(s.offset / size),
		More: end < len(s.payload),
		SZX:  s.szx,
	}, s.payload[s.offset:end]
}

// Done returns true once the last block was acknowledged.
func (s *Sender) Done() bool {
	return s.done
}

// Size returns the total payload size.
func (s *Sender) Size() int {
	return len(s.payload)
}

// Advance records the peer's confirmation of the current block. ack is the
// block option the peer echoed; a smaller size exponent lowers the size of
// the remaining blocks. Returns true when the final block was confirmed.
func (s *Sender) Advance(ack *message.Block) (bool, error) {
	if s.done {
		return true, nil
	}
	cur, data := s.Current()
	if ack != nil {
		if ack.SZX > s.szx {
			return false, fmt.Errorf("%w: peer raised block size to %d", ErrProtocolViolation, ack.Size())
		}
		// The peer numbers the block in its own size.
		if ack.Offset() != cur.Offset() {
			return false, fmt.Errorf("%w: confirmed block %d, sent %d", ErrProtocolViolation, ack.Num, cur.Num)
		}
		s.szx = ack.SZX
	}

	s.offset += len(data)
	if !cur.More {
		s.done = true
	}
	return s.done, nil
}

// Block returns block num at the size given by szx. Used to answer Block2
// requests, where the peer picks the block. Block 0 of an empty payload is
// an empty final block.
func Block(payload []byte, num uint32, szx uint8) (message.Block, []byte, error) {
	b := message.Block{Num: num, SZX: szx}
	offset := b.Offset()
	if offset > len(payload) || (offset == len(payload) && num > 0) {
		return message.Block{}, nil, fmt.Errorf("%w: block %d of %d bytes", ErrOutOfRange, num, len(payload))
	}

	end := offset + b.Size()
	if end > len(payload) {
		end = len(payload)
	}
	b.More = end < len(payload)
	return b, payload[offset:end], nil
}
