package message

// Block size limits from RFC 7959 Section 2.2.
const (
	// MinBlockSize is the smallest block size (SZX 0).
	MinBlockSize = 16

	// MaxBlockSize is the largest block size (SZX 6).
	MaxBlockSize = 1024

	// maxSZX is the largest valid size exponent; 7 is reserved.
	maxSZX = 6
)

// Block is the decoded value of a Block1 or Block2 option.
//
// Wire value: NUM << 4 | M << 3 | SZX, where the block size is
// 2^(SZX+4) bytes.
type Block struct {
	// Num is the 0-based block index.
	Num uint32

	// More is set when further blocks follow.
	More bool

	// SZX is the size exponent (0..6).
	SZX uint8
}

// Size returns the block size in bytes.
func (b Block) Size() int {
	return 1 << (uint(b.SZX) + 4)
}

// Offset returns the byte offset of the block within the full payload.
func (b Block) Offset() int {
	return int(b.Num) * b.Size()
}

// Value encodes the block into its option value.
func (b Block) Value() uint32 {
	v := b.Num<<4 | uint32(b.SZX&0x07)
	if b.More {
		v |= 0x08
	}
	return v
}

// ParseBlock decodes a Block1/Block2 option value.
func ParseBlock(v uint32) (Block, error) {
	szx := uint8(v & 0x07)
	if szx > maxSZX {
		return Block{}, ErrInvalidBlockOption
	}
	return Block{
		Num:  v >> 4,
		More: v&0x08 != 0,
		SZX:  szx,
	}, nil
}

// SZXForSize returns the size exponent for a block size.
// size must be a power of two between MinBlockSize and MaxBlockSize.
func SZXForSize(size int) (uint8, error) {
	for szx := uint8(0); szx <= maxSZX; szx++ {
		if 1<<(uint(szx)+4) == size {
			return szx, nil
		}
	}
	return 0, ErrInvalidBlockSize
}

// Reduce returns the block with the same offset expressed in a smaller
// size exponent. It is used when a peer asks for smaller blocks mid-way.
func (b Block) Reduce(szx uint8) Block {
	if szx >= b.SZX {
		return b
	}
	return Block{
		Num:  uint32(b.Offset() / (1 << (uint(szx) + 4))),
		More: b.More,
		SZX:  szx,
	}
}
