package message

import "testing"

func TestBlockValue(t *testing.T) {
	tests := []struct {
		name  string
		block Block
		value uint32
		size  int
	}{
		{"first 16-byte block", Block{Num: 0, More: true, SZX: 0}, 0x08, 16},
		{"third 64-byte block", Block{Num: 2, More: false, SZX: 2}, 0x22, 64},
		{"large index", Block{Num: 1000, More: true, SZX: 6}, 1000<<4 | 0x08 | 6, 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.block.Value(); got != tt.value {
				t.Errorf("Value() = %#x, want %#x", got, tt.value)
			}
			if got := tt.block.Size(); got != tt.size {
				t.Errorf("Size() = %d, want %d", got, tt.size)
			}

			parsed, err := ParseBlock(tt.value)
			if err != nil {
				t.Fatalf("ParseBlock() error = %v", err)
			}
			if parsed != tt.block {
				t.Errorf("ParseBlock() = %+v, want %+v", parsed, tt.block)
			}
		})
	}
}

func TestParseBlockReservedSZX(t *testing.T) {
	if _, err := ParseBlock(0x07); err != ErrInvalidBlockOption {
		t.Errorf("ParseBlock(szx=7) error = %v, want %v", err, ErrInvalidBlockOption)
	}
}

func TestSZXForSize(t *testing.T) {
	for szx := uint8(0); szx <= 6; szx++ {
		size := 16 << szx
		got, err := SZXForSize(size)
		if err != nil {
			t.Fatalf("SZXForSize(%d) error = %v", size, err)
		}
		if got != szx {
			t.Errorf("SZXForSize(%d) = %d, want %d", size, got, szx)
		}
	}

	for _, size := range []int{0, 8, 100, 2048} {
		if _, err := SZXForSize(size); err != ErrInvalidBlockSize {
			t.Errorf("SZXForSize(%d) error = %v, want %v", size, err, ErrInvalidBlockSize)
		}
	}
}

func TestBlockReduce(t *testing.T) {
	b := Block{Num: 3, More: true, SZX: 6} // offset 3072
	r := b.Reduce(4)                         // 256-byte blocks
	if r.Num != 12 || r.SZX != 4 || !r.More {
		t.Errorf("Reduce() = %+v, want Num=12 SZX=4 More=true", r)
	}
	if r.Offset() != b.Offset() {
		t.Errorf("offset changed: %d != %d", r.Offset(), b.Offset())
	}

	if same := b.Reduce(6); same != b {
		t.Errorf("Reduce(same szx) = %+v, want unchanged", same)
	}
}
