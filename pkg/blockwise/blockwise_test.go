package blockwise

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/eventloop"
	"github.com/backkem/coap/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}

func TestSenderSplitsPayload(t *testing.T) {
	payload := testPayload(2500)
	s, err := NewSender(payload, 1024)
	require.NoError(t, err)

	var got []byte
	var blocks []message.Block
	for !s.Done() {
		b, data := s.Current()
		blocks = append(blocks, b)
		got = append(got, data...)
		_, err := s.Advance(nil)
		require.NoError(t, err)
	}

	require.Len(t, blocks, 3)
	assert.Equal(t, message.Block{Num: 0, More: true, SZX: 6}, blocks[0])
	assert.Equal(t, message.Block{Num: 1, More: true, SZX: 6}, blocks[1])
	assert.Equal(t, message.Block{Num: 2, More: false, SZX: 6}, blocks[2])
	assert.Equal(t, payload, got)
}

func TestSenderFollowsSmallerPeerSize(t *testing.T) {
	payload := testPayload(2048)
	s, err := NewSender(payload, 1024)
	require.NoError(t, err)

	// The peer accepted the first 1024 bytes but wants 128 byte blocks.
	done, err := s.Advance(&message.Block{Num: 0, More: true, SZX: 3})
	require.NoError(t, err)
	assert.False(t, done)

	b, data := s.Current()
	assert.Equal(t, message.Block{Num: 8, More: true, SZX: 3}, b)
	assert.Equal(t, payload[1024:1152], data)
}

func TestSenderRejectsBadConfirmation(t *testing.T) {
	s, err := NewSender(testPayload(100), 32)
	require.NoError(t, err)

	_, err = s.Advance(&message.Block{Num: 2, SZX: 1})
	assert.ErrorIs(t, err, ErrProtocolViolation)

	_, err = s.Advance(&message.Block{Num: 0, SZX: 2})
	assert.ErrorIs(t, err, ErrProtocolViolation, "peer may not raise the size")

	_, err = NewSender(nil, 100)
	assert.ErrorIs(t, err, message.ErrInvalidBlockSize)
}

func TestAssemblyInOrder(t *testing.T) {
	payload := testPayload(40)
	a := NewAssembly(0)

	for num := uint32(0); num < 3; num++ {
		b, data, err := Block(payload, num, 0)
		require.NoError(t, err)
		complete, err := a.Add(b, data)
		require.NoError(t, err)
		assert.Equal(t, num == 2, complete)
	}

	assert.True(t, a.Complete())
	assert.True(t, bytes.Equal(payload, a.Payload()))
}

func TestAssemblyOutOfOrder(t *testing.T) {
	payload := testPayload(48)
	a := NewAssembly(0)

	b0, d0, _ := Block(payload, 0, 0)
	_, err := a.Add(b0, d0)
	require.NoError(t, err)

	b2, d2, _ := Block(payload, 2, 0)
	_, err = a.Add(b2, d2)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestAssemblyViolations(t *testing.T) {
	tests := []struct {
		name   string
		blocks []message.Block
		sizes  []int
		err    error
	}{
		{
			name:   "size change",
			blocks: []message.Block{{Num: 0, More: true, SZX: 1}, {Num: 1, More: false, SZX: 0}},
			sizes:  []int{32, 16},
			err:    ErrProtocolViolation,
		},
		{
			name:   "short non-final block",
			blocks: []message.Block{{Num: 0, More: true, SZX: 0}},
			sizes:  []int{10},
			err:    ErrProtocolViolation,
		},
		{
			name:   "block after final",
			blocks: []message.Block{{Num: 0, More: false, SZX: 0}, {Num: 1, More: false, SZX: 0}},
			sizes:  []int{4, 4},
			err:    ErrProtocolViolation,
		},
		{
			name:   "too large",
			blocks: []message.Block{{Num: 0, More: true, SZX: 0}, {Num: 1, More: true, SZX: 0}, {Num: 2, More: true, SZX: 0}},
			sizes:  []int{16, 16, 16},
			err:    ErrTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAssembly(40)
			var err error
			for i, b := range tt.blocks {
				if _, err = a.Add(b, make([]byte, tt.sizes[i])); err != nil {
					break
				}
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestBlockOutOfRange(t *testing.T) {
	payload := testPayload(64)

	b, data, err := Block(payload, 3, 0)
	require.NoError(t, err)
	assert.False(t, b.More)
	assert.Len(t, data, 16)

	_, _, err = Block(payload, 4, 0)
	assert.ErrorIs(t, err, ErrOutOfRange)

	b, data, err = Block(nil, 0, 2)
	require.NoError(t, err)
	assert.False(t, b.More)
	assert.Empty(t, data)
}

func testRemote(s string) endpoint.Address {
	return endpoint.NewUDPAddress(netip.MustParseAddrPort(s), netip.AddrPort{})
}

func uploadBlock(remote endpoint.Address, payload []byte, num uint32, szx uint8) *message.Message {
	b, data, _ := Block(payload, num, szx)
	req := &message.Message{
		Type:      message.Confirmable,
		Code:      message.PUT,
		MessageID: uint16(100 + num),
		Token:     []byte{byte(num)},
		Payload:   data,
		Remote:    remote,
	}
	req.Options.SetPath("/firmware")
	req.Options.SetBlock1(b)
	return req
}

func TestCoordinatorBlock1Upload(t *testing.T) {
	c := NewCoordinator(CoordinatorConfig{})
	remote := testRemote("192.0.2.1:5683")
	payload := testPayload(70)

	for num := uint32(0); num < 4; num++ {
		assembled, reply := c.ReceiveRequest(uploadBlock(remote, payload, num, 0))
		require.NotNil(t, reply)
		assert.Nil(t, assembled)
		assert.Equal(t, message.Continue, reply.Code)
		require.NotNil(t, reply.Options.Block1)
		assert.Equal(t, num, reply.Options.Block1.Num)
	}
	assert.Equal(t, 1, c.Count())

	assembled, reply := c.ReceiveRequest(uploadBlock(remote, payload, 4, 0))
	assert.Nil(t, reply)
	require.NotNil(t, assembled)
	assert.Equal(t, payload, assembled.Payload)
	assert.Equal(t, []byte{4}, assembled.Token, "assembled request answers the last block")
	assert.Equal(t, "/firmware", assembled.Options.Path())
	assert.Equal(t, 0, c.Count())

	resp := message.NewResponse(assembled, message.Changed)
	EchoBlock1(assembled, resp)
	require.NotNil(t, resp.Options.Block1)
	assert.False(t, resp.Options.Block1.More)
}

func TestCoordinatorBlock1OutOfOrder(t *testing.T) {
	c := NewCoordinator(CoordinatorConfig{})
	remote := testRemote("192.0.2.1:5683")
	payload := testPayload(70)

	_, reply := c.ReceiveRequest(uploadBlock(remote, payload, 0, 0))
	require.Equal(t, message.Continue, reply.Code)

	_, reply = c.ReceiveRequest(uploadBlock(remote, payload, 2, 0))
	require.NotNil(t, reply)
	assert.Equal(t, message.RequestEntityIncomplete, reply.Code)
	assert.Equal(t, 0, c.Count())

	// A continuation without a start is rejected as well.
	_, reply = c.ReceiveRequest(uploadBlock(remote, payload, 1, 0))
	assert.Equal(t, message.RequestEntityIncomplete, reply.Code)
}

func TestCoordinatorTooLarge(t *testing.T) {
	c := NewCoordinator(CoordinatorConfig{MaxSize: 40})
	remote := testRemote("192.0.2.1:5683")
	payload := testPayload(70)

	c.ReceiveRequest(uploadBlock(remote, payload, 0, 1))
	_, reply := c.ReceiveRequest(uploadBlock(remote, payload, 1, 1))
	require.NotNil(t, reply)
	assert.Equal(t, message.RequestEntityTooLarge, reply.Code)
	require.NotNil(t, reply.Options.Size1)
	assert.Equal(t, uint32(40), *reply.Options.Size1)
}

func TestCoordinatorIdleTimeout(t *testing.T) {
	sched := eventloop.NewManualScheduler(time.Unix(0, 0))
	c := NewCoordinator(CoordinatorConfig{Scheduler: sched, IdleTimeout: 10 * time.Second})
	remote := testRemote("192.0.2.1:5683")
	payload := testPayload(64)

	var aborted []error
	onAbort := func(key Key, err error) { aborted = append(aborted, err) }

	key := TokenKey(remote, []byte{0x42})
	send := func(num uint32) {
		b, data, _ := Block(payload, num, 0)
		_, err := c.Add(key, &message.Message{Payload: data, Remote: remote}, b, onAbort)
		require.NoError(t, err)
	}

	send(0)
	sched.Advance(8 * time.Second)
	send(1) // re-arms the timer
	sched.Advance(8 * time.Second)
	assert.Empty(t, aborted)
	assert.NotNil(t, c.Get(key))

	sched.Advance(3 * time.Second)
	assert.Equal(t, []error{ErrIdleTimeout}, aborted)
	assert.Nil(t, c.Get(key))
}

func TestCoordinatorAbortRemote(t *testing.T) {
	sched := eventloop.NewManualScheduler(time.Unix(0, 0))
	c := NewCoordinator(CoordinatorConfig{Scheduler: sched})
	a, b := testRemote("192.0.2.1:5683"), testRemote("192.0.2.2:5683")

	var aborted []Key
	onAbort := func(key Key, err error) {
		assert.ErrorIs(t, err, ErrAborted)
		aborted = append(aborted, key)
	}

	first := message.Block{Num: 0, More: true, SZX: 0}
	data := make([]byte, 16)
	for _, remote := range []endpoint.Address{a, b} {
		_, err := c.Add(TokenKey(remote, []byte{1}), &message.Message{Payload: data}, first, onAbort)
		require.NoError(t, err)
	}
	require.Equal(t, 2, c.Count())

	assert.Equal(t, 1, c.AbortRemote(a.Key()))
	assert.Equal(t, []Key{TokenKey(a, []byte{1})}, aborted)
	assert.Equal(t, 1, c.Count())
	assert.Equal(t, 1, sched.Pending(), "aborted assembly's timer is stopped")

	c.Clear()
	assert.Equal(t, 0, c.Count())
	assert.Len(t, aborted, 2)
}

func TestCutResponse(t *testing.T) {
	remote := testRemote("192.0.2.1:5683")
	payload := testPayload(300)
	resp := &message.Message{Code: message.Content, Payload: payload, Remote: remote}

	t.Run("small payload untouched", func(t *testing.T) {
		small := &message.Message{Code: message.Content, Payload: []byte("ok")}
		out, err := CutResponse(&message.Message{}, small, 1024)
		require.NoError(t, err)
		assert.Same(t, small, out)
	})

	t.Run("first block", func(t *testing.T) {
		out, err := CutResponse(&message.Message{}, resp, 128)
		require.NoError(t, err)
		assert.Equal(t, payload[:128], out.Payload)
		assert.Equal(t, message.Block{Num: 0, More: true, SZX: 3}, *out.Options.Block2)
		require.NotNil(t, out.Options.Size2)
		assert.Equal(t, uint32(300), *out.Options.Size2)
		assert.Len(t, resp.Payload, 300, "original not modified")
	})

	t.Run("requested smaller block", func(t *testing.T) {
		req := &message.Message{}
		req.Options.SetBlock2(message.Block{Num: 4, SZX: 2})
		out, err := CutResponse(req, resp, 128)
		require.NoError(t, err)
		assert.Equal(t, payload[256:300], out.Payload)
		assert.Equal(t, message.Block{Num: 4, More: false, SZX: 2}, *out.Options.Block2)
		assert.Nil(t, out.Options.Size2)
	})

	t.Run("requested larger block is reduced", func(t *testing.T) {
		req := &message.Message{}
		req.Options.SetBlock2(message.Block{Num: 1, SZX: 4})
		out, err := CutResponse(req, resp, 128)
		require.NoError(t, err)
		assert.Equal(t, message.Block{Num: 2, More: false, SZX: 3}, *out.Options.Block2)
		assert.Equal(t, payload[256:300], out.Payload)
	})

	t.Run("out of range", func(t *testing.T) {
		req := &message.Message{}
		req.Options.SetBlock2(message.Block{Num: 9, SZX: 3})
		_, err := CutResponse(req, resp, 128)
		assert.ErrorIs(t, err, ErrOutOfRange)
	})
}
