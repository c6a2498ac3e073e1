package coap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/credentials"
	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/observe"
	"github.com/backkem/coap/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWait = 2 * time.Second

func testParams() exchange.Params {
	return exchange.Params{
		AckTimeout:    50 * time.Millisecond,
		MaxRetransmit: 2,
		EmptyAckDelay: 30 * time.Millisecond,
	}
}

// newTestPair connects a server context serving site (transport 0) with a
// client context (transport 1) over an in-memory pipe.
func newTestPair(t *testing.T, site Resource, configure ...func(server, client *Config)) (*Context, *Context, *transport.PipeUDPPair) {
	t.Helper()

	serverConfig := Config{Site: site, Params: testParams()}
	clientConfig := Config{Params: testParams()}
	for _, f := range configure {
		f(&serverConfig, &clientConfig)
	}

	server, err := NewContext(serverConfig)
	require.NoError(t, err)
	client, err := NewContext(clientConfig)
	require.NoError(t, err)

	pair, err := transport.NewPipeUDPPair(transport.PipeUDPConfig{
		Managers: [2]transport.MessageManager{server, client},
	})
	require.NoError(t, err)

	require.NoError(t, server.AddTransport(pair.Transport(0)))
	require.NoError(t, client.AddTransport(pair.Transport(1)))
	require.NoError(t, server.Open())
	require.NoError(t, client.Open())

	t.Cleanup(func() {
		ctx := context.Background()
		client.Shutdown(ctx)
		server.Shutdown(ctx)
		pair.Close()
	})
	return server, client, pair
}

// rawPeer is a bare MessageManager standing in for a peer that speaks
// the message layer by hand.
type rawPeer struct {
	msgs chan *message.Message
}

func newRawPeer() *rawPeer {
	return &rawPeer{msgs: make(chan *message.Message, 32)}
}

func (p *rawPeer) DispatchMessage(msg *message.Message) { p.msgs <- msg }

func (p *rawPeer) DispatchError(err error, remote endpoint.Address) {}

func (p *rawPeer) ClientCredentials() *credentials.Map { return nil }

func (p *rawPeer) next(t *testing.T) *message.Message {
	t.Helper()
	select {
	case msg := <-p.msgs:
		return msg
	case <-time.After(testWait):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func (p *rawPeer) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-p.msgs:
		t.Fatalf("unexpected message %s", msg)
	case <-time.After(d):
	}
}

// newRawPair connects a server context (transport 0) with a rawPeer
// (transport 1).
func newRawPair(t *testing.T, site Resource) (*Context, *rawPeer, *transport.PipeUDPPair) {
	t.Helper()

	server, err := NewContext(Config{Site: site, Params: testParams()})
	require.NoError(t, err)
	peer := newRawPeer()

	pair, err := transport.NewPipeUDPPair(transport.PipeUDPConfig{
		Managers: [2]transport.MessageManager{server, peer},
	})
	require.NoError(t, err)
	require.NoError(t, server.AddTransport(pair.Transport(0)))
	require.NoError(t, server.Open())

	t.Cleanup(func() {
		server.Shutdown(context.Background())
		pair.Close()
	})
	return server, peer, pair
}

func newGet(pair *transport.PipeUDPPair, path string) *message.Message {
	req := &message.Message{
		Type:   message.Confirmable,
		Code:   message.GET,
		Remote: pair.PeerAddress(0),
	}
	req.Options.SetPath(path)
	return req
}

func wait(t *testing.T, r *Request) (*message.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	return r.Response().Wait(ctx)
}

func nextNotification(t *testing.T, o *Observation) *message.Message {
	t.Helper()
	select {
	case n, ok := <-o.Notifications():
		require.True(t, ok, "observation ended: %v", o.Err())
		return n
	case <-time.After(testWait):
		t.Fatal("timeout waiting for notification")
		return nil
	}
}

func text(payload string) RenderFunc {
	return func(ctx context.Context, req *message.Message) (*message.Message, error) {
		resp := message.NewResponse(req, message.Content)
		resp.Payload = []byte(payload)
		return resp, nil
	}
}

// statusResource is an observable resource rendering a counter.
type statusResource struct {
	Observers

	mu      sync.Mutex
	value   int
	renders atomic.Int32
}

func (s *statusResource) Render(ctx context.Context, req *message.Message) (*message.Message, error) {
	s.renders.Add(1)
	s.mu.Lock()
	v := s.value
	s.mu.Unlock()

	resp := message.NewResponse(req, message.Content)
	resp.Payload = []byte(fmt.Sprint(v))
	return resp, nil
}

func (s *statusResource) NeedsBlockwiseAssembly(req *message.Message) bool {
	return true
}

func (s *statusResource) set(v int) {
	s.mu.Lock()
	s.value = v
	s.mu.Unlock()
	s.Trigger()
}

// blockingResource renders only once released.
type blockingResource struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingResource(t *testing.T) *blockingResource {
	b := &blockingResource{
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	t.Cleanup(func() { b.once.Do(func() { close(b.release) }) })
	return b
}

func (b *blockingResource) Render(ctx context.Context, req *message.Message) (*message.Message, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return message.NewResponse(req, message.Content), nil
}

func (b *blockingResource) NeedsBlockwiseAssembly(req *message.Message) bool {
	return true
}

func (b *blockingResource) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-b.started:
	case <-time.After(testWait):
		t.Fatal("render did not start")
	}
}

func TestContextLifecycle(t *testing.T) {
	var mu sync.Mutex
	var states []ContextState

	c, err := NewContext(Config{
		OnStateChanged: func(s ContextState) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, s)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, ContextStateInitialized, c.State())

	_, err = c.Request(&message.Message{Code: message.GET}).Response().Peek()
	assert.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, c.Open())
	assert.ErrorIs(t, c.Open(), ErrAlreadyOpen)
	assert.True(t, c.State().IsRunning())

	ctx := context.Background()
	require.NoError(t, c.Shutdown(ctx))
	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, ContextStateClosed, c.State())
	assert.ErrorIs(t, c.Open(), ErrShutdown)

	_, err = c.Request(&message.Message{Code: message.GET}).Response().Peek()
	assert.ErrorIs(t, err, ErrShutdown)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ContextState{ContextStateOpen, ContextStateShuttingDown, ContextStateClosed}, states)
}

func TestNewContextInvalidConfig(t *testing.T) {
	_, err := NewContext(Config{BlockSize: 100})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRequestResponse(t *testing.T) {
	site := NewSite()
	site.Add("/hello", text("world"))
	_, client, pair := newTestPair(t, site)

	resp, err := wait(t, client.Request(newGet(pair, "/hello")))
	require.NoError(t, err)
	assert.Equal(t, message.Content, resp.Code)
	assert.Equal(t, message.Acknowledgement, resp.Type, "response should be piggybacked")
	assert.Equal(t, "world", string(resp.Payload))
}

func TestNotFound(t *testing.T) {
	_, client, pair := newTestPair(t, NewSite())

	resp, err := wait(t, client.Request(newGet(pair, "/missing")))
	require.NoError(t, err)
	assert.Equal(t, message.NotFound, resp.Code)
}

func TestRenderErrors(t *testing.T) {
	site := NewSite()
	site.Add("/forbidden", RenderFunc(func(ctx context.Context, req *message.Message) (*message.Message, error) {
		return nil, NewError(message.Forbidden, "no")
	}))
	site.Add("/broken", RenderFunc(func(ctx context.Context, req *message.Message) (*message.Message, error) {
		return nil, errors.New("disk on fire")
	}))
	_, client, pair := newTestPair(t, site)

	resp, err := wait(t, client.Request(newGet(pair, "/forbidden")))
	require.NoError(t, err)
	assert.Equal(t, message.Forbidden, resp.Code)
	assert.Equal(t, "no", string(resp.Payload))

	resp, err = wait(t, client.Request(newGet(pair, "/broken")))
	require.NoError(t, err)
	assert.Equal(t, message.InternalServerError, resp.Code)
}

func TestSeparateResponse(t *testing.T) {
	site := NewSite()
	site.Add("/slow", RenderFunc(func(ctx context.Context, req *message.Message) (*message.Message, error) {
		time.Sleep(150 * time.Millisecond)
		resp := message.NewResponse(req, message.Content)
		resp.Payload = []byte("late")
		return resp, nil
	}))
	_, client, pair := newTestPair(t, site)

	resp, err := wait(t, client.Request(newGet(pair, "/slow")))
	require.NoError(t, err)
	assert.Equal(t, message.Confirmable, resp.Type)
	assert.Equal(t, "late", string(resp.Payload))
}

func TestNonConfirmableRequest(t *testing.T) {
	site := NewSite()
	site.Add("/hello", text("world"))
	_, client, pair := newTestPair(t, site)

	req := newGet(pair, "/hello")
	req.Type = message.NonConfirmable
	resp, err := wait(t, client.Request(req))
	require.NoError(t, err)
	assert.Equal(t, message.NonConfirmable, resp.Type)
	assert.Equal(t, "world", string(resp.Payload))
}

func TestDuplicateRequestRenderedOnce(t *testing.T) {
	status := &statusResource{}
	site := NewSite()
	site.Add("/status", status)
	_, peer, pair := newRawPair(t, site)

	req := newGet(pair, "/status")
	req.MessageID = 100
	req.Token = []byte{0x01}

	require.NoError(t, pair.Transport(1).Send(req))
	first := peer.next(t)
	require.NoError(t, pair.Transport(1).Send(req))
	second := peer.next(t)

	assert.Equal(t, message.Acknowledgement, first.Type)
	assert.Equal(t, uint16(100), first.MessageID)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.True(t, first.SameContent(second), "replayed response differs")
	assert.Equal(t, int32(1), status.renders.Load())
}

func TestNoResponseAcknowledged(t *testing.T) {
	site := NewSite()
	site.Add("/quiet", RenderFunc(func(ctx context.Context, req *message.Message) (*message.Message, error) {
		return nil, NoResponse
	}))
	_, peer, pair := newRawPair(t, site)

	req := newGet(pair, "/quiet")
	req.MessageID = 7
	require.NoError(t, pair.Transport(1).Send(req))

	ack := peer.next(t)
	assert.Equal(t, message.Acknowledgement, ack.Type)
	assert.True(t, ack.IsEmpty())
	assert.Equal(t, uint16(7), ack.MessageID)
	peer.quiet(t, 100*time.Millisecond)
}

func TestEmptyConfirmablePing(t *testing.T) {
	_, peer, pair := newRawPair(t, NewSite())

	ping := &message.Message{Type: message.Confirmable, Code: message.Empty, MessageID: 9, Remote: pair.PeerAddress(0)}
	require.NoError(t, pair.Transport(1).Send(ping))

	rst := peer.next(t)
	assert.Equal(t, message.Reset, rst.Type)
	assert.Equal(t, uint16(9), rst.MessageID)
}

func TestObserveStatus(t *testing.T) {
	status := &statusResource{}
	site := NewSite()
	site.Add("/status", status)
	_, client, pair := newTestPair(t, site)

	token := []byte{0x54}
	req := newGet(pair, "/status")
	req.Token = token
	req.Options.SetObserve(message.ObserveRegister)

	r := client.Request(req)
	first, err := wait(t, r)
	require.NoError(t, err)
	require.Equal(t, message.Content, first.Code)
	require.NotNil(t, first.Options.Observe, "registration accepted")
	assert.Equal(t, token, first.Token)
	assert.Equal(t, "0", string(first.Payload))
	assert.Equal(t, 1, status.Count())

	obs := r.Observation()
	require.NotNil(t, obs)

	last := *first.Options.Observe
	for _, v := range []int{1, 2} {
		status.set(v)
		n := nextNotification(t, obs)
		assert.Equal(t, token, n.Token)
		assert.Equal(t, fmt.Sprint(v), string(n.Payload))
		require.NotNil(t, n.Options.Observe)
		assert.Greater(t, *n.Options.Observe, last)
		last = *n.Options.Observe
	}
}

func TestObserveTriggersInOrder(t *testing.T) {
	status := &statusResource{}
	site := NewSite()
	site.Add("/status", status)
	_, client, pair := newTestPair(t, site)

	req := newGet(pair, "/status")
	req.Options.SetObserve(message.ObserveRegister)
	r := client.Request(req)
	first, err := wait(t, r)
	require.NoError(t, err)
	require.NotNil(t, first.Options.Observe)

	status.Trigger()
	status.Trigger()
	status.Trigger()

	last := *first.Options.Observe
	for i := 0; i < 3; i++ {
		n := nextNotification(t, r.Observation())
		assert.Equal(t, last+1, *n.Options.Observe)
		last = *n.Options.Observe
	}
	assert.Equal(t, int32(4), status.renders.Load())
}

func TestObserveCancelResetsServer(t *testing.T) {
	status := &statusResource{}
	site := NewSite()
	site.Add("/status", status)
	_, client, pair := newTestPair(t, site)

	req := newGet(pair, "/status")
	req.Options.SetObserve(message.ObserveRegister)
	r := client.Request(req)
	_, err := wait(t, r)
	require.NoError(t, err)
	require.Equal(t, 1, status.Count())

	r.Cancel()
	select {
	case <-r.Observation().Done():
	case <-time.After(testWait):
		t.Fatal("observation did not end")
	}
	assert.ErrorIs(t, r.Observation().Err(), exchange.ErrCancelled)

	// The next notification is rejected and ends the subscription.
	status.set(1)
	assert.Eventually(t, func() bool { return status.Count() == 0 }, testWait, 10*time.Millisecond)
}

func TestObserveNotObservable(t *testing.T) {
	site := NewSite()
	site.Add("/plain", text("static"))
	_, client, pair := newTestPair(t, site)

	req := newGet(pair, "/plain")
	req.Options.SetObserve(message.ObserveRegister)
	r := client.Request(req)

	resp, err := wait(t, r)
	require.NoError(t, err)
	assert.Nil(t, resp.Options.Observe)
	assert.Equal(t, "static", string(resp.Payload))

	<-r.Observation().Done()
	assert.ErrorIs(t, r.Observation().Err(), observe.ErrNotObservable)
}

func TestObserveNonConfirmableReset(t *testing.T) {
	status := &statusResource{}
	site := NewSite()
	site.Add("/status", status)
	_, peer, pair := newRawPair(t, site)

	req := newGet(pair, "/status")
	req.Type = message.NonConfirmable
	req.MessageID = 20
	req.Token = []byte{0xab}
	req.Options.SetObserve(message.ObserveRegister)
	require.NoError(t, pair.Transport(1).Send(req))

	resp := peer.next(t)
	assert.Equal(t, message.NonConfirmable, resp.Type)
	require.NotNil(t, resp.Options.Observe)
	require.Equal(t, 1, status.Count())

	status.set(5)
	n := peer.next(t)
	assert.Equal(t, message.NonConfirmable, n.Type)
	assert.Equal(t, "5", string(n.Payload))

	rst := message.NewReset(n)
	rst.Remote = pair.PeerAddress(0)
	require.NoError(t, pair.Transport(1).Send(rst))
	assert.Eventually(t, func() bool { return status.Count() == 0 }, testWait, 10*time.Millisecond)
}

func TestObserveDeregister(t *testing.T) {
	status := &statusResource{}
	site := NewSite()
	site.Add("/status", status)
	_, peer, pair := newRawPair(t, site)

	req := newGet(pair, "/status")
	req.Type = message.NonConfirmable
	req.MessageID = 30
	req.Token = []byte{0xcd}
	req.Options.SetObserve(message.ObserveRegister)
	require.NoError(t, pair.Transport(1).Send(req))
	peer.next(t)
	require.Equal(t, 1, status.Count())

	dereg := req.Copy()
	dereg.MessageID = 31
	dereg.Options.SetObserve(message.ObserveDeregister)
	require.NoError(t, pair.Transport(1).Send(dereg))

	resp := peer.next(t)
	assert.Nil(t, resp.Options.Observe)
	assert.Equal(t, 0, status.Count())
}

func TestBlockwiseUpload(t *testing.T) {
	site := NewSite()
	site.Add("/upload", RenderFunc(func(ctx context.Context, req *message.Message) (*message.Message, error) {
		resp := message.NewResponse(req, message.Changed)
		resp.Payload = []byte(fmt.Sprint(len(req.Payload)))
		return resp, nil
	}))
	_, client, pair := newTestPair(t, site, func(server, client *Config) {
		client.BlockSize = 64
	})

	req := newGet(pair, "/upload")
	req.Code = message.POST
	req.Payload = []byte(strings.Repeat("x", 300))

	resp, err := wait(t, client.Request(req))
	require.NoError(t, err)
	assert.Equal(t, message.Changed, resp.Code)
	assert.Equal(t, "300", string(resp.Payload))
	require.NotNil(t, resp.Options.Block1)
	assert.False(t, resp.Options.Block1.More)
}

func TestBlockwiseUploadTooLarge(t *testing.T) {
	site := NewSite()
	site.Add("/upload", text("unreachable"))
	_, client, pair := newTestPair(t, site, func(server, client *Config) {
		server.MaxBodySize = 100
		client.BlockSize = 64
	})

	req := newGet(pair, "/upload")
	req.Code = message.PUT
	req.Payload = make([]byte, 300)

	resp, err := wait(t, client.Request(req))
	require.NoError(t, err)
	assert.Equal(t, message.RequestEntityTooLarge, resp.Code)
	require.NotNil(t, resp.Options.Size1)
	assert.Equal(t, uint32(100), *resp.Options.Size1)
}

func TestBlockwiseDownload(t *testing.T) {
	body := []byte(strings.Repeat("0123456789", 50))
	site := NewSite()
	site.Add("/big", text(string(body)))
	_, client, pair := newTestPair(t, site, func(server, client *Config) {
		server.BlockSize = 64
	})

	resp, err := wait(t, client.Request(newGet(pair, "/big")))
	require.NoError(t, err)
	assert.Equal(t, message.Content, resp.Code)
	assert.Equal(t, body, resp.Payload)
	assert.Nil(t, resp.Options.Block2)
}

func TestBlockwiseOutOfRange(t *testing.T) {
	site := NewSite()
	site.Add("/small", text("tiny"))
	_, client, pair := newTestPair(t, site)

	req := newGet(pair, "/small")
	req.Options.SetBlock2(message.Block{Num: 5, SZX: 2})
	resp, err := wait(t, client.Request(req))
	require.NoError(t, err)
	assert.Equal(t, message.BadOption, resp.Code)
}

func TestUnsupportedScheme(t *testing.T) {
	_, client, _ := newTestPair(t, NewSite())

	req := &message.Message{Type: message.Confirmable, Code: message.GET, Scheme: "coap+tcp"}
	req.Options.URIHost = "192.0.2.1"
	_, err := wait(t, client.Request(req))
	assert.ErrorIs(t, err, transport.ErrUnsupported)
}

func TestRequestTimeout(t *testing.T) {
	_, client, pair := newTestPair(t, NewSite())
	pair.Pipe().Impair(transport.Impairment{DropRate: 1})

	_, err := wait(t, client.Request(newGet(pair, "/void")))
	assert.ErrorIs(t, err, exchange.ErrTimeout)
}

func TestDispatchErrorFailsRequests(t *testing.T) {
	blocker := newBlockingResource(t)
	site := NewSite()
	site.Add("/block", blocker)
	_, client, pair := newTestPair(t, site)

	r := client.Request(newGet(pair, "/block"))
	blocker.waitStarted(t)

	client.DispatchError(errors.New("port unreachable"), pair.PeerAddress(0))

	_, err := wait(t, r)
	assert.ErrorIs(t, err, exchange.ErrUnreachable)
	var uerr *exchange.UnreachableError
	require.ErrorAs(t, err, &uerr)
	assert.True(t, endpoint.Equal(pair.PeerAddress(0), uerr.Remote))
}

func TestShutdownFailsPending(t *testing.T) {
	blocker := newBlockingResource(t)
	site := NewSite()
	site.Add("/block", blocker)
	_, client, pair := newTestPair(t, site)

	r := client.Request(newGet(pair, "/block"))
	blocker.waitStarted(t)

	require.NoError(t, client.Shutdown(context.Background()))
	_, err := wait(t, r)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestShutdownEndsSubscriptions(t *testing.T) {
	status := &statusResource{}
	site := NewSite()
	site.Add("/status", status)
	server, client, pair := newTestPair(t, site)

	req := newGet(pair, "/status")
	req.Options.SetObserve(message.ObserveRegister)
	_, err := wait(t, client.Request(req))
	require.NoError(t, err)
	require.Equal(t, 1, status.Count())

	require.NoError(t, server.Shutdown(context.Background()))
	assert.Equal(t, 0, status.Count())
}

func TestTokenInUse(t *testing.T) {
	blocker := newBlockingResource(t)
	site := NewSite()
	site.Add("/block", blocker)
	_, client, pair := newTestPair(t, site)

	req := newGet(pair, "/block")
	req.Token = []byte{0x42}
	client.Request(req)
	blocker.waitStarted(t)

	_, err := wait(t, client.Request(req))
	assert.ErrorIs(t, err, ErrTokenInUse)
}

func TestConcurrentShutdownReportsEachStateOnce(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[ContextState]int)

	c, err := NewContext(Config{
		OnStateChanged: func(s ContextState) {
			mu.Lock()
			defer mu.Unlock()
			seen[s]++
		},
	})
	require.NoError(t, err)
	require.NoError(t, c.Open())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Shutdown(context.Background()))
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return c.State() == ContextStateClosed }, testWait, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen[ContextStateShuttingDown])
	assert.Equal(t, 1, seen[ContextStateClosed])
}

// eagerResource renders how often it has been rendered and triggers each
// new observer from within the registration callback. The first render is
// slow so a premature notification would overtake it.
type eagerResource struct {
	Observers
	renders atomic.Int32
}

func (e *eagerResource) AddObservation(req *message.Message, h *observe.Handle) {
	e.Observers.AddObservation(req, h)
	h.Trigger()
}

func (e *eagerResource) Render(ctx context.Context, req *message.Message) (*message.Message, error) {
	n := e.renders.Add(1)
	if n == 1 {
		time.Sleep(20 * time.Millisecond)
	}
	resp := message.NewResponse(req, message.Content)
	resp.Payload = []byte(fmt.Sprint(n))
	return resp, nil
}

func (e *eagerResource) NeedsBlockwiseAssembly(req *message.Message) bool {
	return true
}

func TestTriggerDuringRegistrationFollowsResponse(t *testing.T) {
	eager := &eagerResource{}
	site := NewSite()
	site.Add("/eager", eager)
	_, peer, pair := newRawPair(t, site)

	req := newGet(pair, "/eager")
	req.MessageID = 40
	req.Token = []byte{0xee}
	req.Options.SetObserve(message.ObserveRegister)
	require.NoError(t, pair.Transport(1).Send(req))

	resp := peer.next(t)
	assert.Equal(t, message.Acknowledgement, resp.Type)
	assert.Equal(t, uint16(40), resp.MessageID)
	require.NotNil(t, resp.Options.Observe)
	assert.Equal(t, uint32(0), *resp.Options.Observe)
	assert.Equal(t, "1", string(resp.Payload))

	n := peer.next(t)
	assert.Equal(t, req.Token, n.Token)
	require.NotNil(t, n.Options.Observe)
	assert.Equal(t, uint32(1), *n.Options.Observe)
	assert.Equal(t, "2", string(n.Payload))
}

func TestTriggerDuringRegistrationReachesClient(t *testing.T) {
	eager := &eagerResource{}
	site := NewSite()
	site.Add("/eager", eager)
	_, client, pair := newTestPair(t, site)

	req := newGet(pair, "/eager")
	req.Options.SetObserve(message.ObserveRegister)
	r := client.Request(req)

	first, err := wait(t, r)
	require.NoError(t, err)
	require.NotNil(t, first.Options.Observe)
	assert.Equal(t, "1", string(first.Payload))

	n := nextNotification(t, r.Observation())
	assert.Equal(t, "2", string(n.Payload))
	assert.Greater(t, *n.Options.Observe, *first.Options.Observe)
}

func TestDispatchErrorEndsSubscriptions(t *testing.T) {
	status := &statusResource{}
	site := NewSite()
	site.Add("/status", status)
	server, client, pair := newTestPair(t, site)

	req := newGet(pair, "/status")
	req.Options.SetObserve(message.ObserveRegister)
	_, err := wait(t, client.Request(req))
	require.NoError(t, err)
	require.Equal(t, 1, status.Count())

	server.DispatchError(errors.New("port unreachable"), pair.PeerAddress(1))
	assert.Eventually(t, func() bool { return status.Count() == 0 }, testWait, 10*time.Millisecond)

	// Later triggers find nobody to notify.
	status.set(1)
	assert.Equal(t, int32(1), status.renders.Load())
}

func TestObserveReorderedNotificationDropped(t *testing.T) {
	status := &statusResource{}
	site := NewSite()
	site.Add("/status", status)
	_, client, pair := newTestPair(t, site)

	req := newGet(pair, "/status")
	req.Type = message.NonConfirmable
	req.Options.SetObserve(message.ObserveRegister)
	r := client.Request(req)
	_, err := wait(t, r)
	require.NoError(t, err)

	// The server's next two notifications arrive newest first.
	pair.Pipe().Reverse(0, 2)
	status.set(1)
	status.set(2)

	n := nextNotification(t, r.Observation())
	assert.Equal(t, "2", string(n.Payload))

	status.set(3)
	n = nextNotification(t, r.Observation())
	assert.Equal(t, "3", string(n.Payload), "the older notification must be dropped")
}
