package coap

import (
	"context"
	"testing"

	"github.com/backkem/coap/pkg/credentials"
	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSecurePair connects a server context serving site with a client
// context over PSK transports on an in-memory pipe.
func newSecurePair(t *testing.T, site Resource, serverKey, clientKey credentials.PreSharedKey) (*Context, *transport.PSK) {
	t.Helper()

	serverCreds := credentials.NewMap()
	require.NoError(t, serverCreds.Set("*", serverKey))
	clientCreds := credentials.NewMap()
	require.NoError(t, clientCreds.Set("coaps://pipe:0/*", clientKey))

	server, err := NewContext(Config{Site: site, Params: testParams(), Credentials: serverCreds})
	require.NoError(t, err)
	client, err := NewContext(Config{Params: testParams(), Credentials: clientCreds})
	require.NoError(t, err)

	pipe := transport.NewPipe(false)
	serverPSK, err := transport.NewPSK(transport.PSKConfig{Conn: pipe.End(0), Manager: server})
	require.NoError(t, err)
	clientPSK, err := transport.NewPSK(transport.PSKConfig{Conn: pipe.End(1), Manager: client})
	require.NoError(t, err)

	for _, p := range []struct {
		c *Context
		t *transport.PSK
	}{{server, serverPSK}, {client, clientPSK}} {
		require.NoError(t, p.c.AddTransport(p.t))
		require.NoError(t, p.t.Start())
		require.NoError(t, p.c.Open())
	}

	t.Cleanup(func() {
		ctx := context.Background()
		client.Shutdown(ctx)
		server.Shutdown(ctx)
		pipe.Close()
	})
	return client, clientPSK
}

func newSecureGet(path string) *message.Message {
	req := &message.Message{
		Type:   message.Confirmable,
		Code:   message.GET,
		Scheme: transport.SchemeCoAPS,
		Remote: endpoint.FromNetAddr(transport.PipeAddr(0), nil),
	}
	req.Options.SetPath(path)
	return req
}

func TestSecureRequestResponse(t *testing.T) {
	site := NewSite()
	site.Add("/secret", text("sealed"))
	key := credentials.PreSharedKey{Identity: []byte("client-1"), Secret: []byte("shared secret")}
	client, _ := newSecurePair(t, site, key, key)

	resp, err := wait(t, client.Request(newSecureGet("/secret")))
	require.NoError(t, err)
	assert.Equal(t, message.Content, resp.Code)
	assert.Equal(t, "sealed", string(resp.Payload))

	sec, ok := resp.Remote.(*endpoint.SecureAddress)
	require.True(t, ok, "response remote is %T", resp.Remote)
	assert.Equal(t, "coaps://pipe:0", sec.URI())

	want, err := key.EpochID(key.Identity, 0)
	require.NoError(t, err)
	assert.Equal(t, want, sec.EpochID())
}

func TestSecureRekeyChangesPeerIdentity(t *testing.T) {
	site := NewSite()
	site.Add("/secret", text("sealed"))
	key := credentials.PreSharedKey{Identity: []byte("client-1"), Secret: []byte("shared secret")}
	client, clientPSK := newSecurePair(t, site, key, key)

	first, err := wait(t, client.Request(newSecureGet("/secret")))
	require.NoError(t, err)
	old := first.Remote.(*endpoint.SecureAddress)

	next, err := clientPSK.Rekey(old)
	require.NoError(t, err)
	assert.False(t, endpoint.Equal(old, next))

	second, err := wait(t, client.Request(newSecureGet("/secret")))
	require.NoError(t, err)
	assert.Equal(t, "sealed", string(second.Payload))
	assert.True(t, endpoint.Equal(next, second.Remote), "response arrived on the new epoch")
	assert.False(t, endpoint.Equal(old, second.Remote))

	// The retired epoch is gone.
	stale := &message.Message{Type: message.Confirmable, Code: message.GET, Remote: old}
	stale.Options.SetPath("/secret")
	_, err = wait(t, client.Request(stale))
	assert.ErrorIs(t, err, transport.ErrUnsupported)
}

func TestSecureWrongKeyTimesOut(t *testing.T) {
	site := NewSite()
	site.Add("/secret", text("sealed"))
	client, _ := newSecurePair(t, site,
		credentials.PreSharedKey{Identity: []byte("client-1"), Secret: []byte("server view")},
		credentials.PreSharedKey{Identity: []byte("client-1"), Secret: []byte("client view")})

	_, err := wait(t, client.Request(newSecureGet("/secret")))
	assert.ErrorIs(t, err, exchange.ErrTimeout)
}

func TestSecureNoCredentials(t *testing.T) {
	key := credentials.PreSharedKey{Identity: []byte("client-1"), Secret: []byte("shared secret")}
	client, _ := newSecurePair(t, NewSite(), key, key)

	req := newSecureGet("/secret")
	req.Remote = endpoint.FromNetAddr(transport.PipeAddr(7), nil)
	_, err := wait(t, client.Request(req))
	assert.ErrorIs(t, err, transport.ErrNoCredentials)
}
