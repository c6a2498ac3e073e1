package credentials

import (
	"net/netip"
	"testing"

	"github.com/backkem/coap/pkg/endpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapLookup(t *testing.T) {
	m := NewMap()
	require.NoError(t, m.Set("coaps://[2001:db8::1]/*", PreSharedKey{Identity: []byte("a"), Secret: []byte("s1")}))
	require.NoError(t, m.Set("coaps://[2001:db8::1]/sensors/*", PreSharedKey{Identity: []byte("b"), Secret: []byte("s2")}))
	require.NoError(t, m.Set("coaps://example.com/exact", PreSharedKey{Identity: []byte("c"), Secret: []byte("s3")}))

	key, err := m.Lookup("coaps://[2001:db8::1]/sensors/temp")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), key.Identity, "longest prefix wins")

	key, err = m.Lookup("coaps://[2001:db8::1]/other")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), key.Identity)

	key, err = m.Lookup("coaps://example.com/exact")
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), key.Identity)

	_, err = m.Lookup("coaps://example.com/exact/more")
	assert.ErrorIs(t, err, ErrNotFound)

	m.Remove("coaps://example.com/exact")
	assert.Equal(t, 2, m.Len())
}

func TestMapRejectsEmptySecret(t *testing.T) {
	m := NewMap()
	assert.ErrorIs(t, m.Set("*", PreSharedKey{Identity: []byte("x")}), ErrEmptySecret)
}

func TestEpochIDDistinguishesEpochs(t *testing.T) {
	key := PreSharedKey{Identity: []byte("client"), Secret: []byte("secretPSK")}
	session := []byte{0xde, 0xad}

	e1, err := key.EpochID(session, 1)
	require.NoError(t, err)
	e1again, err := key.EpochID(session, 1)
	require.NoError(t, err)
	e2, err := key.EpochID(session, 2)
	require.NoError(t, err)

	assert.Len(t, e1, EpochIDSize)
	assert.Equal(t, e1, e1again)
	assert.NotEqual(t, e1, e2)

	// The derived identifier feeds address identity: a rekey must yield a
	// different peer identity while the network address is unchanged.
	inner := endpoint.NewUDPAddress(netip.MustParseAddrPort("192.0.2.1:5684"), netip.AddrPort{})
	a := endpoint.NewSecureAddress(inner, e1)
	b := endpoint.NewSecureAddress(inner, e1again)
	c := endpoint.NewSecureAddress(inner, e2)
	assert.True(t, endpoint.Equal(a, b))
	assert.False(t, endpoint.Equal(a, c))
}

func TestRecordKeyIndependentOfEpochID(t *testing.T) {
	key := PreSharedKey{Identity: []byte("client"), Secret: []byte("secretPSK")}

	id, err := key.EpochID(key.Identity, 0)
	require.NoError(t, err)
	rk, err := key.RecordKey(key.Identity, 0)
	require.NoError(t, err)
	rk1, err := key.RecordKey(key.Identity, 1)
	require.NoError(t, err)

	assert.Len(t, rk, RecordKeySize)
	assert.NotEqual(t, id, rk[:EpochIDSize])
	assert.NotEqual(t, rk, rk1)

	_, err = PreSharedKey{}.RecordKey(nil, 0)
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestMapByIdentity(t *testing.T) {
	m := NewMap()
	require.NoError(t, m.Set("coaps://a/*", PreSharedKey{Identity: []byte("a"), Secret: []byte("s1")}))
	require.NoError(t, m.Set("coaps://b/*", PreSharedKey{Identity: []byte("b"), Secret: []byte("s2")}))

	key, err := m.ByIdentity([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("s2"), key.Secret)

	_, err = m.ByIdentity([]byte("c"))
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}
