// Package credentials holds the security material transports consult when
// establishing a security context with a peer.
//
// The exchange engine exposes a Map as its client credentials; a secure
// transport looks up the entry for the request URI and derives the
// identity of each keying epoch from it. The handshake itself is not part
// of this module.
package credentials

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Derived output sizes.
const (
	// EpochIDSize is the length of a derived epoch identifier.
	EpochIDSize = 16

	// RecordKeySize is the length of a derived record protection key.
	RecordKeySize = 32
)

// HKDF info labels.
var (
	epochInfo  = []byte("coap epoch id")
	recordInfo = []byte("coap record key")
)

// PreSharedKey is a PSK credential.
type PreSharedKey struct {
	// Identity is the PSK identity sent to the peer.
	Identity []byte

	// Secret is the shared key.
	Secret []byte
}

// Validate checks the credential.
func (k PreSharedKey) Validate() error {
	if len(k.Secret) == 0 {
		return ErrEmptySecret
	}
	return nil
}

// EpochID derives the identifier of one keying epoch of a session.
//
// The identifier is HKDF-SHA256(secret, salt=sessionID, info=label||epoch)
// truncated to EpochIDSize. It does not reveal the secret, and any change of
// session or epoch yields a different identifier.
func (k PreSharedKey) EpochID(sessionID []byte, epoch uint16) ([]byte, error) {
	return k.derive(epochInfo, sessionID, epoch, EpochIDSize)
}

// RecordKey derives the key that protects the records of one keying epoch.
// It uses a label distinct from EpochID, so the public identifier says
// nothing about the key.
func (k PreSharedKey) RecordKey(sessionID []byte, epoch uint16) ([]byte, error) {
	return k.derive(recordInfo, sessionID, epoch, RecordKeySize)
}

func (k PreSharedKey) derive(label, sessionID []byte, epoch uint16, size int) ([]byte, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}

	info := make([]byte, len(label)+2)
	copy(info, label)
	binary.BigEndian.PutUint16(info[len(label):], epoch)

	r := hkdf.New(sha256.New, k.Secret, sessionID, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Map associates URI patterns with credentials. A pattern ending in "*"
// matches any URI with that prefix; other patterns match exactly. The
// longest matching pattern wins.
//
// Safe for concurrent use: transports may consult it from their own
// goroutines.
type Map struct {
	entries map[string]PreSharedKey
	mu      sync.RWMutex
}

// NewMap creates an empty credentials map.
func NewMap() *Map {
	return &Map{entries: make(map[string]PreSharedKey)}
}

// Set adds or replaces the credential for a pattern.
func (m *Map) Set(pattern string, key PreSharedKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[pattern] = key
	return nil
}

// Remove deletes the credential for a pattern.
func (m *Map) Remove(pattern string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, pattern)
}

// Lookup returns the credential that applies to uri.
func (m *Map) Lookup(uri string) (PreSharedKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if key, ok := m.entries[uri]; ok {
		return key, nil
	}

	patterns := make([]string, 0, len(m.entries))
	for p := range m.entries {
		if strings.HasSuffix(p, "*") {
			patterns = append(patterns, p)
		}
	}
	// Longest prefix first.
	sort.Slice(patterns, func(i, j int) bool { return len(patterns[i]) > len(patterns[j]) })

	for _, p := range patterns {
		if strings.HasPrefix(uri, strings.TrimSuffix(p, "*")) {
			return m.entries[p], nil
		}
	}
	return PreSharedKey{}, ErrNotFound
}

// ByIdentity returns the credential with the given identity. Servers use it
// to pick the key a peer announced.
func (m *Map) ByIdentity(identity []byte) (PreSharedKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, key := range m.entries {
		if bytes.Equal(key.Identity, identity) {
			return key, nil
		}
	}
	return PreSharedKey{}, ErrUnknownIdentity
}

// Len returns the number of entries.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
