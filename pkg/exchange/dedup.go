package exchange

import (
	"container/list"
	"time"

	"github.com/backkem/coap/pkg/endpoint"
	"github.com/backkem/coap/pkg/message"
)

// messageKey identifies a message by remote and message ID. Message IDs are
// only unique per remote endpoint.
type messageKey struct {
	remote endpoint.Key
	mid    uint16
}

func keyOf(remote endpoint.Address, mid uint16) messageKey {
	return messageKey{remote: remote.Key(), mid: mid}
}

// dedupEntry remembers one inbound message ID.
type dedupEntry struct {
	key      messageKey
	seen     time.Time
	expires  time.Time
	response *message.Message
}

// DedupTable detects duplicate inbound Confirmable and Non-confirmable
// messages (RFC 7252 Section 4.5).
//
// Entries are kept for EXCHANGE_LIFETIME (Confirmable) or NON_LIFETIME
// (Non-confirmable) and purged lazily on lookup or by Sweep. The table is
// bounded: when full, the oldest entry by insertion order is evicted. A
// duplicate arriving after its entry was evicted is treated as fresh.
type DedupTable struct {
	entries map[messageKey]*list.Element
	order   *list.List

	params Params
}

// NewDedupTable creates a deduplication table.
func NewDedupTable(params Params) *DedupTable {
	return &DedupTable{
		entries: make(map[messageKey]*list.Element),
		order:   list.New(),
		params:  params.WithDefaults(),
	}
}

// Observe checks an inbound message. A fresh message is recorded with the
// current time. For a duplicate of an answered message the cached response
// is returned.
func (t *DedupTable) Observe(remote endpoint.Address, mid uint16, typ message.Type, now time.Time) (Decision, *message.Message) {
	key := keyOf(remote, mid)

	if elem, ok := t.entries[key]; ok {
		entry := elem.Value.(*dedupEntry)
		if now.Before(entry.expires) {
			if entry.response != nil {
				return DecisionDuplicateWithResponse, entry.response
			}
			return DecisionDuplicate, nil
		}
		// Expired: the peer reused the message ID.
		t.remove(elem)
	}

	t.insert(key, typ, now)
	return DecisionFresh, nil
}

// RecordResponse caches the response sent for a message so that duplicates
// are answered identically. It is a no-op if the message is not in the table.
func (t *DedupTable) RecordResponse(remote endpoint.Address, mid uint16, response *message.Message) {
	if elem, ok := t.entries[keyOf(remote, mid)]; ok {
		elem.Value.(*dedupEntry).response = response
	}
}

// Sweep removes every expired entry. Returns the number removed.
func (t *DedupTable) Sweep(now time.Time) int {
	removed := 0
	for elem := t.order.Front(); elem != nil; {
		next := elem.Next()
		if !now.Before(elem.Value.(*dedupEntry).expires) {
			t.remove(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// RemoveRemote drops every entry of a remote.
func (t *DedupTable) RemoveRemote(remote endpoint.Key) {
	for key, elem := range t.entries {
		if key.remote == remote {
			t.remove(elem)
		}
	}
}

// Count returns the number of entries.
func (t *DedupTable) Count() int {
	return len(t.entries)
}

// Clear removes all entries.
func (t *DedupTable) Clear() {
	t.entries = make(map[messageKey]*list.Element)
	t.order.Init()
}

func (t *DedupTable) insert(key messageKey, typ message.Type, now time.Time) {
	for len(t.entries) >= t.params.DedupCapacity {
		t.remove(t.order.Front())
	}

	window := t.params.ExchangeLifetime
	if typ == message.NonConfirmable {
		window = t.params.NonLifetime
	}
	entry := &dedupEntry{
		key:     key,
		seen:    now,
		expires: now.Add(window),
	}
	t.entries[key] = t.order.PushBack(entry)
}

func (t *DedupTable) remove(elem *list.Element) {
	entry := t.order.Remove(elem).(*dedupEntry)
	delete(t.entries, entry.key)
}
