package observe

import "time"

// SequenceModulus is the range of the Observe sequence number (24 bits).
const SequenceModulus = 1 << 24

// FreshnessWindow is the wall-clock age after which any notification counts
// as fresh regardless of its sequence number (RFC 7641 Section 3.4).
const FreshnessWindow = 128 * time.Second

// Freshness tracks the newest notification of one observation on the
// client side.
type Freshness struct {
	seq   uint32
	at    time.Time
	valid bool
}

// Accept reports whether a notification with sequence number seq arriving
// at now is newer than the last accepted one, and records it if so.
func (f *Freshness) Accept(seq uint32, now time.Time) bool {
	seq %= SequenceModulus
	if f.valid && !isNewer(f.seq, seq) && !now.After(f.at.Add(FreshnessWindow)) {
		return false
	}
	f.seq = seq
	f.at = now
	f.valid = true
	return true
}

// Last returns the last accepted sequence number.
func (f *Freshness) Last() (uint32, bool) {
	return f.seq, f.valid
}

// isNewer implements the 24-bit serial number comparison of RFC 7641
// Section 3.4.
func isNewer(v1, v2 uint32) bool {
	const half = SequenceModulus / 2
	return (v1 < v2 && v2-v1 < half) || (v1 > v2 && v1-v2 > half)
}
