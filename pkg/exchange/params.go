package exchange

import "time"

// Transmission parameter defaults from RFC 7252 Section 4.8.
const (
	// DefaultAckTimeout is ACK_TIMEOUT, the base retransmission timeout.
	DefaultAckTimeout = 2 * time.Second

	// DefaultAckRandomFactor is ACK_RANDOM_FACTOR. The initial timeout is
	// drawn uniformly from [ACK_TIMEOUT, ACK_TIMEOUT*ACK_RANDOM_FACTOR).
	DefaultAckRandomFactor = 1.5

	// DefaultMaxRetransmit is MAX_RETRANSMIT, the number of retransmissions
	// after the initial transmission.
	DefaultMaxRetransmit = 4

	// DefaultExchangeLifetime is EXCHANGE_LIFETIME, the time from the first
	// transmission of a Confirmable message until its message ID may be
	// reused. It bounds the deduplication window.
	DefaultExchangeLifetime = 247 * time.Second

	// DefaultNonLifetime is NON_LIFETIME, the same bound for Non-confirmable
	// messages.
	DefaultNonLifetime = 145 * time.Second

	// DefaultEmptyAckDelay is how long a Confirmable request may wait for
	// its response before an empty ACK is sent and the response is deferred
	// to a separate message.
	DefaultEmptyAckDelay = 100 * time.Millisecond

	// DefaultDedupCapacity bounds the deduplication table.
	DefaultDedupCapacity = 4096

	// NoRetransmit as MaxRetransmit disables retransmission. A zero
	// MaxRetransmit takes the default instead.
	NoRetransmit = -1
)

// Limits accepted by Validate.
const (
	// MaxAckTimeout caps ACK_TIMEOUT.
	MaxAckTimeout = time.Minute

	// MaxMaxRetransmit caps MAX_RETRANSMIT. Larger values overflow the
	// doubling timeout long before they are useful.
	MaxMaxRetransmit = 16
)

// Params holds the transmission parameters of a context.
type Params struct {
	// AckTimeout is ACK_TIMEOUT.
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// AckRandomFactor is ACK_RANDOM_FACTOR.
	AckRandomFactor float64 `yaml:"ack_random_factor"`

	// MaxRetransmit is MAX_RETRANSMIT. Use NoRetransmit to send
	// Confirmable messages only once.
	MaxRetransmit int `yaml:"max_retransmit"`

	// ExchangeLifetime is EXCHANGE_LIFETIME, used as the retention window
	// for Confirmable deduplication entries.
	ExchangeLifetime time.Duration `yaml:"exchange_lifetime"`

	// NonLifetime is NON_LIFETIME, the retention window for Non-confirmable
	// deduplication entries.
	NonLifetime time.Duration `yaml:"non_lifetime"`

	// EmptyAckDelay is the piggyback window for responses.
	EmptyAckDelay time.Duration `yaml:"empty_ack_delay"`

	// DedupCapacity is the maximum number of deduplication entries.
	DedupCapacity int `yaml:"dedup_capacity"`
}

// DefaultParams returns the RFC 7252 default parameters.
func DefaultParams() Params {
	return Params{
		AckTimeout:       DefaultAckTimeout,
		AckRandomFactor:  DefaultAckRandomFactor,
		MaxRetransmit:    DefaultMaxRetransmit,
		ExchangeLifetime: DefaultExchangeLifetime,
		NonLifetime:      DefaultNonLifetime,
		EmptyAckDelay:    DefaultEmptyAckDelay,
		DedupCapacity:    DefaultDedupCapacity,
	}
}

// Validate checks that the parameters are usable.
// Returns true if all parameters are valid.
func (p Params) Validate() bool {
	if p.AckTimeout <= 0 || p.AckTimeout > MaxAckTimeout {
		return false
	}
	if p.AckRandomFactor < 1 {
		return false
	}
	if p.MaxRetransmit < NoRetransmit || p.MaxRetransmit > MaxMaxRetransmit {
		return false
	}
	if p.ExchangeLifetime <= 0 || p.NonLifetime <= 0 {
		return false
	}
	if p.EmptyAckDelay < 0 {
		return false
	}
	if p.DedupCapacity <= 0 {
		return false
	}
	return true
}

// WithDefaults returns a copy of the parameters with zero values replaced by defaults.
func (p Params) WithDefaults() Params {
	result := p
	if result.AckTimeout == 0 {
		result.AckTimeout = DefaultAckTimeout
	}
	if result.AckRandomFactor == 0 {
		result.AckRandomFactor = DefaultAckRandomFactor
	}
	switch result.MaxRetransmit {
	case 0:
		result.MaxRetransmit = DefaultMaxRetransmit
	case NoRetransmit:
		result.MaxRetransmit = 0
	}
	if result.ExchangeLifetime == 0 {
		result.ExchangeLifetime = DefaultExchangeLifetime
	}
	if result.NonLifetime == 0 {
		result.NonLifetime = DefaultNonLifetime
	}
	if result.EmptyAckDelay == 0 {
		result.EmptyAckDelay = DefaultEmptyAckDelay
	}
	if result.DedupCapacity == 0 {
		result.DedupCapacity = DefaultDedupCapacity
	}
	return result
}

// MaxTransmitSpan is MAX_TRANSMIT_SPAN, the longest time from the first to
// the last transmission of a Confirmable message.
func (p Params) MaxTransmitSpan() time.Duration {
	n := max(p.MaxRetransmit, 0)
	return time.Duration(float64(p.AckTimeout) * float64(int(1)<<n-1) * p.AckRandomFactor)
}

// MaxTransmitWait is MAX_TRANSMIT_WAIT, the longest time from the first
// transmission of a Confirmable message until the sender gives up.
func (p Params) MaxTransmitWait() time.Duration {
	n := max(p.MaxRetransmit, 0)
	return time.Duration(float64(p.AckTimeout) * float64(int(1)<<(n+1)-1) * p.AckRandomFactor)
}
