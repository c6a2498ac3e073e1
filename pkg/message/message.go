package message

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/backkem/coap/pkg/endpoint"
)

// MaxTokenLength is the longest token CoAP allows (RFC 7252 Section 3).
const MaxTokenLength = 8

// Observe option values used in requests (RFC 7641 Section 2).
const (
	// ObserveRegister asks the server to add the requester to the list of
	// observers.
	ObserveRegister uint32 = 0

	// ObserveDeregister asks the server to remove the requester.
	ObserveDeregister uint32 = 1
)

// Options holds the options the exchange layer interprets. Presence of
// scalar options is signalled by non-nil pointers.
type Options struct {
	URIHost  string
	URIPort  uint16
	URIPath  []string
	URIQuery []string

	ContentFormat *uint16
	ETag          []byte

	Observe *uint32
	Block1  *Block
	Block2  *Block
	Size1   *uint32
	Size2   *uint32
}

// Copy returns a deep copy of the options.
func (o Options) Copy() Options {
	c := o
	c.URIPath = append([]string(nil), o.URIPath...)
	c.URIQuery = append([]string(nil), o.URIQuery...)
	c.ETag = append([]byte(nil), o.ETag...)
	if o.ContentFormat != nil {
		v := *o.ContentFormat
		c.ContentFormat = &v
	}
	if o.Observe != nil {
		v := *o.Observe
		c.Observe = &v
	}
	if o.Block1 != nil {
		v := *o.Block1
		c.Block1 = &v
	}
	if o.Block2 != nil {
		v := *o.Block2
		c.Block2 = &v
	}
	if o.Size1 != nil {
		v := *o.Size1
		c.Size1 = &v
	}
	if o.Size2 != nil {
		v := *o.Size2
		c.Size2 = &v
	}
	return c
}

// Path returns the Uri-Path options joined as an absolute path.
func (o Options) Path() string {
	return "/" + strings.Join(o.URIPath, "/")
}

// SetPath splits an absolute or relative path into Uri-Path options.
func (o *Options) SetPath(path string) {
	path = strings.Trim(path, "/")
	if path == "" {
		o.URIPath = nil
		return
	}
	o.URIPath = strings.Split(path, "/")
}

// SetObserve sets the Observe option.
func (o *Options) SetObserve(v uint32) {
	o.Observe = &v
}

// SetBlock1 sets the Block1 option.
func (o *Options) SetBlock1(b Block) {
	o.Block1 = &b
}

// SetBlock2 sets the Block2 option.
func (o *Options) SetBlock2(b Block) {
	o.Block2 = &b
}

// SetSize1 sets the Size1 option.
func (o *Options) SetSize1(v uint32) {
	o.Size1 = &v
}

// SetSize2 sets the Size2 option.
func (o *Options) SetSize2(v uint32) {
	o.Size2 = &v
}

// Message is one CoAP message as handed between the transports and the
// exchange engine.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   Options
	Payload   []byte

	// Remote is the peer this message came from or goes to. It is set by a
	// transport for inbound messages and by DetermineRemote for outbound
	// ones.
	Remote endpoint.Address

	// Scheme is the URI scheme requested for an outbound message whose
	// Remote is not yet resolved (e.g. "coap", "coaps").
	Scheme string
}

// Copy returns a deep copy of the message. Remote is shared, addresses
// being immutable.
func (m *Message) Copy() *Message {
	c := *m
	c.Token = append([]byte(nil), m.Token...)
	c.Payload = append([]byte(nil), m.Payload...)
	c.Options = m.Options.Copy()
	return &c
}

// IsRequest returns true if the message carries a request method.
func (m *Message) IsRequest() bool {
	return m.Code.IsRequest()
}

// IsResponse returns true if the message carries a response code.
func (m *Message) IsResponse() bool {
	return m.Code.IsResponse()
}

// IsEmpty returns true for empty (0.00) messages such as bare ACKs or pings.
func (m *Message) IsEmpty() bool {
	return m.Code.IsEmpty()
}

// TokenKey returns the token as a comparable map key.
func (m *Message) TokenKey() string {
	return string(m.Token)
}

// Validate checks the invariants the exchange layer relies on.
func (m *Message) Validate() error {
	if !m.Type.IsValid() {
		return ErrInvalidType
	}
	if len(m.Token) > MaxTokenLength {
		return ErrTokenTooLong
	}
	return nil
}

// SameContent reports whether two messages carry the same code, token and
// payload. Used by tests and by the client to recognise replays.
func (m *Message) SameContent(other *Message) bool {
	return m.Code == other.Code &&
		bytes.Equal(m.Token, other.Token) &&
		bytes.Equal(m.Payload, other.Payload)
}

// String returns a short description for logs.
func (m *Message) String() string {
	remote := "<unresolved>"
	if m.Remote != nil {
		remote = m.Remote.HostInfo()
	}
	return fmt.Sprintf("%s %s mid=%d token=%x remote=%s len=%d",
		m.Type, m.Code, m.MessageID, m.Token, remote, len(m.Payload))
}

// NewEmptyAck builds an empty ACK for a received Confirmable message.
func NewEmptyAck(req *Message) *Message {
	return &Message{
		Type:      Acknowledgement,
		Code:      Empty,
		MessageID: req.MessageID,
		Remote:    req.Remote,
	}
}

// NewReset builds a RST rejecting a received message.
func NewReset(msg *Message) *Message {
	return &Message{
		Type:      Reset,
		Code:      Empty,
		MessageID: msg.MessageID,
		Remote:    msg.Remote,
	}
}

// NewResponse builds an empty response to req with the given code. Type and
// message ID are decided by the exchange layer when it is sent.
func NewResponse(req *Message, code Code) *Message {
	return &Message{
		Code:   code,
		Token:  append([]byte(nil), req.Token...),
		Remote: req.Remote,
	}
}
