package message

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MaxDatagramSize is the largest encoded message the bundled transports
// send in one datagram (IPv6 minimum MTU).
const MaxDatagramSize = 1280

// encMode is the CBOR encoder mode for datagrams.
// Configured for deterministic encoding so retransmissions are byte-identical.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for datagrams.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
		MaxArrayElements:  256,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// wireOptions mirrors Options with integer keys taken from the CoAP option
// registry numbers.
type wireOptions struct {
	URIHost       string   `cbor:"3,keyasint,omitempty"`
	ETag          []byte   `cbor:"4,keyasint,omitempty"`
	Observe       *uint32  `cbor:"6,keyasint,omitempty"`
	URIPort       uint16   `cbor:"7,keyasint,omitempty"`
	URIPath       []string `cbor:"11,keyasint,omitempty"`
	ContentFormat *uint16  `cbor:"12,keyasint,omitempty"`
	URIQuery      []string `cbor:"15,keyasint,omitempty"`
	Block2        *uint32  `cbor:"23,keyasint,omitempty"`
	Block1        *uint32  `cbor:"27,keyasint,omitempty"`
	Size2         *uint32  `cbor:"28,keyasint,omitempty"`
	Size1         *uint32  `cbor:"60,keyasint,omitempty"`
}

// wireMessage is the CBOR envelope of a datagram.
type wireMessage struct {
	Type      Type        `cbor:"1,keyasint"`
	Code      Code        `cbor:"2,keyasint"`
	MessageID uint16      `cbor:"3,keyasint"`
	Token     []byte      `cbor:"4,keyasint,omitempty"`
	Options   wireOptions `cbor:"5,keyasint"`
	Payload   []byte      `cbor:"6,keyasint,omitempty"`
}

// Encode serializes a message into a datagram. Remote and Scheme are not
// part of the datagram.
func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	w := wireMessage{
		Type:      m.Type,
		Code:      m.Code,
		MessageID: m.MessageID,
		Token:     m.Token,
		Payload:   m.Payload,
		Options: wireOptions{
			URIHost:       m.Options.URIHost,
			ETag:          m.Options.ETag,
			Observe:       m.Options.Observe,
			URIPort:       m.Options.URIPort,
			URIPath:       m.Options.URIPath,
			ContentFormat: m.Options.ContentFormat,
			URIQuery:      m.Options.URIQuery,
			Size1:         m.Options.Size1,
			Size2:         m.Options.Size2,
		},
	}
	if m.Options.Block1 != nil {
		v := m.Options.Block1.Value()
		w.Options.Block1 = &v
	}
	if m.Options.Block2 != nil {
		v := m.Options.Block2.Value()
		w.Options.Block2 = &v
	}

	data, err := encMode.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("message: encode: %w", err)
	}
	if len(data) > MaxDatagramSize {
		return nil, ErrMessageTooLarge
	}
	return data, nil
}

// Decode parses a datagram produced by Encode.
func Decode(data []byte) (*Message, error) {
	var w wireMessage
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m := &Message{
		Type:      w.Type,
		Code:      w.Code,
		MessageID: w.MessageID,
		Token:     w.Token,
		Payload:   w.Payload,
		Options: Options{
			URIHost:       w.Options.URIHost,
			ETag:          w.Options.ETag,
			Observe:       w.Options.Observe,
			URIPort:       w.Options.URIPort,
			URIPath:       w.Options.URIPath,
			ContentFormat: w.Options.ContentFormat,
			URIQuery:      w.Options.URIQuery,
			Size1:         w.Options.Size1,
			Size2:         w.Options.Size2,
		},
	}
	if w.Options.Block1 != nil {
		b, err := ParseBlock(*w.Options.Block1)
		if err != nil {
			return nil, err
		}
		m.Options.Block1 = &b
	}
	if w.Options.Block2 != nil {
		b, err := ParseBlock(*w.Options.Block2)
		if err != nil {
			return nil, err
		}
		m.Options.Block2 = &b
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}
