package discovery

import (
	"fmt"
	"strconv"
	"strings"
)

// TXT record keys. The attribute names follow the CoRE Link Format
// (RFC 6690 Section 3).
const (
	// TXTKeyPath is the base path of the advertised resources.
	TXTKeyPath = "path"

	// TXTKeyResourceType lists resource types, space separated.
	TXTKeyResourceType = "rt"

	// TXTKeyInterface is the interface description.
	TXTKeyInterface = "if"

	// TXTKeyContentFormat lists numeric content formats, space separated.
	TXTKeyContentFormat = "ct"

	// TXTKeyObservable marks a service whose resources can be observed.
	TXTKeyObservable = "obs"
)

// MaxTXTRecordLength is the longest character-string in a TXT record
// (RFC 6763 Section 6.1).
const MaxTXTRecordLength = 255

// ServiceTXT holds the TXT attributes of a _coap._udp service.
type ServiceTXT struct {
	// Path is the base path of the advertised resources (optional).
	Path string

	// ResourceTypes are the "rt" values of the resources (optional).
	ResourceTypes []string

	// Interface is the "if" value (optional).
	Interface string

	// ContentFormats are the supported content formats (optional).
	ContentFormats []uint16

	// Observable is set when the resources support observation.
	Observable bool
}

// Encode converts the TXT attributes to DNS-SD format strings.
func (s *ServiceTXT) Encode() []string {
	var txt []string

	if s.Path != "" {
		txt = append(txt, TXTKeyPath+"="+s.Path)
	}
	if len(s.ResourceTypes) > 0 {
		txt = append(txt, TXTKeyResourceType+"="+strings.Join(s.ResourceTypes, " "))
	}
	if s.Interface != "" {
		txt = append(txt, TXTKeyInterface+"="+s.Interface)
	}
	if len(s.ContentFormats) > 0 {
		formats := make([]string, len(s.ContentFormats))
		for i, cf := range s.ContentFormats {
			formats[i] = strconv.Itoa(int(cf))
		}
		txt = append(txt, TXTKeyContentFormat+"="+strings.Join(formats, " "))
	}
	if s.Observable {
		// Boolean attribute, present without a value (RFC 6763 Section 6.4).
		txt = append(txt, TXTKeyObservable)
	}

	return txt
}

// Validate checks that every encoded record fits in a TXT character-string.
func (s *ServiceTXT) Validate() error {
	for _, record := range s.Encode() {
		if len(record) > MaxTXTRecordLength {
			return fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalidTXTRecord, record[:16], MaxTXTRecordLength)
		}
	}
	if s.Path != "" && !strings.HasPrefix(s.Path, "/") {
		return fmt.Errorf("%w: path must be absolute", ErrInvalidTXTRecord)
	}
	return nil
}

// ParseTXT parses TXT records into a key-value map. Keys are
// case-insensitive and stored in lower case; boolean attributes map to "".
// Only the first occurrence of a key counts (RFC 6763 Section 6.4).
func ParseTXT(records []string) map[string]string {
	result := make(map[string]string)
	for _, record := range records {
		key, value, _ := strings.Cut(record, "=")
		if key == "" {
			continue
		}
		key = strings.ToLower(key)
		if _, exists := result[key]; exists {
			continue
		}
		result[key] = value
	}
	return result
}

// ParseServiceTXT parses the TXT records of a _coap._udp service.
func ParseServiceTXT(records []string) (*ServiceTXT, error) {
	m := ParseTXT(records)
	s := &ServiceTXT{
		Path:      m[TXTKeyPath],
		Interface: m[TXTKeyInterface],
	}

	if rt := m[TXTKeyResourceType]; rt != "" {
		s.ResourceTypes = strings.Fields(rt)
	}
	if ct := m[TXTKeyContentFormat]; ct != "" {
		for _, field := range strings.Fields(ct) {
			v, err := strconv.ParseUint(field, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("%w: ct=%q", ErrInvalidTXTRecord, ct)
			}
			s.ContentFormats = append(s.ContentFormats, uint16(v))
		}
	}
	if _, ok := m[TXTKeyObservable]; ok {
		s.Observable = true
	}

	return s, nil
}
