// Package address implements the hierarchical, dot-separated addressing
// scheme used to name packet destinations and routing prefixes.
package address

import (
	"errors"
	"strings"
)

// ErrInvalidAddress is returned for any address that fails the well-formed
// checks: at least one segment, no empty segments, no leading/trailing dot.
var ErrInvalidAddress = errors.New("address: malformed hierarchical address")

// Address is a validated dot-separated hierarchical label, e.g.
// "g.workflow.resize.watermark". Duplicated step names (e.g.
// "g.workflow.resize.resize") are permitted and executed in segment order;
// this connector does not deduplicate steps.
type Address string

// Parse validates raw and returns it as an Address, or ErrInvalidAddress.
func Parse(raw string) (Address, error) {
	if raw == "" {
		return "", ErrInvalidAddress
	}
	if strings.HasPrefix(raw, ".") || strings.HasSuffix(raw, ".") {
		return "", ErrInvalidAddress
	}

	segs := strings.Split(raw, ".")
	for _, s := range segs {
		if s == "" {
			return "", ErrInvalidAddress
		}
	}

	return Address(raw), nil
}

// MustParse is Parse, panicking on error. Intended for test fixtures and
// compile-time constant addresses.
func MustParse(raw string) Address {
	a, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the address's raw textual form.
func (a Address) String() string { return string(a) }

// Segments splits the address into its dot-separated components.
func (a Address) Segments() []string {
	return strings.Split(string(a), ".")
}

// HasPrefix reports whether prefix matches a at a segment boundary: prefix
// matches address iff prefix, extended by a trailing dot, is a textual
// prefix of address+".".
func HasPrefix(prefix, a Address) bool {
	p := string(prefix) + "."
	s := string(a) + "."
	return strings.HasPrefix(s, p)
}

// Depth returns the number of dot-separated segments in the address.
func (a Address) Depth() int {
	return len(a.Segments())
}
