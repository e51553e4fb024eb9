// Package header implements the Autocrypt key-announcement header format.
//
// A header value is a semicolon separated list of name=value attributes:
//
//	addr=bob@example.org; prefer-encrypt=yes; keydata=QUJD...
//
// addr and keydata are mandatory. prefer-encrypt and type are optional and
// every other attribute is ignored so that newer senders stay readable.
package header

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/migadu/autocrypt/consts"
	"github.com/migadu/autocrypt/helpers"
)

const (
	AttrAddr          = "addr"
	AttrKeyData       = "keydata"
	AttrPreferEncrypt = "prefer-encrypt"
	AttrType          = "type"
)

// PreferEncrypt is a peer's stated preference for receiving encrypted mail.
type PreferEncrypt int

const (
	PreferNotSet PreferEncrypt = iota
	PreferYes
	PreferNo
)

func (p PreferEncrypt) String() string {
	switch p {
	case PreferYes:
		return "yes"
	case PreferNo:
		return "no"
	default:
		return "notset"
	}
}

// ParsePreferEncrypt parses a user supplied setting. Unlike header decoding it
// rejects unknown values.
func ParsePreferEncrypt(s string) (PreferEncrypt, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "notset", "":
		return PreferNotSet, nil
	case "yes":
		return PreferYes, nil
	case "no":
		return PreferNo, nil
	}
	return PreferNotSet, fmt.Errorf("%w: %q (expected notset, yes or no)", consts.ErrInvalidPreference, s)
}

func (p PreferEncrypt) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *PreferEncrypt) UnmarshalText(text []byte) error {
	v, err := ParsePreferEncrypt(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Header is the structured form of one key-announcement header.
type Header struct {
	Addr          string
	KeyData       []byte
	PreferEncrypt PreferEncrypt
	Type          string
}

// Usable reports whether the header carries key material this
// implementation can store. A structurally valid header with an unknown type
// is not usable.
func (h *Header) Usable() bool {
	return h != nil && h.Type == consts.SupportedKeyType && len(h.KeyData) > 0
}

// Check returns an error describing why the header is not usable.
func (h *Header) Check() error {
	if h == nil {
		return consts.ErrNoHeader
	}
	if h.Type != consts.SupportedKeyType {
		return &DecodeError{Attr: AttrType, Value: h.Type, Err: consts.ErrUnsupportedType}
	}
	if len(h.KeyData) == 0 {
		return &DecodeError{Attr: AttrKeyData, Err: consts.ErrMissingAttribute}
	}
	return nil
}

// KeyDataBase64 returns keydata in its wire encoding.
func (h *Header) KeyDataBase64() string {
	return base64.StdEncoding.EncodeToString(h.KeyData)
}

// Equal compares two headers attribute by attribute.
func (h *Header) Equal(o *Header) bool {
	if h == nil || o == nil {
		return h == o
	}
	return helpers.SameAddress(h.Addr, o.Addr) &&
		bytes.Equal(h.KeyData, o.KeyData) &&
		h.PreferEncrypt == o.PreferEncrypt &&
		h.Type == o.Type
}

// DecodeError reports which attribute made a header unusable.
type DecodeError struct {
	Attr  string
	Value string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("autocrypt header attribute %q (%q): %v", e.Attr, e.Value, e.Err)
	}
	return fmt.Sprintf("autocrypt header attribute %q: %v", e.Attr, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
