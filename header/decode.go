package header

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/migadu/autocrypt/consts"
	"github.com/migadu/autocrypt/helpers"
)

// Decode parses one header value found on a message sent by from.
//
// A header with an unknown type is returned without error; callers must use
// Usable or Check before trusting its key material.
func Decode(value, from string) (*Header, error) {
	attrs, err := parseAttributes(value)
	if err != nil {
		return nil, err
	}

	addr, ok := attrs[AttrAddr]
	if !ok || addr == "" {
		return nil, &DecodeError{Attr: AttrAddr, Err: consts.ErrMissingAttribute}
	}
	keydata, ok := attrs[AttrKeyData]
	if !ok || keydata == "" {
		return nil, &DecodeError{Attr: AttrKeyData, Err: consts.ErrMissingAttribute}
	}
	if !helpers.SameAddress(addr, from) {
		return nil, &DecodeError{Attr: AttrAddr, Value: addr, Err: consts.ErrAddressMismatch}
	}

	// Folded headers leave whitespace inside keydata.
	raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(keydata), ""))
	if err != nil {
		return nil, &DecodeError{Attr: AttrKeyData, Err: errors.Join(consts.ErrMalformedHeader, err)}
	}

	h := &Header{
		Addr:          helpers.NormalizeAddress(addr),
		KeyData:       raw,
		PreferEncrypt: decodePreferEncrypt(attrs[AttrPreferEncrypt]),
		Type:          consts.SupportedKeyType,
	}
	if t, ok := attrs[AttrType]; ok {
		h.Type = t
	}
	return h, nil
}

// decodePreferEncrypt never fails. Only "yes" is meaningful on the wire;
// "no" and any other value decode to notset. PreferNo is an own-account
// setting only.
func decodePreferEncrypt(v string) PreferEncrypt {
	if strings.EqualFold(v, "yes") {
		return PreferYes
	}
	return PreferNotSet
}

func parseAttributes(value string) (map[string]string, error) {
	attrs := make(map[string]string)
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, val, found := strings.Cut(part, "=")
		if !found {
			// A bare token is an attribute we do not understand.
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if _, dup := attrs[name]; dup {
			return nil, &DecodeError{Attr: name, Err: consts.ErrMalformedHeader}
		}
		attrs[name] = strings.TrimSpace(val)
	}
	return attrs, nil
}
