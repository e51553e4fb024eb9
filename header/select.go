package header

import (
	"github.com/migadu/autocrypt/consts"
)

// Select decodes every header value found on one message and returns the
// single header that should be honored.
//
// Values that fail to decode are skipped. When more than one usable header
// remains and they disagree, the message is treated as carrying no usable
// header and consts.ErrConflictingHeaders is returned. When no value decodes
// the first decode error is returned, or consts.ErrNoHeader if values is
// empty.
func Select(values []string, from string) (*Header, error) {
	if len(values) == 0 {
		return nil, consts.ErrNoHeader
	}

	var (
		usable   []*Header
		unusable *Header
		firstErr error
	)
	for _, v := range values {
		h, err := Decode(v, from)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !h.Usable() {
			if unusable == nil {
				unusable = h
			}
			continue
		}
		usable = append(usable, h)
	}

	switch len(usable) {
	case 0:
		if unusable != nil {
			return unusable, nil
		}
		return nil, firstErr
	case 1:
		return usable[0], nil
	}
	for _, h := range usable[1:] {
		if !h.Equal(usable[0]) {
			return nil, consts.ErrConflictingHeaders
		}
	}
	return usable[0], nil
}
