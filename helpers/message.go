package helpers

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/migadu/autocrypt/consts"
)

// IncomingMessage holds the parts of a received message that matter for
// peer state: who sent it, when, and the raw Autocrypt header values.
type IncomingMessage struct {
	From      string
	Date      time.Time
	HasDate   bool
	Autocrypt []string
}

// ParseIncomingMessage reads the header block of an RFC 5322 message. The
// body is not consumed beyond the header terminator.
func ParseIncomingMessage(r io.Reader) (*IncomingMessage, error) {
	th, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", consts.ErrMalformedMessage, err)
	}
	h := mail.Header{Header: message.Header{Header: th}}

	from, err := h.AddressList("From")
	if err != nil {
		return nil, fmt.Errorf("%w: invalid From header: %v", consts.ErrMalformedMessage, err)
	}
	if len(from) == 0 {
		return nil, fmt.Errorf("%w: missing From header", consts.ErrMalformedMessage)
	}

	msg := &IncomingMessage{
		From:      NormalizeAddress(from[0].Address),
		Autocrypt: h.Values(consts.AutocryptHeader),
	}
	if h.Has("Date") {
		if date, err := h.Date(); err == nil {
			msg.Date = date
			msg.HasDate = true
		}
	}
	return msg, nil
}
