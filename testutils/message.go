package testutils

import (
	"fmt"
	"strings"
	"time"
)

// BuildMessage renders a minimal message from `from` dated `date`, carrying
// one Autocrypt header per value.
func BuildMessage(from string, date time.Time, autocrypt ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: alice@example.org\r\n")
	fmt.Fprintf(&b, "Subject: test\r\n")
	if !date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	}
	for _, v := range autocrypt {
		fmt.Fprintf(&b, "Autocrypt: %s\r\n", v)
	}
	b.WriteString("Content-Type: text/plain\r\n\r\nhello\r\n")
	return b.String()
}
