package header

import (
	"strings"

	"github.com/migadu/autocrypt/consts"
)

// Encode renders h in wire form. prefer-encrypt is omitted when notset and
// type is omitted when it is the default.
func Encode(h *Header) string {
	var b strings.Builder
	b.WriteString(AttrAddr + "=" + h.Addr)
	if h.Type != "" && h.Type != consts.SupportedKeyType {
		b.WriteString("; " + AttrType + "=" + h.Type)
	}
	if h.PreferEncrypt != PreferNotSet {
		b.WriteString("; " + AttrPreferEncrypt + "=" + h.PreferEncrypt.String())
	}
	b.WriteString("; " + AttrKeyData + "=" + h.KeyDataBase64())
	return b.String()
}

// HeaderLine renders a full "Autocrypt: ..." header line.
func HeaderLine(h *Header) string {
	return consts.AutocryptHeader + ": " + Encode(h)
}
