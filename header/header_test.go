package header

import (
	"errors"
	"testing"

	"github.com/migadu/autocrypt/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		from    string
		wantErr error
		want    *Header
	}{
		{
			name:  "minimal header",
			value: "addr=bob@example.org; keydata=QUJD",
			from:  "bob@example.org",
			want:  &Header{Addr: "bob@example.org", KeyData: []byte("ABC"), Type: consts.SupportedKeyType},
		},
		{
			name:  "prefer-encrypt yes and attributes in any order",
			value: "keydata=QUJD;prefer-encrypt=yes; addr=Bob@Example.org",
			from:  "bob@example.org",
			want:  &Header{Addr: "bob@example.org", KeyData: []byte("ABC"), PreferEncrypt: PreferYes, Type: consts.SupportedKeyType},
		},
		{
			name:  "prefer-encrypt no is notset",
			value: "addr=bob@example.org; prefer-encrypt=no; keydata=QUJD",
			from:  "bob@example.org",
			want:  &Header{Addr: "bob@example.org", KeyData: []byte("ABC"), Type: consts.SupportedKeyType},
		},
		{
			name:  "unknown prefer-encrypt value is notset",
			value: "addr=bob@example.org; prefer-encrypt=maybe; keydata=QUJD",
			from:  "bob@example.org",
			want:  &Header{Addr: "bob@example.org", KeyData: []byte("ABC"), Type: consts.SupportedKeyType},
		},
		{
			name:  "unknown attributes ignored",
			value: "addr=bob@example.org; _extra=1; future=thing; keydata=QUJD",
			from:  "bob@example.org",
			want:  &Header{Addr: "bob@example.org", KeyData: []byte("ABC"), Type: consts.SupportedKeyType},
		},
		{
			name:  "folded keydata",
			value: "addr=bob@example.org; keydata=QU\r\n JD",
			from:  "BOB@example.org",
			want:  &Header{Addr: "bob@example.org", KeyData: []byte("ABC"), Type: consts.SupportedKeyType},
		},
		{
			name:    "missing addr",
			value:   "keydata=QUJD",
			from:    "bob@example.org",
			wantErr: consts.ErrMissingAttribute,
		},
		{
			name:    "missing keydata",
			value:   "addr=bob@example.org; prefer-encrypt=yes",
			from:    "bob@example.org",
			wantErr: consts.ErrMissingAttribute,
		},
		{
			name:    "address mismatch",
			value:   "addr=eve@example.org; keydata=QUJD",
			from:    "bob@example.org",
			wantErr: consts.ErrAddressMismatch,
		},
		{
			name:    "bad base64",
			value:   "addr=bob@example.org; keydata=!!!",
			from:    "bob@example.org",
			wantErr: consts.ErrMalformedHeader,
		},
		{
			name:    "duplicate attribute",
			value:   "addr=bob@example.org; keydata=QUJD; keydata=REVG",
			from:    "bob@example.org",
			wantErr: consts.ErrMalformedHeader,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.value, tt.from)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				var de *DecodeError
				assert.True(t, errors.As(err, &de), "expected *DecodeError, got %T", err)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Usable())
		})
	}
}

func TestDecode_UnsupportedTypeIsUnusable(t *testing.T) {
	h, err := Decode("addr=bob@example.org; type=99; keydata=QUJD", "bob@example.org")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.False(t, h.Usable())
	assert.ErrorIs(t, h.Check(), consts.ErrUnsupportedType)
}

func TestEncode(t *testing.T) {
	h := &Header{Addr: "alice@example.org", KeyData: []byte("ABC"), Type: consts.SupportedKeyType}
	assert.Equal(t, "addr=alice@example.org; keydata=QUJD", Encode(h))

	h.PreferEncrypt = PreferYes
	assert.Equal(t, "addr=alice@example.org; prefer-encrypt=yes; keydata=QUJD", Encode(h))
	assert.Equal(t, "Autocrypt: addr=alice@example.org; prefer-encrypt=yes; keydata=QUJD", HeaderLine(h))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, pref := range []PreferEncrypt{PreferNotSet, PreferYes} {
		in := &Header{
			Addr:          "carol@example.org",
			KeyData:       []byte{0x00, 0x01, 0xfe, 0xff, 'k', 'e', 'y'},
			PreferEncrypt: pref,
			Type:          consts.SupportedKeyType,
		}
		out, err := Decode(Encode(in), "Carol@Example.org")
		require.NoError(t, err)
		assert.Equal(t, in.Addr, out.Addr)
		assert.Equal(t, in.KeyData, out.KeyData)
		assert.Equal(t, pref, out.PreferEncrypt, pref.String())
	}
}

func TestParsePreferEncrypt(t *testing.T) {
	for in, want := range map[string]PreferEncrypt{"notset": PreferNotSet, "YES": PreferYes, " no ": PreferNo} {
		got, err := ParsePreferEncrypt(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePreferEncrypt("always")
	assert.ErrorIs(t, err, consts.ErrInvalidPreference)

	var p PreferEncrypt
	require.NoError(t, p.UnmarshalText([]byte("yes")))
	text, err := p.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "yes", string(text))
}
