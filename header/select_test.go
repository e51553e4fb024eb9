package header

import (
	"testing"

	"github.com/migadu/autocrypt/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelect(t *testing.T) {
	const from = "bob@example.org"
	valid := "addr=bob@example.org; keydata=QUJD"
	other := "addr=bob@example.org; keydata=REVG"
	unsupported := "addr=bob@example.org; type=7; keydata=WFla"
	spoofed := "addr=eve@example.org; keydata=QUJD"

	t.Run("no values", func(t *testing.T) {
		h, err := Select(nil, from)
		assert.Nil(t, h)
		assert.ErrorIs(t, err, consts.ErrNoHeader)
	})

	t.Run("single valid", func(t *testing.T) {
		h, err := Select([]string{valid}, from)
		require.NoError(t, err)
		assert.Equal(t, []byte("ABC"), h.KeyData)
	})

	t.Run("identical duplicates are unambiguous", func(t *testing.T) {
		h, err := Select([]string{valid, valid}, from)
		require.NoError(t, err)
		assert.Equal(t, []byte("ABC"), h.KeyData)
	})

	t.Run("conflicting headers yield nothing", func(t *testing.T) {
		h, err := Select([]string{valid, other}, from)
		assert.Nil(t, h)
		assert.ErrorIs(t, err, consts.ErrConflictingHeaders)
	})

	t.Run("invalid header next to a valid one is skipped", func(t *testing.T) {
		h, err := Select([]string{spoofed, valid}, from)
		require.NoError(t, err)
		assert.Equal(t, []byte("ABC"), h.KeyData)
	})

	t.Run("unsupported type does not conflict with a usable header", func(t *testing.T) {
		h, err := Select([]string{unsupported, valid}, from)
		require.NoError(t, err)
		assert.True(t, h.Usable())
	})

	t.Run("only unsupported type", func(t *testing.T) {
		h, err := Select([]string{unsupported}, from)
		require.NoError(t, err)
		assert.False(t, h.Usable())
	})

	t.Run("only invalid returns first error", func(t *testing.T) {
		h, err := Select([]string{spoofed, "keydata=QUJD"}, from)
		assert.Nil(t, h)
		assert.ErrorIs(t, err, consts.ErrAddressMismatch)
	})
}
