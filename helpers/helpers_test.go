package helpers

import (
	"testing"
	"time"

	"github.com/migadu/autocrypt/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"14d", 14 * 24 * time.Hour, false},
		{"1d12h", 36 * time.Hour, false},
		{" 5m ", 5 * time.Minute, false},
		{"", 0, true},
		{"xd", 0, true},
		{"forever", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestAddressHelpers(t *testing.T) {
	assert.Equal(t, "bob@example.org", NormalizeAddress("  Bob@Example.ORG "))
	assert.True(t, SameAddress("BOB@example.org", "bob@EXAMPLE.org"))
	assert.False(t, SameAddress("bob@example.org", "eve@example.org"))

	local, domain, err := SplitEmailAddress("Bob@Example.org")
	require.NoError(t, err)
	assert.Equal(t, "bob", local)
	assert.Equal(t, "example.org", domain)

	for _, bad := range []string{"", "bob", "@example.org", "bob@"} {
		assert.ErrorIs(t, ValidateAddress(bad), consts.ErrInvalidAddress, bad)
	}
}
