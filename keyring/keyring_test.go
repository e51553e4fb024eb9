package keyring

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/migadu/autocrypt/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/openpgp/armor"
)

func openTestKeyring(t *testing.T) *Keyring {
	t.Helper()
	k, err := Open(filepath.Join(t.TempDir(), "keyring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })
	return k
}

func dearmor(t *testing.T, s string) (string, map[string]string, []byte) {
	t.Helper()
	block, err := armor.Decode(strings.NewReader(s))
	require.NoError(t, err)
	body, err := io.ReadAll(block.Body)
	require.NoError(t, err)
	return block.Type, block.Header, body
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("ABC"))
	assert.Len(t, a, HandleLength)
	assert.Equal(t, strings.ToUpper(a), a)
	assert.Equal(t, a, Fingerprint([]byte("ABC")))
	assert.NotEqual(t, a, Fingerprint([]byte("ABD")))
}

func TestGenerateSecretKey(t *testing.T) {
	ctx := context.Background()
	k := openTestKeyring(t)

	handle, err := k.GenerateSecretKey(ctx)
	require.NoError(t, err)

	public, err := k.PublicKeyData(ctx, handle)
	require.NoError(t, err)
	secret, err := k.SecretKeyData(ctx, handle)
	require.NoError(t, err)

	derived, err := curve25519.X25519(secret, curve25519.Basepoint)
	require.NoError(t, err)
	assert.Equal(t, public, derived)
	assert.Equal(t, Fingerprint(public), handle)

	other, err := k.GenerateSecretKey(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, handle, other)
}

func TestImportPublicKey(t *testing.T) {
	ctx := context.Background()
	k := openTestKeyring(t)

	h1, err := k.ImportPublicKey(ctx, []byte("ABC"))
	require.NoError(t, err)
	h2, err := k.ImportPublicKey(ctx, []byte("ABC"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	data, err := k.PublicKeyData(ctx, strings.ToLower(h1))
	require.NoError(t, err)
	assert.Equal(t, []byte("ABC"), data)

	_, err = k.SecretKeyData(ctx, h1)
	assert.ErrorIs(t, err, consts.ErrKeyNotFound)

	_, err = k.ImportPublicKey(ctx, nil)
	assert.Error(t, err)
}

func TestImportDoesNotDropOwnSecret(t *testing.T) {
	ctx := context.Background()
	k := openTestKeyring(t)

	handle, err := k.GenerateSecretKey(ctx)
	require.NoError(t, err)
	public, err := k.PublicKeyData(ctx, handle)
	require.NoError(t, err)

	// Our own key echoed back in a peer header must not lose its secret half.
	again, err := k.ImportPublicKey(ctx, public)
	require.NoError(t, err)
	assert.Equal(t, handle, again)
	_, err = k.SecretKeyData(ctx, handle)
	assert.NoError(t, err)
}

func TestUnknownHandle(t *testing.T) {
	ctx := context.Background()
	k := openTestKeyring(t)
	_, err := k.PublicKeyData(ctx, "0000000000000000")
	assert.ErrorIs(t, err, consts.ErrKeyNotFound)
	_, err = k.ExportPublicKey(ctx, "0000000000000000")
	assert.ErrorIs(t, err, consts.ErrKeyNotFound)
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	k := openTestKeyring(t)
	handle, err := k.GenerateSecretKey(ctx)
	require.NoError(t, err)

	pub, err := k.ExportPublicKey(ctx, handle)
	require.NoError(t, err)
	blockType, hdrs, body := dearmor(t, pub)
	assert.Equal(t, PublicKeyBlock, blockType)
	assert.Equal(t, handle, hdrs["Handle"])
	public, _ := k.PublicKeyData(ctx, handle)
	assert.Equal(t, public, body)

	sec, err := k.ExportSecretKey(ctx, handle)
	require.NoError(t, err)
	blockType, _, body = dearmor(t, sec)
	assert.Equal(t, PrivateKeyBlock, blockType)
	secret, _ := k.SecretKeyData(ctx, handle)
	assert.Equal(t, secret, body)
}

func TestReopenKeepsKeys(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keyring.db")
	k, err := Open(path)
	require.NoError(t, err)
	handle, err := k.GenerateSecretKey(ctx)
	require.NoError(t, err)
	require.NoError(t, k.Close())

	k, err = Open(path)
	require.NoError(t, err)
	defer k.Close()
	_, err = k.SecretKeyData(ctx, handle)
	assert.NoError(t, err)
}
