// Package keyring stores key material and hands out opaque handles for it.
//
// Keys are addressed by a handle derived from the public key bytes, so
// importing the same key twice yields the same handle. Peer keys are kept
// verbatim; the keyring does not interpret them.
package keyring

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/migadu/autocrypt/consts"
	"github.com/migadu/autocrypt/logger"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/openpgp/armor"
	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"
)

// Armor block types used by the export functions.
const (
	PublicKeyBlock  = "AUTOCRYPT PUBLIC KEY BLOCK"
	PrivateKeyBlock = "AUTOCRYPT PRIVATE KEY BLOCK"
)

// HandleLength is the number of hex characters in a key handle.
const HandleLength = 16

const keyringSchema = `
CREATE TABLE IF NOT EXISTS keys (
	handle     TEXT PRIMARY KEY,
	public     BLOB NOT NULL,
	secret     BLOB,
	created_at INTEGER NOT NULL
);
`

// fingerprintKey domain-separates handle derivation from any other use of
// BLAKE3 over the same bytes.
var fingerprintKey = blake3.Sum256([]byte("autocrypt keyring fingerprint v1"))

// Keyring is a SQLite-backed key store.
type Keyring struct {
	path string
	db   *sql.DB
}

// Open opens (creating if needed) the keyring database at path.
func Open(path string) (*Keyring, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, fmt.Errorf("keyring path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create keyring directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring DB: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		logger.Warn("Failed to set busy_timeout for keyring", "path", path, "error", err)
	}
	if _, err := db.Exec(keyringSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create keyring schema: %w", err)
	}
	return &Keyring{path: path, db: db}, nil
}

// Fingerprint derives the handle for public key bytes.
func Fingerprint(public []byte) string {
	h := blake3.New(32, fingerprintKey[:])
	h.Write(public)
	sum := h.Sum(nil)
	return strings.ToUpper(hex.EncodeToString(sum[:HandleLength/2]))
}

// GenerateSecretKey creates a new X25519 key pair, stores both halves and
// returns the handle.
func (k *Keyring) GenerateSecretKey(ctx context.Context) (string, error) {
	secret := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	public, err := curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("failed to derive public key: %w", err)
	}

	handle := Fingerprint(public)
	_, err = k.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO keys (handle, public, secret, created_at) VALUES (?, ?, ?, ?)`,
		handle, public, secret, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to store generated key: %w", err)
	}
	logger.Info("Generated new key", "handle", handle)
	return handle, nil
}

// ImportPublicKey stores a peer's key data and returns its handle. Importing
// known key data is a no-op that returns the existing handle.
func (k *Keyring) ImportPublicKey(ctx context.Context, keydata []byte) (string, error) {
	if len(keydata) == 0 {
		return "", fmt.Errorf("cannot import empty key data")
	}
	handle := Fingerprint(keydata)
	_, err := k.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO keys (handle, public, secret, created_at) VALUES (?, ?, NULL, ?)`,
		handle, keydata, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to import key %s: %w", handle, err)
	}
	return handle, nil
}

// PublicKeyData returns the public key bytes for handle.
func (k *Keyring) PublicKeyData(ctx context.Context, handle string) ([]byte, error) {
	var public []byte
	err := k.db.QueryRowContext(ctx, `SELECT public FROM keys WHERE handle = ?`, normalizeHandle(handle)).Scan(&public)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", consts.ErrKeyNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key %s: %w", handle, err)
	}
	return public, nil
}

// SecretKeyData returns the secret key bytes for handle. Imported peer keys
// have no secret half and report consts.ErrKeyNotFound.
func (k *Keyring) SecretKeyData(ctx context.Context, handle string) ([]byte, error) {
	var secret []byte
	err := k.db.QueryRowContext(ctx, `SELECT secret FROM keys WHERE handle = ?`, normalizeHandle(handle)).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && len(secret) == 0) {
		return nil, fmt.Errorf("%w: no secret key for %s", consts.ErrKeyNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key %s: %w", handle, err)
	}
	return secret, nil
}

// ExportPublicKey returns the ASCII-armored public key for handle.
func (k *Keyring) ExportPublicKey(ctx context.Context, handle string) (string, error) {
	public, err := k.PublicKeyData(ctx, handle)
	if err != nil {
		return "", err
	}
	return Armor(PublicKeyBlock, normalizeHandle(handle), public)
}

// ExportSecretKey returns the ASCII-armored secret key for handle.
func (k *Keyring) ExportSecretKey(ctx context.Context, handle string) (string, error) {
	secret, err := k.SecretKeyData(ctx, handle)
	if err != nil {
		return "", err
	}
	return Armor(PrivateKeyBlock, normalizeHandle(handle), secret)
}

// Armor wraps data in an armor block with a Handle header.
func Armor(blockType, handle string, data []byte) (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, blockType, map[string]string{"Handle": handle})
	if err != nil {
		return "", fmt.Errorf("failed to start armor: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return "", fmt.Errorf("failed to armor key: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finish armor: %w", err)
	}
	return buf.String(), nil
}

// Path returns the database file location.
func (k *Keyring) Path() string {
	return k.path
}

func (k *Keyring) Close() error {
	if k.db != nil {
		return k.db.Close()
	}
	return nil
}

func normalizeHandle(handle string) string {
	return strings.ToUpper(strings.TrimSpace(handle))
}
