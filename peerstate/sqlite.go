package peerstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/migadu/autocrypt/consts"
	"github.com/migadu/autocrypt/header"
	"github.com/migadu/autocrypt/logger"
	"github.com/migadu/autocrypt/pkg/metrics"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS peers (
	address             TEXT PRIMARY KEY,
	public_keyhandle    TEXT NOT NULL DEFAULT '',
	gossip_keyhandle    TEXT,
	prefer_encrypt      TEXT NOT NULL DEFAULT 'notset',
	last_seen           INTEGER NOT NULL DEFAULT 0,
	last_seen_autocrypt INTEGER NOT NULL DEFAULT 0,
	last_seen_gossip    INTEGER NOT NULL DEFAULT 0
);
`

const peerColumns = `address, public_keyhandle, gossip_keyhandle, prefer_encrypt, last_seen, last_seen_autocrypt, last_seen_gossip`

// SQLiteStore persists peers in a single SQLite file. It is the default
// backend for a local account.
type SQLiteStore struct {
	path string
	db   *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, fmt.Errorf("peer store path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create peer store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open peer store DB: %w", err)
	}
	// One writer at a time; the manager serializes updates anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		// WAL is an optimization; continue without it.
		logger.Warn("Failed to enable WAL for peer store", "path", path, "error", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		logger.Warn("Failed to set busy_timeout for peer store", "path", path, "error", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create peer store schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("peer store DB ping failed: %w", err)
	}
	return &SQLiteStore{path: path, db: db}, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Get(ctx context.Context, address string) (*PeerState, error) {
	defer metrics.ObserveStoreOperation("sqlite", "get", time.Now())
	row := s.db.QueryRowContext(ctx, `SELECT `+peerColumns+` FROM peers WHERE address = ?`, address)
	p, err := scanPeer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consts.ErrPeerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query peer %s: %w", address, err)
	}
	return p, nil
}

func (s *SQLiteStore) Put(ctx context.Context, p *PeerState) error {
	defer metrics.ObserveStoreOperation("sqlite", "put", time.Now())
	var gossip sql.NullString
	if p.GossipKeyHandle != nil {
		gossip = sql.NullString{String: *p.GossipKeyHandle, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO peers (`+peerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Address, p.PublicKeyHandle, gossip, p.PreferEncrypt.String(),
		toUnixNano(p.LastSeen), toUnixNano(p.LastSeenAutocrypt), toUnixNano(p.LastSeenGossip))
	if err != nil {
		return fmt.Errorf("failed to store peer %s: %w", p.Address, err)
	}
	return nil
}

// List returns peers ordered by address.
func (s *SQLiteStore) List(ctx context.Context) ([]*PeerState, error) {
	defer metrics.ObserveStoreOperation("sqlite", "list", time.Now())
	rows, err := s.db.QueryContext(ctx, `SELECT `+peerColumns+` FROM peers ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	defer rows.Close()

	var peers []*PeerState
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan peer: %w", err)
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM peers`).Scan(&n)
	return n, err
}

// Close closes the peer store database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		logger.Debug("Closing peer store database", "path", s.path)
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeer(r rowScanner) (*PeerState, error) {
	var (
		p                                 PeerState
		gossip                            sql.NullString
		prefer                            string
		lastSeen, lastSeenAC, lastSeenGsp int64
	)
	if err := r.Scan(&p.Address, &p.PublicKeyHandle, &gossip, &prefer, &lastSeen, &lastSeenAC, &lastSeenGsp); err != nil {
		return nil, err
	}
	if gossip.Valid {
		g := gossip.String
		p.GossipKeyHandle = &g
	}
	pe, err := header.ParsePreferEncrypt(prefer)
	if err != nil {
		logger.Warn("Invalid prefer_encrypt in peer store, treating as notset", "peer", p.Address, "value", prefer)
		pe = header.PreferNotSet
	}
	p.PreferEncrypt = pe
	p.LastSeen = fromUnixNano(lastSeen)
	p.LastSeenAutocrypt = fromUnixNano(lastSeenAC)
	p.LastSeenGossip = fromUnixNano(lastSeenGsp)
	return &p, nil
}

// Zero times are stored as 0 since time.Time{} has no UnixNano representation.
func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
