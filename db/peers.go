package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/autocrypt/consts"
	"github.com/migadu/autocrypt/header"
	"github.com/migadu/autocrypt/logger"
	"github.com/migadu/autocrypt/peerstate"
	"github.com/migadu/autocrypt/pkg/metrics"
)

const peerColumns = `address, public_keyhandle, gossip_keyhandle, prefer_encrypt, last_seen, last_seen_autocrypt, last_seen_gossip`

// PeerStore is a peerstate.Store backed by the peers table. It also
// implements peerstate.Locker so that several processes sharing one database
// serialize their updates.
type PeerStore struct {
	db          *Database
	lockTimeout time.Duration
}

func NewPeerStore(db *Database, lockTimeout time.Duration) *PeerStore {
	if lockTimeout <= 0 {
		lockTimeout = peerstate.DefaultLockTimeout
	}
	return &PeerStore{db: db, lockTimeout: lockTimeout}
}

func (s *PeerStore) Get(ctx context.Context, address string) (*peerstate.PeerState, error) {
	defer metrics.ObserveStoreOperation("postgres", "get", time.Now())
	row := s.db.Pool.QueryRow(ctx, `SELECT `+peerColumns+` FROM peers WHERE address = $1`, address)
	p, err := scanPeer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrPeerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query peer %s: %w", address, err)
	}
	return p, nil
}

func (s *PeerStore) Put(ctx context.Context, p *peerstate.PeerState) error {
	defer metrics.ObserveStoreOperation("postgres", "put", time.Now())
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO peers (`+peerColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (address) DO UPDATE SET
			public_keyhandle    = EXCLUDED.public_keyhandle,
			gossip_keyhandle    = EXCLUDED.gossip_keyhandle,
			prefer_encrypt      = EXCLUDED.prefer_encrypt,
			last_seen           = EXCLUDED.last_seen,
			last_seen_autocrypt = EXCLUDED.last_seen_autocrypt,
			last_seen_gossip    = EXCLUDED.last_seen_gossip,
			updated_at          = now()`,
		p.Address, p.PublicKeyHandle, p.GossipKeyHandle, p.PreferEncrypt.String(),
		nullTime(p.LastSeen), nullTime(p.LastSeenAutocrypt), nullTime(p.LastSeenGossip))
	if err != nil {
		return fmt.Errorf("failed to store peer %s: %w", p.Address, err)
	}
	return nil
}

// List returns peers ordered by address.
func (s *PeerStore) List(ctx context.Context) ([]*peerstate.PeerState, error) {
	defer metrics.ObserveStoreOperation("postgres", "list", time.Now())
	rows, err := s.db.Pool.Query(ctx, `SELECT `+peerColumns+` FROM peers ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	defer rows.Close()

	var peers []*peerstate.PeerState
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan peer: %w", err)
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

func (s *PeerStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM peers`).Scan(&n)
	return n, err
}

// Lock takes the session-level peer state advisory lock on a dedicated
// connection. The connection goes back to the pool on unlock.
func (s *PeerStore) Lock(ctx context.Context) (func(), error) {
	start := time.Now()
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	conn, err := s.db.Pool.Acquire(lockCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for peer lock: %w", err)
	}
	if _, err := conn.Exec(lockCtx, "SELECT pg_advisory_lock($1)", consts.PeerStateAdvisoryLockID); err != nil {
		conn.Release()
		if lockCtx.Err() != nil {
			return nil, fmt.Errorf("%w after %v", consts.ErrLockTimeout, time.Since(start).Round(time.Millisecond))
		}
		return nil, fmt.Errorf("failed to take peer advisory lock: %w", err)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, "SELECT pg_advisory_unlock($1)", consts.PeerStateAdvisoryLockID); err != nil {
			// A connection in an unknown lock state must not be reused.
			logger.Warn("Failed to release peer advisory lock, closing connection", "error", err)
			conn.Conn().Close(unlockCtx)
		}
		conn.Release()
	}, nil
}

// Close is a no-op; the Database owns the pool.
func (s *PeerStore) Close() error {
	return nil
}

func scanPeer(row pgx.Row) (*peerstate.PeerState, error) {
	var (
		p                                 peerstate.PeerState
		prefer                            string
		lastSeen, lastSeenAC, lastSeenGsp *time.Time
	)
	if err := row.Scan(&p.Address, &p.PublicKeyHandle, &p.GossipKeyHandle, &prefer, &lastSeen, &lastSeenAC, &lastSeenGsp); err != nil {
		return nil, err
	}
	pe, err := header.ParsePreferEncrypt(prefer)
	if err != nil {
		logger.Warn("Invalid prefer_encrypt in peer database, treating as notset", "peer", p.Address, "value", prefer)
	}
	p.PreferEncrypt = pe
	p.LastSeen = derefTime(lastSeen)
	p.LastSeenAutocrypt = derefTime(lastSeenAC)
	p.LastSeenGossip = derefTime(lastSeenGsp)
	return &p, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
