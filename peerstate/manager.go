package peerstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/autocrypt/consts"
	"github.com/migadu/autocrypt/header"
	"github.com/migadu/autocrypt/helpers"
	"github.com/migadu/autocrypt/logger"
	"github.com/migadu/autocrypt/pkg/metrics"
)

// Update outcomes, also used as metric labels.
const (
	OutcomeKeyUpdated   = "key_updated"
	OutcomeStaleHeader  = "stale_header"
	OutcomeSeenOnly     = "seen_only"
	OutcomeOutOfOrder   = "out_of_order"
	OutcomeImportFailed = "import_failed"

	GossipApplied          = "applied"
	GossipDirectKeyPresent = "direct_key_present"
	GossipStale            = "stale"
)

// KeyImporter hands key material to the key-management subsystem and returns
// the opaque handle it is stored under.
type KeyImporter interface {
	ImportPublicKey(ctx context.Context, keydata []byte) (string, error)
}

// Options configures a Manager.
type Options struct {
	// Importer turns header keydata into a key handle. When nil the handle
	// is the base64 keydata itself.
	Importer    KeyImporter
	LockTimeout time.Duration
}

// Manager applies the update policy on top of a Store. All writes go through
// one exclusive lock so concurrent mail processing cannot interleave a
// read-modify-write cycle.
type Manager struct {
	store    Store
	importer KeyImporter
	lock     *updateLock
}

// UpdateResult describes what an Update call did.
type UpdateResult struct {
	Peer    *PeerState
	Outcome string
	Created bool
}

// KeyUpdated reports whether the public key state was replaced.
func (r *UpdateResult) KeyUpdated() bool {
	return r.Outcome == OutcomeKeyUpdated
}

func NewManager(store Store, opts Options) *Manager {
	return &Manager{
		store:    store,
		importer: opts.Importer,
		lock:     newUpdateLock(opts.LockTimeout),
	}
}

// Store returns the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

// withLock runs fn while holding the in-process lock and, for shared stores,
// the store lock. Both are released on every return path.
func (m *Manager) withLock(ctx context.Context, fn func() error) error {
	release, err := m.lock.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if locker, ok := m.store.(Locker); ok {
		unlock, err := locker.Lock(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire store lock: %w", err)
		}
		defer unlock()
	}
	return fn()
}

// getOrCreate must be called with the lock held. New records are not
// persisted here.
func (m *Manager) getOrCreate(ctx context.Context, address string) (*PeerState, bool, error) {
	peer, err := m.store.Get(ctx, address)
	if err == nil {
		return peer, false, nil
	}
	if errors.Is(err, consts.ErrPeerNotFound) {
		return New(address), true, nil
	}
	return nil, false, fmt.Errorf("failed to load peer %s: %w", address, err)
}

// Update records that a message from `from` dated `date` was seen, carrying
// hdr (which may be nil or unusable).
//
// The header's key state is applied only when date is not older than the
// last applied header. LastSeen advances whenever date is not older than it,
// whether or not a header was present.
func (m *Manager) Update(ctx context.Context, hdr *header.Header, from string, date time.Time) (*UpdateResult, error) {
	address := helpers.NormalizeAddress(from)
	if err := helpers.ValidateAddress(address); err != nil {
		return nil, err
	}
	if hdr != nil && hdr.Usable() && !helpers.SameAddress(hdr.Addr, address) {
		logger.Warn("Ignoring Autocrypt header for a different address", "from", address, "addr", hdr.Addr)
		hdr = nil
	}

	result := &UpdateResult{Outcome: OutcomeSeenOnly}
	err := m.withLock(ctx, func() error {
		peer, created, err := m.getOrCreate(ctx, address)
		if err != nil {
			return err
		}
		result.Created = created

		if hdr.Usable() {
			if date.Before(peer.LastSeenAutocrypt) {
				result.Outcome = OutcomeStaleHeader
			} else if handle, err := m.importKey(ctx, hdr); err != nil {
				logger.Warn("Failed to import key from Autocrypt header", "from", address, "error", err)
				result.Outcome = OutcomeImportFailed
			} else {
				peer.PublicKeyHandle = handle
				peer.PreferEncrypt = hdr.PreferEncrypt
				peer.LastSeenAutocrypt = date
				result.Outcome = OutcomeKeyUpdated
			}
		}

		if !date.Before(peer.LastSeen) {
			peer.LastSeen = date
		} else if result.Outcome == OutcomeSeenOnly {
			result.Outcome = OutcomeOutOfOrder
		}

		if err := m.store.Put(ctx, peer); err != nil {
			return fmt.Errorf("failed to store peer %s: %w", address, err)
		}
		result.Peer = peer.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.PeerUpdates.WithLabelValues(result.Outcome).Inc()
	if result.Created {
		m.refreshPeerCount(ctx)
	}
	logger.Debug("Peer state updated", "peer", address, "outcome", result.Outcome, "date", date)
	return result, nil
}

func (m *Manager) importKey(ctx context.Context, hdr *header.Header) (string, error) {
	if m.importer == nil {
		return hdr.KeyDataBase64(), nil
	}
	handle, err := m.importer.ImportPublicKey(ctx, hdr.KeyData)
	if err != nil {
		return "", err
	}
	if handle == "" {
		return "", fmt.Errorf("key importer returned an empty handle")
	}
	return handle, nil
}

// UpdateGossip records a key for address learned from a third party. It
// never overwrites a direct key and never replaces a gossip key observed in
// a newer message. It returns the outcome and the resulting record.
func (m *Manager) UpdateGossip(ctx context.Context, address, gossipKeyHandle string, date time.Time) (string, *PeerState, error) {
	address = helpers.NormalizeAddress(address)
	if err := helpers.ValidateAddress(address); err != nil {
		return "", nil, err
	}
	if gossipKeyHandle == "" {
		return "", nil, fmt.Errorf("gossip key handle for %s is empty", address)
	}

	var (
		outcome string
		out     *PeerState
		created bool
	)
	err := m.withLock(ctx, func() error {
		peer, isNew, err := m.getOrCreate(ctx, address)
		if err != nil {
			return err
		}
		created = isNew

		switch {
		case peer.HasPublicKey():
			outcome = GossipDirectKeyPresent
		case peer.GossipKeyHandle != nil && date.Before(peer.LastSeenGossip):
			outcome = GossipStale
		default:
			handle := gossipKeyHandle
			peer.GossipKeyHandle = &handle
			peer.LastSeenGossip = date
			outcome = GossipApplied
		}

		if outcome == GossipApplied || created {
			if err := m.store.Put(ctx, peer); err != nil {
				return fmt.Errorf("failed to store peer %s: %w", address, err)
			}
		}
		out = peer.Clone()
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	metrics.GossipUpdates.WithLabelValues(outcome).Inc()
	if created {
		m.refreshPeerCount(ctx)
	}
	return outcome, out, nil
}

// Get returns the stored record or consts.ErrPeerNotFound. It never creates.
func (m *Manager) Get(ctx context.Context, address string) (*PeerState, error) {
	return m.store.Get(ctx, helpers.NormalizeAddress(address))
}

// Peer returns the record for address, creating and persisting an empty
// placeholder when the address has not been seen before.
func (m *Manager) Peer(ctx context.Context, address string) (*PeerState, error) {
	address = helpers.NormalizeAddress(address)
	if err := helpers.ValidateAddress(address); err != nil {
		return nil, err
	}
	if peer, err := m.store.Get(ctx, address); err == nil {
		return peer, nil
	} else if !errors.Is(err, consts.ErrPeerNotFound) {
		return nil, err
	}

	var (
		out     *PeerState
		created bool
	)
	err := m.withLock(ctx, func() error {
		// Re-check under the lock; another caller may have created it.
		peer, isNew, err := m.getOrCreate(ctx, address)
		if err != nil {
			return err
		}
		if isNew {
			if err := m.store.Put(ctx, peer); err != nil {
				return fmt.Errorf("failed to store peer %s: %w", address, err)
			}
		}
		created = isNew
		out = peer
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created {
		m.refreshPeerCount(ctx)
	}
	return out, nil
}

// Peers looks up every address in order, creating placeholders as needed.
// The result has the same length and order as addresses.
func (m *Manager) Peers(ctx context.Context, addresses ...string) ([]*PeerState, error) {
	peers := make([]*PeerState, 0, len(addresses))
	for _, addr := range addresses {
		p, err := m.Peer(ctx, addr)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// List enumerates every known peer.
func (m *Manager) List(ctx context.Context) ([]*PeerState, error) {
	return m.store.List(ctx)
}

func (m *Manager) refreshPeerCount(ctx context.Context) {
	if c, ok := m.store.(Counter); ok {
		if n, err := c.Count(ctx); err == nil {
			metrics.PeersTotal.Set(float64(n))
		}
	}
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}
