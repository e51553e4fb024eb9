package peerstate

import (
	"context"
)

// Store persists peer records keyed by normalized address. Get returns
// consts.ErrPeerNotFound for unknown addresses. Put replaces the whole record.
type Store interface {
	Get(ctx context.Context, address string) (*PeerState, error)
	Put(ctx context.Context, peer *PeerState) error
	List(ctx context.Context) ([]*PeerState, error)
	Close() error
}

// Locker is implemented by stores shared between processes. The returned
// unlock function must be called exactly once.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// Counter is implemented by stores that can count peers without loading them.
type Counter interface {
	Count(ctx context.Context) (int, error)
}
