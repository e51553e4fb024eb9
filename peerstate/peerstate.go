// Package peerstate keeps one record per correspondent and applies the
// Autocrypt update rules when new mail arrives.
//
// Key state only moves forward: a header is applied when its message date is
// not older than the last applied header, and a message without a header
// never erases a key. LastSeen always tracks the newest message observed.
package peerstate

import (
	"time"

	"github.com/migadu/autocrypt/header"
	"github.com/migadu/autocrypt/helpers"
)

// PeerState is everything known about one correspondent address.
type PeerState struct {
	Address string `json:"address"`

	// PublicKeyHandle references key material learned directly from the
	// peer. Empty means no usable key is known.
	PublicKeyHandle string `json:"public_keyhandle"`

	// GossipKeyHandle references key material learned from a third party.
	// Nil unless explicitly set.
	GossipKeyHandle *string `json:"gossip_keyhandle,omitempty"`

	PreferEncrypt     header.PreferEncrypt `json:"prefer_encrypt"`
	LastSeen          time.Time            `json:"last_seen"`
	LastSeenAutocrypt time.Time            `json:"last_seen_autocrypt"`
	LastSeenGossip    time.Time            `json:"last_seen_gossip"`
}

// New returns an empty placeholder record for address.
func New(address string) *PeerState {
	return &PeerState{Address: helpers.NormalizeAddress(address)}
}

func (p *PeerState) HasPublicKey() bool {
	return p != nil && p.PublicKeyHandle != ""
}

// GossipKey returns the gossip key handle and whether one is set.
func (p *PeerState) GossipKey() (string, bool) {
	if p == nil || p.GossipKeyHandle == nil || *p.GossipKeyHandle == "" {
		return "", false
	}
	return *p.GossipKeyHandle, true
}

// Clone returns a deep copy.
func (p *PeerState) Clone() *PeerState {
	if p == nil {
		return nil
	}
	c := *p
	if p.GossipKeyHandle != nil {
		g := *p.GossipKeyHandle
		c.GossipKeyHandle = &g
	}
	return &c
}
