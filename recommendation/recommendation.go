// Package recommendation turns peer records into the UI-level decision of
// whether to encrypt and the keys to encrypt to. It never touches storage.
package recommendation

import (
	"github.com/migadu/autocrypt/helpers"
	"github.com/migadu/autocrypt/peerstate"
)

// Recommendation is the UI-facing encryption decision. The full Autocrypt
// state space has four values; the engine currently produces only Disable
// and Available.
type Recommendation string

const (
	Disable Recommendation = "disable"
	// Discourage is reserved for the full state space. Engine never
	// returns it.
	Discourage Recommendation = "discourage"
	Available  Recommendation = "available"
	// Encrypt is reserved for the full state space. Engine never returns it.
	Encrypt Recommendation = "encrypt"
)

func (r Recommendation) String() string {
	return string(r)
}

// KeySource tells where a target key came from.
type KeySource string

const (
	SourceNone   KeySource = "none"
	SourcePublic KeySource = "public"
	SourceGossip KeySource = "gossip"
)

// Key is the key selected for one recipient. A Key with SourceNone carries
// no handle and must not be used for encryption.
type Key struct {
	Handle string    `json:"handle,omitempty"`
	Source KeySource `json:"source"`
}

// Found reports whether a usable key was selected.
func (k Key) Found() bool {
	return k.Source != SourceNone && k.Handle != ""
}

// NoKey is the explicit marker for a recipient without any key.
var NoKey = Key{Source: SourceNone}

// Engine computes recommendations.
type Engine struct {
	// MultiRecipient considers every peer instead of only the first one.
	// The result is Available only when all peers have a direct key.
	MultiRecipient bool
}

// UIRecommendation returns the recommendation for peers, which must be in
// recipient order. By default only the first peer drives the result; callers
// addressing several recipients get an answer for the first one only unless
// MultiRecipient is set. An empty list yields Disable.
func (e Engine) UIRecommendation(peers []*peerstate.PeerState) Recommendation {
	if len(peers) == 0 {
		return Disable
	}
	if !e.MultiRecipient {
		return peerRecommendation(peers[0])
	}
	for _, p := range peers {
		if peerRecommendation(p) == Disable {
			return Disable
		}
	}
	return Available
}

func peerRecommendation(p *peerstate.PeerState) Recommendation {
	if p.HasPublicKey() {
		return Available
	}
	return Disable
}

// TargetKeys selects one key per address: the direct key when present,
// otherwise the gossip key, otherwise NoKey. Addresses are normalized in the
// result.
func (e Engine) TargetKeys(peers map[string]*peerstate.PeerState) map[string]Key {
	keys := make(map[string]Key, len(peers))
	for addr, p := range peers {
		keys[helpers.NormalizeAddress(addr)] = TargetKey(p)
	}
	return keys
}

// TargetKey selects the key for a single peer. A nil peer has no key.
func TargetKey(p *peerstate.PeerState) Key {
	if p.HasPublicKey() {
		return Key{Handle: p.PublicKeyHandle, Source: SourcePublic}
	}
	if g, ok := p.GossipKey(); ok {
		return Key{Handle: g, Source: SourceGossip}
	}
	return NoKey
}
