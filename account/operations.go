package account

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/migadu/autocrypt/consts"
	"github.com/migadu/autocrypt/header"
	"github.com/migadu/autocrypt/helpers"
	"github.com/migadu/autocrypt/keyring"
	"github.com/migadu/autocrypt/logger"
	"github.com/migadu/autocrypt/peerstate"
	"github.com/migadu/autocrypt/pkg/metrics"
	"github.com/migadu/autocrypt/recommendation"
)

// Header processing results, also used as metric labels.
const (
	ResultValid            = "valid"
	ResultAbsent           = "absent"
	ResultMissingAttribute = "missing_attribute"
	ResultAddressMismatch  = "address_mismatch"
	ResultUnsupportedType  = "unsupported_type"
	ResultMalformed        = "malformed"
	ResultConflicting      = "conflicting"
)

type resources struct {
	settings *Settings
	keys     *keyring.Keyring
	peers    *peerstate.Manager
}

func (a *Account) open(ctx context.Context) (*resources, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureOpen(ctx); err != nil {
		return nil, err
	}
	return &resources{settings: a.settingsCopy(), keys: a.keys, peers: a.peers}, nil
}

// OwnHeader builds the header announcing the own key for emailadr.
func (a *Account) OwnHeader(ctx context.Context, emailadr string) (*header.Header, error) {
	addr := helpers.NormalizeAddress(emailadr)
	if err := helpers.ValidateAddress(addr); err != nil {
		return nil, err
	}
	r, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	public, err := r.keys.PublicKeyData(ctx, r.settings.OwnKeyHandle)
	if err != nil {
		return nil, fmt.Errorf("failed to load own key: %w", err)
	}
	return &header.Header{
		Addr:          addr,
		KeyData:       public,
		PreferEncrypt: r.settings.PreferEncrypt,
		Type:          consts.SupportedKeyType,
	}, nil
}

// MakeHeader returns the complete "Autocrypt: ..." header line for emailadr.
func (a *Account) MakeHeader(ctx context.Context, emailadr string) (string, error) {
	h, err := a.OwnHeader(ctx, emailadr)
	if err != nil {
		return "", err
	}
	return header.HeaderLine(h), nil
}

// ProcessResult describes what processing one incoming message did.
type ProcessResult struct {
	From    string               `json:"from"`
	Date    time.Time            `json:"date"`
	Result  string               `json:"header"`
	Outcome string               `json:"outcome"`
	Created bool                 `json:"created"`
	Peer    *peerstate.PeerState `json:"peer"`
}

// ProcessIncomingMail reads a raw message, selects its Autocrypt header and
// updates the sender's peer state. A message without a Date header is
// treated as received now. Header problems are recorded, not returned.
func (a *Account) ProcessIncomingMail(ctx context.Context, raw io.Reader) (*ProcessResult, error) {
	r, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := helpers.ParseIncomingMessage(raw)
	if err != nil {
		return nil, err
	}
	date := msg.Date
	if !msg.HasDate {
		date = time.Now().UTC()
	}

	hdr, err := header.Select(msg.Autocrypt, msg.From)
	if err == nil {
		err = hdr.Check()
	}
	result := classify(err)
	metrics.HeadersProcessed.WithLabelValues(result).Inc()
	if err != nil {
		if result != ResultAbsent {
			logger.Info("Ignoring Autocrypt header", "from", msg.From, "result", result, "error", err)
		}
		hdr = nil
	}

	upd, err := r.peers.Update(ctx, hdr, msg.From, date)
	if err != nil {
		return nil, err
	}
	return &ProcessResult{
		From:    msg.From,
		Date:    date,
		Result:  result,
		Outcome: upd.Outcome,
		Created: upd.Created,
		Peer:    upd.Peer,
	}, nil
}

func classify(err error) string {
	switch {
	case err == nil:
		return ResultValid
	case errors.Is(err, consts.ErrNoHeader):
		return ResultAbsent
	case errors.Is(err, consts.ErrConflictingHeaders):
		return ResultConflicting
	case errors.Is(err, consts.ErrMissingAttribute):
		return ResultMissingAttribute
	case errors.Is(err, consts.ErrAddressMismatch):
		return ResultAddressMismatch
	case errors.Is(err, consts.ErrUnsupportedType):
		return ResultUnsupportedType
	default:
		return ResultMalformed
	}
}

// UpdateGossip records a key learned about address from a third party. The
// key data is only imported into the keyring when the gossip can apply, so
// a peer with a direct key or a fresher gossip key leaves no unused key
// behind. A direct key that arrives between the check and the update can
// still leave the imported key unreferenced.
func (a *Account) UpdateGossip(ctx context.Context, address string, keydata []byte, date time.Time) (string, *peerstate.PeerState, error) {
	r, err := a.open(ctx)
	if err != nil {
		return "", nil, err
	}
	if len(keydata) == 0 {
		return "", nil, fmt.Errorf("gossip key data for %s is empty", address)
	}

	skip, err := gossipSkipped(ctx, r.peers, address, date)
	if err != nil {
		return "", nil, err
	}
	if !skip {
		handle, err := r.keys.ImportPublicKey(ctx, keydata)
		if err != nil {
			return "", nil, err
		}
		return r.peers.UpdateGossip(ctx, address, handle, date)
	}

	outcome, peer, err := r.peers.UpdateGossip(ctx, address, keyring.Fingerprint(keydata), date)
	if err != nil {
		return "", nil, err
	}
	if outcome == peerstate.GossipApplied {
		// The peer changed after the check; the handle must resolve.
		if _, err := r.keys.ImportPublicKey(ctx, keydata); err != nil {
			return "", nil, err
		}
	}
	return outcome, peer, nil
}

// gossipSkipped reports whether the stored record would reject gossip dated
// date, either because it has a direct key or a newer gossip key.
func gossipSkipped(ctx context.Context, peers *peerstate.Manager, address string, date time.Time) (bool, error) {
	peer, err := peers.Get(ctx, address)
	if errors.Is(err, consts.ErrPeerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if peer.HasPublicKey() {
		return true, nil
	}
	_, hasGossip := peer.GossipKey()
	return hasGossip && date.Before(peer.LastSeenGossip), nil
}

// LatestPublicKeyHandle returns the direct key handle known for address, or
// "" when none is known.
func (a *Account) LatestPublicKeyHandle(ctx context.Context, address string) (string, error) {
	p, err := a.Peer(ctx, address)
	if errors.Is(err, consts.ErrPeerNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return p.PublicKeyHandle, nil
}

// ExportPublicKey returns an armored public key. target may be a key
// handle, a peer address, or empty for the own key.
func (a *Account) ExportPublicKey(ctx context.Context, target string) (string, error) {
	r, err := a.open(ctx)
	if err != nil {
		return "", err
	}
	handle := strings.TrimSpace(target)
	switch {
	case handle == "":
		handle = r.settings.OwnKeyHandle
	case strings.Contains(handle, "@"):
		if handle, err = a.LatestPublicKeyHandle(ctx, handle); err != nil {
			return "", err
		}
		if handle == "" {
			return "", fmt.Errorf("%w: no key known for %s", consts.ErrKeyNotFound, target)
		}
	}
	return r.keys.ExportPublicKey(ctx, handle)
}

// ExportPrivateKey returns the armored own secret key.
func (a *Account) ExportPrivateKey(ctx context.Context) (string, error) {
	r, err := a.open(ctx)
	if err != nil {
		return "", err
	}
	return r.keys.ExportSecretKey(ctx, r.settings.OwnKeyHandle)
}

// Peer returns the stored record for address without creating one.
func (a *Account) Peer(ctx context.Context, address string) (*peerstate.PeerState, error) {
	r, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	return r.peers.Get(ctx, address)
}

// Peers lists every known peer ordered by address.
func (a *Account) Peers(ctx context.Context) ([]*peerstate.PeerState, error) {
	r, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	return r.peers.List(ctx)
}

// RecommendationResult is the outcome of Recommend.
type RecommendationResult struct {
	Recommendation recommendation.Recommendation `json:"recommendation"`
	TargetKeys     map[string]recommendation.Key `json:"target_keys"`
}

// Recommend computes the UI recommendation and target keys for the given
// recipients, in order. Unknown recipients get placeholder records.
func (a *Account) Recommend(ctx context.Context, recipients ...string) (*RecommendationResult, error) {
	r, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	peers, err := r.peers.Peers(ctx, recipients...)
	if err != nil {
		return nil, err
	}

	byAddr := make(map[string]*peerstate.PeerState, len(peers))
	for _, p := range peers {
		byAddr[p.Address] = p
	}
	res := &RecommendationResult{
		Recommendation: a.engine.UIRecommendation(peers),
		TargetKeys:     a.engine.TargetKeys(byAddr),
	}
	metrics.Recommendations.WithLabelValues(res.Recommendation.String()).Inc()
	return res, nil
}

// Summary is the account overview printed by "show".
type Summary struct {
	Dir           string                 `json:"dir"`
	UUID          string                 `json:"uuid"`
	OwnKeyHandle  string                 `json:"own_keyhandle"`
	PreferEncrypt string                 `json:"prefer_encrypt"`
	Peers         []*peerstate.PeerState `json:"peers"`
}

// Show returns the account settings together with every known peer.
func (a *Account) Show(ctx context.Context) (*Summary, error) {
	r, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	peers, err := r.peers.List(ctx)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Dir:           a.dir,
		UUID:          r.settings.UUID,
		OwnKeyHandle:  r.settings.OwnKeyHandle,
		PreferEncrypt: r.settings.PreferEncrypt.String(),
		Peers:         peers,
	}, nil
}
