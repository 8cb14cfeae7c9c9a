package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	cm "github.com/LeanVibe/leanvibe-ai-sub007/src/common"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/crypto/keys"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/store"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

const (
	DefaultTokenTTL     = 90 * time.Second
	DefaultSessionTTL   = 12 * time.Hour
	DefaultPairingRate  = rate.Limit(1)
	DefaultPairingBurst = 5
)

// ProviderConfig holds the tunables of a Provider. Zero values fall back to
// the defaults.
type ProviderConfig struct {
	TokenTTL     time.Duration
	SessionTTL   time.Duration
	PairingRate  rate.Limit
	PairingBurst int
	Clock        clockwork.Clock
}

func (c *ProviderConfig) setDefaults() {
	if c.TokenTTL <= 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.PairingRate <= 0 {
		c.PairingRate = DefaultPairingRate
	}
	if c.PairingBurst <= 0 {
		c.PairingBurst = DefaultPairingBurst
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// PairingInfo is the public description of a pairing. It carries everything
// but the secret.
type PairingInfo struct {
	ID          string
	Role        store.Role
	HostID      string
	CompanionID string
	PeerID      string
	PeerKey     []byte
	Addrs       []string
	Relay       string
	CreatedAt   time.Time
	Revoked     bool
}

func newPairingInfo(p store.Pairing) PairingInfo {
	return PairingInfo{
		ID:          p.ID,
		Role:        p.Role,
		HostID:      p.HostID,
		CompanionID: p.CompanionID,
		PeerID:      p.PeerID(),
		PeerKey:     append([]byte(nil), p.PeerKey...),
		Addrs:       append([]string(nil), p.Addrs...),
		Relay:       p.Relay,
		CreatedAt:   time.Unix(0, p.CreatedAt),
		Revoked:     p.Revoked,
	}
}

type pendingToken struct {
	token *PairingToken
	used  bool
}

// Provider is the Crypto/Identity provider of one agent.
type Provider struct {
	key    *ecdsa.PrivateKey
	pubKey []byte
	id     string
	role   store.Role
	store  store.Store
	conf   ProviderConfig

	limiter *rate.Limiter

	mu       sync.Mutex
	tokens   map[string]*pendingToken
	sessions map[string]map[*Session]struct{}
	revoked  map[string]bool

	logger *logrus.Entry
}

// NewProvider creates a Provider for the agent owning key.
func NewProvider(key *ecdsa.PrivateKey,
	role store.Role,
	st store.Store,
	conf ProviderConfig,
	logger *logrus.Entry) *Provider {

	conf.setDefaults()

	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	p := &Provider{
		key:      key,
		pubKey:   keys.FromPublicKey(&key.PublicKey),
		id:       keys.NodeID(&key.PublicKey),
		role:     role,
		store:    st,
		conf:     conf,
		limiter:  rate.NewLimiter(conf.PairingRate, conf.PairingBurst),
		tokens:   make(map[string]*pendingToken),
		sessions: make(map[string]map[*Session]struct{}),
		revoked:  make(map[string]bool),
	}
	p.logger = logger.WithFields(logrus.Fields{
		"node": p.id,
		"role": role,
	})
	return p
}

// ID returns the node id of the agent.
func (p *Provider) ID() string {
	return p.id
}

// PublicKey returns the compressed public key of the agent.
func (p *Provider) PublicKey() []byte {
	return append([]byte(nil), p.pubKey...)
}

// Role returns the side this agent plays in its pairings.
func (p *Provider) Role() store.Role {
	return p.role
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//Host side of the pairing ceremony

// GeneratePairingToken creates a single-use token. addrs and relay are
// advertised in the QR payload so the companion knows where to dial.
func (p *Provider) GeneratePairingToken(addrs []string, relay string) (*PairingToken, error) {
	if p.role != store.RoleHost {
		return nil, fmt.Errorf("only hosts issue pairing tokens")
	}

	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}

	token := &PairingToken{
		ID:        uuid.NewString(),
		Secret:    secret,
		HostID:    p.id,
		HostKey:   p.PublicKey(),
		Addrs:     append([]string(nil), addrs...),
		Relay:     relay,
		ExpiresAt: p.conf.Clock.Now().Add(p.conf.TokenTTL),
	}

	p.mu.Lock()
	p.pruneTokens()
	p.tokens[token.ID] = &pendingToken{token: token}
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"token":   token.ID,
		"expires": token.ExpiresAt,
	}).Debug("Pairing token created")

	return token, nil
}

// CompletePairing redeems the token referenced by req for the companion key it
// carries. On success the pairing is persisted and the PairAccept to send back
// is returned.
func (p *Provider) CompletePairing(req *wire.PairRequest) (*wire.PairAccept, PairingInfo, error) {
	if !p.limiter.AllowN(p.conf.Clock.Now(), 1) {
		return nil, PairingInfo{}, ErrRateLimited
	}

	companionKey, err := keys.ToPublicKey(req.CompanionKey)
	if err != nil {
		return nil, PairingInfo{}, fmt.Errorf("%w: companion key: %v", ErrAuth, err)
	}
	if keys.NodeID(companionKey) != req.CompanionID {
		return nil, PairingInfo{}, fmt.Errorf("%w: companion id does not match its key", ErrAuth)
	}

	pt, err := p.redeemToken(req)
	if err != nil {
		p.logger.WithError(err).WithField("companion", req.CompanionID).Warn("Pairing attempt refused")
		return nil, PairingInfo{}, err
	}

	secret, err := p.pairingSecret(companionKey, pt.token.Secret, p.id, req.CompanionID)
	if err != nil {
		return nil, PairingInfo{}, err
	}

	pairing := store.Pairing{
		ID:          uuid.NewString(),
		Role:        store.RoleHost,
		HostID:      p.id,
		CompanionID: req.CompanionID,
		PeerKey:     append([]byte(nil), req.CompanionKey...),
		Secret:      secret,
		CreatedAt:   p.conf.Clock.Now().UnixNano(),
	}
	if err := p.store.SetPairing(pairing); err != nil {
		return nil, PairingInfo{}, err
	}

	p.logger.WithFields(logrus.Fields{
		"pairing":   pairing.ID,
		"companion": pairing.CompanionID,
	}).Info("Paired with companion")

	accept := &wire.PairAccept{
		HostID:    p.id,
		HostKey:   p.PublicKey(),
		PairingID: pairing.ID,
		Confirm:   pairConfirm(secret, pairing.ID),
	}
	return accept, newPairingInfo(pairing), nil
}

// redeemToken finds the token a request refers to, checks its proof and marks
// it used. Requests without a token id are matched against every pending
// token.
func (p *Provider) redeemToken(req *wire.PairRequest) (*pendingToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.conf.Clock.Now()

	var candidates []*pendingToken
	if req.TokenID != "" {
		pt, ok := p.tokens[req.TokenID]
		if !ok {
			return nil, ErrUnknownToken
		}
		candidates = append(candidates, pt)
	} else {
		for _, pt := range p.tokens {
			candidates = append(candidates, pt)
		}
	}

	var firstErr error = ErrUnknownToken
	for _, pt := range candidates {
		// typed codes carry no token id, and neither does their proof
		expected := pairProof(pt.token.Secret, req.TokenID, req.CompanionKey)
		if !checkMAC(expected, req.Proof) {
			if req.TokenID != "" {
				firstErr = fmt.Errorf("%w: bad pairing proof", ErrAuth)
			}
			continue
		}
		if pt.used {
			return nil, ErrTokenUsed
		}
		if now.After(pt.token.ExpiresAt) {
			return nil, ErrTokenExpired
		}
		pt.used = true
		return pt, nil
	}
	return nil, firstErr
}

// pruneTokens forgets tokens that expired more than one TTL ago. Keeping them
// a little longer lets late requests get ErrTokenExpired rather than
// ErrUnknownToken.
func (p *Provider) pruneTokens() {
	horizon := p.conf.Clock.Now().Add(-p.conf.TokenTTL)
	for id, pt := range p.tokens {
		if pt.token.ExpiresAt.Before(horizon) {
			delete(p.tokens, id)
		}
	}
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//Companion side of the pairing ceremony

// PairingAttempt is a companion's in-flight pairing ceremony.
type PairingAttempt struct {
	provider *Provider
	offer    *PairingOffer
	request  *wire.PairRequest
}

// BeginPairing builds the PairRequest answering offer.
func (p *Provider) BeginPairing(offer *PairingOffer) (*PairingAttempt, error) {
	if p.role != store.RoleCompanion {
		return nil, fmt.Errorf("only companions redeem pairing tokens")
	}
	if len(offer.Secret) != SecretSize {
		return nil, ErrBadOffer
	}

	req := &wire.PairRequest{
		TokenID:      offer.TokenID,
		CompanionID:  p.id,
		CompanionKey: p.PublicKey(),
		Proof:        pairProof(offer.Secret, offer.TokenID, p.pubKey),
	}

	return &PairingAttempt{
		provider: p,
		offer:    offer,
		request:  req,
	}, nil
}

// Request returns the message to send to the host.
func (a *PairingAttempt) Request() *wire.PairRequest {
	return a.request
}

// Finish verifies the host's answer and persists the pairing.
func (a *PairingAttempt) Finish(accept *wire.PairAccept) (PairingInfo, error) {
	p := a.provider

	hostKey, err := keys.ToPublicKey(accept.HostKey)
	if err != nil {
		return PairingInfo{}, fmt.Errorf("%w: host key: %v", ErrAuth, err)
	}
	if len(a.offer.HostKey) > 0 && !bytes.Equal(a.offer.HostKey, keys.FromPublicKey(hostKey)) {
		return PairingInfo{}, fmt.Errorf("%w: host key differs from the pairing offer", ErrAuth)
	}
	hostID := keys.NodeID(hostKey)
	if hostID != accept.HostID || (a.offer.HostID != "" && a.offer.HostID != hostID) {
		return PairingInfo{}, fmt.Errorf("%w: unexpected host id %s", ErrAuth, accept.HostID)
	}

	secret, err := p.pairingSecret(hostKey, a.offer.Secret, hostID, p.id)
	if err != nil {
		return PairingInfo{}, err
	}
	if !checkMAC(pairConfirm(secret, accept.PairingID), accept.Confirm) {
		return PairingInfo{}, fmt.Errorf("%w: bad pairing confirmation", ErrAuth)
	}

	pairing := store.Pairing{
		ID:          accept.PairingID,
		Role:        store.RoleCompanion,
		HostID:      hostID,
		CompanionID: p.id,
		PeerKey:     keys.FromPublicKey(hostKey),
		Secret:      secret,
		Addrs:       append([]string(nil), a.offer.Addrs...),
		Relay:       a.offer.Relay,
		CreatedAt:   p.conf.Clock.Now().UnixNano(),
	}
	if err := p.store.SetPairing(pairing); err != nil {
		return PairingInfo{}, err
	}

	p.logger.WithFields(logrus.Fields{
		"pairing": pairing.ID,
		"host":    hostID,
	}).Info("Paired with host")

	return newPairingInfo(pairing), nil
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//Pairings

// Pairing returns the public description of a pairing.
func (p *Provider) Pairing(id string) (PairingInfo, error) {
	sp, err := p.getPairing(id)
	if err != nil {
		return PairingInfo{}, err
	}
	return newPairingInfo(sp), nil
}

// Pairings lists every pairing, revoked ones included.
func (p *Provider) Pairings() ([]PairingInfo, error) {
	all, err := p.store.Pairings()
	if err != nil {
		return nil, err
	}
	res := make([]PairingInfo, len(all))
	for i, sp := range all {
		res[i] = newPairingInfo(sp)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// UpdateAddrs records where a companion last reached its host.
func (p *Provider) UpdateAddrs(id string, addrs []string, relay string) error {
	sp, err := p.getPairing(id)
	if err != nil {
		return err
	}
	sp.Addrs = append([]string(nil), addrs...)
	if relay != "" {
		sp.Relay = relay
	}
	return p.store.SetPairing(sp)
}

// Revoke marks the pairing revoked. Every live session derived from it fails
// from now on. Revoking twice is not an error.
func (p *Provider) Revoke(id string) error {
	sp, err := p.getPairing(id)
	if err != nil {
		return err
	}

	if !sp.Revoked {
		sp.Revoked = true
		if err := p.store.SetPairing(sp); err != nil {
			return err
		}
		p.logger.WithField("pairing", id).Warn("Pairing revoked")
	}

	p.mu.Lock()
	p.revoked[id] = true
	live := p.sessions[id]
	delete(p.sessions, id)
	p.mu.Unlock()

	for s := range live {
		s.revoked.Store(true)
	}
	return nil
}

func (p *Provider) getPairing(id string) (store.Pairing, error) {
	sp, err := p.store.GetPairing(id)
	if err != nil {
		if cm.IsStore(err, cm.KeyNotFound) {
			return store.Pairing{}, fmt.Errorf("%w: %s", ErrUnknownPairing, id)
		}
		return store.Pairing{}, err
	}
	return sp, nil
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//Derivations

// pairingSecret is HKDF(ECDH(own, peer), salt = token secret,
// info = label | host id | companion id).
func (p *Provider) pairingSecret(peer *ecdsa.PublicKey, tokenSecret []byte, hostID, companionID string) ([]byte, error) {
	shared, err := keys.SharedSecret(p.key, peer)
	if err != nil {
		return nil, err
	}
	return derive(shared, tokenSecret, pairingInfo+"|"+hostID+"|"+companionID, 32)
}

func pairProof(tokenSecret []byte, tokenID string, companionKey []byte) []byte {
	return mac(tokenSecret, []byte("pair-req"), []byte(tokenID), companionKey)
}

func pairConfirm(secret []byte, pairingID string) []byte {
	return mac(secret, []byte("pair-ok"), []byte(pairingID))
}

func (p *Provider) register(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.revoked[s.PairingID] {
		s.revoked.Store(true)
		return
	}

	live, ok := p.sessions[s.PairingID]
	if !ok {
		live = make(map[*Session]struct{})
		p.sessions[s.PairingID] = live
	}
	live[s] = struct{}{}
}

func (p *Provider) unregister(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if live, ok := p.sessions[s.PairingID]; ok {
		delete(live, s)
		if len(live) == 0 {
			delete(p.sessions, s.PairingID)
		}
	}
}

// LiveSessions returns the number of open sessions of a pairing.
func (p *Provider) LiveSessions(pairingID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions[pairingID])
}
