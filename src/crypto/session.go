package crypto

import (
	"bytes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/LeanVibe/leanvibe-ai-sub007/src/crypto/keys"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/store"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

const (
	// NonceSize is the size of the random nonces exchanged in Hello/HelloAck
	NonceSize = 32

	counterSize = 8
	// Overhead is the number of bytes Seal adds to a plaintext
	Overhead = counterSize + chacha20poly1305.Overhead

	confirmLabel = "tether confirm"
)

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//Initiator

// SessionOffer is the companion's half of a session handshake.
type SessionOffer struct {
	provider *Provider
	pairing  store.Pairing
	nonce    []byte
	eph      *ecdsa.PrivateKey
	hello    *wire.Hello
}

// DeriveSession starts a session on a pairing. The companion sends Hello and
// completes the offer with the host's HelloAck.
func (p *Provider) DeriveSession(pairingID string) (*SessionOffer, error) {
	sp, err := p.getPairing(pairingID)
	if err != nil {
		return nil, err
	}
	if sp.Revoked {
		return nil, ErrPairingRevoked
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	eph, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}
	ephPub := keys.FromPublicKey(&eph.PublicKey)

	hello := &wire.Hello{
		PairingID:    sp.ID,
		CompanionID:  sp.CompanionID,
		Nonce:        nonce,
		EphemeralKey: ephPub,
		MAC:          helloMAC(sp.Secret, sp.ID, sp.CompanionID, nonce, ephPub),
	}

	return &SessionOffer{
		provider: p,
		pairing:  sp,
		nonce:    nonce,
		eph:      eph,
		hello:    hello,
	}, nil
}

// Hello returns the message opening the handshake.
func (o *SessionOffer) Hello() *wire.Hello {
	return o.hello
}

// Complete verifies the host's HelloAck and derives the session.
func (o *SessionOffer) Complete(ack *wire.HelloAck) (*Session, error) {
	expected := helloAckMAC(o.pairing.Secret, o.nonce, o.hello.EphemeralKey, ack.Nonce, ack.EphemeralKey)
	if !checkMAC(expected, ack.MAC) {
		return nil, fmt.Errorf("%w: bad hello ack", ErrAuth)
	}

	peerEph, err := keys.ToPublicKey(ack.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrAuth, err)
	}

	return o.provider.newSession(o.pairing, true, o.eph, peerEph, o.nonce, ack.Nonce)
}

// CheckReject interprets the host's refusal of our Hello. Only a refusal
// authenticated with the pairing secret can report the pairing revoked;
// anything else is an authentication failure of this attempt.
func (o *SessionOffer) CheckReject(r *wire.Reject) error {
	if r.Reason == wire.RejectRevoked && checkMAC(rejectMAC(o.pairing.Secret, r.Reason, o.nonce), r.MAC) {
		return ErrPairingRevoked
	}
	return fmt.Errorf("%w: host rejected hello: %s", ErrAuth, r.Reason)
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//Responder

// AcceptSession answers a companion's Hello.
func (p *Provider) AcceptSession(hello *wire.Hello) (*Session, *wire.HelloAck, error) {
	sp, err := p.getPairing(hello.PairingID)
	if err != nil {
		return nil, nil, err
	}
	if sp.Revoked {
		return nil, nil, ErrPairingRevoked
	}
	if sp.Role != store.RoleHost || sp.CompanionID != hello.CompanionID {
		return nil, nil, fmt.Errorf("%w: hello from %s does not match pairing", ErrAuth, hello.CompanionID)
	}
	if len(hello.Nonce) != NonceSize {
		return nil, nil, fmt.Errorf("%w: bad nonce", ErrAuth)
	}

	expected := helloMAC(sp.Secret, sp.ID, sp.CompanionID, hello.Nonce, hello.EphemeralKey)
	if !checkMAC(expected, hello.MAC) {
		return nil, nil, fmt.Errorf("%w: bad hello", ErrAuth)
	}

	peerEph, err := keys.ToPublicKey(hello.EphemeralKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: ephemeral key: %v", ErrAuth, err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	eph, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, nil, err
	}
	ephPub := keys.FromPublicKey(&eph.PublicKey)

	s, err := p.newSession(sp, false, eph, peerEph, hello.Nonce, nonce)
	if err != nil {
		return nil, nil, err
	}

	ack := &wire.HelloAck{
		Nonce:        nonce,
		EphemeralKey: ephPub,
		MAC:          helloAckMAC(sp.Secret, hello.Nonce, hello.EphemeralKey, nonce, ephPub),
	}
	return s, ack, nil
}

// RejectHello builds the refusal of hello. It is authenticated when the
// pairing is still on record, revoked or not.
func (p *Provider) RejectHello(hello *wire.Hello, reason string) *wire.Reject {
	rej := &wire.Reject{Reason: reason}
	sp, err := p.getPairing(hello.PairingID)
	if err == nil && sp.CompanionID == hello.CompanionID {
		rej.MAC = rejectMAC(sp.Secret, reason, hello.Nonce)
	}
	return rej
}

// newSession derives the transport keys. initiatorNonce and responderNonce
// are ordered the same way on both sides.
func (p *Provider) newSession(sp store.Pairing,
	initiator bool,
	eph *ecdsa.PrivateKey,
	peerEph *ecdsa.PublicKey,
	initiatorNonce []byte,
	responderNonce []byte) (*Session, error) {

	ephShared, err := keys.SharedSecret(eph, peerEph)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	material, err := derive(
		concat(sp.Secret, ephShared),
		concat(initiatorNonce, responderNonce),
		sessionInfo,
		2*chacha20poly1305.KeySize+16)
	if err != nil {
		return nil, err
	}

	i2r, err := chacha20poly1305.New(material[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, err
	}
	r2i, err := chacha20poly1305.New(material[chacha20poly1305.KeySize : 2*chacha20poly1305.KeySize])
	if err != nil {
		return nil, err
	}
	sid, err := uuid.FromBytes(material[2*chacha20poly1305.KeySize:])
	if err != nil {
		return nil, err
	}

	now := p.conf.Clock.Now()
	s := &Session{
		ID:        sid.String(),
		PairingID: sp.ID,
		PeerID:    sp.PeerID(),
		CreatedAt: now,
		ExpiresAt: now.Add(p.conf.SessionTTL),
		provider:  p,
		clock:     p.conf.Clock,
	}
	if initiator {
		s.sealer, s.opener = i2r, r2i
	} else {
		s.sealer, s.opener = r2i, i2r
	}

	p.register(s)
	return s, nil
}

func helloMAC(secret []byte, pairingID, companionID string, nonce, eph []byte) []byte {
	return mac(secret, []byte("hello"), []byte(pairingID), []byte(companionID), nonce, eph)
}

func rejectMAC(secret []byte, reason string, nonce []byte) []byte {
	return mac(secret, []byte("reject"), []byte(reason), nonce)
}

func helloAckMAC(secret []byte, nonceI, ephI, nonceR, ephR []byte) []byte {
	return mac(secret, []byte("hello-ack"), nonceI, ephI, nonceR, ephR)
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//Session

// Session is the key material of one connection. Seal and Open may be called
// concurrently with each other; each of them serializes its own callers.
type Session struct {
	ID        string
	PairingID string
	PeerID    string
	CreatedAt time.Time
	ExpiresAt time.Time

	provider *Provider
	clock    clockwork.Clock

	sealMu  sync.Mutex
	sealer  cipher.AEAD
	sendCtr uint64

	openMu  sync.Mutex
	opener  cipher.AEAD
	recvCtr uint64

	revoked atomic.Bool
	closed  atomic.Bool
}

func (s *Session) check() error {
	if s.revoked.Load() {
		return ErrPairingRevoked
	}
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if s.clock.Now().After(s.ExpiresAt) {
		return ErrSessionExpired
	}
	return nil
}

// Seal encrypts and authenticates plaintext, binding aad. The output is
// counter | ciphertext | tag.
func (s *Session) Seal(aad, plaintext []byte) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	s.sealMu.Lock()
	defer s.sealMu.Unlock()

	s.sendCtr++
	out := make([]byte, counterSize, counterSize+len(plaintext)+chacha20poly1305.Overhead)
	binary.BigEndian.PutUint64(out, s.sendCtr)

	return s.sealer.Seal(out, nonceFor(s.sendCtr), plaintext, aad), nil
}

// Open verifies and decrypts a message produced by the peer's Seal. Counters
// must strictly increase, so replayed and reordered messages fail. Any failure
// returns a nil plaintext.
func (s *Session) Open(aad, sealed []byte) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if len(sealed) < Overhead {
		return nil, fmt.Errorf("%w: short message", ErrAuth)
	}

	s.openMu.Lock()
	defer s.openMu.Unlock()

	ctr := binary.BigEndian.Uint64(sealed)
	if ctr <= s.recvCtr {
		return nil, fmt.Errorf("%w: counter %d not above %d", ErrAuth, ctr, s.recvCtr)
	}

	plaintext, err := s.opener.Open(nil, nonceFor(ctr), sealed[counterSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}

	s.recvCtr = ctr
	return plaintext, nil
}

// Confirm returns the sealed confirmation sent once keys are derived.
func (s *Session) Confirm() ([]byte, error) {
	return s.Seal(wire.FrameHandshake.AAD(), []byte(confirmLabel+"|"+s.ID))
}

// VerifyConfirm checks the peer's confirmation. A valid confirmation proves the
// peer derived the same keys.
func (s *Session) VerifyConfirm(sealed []byte) error {
	pt, err := s.Open(wire.FrameHandshake.AAD(), sealed)
	if err != nil {
		return err
	}
	if !bytes.Equal(pt, []byte(confirmLabel+"|"+s.ID)) {
		return fmt.Errorf("%w: bad confirmation", ErrAuth)
	}
	return nil
}

// Expired reports whether the session outlived its TTL.
func (s *Session) Expired() bool {
	return s.clock.Now().After(s.ExpiresAt)
}

// Revoked reports whether the pairing was revoked while the session was live.
func (s *Session) Revoked() bool {
	return s.revoked.Load()
}

// Close destroys the session. Later Seal and Open calls fail.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.provider.unregister(s)
}

func nonceFor(ctr uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], ctr)
	return nonce
}
