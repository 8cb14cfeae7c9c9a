package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/LeanVibe/leanvibe-ai-sub007/src/crypto"
	tnet "github.com/LeanVibe/leanvibe-ai-sub007/src/net"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/node/state"
	"github.com/LeanVibe/leanvibe-ai-sub007/src/wire"
)

// errHandshakeTimeout is a transport failure: the peer did not answer in time.
var errHandshakeTimeout = fmt.Errorf("%w: handshake timeout", ErrTransport)

func (n *Node) writeHandshake(link tnet.Link, h *wire.Handshake) error {
	f, err := h.Frame()
	if err != nil {
		return err
	}
	if err := link.WriteFrame(f); err != nil {
		return transportErr(err)
	}
	n.metrics.FramesSent.WithLabelValues(f.Type.String()).Inc()
	return nil
}

// readHandshake waits HandshakeTimeout for the next handshake message. The
// link is closed when nothing arrives in time, since a blocked ReadFrame can
// not be interrupted otherwise.
func (n *Node) readHandshake(ctx context.Context, link tnet.Link) (*wire.Handshake, error) {
	type result struct {
		f   wire.Frame
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		f, err := link.ReadFrame()
		resCh <- result{f, err}
	}()

	var res result
	select {
	case res = <-resCh:
	case <-n.conf.Clock.After(n.conf.HandshakeTimeout):
		link.Close()
		return nil, errHandshakeTimeout
	case <-ctx.Done():
		link.Close()
		return nil, ctx.Err()
	}

	if res.err != nil {
		return nil, transportErr(res.err)
	}
	n.metrics.FramesReceived.WithLabelValues(res.f.Type.String()).Inc()
	if res.f.Type != wire.FrameHandshake {
		return nil, fmt.Errorf("%w: unexpected %s frame during handshake", crypto.ErrAuth, res.f.Type)
	}

	h, err := wire.UnmarshalHandshake(res.f.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrAuth, err)
	}
	n.metrics.Handshakes.WithLabelValues(h.Kind.String()).Inc()
	return h, nil
}

func (n *Node) expect(ctx context.Context, link tnet.Link, kind wire.HandshakeKind) (*wire.Handshake, error) {
	h, err := n.readHandshake(ctx, link)
	if err != nil {
		return nil, err
	}
	if h.Kind != kind && h.Kind != wire.HandshakeReject {
		return nil, fmt.Errorf("%w: expected %s, got %s", crypto.ErrAuth, kind, h.Kind)
	}
	return h, nil
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//Companion

// pairOver runs the companion side of the pairing ceremony on link.
func (n *Node) pairOver(ctx context.Context, link tnet.Link, attempt *crypto.PairingAttempt) (crypto.PairingInfo, error) {
	err := n.writeHandshake(link, &wire.Handshake{
		Kind:        wire.HandshakePairRequest,
		PairRequest: attempt.Request(),
	})
	if err != nil {
		return crypto.PairingInfo{}, err
	}

	h, err := n.expect(ctx, link, wire.HandshakePairAccept)
	if err != nil {
		return crypto.PairingInfo{}, err
	}
	if h.Kind == wire.HandshakeReject {
		return crypto.PairingInfo{}, pairingRejection(h.Reject.Reason)
	}
	return attempt.Finish(h.PairAccept)
}

func pairingRejection(reason string) error {
	switch reason {
	case wire.RejectExpired:
		return crypto.ErrTokenExpired
	case wire.RejectUsed:
		return crypto.ErrTokenUsed
	case wire.RejectBusy:
		return crypto.ErrRateLimited
	case wire.RejectToken:
		return crypto.ErrUnknownToken
	}
	return fmt.Errorf("%w: pairing refused: %s", crypto.ErrAuth, reason)
}

// openSession runs the companion side of the session handshake on link.
func (p *Peer) openSession(ctx context.Context, link tnet.Link) (*crypto.Session, error) {
	n := p.node

	offer, err := n.provider.DeriveSession(p.id)
	if err != nil {
		return nil, err
	}
	err = n.writeHandshake(link, &wire.Handshake{
		Kind:  wire.HandshakeHello,
		Hello: offer.Hello(),
	})
	if err != nil {
		return nil, err
	}

	h, err := n.expect(ctx, link, wire.HandshakeHelloAck)
	if err != nil {
		return nil, err
	}
	if h.Kind == wire.HandshakeReject {
		return nil, offer.CheckReject(h.Reject)
	}

	session, err := offer.Complete(h.HelloAck)
	if err != nil {
		n.metrics.AuthFailures.Inc()
		return nil, err
	}
	p.setState(state.Authenticating, nil)

	if err := n.confirm(ctx, link, session, true); err != nil {
		session.Close()
		return nil, err
	}
	return session, nil
}

// confirm exchanges sealed confirmations. The initiator speaks first.
func (n *Node) confirm(ctx context.Context, link tnet.Link, session *crypto.Session, initiator bool) error {
	send := func() error {
		c, err := session.Confirm()
		if err != nil {
			return err
		}
		return n.writeHandshake(link, &wire.Handshake{Kind: wire.HandshakeConfirm, Confirm: c})
	}
	recv := func() error {
		h, err := n.expect(ctx, link, wire.HandshakeConfirm)
		if err != nil {
			return err
		}
		if h.Kind == wire.HandshakeReject {
			return fmt.Errorf("%w: peer rejected confirmation: %s", crypto.ErrAuth, h.Reject.Reason)
		}
		if err := session.VerifyConfirm(h.Confirm); err != nil {
			n.metrics.AuthFailures.Inc()
			return err
		}
		return nil
	}

	if initiator {
		if err := send(); err != nil {
			return err
		}
		return recv()
	}
	if err := recv(); err != nil {
		return err
	}
	return send()
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//Host

// handleLink answers the first handshake message on an accepted link.
func (n *Node) handleLink(link tnet.Link) {
	logger := n.logger.WithFields(logrus.Fields{
		"link":   link.Kind(),
		"remote": link.RemoteAddr(),
	})

	h, err := n.readHandshake(n.ctx, link)
	if err != nil {
		logger.WithError(err).Debug("No handshake")
		link.Close()
		return
	}

	switch h.Kind {
	case wire.HandshakePairRequest:
		n.answerPairing(link, h.PairRequest, logger)
		link.Close()
	case wire.HandshakeHello:
		n.answerHello(link, h.Hello, logger)
	default:
		logger.WithField("kind", h.Kind).Warn("Unexpected opening handshake")
		link.Close()
	}
}

func (n *Node) answerPairing(link tnet.Link, req *wire.PairRequest, logger *logrus.Entry) {
	accept, info, err := n.provider.CompletePairing(req)
	if err != nil {
		reason := wire.RejectToken
		switch {
		case errors.Is(err, crypto.ErrTokenExpired):
			reason = wire.RejectExpired
		case errors.Is(err, crypto.ErrTokenUsed):
			reason = wire.RejectUsed
		case errors.Is(err, crypto.ErrRateLimited):
			reason = wire.RejectBusy
		case errors.Is(err, crypto.ErrAuth):
			n.metrics.AuthFailures.Inc()
		}
		n.writeHandshake(link, &wire.Handshake{
			Kind:   wire.HandshakeReject,
			Reject: &wire.Reject{Reason: reason},
		})
		return
	}

	if _, err := n.addPeer(info); err != nil {
		logger.WithError(err).Error("Registering pairing")
	}

	if err := n.writeHandshake(link, &wire.Handshake{
		Kind:       wire.HandshakePairAccept,
		PairAccept: accept,
	}); err != nil {
		logger.WithError(err).Warn("Sending PairAccept")
	}
}

func (n *Node) answerHello(link tnet.Link, hello *wire.Hello, logger *logrus.Entry) {
	logger = logger.WithField("pairing", hello.PairingID)

	reject := func(reason string) {
		n.writeHandshake(link, &wire.Handshake{
			Kind:   wire.HandshakeReject,
			Reject: n.provider.RejectHello(hello, reason),
		})
		link.Close()
	}

	p := n.Peer(hello.PairingID)
	if p != nil && !p.accepting() {
		logger.Debug("Pairing disconnected, refusing session")
		reject(wire.RejectBusy)
		return
	}

	session, ack, err := n.provider.AcceptSession(hello)
	switch {
	case err == nil:
	case errors.Is(err, crypto.ErrPairingRevoked):
		logger.Info("Refusing session of revoked pairing")
		reject(wire.RejectRevoked)
		return
	case errors.Is(err, crypto.ErrUnknownPairing):
		logger.Info("Refusing session of unknown pairing")
		reject(wire.RejectUnknown)
		return
	default:
		n.metrics.AuthFailures.Inc()
		logger.WithError(err).Warn("Refusing session")
		reject(wire.RejectAuth)
		return
	}

	if p == nil {
		// paired while the node was running, by another process sharing the
		// store
		info, err := n.provider.Pairing(hello.PairingID)
		if err == nil {
			p, err = n.addPeer(info)
		}
		if err != nil {
			session.Close()
			logger.WithError(err).Error("Loading pairing")
			link.Close()
			return
		}
	}

	if err := n.writeHandshake(link, &wire.Handshake{
		Kind:     wire.HandshakeHelloAck,
		HelloAck: ack,
	}); err != nil {
		session.Close()
		link.Close()
		return
	}

	p.setState(state.Authenticating, nil)

	if err := n.confirm(n.ctx, link, session, false); err != nil {
		logger.WithError(err).Warn("Session confirmation failed")
		session.Close()
		link.Close()
		p.lost(err)
		return
	}

	p.attach(link, session)
}
