package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Ebullioscopic/WaterDrop/discovery"
	"github.com/Ebullioscopic/WaterDrop/negotiator"
	"github.com/Ebullioscopic/WaterDrop/signaling"
)

// attempt is one connection to one peer, from the first dial or OFFER until
// teardown. Its context parents the handshake and every session started on
// the resulting path.
type attempt struct {
	id       uint64
	peerID   string
	peerName string
	role     negotiator.Role

	handshake Handshake
	inbox     chan signaling.Message

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *attempt) close() {
	a.cancel()
	if a.handshake != nil {
		_ = a.handshake.Close()
	}
}

type dialResult struct {
	attemptID uint64
	link      signaling.Link
	err       error
}

type attemptFailed struct {
	attemptID uint64
	err       error
}

type channelReady struct {
	attemptID uint64
	path      DataPath
}

type pathClosed struct {
	path DataPath
}

type linkCheck struct {
	attemptID uint64
}

func (o *Orchestrator) newAttempt(peerID, peerName string, role negotiator.Role) *attempt {
	o.nextAttempt++
	ctx, cancel := context.WithCancel(o.ctx)
	a := &attempt{
		id:       o.nextAttempt,
		peerID:   peerID,
		peerName: peerName,
		role:     role,
		inbox:    make(chan signaling.Message, inboxSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	o.current = a
	return a
}

// beginConnect runs on the loop. A nil wait channel with a nil error means
// the call was ignored.
func (o *Orchestrator) beginConnect(peerID string) (chan error, error) {
	switch o.state {
	case StateDisconnected, StateError:
		return nil, ErrNotDiscovering
	case StateConnecting, StateConnected, StateTransferring:
		o.logger.Warn("connect ignored, already connecting", "peer_id", peerID, "state", o.state)
		return nil, nil
	}

	peer, err := o.opts.Discovery.BeginConnect(peerID)
	if err != nil {
		if errors.Is(err, discovery.ErrConnectInProgress) {
			return nil, nil
		}
		o.logger.Warn("connect failed", "peer_id", peerID, "error", err)
		o.emitError(err)
		return nil, err
	}

	a := o.newAttempt(peer.ID, peer.DisplayName, negotiator.Initiator)
	wait := make(chan error, 1)
	o.waiters = append(o.waiters, wait)
	o.setState(StateConnecting)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(a.ctx, o.opts.ConnectTimeout)
		defer cancel()
		link, err := o.opts.Dialer.Dial(ctx, peer)
		o.post(dialResult{attemptID: a.id, link: link, err: err})
	}()
	return wait, nil
}

func (o *Orchestrator) handleDialResult(res dialResult) {
	a := o.current
	if a == nil || a.id != res.attemptID {
		if res.link != nil {
			_ = res.link.Close()
		}
		return
	}
	if res.err != nil {
		o.abortToDiscovering(fmt.Errorf("dial %s: %w", a.peerID, res.err))
		return
	}

	// Both sides may dial at once. Each keeps the link dialed by the lower id.
	if o.opts.Signaling.HasLink(a.peerID) && o.opts.LocalID > a.peerID {
		o.logger.Debug("dropping dialed link, peer's link wins", "peer_id", a.peerID)
		_ = res.link.Close()
	} else if err := o.opts.Signaling.Attach(res.link); err != nil {
		o.abortToDiscovering(fmt.Errorf("attach link to %s: %w", a.peerID, err))
		return
	}

	if a.handshake != nil {
		return
	}
	if err := o.startHandshake(a); err != nil {
		o.failAttempt(err)
	}
}

// acceptLink registers a link opened by a remote peer.
func (o *Orchestrator) acceptLink(link signaling.Link) error {
	if link == nil {
		return errors.New("orchestrator: nil link")
	}
	peerID := link.PeerID()

	switch o.state {
	case StateDisconnected, StateError:
		_ = link.Close()
		return ErrNotDiscovering
	}
	if a := o.current; a != nil && a.peerID != peerID {
		o.logger.Warn("refusing link, busy with another peer", "peer_id", peerID, "current", a.peerID)
		_ = link.Close()
		return discovery.ErrConnectInProgress
	}
	if o.opts.Signaling.HasLink(peerID) && o.opts.LocalID < peerID {
		o.logger.Debug("dropping inbound link, own link wins", "peer_id", peerID)
		_ = link.Close()
		return nil
	}
	return o.opts.Signaling.Attach(link)
}

// startHandshake creates the negotiator for a and starts its worker.
func (o *Orchestrator) startHandshake(a *attempt) error {
	peerID := a.peerID
	send := func(ctx context.Context, msg signaling.Message) error {
		raw, err := signaling.Encode(msg)
		if err != nil {
			return err
		}
		return o.opts.Signaling.Send(ctx, peerID, raw)
	}
	h, err := o.opts.Negotiators.NewHandshake(a.role, peerID, send)
	if err != nil {
		return fmt.Errorf("create %s handshake: %w", a.role, err)
	}
	a.handshake = h

	o.wg.Add(1)
	go o.runAttempt(a)
	return nil
}

// runAttempt feeds inbound messages to the handshake in order and reports
// its outcome. It keeps draining trailing candidates after the channel opens.
func (o *Orchestrator) runAttempt(a *attempt) {
	defer o.wg.Done()

	if a.role == negotiator.Initiator {
		if err := a.handshake.Start(a.ctx); err != nil {
			o.post(attemptFailed{attemptID: a.id, err: err})
			return
		}
	}

	type outcome struct {
		path DataPath
		err  error
	}
	ready := make(chan outcome, 1)
	go func() {
		path, err := a.handshake.Wait(a.ctx)
		ready <- outcome{path: path, err: err}
	}()

	for {
		select {
		case msg := <-a.inbox:
			if err := a.handshake.Handle(a.ctx, msg); err != nil {
				if a.ctx.Err() == nil {
					o.post(attemptFailed{attemptID: a.id, err: err})
				}
				return
			}
		case res := <-ready:
			ready = nil
			if res.err != nil {
				if a.ctx.Err() == nil {
					o.post(attemptFailed{attemptID: a.id, err: res.err})
				}
				return
			}
			o.post(channelReady{attemptID: a.id, path: res.path})
		case <-a.ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) handleSignal(peerID string, payload []byte) {
	msg, err := signaling.Decode(payload)
	if err != nil {
		o.logger.Warn("undecodable signaling message", "peer_id", peerID, "error", err)
		if a := o.current; a != nil && a.peerID == peerID && o.state == StateConnecting {
			o.failAttempt(err)
			return
		}
		o.emitError(err)
		return
	}
	if msg.SenderID != peerID {
		o.logger.Warn("signaling sender does not match link", "peer_id", peerID, "sender_id", msg.SenderID)
		return
	}
	if msg.Stale(time.Now(), o.opts.MessageMaxAge) {
		o.logger.Debug("dropping stale signaling message", "peer_id", peerID, "type", msg.Type)
		return
	}

	a := o.current
	switch {
	case a != nil && a.peerID == peerID:
		if msg.Type == signaling.TypeOffer && a.role == negotiator.Initiator {
			o.resolveGlare(a, msg)
			return
		}
		o.deliver(a, msg)
	case msg.Type == signaling.TypeOffer:
		o.acceptOffer(peerID, msg)
	default:
		o.logger.Debug("signaling message without handshake", "peer_id", peerID, "type", msg.Type)
	}
}

// resolveGlare handles an OFFER from the peer we are already offering to.
// The lower device id keeps the initiator role.
func (o *Orchestrator) resolveGlare(a *attempt, offer signaling.Message) {
	if o.opts.LocalID < a.peerID {
		o.logger.Debug("ignoring crossed offer, keeping initiator role", "peer_id", a.peerID)
		return
	}
	if o.path != nil {
		o.logger.Warn("offer from connected peer ignored", "peer_id", a.peerID)
		return
	}
	o.logger.Debug("crossed offers, switching to responder", "peer_id", a.peerID)
	a.close()

	next := o.newAttempt(a.peerID, a.peerName, negotiator.Responder)
	if err := o.startHandshake(next); err != nil {
		o.failAttempt(err)
		return
	}
	o.deliver(next, offer)
}

func (o *Orchestrator) acceptOffer(peerID string, offer signaling.Message) {
	if o.state != StateDiscovering {
		o.logger.Warn("offer refused", "peer_id", peerID, "state", o.state)
		if o.current == nil || o.current.peerID != peerID {
			o.opts.Signaling.Detach(peerID)
		}
		return
	}
	if err := o.opts.Discovery.AcceptInbound(peerID); err != nil {
		o.logger.Warn("offer refused by discovery", "peer_id", peerID, "error", err)
		o.opts.Signaling.Detach(peerID)
		return
	}

	name := offer.SenderName
	if peer, ok := o.opts.Discovery.Peer(peerID); ok && peer.DisplayName != "" {
		name = peer.DisplayName
	}
	a := o.newAttempt(peerID, name, negotiator.Responder)
	o.setState(StateConnecting)
	if o.confirmed[peerID] {
		o.opts.Discovery.ConfirmSignalingPath(peerID)
	}
	if err := o.startHandshake(a); err != nil {
		o.failAttempt(err)
		return
	}
	o.deliver(a, offer)
}

func (o *Orchestrator) deliver(a *attempt, msg signaling.Message) {
	select {
	case a.inbox <- msg:
	default:
		o.logger.Warn("handshake inbox full, dropping message", "peer_id", a.peerID, "type", msg.Type)
	}
}

func (o *Orchestrator) handleConfirmed(peerID string) {
	o.confirmed[peerID] = true
	if a := o.current; a != nil && a.peerID == peerID {
		o.opts.Discovery.ConfirmSignalingPath(peerID)
	}
}

func (o *Orchestrator) handleLost(peerID string) {
	delete(o.confirmed, peerID)
	a := o.current
	if a == nil || a.peerID != peerID {
		return
	}
	if o.state == StateConnecting {
		// A crossed dial may replace the link; fail only if none comes back.
		id := a.id
		time.AfterFunc(linkGrace, func() { o.post(linkCheck{attemptID: id}) })
		return
	}
	o.logger.Debug("signaling link closed, transfer channel stays up", "peer_id", peerID)
}

func (o *Orchestrator) handleLinkCheck(m linkCheck) {
	a := o.current
	if a == nil || a.id != m.attemptID || o.state != StateConnecting {
		return
	}
	if !o.opts.Signaling.HasLink(a.peerID) {
		o.failAttempt(fmt.Errorf("signaling link to %s lost", a.peerID))
	}
}

func (o *Orchestrator) handleAttemptFailed(m attemptFailed) {
	a := o.current
	if a == nil || a.id != m.attemptID {
		return
	}
	if o.state == StateConnecting {
		o.failAttempt(m.err)
		return
	}
	o.logger.Warn("signaling error after channel opened", "peer_id", a.peerID, "error", m.err)
	o.emitError(m.err)
}

func (o *Orchestrator) handleChannelReady(m channelReady) {
	a := o.current
	if a == nil || a.id != m.attemptID || o.state != StateConnecting {
		_ = m.path.Close()
		return
	}
	o.path = m.path
	o.setState(StateConnected)
	o.resolveWaiters(nil)

	path := m.path
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-path.Done():
			o.post(pathClosed{path: path})
		case <-a.ctx.Done():
		}
	}()
}

func (o *Orchestrator) handlePathClosed(m pathClosed) {
	if o.path == nil || o.path != m.path {
		return
	}
	peerID := o.current.peerID
	o.logger.Info("transfer channel closed", "peer_id", peerID)
	o.abortToDiscovering(fmt.Errorf("transfer channel to %s closed", peerID))
}

// failAttempt ends a handshake-level failure in DISCONNECTED.
func (o *Orchestrator) failAttempt(err error) {
	o.logger.Warn("handshake failed", "error", err)
	o.emitError(err)
	o.teardown(err)
	o.opts.Discovery.Disconnect()
	o.setState(StateDisconnected)
}

// abortToDiscovering drops the attempt but keeps discovery running.
func (o *Orchestrator) abortToDiscovering(err error) {
	o.logger.Warn("connection aborted", "error", err)
	o.emitError(err)
	o.teardown(err)
	o.opts.Discovery.AbortConnect()
	o.setState(StateDiscovering)
}
