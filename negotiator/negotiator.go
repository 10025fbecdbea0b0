// Package negotiator drives the OFFER/ANSWER/CANDIDATE exchange that turns a
// signaling link into an open WebRTC data channel.
package negotiator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Ebullioscopic/WaterDrop/signaling"
	"github.com/pion/webrtc/v4"
)

const (
	// DefaultHandshakeTimeout bounds the whole exchange, from New to an open
	// data channel.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultLabel names the transfer data channel.
	DefaultLabel = "waterdrop"
)

var (
	// ErrSignalingTimeout means the data channel did not open in time.
	ErrSignalingTimeout = errors.New("negotiator: signaling timeout")
	// ErrHandshakeFailed means ICE or SDP processing failed.
	ErrHandshakeFailed = errors.New("negotiator: handshake failed")
	// ErrUnexpectedMessage means a message arrived that this role cannot use.
	ErrUnexpectedMessage = errors.New("negotiator: unexpected message")
	// ErrClosed means Close was called before the channel opened.
	ErrClosed = errors.New("negotiator: closed")
)

// Role selects which side creates the offer.
type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// SendFunc delivers one signaling message to the remote peer.
type SendFunc func(ctx context.Context, msg signaling.Message) error

// Config controls peer connection setup.
type Config struct {
	LocalID   string
	LocalName string

	STUNServers      []string
	HandshakeTimeout time.Duration
	Label            string

	// SettingEngine overrides pion's network settings when non-nil.
	SettingEngine *webrtc.SettingEngine
	// OnChannel runs as soon as the data channel exists, before it opens,
	// so message handlers are in place for the first frame.
	OnChannel func(dc *webrtc.DataChannel)

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	out := c
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.Label == "" {
		out.Label = DefaultLabel
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Negotiator owns one PeerConnection for one remote peer.
type Negotiator struct {
	cfg    Config
	role   Role
	peerID string
	send   SendFunc
	logger *slog.Logger

	pc *webrtc.PeerConnection

	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer

	mu        sync.Mutex
	started   bool
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	// Local candidates wait until our own description has been sent.
	descSent bool
	held     []signaling.Message

	doneOnce sync.Once
	done     chan struct{}
	channel  *webrtc.DataChannel
	err      error
}

// New creates the PeerConnection and starts the handshake timer.
func New(config Config, role Role, peerID string, send SendFunc) (*Negotiator, error) {
	cfg := config.withDefaults()
	if cfg.LocalID == "" {
		return nil, errors.New("negotiator: local id is required")
	}
	if send == nil {
		return nil, errors.New("negotiator: send func is required")
	}

	var iceServers []webrtc.ICEServer
	if len(cfg.STUNServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	}

	api := webrtc.NewAPI()
	if cfg.SettingEngine != nil {
		api = webrtc.NewAPI(webrtc.WithSettingEngine(*cfg.SettingEngine))
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Negotiator{
		cfg:    cfg,
		role:   role,
		peerID: peerID,
		send:   send,
		logger: cfg.Logger.With("component", "negotiator", "peer_id", peerID, "role", role.String()),
		pc:     pc,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	n.timer = time.AfterFunc(cfg.HandshakeTimeout, func() {
		n.finish(nil, fmt.Errorf("%w: no data channel after %s", ErrSignalingTimeout, cfg.HandshakeTimeout))
	})

	pc.OnICECandidate(n.onLocalCandidate)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.logger.Debug("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			n.finish(nil, fmt.Errorf("%w: ice connection failed", ErrHandshakeFailed))
		}
	})
	if role == Responder {
		pc.OnDataChannel(n.watchChannel)
	}

	return n, nil
}

// Role returns the negotiator's role.
func (n *Negotiator) Role() Role {
	return n.role
}

// PeerID returns the remote device id.
func (n *Negotiator) PeerID() string {
	return n.peerID
}

// Start creates the data channel and sends the OFFER. Initiator only.
func (n *Negotiator) Start(ctx context.Context) error {
	if n.role != Initiator {
		return fmt.Errorf("%w: responder cannot start", ErrUnexpectedMessage)
	}

	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = true
	n.mu.Unlock()

	ordered := true
	dc, err := n.pc.CreateDataChannel(n.cfg.Label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return n.fail(fmt.Errorf("create data channel: %w", err))
	}
	n.watchChannel(dc)

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return n.fail(fmt.Errorf("create offer: %w", err))
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return n.fail(fmt.Errorf("set local description: %w", err))
	}

	msg := signaling.NewOffer(n.cfg.LocalID, n.cfg.LocalName, n.pc.LocalDescription().SDP)
	if err := n.send(ctx, msg); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	n.logger.Debug("offer sent")
	n.releaseHeld(ctx)
	return nil
}

// Handle applies one inbound signaling message.
func (n *Negotiator) Handle(ctx context.Context, msg signaling.Message) error {
	switch msg.Type {
	case signaling.TypeOffer:
		return n.handleOffer(ctx, msg)
	case signaling.TypeAnswer:
		return n.handleAnswer(msg)
	case signaling.TypeCandidate:
		return n.handleCandidate(msg)
	default:
		return fmt.Errorf("%w: %q", signaling.ErrUnknownMessageType, msg.Type)
	}
}

// Wait blocks until the data channel is open, the handshake fails, or ctx ends.
func (n *Negotiator) Wait(ctx context.Context) (*webrtc.DataChannel, error) {
	select {
	case <-n.done:
		return n.channel, n.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the handshake has an outcome.
func (n *Negotiator) Done() <-chan struct{} {
	return n.done
}

// Close releases the PeerConnection and any open data channel.
func (n *Negotiator) Close() error {
	n.finish(nil, ErrClosed)
	n.cancel()
	return n.pc.Close()
}

func (n *Negotiator) handleOffer(ctx context.Context, msg signaling.Message) error {
	if n.role != Responder {
		return fmt.Errorf("%w: initiator received OFFER", ErrUnexpectedMessage)
	}
	n.mu.Lock()
	if n.remoteSet {
		n.mu.Unlock()
		return fmt.Errorf("%w: duplicate OFFER", ErrUnexpectedMessage)
	}
	n.mu.Unlock()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.Payload}
	if err := n.pc.SetRemoteDescription(offer); err != nil {
		return n.fail(fmt.Errorf("set remote offer: %w", err))
	}
	if err := n.flushPending(); err != nil {
		return err
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return n.fail(fmt.Errorf("create answer: %w", err))
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return n.fail(fmt.Errorf("set local description: %w", err))
	}

	reply := signaling.NewAnswer(n.cfg.LocalID, n.cfg.LocalName, n.pc.LocalDescription().SDP)
	if err := n.send(ctx, reply); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	n.logger.Debug("answer sent")
	n.releaseHeld(ctx)
	return nil
}

func (n *Negotiator) handleAnswer(msg signaling.Message) error {
	if n.role != Initiator {
		return fmt.Errorf("%w: responder received ANSWER", ErrUnexpectedMessage)
	}
	n.mu.Lock()
	started, remoteSet := n.started, n.remoteSet
	n.mu.Unlock()
	if !started || remoteSet {
		return fmt.Errorf("%w: ANSWER without outstanding OFFER", ErrUnexpectedMessage)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.Payload}
	if err := n.pc.SetRemoteDescription(answer); err != nil {
		return n.fail(fmt.Errorf("set remote answer: %w", err))
	}
	return n.flushPending()
}

func (n *Negotiator) handleCandidate(msg signaling.Message) error {
	if msg.Payload == "" {
		n.logger.Debug("remote end of candidates")
		return nil
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(msg.Payload), &init); err != nil {
		return fmt.Errorf("%w: candidate: %v", signaling.ErrMalformedPayload, err)
	}

	n.mu.Lock()
	if !n.remoteSet {
		n.pending = append(n.pending, init)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	if err := n.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("%w: add candidate: %v", ErrHandshakeFailed, err)
	}
	return nil
}

// flushPending marks the remote description as set and applies candidates
// that arrived before it.
func (n *Negotiator) flushPending() error {
	n.mu.Lock()
	n.remoteSet = true
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, init := range pending {
		if err := n.pc.AddICECandidate(init); err != nil {
			return fmt.Errorf("%w: add queued candidate: %v", ErrHandshakeFailed, err)
		}
	}
	return nil
}

func (n *Negotiator) onLocalCandidate(c *webrtc.ICECandidate) {
	payload := ""
	if c != nil {
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			n.logger.Warn("encode local candidate", "error", err)
			return
		}
		payload = string(raw)
	}
	msg := signaling.NewCandidate(n.cfg.LocalID, n.cfg.LocalName, payload)

	n.mu.Lock()
	if !n.descSent {
		n.held = append(n.held, msg)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if err := n.send(n.ctx, msg); err != nil && n.ctx.Err() == nil {
		n.logger.Debug("send candidate", "error", err)
	}
}

// releaseHeld sends candidates gathered before the local description went out.
func (n *Negotiator) releaseHeld(ctx context.Context) {
	n.mu.Lock()
	n.descSent = true
	held := n.held
	n.held = nil
	n.mu.Unlock()

	for _, msg := range held {
		if err := n.send(ctx, msg); err != nil {
			n.logger.Debug("send held candidate", "error", err)
			return
		}
	}
}

func (n *Negotiator) watchChannel(dc *webrtc.DataChannel) {
	if n.cfg.OnChannel != nil {
		n.cfg.OnChannel(dc)
	}
	dc.OnOpen(func() {
		n.logger.Info("data channel open", "label", dc.Label())
		n.finish(dc, nil)
	})
}

func (n *Negotiator) fail(err error) error {
	err = fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	n.finish(nil, err)
	return err
}

func (n *Negotiator) finish(dc *webrtc.DataChannel, err error) {
	n.doneOnce.Do(func() {
		n.timer.Stop()
		n.channel = dc
		n.err = err
		if err != nil {
			n.logger.Debug("handshake ended", "error", err)
		}
		close(n.done)
	})
}
