package orchestrator

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/Ebullioscopic/WaterDrop/discovery"
	"github.com/Ebullioscopic/WaterDrop/negotiator"
	"github.com/Ebullioscopic/WaterDrop/network"
	"github.com/Ebullioscopic/WaterDrop/signaling"
	"github.com/Ebullioscopic/WaterDrop/transfer"
)

// NetworkDialer dials a peer's websocket signaling server.
type NetworkDialer struct {
	Options network.Options
}

// Dial tries each advertised address of peer.
func (d NetworkDialer) Dial(ctx context.Context, peer discovery.Peer) (signaling.Link, error) {
	link, err := network.DialAny(ctx, peer.Addresses, peer.Port, peer.ID, d.Options)
	if err != nil {
		return nil, err
	}
	return link, nil
}

// WebRTCNegotiators builds pion handshakes whose data channel is bound to
// Engine as soon as it exists.
type WebRTCNegotiators struct {
	Config negotiator.Config
	Engine *transfer.Engine
}

// NewHandshake creates a negotiator for peerID.
func (f WebRTCNegotiators) NewHandshake(role negotiator.Role, peerID string, send negotiator.SendFunc) (Handshake, error) {
	h := &webrtcHandshake{}
	cfg := f.Config
	cfg.OnChannel = func(dc *webrtc.DataChannel) {
		h.bind(f.Engine.Bind(dc))
	}
	n, err := negotiator.New(cfg, role, peerID, send)
	if err != nil {
		return nil, err
	}
	h.n = n
	return h, nil
}

type webrtcHandshake struct {
	n *negotiator.Negotiator

	mu   sync.Mutex
	wire *transfer.DataChannelWire
}

func (h *webrtcHandshake) bind(w *transfer.DataChannelWire) {
	h.mu.Lock()
	h.wire = w
	h.mu.Unlock()
}

func (h *webrtcHandshake) Start(ctx context.Context) error {
	return h.n.Start(ctx)
}

func (h *webrtcHandshake) Handle(ctx context.Context, msg signaling.Message) error {
	return h.n.Handle(ctx, msg)
}

func (h *webrtcHandshake) Wait(ctx context.Context) (DataPath, error) {
	if _, err := h.n.Wait(ctx); err != nil {
		return nil, err
	}
	h.mu.Lock()
	wire := h.wire
	h.mu.Unlock()
	return &dataPath{DataChannelWire: wire, n: h.n}, nil
}

func (h *webrtcHandshake) Close() error {
	return h.n.Close()
}

type dataPath struct {
	*transfer.DataChannelWire
	n *negotiator.Negotiator
}

func (p *dataPath) Close() error {
	return p.n.Close()
}
