package orchestrator

import (
	"context"
	"io"

	"github.com/Ebullioscopic/WaterDrop/discovery"
	"github.com/Ebullioscopic/WaterDrop/models"
	"github.com/Ebullioscopic/WaterDrop/negotiator"
	"github.com/Ebullioscopic/WaterDrop/signaling"
	"github.com/Ebullioscopic/WaterDrop/transfer"
)

// Discovery is the dual-role advertise/scan state machine. *discovery.Machine
// satisfies it.
type Discovery interface {
	Start() error
	Stop()
	Disconnect()
	BeginConnect(peerID string) (discovery.Peer, error)
	AcceptInbound(peerID string) error
	ConfirmSignalingPath(peerID string)
	AbortConnect()
	Peers() []discovery.Peer
	Peer(id string) (discovery.Peer, bool)
	Events() <-chan discovery.Event
}

// Signaling carries encoded signaling messages per peer. *signaling.Channel
// satisfies it.
type Signaling interface {
	Attach(link signaling.Link) error
	Detach(peerID string)
	HasLink(peerID string) bool
	Send(ctx context.Context, peerID string, payload []byte) error
	Inbound() <-chan signaling.Inbound
	Confirmed() <-chan string
	Lost() <-chan string
}

// Dialer opens a signaling link to a discovered peer.
type Dialer interface {
	Dial(ctx context.Context, peer discovery.Peer) (signaling.Link, error)
}

// DataPath is an open transfer channel to the connected peer.
type DataPath interface {
	transfer.Wire
	Done() <-chan struct{}
	Close() error
}

// Handshake negotiates one DataPath.
type Handshake interface {
	Start(ctx context.Context) error
	Handle(ctx context.Context, msg signaling.Message) error
	Wait(ctx context.Context) (DataPath, error)
	Close() error
}

// NegotiatorFactory builds a Handshake for one peer and role.
type NegotiatorFactory interface {
	NewHandshake(role negotiator.Role, peerID string, send negotiator.SendFunc) (Handshake, error)
}

// Engine runs transfer sessions over a DataPath. *transfer.Engine satisfies it.
type Engine interface {
	StartSend(ctx context.Context, w transfer.Wire, src io.Reader, name string, size int64) (string, error)
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
	CancelAll()
	Active() int
	Events() <-chan transfer.Event
}

// HistorySink receives a record for every completed transfer.
type HistorySink interface {
	RecordTransfer(item models.TransferItem) error
}

// SightingSink is optionally implemented by a HistorySink that also keeps
// peer sightings.
type SightingSink interface {
	UpsertPeerSighting(sighting models.PeerSighting) error
}
