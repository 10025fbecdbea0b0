package discovery

import (
	"fmt"
	"log/slog"
	"sync"
)

// Phase is the discovery role state of the local device.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseActive     Phase = "ACTIVE"
	PhaseConnecting Phase = "CONNECTING"
	PhaseConnected  Phase = "CONNECTED"
)

// Machine runs advertising and scanning together and coordinates them with a
// single outstanding connect attempt.
//
// Advertising stays on while connecting so the remote side can still find
// this device, and stops exactly once when the signaling path is confirmed.
type Machine struct {
	cfg    Config
	logger *slog.Logger

	startBroadcaster func(Config) (*Broadcaster, error)

	mu          sync.Mutex
	phase       Phase
	target      string
	broadcaster *Broadcaster
	scanner     *PeerScanner
	advertising bool
	advertStops int
	closed      bool

	events      chan Event
	forwardDone chan struct{}
	closeOnce   sync.Once
}

// NewMachine validates config for both roles.
func NewMachine(config Config) (*Machine, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}
	return &Machine{
		cfg:              cfg,
		logger:           cfg.Logger.With("component", "discovery"),
		startBroadcaster: StartBroadcaster,
		phase:            PhaseIdle,
		events:           make(chan Event, 128),
	}, nil
}

// Start begins scanning and advertising. Calling Start while active is a no-op.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("%w: machine closed", ErrDiscoveryUnavailable)
	}
	if m.phase != PhaseIdle {
		return nil
	}

	broadcaster, err := m.startBroadcaster(m.cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err)
	}
	scanner, err := NewPeerScanner(m.cfg)
	if err != nil {
		broadcaster.Stop()
		return fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err)
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err)
	}

	m.broadcaster = broadcaster
	m.scanner = scanner
	m.advertising = true
	m.phase = PhaseActive

	m.forwardDone = make(chan struct{})
	go m.forward(scanner, m.forwardDone)

	m.logger.Info("discovery started", "service", m.cfg.Service, "port", m.cfg.ListeningPort)
	return nil
}

// Stop ends both roles and purges the peer list.
func (m *Machine) Stop() {
	m.mu.Lock()
	if m.phase == PhaseIdle {
		m.mu.Unlock()
		return
	}
	m.stopAdvertisingLocked()
	scanner, forwardDone := m.scanner, m.forwardDone
	m.scanner = nil
	m.phase = PhaseIdle
	m.target = ""
	m.mu.Unlock()

	scanner.Stop()
	<-forwardDone
	for _, peer := range scanner.ListPeers() {
		m.emit(Event{Type: EventPeerRemoved, Peer: peer})
	}
	m.logger.Info("discovery stopped")
}

// Disconnect stops advertising and scanning after a session ends.
func (m *Machine) Disconnect() {
	m.Stop()
}

// Close stops discovery and closes Events.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		m.Stop()
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.events)
	})
}

// BeginConnect moves ACTIVE to CONNECTING towards peerID and pauses scanning.
func (m *Machine) BeginConnect(peerID string) (Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseIdle:
		return Peer{}, ErrNotDiscovering
	case PhaseConnecting, PhaseConnected:
		m.logger.Warn("connect ignored, attempt already in progress", "peer_id", peerID, "current", m.target)
		return Peer{}, ErrConnectInProgress
	}

	peer, ok := m.scanner.Peer(peerID)
	if !ok {
		return Peer{}, fmt.Errorf("%w: %s", ErrPeerUnavailable, peerID)
	}

	m.scanner.SetPaused(true)
	m.phase = PhaseConnecting
	m.target = peerID
	m.logger.Debug("connecting", "peer_id", peerID, "name", peer.DisplayName)
	return peer, nil
}

// AcceptInbound moves ACTIVE to CONNECTING for a peer that reached us first.
func (m *Machine) AcceptInbound(peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseIdle:
		return ErrNotDiscovering
	case PhaseConnecting, PhaseConnected:
		if m.target == peerID {
			return nil
		}
		m.logger.Warn("inbound connect refused, attempt already in progress", "peer_id", peerID, "current", m.target)
		return ErrConnectInProgress
	}

	m.scanner.SetPaused(true)
	m.phase = PhaseConnecting
	m.target = peerID
	return nil
}

// ConfirmSignalingPath moves CONNECTING to CONNECTED and stops advertising.
func (m *Machine) ConfirmSignalingPath(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseConnecting || m.target != peerID {
		return
	}
	m.stopAdvertisingLocked()
	m.phase = PhaseConnected
}

// AbortConnect returns to ACTIVE, resuming scanning and advertising.
func (m *Machine) AbortConnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseConnecting && m.phase != PhaseConnected {
		return
	}
	if !m.advertising {
		broadcaster, err := m.startBroadcaster(m.cfg)
		if err != nil {
			m.logger.Warn("re-advertise failed", "error", err)
		} else {
			m.broadcaster = broadcaster
			m.advertising = true
		}
	}
	m.scanner.SetPaused(false)
	m.phase = PhaseActive
	m.target = ""
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Target returns the peer of the current connect attempt.
func (m *Machine) Target() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Advertising reports whether the mDNS record is registered.
func (m *Machine) Advertising() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advertising
}

// Scanning reports whether periodic scans are running.
func (m *Machine) Scanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanner != nil && !m.scanner.Paused()
}

// Peers returns the current peer list.
func (m *Machine) Peers() []Peer {
	m.mu.Lock()
	scanner := m.scanner
	m.mu.Unlock()
	if scanner == nil {
		return nil
	}
	return scanner.ListPeers()
}

// Peer looks up one peer by id.
func (m *Machine) Peer(id string) (Peer, bool) {
	m.mu.Lock()
	scanner := m.scanner
	m.mu.Unlock()
	if scanner == nil {
		return Peer{}, false
	}
	return scanner.Peer(id)
}

// Events delivers peer list changes across Start/Stop cycles.
func (m *Machine) Events() <-chan Event {
	return m.events
}

func (m *Machine) forward(scanner *PeerScanner, done chan<- struct{}) {
	defer close(done)
	for event := range scanner.Events() {
		m.emit(event)
	}
}

func (m *Machine) emit(event Event) {
	select {
	case m.events <- event:
	default:
		m.logger.Debug("discovery event dropped", "type", event.Type, "peer_id", event.Peer.ID)
	}
}

func (m *Machine) stopAdvertisingLocked() {
	if !m.advertising {
		return
	}
	m.broadcaster.Stop()
	m.broadcaster = nil
	m.advertising = false
	m.advertStops++
}
