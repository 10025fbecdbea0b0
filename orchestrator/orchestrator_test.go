package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Ebullioscopic/WaterDrop/discovery"
	"github.com/Ebullioscopic/WaterDrop/models"
	"github.com/Ebullioscopic/WaterDrop/negotiator"
	"github.com/Ebullioscopic/WaterDrop/signaling"
	"github.com/Ebullioscopic/WaterDrop/transfer"
)

type fakeDiscovery struct {
	mu       sync.Mutex
	peers    map[string]discovery.Peer
	startErr error
	calls    []string
	events   chan discovery.Event
}

func newFakeDiscovery() *fakeDiscovery {
	return &fakeDiscovery{peers: make(map[string]discovery.Peer), events: make(chan discovery.Event, 16)}
}

func (d *fakeDiscovery) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

func (d *fakeDiscovery) called(call string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Contains(d.calls, call)
}

func (d *fakeDiscovery) addPeer(p discovery.Peer) {
	d.mu.Lock()
	d.peers[p.ID] = p
	d.mu.Unlock()
}

func (d *fakeDiscovery) Start() error {
	d.record("start")
	return d.startErr
}
func (d *fakeDiscovery) Stop()       { d.record("stop") }
func (d *fakeDiscovery) Disconnect() { d.record("disconnect") }
func (d *fakeDiscovery) AbortConnect() {
	d.record("abort")
}

func (d *fakeDiscovery) BeginConnect(peerID string) (discovery.Peer, error) {
	d.record("begin:" + peerID)
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[peerID]
	if !ok {
		return discovery.Peer{}, fmt.Errorf("%w: %s", discovery.ErrPeerUnavailable, peerID)
	}
	return p, nil
}

func (d *fakeDiscovery) AcceptInbound(peerID string) error {
	d.record("accept:" + peerID)
	return nil
}

func (d *fakeDiscovery) ConfirmSignalingPath(peerID string) {
	d.record("confirm:" + peerID)
}

func (d *fakeDiscovery) Peers() []discovery.Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]discovery.Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	return out
}

func (d *fakeDiscovery) Peer(id string) (discovery.Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[id]
	return p, ok
}

func (d *fakeDiscovery) Events() <-chan discovery.Event { return d.events }

type fakeLink struct {
	peerID string
	closed chan struct{}
	once   sync.Once
}

func newFakeLink(peerID string) *fakeLink {
	return &fakeLink{peerID: peerID, closed: make(chan struct{})}
}

func (l *fakeLink) PeerID() string                                 { return l.peerID }
func (l *fakeLink) MaxFrameSize() int                              { return 512 }
func (l *fakeLink) WriteFrame(ctx context.Context, f []byte) error { return nil }
func (l *fakeLink) Frames() <-chan []byte                          { return nil }
func (l *fakeLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

type fakeSignaling struct {
	mu       sync.Mutex
	links    map[string]signaling.Link
	sent     []signaling.Message
	detached []string

	inbound   chan signaling.Inbound
	confirmed chan string
	lost      chan string
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{
		links:     make(map[string]signaling.Link),
		inbound:   make(chan signaling.Inbound, 16),
		confirmed: make(chan string, 16),
		lost:      make(chan string, 16),
	}
}

func (s *fakeSignaling) Attach(link signaling.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.links[link.PeerID()]; ok && old != link {
		_ = old.Close()
	}
	s.links[link.PeerID()] = link
	return nil
}

func (s *fakeSignaling) Detach(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, peerID)
	s.detached = append(s.detached, peerID)
}

func (s *fakeSignaling) HasLink(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.links[peerID]
	return ok
}

func (s *fakeSignaling) Send(ctx context.Context, peerID string, payload []byte) error {
	msg, err := signaling.Decode(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[peerID]; !ok {
		return signaling.ErrNoLink
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSignaling) link(peerID string) signaling.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[peerID]
}

func (s *fakeSignaling) Inbound() <-chan signaling.Inbound { return s.inbound }
func (s *fakeSignaling) Confirmed() <-chan string          { return s.confirmed }
func (s *fakeSignaling) Lost() <-chan string               { return s.lost }

func (s *fakeSignaling) deliver(t *testing.T, msg signaling.Message) {
	t.Helper()
	raw, err := signaling.Encode(msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	s.inbound <- signaling.Inbound{PeerID: msg.SenderID, Payload: raw}
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, peer discovery.Peer) (signaling.Link, error) {
	d.mu.Lock()
	d.dials++
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return newFakeLink(peer.ID), nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakePath struct {
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func newFakePath() *fakePath {
	return &fakePath{done: make(chan struct{})}
}

func (p *fakePath) WriteFrame(ctx context.Context, frame []byte) error { return nil }
func (p *fakePath) Done() <-chan struct{}                              { return p.done }
func (p *fakePath) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePath) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeHandshake struct {
	role    negotiator.Role
	peerID  string
	send    negotiator.SendFunc
	started chan struct{}
	handled chan signaling.Message
	outcome chan error
	path    *fakePath

	handleErr error

	mu     sync.Mutex
	closed bool
}

func (h *fakeHandshake) Start(ctx context.Context) error {
	close(h.started)
	return h.send(ctx, signaling.NewOffer("local", "Local", "v=0 offer"))
}

func (h *fakeHandshake) Handle(ctx context.Context, msg signaling.Message) error {
	h.handled <- msg
	return h.handleErr
}

func (h *fakeHandshake) Wait(ctx context.Context) (DataPath, error) {
	select {
	case err := <-h.outcome:
		if err != nil {
			return nil, err
		}
		return h.path, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *fakeHandshake) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

func (h *fakeHandshake) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeNegotiators struct {
	created chan *fakeHandshake
}

func (f *fakeNegotiators) NewHandshake(role negotiator.Role, peerID string, send negotiator.SendFunc) (Handshake, error) {
	h := &fakeHandshake{
		role:    role,
		peerID:  peerID,
		send:    send,
		started: make(chan struct{}),
		handled: make(chan signaling.Message, 16),
		outcome: make(chan error, 1),
		path:    newFakePath(),
	}
	f.created <- h
	return h, nil
}

type fakeEngine struct {
	mu        sync.Mutex
	next      int
	active    int
	cancelAll int
	paused    []string
	events    chan transfer.Event
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan transfer.Event, 16)}
}

func (e *fakeEngine) StartSend(ctx context.Context, w transfer.Wire, src io.Reader, name string, size int64) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	e.active++
	return fmt.Sprintf("session-%d", e.next), nil
}

func (e *fakeEngine) Pause(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = append(e.paused, id)
	return nil
}

func (e *fakeEngine) Resume(id string) error { return nil }
func (e *fakeEngine) Cancel(id string) error { return nil }

func (e *fakeEngine) CancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelAll++
	e.active = 0
}

func (e *fakeEngine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *fakeEngine) Events() <-chan transfer.Event { return e.events }

func (e *fakeEngine) finish(t transfer.EventType, snap transfer.Snapshot) {
	e.mu.Lock()
	e.active--
	e.mu.Unlock()
	e.events <- transfer.Event{Type: t, Session: snap}
}

type fakeHistory struct {
	mu        sync.Mutex
	items     []models.TransferItem
	sightings []models.PeerSighting
}

func (h *fakeHistory) RecordTransfer(item models.TransferItem) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, item)
	return nil
}

func (h *fakeHistory) UpsertPeerSighting(s models.PeerSighting) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sightings = append(h.sightings, s)
	return nil
}

func (h *fakeHistory) snapshot() ([]models.TransferItem, []models.PeerSighting) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.TransferItem(nil), h.items...), append([]models.PeerSighting(nil), h.sightings...)
}

type testEnv struct {
	orch        *Orchestrator
	discovery   *fakeDiscovery
	signaling   *fakeSignaling
	dialer      *fakeDialer
	negotiators *fakeNegotiators
	engine      *fakeEngine
	history     *fakeHistory
}

func newTestEnv(t *testing.T, localID string) *testEnv {
	t.Helper()
	env := &testEnv{
		discovery:   newFakeDiscovery(),
		signaling:   newFakeSignaling(),
		dialer:      &fakeDialer{},
		negotiators: &fakeNegotiators{created: make(chan *fakeHandshake, 8)},
		engine:      newFakeEngine(),
		history:     &fakeHistory{},
	}
	orch, err := New(Options{
		LocalID:     localID,
		LocalName:   "Local",
		Discovery:   env.discovery,
		Signaling:   env.signaling,
		Dialer:      env.dialer,
		Negotiators: env.negotiators,
		Engine:      env.engine,
		History:     env.history,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = orch.Close() })
	env.orch = orch
	return env
}

func (env *testEnv) nextHandshake(t *testing.T) *fakeHandshake {
	t.Helper()
	select {
	case h := <-env.negotiators.created:
		return h
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for handshake")
		return nil
	}
}

// connect drives an initiator connect to peerID through a ready channel.
func (env *testEnv) connect(t *testing.T, peerID string) *fakeHandshake {
	t.Helper()
	env.discovery.addPeer(discovery.Peer{ID: peerID, DisplayName: "Peer " + peerID, Addresses: []string{"127.0.0.1"}, Port: 9000})
	if err := env.orch.StartDiscovery(); err != nil {
		t.Fatalf("StartDiscovery failed: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- env.orch.Connect(context.Background(), peerID) }()

	h := env.nextHandshake(t)
	h.outcome <- nil
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Connect did not return")
	}
	if env.orch.State() != StateConnected {
		t.Fatalf("expected CONNECTED, got %s", env.orch.State())
	}
	return h
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForState(t *testing.T, o *Orchestrator, state State) {
	t.Helper()
	waitForCondition(t, 2*time.Second, func() bool { return o.State() == state })
}

func waitForEvent(t *testing.T, o *Orchestrator, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-o.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event")
			return Event{}
		}
	}
}

func TestTransferRejectedUntilChannelReady(t *testing.T) {
	env := newTestEnv(t, "device-a")
	files := []FileSource{{Name: "a.txt", Size: 3, Reader: bytes.NewReader([]byte("abc"))}}

	if _, err := env.orch.Transfer(files); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while disconnected, got %v", err)
	}

	env.discovery.addPeer(discovery.Peer{ID: "device-b", DisplayName: "B", Addresses: []string{"127.0.0.1"}, Port: 9000})
	if err := env.orch.StartDiscovery(); err != nil {
		t.Fatalf("StartDiscovery failed: %v", err)
	}
	if _, err := env.orch.Transfer(files); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while discovering, got %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- env.orch.Connect(context.Background(), "device-b") }()
	h := env.nextHandshake(t)
	<-h.started
	if h.role != negotiator.Initiator {
		t.Fatalf("expected initiator role, got %s", h.role)
	}
	if env.orch.State() != StateConnecting {
		t.Fatalf("expected CONNECTING, got %s", env.orch.State())
	}
	if _, err := env.orch.Transfer(files); !errors.Is(err, ErrChannelNotReady) {
		t.Fatalf("expected ErrChannelNotReady while connecting, got %v", err)
	}

	h.outcome <- nil
	if err := <-errCh; err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ids, err := env.orch.Transfer(files)
	if err != nil || len(ids) != 1 {
		t.Fatalf("expected one session id, got %v %v", ids, err)
	}
	waitForState(t, env.orch, StateTransferring)
}

func TestAdvertisingStopsOnlyAfterSignalingConfirmed(t *testing.T) {
	env := newTestEnv(t, "device-a")
	env.discovery.addPeer(discovery.Peer{ID: "device-b", Addresses: []string{"127.0.0.1"}, Port: 9000})
	if err := env.orch.StartDiscovery(); err != nil {
		t.Fatalf("StartDiscovery failed: %v", err)
	}
	go func() { _ = env.orch.Connect(context.Background(), "device-b") }()
	h := env.nextHandshake(t)
	<-h.started

	time.Sleep(20 * time.Millisecond)
	if env.discovery.called("confirm:device-b") {
		t.Fatalf("signaling path confirmed before any send or receive was reported")
	}

	env.signaling.confirmed <- "device-b"
	waitForCondition(t, 2*time.Second, func() bool { return env.discovery.called("confirm:device-b") })
	if env.orch.State() != StateConnecting {
		t.Fatalf("expected CONNECTING until the channel opens, got %s", env.orch.State())
	}
}

func TestConnectToVanishedPeerStaysDiscovering(t *testing.T) {
	env := newTestEnv(t, "device-a")
	if err := env.orch.StartDiscovery(); err != nil {
		t.Fatalf("StartDiscovery failed: %v", err)
	}

	err := env.orch.Connect(context.Background(), "ghost")
	if !errors.Is(err, discovery.ErrPeerUnavailable) {
		t.Fatalf("expected ErrPeerUnavailable, got %v", err)
	}
	if env.orch.State() != StateDiscovering {
		t.Fatalf("expected DISCOVERING, got %s", env.orch.State())
	}
	if env.dialer.count() != 0 {
		t.Fatalf("expected no dial for a vanished peer")
	}
	waitForEvent(t, env.orch, func(ev Event) bool { return ev.Type == EventError && ev.Message != "" })
}

func TestSecondConnectIsIgnored(t *testing.T) {
	env := newTestEnv(t, "device-a")
	env.discovery.addPeer(discovery.Peer{ID: "device-b", Addresses: []string{"127.0.0.1"}, Port: 9000})
	env.discovery.addPeer(discovery.Peer{ID: "device-c", Addresses: []string{"127.0.0.1"}, Port: 9001})
	if err := env.orch.StartDiscovery(); err != nil {
		t.Fatalf("StartDiscovery failed: %v", err)
	}
	go func() { _ = env.orch.Connect(context.Background(), "device-b") }()
	h := env.nextHandshake(t)
	<-h.started

	if err := env.orch.Connect(context.Background(), "device-c"); err != nil {
		t.Fatalf("expected second connect to be a no-op, got %v", err)
	}
	if env.dialer.count() != 1 {
		t.Fatalf("expected one dial, got %d", env.dialer.count())
	}
	if env.orch.ConnectedPeer() != "device-b" {
		t.Fatalf("expected device-b to stay the target, got %q", env.orch.ConnectedPeer())
	}
}

func TestDialFailureReturnsToDiscovering(t *testing.T) {
	env := newTestEnv(t, "device-a")
	env.dialer.err = errors.New("connection refused")
	env.discovery.addPeer(discovery.Peer{ID: "device-b", Addresses: []string{"127.0.0.1"}, Port: 9000})
	if err := env.orch.StartDiscovery(); err != nil {
		t.Fatalf("StartDiscovery failed: %v", err)
	}

	if err := env.orch.Connect(context.Background(), "device-b"); err == nil {
		t.Fatalf("expected dial failure")
	}
	waitForState(t, env.orch, StateDiscovering)
	if !env.discovery.called("abort") {
		t.Fatalf("expected discovery to resume scanning")
	}
}

func TestHandshakeTimeoutDisconnects(t *testing.T) {
	env := newTestEnv(t, "device-a")
	env.discovery.addPeer(discovery.Peer{ID: "device-b", Addresses: []string{"127.0.0.1"}, Port: 9000})
	if err := env.orch.StartDiscovery(); err != nil {
		t.Fatalf("StartDiscovery failed: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- env.orch.Connect(context.Background(), "device-b") }()

	h := env.nextHandshake(t)
	h.outcome <- negotiator.ErrSignalingTimeout

	if err := <-errCh; !errors.Is(err, negotiator.ErrSignalingTimeout) {
		t.Fatalf("expected ErrSignalingTimeout, got %v", err)
	}
	waitForState(t, env.orch, StateDisconnected)
	if !h.isClosed() {
		t.Fatalf("expected handshake to be closed")
	}
	if !env.discovery.called("disconnect") {
		t.Fatalf("expected discovery to be disconnected")
	}
	if env.signaling.HasLink("device-b") {
		t.Fatalf("expected signaling link to be detached")
	}
}

func TestMalformedSignalDuringHandshakeDisconnects(t *testing.T) {
	env := newTestEnv(t, "device-a")
	env.discovery.addPeer(discovery.Peer{ID: "device-b", Addresses: []string{"127.0.0.1"}, Port: 9000})
	if err := env.orch.StartDiscovery(); err != nil {
		t.Fatalf("StartDiscovery failed: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- env.orch.Connect(context.Background(), "device-b") }()
	h := env.nextHandshake(t)
	<-h.started

	env.signaling.inbound <- signaling.Inbound{PeerID: "device-b", Payload: []byte{0x01, 0x02}}

	if err := <-errCh; !errors.Is(err, signaling.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	waitForState(t, env.orch, StateDisconnected)
}

func TestInboundOfferMakesResponder(t *testing.T) {
	env := newTestEnv(t, "device-a")
	if err := env.orch.StartDiscovery(); err != nil {
		t.Fatalf("StartDiscovery failed: %v", err)
	}
	link := newFakeLink("device-b")
	if err := env.orch.AcceptLink(link); err != nil {
		t.Fatalf("AcceptLink failed: %v", err)
	}

	// Confirmation may be routed before or after the OFFER.
	env.signaling.confirmed <- "device-b"
	env.signaling.deliver(t, signaling.NewOffer("device-b", "Bee", "v=0 offer"))

	h := env.nextHandshake(t)
	if h.role != negotiator.Responder || h.peerID != "device-b" {
		t.Fatalf("unexpected handshake %s for %q", h.role, h.peerID)
	}
	select {
	case msg := <-h.handled:
		if msg.Type != signaling.TypeOffer {
			t.Fatalf("expected OFFER, got %s", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("OFFER not delivered to handshake")
	}
	waitForState(t, env.orch, StateConnecting)
	if !env.discovery.called("accept:device-b") {
		t.Fatalf("expected discovery to accept the inbound peer")
	}
	waitForCondition(t, 2*time.Second, func() bool { return env.discovery.called("confirm:device-b") })

	env.signaling.deliver(t, signaling.NewCandidate("device-b", "Bee", `{"candidate":"candidate:1 1 udp 1 127.0.0.1 5000 typ host"}`))
	select {
	case msg := <-h.handled:
		if msg.Type != signaling.TypeCandidate {
			t.Fatalf("expected CANDIDATE, got %s", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("CANDIDATE not delivered to handshake")
	}

	h.outcome <- nil
	waitForState(t, env.orch, StateConnected)
}

func TestCrossedOffersKeepLowerIDAsInitiator(t *testing.T) {
	lower := newTestEnv(t, "device-a")
	lower.discovery.addPeer(discovery.Peer{ID: "device-b", Addresses: []string{"127.0.0.1"}, Port: 9000})
	if err := lower.orch.StartDiscovery(); err != nil {
		t.Fatalf("StartDiscovery failed: %v", err)
	}
	go func() { _ = lower.orch.Connect(context.Background(), "device-b") }()
	h := lower.nextHandshake(t)
	<-h.started

	lower.signaling.deliver(t, signaling.NewOffer("device-b", "B", "v=0 crossed"))
	time.Sleep(50 * time.Millisecond)
	select {
	case extra := <-lower.negotiators.created:
		t.Fatalf("lower id should keep initiator role, got new %s handshake", extra.role)
	default:
	}

	higher := newTestEnv(t, "device-z")
	higher.discovery.addPeer(discovery.Peer{ID: "device-b", Addresses: []string{"127.0.0.1"}, Port: 9000})
	if err := higher.orch.StartDiscovery(); err != nil {
		t.Fatalf("StartDiscovery failed: %v", err)
	}
	go func() { _ = higher.orch.Connect(context.Background(), "device-b") }()
	first := higher.nextHandshake(t)
	<-first.started

	higher.signaling.deliver(t, signaling.NewOffer("device-b", "B", "v=0 crossed"))
	second := higher.nextHandshake(t)
	if second.role != negotiator.Responder {
		t.Fatalf("higher id should switch to responder, got %s", second.role)
	}
	if !first.isClosed() {
		t.Fatalf("expected initiator handshake to be closed")
	}
	second.outcome <- nil
	waitForState(t, higher.orch, StateConnected)
}

func TestCompletedTransferIsRecorded(t *testing.T) {
	env := newTestEnv(t, "device-a")
	env.connect(t, "device-b")

	ids, err := env.orch.Transfer([]FileSource{{Name: "photo.jpg", Size: 5, Reader: bytes.NewReader([]byte("hello")), Path: "/tmp/photo.jpg"}})
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	waitForState(t, env.orch, StateTransferring)

	env.engine.finish(transfer.EventCompleted, transfer.Snapshot{
		ID:                ids[0],
		FileName:          "photo.jpg",
		FileSize:          5,
		Direction:         transfer.DirectionOutbound,
		State:             transfer.StateCompleted,
		BytesTransferred:  5,
		Checksum:          "abc123",
		ChecksumAlgorithm: "sha256",
		UpdatedAt:         time.Now(),
	})

	ev := waitForEvent(t, env.orch, func(ev Event) bool { return ev.Type == EventCompleted })
	if ev.SessionID != ids[0] || ev.Checksum != "abc123" || ev.Fraction != 1 {
		t.Fatalf("unexpected completed event %+v", ev)
	}
	waitForState(t, env.orch, StateConnected)

	items, _ := env.history.snapshot()
	if len(items) != 1 {
		t.Fatalf("expected one history item, got %d", len(items))
	}
	item := items[0]
	if item.PeerID != "device-b" || item.PeerName != "Peer device-b" || item.Direction != models.DirectionOutbound || item.LocalPath != "/tmp/photo.jpg" {
		t.Fatalf("unexpected history item %+v", item)
	}
}

func TestInboundSessionMovesToTransferring(t *testing.T) {
	env := newTestEnv(t, "device-a")
	env.connect(t, "device-b")

	env.engine.mu.Lock()
	env.engine.active = 1
	env.engine.mu.Unlock()
	env.engine.events <- transfer.Event{Type: transfer.EventState, Session: transfer.Snapshot{ID: "in-1", Direction: transfer.DirectionInbound, State: transfer.StateTransferring}}
	waitForState(t, env.orch, StateTransferring)

	env.engine.finish(transfer.EventFailed, transfer.Snapshot{ID: "in-1", Direction: transfer.DirectionInbound, State: transfer.StateFailed, Err: transfer.ErrChecksumMismatch})
	ev := waitForEvent(t, env.orch, func(ev Event) bool { return ev.Type == EventFailed })
	if ev.Reason == "" {
		t.Fatalf("expected failure reason")
	}
	waitForState(t, env.orch, StateConnected)

	items, _ := env.history.snapshot()
	if len(items) != 0 {
		t.Fatalf("failed sessions must not be recorded")
	}
}

func TestDisconnectCancelsSessionsAndTearsDown(t *testing.T) {
	env := newTestEnv(t, "device-a")
	h := env.connect(t, "device-b")
	if _, err := env.orch.Transfer([]FileSource{{Name: "a", Size: 1, Reader: bytes.NewReader([]byte("a"))}}); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	if err := env.orch.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if env.orch.State() != StateDisconnected {
		t.Fatalf("expected DISCONNECTED, got %s", env.orch.State())
	}
	env.engine.mu.Lock()
	cancelAll := env.engine.cancelAll
	env.engine.mu.Unlock()
	if cancelAll != 1 {
		t.Fatalf("expected CancelAll once, got %d", cancelAll)
	}
	if !h.path.isClosed() || !h.isClosed() {
		t.Fatalf("expected path and handshake closed")
	}
	if !env.discovery.called("disconnect") {
		t.Fatalf("expected discovery disconnect")
	}
}

func TestClosedPathReturnsToDiscovering(t *testing.T) {
	env := newTestEnv(t, "device-a")
	h := env.connect(t, "device-b")

	close(h.path.done)
	waitForState(t, env.orch, StateDiscovering)
	if !env.discovery.called("abort") {
		t.Fatalf("expected discovery to resume")
	}
}

func TestDiscoveryUnavailableIsSurfaced(t *testing.T) {
	env := newTestEnv(t, "device-a")
	env.discovery.startErr = discovery.ErrDiscoveryUnavailable

	if err := env.orch.StartDiscovery(); !errors.Is(err, discovery.ErrDiscoveryUnavailable) {
		t.Fatalf("expected ErrDiscoveryUnavailable, got %v", err)
	}
	if env.orch.State() != StateError {
		t.Fatalf("expected ERROR, got %s", env.orch.State())
	}
	waitForEvent(t, env.orch, func(ev Event) bool { return ev.Type == EventError })
}

func TestPeerEventsAreForwardedAndRecorded(t *testing.T) {
	env := newTestEnv(t, "device-a")
	peer := discovery.Peer{ID: "device-b", DisplayName: "B", Addresses: []string{"10.0.0.2"}, Port: 9000, LastSeen: time.Now()}
	env.discovery.addPeer(peer)
	env.discovery.events <- discovery.Event{Type: discovery.EventPeerUpserted, Peer: peer}

	ev := waitForEvent(t, env.orch, func(ev Event) bool { return ev.Type == EventPeers })
	if len(ev.Peers) != 1 || ev.Peers[0].ID != "device-b" {
		t.Fatalf("unexpected peers event %+v", ev.Peers)
	}
	waitForCondition(t, time.Second, func() bool {
		_, sightings := env.history.snapshot()
		return len(sightings) == 1 && sightings[0].Address == "10.0.0.2"
	})
}

func TestPauseGoesThroughEngine(t *testing.T) {
	env := newTestEnv(t, "device-a")
	if err := env.orch.Pause("session-9"); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	env.engine.mu.Lock()
	defer env.engine.mu.Unlock()
	if len(env.engine.paused) != 1 || env.engine.paused[0] != "session-9" {
		t.Fatalf("unexpected paused sessions %v", env.engine.paused)
	}
}

func TestSlowConsumerStillGetsTerminalAndStateEvents(t *testing.T) {
	env := newTestEnv(t, "device-a")
	env.connect(t, "device-b")

	ids, err := env.orch.Transfer([]FileSource{{Name: "big.bin", Size: 4096, Reader: bytes.NewReader(make([]byte, 4096))}})
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	waitForState(t, env.orch, StateTransferring)

	const flood = 3 * eventBufferSize
	for i := 1; i <= flood; i++ {
		env.engine.events <- transfer.Event{Type: transfer.EventProgress, Session: transfer.Snapshot{
			ID: ids[0], FileName: "big.bin", FileSize: 4096, BytesTransferred: int64(i), State: transfer.StateTransferring,
		}}
	}
	env.engine.finish(transfer.EventCompleted, transfer.Snapshot{ID: ids[0], FileName: "big.bin", FileSize: 4096, BytesTransferred: 4096, State: transfer.StateCompleted})
	waitForState(t, env.orch, StateConnected)

	progress := 0
	ev := waitForEvent(t, env.orch, func(ev Event) bool {
		if ev.Type == EventProgress {
			progress++
		}
		return ev.Type == EventCompleted
	})
	if ev.SessionID != ids[0] {
		t.Fatalf("unexpected completed event %+v", ev)
	}
	if progress >= flood {
		t.Fatalf("expected some progress events to be shed, got all %d", progress)
	}
	waitForEvent(t, env.orch, func(ev Event) bool { return ev.Type == EventState && ev.State == StateConnected })
}
