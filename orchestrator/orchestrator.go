// Package orchestrator sequences discovery, signaling, channel negotiation
// and transfers for one connected peer at a time, and publishes what happens
// as a single event stream.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Ebullioscopic/WaterDrop/discovery"
	"github.com/Ebullioscopic/WaterDrop/queue"
	"github.com/Ebullioscopic/WaterDrop/signaling"
	"github.com/Ebullioscopic/WaterDrop/transfer"
)

const (
	// DefaultConnectTimeout bounds dialing the signaling link.
	DefaultConnectTimeout = 20 * time.Second
	// DefaultMessageMaxAge drops signaling messages older than this.
	DefaultMessageMaxAge = 2 * time.Minute

	eventBufferSize = 512
	inboxSize       = 64
	linkGrace       = 2 * time.Second
)

var (
	// ErrNotConnected rejects transfers without a connected peer.
	ErrNotConnected = errors.New("orchestrator: not connected")
	// ErrChannelNotReady rejects transfers while the handshake is running.
	ErrChannelNotReady = errors.New("orchestrator: transfer channel not ready")
	// ErrNotDiscovering rejects connects while discovery is off.
	ErrNotDiscovering = errors.New("orchestrator: discovery is not running")
	// ErrDisconnected is returned to Connect callers when the attempt is torn down.
	ErrDisconnected = errors.New("orchestrator: disconnected")
	// ErrClosed means the orchestrator has been closed.
	ErrClosed = errors.New("orchestrator: closed")
)

// State is the connection state of the local device.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateDiscovering  State = "DISCOVERING"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateTransferring State = "TRANSFERRING"
	StateError        State = "ERROR"
)

// EventType identifies outward events.
type EventType string

const (
	EventState     EventType = "state"
	EventPeers     EventType = "peers"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
	EventError     EventType = "error"
)

// Event is one outward notification. Fields are set according to Type.
type Event struct {
	Type EventType

	State  State
	PeerID string
	Peers  []discovery.Peer

	SessionID string
	FileName  string
	Direction transfer.Direction
	Fraction  float64
	Bytes     int64
	Size      int64
	Checksum  string
	Path      string
	Reason    string

	Message string
}

// FileSource is one file handed to Transfer.
type FileSource struct {
	Name string
	// Size is -1 when unknown.
	Size   int64
	Reader io.Reader
	// Path is recorded in history for outbound files when set.
	Path string
}

// Options configures an Orchestrator.
type Options struct {
	LocalID   string
	LocalName string

	Discovery   Discovery
	Signaling   Signaling
	Dialer      Dialer
	Negotiators NegotiatorFactory
	Engine      Engine
	History     HistorySink

	ConnectTimeout time.Duration
	MessageMaxAge  time.Duration

	Logger *slog.Logger
}

type sessionMeta struct {
	peerID     string
	peerName   string
	sourcePath string
}

// Orchestrator owns the connection state. All mutations run on one loop
// goroutine; public methods post commands to it.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger

	commands chan func()
	internal chan any
	events   chan Event
	pending  *queue.Queue[Event]

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	loopDone  chan struct{}

	// Loop-owned.
	state       State
	current     *attempt
	path        DataPath
	waiters     []chan error
	nextAttempt uint64
	confirmed   map[string]bool
	sessions    map[string]sessionMeta

	viewMu   sync.RWMutex
	viewed   State
	viewPeer string
}

// New validates options and starts the event loop.
func New(options Options) (*Orchestrator, error) {
	switch {
	case strings.TrimSpace(options.LocalID) == "":
		return nil, errors.New("orchestrator: local id is required")
	case options.Discovery == nil:
		return nil, errors.New("orchestrator: discovery is required")
	case options.Signaling == nil:
		return nil, errors.New("orchestrator: signaling is required")
	case options.Dialer == nil:
		return nil, errors.New("orchestrator: dialer is required")
	case options.Negotiators == nil:
		return nil, errors.New("orchestrator: negotiator factory is required")
	case options.Engine == nil:
		return nil, errors.New("orchestrator: engine is required")
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}
	if options.MessageMaxAge <= 0 {
		options.MessageMaxAge = DefaultMessageMaxAge
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, eventBufferSize)
	o := &Orchestrator{
		opts:      options,
		logger:    options.Logger.With("component", "orchestrator"),
		commands:  make(chan func()),
		internal:  make(chan any, 16),
		events:    events,
		pending:   queue.New(events, eventBufferSize, func(ev Event) bool { return ev.Type == EventProgress }),
		ctx:       ctx,
		cancel:    cancel,
		loopDone:  make(chan struct{}),
		state:     StateDisconnected,
		viewed:    StateDisconnected,
		confirmed: make(map[string]bool),
		sessions:  make(map[string]sessionMeta),
	}
	go o.loop()
	return o, nil
}

// Events delivers outward notifications until Close.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// State returns the current connection state.
func (o *Orchestrator) State() State {
	o.viewMu.RLock()
	defer o.viewMu.RUnlock()
	return o.viewed
}

// ConnectedPeer returns the peer of the current attempt or connection.
func (o *Orchestrator) ConnectedPeer() string {
	o.viewMu.RLock()
	defer o.viewMu.RUnlock()
	return o.viewPeer
}

// StartDiscovery begins advertising and scanning.
func (o *Orchestrator) StartDiscovery() error {
	var err error
	if cerr := o.call(func() { err = o.startDiscovery() }); cerr != nil {
		return cerr
	}
	return err
}

// StopDiscovery stops advertising and scanning and drops any connection.
func (o *Orchestrator) StopDiscovery() error {
	return o.call(func() {
		if o.state == StateDiscovering {
			o.opts.Discovery.Stop()
			o.setState(StateDisconnected)
			return
		}
		o.disconnect(ErrDisconnected)
	})
}

// Connect starts a connection to peerID and waits until the transfer channel
// is ready or the attempt fails. Calling Connect while an attempt is already
// running is a logged no-op.
func (o *Orchestrator) Connect(ctx context.Context, peerID string) error {
	var (
		wait chan error
		err  error
	)
	if cerr := o.call(func() { wait, err = o.beginConnect(peerID) }); cerr != nil {
		return cerr
	}
	if err != nil || wait == nil {
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.loopDone:
		return ErrClosed
	}
}

// AcceptLink attaches a signaling link opened by a remote peer.
func (o *Orchestrator) AcceptLink(link signaling.Link) error {
	var err error
	if cerr := o.call(func() { err = o.acceptLink(link) }); cerr != nil {
		_ = link.Close()
		return cerr
	}
	return err
}

// Disconnect cancels every session, tears down the handshake and stops
// discovery.
func (o *Orchestrator) Disconnect() error {
	return o.call(func() { o.disconnect(ErrDisconnected) })
}

// Transfer starts one outbound session per file and returns their ids.
func (o *Orchestrator) Transfer(files []FileSource) ([]string, error) {
	var (
		ids []string
		err error
	)
	if cerr := o.call(func() { ids, err = o.transfer(files) }); cerr != nil {
		return nil, cerr
	}
	return ids, err
}

// Pause suspends a session.
func (o *Orchestrator) Pause(sessionID string) error {
	var err error
	if cerr := o.call(func() { err = o.opts.Engine.Pause(sessionID) }); cerr != nil {
		return cerr
	}
	return err
}

// Resume continues a paused session.
func (o *Orchestrator) Resume(sessionID string) error {
	var err error
	if cerr := o.call(func() { err = o.opts.Engine.Resume(sessionID) }); cerr != nil {
		return cerr
	}
	return err
}

// Cancel stops a session and discards its partial data.
func (o *Orchestrator) Cancel(sessionID string) error {
	var err error
	if cerr := o.call(func() { err = o.opts.Engine.Cancel(sessionID) }); cerr != nil {
		return cerr
	}
	return err
}

// Close disconnects, stops the loop and closes Events.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		_ = o.call(func() { o.disconnect(ErrClosed) })
		o.cancel()
		<-o.loopDone
		o.wg.Wait()
		o.pending.Close()
		close(o.events)
	})
	return nil
}

// call runs fn on the loop goroutine and waits for it.
func (o *Orchestrator) call(fn func()) error {
	done := make(chan struct{})
	select {
	case o.commands <- func() {
		defer close(done)
		fn()
	}:
	case <-o.ctx.Done():
		return ErrClosed
	}
	<-done
	return nil
}

// post hands a worker result to the loop.
func (o *Orchestrator) post(msg any) {
	select {
	case o.internal <- msg:
	case <-o.ctx.Done():
	}
}

func (o *Orchestrator) loop() {
	defer close(o.loopDone)

	discEvents := o.opts.Discovery.Events()
	inbound := o.opts.Signaling.Inbound()
	confirmed := o.opts.Signaling.Confirmed()
	lost := o.opts.Signaling.Lost()
	engineEvents := o.opts.Engine.Events()

	for {
		select {
		case <-o.ctx.Done():
			return

		case fn := <-o.commands:
			fn()

		case msg := <-o.internal:
			o.handleInternal(msg)

		case ev, ok := <-discEvents:
			if !ok {
				discEvents = nil
				continue
			}
			o.handleDiscoveryEvent(ev)

		case in, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			o.handleSignal(in.PeerID, in.Payload)

		case peerID, ok := <-confirmed:
			if !ok {
				confirmed = nil
				continue
			}
			o.handleConfirmed(peerID)

		case peerID, ok := <-lost:
			if !ok {
				lost = nil
				continue
			}
			o.handleLost(peerID)

		case ev, ok := <-engineEvents:
			if !ok {
				engineEvents = nil
				continue
			}
			o.handleEngineEvent(ev)
		}
	}
}

func (o *Orchestrator) handleInternal(msg any) {
	switch m := msg.(type) {
	case dialResult:
		o.handleDialResult(m)
	case attemptFailed:
		o.handleAttemptFailed(m)
	case channelReady:
		o.handleChannelReady(m)
	case pathClosed:
		o.handlePathClosed(m)
	case linkCheck:
		o.handleLinkCheck(m)
	}
}

func (o *Orchestrator) startDiscovery() error {
	switch o.state {
	case StateDisconnected, StateError:
	default:
		return nil
	}
	if err := o.opts.Discovery.Start(); err != nil {
		o.logger.Error("discovery unavailable", "error", err)
		o.setState(StateError)
		o.emitError(err)
		return err
	}
	o.setState(StateDiscovering)
	o.emit(Event{Type: EventPeers, Peers: o.opts.Discovery.Peers()})
	return nil
}

func (o *Orchestrator) transfer(files []FileSource) ([]string, error) {
	switch o.state {
	case StateConnected, StateTransferring:
	case StateConnecting:
		return nil, ErrChannelNotReady
	default:
		return nil, ErrNotConnected
	}
	if o.path == nil || o.current == nil {
		return nil, ErrChannelNotReady
	}

	ids := make([]string, 0, len(files))
	for _, f := range files {
		if f.Reader == nil {
			return ids, fmt.Errorf("transfer %q: reader is required", f.Name)
		}
		id, err := o.opts.Engine.StartSend(o.current.ctx, o.path, f.Reader, f.Name, f.Size)
		if err != nil {
			o.emitError(err)
			return ids, fmt.Errorf("transfer %q: %w", f.Name, err)
		}
		o.sessions[id] = sessionMeta{peerID: o.current.peerID, peerName: o.current.peerName, sourcePath: f.Path}
		ids = append(ids, id)
	}
	if len(ids) > 0 {
		o.setState(StateTransferring)
	}
	return ids, nil
}

// disconnect tears everything down and stops discovery.
func (o *Orchestrator) disconnect(reason error) {
	if o.state == StateDisconnected {
		return
	}
	o.teardown(reason)
	o.opts.Discovery.Disconnect()
	o.setState(StateDisconnected)
}

// teardown cancels sessions and releases the attempt, its link and its path.
func (o *Orchestrator) teardown(reason error) {
	if o.path != nil || o.opts.Engine.Active() > 0 {
		o.opts.Engine.CancelAll()
	}
	if o.path != nil {
		_ = o.path.Close()
		o.path = nil
	}
	if a := o.current; a != nil {
		a.close()
		o.opts.Signaling.Detach(a.peerID)
		delete(o.confirmed, a.peerID)
		o.current = nil
	}
	o.resolveWaiters(reason)
}

func (o *Orchestrator) resolveWaiters(err error) {
	for _, w := range o.waiters {
		w <- err
	}
	o.waiters = nil
}

func (o *Orchestrator) setState(state State) {
	if o.state == state {
		return
	}
	prev := o.state
	o.state = state

	peer := ""
	if o.current != nil {
		peer = o.current.peerID
	}
	o.viewMu.Lock()
	o.viewed = state
	o.viewPeer = peer
	o.viewMu.Unlock()

	o.logger.Info("connection state changed", "from", prev, "to", state, "peer_id", peer)
	o.emit(Event{Type: EventState, State: state, PeerID: peer})
}

func (o *Orchestrator) emitError(err error) {
	if err == nil {
		return
	}
	o.emit(Event{Type: EventError, Message: err.Error()})
}

// emit never blocks the loop. Progress events are shed once the consumer is
// eventBufferSize events behind; every other event is kept.
func (o *Orchestrator) emit(ev Event) {
	if !o.pending.Push(ev) && ev.Type == EventProgress {
		o.logger.Debug("progress event dropped, consumer too slow", "session_id", ev.SessionID)
	}
}
