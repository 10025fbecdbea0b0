package discovery

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventPeerUpserted is emitted when a peer appears or its metadata changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a peer goes stale or discovery stops.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries one peer list change.
type Event struct {
	Type EventType
	Peer Peer
}

// Peer is a device seen on the local network advertising a compatible
// capability.
type Peer struct {
	ID          string
	DisplayName string
	// SignalQuality grows with each sighting up to MaxSignalQuality.
	SignalQuality int
	Capabilities  []string
	Version       int
	HostName      string
	Port          int
	Addresses     []string
	LastSeen      time.Time
}

// HasCapability reports whether the peer advertised tag.
func (p Peer) HasCapability(tag string) bool {
	for _, c := range p.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner discovers peers with periodic and manual mDNS browse operations.
type PeerScanner struct {
	cfg Config
	now func() time.Time

	browse browseFunc

	mu    sync.RWMutex
	peers map[string]Peer

	events chan Event
	paused atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:             cfg,
		now:             time.Now,
		browse:          browse,
		peers:           make(map[string]Peer),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background peer scanning.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops background scanning and closes Events.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// SetPaused suspends periodic scans without forgetting known peers.
func (s *PeerScanner) SetPaused(paused bool) {
	s.paused.Store(paused)
}

// Paused reports whether periodic scans are suspended.
func (s *PeerScanner) Paused() bool {
	return s.paused.Load()
}

// Events provides asynchronous discovery updates.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan, even while paused.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}
}

// Peer returns one known peer.
func (s *PeerScanner) Peer(id string) (Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peer, ok := s.peers[id]
	return clonePeer(peer), ok
}

// ListPeers returns known peers, strongest signal first.
func (s *PeerScanner) ListPeers() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, clonePeer(peer))
	}
	sortPeers(out)
	return out
}

func sortPeers(peers []Peer) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].SignalQuality != peers[j].SignalQuality {
			return peers[i].SignalQuality > peers[j].SignalQuality
		}
		if peers[i].DisplayName != peers[j].DisplayName {
			return peers[i].DisplayName < peers[j].DisplayName
		}
		return peers[i].ID < peers[j].ID
	})
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.paused.Load() {
				continue
			}
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Peer)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok || !peer.HasCapability(s.cfg.RequiredCapability) {
					continue
				}
				collectedMu.Lock()
				collected[peer.ID] = peer
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	if s.ctx.Err() != nil {
		return nil
	}

	collectedMu.Lock()
	sightings := collected
	collectedMu.Unlock()

	s.applySightings(sightings)
	return nil
}

// applySightings merges one scan window into the peer list. Known peers are
// updated in place; peers silent for longer than PeerStaleAfter are purged.
func (s *PeerScanner) applySightings(sightings map[string]Peer) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, seen := range sightings {
		seen.LastSeen = now
		old, exists := s.peers[id]
		if exists {
			seen.SignalQuality = min(old.SignalQuality+1, MaxSignalQuality)
		} else {
			seen.SignalQuality = 1
		}
		s.peers[id] = seen
		if !exists || !peersEqual(old, seen) {
			s.emitEvent(Event{Type: EventPeerUpserted, Peer: clonePeer(seen)})
		}
	}

	for id, peer := range s.peers {
		if _, fresh := sightings[id]; fresh {
			continue
		}
		// A missed scan halves quality rather than resetting it.
		peer.SignalQuality /= 2
		if now.Sub(peer.LastSeen) > s.cfg.PeerStaleAfter {
			delete(s.peers, id)
			s.emitEvent(Event{Type: EventPeerRemoved, Peer: clonePeer(peer)})
			continue
		}
		s.peers[id] = peer
	}
}

func (s *PeerScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (Peer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return Peer{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	var caps []string
	for _, c := range strings.Split(txt["caps"], ",") {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(txt["name"])
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return Peer{
		ID:           deviceID,
		DisplayName:  name,
		Capabilities: caps,
		Version:      version,
		HostName:     entry.HostName,
		Port:         entry.Port,
		Addresses:    addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func clonePeer(p Peer) Peer {
	p.Capabilities = append([]string(nil), p.Capabilities...)
	p.Addresses = append([]string(nil), p.Addresses...)
	return p
}

func peersEqual(a, b Peer) bool {
	return a.ID == b.ID &&
		a.DisplayName == b.DisplayName &&
		a.Version == b.Version &&
		a.HostName == b.HostName &&
		a.Port == b.Port &&
		slices.Equal(a.Addresses, b.Addresses) &&
		slices.Equal(a.Capabilities, b.Capabilities)
}
