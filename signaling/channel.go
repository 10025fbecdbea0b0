package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultReassemblyTimeout drops partially received messages after this long.
	DefaultReassemblyTimeout = 30 * time.Second
)

var (
	// ErrNoLink indicates Send was called for a peer without an attached link.
	ErrNoLink = errors.New("signaling: no link to peer")
	// ErrChannelClosed indicates the channel has been closed.
	ErrChannelClosed = errors.New("signaling: channel closed")
)

// Link is one point-to-point byte conduit to a discovered peer. WriteFrame
// must be safe for concurrent use and must reject frames above MaxFrameSize.
type Link interface {
	PeerID() string
	MaxFrameSize() int
	WriteFrame(ctx context.Context, frame []byte) error
	// Frames is closed when the link ends.
	Frames() <-chan []byte
	Close() error
}

// Inbound is one reassembled payload received from a peer.
type Inbound struct {
	PeerID  string
	Payload []byte
}

// ChannelOptions configures a Channel.
type ChannelOptions struct {
	ReassemblyTimeout time.Duration
	Logger            *slog.Logger
}

type attachedLink struct {
	link      Link
	confirmed atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
}

func (a *attachedLink) stop() {
	a.doneOnce.Do(func() {
		close(a.done)
	})
}

// Channel multiplexes signaling payloads over per-peer links, fragmenting
// payloads that exceed a link's single-write ceiling.
type Channel struct {
	opts   ChannelOptions
	logger *slog.Logger

	mu    sync.RWMutex
	links map[string]*attachedLink

	nextID atomic.Uint32

	inbound   chan Inbound
	confirmed chan string
	lost      chan string

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewChannel creates an empty channel.
func NewChannel(opts ChannelOptions) *Channel {
	if opts.ReassemblyTimeout <= 0 {
		opts.ReassemblyTimeout = DefaultReassemblyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Channel{
		opts:      opts,
		logger:    logger.With("component", "signaling"),
		links:     make(map[string]*attachedLink),
		inbound:   make(chan Inbound, 64),
		confirmed: make(chan string, 16),
		lost:      make(chan string, 16),
		closed:    make(chan struct{}),
	}
}

// Inbound delivers reassembled payloads from every attached link.
func (c *Channel) Inbound() <-chan Inbound {
	return c.inbound
}

// Confirmed yields a peer id once per attached link, after the first
// successful send or receive on it.
func (c *Channel) Confirmed() <-chan string {
	return c.confirmed
}

// Lost yields a peer id when its link ends without being detached locally.
func (c *Channel) Lost() <-chan string {
	return c.lost
}

// Attach registers link and starts reading from it. An existing link for the
// same peer is closed and replaced.
func (c *Channel) Attach(link Link) error {
	if link == nil || link.PeerID() == "" {
		return errors.New("signaling: link with peer id is required")
	}

	select {
	case <-c.closed:
		_ = link.Close()
		return ErrChannelClosed
	default:
	}

	entry := &attachedLink{link: link, done: make(chan struct{})}

	c.mu.Lock()
	previous := c.links[link.PeerID()]
	c.links[link.PeerID()] = entry
	c.mu.Unlock()

	if previous != nil {
		previous.stop()
		_ = previous.link.Close()
	}

	c.wg.Add(1)
	go c.readLoop(entry)
	c.logger.Debug("link attached", "peer_id", link.PeerID(), "max_frame", link.MaxFrameSize())
	return nil
}

// Detach closes and forgets the link for peerID.
func (c *Channel) Detach(peerID string) {
	c.mu.Lock()
	entry := c.links[peerID]
	delete(c.links, peerID)
	c.mu.Unlock()

	if entry == nil {
		return
	}
	entry.stop()
	_ = entry.link.Close()
}

// HasLink reports whether a link to peerID is attached.
func (c *Channel) HasLink(peerID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.links[peerID]
	return ok
}

// Send delivers payload to peerID, fragmenting it as needed.
func (c *Channel) Send(ctx context.Context, peerID string, payload []byte) error {
	c.mu.RLock()
	entry := c.links[peerID]
	c.mu.RUnlock()
	if entry == nil {
		return fmt.Errorf("%w %q", ErrNoLink, peerID)
	}

	frames, err := splitFragments(c.nextID.Add(1), payload, entry.link.MaxFrameSize())
	if err != nil {
		return err
	}
	for i, frame := range frames {
		if err := entry.link.WriteFrame(ctx, frame); err != nil {
			return fmt.Errorf("write fragment %d/%d to %q: %w", i+1, len(frames), peerID, err)
		}
	}

	c.confirm(entry)
	return nil
}

// Close detaches every link and stops delivery.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		entries := make([]*attachedLink, 0, len(c.links))
		for id, entry := range c.links {
			entries = append(entries, entry)
			delete(c.links, id)
		}
		c.mu.Unlock()

		for _, entry := range entries {
			entry.stop()
			_ = entry.link.Close()
		}
		c.wg.Wait()
	})
}

func (c *Channel) readLoop(entry *attachedLink) {
	defer c.wg.Done()

	peerID := entry.link.PeerID()
	reasm := newReassembler(c.opts.ReassemblyTimeout)
	frames := entry.link.Frames()

	for {
		select {
		case <-entry.done:
			return
		case <-c.closed:
			return
		case raw, ok := <-frames:
			if !ok {
				c.handleLinkEnded(entry)
				return
			}

			payload, complete, err := reasm.add(raw)
			if err != nil {
				c.logger.Warn("dropping signaling fragment", "peer_id", peerID, "error", err)
				continue
			}
			if !complete {
				continue
			}

			c.confirm(entry)
			select {
			case c.inbound <- Inbound{PeerID: peerID, Payload: payload}:
			case <-entry.done:
				return
			case <-c.closed:
				return
			}
		}
	}
}

func (c *Channel) handleLinkEnded(entry *attachedLink) {
	peerID := entry.link.PeerID()

	c.mu.Lock()
	current := c.links[peerID] == entry
	if current {
		delete(c.links, peerID)
	}
	c.mu.Unlock()

	if !current {
		return
	}
	c.logger.Debug("link ended", "peer_id", peerID)
	select {
	case c.lost <- peerID:
	case <-c.closed:
	}
}

func (c *Channel) confirm(entry *attachedLink) {
	if !entry.confirmed.CompareAndSwap(false, true) {
		return
	}
	select {
	case c.confirmed <- entry.link.PeerID():
	case <-entry.done:
	case <-c.closed:
	}
}
