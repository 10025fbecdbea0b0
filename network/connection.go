package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionState represents the lifecycle state of one link.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "CONNECTING"
	StateReady        ConnectionState = "READY"
	StateIdle         ConnectionState = "IDLE"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// Link is a websocket signaling connection to one peer. It satisfies
// signaling.Link.
type Link struct {
	conn *websocket.Conn

	localDeviceID string
	peerDeviceID  string
	maxFrameSize  int

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	writeTimeout      time.Duration

	logger *slog.Logger

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState

	frames chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newLink(conn *websocket.Conn, peerDeviceID string, opts Options) *Link {
	l := &Link{
		conn:              conn,
		localDeviceID:     opts.LocalDeviceID,
		peerDeviceID:      peerDeviceID,
		maxFrameSize:      opts.MaxFrameSize,
		keepAliveInterval: opts.KeepAliveInterval,
		keepAliveTimeout:  opts.KeepAliveTimeout,
		writeTimeout:      opts.WriteTimeout,
		logger:            opts.Logger.With("component", "network", "peer_id", peerDeviceID),
		frames:            make(chan []byte, 64),
		closed:            make(chan struct{}),
		state:             StateConnecting,
	}

	conn.SetReadLimit(int64(opts.MaxFrameSize))
	_ = conn.SetReadDeadline(time.Now().Add(l.readWindow()))
	conn.SetPongHandler(func(string) error {
		l.setState(StateIdle)
		return conn.SetReadDeadline(time.Now().Add(l.readWindow()))
	})

	l.setState(StateReady)
	go l.readLoop()
	go l.keepAliveLoop()
	return l
}

// PeerID returns the remote device id.
func (l *Link) PeerID() string {
	return l.peerDeviceID
}

// MaxFrameSize returns the largest frame WriteFrame accepts.
func (l *Link) MaxFrameSize() int {
	return l.maxFrameSize
}

// Frames delivers inbound binary frames and is closed when the link ends.
func (l *Link) Frames() <-chan []byte {
	return l.frames
}

// State returns the current link state.
func (l *Link) State() ConnectionState {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state
}

// Done is closed when the link is fully disconnected.
func (l *Link) Done() <-chan struct{} {
	return l.closed
}

// LastError returns the error that closed the link, if any.
func (l *Link) LastError() error {
	l.errMu.RLock()
	defer l.errMu.RUnlock()
	return l.closeErr
}

// WriteFrame sends one binary frame.
func (l *Link) WriteFrame(ctx context.Context, frame []byte) error {
	if len(frame) > l.maxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), l.maxFrameSize)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.State() == StateDisconnected {
		if err := l.LastError(); err != nil {
			return err
		}
		return ErrLinkClosed
	}

	deadline := time.Now().Add(l.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if err := l.conn.SetWriteDeadline(deadline); err != nil {
		l.closeWithError(fmt.Errorf("set write deadline: %w", err))
		return err
	}
	if err := l.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		l.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	l.setState(StateReady)
	return nil
}

// Close terminates the link.
func (l *Link) Close() error {
	l.closeWithError(nil)
	return nil
}

func (l *Link) readLoop() {
	defer close(l.frames)

	for {
		msgType, payload, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, websocket.ErrCloseSent) {
				l.closeWithError(nil)
				return
			}
			l.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(l.readWindow()))

		if msgType != websocket.BinaryMessage || len(payload) == 0 {
			continue
		}

		l.setState(StateReady)
		select {
		case l.frames <- payload:
		case <-l.closed:
			return
		}
	}
}

func (l *Link) keepAliveLoop() {
	ticker := time.NewTicker(l.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(l.writeTimeout)
			if err := l.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				l.closeWithError(fmt.Errorf("send ping: %w", err))
				return
			}
		case <-l.closed:
			return
		}
	}
}

func (l *Link) readWindow() time.Duration {
	return l.keepAliveInterval + l.keepAliveTimeout
}

func (l *Link) setState(state ConnectionState) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.state == StateDisconnected {
		return
	}
	l.state = state
}

func (l *Link) closeWithError(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.closeErr = err
		l.errMu.Unlock()

		if err != nil {
			l.logger.Debug("link closed", "error", err)
		}

		l.setState(StateDisconnected)
		deadline := time.Now().Add(time.Second)
		_ = l.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = l.conn.Close()
		close(l.closed)
	})
}
