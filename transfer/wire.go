package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// HighWaterMark pauses writes while this much is queued in the channel.
	HighWaterMark uint64 = 2 * 1024 * 1024
	// LowWaterMark resumes writes once the queue drains below it.
	LowWaterMark uint64 = 512 * 1024

	drainPoll = 100 * time.Millisecond
)

// ErrChannelClosed means the data channel is gone.
var ErrChannelClosed = errors.New("transfer: data channel closed")

// DataChannelWire writes frames to a pion data channel with backpressure.
type DataChannelWire struct {
	dc *webrtc.DataChannel

	sendMu sync.Mutex
	low    chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewDataChannelWire installs buffered-amount and close handlers on dc.
func NewDataChannelWire(dc *webrtc.DataChannel) *DataChannelWire {
	w := &DataChannelWire{
		dc:     dc,
		low:    make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	dc.SetBufferedAmountLowThreshold(LowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case w.low <- struct{}{}:
		default:
		}
	})
	dc.OnClose(func() {
		w.closeOnce.Do(func() { close(w.closed) })
	})
	return w
}

// WriteFrame waits for the send queue to drain below the high water mark,
// then sends frame.
func (w *DataChannelWire) WriteFrame(ctx context.Context, frame []byte) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	for w.dc.BufferedAmount() > HighWaterMark {
		select {
		case <-w.low:
		case <-time.After(drainPoll):
		case <-w.closed:
			return ErrChannelClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-w.closed:
		return ErrChannelClosed
	default:
	}
	return w.dc.Send(frame)
}

// Done is closed when the data channel closes.
func (w *DataChannelWire) Done() <-chan struct{} {
	return w.closed
}

// Bind routes dc's messages into the engine and returns the wire used to
// reply on it.
func (e *Engine) Bind(dc *webrtc.DataChannel) *DataChannelWire {
	w := NewDataChannelWire(dc)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if err := e.HandleFrame(w, msg.Data); err != nil {
			e.logger.Debug("data channel frame dropped", "error", err)
		}
	})
	return w
}
