package signaling

import (
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// fragmentOverhead bounds the msgpack envelope around one fragment's data.
	fragmentOverhead = 24
	// MaxFragments caps how many fragments one message may be split into.
	MaxFragments = 1024
)

// ErrFrameTooSmall indicates a link ceiling that cannot fit any fragment data.
var ErrFrameTooSmall = errors.New("signaling: link frame size too small")

// ErrMessageTooLarge indicates a payload needing more than MaxFragments frames.
var ErrMessageTooLarge = errors.New("signaling: message too large")

type fragment struct {
	_msgpack struct{} `msgpack:",as_array"`

	ID    uint32
	Index uint16
	Total uint16
	Data  []byte
}

func splitFragments(id uint32, payload []byte, maxFrame int) ([][]byte, error) {
	budget := maxFrame - fragmentOverhead
	if budget <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooSmall, maxFrame)
	}

	total := (len(payload) + budget - 1) / budget
	if total == 0 {
		total = 1
	}
	if total > MaxFragments {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}

	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * budget
		end := start + budget
		if end > len(payload) {
			end = len(payload)
		}
		raw, err := msgpack.Marshal(&fragment{
			ID:    id,
			Index: uint16(i),
			Total: uint16(total),
			Data:  payload[start:end],
		})
		if err != nil {
			return nil, fmt.Errorf("encode fragment %d/%d: %w", i+1, total, err)
		}
		frames = append(frames, raw)
	}
	return frames, nil
}

type partialMessage struct {
	parts    [][]byte
	received int
	size     int
	started  time.Time
}

// reassembler joins fragments per message id. It is owned by one reader goroutine.
type reassembler struct {
	timeout time.Duration
	now     func() time.Time
	pending map[uint32]*partialMessage
}

func newReassembler(timeout time.Duration) *reassembler {
	return &reassembler{
		timeout: timeout,
		now:     time.Now,
		pending: make(map[uint32]*partialMessage),
	}
}

// add consumes one raw frame and returns a complete payload when the last
// missing fragment arrives.
func (r *reassembler) add(raw []byte) ([]byte, bool, error) {
	var frag fragment
	if err := msgpack.Unmarshal(raw, &frag); err != nil {
		return nil, false, fmt.Errorf("decode fragment: %w", err)
	}
	if frag.Total == 0 || frag.Index >= frag.Total || int(frag.Total) > MaxFragments {
		return nil, false, fmt.Errorf("invalid fragment %d/%d", frag.Index, frag.Total)
	}

	r.expire()

	if frag.Total == 1 {
		delete(r.pending, frag.ID)
		return frag.Data, true, nil
	}

	partial := r.pending[frag.ID]
	if partial == nil {
		partial = &partialMessage{
			parts:   make([][]byte, frag.Total),
			started: r.now(),
		}
		r.pending[frag.ID] = partial
	}
	if len(partial.parts) != int(frag.Total) {
		delete(r.pending, frag.ID)
		return nil, false, fmt.Errorf("fragment total changed for message %d", frag.ID)
	}
	if partial.parts[frag.Index] != nil {
		return nil, false, nil
	}

	partial.parts[frag.Index] = append([]byte{}, frag.Data...)
	partial.received++
	partial.size += len(frag.Data)
	if partial.received < len(partial.parts) {
		return nil, false, nil
	}

	delete(r.pending, frag.ID)
	out := make([]byte, 0, partial.size)
	for _, part := range partial.parts {
		out = append(out, part...)
	}
	return out, true, nil
}

func (r *reassembler) expire() {
	if r.timeout <= 0 {
		return
	}
	cutoff := r.now().Add(-r.timeout)
	for id, partial := range r.pending {
		if partial.started.Before(cutoff) {
			delete(r.pending, id)
		}
	}
}
