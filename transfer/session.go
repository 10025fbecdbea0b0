package transfer

import (
	"context"
	"sync"
	"time"
)

// State is a session lifecycle state.
type State string

const (
	StatePending      State = "PENDING"
	StateTransferring State = "TRANSFERRING"
	StatePaused       State = "PAUSED"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateCancelled    State = "CANCELLED"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Direction tells whether the local side sends or receives.
type Direction string

const (
	DirectionOutbound Direction = "OUTBOUND"
	DirectionInbound  Direction = "INBOUND"
)

// Snapshot is a copy of a session's observable state.
type Snapshot struct {
	ID                string
	FileName          string
	FileSize          int64
	Direction         Direction
	State             State
	BytesTransferred  int64
	Checksum          string
	ChecksumAlgorithm string
	LocalPath         string
	Err               error
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Progress returns the transferred fraction in [0, 1].
func (s Snapshot) Progress() float64 {
	if s.FileSize <= 0 {
		if s.State == StateCompleted {
			return 1
		}
		return 0
	}
	return float64(s.BytesTransferred) / float64(s.FileSize)
}

type session struct {
	id        string
	name      string
	direction Direction
	chunkSize int
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wire   Wire

	chunks chan Chunk
	result chan Result
	done   chan struct{}
	notify chan struct{}

	mu        sync.Mutex
	size      int64
	state     State
	bytes     int64
	checksum  string
	algorithm string
	localPath string
	err       error
	updatedAt time.Time
	resumed   chan struct{}

	emitMu   sync.Mutex
	finished bool
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:                s.id,
		FileName:          s.name,
		FileSize:          s.size,
		Direction:         s.direction,
		State:             s.state,
		BytesTransferred:  s.bytes,
		Checksum:          s.checksum,
		ChecksumAlgorithm: s.algorithm,
		LocalPath:         s.localPath,
		Err:               s.err,
		CreatedAt:         s.createdAt,
		UpdatedAt:         s.updatedAt,
	}
}

func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState moves a live session to state. It reports false once the session
// is terminal.
func (s *session) setState(state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = state
	s.updatedAt = time.Now()
	return true
}

// terminate records the final state exactly once.
func (s *session) terminate(state State, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = state
	s.err = err
	s.updatedAt = time.Now()
	if s.resumed != nil {
		close(s.resumed)
		s.resumed = nil
	}
	return true
}

func (s *session) addBytes(n int) {
	s.mu.Lock()
	s.bytes += int64(n)
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// markRunning sets TRANSFERRING unless the session is paused or terminal.
func (s *session) markRunning() (changed, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || s.resumed != nil {
		return false, false
	}
	if s.state == StateTransferring {
		return false, true
	}
	s.state = StateTransferring
	s.updatedAt = time.Now()
	return true, true
}

// pause marks the session paused and returns false when it cannot be.
func (s *session) pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || s.resumed != nil {
		return false
	}
	s.state = StatePaused
	s.resumed = make(chan struct{})
	s.updatedAt = time.Now()
	s.wake()
	return true
}

// resume clears the pause; the worker restores the running state once it
// holds a slot again.
func (s *session) resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resumed == nil {
		return false
	}
	close(s.resumed)
	s.resumed = nil
	s.state = StatePending
	s.updatedAt = time.Now()
	s.wake()
	return true
}

// pausedSignal returns a channel closed on resume, or nil when running.
func (s *session) pausedSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumed
}

func (s *session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
