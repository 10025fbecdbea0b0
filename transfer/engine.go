// Package transfer moves files over an ordered message channel as indexed
// chunks with checksum verification, progress events and a concurrency limit.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/Ebullioscopic/WaterDrop/crypto"
	"github.com/Ebullioscopic/WaterDrop/queue"
)

const (
	DefaultChunkSize     = 16 * 1024
	MinChunkSize         = 4 * 1024
	MaxChunkSize         = 64 * 1024
	DefaultMaxConcurrent = 4
	DefaultStallTimeout  = 60 * time.Second
	DefaultReorderWindow = 64

	inboundQueueSize = 64
	controlTimeout   = 5 * time.Second
	eventBufferSize  = 256
	// retainedSessions bounds how many finished sessions stay queryable.
	retainedSessions = 128
)

// ErrCancelled is recorded on sessions that were cancelled.
var ErrCancelled = errors.New("transfer: cancelled")

// Wire writes one data channel frame.
type Wire interface {
	WriteFrame(ctx context.Context, frame []byte) error
}

// Options configures an Engine.
type Options struct {
	ChunkSize     int
	MaxConcurrent int
	// DownloadDir receives completed inbound files. Defaults to the working
	// directory.
	DownloadDir string
	// TempDir holds partial files. Defaults to DownloadDir.
	TempDir           string
	ChecksumAlgorithm string
	// RequireChecksum fails inbound sessions whose sender advertised none.
	RequireChecksum bool
	StallTimeout    time.Duration
	// ReorderWindow is how many early chunks an inbound session keeps in
	// memory. Later chunks are still accepted and read back from the partial
	// file when their turn comes.
	ReorderWindow int

	Logger *slog.Logger
}

func (o Options) withDefaults() (Options, error) {
	out := o
	if out.ChunkSize == 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.ChunkSize < MinChunkSize || out.ChunkSize > MaxChunkSize {
		return Options{}, fmt.Errorf("chunk size %d outside [%d, %d]", out.ChunkSize, MinChunkSize, MaxChunkSize)
	}
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = DefaultMaxConcurrent
	}
	if strings.TrimSpace(out.DownloadDir) == "" {
		out.DownloadDir = "."
	}
	if strings.TrimSpace(out.TempDir) == "" {
		out.TempDir = out.DownloadDir
	}
	alg, err := crypto.NormalizeAlgorithm(out.ChecksumAlgorithm)
	if err != nil {
		return Options{}, err
	}
	out.ChecksumAlgorithm = alg
	if out.StallTimeout <= 0 {
		out.StallTimeout = DefaultStallTimeout
	}
	if out.ReorderWindow <= 0 {
		out.ReorderWindow = DefaultReorderWindow
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out, nil
}

// EventType identifies engine events.
type EventType string

const (
	EventState     EventType = "state"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event reports a session change. Each session produces exactly one of
// completed, failed or cancelled, and nothing after it.
type Event struct {
	Type    EventType
	Session Snapshot
}

// Engine runs chunked sessions in both directions.
type Engine struct {
	opts   Options
	logger *slog.Logger

	// outbound bounds sessions this side is sending.
	outbound *semaphore.Weighted

	mu       sync.RWMutex
	sessions map[string]*session
	// retired lists finished session ids, oldest first.
	retired []string

	placeMu sync.Mutex

	events  chan Event
	pending *queue.Queue[Event]

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewEngine validates options and returns a ready engine.
func NewEngine(opts Options) (*Engine, error) {
	cfg, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, eventBufferSize)
	return &Engine{
		opts:     cfg,
		logger:   cfg.Logger.With("component", "transfer"),
		outbound: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		sessions: make(map[string]*session),
		events:   events,
		pending:  queue.New(events, eventBufferSize, isProgress),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func isProgress(ev Event) bool {
	return ev.Type == EventProgress
}

// Events delivers session events until Close.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// ChunkSize returns the outbound chunk size.
func (e *Engine) ChunkSize() int {
	return e.opts.ChunkSize
}

// StartSend registers an outbound session and runs it in the background.
// A negative size means unknown; the source is then spooled to learn it.
func (e *Engine) StartSend(ctx context.Context, w Wire, src io.Reader, name string, size int64) (string, error) {
	if e.closed.Load() {
		return "", ErrEngineClosed
	}
	if w == nil || src == nil {
		return "", errors.New("transfer: wire and source are required")
	}
	clean, err := cleanName(name)
	if err != nil {
		return "", err
	}

	s := e.newSession(ctx, uuid.NewString(), clean, size, DirectionOutbound, w)
	s.chunkSize = e.opts.ChunkSize
	s.result = make(chan Result, 1)
	e.register(s)
	e.emitLive(s, EventState)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(s.done)
		err := e.sendLoop(s, src)
		e.finishSession(s, err)
	}()
	return s.id, nil
}

// Send transfers src and blocks until the receiver reports a result.
func (e *Engine) Send(ctx context.Context, w Wire, src io.Reader, name string, size int64) (Snapshot, error) {
	id, err := e.StartSend(ctx, w, src, name, size)
	if err != nil {
		return Snapshot{}, err
	}
	return e.Wait(ctx, id)
}

// Wait blocks until session id is terminal.
func (e *Engine) Wait(ctx context.Context, id string) (Snapshot, error) {
	s := e.lookup(id)
	if s == nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return s.snapshot(), ctx.Err()
	}
	snap := s.snapshot()
	return snap, snap.Err
}

// Receive reassembles one inbound file from chunks and reports the result on
// reply. It blocks until the session is terminal.
func (e *Engine) Receive(ctx context.Context, hdr Header, chunks <-chan Chunk, reply Wire) (Snapshot, error) {
	s, err := e.acceptHeader(ctx, hdr, reply)
	if err != nil {
		return Snapshot{}, err
	}
	e.runReceive(s, hdr, chunks)
	snap := s.snapshot()
	return snap, snap.Err
}

// HandleFrame dispatches one inbound data channel frame. Replies go to w.
func (e *Engine) HandleFrame(w Wire, raw []byte) error {
	frame, err := decodeFrame(raw)
	if err != nil {
		return err
	}

	switch frame.Type {
	case FrameOffer:
		var hdr Header
		if err := decodePayload(frame, &hdr); err != nil {
			return err
		}
		s, err := e.acceptHeader(e.ctx, hdr, w)
		if err != nil {
			code := ResultIOFailure
			if errors.Is(err, ErrRejected) {
				code = ResultBusy
			}
			e.sendControl(w, FrameResult, Result{SessionID: hdr.SessionID, Code: code, Message: err.Error()})
			return err
		}
		s.chunks = make(chan Chunk, inboundQueueSize)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runReceive(s, hdr, s.chunks)
		}()
		return nil

	case FrameChunk:
		var payload chunkPayload
		if err := decodePayload(frame, &payload); err != nil {
			return err
		}
		s := e.lookup(payload.SessionID)
		if s == nil || s.chunks == nil {
			return fmt.Errorf("%w: chunk for %s", ErrSessionNotFound, payload.SessionID)
		}
		// The sender keeps streaming until it sees our result; late chunks
		// for an ended session are discarded so the channel keeps reading.
		if s.currentState().Terminal() {
			return nil
		}
		select {
		case s.chunks <- Chunk{Index: payload.Index, Data: payload.Data}:
		case <-s.ctx.Done():
		}
		return nil

	case FrameResult:
		var res Result
		if err := decodePayload(frame, &res); err != nil {
			return err
		}
		s := e.lookup(res.SessionID)
		if s == nil || s.result == nil {
			return fmt.Errorf("%w: result for %s", ErrSessionNotFound, res.SessionID)
		}
		select {
		case s.result <- res:
		default:
		}
		return nil

	case FrameCancel, FramePause, FrameResume:
		var ctl controlPayload
		if err := decodePayload(frame, &ctl); err != nil {
			return err
		}
		s := e.lookup(ctl.SessionID)
		if s == nil {
			return fmt.Errorf("%w: %s for %s", ErrSessionNotFound, frame.Type, ctl.SessionID)
		}
		switch frame.Type {
		case FrameCancel:
			e.logger.Info("session cancelled by peer", "session_id", s.id, "reason", ctl.Reason)
			e.cancelSession(s, false, ctl.Reason)
		case FramePause:
			e.pauseSession(s, false)
		case FrameResume:
			e.resumeSession(s, false)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, frame.Type)
	}
}

// Pause suspends a session and frees its slot.
func (e *Engine) Pause(id string) error {
	s := e.lookup(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if !e.pauseSession(s, true) {
		return fmt.Errorf("pause %s: session is %s", id, s.currentState())
	}
	return nil
}

// Resume continues a paused session once a slot is free.
func (e *Engine) Resume(id string) error {
	s := e.lookup(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if !e.resumeSession(s, true) {
		return fmt.Errorf("resume %s: session is %s", id, s.currentState())
	}
	return nil
}

// Cancel stops a session and tells the peer.
func (e *Engine) Cancel(id string) error {
	s := e.lookup(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.cancelSession(s, true, "cancelled by peer")
	return nil
}

// CancelAll cancels every live session.
func (e *Engine) CancelAll() {
	for _, s := range e.liveSessions() {
		e.cancelSession(s, true, "connection closing")
	}
}

// Session returns a snapshot of one session.
func (e *Engine) Session(id string) (Snapshot, bool) {
	s := e.lookup(id)
	if s == nil {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Sessions returns snapshots of all sessions in creation order.
func (e *Engine) Sessions() []Snapshot {
	e.mu.RLock()
	out := make([]Snapshot, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s.snapshot())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Active counts sessions that are not terminal.
func (e *Engine) Active() int {
	return len(e.liveSessions())
}

// Close cancels all sessions, waits for workers and closes Events.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.cancel()
		for _, s := range e.liveSessions() {
			if s.terminate(StateCancelled, ErrEngineClosed) {
				e.emitTerminal(s, EventCancelled)
			}
			s.cancel()
		}
		e.wg.Wait()

		e.pending.Close()
		close(e.events)
	})
	return nil
}

func (e *Engine) newSession(parent context.Context, id, name string, size int64, dir Direction, w Wire) *session {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(e.ctx, cancel)
	now := time.Now()
	return &session{
		id:        id,
		name:      name,
		direction: dir,
		createdAt: now,
		updatedAt: now,
		ctx:       ctx,
		cancel: func() {
			stop()
			cancel()
		},
		wire:   w,
		done:   make(chan struct{}),
		notify: make(chan struct{}, 1),
		size:   size,
		state:  StatePending,
	}
}

func (e *Engine) register(s *session) {
	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()
}

func (e *Engine) lookup(id string) *session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[id]
}

func (e *Engine) liveSessions() []*session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		if !s.currentState().Terminal() {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) liveInbound() int {
	n := 0
	for _, s := range e.liveSessions() {
		if s.direction == DirectionInbound {
			n++
		}
	}
	return n
}

// sendLoop drives one outbound session to the receiver's verdict.
func (e *Engine) sendLoop(s *session, src io.Reader) error {
	source, cleanup, err := e.prepareSource(s, src)
	if err != nil {
		return err
	}
	defer cleanup()

	held := false
	defer func() {
		if held {
			e.outbound.Release(1)
		}
	}()

	if err := e.holdSlot(s, &held); err != nil {
		return err
	}

	snap := s.snapshot()
	hdr := Header{
		SessionID:         s.id,
		Name:              s.name,
		Size:              snap.FileSize,
		ChunkSize:         s.chunkSize,
		Checksum:          snap.Checksum,
		ChecksumAlgorithm: snap.ChecksumAlgorithm,
	}
	if err := e.writeFrame(s, FrameOffer, hdr); err != nil {
		return err
	}
	e.logger.Debug("offer sent", "session_id", s.id, "file", s.name, "size", hdr.Size)

	total := ChunkCount(hdr.Size, s.chunkSize)
	buf := make([]byte, s.chunkSize)
	for idx := 0; idx < total; idx++ {
		if err := e.holdSlot(s, &held); err != nil {
			return err
		}
		select {
		case res := <-s.result:
			return e.resultError(s, res, true)
		default:
		}

		want := expectedChunkLen(hdr.Size, s.chunkSize, idx)
		n, err := io.ReadFull(source, buf[:want])
		if err != nil {
			return WrapError("read", s.name, ErrIOFailure, err.Error())
		}
		if err := e.writeFrame(s, FrameChunk, chunkPayload{SessionID: s.id, Index: idx, Data: buf[:n]}); err != nil {
			return err
		}
		s.addBytes(n)
		e.emitLive(s, EventProgress)
	}

	timer := time.NewTimer(e.opts.StallTimeout)
	defer timer.Stop()
	select {
	case res := <-s.result:
		return e.resultError(s, res, false)
	case <-timer.C:
		return WrapError("await result", s.name, ErrIOFailure, "receiver sent no result")
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// holdSlot returns once s holds an outbound slot and is not paused. A paused
// session gives its slot back while it waits.
func (e *Engine) holdSlot(s *session, held *bool) error {
	for {
		if resumed := s.pausedSignal(); resumed != nil {
			if *held {
				e.outbound.Release(1)
				*held = false
			}
			select {
			case <-resumed:
			case <-s.ctx.Done():
				return s.ctx.Err()
			}
			continue
		}
		if !*held {
			if err := e.outbound.Acquire(s.ctx, 1); err != nil {
				return err
			}
			*held = true
		}
		changed, ok := s.markRunning()
		if ok {
			if changed {
				e.emitLive(s, EventState)
			}
			return nil
		}
		if s.currentState().Terminal() {
			return context.Canceled
		}
	}
}

// prepareSource hashes src up front. Seekable sources are rewound; streams
// are spooled to a temp file.
func (e *Engine) prepareSource(s *session, src io.Reader) (io.Reader, func(), error) {
	noop := func() {}
	alg := e.opts.ChecksumAlgorithm

	if rs, ok := src.(io.ReadSeeker); ok {
		start, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, noop, WrapError("seek", s.name, ErrIOFailure, err.Error())
		}
		sum, n, err := crypto.ReaderChecksum(rs, alg)
		if err != nil {
			return nil, noop, WrapError("checksum", s.name, ErrIOFailure, err.Error())
		}
		if _, err := rs.Seek(start, io.SeekStart); err != nil {
			return nil, noop, WrapError("rewind", s.name, ErrIOFailure, err.Error())
		}
		if err := s.setSource(n, sum, alg); err != nil {
			return nil, noop, err
		}
		return rs, noop, nil
	}

	if err := os.MkdirAll(e.opts.TempDir, 0o700); err != nil {
		return nil, noop, WrapError("spool", s.name, ErrIOFailure, err.Error())
	}
	spool, err := os.CreateTemp(e.opts.TempDir, ".waterdrop-send-*")
	if err != nil {
		return nil, noop, WrapError("spool", s.name, ErrIOFailure, err.Error())
	}
	cleanup := func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}
	hasher, err := crypto.NewHasher(alg)
	if err != nil {
		cleanup()
		return nil, noop, err
	}
	n, err := io.Copy(io.MultiWriter(spool, hasher), src)
	if err == nil {
		_, err = spool.Seek(0, io.SeekStart)
	}
	if err != nil {
		cleanup()
		return nil, noop, WrapError("spool", s.name, ErrIOFailure, err.Error())
	}
	if err := s.setSource(n, crypto.SumHex(hasher), alg); err != nil {
		cleanup()
		return nil, noop, err
	}
	return spool, cleanup, nil
}

func (s *session) setSource(n int64, checksum, algorithm string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size >= 0 && s.size != n {
		return WrapError("read", s.name, ErrIOFailure, fmt.Sprintf("source has %d bytes, expected %d", n, s.size))
	}
	s.size = n
	s.checksum = checksum
	s.algorithm = algorithm
	return nil
}

func (e *Engine) resultError(s *session, res Result, early bool) error {
	switch res.Code {
	case ResultOK:
		if early {
			return WrapError("send", s.name, ErrInvalidFrame, "result before last chunk")
		}
		snap := s.snapshot()
		if res.Checksum != "" && snap.Checksum != "" && !crypto.EqualChecksum(res.Checksum, snap.Checksum) {
			return WrapError("verify", s.name, ErrChecksumMismatch, "receiver computed "+crypto.FormatChecksum(res.Checksum))
		}
		return nil
	case ResultChecksumMismatch:
		return WrapError("send", s.name, ErrChecksumMismatch, res.Message)
	case ResultBusy:
		return WrapError("send", s.name, ErrRejected, res.Message)
	default:
		return WrapError("send", s.name, ErrIOFailure, res.Message)
	}
}

// acceptHeader validates an offer and registers the inbound session.
func (e *Engine) acceptHeader(ctx context.Context, hdr Header, reply Wire) (*session, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if strings.TrimSpace(hdr.SessionID) == "" {
		return nil, fmt.Errorf("%w: missing session id", ErrInvalidHeader)
	}
	name, err := cleanName(hdr.Name)
	if err != nil {
		return nil, err
	}
	if hdr.Size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrInvalidHeader, hdr.Size)
	}
	if hdr.ChunkSize <= 0 || hdr.ChunkSize > MaxChunkSize {
		return nil, fmt.Errorf("%w: chunk size %d", ErrInvalidHeader, hdr.ChunkSize)
	}
	alg := e.opts.ChecksumAlgorithm
	if hdr.Checksum != "" {
		if alg, err = crypto.NormalizeAlgorithm(hdr.ChecksumAlgorithm); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
		}
	}
	if e.liveInbound() >= 2*e.opts.MaxConcurrent {
		return nil, fmt.Errorf("%w: %d inbound sessions active", ErrRejected, e.liveInbound())
	}

	e.mu.Lock()
	if _, exists := e.sessions[hdr.SessionID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate session %s", ErrInvalidHeader, hdr.SessionID)
	}
	s := e.newSession(ctx, hdr.SessionID, name, hdr.Size, DirectionInbound, reply)
	s.chunkSize = hdr.ChunkSize
	s.algorithm = alg
	e.sessions[s.id] = s
	e.mu.Unlock()

	e.emitLive(s, EventState)
	return s, nil
}

func (e *Engine) runReceive(s *session, hdr Header, chunks <-chan Chunk) {
	defer close(s.done)
	err := e.receiveLoop(s, hdr, chunks)

	cancelled := s.ctx.Err() != nil || s.currentState() == StateCancelled
	e.finishSession(s, err)
	if !cancelled && s.wire != nil {
		res := Result{SessionID: s.id, Code: ResultOK, Checksum: s.snapshot().Checksum}
		switch {
		case err == nil:
		case errors.Is(err, ErrChecksumMismatch):
			res.Code, res.Message = ResultChecksumMismatch, err.Error()
		default:
			res.Code, res.Message = ResultIOFailure, err.Error()
		}
		e.sendControl(s.wire, FrameResult, res)
	}
}

// receiveLoop writes chunks to a temp file in index order, verifies the
// result and moves it into DownloadDir.
func (e *Engine) receiveLoop(s *session, hdr Header, chunks <-chan Chunk) error {
	if changed, ok := s.markRunning(); ok && changed {
		e.emitLive(s, EventState)
	}

	if err := os.MkdirAll(e.opts.TempDir, 0o700); err != nil {
		return WrapError("receive", s.name, ErrIOFailure, err.Error())
	}
	tmp, err := os.CreateTemp(e.opts.TempDir, ".waterdrop-recv-*.part")
	if err != nil {
		return WrapError("receive", s.name, ErrIOFailure, err.Error())
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	var hasher hash.Hash
	if hasher, err = crypto.NewHasher(s.snapshot().ChecksumAlgorithm); err != nil {
		return err
	}

	buf := newReassembler(tmp, hasher, hdr.Size, hdr.ChunkSize, e.opts.ReorderWindow)
	stall := time.NewTimer(e.opts.StallTimeout)
	defer stall.Stop()

	for !buf.complete() {
		stallC := stall.C
		if s.pausedSignal() != nil {
			stallC = nil
		}

		select {
		case c, ok := <-chunks:
			if !ok {
				return WrapError("receive", s.name, ErrIOFailure,
					fmt.Sprintf("chunk stream ended after %d of %d chunks", buf.next, buf.total))
			}
			n, err := buf.add(c)
			if err != nil {
				return WrapError("receive", s.name, ErrIOFailure, err.Error())
			}
			if n > 0 {
				s.addBytes(n)
				e.emitLive(s, EventProgress)
			}
			stall.Reset(e.opts.StallTimeout)

		case <-s.notify:
			if s.pausedSignal() == nil {
				if changed, ok := s.markRunning(); ok && changed {
					e.emitLive(s, EventState)
				}
				stall.Reset(e.opts.StallTimeout)
			}

		case <-stallC:
			return WrapError("receive", s.name, ErrIOFailure,
				fmt.Sprintf("no chunk for %s", e.opts.StallTimeout))

		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}

	if err := tmp.Close(); err != nil {
		return WrapError("write", s.name, ErrIOFailure, err.Error())
	}

	actual := crypto.SumHex(hasher)
	s.mu.Lock()
	s.checksum = actual
	received := s.bytes
	s.mu.Unlock()

	if received != hdr.Size {
		return WrapError("verify", s.name, ErrIOFailure, fmt.Sprintf("received %d of %d bytes", received, hdr.Size))
	}
	switch {
	case hdr.Checksum != "":
		if !crypto.EqualChecksum(hdr.Checksum, actual) {
			return WrapError("verify", s.name, ErrChecksumMismatch,
				fmt.Sprintf("expected %s, got %s", crypto.FormatChecksum(hdr.Checksum), crypto.FormatChecksum(actual)))
		}
	case e.opts.RequireChecksum:
		return WrapError("verify", s.name, ErrChecksumMismatch, "sender advertised no checksum")
	}

	final, err := e.place(tmpPath, s.name)
	if err != nil {
		return WrapError("store", s.name, ErrIOFailure, err.Error())
	}
	committed = true

	s.mu.Lock()
	s.localPath = final
	s.mu.Unlock()
	return nil
}

// place moves a verified temp file into DownloadDir without overwriting.
func (e *Engine) place(tmpPath, name string) (string, error) {
	e.placeMu.Lock()
	defer e.placeMu.Unlock()

	if err := os.MkdirAll(e.opts.DownloadDir, 0o755); err != nil {
		return "", err
	}
	final := uniquePath(e.opts.DownloadDir, name)
	if err := os.Rename(tmpPath, final); err != nil {
		return "", err
	}
	return final, nil
}

// finishSession records the outcome of a worker and releases the session
// context whatever the outcome.
func (e *Engine) finishSession(s *session, err error) {
	defer s.cancel()
	switch {
	case err == nil:
		if s.terminate(StateCompleted, nil) {
			snap := s.snapshot()
			e.logger.Info("transfer completed", "session_id", s.id, "file", s.name, "direction", s.direction, "bytes", snap.BytesTransferred)
			e.emitTerminal(s, EventCompleted)
			e.retire(s)
		}
	case s.ctx.Err() != nil:
		if s.terminate(StateCancelled, ErrCancelled) {
			e.emitTerminal(s, EventCancelled)
			e.retire(s)
		}
	default:
		if s.terminate(StateFailed, err) {
			e.logger.Warn("transfer failed", "session_id", s.id, "file", s.name, "error", err)
			e.emitTerminal(s, EventFailed)
			e.retire(s)
		}
	}
}

// retire remembers s as finished and forgets the oldest finished sessions
// beyond retainedSessions.
func (e *Engine) retire(s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retired = append(e.retired, s.id)
	for len(e.retired) > retainedSessions {
		delete(e.sessions, e.retired[0])
		e.retired = e.retired[1:]
	}
}

func (e *Engine) cancelSession(s *session, notify bool, reason string) {
	if !s.terminate(StateCancelled, ErrCancelled) {
		return
	}
	e.emitTerminal(s, EventCancelled)
	e.retire(s)
	s.cancel()
	if notify && s.wire != nil {
		go e.sendControl(s.wire, FrameCancel, controlPayload{SessionID: s.id, Reason: reason})
	}
}

func (e *Engine) pauseSession(s *session, notify bool) bool {
	if !s.pause() {
		return false
	}
	e.emitLive(s, EventState)
	if notify && s.wire != nil {
		go e.sendControl(s.wire, FramePause, controlPayload{SessionID: s.id})
	}
	return true
}

func (e *Engine) resumeSession(s *session, notify bool) bool {
	if !s.resume() {
		return false
	}
	e.emitLive(s, EventState)
	if notify && s.wire != nil {
		go e.sendControl(s.wire, FrameResume, controlPayload{SessionID: s.id})
	}
	return true
}

func (e *Engine) writeFrame(s *session, frameType string, payload any) error {
	frame, err := encodeFrame(frameType, payload)
	if err != nil {
		return NewFileError("encode", s.name, err)
	}
	if err := s.wire.WriteFrame(s.ctx, frame); err != nil {
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}
		return WrapError("write", s.name, ErrIOFailure, err.Error())
	}
	return nil
}

// sendControl writes a best-effort frame that must not depend on a session
// context.
func (e *Engine) sendControl(w Wire, frameType string, payload any) {
	frame, err := encodeFrame(frameType, payload)
	if err != nil {
		e.logger.Warn("encode control frame", "type", frameType, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	if err := w.WriteFrame(ctx, frame); err != nil {
		e.logger.Debug("send control frame", "type", frameType, "error", err)
	}
}

func (e *Engine) emitLive(s *session, t EventType) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.finished {
		return
	}
	e.pending.Push(Event{Type: t, Session: s.snapshot()})
}

// emitTerminal queues the final event of s. It never blocks; only progress
// events are shed when the consumer falls behind.
func (e *Engine) emitTerminal(s *session, t EventType) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	e.pending.Push(Event{Type: t, Session: s.snapshot()})
}

func cleanName(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	switch base {
	case "", ".", "..", "/":
		return "", fmt.Errorf("%w: invalid file name %q", ErrInvalidHeader, name)
	}
	return base, nil
}

func uniquePath(dir, name string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := filepath.Join(dir, name)
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
}
