package network

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Server accepts inbound signaling websockets and turns them into links.
type Server struct {
	listener net.Listener
	http     *http.Server
	options  Options
	upgrader websocket.Upgrader

	incoming chan *Link
	errs     chan error

	mu        sync.RWMutex
	shut      bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts serving SignalPath on address. An empty address or ":0"
// picks a free port.
func Listen(address string, options Options) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: opts.ConnectionTimeout,
			ReadBufferSize:   opts.MaxFrameSize,
			WriteBufferSize:  opts.MaxFrameSize,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		incoming: make(chan *Link, 16),
		errs:     make(chan error, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(SignalPath, server.handleUpgrade)
	server.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: opts.ConnectionTimeout,
	}

	server.wg.Add(1)
	go server.serve()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the listening TCP port.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Incoming returns accepted links.
func (s *Server) Incoming() <-chan *Link {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels. Links already handed
// out stay open.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.http.Close()
		s.wg.Wait()

		s.mu.Lock()
		s.shut = true
		close(s.incoming)
		close(s.errs)
		s.mu.Unlock()
	})
	return closeErr
}

func (s *Server) serve() {
	defer s.wg.Done()

	err := s.http.Serve(s.listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.reportError(fmt.Errorf("serve signaling: %w", err))
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	peerID := strings.TrimSpace(r.Header.Get(DeviceHeader))
	if peerID == "" {
		http.Error(w, ErrMissingDeviceID.Error(), http.StatusBadRequest)
		s.reportError(fmt.Errorf("reject %s: %w", r.RemoteAddr, ErrMissingDeviceID))
		return
	}
	if peerID == s.options.LocalDeviceID {
		http.Error(w, ErrSelfConnection.Error(), http.StatusConflict)
		return
	}

	header := http.Header{}
	header.Set(DeviceHeader, s.options.LocalDeviceID)
	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.reportError(fmt.Errorf("upgrade %s: %w", r.RemoteAddr, err))
		return
	}

	link := newLink(conn, peerID, s.options)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shut {
		_ = link.Close()
		return
	}
	select {
	case s.incoming <- link:
	default:
		_ = link.Close()
		s.options.Logger.Warn("signaling accept queue full", "peer_id", peerID)
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shut {
		return
	}
	select {
	case s.errs <- err:
	default:
		s.options.Logger.Warn("signaling server error dropped", "error", err)
	}
}
