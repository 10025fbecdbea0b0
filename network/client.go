package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

// Dial connects to the signaling listener at address (host:port). When
// expectedPeerID is set the answering device must identify as that peer.
func Dial(ctx context.Context, address, expectedPeerID string, options Options) (*Link, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	target := url.URL{Scheme: "ws", Host: address, Path: SignalPath}
	header := http.Header{}
	header.Set(DeviceHeader, opts.LocalDeviceID)

	dialer := websocket.Dialer{
		HandshakeTimeout: opts.ConnectionTimeout,
		ReadBufferSize:   opts.MaxFrameSize,
		WriteBufferSize:  opts.MaxFrameSize,
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectionTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, target.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %q: %w (status %d)", address, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	peerID := strings.TrimSpace(resp.Header.Get(DeviceHeader))
	if peerID == "" {
		_ = conn.Close()
		return nil, fmt.Errorf("dial %q: %w", address, ErrMissingDeviceID)
	}
	if expectedPeerID != "" && peerID != expectedPeerID {
		_ = conn.Close()
		return nil, fmt.Errorf("dial %q: %w: got %q want %q", address, ErrUnexpectedPeer, peerID, expectedPeerID)
	}

	return newLink(conn, peerID, opts), nil
}

// DialAny tries each address in order on port and returns the first link
// that answers.
func DialAny(ctx context.Context, addresses []string, port int, expectedPeerID string, options Options) (*Link, error) {
	if len(addresses) == 0 {
		return nil, errors.New("network: no addresses to dial")
	}

	var errs []error
	for _, addr := range orderAddresses(addresses) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		link, err := Dial(ctx, net.JoinHostPort(addr, strconv.Itoa(port)), expectedPeerID, options)
		if err == nil {
			return link, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// orderAddresses puts IPv4 before IPv6 and drops empty entries.
func orderAddresses(addresses []string) []string {
	v4 := make([]string, 0, len(addresses))
	v6 := make([]string, 0, len(addresses))
	for _, raw := range addresses {
		ip := net.ParseIP(strings.TrimSpace(raw))
		if ip == nil {
			continue
		}
		if ip.To4() != nil {
			v4 = append(v4, ip.String())
		} else {
			v6 = append(v6, ip.String())
		}
	}
	return append(v4, v6...)
}
