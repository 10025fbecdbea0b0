// Package network provides the point-to-point signaling link between two
// discovered devices: a websocket served on the port each device advertises
// over mDNS.
package network

import (
	"errors"
	"log/slog"
	"strings"
	"time"
)

const (
	// SignalPath is the HTTP path upgraded to the signaling websocket.
	SignalPath = "/signal"
	// DeviceHeader carries the device id of each side during the upgrade.
	DeviceHeader = "X-WaterDrop-Device"
	// DefaultMaxFrameSize is the single-write ceiling of a signaling link.
	DefaultMaxFrameSize = 512
	// DefaultConnectionTimeout bounds dial and upgrade duration.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultKeepAliveInterval sends a ping on every interval.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout is how long a ping may go unanswered.
	DefaultKeepAliveTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 10 * time.Second
)

var (
	// ErrFrameTooLarge indicates a frame above the link's MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrMissingDeviceID indicates the remote side did not identify itself.
	ErrMissingDeviceID = errors.New("network: missing device id")
	// ErrSelfConnection indicates a device dialed its own listener.
	ErrSelfConnection = errors.New("network: refusing connection to self")
	// ErrUnexpectedPeer indicates the answering device is not the one dialed.
	ErrUnexpectedPeer = errors.New("network: unexpected peer")
	// ErrLinkClosed indicates a write on a closed link.
	ErrLinkClosed = errors.New("network: link closed")
)

// Options controls link behavior on both the dialing and accepting side.
type Options struct {
	LocalDeviceID     string
	MaxFrameSize      int
	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	WriteTimeout      time.Duration
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaxFrameSize <= 0 {
		out.MaxFrameSize = DefaultMaxFrameSize
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

func (o Options) validateIdentity() error {
	if strings.TrimSpace(o.LocalDeviceID) == "" {
		return errors.New("network: local device ID is required")
	}
	return nil
}
