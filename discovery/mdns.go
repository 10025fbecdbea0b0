package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_waterdrop._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultCapability is the tag both sides must advertise to pair.
	DefaultCapability = "waterdrop.transfer.v1"
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
	// MaxSignalQuality caps the sighting-based ranking value.
	MaxSignalQuality = 10
)

var (
	// ErrDiscoveryUnavailable means the discovery transport cannot be used.
	ErrDiscoveryUnavailable = errors.New("discovery: transport unavailable")
	// ErrPeerUnavailable means the requested peer is no longer in the peer list.
	ErrPeerUnavailable = errors.New("discovery: peer unavailable")
	// ErrConnectInProgress means a connect attempt is already in flight or done.
	ErrConnectInProgress = errors.New("discovery: connect already in progress")
	// ErrNotDiscovering means the machine is idle.
	ErrNotDiscovering = errors.New("discovery: not discovering")
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32
	// PeerStaleAfter purges peers that have not answered a scan for this long.
	PeerStaleAfter time.Duration

	SelfDeviceID  string
	DeviceName    string
	ListeningPort int
	// Capabilities are advertised in TXT caps=. The first entry of
	// RequiredCapability must be present on a peer for it to be listed.
	Capabilities       []string
	RequiredCapability string

	Logger *slog.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = 2 * time.Duration(out.TTL) * time.Second
	}
	if out.RequiredCapability == "" {
		out.RequiredCapability = DefaultCapability
	}
	if len(out.Capabilities) == 0 {
		out.Capabilities = []string{out.RequiredCapability}
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	return nil
}

// maxInstanceLen is the DNS label limit for the advertised instance name.
const maxInstanceLen = 63

// Broadcaster advertises local device presence via mDNS.
type Broadcaster struct {
	server   *zeroconf.Server
	instance string
	logger   *slog.Logger
	stopOnce sync.Once
}

// StartBroadcaster registers and starts mDNS broadcast. The display name goes
// out in full as TXT name=; the instance label is cut to fit DNS.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	instance := instanceName(cfg.DeviceName)
	server, err := cfg.registerFn(instance, cfg.Service, cfg.Domain, cfg.ListeningPort, txtRecords(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	logger := cfg.Logger.With("component", "broadcaster")
	logger.Info("advertising", "instance", instance, "service", cfg.Service, "port", cfg.ListeningPort)
	return &Broadcaster{server: server, instance: instance, logger: logger}, nil
}

// Stop stops mDNS broadcasting. Later calls do nothing.
func (b *Broadcaster) Stop() {
	if b == nil {
		return
	}
	b.stopOnce.Do(func() {
		if b.server != nil {
			b.server.Shutdown()
		}
		b.logger.Info("stopped advertising", "instance", b.instance)
	})
}

func txtRecords(cfg Config) []string {
	return []string{
		"device_id=" + cfg.SelfDeviceID,
		"name=" + strings.TrimSpace(cfg.DeviceName),
		"version=" + strconv.Itoa(cfg.Version),
		"caps=" + strings.Join(cfg.Capabilities, ","),
	}
}

// instanceName trims name to maxInstanceLen bytes without splitting a rune.
func instanceName(name string) string {
	name = strings.TrimSpace(name)
	if len(name) <= maxInstanceLen {
		return name
	}
	cut := maxInstanceLen
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}
