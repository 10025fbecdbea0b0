package discovery

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

type registerCounter struct {
	calls atomic.Int32
}

func (r *registerCounter) register(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
	r.calls.Add(1)
	return nil, nil
}

func newTestMachine(t *testing.T, reg *registerCounter) *Machine {
	t.Helper()
	machine, err := NewMachine(Config{
		SelfDeviceID:    "self",
		DeviceName:      "Self",
		ListeningPort:   9999,
		RefreshInterval: time.Hour,
		ScanTimeout:     20 * time.Millisecond,
		registerFn:      reg.register,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	t.Cleanup(machine.Close)
	return machine
}

func startAndWaitForPeer(t *testing.T, machine *Machine) {
	t.Helper()
	if err := machine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForCondition(t, time.Second, func() bool {
		_, ok := machine.Peer("peer-1")
		return ok
	})
}

func TestMachineStartRunsBothRoles(t *testing.T) {
	reg := &registerCounter{}
	machine := newTestMachine(t, reg)

	if machine.Phase() != PhaseIdle {
		t.Fatalf("expected IDLE before start, got %s", machine.Phase())
	}
	startAndWaitForPeer(t, machine)

	if machine.Phase() != PhaseActive {
		t.Fatalf("expected ACTIVE, got %s", machine.Phase())
	}
	if !machine.Advertising() || !machine.Scanning() {
		t.Fatalf("expected advertising and scanning after start")
	}
	if err := machine.Start(); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if reg.calls.Load() != 1 {
		t.Fatalf("expected one registration, got %d", reg.calls.Load())
	}
}

func TestMachineStartReportsUnavailableTransport(t *testing.T) {
	machine, err := NewMachine(Config{
		SelfDeviceID:  "self",
		DeviceName:    "Self",
		ListeningPort: 9999,
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, errors.New("no multicast")
		},
	})
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	defer machine.Close()

	if err := machine.Start(); !errors.Is(err, ErrDiscoveryUnavailable) {
		t.Fatalf("expected ErrDiscoveryUnavailable, got %v", err)
	}
	if machine.Phase() != PhaseIdle {
		t.Fatalf("expected IDLE after failed start, got %s", machine.Phase())
	}
}

func TestMachineKeepsAdvertisingUntilSignalingPathConfirmed(t *testing.T) {
	machine := newTestMachine(t, &registerCounter{})
	startAndWaitForPeer(t, machine)

	peer, err := machine.BeginConnect("peer-1")
	if err != nil {
		t.Fatalf("BeginConnect failed: %v", err)
	}
	if peer.DisplayName != "Bob" || peer.Port != 9998 {
		t.Fatalf("unexpected peer %+v", peer)
	}
	if machine.Phase() != PhaseConnecting {
		t.Fatalf("expected CONNECTING, got %s", machine.Phase())
	}
	if !machine.Advertising() {
		t.Fatalf("advertising must continue while connecting")
	}
	if machine.Scanning() {
		t.Fatalf("scanning must pause while connecting")
	}

	machine.ConfirmSignalingPath("other-peer")
	if machine.Phase() != PhaseConnecting {
		t.Fatalf("confirmation for another peer must be ignored")
	}

	machine.ConfirmSignalingPath("peer-1")
	machine.ConfirmSignalingPath("peer-1")
	if machine.Phase() != PhaseConnected {
		t.Fatalf("expected CONNECTED, got %s", machine.Phase())
	}
	if machine.Advertising() {
		t.Fatalf("advertising must stop once the signaling path is confirmed")
	}

	machine.Disconnect()
	if machine.advertStops != 1 {
		t.Fatalf("expected advertising to stop exactly once, got %d", machine.advertStops)
	}
	if machine.Phase() != PhaseIdle {
		t.Fatalf("expected IDLE after disconnect, got %s", machine.Phase())
	}
}

func TestMachineBeginConnectToVanishedPeer(t *testing.T) {
	machine := newTestMachine(t, &registerCounter{})
	startAndWaitForPeer(t, machine)

	_, err := machine.BeginConnect("gone")
	if !errors.Is(err, ErrPeerUnavailable) {
		t.Fatalf("expected ErrPeerUnavailable, got %v", err)
	}
	if machine.Phase() != PhaseActive {
		t.Fatalf("expected phase to stay ACTIVE, got %s", machine.Phase())
	}
	if !machine.Scanning() {
		t.Fatalf("scanning must continue after an unavailable peer")
	}
}

func TestMachineRejectsSecondConnect(t *testing.T) {
	machine := newTestMachine(t, &registerCounter{})
	startAndWaitForPeer(t, machine)

	if _, err := machine.BeginConnect("peer-1"); err != nil {
		t.Fatalf("BeginConnect failed: %v", err)
	}
	if _, err := machine.BeginConnect("peer-1"); !errors.Is(err, ErrConnectInProgress) {
		t.Fatalf("expected ErrConnectInProgress, got %v", err)
	}
	if err := machine.AcceptInbound("peer-2"); !errors.Is(err, ErrConnectInProgress) {
		t.Fatalf("expected inbound from another peer to be refused, got %v", err)
	}
	if err := machine.AcceptInbound("peer-1"); err != nil {
		t.Fatalf("inbound from the target peer should be accepted: %v", err)
	}
	if machine.Target() != "peer-1" || machine.Phase() != PhaseConnecting {
		t.Fatalf("state changed by rejected connect: %s %s", machine.Target(), machine.Phase())
	}
}

func TestMachineAbortConnectResumesScanningAndAdvertising(t *testing.T) {
	reg := &registerCounter{}
	machine := newTestMachine(t, reg)
	startAndWaitForPeer(t, machine)

	if _, err := machine.BeginConnect("peer-1"); err != nil {
		t.Fatalf("BeginConnect failed: %v", err)
	}
	machine.ConfirmSignalingPath("peer-1")
	machine.AbortConnect()

	if machine.Phase() != PhaseActive {
		t.Fatalf("expected ACTIVE, got %s", machine.Phase())
	}
	if !machine.Scanning() || !machine.Advertising() {
		t.Fatalf("expected both roles to resume")
	}
	if reg.calls.Load() != 2 {
		t.Fatalf("expected re-registration after abort, got %d", reg.calls.Load())
	}
}

func TestMachineAcceptInboundWithoutSighting(t *testing.T) {
	machine := newTestMachine(t, &registerCounter{})
	if err := machine.AcceptInbound("peer-9"); !errors.Is(err, ErrNotDiscovering) {
		t.Fatalf("expected ErrNotDiscovering while idle, got %v", err)
	}
	startAndWaitForPeer(t, machine)

	if err := machine.AcceptInbound("peer-9"); err != nil {
		t.Fatalf("AcceptInbound failed: %v", err)
	}
	if machine.Phase() != PhaseConnecting || machine.Target() != "peer-9" {
		t.Fatalf("unexpected state %s %s", machine.Phase(), machine.Target())
	}
	if !machine.Advertising() {
		t.Fatalf("advertising must continue while connecting")
	}
}

func TestMachineStopPurgesPeers(t *testing.T) {
	machine := newTestMachine(t, &registerCounter{})
	startAndWaitForPeer(t, machine)

	machine.Stop()

	if len(machine.Peers()) != 0 {
		t.Fatalf("expected empty peer list after stop")
	}
	if !waitForEvent(machine.Events(), EventPeerRemoved, "peer-1", time.Second) {
		t.Fatalf("expected removal event for purged peer")
	}

	startAndWaitForPeer(t, machine)
	if !waitForEvent(machine.Events(), EventPeerUpserted, "peer-1", time.Second) {
		t.Fatalf("expected events to keep flowing after restart")
	}
}
