package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Ebullioscopic/WaterDrop/config"
	"github.com/Ebullioscopic/WaterDrop/discovery"
	"github.com/Ebullioscopic/WaterDrop/negotiator"
	"github.com/Ebullioscopic/WaterDrop/network"
	"github.com/Ebullioscopic/WaterDrop/orchestrator"
	"github.com/Ebullioscopic/WaterDrop/signaling"
	"github.com/Ebullioscopic/WaterDrop/storage"
	"github.com/Ebullioscopic/WaterDrop/transfer"
)

// node is one fully wired local device.
type node struct {
	cfg    *config.DeviceConfig
	logger *slog.Logger

	store   *storage.Store
	server  *network.Server
	machine *discovery.Machine
	channel *signaling.Channel
	engine  *transfer.Engine
	orch    *orchestrator.Orchestrator

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func startNode(cfg *config.DeviceConfig, dataDir string) (*node, error) {
	logger := slog.Default()
	n := &node{cfg: cfg, logger: logger}

	store, _, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	n.store = store

	if err := os.MkdirAll(cfg.DownloadDir, 0o700); err != nil {
		n.Close()
		return nil, fmt.Errorf("create download directory: %w", err)
	}

	netOpts := network.Options{
		LocalDeviceID:     cfg.DeviceID,
		ConnectionTimeout: time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
		Logger:            logger,
	}
	server, err := network.Listen(cfg.SignalAddress(), netOpts)
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("start signaling server: %w", err)
	}
	n.server = server

	machine, err := discovery.NewMachine(discovery.Config{
		SelfDeviceID:   cfg.DeviceID,
		DeviceName:     cfg.DeviceName,
		ListeningPort:  server.Port(),
		PeerStaleAfter: time.Duration(cfg.PeerStaleAfterSeconds) * time.Second,
		Logger:         logger,
	})
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("configure discovery: %w", err)
	}
	n.machine = machine

	n.channel = signaling.NewChannel(signaling.ChannelOptions{Logger: logger})

	engine, err := transfer.NewEngine(transfer.Options{
		ChunkSize:         cfg.ChunkSize,
		MaxConcurrent:     cfg.MaxConcurrentTransfers,
		DownloadDir:       cfg.DownloadDir,
		ChecksumAlgorithm: cfg.ChecksumAlgorithm,
		RequireChecksum:   cfg.RequireChecksum,
		Logger:            logger,
	})
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("configure transfer engine: %w", err)
	}
	n.engine = engine

	orch, err := orchestrator.New(orchestrator.Options{
		LocalID:     cfg.DeviceID,
		LocalName:   cfg.DeviceName,
		Discovery:   machine,
		Signaling:   n.channel,
		Dialer:      orchestrator.NetworkDialer{Options: netOpts},
		Negotiators: orchestrator.WebRTCNegotiators{
			Config: negotiator.Config{
				LocalID:          cfg.DeviceID,
				LocalName:        cfg.DeviceName,
				STUNServers:      cfg.STUNServers,
				HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutSeconds) * time.Second,
				Logger:           logger,
			},
			Engine: engine,
		},
		Engine:         engine,
		History:        store,
		ConnectTimeout: time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
		Logger:         logger,
	})
	if err != nil {
		n.Close()
		return nil, err
	}
	n.orch = orch

	n.wg.Add(2)
	go n.acceptLinks()
	go n.logServerErrors()

	logger.Info("node started",
		"device_id", cfg.DeviceID,
		"device_name", cfg.DeviceName,
		"signal_port", server.Port(),
		"download_dir", cfg.DownloadDir,
	)
	return n, nil
}

func (n *node) acceptLinks() {
	defer n.wg.Done()
	for link := range n.server.Incoming() {
		if err := n.orch.AcceptLink(link); err != nil {
			n.logger.Warn("inbound signaling link refused", "peer_id", link.PeerID(), "error", err)
		}
	}
}

func (n *node) logServerErrors() {
	defer n.wg.Done()
	for err := range n.server.Errors() {
		n.logger.Warn("signaling server error", "error", err)
	}
}

// Close tears down in dependency order. It is safe on a partially started node.
func (n *node) Close() {
	n.closeOnce.Do(func() {
		if n.orch != nil {
			_ = n.orch.Close()
		}
		if n.engine != nil {
			_ = n.engine.Close()
		}
		if n.channel != nil {
			n.channel.Close()
		}
		if n.machine != nil {
			n.machine.Close()
		}
		if n.server != nil {
			_ = n.server.Close()
		}
		n.wg.Wait()
		if n.store != nil {
			if err := n.store.Close(); err != nil {
				n.logger.Warn("history close error", "error", err)
			}
		}
	})
}
