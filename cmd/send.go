package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ebullioscopic/WaterDrop/discovery"
	"github.com/Ebullioscopic/WaterDrop/orchestrator"
)

var flagFindTimeout time.Duration

var sendCmd = &cobra.Command{
	Use:     "send PEER FILE...",
	Aliases: []string{"s"},
	Short:   "Send files to a nearby device",
	Long: `Send files to a nearby device running "waterdrop run".

PEER is a device id or a display name as shown by "waterdrop peers".

Examples:
  waterdrop send "Kitchen Laptop" photo.jpg notes.pdf
  waterdrop send 6f1c2b7e-3f2a-4c11-9d7e-0a5b2c9e1f00 backup.tar`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendFiles(cmd.Context(), args[0], args[1:])
	},
}

func init() {
	sendCmd.Flags().DurationVar(&flagFindTimeout, "timeout", 15*time.Second, "how long to look for the peer")
}

func sendFiles(ctx context.Context, peerQuery string, paths []string) error {
	sources, files, err := openSources(paths)
	if err != nil {
		return err
	}
	defer closeFiles(files)

	fmt.Println()
	renderFiles(os.Stdout, sources)

	n, err := startNode(app.cfg, app.dataDir)
	if err != nil {
		return err
	}
	defer n.Close()

	if err := n.orch.StartDiscovery(); err != nil {
		return err
	}

	peer, err := waitForPeer(ctx, n.orch, n.machine.Peers(), peerQuery, flagFindTimeout)
	if err != nil {
		return err
	}
	fmt.Printf("Connecting to %s...\n", peerColor.Sprint(peer.DisplayName))

	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(app.cfg.ConnectTimeoutSeconds+app.cfg.HandshakeTimeoutSeconds)*time.Second)
	defer cancel()
	if err := n.orch.Connect(connectCtx, peer.ID); err != nil {
		return fmt.Errorf("connect to %s: %w", peer.DisplayName, err)
	}

	ids, err := n.orch.Transfer(sources)
	if err != nil {
		return err
	}
	return followSessions(ctx, n.orch, ids)
}

// waitForPeer returns the first peer matching query, checking the current
// list first and then every peers event until timeout.
func waitForPeer(ctx context.Context, orch *orchestrator.Orchestrator, current []discovery.Peer, query string, timeout time.Duration) (discovery.Peer, error) {
	if p, err := resolvePeer(current, query); err == nil {
		return p, nil
	}

	fmt.Printf("Looking for %s...\n", peerColor.Sprint(query))
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return discovery.Peer{}, ctx.Err()
		case <-deadline.C:
			return discovery.Peer{}, fmt.Errorf("%w within %s: %q", errPeerNotFound, timeout, query)
		case ev, ok := <-orch.Events():
			if !ok {
				return discovery.Peer{}, orchestrator.ErrClosed
			}
			switch ev.Type {
			case orchestrator.EventPeers:
				p, err := resolvePeer(ev.Peers, query)
				if err == nil {
					return p, nil
				}
				if !errors.Is(err, errPeerNotFound) {
					return discovery.Peer{}, err
				}
			case orchestrator.EventError:
				if ev.Message != "" {
					fmt.Fprintln(os.Stderr, warnColor.Sprint("warning:"), ev.Message)
				}
			}
		}
	}
}

// followSessions draws progress until every id has ended.
func followSessions(ctx context.Context, orch *orchestrator.Orchestrator, ids []string) error {
	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}
	tracker := newProgressTracker(os.Stdout, stdoutIsTerminal())
	failed := 0

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			for id := range pending {
				_ = orch.Cancel(id)
			}
			return ctx.Err()
		case ev, ok := <-orch.Events():
			if !ok {
				return orchestrator.ErrClosed
			}
			switch ev.Type {
			case orchestrator.EventState:
				// Events queued before Connect returned may still report
				// DISCOVERING; only the live state counts.
				if !isConnected(ev.State) && !isConnected(orch.State()) {
					return fmt.Errorf("connection lost with %d transfer(s) unfinished", len(pending))
				}
			case orchestrator.EventError:
				fmt.Fprintln(os.Stderr, warnColor.Sprint("warning:"), ev.Message)
			default:
				if !pending[ev.SessionID] {
					continue
				}
				if tracker.Handle(ev) {
					delete(pending, ev.SessionID)
					if ev.Type != orchestrator.EventCompleted {
						failed++
					}
				}
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d transfer(s) did not complete", failed, len(ids))
	}
	fmt.Println(okColor.Sprint("All transfers complete."))
	return nil
}

func isConnected(state orchestrator.State) bool {
	return state == orchestrator.StateConnected || state == orchestrator.StateTransferring
}
