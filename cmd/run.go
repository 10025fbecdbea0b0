package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ebullioscopic/WaterDrop/orchestrator"
	"github.com/Ebullioscopic/WaterDrop/watcher"
)

const (
	rediscoverDelay = time.Second
	errorRetryDelay = 5 * time.Second
)

var (
	flagWatchDir    string
	flagAutoConnect string
)

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"r", "receive"},
	Short:   "Stay discoverable and receive files",
	Long: `Advertise this device on the local network and accept incoming transfers
until interrupted. Received files are written to the download directory.

With --connect the device dials the named peer as soon as it is seen. With
--watch every file that appears in the directory is sent to the connected peer.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&flagWatchDir, "watch", "", "send files that appear in this directory")
	runCmd.Flags().StringVar(&flagAutoConnect, "connect", "", "connect to this peer id or name when it appears")
}

func runNode(ctx context.Context) error {
	n, err := startNode(app.cfg, app.dataDir)
	if err != nil {
		return err
	}
	defer n.Close()

	var (
		watched   <-chan string
		watchErrs <-chan error
	)
	if flagWatchDir != "" {
		w, err := watcher.New(ctx, flagWatchDir, watcher.Options{Logger: n.logger})
		if err != nil {
			return err
		}
		defer w.Close()
		watched, watchErrs = w.Files(), w.Errors()
	}

	fmt.Printf("%s is discoverable as %s\n", okColor.Sprint("WaterDrop"), peerColor.Sprint(app.cfg.DeviceName))
	fmt.Printf("Saving received files to %s\n", app.cfg.DownloadDir)
	if err := n.orch.StartDiscovery(); err != nil {
		fmt.Fprintln(os.Stderr, warnColor.Sprint("warning:"), err)
	}

	r := &runner{
		node:    n,
		tracker: newProgressTracker(os.Stdout, stdoutIsTerminal()),
		open:    make(map[string]*os.File),
		dialed:  make(chan error, 1),
	}
	defer func() {
		n.Close()
		r.closeAll()
	}()

	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			fmt.Println(faintColor.Sprint("Stopping..."))
			return nil

		case ev, ok := <-n.orch.Events():
			if !ok {
				return orchestrator.ErrClosed
			}
			switch ev.Type {
			case orchestrator.EventState:
				printState(os.Stdout, ev)
				switch ev.State {
				case orchestrator.StateDisconnected:
					retry = time.After(rediscoverDelay)
				case orchestrator.StateError:
					retry = time.After(errorRetryDelay)
				case orchestrator.StateConnected:
					r.flushQueue()
				}
			case orchestrator.EventPeers:
				r.maybeConnect(ctx, ev)
			case orchestrator.EventError:
				fmt.Fprintln(os.Stderr, warnColor.Sprint("warning:"), ev.Message)
			default:
				if r.tracker.Handle(ev) {
					r.release(ev.SessionID)
				}
			}

		case <-retry:
			retry = nil
			switch n.orch.State() {
			case orchestrator.StateDisconnected, orchestrator.StateError:
				if err := n.orch.StartDiscovery(); err != nil {
					retry = time.After(errorRetryDelay)
				}
			}

		case err := <-r.dialed:
			r.dialing = false
			if err != nil {
				fmt.Fprintln(os.Stderr, warnColor.Sprint("warning:"), err)
			}

		case path, ok := <-watched:
			if !ok {
				watched = nil
				continue
			}
			r.queue = append(r.queue, path)
			r.flushQueue()

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			n.logger.Warn("watch error", "dir", flagWatchDir, "error", err)
		}
	}
}

// runner holds the event loop's mutable state for runNode.
type runner struct {
	node    *node
	tracker *progressTracker

	open    map[string]*os.File
	queue   []string
	dialing bool
	dialed  chan error
}

// maybeConnect dials the --connect peer once it is visible and idle.
func (r *runner) maybeConnect(ctx context.Context, ev orchestrator.Event) {
	if flagAutoConnect == "" || r.dialing || r.node.orch.State() != orchestrator.StateDiscovering {
		return
	}
	peer, err := resolvePeer(ev.Peers, flagAutoConnect)
	if err != nil {
		if !errors.Is(err, errPeerNotFound) {
			fmt.Fprintln(os.Stderr, warnColor.Sprint("warning:"), err)
		}
		return
	}

	r.dialing = true
	timeout := time.Duration(app.cfg.ConnectTimeoutSeconds+app.cfg.HandshakeTimeoutSeconds) * time.Second
	go func() {
		connectCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := r.node.orch.Connect(connectCtx, peer.ID)
		if err != nil {
			err = fmt.Errorf("connect to %s: %w", peer.DisplayName, err)
		}
		r.dialed <- err
	}()
}

// flushQueue sends queued watched files once a data channel is up.
func (r *runner) flushQueue() {
	if len(r.queue) == 0 {
		return
	}
	switch r.node.orch.State() {
	case orchestrator.StateConnected, orchestrator.StateTransferring:
	default:
		fmt.Printf("%d file(s) waiting for a connection\n", len(r.queue))
		return
	}

	paths := r.queue
	r.queue = nil
	for _, path := range paths {
		sources, files, err := openSources([]string{path})
		if err != nil {
			// The file may have been moved away again before it settled.
			fmt.Fprintln(os.Stderr, warnColor.Sprint("skipped:"), err)
			continue
		}
		ids, err := r.node.orch.Transfer(sources)
		if err != nil {
			closeFiles(files)
			r.queue = append(r.queue, path)
			fmt.Fprintln(os.Stderr, warnColor.Sprint("warning:"), err)
			continue
		}
		fmt.Printf("Sending %s\n", sources[0].Name)
		r.open[ids[0]] = files[0]
	}
}

func (r *runner) release(sessionID string) {
	if f, ok := r.open[sessionID]; ok {
		_ = f.Close()
		delete(r.open, sessionID)
	}
}

func (r *runner) closeAll() {
	for id, f := range r.open {
		_ = f.Close()
		delete(r.open, id)
	}
}
