package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ebullioscopic/WaterDrop/models"
	"github.com/Ebullioscopic/WaterDrop/orchestrator"
)

var (
	flagScanTimeout time.Duration
	flagKnownOnly   bool
)

var peersCmd = &cobra.Command{
	Use:     "peers",
	Aliases: []string{"p", "ls"},
	Short:   "List nearby devices",
	Long: `Browse the local network for WaterDrop devices and list them.

With --known, list every device recorded in past sessions instead of scanning.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagKnownOnly {
			return showKnownPeers()
		}
		return scanPeers(cmd.Context(), flagScanTimeout)
	},
}

func init() {
	peersCmd.Flags().DurationVarP(&flagScanTimeout, "timeout", "t", 5*time.Second, "how long to browse")
	peersCmd.Flags().BoolVar(&flagKnownOnly, "known", false, "list previously seen devices without scanning")
}

func scanPeers(ctx context.Context, timeout time.Duration) error {
	n, err := startNode(app.cfg, app.dataDir)
	if err != nil {
		return err
	}
	defer n.Close()

	// Sightings are read before browsing so that devices found now show as new.
	sightings, err := n.store.ListPeers()
	if err != nil {
		return err
	}
	known := make(map[string]models.PeerSighting, len(sightings))
	for _, s := range sightings {
		known[s.DeviceID] = s
	}

	if err := n.orch.StartDiscovery(); err != nil {
		return err
	}
	fmt.Printf("Browsing for %s...\n", timeout)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
scan:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			break scan
		case ev, ok := <-n.orch.Events():
			if !ok {
				return orchestrator.ErrClosed
			}
			if ev.Type == orchestrator.EventError && ev.Message != "" {
				fmt.Fprintln(os.Stderr, warnColor.Sprint("warning:"), ev.Message)
			}
		}
	}

	peers := n.machine.Peers()
	if len(peers) == 0 {
		fmt.Println(faintColor.Sprint("No devices found."))
		return nil
	}
	renderPeers(os.Stdout, peers, known, time.Now())
	return nil
}

func showKnownPeers() error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sightings, err := store.ListPeers()
	if err != nil {
		return err
	}
	if len(sightings) == 0 {
		fmt.Println(faintColor.Sprint("No devices recorded yet."))
		return nil
	}
	renderSightings(os.Stdout, sightings, time.Now())
	return nil
}
