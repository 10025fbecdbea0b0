package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ebullioscopic/WaterDrop/models"
	"github.com/Ebullioscopic/WaterDrop/storage"
)

var (
	flagHistoryPeer      string
	flagHistoryDirection string
	flagHistoryLimit     int
	flagHistoryPruneDays int
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"h"},
	Short:   "List completed transfers",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return showHistory()
	},
}

func init() {
	flags := historyCmd.Flags()
	flags.StringVar(&flagHistoryPeer, "peer", "", "only transfers with this device id")
	flags.StringVar(&flagHistoryDirection, "direction", "", "only \"in\" or \"out\" transfers")
	flags.IntVar(&flagHistoryLimit, "limit", 20, "maximum rows to show (0 for all)")
	flags.IntVar(&flagHistoryPruneDays, "prune-days", 0, "first delete entries older than this many days")
}

func parseDirection(v string) (models.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return "", nil
	case "in", "inbound", "received":
		return models.DirectionInbound, nil
	case "out", "outbound", "sent":
		return models.DirectionOutbound, nil
	default:
		return "", fmt.Errorf("unknown direction %q, use in or out", v)
	}
}

func showHistory() error {
	direction, err := parseDirection(flagHistoryDirection)
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if flagHistoryPruneDays > 0 {
		cutoff := time.Now().Add(-time.Duration(flagHistoryPruneDays) * 24 * time.Hour)
		removed, err := store.PruneTransfers(cutoff.UnixMilli())
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d entr%s older than %d day(s).\n", removed, plural(removed, "y", "ies"), flagHistoryPruneDays)
	}

	items, err := store.ListTransfers(storage.TransferFilter{
		PeerID:    flagHistoryPeer,
		Direction: direction,
		Limit:     flagHistoryLimit,
	})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println(faintColor.Sprint("No transfers recorded yet."))
		return nil
	}
	renderHistory(os.Stdout, items)
	return nil
}

func openStore() (*storage.Store, error) {
	store, _, err := storage.Open(app.dataDir)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return store, nil
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
