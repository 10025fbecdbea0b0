package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Ebullioscopic/WaterDrop/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// TransferFilter narrows ListTransfers results.
type TransferFilter struct {
	PeerID    string
	Direction models.Direction
	Limit     int
	Offset    int
}

func validateDirection(direction models.Direction) error {
	switch direction {
	case models.DirectionOutbound, models.DirectionInbound:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func joinCapabilities(caps []string) string {
	clean := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c == "" || strings.Contains(c, ",") {
			continue
		}
		clean = append(clean, c)
	}
	return strings.Join(clean, ",")
}

func splitCapabilities(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func toUnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return nowUnixMilli()
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
