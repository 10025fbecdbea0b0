package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/Ebullioscopic/WaterDrop/crypto"
	"github.com/Ebullioscopic/WaterDrop/discovery"
	"github.com/Ebullioscopic/WaterDrop/models"
	"github.com/Ebullioscopic/WaterDrop/orchestrator"
	"github.com/Ebullioscopic/WaterDrop/transfer"
)

var (
	okColor    = color.New(color.FgGreen, color.Bold)
	warnColor  = color.New(color.FgYellow)
	errColor   = color.New(color.FgRed, color.Bold)
	peerColor  = color.New(color.FgCyan)
	faintColor = color.New(color.Faint)
)

// errPeerNotFound is returned when no discovered peer matches a query.
var errPeerNotFound = errors.New("peer not found")

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func configureColor(disable bool) {
	if disable || !stdoutIsTerminal() {
		color.NoColor = true
	}
}

func printError(msg string) {
	fmt.Fprintln(os.Stderr, errColor.Sprint("error:"), msg)
}

func printState(w io.Writer, ev orchestrator.Event) {
	label := string(ev.State)
	switch ev.State {
	case orchestrator.StateConnected, orchestrator.StateTransferring:
		label = okColor.Sprint(label)
	case orchestrator.StateError:
		label = errColor.Sprint(label)
	case orchestrator.StateConnecting:
		label = warnColor.Sprint(label)
	}
	if ev.PeerID != "" {
		fmt.Fprintf(w, "%s %s\n", label, peerColor.Sprint(ev.PeerID))
		return
	}
	fmt.Fprintln(w, label)
}

func formatBytes(n int64) string {
	if n < 0 {
		return "unknown"
	}
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatAgo(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < 0:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("2006-01-02")
	}
}

// resolvePeer matches query against peer ids first, then display names.
func resolvePeer(peers []discovery.Peer, query string) (discovery.Peer, error) {
	query = strings.TrimSpace(query)
	for _, p := range peers {
		if p.ID == query {
			return p, nil
		}
	}
	var matches []discovery.Peer
	for _, p := range peers {
		if strings.EqualFold(p.DisplayName, query) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return discovery.Peer{}, fmt.Errorf("%w: %q", errPeerNotFound, query)
	case 1:
		return matches[0], nil
	default:
		return discovery.Peer{}, fmt.Errorf("%d peers are named %q, use the device id", len(matches), query)
	}
}

// renderPeers lists live peers. known holds sightings recorded before this
// scan started.
func renderPeers(w io.Writer, peers []discovery.Peer, known map[string]models.PeerSighting, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "Name", "Device ID", "Address", "Signal", "Previously seen"})
	for i, p := range peers {
		address := "-"
		if len(p.Addresses) > 0 {
			address = fmt.Sprintf("%s:%d", p.Addresses[0], p.Port)
		}
		previously := "new"
		if s, ok := known[p.ID]; ok {
			previously = formatAgo(s.LastSeen, now)
		}
		t.AppendRow(table.Row{i + 1, p.DisplayName, p.ID, address, p.SignalQuality, previously})
	}
	t.Render()
}

func renderSightings(w io.Writer, sightings []models.PeerSighting, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "Name", "Device ID", "Address", "Last seen"})
	for i, s := range sightings {
		address := "-"
		if s.Address != "" {
			address = fmt.Sprintf("%s:%d", s.Address, s.Port)
		}
		t.AppendRow(table.Row{i + 1, s.DeviceName, s.DeviceID, address, formatAgo(s.LastSeen, now)})
	}
	t.Render()
}

func renderHistory(w io.Writer, items []models.TransferItem) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Completed", "Direction", "Peer", "File", "Size", "Checksum"})
	for _, item := range items {
		peer := item.PeerName
		if peer == "" {
			peer = item.PeerID
		}
		t.AppendRow(table.Row{
			item.TimestampCompleted.Local().Format("2006-01-02 15:04"),
			item.Direction,
			peer,
			item.FileName,
			formatBytes(item.FileSizeBytes),
			crypto.FormatChecksum(item.Checksum),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "Total", len(items), ""})
	t.Render()
}

func renderFiles(w io.Writer, files []orchestrator.FileSource) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "File", "Size"})
	var total int64
	for i, f := range files {
		t.AppendRow(table.Row{i + 1, f.Name, formatBytes(f.Size)})
		total += f.Size
	}
	t.AppendFooter(table.Row{"", "Total", formatBytes(total)})
	t.Render()
}

// progressTracker draws one bar per session, or plain lines when stdout is
// not a terminal.
type progressTracker struct {
	out         io.Writer
	interactive bool
	bars        map[string]*progressbar.ProgressBar
}

func newProgressTracker(out io.Writer, interactive bool) *progressTracker {
	return &progressTracker{out: out, interactive: interactive, bars: make(map[string]*progressbar.ProgressBar)}
}

func (p *progressTracker) bar(ev orchestrator.Event) *progressbar.ProgressBar {
	if b, ok := p.bars[ev.SessionID]; ok {
		return b
	}
	arrow := "↑"
	if ev.Direction == transfer.DirectionInbound {
		arrow = "↓"
	}
	size := ev.Size
	if size <= 0 {
		size = -1
	}
	opts := []progressbar.Option{
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionSetDescription(arrow + " " + ev.FileName),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100 * time.Millisecond),
		progressbar.OptionSetVisibility(p.interactive),
	}
	if p.interactive {
		opts = append(opts, progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.out) }))
	}
	b := progressbar.NewOptions64(size, opts...)
	p.bars[ev.SessionID] = b
	return b
}

// Handle updates bars for session events and reports whether ev ended a
// session.
func (p *progressTracker) Handle(ev orchestrator.Event) bool {
	switch ev.Type {
	case orchestrator.EventProgress:
		_ = p.bar(ev).Set64(ev.Bytes)
		return false
	case orchestrator.EventCompleted:
		b := p.bar(ev)
		_ = b.Set64(ev.Bytes)
		_ = b.Finish()
		delete(p.bars, ev.SessionID)
		where := ""
		if ev.Path != "" {
			where = " -> " + ev.Path
		}
		fmt.Fprintf(p.out, "%s %s (%s)%s %s\n", okColor.Sprint("done"), ev.FileName, formatBytes(ev.Size), where,
			faintColor.Sprint(crypto.FormatChecksum(ev.Checksum)))
		return true
	case orchestrator.EventFailed, orchestrator.EventCancelled:
		if b, ok := p.bars[ev.SessionID]; ok {
			_ = b.Clear()
			delete(p.bars, ev.SessionID)
		}
		label := errColor.Sprint("failed")
		if ev.Type == orchestrator.EventCancelled {
			label = warnColor.Sprint("cancelled")
		}
		reason := ev.Reason
		if reason == "" {
			reason = string(ev.Type)
		}
		fmt.Fprintf(p.out, "%s %s: %s\n", label, ev.FileName, reason)
		return true
	}
	return false
}
