package ui

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"netxend/crypto"
	"netxend/models"
)

// DefaultProgressInterval throttles repeated progress lines for one file.
const DefaultProgressInterval = 500 * time.Millisecond

var percentSuffix = regexp.MustCompile(`\s*\(\d+(\.\d+)?%\)$`)

// SnapshotFunc returns the live peers to render.
type SnapshotFunc func() []models.Peer

type progressLine struct {
	percent float64
	at      time.Time
}

// Console renders transfer status and the peer list as plain text lines.
// It is safe for concurrent use by every transfer and discovery goroutine.
type Console struct {
	out      io.Writer
	snapshot SnapshotFunc
	interval time.Duration
	now      func() time.Time

	mu         sync.Mutex
	progress   map[string]progressLine
	lastRender string
	rendering  bool
	dirty      bool
}

// NewConsole writes to out. snapshot may be nil when no peer list is shown.
func NewConsole(out io.Writer, snapshot SnapshotFunc) *Console {
	return &Console{
		out:      out,
		snapshot: snapshot,
		interval: DefaultProgressInterval,
		now:      time.Now,
		progress: make(map[string]progressLine),
	}
}

// ReportProgress prints status text. Per-chunk lines of the form
// "Receiving: name (12.5%)" are throttled per file; final status and error
// lines are always printed.
func (c *Console) ReportProgress(percent float64, message string) {
	key := percentSuffix.ReplaceAllString(message, "")

	c.mu.Lock()
	defer c.mu.Unlock()

	if key == message {
		c.clearSubject(message)
		fmt.Fprintln(c.out, message)
		return
	}

	now := c.now()
	last, seen := c.progress[key]
	if seen && percent < 100 && now.Sub(last.at) < c.interval {
		return
	}
	c.progress[key] = progressLine{percent: percent, at: now}
	fmt.Fprintln(c.out, message)
}

// clearSubject drops throttle state for the file a final status or error line
// names, as in "Received: a.txt" or "Error receiving file: a.txt: reason".
func (c *Console) clearSubject(message string) {
	_, rest, ok := strings.Cut(message, ": ")
	if !ok {
		return
	}
	for key := range c.progress {
		_, name, _ := strings.Cut(key, ": ")
		if rest == name || strings.HasPrefix(rest, name+": ") {
			delete(c.progress, key)
		}
	}
}

// OnPeerTableChanged re-renders the peer list when its visible content changed.
// Only one goroutine renders at a time; notifications that arrive meanwhile,
// including ones raised by the snapshot itself, trigger one more pass.
func (c *Console) OnPeerTableChanged() {
	if c.snapshot == nil {
		return
	}

	c.mu.Lock()
	if c.rendering {
		c.dirty = true
		c.mu.Unlock()
		return
	}
	c.rendering = true
	c.mu.Unlock()

	for {
		rendered := RenderPeers(c.snapshot())

		c.mu.Lock()
		if rendered != c.lastRender {
			c.lastRender = rendered
			fmt.Fprint(c.out, rendered)
		}
		if !c.dirty {
			c.rendering = false
			c.mu.Unlock()
			return
		}
		c.dirty = false
		c.mu.Unlock()
	}
}

// RenderPeers formats one "name (ip)" line per peer.
func RenderPeers(peers []models.Peer) string {
	var b strings.Builder
	b.WriteString("Peers:\n")
	if len(peers) == 0 {
		b.WriteString("  (none)\n")
		return b.String()
	}
	for _, peer := range peers {
		b.WriteString("  ")
		b.WriteString(peer.Label())
		b.WriteString("\n")
	}
	return b.String()
}

// RenderTransfers formats transfer history rows, newest first as given.
func RenderTransfers(transfers []models.Transfer) string {
	if len(transfers) == 0 {
		return "No transfers recorded.\n"
	}
	var b strings.Builder
	for _, t := range transfers {
		fmt.Fprintf(&b, "%s  %-7s  %-10s  %-15s  %s  %d/%d bytes",
			t.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			t.Direction,
			t.Status,
			t.PeerAddress,
			t.FileName,
			t.BytesTransferred,
			t.FileSize,
		)
		if t.Digest != "" {
			fmt.Fprintf(&b, "  [%s]", crypto.FormatFingerprint(crypto.ShortDigest(t.Digest)))
		}
		if t.Error != "" {
			fmt.Fprintf(&b, "  (%s)", t.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}
