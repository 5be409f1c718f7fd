package discovery

import (
	"sort"
	"sync"
	"time"

	"netxend/models"
)

// PeerListSink is notified after every Peer Table mutation so a presentation
// layer can re-render. Implementations must not block.
type PeerListSink interface {
	OnPeerTableChanged()
}

// PeerListSinkFunc adapts a plain function to PeerListSink.
type PeerListSinkFunc func()

// OnPeerTableChanged calls f.
func (f PeerListSinkFunc) OnPeerTableChanged() {
	if f != nil {
		f()
	}
}

// PeerTable maps a peer IP address to its display name and last-seen time.
//
// There is no explicit removal: records older than the liveness threshold are
// evicted lazily by Snapshot, never by a background sweep, so a stale record
// stays in the table until the next Snapshot call.
type PeerTable struct {
	mu    sync.Mutex
	peers map[string]models.Peer

	sinkMu sync.RWMutex
	sink   PeerListSink
}

// NewPeerTable returns an empty table. sink may be nil.
func NewPeerTable(sink PeerListSink) *PeerTable {
	return &PeerTable{
		peers: make(map[string]models.Peer),
		sink:  sink,
	}
}

// SetSink replaces the change sink.
func (t *PeerTable) SetSink(sink PeerListSink) {
	t.sinkMu.Lock()
	t.sink = sink
	t.sinkMu.Unlock()
}

// Upsert inserts a record or refreshes the existing one for address.
// The latest display name and timestamp always win.
func (t *PeerTable) Upsert(address, displayName string, seenAt time.Time) {
	if address == "" {
		return
	}

	t.mu.Lock()
	t.peers[address] = models.Peer{
		Address:     address,
		DisplayName: displayName,
		LastSeen:    seenAt,
	}
	t.mu.Unlock()

	t.notify()
}

// Snapshot returns every record with now-LastSeen <= ttl, sorted by display
// name then address. Records with now-LastSeen > ttl are evicted as part of
// the call; the boundary age == ttl is still live. A non-positive ttl
// disables expiry.
func (t *PeerTable) Snapshot(now time.Time, ttl time.Duration) []models.Peer {
	t.mu.Lock()
	evicted := 0
	out := make([]models.Peer, 0, len(t.peers))
	for address, peer := range t.peers {
		if ttl > 0 && now.Sub(peer.LastSeen) > ttl {
			delete(t.peers, address)
			evicted++
			continue
		}
		out = append(out, peer)
	}
	t.mu.Unlock()

	if evicted > 0 {
		t.notify()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].Address < out[j].Address
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// Lookup returns the record for address without applying expiry.
func (t *PeerTable) Lookup(address string) (models.Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer, ok := t.peers[address]
	return peer, ok
}

// Len returns the number of stored records, stale ones included.
func (t *PeerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

func (t *PeerTable) notify() {
	t.sinkMu.RLock()
	sink := t.sink
	t.sinkMu.RUnlock()
	if sink != nil {
		sink.OnPeerTableChanged()
	}
}
