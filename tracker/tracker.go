// Package tracker implements the HTTP and UDP tracker announce protocols
// (spec.md §4.3): given a torrent's info-hash and this client's identity,
// an announce call returns a fresh peer list and a minimum re-announce
// interval.
package tracker

import (
	"context"
	"sync"
	"time"

	"gorent/peer"
)

// DefaultInterval is the re-announce interval assumed until a tracker's
// response overrides it, mirroring pythorrent's peer_stores.Tracker
// TRACKER_INTERVAL default of 1800 seconds.
const DefaultInterval = 1800 * time.Second

// AnnounceRequest carries the client-side state an announce call reports.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// AnnounceResult is a tracker's reply: a fresh peer list and the interval
// the client must wait before announcing again.
type AnnounceResult struct {
	Interval time.Duration
	Peers    []peer.Endpoint
}

// Tracker announces this client's progress to a tracker and receives
// candidate peers in return.
type Tracker interface {
	// Announce contacts the tracker if OkToAnnounce permits it, otherwise
	// returns the unchanged result of the prior call without making a
	// network request (spec.md §4.3's interval-gating invariant).
	Announce(ctx context.Context, req AnnounceRequest) (AnnounceResult, error)
	// OkToAnnounce reports whether enough time has passed since the last
	// successful announce for a new one to be permitted.
	OkToAnnounce(now time.Time) bool
}

// base implements the announce-scheduling bookkeeping shared by the HTTP
// and UDP tracker implementations: an announce is forbidden until
// interval has elapsed since lastRun, per pythorrent's Tracker.ok_to_announce.
type base struct {
	mu       sync.Mutex
	lastRun  time.Time
	interval time.Duration
	cached   AnnounceResult
}

func newBase() base {
	return base{interval: DefaultInterval}
}

func (b *base) OkToAnnounce(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRun.IsZero() || !now.Before(b.lastRun.Add(b.interval))
}

// recordRun stores the outcome of a successful announce and, if the
// tracker supplied its own interval, adopts it for future gating.
func (b *base) recordRun(now time.Time, result AnnounceResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastRun = now
	b.cached = result
	if result.Interval > 0 {
		b.interval = result.Interval
	}
}

func (b *base) cachedResult() AnnounceResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cached
}
