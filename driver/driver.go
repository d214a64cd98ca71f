// Package driver supervises a single torrent's download: tracker
// announce loops, peer admission, and a goroutine-per-peer worker pool
// that pulls pieces and reconstructs the output once complete.
// Grounded on the original GoRent Torrent.Download work-queue/result-
// channel pair, reshaped into a supervised goroutine pool with
// singleflight piece dedup in place of a shared channel.
package driver

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"gorent/peer"
	"gorent/torrent"
	"gorent/tracker"
)

// MaxPeers bounds how many peer worker goroutines run concurrently,
// rather than spawning one worker per tracker-returned address
// unconditionally.
const MaxPeers = 20

// announcePollInterval is how often the tracker-announce loop checks
// whether OkToAnnounce permits a new call. Polling rather than sleeping
// for the full interval lets Run's context cancellation take effect
// promptly.
const announcePollInterval = 5 * time.Second

// admissionPollInterval is how often the peer-admission loop scans the
// merged peer table for newly learned or reconnectable peers.
const admissionPollInterval = 2 * time.Second

// reconnectBackoffMin/Max bound a worker's retry delay after a failed
// connect. The reference client (original_source/pythorrent) has no
// backoff: it marks a failed peer CLOSED and re-opens it on its driver
// loop's next iteration.
const reconnectBackoffMin = 1 * time.Second
const reconnectBackoffMax = 30 * time.Second

// Driver owns one torrent's end-to-end download: announcing to every
// configured tracker, admitting peers up to MaxPeers, and running a
// worker per admitted peer until every piece is valid and the output is
// reconstructed.
type Driver struct {
	Torrent  *torrent.Torrent
	Log      *logrus.Logger
	SaveRoot string
	Port     uint16
	MaxPeers int

	group singleflight.Group
	bar   *progressbar.ProgressBar

	activeMu sync.Mutex
	active   map[string]bool
}

// New builds a Driver for t. log may be nil, in which case a default
// logger at info level is used.
func New(t *torrent.Torrent, saveRoot string, port uint16, log *logrus.Logger) *Driver {
	if log == nil {
		log = logrus.New()
	}
	return &Driver{
		Torrent:  t,
		Log:      log,
		SaveRoot: saveRoot,
		Port:     port,
		MaxPeers: MaxPeers,
		active:   make(map[string]bool),
	}
}

// Run announces to every configured tracker, admits peers, downloads
// every piece, and reconstructs the output files. It returns once the
// torrent is complete or the context is cancelled; peer worker goroutines
// are not waited for. No tracker or peer failure unwinds past Run: each is
// logged, and Run returns nil in both cases.
func (d *Driver) Run(ctx context.Context) error {
	d.bar = d.newProgressBar()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)
	for _, tr := range d.Torrent.Trackers {
		tr := tr
		group.Go(func() error {
			d.runAnnounceLoop(gctx, tr)
			return nil
		})
	}
	group.Go(func() error {
		d.runAdmissionLoop(gctx, cancel)
		return nil
	})

	err := group.Wait()
	if d.Torrent.Complete() {
		return nil
	}
	return err
}

func (d *Driver) newProgressBar() *progressbar.ProgressBar {
	if len(d.Torrent.PieceOrder) == 0 {
		return nil
	}
	bar := progressbar.NewOptions(len(d.Torrent.PieceOrder),
		progressbar.OptionSetDescription(d.Torrent.Name),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
	)
	for _, sha := range d.Torrent.PieceOrder {
		if p, ok := d.Torrent.Piece(sha); ok && p.Valid() {
			bar.Add(1)
		}
	}
	return bar
}

// runAnnounceLoop repeatedly announces to tr, registering every peer it
// returns in the torrent's merged peer table, until ctx is cancelled.
func (d *Driver) runAnnounceLoop(ctx context.Context, tr tracker.Tracker) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if tr.OkToAnnounce(time.Now()) {
			result, err := tr.Announce(ctx, d.Torrent.AnnounceRequest(d.Port))
			if err != nil {
				d.Log.WithError(err).Warn("tracker announce failed")
			} else {
				for _, endpoint := range result.Peers {
					d.Torrent.Peer(endpoint)
				}
				d.Log.WithField("peers", len(result.Peers)).Info("tracker announce succeeded")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(announcePollInterval):
		}
	}
}

// runAdmissionLoop scans the merged peer table for peers worth spawning a
// worker for, caps concurrently-running workers at d.MaxPeers, and stops
// everything (via cancel) once the torrent is complete.
func (d *Driver) runAdmissionLoop(ctx context.Context, cancel context.CancelFunc) {
	provider := d.pieceProvider()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if d.Torrent.Complete() {
			if err := d.Torrent.Reconstruct(d.SaveRoot); err != nil {
				d.Log.WithError(err).Error("failed to reconstruct completed torrent")
			} else {
				d.Log.Info("torrent complete, output reconstructed")
			}
			cancel()
			return
		}

		d.Torrent.RemoveClosedPeers()

		d.activeMu.Lock()
		runningCount := len(d.active)
		d.activeMu.Unlock()

		if runningCount < d.MaxPeers {
			for _, p := range d.Torrent.Peers() {
				if runningCount >= d.MaxPeers {
					break
				}
				key := p.Endpoint.String()

				d.activeMu.Lock()
				alreadyRunning := d.active[key]
				d.activeMu.Unlock()
				if alreadyRunning {
					continue
				}

				switch p.Status() {
				case peer.StatusNotStarted, peer.StatusClosed:
					d.activeMu.Lock()
					d.active[key] = true
					d.activeMu.Unlock()
					runningCount++
					go d.runPeerWorker(ctx, p, key, provider)
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(admissionPollInterval):
		}
	}
}

// runPeerWorker owns one peer's lifecycle: connect (with backoff across
// reconnect attempts), then loop acquiring pieces until the peer goes
// BAD, the torrent completes, or ctx is cancelled.
func (d *Driver) runPeerWorker(ctx context.Context, p *peer.Peer, key string, provider peer.LocalPieceProvider) {
	defer func() {
		d.activeMu.Lock()
		delete(d.active, key)
		d.activeMu.Unlock()
	}()

	if !d.connectWithBackoff(ctx, p) {
		return
	}
	defer p.Close()

	d.Log.WithField("peer", p.Endpoint.String()).Info("peer connected")

	// Announce that we won't choke this peer and what we already hold,
	// so it has a reason to request from us (serveRequest is otherwise
	// unreachable: a peer that believes it's choked will never request).
	if err := p.SendUnchoke(); err != nil {
		return
	}
	if err := p.SendBitfield(d.Torrent.LocalBitfield()); err != nil {
		return
	}

	d.runPieceLoop(ctx, p, provider)
}

func (d *Driver) connectWithBackoff(ctx context.Context, p *peer.Peer) bool {
	backoff := reconnectBackoffMin
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		err := p.Connect(d.Torrent.PeerID, d.Torrent.InfoHash)
		if err == nil {
			return true
		}
		if p.Status() == peer.StatusBad {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectBackoffMax {
			backoff = reconnectBackoffMax
		}
	}
}

// runPieceLoop repeatedly picks an invalid piece this peer advertises
// having, acquires it (deduped across peers via singleflight, keyed by
// the piece's sha so two peers never race to download the same piece),
// commits it, and broadcasts HAVE to every known peer in status OK
// (this peer included).
func (d *Driver) runPieceLoop(ctx context.Context, p *peer.Peer, provider peer.LocalPieceProvider) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if p.Status() == peer.StatusBad {
			return
		}
		if d.Torrent.Complete() {
			return
		}

		sha, index, found := d.pickPieceFor(p)
		if !found {
			// nothing this peer can give us right now; stay responsive to
			// its requests and haves instead of busy-looping.
			msg, err := p.Read()
			if err != nil {
				return
			}
			if err := p.HandleMessage(msg, provider); err != nil {
				d.Log.WithError(err).Debug("peer message handling failed")
			}
			continue
		}

		length := d.Torrent.PieceLengthFor(index)
		result, err, _ := d.group.Do(hex.EncodeToString(sha[:]), func() (interface{}, error) {
			return p.AcquirePiece(index, sha, length, provider)
		})
		if err != nil {
			d.Log.WithError(err).WithField("piece", index).Debug("piece acquisition failed")
			continue
		}

		data := result.([]byte)
		if err := d.Torrent.CommitPiece(sha, data, d.SaveRoot); err != nil {
			d.Log.WithError(err).WithField("piece", index).Warn("failed to commit piece")
			continue
		}
		if d.bar != nil {
			d.bar.Add(1)
		}
		fmt.Fprintln(color.Output, color.GreenString("piece %d complete (from %s)", index, p.Endpoint.String()))

		for _, other := range d.Torrent.Peers() {
			if other.Status() == peer.StatusOK {
				other.SendHave(index)
			}
		}
	}
}

// pickPieceFor chooses a random not-yet-valid piece that p advertises
// having, to spread requests across peers rather than always racing for
// piece 0 first.
func (d *Driver) pickPieceFor(p *peer.Peer) (sha [20]byte, index int, found bool) {
	invalid := d.Torrent.InvalidPieces()
	if len(invalid) == 0 {
		return sha, 0, false
	}
	order := rand.Perm(len(invalid))
	for _, i := range order {
		candidate := invalid[i]
		if p.HasPiece(candidate) {
			if piece, ok := d.Torrent.Piece(candidate); ok {
				return candidate, piece.Index, true
			}
		}
	}
	return sha, 0, false
}

// pieceProvider answers upload requests from the torrent's canonical
// piece store, never from a peer's own in-flight buffers.
func (d *Driver) pieceProvider() peer.LocalPieceProvider {
	return func(index int) ([]byte, bool) {
		p, ok := d.Torrent.PieceByIndex(index)
		if !ok || !p.Valid() {
			return nil, false
		}
		return p.Data, true
	}
}
