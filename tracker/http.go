package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"gorent/bencode"
	"gorent/peer"
)

// HTTPTracker announces over plain HTTP GET, following BEP 3: a compact
// peer list keyed "peers", optional "failure reason", optional "interval"
// override. Grounded on the original GoRent torrent.go buildTrackerURL /
// RequestPeers pair, generalized into the Tracker contract.
type HTTPTracker struct {
	base
	AnnounceURL *url.URL
	client      *http.Client
	key         string
}

// NewHTTP parses rawURL and builds an HTTP tracker client. It generates a
// random tracker-session key that is included on every announce (BEP 3's
// optional "key" parameter, letting a tracker recognize the same client
// across a NATted or dynamic IP).
func NewHTTP(rawURL string) (*HTTPTracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse tracker url %q: %w", rawURL, err)
	}
	return &HTTPTracker{
		base:        newBase(),
		AnnounceURL: u,
		client: &http.Client{
			Timeout: 30 * time.Second,
			// Trackers are never expected to redirect an announce; a
			// redirect response is treated as a tracker error rather than
			// silently followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		key: uuid.NewString()[:8],
	}, nil
}

// Announce performs an HTTP GET announce if OkToAnnounce permits it.
func (t *HTTPTracker) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResult, error) {
	now := time.Now()
	if !t.OkToAnnounce(now) {
		return t.cachedResult(), nil
	}

	announceURL := t.buildAnnounceURL(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL, nil)
	if err != nil {
		return AnnounceResult{}, err
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("announce to %s: %w", t.AnnounceURL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AnnounceResult{}, fmt.Errorf("tracker %s returned status %s", t.AnnounceURL.Host, resp.Status)
	}

	value, err := bencode.DecodeReader(resp.Body)
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("decode tracker response: %w", err)
	}

	result, err := parseHTTPResponse(value)
	if err != nil {
		return AnnounceResult{}, err
	}

	t.recordRun(now, result)
	return result, nil
}

func (t *HTTPTracker) buildAnnounceURL(req AnnounceRequest) string {
	params := url.Values{
		"info_hash":  []string{string(req.InfoHash[:])},
		"peer_id":    []string{string(req.PeerID[:])},
		"port":       []string{strconv.Itoa(int(req.Port))},
		"uploaded":   []string{strconv.FormatInt(req.Uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(req.Downloaded, 10)},
		"left":       []string{strconv.FormatInt(req.Left, 10)},
		"compact":    []string{"1"},
		"key":        []string{t.key},
	}
	result := *t.AnnounceURL
	result.RawQuery = params.Encode()
	return result.String()
}

func parseHTTPResponse(value *bencode.Value) (AnnounceResult, error) {
	if value.Kind != bencode.KindDict {
		return AnnounceResult{}, errors.New("tracker response is not a dictionary")
	}
	if reason, ok := value.GetString("failure reason"); ok {
		return AnnounceResult{}, fmt.Errorf("tracker failure: %s", reason)
	}

	result := AnnounceResult{Interval: DefaultInterval}
	if seconds, ok := value.GetInt("interval"); ok && seconds > 0 {
		result.Interval = time.Duration(seconds) * time.Second
	}

	compact, ok := value.GetString("peers")
	if !ok {
		return AnnounceResult{}, errors.New("tracker response missing peers")
	}
	endpoints, err := peer.Unmarshal(compact)
	if err != nil {
		return AnnounceResult{}, err
	}
	result.Peers = endpoints
	return result, nil
}
