package tracker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseGatesAnnounceByInterval(t *testing.T) {
	b := newBase()
	b.interval = time.Minute
	now := time.Now()
	assert.True(t, b.OkToAnnounce(now))

	b.recordRun(now, AnnounceResult{Interval: time.Minute})
	assert.False(t, b.OkToAnnounce(now.Add(30*time.Second)))
	assert.True(t, b.OkToAnnounce(now.Add(time.Minute)))
}

func TestHTTPAnnounceParsesCompactPeers(t *testing.T) {
	// d8:intervali900e5:peers12:\x7f\x00\x00\x01\x1a\xe1\x0a\x00\x00\x02\x1a\xe2e
	body := "d8:intervali900e5:peers12:" + "\x7f\x00\x00\x01\x1a\xe1" + "\x0a\x00\x00\x02\x1a\xe2" + "e"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		w.Write([]byte(body))
	}))
	defer server.Close()

	tr, err := NewHTTP(server.URL)
	require.NoError(t, err)

	result, err := tr.Announce(context.Background(), AnnounceRequest{Port: 6881})
	require.NoError(t, err)
	assert.Equal(t, 900*time.Second, result.Interval)
	require.Len(t, result.Peers, 2)
	assert.Equal(t, "127.0.0.1", result.Peers[0].IP.String())
}

func TestHTTPAnnounceSurfacesFailureReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason11:bad requeste"))
	}))
	defer server.Close()

	tr, err := NewHTTP(server.URL)
	require.NoError(t, err)

	_, err = tr.Announce(context.Background(), AnnounceRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad request")
}

func TestHTTPAnnounceSkippedWhenNotDue(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("d8:intervali1800e5:peers0:e"))
	}))
	defer server.Close()

	tr, err := NewHTTP(server.URL)
	require.NoError(t, err)

	_, err = tr.Announce(context.Background(), AnnounceRequest{})
	require.NoError(t, err)
	_, err = tr.Announce(context.Background(), AnnounceRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestUDPConnectAndAnnounceRoundTrip(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1500)

		// connect request
		n, addr, err := pc.ReadFrom(buf)
		require.NoError(t, err)
		require.Equal(t, 16, n)
		txID := buf[12:16]

		connResp := make([]byte, 16)
		connResp[3] = 0 // action connect = 0
		copy(connResp[4:8], txID)
		connResp[15] = 42 // connection id low byte
		pc.WriteTo(connResp, addr)

		// announce request
		n, addr, err = pc.ReadFrom(buf)
		require.NoError(t, err)
		require.Equal(t, 98, n)
		annTxID := buf[12:16]

		peers := []byte{127, 0, 0, 1, 0x1A, 0xE1}
		annResp := make([]byte, 20+len(peers))
		annResp[3] = 1 // action announce = 1
		copy(annResp[4:8], annTxID)
		annResp[11] = 100 // interval = 100s
		copy(annResp[20:], peers)
		pc.WriteTo(annResp, addr)
	}()

	tr := &UDPTracker{base: newBase(), Addr: pc.LocalAddr().(*net.UDPAddr)}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := tr.Announce(ctx, AnnounceRequest{Port: 6881})
	require.NoError(t, err)
	assert.Equal(t, 100*time.Second, result.Interval)
	require.Len(t, result.Peers, 1)
	assert.Equal(t, "127.0.0.1", result.Peers[0].IP.String())

	<-done
}
