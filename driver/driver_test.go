package driver

import (
	"bytes"
	"crypto/sha1"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorent/peer"
	"gorent/torrent"
)

// buildTestTorrent hand-builds a minimal valid single-file metainfo
// dictionary and loads it, the same way torrent's own tests do, so the
// returned Torrent has a real, populated piece map.
func buildTestTorrent(t *testing.T, numPieces int) *torrent.Torrent {
	t.Helper()
	const pieceLength = 4
	data := bytes.Repeat([]byte{0x42}, pieceLength*numPieces)

	var piecesBuf bytes.Buffer
	for i := 0; i < len(data); i += pieceLength {
		sum := sha1.Sum(data[i : i+pieceLength])
		piecesBuf.Write(sum[:])
	}
	info := "d6:lengthi" + strconv.Itoa(len(data)) + "e4:name8:test.bin12:piece lengthi" +
		strconv.Itoa(pieceLength) + "e6:pieces" + strconv.Itoa(piecesBuf.Len()) + ":" + piecesBuf.String() + "e"
	raw := []byte("d8:announce20:http://tracker.test/4:info" + info + "e")

	tr, err := torrent.Load(bytes.NewReader(raw))
	require.NoError(t, err)
	return tr
}

func TestPickPieceForOnlyReturnsPiecesPeerAdvertises(t *testing.T) {
	tr := buildTestTorrent(t, 3)
	d := New(tr, t.TempDir(), 6881, nil)

	p := peer.New(peer.Endpoint{}, tr.PieceOrder)

	_, index, found := d.pickPieceFor(p)
	assert.False(t, found, "a peer advertising nothing should yield no pickable piece")
	assert.Equal(t, 0, index)
}

func TestPickPieceForSkipsValidPieces(t *testing.T) {
	tr := buildTestTorrent(t, 1)
	d := New(tr, t.TempDir(), 6881, nil)

	p := peer.New(peer.Endpoint{}, tr.PieceOrder)
	require.NoError(t, p.HandleMessage(nil, nil)) // sanity: keep-alive is a no-op

	cacheDir := t.TempDir()
	require.NoError(t, tr.PreloadPieceCache(cacheDir))
	piece, ok := tr.PieceByIndex(0)
	require.True(t, ok)
	require.NoError(t, tr.CommitPiece(tr.PieceOrder[0], bytes.Repeat([]byte{0x42}, 4), cacheDir))
	assert.True(t, piece.Valid())

	_, _, found := d.pickPieceFor(p)
	assert.False(t, found, "the only piece is already valid, nothing left to pick")
}

func TestNewProgressBarMaxIsPieceCount(t *testing.T) {
	tr := buildTestTorrent(t, 2)
	d := New(tr, t.TempDir(), 6881, nil)

	bar := d.newProgressBar()
	require.NotNil(t, bar)
	assert.EqualValues(t, 2, bar.GetMax())
}
