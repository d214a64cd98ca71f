package torrent

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleFileMetainfo(t *testing.T, data []byte, pieceLength int) []byte {
	t.Helper()
	var piecesBuf bytes.Buffer
	for i := 0; i < len(data); i += pieceLength {
		end := i + pieceLength
		if end > len(data) {
			end = len(data)
		}
		sum := sha1.Sum(data[i:end])
		piecesBuf.Write(sum[:])
	}
	info := "d6:lengthi" + strconv.Itoa(len(data)) + "e4:name8:test.bin12:piece lengthi" + strconv.Itoa(pieceLength) + "e6:pieces" +
		strconv.Itoa(piecesBuf.Len()) + ":" + piecesBuf.String() + "e"
	return []byte("d8:announce20:http://tracker.test/4:info" + info + "e")
}

func TestLoadSingleFileTorrent(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 100)
	raw := singleFileMetainfo(t, data, 40)

	tr, err := Load(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "test.bin", tr.Name)
	assert.EqualValues(t, 100, tr.TotalLength)
	require.Len(t, tr.Files, 1)
	assert.Equal(t, "test.bin", tr.Files[0].Path)
	assert.EqualValues(t, 100, tr.Files[0].Length)
	require.Len(t, tr.PieceOrder, 3)
	assert.Equal(t, []string{"http://tracker.test/"}, tr.AnnounceURLs)
	assert.True(t, strings.HasPrefix(string(tr.PeerID[:8]), peerIDPrefix))
}

func TestInfoHashIsSHA1OfRawInfoBytes(t *testing.T) {
	data := bytes.Repeat([]byte("y"), 40)
	raw := singleFileMetainfo(t, data, 40)
	tr, err := Load(bytes.NewReader(raw))
	require.NoError(t, err)

	infoStart := strings.Index(string(raw), "4:info") + len("4:info")
	expected := sha1.Sum(raw[infoStart : len(raw)-1])
	assert.Equal(t, expected, tr.InfoHash)
}

func TestHandshakeBytesShape(t *testing.T) {
	data := bytes.Repeat([]byte("z"), 40)
	raw := singleFileMetainfo(t, data, 40)
	tr, err := Load(bytes.NewReader(raw))
	require.NoError(t, err)

	hs := tr.HandshakeBytes()
	require.Len(t, hs, 68)
	assert.Equal(t, byte(19), hs[0])
	assert.Equal(t, "BitTorrent protocol", string(hs[1:20]))
}

func TestDownloadedCompleteAndReconstruct(t *testing.T) {
	data := []byte("hello world, this is piece data!") // 32 bytes
	raw := singleFileMetainfo(t, data, 16)
	tr, err := Load(bytes.NewReader(raw))
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, tr.PreloadPieceCache(dir))
	assert.False(t, tr.Complete())

	for i, sha := range tr.PieceOrder {
		begin, end := tr.pieceBounds(i)
		require.NoError(t, tr.CommitPiece(sha, data[begin:end], dir))
	}

	assert.True(t, tr.Complete())
	assert.EqualValues(t, len(data), tr.Downloaded())
	assert.EqualValues(t, 0, tr.Remaining())

	require.NoError(t, tr.Reconstruct(dir))
	out, err := os.ReadFile(filepath.Join(dir, "test.bin", "test.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestSaveDirectoryRejectsEscape(t *testing.T) {
	tr := &Torrent{Name: "../evil"}
	_, err := tr.SaveDirectory(t.TempDir())
	assert.Error(t, err)
}
