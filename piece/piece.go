// Package piece implements the fixed-size, SHA-1-verified chunks a
// torrent is divided into, and their disk persistence under a
// "_pieces" cache directory (spec.md §3, §4.2).
package piece

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
)

// CacheDirName is the subdirectory, under a torrent's save directory,
// that holds one file per verified piece, named by hex-encoded SHA-1.
const CacheDirName = "_pieces"

// Piece is a value object holding a piece's expected digest and the bytes
// accumulated for it so far. data may be shorter than the piece length
// (still downloading), the wrong length for the digest to match, or
// exactly right and valid.
type Piece struct {
	Index int
	Sha   [20]byte
	Data  []byte
}

// New creates an empty piece for the given index and expected digest.
func New(index int, sha [20]byte) *Piece {
	return &Piece{Index: index, Sha: sha}
}

// Digest is the SHA-1 of the piece's current data, whatever state it's in.
func (p *Piece) Digest() [20]byte {
	return sha1.Sum(p.Data)
}

// Valid reports whether the accumulated data hashes to the expected sha.
func (p *Piece) Valid() bool {
	return p.Digest() == p.Sha
}

// Size is the number of bytes currently held for this piece.
func (p *Piece) Size() int {
	return len(p.Data)
}

// Clear empties the piece's buffer, e.g. after an on-disk copy failed
// integrity verification and must be re-downloaded.
func (p *Piece) Clear() {
	p.Data = nil
}

// InsertBlock writes data into the piece's buffer at begin, zero-filling
// any gap if the buffer isn't yet long enough to reach begin. Blocks may
// arrive out of order; overlapping writes are undefined but never corrupt
// memory (the buffer always grows to fit).
func (p *Piece) InsertBlock(begin int, data []byte) {
	end := begin + len(data)
	if end > len(p.Data) {
		grown := make([]byte, end)
		copy(grown, p.Data)
		p.Data = grown
	}
	copy(p.Data[begin:end], data)
}

// FileName is the name this piece is persisted under: its hex digest.
func (p *Piece) FileName() string {
	return hex.EncodeToString(p.Sha[:])
}

// Path returns the on-disk path for this piece under cacheDir.
func (p *Piece) Path(cacheDir string) string {
	return filepath.Join(cacheDir, p.FileName())
}

// Save persists a valid piece's data to cacheDir. Callers must only call
// this once Valid() is true (spec.md §3's persisted-piece invariant).
func (p *Piece) Save(cacheDir string) error {
	return os.WriteFile(p.Path(cacheDir), p.Data, 0o644)
}

// Load reads a piece's cached file back into memory if present, returning
// (false, nil) if the cache file does not exist. A cache file that exists
// but hashes incorrectly is treated as corrupt: the piece is cleared and
// (false, nil) is returned so the caller re-downloads it, mirroring
// pythorrent's Torrent.pieces loader.
func (p *Piece) Load(cacheDir string) (bool, error) {
	data, err := os.ReadFile(p.Path(cacheDir))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p.Data = data
	if !p.Valid() {
		p.Clear()
		return false, nil
	}
	return true, nil
}
