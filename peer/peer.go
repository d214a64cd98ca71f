// Package peer implements the per-peer connection state machine: TCP
// handshake, length-prefixed message framing, choke/interest tracking,
// bitfield/have tracking, and block-level piece request/reply exchange
// (spec.md §4.4).
package peer

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"gorent/helpers/bitfield"
	"gorent/message"
)

// BlockSize is the fixed block granularity requests and piece replies use.
const BlockSize = 1 << 14 // 16384

// ConnectTimeout bounds the initial TCP dial and handshake exchange.
const ConnectTimeout = 10 * time.Second

// IdleReadTimeout closes a peer connection that has gone silent for this
// long. The protocol itself has no per-message timeout (spec.md §5); this
// is the implementer-SHOULD guard the spec calls out.
const IdleReadTimeout = 120 * time.Second

// ProtocolID is the BitTorrent protocol string sent in every handshake.
const ProtocolID = "BitTorrent protocol"

// Status is a peer connection's place in the state machine of spec.md §4.4.
type Status int

const (
	StatusNotStarted Status = iota
	StatusOK
	StatusChoke
	StatusClosed
	StatusBad
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "NOT_STARTED"
	case StatusOK:
		return "OK"
	case StatusChoke:
		return "CHOKE"
	case StatusClosed:
		return "CLOSED"
	case StatusBad:
		return "BAD"
	default:
		return "UNKNOWN"
	}
}

// Endpoint is a remote peer's network address.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port)))
}

// Unmarshal decodes a tracker's compact peer list: 6 bytes per peer, a
// 4-byte big-endian IPv4 address followed by a 2-byte big-endian port.
func Unmarshal(peersBin []byte) ([]Endpoint, error) {
	const recordSize = 6
	if len(peersBin)%recordSize != 0 {
		return nil, fmt.Errorf("compact peer list length %d is not a multiple of %d", len(peersBin), recordSize)
	}
	endpoints := make([]Endpoint, len(peersBin)/recordSize)
	for i := range endpoints {
		offset := i * recordSize
		ip := make(net.IP, 4)
		copy(ip, peersBin[offset:offset+4])
		endpoints[i] = Endpoint{
			IP:   ip,
			Port: uint16(peersBin[offset+4])<<8 | uint16(peersBin[offset+5]),
		}
	}
	return endpoints, nil
}

// PieceRemote specializes a piece to one peer's perspective: whether that
// peer advertises having it, and (while it's the piece currently being
// acquired from this peer) the bytes received for it so far. It is owned
// by the Peer and never outlives it.
type PieceRemote struct {
	Index int
	Sha   [20]byte
	Have  bool
	Data  []byte
}

func (pr *PieceRemote) digest() [20]byte { return sha1.Sum(pr.Data) }

// Valid reports whether the accumulated data for this remote piece
// matches its expected sha.
func (pr *PieceRemote) Valid() bool { return pr.digest() == pr.Sha }

// insertBlock copies data into the piece buffer at begin, growing the
// buffer with zero-filled bytes if blocks arrive out of order.
func (pr *PieceRemote) insertBlock(begin int, data []byte) {
	end := begin + len(data)
	if end > len(pr.Data) {
		grown := make([]byte, end)
		copy(grown, pr.Data)
		pr.Data = grown
	}
	copy(pr.Data[begin:end], data)
}

// LocalPieceProvider answers upload requests: given a piece index, it
// returns that piece's full data and whether the piece is valid and
// servable. The peer engine never writes through this interface; only the
// driver's piece store is written to directly (spec.md §5: the _pieces
// directory is writable only by the driver, never by a Peer directly).
type LocalPieceProvider func(index int) (data []byte, ok bool)

// Peer owns one TCP connection to a remote endpoint and that connection's
// protocol state machine.
type Peer struct {
	Endpoint Endpoint

	mu           sync.Mutex
	status       Status
	reserved     [8]byte
	infoHashEcho [20]byte
	peerID       [20]byte
	pieces       map[[20]byte]*PieceRemote
	pieceOrder   [][20]byte // piece index -> sha, mirrors the torrent's piece order
	uploaded     int64

	conn net.Conn
}

// New creates a not-yet-connected Peer shadowing the given ordered list of
// piece hashes (the torrent's canonical piece order).
func New(endpoint Endpoint, pieceHashes [][20]byte) *Peer {
	p := &Peer{
		Endpoint:   endpoint,
		status:     StatusNotStarted,
		pieces:     make(map[[20]byte]*PieceRemote, len(pieceHashes)),
		pieceOrder: pieceHashes,
	}
	for i, sha := range pieceHashes {
		p.pieces[sha] = &PieceRemote{Index: i, Sha: sha}
	}
	return p
}

// Status returns the peer's current connection state.
func (p *Peer) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Peer) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// InfoHashEcho is the info-hash the peer echoed back during handshake.
func (p *Peer) InfoHashEcho() [20]byte { return p.infoHashEcho }

// PeerID is the 20-byte identifier the peer sent during handshake.
func (p *Peer) PeerID() [20]byte { return p.peerID }

// Uploaded is the running count of bytes sent to this peer.
func (p *Peer) Uploaded() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploaded
}

// HasPiece reports whether this peer is known to advertise the piece with
// the given sha.
func (p *Peer) HasPiece(sha [20]byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.pieces[sha]
	return ok && pr.Have
}

// Close transitions the peer to CLOSED and releases its socket. Safe to
// call more than once.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
	}
	if p.status != StatusBad {
		p.status = StatusClosed
	}
}

// bad transitions the peer to BAD (sticky: never reopened this process)
// and closes its socket.
func (p *Peer) bad() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.status = StatusBad
}

// Connect dials the peer, performs the handshake, and leaves the peer in
// status OK on success. On failure the peer is CLOSED (transport error)
// or BAD (protocol violation, e.g. wrong protocol id), per spec.md §4.4's
// state table.
func (p *Peer) Connect(peerID, infoHash [20]byte) error {
	conn, err := net.DialTimeout("tcp", p.Endpoint.String(), ConnectTimeout)
	if err != nil {
		p.setStatus(StatusClosed)
		return fmt.Errorf("dial %s: %w", p.Endpoint, err)
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	if err := p.handshake(peerID, infoHash); err != nil {
		return err
	}

	p.setStatus(StatusOK)
	return nil
}

func (p *Peer) handshake(peerID, infoHash [20]byte) error {
	p.conn.SetDeadline(time.Now().Add(ConnectTimeout))
	defer p.conn.SetDeadline(time.Time{})

	if _, err := p.conn.Write(serializeHandshake(infoHash, peerID)); err != nil {
		p.Close()
		return fmt.Errorf("send handshake: %w", err)
	}

	pstr, reserved, gotInfoHash, gotPeerID, err := readHandshake(p.conn)
	if err != nil {
		p.Close()
		return fmt.Errorf("read handshake: %w", err)
	}
	if pstr != ProtocolID {
		p.bad()
		return fmt.Errorf("peer speaks protocol %q, not %q", pstr, ProtocolID)
	}
	if !bytes.Equal(gotInfoHash[:], infoHash[:]) {
		p.bad()
		return fmt.Errorf("info-hash mismatch: expected %x got %x", infoHash, gotInfoHash)
	}

	p.mu.Lock()
	p.reserved = reserved
	p.infoHashEcho = gotInfoHash
	p.peerID = gotPeerID
	p.mu.Unlock()
	return nil
}

// SerializeHandshake builds the 68-byte handshake message a Torrent
// exposes to connecting peers: <1><"BitTorrent protocol"><8 zero bytes>
// <info_hash:20><peer_id:20> (spec.md §4.2).
func SerializeHandshake(infoHash, peerID [20]byte) []byte {
	return serializeHandshake(infoHash, peerID)
}

func serializeHandshake(infoHash, peerID [20]byte) []byte {
	buffer := make([]byte, len(ProtocolID)+49)
	cursor := 1
	buffer[0] = byte(len(ProtocolID))
	cursor += copy(buffer[cursor:], ProtocolID)
	cursor += copy(buffer[cursor:], make([]byte, 8))
	cursor += copy(buffer[cursor:], infoHash[:])
	copy(buffer[cursor:], peerID[:])
	return buffer
}

func readHandshake(r io.Reader) (pstr string, reserved [8]byte, infoHash [20]byte, peerID [20]byte, err error) {
	lengthBuffer := make([]byte, 1)
	if _, err = io.ReadFull(r, lengthBuffer); err != nil {
		return
	}
	pstrlen := int(lengthBuffer[0])
	rest := make([]byte, pstrlen+48)
	if _, err = io.ReadFull(r, rest); err != nil {
		return
	}
	pstr = string(rest[:pstrlen])
	cursor := pstrlen
	copy(reserved[:], rest[cursor:cursor+8])
	cursor += 8
	copy(infoHash[:], rest[cursor:cursor+20])
	cursor += 20
	copy(peerID[:], rest[cursor:cursor+20])
	return
}

// Read blocks for the next message frame, or (nil, nil) on a keep-alive.
func (p *Peer) Read() (*message.Message, error) {
	p.conn.SetReadDeadline(time.Now().Add(IdleReadTimeout))
	return message.ReadMessage(p.conn)
}

func (p *Peer) send(msg *message.Message) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	_, err := conn.Write(msg.Serialize())
	if err != nil {
		p.Close()
	}
	return err
}

func (p *Peer) SendInterested() error    { return p.send(&message.Message{ID: message.MsgInterested}) }
func (p *Peer) SendUnchoke() error       { return p.send(&message.Message{ID: message.MsgUnchoke}) }
func (p *Peer) SendHave(index int) error { return p.send(message.FormatHave(index)) }
func (p *Peer) SendBitfield(bf bitfield.Bitfield) error {
	return p.send(&message.Message{ID: message.MsgBitField, Payload: bf})
}
func (p *Peer) sendRequest(index, begin, length int) error {
	return p.send(message.FormatRequest(index, begin, length))
}

// HandleMessage applies one received message to this peer's state,
// serving upload requests from provider and updating choke/bitfield/have
// tracking. It does not itself drive piece acquisition loops; see
// AcquirePiece.
func (p *Peer) HandleMessage(msg *message.Message, provider LocalPieceProvider) error {
	if msg == nil {
		return nil // keep-alive
	}
	switch msg.ID {
	case message.MsgChoke:
		p.setStatus(StatusChoke)
	case message.MsgUnchoke:
		p.setStatus(StatusOK)
	case message.MsgInterested, message.MsgNotInterested:
		// no local interest bookkeeping: this client never declines uploads.
	case message.MsgHave:
		index, err := message.ParseHave(msg)
		if err != nil {
			return err
		}
		p.markHave(index)
	case message.MsgBitField:
		p.applyBitfield(bitfield.Bitfield(msg.Payload))
	case message.MsgRequest:
		return p.serveRequest(msg, provider)
	case message.MsgPiece:
		payload, err := message.ParsePiece(msg)
		if err != nil {
			return err
		}
		p.mu.Lock()
		if payload.Index >= 0 && payload.Index < len(p.pieceOrder) {
			pr := p.pieces[p.pieceOrder[payload.Index]]
			pr.insertBlock(payload.Begin, payload.Block)
		}
		p.mu.Unlock()
	case message.MsgCancel:
		// accepted and discarded: the core maintains no upload queue.
	case message.MsgPort:
		// DHT port announcement, ignored (DHT is out of scope).
	}
	return nil
}

func (p *Peer) markHave(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.pieceOrder) {
		return
	}
	p.pieces[p.pieceOrder[index]].Have = true
}

func (p *Peer) applyBitfield(bf bitfield.Bitfield) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, sha := range p.pieceOrder {
		if bf.CheckPiece(i) {
			p.pieces[sha].Have = true
		}
	}
}

// serveRequest answers a peer's request for a block of a local piece.
// A request for more than BlockSize bytes is a protocol violation: the
// peer is transitioned to BAD (spec.md §4.4).
func (p *Peer) serveRequest(msg *message.Message, provider LocalPieceProvider) error {
	req, err := message.ParseRequest(msg)
	if err != nil {
		return err
	}
	if req.Length > BlockSize {
		p.bad()
		return fmt.Errorf("peer requested %d bytes, exceeding block size %d", req.Length, BlockSize)
	}
	data, ok := provider(req.Index)
	if !ok || req.Begin+req.Length > len(data) {
		return nil // nothing to serve; not itself a protocol violation
	}
	block := data[req.Begin : req.Begin+req.Length]
	if err := p.send(message.FormatPiece(req.Index, req.Begin, block)); err != nil {
		return err
	}
	p.mu.Lock()
	p.uploaded += int64(len(block))
	p.mu.Unlock()
	return nil
}

// AcquirePiece downloads one piece from this peer: it sends interested,
// requests every block of the piece, then drains incoming messages
// (applying HandleMessage to each) until the remote piece's buffer is
// valid or as many block bytes as the piece holds have arrived. It
// returns the downloaded bytes, or an error if the connection
// fails or the completed buffer doesn't hash correctly (in which case the
// peer is marked BAD, per spec.md §4.4).
func (p *Peer) AcquirePiece(index int, sha [20]byte, length int, provider LocalPieceProvider) ([]byte, error) {
	p.mu.Lock()
	pr := p.pieces[sha]
	pr.Data = nil
	p.mu.Unlock()

	if err := p.SendInterested(); err != nil {
		return nil, err
	}

	for begin := 0; begin < length; begin += BlockSize {
		blockLen := BlockSize
		if length-begin < blockLen {
			blockLen = length - begin
		}
		if err := p.sendRequest(index, begin, blockLen); err != nil {
			return nil, err
		}
	}

	received := 0
	for {
		p.mu.Lock()
		done := pr.Valid() || received >= length
		p.mu.Unlock()
		if done {
			break
		}

		msg, err := p.Read()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("read while acquiring piece %d: %w", index, err)
		}
		if msg != nil && msg.ID == message.MsgPiece {
			if pp, err := message.ParsePiece(msg); err == nil && pp.Index == index {
				received += len(pp.Block)
			}
		}
		if msg != nil && msg.ID == message.MsgChoke {
			// a choking peer will not honor further requests; give up on
			// this attempt so the driver can retry elsewhere.
			p.setStatus(StatusChoke)
			return nil, fmt.Errorf("peer choked mid-acquisition for piece %d", index)
		}
		if err := p.HandleMessage(msg, provider); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	data := append([]byte(nil), pr.Data...)
	valid := pr.Valid()
	p.mu.Unlock()

	if !valid {
		p.bad()
		return nil, fmt.Errorf("piece %d failed integrity check from peer %s", index, p.Endpoint)
	}
	return data, nil
}
