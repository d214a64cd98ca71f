package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"gorent/peer"
)

// udpProtocolMagic is the fixed connection ID a connect request must
// carry, specified by BEP 15.
const udpProtocolMagic uint64 = 0x41727101980

const (
	udpActionConnect  uint32 = 0
	udpActionAnnounce uint32 = 1
	udpActionError    uint32 = 3
)

// udpQueryTimeout is the base per-attempt deadline; BEP 15 specifies
// exponential backoff (15s * 2^n) across up to 8 attempts, but this
// client treats a single timed-out round trip as a hard failure and
// leaves retry scheduling to the driver's outer loop.
const udpQueryTimeout = 15 * time.Second

// UDPTracker announces over the compact UDP protocol of BEP 15:
// connect, then announce, both correlated by a fresh transaction ID.
type UDPTracker struct {
	base
	Addr *net.UDPAddr
}

// NewUDP resolves rawURL (a udp:// tracker announce URL) into a ready
// UDPTracker.
func NewUDP(rawURL string) (*UDPTracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse tracker url %q: %w", rawURL, err)
	}
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("resolve udp tracker %q: %w", u.Host, err)
	}
	return &UDPTracker{base: newBase(), Addr: addr}, nil
}

// Announce performs the connect+announce round trip if OkToAnnounce
// permits it.
func (t *UDPTracker) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResult, error) {
	now := time.Now()
	if !t.OkToAnnounce(now) {
		return t.cachedResult(), nil
	}

	conn, err := net.DialUDP("udp", nil, t.Addr)
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("dial udp tracker %s: %w", t.Addr, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(udpQueryTimeout)
	}
	conn.SetDeadline(deadline)

	connID, err := udpConnect(conn)
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("udp connect to %s: %w", t.Addr, err)
	}

	result, err := udpAnnounce(conn, connID, req)
	if err != nil {
		return AnnounceResult{}, err
	}

	t.recordRun(now, result)
	return result, nil
}

func randomTransactionID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func udpConnect(conn *net.UDPConn) (uint64, error) {
	transactionID, err := randomTransactionID()
	if err != nil {
		return 0, err
	}

	request := make([]byte, 16)
	binary.BigEndian.PutUint64(request[0:8], udpProtocolMagic)
	binary.BigEndian.PutUint32(request[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(request[12:16], transactionID)

	if _, err := conn.Write(request); err != nil {
		return 0, err
	}

	response := make([]byte, 16)
	n, err := conn.Read(response)
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, fmt.Errorf("connect response too short: %d bytes", n)
	}

	action := binary.BigEndian.Uint32(response[0:4])
	if action == udpActionError {
		return 0, fmt.Errorf("tracker error: %s", response[8:n])
	}
	if action != udpActionConnect {
		return 0, fmt.Errorf("unexpected connect action %d", action)
	}
	if binary.BigEndian.Uint32(response[4:8]) != transactionID {
		return 0, errors.New("connect transaction id mismatch")
	}

	return binary.BigEndian.Uint64(response[8:16]), nil
}

func udpAnnounce(conn *net.UDPConn, connID uint64, req AnnounceRequest) (AnnounceResult, error) {
	transactionID, err := randomTransactionID()
	if err != nil {
		return AnnounceResult{}, err
	}
	key, err := randomTransactionID()
	if err != nil {
		return AnnounceResult{}, err
	}

	request := make([]byte, 98)
	binary.BigEndian.PutUint64(request[0:8], connID)
	binary.BigEndian.PutUint32(request[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(request[12:16], transactionID)
	copy(request[16:36], req.InfoHash[:])
	copy(request[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(request[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(request[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(request[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(request[80:84], 0) // event: none
	binary.BigEndian.PutUint32(request[84:88], 0) // IP address: default
	binary.BigEndian.PutUint32(request[88:92], key)
	binary.BigEndian.PutUint32(request[92:96], 0xFFFFFFFF) // num_want: all
	binary.BigEndian.PutUint16(request[96:98], req.Port)

	if _, err := conn.Write(request); err != nil {
		return AnnounceResult{}, err
	}

	response := make([]byte, 20+6*74) // room for a generous peer list
	n, err := conn.Read(response)
	if err != nil {
		return AnnounceResult{}, err
	}
	if n < 20 {
		return AnnounceResult{}, fmt.Errorf("announce response too short: %d bytes", n)
	}
	response = response[:n]

	action := binary.BigEndian.Uint32(response[0:4])
	if action == udpActionError {
		return AnnounceResult{}, fmt.Errorf("tracker error: %s", response[8:])
	}
	if action != udpActionAnnounce {
		return AnnounceResult{}, fmt.Errorf("unexpected announce action %d", action)
	}
	if binary.BigEndian.Uint32(response[4:8]) != transactionID {
		return AnnounceResult{}, errors.New("announce transaction id mismatch")
	}

	interval := time.Duration(binary.BigEndian.Uint32(response[8:12])) * time.Second
	if interval <= 0 {
		interval = DefaultInterval
	}

	endpoints, err := peer.Unmarshal(response[20:])
	if err != nil {
		return AnnounceResult{}, err
	}

	return AnnounceResult{Interval: interval, Peers: endpoints}, nil
}
