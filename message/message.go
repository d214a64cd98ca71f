// Package message implements the length-prefixed peer wire protocol
// message framing, the ten message type IDs, and the payload encodings
// of have, request/cancel and piece messages (spec.md §4.4).
package message

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ID identifies a peer wire protocol message type.
type ID uint8

const (
	MsgChoke         ID = 0
	MsgUnchoke       ID = 1
	MsgInterested    ID = 2
	MsgNotInterested ID = 3
	MsgHave          ID = 4
	MsgBitField      ID = 5
	MsgRequest       ID = 6
	MsgPiece         ID = 7
	MsgCancel        ID = 8
	MsgPort          ID = 9
)

func (id ID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not-interested"
	case MsgHave:
		return "have"
	case MsgBitField:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	case MsgPort:
		return "port"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a single post-handshake peer wire protocol message. A nil
// *Message represents a keep-alive: a bare zero length prefix with no
// type byte and no payload.
type Message struct {
	ID      ID
	Payload []byte
}

// Serialize encodes m as a length-prefixed wire frame. A nil receiver
// serializes to a zero-length keep-alive.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buffer := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buffer[0:4], length)
	buffer[4] = byte(m.ID)
	copy(buffer[5:], m.Payload)
	return buffer
}

// ReadMessage reads one length-prefixed frame from r. A zero-length frame
// (keep-alive) returns (nil, nil).
func ReadMessage(r io.Reader) (*Message, error) {
	lengthBuffer := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuffer); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuffer)

	if length == 0 {
		return nil, nil
	}

	messageBuffer := make([]byte, length)
	if _, err := io.ReadFull(r, messageBuffer); err != nil {
		return nil, err
	}
	return &Message{
		ID:      ID(messageBuffer[0]),
		Payload: messageBuffer[1:],
	}, nil
}

// FormatHave builds a have message announcing possession of piece index.
func FormatHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: MsgHave, Payload: payload}
}

// FormatRequest builds a request message for the block at
// [begin, begin+length) of piece index.
func FormatRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: MsgRequest, Payload: payload}
}

// FormatPiece builds a piece message carrying block at begin of piece
// index.
func FormatPiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: MsgPiece, Payload: payload}
}

// ParseHave extracts the piece index from a have message's payload.
func ParseHave(msg *Message) (int, error) {
	if msg.ID != MsgHave {
		return 0, fmt.Errorf("expected HAVE, got %s", msg.ID)
	}
	if len(msg.Payload) != 4 {
		return 0, fmt.Errorf("expected 4-byte have payload, got %d", len(msg.Payload))
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

// RequestPayload is the decoded <index, begin, length> triple shared by
// request and cancel messages.
type RequestPayload struct {
	Index, Begin, Length int
}

// ParseRequest decodes a request or cancel message's payload.
func ParseRequest(msg *Message) (RequestPayload, error) {
	if msg.ID != MsgRequest && msg.ID != MsgCancel {
		return RequestPayload{}, fmt.Errorf("expected REQUEST or CANCEL, got %s", msg.ID)
	}
	if len(msg.Payload) != 12 {
		return RequestPayload{}, fmt.Errorf("expected 12-byte request payload, got %d", len(msg.Payload))
	}
	return RequestPayload{
		Index:  int(binary.BigEndian.Uint32(msg.Payload[0:4])),
		Begin:  int(binary.BigEndian.Uint32(msg.Payload[4:8])),
		Length: int(binary.BigEndian.Uint32(msg.Payload[8:12])),
	}, nil
}

// PiecePayload is the decoded <index, begin, block> triple of a piece
// message.
type PiecePayload struct {
	Index, Begin int
	Block        []byte
}

// ParsePiece decodes a piece message's payload.
func ParsePiece(msg *Message) (PiecePayload, error) {
	if msg.ID != MsgPiece {
		return PiecePayload{}, fmt.Errorf("expected PIECE, got %s", msg.ID)
	}
	if len(msg.Payload) < 8 {
		return PiecePayload{}, fmt.Errorf("expected payload of at least 8 bytes, got %d", len(msg.Payload))
	}
	return PiecePayload{
		Index: int(binary.BigEndian.Uint32(msg.Payload[0:4])),
		Begin: int(binary.BigEndian.Uint32(msg.Payload[4:8])),
		Block: msg.Payload[8:],
	}, nil
}
