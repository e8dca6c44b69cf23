package client

import (
	"encoding/json"
	"errors"
	"fmt"
)

// WebSocket close codes used by the chat endpoint. Normal closure, expired
// tokens, and forbidden rooms are terminal; everything else is retried.
const (
	CloseNormal       = 1000
	CloseTokenExpired = 4001
	CloseForbidden    = 4003
	CloseRoomNotFound = 4004
)

// ErrUnknownFrameType reports an inbound frame whose type discriminator is
// not part of the chat protocol.
var ErrUnknownFrameType = errors.New("unknown frame type")

// Message is the wire shape of a chat message.
//
// Pending is never set by the server: it marks a local optimistic send that
// has not been confirmed yet, and such messages carry a "temp-" id until the
// confirmed copy replaces them.
type Message struct {
	ID         string `json:"id"`
	RoomID     string `json:"room_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	IsRead     bool   `json:"is_read"`
	CreatedAt  string `json:"created_at"`
	Pending    bool   `json:"pending,omitempty"`
}

// InboundFrame is the sum of frame kinds the server sends.
type InboundFrame interface {
	isInboundFrame()
}

// HistoryFrame replaces the whole message log on (re)connect.
type HistoryFrame struct {
	Messages []Message
}

// MessageFrame delivers a single confirmed message.
type MessageFrame struct {
	Message Message
}

// TypingFrame reports another participant starting or stopping typing.
type TypingFrame struct {
	UserID   string
	Username string
	IsTyping bool
}

// ReadFrame marks one message as read.
type ReadFrame struct {
	MessageID string
}

// ReadBatchFrame marks several messages as read.
type ReadBatchFrame struct {
	MessageIDs []string
}

func (HistoryFrame) isInboundFrame()   {}
func (MessageFrame) isInboundFrame()   {}
func (TypingFrame) isInboundFrame()    {}
func (ReadFrame) isInboundFrame()      {}
func (ReadBatchFrame) isInboundFrame() {}

type inboundEnvelope struct {
	Type       string    `json:"type"`
	Messages   []Message `json:"messages"`
	Message    Message   `json:"message"`
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	IsTyping   bool      `json:"is_typing"`
	MessageID  string    `json:"message_id"`
	MessageIDs []string  `json:"message_ids"`
}

// DecodeInbound parses a server frame into its typed variant.
//
// Unknown discriminators return ErrUnknownFrameType so the caller can drop
// the frame without tearing down the connection.
func DecodeInbound(data []byte) (InboundFrame, error) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch envelope.Type {
	case "message_history":
		return HistoryFrame{Messages: envelope.Messages}, nil
	case "message":
		return MessageFrame{Message: envelope.Message}, nil
	case "typing":
		return TypingFrame{
			UserID:   envelope.UserID,
			Username: envelope.Username,
			IsTyping: envelope.IsTyping,
		}, nil
	case "read":
		return ReadFrame{MessageID: envelope.MessageID}, nil
	case "read_batch":
		return ReadBatchFrame{MessageIDs: envelope.MessageIDs}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, envelope.Type)
	}
}

type outboundMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type outboundTyping struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

type outboundRead struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

type outboundReadBatch struct {
	Type       string   `json:"type"`
	MessageIDs []string `json:"message_ids"`
}

// EncodeMessage builds an outbound message frame.
func EncodeMessage(content string) ([]byte, error) {
	return json.Marshal(outboundMessage{Type: "message", Content: content})
}

// EncodeTyping builds an outbound typing frame.
func EncodeTyping(isTyping bool) ([]byte, error) {
	return json.Marshal(outboundTyping{Type: "typing", IsTyping: isTyping})
}

// EncodeRead builds an outbound read receipt for one message.
func EncodeRead(messageID string) ([]byte, error) {
	return json.Marshal(outboundRead{Type: "read", MessageID: messageID})
}

// EncodeReadBatch builds an outbound read receipt for several messages.
func EncodeReadBatch(messageIDs []string) ([]byte, error) {
	return json.Marshal(outboundReadBatch{Type: "read_batch", MessageIDs: messageIDs})
}
