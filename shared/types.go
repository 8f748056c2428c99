package shared

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket connection adapter. gorilla connections support one concurrent
// writer, so every write goes through the mutex.
type WSConnection struct {
	conn  *websocket.Conn
	mutex sync.Mutex
}

func NewWSConnection(conn *websocket.Conn) *WSConnection {
	return &WSConnection{conn: conn}
}

func (w *WSConnection) Close() error {
	return w.conn.Close()
}

func (w *WSConnection) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

// WriteMessage serializes msg as a single text frame.
func (w *WSConnection) WriteMessage(msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %v", err)
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// WriteClose sends a normal closure frame; errors are ignored because the peer
// may already be gone.
func (w *WSConnection) WriteClose() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// ReadMessage blocks for the next frame and decodes the envelope. Decode
// failures are protocol errors in the "decode" phase; anything else comes
// from the connection.
func (w *WSConnection) ReadMessage() (*Message, error) {
	_, payload, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return ParseMessage(payload)
}

// Message types for websocket communication
type MessageType string

const (
	// Prover to verifier messages
	MsgSessionInit   MessageType = "session_init"
	MsgRequestData   MessageType = "request_data"
	MsgRevealRequest MessageType = "reveal_request"

	// Verifier to prover messages
	MsgSessionReady       MessageType = "session_ready"
	MsgResponseData       MessageType = "response_data"
	MsgTranscriptComplete MessageType = "transcript_complete"
	MsgAttestation        MessageType = "attestation"

	// Either direction
	MsgError MessageType = "error"
)

// Message represents a protocol message with session context
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorData is the payload of MsgError.
type ErrorData struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// CreateMessage builds an envelope around data.
func CreateMessage(msgType MessageType, sessionID string, data interface{}) (*Message, error) {
	msg := &Message{
		Type:      msgType,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %v", msgType, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// CreateErrorMessage converts err into a MsgError envelope, keeping its kind.
func CreateErrorMessage(sessionID string, err error) *Message {
	kind := KindOf(err)
	if kind == "" {
		kind = KindProtocol
	}
	text := err.Error()
	if e, ok := err.(*Error); ok {
		text = e.Message
	}
	msg, _ := CreateMessage(MsgError, sessionID, ErrorData{Kind: kind, Message: text})
	return msg
}

// ParseMessage decodes a raw frame into an envelope
func ParseMessage(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, NewPhaseError(KindProtocol, "decode", "failed to parse message", err)
	}
	if msg.Type == "" {
		return nil, NewPhaseError(KindProtocol, "decode", "message has no type", nil)
	}
	return &msg, nil
}

// UnmarshalData unmarshals the Data field into the provided interface
func (m *Message) UnmarshalData(v interface{}) error {
	if m == nil {
		return fmt.Errorf("nil message")
	}
	if len(m.Data) == 0 {
		return fmt.Errorf("no data in message")
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %v", m.Type, err)
	}
	return nil
}

// AsError converts a MsgError envelope back into a tagged error.
func (m *Message) AsError() *Error {
	var data ErrorData
	if err := m.UnmarshalData(&data); err != nil {
		return NewProtocolError("", "undecodable error message", err)
	}
	if data.Kind == "" {
		data.Kind = KindProtocol
	}
	return &Error{Kind: data.Kind, Message: data.Message}
}
