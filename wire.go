package sentira

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Envelope
// ============================================================================

// Envelope types carried on the assistant socket.
const (
	TypeChatMessage  = "chat_message"
	TypeChatResponse = "chat_response"
	TypeNotification = "notification"
	TypeSystemUpdate = "system_update"
	TypeError        = "error"
	TypePing         = "ping"
	TypePong         = "pong"
)

// Chat response statuses.
const (
	StatusProcessing          = "processing"
	StatusSuccess             = "success"
	StatusError               = "error"
	StatusClarificationNeeded = "clarification_needed"
)

// Chat response pipeline stages.
const (
	StageNLPProcessing = "nlp_processing"
	StageQueryBuilding = "query_building"
	StageSIEMQuery     = "siem_query"
	StageComplete      = "complete"
	StageError         = "error"
)

// Envelope is the wire format for every frame on the assistant socket.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
}

// chatMessageData is the outbound payload of a chat_message envelope.
type chatMessageData struct {
	Query          string         `json:"query"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Stream         bool           `json:"stream"`
}

// ============================================================================
// Codec
// ============================================================================

// DecodeError reports a frame that could not be decoded. It is local and
// recoverable: the frame is dropped and the connection stays up.
type DecodeError struct {
	Reason string
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("decode envelope: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// EncodeEnvelope marshals an envelope for the wire, stamping the timestamp
// if the caller left it empty.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("encode envelope: empty type")
	}
	if env.Timestamp == "" {
		env.Timestamp = wireTimestamp()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses one raw frame. Malformed JSON or a missing type
// yields a *DecodeError. An unrecognized type is NOT an error here; the
// router decides what to drop.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: "malformed frame", Cause: err}
	}
	if env.Type == "" {
		return nil, &DecodeError{Reason: "missing envelope type"}
	}
	return &env, nil
}

// newChatMessageEnvelope wraps an outbound query. Streaming is always
// requested; a server that cannot stream degrades to a single terminal
// fragment.
func newChatMessageEnvelope(req *ChatRequest, sessionID string) (*Envelope, error) {
	data, err := json.Marshal(chatMessageData{
		Query:          req.Query,
		ConversationID: req.ConversationID,
		Context:        req.Context,
		Stream:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat message: %w", err)
	}
	return &Envelope{
		Type:      TypeChatMessage,
		Data:      data,
		Timestamp: wireTimestamp(),
		SessionID: sessionID,
	}, nil
}

func newPingEnvelope(sessionID string) *Envelope {
	return &Envelope{
		Type:      TypePing,
		Timestamp: wireTimestamp(),
		SessionID: sessionID,
	}
}

func wireTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
