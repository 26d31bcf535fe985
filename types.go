package sentira

import "encoding/json"

// ============================================================================
// Outbound Types
// ============================================================================

// ChatRequest is one analyst query for the assistant.
type ChatRequest struct {
	Query          string
	ConversationID string
	Context        map[string]any
}

// ============================================================================
// Inbound Wire Types
// ============================================================================

// ChatResponseData is one streamed fragment of an assistant reply, as sent
// by the server inside a chat_response envelope.
type ChatResponseData struct {
	ID              string         `json:"id,omitempty"`
	ConversationID  string         `json:"conversation_id,omitempty"`
	Role            string         `json:"role,omitempty"`
	Content         string         `json:"content,omitempty"`
	Status          string         `json:"status,omitempty"`
	Stage           string         `json:"stage,omitempty"`
	CurrentChunk    string         `json:"current_chunk,omitempty"`
	AccumulatedText string         `json:"accumulated_text,omitempty"`
	VisualPayload   *VisualPayload `json:"visual_payload,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// VisualPayload is a chart or table the assistant attaches to an answer.
// Spec is the renderer-specific body and is passed through untouched.
type VisualPayload struct {
	Kind  string          `json:"kind,omitempty"`
	Title string          `json:"title,omitempty"`
	Spec  json.RawMessage `json:"spec,omitempty"`
}

// Notification is a server-pushed alert outside any chat stream.
type Notification struct {
	ID        string         `json:"id,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Title     string         `json:"title,omitempty"`
	Message   string         `json:"message"`
	Category  string         `json:"category,omitempty"`
	CreatedAt string         `json:"created_at,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SystemUpdate reports backend component status changes.
type SystemUpdate struct {
	Component string         `json:"component,omitempty"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ErrorData is the payload of an error envelope.
type ErrorData struct {
	Code           string         `json:"code,omitempty"`
	Message        string         `json:"message"`
	ConversationID string         `json:"conversation_id,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// ============================================================================
// Normalized Types
// ============================================================================

// StreamingResponse is the normalized view of an assistant reply after the
// assembler folds in a fragment. AccumulatedText always holds the full text
// so far; CurrentChunk is only the delta carried by this fragment.
type StreamingResponse struct {
	ConversationID  string          `json:"conversationId,omitempty"`
	MessageID       string          `json:"messageId,omitempty"`
	Role            string          `json:"role"`
	AccumulatedText string          `json:"accumulatedText"`
	CurrentChunk    string          `json:"currentChunk,omitempty"`
	Stage           string          `json:"stage,omitempty"`
	Status          string          `json:"status,omitempty"`
	IsComplete      bool            `json:"isComplete"`
	VisualPayloads  []VisualPayload `json:"visualPayloads,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	Err             *ChatError      `json:"error,omitempty"`
}

// ChatMessage is a completed assistant reply, synthesized when a stream
// finishes, for consumers that only want final answers.
type ChatMessage struct {
	ID             string          `json:"id,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	VisualPayloads []VisualPayload `json:"visualPayloads,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      string          `json:"createdAt"`
}

// ============================================================================
// Errors
// ============================================================================

// ChatError is a failure scoped to a single assistant reply.
type ChatError struct {
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message"`
	Stage          string `json:"stage,omitempty"`
}

func (e ChatError) Error() string {
	if e.Code != "" {
		return "chat error " + e.Code + ": " + e.Message
	}
	return "chat error: " + e.Message
}

// ServerError is an error envelope that does not correlate with any active
// stream.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return "server error " + e.Code + ": " + e.Message
	}
	return "server error: " + e.Message
}
