package sentira

import (
	"sync"
	"time"
)

// ============================================================================
// Stream Assembler
// ============================================================================

// inflightStream accumulates fragments for one assistant reply.
type inflightStream struct {
	messageID      string
	conversationID string
	role           string
	text           string
	visuals        []VisualPayload
	metadata       map[string]any
}

func (s *inflightStream) roleOrAssistant() string {
	if s.role != "" {
		return s.role
	}
	return "assistant"
}

func (s *inflightStream) visualsCopy() []VisualPayload {
	if len(s.visuals) == 0 {
		return nil
	}
	return append([]VisualPayload(nil), s.visuals...)
}

// streamAssembler reassembles chat_response fragments into ordered normalized
// snapshots. Accumulators are keyed by the server-issued message id, falling
// back to the conversation id when the backend omits one; distinct keys never
// share state.
type streamAssembler struct {
	mu      sync.Mutex
	streams map[string]*inflightStream
}

func newStreamAssembler() *streamAssembler {
	return &streamAssembler{streams: make(map[string]*inflightStream)}
}

func streamKey(frag *ChatResponseData) string {
	if frag.ID != "" {
		return frag.ID
	}
	return frag.ConversationID
}

// ingest folds one fragment into its accumulator and returns the normalized
// snapshot. Completion (status "success" or stage "complete") destroys the
// accumulator; the next fragment with the same key starts fresh. A fragment
// carrying an error status also destroys the accumulator and returns a
// snapshot with Err set instead of a normal delta.
func (a *streamAssembler) ingest(frag *ChatResponseData) StreamingResponse {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := streamKey(frag)
	s, ok := a.streams[key]
	if !ok {
		s = &inflightStream{}
		a.streams[key] = s
	}
	if frag.ID != "" {
		s.messageID = frag.ID
	}
	if frag.ConversationID != "" {
		s.conversationID = frag.ConversationID
	}
	if frag.Role != "" {
		s.role = frag.Role
	}

	if frag.Status == StatusError || frag.Stage == StageError {
		delete(a.streams, key)
		msg := frag.Content
		if msg == "" {
			msg = frag.CurrentChunk
		}
		if msg == "" {
			msg = "assistant stream failed"
		}
		return StreamingResponse{
			ConversationID:  s.conversationID,
			MessageID:       s.messageID,
			Role:            s.roleOrAssistant(),
			AccumulatedText: s.text,
			Stage:           frag.Stage,
			Status:          frag.Status,
			VisualPayloads:  s.visualsCopy(),
			Metadata:        s.metadata,
			Err: &ChatError{
				ConversationID: s.conversationID,
				MessageID:      s.messageID,
				Message:        msg,
				Stage:          frag.Stage,
			},
		}
	}

	if frag.Metadata != nil {
		s.metadata = frag.Metadata
	}
	if frag.VisualPayload != nil {
		s.visuals = append(s.visuals, *frag.VisualPayload)
	}

	// A server-side snapshot is authoritative; chunks only append. A bare
	// content field seeds an empty reply so terminal-only payloads still
	// yield a message body.
	switch {
	case frag.AccumulatedText != "":
		s.text = frag.AccumulatedText
	case frag.CurrentChunk != "":
		s.text += frag.CurrentChunk
	case frag.Content != "" && s.text == "":
		s.text = frag.Content
	}

	complete := frag.Status == StatusSuccess || frag.Stage == StageComplete
	resp := StreamingResponse{
		ConversationID:  s.conversationID,
		MessageID:       s.messageID,
		Role:            s.roleOrAssistant(),
		AccumulatedText: s.text,
		CurrentChunk:    frag.CurrentChunk,
		Stage:           frag.Stage,
		Status:          frag.Status,
		IsComplete:      complete,
		VisualPayloads:  s.visualsCopy(),
		Metadata:        s.metadata,
	}
	if complete {
		delete(a.streams, key)
	}
	return resp
}

// takeForError removes the accumulator matching an error envelope, if any.
// Server message ids win over conversation ids; a conversation id also
// matches a stream that was keyed by message id.
func (a *streamAssembler) takeForError(messageID, conversationID string) (*inflightStream, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if messageID != "" {
		if s, ok := a.streams[messageID]; ok {
			delete(a.streams, messageID)
			return s, true
		}
	}
	if conversationID != "" {
		if s, ok := a.streams[conversationID]; ok {
			delete(a.streams, conversationID)
			return s, true
		}
		for key, s := range a.streams {
			if s.conversationID == conversationID {
				delete(a.streams, key)
				return s, true
			}
		}
	}
	return nil, false
}

// reset drops every in-flight accumulator. Called whenever the socket goes
// away: the server does not resume half-delivered replies on a new
// connection, so the stale state must not bleed into the next one.
func (a *streamAssembler) reset() {
	a.mu.Lock()
	a.streams = make(map[string]*inflightStream)
	a.mu.Unlock()
}

// messageFromStream converts a completed snapshot into a discrete message.
func messageFromStream(r StreamingResponse) ChatMessage {
	return ChatMessage{
		ID:             r.MessageID,
		ConversationID: r.ConversationID,
		Role:           r.Role,
		Content:        r.AccumulatedText,
		VisualPayloads: r.VisualPayloads,
		Metadata:       r.Metadata,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
	}
}
