package sentira

import (
	"encoding/json"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

func chunkFrag(id, conv, chunk string) *ChatResponseData {
	return &ChatResponseData{ID: id, ConversationID: conv, CurrentChunk: chunk, Status: StatusProcessing}
}

func doneFrag(id, conv string) *ChatResponseData {
	return &ChatResponseData{ID: id, ConversationID: conv, Status: StatusSuccess, Stage: StageComplete}
}

// ============================================================================
// Accumulation
// ============================================================================

func TestStreamAssemblerChunks(t *testing.T) {
	a := newStreamAssembler()

	r1 := a.ingest(chunkFrag("msg-1", "conv-1", "The host "))
	if r1.AccumulatedText != "The host " {
		t.Fatalf("unexpected text: %q", r1.AccumulatedText)
	}
	if r1.CurrentChunk != "The host " {
		t.Fatalf("unexpected chunk: %q", r1.CurrentChunk)
	}
	if r1.IsComplete {
		t.Fatal("processing fragment must not complete")
	}

	r2 := a.ingest(chunkFrag("msg-1", "conv-1", "was quarantined."))
	if r2.AccumulatedText != "The host was quarantined." {
		t.Fatalf("chunks not appended: %q", r2.AccumulatedText)
	}
	if r2.CurrentChunk != "was quarantined." {
		t.Fatalf("delta lost: %q", r2.CurrentChunk)
	}
	if r2.MessageID != "msg-1" || r2.ConversationID != "conv-1" {
		t.Fatalf("ids not latched: %+v", r2)
	}
}

func TestStreamAssemblerAccumulatedTextWins(t *testing.T) {
	a := newStreamAssembler()

	a.ingest(chunkFrag("msg-1", "conv-1", "local guess that drifted"))
	r := a.ingest(&ChatResponseData{ID: "msg-1", AccumulatedText: "server truth", Status: StatusProcessing})
	if r.AccumulatedText != "server truth" {
		t.Fatalf("server snapshot must replace, got %q", r.AccumulatedText)
	}

	// Shorter snapshots still win; the server is authoritative.
	r = a.ingest(&ChatResponseData{ID: "msg-1", AccumulatedText: "truth", Status: StatusProcessing})
	if r.AccumulatedText != "truth" {
		t.Fatalf("shorter snapshot must still replace, got %q", r.AccumulatedText)
	}
}

func TestStreamAssemblerContentSeedsEmpty(t *testing.T) {
	a := newStreamAssembler()

	t.Run("seeds empty accumulator", func(t *testing.T) {
		r := a.ingest(&ChatResponseData{ID: "msg-1", Content: "full answer", Status: StatusSuccess})
		if r.AccumulatedText != "full answer" {
			t.Fatalf("content did not seed: %q", r.AccumulatedText)
		}
		if !r.IsComplete {
			t.Fatal("expected complete")
		}
	})

	t.Run("never overwrites accumulated text", func(t *testing.T) {
		a.ingest(chunkFrag("msg-2", "conv-1", "streamed text"))
		r := a.ingest(&ChatResponseData{ID: "msg-2", Content: "summary echo", Status: StatusSuccess})
		if r.AccumulatedText != "streamed text" {
			t.Fatalf("content overwrote stream: %q", r.AccumulatedText)
		}
	})
}

// ============================================================================
// Completion
// ============================================================================

func TestStreamAssemblerCompletion(t *testing.T) {
	t.Run("status success completes", func(t *testing.T) {
		a := newStreamAssembler()
		a.ingest(chunkFrag("msg-1", "conv-1", "hello"))
		r := a.ingest(&ChatResponseData{ID: "msg-1", Status: StatusSuccess})
		if !r.IsComplete {
			t.Fatal("expected complete on status success")
		}
	})

	t.Run("stage complete completes", func(t *testing.T) {
		a := newStreamAssembler()
		a.ingest(chunkFrag("msg-1", "conv-1", "hello"))
		r := a.ingest(&ChatResponseData{ID: "msg-1", Stage: StageComplete})
		if !r.IsComplete {
			t.Fatal("expected complete on stage complete")
		}
	})

	t.Run("intermediate stages do not complete", func(t *testing.T) {
		a := newStreamAssembler()
		for _, stage := range []string{StageNLPProcessing, StageQueryBuilding, StageSIEMQuery} {
			r := a.ingest(&ChatResponseData{ID: "msg-1", Stage: stage, Status: StatusProcessing})
			if r.IsComplete {
				t.Fatalf("stage %s must not complete", stage)
			}
		}
	})

	t.Run("clarification needed is not completion", func(t *testing.T) {
		a := newStreamAssembler()
		a.ingest(chunkFrag("msg-1", "conv-1", "Which tenant "))
		r := a.ingest(&ChatResponseData{
			ID: "msg-1", ConversationID: "conv-1",
			Content: "Which tenant do you mean?", Status: StatusClarificationNeeded,
		})
		if r.IsComplete {
			t.Fatal("clarification must pass through as a non-terminal snapshot")
		}
		if r.Err != nil {
			t.Fatalf("clarification is not an error: %v", r.Err)
		}

		// The accumulator survives so the follow-up keeps streaming.
		r = a.ingest(chunkFrag("msg-1", "conv-1", "do you mean?"))
		if r.AccumulatedText != "Which tenant do you mean?" {
			t.Fatalf("accumulator lost across clarification: %q", r.AccumulatedText)
		}
	})

	t.Run("completion destroys accumulator", func(t *testing.T) {
		a := newStreamAssembler()
		a.ingest(chunkFrag("msg-1", "conv-1", "first reply"))
		a.ingest(doneFrag("msg-1", "conv-1"))

		r := a.ingest(chunkFrag("msg-1", "conv-1", "second reply"))
		if r.AccumulatedText != "second reply" {
			t.Fatalf("stale text bled into new stream: %q", r.AccumulatedText)
		}
	})

	t.Run("chunked round trip", func(t *testing.T) {
		a := newStreamAssembler()
		a.ingest(chunkFrag("msg-1", "conv-1", "Hel"))
		a.ingest(chunkFrag("msg-1", "conv-1", "lo"))
		r := a.ingest(&ChatResponseData{
			ID: "msg-1", ConversationID: "conv-1",
			AccumulatedText: "Hello world", Status: StatusSuccess,
		})

		if r.AccumulatedText != "Hello world" {
			t.Fatalf("terminal snapshot not authoritative: %q", r.AccumulatedText)
		}
		if !r.IsComplete {
			t.Fatal("expected complete")
		}

		// The key starts fresh afterwards.
		r = a.ingest(chunkFrag("msg-1", "conv-1", "next"))
		if r.AccumulatedText != "next" {
			t.Fatalf("accumulator not cleared: %q", r.AccumulatedText)
		}
	})
}

// ============================================================================
// Keying
// ============================================================================

func TestStreamAssemblerKeying(t *testing.T) {
	t.Run("interleaved streams stay isolated", func(t *testing.T) {
		a := newStreamAssembler()
		a.ingest(chunkFrag("msg-a", "conv-1", "alpha "))
		a.ingest(chunkFrag("msg-b", "conv-2", "beta "))
		ra := a.ingest(chunkFrag("msg-a", "conv-1", "one"))
		rb := a.ingest(chunkFrag("msg-b", "conv-2", "two"))

		if ra.AccumulatedText != "alpha one" {
			t.Fatalf("stream a corrupted: %q", ra.AccumulatedText)
		}
		if rb.AccumulatedText != "beta two" {
			t.Fatalf("stream b corrupted: %q", rb.AccumulatedText)
		}
	})

	t.Run("falls back to conversation id", func(t *testing.T) {
		a := newStreamAssembler()
		a.ingest(chunkFrag("", "conv-1", "no id "))
		r := a.ingest(chunkFrag("", "conv-1", "still grouped"))
		if r.AccumulatedText != "no id still grouped" {
			t.Fatalf("conversation keying broken: %q", r.AccumulatedText)
		}
	})
}

// ============================================================================
// Attachments and Metadata
// ============================================================================

func TestStreamAssemblerVisualPayloads(t *testing.T) {
	a := newStreamAssembler()

	a.ingest(&ChatResponseData{
		ID:            "msg-1",
		Status:        StatusProcessing,
		VisualPayload: &VisualPayload{Kind: "bar_chart", Title: "Events by source"},
	})
	r := a.ingest(&ChatResponseData{
		ID:            "msg-1",
		Status:        StatusProcessing,
		VisualPayload: &VisualPayload{Kind: "table", Title: "Raw events", Spec: json.RawMessage(`{"rows":10}`)},
	})

	if len(r.VisualPayloads) != 2 {
		t.Fatalf("expected 2 payloads, got %d", len(r.VisualPayloads))
	}
	if r.VisualPayloads[0].Kind != "bar_chart" || r.VisualPayloads[1].Kind != "table" {
		t.Fatalf("payload order lost: %+v", r.VisualPayloads)
	}
}

func TestStreamAssemblerMetadata(t *testing.T) {
	a := newStreamAssembler()

	a.ingest(&ChatResponseData{ID: "msg-1", Status: StatusProcessing, Metadata: map[string]any{"model": "v1"}})
	r := a.ingest(&ChatResponseData{ID: "msg-1", Status: StatusProcessing, Metadata: map[string]any{"model": "v2"}})
	if r.Metadata["model"] != "v2" {
		t.Fatalf("metadata not latched to latest: %v", r.Metadata)
	}

	r = a.ingest(&ChatResponseData{ID: "msg-1", Status: StatusSuccess})
	if r.Metadata["model"] != "v2" {
		t.Fatalf("metadata dropped on terminal fragment: %v", r.Metadata)
	}
}

func TestStreamAssemblerRole(t *testing.T) {
	a := newStreamAssembler()

	r := a.ingest(chunkFrag("msg-1", "conv-1", "hi"))
	if r.Role != "assistant" {
		t.Fatalf("expected default role assistant, got %q", r.Role)
	}

	a.ingest(&ChatResponseData{ID: "msg-2", Role: "system", CurrentChunk: "notice", Status: StatusProcessing})
	r = a.ingest(chunkFrag("msg-2", "", " text"))
	if r.Role != "system" {
		t.Fatalf("latched role lost: %q", r.Role)
	}
}

// ============================================================================
// Error Fragments
// ============================================================================

func TestStreamAssemblerErrorFragment(t *testing.T) {
	t.Run("error status tears down stream", func(t *testing.T) {
		a := newStreamAssembler()
		a.ingest(chunkFrag("msg-1", "conv-1", "partial "))
		r := a.ingest(&ChatResponseData{ID: "msg-1", Status: StatusError, Content: "SIEM query timed out"})

		if r.Err == nil {
			t.Fatal("expected Err on error fragment")
		}
		if r.Err.Message != "SIEM query timed out" {
			t.Fatalf("unexpected message: %q", r.Err.Message)
		}
		if r.Err.MessageID != "msg-1" || r.Err.ConversationID != "conv-1" {
			t.Fatalf("error not correlated: %+v", r.Err)
		}
		if r.AccumulatedText != "partial " {
			t.Fatalf("partial text lost from error snapshot: %q", r.AccumulatedText)
		}

		// Accumulator is gone; reusing the key starts fresh.
		r2 := a.ingest(chunkFrag("msg-1", "conv-1", "retry"))
		if r2.AccumulatedText != "retry" {
			t.Fatalf("stale text after error: %q", r2.AccumulatedText)
		}
	})

	t.Run("error stage also tears down", func(t *testing.T) {
		a := newStreamAssembler()
		r := a.ingest(&ChatResponseData{ID: "msg-1", Stage: StageError, CurrentChunk: "parse failure"})
		if r.Err == nil || r.Err.Message != "parse failure" {
			t.Fatalf("chunk not used as error message: %+v", r.Err)
		}
	})

	t.Run("fallback error message", func(t *testing.T) {
		a := newStreamAssembler()
		r := a.ingest(&ChatResponseData{ID: "msg-1", Status: StatusError})
		if r.Err == nil || r.Err.Message != "assistant stream failed" {
			t.Fatalf("expected fallback message, got: %+v", r.Err)
		}
	})
}

// ============================================================================
// Error Envelope Correlation
// ============================================================================

func TestStreamAssemblerTakeForError(t *testing.T) {
	t.Run("by message id", func(t *testing.T) {
		a := newStreamAssembler()
		a.ingest(chunkFrag("msg-1", "conv-1", "partial"))

		s, ok := a.takeForError("msg-1", "")
		if !ok {
			t.Fatal("expected match by message id")
		}
		if s.text != "partial" {
			t.Fatalf("wrong stream taken: %q", s.text)
		}
		if _, ok := a.takeForError("msg-1", ""); ok {
			t.Fatal("stream should be removed after take")
		}
	})

	t.Run("by conversation id scan", func(t *testing.T) {
		a := newStreamAssembler()
		a.ingest(chunkFrag("msg-1", "conv-1", "partial"))

		// Stream is keyed by message id; the error envelope only knows the
		// conversation.
		s, ok := a.takeForError("", "conv-1")
		if !ok {
			t.Fatal("expected match by conversation scan")
		}
		if s.messageID != "msg-1" {
			t.Fatalf("wrong stream taken: %+v", s)
		}
	})

	t.Run("no match", func(t *testing.T) {
		a := newStreamAssembler()
		a.ingest(chunkFrag("msg-1", "conv-1", "partial"))

		if _, ok := a.takeForError("msg-9", "conv-9"); ok {
			t.Fatal("expected no match")
		}
		if _, ok := a.takeForError("msg-1", ""); !ok {
			t.Fatal("unmatched take must not disturb other streams")
		}
	})
}

func TestStreamAssemblerReset(t *testing.T) {
	a := newStreamAssembler()
	a.ingest(chunkFrag("msg-1", "conv-1", "one"))
	a.ingest(chunkFrag("msg-2", "conv-2", "two"))

	a.reset()

	if _, ok := a.takeForError("msg-1", ""); ok {
		t.Fatal("reset did not clear streams")
	}
	r := a.ingest(chunkFrag("msg-2", "conv-2", "fresh"))
	if r.AccumulatedText != "fresh" {
		t.Fatalf("stale state after reset: %q", r.AccumulatedText)
	}
}

// ============================================================================
// Message Synthesis
// ============================================================================

func TestMessageFromStream(t *testing.T) {
	msg := messageFromStream(StreamingResponse{
		ConversationID:  "conv-1",
		MessageID:       "msg-1",
		Role:            "assistant",
		AccumulatedText: "final answer",
		VisualPayloads:  []VisualPayload{{Kind: "table"}},
		Metadata:        map[string]any{"model": "v2"},
		IsComplete:      true,
	})

	if msg.ID != "msg-1" || msg.ConversationID != "conv-1" {
		t.Fatalf("ids not carried: %+v", msg)
	}
	if msg.Content != "final answer" {
		t.Fatalf("unexpected content: %q", msg.Content)
	}
	if len(msg.VisualPayloads) != 1 {
		t.Fatalf("payloads not carried: %+v", msg.VisualPayloads)
	}
	if msg.CreatedAt == "" {
		t.Fatal("expected created_at timestamp")
	}
}
