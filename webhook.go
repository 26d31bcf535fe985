package sentira

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Webhook Types
// ============================================================================

// Webhook event types delivered to registered endpoints.
const (
	WebhookEventNotification = "notification.created"
	WebhookEventSystemUpdate = "system.update"
)

// WebhookPayload is a Sentira event delivery (POST to a registered endpoint).
// Exactly one of Notification or SystemUpdate is set, matching Event.
type WebhookPayload struct {
	Source       string        `json:"source"`
	Event        string        `json:"event"`
	DeliveryID   string        `json:"delivery_id"`
	Timestamp    int64         `json:"timestamp"`
	Notification *Notification `json:"notification,omitempty"`
	SystemUpdate *SystemUpdate `json:"system_update,omitempty"`
}

// WebhookAck is an optional acknowledgement from a webhook handler, echoed
// back to Sentira in the HTTP response.
type WebhookAck struct {
	Acknowledged bool   `json:"acknowledged"`
	Note         string `json:"note,omitempty"`
}

// WebhookHandlerFunc is the callback signature for handling event deliveries.
type WebhookHandlerFunc func(payload *WebhookPayload) (*WebhookAck, error)

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a Sentira delivery signature using
// HMAC-SHA256. Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := signature
	if strings.HasPrefix(sig, "sha256=") {
		sig = sig[7:]
	}
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses a raw delivery body into a typed WebhookPayload.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != "sentira" {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	switch payload.Event {
	case WebhookEventNotification:
		if payload.Notification == nil {
			return nil, fmt.Errorf("missing notification payload for event %s", payload.Event)
		}
	case WebhookEventSystemUpdate:
		if payload.SystemUpdate == nil {
			return nil, fmt.Errorf("missing system_update payload for event %s", payload.Event)
		}
	case "":
		return nil, fmt.Errorf("missing event field in webhook payload")
	default:
		return nil, fmt.Errorf("unknown webhook event: %s", payload.Event)
	}

	return &payload, nil
}

// ============================================================================
// SentiraWebhook
// ============================================================================

// SentiraWebhook handles event delivery verification, parsing, and dispatch.
type SentiraWebhook struct {
	secret  string
	onEvent WebhookHandlerFunc
}

// NewSentiraWebhook creates a new webhook handler.
func NewSentiraWebhook(secret string, onEvent WebhookHandlerFunc) (*SentiraWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &SentiraWebhook{
		secret:  secret,
		onEvent: onEvent,
	}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *SentiraWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Parse parses a raw body into a typed WebhookPayload.
func (w *SentiraWebhook) Parse(body string) (*WebhookPayload, error) {
	return ParseWebhookPayload(body)
}

// Handle processes a delivery (verify + parse + call handler).
// Returns the status code and response body for the caller to write.
func (w *SentiraWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := w.Parse(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	ack, err := w.onEvent(payload)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}

	if ack != nil {
		return http.StatusOK, ack
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes deliveries.
//
// Example:
//
//	wh, _ := sentira.NewSentiraWebhook("secret", handler)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *SentiraWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		body := string(bodyBytes)
		signature := r.Header.Get("X-Sentira-Signature")

		statusCode, data := w.Handle(body, signature)

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *SentiraWebhook) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}
