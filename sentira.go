// Package sentira is the Go SDK for the Sentira security-analytics
// assistant. It provides a streaming chat transport over a persistent
// WebSocket: queries go out as single frames, replies come back as ordered
// fragment streams that the SDK reassembles into normalized responses.
//
// Basic usage:
//
//	t := sentira.NewChatTransport(sentira.DefaultBaseURL, token)
//	t.OnChatStream(func(r sentira.StreamingResponse) {
//		fmt.Print(r.CurrentChunk)
//	})
//	t.OnChatComplete(func(r sentira.StreamingResponse) {
//		fmt.Println()
//	})
//	if err := t.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer t.Disconnect()
//	t.Send(ctx, &sentira.ChatRequest{Query: "show failed logins for the last hour"})
//
// The transport reconnects automatically after socket loss with bounded
// exponential backoff; progress is reported through OnReconnecting,
// OnConnected and OnDisconnected.
package sentira

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// Version is the SDK version, sent as the User-Agent on the WebSocket
	// handshake.
	Version = "0.3.0"

	// DefaultBaseURL is the production Sentira backend.
	DefaultBaseURL = "https://sentira.cloud"
)

// ============================================================================
// Transport Options
// ============================================================================

type transportConfig struct {
	autoReconnect        bool
	maxReconnectAttempts int
	reconnectDelay       time.Duration
	reconnectMaxDelay    time.Duration
	heartbeatInterval    time.Duration
	httpClient           *http.Client
	logger               zerolog.Logger
}

func defaultTransportConfig() *transportConfig {
	return &transportConfig{
		autoReconnect:        true,
		maxReconnectAttempts: 5,
		reconnectDelay:       3 * time.Second,
		reconnectMaxDelay:    30 * time.Second,
		heartbeatInterval:    30 * time.Second,
		httpClient:           http.DefaultClient,
		logger:               zerolog.Nop(),
	}
}

// normalize maps invalid option values back to defaults.
func (c *transportConfig) normalize() {
	if c.maxReconnectAttempts <= 0 {
		c.maxReconnectAttempts = 5
	}
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = 3 * time.Second
	}
	if c.reconnectMaxDelay <= 0 {
		c.reconnectMaxDelay = 30 * time.Second
	}
	if c.heartbeatInterval <= 0 {
		c.heartbeatInterval = 30 * time.Second
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
}

// TransportOption configures a ChatTransport.
type TransportOption func(*transportConfig)

// WithAutoReconnect toggles automatic reconnection after socket loss.
// Enabled by default; disabled, any socket loss is terminal.
func WithAutoReconnect(enabled bool) TransportOption {
	return func(c *transportConfig) { c.autoReconnect = enabled }
}

// WithMaxReconnectAttempts sets how many consecutive failed attempts are
// made before the transport gives up (default 5).
func WithMaxReconnectAttempts(n int) TransportOption {
	return func(c *transportConfig) { c.maxReconnectAttempts = n }
}

// WithReconnectDelay sets the backoff base delay (default 3s).
func WithReconnectDelay(d time.Duration) TransportOption {
	return func(c *transportConfig) { c.reconnectDelay = d }
}

// WithReconnectMaxDelay caps the backoff delay (default 30s).
func WithReconnectMaxDelay(d time.Duration) TransportOption {
	return func(c *transportConfig) { c.reconnectMaxDelay = d }
}

// WithHeartbeatInterval sets the ping cadence while connected (default 30s).
func WithHeartbeatInterval(d time.Duration) TransportOption {
	return func(c *transportConfig) { c.heartbeatInterval = d }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(c *transportConfig) { c.httpClient = client }
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger zerolog.Logger) TransportOption {
	return func(c *transportConfig) { c.logger = logger }
}

// ============================================================================
// Endpoint
// ============================================================================

// assistantWSURL converts an HTTP(S) base URL into the assistant WebSocket
// endpoint, carrying the token as a query parameter.
func assistantWSURL(baseURL, token string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.TrimRight(u, "/") + "/api/assistant/ws"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}
