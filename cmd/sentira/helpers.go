package main

import (
	"fmt"
	"os"

	sentira "github.com/Sentira-AI/sentira-go"
)

// newTransport creates a chat transport authenticated with the stored token.
func newTransport(opts ...sentira.TransportOption) *sentira.ChatTransport {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'sentira init <token>' first.")
		os.Exit(1)
	}

	baseURL := cfg.Default.BaseURL
	if baseURL == "" {
		baseURL = sentira.DefaultBaseURL
	}

	opts = append(opts, sentira.WithLogger(cliLogger()))
	return sentira.NewChatTransport(baseURL, cfg.Default.Token, opts...)
}
