package main

import (
	"context"
	"fmt"
	"time"

	sentira "github.com/Sentira-AI/sentira-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and probe the assistant endpoint",
	Long:  "Display the current configuration and check that the assistant WebSocket endpoint accepts the stored token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, sentira.DefaultBaseURL))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:        %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:        (not set)")
		}
		fmt.Printf("  Conversation: %s\n", valueOrDefault(cfg.Chat.ConversationID, "(none)"))

		if cfg.Default.Token == "" {
			fmt.Println()
			fmt.Println("Run 'sentira init <token>' to store a token.")
			return nil
		}

		// Live probe: one dial against the assistant socket.
		fmt.Println()
		fmt.Println("Live status:")

		tr := newTransport(sentira.WithAutoReconnect(false))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := tr.Connect(ctx); err != nil {
			fmt.Printf("  Assistant: UNREACHABLE (%v)\n", err)
			return nil
		}
		tr.Disconnect()
		fmt.Println("  Assistant: REACHABLE")
		return nil
	},
}

// maskKey shows the first 12 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "..."
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
