package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sentira "github.com/Sentira-AI/sentira-go"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	chatConversation string
	chatTimeout      time.Duration
	chatJSON         bool
)

func init() {
	chatCmd.Flags().StringVar(&chatConversation, "conversation", "", "Conversation ID to continue (default: last used, else a new one)")
	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 2*time.Minute, "How long to wait for the full reply")
	chatCmd.Flags().BoolVar(&chatJSON, "json", false, "Print raw normalized frames as JSON lines")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <query>",
	Short: "Ask the assistant a question and stream the reply",
	Long:  "Send one query to the Sentira assistant over the streaming transport and print the reply as it arrives.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		conversationID := chatConversation
		if conversationID == "" {
			conversationID = cfg.Chat.ConversationID
		}
		if conversationID == "" {
			conversationID = uuid.NewString()
		}

		tr := newTransport(sentira.WithAutoReconnect(false))

		done := make(chan error, 8)
		tr.OnChatStream(func(r sentira.StreamingResponse) {
			if chatJSON {
				b, _ := json.Marshal(r)
				fmt.Println(string(b))
				return
			}
			fmt.Print(r.CurrentChunk)
		})
		tr.OnChatComplete(func(r sentira.StreamingResponse) {
			if !chatJSON {
				fmt.Println()
			}
			done <- nil
		})
		tr.OnChatError(func(e sentira.ChatError) {
			done <- e
		})
		tr.OnError(func(err error) {
			done <- err
		})
		tr.OnDisconnected(func(code int, reason string) {
			done <- fmt.Errorf("connection closed (%d): %s", code, reason)
		})

		ctx, cancel := context.WithTimeout(context.Background(), chatTimeout)
		defer cancel()

		if err := tr.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer tr.Disconnect()

		if !tr.Send(ctx, &sentira.ChatRequest{Query: query, ConversationID: conversationID}) {
			return fmt.Errorf("failed to send query")
		}

		select {
		case err := <-done:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return fmt.Errorf("no complete reply after %s", chatTimeout)
		}

		// Remember the conversation for follow-up questions.
		if cfg.Chat.ConversationID != conversationID {
			cfg.Chat.ConversationID = conversationID
			if err := saveConfig(cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
		}
		return nil
	},
}
