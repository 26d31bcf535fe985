package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sentira "github.com/Sentira-AI/sentira-go"
	"github.com/spf13/cobra"
)

var listenJSON bool

func init() {
	listenCmd.Flags().BoolVar(&listenJSON, "json", false, "Print raw event payloads as JSON lines")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Follow notifications and system updates",
	Long:  "Stay connected to the assistant socket and print server-pushed notifications and system updates until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		tr := newTransport()

		tr.OnNotification(func(n sentira.Notification) {
			if listenJSON {
				b, _ := json.Marshal(n)
				fmt.Println(string(b))
				return
			}
			severity := strings.ToUpper(valueOrDefault(n.Severity, "info"))
			if n.Title != "" {
				fmt.Printf("[%s] %s: %s\n", severity, n.Title, n.Message)
			} else {
				fmt.Printf("[%s] %s\n", severity, n.Message)
			}
		})
		tr.OnSystemUpdate(func(u sentira.SystemUpdate) {
			if listenJSON {
				b, _ := json.Marshal(u)
				fmt.Println(string(b))
				return
			}
			if u.Message != "" {
				fmt.Printf("[system] %s is %s (%s)\n", u.Component, u.Status, u.Message)
			} else {
				fmt.Printf("[system] %s is %s\n", u.Component, u.Status)
			}
		})
		tr.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "connection lost, retrying in %s (attempt %d)\n", delay.Round(time.Millisecond), attempt)
		})

		terminal := make(chan struct{})
		tr.OnDisconnected(func(code int, reason string) {
			fmt.Fprintf(os.Stderr, "disconnected (%d): %s\n", code, reason)
			close(terminal)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := tr.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}

		fmt.Fprintln(os.Stderr, "listening for events (ctrl-c to stop)")

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(interrupt)

		select {
		case <-interrupt:
			tr.Disconnect()
		case <-terminal:
		}
		return nil
	},
}
