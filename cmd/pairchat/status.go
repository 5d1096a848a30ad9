package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the configured endpoints, the signed-in user and a live conversation summary.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		baseURL, wsURL := endpoints(cfg)

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", baseURL)
		fmt.Printf("  WS URL:    %s\n", wsURL)

		fmt.Println()
		fmt.Println("Auth:")
		session, err := loadSession(cfg)
		if err != nil {
			fmt.Printf("  User ID:   (not signed in)\n")
			return nil
		}
		source := "config"
		if os.Getenv("PAIRCHAT_TOKEN") != "" {
			source = "PAIRCHAT_TOKEN"
		}
		fmt.Printf("  User ID:   %s\n", session.UserID())
		fmt.Printf("  Token:     %s (from %s)\n", maskKey(session.Credential()), source)
		if cfg.Auth.UserID != "" && cfg.Auth.UserID != session.UserID() {
			fmt.Printf("  Warning:   stored user id %s does not match the credential\n", cfg.Auth.UserID)
		}

		fmt.Println()
		fmt.Println("Live status:")

		api, _, err := getAPIClient()
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		chats, err := api.ListChats(ctx)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}

		var unread, archived int
		var latest time.Time
		for _, c := range chats {
			unread += c.UnreadCount
			if c.Archived {
				archived++
			}
			if c.UpdatedAt.After(latest) {
				latest = c.UpdatedAt
			}
		}
		fmt.Printf("  Conversations: %s (%d archived)\n", humanize.Comma(int64(len(chats))), archived)
		fmt.Printf("  Unread:        %s\n", humanize.Comma(int64(unread)))
		fmt.Printf("  Last activity: %s\n", ago(latest))
		return nil
	},
}
