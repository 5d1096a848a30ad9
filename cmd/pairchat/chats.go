package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	pairchat "github.com/pairchat/pairchat-sdk-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// chats
	chatsUnread   bool
	chatsArchived bool
	chatsJSON     bool

	// messages
	messagesLimit int
	messagesJSON  bool

	// archive / block
	archiveUndo bool
	blockUndo   bool
)

const restTimeout = 15 * time.Second

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		api, session, err := getAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
		defer cancel()

		chats, err := api.ListChats(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		var shown []pairchat.Conversation
		for _, c := range chats {
			if chatsUnread && c.UnreadCount == 0 {
				continue
			}
			if c.Archived != chatsArchived {
				continue
			}
			shown = append(shown, c)
		}

		if chatsJSON {
			return printJSON(shown)
		}
		if len(shown) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range shown {
			partner, _ := c.Partner(session.UserID())
			flags := ""
			if c.Blocked {
				flags += " [blocked]"
			}
			if c.UnreadCount > 0 {
				flags += fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("  %s  %-20s %s%s\n", c.ID, valueOrDefault(partner.DisplayName(), "(unknown)"), ago(c.UpdatedAt), flags)
			if c.LastMessage != nil {
				fmt.Printf("      %s\n", truncate(c.LastMessage.Content, 60))
			}
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "Show the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, session, err := getAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
		defer cancel()

		msgs, err := api.ListMessages(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[len(msgs)-messagesLimit:]
		}

		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, m := range msgs {
			who := m.SenderID
			if who == session.UserID() {
				who = "me"
			}
			line := fmt.Sprintf("[%s] %s: %s", ago(m.CreatedAt), who, m.Content)
			if m.Edited {
				line += " (edited)"
			}
			if len(m.Reactions) > 0 {
				syms := make([]string, len(m.Reactions))
				for i, r := range m.Reactions {
					syms[i] = r.Symbol
				}
				line += " " + strings.Join(syms, "")
			}
			fmt.Printf("%s  %s\n", m.ID, line)
		}
		return nil
	},
}

// ============================================================================
// edit / delete / react
// ============================================================================

var editCmd = &cobra.Command{
	Use:   "edit <message-id> <content>",
	Short: "Edit one of your messages",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, _, err := getAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
		defer cancel()

		content := strings.Join(args[1:], " ")
		if strings.TrimSpace(content) == "" {
			return pairchat.ErrEmptyMessage
		}
		if _, err := api.EditMessage(ctx, args[0], content); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Message %s edited.\n", args[0])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, _, err := getAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
		defer cancel()

		if err := api.DeleteMessage(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Message %s deleted.\n", args[0])
		return nil
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <message-id> <reaction>",
	Short: "React to a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, _, err := getAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
		defer cancel()

		m, err := api.AddReaction(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if m != nil {
			fmt.Printf("Message %s now has %d reaction(s).\n", m.ID, len(m.Reactions))
			return nil
		}
		fmt.Printf("Reacted %s to %s.\n", args[1], args[0])
		return nil
	},
}

// ============================================================================
// archive / block
// ============================================================================

var archiveCmd = &cobra.Command{
	Use:   "archive <chat-id>",
	Short: "Archive a conversation (--undo to unarchive)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, _, err := getAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
		defer cancel()

		if archiveUndo {
			err = api.UnarchiveChat(ctx, args[0])
		} else {
			err = api.ArchiveChat(ctx, args[0])
		}
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if archiveUndo {
			fmt.Println("Chat unarchived.")
		} else {
			fmt.Println("Chat archived.")
		}
		return nil
	},
}

var blockCmd = &cobra.Command{
	Use:   "block <user-id>",
	Short: "Block a user (--undo to unblock)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, _, err := getAPIClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
		defer cancel()

		if blockUndo {
			err = api.UnblockUser(ctx, args[0])
		} else {
			err = api.BlockUser(ctx, args[0])
		}
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if blockUndo {
			fmt.Println("User unblocked.")
		} else {
			fmt.Println("User blocked.")
		}
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	chatsCmd.Flags().BoolVar(&chatsUnread, "unread", false, "Show only conversations with unread messages")
	chatsCmd.Flags().BoolVar(&chatsArchived, "archived", false, "Show archived conversations instead")
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Show only the last n messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")

	archiveCmd.Flags().BoolVar(&archiveUndo, "undo", false, "Unarchive instead")
	blockCmd.Flags().BoolVar(&blockUndo, "undo", false, "Unblock instead")

	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(reactCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(blockCmd)
}
