package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	pairchat "github.com/pairchat/pairchat-sdk-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// send
	sendWait time.Duration

	// match
	matchAutoAccept  bool
	matchOfferWindow time.Duration

	// listen
	listenChat        string
	listenMetricsAddr string
)

// signalContext is cancelled on Ctrl-C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <content>",
	Short: "Send a message and wait for the server to confirm it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		client, _, err := startClient(ctx, pairchat.WithTimelineConfig(pairchat.TimelineConfig{SendTimeout: sendWait}))
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.SelectConversation(ctx, args[0]); err != nil {
			return err
		}
		content := strings.Join(args[1:], " ")

		// The server may confirm without echoing the client id, which leaves
		// the optimistic entry in place; a matching echo still counts.
		echoed := make(chan struct{}, 1)
		self := client.Session().UserID()
		sub := pairchat.On(client.Bus(), pairchat.EventNewMessage, func(m pairchat.Message) {
			if isEcho(m, args[0], self, content) {
				select {
				case echoed <- struct{}{}:
				default:
				}
			}
		})
		defer sub.Unsubscribe()

		sent, err := client.SendMessage(content)
		if err != nil {
			return err
		}

		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-echoed:
				fmt.Println("Message sent.")
				return nil
			case <-ticker.C:
			}
			switch sendStatus(client.Messages(), sent.ID) {
			case pairchat.StatusFailed:
				return fmt.Errorf("no confirmation within %s; the message may still have been delivered", sendWait)
			case pairchat.StatusSent:
				fmt.Println("Message sent.")
				return nil
			}
		}
	},
}

// isEcho reports whether m is the server copy of a message self just sent.
func isEcho(m pairchat.Message, chatID, self, content string) bool {
	return !m.IsOptimistic && m.ChatID == chatID && m.SenderID == self && m.Content == content
}

// sendStatus reports the delivery state of the optimistic entry id. An entry
// that left the timeline was reconciled.
func sendStatus(msgs []pairchat.Message, id string) pairchat.MessageStatus {
	for _, m := range msgs {
		if m.ID == id {
			if m.Status == pairchat.StatusFailed {
				return pairchat.StatusFailed
			}
			return pairchat.StatusPending
		}
	}
	return pairchat.StatusSent
}

// ============================================================================
// match
// ============================================================================

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Search for a chat partner",
	Long:  "Join the matchmaking queue, answer the offer and open the confirmed conversation.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		client, _, err := startClient(ctx, pairchat.WithMatchConfig(pairchat.MatchConfig{OfferTimeout: matchOfferWindow}))
		if err != nil {
			return err
		}
		defer client.Close()

		type change struct {
			state pairchat.MatchState
			offer *pairchat.Offer
		}
		changes := make(chan change, 16)
		client.OnMatchChange(func(state pairchat.MatchState, offer *pairchat.Offer) {
			select {
			case changes <- change{state, offer}:
			default:
			}
		})

		before, _ := client.ActiveConversation()
		if err := client.StartSearch(); err != nil {
			return err
		}
		fmt.Println("Searching for a partner... (Ctrl-C to cancel)")

		stdin := bufio.NewReader(os.Stdin)
		prev := pairchat.MatchSearching
		for {
			select {
			case <-ctx.Done():
				_ = client.CancelSearch()
				fmt.Println("Search cancelled.")
				return nil
			case c := <-changes:
				last := prev
				prev = c.state
				switch c.state {
				case pairchat.MatchOffered:
					if c.offer == nil {
						continue
					}
					fmt.Printf("Match found: %s\n", c.offer.DisplayName())
					if matchAutoAccept || confirm(stdin, "Accept? [y/N] ") {
						err = client.AcceptMatch()
					} else {
						err = client.RejectMatch()
					}
					if err != nil {
						return err
					}
				case pairchat.MatchAwaiting:
					fmt.Println("Waiting for your partner to accept...")
				case pairchat.MatchSearching:
					if last != pairchat.MatchSearching {
						fmt.Println("Searching again...")
					}
				case pairchat.MatchIdle:
					fmt.Println("Offer closed. Run 'pairchat match' to search again.")
					return nil
				case pairchat.MatchConfirmed:
					active, ok := waitActive(ctx, client, before.ID)
					if !ok {
						fmt.Println("Match confirmed.")
						return nil
					}
					fmt.Printf("Match confirmed. Conversation %s is open.\n", active.ID)
					return nil
				}
			}
		}
	},
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Print(prompt)
	line, err := r.ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// waitActive waits briefly for a conversation other than previousID to be
// selected.
func waitActive(ctx context.Context, client *pairchat.Client, previousID string) (pairchat.Conversation, bool) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for {
		if active, ok := client.ActiveConversation(); ok && active.ID != previousID {
			return active, true
		}
		select {
		case <-ctx.Done():
			return client.ActiveConversation()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// ============================================================================
// listen
// ============================================================================

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print realtime events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		var opts []pairchat.Option
		if listenMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			opts = append(opts, pairchat.WithMetrics(pairchat.NewMetrics(reg)))
			srv := serveMetrics(listenMetricsAddr, reg)
			defer srv.Close()
		}

		client, conn, err := startClient(ctx, opts...)
		if err != nil {
			return err
		}
		defer client.Close()

		if listenChat != "" {
			if err := client.SelectConversation(ctx, listenChat); err != nil {
				return err
			}
		}

		self := client.Session().UserID()
		bus := client.Bus()
		pairchat.On(bus, pairchat.EventNewMessage, func(m pairchat.Message) {
			who := m.SenderID
			if who == self {
				who = "me"
			}
			fmt.Printf("%s  [%s] %s: %s\n", time.Now().Format(time.Kitchen), m.ChatID, who, m.Content)
		})
		pairchat.On(bus, pairchat.EventReadAll, func(p pairchat.ReadAllPayload) {
			fmt.Printf("%s  [%s] %d message(s) read\n", time.Now().Format(time.Kitchen), p.ChatID, len(p.MessageIDs))
		})
		client.OnTypingChange(func(chatID string, typing bool) {
			if typing {
				fmt.Printf("%s  [%s] partner is typing...\n", time.Now().Format(time.Kitchen), chatID)
			}
		})
		conn.OnDisconnected(func(err error) {
			fmt.Fprintf(os.Stderr, "Disconnected: %v\n", err)
		})
		conn.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "Reconnecting (attempt %d in %s)...\n", attempt, delay.Round(time.Millisecond))
		})
		conn.OnConnected(func() {
			fmt.Fprintln(os.Stderr, "Connected.")
		})

		if active, ok := client.ActiveConversation(); ok {
			fmt.Printf("Listening on %s (Ctrl-C to stop)\n", active.ID)
		} else {
			fmt.Println("Listening (Ctrl-C to stop)")
		}
		<-ctx.Done()
		return nil
	},
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server stopped")
		}
	}()
	return srv
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	sendCmd.Flags().DurationVar(&sendWait, "wait", 15*time.Second, "How long to wait for the server to confirm the message")

	matchCmd.Flags().BoolVarP(&matchAutoAccept, "yes", "y", false, "Accept the first offer without asking")
	matchCmd.Flags().DurationVar(&matchOfferWindow, "offer-timeout", 0, "Reject an unanswered offer after this long (0 waits forever)")

	listenCmd.Flags().StringVar(&listenChat, "chat", "", "Conversation to join (defaults to the first one)")
	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(matchCmd)
	rootCmd.AddCommand(listenCmd)
}
