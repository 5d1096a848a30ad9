//go:build integration

package pairchat_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	pairchat "github.com/pairchat/pairchat-sdk-go"
)

// helpers ---------------------------------------------------------------

func credential(t *testing.T, name string) string {
	t.Helper()
	v := os.Getenv(name)
	if v == "" {
		t.Skipf("%s environment variable is required", name)
	}
	return v
}

func testBaseURL() string {
	if v := os.Getenv("PAIRCHAT_BASE_URL_TEST"); v != "" {
		return v
	}
	return pairchat.DefaultBaseURL
}

func testWebSocketURL() string {
	if v := os.Getenv("PAIRCHAT_WS_URL_TEST"); v != "" {
		return v
	}
	return pairchat.WebSocketURL(testBaseURL())
}

// newClient builds a started client for the given credential.
func newClient(t *testing.T, ctx context.Context, token string) *pairchat.Client {
	t.Helper()
	session, err := pairchat.NewSession(token)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	api := pairchat.NewAPIClient(token, pairchat.WithBaseURL(testBaseURL()))
	conn := pairchat.NewConn(session, &pairchat.WebSocketDialer{URL: testWebSocketURL()}, nil)
	client := pairchat.New(session, api, conn)
	client.OnNotice(func(n pairchat.Notice) {
		t.Logf("notice [%s] %s", n.Level, n.Message)
	})
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =======================================================================
// Group 1: REST API
// =======================================================================

func TestIntegration_ListChats(t *testing.T) {
	token := credential(t, "PAIRCHAT_TOKEN_TEST")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	api := pairchat.NewAPIClient(token, pairchat.WithBaseURL(testBaseURL()))
	chats, err := api.ListChats(ctx)
	if err != nil {
		t.Fatalf("ListChats returned error: %v", err)
	}
	t.Logf("ListChats — %d conversations", len(chats))

	for _, c := range chats {
		if c.ID == "" {
			t.Error("expected non-empty conversation id")
		}
	}
	if len(chats) == 0 {
		return
	}

	msgs, err := api.ListMessages(ctx, chats[0].ID)
	if err != nil {
		t.Fatalf("ListMessages returned error: %v", err)
	}
	t.Logf("ListMessages — chat=%s messages=%d", chats[0].ID, len(msgs))
}

func TestIntegration_BadCredential(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := pairchat.NewAPIClient("not-a-token", pairchat.WithBaseURL(testBaseURL())).ListChats(ctx)
	if err == nil {
		t.Fatal("expected an error for an invalid credential")
	}
	if !pairchat.IsAuthentication(err) && !pairchat.IsProtocol(err) {
		t.Errorf("unexpected error kind: %v", err)
	}
}

// =======================================================================
// Group 2: Realtime send, reconcile, edit, react and delete
// =======================================================================

func TestIntegration_SendAndReconcile(t *testing.T) {
	token := credential(t, "PAIRCHAT_TOKEN_TEST")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client := newClient(t, ctx, token)
	active, ok := client.ActiveConversation()
	if !ok {
		t.Skip("account has no conversation to send into")
	}
	t.Logf("active conversation — id=%s", active.ID)

	content := fmt.Sprintf("go integration %d", time.Now().UnixNano())
	sent, err := client.SendMessage(content)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !sent.IsOptimistic {
		t.Error("expected optimistic message")
	}

	var confirmed pairchat.Message
	waitFor(t, 15*time.Second, "server echo", func() bool {
		for _, m := range client.Messages() {
			if m.Content == content && !m.IsOptimistic {
				confirmed = m
				return true
			}
		}
		return false
	})
	for _, m := range client.Messages() {
		if m.ID == sent.ID {
			t.Errorf("optimistic entry %s still present after echo", sent.ID)
		}
	}

	if err := client.EditMessage(ctx, confirmed.ID, content+" (edited)"); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if err := client.React(ctx, confirmed.ID, "👍"); err != nil {
		t.Fatalf("React: %v", err)
	}
	if err := client.DeleteMessage(ctx, confirmed.ID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
}

// =======================================================================
// Group 3: Matchmaking between two accounts
// =======================================================================

func TestIntegration_Matchmaking(t *testing.T) {
	tokenA := credential(t, "PAIRCHAT_TOKEN_TEST")
	tokenB := credential(t, "PAIRCHAT_PARTNER_TOKEN_TEST")
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	a := newClient(t, ctx, tokenA)
	b := newClient(t, ctx, tokenB)

	if err := a.StartSearch(); err != nil {
		t.Fatalf("A StartSearch: %v", err)
	}
	if err := b.StartSearch(); err != nil {
		t.Fatalf("B StartSearch: %v", err)
	}

	waitFor(t, 60*time.Second, "offers", func() bool {
		return a.MatchState() == pairchat.MatchOffered && b.MatchState() == pairchat.MatchOffered
	})
	t.Logf("offer — A sees %q, B sees %q", a.Offer().DisplayName(), b.Offer().DisplayName())

	if err := a.AcceptMatch(); err != nil {
		t.Fatalf("A AcceptMatch: %v", err)
	}
	if err := b.AcceptMatch(); err != nil {
		t.Fatalf("B AcceptMatch: %v", err)
	}

	waitFor(t, 30*time.Second, "confirmation", func() bool {
		return a.MatchState() == pairchat.MatchConfirmed && b.MatchState() == pairchat.MatchConfirmed
	})

	ca, _ := a.ActiveConversation()
	cb, _ := b.ActiveConversation()
	waitFor(t, 15*time.Second, "both sides in the matched conversation", func() bool {
		ca, _ = a.ActiveConversation()
		cb, _ = b.ActiveConversation()
		return ca.ID != "" && ca.ID == cb.ID
	})
	t.Logf("matched — chat=%s", ca.ID)

	// Typing from A reaches B.
	a.Typing()
	waitFor(t, 10*time.Second, "partner typing", b.PartnerTyping)
}
