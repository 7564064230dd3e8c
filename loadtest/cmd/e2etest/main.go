// Package main implements a standalone end-to-end integration test for the
// livechat server. It validates the full user journey against a running
// stack: health checks, WebSocket handshake and presence, the chat
// request/response handshake, private message routing, disconnect
// announcements, rate limiting and content filtering.
//
// Usage:
//
//	go run ./loadtest/cmd/e2etest/ -jwt-secret <secret> [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail, 2 on bad flags.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/livechat/internal/identity"
	"github.com/whisper/livechat/internal/presence"
	"github.com/whisper/livechat/internal/protocol"
	"github.com/whisper/livechat/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// quiet is how long a scenario waits to make sure a frame does NOT arrive.
const quiet = 500 * time.Millisecond

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP base URL")
	secret := flag.String("jwt-secret", "", "JWT_SECRET of the server (required)")
	prefix := flag.String("user-prefix", "e2e", "Prefix of generated user ids")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	d, err := newDialer(*wsURL, *secret, *prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "e2etest: %v\n", err)
		os.Exit(2)
	}

	fmt.Println("=== Livechat E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2ConnectHandshake(ctx, d))

	// Scenarios 3-5 share one pair of users; run them as a group.
	s3, s4, s5 := scenario345RequestMessageLeave(ctx, d)
	results = append(results, s3, s4, s5)

	// Optional scenarios (non-fatal).
	results = append(results, scenario6RateLimiting(ctx, d))
	results = append(results, scenario7ContentFiltering(ctx, d))

	fmt.Println()
	passed, failed, info := 0, 0, 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	fmt.Printf("\n=== Results: %d/%d passed", passed, passed+failed)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	body, err := httpGetBody(ctx, apiBase+"/health")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}
	var health struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health JSON parse: %v", err)}
	}
	if health.Status != "ok" {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health status %q", health.Status)}
	}

	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "livechat_connections_total") {
		return scenarioResult{name, resultFail, "/metrics: missing livechat_connections_total"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("connections=%d", health.Connections)}
}

// ---------------------------------------------------------------------------
// Scenario 2: Connect and Handshake
// ---------------------------------------------------------------------------

func scenario2ConnectHandshake(ctx context.Context, d *dialer) scenarioResult {
	name := "Scenario 2: Connect and Handshake"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, err := d.connect(connCtx, "a")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A: %v", err)}
	}
	defer clientA.Close()
	if inSnapshot(clientA, clientA.UserID()) {
		return scenarioResult{name, resultFail, "client A listed in its own snapshot"}
	}

	inboxA := watch(clientA, protocol.TypeUserOnline)

	clientB, err := d.connect(connCtx, "b")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B: %v", err)}
	}
	defer clientB.Close()

	if !inSnapshot(clientB, clientA.UserID()) {
		return scenarioResult{name, resultFail, "client A missing from client B's snapshot"}
	}
	if _, err := inboxA.wait(connCtx, protocol.TypeUserOnline, fromUser("userId", clientB.UserID())); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A userOnline for B: %v", err)}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("online_seen_by_b=%d", len(clientB.Snapshot()))}
}

// ---------------------------------------------------------------------------
// Scenarios 3, 4, 5: Chat Request, Private Message, Disconnect
// ---------------------------------------------------------------------------

func scenario345RequestMessageLeave(ctx context.Context, d *dialer) (scenarioResult, scenarioResult, scenarioResult) {
	s3Name := "Scenario 3: Chat Request"
	s4Name := "Scenario 4: Private Message"
	s5Name := "Scenario 5: Disconnect"

	failAll := func(reason string) (scenarioResult, scenarioResult, scenarioResult) {
		return scenarioResult{s3Name, resultFail, reason},
			scenarioResult{s4Name, resultFail, "skipped: setup failed"},
			scenarioResult{s5Name, resultFail, "skipped: setup failed"}
	}

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, err := d.connect(connCtx, "a")
	if err != nil {
		return failAll(fmt.Sprintf("client A: %v", err))
	}
	defer clientA.Close()
	clientB, err := d.connect(connCtx, "b")
	if err != nil {
		return failAll(fmt.Sprintf("client B: %v", err))
	}
	defer clientB.Close()

	routed := []string{
		protocol.TypeChatNotification,
		protocol.TypeChatResponseNotification,
		protocol.TypePrivateMessage,
		protocol.TypeNewMessageNotification,
		protocol.TypeError,
	}
	inboxA := watch(clientA, routed...)
	inboxB := watch(clientB, append(routed, protocol.TypeUserOffline)...)

	// --- Scenario 3: chat_request / chat_response ---
	stepCtx, stepCancel := context.WithTimeout(ctx, 10*time.Second)
	defer stepCancel()

	start := time.Now()
	if err := clientA.Send(protocol.ChatRequestMsg{Type: protocol.TypeChatRequest, ToUserID: clientB.UserID()}); err != nil {
		return failAll(fmt.Sprintf("client A chat_request: %v", err))
	}
	if _, err := inboxB.wait(stepCtx, protocol.TypeChatNotification, fromUser("fromUserId", clientA.UserID())); err != nil {
		return failAll(fmt.Sprintf("client B chat_notification: %v", err))
	}

	if err := clientB.Send(protocol.ChatResponseMsg{
		Type:     protocol.TypeChatResponse,
		ToUserID: clientA.UserID(),
		Response: protocol.ResponseAccepted,
	}); err != nil {
		return failAll(fmt.Sprintf("client B chat_response: %v", err))
	}
	raw, err := inboxA.wait(stepCtx, protocol.TypeChatResponseNotification, fromUser("fromUserId", clientB.UserID()))
	if err != nil {
		return failAll(fmt.Sprintf("client A chat_response_notification: %v", err))
	}
	var resp protocol.ChatResponseNotificationMsg
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Response != protocol.ResponseAccepted {
		return failAll(fmt.Sprintf("unexpected chat_response_notification %s", raw))
	}

	s3Result := scenarioResult{s3Name, resultPass, fmt.Sprintf("handshake_time=%s", time.Since(start).Round(time.Millisecond))}

	// --- Scenario 4: private_message reaches B only, as two frames ---
	text := "hello from " + clientA.UserID()
	if err := clientA.SendPrivate(clientB.UserID(), text); err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("client A private_message: %v", err)},
			scenarioResult{s5Name, resultFail, "skipped: private message failed"}
	}

	raw, err = inboxB.wait(stepCtx, protocol.TypePrivateMessage, fromUser("fromUserId", clientA.UserID()))
	if err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("client B private_message: %v", err)},
			scenarioResult{s5Name, resultFail, "skipped: private message failed"}
	}
	var pm protocol.ServerPrivateMsg
	if err := json.Unmarshal(raw, &pm); err != nil || pm.Content != text {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("content mismatch: expected %q, got %s", text, raw)},
			scenarioResult{s5Name, resultFail, "skipped: private message failed"}
	}
	if _, err := inboxB.wait(stepCtx, protocol.TypeNewMessageNotification, fromUser("fromUserId", clientA.UserID())); err != nil {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("client B new_message_notification: %v", err)},
			scenarioResult{s5Name, resultFail, "skipped: private message failed"}
	}

	time.Sleep(quiet)
	if n := inboxB.count(protocol.TypePrivateMessage) + inboxB.count(protocol.TypeNewMessageNotification); n != 2 {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("client B got %d message frames, want 2", n)},
			scenarioResult{s5Name, resultFail, "skipped: private message failed"}
	}
	if n := inboxA.count(protocol.TypePrivateMessage) + inboxA.count(protocol.TypeNewMessageNotification) + inboxA.count(protocol.TypeError); n != 0 {
		return s3Result,
			scenarioResult{s4Name, resultFail, fmt.Sprintf("sender got %d frames back", n)},
			scenarioResult{s5Name, resultFail, "skipped: private message failed"}
	}

	s4Result := scenarioResult{s4Name, resultPass, "delivered to recipient only"}

	// --- Scenario 5: A leaves, B sees userOffline ---
	clientA.Close()
	if _, err := inboxB.wait(stepCtx, protocol.TypeUserOffline, fromUser("userId", clientA.UserID())); err != nil {
		return s3Result, s4Result,
			scenarioResult{s5Name, resultFail, fmt.Sprintf("client B userOffline: %v", err)}
	}

	return s3Result, s4Result, scenarioResult{s5Name, resultPass, "userOffline received"}
}

// ---------------------------------------------------------------------------
// Scenario 6: Rate Limiting (optional, non-fatal)
// ---------------------------------------------------------------------------

func scenario6RateLimiting(ctx context.Context, d *dialer) scenarioResult {
	name := "Scenario 6: Rate Limiting"

	scenarioCtx, scenarioCancel := context.WithTimeout(ctx, 15*time.Second)
	defer scenarioCancel()

	c, err := d.connect(scenarioCtx, "rl")
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}
	defer c.Close()
	inbox := watch(c, protocol.TypeRateLimited)

	// The message rule allows 5 per 10s.
	sentCount := 0
	for i := 0; i < 10; i++ {
		if err := c.SendPublic(fmt.Sprintf("rapid message %d", i+1)); err != nil {
			break
		}
		sentCount++
	}

	rlCtx, rlCancel := context.WithTimeout(scenarioCtx, 5*time.Second)
	defer rlCancel()
	if _, err := inbox.wait(rlCtx, protocol.TypeRateLimited, nil); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("no rate_limited received after %d messages (rate limiting may be disabled)", sentCount)}
	}
	return scenarioResult{name, resultInfo, fmt.Sprintf("rate_limited received after %d messages", sentCount)}
}

// ---------------------------------------------------------------------------
// Scenario 7: Content Filtering (optional, non-fatal)
// ---------------------------------------------------------------------------

// Moderation is asynchronous: the moderator worker screens chat.stored and
// the server enforces the ban it publishes.
func scenario7ContentFiltering(ctx context.Context, d *dialer) scenarioResult {
	name := "Scenario 7: Content Filtering"

	scenarioCtx, scenarioCancel := context.WithTimeout(ctx, 15*time.Second)
	defer scenarioCancel()

	c, err := d.connect(scenarioCtx, "mod")
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}
	defer c.Close()
	inbox := watch(c, protocol.TypeBanned)

	if err := c.SendPublic("hey you should kill yourself"); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("send failed: %v", err)}
	}

	banCtx, banCancel := context.WithTimeout(scenarioCtx, 10*time.Second)
	defer banCancel()
	raw, err := inbox.wait(banCtx, protocol.TypeBanned, nil)
	if err != nil {
		return scenarioResult{name, resultInfo, "no banned received (moderator or NATS may not be running)"}
	}
	var ban struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(raw, &ban)
	return scenarioResult{name, resultInfo, fmt.Sprintf("banned: %s", ban.Reason)}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// dialer mints a token per generated user and opens its connection.
type dialer struct {
	base   *url.URL
	prefix string
	tokens *identity.JWTResolver
}

func newDialer(wsURL, secret, prefix string) (*dialer, error) {
	if secret == "" {
		return nil, fmt.Errorf("-jwt-secret is required")
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	return &dialer{base: u, prefix: prefix, tokens: identity.NewJWTResolver(secret, nil)}, nil
}

// connect opens a connection for a fresh user and waits for the presence
// snapshot. Every call is a new user so runs never collide.
func (d *dialer) connect(ctx context.Context, role string) (*client.Client, error) {
	id := presence.Identity{
		ID:          fmt.Sprintf("%s-%s-%s", d.prefix, role, uuid.NewString()[:8]),
		DisplayName: fmt.Sprintf("E2E %s", strings.ToUpper(role)),
	}
	tok, err := d.tokens.Issue(id, 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	u := *d.base
	q := u.Query()
	q.Set("token", tok)
	u.RawQuery = q.Encode()

	c, err := client.New(ctx, u.String(), id.ID)
	if err != nil {
		return nil, err
	}
	if err := c.WaitReady(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return c, nil
}

func inSnapshot(c *client.Client, userID string) bool {
	for _, u := range c.Snapshot() {
		if u.UserID == userID {
			return true
		}
	}
	return false
}

// httpGetBody performs an HTTP GET and returns the response body.
func httpGetBody(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
