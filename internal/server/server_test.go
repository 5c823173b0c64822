package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/history"
	"github.com/parley-chat/parley/internal/kv/kvtest"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/ratelimit"
	"github.com/parley-chat/parley/internal/registry"
	"github.com/parley-chat/parley/internal/telemetry"
	"github.com/parley-chat/parley/internal/usage"
)

const testSecret = "server-test-secret"

type userDir map[string]*auth.User

func (d userDir) FindByID(_ context.Context, id string) (*auth.User, error) {
	return d[id], nil
}

// stubStreamer answers every prompt with a single final chunk. Server
// tests exercise admission and lifecycle, not streaming.
type stubStreamer struct{}

func (stubStreamer) Stream(ctx context.Context, msg protocol.ChatMessage, _ []protocol.ChatMessage) (<-chan protocol.Envelope, context.CancelFunc) {
	out := make(chan protocol.Envelope, 1)
	out <- protocol.ChatChunk{Type: protocol.TypeChatChunk, ID: msg.ID, Final: true}
	close(out)
	return out, func() {}
}

type failingPinger struct{ err error }

func (p failingPinger) Ping(context.Context) error { return p.err }

type fixture struct {
	store   *kvtest.Store
	rec     *telemetry.Recorder
	cfg     *config.Config
	limiter *ratelimit.Limiter
	usage   *usage.Recorder
	srv     *Server
	ts      *httptest.Server

	stopOnce sync.Once
	stopErr  error
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	store := kvtest.New()
	rec := telemetry.NewRecorder()
	logger := zerolog.Nop()

	cfg := &config.Config{
		Addr:                  "127.0.0.1:0",
		TokenSecret:           testSecret,
		TokenAlgorithm:        "HS256",
		MaxConnsPerIP:         2,
		MaxConnsPerUser:       5,
		MessagesPerSec:        100,
		MessagesPerMin:        1000,
		MessagesPerHour:       10000,
		MessagesPerDay:        100000,
		ConnectTimeout:        2 * time.Second,
		MessageTimeout:        time.Minute,
		HistoryMax:            50,
		OutboxSize:            32,
		MaxMessageBytes:       8192,
		ShutdownGrace:         time.Second,
		MemoryRejectThreshold: 90,
		WorkerPoolSize:        2,
		WorkerQueueSize:       64,
	}
	if mutate != nil {
		mutate(cfg)
	}

	dir := userDir{
		"u-1":     {ID: "u-1", Active: true},
		"u-2":     {ID: "u-2", Active: true},
		"u-3":     {ID: "u-3", Active: true},
		"u-admin": {ID: "u-admin", Active: true, Admin: true},
	}
	limiter := ratelimit.New(store, ratelimit.Config{
		MaxConnsPerIP:   cfg.MaxConnsPerIP,
		MaxConnsPerUser: cfg.MaxConnsPerUser,
		MessagesPerSec:  cfg.MessagesPerSec,
		MessagesPerMin:  cfg.MessagesPerMin,
		MessagesPerHour: cfg.MessagesPerHour,
		MessagesPerDay:  cfg.MessagesPerDay,
	}, rec, logger)
	rcd := usage.New(store, rec, logger)

	srv := New(cfg, Deps{
		Store:     store,
		Registry:  registry.New(rec, logger),
		Limiter:   limiter,
		Validator: auth.NewValidator([]byte(testSecret), dir),
		History:   history.New(store, cfg.HistoryMax, 0, rec, logger),
		Streamer:  stubStreamer{},
		Usage:     rcd,
		Sink:      rec,
		Logger:    logger,
	})
	srv.pool.Start(srv.runCtx)

	f := &fixture{
		store:   store,
		rec:     rec,
		cfg:     cfg,
		limiter: limiter,
		usage:   rcd,
		srv:     srv,
		ts:      httptest.NewServer(srv.Handler()),
	}
	t.Cleanup(func() {
		f.stop(50 * time.Millisecond)
		f.ts.Close()
	})
	return f
}

func (f *fixture) stop(grace time.Duration) error {
	f.stopOnce.Do(func() { f.stopErr = f.srv.Shutdown(grace) })
	return f.stopErr
}

func (f *fixture) token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := auth.Sign([]byte(testSecret), subject, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

type wsClient struct {
	conn net.Conn
}

func (f *fixture) wsURL(token, conversation string) string {
	u := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	if conversation != "" {
		q.Set("conversation", conversation)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (f *fixture) dial(t *testing.T, token, conversation, forwardedFor string) *wsClient {
	t.Helper()
	dialer := ws.Dialer{Timeout: 3 * time.Second}
	if forwardedFor != "" {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{
			"X-Forwarded-For": []string{forwardedFor},
		})
	}
	conn, _, _, err := dialer.Dial(context.Background(), f.wsURL(token, conversation))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &wsClient{conn: conn}
	t.Cleanup(c.close)
	return c
}

func (c *wsClient) next(t *testing.T) protocol.Envelope {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, _, err := wsutil.ReadServerData(c.conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return env
}

func (c *wsClient) expectWelcome(t *testing.T) protocol.Welcome {
	t.Helper()
	env := c.next(t)
	w, ok := env.(protocol.Welcome)
	if !ok {
		t.Fatalf("first envelope = %T, want welcome", env)
	}
	return w
}

func (c *wsClient) expectHistory(t *testing.T) protocol.History {
	t.Helper()
	env := c.next(t)
	h, ok := env.(protocol.History)
	if !ok {
		t.Fatalf("envelope = %T, want history", env)
	}
	return h
}

// expectClose drains in-band frames until the close frame arrives.
func (c *wsClient) expectClose(t *testing.T, code int, reason string) {
	t.Helper()
	for {
		c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, _, err := wsutil.ReadServerData(c.conn)
		if err == nil {
			continue
		}
		var ce wsutil.ClosedError
		if !errors.As(err, &ce) {
			t.Fatalf("want close frame, got %v", err)
		}
		if int(ce.Code) != code || ce.Reason != reason {
			t.Fatalf("close = %d %q, want %d %q", ce.Code, ce.Reason, code, reason)
		}
		return
	}
}

func (c *wsClient) close() { c.conn.Close() }

func doJSON(t *testing.T, method, rawURL, token string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, rawURL, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, rawURL, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil && err != io.EOF {
		t.Fatalf("decode body: %v", err)
	}
	return resp.StatusCode, body
}

func TestUpgradeWelcomeAndHistory(t *testing.T) {
	f := newFixture(t, nil)

	c := f.dial(t, f.token(t, "u-1"), "conv-a", "")
	w := c.expectWelcome(t)
	if w.ConnectionID == "" {
		t.Fatal("welcome carries no connection id")
	}
	if w.Limits.MessagesPerSecond != f.cfg.MessagesPerSec || w.Limits.MaxMessageBytes != f.cfg.MaxMessageBytes {
		t.Fatalf("welcome limits = %+v", w.Limits)
	}
	h := c.expectHistory(t)
	if len(h.Messages) != 0 {
		t.Fatalf("fresh conversation replayed %d messages", len(h.Messages))
	}
	if got := f.srv.deps.Registry.Len(); got != 1 {
		t.Fatalf("registry size = %d, want 1", got)
	}

	c.close()
	waitFor(t, func() bool { return f.srv.deps.Registry.Len() == 0 },
		"session did not unregister after disconnect")
}

func TestConnectionLimitPerIP(t *testing.T) {
	f := newFixture(t, nil)
	ip := "203.0.113.50"

	c1 := f.dial(t, f.token(t, "u-1"), "", ip)
	c1.expectWelcome(t)
	c1.expectHistory(t)
	c2 := f.dial(t, f.token(t, "u-2"), "", ip)
	c2.expectWelcome(t)
	c2.expectHistory(t)

	c3 := f.dial(t, f.token(t, "u-3"), "", ip)
	env := c3.next(t)
	ee, ok := env.(protocol.ErrorEnvelope)
	if !ok {
		t.Fatalf("third connection got %T, want error envelope", env)
	}
	if ee.Code != protocol.CodeConnectionLimitExceeded {
		t.Fatalf("error code = %d, want %d", ee.Code, protocol.CodeConnectionLimitExceeded)
	}
	if scope := ee.Details["scope"]; scope != "ip" {
		t.Fatalf("denial scope = %v, want ip", scope)
	}
	c3.expectClose(t, protocol.ClosePolicyViolation, "connection limit exceeded")

	// The survivors are untouched.
	if got := f.srv.deps.Registry.Len(); got != 2 {
		t.Fatalf("registry size = %d, want 2", got)
	}
}

func TestUpgradeRejectedDuringShutdown(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.shuttingDown.Store(true)

	resp, err := f.ts.Client().Get(f.ts.URL + "/ws")
	if err != nil {
		t.Fatalf("get /ws: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}

	status, body := doJSON(t, http.MethodGet, f.ts.URL+"/healthz", "")
	if status != http.StatusServiceUnavailable || body["status"] != "shutting_down" {
		t.Fatalf("healthz = %d %v", status, body["status"])
	}
}

func TestDialGuardThrottles(t *testing.T) {
	f := newFixture(t, nil)
	client := f.ts.Client()

	// Defaults allow a burst of 10 per ip; the 11th attempt trips.
	var last int
	for i := 0; i < 11; i++ {
		req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/ws", nil)
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		req.Header.Set("X-Forwarded-For", "198.51.100.7")
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		last = resp.StatusCode
		if i < 10 && last == http.StatusTooManyRequests {
			t.Fatalf("throttled after only %d attempts", i+1)
		}
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("11th attempt status = %d, want 429", last)
	}
	if got := f.rec.CountOf("server_upgrades_rejected_total", "reason", "dial_rate"); got != 1 {
		t.Fatalf("dial_rate rejections = %v, want 1", got)
	}
}

func TestMemoryGuardRejects(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.MemoryLimit = 1000
	})
	f.srv.memory.record(950)

	resp, err := f.ts.Client().Get(f.ts.URL + "/ws")
	if err != nil {
		t.Fatalf("get /ws: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status over threshold = %d, want 503", resp.StatusCode)
	}
	if got := f.rec.CountOf("server_upgrades_rejected_total", "reason", "memory"); got != 1 {
		t.Fatalf("memory rejections = %v, want 1", got)
	}

	status, body := doJSON(t, http.MethodGet, f.ts.URL+"/healthz", "")
	if status != http.StatusOK || body["status"] != "degraded" {
		t.Fatalf("healthz under pressure = %d %v", status, body["status"])
	}

	// Recovery reopens the gate; a plain GET now fails the handshake
	// instead of admission.
	f.srv.memory.record(100)
	resp, err = f.ts.Client().Get(f.ts.URL + "/ws")
	if err != nil {
		t.Fatalf("get /ws after recovery: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status after recovery = %d, want 400", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)

	status, body := doJSON(t, http.MethodGet, f.ts.URL+"/healthz", "")
	if status != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("healthz = %d %v", status, body["status"])
	}

	f.store.FailNext(1)
	status, body = doJSON(t, http.MethodGet, f.ts.URL+"/healthz", "")
	if status != http.StatusServiceUnavailable || body["status"] != "unhealthy" {
		t.Fatalf("healthz with kv down = %d %v", status, body["status"])
	}
}

func TestHealthzDegradedBus(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.deps.Bus = failingPinger{err: errors.New("connection closed")}

	status, body := doJSON(t, http.MethodGet, f.ts.URL+"/healthz", "")
	if status != http.StatusOK || body["status"] != "degraded" {
		t.Fatalf("healthz with bus down = %d %v", status, body["status"])
	}
	checks := body["checks"].(map[string]any)
	bus := checks["bus"].(map[string]any)
	if bus["healthy"] != false {
		t.Fatalf("bus check = %v", bus)
	}
}

func TestAdminAuthz(t *testing.T) {
	f := newFixture(t, nil)
	target := f.ts.URL + "/admin/connections"

	if status, _ := doJSON(t, http.MethodGet, target, ""); status != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", status)
	}
	if status, _ := doJSON(t, http.MethodGet, target, "not-a-jwt"); status != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", status)
	}
	if status, _ := doJSON(t, http.MethodGet, target, f.token(t, "u-1")); status != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want 403", status)
	}
	if got := f.rec.CountOf("admin_denied_total"); got != 1 {
		t.Fatalf("admin denials = %v, want 1", got)
	}

	c := f.dial(t, f.token(t, "u-1"), "conv-a", "")
	c.expectWelcome(t)
	c.expectHistory(t)

	status, body := doJSON(t, http.MethodGet, target, f.token(t, "u-admin"))
	if status != http.StatusOK {
		t.Fatalf("admin status = %d, want 200", status)
	}
	if body["count"] != float64(1) {
		t.Fatalf("connection count = %v, want 1", body["count"])
	}
	counters := body["counters"].(map[string]any)
	if _, ok := counters["u-1"]; !ok {
		t.Fatalf("counters missing u-1: %v", counters)
	}
}

func TestAdminRateLimitReset(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.limiter.AllowMessage(ctx, "u-1"); err != nil {
		t.Fatalf("seed counters: %v", err)
	}
	before, err := f.limiter.Counters(ctx, ratelimit.ScopeUser, "u-1")
	if err != nil {
		t.Fatalf("read counters: %v", err)
	}
	if before[ratelimit.WindowMin].Count != 1 {
		t.Fatalf("seeded minute counter = %d, want 1", before[ratelimit.WindowMin].Count)
	}

	status, body := doJSON(t, http.MethodPost, f.ts.URL+"/admin/ratelimit/reset?user=u-1", f.token(t, "u-admin"))
	if status != http.StatusOK {
		t.Fatalf("reset status = %d, want 200", status)
	}
	if body["cleared"] != float64(4) {
		t.Fatalf("cleared = %v, want 4", body["cleared"])
	}

	after, err := f.limiter.Counters(ctx, ratelimit.ScopeUser, "u-1")
	if err != nil {
		t.Fatalf("re-read counters: %v", err)
	}
	if after[ratelimit.WindowMin].Count != 0 {
		t.Fatalf("minute counter after reset = %d, want 0", after[ratelimit.WindowMin].Count)
	}

	entries, err := f.store.LRange(ctx, auditKey, 0, -1)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	var entry auditEntry
	if err := json.Unmarshal(entries[0], &entry); err != nil {
		t.Fatalf("decode audit entry: %v", err)
	}
	if entry.Actor != "u-admin" || entry.Action != "ratelimit_reset" || entry.Target != "u-1" {
		t.Fatalf("audit entry = %+v", entry)
	}
}

func TestAdminUsage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.usage.RecordMessage(ctx, "u-7")
	f.usage.RecordMessage(ctx, "u-7")
	f.usage.RecordChunks(ctx, "u-7", 5)

	status, body := doJSON(t, http.MethodGet, f.ts.URL+"/admin/usage?user=u-7", f.token(t, "u-admin"))
	if status != http.StatusOK {
		t.Fatalf("usage status = %d, want 200", status)
	}
	totals := body["totals"].(map[string]any)
	if totals["messages"] != float64(2) || totals["chunks"] != float64(5) {
		t.Fatalf("totals = %v", totals)
	}

	status, body = doJSON(t, http.MethodGet, f.ts.URL+"/admin/usage", f.token(t, "u-admin"))
	if status != http.StatusOK {
		t.Fatalf("global usage status = %d, want 200", status)
	}
	totals = body["totals"].(map[string]any)
	if totals["messages"] != float64(2) {
		t.Fatalf("global totals = %v", totals)
	}
}

func TestGracefulShutdown(t *testing.T) {
	f := newFixture(t, nil)

	c := f.dial(t, f.token(t, "u-1"), "conv-s", "")
	c.expectWelcome(t)
	c.expectHistory(t)

	done := make(chan error, 1)
	go func() { done <- f.stop(700 * time.Millisecond) }()

	env := c.next(t)
	sys, ok := env.(protocol.System)
	if !ok || sys.Event != "shutting_down" {
		t.Fatalf("shutdown notice = %+v", env)
	}

	// The client stays connected past the grace period and is force
	// closed with a normal status.
	c.expectClose(t, protocol.CloseNormal, "server shutting down")

	if err := <-done; err != nil {
		t.Fatalf("shutdown returned %v", err)
	}

	resp, err := f.ts.Client().Get(f.ts.URL + "/ws")
	if err != nil {
		t.Fatalf("get /ws after shutdown: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("post-shutdown status = %d, want 503", resp.StatusCode)
	}
}
