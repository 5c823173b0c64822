// loadgen drives a running parleyd with synthetic chat traffic. It ramps
// websocket connections up at a fixed rate, keeps them chatting through a
// sustain window, and reports delivery counters while it runs.
//
// Token subjects are load-0..load-N-1; the matching user records must
// exist in the kv store before the run.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/protocol"
)

type genConfig struct {
	wsURL         string
	healthURL     string
	secret        string
	connections   int
	users         int
	conversations int
	rampRate      int
	sustain       time.Duration
	report        time.Duration
	chatEvery     time.Duration
	dialTimeout   time.Duration
	spoofIPs      bool
}

func parseFlags() genConfig {
	var cfg genConfig
	flag.StringVar(&cfg.wsURL, "url", "ws://localhost:8080/ws", "websocket endpoint")
	flag.StringVar(&cfg.healthURL, "health", "http://localhost:8080/healthz", "health endpoint for the preflight check")
	flag.StringVar(&cfg.secret, "secret", "", "token signing secret (required; must match AUTH_TOKEN_SECRET)")
	flag.IntVar(&cfg.connections, "connections", 100, "target connection count")
	flag.IntVar(&cfg.users, "users", 0, "distinct token subjects to spread per-user limits (0 = one per connection)")
	flag.IntVar(&cfg.conversations, "conversations", 10, "conversations to spread connections across")
	flag.IntVar(&cfg.rampRate, "ramp", 50, "connections opened per second")
	flag.DurationVar(&cfg.sustain, "sustain", 2*time.Minute, "how long to hold the load after ramp")
	flag.DurationVar(&cfg.report, "report", 5*time.Second, "progress report interval")
	flag.DurationVar(&cfg.chatEvery, "chat-every", 10*time.Second, "chat message interval per connection (0 = listen only)")
	flag.DurationVar(&cfg.dialTimeout, "timeout", 10*time.Second, "websocket handshake timeout")
	flag.BoolVar(&cfg.spoofIPs, "spoof-ips", true, "synthesize X-Forwarded-For per connection to spread per-ip admission limits")
	flag.Parse()
	return cfg
}

// stats is the shared counter set. Everything is monotonic except active.
type stats struct {
	active  atomic.Int64
	created atomic.Int64
	failed  atomic.Int64

	sent    atomic.Int64
	skipped atomic.Int64

	chunks   atomic.Int64
	streams  atomic.Int64
	replayed atomic.Int64
	fanout   atomic.Int64
	pongs    atomic.Int64

	serverErrors atomic.Int64
	throttled    atomic.Int64
	decodeErrors atomic.Int64
	readErrors   atomic.Int64
}

func (st *stats) report(logger zerolog.Logger, phase string) {
	logger.Info().
		Str("phase", phase).
		Int64("active", st.active.Load()).
		Int64("created", st.created.Load()).
		Int64("failed", st.failed.Load()).
		Int64("sent", st.sent.Load()).
		Int64("skipped", st.skipped.Load()).
		Int64("chunks", st.chunks.Load()).
		Int64("streams_completed", st.streams.Load()).
		Int64("replayed", st.replayed.Load()).
		Int64("fanout", st.fanout.Load()).
		Int64("pongs", st.pongs.Load()).
		Int64("server_errors", st.serverErrors.Load()).
		Int64("throttled", st.throttled.Load()).
		Int64("decode_errors", st.decodeErrors.Load()).
		Int64("read_errors", st.readErrors.Load()).
		Msg("progress")
}

func main() {
	cfg := parseFlags()
	logger := logging.New("info", "pretty")

	if cfg.secret == "" {
		logger.Fatal().Msg("-secret is required")
	}
	if cfg.users <= 0 {
		cfg.users = cfg.connections
	}
	if cfg.conversations <= 0 {
		cfg.conversations = 1
	}

	if err := checkHealth(cfg.healthURL); err != nil {
		logger.Fatal().Err(err).Msg("server health preflight failed")
	}
	logger.Info().
		Str("url", cfg.wsURL).
		Int("connections", cfg.connections).
		Int("ramp_per_sec", cfg.rampRate).
		Dur("sustain", cfg.sustain).
		Msg("starting load run")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	st := &stats{}
	var wg sync.WaitGroup

	go func() {
		ticker := time.NewTicker(cfg.report)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st.report(logger, phase(st, cfg))
				logHealth(logger, cfg.healthURL)
			case <-runCtx.Done():
				return
			}
		}
	}()

	// Ramp phase: open connections in one-second batches.
	launched := 0
	rampTicker := time.NewTicker(time.Second)
	for launched < cfg.connections {
		batch := cfg.rampRate
		if remaining := cfg.connections - launched; batch > remaining {
			batch = remaining
		}
		for i := 0; i < batch; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				runClient(runCtx, id, cfg, st)
			}(launched)
			launched++
		}
		if launched >= cfg.connections {
			break
		}
		select {
		case <-rampTicker.C:
		case <-ctx.Done():
			launched = cfg.connections
		}
	}
	rampTicker.Stop()
	logger.Info().Int("launched", launched).Msg("ramp complete, sustaining")

	select {
	case <-time.After(cfg.sustain):
		logger.Info().Msg("sustain window complete")
	case <-ctx.Done():
		logger.Info().Msg("interrupted, shutting down")
	}

	cancelRun()
	wg.Wait()
	st.report(logger, "completed")
}

func phase(st *stats, cfg genConfig) string {
	if st.created.Load()+st.failed.Load() < int64(cfg.connections) {
		return "ramping"
	}
	return "sustaining"
}

// runClient owns one connection for its whole life: handshake, pong
// replies, periodic chat sends, graceful close.
func runClient(ctx context.Context, id int, cfg genConfig, st *stats) {
	subject := fmt.Sprintf("load-%d", id%cfg.users)
	token, err := auth.Sign([]byte(cfg.secret), subject, 2*time.Hour)
	if err != nil {
		st.failed.Add(1)
		return
	}
	conv := fmt.Sprintf("conv-load-%d", id%cfg.conversations)

	target := cfg.wsURL + "?" + url.Values{
		"token":        {token},
		"conversation": {conv},
	}.Encode()

	header := http.Header{}
	if cfg.spoofIPs {
		header.Set("X-Forwarded-For", fmt.Sprintf("10.77.%d.%d", id/250%256, id%250+1))
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		st.failed.Add(1)
		return
	}
	defer conn.Close()
	st.created.Add(1)
	st.active.Add(1)
	defer st.active.Add(-1)

	var writeMu sync.Mutex
	write := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	// free holds a token while no response stream is in flight. It is
	// armed by the welcome and re-armed by the final chunk, or by an
	// error envelope when a send was refused.
	free := make(chan struct{}, 1)
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if !errors.As(err, &ce) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
					st.readErrors.Add(1)
				}
				return
			}
			env, err := protocol.Decode(data)
			if err != nil {
				st.decodeErrors.Add(1)
				continue
			}
			switch v := env.(type) {
			case protocol.Welcome:
				select {
				case free <- struct{}{}:
				default:
				}
			case protocol.History:
				st.replayed.Add(int64(len(v.Messages)))
			case protocol.ChatChunk:
				st.chunks.Add(1)
				if v.Final {
					st.streams.Add(1)
					select {
					case free <- struct{}{}:
					default:
					}
				}
			case protocol.Ping:
				if pong, err := protocol.Encode(protocol.Pong{Type: protocol.TypePong, Nonce: v.Nonce}); err == nil {
					if write(pong) == nil {
						st.pongs.Add(1)
					}
				}
			case protocol.ErrorEnvelope:
				st.serverErrors.Add(1)
				if v.Code == protocol.CodeRateLimitExceeded {
					st.throttled.Add(1)
				}
				select {
				case free <- struct{}{}:
				default:
				}
			case protocol.ChatMessage, protocol.Presence, protocol.System:
				st.fanout.Add(1)
			}
		}
	}()

	if cfg.chatEvery > 0 {
		// Stagger senders so the whole fleet does not fire in sync.
		jitter := time.Duration(rand.Int63n(int64(cfg.chatEvery)))
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
		case <-readerDone:
		}

		ticker := time.NewTicker(cfg.chatEvery)
		defer ticker.Stop()
		n := 0
	chat:
		for {
			select {
			case <-ctx.Done():
				break chat
			case <-readerDone:
				break chat
			case <-ticker.C:
				select {
				case <-free:
					n++
					data, err := protocol.Encode(protocol.ChatMessage{
						Type:           protocol.TypeChatMessage,
						Role:           protocol.RoleUser,
						Content:        fmt.Sprintf("load probe %d from %s", n, subject),
						ConversationID: conv,
					})
					if err != nil {
						break chat
					}
					if write(data) != nil {
						break chat
					}
					st.sent.Add(1)
				default:
					// Previous stream still open; skip this beat.
					st.skipped.Add(1)
				}
			}
		}
	} else {
		select {
		case <-ctx.Done():
		case <-readerDone:
		}
	}

	writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	writeMu.Unlock()
	select {
	case <-readerDone:
	case <-time.After(time.Second):
	}
}

func checkHealth(healthURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(healthURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}

func logHealth(logger zerolog.Logger, healthURL string) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(healthURL)
	if err != nil {
		logger.Warn().Err(err).Msg("health poll failed")
		return
	}
	defer resp.Body.Close()
	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		logger.Warn().Err(err).Msg("health poll undecodable")
		return
	}
	logger.Info().
		Str("server_status", body.Status).
		Int("server_connections", body.Connections).
		Msg("server health")
}
