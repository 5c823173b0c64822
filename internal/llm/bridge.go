package llm

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/telemetry"
)

// Bridge turns one accepted chat message into an ordered stream of
// chunk envelopes.
//
// Contract with the consumer: every delta is wrapped in a chat_chunk
// sharing the inbound message id, sequences start at zero and increase
// by one, and the channel delivers exactly one final=true chunk before
// closing, whatever happened upstream.
type Bridge struct {
	provider Provider
	cache    *Cache
	cfg      Config
	sink     telemetry.Sink
	logger   zerolog.Logger
}

func NewBridge(provider Provider, cache *Cache, cfg Config, sink telemetry.Sink, logger zerolog.Logger) *Bridge {
	return &Bridge{
		provider: provider,
		cache:    cache,
		cfg:      cfg,
		sink:     sink,
		logger:   logger.With().Str("component", "llm_bridge").Logger(),
	}
}

// Stream starts the model response for msg, prompted with the history
// window plus msg itself. The returned cancel stops the upstream read;
// the stream then ends with a final chunk carrying
// metadata.cancelled=true instead of an error. Cancel is safe to call
// more than once and must be called eventually to release the stream.
func (b *Bridge) Stream(ctx context.Context, msg protocol.ChatMessage, history []protocol.ChatMessage) (<-chan protocol.Envelope, context.CancelFunc) {
	out := make(chan protocol.Envelope, 32)
	streamCtx, cancel := context.WithCancel(ctx)
	go b.run(ctx, streamCtx, msg, history, out)
	return out, cancel
}

// run owns the upstream read. It distinguishes the consumer going away
// (parent done: emit nothing, nobody is reading) from a requested
// cancellation (stream context done only: emit the final cancelled
// chunk to release the message id).
func (b *Bridge) run(parent, ctx context.Context, msg protocol.ChatMessage, history []protocol.ChatMessage, out chan<- protocol.Envelope) {
	defer close(out)

	seq := 0
	chunk := func(delta string, final bool, meta map[string]any) protocol.ChatChunk {
		c := protocol.ChatChunk{
			Type:     protocol.TypeChatChunk,
			ID:       msg.ID,
			Sequence: seq,
			Delta:    delta,
			Final:    final,
			Metadata: meta,
		}
		seq++
		return c
	}
	emit := func(env protocol.Envelope) bool {
		select {
		case out <- env:
			return true
		case <-parent.Done():
			return false
		}
	}

	req := BuildRequest(b.cfg, history, msg)

	if cached, ok := b.cache.Lookup(ctx, req); ok {
		emit(chunk(cached, true, map[string]any{"cached": true}))
		b.sink.Count("llm_streams_total", 1, "result", "cached")
		return
	}

	start := time.Now()
	full, err := b.provider.Stream(ctx, req, func(delta string) error {
		if !emit(chunk(delta, false, nil)) {
			return parent.Err()
		}
		return nil
	})

	switch {
	case err == nil:
		b.cache.Store(ctx, req, full)
		emit(chunk("", true, nil))
		b.sink.Count("llm_streams_total", 1, "result", "ok")
		b.sink.Observe("llm_stream_seconds", time.Since(start).Seconds())

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if parent.Err() != nil {
			return
		}
		emit(chunk("", true, map[string]any{"cancelled": true}))
		b.sink.Count("llm_streams_total", 1, "result", "cancelled")
		b.logger.Debug().Str("message_id", msg.ID).Int("chunks", seq).Msg("stream cancelled")

	default:
		kind := protocol.KindUpstreamUnavailable
		if errors.Is(err, ErrThrottled) {
			kind = protocol.KindUpstreamThrottled
		}
		b.logger.Error().Err(err).Str("message_id", msg.ID).Msg("upstream stream failed")
		emit(protocol.NewError(kind, "model stream failed", map[string]any{"message_id": msg.ID}))
		emit(chunk("", true, map[string]any{"error": string(kind)}))
		b.sink.Count("llm_streams_total", 1, "result", "error")
	}
}
