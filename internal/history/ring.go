// Package history keeps the bounded per-conversation replay window.
//
// Each conversation maps to one KV list holding its newest messages in
// append order. The window is trimmed on write, so readers always see at
// most the configured maximum and never pay for the trim themselves.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/internal/kv"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/telemetry"
)

// Key returns the list key holding one conversation's window.
func Key(conversationID string) string {
	return "hist:" + conversationID
}

// Ring is a bounded per-conversation message window backed by a KV list.
// Append order is the authoritative order; reads never reorder.
type Ring struct {
	store     kv.Store
	max       int
	retention time.Duration
	sink      telemetry.Sink
	logger    zerolog.Logger
}

// New builds a ring keeping at most max messages per conversation. A
// retention of zero disables expiry; otherwise the conversation's clock
// restarts on every append.
func New(store kv.Store, max int, retention time.Duration, sink telemetry.Sink, logger zerolog.Logger) *Ring {
	return &Ring{
		store:     store,
		max:       max,
		retention: retention,
		sink:      sink,
		logger:    logger.With().Str("component", "history").Logger(),
	}
}

// Max reports the window size.
func (r *Ring) Max() int { return r.max }

// Append stores msg at the tail and trims the window to the newest max
// entries in the same atomic batch, so the list can never exceed the
// bound even under concurrent writers.
func (r *Ring) Append(ctx context.Context, conversationID string, msg protocol.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("history: marshal message %s: %w", msg.ID, err)
	}

	key := Key(conversationID)
	pipe := r.store.Pipeline()
	pipe.RPush(key, data)
	pipe.LTrim(key, int64(-r.max), -1)
	if r.retention > 0 {
		pipe.Expire(key, r.retention)
	}
	res, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("history: append to %s: %w", conversationID, err)
	}
	for _, step := range res {
		if step.Err != nil {
			return fmt.Errorf("history: append to %s: %w", conversationID, step.Err)
		}
	}
	return nil
}

// Range reads a slice of the window using list index semantics: zero
// based, inclusive, negatives counting from the tail. Entries that fail
// to decode are skipped and counted, never fatal, so one corrupt record
// cannot wedge a conversation's replay.
func (r *Ring) Range(ctx context.Context, conversationID string, start, stop int64) ([]protocol.ChatMessage, error) {
	raw, err := r.store.LRange(ctx, Key(conversationID), start, stop)
	if err != nil {
		return nil, fmt.Errorf("history: read %s: %w", conversationID, err)
	}

	out := make([]protocol.ChatMessage, 0, len(raw))
	for _, item := range raw {
		var msg protocol.ChatMessage
		if err := json.Unmarshal(item, &msg); err != nil || msg.ID == "" {
			r.sink.Count("history_decode_failures_total", 1)
			r.logger.Warn().Str("conversation_id", conversationID).
				Msg("skipping undecodable history entry")
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Snapshot reads the whole window, oldest first.
func (r *Ring) Snapshot(ctx context.Context, conversationID string) ([]protocol.ChatMessage, error) {
	return r.Range(ctx, conversationID, 0, -1)
}

// Get finds one message in the window by id. The second return is false
// when the id is absent, which includes messages already trimmed out.
func (r *Ring) Get(ctx context.Context, conversationID, messageID string) (protocol.ChatMessage, bool, error) {
	msgs, err := r.Snapshot(ctx, conversationID)
	if err != nil {
		return protocol.ChatMessage{}, false, err
	}
	for _, msg := range msgs {
		if msg.ID == messageID {
			return msg, true, nil
		}
	}
	return protocol.ChatMessage{}, false, nil
}

// Len reports the current window length.
func (r *Ring) Len(ctx context.Context, conversationID string) (int64, error) {
	n, err := r.store.LLen(ctx, Key(conversationID))
	if err != nil {
		return 0, fmt.Errorf("history: len of %s: %w", conversationID, err)
	}
	return n, nil
}

// Before is the deterministic order for messages that did not share an
// append stream: server timestamp first, envelope id as the tie break.
// Within one conversation the stored order is already authoritative and
// must not be re-sorted.
func Before(a, b protocol.ChatMessage) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}
