// Package usage accumulates per-user consumption counters for billing
// and abuse analysis.
package usage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/internal/kv"
	"github.com/parley-chat/parley/internal/telemetry"
)

const globalKey = "usage:global"

// Hash fields tracked per user and globally.
const (
	FieldMessages   = "messages"
	FieldChunks     = "chunks"
	FieldCachedHits = "cached_hits"
)

// Key returns the usage hash for one user.
func Key(userID string) string { return "usage:" + userID }

// Recorder writes usage to per-user and global hashes in one atomic
// batch. Recording is fire and forget: failures are counted and logged
// but never block or fail the chat path.
type Recorder struct {
	store  kv.Store
	sink   telemetry.Sink
	logger zerolog.Logger
}

func New(store kv.Store, sink telemetry.Sink, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		sink:   sink,
		logger: logger.With().Str("component", "usage").Logger(),
	}
}

// RecordMessage counts one accepted chat message.
func (r *Recorder) RecordMessage(ctx context.Context, userID string) {
	r.add(ctx, userID, FieldMessages, 1)
}

// RecordChunks counts n streamed chunks delivered to userID.
func (r *Recorder) RecordChunks(ctx context.Context, userID string, n int64) {
	if n > 0 {
		r.add(ctx, userID, FieldChunks, n)
	}
}

// RecordCacheHit counts one response served from the response cache.
func (r *Recorder) RecordCacheHit(ctx context.Context, userID string) {
	r.add(ctx, userID, FieldCachedHits, 1)
}

func (r *Recorder) add(ctx context.Context, userID, field string, delta int64) {
	pipe := r.store.Pipeline()
	pipe.HIncrBy(Key(userID), field, delta)
	pipe.HIncrBy(globalKey, field, delta)
	if _, err := pipe.Exec(ctx); err != nil {
		r.sink.Count("usage_record_failures_total", 1)
		r.logger.Warn().Err(err).Str("user_id", userID).Str("field", field).
			Msg("usage record dropped")
	}
}

// ForUser reads one user's accumulated counters. Unknown users read as
// an empty map.
func (r *Recorder) ForUser(ctx context.Context, userID string) (map[string]int64, error) {
	return r.read(ctx, Key(userID))
}

// Global reads the cross-user totals.
func (r *Recorder) Global(ctx context.Context) (map[string]int64, error) {
	return r.read(ctx, globalKey)
}

func (r *Recorder) read(ctx context.Context, key string) (map[string]int64, error) {
	fields, err := r.store.HGetAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("usage: read %s: %w", key, err)
	}
	out := make(map[string]int64, len(fields))
	for field, raw := range fields {
		n, perr := strconv.ParseInt(string(raw), 10, 64)
		if perr != nil {
			r.sink.Count("usage_decode_failures_total", 1)
			continue
		}
		out[field] = n
	}
	return out, nil
}
