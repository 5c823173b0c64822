package usage

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/internal/kv/kvtest"
	"github.com/parley-chat/parley/internal/telemetry"
)

func newTestRecorder() (*Recorder, *kvtest.Store, *telemetry.Recorder) {
	store := kvtest.New()
	rec := telemetry.NewRecorder()
	return New(store, rec, zerolog.Nop()), store, rec
}

func TestRecordAccumulates(t *testing.T) {
	r, _, _ := newTestRecorder()
	ctx := context.Background()

	r.RecordMessage(ctx, "u-1")
	r.RecordMessage(ctx, "u-1")
	r.RecordChunks(ctx, "u-1", 5)
	r.RecordCacheHit(ctx, "u-1")
	r.RecordMessage(ctx, "u-2")

	got, err := r.ForUser(ctx, "u-1")
	if err != nil {
		t.Fatalf("ForUser: %v", err)
	}
	if got[FieldMessages] != 2 || got[FieldChunks] != 5 || got[FieldCachedHits] != 1 {
		t.Errorf("u-1 usage = %v", got)
	}

	other, _ := r.ForUser(ctx, "u-2")
	if other[FieldMessages] != 1 || other[FieldChunks] != 0 {
		t.Errorf("u-2 usage = %v", other)
	}

	global, err := r.Global(ctx)
	if err != nil {
		t.Fatalf("Global: %v", err)
	}
	if global[FieldMessages] != 3 || global[FieldChunks] != 5 || global[FieldCachedHits] != 1 {
		t.Errorf("global usage = %v", global)
	}
}

func TestRecordChunksIgnoresNonPositive(t *testing.T) {
	r, store, _ := newTestRecorder()
	ctx := context.Background()

	r.RecordChunks(ctx, "u-1", 0)
	r.RecordChunks(ctx, "u-1", -3)

	if store.Len() != 0 {
		t.Errorf("non-positive chunk counts wrote %d keys", store.Len())
	}
}

func TestRecordFailuresAreSilent(t *testing.T) {
	r, store, rec := newTestRecorder()
	ctx := context.Background()

	store.FailNext(1)
	r.RecordMessage(ctx, "u-1")

	if got := rec.CountOf("usage_record_failures_total"); got != 1 {
		t.Errorf("failure count = %v, want 1", got)
	}

	// The next record lands and the lost one stays lost.
	r.RecordMessage(ctx, "u-1")
	got, err := r.ForUser(ctx, "u-1")
	if err != nil {
		t.Fatalf("ForUser: %v", err)
	}
	if got[FieldMessages] != 1 {
		t.Errorf("messages = %d, want 1", got[FieldMessages])
	}
}

func TestUnknownUserReadsEmpty(t *testing.T) {
	r, _, _ := newTestRecorder()

	got, err := r.ForUser(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("ForUser: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("unknown user usage = %v, want empty", got)
	}
}
