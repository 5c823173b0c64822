package kvtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parley-chat/parley/internal/kv"
)

func TestCounterLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	n, err := s.Incr(ctx, "rl:user:u-1:sec")
	if err != nil || n != 1 {
		t.Fatalf("Incr = %d, %v; want 1, nil", n, err)
	}
	n, _ = s.Incr(ctx, "rl:user:u-1:sec")
	if n != 2 {
		t.Fatalf("second Incr = %d, want 2", n)
	}
	n, _ = s.Decr(ctx, "rl:user:u-1:sec")
	if n != 1 {
		t.Fatalf("Decr = %d, want 1", n)
	}
}

func TestTTLConvention(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s.NowFunc = func() time.Time { return now }

	if ttl, _ := s.TTL(ctx, "missing"); ttl != kv.TTLAbsent {
		t.Errorf("absent key TTL = %d, want %d", ttl, kv.TTLAbsent)
	}

	s.Set(ctx, "forever", []byte("v"), 0)
	if ttl, _ := s.TTL(ctx, "forever"); ttl != kv.TTLNoExpiry {
		t.Errorf("no-expiry TTL = %d, want %d", ttl, kv.TTLNoExpiry)
	}

	s.Set(ctx, "short", []byte("v"), 60*time.Second)
	if ttl, _ := s.TTL(ctx, "short"); ttl != 60 {
		t.Errorf("expiring TTL = %d, want 60", ttl)
	}

	// Advancing past the deadline evicts lazily.
	now = now.Add(61 * time.Second)
	if _, err := s.Get(ctx, "short"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("expired Get err = %v, want ErrNotFound", err)
	}
	if ttl, _ := s.TTL(ctx, "short"); ttl != kv.TTLAbsent {
		t.Errorf("expired TTL = %d, want %d", ttl, kv.TTLAbsent)
	}
}

func TestWrongTypeSurfaces(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Set(ctx, "k", []byte("v"), 0)
	if _, err := s.LRange(ctx, "k", 0, -1); !errors.Is(err, kv.ErrWrongType) {
		t.Errorf("LRange on string err = %v, want ErrWrongType", err)
	}
	if err := s.HSet(ctx, "k", "f", []byte("v")); !errors.Is(err, kv.ErrWrongType) {
		t.Errorf("HSet on string err = %v, want ErrWrongType", err)
	}
}

func TestListRangeNegativeIndices(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, v := range []string{"a", "b", "c", "d"} {
		s.RPush(ctx, "l", []byte(v))
	}
	got, err := s.LRange(ctx, "l", -2, -1)
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	if len(got) != 2 || string(got[0]) != "c" || string(got[1]) != "d" {
		t.Errorf("LRange(-2,-1) = %q", got)
	}
	if err := s.LTrim(ctx, "l", -3, -1); err != nil {
		t.Fatalf("LTrim: %v", err)
	}
	rest, _ := s.LRange(ctx, "l", 0, -1)
	if len(rest) != 3 || string(rest[0]) != "b" {
		t.Errorf("after LTrim list = %q", rest)
	}
}

func TestPipelineAtomicOrderAndFailure(t *testing.T) {
	ctx := context.Background()
	s := New()

	p := s.Pipeline()
	p.Incr("a")
	p.Incr("b")
	p.Expire("a", time.Minute)
	p.Expire("missing", time.Minute)
	res, err := p.Exec(ctx)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if len(res) != 4 {
		t.Fatalf("Exec returned %d results, want 4", len(res))
	}
	if res[0].Val != 1 || res[1].Val != 1 {
		t.Errorf("incr results = %d, %d; want 1, 1", res[0].Val, res[1].Val)
	}
	if !res[2].OK || res[3].OK {
		t.Errorf("expire results = %v, %v; want true, false", res[2].OK, res[3].OK)
	}

	// Injected failure aborts the whole batch without applying it.
	s.FailNext(1)
	p2 := s.Pipeline()
	p2.Incr("a")
	if _, err := p2.Exec(ctx); !errors.Is(err, kv.ErrUnavailable) {
		t.Fatalf("Exec err = %v, want ErrUnavailable", err)
	}
	if n, _ := s.Incr(ctx, "a"); n != 2 {
		t.Errorf("counter after failed batch = %d, want 2 (batch not applied)", n)
	}
}

func TestKeysGlob(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Incr(ctx, "rl:user:u-1:sec")
	s.Incr(ctx, "rl:user:u-1:min")
	s.Incr(ctx, "rl:ip:10.0.0.1:conn")
	keys, err := s.Keys(ctx, "rl:user:u-1:*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Keys = %v, want 2 entries", keys)
	}
}
