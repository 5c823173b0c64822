// Package kvtest provides an in-memory kv.Store for tests: real type and
// expiry semantics, a controllable clock, and fault injection for
// exercising fail-open and fail-closed paths.
package kvtest

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/parley-chat/parley/internal/kv"
)

type kind uint8

const (
	kindString kind = iota
	kindHash
	kindList
)

type entry struct {
	kind     kind
	str      []byte
	hash     map[string][]byte
	list     [][]byte
	expireAt time.Time // zero means no expiry
}

// Store is an in-memory kv.Store. The zero value is not usable; call New.
type Store struct {
	mu       sync.Mutex
	data     map[string]*entry
	failNext int

	// NowFunc supplies the clock for expiry decisions. Replace it before
	// concurrent use to freeze or advance time in tests.
	NowFunc func() time.Time
}

var _ kv.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		data:    make(map[string]*entry),
		NowFunc: time.Now,
	}
}

// FailNext makes the next n store operations (pipeline Exec counts as
// one) return kv.ErrUnavailable without touching state.
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext += n
}

// Len reports the number of live keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.data {
		if s.live(key) != nil {
			n++
		}
	}
	return n
}

// takeFailure consumes one injected failure. Callers hold the lock.
func (s *Store) takeFailure() bool {
	if s.failNext > 0 {
		s.failNext--
		return true
	}
	return false
}

// live returns the entry at key, lazily evicting it when expired.
// Callers hold the lock.
func (s *Store) live(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if !e.expireAt.IsZero() && !s.NowFunc().Before(e.expireAt) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return nil, kv.ErrUnavailable
	}
	e := s.live(key)
	if e == nil {
		return nil, kv.ErrNotFound
	}
	if e.kind != kindString {
		return nil, kv.ErrWrongType
	}
	return append([]byte(nil), e.str...), nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return false, kv.ErrUnavailable
	}
	e := &entry{kind: kindString, str: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expireAt = s.NowFunc().Add(ttl)
	}
	s.data[key] = e
	return true, nil
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return 0, kv.ErrUnavailable
	}
	return s.incrLocked(key, 1)
}

func (s *Store) Decr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return 0, kv.ErrUnavailable
	}
	return s.incrLocked(key, -1)
}

func (s *Store) incrLocked(key string, delta int64) (int64, error) {
	e := s.live(key)
	if e == nil {
		e = &entry{kind: kindString}
		s.data[key] = e
	}
	if e.kind != kindString {
		return 0, kv.ErrWrongType
	}
	var cur int64
	if len(e.str) > 0 {
		n, err := strconv.ParseInt(string(e.str), 10, 64)
		if err != nil {
			return 0, kv.ErrWrongType
		}
		cur = n
	}
	cur += delta
	e.str = []byte(strconv.FormatInt(cur, 10))
	return cur, nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return false, kv.ErrUnavailable
	}
	e := s.live(key)
	if e == nil {
		return false, nil
	}
	e.expireAt = s.NowFunc().Add(ttl)
	return true, nil
}

func (s *Store) TTL(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return 0, kv.ErrUnavailable
	}
	e := s.live(key)
	if e == nil {
		return kv.TTLAbsent, nil
	}
	if e.expireAt.IsZero() {
		return kv.TTLNoExpiry, nil
	}
	remaining := e.expireAt.Sub(s.NowFunc())
	secs := int64((remaining + time.Second - 1) / time.Second)
	if secs < 0 {
		secs = 0
	}
	return secs, nil
}

func (s *Store) HSet(_ context.Context, key, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return kv.ErrUnavailable
	}
	e := s.live(key)
	if e == nil {
		e = &entry{kind: kindHash, hash: make(map[string][]byte)}
		s.data[key] = e
	}
	if e.kind != kindHash {
		return kv.ErrWrongType
	}
	e.hash[field] = append([]byte(nil), value...)
	return nil
}

func (s *Store) HGet(_ context.Context, key, field string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return nil, kv.ErrUnavailable
	}
	e := s.live(key)
	if e == nil {
		return nil, kv.ErrNotFound
	}
	if e.kind != kindHash {
		return nil, kv.ErrWrongType
	}
	v, ok := e.hash[field]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return kv.ErrUnavailable
	}
	e := s.live(key)
	if e == nil {
		return nil
	}
	if e.kind != kindHash {
		return kv.ErrWrongType
	}
	for _, f := range fields {
		delete(e.hash, f)
	}
	if len(e.hash) == 0 {
		delete(s.data, key)
	}
	return nil
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return nil, kv.ErrUnavailable
	}
	out := make(map[string][]byte)
	e := s.live(key)
	if e == nil {
		return out, nil
	}
	if e.kind != kindHash {
		return nil, kv.ErrWrongType
	}
	for f, v := range e.hash {
		out[f] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *Store) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return 0, kv.ErrUnavailable
	}
	return s.hincrLocked(key, field, delta)
}

func (s *Store) hincrLocked(key, field string, delta int64) (int64, error) {
	e := s.live(key)
	if e == nil {
		e = &entry{kind: kindHash, hash: make(map[string][]byte)}
		s.data[key] = e
	}
	if e.kind != kindHash {
		return 0, kv.ErrWrongType
	}
	var cur int64
	if v, ok := e.hash[field]; ok {
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, kv.ErrWrongType
		}
		cur = n
	}
	cur += delta
	e.hash[field] = []byte(strconv.FormatInt(cur, 10))
	return cur, nil
}

func (s *Store) LPush(_ context.Context, key string, values ...[]byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return 0, kv.ErrUnavailable
	}
	e, err := s.listEntry(key)
	if err != nil {
		return 0, err
	}
	for _, v := range values {
		e.list = append([][]byte{append([]byte(nil), v...)}, e.list...)
	}
	return int64(len(e.list)), nil
}

func (s *Store) RPush(_ context.Context, key string, values ...[]byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return 0, kv.ErrUnavailable
	}
	e, err := s.listEntry(key)
	if err != nil {
		return 0, err
	}
	return s.rpushLocked(e, values...), nil
}

func (s *Store) rpushLocked(e *entry, values ...[]byte) int64 {
	for _, v := range values {
		e.list = append(e.list, append([]byte(nil), v...))
	}
	return int64(len(e.list))
}

func (s *Store) listEntry(key string) (*entry, error) {
	e := s.live(key)
	if e == nil {
		e = &entry{kind: kindList}
		s.data[key] = e
	}
	if e.kind != kindList {
		return nil, kv.ErrWrongType
	}
	return e, nil
}

func (s *Store) LRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return nil, kv.ErrUnavailable
	}
	e := s.live(key)
	if e == nil {
		return nil, nil
	}
	if e.kind != kindList {
		return nil, kv.ErrWrongType
	}
	lo, hi, empty := clampRange(start, stop, int64(len(e.list)))
	if empty {
		return nil, nil
	}
	out := make([][]byte, 0, hi-lo+1)
	for _, v := range e.list[lo : hi+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (s *Store) LTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return kv.ErrUnavailable
	}
	e := s.live(key)
	if e == nil {
		return nil
	}
	if e.kind != kindList {
		return kv.ErrWrongType
	}
	s.ltrimLocked(e, key, start, stop)
	return nil
}

func (s *Store) ltrimLocked(e *entry, key string, start, stop int64) {
	lo, hi, empty := clampRange(start, stop, int64(len(e.list)))
	if empty {
		delete(s.data, key)
		return
	}
	e.list = e.list[lo : hi+1]
}

func (s *Store) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return 0, kv.ErrUnavailable
	}
	e := s.live(key)
	if e == nil {
		return 0, nil
	}
	if e.kind != kindList {
		return 0, kv.ErrWrongType
	}
	return int64(len(e.list)), nil
}

func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return nil, kv.ErrUnavailable
	}
	var keys []string
	for key := range s.data {
		if s.live(key) == nil {
			continue
		}
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, fmt.Errorf("kvtest: bad pattern %q: %w", pattern, err)
		}
		if ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *Store) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return 0, kv.ErrUnavailable
	}
	var n int64
	for _, key := range keys {
		if s.live(key) != nil {
			delete(s.data, key)
			n++
		}
	}
	return n, nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeFailure() {
		return kv.ErrUnavailable
	}
	return nil
}

// clampRange resolves negative indices and clamps to list bounds,
// mirroring the store's inclusive range semantics.
func clampRange(start, stop, n int64) (lo, hi int64, empty bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n || stop < 0 {
		return 0, 0, true
	}
	return start, stop, false
}

type pipeOp func() kv.Result

// Pipeline returns a batch that applies queued commands atomically under
// the store lock at Exec.
func (s *Store) Pipeline() kv.Pipeline {
	return &fakePipeline{store: s}
}

type fakePipeline struct {
	store *Store
	ops   []pipeOp
}

func (p *fakePipeline) Incr(key string) {
	p.ops = append(p.ops, func() kv.Result {
		n, err := p.store.incrLocked(key, 1)
		return kv.Result{Val: n, Err: err}
	})
}

func (p *fakePipeline) Decr(key string) {
	p.ops = append(p.ops, func() kv.Result {
		n, err := p.store.incrLocked(key, -1)
		return kv.Result{Val: n, Err: err}
	})
}

func (p *fakePipeline) Expire(key string, ttl time.Duration) {
	p.ops = append(p.ops, func() kv.Result {
		e := p.store.live(key)
		if e == nil {
			return kv.Result{OK: false}
		}
		e.expireAt = p.store.NowFunc().Add(ttl)
		return kv.Result{OK: true}
	})
}

func (p *fakePipeline) RPush(key string, value []byte) {
	p.ops = append(p.ops, func() kv.Result {
		e, err := p.store.listEntry(key)
		if err != nil {
			return kv.Result{Err: err}
		}
		return kv.Result{Val: p.store.rpushLocked(e, value)}
	})
}

func (p *fakePipeline) LTrim(key string, start, stop int64) {
	p.ops = append(p.ops, func() kv.Result {
		e := p.store.live(key)
		if e == nil {
			return kv.Result{OK: true}
		}
		if e.kind != kindList {
			return kv.Result{Err: kv.ErrWrongType}
		}
		p.store.ltrimLocked(e, key, start, stop)
		return kv.Result{OK: true}
	})
}

func (p *fakePipeline) HIncrBy(key, field string, delta int64) {
	p.ops = append(p.ops, func() kv.Result {
		n, err := p.store.hincrLocked(key, field, delta)
		return kv.Result{Val: n, Err: err}
	})
}

func (p *fakePipeline) Exec(_ context.Context) ([]kv.Result, error) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if p.store.takeFailure() {
		return nil, kv.ErrUnavailable
	}
	results := make([]kv.Result, len(p.ops))
	for i, op := range p.ops {
		results[i] = op()
	}
	p.ops = nil
	return results, nil
}
