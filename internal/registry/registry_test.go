package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/telemetry"
)

func newTestRegistry() (*Registry, *telemetry.Recorder) {
	rec := telemetry.NewRecorder()
	return New(rec, zerolog.Nop()), rec
}

// ready walks a freshly registered connection to the ready state.
func ready(t *testing.T, c *Conn) {
	t.Helper()
	for _, st := range []State{StateAuthenticating, StateAuthenticated, StateReady} {
		if err := c.Transition(st); err != nil {
			t.Fatalf("transition %s to %s: %v", c.State(), st, err)
		}
	}
}

func register(t *testing.T, r *Registry, id, ip, userID, conversationID string) *Conn {
	t.Helper()
	c := NewConn(id, ip, 16)
	if err := r.Register(c); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	ready(t, c)
	if userID != "" {
		if err := r.Authenticate(id, auth.Principal{UserID: userID, Active: true}); err != nil {
			t.Fatalf("authenticate %s: %v", id, err)
		}
	}
	if conversationID != "" {
		c.BindConversation(conversationID)
	}
	return c
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateInitial, StateConnecting, true},
		{StateConnecting, StateAuthenticating, true},
		{StateAuthenticating, StateAuthenticated, true},
		{StateAuthenticated, StateReady, true},
		{StateReady, StateStreaming, true},
		{StateStreaming, StateReady, true},
		{StateReady, StateUnresponsive, true},
		{StateStreaming, StateUnresponsive, true},
		{StateUnresponsive, StateReady, true},
		{StateClosing, StateClosed, true},

		// Closing is reachable from every live state.
		{StateInitial, StateClosing, true},
		{StateAuthenticating, StateClosing, true},
		{StateStreaming, StateClosing, true},
		{StateUnresponsive, StateClosing, true},

		{StateClosing, StateClosing, false},
		{StateClosed, StateClosing, false},
		{StateClosed, StateReady, false},
		{StateReady, StateAuthenticated, false},
		{StateInitial, StateReady, false},
		{StateUnresponsive, StateStreaming, false},
		{StateAuthenticated, StateStreaming, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestConnTransitionRejectsIllegalEdge(t *testing.T) {
	c := NewConn("c-1", "10.0.0.1", 4)
	if err := c.Transition(StateReady); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("initial to ready = %v, want ErrInvalidTransition", err)
	}
	if got := c.State(); got != StateInitial {
		t.Errorf("state after rejected transition = %s, want initial", got)
	}
}

func TestRegisterIndexesAndCounts(t *testing.T) {
	r, _ := newTestRegistry()

	a := register(t, r, "c-1", "10.0.0.1", "u-1", "")
	register(t, r, "c-2", "10.0.0.1", "u-1", "")

	if got := r.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
	if got := r.CountByIP("10.0.0.1"); got != 2 {
		t.Errorf("CountByIP = %d, want 2", got)
	}
	if got := r.CountByUser("u-1"); got != 2 {
		t.Errorf("CountByUser = %d, want 2", got)
	}

	dup := NewConn("c-1", "10.0.0.9", 4)
	if err := r.Register(dup); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("duplicate register = %v, want ErrDuplicateID", err)
	}

	gone, ok := r.Unregister("c-1")
	if !ok || gone != a {
		t.Fatalf("Unregister returned %v, %v", gone, ok)
	}
	if got := r.CountByIP("10.0.0.1"); got != 1 {
		t.Errorf("CountByIP after unregister = %d, want 1", got)
	}
	if got := r.CountByUser("u-1"); got != 1 {
		t.Errorf("CountByUser after unregister = %d, want 1", got)
	}
	if _, ok := r.Unregister("c-1"); ok {
		t.Error("second unregister should report absence")
	}
}

func TestBroadcastConversationScope(t *testing.T) {
	r, _ := newTestRegistry()

	sender := register(t, r, "c-1", "10.0.0.1", "u-1", "k-1")
	peer := register(t, r, "c-2", "10.0.0.2", "u-2", "k-1")
	other := register(t, r, "c-3", "10.0.0.3", "u-3", "k-2")

	env := protocol.Presence{Type: protocol.TypePresence, UserID: "u-1", State: protocol.PresenceOnline}
	if got := r.Broadcast("k-1", env, sender.ID); got != 1 {
		t.Fatalf("Broadcast delivered %d, want 1", got)
	}

	if sender.QueueDepth() != 0 {
		t.Error("sender must not receive its own broadcast")
	}
	if other.QueueDepth() != 0 {
		t.Error("other conversation must not receive the broadcast")
	}
	if peer.QueueDepth() != 1 {
		t.Fatalf("peer queue depth = %d, want 1", peer.QueueDepth())
	}

	decoded, err := protocol.Decode(<-peer.Outbox())
	if err != nil {
		t.Fatalf("decode delivered frame: %v", err)
	}
	p, ok := decoded.(protocol.Presence)
	if !ok || p.UserID != "u-1" || p.State != protocol.PresenceOnline {
		t.Errorf("delivered envelope = %#v", decoded)
	}
}

func TestBroadcastAll(t *testing.T) {
	r, _ := newTestRegistry()
	register(t, r, "c-1", "10.0.0.1", "u-1", "k-1")
	register(t, r, "c-2", "10.0.0.2", "u-2", "k-2")
	register(t, r, "c-3", "10.0.0.3", "u-3", "")

	env := protocol.System{Type: protocol.TypeSystem, Event: "shutting_down"}
	if got := r.BroadcastAll(env, ""); got != 3 {
		t.Errorf("BroadcastAll delivered %d, want 3", got)
	}
}

func TestBroadcastSkipsNonLiveStates(t *testing.T) {
	r, _ := newTestRegistry()

	pending := NewConn("c-1", "10.0.0.1", 4)
	if err := r.Register(pending); err != nil {
		t.Fatalf("register: %v", err)
	}
	pending.BindConversation("k-1")

	env := protocol.Presence{Type: protocol.TypePresence, UserID: "u-9", State: protocol.PresenceOnline}
	if got := r.Broadcast("k-1", env, ""); got != 0 {
		t.Errorf("Broadcast delivered %d to a connecting connection, want 0", got)
	}
	if pending.QueueDepth() != 0 {
		t.Error("connecting connection must not receive broadcasts")
	}
}

func TestOverflowMarksUnresponsiveAndRecovers(t *testing.T) {
	r, rec := newTestRegistry()

	c := NewConn("c-1", "10.0.0.1", 2)
	if err := r.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	ready(t, c)
	c.BindConversation("k-1")

	for i := 0; i < 2; i++ {
		if err := c.Enqueue([]byte(`{"type":"ping"}`)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	env := protocol.Presence{Type: protocol.TypePresence, UserID: "u-2", State: protocol.PresenceOnline}
	if got := r.Broadcast("k-1", env, ""); got != 0 {
		t.Fatalf("Broadcast into full queue delivered %d, want 0", got)
	}
	if got := c.State(); got != StateUnresponsive {
		t.Fatalf("state after overflow = %s, want unresponsive", got)
	}
	if got := rec.CountOf("registry_unresponsive_total"); got != 1 {
		t.Errorf("unresponsive count = %v, want 1", got)
	}
	if got := rec.CountOf("registry_broadcast_dropped_total", "reason", "queue_full"); got != 1 {
		t.Errorf("drop count = %v, want 1", got)
	}
	if c.SaturatedFor(time.Now().Add(time.Second)) <= 0 {
		t.Error("saturation clock not started")
	}

	// Still saturated: no recovery.
	if c.RecoverIfDrained() {
		t.Fatal("recovered with frames still queued")
	}

	<-c.Outbox()
	<-c.Outbox()
	if !c.RecoverIfDrained() {
		t.Fatal("drained connection did not recover")
	}
	if got := c.State(); got != StateReady {
		t.Errorf("state after recovery = %s, want ready", got)
	}
	if c.SaturatedFor(time.Now()) != 0 {
		t.Error("saturation clock not cleared on recovery")
	}
	if c.RecoverIfDrained() {
		t.Error("recovery from ready should be a no-op")
	}
}

func TestCloseWithSealsQueue(t *testing.T) {
	c := NewConn("c-1", "10.0.0.1", 4)

	c.Enqueue([]byte("a"))
	c.Enqueue([]byte("b"))
	c.CloseWith(protocol.CloseNormal, "bye")

	if err := c.Enqueue([]byte("c")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("enqueue after close = %v, want ErrQueueClosed", err)
	}

	// Frames queued before the close still drain, then the channel ends.
	if got := string(<-c.Outbox()); got != "a" {
		t.Errorf("first frame = %q, want a", got)
	}
	if got := string(<-c.Outbox()); got != "b" {
		t.Errorf("second frame = %q, want b", got)
	}
	if _, open := <-c.Outbox(); open {
		t.Error("outbox still open after close")
	}

	code, reason := c.CloseStatus()
	if code != protocol.CloseNormal || reason != "bye" {
		t.Errorf("close status = %d %q, want 1000 bye", code, reason)
	}

	// First close wins.
	c.CloseWith(protocol.CloseInternalError, "late")
	if code, _ := c.CloseStatus(); code != protocol.CloseNormal {
		t.Errorf("close code overwritten to %d", code)
	}
}

func TestSnapshots(t *testing.T) {
	r, _ := newTestRegistry()

	a := register(t, r, "c-1", "10.0.0.1", "u-1", "k-1")
	b := register(t, r, "c-2", "10.0.0.2", "u-2", "")
	a.CreatedAt = time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	b.CreatedAt = time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)

	if prev := a.SetTyping(true); prev {
		t.Error("fresh connection already marked typing")
	}
	if prev := a.SetTyping(true); !prev {
		t.Error("second SetTyping(true) did not report prior state")
	}
	a.SetLastMessageID("m-7")
	a.Enqueue([]byte("frame"))

	snaps := r.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("snapshot count = %d, want 2", len(snaps))
	}
	if snaps[0].ID != "c-2" || snaps[1].ID != "c-1" {
		t.Errorf("order = [%s %s], want creation order [c-2 c-1]", snaps[0].ID, snaps[1].ID)
	}

	got := snaps[1]
	if got.UserID != "u-1" || got.RemoteIP != "10.0.0.1" || got.State != StateReady {
		t.Errorf("snapshot identity = %+v", got)
	}
	if got.ConversationID != "k-1" || !got.Typing || got.LastMessageID != "m-7" {
		t.Errorf("snapshot detail = %+v", got)
	}
	if got.QueueDepth != 1 {
		t.Errorf("queue depth = %d, want 1", got.QueueDepth)
	}
}
