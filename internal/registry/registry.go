// Package registry tracks live connections, their lifecycle state, and
// the per-connection outgoing queues that broadcast fan-out writes into.
//
// Sessions own their connections; the registry holds lookups by id,
// user, and remote ip so broadcasts and admin surfaces never touch a
// transport handle directly.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/telemetry"
)

var (
	ErrNotFound          = errors.New("registry: connection not found")
	ErrDuplicateID       = errors.New("registry: connection id already registered")
	ErrInvalidTransition = errors.New("registry: invalid state transition")
	ErrQueueFull         = errors.New("registry: outgoing queue full")
	ErrQueueClosed       = errors.New("registry: outgoing queue closed")
)

// Conn is one live connection's registry entry. The owning session is
// the only caller of lifecycle methods; broadcast fan-out reaches it
// through Enqueue only.
type Conn struct {
	ID        string
	RemoteIP  string
	CreatedAt time.Time

	mu             sync.Mutex
	principal      auth.Principal
	state          State
	conversationID string
	lastSeen       time.Time
	typing         bool
	lastMessageID  string
	saturatedAt    time.Time
	closeCode      int
	closeReason    string
	sendClosed     bool

	outbox    chan []byte
	closeOnce sync.Once
}

// NewConn builds an unregistered connection in the initial state with a
// bounded outgoing queue of outboxSize frames.
func NewConn(id, remoteIP string, outboxSize int) *Conn {
	now := time.Now()
	return &Conn{
		ID:        id,
		RemoteIP:  remoteIP,
		CreatedAt: now,
		state:     StateInitial,
		lastSeen:  now,
		outbox:    make(chan []byte, outboxSize),
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transition applies one lifecycle edge, rejecting anything outside the
// transition table.
func (c *Conn) Transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !CanTransition(c.state, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, c.state, to)
	}
	c.state = to
	return nil
}

// MarkUnresponsive flips a ready or streaming connection to
// unresponsive and starts its saturation clock. The return reports
// whether this call made the change.
func (c *Conn) MarkUnresponsive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady && c.state != StateStreaming {
		return false
	}
	c.state = StateUnresponsive
	c.saturatedAt = time.Now()
	return true
}

// RecoverIfDrained returns an unresponsive connection to ready once its
// queue has emptied.
func (c *Conn) RecoverIfDrained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUnresponsive || len(c.outbox) > 0 {
		return false
	}
	c.state = StateReady
	c.saturatedAt = time.Time{}
	return true
}

// SaturatedFor reports how long the queue has been saturated as of now,
// or zero when it is not.
func (c *Conn) SaturatedFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saturatedAt.IsZero() {
		return 0
	}
	return now.Sub(c.saturatedAt)
}

// Enqueue queues one encoded frame for the writer pump. It never
// blocks: a full queue returns ErrQueueFull and a closed one
// ErrQueueClosed; callers decide how loudly to react.
func (c *Conn) Enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return ErrQueueClosed
	}
	select {
	case c.outbox <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Outbox is the writer pump's drain side. CloseWith closes it after any
// frames already queued, so in-band errors always precede the close
// frame.
func (c *Conn) Outbox() <-chan []byte { return c.outbox }

// QueueDepth reports the frames currently waiting.
func (c *Conn) QueueDepth() int { return len(c.outbox) }

// CloseWith records the transport close status and seals the outgoing
// queue. The first caller wins; later calls are no-ops.
func (c *Conn) CloseWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode, c.closeReason = code, reason
		c.sendClosed = true
		close(c.outbox)
		c.mu.Unlock()
	})
}

// CloseStatus returns the close code and reason set by CloseWith.
func (c *Conn) CloseStatus() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// Principal returns the identity bound at authentication time. The zero
// principal means the connection never authenticated.
func (c *Conn) Principal() auth.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

// Heartbeat refreshes the liveness clock.
func (c *Conn) Heartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = time.Now()
}

// LastSeen returns the liveness clock.
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// BindConversation attaches the connection to a conversation for
// history replay and broadcast fan-out. Rebinding is allowed; the
// newest binding wins.
func (c *Conn) BindConversation(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversationID = id
}

// ConversationID returns the bound conversation, or empty.
func (c *Conn) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// SetTyping records the typing indicator and reports the previous
// value, so callers can suppress fan-out when nothing changed.
func (c *Conn) SetTyping(typing bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.typing
	c.typing = typing
	return prev
}

// SetLastMessageID records the newest inbound message id.
func (c *Conn) SetLastMessageID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastMessageID = id
}

// Snapshot is a serializable projection of one connection's metadata.
// It never carries transport handles, so it is safe to hand to admin
// and diagnostic surfaces.
type Snapshot struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id,omitempty"`
	RemoteIP       string    `json:"remote_ip"`
	State          State     `json:"state"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastSeen       time.Time `json:"last_seen"`
	Typing         bool      `json:"typing,omitempty"`
	LastMessageID  string    `json:"last_message_id,omitempty"`
	QueueDepth     int       `json:"queue_depth"`
}

// Snapshot captures the connection's current metadata.
func (c *Conn) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:             c.ID,
		UserID:         c.principal.UserID,
		RemoteIP:       c.RemoteIP,
		State:          c.state,
		ConversationID: c.conversationID,
		CreatedAt:      c.CreatedAt,
		LastSeen:       c.lastSeen,
		Typing:         c.typing,
		LastMessageID:  c.lastMessageID,
		QueueDepth:     len(c.outbox),
	}
}

// Registry is the authoritative set of live connections.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	byUser map[string]map[string]*Conn
	byIP   map[string]map[string]*Conn

	sink   telemetry.Sink
	logger zerolog.Logger
}

func New(sink telemetry.Sink, logger zerolog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
		byIP:   make(map[string]map[string]*Conn),
		sink:   sink,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Register inserts conn, indexes it by remote ip, and moves it to
// connecting.
func (r *Registry) Register(conn *Conn) error {
	if err := conn.Transition(StateConnecting); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[conn.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, conn.ID)
	}
	r.conns[conn.ID] = conn
	index(r.byIP, conn.RemoteIP, conn)
	r.sink.Gauge("registry_connections", float64(len(r.conns)))
	return nil
}

// Authenticate binds the validated principal to the connection and
// indexes it by user id.
func (r *Registry) Authenticate(id string, p auth.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	conn.mu.Lock()
	conn.principal = p
	conn.mu.Unlock()
	index(r.byUser, p.UserID, conn)
	return nil
}

// Unregister removes the connection from all indexes and returns it so
// the caller can release admission counters and announce departure.
func (r *Registry) Unregister(id string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	unindex(r.byIP, conn.RemoteIP, id)
	unindex(r.byUser, conn.Principal().UserID, id)
	r.sink.Gauge("registry_connections", float64(len(r.conns)))
	return conn, true
}

// Get returns the connection with id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Transition applies a lifecycle edge to the identified connection.
func (r *Registry) Transition(id string, to State) error {
	conn, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return conn.Transition(to)
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountByIP reports live connections from one remote ip.
func (r *Registry) CountByIP(ip string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIP[ip])
}

// CountByUser reports live connections authenticated as userID.
func (r *Registry) CountByUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Broadcast encodes env once and queues it on every live connection
// bound to conversationID, skipping exceptID. Full queues mark their
// connection unresponsive instead of blocking or silently dropping.
// The return is the number of queues reached.
func (r *Registry) Broadcast(conversationID string, env protocol.Envelope, exceptID string) int {
	return r.fanOut(env, func(c *Conn) bool {
		return c.ID != exceptID && c.ConversationID() == conversationID && c.State().Live()
	})
}

// BroadcastAll queues env on every live connection except exceptID.
func (r *Registry) BroadcastAll(env protocol.Envelope, exceptID string) int {
	return r.fanOut(env, func(c *Conn) bool {
		return c.ID != exceptID && c.State().Live()
	})
}

// fanOut snapshots the recipient set under the read lock, then delivers
// without it so a slow queue cannot stall the registry.
func (r *Registry) fanOut(env protocol.Envelope, match func(*Conn) bool) int {
	frame, err := protocol.Encode(env)
	if err != nil {
		r.logger.Error().Err(err).Str("envelope", env.EnvelopeType()).Msg("broadcast encode failed")
		return 0
	}

	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if match(c) {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		switch err := c.Enqueue(frame); {
		case err == nil:
			delivered++
		case errors.Is(err, ErrQueueFull):
			if c.MarkUnresponsive() {
				r.sink.Count("registry_unresponsive_total", 1)
				r.logger.Warn().Str("connection_id", c.ID).
					Str("user_id", c.Principal().UserID).
					Msg("outgoing queue saturated, connection marked unresponsive")
			}
			r.sink.Count("registry_broadcast_dropped_total", 1, "reason", "queue_full")
		default:
			r.sink.Count("registry_broadcast_dropped_total", 1, "reason", "closed")
		}
	}
	r.sink.Count("registry_broadcasts_total", 1, "envelope", env.EnvelopeType())
	return delivered
}

// Snapshots projects every connection's metadata, ordered by creation
// time then id for stable admin output.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func index(m map[string]map[string]*Conn, key string, conn *Conn) {
	if key == "" {
		return
	}
	set, ok := m[key]
	if !ok {
		set = make(map[string]*Conn)
		m[key] = set
	}
	set[conn.ID] = conn
}

func unindex(m map[string]map[string]*Conn, key, id string) {
	if key == "" {
		return
	}
	if set, ok := m[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}
