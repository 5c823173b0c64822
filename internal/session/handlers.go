package session

import (
	"context"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/registry"
)

// handleFrame validates and dispatches one inbound frame.
func (s *Session) handleFrame(ctx context.Context, fr frame) {
	s.lastActivity = time.Now()
	s.conn.Heartbeat()

	if fr.op == ws.OpBinary {
		s.protocolError("binary frames not supported", nil)
		return
	}
	if s.cfg.MaxMessageBytes > 0 && len(fr.data) > s.cfg.MaxMessageBytes {
		s.protocolError("message too large", map[string]any{"max_bytes": s.cfg.MaxMessageBytes})
		return
	}

	env, err := protocol.Decode(fr.data)
	if err != nil {
		s.protocolError("malformed envelope", nil)
		return
	}

	switch v := env.(type) {
	case protocol.ChatMessage:
		s.handleChat(ctx, v)
	case protocol.Cancel:
		s.handleCancel(v)
	case protocol.Typing:
		s.handleTyping(v)
	case protocol.Ping:
		s.send(protocol.Pong{Type: protocol.TypePong, Nonce: v.Nonce})
	case protocol.Pong:
		// Heartbeat already refreshed above.
	case protocol.System:
		s.handleSystem(v)
	default:
		// Server-originated types are not valid inbound.
		s.protocolError("unexpected envelope type "+env.EnvelopeType(), nil)
	}
}

// handleChat runs the accept pipeline for a chat message: validate,
// rate limit, record, fan out, then open the model stream.
func (s *Session) handleChat(ctx context.Context, msg protocol.ChatMessage) {
	principal := s.conn.Principal()

	if s.inFlightID != "" {
		s.sendError(protocol.KindInvalidMessageFormat, "a response stream is already in flight", map[string]any{
			"in_flight_id": s.inFlightID,
		})
		return
	}
	if strings.TrimSpace(msg.Content) == "" {
		s.protocolError("empty content", nil)
		return
	}
	switch msg.Role {
	case "", protocol.RoleUser:
		msg.Role = protocol.RoleUser
	case protocol.RoleSystem:
		if !principal.Admin {
			s.protocolError("role system requires admin", nil)
			return
		}
	default:
		s.protocolError("invalid role "+msg.Role, nil)
		return
	}

	conv := msg.ConversationID
	if conv == "" {
		conv = s.conn.ConversationID()
	}
	if conv == "" {
		s.protocolError("conversation_id required", nil)
		return
	}
	// The message's conversation wins over the handshake binding.
	if conv != s.conn.ConversationID() {
		s.conn.BindConversation(conv)
	}
	msg.ConversationID = conv

	dec, err := s.deps.Limiter.AllowMessage(ctx, principal.UserID)
	if err == nil && !dec.Allowed {
		s.sendError(protocol.KindRateLimitExceeded, "rate limit exceeded", map[string]any{
			"window": dec.Window,
			"count":  dec.Count,
			"limit":  dec.Limit,
		})
		return
	}

	msg.Type = protocol.TypeChatMessage
	if msg.ID == "" {
		msg.ID = "m-" + uuid.NewString()
	}
	msg.Timestamp = time.Now().UTC()
	s.conn.SetLastMessageID(msg.ID)

	// The prompt window is the history before this message.
	window, err := s.deps.History.Snapshot(ctx, conv)
	if err != nil {
		s.log.Warn().Err(err).Msg("prompt window unavailable, streaming without history")
		window = nil
	}
	if err := s.deps.History.Append(ctx, conv, msg); err != nil {
		s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("history append failed")
	}

	s.deps.Registry.Broadcast(conv, msg, s.conn.ID)
	s.persist(msg)
	s.async(func(ctx context.Context) {
		s.deps.Usage.RecordMessage(ctx, principal.UserID)
	})

	s.startStream(ctx, msg, window)
}

func (s *Session) startStream(ctx context.Context, msg protocol.ChatMessage, window []protocol.ChatMessage) {
	if err := s.conn.Transition(registry.StateStreaming); err != nil {
		// Saturated or closing; the message stands but no stream opens.
		s.log.Debug().Err(err).Msg("stream not opened from current state")
		return
	}
	s.inFlightID = msg.ID
	s.streamBuf.Reset()
	s.chunksSent = 0
	s.chunks, s.cancelStream = s.deps.Streamer.Stream(ctx, msg, window)
	s.deps.Sink.Count("session_streams_started_total", 1)
}

// handleStreamEnvelope forwards model output to the client and settles
// the stream when the final chunk arrives.
func (s *Session) handleStreamEnvelope(ctx context.Context, env protocol.Envelope) {
	s.lastActivity = time.Now()

	switch v := env.(type) {
	case protocol.ChatChunk:
		s.send(v)
		s.chunksSent++
		if !v.Final {
			s.streamBuf.WriteString(v.Delta)
			return
		}
		s.finishStream(ctx, v)
	case protocol.ErrorEnvelope:
		s.deps.Sink.Count("session_stream_errors_total", 1, "kind", string(v.Kind))
		s.send(v)
	default:
		s.log.Error().Str("envelope", env.EnvelopeType()).Msg("unexpected stream envelope")
	}
}

// finishStream closes out an in-flight stream: records usage, stores a
// completed reply in history, and fans it out to the conversation.
// Cancelled and failed streams leave no assistant turn behind.
func (s *Session) finishStream(ctx context.Context, final protocol.ChatChunk) {
	replyTo := s.inFlightID
	s.inFlightID = ""
	if s.cancelStream != nil {
		s.cancelStream()
		s.cancelStream = nil
	}
	if err := s.conn.Transition(registry.StateReady); err != nil {
		// Unresponsive or closing; the tick handler owns those paths.
		s.log.Debug().Err(err).Msg("stream finished outside streaming state")
	}

	principal := s.conn.Principal()
	sent := s.chunksSent
	cached, _ := final.Metadata["cached"].(bool)
	cancelled, _ := final.Metadata["cancelled"].(bool)
	_, failed := final.Metadata["error"]

	s.async(func(ctx context.Context) {
		s.deps.Usage.RecordChunks(ctx, principal.UserID, sent)
		if cached {
			s.deps.Usage.RecordCacheHit(ctx, principal.UserID)
		}
	})

	full := s.streamBuf.String() + final.Delta
	s.streamBuf.Reset()
	if cancelled || failed || full == "" {
		return
	}

	reply := protocol.ChatMessage{
		Type:           protocol.TypeChatMessage,
		ID:             "m-" + uuid.NewString(),
		Role:           protocol.RoleAssistant,
		Content:        full,
		ConversationID: s.conn.ConversationID(),
		Timestamp:      time.Now().UTC(),
		Metadata:       map[string]any{"reply_to": replyTo},
	}
	if err := s.deps.History.Append(ctx, reply.ConversationID, reply); err != nil {
		s.log.Warn().Err(err).Str("message_id", reply.ID).Msg("assistant reply append failed")
	}
	s.deps.Registry.Broadcast(reply.ConversationID, reply, s.conn.ID)
	s.persist(reply)
}

// handleCancel stops the in-flight stream; the bridge answers with a
// final cancelled chunk through the regular chunk channel.
func (s *Session) handleCancel(c protocol.Cancel) {
	if s.inFlightID == "" || c.ID != s.inFlightID {
		s.protocolError("no in-flight stream with that id", map[string]any{"id": c.ID})
		return
	}
	s.deps.Sink.Count("session_cancels_total", 1)
	s.cancelStream()
}

func (s *Session) handleTyping(tp protocol.Typing) {
	conv := tp.ConversationID
	if conv == "" {
		conv = s.conn.ConversationID()
	}
	if conv == "" {
		return
	}
	if prev := s.conn.SetTyping(tp.Typing); prev == tp.Typing {
		return
	}
	state := protocol.PresenceOnline
	if tp.Typing {
		state = protocol.PresenceTyping
	}
	s.deps.Registry.Broadcast(conv, protocol.Presence{
		Type:   protocol.TypePresence,
		UserID: s.conn.Principal().UserID,
		State:  state,
	}, s.conn.ID)
}

// handleSystem relays an operator notice. Only admin principals may
// inject system envelopes; their traffic bypasses the message limiter
// but is still recorded.
func (s *Session) handleSystem(sys protocol.System) {
	principal := s.conn.Principal()
	if !principal.Admin {
		s.protocolError("system envelopes are server originated", nil)
		return
	}
	s.deps.Limiter.RecordSystemBypass(principal.UserID)

	if conv := s.conn.ConversationID(); conv != "" {
		s.deps.Registry.Broadcast(conv, sys, s.conn.ID)
	} else {
		s.deps.Registry.BroadcastAll(sys, s.conn.ID)
	}
}
