package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope type discriminators. Every wire frame carries exactly one
// envelope tagged with a "type" field.
const (
	TypeChatMessage = "chat_message"
	TypeChatChunk   = "chat_chunk"
	TypeWelcome     = "welcome"
	TypeHistory     = "history"
	TypePresence    = "presence"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
	TypeSystem      = "system"
	TypeCancel      = "cancel"
	TypeTyping      = "typing"
)

// Roles permitted on a chat_message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Presence states.
const (
	PresenceOnline  = "online"
	PresenceTyping  = "typing"
	PresenceOffline = "offline"
)

var (
	// ErrMalformed reports a frame that is not valid JSON or lacks the
	// type discriminator.
	ErrMalformed = errors.New("protocol: malformed envelope")

	// ErrUnknownType reports a frame whose type discriminator is not a
	// known envelope variant.
	ErrUnknownType = errors.New("protocol: unknown envelope type")
)

// Envelope is one tagged message exchanged over the transport.
type Envelope interface {
	EnvelopeType() string
}

// ChatMessage is a complete chat turn. Role is one of user, assistant or
// system. Metadata values are primitives only.
type ChatMessage struct {
	Type           string         `json:"type"`
	ID             string         `json:"id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (ChatMessage) EnvelopeType() string { return TypeChatMessage }

// ValidRole reports whether r is a permitted chat_message role.
func ValidRole(r string) bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// ChatChunk is one delta of a streaming response. All chunks of one
// response share the id of the chat_message that triggered it. Sequence
// starts at 0 and increases by 1; the terminating chunk has Final set and
// may carry an empty delta.
type ChatChunk struct {
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	Sequence int            `json:"sequence"`
	Delta    string         `json:"delta"`
	Final    bool           `json:"final"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (ChatChunk) EnvelopeType() string { return TypeChatChunk }

// Limits is the quota snapshot advertised in the welcome envelope.
type Limits struct {
	MessagesPerSecond int `json:"messages_per_second"`
	MessagesPerMinute int `json:"messages_per_minute"`
	MessagesPerHour   int `json:"messages_per_hour"`
	MessagesPerDay    int `json:"messages_per_day"`
	MaxMessageBytes   int `json:"max_message_bytes"`
}

// Welcome is the first envelope sent on an accepted connection.
type Welcome struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connection_id"`
	ServerTime   time.Time `json:"server_time"`
	Limits       Limits    `json:"limits"`
}

func (Welcome) EnvelopeType() string { return TypeWelcome }

// History replays the recent messages of the bound conversation. Messages
// is never null on the wire; an unbound connection receives an empty list.
type History struct {
	Type     string        `json:"type"`
	Messages []ChatMessage `json:"messages"`
}

func (History) EnvelopeType() string { return TypeHistory }

// NewHistory builds a history envelope, normalizing a nil slice to an
// empty one so the wire form is always a JSON array.
func NewHistory(messages []ChatMessage) History {
	if messages == nil {
		messages = []ChatMessage{}
	}
	return History{Type: TypeHistory, Messages: messages}
}

// Presence announces a user state change to conversation members.
type Presence struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	State  string `json:"state"`
}

func (Presence) EnvelopeType() string { return TypePresence }

// Ping is a liveness probe; the peer echoes the nonce back in a pong.
type Ping struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

func (Ping) EnvelopeType() string { return TypePing }

// Pong answers a ping with the same nonce.
type Pong struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

func (Pong) EnvelopeType() string { return TypePong }

// ErrorEnvelope reports an in-band failure. It is non-terminal unless
// followed by an explicit close.
type ErrorEnvelope struct {
	Type    string         `json:"type"`
	Code    int            `json:"code"`
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (ErrorEnvelope) EnvelopeType() string { return TypeError }

// NewError builds an error envelope for the given failure kind, filling
// the numeric code from the kind table.
func NewError(kind Kind, message string, details map[string]any) ErrorEnvelope {
	return ErrorEnvelope{
		Type:    TypeError,
		Code:    kind.Code(),
		Kind:    string(kind),
		Message: message,
		Details: details,
	}
}

// System carries server-originated control traffic. System envelopes from
// admin principals bypass message rate limits.
type System struct {
	Type    string         `json:"type"`
	ID      string         `json:"id,omitempty"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (System) EnvelopeType() string { return TypeSystem }

// Cancel asks the server to abort the in-flight stream for the referenced
// chat_message id.
type Cancel struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (Cancel) EnvelopeType() string { return TypeCancel }

// Typing signals the client's typing state for its bound conversation.
type Typing struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Typing         bool   `json:"typing"`
}

func (Typing) EnvelopeType() string { return TypeTyping }

// Encode marshals an envelope to a single JSON text frame.
func Encode(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", e.EnvelopeType(), err)
	}
	return data, nil
}

// Decode parses one frame into its typed variant. Frames that are not
// JSON objects or lack a type discriminator return ErrMalformed; a type
// outside the known set returns ErrUnknownType with the offending type in
// the message. Field-level validation is left to the caller.
func Decode(data []byte) (Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	var (
		e   Envelope
		err error
	)
	switch head.Type {
	case TypeChatMessage:
		var v ChatMessage
		err = json.Unmarshal(data, &v)
		e = v
	case TypeChatChunk:
		var v ChatChunk
		err = json.Unmarshal(data, &v)
		e = v
	case TypeWelcome:
		var v Welcome
		err = json.Unmarshal(data, &v)
		e = v
	case TypeHistory:
		var v History
		err = json.Unmarshal(data, &v)
		e = v
	case TypePresence:
		var v Presence
		err = json.Unmarshal(data, &v)
		e = v
	case TypePing:
		var v Ping
		err = json.Unmarshal(data, &v)
		e = v
	case TypePong:
		var v Pong
		err = json.Unmarshal(data, &v)
		e = v
	case TypeError:
		var v ErrorEnvelope
		err = json.Unmarshal(data, &v)
		e = v
	case TypeSystem:
		var v System
		err = json.Unmarshal(data, &v)
		e = v
	case TypeCancel:
		var v Cancel
		err = json.Unmarshal(data, &v)
		e = v
	case TypeTyping:
		var v Typing
		err = json.Unmarshal(data, &v)
		e = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return e, nil
}
