// Package llm bridges accepted chat turns to the upstream model and
// shapes the streamed completion into chunk envelopes.
package llm

import (
	"context"
	"errors"

	"github.com/parley-chat/parley/internal/protocol"
)

// Upstream failure classes. Everything a provider returns that is not a
// context error wraps one of these.
var (
	ErrThrottled   = errors.New("llm: upstream rate limited")
	ErrUnavailable = errors.New("llm: upstream unavailable")
)

// Message is one turn of model input.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a fully resolved model invocation.
type Request struct {
	Model       string    `json:"model"`
	System      string    `json:"system"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

// Deterministic reports whether sampling is disabled. Only
// deterministic requests are cacheable.
func (r Request) Deterministic() bool { return r.Temperature == 0 }

// Provider streams one model response, invoking onDelta for every text
// fragment in arrival order and returning the concatenated text. A
// non-nil error from onDelta aborts the read and is returned as is.
type Provider interface {
	Stream(ctx context.Context, req Request, onDelta func(delta string) error) (string, error)
}

// Config selects the model and sampling parameters applied to every
// stream.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// BuildRequest flattens a history window plus the new user turn into a
// model request. The first system-role message becomes the system
// prompt and later system turns are dropped; every remaining role maps
// to user except assistant.
func BuildRequest(cfg Config, history []protocol.ChatMessage, msg protocol.ChatMessage) Request {
	req := Request{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Messages:    make([]Message, 0, len(history)+1),
	}

	turns := make([]protocol.ChatMessage, 0, len(history)+1)
	turns = append(turns, history...)
	turns = append(turns, msg)

	for _, t := range turns {
		if t.Role == protocol.RoleSystem {
			if req.System == "" {
				req.System = t.Content
			}
			continue
		}
		role := protocol.RoleUser
		if t.Role == protocol.RoleAssistant {
			role = protocol.RoleAssistant
		}
		req.Messages = append(req.Messages, Message{Role: role, Content: t.Content})
	}
	return req
}
