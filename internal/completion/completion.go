// Package completion is the boundary to the text-generation backend that
// speaks for the AI players.
package completion

import (
	"context"
	"errors"
)

var ErrEmptyCompletion = errors.New("completion returned no text")
var ErrUnknownBackend = errors.New("unknown completion backend")

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged record of an AI player's own conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	System  string
	History []Message
	Persona string
}

// Client generates a single reply. Implementations do not retry.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

const (
	BackendOpenAI   = "openai"
	BackendGemini   = "gemini"
	BackendScripted = "scripted"
)

type Config struct {
	Backend     string
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	// Temperature is nil for the backend default. Zero is a valid setting.
	Temperature *float32
}

func (c *Config) temperature() float32 {
	if c.Temperature == nil {
		return defaultTemperature
	}
	return *c.Temperature
}

// New builds the client for cfg.Backend.
func New(ctx context.Context, cfg *Config) (Client, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	switch cfg.Backend {
	case BackendOpenAI:
		return NewOpenAI(cfg)
	case BackendGemini:
		return NewGemini(ctx, cfg)
	case BackendScripted, "":
		return NewScripted(nil), nil
	default:
		return nil, ErrUnknownBackend
	}
}
