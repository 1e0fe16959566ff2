// Package llm talks to the text-completion service.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"

	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

// Completer turns a prompt into generated text.
type Completer interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, model, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, model, prompt string) (string, error) {
	return f(ctx, model, prompt)
}

// MaxPromptLen is the longest prompt, in bytes, sent to the model. Prompt
// builders budget their variable parts against it.
const MaxPromptLen = 8000

// Clip shortens s to at most max bytes without splitting a UTF-8 sequence.
func Clip(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Response string `json:"response"`
}

// Ollama is a Completer backed by an Ollama server's /api/generate endpoint.
type Ollama struct {
	client *resty.Client
	pinger *resty.Client
}

// NewOllama creates a client for the Ollama server at host. The caller's
// context bounds each call; the client never retries a generation.
func NewOllama(host string) *Ollama {
	host = strings.TrimRight(host, "/")
	return &Ollama{
		client: resty.New().
			SetBaseURL(host).
			SetTimeout(2*time.Minute).
			SetHeader("Content-Type", "application/json"),
		pinger: resty.New().
			SetBaseURL(host).
			SetTimeout(5*time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(200 * time.Millisecond),
	}
}

// Complete sends prompt to the model and returns the raw response text.
// Transport failures, timeouts and non-200 replies are TransientErrors.
func (o *Ollama) Complete(ctx context.Context, model, prompt string) (string, error) {
	prompt = Clip(prompt, MaxPromptLen)

	resp, err := o.client.R().
		SetContext(ctx).
		SetBody(ollamaRequest{Model: model, Prompt: prompt, Stream: false}).
		Post("/api/generate")
	if err != nil {
		return "", &types.TransientError{Op: "ollama request", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return "", &types.TransientError{Op: "ollama request", Err: fmt.Errorf("HTTP %d", resp.StatusCode())}
	}

	var result ollamaResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	return result.Response, nil
}

// Ping checks that the server answers /api/tags. It is a read, so it retries.
func (o *Ollama) Ping(ctx context.Context) error {
	resp, err := o.pinger.R().SetContext(ctx).Get("/api/tags")
	if err != nil {
		return &types.TransientError{Op: "ollama ping", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return &types.TransientError{Op: "ollama ping", Err: fmt.Errorf("HTTP %d", resp.StatusCode())}
	}
	return nil
}
