// Package llm adapts mozilla-ai/any-llm-go providers to the usecase
// Generator. The provider API token lives in SSM and is fetched on first use.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"coaching-sim/internal/domain"
)

const DefaultProvider = "anthropic"

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// StatusError marks an upstream failure with the HTTP status it maps to.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: upstream status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

type completeFunc func(ctx context.Context, params anyllmlib.CompletionParams) (domain.Generation, error)

// Client implements usecase.Generator on top of one any-llm-go provider.
type Client struct {
	provider    string
	getter      Getter
	paramPrefix string
	baseURL     string

	mu       sync.Mutex
	complete completeFunc
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func NewClient(ps Getter, provider, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("llm: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("llm: parameter prefix must not be empty")
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = DefaultProvider
	}
	if !supported(provider) {
		return nil, fmt.Errorf("llm: unsupported provider %q; supported: anthropic, openai, gemini, mistral, ollama", provider)
	}
	c := &Client{
		provider:    provider,
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Generate(ctx context.Context, req domain.GenerationRequest) (domain.Generation, error) {
	if strings.TrimSpace(req.Model) == "" {
		return domain.Generation{}, errors.New("llm: model must not be empty")
	}
	complete, err := c.resolve(ctx)
	if err != nil {
		return domain.Generation{}, err
	}
	gen, err := complete(ctx, buildParams(req))
	if err != nil {
		return domain.Generation{}, classify(err)
	}
	return gen, nil
}

// resolve builds the provider backend on first success and keeps it for the
// life of the process. A failed build is not cached; the next call retries.
func (c *Client) resolve(ctx context.Context) (completeFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.complete != nil {
		return c.complete, nil
	}

	var opts []anyllmlib.Option
	if c.provider != "ollama" {
		key, err := fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
		if err != nil {
			return nil, err
		}
		opts = append(opts, anyllmlib.WithAPIKey(key))
	}
	if c.baseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(c.baseURL))
	}
	backend, err := createBackend(c.provider, opts...)
	if err != nil {
		return nil, fmt.Errorf("llm: create %q backend: %w", c.provider, err)
	}
	c.complete = backendCompletion(backend)
	return c.complete, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/llm-token"
}

func supported(provider string) bool {
	switch provider {
	case "anthropic", "openai", "gemini", "mistral", "ollama":
		return true
	}
	return false
}

func createBackend(provider string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch provider {
	case "anthropic":
		return anthropic.New(opts...)
	case "openai":
		return anyllmoai.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
}

func backendCompletion(backend anyllmlib.Provider) completeFunc {
	return func(ctx context.Context, params anyllmlib.CompletionParams) (domain.Generation, error) {
		resp, err := backend.Completion(ctx, params)
		if err != nil {
			return domain.Generation{}, fmt.Errorf("llm: completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return domain.Generation{}, errors.New("llm: empty choices in response")
		}
		gen := domain.Generation{Text: resp.Choices[0].Message.ContentString()}
		if resp.Usage != nil {
			gen.InputTokens = resp.Usage.PromptTokens
			gen.OutputTokens = resp.Usage.CompletionTokens
		}
		return gen, nil
	}
}

func buildParams(req domain.GenerationRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}
	params := anyllmlib.CompletionParams{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}

// classify tags provider rate-limit failures with status 429 so callers can
// tell them apart from other upstream errors.
func classify(err error) error {
	var coded interface{ HTTPStatusCode() int }
	if errors.As(err, &coded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") {
		return &StatusError{StatusCode: 429, Err: err}
	}
	return err
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("llm: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("llm: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("llm: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("llm: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("llm: API token is empty")
	}
	return tp.Token, nil
}
