package llm

import (
	"context"
	"errors"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/stretchr/testify/require"

	"coaching-sim/internal/domain"
)

type fakeGetter struct {
	val    string
	err    error
	names  []string
	onCall func()
}

func (f *fakeGetter) GetParameter(ctx context.Context, name string) (string, error) {
	f.names = append(f.names, name)
	if f.onCall != nil {
		f.onCall()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.val, f.err
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "anthropic", "/sim")
	require.ErrorContains(t, err, "nil")

	_, err = NewClient(&fakeGetter{}, "anthropic", " / ")
	require.Error(t, err)

	_, err = NewClient(&fakeGetter{}, "cohere", "/sim")
	require.ErrorContains(t, err, "unsupported provider")

	c, err := NewClient(&fakeGetter{}, "", "/sim/")
	require.NoError(t, err)
	require.Equal(t, DefaultProvider, c.provider)
	require.Equal(t, "/sim/llm-token", c.tokenParameterName())
}

func TestBuildParams(t *testing.T) {
	params := buildParams(domain.GenerationRequest{
		Model:  "claude-sonnet-4-20250514",
		System: "You are a demanding marketing director.",
		Messages: []domain.ChatMessage{
			{Role: "user", Content: "first"},
			{Role: "assistant", Content: "draft"},
		},
		MaxTokens: 4096,
	})

	require.Equal(t, "claude-sonnet-4-20250514", params.Model)
	require.Len(t, params.Messages, 3)
	require.Equal(t, anyllmlib.RoleSystem, params.Messages[0].Role)
	require.Equal(t, "You are a demanding marketing director.", params.Messages[0].Content)
	require.Equal(t, "assistant", params.Messages[2].Role)
	require.NotNil(t, params.MaxTokens)
	require.Equal(t, 4096, *params.MaxTokens)

	bare := buildParams(domain.GenerationRequest{Model: "m", Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}}})
	require.Len(t, bare.Messages, 1)
	require.Nil(t, bare.MaxTokens)
}

func TestGenerate_UsesBackend(t *testing.T) {
	c, err := NewClient(&fakeGetter{}, "anthropic", "/sim")
	require.NoError(t, err)

	var got anyllmlib.CompletionParams
	c.complete = func(_ context.Context, params anyllmlib.CompletionParams) (domain.Generation, error) {
		got = params
		return domain.Generation{Text: "reply", InputTokens: 5, OutputTokens: 7}, nil
	}

	gen, err := c.Generate(context.Background(), domain.GenerationRequest{
		Model:    "m",
		System:   "sys",
		Messages: []domain.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "reply", gen.Text)
	require.Equal(t, 12, gen.Tokens())
	require.Equal(t, "m", got.Model)
	require.Len(t, got.Messages, 2)
}

func TestGenerate_EmptyModel(t *testing.T) {
	c, err := NewClient(&fakeGetter{}, "anthropic", "/sim")
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), domain.GenerationRequest{})
	require.ErrorContains(t, err, "model must not be empty")
}

func TestGenerate_RateLimitIsTagged(t *testing.T) {
	c, err := NewClient(&fakeGetter{}, "anthropic", "/sim")
	require.NoError(t, err)
	c.complete = func(context.Context, anyllmlib.CompletionParams) (domain.Generation, error) {
		return domain.Generation{}, errors.New("llm: completion: anthropic: 429 Too Many Requests")
	}

	_, err = c.Generate(context.Background(), domain.GenerationRequest{Model: "m"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 429, statusErr.HTTPStatusCode())
}

func TestClassify(t *testing.T) {
	plain := errors.New("connection reset")
	require.Same(t, plain, classify(plain))

	coded := &StatusError{StatusCode: 503, Err: errors.New("overloaded")}
	require.Same(t, coded, classify(coded))

	var statusErr *StatusError
	require.ErrorAs(t, classify(errors.New("rate limit exceeded")), &statusErr)
	require.Equal(t, 429, statusErr.StatusCode)
}

func TestResolve_TokenFetchedOnce(t *testing.T) {
	calls := 0
	g := &fakeGetter{val: `{"token":"sk-ant-test"}`}
	g.onCall = func() { calls++ }
	c, err := NewClient(g, "anthropic", "/sim")
	require.NoError(t, err)

	complete, err := c.resolve(context.Background())
	require.NoError(t, err)
	require.NotNil(t, complete)
	_, _ = c.resolve(context.Background())
	require.Equal(t, 1, calls)
	require.Equal(t, []string{"/sim/llm-token"}, g.names)
}

func TestResolve_RetriesAfterTokenError(t *testing.T) {
	g := &fakeGetter{err: errors.New("ssm unavailable")}
	c, err := NewClient(g, "openai", "/sim")
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), domain.GenerationRequest{Model: "m"})
	require.ErrorContains(t, err, "ssm unavailable")

	// A warm container recovers once SSM answers again.
	g.err = nil
	g.val = `{"token":"sk-recovered"}`
	complete, err := c.resolve(context.Background())
	require.NoError(t, err)
	require.NotNil(t, complete)
	_, err = c.resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, g.names, 2)
}

func TestResolve_CancelledFirstCallIsRetried(t *testing.T) {
	g := &fakeGetter{val: `{"token":"sk-ant-test"}`}
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	c, err := NewClient(g, "anthropic", "/sim")
	require.NoError(t, err)

	_, err = c.resolve(cancelled)
	require.ErrorIs(t, err, context.Canceled)

	_, err = c.resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, g.names, 2)
}

func TestResolve_OllamaNeedsNoToken(t *testing.T) {
	g := &fakeGetter{err: errors.New("should not be called")}
	c, err := NewClient(g, "ollama", "/sim", WithBaseURL("http://localhost:11434"))
	require.NoError(t, err)

	_, err = c.resolve(context.Background())
	require.NoError(t, err)
	require.Empty(t, g.names)
}

func TestFetchAPIKey(t *testing.T) {
	key, err := fetchAPIKeyFromParamStore(context.Background(), &fakeGetter{val: `{"token":"sk-from-json"}`}, "/sim/llm-token")
	require.NoError(t, err)
	require.Equal(t, "sk-from-json", key)

	_, err = fetchAPIKeyFromParamStore(context.Background(), &fakeGetter{val: `{"other":"value"}`}, "/sim/llm-token")
	require.ErrorContains(t, err, "empty")

	_, err = fetchAPIKeyFromParamStore(context.Background(), &fakeGetter{val: `{"broken`}, "/sim/llm-token")
	require.ErrorContains(t, err, "unmarshal")

	_, err = fetchAPIKeyFromParamStore(context.Background(), nil, "/sim/llm-token")
	require.ErrorContains(t, err, "nil")

	_, err = fetchAPIKeyFromParamStore(context.Background(), &fakeGetter{}, " ")
	require.ErrorContains(t, err, "name is empty")
}
