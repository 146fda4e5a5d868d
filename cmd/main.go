package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"coaching-sim/handler"
	"coaching-sim/internal/integrations/llm"
	"coaching-sim/internal/integrations/paramstore"
	"coaching-sim/internal/integrations/turnlock"
	"coaching-sim/internal/observe"
	"coaching-sim/internal/repository"
	"coaching-sim/internal/repository/postgres"
	"coaching-sim/internal/resilience"
	"coaching-sim/internal/scenario"
	"coaching-sim/internal/usecase"
)

// simStore is implemented by both storage backends.
type simStore interface {
	usecase.SessionStore
	usecase.TranscriptStore
	usecase.ProgressStore
	usecase.DebriefStore
}

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	storeBackend := strings.ToLower(envString("STORE_BACKEND", "dynamodb"))
	paramPrefix := mustEnv("PARAM_PREFIX")
	catalogPath := envString("SCENARIO_CATALOG", "configs/scenarios.yaml")
	llmProvider := envString("LLM_PROVIDER", llm.DefaultProvider)
	llmBaseURL := os.Getenv("LLM_BASE_URL")
	redisAddr := os.Getenv("REDIS_ADDR")
	allowedOrigin := os.Getenv("ALLOWED_ORIGIN")
	lockTTL := envDuration("TURN_LOCK_TTL_SECONDS", turnlock.DefaultTTL)
	svcCfg := usecase.Config{
		ParamPrefix:      paramPrefix,
		MaxMessageLength: envInt("MAX_MESSAGE_LENGTH", 10000),
		TaskTimeout:      envDuration("TASK_TIMEOUT_SECONDS", 60*time.Second),
		CoachTimeout:     envDuration("COACH_TIMEOUT_SECONDS", 20*time.Second),
		DebriefTimeout:   envDuration("DEBRIEF_TIMEOUT_SECONDS", 60*time.Second),
	}
	breakerCfg := resilience.BreakerConfig{
		Name:         "coach",
		MaxFailures:  envInt("COACH_BREAKER_MAX_FAILURES", 5),
		ResetTimeout: envDuration("COACH_BREAKER_RESET_SECONDS", 30*time.Second),
	}

	// ---- Telemetry ----
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "coaching-sim",
		ServiceVersion: os.Getenv("AWS_LAMBDA_FUNCTION_VERSION"),
		StdoutTraces:   envBool("OTEL_TRACES_STDOUT", false),
	})
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		os.Exit(1)
	}
	defer func() { _ = shutdown(context.Background()) }()

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}

	catalog, err := scenario.Load(catalogPath)
	if err != nil {
		slog.Error("failed to load scenario catalog", "path", catalogPath, "err", err)
		os.Exit(1)
	}

	store := openStore(ctx, storeBackend, cfg)

	var llmOpts []llm.Option
	if llmBaseURL != "" {
		llmOpts = append(llmOpts, llm.WithBaseURL(llmBaseURL))
	}
	generator, err := llm.NewClient(ssmClient, llmProvider, paramPrefix, llmOpts...)
	if err != nil {
		slog.Error("failed to create LLM client", "err", err)
		os.Exit(1)
	}

	locker := newLocker(ctx, redisAddr, lockTTL)

	// ---- Handler ----
	svc, err := usecase.NewService(usecase.Dependencies{
		Params:       ssmClient,
		Generator:    generator,
		Sessions:     store,
		Transcript:   store,
		Progress:     store,
		Debriefs:     store,
		Scenarios:    catalog,
		CoachBreaker: resilience.NewBreaker(breakerCfg),
	}, svcCfg)
	if err != nil {
		slog.Error("failed to create simulation service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(svc, locker, handler.WithAllowedOrigin(allowedOrigin))
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	slog.Info("simulation service ready",
		"store", storeBackend, "llm_provider", llmProvider,
		"scenarios", len(catalog.List()), "redis_lock", redisAddr != "")
	lambda.Start(h.Handle)
}

func openStore(ctx context.Context, backend string, cfg aws.Config) simStore {
	switch backend {
	case "dynamodb":
		client, err := repository.New(awsdynamodb.NewFromConfig(cfg), mustEnv("STATE_TABLE"))
		if err != nil {
			slog.Error("failed to create state client", "err", err)
			os.Exit(1)
		}
		return client
	case "postgres":
		pg, err := postgres.Open(ctx, mustEnv("DATABASE_URL"))
		if err != nil {
			slog.Error("failed to open postgres store", "err", err)
			os.Exit(1)
		}
		return pg
	default:
		slog.Error("unknown store backend", "backend", backend)
		os.Exit(1)
		return nil
	}
}

// newLocker prefers Redis so locks hold across containers. Without
// REDIS_ADDR, locks only cover requests served by this container.
func newLocker(ctx context.Context, addr string, ttl time.Duration) turnlock.Locker {
	if addr == "" {
		slog.Warn("REDIS_ADDR not set, using in-process turn lock")
		return turnlock.NewLocalLocker(ttl)
	}
	rdb, err := turnlock.Dial(ctx, addr)
	if err != nil {
		slog.Error("failed to connect to redis", "addr", addr, "err", err)
		os.Exit(1)
	}
	locker, err := turnlock.NewRedisLocker(rdb, ttl)
	if err != nil {
		slog.Error("failed to create turn locker", "err", err)
		os.Exit(1)
	}
	return locker
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envDuration reads a whole number of seconds.
func envDuration(key string, def time.Duration) time.Duration {
	n := envInt(key, -1)
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
