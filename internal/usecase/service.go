package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"coaching-sim/internal/domain"
	"coaching-sim/internal/observe"
	"coaching-sim/internal/resilience"
)

const (
	defaultMaxMessageLength = 10000
	defaultTaskTimeout      = 60 * time.Second
	defaultCoachTimeout     = 20 * time.Second
	defaultDebriefTimeout   = 60 * time.Second
	defaultTaskMaxTokens    = 4096
	defaultCoachMaxTokens   = 4096
	defaultDebriefMaxTokens = 2048
)

type ParamGetter interface {
	GetParameters(ctx context.Context, names []string) (map[string]string, error)
}

type Generator interface {
	Generate(ctx context.Context, req domain.GenerationRequest) (domain.Generation, error)
}

type SessionStore interface {
	Create(ctx context.Context, s domain.Session) error
	FindByID(ctx context.Context, sessionID string) (domain.Session, error)
	FindActiveByLearner(ctx context.Context, learnerID string) (domain.Session, error)
	MarkAbandoned(ctx context.Context, s domain.Session, at time.Time) error
	MarkCompleted(ctx context.Context, s domain.Session, result domain.SessionResult) error
	IncrementTokens(ctx context.Context, sessionID string, delta int) (int64, error)
}

type TranscriptStore interface {
	Append(ctx context.Context, sessionID string, role domain.Role, content string, tokens int, payload json.RawMessage) (domain.Interaction, error)
	ListBySession(ctx context.Context, sessionID string) ([]domain.Interaction, error)
}

type ProgressStore interface {
	UpsertCompetency(ctx context.Context, learnerID, sessionID string, c domain.Competency, score int) error
}

type DebriefStore interface {
	SaveDebrief(ctx context.Context, report domain.DebriefReport) error
	FindDebrief(ctx context.Context, sessionID string) (domain.DebriefReport, error)
}

type ScenarioSource interface {
	FindScenario(ctx context.Context, scenarioID string) (domain.Scenario, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type Config struct {
	ParamPrefix      string
	MaxMessageLength int
	TaskTimeout      time.Duration
	CoachTimeout     time.Duration
	DebriefTimeout   time.Duration
	TaskMaxTokens    int
	CoachMaxTokens   int
	DebriefMaxTokens int
}

type Dependencies struct {
	Params     ParamGetter
	Generator  Generator
	Sessions   SessionStore
	Transcript TranscriptStore
	Progress   ProgressStore
	Debriefs   DebriefStore
	Scenarios  ScenarioSource
	// CoachBreaker and Metrics are optional.
	CoachBreaker *resilience.Breaker
	Metrics      *observe.Metrics
}

// Service runs simulation sessions: lifecycle, turns and debriefs.
type Service struct {
	params     ParamGetter
	gen        Generator
	sessions   SessionStore
	transcript TranscriptStore
	progress   ProgressStore
	debriefs   DebriefStore
	scenarios  ScenarioSource
	breaker    *resilience.Breaker
	metrics    *observe.Metrics
	cfg        Config
	now        func() time.Time

	cacheMu     sync.RWMutex
	cacheLoaded bool
	taskModel   string
	coachModel  string
}

func NewService(deps Dependencies, cfg Config) (*Service, error) {
	if deps.Params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if deps.Generator == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if deps.Sessions == nil || deps.Transcript == nil || deps.Progress == nil || deps.Debriefs == nil {
		return nil, errors.New("usecase: stores must not be nil")
	}
	if deps.Scenarios == nil {
		return nil, errors.New("usecase: scenario source must not be nil")
	}
	cfg.ParamPrefix = strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	if cfg.ParamPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaultMaxMessageLength
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.CoachTimeout <= 0 {
		cfg.CoachTimeout = defaultCoachTimeout
	}
	if cfg.DebriefTimeout <= 0 {
		cfg.DebriefTimeout = defaultDebriefTimeout
	}
	if cfg.TaskMaxTokens <= 0 {
		cfg.TaskMaxTokens = defaultTaskMaxTokens
	}
	if cfg.CoachMaxTokens <= 0 {
		cfg.CoachMaxTokens = defaultCoachMaxTokens
	}
	if cfg.DebriefMaxTokens <= 0 {
		cfg.DebriefMaxTokens = defaultDebriefMaxTokens
	}
	breaker := deps.CoachBreaker
	if breaker == nil {
		breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "coach"})
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Service{
		params:     deps.Params,
		gen:        deps.Generator,
		sessions:   deps.Sessions,
		transcript: deps.Transcript,
		progress:   deps.Progress,
		debriefs:   deps.Debriefs,
		scenarios:  deps.Scenarios,
		breaker:    breaker,
		metrics:    metrics,
		cfg:        cfg,
		now:        time.Now,
	}, nil
}

func (s *Service) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	taskModel, coachModel, err := s.loadSSMParams(ctx)
	if err != nil {
		return err
	}
	s.taskModel = taskModel
	s.coachModel = coachModel
	s.cacheLoaded = true
	return nil
}

func (s *Service) loadSSMParams(ctx context.Context) (taskModel, coachModel string, err error) {
	modelName := s.cfg.ParamPrefix + "/config/model"
	coachName := s.cfg.ParamPrefix + "/config/coach_model"

	values, err := s.params.GetParameters(ctx, []string{modelName, coachName})
	if err != nil {
		return "", "", fmt.Errorf("usecase: load model config: %w", err)
	}
	taskModel = strings.TrimSpace(values[modelName])
	if taskModel == "" {
		return "", "", fmt.Errorf("usecase: load model config: %s is empty", modelName)
	}
	coachModel = strings.TrimSpace(values[coachName])
	if coachModel == "" {
		coachModel = taskModel
	}
	return taskModel, coachModel, nil
}

func (s *Service) models() (taskModel, coachModel string) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.taskModel, s.coachModel
}

// loadOwnedSession resolves a session and checks that learnerID owns it.
func (s *Service) loadOwnedSession(ctx context.Context, learnerID, sessionID string) (domain.Session, error) {
	learnerID = strings.TrimSpace(learnerID)
	sessionID = strings.TrimSpace(sessionID)
	if learnerID == "" {
		return domain.Session{}, newError(ErrorInvalidInput, "missing_learner_id", nil)
	}
	if sessionID == "" {
		return domain.Session{}, newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return domain.Session{}, newError(ErrorNotFound, "session_not_found", err)
		}
		return domain.Session{}, newError(ErrorPersistence, "session_read_error", err)
	}
	if session.LearnerID != learnerID {
		return domain.Session{}, newError(ErrorForbidden, "session_not_owned", nil)
	}
	return session, nil
}

func (s *Service) findScenario(ctx context.Context, scenarioID string) (domain.Scenario, error) {
	scenario, err := s.scenarios.FindScenario(ctx, scenarioID)
	if err != nil {
		if errors.Is(err, domain.ErrScenarioNotFound) {
			return domain.Scenario{}, newError(ErrorNotFound, "scenario_not_found", err)
		}
		return domain.Scenario{}, newError(ErrorInternal, "scenario_read_error", err)
	}
	return scenario, nil
}

// upstreamError classifies a failed generation call.
func upstreamError(reason string, err error) *Error {
	if status, ok := upstreamStatusCode(err); ok && status == 429 {
		return newError(ErrorRateLimited, reason+"_rate_limited", err)
	}
	return newError(ErrorUpstream, reason+"_error", err)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
