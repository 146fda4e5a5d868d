package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"coaching-sim/internal/domain"
	"coaching-sim/internal/observe"
	"coaching-sim/internal/resilience"
)

type TurnInput struct {
	LearnerID string
	SessionID string
	Message   string
}

type TurnOutput struct {
	SessionID    string
	Reply        string
	ReplyTokens  int
	Verdict      domain.CoachVerdict
	Profile      ScoreSnapshot
	PromptNumber int
	TurnTokens   int
	TotalTokens  int64
}

type coachResult struct {
	text     string
	tokens   int
	verdict  domain.CoachVerdict
	degraded bool
}

// SubmitTurn sends one learner message to the task model and the coach
// concurrently and records the exchange.
func (s *Service) SubmitTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	ctx, span := observe.StartSpan(ctx, "usecase.SubmitTurn")
	defer span.End()

	started := s.now()
	out, err := s.submitTurn(ctx, in)
	status := "ok"
	if err != nil {
		status = "error"
		var uerr *Error
		if errors.As(err, &uerr) {
			status = strings.ToLower(string(uerr.Code))
		}
		span.RecordError(err)
	}
	s.metrics.RecordTurn(ctx, status, s.now().Sub(started).Seconds())
	return out, err
}

func (s *Service) submitTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(message) > s.cfg.MaxMessageLength {
		return TurnOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return TurnOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	session, err := s.loadOwnedSession(ctx, in.LearnerID, in.SessionID)
	if err != nil {
		return TurnOutput{}, err
	}
	if !session.Active() {
		return TurnOutput{}, newError(ErrorInvalidState, "session_not_active", nil)
	}
	scenario, err := s.findScenario(ctx, session.ScenarioID)
	if err != nil {
		return TurnOutput{}, err
	}
	history, err := s.transcript.ListBySession(ctx, session.ID)
	if err != nil {
		return TurnOutput{}, newError(ErrorPersistence, "transcript_read_error", err)
	}

	previous := learnerPrompts(history)
	promptNumber := len(previous) + 1
	taskMessages := buildTaskMessages(history, message)

	if _, err := s.transcript.Append(ctx, session.ID, domain.RoleLearner, message, 0, nil); err != nil {
		return TurnOutput{}, turnWriteError("transcript_write_error", err)
	}

	taskModel, coachModel := s.models()
	var (
		task  domain.Generation
		coach coachResult
	)
	var g errgroup.Group
	g.Go(func() error {
		var err error
		task, err = s.runTask(ctx, domain.GenerationRequest{
			Model:     taskModel,
			System:    scenario.SystemPrompt,
			Messages:  taskMessages,
			MaxTokens: s.cfg.TaskMaxTokens,
		})
		return err
	})
	g.Go(func() error {
		coach = s.runCoach(ctx, domain.GenerationRequest{
			Model:  coachModel,
			System: buildCoachSystemPrompt(),
			Messages: []domain.ChatMessage{{
				Role:    string(domain.RoleLearner),
				Content: buildCoachContext(scenario, promptNumber, previous, message),
			}},
			MaxTokens: s.cfg.CoachMaxTokens,
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		observe.Logger(ctx).Error("task model call failed", "session_id", session.ID, "error", err)
		return TurnOutput{}, upstreamError("task_model", err)
	}

	verdict := coach.verdict
	if !coach.degraded {
		verdict = ParseVerdict(coach.text)
	}
	if verdict.Degraded {
		s.metrics.RecordDegradedVerdict(ctx, verdict.DegradedReason)
		observe.Logger(ctx).Warn("coach verdict degraded",
			"session_id", session.ID,
			"prompt_number", promptNumber,
			"reason", verdict.DegradedReason,
		)
	}

	taskTokens := task.Tokens()
	if _, err := s.transcript.Append(ctx, session.ID, domain.RoleTaskModel, task.Text, taskTokens, nil); err != nil {
		return TurnOutput{}, turnWriteError("transcript_write_error", err)
	}
	payload, err := json.Marshal(verdict)
	if err != nil {
		return TurnOutput{}, newError(ErrorInternal, "verdict_encode_error", err)
	}
	if _, err := s.transcript.Append(ctx, session.ID, domain.RoleCoach, string(payload), coach.tokens, payload); err != nil {
		return TurnOutput{}, turnWriteError("transcript_write_error", err)
	}

	turnTokens := taskTokens + coach.tokens
	total, err := s.sessions.IncrementTokens(ctx, session.ID, turnTokens)
	if err != nil {
		return TurnOutput{}, turnWriteError("token_write_error", err)
	}
	s.metrics.RecordTokens(ctx, "task", taskTokens)
	s.metrics.RecordTokens(ctx, "coach", coach.tokens)

	agg := ReplayScores(history)
	agg.Observe(verdict)

	return TurnOutput{
		SessionID:    session.ID,
		Reply:        task.Text,
		ReplyTokens:  taskTokens,
		Verdict:      verdict,
		Profile:      agg.Snapshot(),
		PromptNumber: promptNumber,
		TurnTokens:   turnTokens,
		TotalTokens:  total,
	}, nil
}

func (s *Service) runTask(ctx context.Context, req domain.GenerationRequest) (domain.Generation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	started := s.now()
	gen, err := s.gen.Generate(ctx, req)
	s.metrics.RecordLLMCall(ctx, "task", s.now().Sub(started).Seconds())
	return gen, err
}

// runCoach never fails. Errors, timeouts and an open breaker all produce the
// fallback verdict with zero tokens.
func (s *Service) runCoach(ctx context.Context, req domain.GenerationRequest) coachResult {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CoachTimeout)
	defer cancel()

	started := s.now()
	var gen domain.Generation
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		gen, err = s.gen.Generate(ctx, req)
		return err
	})
	s.metrics.RecordLLMCall(ctx, "coach", s.now().Sub(started).Seconds())
	if err == nil {
		return coachResult{text: gen.Text, tokens: gen.Tokens()}
	}

	reason := degradedCoachError
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		reason = degradedCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		reason = degradedCoachTimeout
	}
	observe.Logger(ctx).Warn("coach call failed", "reason", reason, "error", err)
	return coachResult{
		verdict:  fallbackVerdict(domain.InterventionEncouragement, reason),
		degraded: true,
	}
}

// turnWriteError maps a store write that lost a race with abandon or complete
// to INVALID_STATE. The store refuses the write, so nothing lands on the
// terminal session.
func turnWriteError(reason string, err error) error {
	if errors.Is(err, domain.ErrSessionNotActive) {
		return newError(ErrorInvalidState, "session_not_active", err)
	}
	return newError(ErrorPersistence, reason, err)
}

func learnerPrompts(transcript []domain.Interaction) []string {
	var prompts []string
	for _, it := range transcript {
		if it.Role == domain.RoleLearner {
			prompts = append(prompts, it.Content)
		}
	}
	return prompts
}
