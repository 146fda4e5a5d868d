package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"coaching-sim/internal/domain"
	"coaching-sim/internal/observe"
)

const (
	maxDebriefItems        = 3
	fallbackStrength       = "Completed the simulation"
	fallbackImprovement    = "Practice more scenarios"
	fallbackNextStep       = "Try another scenario to build consistency."
	fallbackRecommendation = "Keep practicing!"
)

type EndInput struct {
	LearnerID string
	SessionID string
}

type EndOutput struct {
	Session domain.Session
	Report  domain.DebriefReport
	// Profile is the session profile reseeded with the debrief scores.
	Profile ScoreSnapshot
	// LastTurn is the per-turn profile before the debrief. It is kept so a
	// disagreement with the debrief stays visible.
	LastTurn ScoreSnapshot
}

type debriefPayload struct {
	ScoreGlobal      looseInt          `json:"score_global"`
	Scores           looseScores       `json:"scores"`
	Strengths        looseStrings      `json:"strengths"`
	Improvements     looseImprovements `json:"improvements"`
	TechniquesUsed   looseStrings      `json:"techniques_used"`
	TechniquesMissed looseStrings      `json:"techniques_missed"`
	Recommendation   looseStrings      `json:"recommendation"`
	SummaryEN        looseStrings      `json:"summary_en"`
	SummaryFR        looseStrings      `json:"summary_fr"`
}

// EndSession produces the debrief for an active session and completes it.
// Steps are ordered so a failed call can be retried: the saved report is
// reused, progress folding is idempotent per session, and completion comes
// last.
func (s *Service) EndSession(ctx context.Context, in EndInput) (EndOutput, error) {
	ctx, span := observe.StartSpan(ctx, "usecase.EndSession")
	defer span.End()

	session, err := s.loadOwnedSession(ctx, in.LearnerID, in.SessionID)
	if err != nil {
		return EndOutput{}, err
	}
	if !session.Active() {
		return EndOutput{}, newError(ErrorInvalidState, "session_not_active", nil)
	}
	scenario, err := s.findScenario(ctx, session.ScenarioID)
	if err != nil {
		return EndOutput{}, err
	}
	transcript, err := s.transcript.ListBySession(ctx, session.ID)
	if err != nil {
		return EndOutput{}, newError(ErrorPersistence, "transcript_read_error", err)
	}
	agg := ReplayScores(transcript)
	snapshot := agg.Snapshot()

	report, err := s.debriefs.FindDebrief(ctx, session.ID)
	switch {
	case err == nil:
		observe.Logger(ctx).Info("reusing saved debrief", "session_id", session.ID)
	case errors.Is(err, domain.ErrDebriefNotFound):
		report, err = s.synthesizeDebrief(ctx, session, scenario, transcript)
		if err != nil {
			return EndOutput{}, err
		}
		if report, err = s.saveDebrief(ctx, report); err != nil {
			return EndOutput{}, err
		}
	default:
		return EndOutput{}, newError(ErrorPersistence, "debrief_read_error", err)
	}

	for _, c := range domain.Competencies {
		if err := s.progress.UpsertCompetency(ctx, session.LearnerID, session.ID, c, report.Scores.Level(c)); err != nil {
			return EndOutput{}, newError(ErrorPersistence, "progress_write_error", err)
		}
	}

	completedAt := s.now().UTC()
	err = s.sessions.MarkCompleted(ctx, session, domain.SessionResult{
		Scores:      report.Scores,
		GlobalScore: report.GlobalScore,
		TokenDelta:  report.TokensUsed,
		CompletedAt: completedAt,
	})
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotActive) {
			return EndOutput{}, newError(ErrorInvalidState, "session_not_active", err)
		}
		return EndOutput{}, newError(ErrorPersistence, "session_complete_error", err)
	}
	s.metrics.RecordDebrief(ctx, report.Fallback)

	if snapshot.Scores != report.Scores {
		observe.Logger(ctx).Info("debrief scores differ from last turn snapshot",
			"session_id", session.ID,
			"snapshot_global", snapshot.GlobalScore,
			"debrief_global", report.GlobalScore,
		)
	}

	completed, err := s.sessions.FindByID(ctx, session.ID)
	if err != nil {
		observe.Logger(ctx).Warn("reload completed session failed", "session_id", session.ID, "error", err)
		completed = session
		completed.Status = domain.StatusCompleted
		completed.CompletedAt = &completedAt
		completed.TokensUsed += int64(report.TokensUsed)
		completed.Scores = &report.Scores
		completed.GlobalScore = &report.GlobalScore
	}
	agg.Reseed(report.Scores)
	return EndOutput{Session: completed, Report: report, Profile: agg.Snapshot(), LastTurn: snapshot}, nil
}

func (s *Service) synthesizeDebrief(ctx context.Context, session domain.Session, scenario domain.Scenario, transcript []domain.Interaction) (domain.DebriefReport, error) {
	in := debriefInput{
		scenario: scenario,
		duration: s.now().Sub(session.StartedAt),
	}
	for _, it := range transcript {
		switch it.Role {
		case domain.RoleLearner:
			in.prompts = append(in.prompts, it.Content)
		case domain.RoleTaskModel:
			in.replies = append(in.replies, it.Content)
		case domain.RoleCoach:
			in.tips = append(in.tips, storedVerdict(it).Tip)
		}
	}

	report := domain.DebriefReport{
		SessionID:       session.ID,
		PromptCount:     len(in.prompts),
		DurationMinutes: durationMinutes(in.duration),
		CreatedAt:       s.now().UTC(),
	}
	if len(in.prompts) == 0 {
		applyFallbackDebrief(&report, "")
		return report, nil
	}

	if err := s.ensureConfig(ctx); err != nil {
		return domain.DebriefReport{}, newError(ErrorInternal, "ssm_load_error", err)
	}
	model, _ := s.models()

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.DebriefTimeout)
	defer cancel()
	started := s.now()
	gen, err := s.gen.Generate(genCtx, domain.GenerationRequest{
		Model:     model,
		System:    buildDebriefSystemPrompt(),
		Messages:  []domain.ChatMessage{{Role: string(domain.RoleLearner), Content: buildDebriefContext(in)}},
		MaxTokens: s.cfg.DebriefMaxTokens,
	})
	s.metrics.RecordLLMCall(ctx, "debrief", s.now().Sub(started).Seconds())
	if err != nil {
		observe.Logger(ctx).Warn("debrief generation failed", "session_id", session.ID, "error", err)
		applyFallbackDebrief(&report, "")
		return report, nil
	}
	report.TokensUsed = gen.Tokens()
	s.metrics.RecordTokens(ctx, "debrief", report.TokensUsed)

	if !parseDebrief(gen.Text, &report) {
		observe.Logger(ctx).Warn("debrief output not parseable", "session_id", session.ID)
		applyFallbackDebrief(&report, gen.Text)
	}
	return report, nil
}

func (s *Service) saveDebrief(ctx context.Context, report domain.DebriefReport) (domain.DebriefReport, error) {
	err := s.debriefs.SaveDebrief(ctx, report)
	if err == nil {
		return report, nil
	}
	if !errors.Is(err, domain.ErrDebriefAlreadyExists) {
		return domain.DebriefReport{}, newError(ErrorPersistence, "debrief_write_error", err)
	}
	// A concurrent completion saved first; its report wins.
	existing, err := s.debriefs.FindDebrief(ctx, report.SessionID)
	if err != nil {
		return domain.DebriefReport{}, newError(ErrorPersistence, "debrief_read_error", err)
	}
	return existing, nil
}

// parseDebrief fills report from holistic model output. It reports false when
// the output holds no usable JSON object.
func parseDebrief(raw string, report *domain.DebriefReport) bool {
	var p debriefPayload
	if err := decodeModelJSON(raw, &p); err != nil {
		return false
	}
	report.Scores = scoresFromMap(p.Scores)
	report.GlobalScore = WeightedGlobalScore(report.Scores)
	if p.ScoreGlobal.set {
		report.GlobalScore = clampPercent(p.ScoreGlobal.v)
	}
	report.Strengths = firstN(trimmedNonEmpty(p.Strengths), maxDebriefItems)
	report.Improvements = firstNImprovements(p.Improvements, maxDebriefItems)
	report.TechniquesUsed = normalizeTechniques(p.TechniquesUsed)
	report.TechniquesMissed = normalizeTechniques(p.TechniquesMissed)
	report.Recommendation = strings.TrimSpace(strings.Join(p.Recommendation, " "))
	if report.Recommendation == "" {
		report.Recommendation = fallbackRecommendation
	}
	report.SummaryEN = strings.TrimSpace(strings.Join(p.SummaryEN, " "))
	report.SummaryFR = strings.TrimSpace(strings.Join(p.SummaryFR, " "))
	return true
}

// applyFallbackDebrief overwrites the assessment fields with the neutral
// report. raw, when present, becomes both summaries.
func applyFallbackDebrief(report *domain.DebriefReport, raw string) {
	summary := strings.TrimSpace(raw)
	if summary == "" {
		summary = fallbackDebriefText
	}
	report.GlobalScore = defaultPromptScore
	report.Scores = domain.NeutralScores()
	report.Strengths = []string{fallbackStrength}
	report.Improvements = []domain.Improvement{{Area: fallbackImprovement, Recommendation: fallbackNextStep}}
	report.TechniquesUsed = []string{}
	report.TechniquesMissed = []string{}
	report.Recommendation = fallbackRecommendation
	report.SummaryEN = summary
	report.SummaryFR = summary
	report.Fallback = true
}

func trimmedNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstN(in []string, n int) []string {
	if len(in) > n {
		return in[:n]
	}
	return in
}

func firstNImprovements(in []domain.Improvement, n int) []domain.Improvement {
	out := make([]domain.Improvement, 0, n)
	for _, imp := range in {
		imp.Area = strings.TrimSpace(imp.Area)
		imp.Recommendation = strings.TrimSpace(imp.Recommendation)
		if imp.Area == "" && imp.Recommendation == "" {
			continue
		}
		out = append(out, imp)
		if len(out) == n {
			break
		}
	}
	return out
}

// looseImprovements accepts plain strings or {area, recommendation} objects.
type looseImprovements []domain.Improvement

func (l *looseImprovements) UnmarshalJSON(b []byte) error {
	*l = nil
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return nil
	}
	for _, item := range items {
		var text string
		if err := json.Unmarshal(item, &text); err == nil {
			*l = append(*l, domain.Improvement{Area: text})
			continue
		}
		var imp struct {
			Area           string `json:"area"`
			Recommendation string `json:"recommendation"`
		}
		if err := json.Unmarshal(item, &imp); err == nil {
			*l = append(*l, domain.Improvement{Area: imp.Area, Recommendation: imp.Recommendation})
		}
	}
	return nil
}
