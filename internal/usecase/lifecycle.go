package usecase

import (
	"context"
	"errors"
	"strings"

	"coaching-sim/internal/domain"
	"coaching-sim/internal/observe"
)

type StartInput struct {
	LearnerID  string
	ScenarioID string
}

type StartOutput struct {
	Session  domain.Session
	Scenario domain.Scenario
	// AbandonedSessionID is set when a previously active session was
	// abandoned to make room for this one.
	AbandonedSessionID string
}

// SessionView is a session with its transcript and score profile. Once a
// debrief exists its scores are authoritative for Profile; LastTurn keeps the
// per-turn profile it replaced.
type SessionView struct {
	Session      domain.Session
	Scenario     domain.Scenario
	Interactions []domain.Interaction
	Profile      ScoreSnapshot
	LastTurn     ScoreSnapshot
	Debrief      *domain.DebriefReport
}

// StartSession opens a new active session, abandoning the learner's current
// one first.
func (s *Service) StartSession(ctx context.Context, in StartInput) (StartOutput, error) {
	learnerID := strings.TrimSpace(in.LearnerID)
	scenarioID := strings.TrimSpace(in.ScenarioID)
	if learnerID == "" {
		return StartOutput{}, newError(ErrorInvalidInput, "missing_learner_id", nil)
	}
	if scenarioID == "" {
		return StartOutput{}, newError(ErrorInvalidInput, "missing_scenario_id", nil)
	}
	scenario, err := s.findScenario(ctx, scenarioID)
	if err != nil {
		return StartOutput{}, err
	}

	var out StartOutput
	active, err := s.sessions.FindActiveByLearner(ctx, learnerID)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
	case err != nil:
		return StartOutput{}, newError(ErrorPersistence, "active_session_read_error", err)
	default:
		if err := s.sessions.MarkAbandoned(ctx, active, s.now()); err != nil && !errors.Is(err, domain.ErrSessionNotActive) {
			return StartOutput{}, newError(ErrorPersistence, "abandon_write_error", err)
		}
		out.AbandonedSessionID = active.ID
		observe.Logger(ctx).Info("abandoned active session", "learner_id", learnerID, "session_id", active.ID)
	}

	session := domain.Session{
		ID:         newUUID(),
		LearnerID:  learnerID,
		ScenarioID: scenario.ID,
		Status:     domain.StatusActive,
		StartedAt:  s.now().UTC(),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		if errors.Is(err, domain.ErrActiveSessionExists) {
			return StartOutput{}, newError(ErrorConflict, "concurrent_session_start", err)
		}
		return StartOutput{}, newError(ErrorPersistence, "session_write_error", err)
	}

	out.Session = session
	out.Scenario = scenario
	return out, nil
}

// AbandonSession moves an active session to abandoned. Abandoning a terminal
// session is a no-op.
func (s *Service) AbandonSession(ctx context.Context, learnerID, sessionID string) (domain.Session, error) {
	session, err := s.loadOwnedSession(ctx, learnerID, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if session.Status.Terminal() {
		return session, nil
	}
	at := s.now().UTC()
	if err := s.sessions.MarkAbandoned(ctx, session, at); err != nil {
		if errors.Is(err, domain.ErrSessionNotActive) {
			return s.reload(ctx, session)
		}
		return domain.Session{}, newError(ErrorPersistence, "abandon_write_error", err)
	}
	session.Status = domain.StatusAbandoned
	session.CompletedAt = &at
	return session, nil
}

// GetSession returns the session, its transcript and its score profile.
func (s *Service) GetSession(ctx context.Context, learnerID, sessionID string) (SessionView, error) {
	session, err := s.loadOwnedSession(ctx, learnerID, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	scenario, err := s.findScenario(ctx, session.ScenarioID)
	if err != nil {
		return SessionView{}, err
	}
	transcript, err := s.transcript.ListBySession(ctx, session.ID)
	if err != nil {
		return SessionView{}, newError(ErrorPersistence, "transcript_read_error", err)
	}
	agg := ReplayScores(transcript)
	view := SessionView{
		Session:      session,
		Scenario:     scenario,
		Interactions: transcript,
		Profile:      agg.Snapshot(),
		LastTurn:     agg.Snapshot(),
	}
	if session.Status == domain.StatusCompleted {
		report, err := s.debriefs.FindDebrief(ctx, session.ID)
		switch {
		case err == nil:
			view.Debrief = &report
			agg.Reseed(report.Scores)
			view.Profile = agg.Snapshot()
		case errors.Is(err, domain.ErrDebriefNotFound):
		default:
			return SessionView{}, newError(ErrorPersistence, "debrief_read_error", err)
		}
	}
	return view, nil
}

func (s *Service) reload(ctx context.Context, session domain.Session) (domain.Session, error) {
	fresh, err := s.sessions.FindByID(ctx, session.ID)
	if err != nil {
		return domain.Session{}, newError(ErrorPersistence, "session_read_error", err)
	}
	return fresh, nil
}
