package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"coaching-sim/internal/domain"
)

func TestNewServiceValidatesDependencies(t *testing.T) {
	store := newMemStore()
	deps := Dependencies{
		Params:     &fakeParams{},
		Generator:  &fakeGenerator{},
		Sessions:   store,
		Transcript: store,
		Progress:   store,
		Debriefs:   store,
		Scenarios:  fakeScenarios{},
	}

	_, err := NewService(deps, Config{ParamPrefix: " "})
	require.EqualError(t, err, "usecase: parameter prefix must not be empty")

	missing := deps
	missing.Generator = nil
	_, err = NewService(missing, Config{ParamPrefix: "/sim"})
	require.EqualError(t, err, "usecase: generator must not be nil")

	svc, err := NewService(deps, Config{ParamPrefix: "/sim/"})
	require.NoError(t, err)
	require.Equal(t, "/sim", svc.cfg.ParamPrefix)
	require.Equal(t, defaultTaskTimeout, svc.cfg.TaskTimeout)
	require.Equal(t, defaultCoachTimeout, svc.cfg.CoachTimeout)
	require.Equal(t, defaultDebriefMaxTokens, svc.cfg.DebriefMaxTokens)
}

func TestStartSessionCreatesActiveSession(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})

	out, err := env.svc.StartSession(context.Background(), StartInput{LearnerID: "learner-1", ScenarioID: testScenario.ID})
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, out.Session.Status)
	require.Equal(t, "learner-1", out.Session.LearnerID)
	require.Equal(t, testScenario.ID, out.Session.ScenarioID)
	require.Equal(t, testNow, out.Session.StartedAt)
	require.Equal(t, testScenario.TitleEN, out.Scenario.TitleEN)
	require.Empty(t, out.AbandonedSessionID)
}

func TestStartSessionAbandonsPriorActiveSession(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})
	ctx := context.Background()

	first, err := env.svc.StartSession(ctx, StartInput{LearnerID: "learner-1", ScenarioID: testScenario.ID})
	require.NoError(t, err)
	second, err := env.svc.StartSession(ctx, StartInput{LearnerID: "learner-1", ScenarioID: testScenario.ID})
	require.NoError(t, err)
	require.Equal(t, first.Session.ID, second.AbandonedSessionID)

	prior, err := env.store.FindByID(ctx, first.Session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAbandoned, prior.Status)
	require.NotNil(t, prior.CompletedAt)

	active := 0
	for _, s := range env.store.sessions {
		if s.LearnerID == "learner-1" && s.Active() {
			active++
		}
	}
	require.Equal(t, 1, active)
}

func TestStartSessionErrors(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})
	ctx := context.Background()

	_, err := env.svc.StartSession(ctx, StartInput{ScenarioID: testScenario.ID})
	expectCode(t, err, ErrorInvalidInput)

	_, err = env.svc.StartSession(ctx, StartInput{LearnerID: "learner-1", ScenarioID: "missing"})
	expectCode(t, err, ErrorNotFound)

	env.store.createErr = domain.ErrActiveSessionExists
	_, err = env.svc.StartSession(ctx, StartInput{LearnerID: "learner-1", ScenarioID: testScenario.ID})
	expectCode(t, err, ErrorConflict)

	env.store.createErr = errors.New("throttled")
	_, err = env.svc.StartSession(ctx, StartInput{LearnerID: "learner-1", ScenarioID: testScenario.ID})
	expectCode(t, err, ErrorPersistence)
}

func TestAbandonSession(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})
	ctx := context.Background()
	session := env.seedSession(t, "learner-1", domain.StatusActive)

	got, err := env.svc.AbandonSession(ctx, "learner-1", session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAbandoned, got.Status)

	writes := env.store.writeCount()
	again, err := env.svc.AbandonSession(ctx, "learner-1", session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAbandoned, again.Status)
	require.Equal(t, writes, env.store.writeCount())
}

func TestAbandonCompletedSessionIsNoop(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})
	session := env.seedSession(t, "learner-1", domain.StatusCompleted)

	got, err := env.svc.AbandonSession(context.Background(), "learner-1", session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)
}

func TestSessionOwnershipAndExistence(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{})
	ctx := context.Background()
	session := env.seedSession(t, "learner-1", domain.StatusActive)

	_, err := env.svc.AbandonSession(ctx, "learner-2", session.ID)
	expectCode(t, err, ErrorForbidden)

	_, err = env.svc.GetSession(ctx, "learner-1", "nope")
	expectCode(t, err, ErrorNotFound)

	_, err = env.svc.EndSession(ctx, EndInput{LearnerID: "learner-2", SessionID: session.ID})
	expectCode(t, err, ErrorForbidden)

	_, err = env.svc.SubmitTurn(ctx, TurnInput{LearnerID: "learner-2", SessionID: session.ID, Message: "hi"})
	expectCode(t, err, ErrorForbidden)
}

func TestGetSessionView(t *testing.T) {
	env := newTestEnv(t, &fakeGenerator{
		task:  reply("Here is a draft.", 5, 7),
		coach: reply(goodVerdict, 3, 4),
	})
	ctx := context.Background()
	session := env.seedSession(t, "learner-1", domain.StatusActive)

	_, err := env.svc.SubmitTurn(ctx, TurnInput{LearnerID: "learner-1", SessionID: session.ID, Message: "Write a tagline"})
	require.NoError(t, err)

	view, err := env.svc.GetSession(ctx, "learner-1", session.ID)
	require.NoError(t, err)
	require.Len(t, view.Interactions, 3)
	require.Equal(t, 1, view.Profile.Turns)
	require.Equal(t, 64, view.Profile.PromptScore)
	require.Equal(t, int64(19), view.Session.TokensUsed)
	require.Nil(t, view.Debrief)
	require.Equal(t, testScenario.ID, view.Scenario.ID)
}
