package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coaching-sim/internal/domain"
	"coaching-sim/internal/resilience"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeParams struct {
	values map[string]string
	err    error
	calls  int
}

func (f *fakeParams) GetParameters(_ context.Context, names []string) (map[string]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		if v, ok := f.values[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

type generateFunc func(ctx context.Context, req domain.GenerationRequest) (domain.Generation, error)

// fakeGenerator routes requests by system prompt: scenario prompt to task,
// coach prompt to coach, debrief prompt to debrief.
type fakeGenerator struct {
	task    generateFunc
	coach   generateFunc
	debrief generateFunc

	mu       sync.Mutex
	requests []domain.GenerationRequest
}

func (f *fakeGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (domain.Generation, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	var fn generateFunc
	switch req.System {
	case buildCoachSystemPrompt():
		fn = f.coach
	case buildDebriefSystemPrompt():
		fn = f.debrief
	default:
		fn = f.task
	}
	if fn == nil {
		return domain.Generation{}, errors.New("unexpected generate call")
	}
	return fn(ctx, req)
}

func (f *fakeGenerator) requestsFor(system string) []domain.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.GenerationRequest
	for _, r := range f.requests {
		if r.System == system {
			out = append(out, r)
		}
	}
	return out
}

func reply(text string, in, out int) generateFunc {
	return func(context.Context, domain.GenerationRequest) (domain.Generation, error) {
		return domain.Generation{Text: text, InputTokens: in, OutputTokens: out}, nil
	}
}

func failWith(err error) generateFunc {
	return func(context.Context, domain.GenerationRequest) (domain.Generation, error) {
		return domain.Generation{}, err
	}
}

func blockUntilDone(ctx context.Context, _ domain.GenerationRequest) (domain.Generation, error) {
	<-ctx.Done()
	return domain.Generation{}, ctx.Err()
}

type statusErr struct{ code int }

func (e statusErr) Error() string       { return "upstream status" }
func (e statusErr) HTTPStatusCode() int { return e.code }

// memStore implements every store interface in memory and enforces the same
// invariants as the real backends.
type memStore struct {
	mu            sync.Mutex
	sessions      map[string]domain.Session
	interactions  map[string][]domain.Interaction
	debriefs      map[string]domain.DebriefReport
	progress      map[string]domain.ProgressRecord
	progressSeen  map[string]bool
	seq           int64
	writes        int
	createErr     error
	completeErr   error
	saveDebriefs  int
	progressCalls int
}

func newMemStore() *memStore {
	return &memStore{
		sessions:     map[string]domain.Session{},
		interactions: map[string][]domain.Interaction{},
		debriefs:     map[string]domain.DebriefReport{},
		progress:     map[string]domain.ProgressRecord{},
		progressSeen: map[string]bool{},
	}
}

func (m *memStore) Create(_ context.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, existing := range m.sessions {
		if existing.LearnerID == s.LearnerID && existing.Active() {
			return domain.ErrActiveSessionExists
		}
	}
	m.writes++
	m.sessions[s.ID] = s
	return nil
}

func (m *memStore) FindByID(_ context.Context, id string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return s, nil
}

func (m *memStore) FindActiveByLearner(_ context.Context, learnerID string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.LearnerID == learnerID && s.Active() {
			return s, nil
		}
	}
	return domain.Session{}, domain.ErrSessionNotFound
}

func (m *memStore) MarkAbandoned(_ context.Context, s domain.Session, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok || !cur.Active() {
		return domain.ErrSessionNotActive
	}
	m.writes++
	cur.Status = domain.StatusAbandoned
	cur.CompletedAt = &at
	m.sessions[s.ID] = cur
	return nil
}

func (m *memStore) MarkCompleted(_ context.Context, s domain.Session, r domain.SessionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return m.completeErr
	}
	cur, ok := m.sessions[s.ID]
	if !ok || !cur.Active() {
		return domain.ErrSessionNotActive
	}
	m.writes++
	scores := r.Scores
	global := r.GlobalScore
	at := r.CompletedAt
	cur.Status = domain.StatusCompleted
	cur.CompletedAt = &at
	cur.Scores = &scores
	cur.GlobalScore = &global
	cur.TokensUsed += int64(r.TokenDelta)
	m.sessions[s.ID] = cur
	return nil
}

func (m *memStore) IncrementTokens(_ context.Context, id string, delta int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[id]
	if !ok {
		return 0, domain.ErrSessionNotFound
	}
	if !cur.Active() {
		return 0, domain.ErrSessionNotActive
	}
	m.writes++
	cur.TokensUsed += int64(delta)
	m.sessions[id] = cur
	return cur.TokensUsed, nil
}

func (m *memStore) Append(_ context.Context, sessionID string, role domain.Role, content string, tokens int, payload json.RawMessage) (domain.Interaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[sessionID]
	if !ok {
		return domain.Interaction{}, domain.ErrSessionNotFound
	}
	if !cur.Active() {
		return domain.Interaction{}, domain.ErrSessionNotActive
	}
	m.seq++
	m.writes++
	it := domain.Interaction{
		ID:        newUUID(),
		SessionID: sessionID,
		Seq:       m.seq,
		Role:      role,
		Content:   content,
		Tokens:    tokens,
		Payload:   payload,
		CreatedAt: testNow,
	}
	m.interactions[sessionID] = append(m.interactions[sessionID], it)
	return it, nil
}

func (m *memStore) ListBySession(_ context.Context, sessionID string) ([]domain.Interaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Interaction(nil), m.interactions[sessionID]...), nil
}

func (m *memStore) UpsertCompetency(_ context.Context, learnerID, sessionID string, c domain.Competency, score int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progressCalls++
	claim := learnerID + "|" + sessionID + "|" + c.Key()
	if m.progressSeen[claim] {
		return nil
	}
	m.progressSeen[claim] = true
	key := learnerID + "|" + c.Key()
	rec := m.progress[key]
	rec.LearnerID = learnerID
	rec.Competency = c
	rec.TotalSessions++
	rec.CurrentLevel = max(rec.CurrentLevel, score)
	rec.BestScore = max(rec.BestScore, score)
	m.progress[key] = rec
	return nil
}

func (m *memStore) SaveDebrief(_ context.Context, r domain.DebriefReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.debriefs[r.SessionID]; ok {
		return domain.ErrDebriefAlreadyExists
	}
	m.saveDebriefs++
	m.debriefs[r.SessionID] = r
	return nil
}

func (m *memStore) FindDebrief(_ context.Context, sessionID string) (domain.DebriefReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.debriefs[sessionID]
	if !ok {
		return domain.DebriefReport{}, domain.ErrDebriefNotFound
	}
	return r, nil
}

func (m *memStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *memStore) progressFor(learnerID string, c domain.Competency) domain.ProgressRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress[learnerID+"|"+c.Key()]
}

type fakeScenarios map[string]domain.Scenario

func (f fakeScenarios) FindScenario(_ context.Context, id string) (domain.Scenario, error) {
	s, ok := f[id]
	if !ok {
		return domain.Scenario{}, domain.ErrScenarioNotFound
	}
	return s, nil
}

var testScenario = domain.Scenario{
	ID:                 "sc-1",
	Code:               "MKT-01",
	TitleEN:            "Launch copy",
	TitleFR:            "Texte de lancement",
	Domain:             "marketing",
	Level:              "beginner",
	DurationMin:        15,
	SystemPrompt:       "You are a demanding marketing director.",
	EvaluationCriteria: []string{"clarity", "format"},
	Competencies:       []string{"C1", "C2"},
}

type testEnv struct {
	svc    *Service
	store  *memStore
	gen    *fakeGenerator
	params *fakeParams
}

func newTestEnv(t *testing.T, gen *fakeGenerator) *testEnv {
	t.Helper()
	store := newMemStore()
	params := &fakeParams{values: map[string]string{
		"/sim/config/model": "task-model",
	}}
	svc, err := NewService(Dependencies{
		Params:       params,
		Generator:    gen,
		Sessions:     store,
		Transcript:   store,
		Progress:     store,
		Debriefs:     store,
		Scenarios:    fakeScenarios{testScenario.ID: testScenario},
		CoachBreaker: resilience.NewBreaker(resilience.BreakerConfig{Name: "coach", MaxFailures: 100}),
	}, Config{
		ParamPrefix:      "/sim/",
		MaxMessageLength: 200,
		TaskTimeout:      time.Second,
		CoachTimeout:     50 * time.Millisecond,
		DebriefTimeout:   time.Second,
	})
	require.NoError(t, err)
	svc.now = func() time.Time { return testNow }
	return &testEnv{svc: svc, store: store, gen: gen, params: params}
}

func (e *testEnv) seedSession(t *testing.T, learnerID string, status domain.SessionStatus) domain.Session {
	t.Helper()
	s := domain.Session{
		ID:         newUUID(),
		LearnerID:  learnerID,
		ScenarioID: testScenario.ID,
		Status:     status,
		StartedAt:  testNow.Add(-12 * time.Minute),
	}
	e.store.mu.Lock()
	e.store.sessions[s.ID] = s
	e.store.mu.Unlock()
	return s
}

func expectCode(t *testing.T, err error, code ErrorCode) *Error {
	t.Helper()
	require.Error(t, err)
	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	require.Equal(t, code, uerr.Code)
	return uerr
}

const goodVerdict = `{"tip":"Name the output format.","type":"micro-lesson","prompt_score":64,` +
	`"scores":{"c1":4,"c2":2,"c3":3,"c4":3,"c5":4,"c6":2},"technique_detected":["role-prompting"]}`
