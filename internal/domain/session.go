package domain

import "time"

// SessionStatus is the lifecycle state of a simulation session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusAbandoned SessionStatus = "abandoned"
)

// Terminal reports whether no further transition may leave the status.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Session is one learner attempt at one scenario.
type Session struct {
	ID          string
	LearnerID   string
	ScenarioID  string
	Status      SessionStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	TokensUsed  int64
	// Scores and GlobalScore stay nil until the session completes.
	Scores      *CompetencyScoreSet
	GlobalScore *int
}

// Active reports whether the session still accepts turns.
func (s Session) Active() bool {
	return s.Status == StatusActive
}

// SessionResult is what completion writes onto a session.
type SessionResult struct {
	Scores      CompetencyScoreSet
	GlobalScore int
	// TokenDelta is added to the running token counter.
	TokenDelta  int
	CompletedAt time.Time
}
