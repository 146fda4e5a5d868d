package domain

import "time"

// Improvement is one ranked improvement area with a concrete next step.
type Improvement struct {
	Area           string `json:"area"`
	Recommendation string `json:"recommendation"`
}

// DebriefReport is the end-of-session holistic review. One per completed
// session, immutable once saved.
type DebriefReport struct {
	SessionID        string             `json:"sessionId"`
	GlobalScore      int                `json:"scoreGlobal"`
	Scores           CompetencyScoreSet `json:"scores"`
	Strengths        []string           `json:"strengths"`
	Improvements     []Improvement      `json:"improvements"`
	TechniquesUsed   []string           `json:"techniquesUsed"`
	TechniquesMissed []string           `json:"techniquesMissed"`
	Recommendation   string             `json:"recommendation"`
	SummaryEN        string             `json:"summaryEn"`
	SummaryFR        string             `json:"summaryFr"`
	PromptCount      int                `json:"promptCount"`
	DurationMinutes  int                `json:"duration"`
	TokensUsed       int                `json:"tokensUsed"`
	Fallback         bool               `json:"fallback"`
	CreatedAt        time.Time          `json:"createdAt"`
}

// ProgressRecord is a learner's longitudinal standing on one competency.
type ProgressRecord struct {
	LearnerID     string
	Competency    Competency
	CurrentLevel  int
	BestScore     int
	TotalSessions int
}
