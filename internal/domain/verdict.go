package domain

// InterventionType classifies a coaching tip.
type InterventionType string

const (
	InterventionNudge         InterventionType = "nudge"
	InterventionMicroLesson   InterventionType = "micro-lesson"
	InterventionAlert         InterventionType = "alert"
	InterventionEncouragement InterventionType = "encouragement"
	InterventionRedirect      InterventionType = "redirect"
)

// Valid reports whether t is one of the known intervention types.
func (t InterventionType) Valid() bool {
	switch t {
	case InterventionNudge, InterventionMicroLesson, InterventionAlert, InterventionEncouragement, InterventionRedirect:
		return true
	}
	return false
}

// CoachVerdict is the coach's assessment of a single learner message.
type CoachVerdict struct {
	Tip         string             `json:"tip"`
	Type        InterventionType   `json:"type"`
	PromptScore int                `json:"prompt_score"`
	Scores      CompetencyScoreSet `json:"scores"`
	Techniques  []string           `json:"technique_detected"`

	// Degraded is set when the verdict is a fallback rather than a parsed
	// coach response. It is kept in the stored payload so replays can tell
	// real assessments apart, and is never shown to the learner.
	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}
