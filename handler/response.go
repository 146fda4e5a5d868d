package handler

import (
	"encoding/json"
	"time"

	"coaching-sim/internal/domain"
	"coaching-sim/internal/usecase"
)

type startRequest struct {
	ScenarioID string `json:"scenarioId"`
}

type chatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type sessionScoresJSON struct {
	domain.CompetencyScoreSet
	Global int `json:"global"`
}

type sessionJSON struct {
	ID          string             `json:"id"`
	ScenarioID  string             `json:"scenarioId"`
	Status      string             `json:"status"`
	StartedAt   time.Time          `json:"startedAt"`
	CompletedAt *time.Time         `json:"completedAt"`
	Scores      *sessionScoresJSON `json:"scores"`
	TokensUsed  int64              `json:"tokensUsed"`
}

func newSessionJSON(s domain.Session) sessionJSON {
	out := sessionJSON{
		ID:          s.ID,
		ScenarioID:  s.ScenarioID,
		Status:      string(s.Status),
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
		TokensUsed:  s.TokensUsed,
	}
	if s.Scores != nil {
		out.Scores = &sessionScoresJSON{CompetencyScoreSet: *s.Scores}
		if s.GlobalScore != nil {
			out.Scores.Global = *s.GlobalScore
		}
	}
	return out
}

// scenarioCard is the public view of a scenario; the persona prompt stays
// server-side.
type scenarioCard struct {
	Code               string   `json:"code"`
	TitleEN            string   `json:"title_en"`
	TitleFR            string   `json:"title_fr"`
	DescriptionEN      string   `json:"description_en"`
	DescriptionFR      string   `json:"description_fr"`
	Domain             string   `json:"domain"`
	Level              string   `json:"level"`
	DurationMin        int      `json:"duration_min"`
	Competencies       []string `json:"competencies"`
	EvaluationCriteria []string `json:"evaluation_criteria"`
}

func newScenarioCard(s domain.Scenario) scenarioCard {
	return scenarioCard{
		Code:               s.Code,
		TitleEN:            s.TitleEN,
		TitleFR:            s.TitleFR,
		DescriptionEN:      s.DescriptionEN,
		DescriptionFR:      s.DescriptionFR,
		Domain:             s.Domain,
		Level:              s.Level,
		DurationMin:        s.DurationMin,
		Competencies:       nonNil(s.Competencies),
		EvaluationCriteria: nonNil(s.EvaluationCriteria),
	}
}

type startResponse struct {
	Session            sessionJSON  `json:"session"`
	Scenario           scenarioCard `json:"scenario"`
	AbandonedSessionID string       `json:"abandonedSessionId,omitempty"`
}

type replyJSON struct {
	Content string `json:"content"`
	Tokens  int    `json:"tokens"`
}

type coachJSON struct {
	Tip         string                    `json:"tip"`
	Type        domain.InterventionType   `json:"type"`
	PromptScore int                       `json:"prompt_score"`
	Scores      domain.CompetencyScoreSet `json:"scores"`
	Techniques  []string                  `json:"techniques"`
}

type profileJSON struct {
	Scores          domain.CompetencyScoreSet `json:"scores"`
	GlobalScore     int                       `json:"globalScore"`
	PromptScore     int                       `json:"promptScore"`
	MeanPromptScore float64                   `json:"meanPromptScore"`
	Turns           int                       `json:"turns"`
}

func newProfileJSON(s usecase.ScoreSnapshot) profileJSON {
	return profileJSON{
		Scores:          s.Scores,
		GlobalScore:     s.GlobalScore,
		PromptScore:     s.PromptScore,
		MeanPromptScore: s.MeanPromptScore,
		Turns:           s.Turns,
	}
}

type chatResponse struct {
	Reply         replyJSON   `json:"claude"`
	Coach         coachJSON   `json:"aria"`
	PromptNumber  int         `json:"promptNumber"`
	TotalTokens   int         `json:"totalTokens"`
	SessionTokens int64       `json:"sessionTokens"`
	Profile       profileJSON `json:"profile"`
}

// newChatResponse leaves out the degraded flag; a fallback verdict looks like
// any other tip to the learner.
func newChatResponse(out usecase.TurnOutput) chatResponse {
	return chatResponse{
		Reply: replyJSON{Content: out.Reply, Tokens: out.ReplyTokens},
		Coach: coachJSON{
			Tip:         out.Verdict.Tip,
			Type:        out.Verdict.Type,
			PromptScore: out.Verdict.PromptScore,
			Scores:      out.Verdict.Scores,
			Techniques:  nonNil(out.Verdict.Techniques),
		},
		PromptNumber:  out.PromptNumber,
		TotalTokens:   out.TurnTokens,
		SessionTokens: out.TotalTokens,
		Profile:       newProfileJSON(out.Profile),
	}
}

type completeResponse struct {
	Success bool                 `json:"success"`
	Debrief domain.DebriefReport `json:"debrief"`
	Session sessionJSON          `json:"session"`
	// Profile carries the debrief scores; LastTurn is the per-turn profile
	// they replaced, which may differ.
	Profile  profileJSON `json:"profile"`
	LastTurn profileJSON `json:"lastTurnProfile"`
}

type abandonResponse struct {
	Session sessionJSON `json:"session"`
}

type interactionJSON struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Tokens    int             `json:"tokens"`
	Analysis  json.RawMessage `json:"analysis"`
	CreatedAt time.Time       `json:"createdAt"`
}

type sessionViewResponse struct {
	Session      sessionJSON           `json:"session"`
	Scenario     scenarioCard          `json:"scenario"`
	Interactions []interactionJSON     `json:"interactions"`
	Profile      profileJSON           `json:"profile"`
	LastTurn     *profileJSON          `json:"lastTurnProfile,omitempty"`
	Debrief      *domain.DebriefReport `json:"debrief,omitempty"`
}

func newSessionViewResponse(v usecase.SessionView) sessionViewResponse {
	items := make([]interactionJSON, 0, len(v.Interactions))
	for _, it := range v.Interactions {
		items = append(items, interactionJSON{
			ID:        it.ID,
			Seq:       it.Seq,
			Role:      string(it.Role),
			Content:   it.Content,
			Tokens:    it.Tokens,
			Analysis:  it.Payload,
			CreatedAt: it.CreatedAt,
		})
	}
	resp := sessionViewResponse{
		Session:      newSessionJSON(v.Session),
		Scenario:     newScenarioCard(v.Scenario),
		Interactions: items,
		Profile:      newProfileJSON(v.Profile),
		Debrief:      v.Debrief,
	}
	if v.Debrief != nil {
		lastTurn := newProfileJSON(v.LastTurn)
		resp.LastTurn = &lastTurn
	}
	return resp
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
