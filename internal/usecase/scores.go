package usecase

import (
	"encoding/json"
	"math"

	"coaching-sim/internal/domain"
)

// ScoreSnapshot is the running competency profile of a session.
type ScoreSnapshot struct {
	Scores domain.CompetencyScoreSet
	// PromptScore is the score of the latest assessed prompt.
	PromptScore     int
	Turns           int
	Assessed        int
	MeanPromptScore float64
	// GlobalScore is the equally weighted 0-100 projection of Scores.
	GlobalScore int
}

// ScoreAggregator keeps a last-write-wins view of competency levels. Degraded
// verdicts count as turns but never overwrite a real assessment.
type ScoreAggregator struct {
	scores      domain.CompetencyScoreSet
	promptScore int
	turns       int
	assessed    int
	promptSum   int
}

func NewScoreAggregator() *ScoreAggregator {
	return &ScoreAggregator{
		scores:      domain.NeutralScores(),
		promptScore: defaultPromptScore,
	}
}

// ReplayScores rebuilds an aggregator from the coach interactions of a
// transcript, in order.
func ReplayScores(transcript []domain.Interaction) *ScoreAggregator {
	agg := NewScoreAggregator()
	for _, it := range transcript {
		if it.Role != domain.RoleCoach {
			continue
		}
		agg.Observe(storedVerdict(it))
	}
	return agg
}

func (a *ScoreAggregator) Observe(v domain.CoachVerdict) {
	a.turns++
	if v.Degraded {
		return
	}
	a.assessed++
	a.scores = v.Scores.Clamped()
	a.promptScore = clampPercent(v.PromptScore)
	a.promptSum += a.promptScore
}

// Reseed replaces the levels with an authoritative set, such as the debrief's.
func (a *ScoreAggregator) Reseed(scores domain.CompetencyScoreSet) {
	a.scores = scores.Clamped()
}

func (a *ScoreAggregator) Snapshot() ScoreSnapshot {
	snap := ScoreSnapshot{
		Scores:      a.scores,
		PromptScore: a.promptScore,
		Turns:       a.turns,
		Assessed:    a.assessed,
		GlobalScore: WeightedGlobalScore(a.scores),
	}
	if a.assessed > 0 {
		snap.MeanPromptScore = float64(a.promptSum) / float64(a.assessed)
	}
	return snap
}

// WeightedGlobalScore maps levels onto 0-100 with equal weights: level 1 is 0
// and level 5 is 100.
func WeightedGlobalScore(scores domain.CompetencyScoreSet) int {
	scores = scores.Clamped()
	var sum float64
	for _, c := range domain.Competencies {
		sum += float64(scores.Level(c)-domain.MinLevel) / float64(domain.MaxLevel-domain.MinLevel)
	}
	return int(math.Round(sum / float64(len(domain.Competencies)) * 100))
}

// storedVerdict recovers a verdict from a coach interaction. Payloads that no
// longer decode are replayed through the parser like fresh coach output.
func storedVerdict(it domain.Interaction) domain.CoachVerdict {
	if len(it.Payload) > 0 {
		var v domain.CoachVerdict
		if err := json.Unmarshal(it.Payload, &v); err == nil {
			v.Scores = v.Scores.Clamped()
			return v
		}
	}
	return ParseVerdict(it.Content)
}
