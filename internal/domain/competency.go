package domain

import "strings"

// Competency is one of the six fixed rubric dimensions.
type Competency string

const (
	CompetencyClarity            Competency = "c1"
	CompetencyAdvancedTechniques Competency = "c2"
	CompetencyIteration          Competency = "c3"
	CompetencyCriticalThinking   Competency = "c4"
	CompetencyEfficiency         Competency = "c5"
	CompetencyEthics             Competency = "c6"
)

// Competencies lists every competency in rubric order.
var Competencies = []Competency{
	CompetencyClarity,
	CompetencyAdvancedTechniques,
	CompetencyIteration,
	CompetencyCriticalThinking,
	CompetencyEfficiency,
	CompetencyEthics,
}

const (
	MinLevel = 1
	MaxLevel = 5
)

// Key returns the upper-case identifier used by progress records ("C1".."C6").
func (c Competency) Key() string {
	return strings.ToUpper(string(c))
}

// ParseCompetency accepts "c1" or "C1" style identifiers.
func ParseCompetency(s string) (Competency, bool) {
	c := Competency(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Competencies {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// CompetencyScoreSet holds one level per competency. All six values are
// always present.
type CompetencyScoreSet struct {
	C1 int `json:"c1"`
	C2 int `json:"c2"`
	C3 int `json:"c3"`
	C4 int `json:"c4"`
	C5 int `json:"c5"`
	C6 int `json:"c6"`
}

// NeutralScores is the mid-range set used whenever no verdict is available.
func NeutralScores() CompetencyScoreSet {
	return CompetencyScoreSet{C1: 3, C2: 2, C3: 3, C4: 2, C5: 3, C6: 2}
}

// Level returns the level recorded for c.
func (s CompetencyScoreSet) Level(c Competency) int {
	switch c {
	case CompetencyClarity:
		return s.C1
	case CompetencyAdvancedTechniques:
		return s.C2
	case CompetencyIteration:
		return s.C3
	case CompetencyCriticalThinking:
		return s.C4
	case CompetencyEfficiency:
		return s.C5
	case CompetencyEthics:
		return s.C6
	}
	return 0
}

// With returns a copy of s with c set to level, clamped to the rubric range.
func (s CompetencyScoreSet) With(c Competency, level int) CompetencyScoreSet {
	level = ClampLevel(level)
	switch c {
	case CompetencyClarity:
		s.C1 = level
	case CompetencyAdvancedTechniques:
		s.C2 = level
	case CompetencyIteration:
		s.C3 = level
	case CompetencyCriticalThinking:
		s.C4 = level
	case CompetencyEfficiency:
		s.C5 = level
	case CompetencyEthics:
		s.C6 = level
	}
	return s
}

// Clamped returns s with every level forced into [MinLevel, MaxLevel].
func (s CompetencyScoreSet) Clamped() CompetencyScoreSet {
	out := s
	for _, c := range Competencies {
		out = out.With(c, s.Level(c))
	}
	return out
}

// ClampLevel forces v into [MinLevel, MaxLevel].
func ClampLevel(v int) int {
	if v < MinLevel {
		return MinLevel
	}
	if v > MaxLevel {
		return MaxLevel
	}
	return v
}
