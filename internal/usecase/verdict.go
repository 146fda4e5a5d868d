package usecase

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"coaching-sim/internal/domain"
)

const (
	degradedCoachError   = "coach_error"
	degradedCoachTimeout = "coach_timeout"
	degradedCircuitOpen  = "circuit_open"
	degradedParse        = "parse_error"
)

type coachVerdictPayload struct {
	Tip         json.RawMessage `json:"tip"`
	Type        json.RawMessage `json:"type"`
	PromptScore looseInt        `json:"prompt_score"`
	Scores      looseScores     `json:"scores"`
	Techniques  looseStrings    `json:"technique_detected"`
}

// ParseVerdict turns raw coach output into a verdict. It never fails: input
// that cannot be decoded yields a degraded verdict carrying the raw text as
// its tip.
func ParseVerdict(raw string) domain.CoachVerdict {
	var p coachVerdictPayload
	if err := decodeModelJSON(raw, &p); err != nil {
		v := fallbackVerdict(domain.InterventionNudge, degradedParse)
		if text := strings.TrimSpace(raw); text != "" {
			v.Tip = text
		}
		return v
	}

	v := domain.CoachVerdict{
		Tip:         stringOrEmpty(p.Tip),
		Type:        domain.InterventionType(strings.ToLower(strings.TrimSpace(stringOrEmpty(p.Type)))),
		PromptScore: defaultPromptScore,
		Scores:      scoresFromMap(p.Scores),
		Techniques:  normalizeTechniques(p.Techniques),
	}
	if strings.TrimSpace(v.Tip) == "" {
		v.Tip = encouragementTip
	}
	if !v.Type.Valid() {
		v.Type = domain.InterventionNudge
	}
	if p.PromptScore.set {
		v.PromptScore = clampPercent(p.PromptScore.v)
	}
	return v
}

// fallbackVerdict is the neutral verdict used when the coach branch produced
// nothing usable.
func fallbackVerdict(kind domain.InterventionType, reason string) domain.CoachVerdict {
	return domain.CoachVerdict{
		Tip:            encouragementTip,
		Type:           kind,
		PromptScore:    defaultPromptScore,
		Scores:         domain.NeutralScores(),
		Techniques:     []string{},
		Degraded:       true,
		DegradedReason: reason,
	}
}

// decodeModelJSON decodes one JSON object from model output. Markdown fences
// around the object are stripped; when the rest is not a JSON object, the
// text between the first '{' and the last '}' is tried.
func decodeModelJSON(raw string, v any) error {
	candidate, ok := jsonObject(stripFences(raw))
	if !ok {
		return errors.New("usecase: model output holds no JSON object")
	}
	return json.Unmarshal([]byte(candidate), v)
}

func jsonObject(text string) (string, bool) {
	if isJSONObject(text) {
		return text, true
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	if inner := text[start : end+1]; isJSONObject(inner) {
		return inner, true
	}
	return "", false
}

func isJSONObject(s string) bool {
	return strings.HasPrefix(s, "{") && json.Valid([]byte(s))
}

func stripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = text[3:]
		// Drop an optional language tag such as ```json.
		i := 0
		for i < len(text) && isFenceTagByte(text[i]) {
			i++
		}
		text = strings.TrimSpace(text[i:])
	}
	if strings.HasSuffix(text, "```") {
		text = strings.TrimSpace(strings.TrimSuffix(text, "```"))
	}
	return text
}

func isFenceTagByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_'
}

func scoresFromMap(m looseScores) domain.CompetencyScoreSet {
	scores := domain.NeutralScores()
	for key, val := range m {
		c, ok := domain.ParseCompetency(key)
		if !ok || !val.set {
			continue
		}
		scores = scores.With(c, val.v)
	}
	return scores
}

func normalizeTechniques(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func stringOrEmpty(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// looseInt accepts JSON numbers and numeric strings. Anything else leaves it
// unset instead of failing the whole decode.
type looseInt struct {
	v   int
	set bool
}

func (l *looseInt) UnmarshalJSON(b []byte) error {
	*l = looseInt{}
	if strings.TrimSpace(string(b)) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		l.v, l.set = roundInt(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	l.v, l.set = roundInt(f)
	return nil
}

func roundInt(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f > math.MaxInt32 {
		return math.MaxInt32, true
	}
	if f < math.MinInt32 {
		return math.MinInt32, true
	}
	return int(math.Round(f)), true
}

// looseStrings accepts an array of strings or a single string. Non-string
// array items are dropped.
type looseStrings []string

func (l *looseStrings) UnmarshalJSON(b []byte) error {
	*l = nil
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if one != "" {
			*l = looseStrings{one}
		}
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return nil
	}
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			*l = append(*l, s)
		}
	}
	return nil
}

// looseScores is a competency-keyed object, or an array read positionally as
// C1..C6. Anything else decodes as empty so every key falls back to its
// neutral level.
type looseScores map[string]looseInt

func (l *looseScores) UnmarshalJSON(b []byte) error {
	*l = nil
	var m map[string]looseInt
	if err := json.Unmarshal(b, &m); err == nil {
		*l = m
		return nil
	}
	var items []looseInt
	if err := json.Unmarshal(b, &items); err != nil {
		return nil
	}
	m = make(map[string]looseInt, len(domain.Competencies))
	for i, c := range domain.Competencies {
		if i >= len(items) {
			break
		}
		m[c.Key()] = items[i]
	}
	*l = m
	return nil
}
