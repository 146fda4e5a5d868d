package usecase

import (
	"testing"

	"github.com/stretchr/testify/require"

	"coaching-sim/internal/domain"
)

func TestParseVerdictWellFormed(t *testing.T) {
	v := ParseVerdict(goodVerdict)

	require.False(t, v.Degraded)
	require.Equal(t, "Name the output format.", v.Tip)
	require.Equal(t, domain.InterventionMicroLesson, v.Type)
	require.Equal(t, 64, v.PromptScore)
	require.Equal(t, domain.CompetencyScoreSet{C1: 4, C2: 2, C3: 3, C4: 3, C5: 4, C6: 2}, v.Scores)
	require.Equal(t, []string{"role-prompting"}, v.Techniques)
}

func TestParseVerdictFencedMatchesUnfenced(t *testing.T) {
	plain := ParseVerdict(goodVerdict)
	for _, wrapped := range []string{
		"```json\n" + goodVerdict + "\n```",
		"```\n" + goodVerdict + "\n```",
		"  ```JSON " + goodVerdict + "```  ",
	} {
		require.Equal(t, plain, ParseVerdict(wrapped), wrapped)
	}
}

func TestParseVerdictNeverFails(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantTip string
	}{
		{name: "empty", raw: "", wantTip: encouragementTip},
		{name: "whitespace", raw: "   \n", wantTip: encouragementTip},
		{name: "truncated", raw: `{"tip": "Good start", "scores": {"c1": 4`, wantTip: `{"tip": "Good start", "scores": {"c1": 4`},
		{name: "prose", raw: "Nice work, try adding an example.", wantTip: "Nice work, try adding an example."},
		{name: "array", raw: `[1, 2, 3]`, wantTip: `[1, 2, 3]`},
		{name: "null", raw: `null`, wantTip: `null`},
		{name: "fence only", raw: "```json\n```", wantTip: "```json\n```"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := ParseVerdict(tc.raw)
			require.True(t, v.Degraded)
			require.Equal(t, degradedParse, v.DegradedReason)
			require.Equal(t, tc.wantTip, v.Tip)
			require.Equal(t, domain.InterventionNudge, v.Type)
			require.Equal(t, domain.NeutralScores(), v.Scores)
			require.Equal(t, defaultPromptScore, v.PromptScore)
			require.Empty(t, v.Techniques)
			require.NotNil(t, v.Techniques)
		})
	}
}

func TestParseVerdictObjectInsideProse(t *testing.T) {
	v := ParseVerdict("Here is my assessment:\n" + goodVerdict + "\nHope this helps.")
	require.False(t, v.Degraded)
	require.Equal(t, 64, v.PromptScore)
}

func TestParseVerdictFieldDefaults(t *testing.T) {
	v := ParseVerdict(`{"scores": {"c1": "5", "C2": 9, "c3": 0, "c4": 2.6, "c5": "high"}, "type": "lecture"}`)

	require.False(t, v.Degraded)
	require.Equal(t, encouragementTip, v.Tip)
	require.Equal(t, domain.InterventionNudge, v.Type)
	require.Equal(t, defaultPromptScore, v.PromptScore)
	require.Equal(t, domain.CompetencyScoreSet{C1: 5, C2: 5, C3: 1, C4: 3, C5: 3, C6: 2}, v.Scores)
	require.Empty(t, v.Techniques)
}

func TestParseVerdictPositionalScores(t *testing.T) {
	v := ParseVerdict(`{"tip":"Add an example.","scores":[5,"4",1,null]}`)
	require.False(t, v.Degraded)
	require.Equal(t, domain.CompetencyScoreSet{C1: 5, C2: 4, C3: 1, C4: 2, C5: 3, C6: 2}, v.Scores)

	v = ParseVerdict(`{"tip":"Add an example.","scores":"high"}`)
	require.Equal(t, domain.NeutralScores(), v.Scores)
}

func TestParseVerdictPromptScore(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{raw: `{"tip":"x","prompt_score":"72"}`, want: 72},
		{raw: `{"tip":"x","prompt_score":140}`, want: 100},
		{raw: `{"tip":"x","prompt_score":-3}`, want: 0},
		{raw: `{"tip":"x","prompt_score":0}`, want: 0},
		{raw: `{"tip":"x","prompt_score":null}`, want: defaultPromptScore},
		{raw: `{"tip":"x","prompt_score":"n/a"}`, want: defaultPromptScore},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, ParseVerdict(tc.raw).PromptScore, tc.raw)
	}
}

func TestParseVerdictTechniquesNormalized(t *testing.T) {
	v := ParseVerdict(`{"tip":"x","type":"ALERT","technique_detected":[" Chain-of-Thought ","chain-of-thought","", 4, "XML-tags"]}`)
	require.Equal(t, domain.InterventionAlert, v.Type)
	require.Equal(t, []string{"chain-of-thought", "xml-tags"}, v.Techniques)

	v = ParseVerdict(`{"tip":"x","technique_detected":"few-shot"}`)
	require.Equal(t, []string{"few-shot"}, v.Techniques)
}

func TestStripFences(t *testing.T) {
	require.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, stripFences(`{"a":1}`))
	require.Equal(t, `{"a":1}`, stripFences("```{\"a\":1}```"))
}
