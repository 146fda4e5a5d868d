package usecase

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"coaching-sim/internal/domain"
)

const (
	firstPromptMarker   = "None (first prompt)"
	replyExcerptLength  = 500
	debriefClosingLine  = "Generate the debrief report now."
	previousPromptSep   = " | "
	encouragementTip    = "Keep going! I'm analyzing your approach."
	defaultPromptScore  = 50
	fallbackDebriefText = "The debrief could not be generated for this session."
)

func buildCoachSystemPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You are ARIA (AI Readiness & Interaction Advisor), a coach in prompting and the strategic use of AI assistants.",
		"You observe the learner's prompts and coach their TECHNIQUE, not the content of the assistant's answer.",
		"",
		"Competencies:",
		competencyRubric(),
		"",
		"Behavior Rules:",
		coachRules(),
		"",
		"For each prompt provide:",
		"1) A brief coaching tip, or encouragement when the prompt is well crafted.",
		"2) prompt_score from 0 to 100 for how effective this prompt is for the scenario goal (0 = vague or off target, 50 = adequate but missing key elements, 80+ = well structured with clear techniques, 100 = expert level).",
		"3) Updated scores for each competency (1-5) based on cumulative performance.",
		"4) The intervention type: \"nudge\", \"micro-lesson\", \"alert\", \"encouragement\" or \"redirect\".",
		"",
		"Output Contract:",
		coachOutputContract(),
	}, "\n")
}

func competencyRubric() string {
	return strings.Join([]string{
		"- C1 (Clarity): is the prompt specific, complete and unambiguous? Does it define the output format?",
		"- C2 (Advanced Techniques): does the learner use few-shot examples, chain-of-thought, XML tags or role prompting?",
		"- C3 (Strategic Iteration): does the learner refine progressively rather than starting over?",
		"- C4 (Critical Thinking): does the learner evaluate the quality of answers and check for errors?",
		"- C5 (Efficiency): is the result-to-prompt ratio good? Concise yet effective?",
		"- C6 (Ethics & Limits): is the learner aware of AI limitations and verifying facts?",
	}, "\n")
}

func coachRules() string {
	return strings.Join([]string{
		"1) Never give the learner the answer. Guide their technique.",
		"2) Be encouraging but direct about weaknesses.",
		"3) Use concrete examples and suggest specific techniques when relevant.",
		"4) Celebrate good practice when you see it.",
		"5) Keep tips to 2-3 sentences.",
		"6) Reply in the language the learner writes in (EN or FR).",
	}, "\n")
}

func coachOutputContract() string {
	return "Respond ONLY with valid JSON: " +
		`{"tip": "...", "type": "nudge|micro-lesson|alert|encouragement|redirect", "prompt_score": 45, ` +
		`"scores": {"c1": 3, "c2": 2, "c3": 3, "c4": 2, "c5": 3, "c6": 2}, "technique_detected": ["chain-of-thought"]}`
}

func buildDebriefSystemPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You are ARIA, the AI literacy coach. Write the debrief report for a finished simulation session.",
		"",
		"Analyze ALL of the learner's prompts and provide:",
		"1) An overall score (0-100).",
		"2) Competency scores C1-C6, each 1-5.",
		"3) The top 3 strengths observed.",
		"4) The top 3 areas for improvement, each with a specific recommendation.",
		"5) Techniques used and missed opportunities.",
		"6) A personalized next-step recommendation.",
		"",
		"Output Contract:",
		"Respond ONLY with valid JSON: " +
			`{"score_global": 72, "scores": {"c1": 4, "c2": 3, "c3": 4, "c4": 3, "c5": 3, "c6": 2}, ` +
			`"strengths": ["..."], "improvements": [{"area": "...", "recommendation": "..."}], ` +
			`"techniques_used": ["..."], "techniques_missed": ["..."], "recommendation": "...", ` +
			`"summary_en": "...", "summary_fr": "..."}`,
	}, "\n")
}

// buildTaskMessages replays the learner/task exchange in order. Coach
// interactions never reach the task model.
func buildTaskMessages(transcript []domain.Interaction, message string) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(transcript)+1)
	for _, it := range transcript {
		if it.Role != domain.RoleLearner && it.Role != domain.RoleTaskModel {
			continue
		}
		messages = append(messages, domain.ChatMessage{Role: string(it.Role), Content: it.Content})
	}
	return append(messages, domain.ChatMessage{Role: string(domain.RoleLearner), Content: message})
}

func buildCoachContext(scenario domain.Scenario, promptNumber int, previous []string, message string) string {
	prev := strings.Join(previous, previousPromptSep)
	if prev == "" {
		prev = firstPromptMarker
	}
	return strings.Join([]string{
		fmt.Sprintf("Scenario: %q", scenario.TitleEN),
		"Evaluation criteria: " + criteriaJSON(scenario.EvaluationCriteria),
		fmt.Sprintf("This is prompt #%d from the learner.", promptNumber),
		"Previous prompts in this session: " + prev,
		"",
		"Current prompt to analyze:",
		fmt.Sprintf("%q", message),
	}, "\n")
}

type debriefInput struct {
	scenario domain.Scenario
	duration time.Duration
	prompts  []string
	replies  []string
	tips     []string
}

func buildDebriefContext(in debriefInput) string {
	lines := []string{
		fmt.Sprintf("Scenario: %q (%s level, %s)", in.scenario.TitleEN, in.scenario.Level, in.scenario.Domain),
		"Evaluation criteria: " + criteriaJSON(in.scenario.EvaluationCriteria),
		fmt.Sprintf("Duration: %d minutes", durationMinutes(in.duration)),
		fmt.Sprintf("Total prompts: %d", len(in.prompts)),
		"",
		"Learner's prompts (in order):",
	}
	for i, p := range in.prompts {
		lines = append(lines, fmt.Sprintf("Prompt %d: %q", i+1, p))
	}
	lines = append(lines, "", "Assistant responses (in order):")
	for i, r := range in.replies {
		lines = append(lines, fmt.Sprintf("Response %d: %q", i+1, excerpt(r, replyExcerptLength)))
	}
	lines = append(lines, "", "Previous coaching feedback:")
	lines = append(lines, in.tips...)
	lines = append(lines, "", debriefClosingLine)
	return strings.Join(lines, "\n")
}

func criteriaJSON(criteria []string) string {
	if criteria == nil {
		criteria = []string{}
	}
	b, err := json.Marshal(criteria)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// excerpt cuts s to n runes and marks the cut.
func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func durationMinutes(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d.Round(time.Minute) / time.Minute)
}
