package domain

// ChatMessage is the provider-agnostic chat message shape used by the usecase
// layer and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationRequest is one call to the text-generation capability.
type GenerationRequest struct {
	Model     string
	System    string
	Messages  []ChatMessage
	MaxTokens int
}

// Generation is the text and token accounting returned by one generation call.
type Generation struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Tokens returns the billable token total of the call.
func (g Generation) Tokens() int {
	return g.InputTokens + g.OutputTokens
}
