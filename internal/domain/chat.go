package domain

// ChatMessage is the provider-agnostic chat message shape used by the prompt
// builder and the LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion is one raw model reply. TokenLogprobs is empty when the
// provider does not report token probabilities.
type Completion struct {
	Provider      string
	Model         string
	Content       string
	TokenLogprobs []float64
}
