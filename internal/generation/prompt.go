package generation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"care-orchestrator/internal/domain"
)

// groundedAnswer is the JSON contract every provider is asked to return.
type groundedAnswer struct {
	Answer     string   `json:"answer"`
	Sources    []string `json:"sources"`
	Confidence float64  `json:"confidence"`
}

var languageNames = map[string]string{
	"en": "English",
	"es": "Spanish",
	"zh": "Chinese",
	"hi": "Hindi",
}

func buildPromptMessages(query string, history []domain.Turn, passages []domain.Passage, language string, maxHistory int) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: "system", Content: buildPolicyPrompt(language)},
		{Role: "system", Content: buildGroundingPrompt(passages)},
	}

	completed := completedTurns(history)
	if maxHistory > 0 && len(completed) > maxHistory {
		completed = completed[len(completed)-maxHistory:]
	}
	for _, t := range completed {
		messages = append(messages,
			domain.ChatMessage{Role: "user", Content: strings.TrimSpace(t.RedactedMessage)},
			domain.ChatMessage{Role: "assistant", Content: strings.TrimSpace(t.Response.Text)},
		)
	}

	messages = append(messages, domain.ChatMessage{Role: "user", Content: query})
	return messages
}

// completedTurns keeps turns that carry a model answer. Canned safety and
// holding replies are not replayed.
func completedTurns(history []domain.Turn) []domain.Turn {
	out := make([]domain.Turn, 0, len(history))
	for _, t := range history {
		if t.Response.Degraded || strings.TrimSpace(t.Response.Text) == "" || strings.TrimSpace(t.RedactedMessage) == "" {
			continue
		}
		out = append(out, t)
	}
	return out
}

func buildPolicyPrompt(language string) string {
	return strings.Join([]string{
		"Role:",
		"You are the patient support assistant of a healthcare provider.",
		"",
		"Task:",
		"Answer the patient's current message using only the approved sources.",
		"",
		"Approved Sources:",
		"- Knowledge base passages provided in this request, cited by id",
		"- Completed prior conversation turns in this request",
		"",
		"Behavior Rules:",
		behaviorRules(),
		"",
		"Language:",
		"Reply in " + languageName(language) + ".",
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

func buildGroundingPrompt(passages []domain.Passage) string {
	if len(passages) == 0 {
		return "Knowledge Base Passages:\n\n(none retrieved)"
	}
	var b strings.Builder
	b.WriteString("Knowledge Base Passages:\n")
	for _, p := range passages {
		fmt.Fprintf(&b, "\n[%s] %s", p.ID, normalizePromptInput(p.Text))
	}
	return b.String()
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Answer only the current patient message.",
		"2) Do not diagnose, prescribe, or change a treatment plan.",
		"3) Keep responses plain, kind, and concise.",
		"4) Use only the passages and completed conversation history as sources.",
		"5) If the passages do not cover the question, say so and offer to connect the patient with the care team.",
		"6) Never repeat identifiers such as record, insurance, or prescription numbers.",
	}, "\n")
}

func outputContract() string {
	return "Return JSON only with keys answer (string), sources (array of passage ids you used) " +
		"and confidence (number from 0 to 1: how well the passages support the answer)."
}

func languageName(code string) string {
	if name, ok := languageNames[code]; ok {
		return name
	}
	if code == "" {
		return "English"
	}
	return "the language with ISO code " + code
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

// parseGroundedAnswer decodes exactly one JSON object with no unknown keys.
// A surrounding markdown code fence is tolerated.
func parseGroundedAnswer(raw string) (groundedAnswer, error) {
	var out groundedAnswer
	dec := json.NewDecoder(bytes.NewBufferString(stripCodeFence(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return groundedAnswer{}, fmt.Errorf("generation: decode grounded answer: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return groundedAnswer{}, errors.New("generation: decode grounded answer: multiple JSON values")
		}
		return groundedAnswer{}, fmt.Errorf("generation: decode grounded answer trailing data: %w", err)
	}
	if strings.TrimSpace(out.Answer) == "" {
		return groundedAnswer{}, errors.New("generation: grounded answer is empty")
	}
	return out, nil
}

func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
