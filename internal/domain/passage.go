package domain

import "time"

// Passage is a knowledge-base excerpt returned by retrieval.
type Passage struct {
	ID        string
	Text      string
	Score     float64
	Language  string
	Source    string
	UpdatedAt time.Time
}

// PassageRef is the part of a passage recorded on a committed turn.
type PassageRef struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

func Refs(passages []Passage) []PassageRef {
	if len(passages) == 0 {
		return nil
	}
	out := make([]PassageRef, 0, len(passages))
	for _, p := range passages {
		out = append(out, PassageRef{ID: p.ID, Score: p.Score})
	}
	return out
}

// Generation is the response generator's result for one turn.
type Generation struct {
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources,omitempty"`
	Provider   string   `json:"provider,omitempty"`
	Degraded   bool     `json:"degraded,omitempty"`
}
