package generation

import "math"

// Scorer turns a parsed answer into a confidence in [0,1].
type Scorer interface {
	Score(answer groundedAnswer, tokenLogprobs []float64, grounded bool) float64
}

// BlendScorer mixes the geometric-mean token probability with the model's
// self-reported confidence. Without logprobs only the self-report counts.
// Answers produced with no retrieved passages are scaled by
// UngroundedPenalty.
type BlendScorer struct {
	TokenWeight       float64
	UngroundedPenalty float64
}

func DefaultScorer() BlendScorer {
	return BlendScorer{TokenWeight: 0.5, UngroundedPenalty: 0.6}
}

func (s BlendScorer) Score(answer groundedAnswer, tokenLogprobs []float64, grounded bool) float64 {
	self := clamp01(answer.Confidence)
	score := self
	if len(tokenLogprobs) > 0 {
		var sum float64
		for _, lp := range tokenLogprobs {
			sum += lp
		}
		token := math.Exp(sum / float64(len(tokenLogprobs)))
		w := clamp01(s.TokenWeight)
		score = w*token + (1-w)*self
	}
	if !grounded {
		score *= clamp01(s.UngroundedPenalty)
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
