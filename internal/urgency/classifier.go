// Package urgency flags messages that need an immediate human response.
// Matching is deterministic and local so it can run before any upstream call.
package urgency

import (
	"fmt"
	"regexp"

	"care-orchestrator/internal/config"
	"care-orchestrator/internal/logger"
	"care-orchestrator/internal/metrics"
	"care-orchestrator/internal/textmatch"
)

type Result struct {
	IsEmergency   bool
	MatchedSignal string
}

type signalSet struct {
	keywords []string
	patterns []*regexp.Regexp
}

type Classifier struct {
	defaultLanguage string
	sets            map[string]*signalSet
	log             *logger.Logger
}

// New compiles the emergency signals of every configured language.
func New(signals config.Signals, log *logger.Logger) (*Classifier, error) {
	c := &Classifier{
		defaultLanguage: config.NormalizeLanguage(signals.DefaultLanguage),
		sets:            make(map[string]*signalSet, len(signals.Emergency)),
		log:             logger.OrNop(log).With("component", "urgency"),
	}
	for lang, es := range signals.Emergency {
		set := &signalSet{keywords: textmatch.Phrases(es.Keywords)}
		for _, p := range es.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("urgency: compile %s pattern %q: %w", lang, p, err)
			}
			set.patterns = append(set.patterns, re)
		}
		c.sets[config.NormalizeLanguage(lang)] = set
	}
	if len(c.sets) == 0 {
		return nil, fmt.Errorf("urgency: no emergency signals configured")
	}
	return c, nil
}

// Classify checks the message language's signals first, then the default
// language's. It never fails: an internal error yields a non-emergency result.
func (c *Classifier) Classify(message, language string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			metrics.UrgencyFallbacks.Inc()
			c.log.Error("urgency classification failed open", "panic", fmt.Sprint(r), "language", language)
			res = Result{}
		}
	}()

	text := textmatch.Normalize(message)
	if text == "" {
		return Result{}
	}

	lang := config.NormalizeLanguage(language)
	order := []string{lang}
	if lang != c.defaultLanguage {
		order = append(order, c.defaultLanguage)
	}
	for _, l := range order {
		set, ok := c.sets[l]
		if !ok {
			continue
		}
		if sig, hit := set.match(text); hit {
			return Result{IsEmergency: true, MatchedSignal: sig}
		}
	}
	return Result{}
}

func (s *signalSet) match(text string) (string, bool) {
	if kw, ok := textmatch.FirstPhrase(text, s.keywords); ok {
		return kw, true
	}
	for _, re := range s.patterns {
		if re.MatchString(text) {
			return re.String(), true
		}
	}
	return "", false
}
