package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed signals.yaml
var defaultSignals []byte

// Signals is the language-keyed configuration data the classifier, the
// decision engine and the orchestrator read their word lists and canned
// replies from.
type Signals struct {
	DefaultLanguage string                      `yaml:"default_language"`
	Emergency       map[string]EmergencySignals `yaml:"emergency"`
	HumanRequest    map[string][]string         `yaml:"human_request"`
	AdviceKeywords  map[string][]string         `yaml:"advice_keywords"`
	Messages        map[string]Messages         `yaml:"messages"`
}

type EmergencySignals struct {
	Keywords []string `yaml:"keywords"`
	Patterns []string `yaml:"patterns"`
}

type Messages struct {
	SafetyScript     string `yaml:"safety_script"`
	Holding          string `yaml:"holding"`
	Unavailable      string `yaml:"unavailable"`
	EscalationNotice string `yaml:"escalation_notice"`
	QueuedNotice     string `yaml:"queued_notice"`
	Fallback         string `yaml:"fallback"`
	Disclaimer       string `yaml:"disclaimer"`
}

// DefaultSignals parses the embedded signal document.
func DefaultSignals() (Signals, error) {
	return ParseSignals(defaultSignals)
}

// ParseSignals decodes a YAML signal document. Unknown keys are rejected and
// the default language must carry every message.
func ParseSignals(raw []byte) (Signals, error) {
	var s Signals
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Signals{}, fmt.Errorf("config: decode signals: %w", err)
	}
	s.DefaultLanguage = NormalizeLanguage(s.DefaultLanguage)
	if s.DefaultLanguage == "" {
		return Signals{}, errors.New("config: signals default_language is required")
	}
	if err := s.Messages[s.DefaultLanguage].validate(); err != nil {
		return Signals{}, fmt.Errorf("config: messages for %q: %w", s.DefaultLanguage, err)
	}
	return s, nil
}

func (m Messages) validate() error {
	fields := map[string]string{
		"safety_script":     m.SafetyScript,
		"holding":           m.Holding,
		"unavailable":       m.Unavailable,
		"escalation_notice": m.EscalationNotice,
		"queued_notice":     m.QueuedNotice,
		"fallback":          m.Fallback,
		"disclaimer":        m.Disclaimer,
	}
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	return nil
}

// MessagesFor returns the canned replies for a language, filling any missing
// text from the default language.
func (s Signals) MessagesFor(language string) Messages {
	def := s.Messages[s.DefaultLanguage]
	m, ok := s.Messages[NormalizeLanguage(language)]
	if !ok {
		return def
	}
	fill := func(v, fallback string) string {
		if strings.TrimSpace(v) == "" {
			return fallback
		}
		return v
	}
	return Messages{
		SafetyScript:     fill(m.SafetyScript, def.SafetyScript),
		Holding:          fill(m.Holding, def.Holding),
		Unavailable:      fill(m.Unavailable, def.Unavailable),
		EscalationNotice: fill(m.EscalationNotice, def.EscalationNotice),
		QueuedNotice:     fill(m.QueuedNotice, def.QueuedNotice),
		Fallback:         fill(m.Fallback, def.Fallback),
		Disclaimer:       fill(m.Disclaimer, def.Disclaimer),
	}
}

// QueuedText renders the queued notice with the wait rounded up to minutes.
func (m Messages) QueuedText(waitSeconds int) string {
	minutes := (waitSeconds + 59) / 60
	if minutes < 1 {
		minutes = 1
	}
	return strings.ReplaceAll(m.QueuedNotice, "{minutes}", strconv.Itoa(minutes))
}

// NormalizeLanguage reduces tags like "es-MX" or "EN_us" to the base code.
func NormalizeLanguage(language string) string {
	l := strings.ToLower(strings.TrimSpace(language))
	if i := strings.IndexAny(l, "-_"); i >= 0 {
		l = l[:i]
	}
	return l
}
