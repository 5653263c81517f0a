// Package phi redacts protected health information from patient messages
// before they reach an LLM, a log line or a metric label.
package phi

import (
	"regexp"
	"sort"
	"strings"
)

type rule struct {
	kind string
	re   *regexp.Regexp
	// group is the submatch to replace; 0 replaces the whole match.
	group int
}

// Labelled identifiers replace only the value so the sentence stays readable
// ("my MRN is [REDACTED_MRN]").
var rules = []rule{
	{kind: "MRN", group: 1, re: regexp.MustCompile(`(?i)\b(?:mrn|medical\s+record(?:\s+number)?|patient\s+id)[:\s#]*(?:is\s+)?([a-z0-9\-]{6,})\b`)},
	{kind: "INSURANCE_ID", group: 1, re: regexp.MustCompile(`(?i)\b(?:insurance|policy|member)\s+(?:id|number)[:\s#]*(?:is\s+)?([a-z0-9\-]{8,})\b`)},
	{kind: "DOB", group: 1, re: regexp.MustCompile(`(?i)\b(?:dob|date\s+of\s+birth|born(?:\s+on)?)[:\s]*(\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4})\b`)},
	{kind: "PRESCRIPTION", group: 1, re: regexp.MustCompile(`(?i)\b(?:rx|prescription)[:\s#]*(?:number\s+)?(?:is\s+)?([a-z0-9\-]*\d[a-z0-9\-]*)\b`)},
	{kind: "APPOINTMENT_ID", group: 1, re: regexp.MustCompile(`(?i)\b(?:appointment|appt)\s*(?:id|number|#)[:\s#]*(?:is\s+)?([a-z0-9\-]{6,})\b`)},
	{kind: "SSN", re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{kind: "EMAIL", re: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
	{kind: "PHONE", re: regexp.MustCompile(`(?:\+?1[\s.\-]?)?\(?\b\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)},
	{kind: "DATE", re: regexp.MustCompile(`\b\d{1,2}[/\-]\d{1,2}[/\-]\d{4}\b`)},
	{kind: "DIAGNOSIS_CODE", re: regexp.MustCompile(`\b[A-TV-Z]\d{2}(?:\.\d{1,4})?\b`)},
	{kind: "LAB_VALUE", re: regexp.MustCompile(`(?i)\b(?:glucose|cholesterol|a1c|blood\s+pressure|bp)\s*(?:is|of|:)?\s*\d+(?:\.\d+)?(?:\s*/\s*\d+)?(?:\s*(?:mg/dl|mmhg|%))?`)},
}

// Result is a redacted text plus the kinds of identifiers that were removed.
type Result struct {
	Text  string
	Kinds []string
}

// Found reports whether anything was redacted.
func (r Result) Found() bool {
	return len(r.Kinds) > 0
}

// Redact replaces every recognised identifier with [REDACTED_<KIND>].
func Redact(text string) Result {
	seen := map[string]struct{}{}
	out := text
	for _, r := range rules {
		replaced, n := replace(out, r)
		if n > 0 {
			out = replaced
			seen[r.kind] = struct{}{}
		}
	}
	kinds := make([]string, 0, len(seen))
	for k := range seen {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return Result{Text: out, Kinds: kinds}
}

func replace(text string, r rule) (string, int) {
	matches := r.re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, 0
	}
	placeholder := "[REDACTED_" + r.kind + "]"
	var b strings.Builder
	last, n := 0, 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if r.group > 0 && len(m) > 2*r.group+1 && m[2*r.group] >= 0 {
			start, end = m[2*r.group], m[2*r.group+1]
		}
		if start < last {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString(placeholder)
		last = end
		n++
	}
	b.WriteString(text[last:])
	return b.String(), n
}
