package secrets

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
)

// Scrubber redacts secrets from text.
type Scrubber interface {
	// Scrub returns text with every detected secret replaced.
	Scrub(text string) Result
	// Enabled reports whether Scrub can change anything.
	Enabled() bool
}

// Result is the outcome of a Scrub call.
type Result struct {
	Text     string
	Findings []Finding
}

// Redacted reports whether anything was replaced.
func (r Result) Redacted() bool { return len(r.Findings) > 0 }

// RuleIDs returns the distinct rules that fired, sorted.
func (r Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		ids = append(ids, f.RuleID)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// Finding locates one redacted span in the original text. When rules
// overlap, the span is credited to the first rule that matched it.
type Finding struct {
	RuleID string
	Start  int
	End    int
}

type scrubber struct {
	rules     []compiledRule
	allow     []*regexp.Regexp
	redaction string
	gitleaks  *gitleaksDetector
}

// New builds a Scrubber. A disabled config yields a Noop.
func New(cfg Config) (Scrubber, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	rules, allow, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	s := &scrubber{rules: rules, allow: allow, redaction: cmp.Or(cfg.Redaction, "[secret]")}
	if cfg.Gitleaks {
		if s.gitleaks, err = newGitleaksDetector(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *scrubber) Enabled() bool { return true }

func (s *scrubber) Scrub(text string) Result {
	if text == "" {
		return Result{Text: text}
	}
	lower := strings.ToLower(text)

	var found []Finding
	for _, r := range s.rules {
		if len(r.keywords) > 0 && !containsAny(lower, r.keywords) {
			continue
		}
		for _, loc := range r.re.FindAllStringIndex(text, -1) {
			if s.allowed(text[loc[0]:loc[1]]) {
				continue
			}
			found = append(found, Finding{RuleID: r.id, Start: loc[0], End: loc[1]})
		}
	}
	if s.gitleaks != nil {
		for _, f := range s.gitleaks.find(text) {
			if !s.allowed(text[f.Start:f.End]) {
				found = append(found, f)
			}
		}
	}
	if len(found) == 0 {
		return Result{Text: text}
	}

	merged := merge(found)
	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, f := range merged {
		b.WriteString(text[pos:f.Start])
		b.WriteString(s.redaction)
		pos = f.End
	}
	b.WriteString(text[pos:])
	return Result{Text: b.String(), Findings: merged}
}

func (s *scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// merge sorts findings by start and folds overlapping spans into the
// earliest one.
func merge(found []Finding) []Finding {
	slices.SortStableFunc(found, func(a, b Finding) int {
		return cmp.Or(cmp.Compare(a.Start, b.Start), cmp.Compare(b.End, a.End))
	})
	out := found[:1]
	for _, f := range found[1:] {
		last := &out[len(out)-1]
		if f.Start < last.End {
			last.End = max(last.End, f.End)
			continue
		}
		out = append(out, f)
	}
	return out
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// Noop is a Scrubber that returns text unchanged.
type Noop struct{}

func (Noop) Scrub(text string) Result { return Result{Text: text} }

func (Noop) Enabled() bool { return false }
