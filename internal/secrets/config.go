package secrets

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidRule indicates a rule that cannot be compiled.
var ErrInvalidRule = errors.New("invalid secret rule")

// Config configures a Scrubber.
type Config struct {
	Enabled bool `koanf:"enabled"`
	// Rules to apply. Empty means DefaultRules.
	Rules []Rule `koanf:"rules"`
	// Redaction replaces each detected secret. Default: "[secret]".
	Redaction string `koanf:"redaction"`
	// AllowList holds regular expressions for matches that must be kept,
	// such as documented example keys.
	AllowList []string `koanf:"allow_list"`
	// Gitleaks also runs the gitleaks default ruleset. It is broader than
	// Rules and slower to load.
	Gitleaks bool `koanf:"gitleaks"`
}

// Rule describes one kind of secret.
type Rule struct {
	ID      string `koanf:"id"`
	Pattern string `koanf:"pattern"`
	// Keywords gate the rule: when set, the rule only runs on text that
	// contains at least one of them, case-insensitively.
	Keywords []string `koanf:"keywords"`
}

type compiledRule struct {
	id       string
	re       *regexp.Regexp
	keywords []string
}

// DefaultConfig returns an enabled scrubber configuration with DefaultRules.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Rules:     DefaultRules(),
		Redaction: "[secret]",
	}
}

func (c Config) compile() ([]compiledRule, []*regexp.Regexp, error) {
	rules := c.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}

	compiled := make([]compiledRule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return nil, nil, fmt.Errorf("%w: rule with pattern %q has no id", ErrInvalidRule, r.Pattern)
		}
		if seen[r.ID] {
			return nil, nil, fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRule, r.ID)
		}
		seen[r.ID] = true
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, r.ID, err)
		}
		keywords := make([]string, len(r.Keywords))
		for i, k := range r.Keywords {
			keywords[i] = strings.ToLower(k)
		}
		compiled = append(compiled, compiledRule{id: r.ID, re: re, keywords: keywords})
	}

	allow := make([]*regexp.Regexp, 0, len(c.AllowList))
	for _, p := range c.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: allow list entry %q: %v", ErrInvalidRule, p, err)
		}
		allow = append(allow, re)
	}
	return compiled, allow, nil
}

// Validate reports whether every rule and allow list entry compiles.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	_, _, err := c.compile()
	return err
}
