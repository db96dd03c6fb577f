// Package router decides whether a chat utterance should be enriched with
// retrieved history and which scope the retrieval should target.
package router

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the scope resolution cache.
const DefaultCacheSize = 256

// Strategy classifies utterances. Implementations must be cheap: no network
// calls and no embedding.
type Strategy interface {
	// ShouldRetrieve reports whether text asks about past conversation.
	ShouldRetrieve(text string) bool
	// ExtractScope returns the canonical scope text refers to, if any.
	ExtractScope(text string) (string, bool)
}

// Decision is what a Strategy concluded about one utterance.
type Decision struct {
	ShouldRetrieve bool   `json:"should_retrieve"`
	Scope          string `json:"scope,omitempty"`
}

// Decide runs both halves of s on text.
func Decide(s Strategy, text string) Decision {
	d := Decision{ShouldRetrieve: s.ShouldRetrieve(text)}
	d.Scope, _ = s.ExtractScope(text)
	return d
}

// ScopeResolver maps a channel name to its scope id.
type ScopeResolver interface {
	ResolveScope(name string) (id string, ok bool)
}

// StaticResolver resolves names from a fixed table. Keys are matched
// case-insensitively.
type StaticResolver map[string]string

func (r StaticResolver) ResolveScope(name string) (string, bool) {
	if id, ok := r[name]; ok {
		return id, true
	}
	for k, id := range r {
		if strings.EqualFold(k, name) {
			return id, true
		}
	}
	return "", false
}

// DefaultTriggers match retrospective phrasing.
var DefaultTriggers = []string{
	`\bwhat (?:did|have) (?:we|you|they|i|he|she|[a-z]+) (?:decide|decided|say|said|agree|agreed|discuss|discussed|pick|picked|choose|chose|conclude|settle)`,
	`\b(?:last|previous|past) (?:week|month|year|time|meeting|sprint|standup|retro|quarter)\b`,
	`\b(?:yesterday|earlier today|the other day)\b`,
	`\bremind me\b`,
	`\b(?:do you|does anyone) remember\b|\bremember when\b`,
	`\bwho (?:said|mentioned|asked|suggested|proposed|decided|wrote)\b`,
	`\b(?:discussed|mentioned|talked about|decided on|agreed on|brought up)\b`,
	`\b(?:did|have|has) (?:we|you|anyone|someone) (?:ever |already )?(?:talk|discuss|mention|decide|agree)`,
	`\bwhen did (?:we|you|they|i)\b`,
	`\b\d+ (?:days?|weeks?|months?) ago\b`,
	`\b(?:history|previously|before we)\b`,
}

var (
	channelMarkup  = regexp.MustCompile(`<#([CG][A-Z0-9]+)(?:\|([^>]*))?>`)
	channelHashtag = regexp.MustCompile(`(?:^|[\s(,])#([A-Za-z][A-Za-z0-9_\-]*)`)
	channelPhrase  = regexp.MustCompile(`(?i)\bin (?:the )?#?([a-z0-9][a-z0-9_\-]*) (?:channel|room)\b`)
)

// PatternStrategy is a regular expression Strategy.
type PatternStrategy struct {
	triggers []*regexp.Regexp
	resolver ScopeResolver
	cache    *lru.Cache[string, resolution]
}

type resolution struct {
	id string
	ok bool
}

// Option configures a PatternStrategy.
type Option func(*PatternStrategy)

// WithResolver maps extracted channel names to scope ids.
func WithResolver(r ScopeResolver) Option {
	return func(s *PatternStrategy) { s.resolver = r }
}

// WithTriggers adds patterns to DefaultTriggers. Patterns are matched
// case-insensitively.
func WithTriggers(patterns ...string) Option {
	return func(s *PatternStrategy) {
		for _, p := range patterns {
			s.triggers = append(s.triggers, regexp.MustCompile(`(?i)`+p))
		}
	}
}

// NewPatternStrategy builds a strategy. cacheSize <= 0 uses DefaultCacheSize.
func NewPatternStrategy(cacheSize int, opts ...Option) *PatternStrategy {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, _ := lru.New[string, resolution](cacheSize)
	s := &PatternStrategy{cache: cache}
	for _, p := range DefaultTriggers {
		s.triggers = append(s.triggers, regexp.MustCompile(`(?i)`+p))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Strategy = (*PatternStrategy)(nil)

// ShouldRetrieve may over-trigger; a false positive only costs one query.
func (s *PatternStrategy) ShouldRetrieve(text string) bool {
	text = channelMarkup.ReplaceAllString(text, " ")
	for _, re := range s.triggers {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// ExtractScope recognises, in order of precedence, channel markup
// (<#C123|eng>, whose id is already canonical), a #name hashtag and an
// "in the name channel" phrase. Names are lowercased and resolved through
// the configured ScopeResolver; unresolved names are returned as they are.
func (s *PatternStrategy) ExtractScope(text string) (string, bool) {
	if m := channelMarkup.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	if m := channelHashtag.FindStringSubmatch(text); m != nil {
		return s.resolve(strings.ToLower(m[1])), true
	}
	if m := channelPhrase.FindStringSubmatch(text); m != nil && !deictic[strings.ToLower(m[1])] {
		return s.resolve(strings.ToLower(m[1])), true
	}
	return "", false
}

// deictic words fill the name slot of "in the ... channel" without naming one.
var deictic = map[string]bool{
	"same": true, "this": true, "that": true, "other": true, "right": true,
	"wrong": true, "main": true, "their": true, "our": true,
}

func (s *PatternStrategy) resolve(name string) string {
	if s.resolver == nil {
		return name
	}
	r, ok := s.cache.Get(name)
	if !ok {
		id, found := s.resolver.ResolveScope(name)
		r = resolution{id: id, ok: found}
		s.cache.Add(name, r)
	}
	if r.ok {
		return r.id
	}
	return name
}
