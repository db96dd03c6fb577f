package embeddings

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Placeholders substituted for platform markup.
const (
	PlaceholderUser    = "[user]"
	PlaceholderChannel = "[channel]"
	PlaceholderLink    = "[link]"
	PlaceholderEmoji   = "[emoji]"
	// PlaceholderSecret replaces redacted credentials.
	PlaceholderSecret = "[secret]"
)

var (
	userMention    = regexp.MustCompile(`<@([UW][A-Z0-9]+)(?:\|([^>]*))?>`)
	channelMention = regexp.MustCompile(`<#([CG][A-Z0-9]+)(?:\|([^>]*))?>`)
	specialMention = regexp.MustCompile(`<!([a-z]+)(?:\^[^|>]*)?(?:\|[^>]*)?>`)
	markupLink     = regexp.MustCompile(`<((?:https?|mailto):[^|>]+)(?:\|([^>]*))?>`)
	bareURL        = regexp.MustCompile(`https?://[^\s<>]+`)
	emojiCode      = regexp.MustCompile(`(^|[\s(]):[a-z][a-z0-9_+\-]*:(?::skin-tone-\d:)?`)
	placeholders   = regexp.MustCompile(`\[(?:user|channel|link|emoji|secret)\]`)
)

// Normalizer rewrites chat markup and decides whether text is worth indexing.
type Normalizer struct {
	// MinLength is the minimum number of runes of real content, placeholders
	// excluded, for text to be embedded.
	MinLength int
}

// Normalize returns the rewritten text and false when the text should be
// skipped. Invalid UTF-8 is dropped rather than rejected, so source text
// with a bad byte still indexes.
func (n Normalizer) Normalize(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}

	out := userMention.ReplaceAllStringFunc(text, func(m string) string {
		if label := userMention.FindStringSubmatch(m)[2]; label != "" {
			return "@" + label
		}
		return PlaceholderUser
	})
	out = channelMention.ReplaceAllStringFunc(out, func(m string) string {
		if label := channelMention.FindStringSubmatch(m)[2]; label != "" {
			return "#" + label
		}
		return PlaceholderChannel
	})
	out = specialMention.ReplaceAllString(out, "@$1")
	out = markupLink.ReplaceAllStringFunc(out, func(m string) string {
		if label := markupLink.FindStringSubmatch(m)[2]; label != "" {
			return label
		}
		return PlaceholderLink
	})
	out = bareURL.ReplaceAllString(out, PlaceholderLink)
	out = emojiCode.ReplaceAllString(out, "${1}"+PlaceholderEmoji)
	out = strings.Join(strings.Fields(out), " ")

	content := strings.Join(strings.Fields(placeholders.ReplaceAllString(out, " ")), " ")
	if utf8.RuneCountInString(content) < n.MinLength || content == "" {
		return out, false
	}
	return out, true
}
