package vectorstore

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// maxCollectionLen is the longest name both backends accept.
	maxCollectionLen = 64
	// defaultCollection replaces names with no usable characters.
	defaultCollection = "recall_messages"
)

// CollectionName maps an operator-supplied name onto ^[a-z0-9_]{1,64}$.
// Invalid characters become underscores, runs of underscores collapse, and
// names over the limit are cut and suffixed with a hash of the original so
// distinct long names stay distinct.
//
//	"Recall Messages" -> "recall_messages"
//	"team.eng/prod"   -> "team_eng_prod"
//	"" or "!!!"       -> "recall_messages"
func CollectionName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	underscore := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return defaultCollection
	}
	if len(out) > maxCollectionLen {
		sum := sha256.Sum256([]byte(out))
		suffix := "_" + hex.EncodeToString(sum[:4])
		out = strings.TrimRight(out[:maxCollectionLen-len(suffix)], "_") + suffix
	}
	return out
}
