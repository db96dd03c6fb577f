package secrets

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// gitleaksDetector runs the gitleaks default ruleset. The detector is not
// documented as safe for concurrent use, so calls are serialized.
type gitleaksDetector struct {
	mu sync.Mutex
	d  *detect.Detector
}

func newGitleaksDetector() (*gitleaksDetector, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	return &gitleaksDetector{d: d}, nil
}

// find reports every occurrence of each secret gitleaks detects. Gitleaks
// reports line and column positions, so spans are recovered by locating
// the secret in text.
func (g *gitleaksDetector) find(text string) []Finding {
	g.mu.Lock()
	detected := g.d.DetectString(text)
	g.mu.Unlock()

	var found []Finding
	for _, f := range detected {
		if f.Secret == "" {
			continue
		}
		for off := 0; off < len(text); {
			i := strings.Index(text[off:], f.Secret)
			if i < 0 {
				break
			}
			start := off + i
			end := start + len(f.Secret)
			found = append(found, Finding{RuleID: "gitleaks:" + f.RuleID, Start: start, End: end})
			off = end
		}
	}
	return found
}
