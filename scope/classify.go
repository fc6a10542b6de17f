package scope

import "strings"

// defaultPatterns are the name fragments the fallback classifier matches
// when the host enables auto-classification without its own list.
var defaultPatterns = []string{"agent", "tool", "step"}

// Classifier synthesizes an implicit frame name from a caller-declared name
// when no explicit frame is open. It only ever inspects names the host
// supplied; explicit frames always take priority over this heuristic.
type Classifier struct {
	patterns []string
}

// NewClassifier builds a classifier over the given patterns. An empty list
// uses the defaults.
func NewClassifier(patterns []string) *Classifier {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, defaultPatterns...)
	}
	return &Classifier{patterns: cleaned}
}

// Classify matches a declared name against the configured patterns and
// returns the synthesized frame name, e.g. "research_agent" -> "agent:research_agent".
func (c *Classifier) Classify(name string) (string, bool) {
	if c == nil || strings.TrimSpace(name) == "" {
		return "", false
	}
	lower := strings.ToLower(name)
	for _, p := range c.patterns {
		if strings.Contains(lower, p) {
			return p + ":" + name, true
		}
	}
	return "", false
}
