package compaction

import (
	"fmt"
	"strings"
)

// Level is a named degree of content reduction. Levels are totally ordered
// from None (no change) to Critical (only Critical content survives).
type Level string

// Compaction levels in escalation order.
const (
	LevelNone       Level = "none"
	LevelLight      Level = "light"
	LevelModerate   Level = "moderate"
	LevelAggressive Level = "aggressive"
	LevelCritical   Level = "critical"
)

var levelOrder = []Level{LevelNone, LevelLight, LevelModerate, LevelAggressive, LevelCritical}

// Levels returns every level in escalation order.
func Levels() []Level {
	return append([]Level(nil), levelOrder...)
}

// Rank returns the position of l in the escalation order, or -1.
func (l Level) Rank() int {
	for i, candidate := range levelOrder {
		if candidate == l {
			return i
		}
	}
	return -1
}

// IsValid reports whether l is a known level.
func (l Level) IsValid() bool {
	return l.Rank() >= 0
}

// AtMost reports whether l is no more degraded than other.
func (l Level) AtMost(other Level) bool {
	return l.Rank() <= other.Rank()
}

// ParseLevel converts a case-insensitive name to a Level. The empty string
// parses as Critical: a caller that sets no floor accepts every level.
func ParseLevel(s string) (Level, error) {
	if strings.TrimSpace(s) == "" {
		return LevelCritical, nil
	}
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if !l.IsValid() {
		return "", fmt.Errorf("unknown compaction level %q", s)
	}
	return l, nil
}
