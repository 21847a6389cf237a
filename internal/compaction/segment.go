package compaction

import (
	"slices"

	"github.com/Iron-Ham/framestack/internal/frame"
)

// charsPerToken is the heuristic used wherever content has no caller
// supplied estimate.
const charsPerToken = 4

// EstimateTokens approximates the token count of s at four characters per
// token. Non-empty text is never estimated at zero.
func EstimateTokens(s string) int64 {
	if s == "" {
		return 0
	}
	return max(int64(len(s)/charsPerToken), 1)
}

// Segment is one unit of materialized content considered for compaction.
type Segment struct {
	ID       string         `json:"id"`
	Priority frame.Priority `json:"priority"`
	Tokens   int64          `json:"tokens"`
	Content  string         `json:"content"`
	AddedSeq int64          `json:"added_seq"`
	// Pinned segments were explicitly requested by the caller. Only the
	// Critical level may drop them.
	Pinned bool `json:"pinned,omitempty"`
	// Summarized is set once the content has been replaced by a synthesis.
	Summarized bool `json:"summarized,omitempty"`
	// Abbreviated is set once Light has rewritten the content.
	Abbreviated bool `json:"abbreviated,omitempty"`
}

// IsCritical reports whether the segment has Critical priority.
func (s Segment) IsCritical() bool {
	return s.Priority == frame.PriorityCritical
}

// TotalTokens sums Tokens over segs.
func TotalTokens(segs []Segment) int64 {
	var total int64
	for _, s := range segs {
		total += s.Tokens
	}
	return total
}

// FromHandle builds a segment from a context handle and its resolved
// content. A handle that already carries a Summary is marked summarized.
func FromHandle(h frame.ContextHandle, content string, pinned bool) Segment {
	seg := Segment{
		ID:       h.HandleID,
		Priority: h.Priority,
		Tokens:   h.EstimatedTokens,
		Content:  content,
		AddedSeq: h.AddedSeq,
		Pinned:   pinned,
	}
	if h.Summary != "" {
		seg.Content = h.Summary
		seg.Summarized = true
	}
	return seg
}

// byRecency returns indexes of segs ordered newest first. Ties on AddedSeq
// fall back to ID so the order is reproducible.
func byRecency(segs []Segment) []int {
	idx := make([]int, len(segs))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		if segs[a].AddedSeq != segs[b].AddedSeq {
			if segs[a].AddedSeq > segs[b].AddedSeq {
				return -1
			}
			return 1
		}
		if segs[a].ID < segs[b].ID {
			return -1
		}
		if segs[a].ID > segs[b].ID {
			return 1
		}
		return 0
	})
	return idx
}

func cloneSegments(segs []Segment) []Segment {
	return slices.Clone(segs)
}
