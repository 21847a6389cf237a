package compaction

import (
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/Iron-Ham/framestack/internal/frame"
)

func seg(id string, p frame.Priority, tokens, seq int64) Segment {
	// Content length tracks the token estimate so Light has something to
	// rewrite proportionally.
	return Segment{
		ID:       id,
		Priority: p,
		Tokens:   tokens,
		Content:  strings.Repeat("word  ", int(tokens)*charsPerToken/6+1),
		AddedSeq: seq,
	}
}

func ids(segs []Segment) []string {
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		out = append(out, s.ID)
	}
	return out
}

func assertMonotonic(t *testing.T, res Result) {
	t.Helper()
	prev := res.OriginalTokens
	for _, step := range res.Steps {
		if step.Tokens > prev {
			t.Fatalf("step %q raised tokens from %d to %d", step.Level, prev, step.Tokens)
		}
		prev = step.Tokens
	}
	if res.FinalTokens > res.OriginalTokens {
		t.Fatalf("final %d > original %d", res.FinalTokens, res.OriginalTokens)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := map[string]int64{"": 0, "a": 1, "abcd": 1, "abcdefgh": 2, strings.Repeat("x", 400): 100}
	for in, want := range tests {
		if got := EstimateTokens(in); got != want {
			t.Errorf("EstimateTokens(len %d) = %d, want %d", len(in), got, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("")
	if err != nil || l != LevelCritical {
		t.Errorf("ParseLevel(\"\") = %q, %v; want critical", l, err)
	}
	l, err = ParseLevel("Moderate")
	if err != nil || l != LevelModerate {
		t.Errorf("ParseLevel(Moderate) = %q, %v", l, err)
	}
	if _, err := ParseLevel("extreme"); err == nil {
		t.Error("ParseLevel(extreme) should fail")
	}
	if !LevelLight.AtMost(LevelModerate) || LevelCritical.AtMost(LevelAggressive) {
		t.Error("AtMost ordering is wrong")
	}
}

// Segments total 1000 with one 150-token Critical segment; priority-based
// compaction to 600 keeps the Critical one.
func TestPriorityBased_KeepsCritical(t *testing.T) {
	segs := []Segment{
		seg("crit", frame.PriorityCritical, 150, 1),
		seg("high", frame.PriorityHigh, 250, 2),
		seg("med", frame.PriorityMedium, 200, 3),
		seg("low", frame.PriorityLow, 250, 4),
		seg("bg", frame.PriorityBackground, 150, 5),
	}
	e := NewEngine(DefaultOptions())

	res := e.PriorityBased(segs, 600)
	assertMonotonic(t, res)

	if res.FinalTokens > 600 {
		t.Errorf("FinalTokens = %d, want <= 600", res.FinalTokens)
	}
	if !slices.Contains(ids(res.Segments), "crit") {
		t.Error("Critical segment was dropped")
	}
	if want := []string{"bg", "low"}; !slices.Equal(res.Removed, want) {
		t.Errorf("Removed = %v, want %v", res.Removed, want)
	}
	if res.OverBudget {
		t.Error("OverBudget should be false")
	}
	if len(segs) != 5 || segs[0].ID != "crit" {
		t.Error("input slice was modified")
	}
}

func TestPriorityBased_TieBreakDropsLastRankedFirst(t *testing.T) {
	segs := []Segment{
		seg("a", frame.PriorityLow, 100, 1),
		seg("c", frame.PriorityLow, 100, 2),
		seg("b", frame.PriorityLow, 100, 3),
	}
	res := NewEngine(DefaultOptions()).PriorityBased(segs, 200)
	if !slices.Equal(res.Removed, []string{"c"}) {
		t.Errorf("Removed = %v, want [c]", res.Removed)
	}
}

func TestPriorityBased_NeverDropsCriticalOrPinned(t *testing.T) {
	pinned := seg("pinned", frame.PriorityBackground, 300, 1)
	pinned.Pinned = true
	segs := []Segment{
		seg("crit", frame.PriorityCritical, 500, 2),
		pinned,
		seg("low", frame.PriorityLow, 100, 3),
	}

	res := NewEngine(DefaultOptions()).PriorityBased(segs, 100)
	if !slices.Equal(ids(res.Segments), []string{"crit", "pinned"}) {
		t.Errorf("Segments = %v", ids(res.Segments))
	}
	if !res.OverBudget {
		t.Error("OverBudget should be set when protected content exceeds target")
	}
}

func TestCompactLevels_NoneWhenFits(t *testing.T) {
	segs := []Segment{seg("a", frame.PriorityLow, 100, 1)}
	res := NewEngine(DefaultOptions()).CompactLevels(segs, 500, LevelCritical)

	if res.Level != LevelNone {
		t.Errorf("Level = %q, want none", res.Level)
	}
	if res.FinalTokens != 100 || len(res.Removed) != 0 {
		t.Errorf("unexpected change: %+v", res)
	}
}

func TestCompactLevels_LightAbbreviates(t *testing.T) {
	long := Segment{
		ID:       "log",
		Priority: frame.PriorityMedium,
		Tokens:   400,
		Content:  strings.Repeat("x", 1600),
		AddedSeq: 1,
	}
	e := NewEngine(Options{RecentCutoff: 4, SummaryRatio: 0.25, AbbreviateLineChars: 200})

	res := e.CompactLevels([]Segment{long}, 10, LevelLight)
	assertMonotonic(t, res)

	if res.Level != LevelLight {
		t.Errorf("Level = %q, want light", res.Level)
	}
	if len(res.Segments) != 1 {
		t.Fatal("Light must not drop items")
	}
	got := res.Segments[0]
	if len([]rune(got.Content)) > 200 {
		t.Errorf("line not abbreviated: %d runes", len([]rune(got.Content)))
	}
	if got.Tokens >= 400 {
		t.Errorf("Tokens = %d, want fewer than 400", got.Tokens)
	}
	if !slices.Equal(res.Abbreviated, []string{"log"}) {
		t.Errorf("Abbreviated = %v", res.Abbreviated)
	}
	if !res.OverBudget {
		t.Error("floor light should leave the pack over budget")
	}
}

func TestCompactLevels_ModerateSummarizesOldest(t *testing.T) {
	segs := []Segment{
		seg("old-crit", frame.PriorityCritical, 200, 1),
		seg("old", frame.PriorityMedium, 400, 2),
		seg("mid", frame.PriorityMedium, 400, 3),
		seg("new", frame.PriorityMedium, 400, 4),
	}
	e := NewEngine(Options{RecentCutoff: 1, SummaryRatio: 0.25, AbbreviateLineChars: 240})

	res := e.CompactLevels(segs, 700, LevelModerate)
	assertMonotonic(t, res)

	if res.Level != LevelModerate {
		t.Fatalf("Level = %q, want moderate", res.Level)
	}
	if !slices.Equal(res.Summarized, []string{"old", "mid"}) {
		t.Errorf("Summarized = %v, want [old mid]", res.Summarized)
	}
	for _, s := range res.Segments {
		if s.ID == "old-crit" && s.Summarized {
			t.Error("Critical segments are exempt from summarization")
		}
		if s.ID == "new" && s.Summarized {
			t.Error("recent segment should stay verbatim")
		}
		if s.ID == "old" && !strings.HasPrefix(s.Content, "[summary of") {
			t.Errorf("summary content = %q", s.Content)
		}
	}
	if res.FinalTokens > 700 {
		t.Errorf("FinalTokens = %d, want <= 700", res.FinalTokens)
	}
}

func TestCompactLevels_AggressiveDropsLowBandsFirst(t *testing.T) {
	segs := []Segment{
		seg("crit", frame.PriorityCritical, 100, 1),
		seg("high", frame.PriorityHigh, 100, 2),
		seg("med", frame.PriorityMedium, 100, 3),
		seg("low", frame.PriorityLow, 100, 4),
		seg("bg", frame.PriorityBackground, 100, 5),
	}
	// Recent cutoff covers everything so Moderate cannot help.
	e := NewEngine(Options{RecentCutoff: 10, SummaryRatio: 0.25, AbbreviateLineChars: 240})

	res := e.CompactLevels(segs, 300, LevelAggressive)
	assertMonotonic(t, res)

	if res.Level != LevelAggressive {
		t.Fatalf("Level = %q, want aggressive", res.Level)
	}
	if !slices.Equal(ids(res.Segments), []string{"crit", "high", "med"}) {
		t.Errorf("Segments = %v; medium should survive once low bands are gone", ids(res.Segments))
	}

	res = e.CompactLevels(segs, 200, LevelAggressive)
	if !slices.Equal(ids(res.Segments), []string{"crit", "high"}) {
		t.Errorf("Segments = %v; medium should go next", ids(res.Segments))
	}
}

func TestCompactLevels_CriticalMayExceedTarget(t *testing.T) {
	pinned := seg("pinned-high", frame.PriorityHigh, 300, 2)
	pinned.Pinned = true
	segs := []Segment{
		seg("crit-a", frame.PriorityCritical, 400, 1),
		pinned,
		seg("crit-b", frame.PriorityCritical, 400, 3),
	}
	e := NewEngine(Options{RecentCutoff: 10, SummaryRatio: 0.25, AbbreviateLineChars: 240})

	res := e.CompactLevels(segs, 500, LevelCritical)
	assertMonotonic(t, res)

	if res.Level != LevelCritical {
		t.Fatalf("Level = %q, want critical", res.Level)
	}
	if !slices.Equal(ids(res.Segments), []string{"crit-a", "crit-b"}) {
		t.Errorf("Segments = %v", ids(res.Segments))
	}
	if !res.OverBudget {
		t.Error("Critical content alone exceeds the target; OverBudget should be set")
	}
}

func TestCompactLevels_FloorStopsEscalation(t *testing.T) {
	segs := []Segment{
		seg("a", frame.PriorityLow, 500, 1),
		seg("b", frame.PriorityLow, 500, 2),
	}
	e := NewEngine(Options{RecentCutoff: 10, SummaryRatio: 0.25, AbbreviateLineChars: 240})

	res := e.CompactLevels(segs, 100, LevelModerate)
	if res.Level != LevelModerate {
		t.Errorf("Level = %q, want moderate", res.Level)
	}
	if len(res.Removed) != 0 {
		t.Errorf("floor moderate must not drop items, removed %v", res.Removed)
	}
	if !res.OverBudget {
		t.Error("OverBudget should be set")
	}
}

func TestCompactLevels_Monotonic(t *testing.T) {
	priorities := []frame.Priority{
		frame.PriorityCritical, frame.PriorityHigh, frame.PriorityMedium,
		frame.PriorityLow, frame.PriorityBackground,
	}
	e := NewEngine(Options{RecentCutoff: 2, SummaryRatio: 0.3, AbbreviateLineChars: 40})

	for n := 1; n <= 12; n++ {
		var segs []Segment
		for i := range n {
			segs = append(segs, seg(fmt.Sprintf("s%02d", i), priorities[i%len(priorities)], int64(50+i*37), int64(i)))
		}
		for _, target := range []int64{0, 100, 400, 1000} {
			res := e.CompactLevels(segs, target, LevelCritical)
			assertMonotonic(t, res)
			for _, s := range segs {
				if s.IsCritical() && !slices.Contains(ids(res.Segments), s.ID) {
					t.Fatalf("n=%d target=%d: Critical %s dropped", n, target, s.ID)
				}
			}
		}
	}
}

func TestSummarizeOldest(t *testing.T) {
	segs := []Segment{
		seg("a", frame.PriorityMedium, 100, 1),
		seg("b", frame.PriorityCritical, 100, 2),
		seg("c", frame.PriorityMedium, 100, 3),
		seg("d", frame.PriorityMedium, 100, 4),
	}
	res := NewEngine(DefaultOptions()).SummarizeOldest(segs, 2)
	assertMonotonic(t, res)

	if !slices.Equal(res.Summarized, []string{"a"}) {
		t.Errorf("Summarized = %v, want [a]", res.Summarized)
	}
	if res.FinalTokens != 325 {
		t.Errorf("FinalTokens = %d, want 325", res.FinalTokens)
	}
}

func TestSummarizeOldest_SkipsAlreadySummarized(t *testing.T) {
	done := seg("a", frame.PriorityMedium, 20, 1)
	done.Summarized = true
	res := NewEngine(DefaultOptions()).SummarizeOldest([]Segment{done}, 0)
	if len(res.Summarized) != 0 || res.FinalTokens != 20 {
		t.Errorf("re-summarized: %+v", res)
	}
}

func TestTruncateAt(t *testing.T) {
	segs := []Segment{
		seg("crit", frame.PriorityCritical, 10, 1),
		seg("a", frame.PriorityHigh, 10, 2),
		seg("b", frame.PriorityHigh, 10, 3),
		seg("c", frame.PriorityHigh, 10, 4),
	}
	res := NewEngine(DefaultOptions()).TruncateAt(segs, 2)
	assertMonotonic(t, res)

	if !slices.Equal(ids(res.Segments), []string{"crit", "b", "c"}) {
		t.Errorf("Segments = %v", ids(res.Segments))
	}
	if !slices.Equal(res.Removed, []string{"a"}) {
		t.Errorf("Removed = %v", res.Removed)
	}
}

func TestApply(t *testing.T) {
	e := NewEngine(DefaultOptions())
	segs := []Segment{seg("a", frame.PriorityLow, 100, 1), seg("b", frame.PriorityLow, 100, 2)}

	tests := []struct {
		spec     Spec
		strategy StrategyID
		wantErr  bool
	}{
		{Spec{Strategy: StrategyLevels, TargetTokens: 150}, StrategyLevels, false},
		{Spec{Strategy: StrategyPriorityBased, TargetTokens: 150}, StrategyPriorityBased, false},
		{Spec{Strategy: StrategySummarizeOldest, KeepRecent: 1}, StrategySummarizeOldest, false},
		{Spec{Strategy: StrategyTruncateAt, MessageCount: 1}, StrategyTruncateAt, false},
		{Spec{Strategy: "custom/v1"}, "", true},
		{Spec{Strategy: StrategyTruncateAt, MessageCount: -1}, "", true},
		{Spec{Strategy: StrategyLevels, Floor: "extreme"}, "", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.spec.Strategy), func(t *testing.T) {
			res, err := e.Apply(tt.spec, segs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Apply() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && res.Strategy != tt.strategy {
				t.Errorf("Strategy = %q, want %q", res.Strategy, tt.strategy)
			}
		})
	}
}
