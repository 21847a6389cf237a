package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/framestack/internal/assembler"
	"github.com/Iron-Ham/framestack/internal/compaction"
	"github.com/Iron-Ham/framestack/internal/util"
)

func registerPackCmds(root *cobra.Command, a *app) {
	root.AddCommand(newPackCmd(a), newCompactCmd(a))
}

func newPackCmd(a *app) *cobra.Command {
	var (
		req           assembler.Request
		minCompaction string
	)
	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Assemble a bounded context pack",
		Long: `Assemble the context pack for the top of the --scope stack, or for
--frame. The pack holds a brief of the frame, one breadcrumb per ancestor
and as many context segments as the budget allows, compacted up to
--min-compaction.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := a.requireScope()
			if err != nil {
				return err
			}
			req.Scope = scope
			if req.MinCompaction, err = compaction.ParseLevel(minCompaction); err != nil {
				return err
			}

			ctx := cmd.Context()
			ix, err := a.index(ctx)
			if err != nil {
				return err
			}
			if req.BudgetTokens == 0 {
				req.BudgetTokens = a.cfg.Assembly.DefaultBudgetTokens
			}
			pack, err := ix.AssembleContextPack(ctx, req)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), pack, func(w io.Writer, s styles) {
				printPack(w, s, pack)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.FrameID, "frame", "", "target frame (defaults to the top of the stack)")
	f.Int64VarP(&req.BudgetTokens, "budget", "b", 0, "pack token budget (0 uses assembly.default_budget_tokens)")
	f.StringSliceVar(&req.Hints.IncludeHandles, "include", nil, "handle IDs to pin")
	f.StringSliceVar(&req.Hints.Keywords, "keyword", nil, "keywords that promote matching handles")
	f.StringVar(&minCompaction, "min-compaction", "", "most degraded compaction level accepted (default critical)")
	f.BoolVar(&req.RecordUsage, "record-usage", false, "charge the pack's tokens to the frame")
	return cmd
}

func printPack(w io.Writer, s styles, p *assembler.ContextPack) {
	sum := p.Summary
	header := fmt.Sprintf("pack %s  %d/%d tokens  level %s", p.Metadata.PackID, sum.Used, sum.Budget, sum.Level)
	if sum.OverBudget {
		header += "  " + s.bad.Render("over budget")
	}
	fmt.Fprintln(w, s.title.Render(header))
	fmt.Fprintln(w, p.Brief)

	if len(p.Breadcrumbs) > 0 {
		fmt.Fprintln(w, s.title.Render("ancestors"))
		for _, b := range p.Breadcrumbs {
			fmt.Fprintf(w, "  %s%s %s %s\n", strings.Repeat("  ", b.Depth), s.id.Render(util.ShortID(b.FrameID, 8)), s.status(b.Status), b.Goal)
		}
	}

	fmt.Fprintln(w, s.title.Render("segments"))
	maxWidth := width(w)
	for _, seg := range p.Segments {
		var marks []string
		if seg.Pinned {
			marks = append(marks, "pinned")
		}
		if seg.Summarized {
			marks = append(marks, "summarized")
		}
		if seg.Abbreviated {
			marks = append(marks, "abbreviated")
		}
		if seg.Unresolved {
			marks = append(marks, s.bad.Render("unresolved"))
		}
		fmt.Fprintf(w, "  %s %s %d tokens %s\n", s.id.Render(seg.HandleID), seg.Priority, seg.Tokens, s.muted.Render(strings.Join(marks, ",")))
		fmt.Fprintln(w, "    "+util.TruncateANSI(util.OneLine(seg.Content), maxWidth-4))
	}

	b := sum.Breakdown
	fmt.Fprintln(w, s.muted.Render(fmt.Sprintf("brief %d  breadcrumbs %d  segments %d  slack %d", b.Brief, b.Breadcrumbs, b.Segments, b.Slack)))
	if len(sum.Dropped) > 0 {
		fmt.Fprintln(w, s.warn.Render("dropped: "+strings.Join(sum.Dropped, ", ")))
	}
	if len(sum.Skipped) > 0 {
		fmt.Fprintln(w, s.muted.Render("skipped: "+strings.Join(sum.Skipped, ", ")))
	}
}

func newCompactCmd(a *app) *cobra.Command {
	var (
		spec     compaction.Spec
		strategy string
		floor    string
	)
	cmd := &cobra.Command{
		Use:   "compact <frame-id>",
		Short: "Compact a frame's context handles in place",
		Long: `Apply a compaction strategy to a frame's handles and persist the result.
Strategies: levels/v1 (--target, --floor), priority_based/v1 (--target),
summarize_oldest/v1 (--keep-recent), truncate_at/v1 (--message-count).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Strategy = compaction.StrategyID(strategy)
			if floor != "" {
				l, err := compaction.ParseLevel(floor)
				if err != nil {
					return err
				}
				spec.Floor = l
			}

			ctx := cmd.Context()
			ix, err := a.index(ctx)
			if err != nil {
				return err
			}
			res, err := ix.CompactContext(ctx, args[0], spec)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), res, func(w io.Writer, s styles) {
				fmt.Fprintf(w, "%s %s %d -> %d tokens (level %s)\n",
					s.ok.Render("compacted"), s.id.Render(args[0]), res.OriginalTokens, res.FinalTokens, res.Level)
				if len(res.Removed) > 0 {
					s.field(w, "removed", strings.Join(res.Removed, ", "))
				}
				if len(res.Summaries) > 0 {
					s.field(w, "summarized", len(res.Summaries))
				}
				if len(res.Abbreviations) > 0 {
					s.field(w, "abbreviated", len(res.Abbreviations))
				}
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&strategy, "strategy", "", "strategy ID (default compaction.default_strategy)")
	f.Int64Var(&spec.TargetTokens, "target", 0, "target tokens")
	f.StringVar(&floor, "floor", "", "most degraded level levels/v1 may reach")
	f.IntVar(&spec.KeepRecent, "keep-recent", 0, "newest handles summarize_oldest/v1 keeps verbatim")
	f.IntVar(&spec.MessageCount, "message-count", 0, "newest handles truncate_at/v1 keeps")
	return cmd
}
