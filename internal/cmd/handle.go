package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/framestack/internal/compaction"
	"github.com/Iron-Ham/framestack/internal/frame"
	"github.com/Iron-Ham/framestack/internal/resolver"
)

func registerHandleCmds(root *cobra.Command, a *app) {
	handle := &cobra.Command{
		Use:   "handle",
		Short: "Attach context handles to frames",
	}
	handle.AddCommand(newHandleAddCmd(a))

	result := &cobra.Command{
		Use:   "result",
		Short: "Record results produced by frames",
	}
	result.AddCommand(newResultAddCmd(a))

	root.AddCommand(handle, result)
}

func newHandleAddCmd(a *app) *cobra.Command {
	var (
		h        frame.ContextHandle
		priority string
		tool     bool
		finished bool
	)
	cmd := &cobra.Command{
		Use:   "add <frame-id>",
		Short: "Attach a context handle to a frame",
		Long: `Attach a handle referencing content by locator, e.g. "inline:some text"
or "file:notes/plan.md". Content is resolved only when a pack is assembled.
Without --tokens, inline content is estimated at four characters per token.

Re-adding a handle with the same --id replaces it; use --tool --finished to
mark a recorded tool invocation done.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := frame.ParsePriority(priority)
			if err != nil {
				return err
			}
			h.Priority = p
			if h.EstimatedTokens == 0 {
				if scheme, ref, ok := resolver.Split(h.Source); ok && scheme == resolver.SchemeInline {
					h.EstimatedTokens = compaction.EstimateTokens(ref)
				}
			}
			if tool {
				h.Kind = frame.KindToolInvocation
				if finished {
					h.ToolState = frame.ToolFinished
				}
			}

			ctx := cmd.Context()
			ix, err := a.index(ctx)
			if err != nil {
				return err
			}
			id, err := ix.AddContextHandle(ctx, args[0], h)
			if err != nil {
				return err
			}
			f, err := ix.GetFrame(ctx, args[0])
			if err != nil {
				return err
			}
			added, _ := f.Handle(id)
			return a.emit(cmd.OutOrStdout(), added, func(w io.Writer, s styles) {
				fmt.Fprintf(w, "%s %s %s (%d tokens)\n", s.ok.Render("added"), s.id.Render(added.HandleID), added.Priority, added.EstimatedTokens)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&h.Source, "source", "", "content locator, scheme:ref")
	f.StringVar(&h.HandleID, "id", "", "handle ID (generated when empty)")
	f.StringVar(&priority, "priority", string(frame.PriorityMedium), "critical, high, medium, low or background")
	f.Int64Var(&h.EstimatedTokens, "tokens", 0, "estimated tokens")
	f.BoolVar(&tool, "tool", false, "record a tool invocation")
	f.BoolVar(&finished, "finished", false, "mark the tool invocation finished")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func newResultAddCmd(a *app) *cobra.Command {
	var r frame.ResultRef
	cmd := &cobra.Command{
		Use:   "add <frame-id>",
		Short: "Record a result reference on a frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ix, err := a.index(ctx)
			if err != nil {
				return err
			}
			id, err := ix.AddResultRef(ctx, args[0], r)
			if err != nil {
				return err
			}
			r.RefID = id
			return a.emit(cmd.OutOrStdout(), r, func(w io.Writer, s styles) {
				fmt.Fprintf(w, "%s %s %s\n", s.ok.Render("recorded"), s.id.Render(id), r.Locator)
			})
		},
	}
	cmd.Flags().StringVar(&r.Locator, "locator", "", "where the result lives")
	cmd.Flags().StringVar(&r.Description, "description", "", "short description")
	cmd.Flags().StringVar(&r.RefID, "id", "", "result ID (generated when empty)")
	_ = cmd.MarkFlagRequired("locator")
	return cmd
}
