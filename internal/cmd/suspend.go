package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/framestack/internal/frame"
	"github.com/Iron-Ham/framestack/internal/index"
	"github.com/Iron-Ham/framestack/internal/util"
)

func registerSuspendCmds(root *cobra.Command, a *app) {
	root.AddCommand(newSuspendCmd(a), newResumeCmd(a), newRecoverCmd(a))
}

func newSuspendCmd(a *app) *cobra.Command {
	var (
		reason string
		list   bool
	)
	cmd := &cobra.Command{
		Use:   "suspend [frame-id]",
		Short: "Suspend a frame and print its resume token",
		Long: `Suspend an active or waiting frame. The printed token resumes it exactly
once. With --list, show the live tokens of --scope instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ix, err := a.index(ctx)
			if err != nil {
				return err
			}

			if list || len(args) == 0 {
				scope, err := a.requireScope()
				if err != nil {
					return err
				}
				tokens, err := ix.ListSuspended(ctx, scope)
				if err != nil {
					return err
				}
				return a.emit(cmd.OutOrStdout(), tokens, func(w io.Writer, s styles) {
					if len(tokens) == 0 {
						fmt.Fprintln(w, s.muted.Render("no suspended frames"))
						return
					}
					for _, t := range tokens {
						printToken(w, s, t)
					}
				})
			}

			tok, err := ix.SuspendFrame(ctx, args[0], reason)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), tok, func(w io.Writer, s styles) {
				printToken(w, s, *tok)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the frame is suspended")
	cmd.Flags().BoolVar(&list, "list", false, "list live suspension tokens of --scope")
	return cmd
}

func printToken(w io.Writer, s styles, t frame.SuspensionToken) {
	line := fmt.Sprintf("%s  frame %s  was %s  since %s",
		s.id.Render(t.TokenID), t.FrameID, t.PriorStatus, t.SuspendedAt.Format("2006-01-02 15:04:05"))
	if t.Reason != "" {
		line += "  " + s.muted.Render(t.Reason)
	}
	fmt.Fprintln(w, line)
}

func newResumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <token>",
		Short: "Redeem a suspension token and reactivate its frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ix, err := a.index(ctx)
			if err != nil {
				return err
			}
			id, err := ix.ResumeFrame(ctx, args[0])
			if err != nil {
				return err
			}
			f, err := ix.GetFrame(ctx, id)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), f, func(w io.Writer, s styles) {
				fmt.Fprintf(w, "%s %s %s\n", s.ok.Render("resumed"), s.id.Render(f.FrameID), f.Goal)
			})
		},
	}
}

func newRecoverCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Rebuild the --scope stack from storage and list pending work",
		Long: `Rebuild the live frame stack of --scope from durable storage, as an actor
does after a restart, and list the work it left outstanding: frames
waiting on a subcall, unfinished tool invocations and suspended frames.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := a.requireScope()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			ix, err := a.index(ctx)
			if err != nil {
				return err
			}
			rec, err := ix.ResumeActor(ctx, scope)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), rec, func(w io.Writer, s styles) {
				printRecovery(w, s, rec)
			})
		},
	}
}

func printRecovery(w io.Writer, s styles, rec *index.Recovery) {
	fmt.Fprintln(w, s.title.Render(fmt.Sprintf("%s recovered at #%d in %s", rec.Scope, rec.LastEventSeq, rec.Elapsed)))
	if rec.CurrentFrame == nil {
		fmt.Fprintln(w, s.muted.Render("no live frames"))
		return
	}
	for _, f := range rec.FrameStack {
		fmt.Fprintf(w, "  %d %s %s %s\n", f.Depth, s.id.Render(util.ShortID(f.FrameID, 8)), s.status(f.Status), f.Goal)
	}
	if len(rec.PendingWork) == 0 {
		return
	}
	fmt.Fprintln(w, s.title.Render("pending"))
	for _, p := range rec.PendingWork {
		detail := p.HandleID
		if p.TokenID != "" {
			detail = p.TokenID
		}
		fmt.Fprintf(w, "  %s %s %s\n", s.warn.Render(string(p.Kind)), s.id.Render(util.ShortID(p.FrameID, 8)), detail)
	}
}
