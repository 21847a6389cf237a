package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss/tree"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/framestack/internal/errors"
	"github.com/Iron-Ham/framestack/internal/frame"
	"github.com/Iron-Ham/framestack/internal/index"
	"github.com/Iron-Ham/framestack/internal/schema"
	"github.com/Iron-Ham/framestack/internal/store"
	"github.com/Iron-Ham/framestack/internal/util"
)

func registerFrameCmds(root *cobra.Command, a *app) {
	root.AddCommand(newPushCmd(a), newPopCmd(a), newStatusCmd(a), newStackCmd(a))
}

func newPushCmd(a *app) *cobra.Command {
	var (
		req        index.PushRequest
		inputs     string
		schemaFile string
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push a frame onto a scope's stack",
		Long: `Push a new frame. Without --parent a root frame is created; a scope holds
at most one live root. A child's token total is delegated from its parent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := a.requireScope()
			if err != nil {
				return err
			}
			req.Scope = scope
			if inputs != "" {
				req.Inputs = json.RawMessage(inputs)
			}
			if schemaFile != "" {
				if req.InputSchema, err = schema.LoadFile(schemaFile); err != nil {
					return err
				}
			}

			ix, err := a.index(cmd.Context())
			if err != nil {
				return err
			}
			id, err := ix.PushFrame(cmd.Context(), req)
			if err != nil {
				return err
			}
			f, err := ix.GetFrame(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), f, func(w io.Writer, s styles) {
				fmt.Fprintf(w, "%s %s (depth %d, %d tokens)\n", s.ok.Render("pushed"), s.id.Render(f.FrameID), f.Depth, f.Budget.Total)
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&req.ParentFrameID, "parent", "p", "", "parent frame ID")
	f.StringVarP(&req.Goal, "goal", "g", "", "goal of the unit of work")
	f.StringVar(&inputs, "inputs", "", "inputs as a JSON document")
	f.StringVar(&schemaFile, "schema", "", "JSON Schema file the inputs must satisfy")
	f.Int64VarP(&req.TotalTokens, "tokens", "t", 0, "token budget (0 uses the default, or the parent's available tokens)")
	f.IntVar(&req.MaxSubframeDepth, "max-depth", 0, "max subframe depth (0 inherits)")
	f.Int64Var(&req.Constraints.TimeoutMs, "timeout-ms", 0, "caller-owned timeout recorded on the frame")
	f.IntVar(&req.Constraints.MaxToolCalls, "max-tool-calls", 0, "caller-owned tool call limit recorded on the frame")
	return cmd
}

func newPopCmd(a *app) *cobra.Command {
	var (
		status string
		opts   index.PopOptions
	)
	cmd := &cobra.Command{
		Use:   "pop <frame-id>",
		Short: "Complete or fail a frame",
		Long: `Pop a frame with a terminal status. A frame with live children or
delegated tokens cannot be popped unless --force is given with --status
failed, which fails every live descendant deepest first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ix, err := a.index(cmd.Context())
			if err != nil {
				return err
			}
			if err := ix.PopFrame(cmd.Context(), args[0], frame.Status(status), opts); err != nil {
				return err
			}
			f, err := ix.GetFrame(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), f, func(w io.Writer, s styles) {
				fmt.Fprintf(w, "%s %s\n", s.status(f.Status), s.id.Render(f.FrameID))
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(frame.StatusCompleted), "terminal status: completed or failed")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "fail live descendants first")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason recorded on the popped frames")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	var set string
	cmd := &cobra.Command{
		Use:   "status [frame-id]",
		Short: "Show a frame, or the top of the scope's stack",
		Long: `Show a frame's status, budget and context. Without a frame ID the top of
the --scope stack is shown. --set moves a live frame between active and
waiting.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ix, err := a.index(ctx)
			if err != nil {
				return err
			}

			var id string
			if len(args) == 1 {
				id = args[0]
			} else {
				scope, err := a.requireScope()
				if err != nil {
					return err
				}
				top, ok, err := ix.FindTopOfStack(ctx, scope)
				if err != nil {
					return err
				}
				if !ok {
					return errors.NewFrameError("status: scope has no live frame", errors.ErrFrameNotFound).WithScope(scope)
				}
				id = top
			}

			if set != "" {
				if err := ix.SetStatus(ctx, id, frame.Status(set)); err != nil {
					return err
				}
			}
			f, err := ix.GetFrame(ctx, id)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), f, func(w io.Writer, s styles) {
				printFrame(w, s, f)
			})
		},
	}
	cmd.Flags().StringVar(&set, "set", "", "set status to active or waiting")
	return cmd
}

func printFrame(w io.Writer, s styles, f *frame.Frame) {
	fmt.Fprintln(w, s.title.Render(f.Goal))
	s.field(w, "frame", s.id.Render(f.FrameID))
	if !f.IsRoot() {
		s.field(w, "parent", f.ParentFrameID)
	}
	s.field(w, "scope", f.Scope)
	s.field(w, "status", s.status(f.Status))
	s.field(w, "depth", fmt.Sprintf("%d of %d", f.Depth, f.Budget.MaxSubframeDepth))
	b := f.Budget
	s.field(w, "budget", fmt.Sprintf("%d total, %d used, %d reserved, %d delegated, %d available",
		b.Total, b.Used, b.Reserved, b.SubcallAllocation, b.Available()))
	s.field(w, "created", f.CreatedAt.Format("2006-01-02 15:04:05"))
	if f.CompletedAt != nil {
		s.field(w, "completed", f.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	if len(f.Inputs) > 0 {
		s.field(w, "inputs", util.TruncateANSI(string(f.Inputs), width(w)-14))
	}
	if f.ContextHash != "" {
		s.field(w, "hash", s.muted.Render(f.ContextHash))
	}

	if len(f.ContextHandles) > 0 {
		fmt.Fprintln(w, s.title.Render("handles"))
		for _, h := range f.ContextHandles {
			line := fmt.Sprintf("  %-10s %6d  %s  %s", h.Priority, h.EstimatedTokens, h.HandleID, h.Source)
			if h.Kind == frame.KindToolInvocation {
				line += " " + s.warn.Render("["+string(h.ToolState)+"]")
			}
			fmt.Fprintln(w, util.TruncateANSI(line, width(w)))
		}
	}
	if len(f.ResultRefs) > 0 {
		fmt.Fprintln(w, s.title.Render("results"))
		for _, r := range f.ResultRefs {
			fmt.Fprintf(w, "  %s  %s %s\n", r.RefID, r.Locator, s.muted.Render(r.Description))
		}
	}
}

func newStackCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "stack",
		Short: "Show a scope's frame tree, or list scopes",
		Long: `Render the frame tree of --scope. Without --scope every scope is listed.
Terminal frames are hidden unless --all is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ix, err := a.index(ctx)
			if err != nil {
				return err
			}

			if a.scope == "" {
				scopes, err := ix.ListScopes(ctx)
				if err != nil {
					return err
				}
				return a.emit(cmd.OutOrStdout(), scopes, func(w io.Writer, s styles) {
					printScopes(w, s, scopes)
				})
			}

			frames, err := ix.ScopeFrames(ctx, a.scope)
			if err != nil {
				return err
			}
			if !all {
				live := frames[:0]
				for _, f := range frames {
					if !f.Status.IsTerminal() {
						live = append(live, f)
					}
				}
				frames = live
			}
			return a.emit(cmd.OutOrStdout(), frames, func(w io.Writer, s styles) {
				fmt.Fprintln(w, frameTree(s, a.scope, frames))
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include completed and failed frames")
	return cmd
}

func printScopes(w io.Writer, s styles, scopes []store.ScopeInfo) {
	if len(scopes) == 0 {
		fmt.Fprintln(w, s.muted.Render("no scopes"))
		return
	}
	for _, sc := range scopes {
		fmt.Fprintf(w, "%s  %d frames, %d live  %s\n",
			s.title.Render(sc.Scope), sc.FrameCount, sc.LiveCount,
			s.muted.Render(fmt.Sprintf("last push #%d", sc.LastPush)))
	}
}

// frameTree renders frames as a tree under the scope. Frames whose parent
// is not in the list hang off the scope node.
func frameTree(s styles, scope string, frames []*frame.Frame) *tree.Tree {
	nodes := make(map[string]*tree.Tree, len(frames))
	for _, f := range frames {
		label := fmt.Sprintf("%s %s %s", s.id.Render(util.ShortID(f.FrameID, 8)), s.status(f.Status), f.Goal)
		label += s.muted.Render(fmt.Sprintf("  %d/%d tokens", f.Budget.Used, f.Budget.Total))
		nodes[f.FrameID] = tree.Root(label)
	}

	root := tree.Root(s.title.Render(scope)).Enumerator(tree.RoundedEnumerator)
	for _, f := range frames {
		if parent, ok := nodes[f.ParentFrameID]; ok {
			parent.Child(nodes[f.FrameID])
			continue
		}
		root.Child(nodes[f.FrameID])
	}
	return root
}

// readFileArg reads path, or stdin for "-".
func readFileArg(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}
