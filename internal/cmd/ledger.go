package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/framestack/internal/errors"
	"github.com/Iron-Ham/framestack/internal/frame"
)

func registerLedgerCmds(root *cobra.Command, a *app) {
	root.AddCommand(newReserveCmd(a), newUsageCmd(a))
}

func parseTokens(arg string) (int64, error) {
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.NewValidationError("token count must be a non-negative integer").WithField("tokens").WithValue(arg)
	}
	return n, nil
}

func newReserveCmd(a *app) *cobra.Command {
	var release bool
	cmd := &cobra.Command{
		Use:   "reserve <frame-id> <tokens>",
		Short: "Reserve tokens on a frame, or release a reservation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseTokens(args[1])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			ix, err := a.index(ctx)
			if err != nil {
				return err
			}
			if release {
				err = ix.ReleaseReservation(ctx, args[0], n)
			} else {
				err = ix.Reserve(ctx, args[0], n)
			}
			if err != nil {
				return err
			}
			f, err := ix.GetFrame(ctx, args[0])
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), f.Budget, func(w io.Writer, s styles) {
				printBudget(w, s, f)
			})
		},
	}
	cmd.Flags().BoolVar(&release, "release", false, "release previously reserved tokens")
	return cmd
}

func newUsageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage [frame-id tokens]",
		Short: "Record token usage, or show scope usage",
		Long: `With a frame ID and a token count, charge the tokens to the frame. Usage
is recorded even past the budget. Without arguments, show the aggregated
ledger of --scope.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("usage takes no arguments or <frame-id> <tokens>")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ix, err := a.index(ctx)
			if err != nil {
				return err
			}

			if len(args) == 0 {
				scope, err := a.requireScope()
				if err != nil {
					return err
				}
				m, err := ix.ScopeMetrics(ctx, scope)
				if err != nil {
					return err
				}
				return a.emit(cmd.OutOrStdout(), m, func(w io.Writer, s styles) {
					fmt.Fprintln(w, s.title.Render(m.Scope))
					s.field(w, "frames", fmt.Sprintf("%d (%d live)", m.FrameCount, m.LiveCount))
					s.field(w, "root total", m.RootTotal)
					s.field(w, "consumed", fmt.Sprintf("%d (%.1f%%)", m.Consumed, m.UsageRatio()*100))
					s.field(w, "reserved", m.Reserved)
					s.field(w, "delegated", m.SubcallAllocation)
				})
			}

			n, err := parseTokens(args[1])
			if err != nil {
				return err
			}
			if err := ix.RecordUsage(ctx, args[0], n); err != nil {
				return err
			}
			f, err := ix.GetFrame(ctx, args[0])
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), f.Budget, func(w io.Writer, s styles) {
				printBudget(w, s, f)
			})
		},
	}
	return cmd
}

func printBudget(w io.Writer, s styles, f *frame.Frame) {
	b := f.Budget
	avail := fmt.Sprint(b.Available())
	if b.Available() == 0 {
		avail = s.bad.Render(avail)
	}
	fmt.Fprintf(w, "%s  total %d  used %d  reserved %d  delegated %d  available %s\n",
		s.id.Render(f.FrameID), b.Total, b.Used, b.Reserved, b.SubcallAllocation, avail)
}
