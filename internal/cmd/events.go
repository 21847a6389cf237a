package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/framestack/internal/eventlog"
	"github.com/Iron-Ham/framestack/internal/index"
	"github.com/Iron-Ham/framestack/internal/store"
	"github.com/Iron-Ham/framestack/internal/util"
)

func registerEventCmds(root *cobra.Command, a *app) {
	events := &cobra.Command{
		Use:   "events",
		Short: "Inspect, export and import the event log",
	}
	events.AddCommand(newEventsListCmd(a), newEventsExportCmd(a), newEventsImportCmd(a))
	root.AddCommand(events)
}

// eventView is an event with its payload decoded for display.
type eventView struct {
	Seq       int64         `json:"seq"`
	EventID   string        `json:"event_id"`
	Type      eventlog.Type `json:"type"`
	Scope     string        `json:"scope"`
	FrameID   string        `json:"frame_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Payload   any           `json:"payload"`
}

func viewEvents(events []eventlog.Event) ([]eventView, error) {
	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		payload, err := ev.DecodeAny()
		if err != nil {
			return nil, err
		}
		views = append(views, eventView{
			Seq:       ev.Seq,
			EventID:   ev.EventID,
			Type:      ev.Type,
			Scope:     ev.Scope,
			FrameID:   ev.FrameID,
			Timestamp: ev.Timestamp,
			Payload:   payload,
		})
	}
	return views, nil
}

func addFilterFlags(cmd *cobra.Command, filter *store.EventFilter, typ *string) {
	f := cmd.Flags()
	f.StringVar(&filter.FrameID, "frame", "", "only events of this frame")
	f.StringVar(typ, "type", "", "only events of this type")
	f.Int64Var(&filter.AfterSeq, "after", 0, "only events after this sequence")
	f.Int64Var(&filter.UpToSeq, "upto", 0, "only events up to this sequence")
}

func (a *app) eventFilter(filter store.EventFilter, typ string) (store.EventFilter, error) {
	filter.Scope = a.scope
	if typ != "" {
		filter.Type = eventlog.Type(typ)
		if !filter.Type.IsValid() {
			return filter, fmt.Errorf("unknown event type %q", typ)
		}
	}
	return filter, nil
}

func newEventsListCmd(a *app) *cobra.Command {
	var (
		filter store.EventFilter
		typ    string
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List logged events, optionally for one scope",
		Long: `List logged events in sequence order. With --follow, keep running and
print events as other processes commit them: one JSON object per line
under --json, one YAML document per event under --yaml.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := a.eventFilter(filter, typ)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			ix, err := a.index(ctx)
			if err != nil {
				return err
			}
			if follow {
				return a.followEvents(ctx, cmd.OutOrStdout(), ix, filter)
			}
			events, err := ix.Events(ctx, filter)
			if err != nil {
				return err
			}
			views, err := viewEvents(events)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), views, func(w io.Writer, s styles) {
				for _, ev := range views {
					printEvent(w, s, ev)
				}
			})
		},
	}
	addFilterFlags(cmd, &filter, &typ)
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 0, "maximum number of events")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events until interrupted")
	return cmd
}

func printEvent(w io.Writer, s styles, ev eventView) {
	fmt.Fprintf(w, "%6d  %s  %-20s %s %s\n",
		ev.Seq, s.muted.Render(ev.Timestamp.Format("15:04:05.000")), ev.Type, ev.Scope, s.id.Render(util.ShortID(ev.FrameID, 8)))
}

// followEvents prints matching events, then waits for writes to the
// database files and prints whatever was committed since. It returns when
// ctx is done.
func (a *app) followEvents(ctx context.Context, w io.Writer, ix *index.Index, filter store.EventFilter) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	dbPath := ix.Store().Path()
	if err := watcher.Add(filepath.Dir(dbPath)); err != nil {
		return err
	}
	base := filepath.Base(dbPath)
	s := newStyles(w)
	limit := filter.Limit
	filter.Limit = 0

	drain := func() error {
		events, err := ix.Events(ctx, filter)
		if err != nil {
			return err
		}
		views, err := viewEvents(events)
		if err != nil {
			return err
		}
		for _, ev := range views {
			var err error
			switch {
			case a.asJSON:
				err = writeJSONLine(w, ev)
			case a.asYAML:
				err = writeYAMLDoc(w, ev)
			default:
				printEvent(w, s, ev)
			}
			if err != nil {
				return err
			}
			filter.AfterSeq = ev.Seq
		}
		return nil
	}

	// The backlog honours --limit by skipping to the last N events.
	if limit > 0 {
		last, err := ix.Store().LastSeq(ctx, filter.Scope)
		if err != nil {
			return err
		}
		filter.AfterSeq = max(filter.AfterSeq, last-int64(limit))
	}
	if err := drain(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// SQLite writes the database, its -wal and -shm files.
			if !strings.HasPrefix(filepath.Base(ev.Name), base) || (!ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create)) {
				continue
			}
			if err := drain(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", dbPath, err)
		}
	}
}

func newEventsExportCmd(a *app) *cobra.Command {
	var (
		filter      store.EventFilter
		typ         string
		out         string
		compression string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the event log to a compressed archive",
		Long: `Write logged events to a CBOR archive, zstd-compressed by default. The
archive can seed a fresh database with "events import".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := a.eventFilter(filter, typ)
			if err != nil {
				return err
			}
			c, err := eventlog.ParseCompression(compression)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			ix, err := a.index(ctx)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			n, err := ix.ExportEvents(ctx, w, c, filter)
			if err != nil {
				return err
			}
			if out != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d events to %s (%s)\n", n, out, c)
			}
			return nil
		},
	}
	addFilterFlags(cmd, &filter, &typ)
	cmd.Flags().StringVarP(&out, "out", "o", "-", "archive file (- for stdout)")
	cmd.Flags().StringVar(&compression, "compression", "zstd", "zstd, lz4 or none")
	return cmd
}

func newEventsImportCmd(a *app) *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Rebuild an empty database from an event archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := readFileArg(in)
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()

			ctx := cmd.Context()
			ix, err := a.index(ctx)
			if err != nil {
				return err
			}
			n, err := ix.ImportEvents(ctx, r)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), map[string]int{"imported": n}, func(w io.Writer, s styles) {
				fmt.Fprintf(w, "%s %d events\n", s.ok.Render("imported"), n)
			})
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "-", "archive file (- for stdin)")
	return cmd
}
