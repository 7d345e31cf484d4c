// Package shell implements the tiplotctl command language over a store.
//
// Commands are whitespace-separated words. Each command writes its output
// to the executor's writer and returns an error on failure; the caller
// decides whether an error ends the session.
package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/xtxerr/tiplot/config"
	"github.com/xtxerr/tiplot/internal/errors"
	"github.com/xtxerr/tiplot/internal/export"
	"github.com/xtxerr/tiplot/internal/interp"
	"github.com/xtxerr/tiplot/internal/logging"
	"github.com/xtxerr/tiplot/internal/metrics"
	"github.com/xtxerr/tiplot/internal/persist"
	"github.com/xtxerr/tiplot/internal/query"
	"github.com/xtxerr/tiplot/internal/store"
	"github.com/xtxerr/tiplot/internal/summary"
)

var log = logging.Component("shell")

// ErrQuit is returned by the quit and exit commands.
var ErrQuit = errors.New("quit")

// ErrUsage is returned when a command gets the wrong arguments.
var ErrUsage = errors.New("usage")

// Config configures an Executor.
type Config struct {
	// SessionFile is the default path for load and save.
	SessionFile string

	// ExportDir is the default directory for export and the query commands.
	ExportDir string

	// Export holds Parquet writer options.
	Export export.Options

	// Mode is the initial interpolation mode.
	Mode interp.Mode

	// SummaryAccuracy is the DDSketch relative accuracy.
	SummaryAccuracy float64

	// Query configures the DuckDB service, opened on first use.
	Query query.Config

	// Metrics records save and load durations. May be nil.
	Metrics *metrics.Metrics
}

// Command describes one command for help and completion.
type Command struct {
	Name    string
	Args    string
	Summary string
	run     func(e *Executor, ctx context.Context, args []string) error
}

// Executor runs commands against a store.
type Executor struct {
	cfg   Config
	store *store.Store
	out   io.Writer

	mode interp.Mode

	queryOnce sync.Once
	query     *query.Service
	queryErr  error
}

// New creates an executor over st writing to out.
func New(cfg Config, st *store.Store, out io.Writer) *Executor {
	if cfg.SessionFile == "" {
		cfg.SessionFile = config.DefaultSessionFile
	}
	if cfg.ExportDir == "" {
		cfg.ExportDir = config.DefaultExportDir
	}
	if cfg.SummaryAccuracy <= 0 {
		cfg.SummaryAccuracy = config.DefaultSummaryAccuracy
	}
	return &Executor{
		cfg:   cfg,
		store: st,
		out:   out,
		mode:  cfg.Mode,
	}
}

// Close releases the query service, if it was opened.
func (e *Executor) Close() error {
	if e.query != nil {
		return e.query.Close()
	}
	return nil
}

// Mode returns the current interpolation mode.
func (e *Executor) Mode() interp.Mode {
	return e.mode
}

// Execute runs one command line. Blank lines and lines starting with '#'
// are ignored.
func (e *Executor) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}

	fields := strings.Fields(line)
	name, args := strings.ToLower(fields[0]), fields[1:]

	cmd, ok := lookup(name)
	if !ok {
		return fmt.Errorf("unknown command %q (try help)", name)
	}

	start := time.Now()
	err := cmd.run(e, ctx, args)
	if errors.Is(err, ErrUsage) {
		return fmt.Errorf("%w: %s %s", ErrUsage, cmd.Name, cmd.Args)
	}
	log.Debug("command done", "command", cmd.Name, "duration", time.Since(start), "error", err)
	return err
}

// Commands returns every command, sorted by name.
func Commands() []Command {
	out := make([]Command, len(commands))
	copy(out, commands)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Topics returns the store's topics, for completion.
func (e *Executor) Topics() []string {
	return e.store.Topics()
}

// Columns returns a topic's columns, for completion.
func (e *Executor) Columns(topic string) []string {
	return e.store.Columns(topic)
}

func lookup(name string) (Command, bool) {
	if name == "exit" {
		name = "quit"
	}
	for _, c := range commands {
		if c.Name == name {
			return c, true
		}
	}
	return Command{}, false
}

var commands []Command

func init() {
	commands = []Command{
		{"load", "[path]", "replace the store with a saved session", (*Executor).cmdLoad},
		{"save", "[path]", "save the store to a session file", (*Executor).cmdSave},
		{"clear", "", "remove all data and reset the start time", (*Executor).cmdClear},
		{"topics", "", "list topics with row counts", (*Executor).cmdTopics},
		{"columns", "<topic>", "list the columns of a topic", (*Executor).cmdColumns},
		{"value", "<topic> <column> <t> [mode]", "interpolated value at t seconds", (*Executor).cmdValue},
		{"summary", "<topic> [column]", "column statistics with percentiles", (*Executor).cmdSummary},
		{"export", "[topic] [dir]", "write topics as Parquet files", (*Executor).cmdExport},
		{"stats", "", "store statistics", (*Executor).cmdStats},
		{"mode", "[previous|linear|next]", "show or set the interpolation mode", (*Executor).cmdMode},
		{"sql", "<query>", "run SQL over exported files (DuckDB)", (*Executor).cmdSQL},
		{"colstats", "<topic> <column>", "column statistics from the exported file", (*Executor).cmdColStats},
		{"window", "<topic> <column> <from> <to> [limit]", "exported rows with from <= t <= to", (*Executor).cmdWindow},
		{"help", "", "show this help", (*Executor).cmdHelp},
		{"quit", "", "leave the shell", (*Executor).cmdQuit},
	}
}

// =============================================================================
// Session
// =============================================================================

func (e *Executor) pathArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return e.cfg.SessionFile
}

func (e *Executor) cmdLoad(_ context.Context, args []string) error {
	path := e.pathArg(args)
	start := time.Now()
	res, err := persist.Load(e.store, path)
	e.cfg.Metrics.PersistDone("load", time.Since(start), err)
	if err != nil {
		return err
	}

	fmt.Fprintf(e.out, "loaded %d topics from %s (%d bytes)\n", res.Topics, res.Path, res.Bytes)
	for _, w := range res.Warnings {
		fmt.Fprintf(e.out, "warning: %s\n", w)
	}
	for _, d := range res.Dropped {
		fmt.Fprintf(e.out, "dropped %s.%s (%s)\n", d.Topic, d.Column, d.Type)
	}
	return nil
}

func (e *Executor) cmdSave(_ context.Context, args []string) error {
	path := e.pathArg(args)
	start := time.Now()
	res, err := persist.Save(e.store, path)
	e.cfg.Metrics.PersistDone("save", time.Since(start), err)
	if err != nil {
		return err
	}

	fmt.Fprintf(e.out, "saved %d topics to %s (%d bytes)\n", res.Topics, res.Path, res.Bytes)
	for _, t := range res.Skipped {
		fmt.Fprintf(e.out, "skipped empty topic %s\n", t)
	}
	return nil
}

func (e *Executor) cmdClear(_ context.Context, _ []string) error {
	e.store.Clear()
	fmt.Fprintln(e.out, "cleared")
	return nil
}

// =============================================================================
// Browsing
// =============================================================================

func (e *Executor) cmdTopics(_ context.Context, _ []string) error {
	topics := e.store.Topics()
	if len(topics) == 0 {
		fmt.Fprintln(e.out, "no topics")
		return nil
	}

	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOPIC\tROWS\tCOLUMNS")
	for _, t := range topics {
		times, _ := e.store.Column(t, store.TimestampColumn)
		fmt.Fprintf(tw, "%s\t%d\t%d\n", t, len(times), len(e.store.Columns(t)))
	}
	return tw.Flush()
}

func (e *Executor) cmdColumns(_ context.Context, args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	if !e.store.HasTopic(args[0]) {
		return fmt.Errorf("%w: %q", errors.ErrTopicNotFound, args[0])
	}
	for _, c := range e.store.Columns(args[0]) {
		fmt.Fprintln(e.out, c)
	}
	return nil
}

func (e *Executor) cmdValue(_ context.Context, args []string) error {
	if len(args) < 3 || len(args) > 4 {
		return ErrUsage
	}
	t, err := strconv.ParseFloat(args[2], 32)
	if err != nil {
		return fmt.Errorf("bad time %q: %w", args[2], err)
	}
	mode := e.mode
	if len(args) == 4 {
		if mode, err = interp.ParseMode(args[3]); err != nil {
			return err
		}
	}

	v, ok := interp.ValueAt(e.store, args[0], args[1], float32(t), mode)
	if !ok {
		fmt.Fprintln(e.out, "no value")
		return nil
	}
	fmt.Fprintf(e.out, "%s.%s @ %gs (%s) = %g\n", args[0], args[1], t, mode, v)
	return nil
}

func (e *Executor) cmdSummary(_ context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return ErrUsage
	}
	ts, err := summary.SummarizeTopic(e.store, args[0], e.cfg.SummaryAccuracy)
	if err != nil {
		return err
	}

	cols := ts.Columns
	if len(args) == 2 {
		if _, ok := ts.Stats[args[1]]; !ok {
			return fmt.Errorf("%w: %s.%s", errors.ErrColumnNotFound, args[0], args[1])
		}
		cols = []string{args[1]}
	}

	if ts.HasTime {
		fmt.Fprintf(e.out, "%s: %d rows, t=[%g, %g]s\n", ts.Topic, ts.Rows, ts.Start, ts.End)
	} else {
		fmt.Fprintf(e.out, "%s: %d rows\n", ts.Topic, ts.Rows)
	}

	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLUMN\tN\tNAN\tMIN\tMAX\tMEAN\tP50\tP90\tP99")
	for _, c := range cols {
		s := ts.Stats[c]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.6g\t%.6g\t%.6g\t%.6g\t%.6g\t%.6g\n",
			c, s.Count, s.NaNs, s.Min, s.Max, s.Mean, s.P50, s.P90, s.P99)
	}
	return tw.Flush()
}

func (e *Executor) cmdStats(_ context.Context, _ []string) error {
	st := e.store.Stats()
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "topics\t%d\n", st.Topics)
	fmt.Fprintf(tw, "columns\t%d\n", st.Columns)
	fmt.Fprintf(tw, "samples\t%d\n", st.Samples)
	fmt.Fprintf(tw, "start_time\t%.6f\n", st.StartTime)
	fmt.Fprintf(tw, "batches\t%d\n", st.Batches)
	fmt.Fprintf(tw, "rows\t%d\n", st.Rows)
	fmt.Fprintf(tw, "dropped_columns\t%d\n", st.DroppedColumns)
	fmt.Fprintf(tw, "mode\t%s\n", e.mode)
	return tw.Flush()
}

func (e *Executor) cmdMode(_ context.Context, args []string) error {
	switch len(args) {
	case 0:
	case 1:
		m, err := interp.ParseMode(args[0])
		if err != nil {
			return err
		}
		e.mode = m
	default:
		return ErrUsage
	}
	fmt.Fprintf(e.out, "mode %s\n", e.mode)
	return nil
}

// =============================================================================
// Export and query
// =============================================================================

func (e *Executor) cmdExport(_ context.Context, args []string) error {
	if len(args) > 2 {
		return ErrUsage
	}
	dir := e.cfg.ExportDir
	if len(args) == 2 {
		dir = args[1]
	}

	var results []export.Result
	if len(args) >= 1 && args[0] != "all" {
		res, err := export.ExportTopic(e.store, args[0], filepath.Join(dir, export.FileName(args[0])), e.cfg.Export)
		if err != nil {
			return err
		}
		results = append(results, res)
	} else {
		var err error
		if results, err = export.ExportAll(e.store, dir, e.cfg.Export); err != nil {
			return err
		}
	}

	for _, r := range results {
		fmt.Fprintf(e.out, "%s -> %s (%d rows)\n", r.Topic, r.Path, r.Rows)
		if r.Truncated > 0 {
			fmt.Fprintf(e.out, "  truncated %d samples from longer columns\n", r.Truncated)
		}
	}
	return nil
}

func (e *Executor) queryService() (*query.Service, error) {
	e.queryOnce.Do(func() {
		e.query, e.queryErr = query.New(e.cfg.Query)
	})
	return e.query, e.queryErr
}

// exportPath returns the exported file for topic, which must exist.
func (e *Executor) exportPath(topic string) (string, error) {
	path := filepath.Join(e.cfg.ExportDir, export.FileName(topic))
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%s not exported (run export %s): %w", topic, topic, err)
	}
	return path, nil
}

func (e *Executor) cmdSQL(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return ErrUsage
	}
	svc, err := e.queryService()
	if err != nil {
		return err
	}

	cols, rows, err := svc.ExecuteSQL(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(cols, "\t")))
	for _, row := range rows {
		vals := make([]string, len(cols))
		for i, c := range cols {
			vals[i] = fmt.Sprint(row[c])
		}
		fmt.Fprintln(tw, strings.Join(vals, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "(%d rows)\n", len(rows))
	return nil
}

func (e *Executor) cmdColStats(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return ErrUsage
	}
	path, err := e.exportPath(args[0])
	if err != nil {
		return err
	}
	svc, err := e.queryService()
	if err != nil {
		return err
	}

	cs, err := svc.ColumnStats(ctx, path, args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s.%s: n=%d min=%.6g max=%.6g mean=%.6g stddev=%.6g\n",
		args[0], args[1], cs.Count, cs.Min, cs.Max, cs.Mean, cs.StdDev)
	return nil
}

func (e *Executor) cmdWindow(ctx context.Context, args []string) error {
	if len(args) < 4 || len(args) > 5 {
		return ErrUsage
	}
	from, err := strconv.ParseFloat(args[2], 32)
	if err != nil {
		return fmt.Errorf("bad from %q: %w", args[2], err)
	}
	to, err := strconv.ParseFloat(args[3], 32)
	if err != nil {
		return fmt.Errorf("bad to %q: %w", args[3], err)
	}
	limit := 0
	if len(args) == 5 {
		if limit, err = strconv.Atoi(args[4]); err != nil {
			return fmt.Errorf("bad limit %q: %w", args[4], err)
		}
	}

	path, err := e.exportPath(args[0])
	if err != nil {
		return err
	}
	svc, err := e.queryService()
	if err != nil {
		return err
	}

	points, err := svc.Window(ctx, path, args[1], float32(from), float32(to), limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "T\t%s\n", strings.ToUpper(args[1]))
	for _, p := range points {
		fmt.Fprintf(tw, "%g\t%g\n", p.T, p.V)
	}
	return tw.Flush()
}

// =============================================================================
// Misc
// =============================================================================

func (e *Executor) cmdHelp(_ context.Context, _ []string) error {
	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	for _, c := range Commands() {
		fmt.Fprintf(tw, "%s %s\t%s\n", c.Name, c.Args, c.Summary)
	}
	return tw.Flush()
}

func (e *Executor) cmdQuit(_ context.Context, _ []string) error {
	return ErrQuit
}
