package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/snackdriven/chronicle-sub000/internal/engine"
	"github.com/snackdriven/chronicle-sub000/internal/events"
)

// NewEventCommand groups the timeline event subcommands.
func NewEventCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Record and query timeline events",
	}

	cmd.AddCommand(newEventStoreCommand(rootOpts))
	cmd.AddCommand(newEventGetCommand(rootOpts))
	cmd.AddCommand(newEventUpdateCommand(rootOpts))
	cmd.AddCommand(newEventDeleteCommand(rootOpts))
	cmd.AddCommand(newEventQueryCommand(rootOpts))
	cmd.AddCommand(newEventSummaryCommand(rootOpts))
	cmd.AddCommand(newEventTypesCommand(rootOpts))
	cmd.AddCommand(newEventPeriodsCommand(rootOpts))
	cmd.AddCommand(newEventExpandCommand(rootOpts))

	return cmd
}

// eventStoreOptions holds flags for the event store command.
type eventStoreOptions struct {
	*RootOptions
	ID        string
	Time      string
	Type      string
	Namespace string
	Title     string
	Metadata  string
	Detail    string
}

func newEventStoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &eventStoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "store",
		Short: "Record a new event",
		Long: `Record a new timeline event.

The timestamp accepts epoch milliseconds, RFC 3339, "2006-01-02 15:04:05",
or a bare date, and defaults to now. Metadata and detail are JSON; detail
goes straight into the detail cache.

Example:
  chronicle event store --type commit --title "Fix flaky clock test" --metadata '{"repo":"tools"}'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventStore(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "event id (generated when empty)")
	cmd.Flags().StringVar(&opts.Time, "time", "", "event time (defaults to now)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "event type (required)")
	_ = cmd.MarkFlagRequired("type")
	cmd.Flags().StringVar(&opts.Namespace, "namespace", "", "grouping namespace")
	cmd.Flags().StringVar(&opts.Title, "title", "", "short label")
	cmd.Flags().StringVar(&opts.Metadata, "metadata", "", "inline metadata (JSON)")
	cmd.Flags().StringVar(&opts.Detail, "detail", "", "detail payload (JSON)")

	return cmd
}

func runEventStore(opts *eventStoreOptions, cmd *cobra.Command) error {
	st, err := openStores(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	in := events.Input{
		ID:        opts.ID,
		Type:      opts.Type,
		Namespace: opts.Namespace,
		Title:     opts.Title,
	}

	if opts.Time != "" {
		ts, err := events.ParseTimestamp(opts.Time)
		if err != nil {
			return fail(cmd, opts.RootOptions, engine.NewValidationError("--time: %v", err))
		}
		in.When = ts
	} else {
		in.When = events.TimestampTime(st.eng.Now())
	}

	if in.Metadata, err = parseValueFlag("--metadata", opts.Metadata); err != nil {
		return fail(cmd, opts.RootOptions, err)
	}
	if in.Detail, err = parseValueFlag("--detail", opts.Detail); err != nil {
		return fail(cmd, opts.RootOptions, err)
	}

	ev, err := st.events.Store(cmd.Context(), in)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}
	return emit(cmd, opts.RootOptions, ev, func(w io.Writer) {
		fmt.Fprintf(w, "stored event %s\n", ev.ID)
		renderEvent(w, ev)
	})
}

// eventGetOptions holds flags for the event get command.
type eventGetOptions struct {
	*RootOptions
	WithDetail bool
}

func newEventGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &eventGetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch one event by id",
		Long: `Fetch one event by id.

With --with-detail the detail blob is joined in and its access time
bumps, the lazy half of the two-step read path.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventGet(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.WithDetail, "with-detail", false, "include the detail blob")

	return cmd
}

func runEventGet(opts *eventGetOptions, id string, cmd *cobra.Command) error {
	st, err := openStores(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	if opts.WithDetail {
		ev, err := st.events.GetWithDetail(cmd.Context(), id)
		if err != nil {
			return fail(cmd, opts.RootOptions, err)
		}
		return emit(cmd, opts.RootOptions, ev, func(w io.Writer) {
			renderEvent(w, &ev.Event)
			if ev.Detail != nil {
				fmt.Fprintf(w, "  detail: %s\n", fmtValue(ev.Detail.Data))
			}
		})
	}

	ev, err := st.events.Get(cmd.Context(), id)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}
	return emit(cmd, opts.RootOptions, ev, func(w io.Writer) {
		renderEvent(w, ev)
	})
}

// eventUpdateOptions holds flags for the event update command.
type eventUpdateOptions struct {
	*RootOptions
	Title     string
	Namespace string
	Time      string
	Metadata  string
}

func newEventUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &eventUpdateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an event's mutable fields",
		Long: `Update an event's title, namespace, time, or metadata. Omitted flags
leave the stored field alone; --metadata null clears the payload.
Changing the time recomputes the derived date.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventUpdate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Title, "title", "", "new title")
	cmd.Flags().StringVar(&opts.Namespace, "namespace", "", "new namespace")
	cmd.Flags().StringVar(&opts.Time, "time", "", "new event time")
	cmd.Flags().StringVar(&opts.Metadata, "metadata", "", "new metadata (JSON, null clears)")

	return cmd
}

func runEventUpdate(opts *eventUpdateOptions, id string, cmd *cobra.Command) error {
	st, err := openStores(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	var u events.Update
	if cmd.Flags().Changed("title") {
		u.Title = &opts.Title
	}
	if cmd.Flags().Changed("namespace") {
		u.Namespace = &opts.Namespace
	}
	if cmd.Flags().Changed("time") {
		ts, err := events.ParseTimestamp(opts.Time)
		if err != nil {
			return fail(cmd, opts.RootOptions, engine.NewValidationError("--time: %v", err))
		}
		u.When = ts
	}
	if cmd.Flags().Changed("metadata") {
		if u.Metadata, err = parseValueFlag("--metadata", opts.Metadata); err != nil {
			return fail(cmd, opts.RootOptions, err)
		}
	}

	ev, err := st.events.Update(cmd.Context(), id, u)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}
	return emit(cmd, opts.RootOptions, ev, func(w io.Writer) {
		fmt.Fprintf(w, "updated event %s\n", ev.ID)
		renderEvent(w, ev)
	})
}

func newEventDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "delete <id>",
		Short:         "Delete an event and its detail blob",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventDelete(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runEventDelete(opts *RootOptions, id string, cmd *cobra.Command) error {
	st, err := openStores(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.events.Delete(cmd.Context(), id); err != nil {
		return fail(cmd, opts, err)
	}
	return emit(cmd, opts, map[string]string{"deleted": id}, func(w io.Writer) {
		fmt.Fprintf(w, "deleted event %s\n", id)
	})
}

// eventQueryOptions holds flags for the event query command.
type eventQueryOptions struct {
	*RootOptions
	Date  string
	From  string
	To    string
	Type  string
	Limit int
}

func newEventQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &eventQueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query events by day or date range",
		Long: `Query events for one UTC calendar day (--date) or an inclusive range
(--from/--to). The row limit caps the page; the stats cover the whole
match.

Example:
  chronicle event query --date 2024-01-15 --type commit
  chronicle event query --from 2024-01-01 --to 2024-01-31 --limit 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventQuery(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Date, "date", "", "single UTC day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.From, "from", "", "range start (YYYY-MM-DD, inclusive)")
	cmd.Flags().StringVar(&opts.To, "to", "", "range end (YYYY-MM-DD, inclusive)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "filter by event type")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "max rows (default 100, cap 1000)")

	return cmd
}

func runEventQuery(opts *eventQueryOptions, cmd *cobra.Command) error {
	st, err := openStores(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	f := events.Filter{Type: opts.Type, Limit: opts.Limit}

	var res *events.QueryResult
	switch {
	case opts.Date != "" && (opts.From != "" || opts.To != ""):
		return fail(cmd, opts.RootOptions, engine.NewValidationError("--date and --from/--to are mutually exclusive"))
	case opts.Date != "":
		res, err = st.events.QueryByDate(cmd.Context(), opts.Date, f)
	case opts.From != "" && opts.To != "":
		res, err = st.events.QueryRange(cmd.Context(), opts.From, opts.To, f)
	default:
		return fail(cmd, opts.RootOptions, engine.NewValidationError("pass --date, or both --from and --to"))
	}
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}

	return emit(cmd, opts.RootOptions, res, func(w io.Writer) {
		fmt.Fprintf(w, "%d of %d events\n", len(res.Events), res.Stats.Total)
		for _, ev := range res.Events {
			fmt.Fprintf(w, "%s  %-12s  %s  %s\n", fmtTime(ev.Timestamp), ev.Type, ev.ID, ev.Title)
		}
	})
}

func newEventSummaryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "summary <date>",
		Short:         "Count a day's events by type",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventSummary(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runEventSummary(opts *RootOptions, date string, cmd *cobra.Command) error {
	st, err := openStores(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.events.Summary(cmd.Context(), date)
	if err != nil {
		return fail(cmd, opts, err)
	}
	return emit(cmd, opts, stats, func(w io.Writer) {
		fmt.Fprintf(w, "%s: %d events\n", date, stats.Total)
		for _, typ := range sortedKeys(stats.ByType) {
			fmt.Fprintf(w, "  %-12s %d\n", typ, stats.ByType[typ])
		}
	})
}

func newEventTypesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "types",
		Short:         "List distinct event types with counts",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventTypes(rootOpts, cmd)
		},
	}
	return cmd
}

func runEventTypes(opts *RootOptions, cmd *cobra.Command) error {
	st, err := openStores(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	counts, err := st.events.TypeCounts(cmd.Context())
	if err != nil {
		return fail(cmd, opts, err)
	}
	return emit(cmd, opts, counts, func(w io.Writer) {
		for _, typ := range sortedKeys(counts) {
			fmt.Fprintf(w, "%-12s %d\n", typ, counts[typ])
		}
	})
}

// eventPeriodsOptions holds flags for the event periods command.
type eventPeriodsOptions struct {
	*RootOptions
	Period string
	Type   string
	Limit  int
}

func newEventPeriodsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &eventPeriodsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "periods",
		Short:         "Bucket event counts by day, week, or month",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventPeriods(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Period, "period", "", "bucket size: day, week, or month (required)")
	_ = cmd.MarkFlagRequired("period")
	cmd.Flags().StringVar(&opts.Type, "type", "", "filter by event type")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "max buckets")

	return cmd
}

func runEventPeriods(opts *eventPeriodsOptions, cmd *cobra.Command) error {
	st, err := openStores(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := events.ParsePeriod(opts.Period)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}

	counts, err := st.events.CountsByPeriod(cmd.Context(), p, events.Filter{Type: opts.Type, Limit: opts.Limit})
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}
	return emit(cmd, opts.RootOptions, counts, func(w io.Writer) {
		for _, pc := range counts {
			fmt.Fprintf(w, "%-12s %d\n", pc.Bucket, pc.Count)
		}
	})
}

// eventExpandOptions holds flags for the event expand command.
type eventExpandOptions struct {
	*RootOptions
	Data string
}

func newEventExpandCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &eventExpandOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "expand <id>",
		Short: "Attach a detail blob to an event",
		Long: `Attach a detail payload to an existing event, replacing any blob a
previous expansion stored under the same key.

Example:
  chronicle event expand 018c3a5e --data '{"diff":"..."}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventExpand(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Data, "data", "", "detail payload (JSON, required)")
	_ = cmd.MarkFlagRequired("data")

	return cmd
}

func runEventExpand(opts *eventExpandOptions, id string, cmd *cobra.Command) error {
	st, err := openStores(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	data, err := parseValueFlag("--data", opts.Data)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}

	key, err := st.events.Expand(cmd.Context(), id, data)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}
	return emit(cmd, opts.RootOptions, map[string]string{"detail_key": key}, func(w io.Writer) {
		fmt.Fprintf(w, "expanded event %s (detail key %s)\n", id, key)
	})
}

// renderEvent prints one event's fields, skipping empty ones.
func renderEvent(w io.Writer, ev *events.Event) {
	fmt.Fprintf(w, "  id: %s\n", ev.ID)
	fmt.Fprintf(w, "  type: %s\n", ev.Type)
	fmt.Fprintf(w, "  time: %s (%s)\n", fmtTime(ev.Timestamp), ev.Date)
	if ev.Namespace != "" {
		fmt.Fprintf(w, "  namespace: %s\n", ev.Namespace)
	}
	if ev.Title != "" {
		fmt.Fprintf(w, "  title: %s\n", ev.Title)
	}
	if ev.Metadata != nil {
		fmt.Fprintf(w, "  metadata: %s\n", fmtValue(ev.Metadata))
	}
	if ev.DetailKey != nil {
		fmt.Fprintf(w, "  detail key: %s\n", *ev.DetailKey)
	}
}
