package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/snackdriven/chronicle-sub000/internal/engine"
	"github.com/snackdriven/chronicle-sub000/internal/kv"
)

// NewKVCommand groups the ephemeral key/value subcommands.
func NewKVCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Ephemeral key/value memories with optional TTL",
	}

	cmd.AddCommand(newKVSetCommand(rootOpts))
	cmd.AddCommand(newKVGetCommand(rootOpts))
	cmd.AddCommand(newKVExistsCommand(rootOpts))
	cmd.AddCommand(newKVDeleteCommand(rootOpts))
	cmd.AddCommand(newKVListCommand(rootOpts))
	cmd.AddCommand(newKVSearchCommand(rootOpts))
	cmd.AddCommand(newKVTTLCommand(rootOpts))
	cmd.AddCommand(newKVSweepCommand(rootOpts))
	cmd.AddCommand(newKVStatsCommand(rootOpts))

	return cmd
}

// kvSetOptions holds flags for the kv set command.
type kvSetOptions struct {
	*RootOptions
	Namespace string
	TTL       time.Duration
}

func newKVSetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &kvSetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value under a key",
		Long: `Store a value under a key, replacing any previous value. The value
parses as JSON when it can; anything else is stored as a bare string.
A positive --ttl expires the key; setting again without --ttl clears
the expiry.

Example:
  chronicle kv set task:current '{"step":3}' --namespace work --ttl 1h`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKVSet(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Namespace, "namespace", "", "grouping namespace")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "time to live (e.g. 90s, 1h); zero means never expires")

	return cmd
}

func runKVSet(opts *kvSetOptions, key, rawValue string, cmd *cobra.Command) error {
	st, err := openStores(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	val := parseValueArg(rawValue)
	setOpts := kv.SetOptions{Namespace: opts.Namespace, TTL: opts.TTL}
	if err := st.memories.Set(cmd.Context(), key, val, setOpts); err != nil {
		return fail(cmd, opts.RootOptions, err)
	}

	mem, err := st.memories.Get(cmd.Context(), key)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}
	return emit(cmd, opts.RootOptions, mem, func(w io.Writer) {
		fmt.Fprintf(w, "set %s\n", key)
		renderMemory(w, mem)
	})
}

func newKVGetCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "get <key>",
		Short:         "Read a key's value",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKVGet(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runKVGet(opts *RootOptions, key string, cmd *cobra.Command) error {
	st, err := openStores(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	mem, err := st.memories.Get(cmd.Context(), key)
	if err != nil {
		return fail(cmd, opts, err)
	}
	return emit(cmd, opts, mem, func(w io.Writer) {
		renderMemory(w, mem)
	})
}

func newKVExistsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "exists <key>",
		Short:         "Report whether a key holds a live value",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKVExists(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runKVExists(opts *RootOptions, key string, cmd *cobra.Command) error {
	st, err := openStores(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	ok, err := st.memories.Exists(cmd.Context(), key)
	if err != nil {
		return fail(cmd, opts, err)
	}
	return emit(cmd, opts, map[string]bool{"exists": ok}, func(w io.Writer) {
		fmt.Fprintf(w, "%t\n", ok)
	})
}

// kvDeleteOptions holds flags for the kv delete command.
type kvDeleteOptions struct {
	*RootOptions
	Pattern string
}

func newKVDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &kvDeleteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "delete [key]",
		Short: "Delete one key, or every live key matching a glob",
		Long: `Delete one key by exact name, or pass --pattern to delete every live
key matching a glob in one transaction.

Example:
  chronicle kv delete task:current
  chronicle kv delete --pattern 'session:*'`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			return runKVDelete(opts, key, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Pattern, "pattern", "", "glob over keys (* and ? wildcards)")

	return cmd
}

func runKVDelete(opts *kvDeleteOptions, key string, cmd *cobra.Command) error {
	st, err := openStores(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	switch {
	case key != "" && opts.Pattern != "":
		return fail(cmd, opts.RootOptions, engine.NewValidationError("pass a key or --pattern, not both"))
	case opts.Pattern != "":
		n, err := st.memories.BulkDelete(cmd.Context(), opts.Pattern)
		if err != nil {
			return fail(cmd, opts.RootOptions, err)
		}
		return emit(cmd, opts.RootOptions, map[string]int{"deleted": n}, func(w io.Writer) {
			fmt.Fprintf(w, "deleted %d keys\n", n)
		})
	case key != "":
		ok, err := st.memories.Delete(cmd.Context(), key)
		if err != nil {
			return fail(cmd, opts.RootOptions, err)
		}
		return emit(cmd, opts.RootOptions, map[string]bool{"deleted": ok}, func(w io.Writer) {
			if ok {
				fmt.Fprintf(w, "deleted %s\n", key)
			} else {
				fmt.Fprintf(w, "%s was not set\n", key)
			}
		})
	default:
		return fail(cmd, opts.RootOptions, engine.NewValidationError("pass a key or --pattern"))
	}
}

// kvListOptions holds flags for the kv list command.
type kvListOptions struct {
	*RootOptions
	Namespace string
	Pattern   string
}

func newKVListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &kvListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List live keys, optionally by namespace and glob",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKVList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Namespace, "namespace", "", "restrict to one namespace")
	cmd.Flags().StringVar(&opts.Pattern, "pattern", "", "glob over keys (* and ? wildcards)")

	return cmd
}

func runKVList(opts *kvListOptions, cmd *cobra.Command) error {
	st, err := openStores(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	mems, err := st.memories.List(cmd.Context(), opts.Namespace, opts.Pattern)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}
	return emit(cmd, opts.RootOptions, mems, func(w io.Writer) {
		for _, m := range mems {
			fmt.Fprintf(w, "%-24s  %s\n", m.Key, fmtValue(m.Value))
		}
	})
}

// kvSearchOptions holds flags for the kv search command.
type kvSearchOptions struct {
	*RootOptions
	Namespace string
}

func newKVSearchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &kvSearchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "search <term>",
		Short:         "Find live keys whose value contains a substring",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKVSearch(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Namespace, "namespace", "", "restrict to one namespace")

	return cmd
}

func runKVSearch(opts *kvSearchOptions, term string, cmd *cobra.Command) error {
	st, err := openStores(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	mems, err := st.memories.Search(cmd.Context(), term, opts.Namespace)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}
	return emit(cmd, opts.RootOptions, mems, func(w io.Writer) {
		for _, m := range mems {
			fmt.Fprintf(w, "%-24s  %s\n", m.Key, fmtValue(m.Value))
		}
	})
}

// kvTTLOptions holds flags for the kv ttl command.
type kvTTLOptions struct {
	*RootOptions
	TTL   time.Duration
	Clear bool
}

func newKVTTLCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &kvTTLOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ttl <key>",
		Short: "Change or clear a key's expiry",
		Long: `Give a live key a new expiry counted from now (--ttl), or remove its
expiry entirely (--clear).

Example:
  chronicle kv ttl session:abc --ttl 30m
  chronicle kv ttl session:abc --clear`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKVTTL(opts, args[0], cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "new time to live, counted from now")
	cmd.Flags().BoolVar(&opts.Clear, "clear", false, "remove the expiry")

	return cmd
}

func runKVTTL(opts *kvTTLOptions, key string, cmd *cobra.Command) error {
	st, err := openStores(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	var ttl *time.Duration
	switch {
	case opts.Clear && opts.TTL != 0:
		return fail(cmd, opts.RootOptions, engine.NewValidationError("pass --ttl or --clear, not both"))
	case opts.Clear:
		ttl = nil
	case cmd.Flags().Changed("ttl"):
		ttl = &opts.TTL
	default:
		return fail(cmd, opts.RootOptions, engine.NewValidationError("pass --ttl or --clear"))
	}

	ok, err := st.memories.UpdateTTL(cmd.Context(), key, ttl)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}
	if !ok {
		return fail(cmd, opts.RootOptions, engine.NewNotFoundError("memory", key))
	}
	return emit(cmd, opts.RootOptions, map[string]bool{"updated": ok}, func(w io.Writer) {
		if ttl != nil {
			fmt.Fprintf(w, "%s expires in %s\n", key, ttl)
		} else {
			fmt.Fprintf(w, "%s no longer expires\n", key)
		}
	})
}

func newKVSweepCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sweep",
		Short:         "Delete every expired key",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKVSweep(rootOpts, cmd)
		},
	}
	return cmd
}

func runKVSweep(opts *RootOptions, cmd *cobra.Command) error {
	st, err := openStores(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.memories.SweepExpired(cmd.Context())
	if err != nil {
		return fail(cmd, opts, err)
	}
	return emit(cmd, opts, map[string]int{"swept": n}, func(w io.Writer) {
		fmt.Fprintf(w, "swept %d expired keys\n", n)
	})
}

func newKVStatsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stats",
		Short:         "Count live keys per namespace",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKVStats(rootOpts, cmd)
		},
	}
	return cmd
}

func runKVStats(opts *RootOptions, cmd *cobra.Command) error {
	st, err := openStores(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.memories.Stats(cmd.Context())
	if err != nil {
		return fail(cmd, opts, err)
	}
	return emit(cmd, opts, stats, func(w io.Writer) {
		fmt.Fprintf(w, "%d live keys, %d expired awaiting sweep\n", stats.Total, stats.ExpiredCount)
		for _, ns := range sortedKeys(stats.ByNamespace) {
			label := ns
			if label == "" {
				label = "(none)"
			}
			fmt.Fprintf(w, "  %-12s %d\n", label, stats.ByNamespace[ns])
		}
	})
}

// renderMemory prints one key/value row.
func renderMemory(w io.Writer, m *kv.Memory) {
	fmt.Fprintf(w, "  key: %s\n", m.Key)
	fmt.Fprintf(w, "  value: %s\n", fmtValue(m.Value))
	if m.Namespace != "" {
		fmt.Fprintf(w, "  namespace: %s\n", m.Namespace)
	}
	if m.ExpiresAt != nil {
		fmt.Fprintf(w, "  expires: %s\n", fmtTime(*m.ExpiresAt))
	}
}
