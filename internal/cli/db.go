package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewDBCommand groups database maintenance subcommands.
func NewDBCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect the underlying database",
	}

	cmd.AddCommand(newDBHealthCommand(rootOpts))
	cmd.AddCommand(newDBStatsCommand(rootOpts))

	return cmd
}

func newDBHealthCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "health",
		Short:         "Probe durability, integrity enforcement, and writability",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBHealth(rootOpts, cmd)
		},
	}
	return cmd
}

func runDBHealth(opts *RootOptions, cmd *cobra.Command) error {
	st, err := openStores(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	h, err := st.eng.Health(cmd.Context())
	if err != nil {
		return fail(cmd, opts, err)
	}
	return emit(cmd, opts, h, func(w io.Writer) {
		fmt.Fprintf(w, "durable journal: %t\n", h.DurableMode)
		fmt.Fprintf(w, "foreign keys:    %t\n", h.ForeignKeys)
		fmt.Fprintf(w, "writable:        %t\n", h.Writable)
	})
}

func newDBStatsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stats",
		Short:         "Count rows per store and report the on-disk size",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBStats(rootOpts, cmd)
		},
	}
	return cmd
}

func runDBStats(opts *RootOptions, cmd *cobra.Command) error {
	st, err := openStores(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	s, err := st.eng.Stats(cmd.Context())
	if err != nil {
		return fail(cmd, opts, err)
	}
	return emit(cmd, opts, s, func(w io.Writer) {
		fmt.Fprintf(w, "events:          %d\n", s.Events)
		fmt.Fprintf(w, "details:         %d\n", s.Details)
		fmt.Fprintf(w, "entities:        %d\n", s.Entities)
		fmt.Fprintf(w, "entity versions: %d\n", s.EntityVersions)
		fmt.Fprintf(w, "relations:       %d\n", s.Relations)
		fmt.Fprintf(w, "memories:        %d\n", s.Memories)
		fmt.Fprintf(w, "disk bytes:      %d\n", s.DiskBytes)
	})
}
