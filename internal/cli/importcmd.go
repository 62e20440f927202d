package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewImportCommand builds the batch import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Load a CUE or YAML batch in one transaction",
		Long: `Validate a batch file against the batch schema and apply it in a
single transaction: entities first, then relations, events, and
memories. A failure anywhere rolls back the whole batch.

Example:
  chronicle import seed.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runImport(opts *RootOptions, path string, cmd *cobra.Command) error {
	st, err := openStores(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := st.importer().ImportFile(cmd.Context(), path)
	if err != nil {
		return fail(cmd, opts, err)
	}
	return emit(cmd, opts, res, func(w io.Writer) {
		fmt.Fprintf(w, "imported %d entities, %d relations, %d events, %d memories\n",
			res.Entities, res.Relations, res.Events, res.Memories)
	})
}
