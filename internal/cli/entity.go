package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/snackdriven/chronicle-sub000/internal/entities"
)

// NewEntityCommand groups the entity graph subcommands.
func NewEntityCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity",
		Short: "Manage the versioned entity graph",
	}

	cmd.AddCommand(newEntityCreateCommand(rootOpts))
	cmd.AddCommand(newEntityGetCommand(rootOpts))
	cmd.AddCommand(newEntityListCommand(rootOpts))
	cmd.AddCommand(newEntityUpdateCommand(rootOpts))
	cmd.AddCommand(newEntityDeleteCommand(rootOpts))
	cmd.AddCommand(newEntityVersionsCommand(rootOpts))
	cmd.AddCommand(newEntityRelateCommand(rootOpts))
	cmd.AddCommand(newEntityRelationsCommand(rootOpts))
	cmd.AddCommand(newEntitySearchCommand(rootOpts))
	cmd.AddCommand(newEntityTimelineCommand(rootOpts))
	cmd.AddCommand(newEntityTypesCommand(rootOpts))

	return cmd
}

// entityCreateOptions holds flags for the entity create command.
type entityCreateOptions struct {
	*RootOptions
	Properties string
}

func newEntityCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &entityCreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create <type> <name>",
		Short: "Create an entity",
		Long: `Create an entity and its version 1 snapshot.

Names are unique across all types and normalize to Unicode NFC, so two
spellings of the same accented name collide.

Example:
  chronicle entity create person "Ada Lovelace" --properties '{"role":"mathematician"}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntityCreate(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Properties, "properties", "", "properties (JSON object)")

	return cmd
}

func runEntityCreate(opts *entityCreateOptions, typ, name string, cmd *cobra.Command) error {
	st, err := openStores(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	props, err := parseValueFlag("--properties", opts.Properties)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}

	ent, err := st.entities.Create(cmd.Context(), typ, name, props)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}
	return emit(cmd, opts.RootOptions, ent, func(w io.Writer) {
		fmt.Fprintf(w, "created %s %q (%s)\n", ent.Type, ent.Name, ent.ID)
	})
}

func newEntityGetCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "get <name-or-id>",
		Short:         "Fetch an entity by name or id",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntityGet(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runEntityGet(opts *RootOptions, nameOrID string, cmd *cobra.Command) error {
	st, err := openStores(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	ent, err := st.entities.Get(cmd.Context(), nameOrID)
	if err != nil {
		return fail(cmd, opts, err)
	}
	return emit(cmd, opts, ent, func(w io.Writer) {
		renderEntity(w, ent)
	})
}

// entityListOptions holds flags for the entity list command.
type entityListOptions struct {
	*RootOptions
	Type  string
	Limit int
}

func newEntityListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &entityListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List entities, optionally by type",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntityList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", `entity type ("all" or empty for every type)`)
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "max rows (default 100, cap 1000)")

	return cmd
}

func runEntityList(opts *entityListOptions, cmd *cobra.Command) error {
	st, err := openStores(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	ents, err := st.entities.ListByType(cmd.Context(), opts.Type, opts.Limit)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}
	return emit(cmd, opts.RootOptions, ents, func(w io.Writer) {
		for _, ent := range ents {
			fmt.Fprintf(w, "%-10s  %s  %s\n", ent.Type, ent.ID, ent.Name)
		}
	})
}

// entityUpdateOptions holds flags for the entity update command.
type entityUpdateOptions struct {
	*RootOptions
	Properties string
	By         string
	Reason     string
}

func newEntityUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &entityUpdateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update <name-or-id>",
		Short: "Replace an entity's properties",
		Long: `Replace an entity's properties and append the next version to its
history. Properties replace wholesale; there is no merge.

Example:
  chronicle entity update "Ada Lovelace" --properties '{"role":"countess"}' --reason "peerage"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntityUpdate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Properties, "properties", "", "new properties (JSON object, required)")
	_ = cmd.MarkFlagRequired("properties")
	cmd.Flags().StringVar(&opts.By, "by", "", "who made the change")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "why the change was made")

	return cmd
}

func runEntityUpdate(opts *entityUpdateOptions, nameOrID string, cmd *cobra.Command) error {
	st, err := openStores(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	props, err := parseValueFlag("--properties", opts.Properties)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}

	ent, err := st.entities.Update(cmd.Context(), nameOrID, props, opts.By, opts.Reason)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}
	return emit(cmd, opts.RootOptions, ent, func(w io.Writer) {
		fmt.Fprintf(w, "updated %s %q\n", ent.Type, ent.Name)
		renderEntity(w, ent)
	})
}

func newEntityDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "delete <name-or-id>",
		Short:         "Delete an entity, its versions, and its relations",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntityDelete(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runEntityDelete(opts *RootOptions, nameOrID string, cmd *cobra.Command) error {
	st, err := openStores(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.entities.Delete(cmd.Context(), nameOrID); err != nil {
		return fail(cmd, opts, err)
	}
	return emit(cmd, opts, map[string]string{"deleted": nameOrID}, func(w io.Writer) {
		fmt.Fprintf(w, "deleted entity %s\n", nameOrID)
	})
}

// entityVersionsOptions holds flags for the entity versions command.
type entityVersionsOptions struct {
	*RootOptions
	Limit int
}

func newEntityVersionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &entityVersionsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "versions <name-or-id>",
		Short:         "Show an entity's version history, newest first",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntityVersions(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "max versions (default 100, cap 1000)")

	return cmd
}

func runEntityVersions(opts *entityVersionsOptions, nameOrID string, cmd *cobra.Command) error {
	st, err := openStores(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	versions, err := st.entities.Versions(cmd.Context(), nameOrID, opts.Limit)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}
	return emit(cmd, opts.RootOptions, versions, func(w io.Writer) {
		for _, v := range versions {
			fmt.Fprintf(w, "v%-4d %s", v.Version, fmtTime(v.ChangedAt))
			if v.ChangedBy != "" {
				fmt.Fprintf(w, "  by %s", v.ChangedBy)
			}
			if v.ChangeReason != "" {
				fmt.Fprintf(w, "  (%s)", v.ChangeReason)
			}
			fmt.Fprintf(w, "  %s\n", fmtValue(v.Properties))
		}
	})
}

// entityRelateOptions holds flags for the entity relate command.
type entityRelateOptions struct {
	*RootOptions
	Properties string
}

func newEntityRelateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &entityRelateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relate <from> <type> <to>",
		Short: "Create a directed relation between two entities",
		Long: `Create a directed relation. Endpoints are names or ids; the relation
type is free-form.

Example:
  chronicle entity relate "Ada Lovelace" works_on "Analytical Engine"`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntityRelate(opts, args[0], args[1], args[2], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Properties, "properties", "", "relation properties (JSON)")

	return cmd
}

func runEntityRelate(opts *entityRelateOptions, from, relType, to string, cmd *cobra.Command) error {
	st, err := openStores(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	props, err := parseValueFlag("--properties", opts.Properties)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}

	rel, err := st.entities.CreateRelation(cmd.Context(), from, relType, to, props)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}
	return emit(cmd, opts.RootOptions, rel, func(w io.Writer) {
		fmt.Fprintf(w, "related %s -%s-> %s (%s)\n", rel.FromEntityID, rel.Type, rel.ToEntityID, rel.ID)
	})
}

// entityRelationsOptions holds flags for the entity relations command.
type entityRelationsOptions struct {
	*RootOptions
	Direction string
	Type      string
}

func newEntityRelationsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &entityRelationsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "relations <name-or-id>",
		Short:         "List an entity's relations",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntityRelations(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Direction, "direction", "both", "from, to, or both")
	cmd.Flags().StringVar(&opts.Type, "type", "", "filter by relation type")

	return cmd
}

func runEntityRelations(opts *entityRelationsOptions, nameOrID string, cmd *cobra.Command) error {
	st, err := openStores(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	dir, err := entities.ParseDirection(opts.Direction)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}

	rels, err := st.entities.Relations(cmd.Context(), nameOrID, dir, opts.Type)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}
	return emit(cmd, opts.RootOptions, rels, func(w io.Writer) {
		for _, rel := range rels {
			arrow := "->"
			if rel.Side == entities.DirectionTo {
				arrow = "<-"
			}
			fmt.Fprintf(w, "%s %s %-14s %s  (%s)\n", rel.FromEntityID, arrow, rel.Type, rel.ToEntityID, rel.ID)
		}
	})
}

// entitySearchOptions holds flags for the entity search command.
type entitySearchOptions struct {
	*RootOptions
	Type  string
	Limit int
}

func newEntitySearchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &entitySearchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "search <term>",
		Short:         "Search entity names and properties",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntitySearch(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "restrict to one entity type")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "max rows (default 100, cap 1000)")

	return cmd
}

func runEntitySearch(opts *entitySearchOptions, term string, cmd *cobra.Command) error {
	st, err := openStores(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	ents, err := st.entities.Search(cmd.Context(), term, opts.Type, opts.Limit)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}
	return emit(cmd, opts.RootOptions, ents, func(w io.Writer) {
		for _, ent := range ents {
			fmt.Fprintf(w, "%-10s  %s  %s\n", ent.Type, ent.ID, ent.Name)
		}
	})
}

// entityTimelineOptions holds flags for the entity timeline command.
type entityTimelineOptions struct {
	*RootOptions
	Limit int
}

func newEntityTimelineCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &entityTimelineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "timeline <name-or-id>",
		Short: "List events whose metadata references an entity",
		Long: `List timeline events that mention the entity by name or id in their
metadata, oldest first. This is the bridge from the graph back into
the event log.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntityTimeline(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "max events (default 100, cap 1000)")

	return cmd
}

func runEntityTimeline(opts *entityTimelineOptions, nameOrID string, cmd *cobra.Command) error {
	st, err := openStores(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	evs, err := st.entities.Timeline(cmd.Context(), nameOrID, opts.Limit)
	if err != nil {
		return fail(cmd, opts.RootOptions, err)
	}
	return emit(cmd, opts.RootOptions, evs, func(w io.Writer) {
		for _, ev := range evs {
			fmt.Fprintf(w, "%s  %-12s  %s  %s\n", fmtTime(ev.Timestamp), ev.Type, ev.ID, ev.Title)
		}
	})
}

func newEntityTypesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "types",
		Short:         "List entity types with counts",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntityTypes(rootOpts, cmd)
		},
	}
	return cmd
}

func runEntityTypes(opts *RootOptions, cmd *cobra.Command) error {
	st, err := openStores(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	counts, err := st.entities.TypeStats(cmd.Context())
	if err != nil {
		return fail(cmd, opts, err)
	}
	return emit(cmd, opts, counts, func(w io.Writer) {
		for _, typ := range sortedKeys(counts) {
			fmt.Fprintf(w, "%-12s %d\n", typ, counts[typ])
		}
	})
}

// renderEntity prints one entity's fields.
func renderEntity(w io.Writer, ent *entities.Entity) {
	fmt.Fprintf(w, "  id: %s\n", ent.ID)
	fmt.Fprintf(w, "  type: %s\n", ent.Type)
	fmt.Fprintf(w, "  name: %s\n", ent.Name)
	fmt.Fprintf(w, "  properties: %s\n", fmtValue(ent.Properties))
	fmt.Fprintf(w, "  created: %s  updated: %s\n", fmtTime(ent.CreatedAt), fmtTime(ent.UpdatedAt))
}
