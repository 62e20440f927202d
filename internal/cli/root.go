// Package cli implements the chronicle command tree. Commands map 1:1
// onto store operations; every command opens the engine, runs one
// operation, and renders the result in text or JSON.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/snackdriven/chronicle-sub000/internal/engine"
	"github.com/snackdriven/chronicle-sub000/internal/entities"
	"github.com/snackdriven/chronicle-sub000/internal/events"
	"github.com/snackdriven/chronicle-sub000/internal/importer"
	"github.com/snackdriven/chronicle-sub000/internal/kv"
)

// RootOptions holds global flags shared by every command.
type RootOptions struct {
	DBPath     string
	ConfigPath string
	Format     string // "json" | "text"
	Verbose    bool

	// BusyTimeout comes from the config file; zero keeps the engine
	// default.
	BusyTimeout time.Duration

	// Clock and IDs override the engine's time source and id generator
	// (for testing). If nil, the engine defaults apply.
	Clock func() time.Time
	IDs   engine.IDGenerator
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the chronicle CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "chronicle",
		Short: "Chronicle - personal memory store",
		Long: `Chronicle keeps a personal timeline in one SQLite file: events with
lazily expanded detail, a versioned entity graph, and ephemeral
key/value memories.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := applyConfig(cmd, opts); err != nil {
				return err
			}
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			configureLogging(opts)
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "path to the SQLite database")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default ~/.chronicle.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	cmd.AddCommand(NewEventCommand(opts))
	cmd.AddCommand(NewEntityCommand(opts))
	cmd.AddCommand(NewKVCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewDBCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// configureLogging routes engine logs to stderr, at debug level when
// --verbose is set.
func configureLogging(opts *RootOptions) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// stores bundles one open engine with the four stores built on it.
// Commands open it, run one operation, and close it.
type stores struct {
	eng      *engine.Engine
	events   *events.Store
	entities *entities.Store
	memories *kv.Store
}

func (s *stores) Close() {
	if err := s.eng.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

func (s *stores) importer() *importer.Importer {
	return importer.New(s.eng, s.events, s.entities, s.memories)
}

// openStores opens the configured database and wires the stores.
func openStores(opts *RootOptions) (*stores, error) {
	if opts.DBPath == "" {
		return nil, NewExitError(ExitCommandError, "no database: pass --db or set db in the config file")
	}

	var eopts []engine.Option
	if opts.BusyTimeout > 0 {
		eopts = append(eopts, engine.WithBusyTimeout(opts.BusyTimeout))
	}
	if opts.Clock != nil {
		eopts = append(eopts, engine.WithClock(opts.Clock))
	}
	if opts.IDs != nil {
		eopts = append(eopts, engine.WithIDGenerator(opts.IDs))
	}

	eng, err := engine.Open(opts.DBPath, eopts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}

	ev := events.NewStore(eng)
	return &stores{
		eng:      eng,
		events:   ev,
		entities: entities.NewStore(eng, ev),
		memories: kv.NewStore(eng),
	}, nil
}
