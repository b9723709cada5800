// Package cli implements resourcectl, the operator CLI over a SQLite store.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/resource-kernel/internal/config"
	"github.com/p-blackswan/resource-kernel/internal/kernel"
	"github.com/p-blackswan/resource-kernel/internal/policy"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	DB      string
	Types   string
	Fields  string
	Format  string // "json" | "text"
	Verbose bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for resourcectl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "resourcectl",
		Short: "Operate a resource store",
		Long:  "Export, validate imports, migrate, reindex and inspect a resource store file.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.DB, "db", envOr("STORE_PATH", "resources.db"), "SQLite store file")
	cmd.PersistentFlags().StringVar(&opts.Types, "types", os.Getenv("TYPES_FILE"), "type descriptor YAML file (built-in types when empty)")
	cmd.PersistentFlags().StringVar(&opts.Fields, "fields", envOr("SEARCH_FIELDS", "text"), "comma separated searchable payload fields")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewValidateImportCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewReindexCommand(opts))
	cmd.AddCommand(NewHealthCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// openKernel opens the store with local operator authority.
func openKernel(opts *RootOptions, cmd *cobra.Command, healthWorkspace string) (*kernel.Kernel, error) {
	cfg := &config.Config{
		StoreBackend:    config.BackendSQLite,
		StorePath:       opts.DB,
		TypesFile:       opts.Types,
		SearchFields:    opts.Fields,
		PageSize:        200,
		EventBusMode:    "sync",
		HealthWorkspace: healthWorkspace,
	}
	level := zerolog.WarnLevel
	if opts.Verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(level).With().Timestamp().Logger()
	return kernel.Open(cfg, logger, kernel.WithPolicy(policy.AllowAll{}))
}

// emit writes v as JSON, or through text when the format is text.
func emit(opts *RootOptions, w io.Writer, v any, text func(io.Writer)) error {
	if opts.Format == "json" || text == nil {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
