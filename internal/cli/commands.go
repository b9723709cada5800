package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/resource-kernel/internal/exchange"
	"github.com/p-blackswan/resource-kernel/internal/mgmt"
	"github.com/p-blackswan/resource-kernel/internal/models"
)

// ErrImportInvalid is returned when validate-import finds issues.
var ErrImportInvalid = errors.New("import validation failed")

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		out       string
		since     int64
		chunkSize int
	)
	cmd := &cobra.Command{
		Use:   "export <workspace>",
		Short: "Export a workspace as NDJSON",
		Long: `Write every resource of the workspace as NDJSON, newest first.

The manifest is written next to the body as <out>.manifest.json. With
--chunk-size the body is split into <out>.000, <out>.001, ... files.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := openKernel(rootOpts, cmd, "")
			if err != nil {
				return err
			}
			defer k.Close()
			return runExport(cmdContext(cmd), rootOpts, cmd, k, args[0], out, since, chunkSize)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "body file (stdout when empty)")
	cmd.Flags().Int64Var(&since, "since", 0, "only resources updated after this unix millisecond")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "lines per chunk file (requires --output)")
	return cmd
}

type exporter interface {
	WriteExport(ctx context.Context, workspaceID string, since *int64, w io.Writer) (exchange.Manifest, error)
	ExportChunks(ctx context.Context, workspaceID string, chunkSize int) (exchange.Manifest, [][]byte, error)
}

func runExport(ctx context.Context, opts *RootOptions, cmd *cobra.Command, k exporter, ws, out string, since int64, chunkSize int) error {
	var sincePtr *int64
	if since > 0 {
		sincePtr = &since
	}

	if chunkSize > 0 {
		if out == "" {
			return errors.New("--chunk-size requires --output")
		}
		if sincePtr != nil {
			return errors.New("--chunk-size cannot be combined with --since")
		}
		m, chunks, err := k.ExportChunks(ctx, ws, chunkSize)
		if err != nil {
			return err
		}
		for i, c := range chunks {
			if err := os.WriteFile(fmt.Sprintf("%s.%03d", out, i), c, 0o644); err != nil {
				return err
			}
		}
		if err := writeManifest(out, m); err != nil {
			return err
		}
		return emit(opts, cmd.OutOrStdout(), map[string]any{"manifest": m, "chunks": len(chunks)}, func(w io.Writer) {
			fmt.Fprintf(w, "exported %d resources from %s in %d chunks\n", m.Count, ws, len(chunks))
		})
	}

	if out == "" {
		m, err := k.WriteExport(ctx, ws, sincePtr, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		return json.NewEncoder(cmd.ErrOrStderr()).Encode(m)
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	m, err := k.WriteExport(ctx, ws, sincePtr, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err := writeManifest(out, m); err != nil {
		return err
	}
	return emit(opts, cmd.OutOrStdout(), m, func(w io.Writer) {
		fmt.Fprintf(w, "exported %d resources from %s to %s\n", m.Count, ws, out)
	})
}

func writeManifest(out string, m exchange.Manifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out+".manifest.json", raw, 0o644)
}

// NewValidateImportCommand creates the validate-import command.
func NewValidateImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-import <manifest.json> <body.ndjson>",
		Short: "Check an export bundle without touching any store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var m exchange.Manifest
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("reading manifest %s: %w", filepath.Base(args[0]), err)
			}
			body, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer body.Close()

			report, err := exchange.ValidateImport(m, body)
			if err != nil {
				return err
			}
			if err := emit(rootOpts, cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "lines: %d\n", report.Lines)
				for _, is := range report.Issues {
					fmt.Fprintf(w, "%s line=%d id=%s %s\n", is.Code, is.Line, is.ID, is.Message)
				}
				if report.Success {
					fmt.Fprintln(w, "ok")
				}
			}); err != nil {
				return err
			}
			if !report.Success {
				return ErrImportInvalid
			}
			return nil
		},
	}
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <workspace>",
		Short: "Upgrade outdated resources to their current schema version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := openKernel(rootOpts, cmd, "")
			if err != nil {
				return err
			}
			defer k.Close()
			res, err := k.MigrateWorkspace(cmdContext(cmd), args[0])
			if err != nil {
				return err
			}
			return emit(rootOpts, cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "migrated %d resources in %s\n", res.Migrated, args[0])
			})
		},
	}
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending <workspace>",
		Short: "Show resources awaiting migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := openKernel(rootOpts, cmd, "")
			if err != nil {
				return err
			}
			defer k.Close()
			p, err := k.PendingMigrations(cmdContext(cmd), args[0])
			if err != nil {
				return err
			}
			return emit(rootOpts, cmd.OutOrStdout(), p, func(w io.Writer) {
				fmt.Fprintf(w, "pending: %d\n", p.Total)
				for _, t := range sortedKeys(p.ByType) {
					fmt.Fprintf(w, "  %s: %d outdated (target v%d)\n", t, p.ByType[t].Outdated, p.ByType[t].TargetVersion)
				}
			})
		},
	}
}

// NewReindexCommand creates the reindex command.
func NewReindexCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex <workspace>",
		Short: "Rebuild the full-text index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := openKernel(rootOpts, cmd, "")
			if err != nil {
				return err
			}
			defer k.Close()
			res, err := k.Reindex(cmdContext(cmd), args[0])
			if err != nil {
				return err
			}
			return emit(rootOpts, cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "indexed %d resources in %s (full-text rebuilt: %t)\n", res.Indexed, args[0], res.FullTextRebuilt)
			})
		},
	}
}

// NewHealthCommand creates the health command.
func NewHealthCommand(rootOpts *RootOptions) *cobra.Command {
	var workspace string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Print a health snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := openKernel(rootOpts, cmd, workspace)
			if err != nil {
				return err
			}
			defer k.Close()
			snap := k.Health(cmdContext(cmd))
			if err := emit(rootOpts, cmd.OutOrStdout(), snap, nil); err != nil {
				return err
			}
			if !snap.OK {
				return errors.New("unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", envOr("HEALTH_WORKSPACE", ""), "workspace for sync and migration probes")
	return cmd
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		secret  string
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the management API in jwt mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("--secret or MGMT_JWT_SECRET is required")
			}
			r := models.Role(role)
			if !r.Valid() {
				return fmt.Errorf("invalid role %q", role)
			}
			token, err := mgmt.SignToken([]byte(secret), subject, r, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("MGMT_JWT_SECRET"), "HMAC secret")
	cmd.Flags().StringVar(&subject, "subject", "resourcectl", "token subject")
	cmd.Flags().StringVar(&role, "role", string(models.RoleReader), "owner, editor or reader")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
