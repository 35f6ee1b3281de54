package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/storyline/internal/autosave"
	"github.com/roach88/storyline/internal/ledger"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Output   string
	Compress bool
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the session as a portable save file",
		Long: `Write the whole session, images included, as a save file. The document
goes to stdout unless --output is set.

Example:
  storyline export -o adventure.json
  storyline export --compress > small.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default: stdout)")
	cmd.Flags().BoolVar(&opts.Compress, "compress", false, "apply the compaction limits to the exported copy")
	return cmd
}

func runExport(cmd *cobra.Command, opts *ExportOptions) error {
	return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app) error {
		if err := a.requireUsable(); err != nil {
			return err
		}
		snap, err := a.ledger.Snapshot(ctx)
		if err != nil {
			return operationError("export failed", err)
		}
		if opts.Compress {
			snap = a.cfg.Policy().Compress(snap)
		}
		data, err := a.codec.Export(snap)
		if err != nil {
			return operationError("export failed", err)
		}

		if opts.Output == "" {
			_, err := cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(opts.Output, data, 0o644); err != nil {
			return WrapExitError(ExitCommandError, "failed to write save file", err)
		}
		return a.out.Success(exportResult{Path: opts.Output, Steps: len(snap.Steps), Bytes: len(data)})
	})
}

type exportResult struct {
	Path  string `json:"path"`
	Steps int    `json:"steps"`
	Bytes int    `json:"bytes"`
}

func (r exportResult) String() string {
	return fmt.Sprintf("exported %d steps (%d bytes) to %s", r.Steps, r.Bytes, r.Path)
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <save.json>",
		Short: "Replace the session with a save file",
		Long: `Validate a save file and replace the current session with it. An invalid
file leaves the current session untouched. A corrupted session is cleared
first.

Example:
  storyline import adventure.json
  cat adventure.json | storyline import -`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read save file", err)
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				return restore(ctx, a, raw, "imported")
			})
		},
	}
	return cmd
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Restore the session from the last autosave",
		Long: `Replace the session with the most recent autosave snapshot: the
configured autosave file, the rescue file left by a write the store refused,
or the snapshot slot in the store. Use this after "show" reports a corrupted
session or a command reports that storage is full.

Example:
  storyline recover`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app) error {
				raw, rescued, err := a.readAutosave(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "no autosave to recover from", err)
				}
				if err := restore(ctx, a, raw, "recovered"); err != nil {
					return err
				}
				if rescued != "" {
					if err := os.Remove(rescued); err != nil {
						a.logger.Warn("could not remove rescue file", "path", rescued, "error", err)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

// readAutosave returns the newest recoverable document. rescued names the
// rescue file it came from, if any; it is removed once the session is stored.
func (a *app) readAutosave(ctx context.Context) (raw []byte, rescued string, err error) {
	if a.cfg.Autosave.Path != "" {
		raw, err = os.ReadFile(a.cfg.Autosave.Path)
		return raw, "", err
	}
	path := a.cfg.RescuePath()
	raw, err = os.ReadFile(path)
	if err == nil {
		return raw, path, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, "", err
	}
	raw, err = autosave.ReadSlot(ctx, a.guard)
	return raw, "", err
}

// restore validates raw before touching the ledger, so a bad document never
// costs the current session.
func restore(ctx context.Context, a *app, raw []byte, action string) error {
	snap, report, err := a.codec.Import(raw)
	if err != nil {
		return operationError(action+" file is invalid", err)
	}
	if a.ledger.State() == ledger.StateCorrupted {
		a.logger.Warn("clearing corrupted session before restore")
		if err := a.ledger.Clear(ctx); err != nil {
			return operationError("clear failed", err)
		}
	}
	if err := a.ledger.Replace(ctx, snap); err != nil {
		return operationError(action+" failed", err)
	}
	return a.out.Success(restoreResult{
		position: newPosition(a.ledger, action),
		Format:   report.Format,
		Version:  report.Version,
		Notices:  report.Notices,
	})
}

type restoreResult struct {
	position
	Format  string   `json:"format,omitempty"`
	Version int      `json:"version,omitempty"`
	Notices []string `json:"notices,omitempty"`
}

func (r restoreResult) String() string {
	s := r.position.String()
	for _, n := range r.Notices {
		s += "\n! " + n
	}
	return s
}
