package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roach88/storyline/internal/autosave"
	"github.com/roach88/storyline/internal/config"
	"github.com/roach88/storyline/internal/ledger"
	"github.com/roach88/storyline/internal/quota"
	"github.com/roach88/storyline/internal/savefile"
	"github.com/roach88/storyline/internal/store"
	"github.com/roach88/storyline/internal/story"
)

// app is one opened session: backend behind the quota guard, the loaded
// ledger and, when enabled, the autosaver.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	guard   *quota.Guard
	ledger  *ledger.Ledger
	saver   *autosave.Saver
	codec   *savefile.Codec
	notices []ledger.Notice
	out     *OutputFormatter
}

// openApp loads config, opens the backend and loads the session. A
// corrupted session is not an error here; callers that cannot work on it
// check requireUsable.
func openApp(cmd *cobra.Command, opts *RootOptions) (*app, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Backend = config.BackendSQLite
		cfg.Database = opts.Database
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}

	errOut := cmd.ErrOrStderr()
	logger := cfg.Logger(errOut)

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		codec:  savefile.New(),
		guard: quota.New(backend, cfg.Policy(),
			quota.WithLogger(logger),
			quota.WithMetrics(quota.NewMetrics(prometheus.NewRegistry())),
		),
		out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: errOut,
			Verbose:   opts.Verbose,
		},
	}

	ledgerOpts := []ledger.Option{ledger.WithLogger(logger)}
	if cfg.Autosave.Enabled {
		a.saver = autosave.New(
			autosave.SourceFunc(func(ctx context.Context) (story.Snapshot, error) {
				return a.ledger.Snapshot(ctx)
			}),
			a.autosaveSink(),
			autosave.WithDebounce(cfg.Autosave.Debounce),
			autosave.WithPolicy(cfg.Policy()),
			autosave.WithCodec(a.codec),
			autosave.WithLogger(logger),
		)
		ledgerOpts = append(ledgerOpts, ledger.WithCommitHook(a.saver.Hook))
	}
	a.ledger = ledger.New(a.guard, ledgerOpts...)

	notices, err := a.ledger.Load(ctx)
	if err != nil && !ledger.IsCorrupted(err) {
		a.guard.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load session", err)
	}
	a.notices = notices
	for _, n := range notices {
		a.out.VerboseLog("notice %s: %s", n.Code, n.Message)
	}
	return a, nil
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Backend, error) {
	opts := append(cfg.StoreOptions(), store.WithLogger(logger))
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemory(opts...), nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		b, err := store.OpenRedis(ctx, client, cfg.Redis.Prefix, opts...)
		if err != nil {
			client.Close()
			return nil, err
		}
		return b, nil
	default:
		return store.Open(cfg.Database, opts...)
	}
}

func (a *app) autosaveSink() autosave.Sink {
	if a.cfg.Autosave.Path != "" {
		return autosave.NewFileSink(a.cfg.Autosave.Path)
	}
	return autosave.NewSlotSink(a.guard)
}

// requireUsable fails when the session could not be loaded.
func (a *app) requireUsable() error {
	if a.ledger.State() == ledger.StateCorrupted {
		return WrapExitError(ExitCorrupted, `stored session is corrupted: run "storyline clear" or "storyline recover"`, ledger.ErrCorrupted)
	}
	return nil
}

// close writes any pending autosave and closes the backend.
func (a *app) close(ctx context.Context) {
	if a.saver != nil {
		if err := a.saver.Flush(ctx); err != nil {
			a.logger.Warn("final autosave failed", "error", err)
		} else if n := a.saver.Saves(); n > 0 {
			a.out.VerboseLog("autosaved session (%d writes)", n)
		}
		a.saver.Close()
	}
	if err := a.guard.Close(); err != nil {
		a.logger.Error("error closing store", "error", err)
	}
}

// withApp opens the session, runs fn and closes it.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	defer a.close(ctx)

	err = fn(ctx, a)
	if err != nil && a.ledger.Degraded() {
		err = a.rescue(ctx, err)
	}
	if err != nil && a.out.Format == "json" {
		_ = a.out.Error(errorCode(err), err.Error(), nil)
	}
	return err
}

// rescue writes the in-memory session to the rescue file after the store
// refused a write, so that "recover" can bring it back.
func (a *app) rescue(ctx context.Context, err error) error {
	var de *quota.DegradedError
	if errors.As(err, &de) {
		err = de
	}
	path := a.cfg.RescuePath()
	if werr := a.writeRescue(ctx, path); werr != nil {
		a.logger.Error("could not write rescue file", "path", path, "error", werr)
		return WrapExitError(ExitFailure, "storage is full and the session could not be saved to "+path, errors.Join(err, werr))
	}
	a.logger.Warn("session written to rescue file", "path", path)
	a.out.Warn("the session is not stored; it was saved to %s", path)
	return WrapExitError(ExitFailure,
		fmt.Sprintf(`storage is full, session saved to %s; free space and run "storyline recover"`, path), err)
}

func (a *app) writeRescue(ctx context.Context, path string) error {
	snap, err := a.ledger.Snapshot(ctx)
	if err != nil {
		return err
	}
	data, err := a.codec.Export(snap)
	if err != nil {
		return err
	}
	return autosave.NewFileSink(path).Write(ctx, data)
}

// errorCode names err for JSON error responses.
func errorCode(err error) string {
	var (
		ve savefile.ValidationError
		se *store.Error
	)
	switch {
	case errors.Is(err, ledger.ErrCorrupted):
		return "CORRUPTED"
	case errors.As(err, &ve):
		return ve.Code
	case quota.IsDegraded(err):
		return "DEGRADED"
	case errors.As(err, &se):
		return string(se.Code)
	case errors.Is(err, ledger.ErrNotAtTail):
		return "NOT_AT_TAIL"
	case errors.Is(err, ledger.ErrIndexOutOfRange), errors.Is(err, ledger.ErrInvalidChoice):
		return "OUT_OF_RANGE"
	case errors.Is(err, ledger.ErrEmpty):
		return "EMPTY"
	default:
		return "FAILED"
	}
}

// operationError maps a session error to an exit error.
func operationError(message string, err error) error {
	var ve savefile.ValidationError
	switch {
	case ledger.IsCorrupted(err):
		return WrapExitError(ExitCorrupted, message, err)
	case errors.As(err, &ve):
		return WrapExitError(ExitFailure, fmt.Sprintf("%s [%s]", message, ve.Code), err)
	case quota.IsDegraded(err):
		return WrapExitError(ExitFailure, message+": storage is full, session not stored", err)
	case store.IsQuotaError(err):
		return WrapExitError(ExitFailure, message+": storage is full", err)
	case store.IsConflict(err):
		return WrapExitError(ExitFailure, message+": concurrent modification, retry", err)
	default:
		return WrapExitError(ExitFailure, message, err)
	}
}

// readInput reads path, or stdin when path is "-" or empty.
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return readFile(path)
}
