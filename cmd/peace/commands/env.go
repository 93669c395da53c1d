package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/peace/pkg/cmdblocks"
	"github.com/openfroyo/peace/pkg/cmdctx"
	"github.com/openfroyo/peace/pkg/config"
	"github.com/openfroyo/peace/pkg/output"
	"github.com/openfroyo/peace/pkg/policy"
	"github.com/openfroyo/peace/pkg/progress"
	"github.com/openfroyo/peace/pkg/rt"
	"github.com/openfroyo/peace/pkg/storage"
	"github.com/openfroyo/peace/pkg/stores"
	"github.com/openfroyo/peace/pkg/telemetry"
	"github.com/openfroyo/peace/pkg/workspace"
)

const (
	defaultProfile = "default"

	// historyFile is the SQLite database holding the execution history of
	// a profile. The sqlite storage backend keeps state files in it too.
	historyFile = "peace.db"

	progressCapacity = 256
)

// outputWriter returns the writer selected by --output and --json.
func outputWriter(cmd *cobra.Command) (output.OutputWriter, error) {
	format := outputFormat
	if jsonOutput {
		format = string(output.FormatJSON)
	}
	f, err := output.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	return output.NewCLIOutput(cmd.OutOrStdout(), f), nil
}

// loadConfig locates the workspace and parses its peace.cue. The profile
// comes from --profile, then the definition, then defaultProfile.
func loadConfig() (*workspace.Workspace, *config.Config, error) {
	spec := workspace.FirstDirWithFile(workspace.DefaultMarker)
	if workspaceDir != "" {
		spec = workspace.Path(workspaceDir)
	}
	ws, err := workspace.Discover(spec, defaultProfile)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.NewCUEParser().LoadWorkspace(ws)
	if err != nil {
		return nil, nil, err
	}
	if flowID != "" {
		cfg.Flow.ID = flowID
	}

	profile := profileName
	if profile == "" {
		profile = cfg.Workspace.Profile
	}
	if profile == "" {
		profile = defaultProfile
	}
	ws, err = workspace.Discover(workspace.Path(ws.Root()), profile)
	if err != nil {
		return nil, nil, err
	}
	return ws, cfg, nil
}

// openStore opens and migrates the SQLite database at path.
func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func historyPath(ws *workspace.Workspace) string {
	return filepath.Join(ws.ProfileDir(), historyFile)
}

// stateStorage returns the backend state files are kept in. The returned
// close func releases a backend opened only for states.
func stateStorage(ctx context.Context, ws *workspace.Workspace, cfg config.StorageConfig, history *stores.SQLiteStore) (storage.Storage, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case "", "file":
		root := ws.Root()
		if cfg.Path != "" {
			root = cfg.Path
			if !filepath.IsAbs(root) {
				root = filepath.Join(ws.Root(), root)
			}
		}
		return storage.NewFileStorage(root), noop, nil
	case "sqlite":
		if cfg.Path == "" {
			return history, noop, nil
		}
		path := cfg.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(ws.AppDir(), path)
		}
		store, err := openStore(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "s3":
		s3, err := storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:  cfg.S3.Bucket,
			Prefix:  cfg.S3.Prefix,
			Region:  cfg.S3.Region,
			Profile: cfg.S3.Profile,
			Encrypt: cfg.S3.Encrypt,
		})
		if err != nil {
			return nil, nil, err
		}
		return s3, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// policyEngine loads the built-in policies and those listed in the
// definition, resolved against the workspace root.
func policyEngine(ctx context.Context, ws *workspace.Workspace, cfg *config.Config) (*policy.Engine, error) {
	engine, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Policies) == 0 {
		return engine, nil
	}
	paths := make([]string, len(cfg.Policies))
	for i, p := range cfg.Policies {
		if !filepath.IsAbs(p) {
			p = filepath.Join(ws.Root(), p)
		}
		paths[i] = p
	}
	if err := engine.LoadPolicies(ctx, paths); err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	return engine, nil
}

func newTelemetry() (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = metricsAddr
	}
	if traceExporter != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = traceExporter
		cfg.Tracing.Endpoint = traceEndpoint
	}
	return telemetry.NewTelemetry(cfg)
}

// env is everything a command that runs against a flow needs.
type env struct {
	ws     *workspace.Workspace
	cfg    *config.Config
	cmd    *cmdctx.CmdCtx
	runner *rt.Runner
	out    output.OutputWriter

	history   *stores.SQLiteStore
	telemetry *telemetry.Telemetry
	progress  *progress.Channel

	closers       []func() error
	progressDone  chan struct{}
	stopInterrupt chan struct{}
}

type envOptions struct {
	protected []string
}

// openEnv builds the command context for the workspace flow. The returned
// context outlives ctx: cancelling ctx interrupts the command between
// items instead of aborting running item functions.
func openEnv(ctx context.Context, cmd *cobra.Command, opts envOptions) (*env, context.Context, error) {
	out, err := outputWriter(cmd)
	if err != nil {
		return nil, nil, err
	}
	ws, cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	e := &env{ws: ws, cfg: cfg, out: out}
	ok := false
	defer func() {
		if !ok {
			_ = e.Close(context.Background())
		}
	}()

	e.telemetry, err = newTelemetry()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	if err := e.telemetry.StartMetricsServer(); err != nil {
		return nil, nil, err
	}
	runCtx := e.telemetry.WithContext(context.WithoutCancel(ctx))

	def, err := cfg.Build(config.DefaultKinds())
	if err != nil {
		return nil, nil, err
	}

	e.history, err = openStore(runCtx, historyPath(ws))
	if err != nil {
		return nil, nil, err
	}
	e.closers = append(e.closers, e.history.Close)

	s, closeStorage, err := stateStorage(runCtx, ws, cfg.Storage, e.history)
	if err != nil {
		return nil, nil, err
	}
	e.closers = append(e.closers, closeStorage)

	pe, err := policyEngine(runCtx, ws, cfg)
	if err != nil {
		return nil, nil, err
	}
	pctx := &policy.PolicyContext{
		User:           os.Getenv("USER"),
		Timestamp:      time.Now(),
		ProtectedItems: opts.protected,
		Metadata:       map[string]interface{}{"workspace": cfg.Workspace.Name},
	}

	e.progress = progress.NewChannel(progressCapacity)
	e.progressDone = make(chan struct{})
	tracker := progress.NewTracker(def.Flow.ItemIDs())
	logger := e.telemetry.Logger
	go func() {
		defer close(e.progressDone)
		tracker.Consume(e.progress, func(u progress.Update, p progress.ItemProgress) {
			logger.WithItemID(u.ItemID.String()).
				WithFields(map[string]interface{}{"status": p.Status, "ticks": p.Ticks, "message": p.Message}).
				Debug("progress")
		})
	}()

	interrupt := make(chan struct{})
	e.stopInterrupt = make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			close(interrupt)
		case <-e.stopInterrupt:
		}
	}()

	n := parallelism
	if n <= 0 {
		n = cfg.Workspace.Parallelism
	}

	e.cmd, err = cmdctx.NewBuilder(ws, def.Flow).
		WithStorage(s).
		WithParamsSpecs(def.ParamsSpecs).
		WithMappingFns(def.MappingFns).
		WithTelemetry(e.telemetry).
		WithProgress(e.progress).
		WithInterrupt(interrupt).
		WithParallelism(n).
		Build(runCtx)
	if err != nil {
		return nil, nil, err
	}
	e.runner = rt.NewRunner(e.cmd, rt.WithHistory(e.history), rt.WithPolicy(pe, pctx))

	log.Debug().
		Str("workspace", ws.Root()).
		Str("profile", ws.Profile()).
		Str("flow", cfg.Flow.ID).
		Int("parallelism", n).
		Msg("Command context ready")

	ok = true
	return e, runCtx, nil
}

// Close releases everything openEnv acquired, in reverse order.
func (e *env) Close(ctx context.Context) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	if e.cmd != nil {
		keep(e.cmd.Close())
	}
	if e.progress != nil {
		e.progress.Close()
		<-e.progressDone
		if dropped := e.progress.Dropped(); dropped > 0 {
			log.Debug().Uint64("dropped", dropped).Msg("Progress updates dropped")
		}
	}
	if e.stopInterrupt != nil {
		close(e.stopInterrupt)
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		keep(e.closers[i]())
	}
	if e.telemetry != nil {
		keep(e.telemetry.Shutdown(ctx))
	}
	return first
}

// finish writes the outcome of a command and turns item failures into the
// command's error, so the process exits non-zero. A complete outcome is
// only written when always is set.
func finish[T any](e *env, command string, o cmdblocks.CmdOutcome[T], always bool) error {
	if always || !o.IsOk() {
		if err := e.out.WriteOutcome(output.OutcomeOf(command, o)); err != nil {
			return err
		}
	}
	switch {
	case o.IsErr():
		return fmt.Errorf("%s failed for %d item(s)", command, len(o.Errors))
	case o.IsInterrupted():
		return fmt.Errorf("%s interrupted", command)
	}
	return nil
}
