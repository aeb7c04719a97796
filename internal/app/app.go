package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"handoff/internal/collab"
	"handoff/internal/config"
	"handoff/internal/db"
	"handoff/internal/dispatch"
	"handoff/internal/domain"
	"handoff/internal/engine"
	"handoff/internal/liveness"
	"handoff/internal/migrate"
	"handoff/internal/reconcile"
	"handoff/internal/replica"
	"handoff/internal/repo"
	"handoff/internal/server"
)

// Options select the workspace and override parts of handoff.yml.
type Options struct {
	Workspace  string
	ConfigPath string
	Role       domain.Role
	Stderr     io.Writer
}

// App is a bootstrapped agent process: an open, migrated database, the loaded
// config and an engine wired to its collaborators.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Log       *slog.Logger
	Security  *slog.Logger
	Registry  *prometheus.Registry

	closers []io.Closer
}

// Open prepares the workspace, migrates the database and builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	cfg, err := loadConfig(workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Role != "" && opts.Role != cfg.Agent.Role {
		cfg.Agent.Role = opts.Role
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	a := &App{Workspace: workspace, Config: cfg, Registry: prometheus.NewRegistry()}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	a.Log = NewLogger(stderr, cfg.Log.Level, cfg.Log.Format).With("role", cfg.Agent.Role)
	if a.Security, err = a.securityLogger(stderr); err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.DB = conn
	a.closers = append(a.closers, conn)
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		a.Close()
		return nil, err
	}
	if applied > 0 {
		a.Log.Debug("migrations applied", "count", applied)
	}

	e := engine.New(conn, cfg)
	e.Log = a.Log
	e.Security = a.Security
	actions := collab.FromConfig(cfg)
	e.Actions = actions
	a.Log.Debug("workspace opened", "db", db.Path(workspace), "actions", actions.Tools())
	if r := cfg.Collaborators.Reasoner; strings.TrimSpace(r.URL) != "" {
		reasoner, err := collab.NewHTTPReasoner(collab.ReasonerConfig{
			URL:           r.URL,
			Token:         r.Token,
			Timeout:       r.Timeout,
			RatePerMinute: r.RatePerMinute,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		e.Reasoner = reasoner
	}
	a.Engine = e
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return a, nil
}

func loadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

// NewLogger builds the operational logger. format is text or json.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// securityLogger tags capability violations and aborted pushes. They go to
// stderr and, when log.security_file is set, are appended there as JSON.
func (a *App) securityLogger(stderr io.Writer) (*slog.Logger, error) {
	w := stderr
	if name := a.Config.Log.SecurityFile; name != "" {
		if !filepath.IsAbs(name) {
			name = filepath.Join(db.StateDir(a.Workspace), name)
		}
		f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open security log: %w", err)
		}
		a.closers = append(a.closers, f)
		w = io.MultiWriter(stderr, f)
	}
	return slog.New(slog.NewJSONHandler(w, nil)).With("stream", "security", "role", a.Config.Agent.Role), nil
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) Role() domain.Role { return a.Config.Agent.Role }

func (a *App) HeartbeatPath() string {
	return filepath.Join(db.StateDir(a.Workspace), liveness.FileName)
}

func (a *App) Dispatcher() *dispatch.Dispatcher {
	cfg := a.Config.Dispatch
	return dispatch.New(a.Engine, dispatch.Config{
		Role:         a.Role(),
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
	}, a.Log, dispatch.MustNewMetrics(a.Registry))
}

// ReplicaDir resolves sync.replica_dir against the workspace. Empty means sync is off.
func (a *App) ReplicaDir() string {
	dir := strings.TrimSpace(a.Config.Sync.ReplicaDir)
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(a.Workspace, dir)
}

// Reconciler returns nil when no replica directory is configured.
func (a *App) Reconciler() (*reconcile.Reconciler, error) {
	dir := a.ReplicaDir()
	if dir == "" {
		return nil, nil
	}
	remote, err := replica.NewFileReplica(dir, 0)
	if err != nil {
		return nil, err
	}
	scanner, err := reconcile.NewScanner(a.Config.Sync.DenyGlobs, a.Config.Sync.DenyPatterns)
	if err != nil {
		return nil, err
	}
	return &reconcile.Reconciler{
		Role:     a.Role(),
		Store:    repo.Repo{DB: a.DB},
		Remote:   remote,
		Scanner:  scanner,
		Log:      a.Log.With("component", "reconciler"),
		Security: a.Security,
		Metrics:  reconcile.MustNewMetrics(a.Registry),
	}, nil
}

func (a *App) Heartbeat() liveness.Heartbeat {
	return liveness.Heartbeat{
		Path:     a.HeartbeatPath(),
		Role:     a.Role(),
		Interval: a.Config.Liveness.Interval,
		Log:      a.Log,
	}
}

// Handler builds the HTTP API with /metrics served from the app registry.
func (a *App) Handler(basePath, jwtSecret string) (http.Handler, error) {
	if jwtSecret == "" {
		jwtSecret = a.Config.Server.JWTSecret
	}
	if jwtSecret == "" {
		return nil, errors.New("a jwt secret is required for bearer auth (server.jwt_secret or HANDOFF_JWT_SECRET)")
	}
	return server.New(server.Config{
		Engine:        a.Engine,
		BasePath:      basePath,
		Auth:          server.AuthConfig{JWTSecret: jwtSecret},
		HeartbeatPath: a.HeartbeatPath(),
		Metrics:       promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}),
	})
}

// RunOptions choose the optional parts of Run.
type RunOptions struct {
	// Handler is served on Addr when set.
	Handler http.Handler
	Addr    string
}

// Run drives the agent until ctx is done: dispatcher, reconciler (when a
// replica is configured), heartbeat, approval expiry and transition webhooks.
// The first component to fail cancels the rest.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	rec, err := a.Reconciler()
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Dispatcher().Run(ctx) })
	g.Go(func() error { return a.Heartbeat().Run(ctx) })
	g.Go(func() error { return a.expireApprovals(ctx) })
	g.Go(func() error { return server.NewTransitionHooks(a.Engine, a.Log).Run(ctx) })
	if rec != nil {
		g.Go(func() error { return rec.Run(ctx, a.Config.Sync.Interval) })
	} else {
		a.Log.Info("sync disabled; sync.replica_dir is empty")
	}
	if opts.Handler != nil {
		g.Go(func() error { return Serve(ctx, opts.Addr, opts.Handler) })
	}
	a.Log.Info("agent running", "workers", a.Config.Dispatch.Workers, "poll_interval", a.Config.Dispatch.PollInterval)
	return g.Wait()
}

func (a *App) expireApprovals(ctx context.Context) error {
	if a.Config.Lifecycle.ApprovalTimeout <= 0 {
		return nil
	}
	interval := a.Config.Lifecycle.ApprovalTimeout / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if n, err := a.Engine.ExpireApprovals(ctx); err != nil && ctx.Err() == nil {
			a.Log.Error("approval expiry failed", "err", err)
		} else if n > 0 {
			a.Log.Info("approvals expired", "count", n)
		}
	}
}

// Serve runs handler on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
