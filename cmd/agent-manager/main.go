package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/phillipcheng/claude-task-automation-server/internal/assistant"
	"github.com/phillipcheng/claude-task-automation-server/internal/controlsurface"
	"github.com/phillipcheng/claude-task-automation-server/internal/criteria"
	"github.com/phillipcheng/claude-task-automation-server/internal/eventbus"
	"github.com/phillipcheng/claude-task-automation-server/internal/executor"
	"github.com/phillipcheng/claude-task-automation-server/internal/inputqueue"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/clock"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/config"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/logger"
	"github.com/phillipcheng/claude-task-automation-server/internal/runner"
	"github.com/phillipcheng/claude-task-automation-server/internal/runner/dockerrunner"
	"github.com/phillipcheng/claude-task-automation-server/internal/runner/execrunner"
	"github.com/phillipcheng/claude-task-automation-server/internal/storage"
	"github.com/phillipcheng/claude-task-automation-server/internal/storage/memstore"
	"github.com/phillipcheng/claude-task-automation-server/internal/storage/postgres"
	"github.com/phillipcheng/claude-task-automation-server/internal/storage/sqlite"
	"github.com/phillipcheng/claude-task-automation-server/internal/worktree"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting task automation engine...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.System{}

	gateway, err := newGateway(ctx, cfg.Storage, clk)
	if err != nil {
		log.Error("Failed to initialize persistence gateway", zap.Error(err))
		os.Exit(1)
	}
	defer gateway.Close()
	log.Info("Persistence gateway ready", zap.String("driver", cfg.Storage.Driver))

	bus, err := newEventBus(cfg.NATS, log)
	if err != nil {
		log.Error("Failed to initialize event bus", zap.Error(err))
		os.Exit(1)
	}
	defer bus.Close()

	backend, err := newRunnerBackend(cfg, log)
	if err != nil {
		log.Error("Failed to initialize assistant runner backend", zap.Error(err))
		os.Exit(1)
	}

	sender := assistant.New(backend, cfg.Assistant, log)
	analyzer := criteria.New(sender, log)
	queue := inputqueue.New(gateway, clk, log)

	wtCfg := worktree.Config{
		IsolatedSubdir: cfg.Workspace.IsolatedSubdir,
		BranchPrefix:   "task/",
	}
	workspaces := worktree.NewManager(wtCfg, log)

	ex := executor.New(gateway, workspaces, sender, queue, analyzer, bus, clk, log)

	// Tasks left active by a prior process are NOT auto-resumed: spec §1
	// non-goals "persistent work queues surviving process restart (tasks
	// are re-hydrated only by explicit user resume)". A client must call
	// resume/recover on them explicitly via the control surface.

	if err := reconcileWorkspaces(ctx, gateway, workspaces, cfg.Workspace.DefaultWorkspaceRoot, log); err != nil {
		log.Warn("workspace reconciliation failed", zap.Error(err))
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/api/v1")
	controlsurface.SetupRoutes(v1, ex, gateway, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": clk.Now()})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Failed to start HTTP server", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down task automation engine...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Task automation engine stopped")
}

// newGateway selects the persistence backend by cfg.Driver (spec §6's
// DATABASE_URL is passed through unparsed to whichever driver is chosen).
func newGateway(ctx context.Context, cfg config.StorageConfig, clk clock.Clock) (storage.Gateway, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.New(cfg.URL, clk)
	case "postgres":
		return postgres.New(ctx, cfg.URL, clk)
	default:
		return memstore.New(clk), nil
	}
}

// newEventBus selects NATS cross-process fan-out when configured, falling
// back to the in-memory bus otherwise (spec §4.7).
func newEventBus(cfg config.NATSConfig, log *logger.Logger) (eventbus.Bus, error) {
	if cfg.URL == "" {
		return eventbus.NewMemoryBus(cfg.SubscriberBufferSize), nil
	}
	return eventbus.NewNATSBus(cfg, log)
}

// reconcileWorkspaces sweeps every workspace root known at startup —
// every active task's root_path, plus the configured default root — for
// `.isolated/` checkouts that no longer match an active task row (spec §9's
// supplemented orphaned-workspace feature). A root with no active tasks and
// no configured default is never swept; it is still owned exclusively by
// terminal task rows, which Delete reclaims explicitly.
func reconcileWorkspaces(ctx context.Context, gateway storage.Gateway, workspaces *worktree.Manager, defaultRoot string, log *logger.Logger) error {
	tasks, err := gateway.ListActiveTasks(ctx)
	if err != nil {
		return err
	}

	rootNames := make(map[string]map[string]struct{})
	if defaultRoot != "" {
		rootNames[defaultRoot] = make(map[string]struct{})
	}
	for _, t := range tasks {
		if t.RootPath == "" {
			continue
		}
		if rootNames[t.RootPath] == nil {
			rootNames[t.RootPath] = make(map[string]struct{})
		}
		rootNames[t.RootPath][t.Name] = struct{}{}
	}

	for root, names := range rootNames {
		if err := workspaces.Reconcile(ctx, root, names); err != nil {
			log.Warn("reconcile failed for workspace root", zap.String("root_path", root), zap.Error(err))
		}
	}
	return nil
}

// newRunnerBackend selects the subprocess backend: a bare os/exec spawn of
// $ASSISTANT_COMMAND (default) or a Docker container per invocation
// (spec §4.3, TASKENGINE_ASSISTANT_RUNNER=docker).
func newRunnerBackend(cfg *config.Config, log *logger.Logger) (runner.Backend, error) {
	if cfg.Assistant.Runner == "docker" {
		return dockerrunner.New(cfg.Docker, log)
	}
	return execrunner.New(), nil
}
