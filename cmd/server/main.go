// Relay - control plane for ephemeral AI-coding worker sessions.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hq-labs/relay/internal/api"
	"github.com/hq-labs/relay/internal/auth"
	"github.com/hq-labs/relay/internal/config"
	"github.com/hq-labs/relay/internal/domain"
	"github.com/hq-labs/relay/internal/envelope"
	"github.com/hq-labs/relay/internal/ignore"
	"github.com/hq-labs/relay/internal/middleware"
	"github.com/hq-labs/relay/internal/question"
	"github.com/hq-labs/relay/internal/registry"
	"github.com/hq-labs/relay/internal/relay"
	"github.com/hq-labs/relay/internal/session"
	"github.com/hq-labs/relay/internal/spawner"
	"github.com/hq-labs/relay/internal/store"
	syncpkg "github.com/hq-labs/relay/internal/sync"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected")

	dockerSpawner, err := spawner.NewDockerSpawner(cfg.Spawner.ContainerRuntime)
	if err != nil {
		slog.Error("failed to initialize worker spawner", "error", err)
		os.Exit(2)
	}
	networkID, err := dockerSpawner.EnsureNetwork(context.Background())
	if err != nil {
		slog.Error("failed to ensure worker network", "error", err)
		os.Exit(2)
	}
	slog.Info("worker network ready", "network_id", networkID)

	reg := registry.New(cfg.Registry.SendQueueSize, cfg.Registry.HeartbeatInterval, logger)
	sessions := session.New(repo, dockerSpawner, cfg.APIURL, logger)

	sm, err := newSyncManager(context.Background(), cfg, logger)
	if err != nil {
		slog.Warn("file-sync disabled: failed to initialize object-store client", "error", err)
	}

	blocker := question.New(repo, cfg.Question.AnswerTimeout, func(q *domain.PendingQuestion) {
		worker, err := repo.GetWorker(context.Background(), q.WorkerID)
		if err != nil || worker == nil || worker.SessionID == "" {
			return
		}
		conn, ok := reg.Get("relay:" + worker.SessionID)
		if !ok {
			return
		}
		frame, err := envelope.NewCodec().EncodeWorkerFrame(envelope.WorkerUserFrame{Type: envelope.WorkerUser, Content: q.Answer})
		if err != nil {
			return
		}
		conn.Send(frame)
		if err := repo.UpdateWorkerStatus(context.Background(), q.WorkerID, domain.WorkerRunning); err != nil {
			logger.Warn("update worker status to running", "worker_id", q.WorkerID, "error", err)
		}
	})
	rl := relay.New(reg, sessions, blocker, repo, logger, cfg.Session.WorkerKeepalive, cfg.FrontendURL, cfg.IsDevelopment())

	gate := auth.NewGate(repo)
	handler := api.NewHandler(repo, sessions, blocker, gate, logger)
	if sm != nil {
		handler = handler.WithSetupStatus(sm.SetupStatus)
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(middleware.CORS([]string{cfg.FrontendURL, "*"}))

	handler.Mount(r)
	r.Get("/ws", rl.HandleBrowser)
	r.Get("/ws/relay/{sessionId}", func(w http.ResponseWriter, req *http.Request) {
		rl.HandleWorker(w, req, chi.URLParam(req, "sessionId"))
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived.
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go reg.RunHeartbeat(ctx)
	go runSessionReaper(ctx, sessions, repo, cfg, logger)
	if sm != nil {
		go sm.Run(ctx)
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(2)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(2)
	}
	slog.Info("server stopped successfully")
}

// runSessionReaper periodically expires starting sessions that never
// reached ready, stops idle active sessions, and prunes old terminal
// session rows.
func runSessionReaper(ctx context.Context, sessions *session.Manager, repo store.Repository, cfg *config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.Session.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := repo.GetExpiredStartingSessions(ctx, cfg.Session.StartupTimeout)
			if err != nil {
				logger.Warn("reaper: list expired starting sessions", "error", err)
			}
			for _, s := range expired {
				if err := sessions.Errored(ctx, s.SessionID, "startup timed out"); err != nil {
					logger.Warn("reaper: error expired session", "session_id", s.SessionID, "error", err)
				}
			}

			idle, err := repo.GetIdleActiveSessions(ctx, cfg.Session.IdleTimeout)
			if err != nil {
				logger.Warn("reaper: list idle active sessions", "error", err)
			}
			for _, s := range idle {
				if err := sessions.Stop(ctx, s.SessionID); err != nil {
					logger.Warn("reaper: stop idle session", "session_id", s.SessionID, "error", err)
				}
			}

			deleted, err := repo.DeleteTerminalSessions(ctx, cfg.Session.TerminalTTL)
			if err != nil {
				logger.Warn("reaper: delete terminal sessions", "error", err)
				continue
			}
			if deleted > 0 {
				logger.Info("reaper: pruned terminal sessions", "count", deleted)
			}
		}
	}
}

// syncManager lazily starts one file-sync poller per API-key caller,
// mirrored 1:1 onto "users/<callerID>" in the object store, and answers
// the setup-status probe from each poller's most recent poll outcome.
type syncManager struct {
	cfg    *config.Config
	client *s3.Client
	logger *slog.Logger

	mu      sync.Mutex
	pollers map[string]*pollerState
}

type pollerState struct {
	poller    *syncpkg.Poller
	mu        sync.Mutex
	lastCount int
	lastPoll  time.Time
}

func newSyncManager(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*syncManager, error) {
	if cfg.Sync.S3Bucket == "" {
		return nil, fmt.Errorf("RELAY_SYNC_S3_BUCKET is not set")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Sync.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &syncManager{
		cfg:     cfg,
		client:  s3.NewFromConfig(awsCfg),
		logger:  logger,
		pollers: make(map[string]*pollerState),
	}, nil
}

// getOrCreate returns the poller for userID, constructing one on first
// use. The new poller is started by Run on its next tick.
func (sm *syncManager) getOrCreate(userID string) (*pollerState, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if ps, ok := sm.pollers[userID]; ok {
		return ps, nil
	}

	localDir := filepath.Join("./data/sync", userID)
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sync dir: %w", err)
	}

	ps := &pollerState{}
	lister := syncpkg.NewS3Lister(sm.client, sm.cfg.Sync.S3Bucket)
	p, err := syncpkg.New(syncpkg.Config{
		RemotePrefix:       "users/" + userID,
		LocalDir:           localDir,
		PollInterval:       sm.cfg.Sync.PollInterval,
		Concurrency:        sm.cfg.Sync.Concurrency,
		DeletePolicy:       domain.DeletePolicy(sm.cfg.Sync.DeletePolicy),
		TrashDir:           filepath.Join(localDir, ".hq-sync-trash"),
		StateFilePath:      filepath.Join(localDir, ".hq-sync-state.json"),
		ExcludePatterns:    ignore.DefaultPatterns,
		MaxListPages:       sm.cfg.Sync.MaxListPages,
		PreserveTimestamps: sm.cfg.Sync.PreserveTimestamps,
		UserID:             userID,
	}, lister, func(e syncpkg.Event) {
		if e.Type != syncpkg.EventPollComplete || e.Counts == nil {
			return
		}
		ps.mu.Lock()
		ps.lastCount += e.Counts.Downloaded - e.Counts.Deleted
		ps.lastPoll = time.Now()
		ps.mu.Unlock()
	}, sm.logger)
	if err != nil {
		return nil, err
	}
	ps.poller = p
	sm.pollers[userID] = ps
	return ps, nil
}

// SetupStatus satisfies api.SetupStatusFunc.
func (sm *syncManager) SetupStatus(ctx context.Context, callerID string) map[string]interface{} {
	if callerID == "" {
		return map[string]interface{}{"setupComplete": false, "s3Prefix": nil, "fileCount": 0}
	}
	ps, err := sm.getOrCreate(callerID)
	if err != nil {
		sm.logger.Warn("setup status: get or create poller", "caller", callerID, "error", err)
		return map[string]interface{}{"setupComplete": false, "s3Prefix": nil, "fileCount": 0}
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return map[string]interface{}{
		"setupComplete": !ps.lastPoll.IsZero(),
		"s3Prefix":      "users/" + callerID,
		"fileCount":     ps.lastCount,
		"lastPollAt":    ps.lastPoll,
	}
}

// Run starts every poller created so far and keeps starting new ones as
// callers are discovered via SetupStatus, until ctx is cancelled.
func (sm *syncManager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	started := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.mu.Lock()
			for userID, ps := range sm.pollers {
				if !started[userID] {
					ps.poller.Start(ctx)
					started[userID] = true
				}
			}
			sm.mu.Unlock()
		}
	}
}
