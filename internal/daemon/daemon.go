package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/harun/screencraft/internal/config"
	"github.com/harun/screencraft/internal/logger"
	"github.com/harun/screencraft/internal/observability"
	"github.com/harun/screencraft/internal/tracing"
	"github.com/harun/screencraft/pkg/artifact"
	"github.com/harun/screencraft/pkg/commandqueue"
	"github.com/harun/screencraft/pkg/gateway"
	"github.com/harun/screencraft/pkg/knowledge"
	"github.com/harun/screencraft/pkg/session"
	"github.com/harun/screencraft/pkg/transcript"
	"github.com/harun/screencraft/pkg/workflow"
)

const knowledgeDebounce = 500 * time.Millisecond

// Daemon owns every long-lived component of the service.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	knowledge   *knowledge.Store
	watcher     *knowledge.Watcher
	artifacts   *artifact.Store
	sessions    *session.Store[workflow.AgentState]
	janitor     *session.Janitor
	queue       *commandqueue.Queue
	transcripts *transcript.Archive

	orchestrator  *workflow.Orchestrator
	gatewayServer *gateway.Server

	lifecycle   *LifecycleManager
	maintenance *Maintenance

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.RWMutex
	running        bool
	startTime      time.Time
	tracingEnabled bool
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Sessions  int
	Screens   int
	Lanes     map[string]commandqueue.LaneStats
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	cfg.ResolvePaths()
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := d.initialize(); err != nil {
		cancel()
		d.closeStores()
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(d)
	d.maintenance = NewMaintenance(d)
	return d, nil
}

func (d *Daemon) initialize() error {
	cfg := d.config

	if cfg.Tracing.Enabled {
		if err := tracing.Setup(tracing.Settings{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		}); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize tracing")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	auditPath := cfg.Logging.AuditFile
	if auditPath == "" {
		auditPath = filepath.Join(cfg.DataDir, "audit.log")
	}
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Str("path", auditPath).Msg("Failed to initialize audit logger")
	}

	completer, err := NewCompleter(cfg)
	if err != nil {
		return err
	}
	editor, err := NewEditor(cfg)
	if err != nil {
		return err
	}

	d.knowledge, err = OpenKnowledge(cfg, d.logger.Component("knowledge"))
	if err != nil {
		return err
	}
	d.artifacts = artifact.New(cfg.Assets.Root, cfg.Assets.EditedDir)

	if cfg.Transcript.Dir != "" {
		d.transcripts, err = transcript.New(cfg.Transcript.Dir, d.logger.Component("transcript"))
		if err != nil {
			return fmt.Errorf("failed to open transcript archive: %w", err)
		}
	}

	d.sessions = session.NewStore[workflow.AgentState](cfg.Session.TTL)
	d.janitor, err = session.NewJanitor(d.logger.Component("janitor"), d.sessions, cfg.Session.SweepSchedule)
	if err != nil {
		return fmt.Errorf("failed to create session janitor: %w", err)
	}
	if d.transcripts != nil && cfg.Transcript.Retention > 0 {
		if err := d.janitor.AddJob("transcript_prune", cfg.Transcript.PruneSchedule, d.pruneTranscripts); err != nil {
			return fmt.Errorf("failed to schedule transcript pruning: %w", err)
		}
	}

	d.queue = commandqueue.New(d.logger.Component("queue"), commandqueue.WithWarnAfter(30*time.Second))

	// 0 in config means no retry cap
	maxEditAttempts := cfg.Workflow.MaxEditAttempts
	if maxEditAttempts == 0 {
		maxEditAttempts = -1
	}

	orchCfg := workflow.Config{
		Store:           d.sessions,
		Queue:           d.queue,
		Completer:       completer,
		Editor:          editor,
		Retriever:       d.knowledge,
		Artifacts:       d.artifacts,
		Logger:          d.logger.GetZerolog(),
		MaxEditAttempts: maxEditAttempts,
		MaxInputChars:   cfg.Workflow.MaxInputChars,
		SummaryWords:    cfg.Workflow.SummaryWords,
	}
	if d.transcripts != nil {
		orchCfg.Transcripts = d.transcripts
	}
	d.orchestrator, err = workflow.New(orchCfg)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	d.gatewayServer, err = gateway.NewServer(gateway.Config{
		Addr:           net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Orchestrator:   d.orchestrator,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		TurnsPerMinute: cfg.Server.TurnsPerMinute,
		Logger:         d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}

	return nil
}

// Start syncs the knowledge base and starts the background services and
// the gateway.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting screencraft daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	screensDir := d.config.Knowledge.ScreensDir
	if err := os.MkdirAll(screensDir, 0755); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to create screens directory: %w", err)
	}
	d.syncKnowledge()

	if d.config.Knowledge.Watch {
		watcher, err := knowledge.NewWatcher(d.logger.Component("knowledge"), screensDir, knowledgeDebounce, d.syncKnowledge)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to watch screens directory")
		} else {
			d.watcher = watcher
		}
	}

	if err := d.janitor.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start session janitor: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.janitor.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.maintenance.Run(d.ctx)
	}()

	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Daemon started")
	return nil
}

// Stop shuts components down in reverse start order.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping screencraft daemon")

	ctx, cancel := context.WithTimeout(context.Background(), d.config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error

	if err := d.gatewayServer.Stop(ctx); err != nil {
		errs = append(errs, err)
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	d.cancel()
	d.wg.Wait()

	if !d.queue.WaitForActive(d.config.Server.ShutdownTimeout) {
		logger.Warn().Msg("Turns still running at shutdown")
	}
	if err := d.queue.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close command queue")
	}

	if err := d.janitor.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop session janitor")
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop knowledge watcher")
		}
	}

	d.closeStores()

	if d.tracingEnabled {
		if err := tracing.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}

	if err := d.lifecycle.Stop(); err != nil {
		errs = append(errs, err)
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	logger.Info().Msg("Daemon stopped")
	return errors.Join(errs...)
}

// Close releases a daemon that was used without Start, such as by the
// terminal chat. A running daemon is stopped instead.
func (d *Daemon) Close() error {
	if d.Status().Running {
		return d.Stop()
	}

	d.cancel()
	if err := d.queue.Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close command queue")
	}
	d.closeStores()
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.Server.ShutdownTimeout)
		defer cancel()
		return tracing.Shutdown(ctx)
	}
	return nil
}

func (d *Daemon) closeStores() {
	if d.knowledge != nil {
		if err := d.knowledge.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close knowledge base")
		}
	}
	if audit := observability.GetAuditLogger(); audit != nil {
		_ = audit.Close()
	}
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// syncKnowledge re-indexes the screens directory.
func (d *Daemon) syncKnowledge() {
	_, err := d.knowledge.Sync(d.ctx, d.config.Knowledge.ScreensDir)
	switch {
	case errors.Is(err, knowledge.ErrSyncInProgress):
		d.logger.Debug().Msg("Knowledge sync already running")
	case err != nil:
		d.logger.Error().Err(err).Msg("Knowledge sync failed")
	}
}

func (d *Daemon) pruneTranscripts() {
	removed, err := d.transcripts.Prune(d.ctx, d.config.Transcript.Retention)
	if err != nil {
		d.logger.Error().Err(err).Msg("Transcript prune failed")
		return
	}
	if removed > 0 {
		d.logger.Info().Int("removed", removed).Msg("Old transcripts pruned")
	}
}

// Status reports whether the daemon runs and what it holds.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Sessions: d.orchestrator.ActiveSessions(),
		Lanes:    d.orchestrator.Lanes(),
	}
	if n, err := d.knowledge.Count(context.Background()); err == nil {
		status.Screens = n
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetOrchestrator returns the workflow orchestrator
func (d *Daemon) GetOrchestrator() *workflow.Orchestrator {
	return d.orchestrator
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetKnowledge returns the knowledge base
func (d *Daemon) GetKnowledge() *knowledge.Store {
	return d.knowledge
}
