package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/nuetzliches/leasequeue/internal/adminapi"
	"github.com/nuetzliches/leasequeue/internal/config"
	"github.com/nuetzliches/leasequeue/internal/dispatcher"
	"github.com/nuetzliches/leasequeue/internal/workerapi"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 5 * time.Second
)

type runOptions struct {
	configPath  string
	pidFile     string
	logLevel    string
	logLevelSet bool
	dotenvPath  string
	watch       bool
}

func runServer(opts runOptions) int {
	baseLogger, err := newLogger(opts.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	slog.SetDefault(baseLogger)

	releasePIDFile, err := claimPIDFile(strings.TrimSpace(opts.pidFile))
	if err != nil {
		baseLogger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	if strings.TrimSpace(opts.dotenvPath) != "" {
		n, err := loadDotenv(strings.TrimSpace(opts.dotenvPath))
		if err != nil {
			baseLogger.Error("dotenv_failed", slog.Any("err", err))
			return 1
		}
		baseLogger.Info("dotenv_loaded", slog.String("path", opts.dotenvPath), slog.Int("set", n))
	}

	cfg, err := config.ParseFile(opts.configPath)
	if err != nil {
		baseLogger.Error("parse_config_failed", slog.Any("err", err))
		return 1
	}
	compiled, res := config.Compile(cfg)
	if !res.OK {
		baseLogger.Error("compile_config_failed", slog.String("error", config.FormatValidationText(res)))
		return 1
	}
	for _, w := range res.Warnings {
		baseLogger.Warn("config_warning", slog.String("warning", w))
	}
	baseLogger.Info("config_ok", slog.String("path", opts.configPath))

	runtimeLogger, runtimeLogCloser, err := runtimeLoggerFor(compiled.Observability, opts)
	if err != nil {
		baseLogger.Error("runtime_log_failed", slog.Any("err", err))
		return 1
	}
	if runtimeLogCloser != nil {
		defer func() { _ = runtimeLogCloser.Close() }()
	}
	slog.SetDefault(runtimeLogger)

	appMetrics := newRuntimeMetrics()

	tracing := compiled.Observability.Tracing
	if tracing.Enabled {
		shutdownTracing, err := initTracing(context.Background(), tracing, func(err error) {
			appMetrics.incTracingExportErrors()
			runtimeLogger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			appMetrics.incTracingInitFailures()
			runtimeLogger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		appMetrics.setTracingEnabled(true)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		runtimeLogger.Info("tracing_enabled", slog.String("collector", tracing.Collector))
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, backend, err := openStore(compiled.Store)
	if err != nil {
		runtimeLogger.Error("open_store_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = store.Close() }()
	if backend == config.StoreMemory {
		runtimeLogger.Warn("store_not_durable", slog.String("backend", backend))
	}
	runtimeLogger.Info("store_backend_selected", slog.String("backend", backend))

	deliverer := dispatcher.NewHTTPDeliverer(tracingHTTPClient(tracing.Enabled))
	rt := newQueueRuntime(store, deliverer, appMetrics, runtimeLogger)
	if err := rt.loadAuth(compiled); err != nil {
		runtimeLogger.Error("load_auth_failed", slog.Any("err", err))
		return 1
	}
	if err := rt.apply(ctx, compiled); err != nil {
		runtimeLogger.Error("start_queues_failed", slog.Any("err", err))
		_ = rt.stopAll(context.Background())
		return 1
	}

	servers, err := startServers(compiled, rt, runtimeLogger, appMetrics, cancel)
	if err != nil {
		runtimeLogger.Error("start_servers_failed", slog.Any("err", err))
		_ = rt.stopAll(context.Background())
		return 1
	}

	running := compiled
	var reloadMu sync.Mutex
	reloadNow := func(trigger string) {
		reloadMu.Lock()
		defer reloadMu.Unlock()

		updated, ok := reloadConfig(ctx, opts.configPath, running, rt, runtimeLogger, trigger)
		appMetrics.observeReload(ok)
		if ok {
			running = updated
		}
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				reloadNow("signal_sighup")
			}
		}
	}()
	if opts.watch {
		go watchConfig(ctx, opts.configPath, runtimeLogger, func() {
			reloadNow("watch")
		})
	}

	<-ctx.Done()
	runtimeLogger.Info("shutdown_started")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	servers.shutdown(shutdownCtx)
	if err := rt.stopAll(shutdownCtx); err != nil {
		runtimeLogger.Warn("queue_drain_incomplete", slog.Any("err", err))
	} else {
		runtimeLogger.Info("queues_drained")
	}
	return 0
}

func runtimeLoggerFor(obs config.ObservabilityConfig, opts runOptions) (*slog.Logger, io.Closer, error) {
	level := obs.LogLevel
	if opts.logLevelSet {
		level = opts.logLevel
	}
	return newLoggerToSink(level, obs.LogOutput, obs.LogPath)
}

type serverSet struct {
	http []*http.Server
	grpc *grpc.Server
}

func (s serverSet) shutdown(ctx context.Context) {
	var g errgroup.Group
	for _, srv := range s.http {
		g.Go(func() error { return srv.Shutdown(ctx) })
	}
	if s.grpc != nil {
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				s.grpc.GracefulStop()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				s.grpc.Stop()
			}
			return nil
		})
	}
	_ = g.Wait()
}

func startServers(compiled config.Compiled, rt *queueRuntime, logger *slog.Logger, appMetrics *runtimeMetrics, cancel context.CancelFunc) (serverSet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var set serverSet
	tracingEnabled := compiled.Observability.Tracing.Enabled

	ops := adminapi.NewServer(rt)
	ops.Authorize = rt.authorizeHTTP
	ops.Logger = logger
	ops.HealthDiagnostics = appMetrics.healthDiagnostics
	if compiled.Observability.Metrics {
		ops.Metrics = newMetricsHandler(version, time.Now(), appMetrics)
	}

	if addr := compiled.Admin.Listen; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return set, fmt.Errorf("admin listen %s: %w", addr, err)
		}
		srv := &http.Server{
			Addr:              addr,
			Handler:           withAccessLog(logger.With(slog.String("component", "admin")), wrapTracingHandler(tracingEnabled, "admin", ops)),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		set.http = append(set.http, srv)
		serveOnListener(logger, "admin", srv, ln, cancel)
		logger.Info("admin_api_listening", slog.String("addr", ln.Addr().String()))
	}

	if addr := compiled.Admin.GRPCListen; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			set.shutdown(context.Background())
			return serverSet{}, fmt.Errorf("worker grpc listen %s: %w", addr, err)
		}
		ws := workerapi.NewServer(ops)
		ws.Authorize = rt.authorizeGRPC
		gs := grpc.NewServer()
		workerapi.Register(gs, ws)
		set.grpc = gs
		go func() {
			if err := gs.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Error("grpc_server_error", slog.String("name", "worker"), slog.Any("err", err))
				cancel()
			}
		}()
		logger.Info("worker_api_listening", slog.String("addr", ln.Addr().String()))
	}
	return set, nil
}

func watchConfig(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	if logger == nil {
		logger = slog.Default()
	}
	if reload == nil {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}

	logger.Info("watching_config", slog.String("path", path))

	// Debounce to coalesce bursty editor/atomic-write events.
	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(200 * time.Millisecond)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(200 * time.Millisecond)
		}
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			reload()
		}
	}
}

// reloadConfig re-reads path and applies queue, channel, and auth changes to
// rt. It returns running unchanged when the new config is invalid or touches
// settings that are only read at startup.
func reloadConfig(ctx context.Context, path string, running config.Compiled, rt *queueRuntime, logger *slog.Logger, trigger string) (config.Compiled, bool) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.ParseFile(path)
	if err != nil {
		logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return running, false
	}
	compiled, res := config.Compile(cfg)
	if !res.OK {
		logger.Error("config_reload_failed", slog.String("error", config.FormatValidationText(res)), slog.String("trigger", trigger))
		return running, false
	}

	if requiresRestartForReload(compiled, running) {
		logger.Info("config_reloaded_restart_required", slog.String("trigger", trigger))
		return running, false
	}

	if err := rt.loadAuth(compiled); err != nil {
		logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return running, false
	}
	if err := rt.apply(ctx, compiled); err != nil {
		logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return running, false
	}

	logger.Info("config_reloaded_ok", slog.String("trigger", trigger))
	return compiled, true
}

// requiresRestartForReload reports changes to the store, listeners, or
// observability. Queues, channels, defaults, and tokens apply live.
func requiresRestartForReload(compiled, running config.Compiled) bool {
	return compiled.Store != running.Store ||
		compiled.Admin.Listen != running.Admin.Listen ||
		compiled.Admin.GRPCListen != running.Admin.GRPCListen ||
		compiled.Observability != running.Observability
}

func claimPIDFile(pidFile string) (func(), error) {
	pidFile = strings.TrimSpace(pidFile)
	if pidFile == "" {
		return func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		return nil, err
	}

	if pid, err := readPIDFile(pidFile); err == nil && pid > 0 {
		if pidRunning(pid) {
			return nil, fmt.Errorf("pid file %q points to running process %d", pidFile, pid)
		}
	}

	pid := os.Getpid()
	if err := writePIDFile(pidFile, pid); err != nil {
		return nil, err
	}

	return func() {
		cur, err := readPIDFile(pidFile)
		if err != nil {
			return
		}
		if cur == pid {
			_ = os.Remove(pidFile)
		}
	}, nil
}

func writePIDFile(pidFile string, pid int) error {
	tmp, err := os.CreateTemp(filepath.Dir(pidFile), "."+filepath.Base(pidFile)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	keepTemp := false
	defer func() {
		_ = tmp.Close()
		if !keepTemp {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(tmp, "%d\n", pid); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, pidFile); err != nil {
		return err
	}
	keepTemp = true
	return nil
}

func readPIDFile(pidFile string) (int, error) {
	b, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		return 0, fmt.Errorf("pid file %q is empty", pidFile)
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %q contains invalid pid %q", pidFile, raw)
	}
	return pid, nil
}
