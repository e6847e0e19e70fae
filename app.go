package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/smazurov/pagecaster/internal/api"
	"github.com/smazurov/pagecaster/internal/browser"
	"github.com/smazurov/pagecaster/internal/config"
	"github.com/smazurov/pagecaster/internal/dvr"
	"github.com/smazurov/pagecaster/internal/encoders"
	"github.com/smazurov/pagecaster/internal/events"
	"github.com/smazurov/pagecaster/internal/logging"
	"github.com/smazurov/pagecaster/internal/metrics"
	"github.com/smazurov/pagecaster/internal/monitoring"
	"github.com/smazurov/pagecaster/internal/streams"
	"github.com/smazurov/pagecaster/internal/systemd"
	"github.com/smazurov/pagecaster/internal/vnc"
)

const shutdownTimeout = 15 * time.Second

// app is the long-running service started by the root command.
type app struct {
	opts     *Options
	runtime  config.Runtime
	logger   *slog.Logger
	notifier *systemd.Notifier

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	ctrl   *streams.Controller
	pause  *monitoring.PauseMonitor
	health *monitoring.HealthSupervisor
}

func newApp(opts *Options, rt config.Runtime) *app {
	ctx, cancel := context.WithCancel(context.Background())
	return &app{
		opts:     opts,
		runtime:  rt,
		logger:   logging.GetLogger("main"),
		notifier: systemd.NewNotifier(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// run starts every component and blocks until stop is called or the HTTP
// server fails.
func (a *app) run() error {
	defer close(a.done)
	ctx := a.ctx
	opts := a.opts

	bindings, err := encoders.LoadFile(opts.EncodersConfigFile, opts.BrowserDebugPortBase)
	if err != nil {
		return err
	}
	a.logger.Info("Loaded encoders", "count", len(bindings), "file", opts.EncodersConfigFile)

	bus := events.New()
	pool := encoders.NewPool(bindings, encoders.PoolOptions{Logger: logging.GetLogger("encoders")})
	browsers := browser.NewManager(bindings, browserOptions(opts), browser.SessionOptions{
		StartupTimeout: seconds(opts.BrowserStartupTimeoutSeconds),
		PingURL:        opts.BrowserPingURL,
	})

	dvrClient := dvr.NewClient(opts.DVRBaseURL, seconds(opts.DVRTimeoutSeconds))
	if !dvrClient.Enabled() {
		a.logger.Warn("No DVR URL configured, recordings are disabled")
	} else if err := dvrClient.Ping(ctx); err != nil {
		a.logger.Warn("DVR not reachable, recordings will fail until it is", "url", opts.DVRBaseURL, "error", err)
	}

	a.ctrl = streams.NewController(streams.Options{
		Pool:     pool,
		Sessions: browsers,
		DVR:      dvrClient,
		Bus:      bus,
		Tuning:   streams.TuningFromConfig(a.runtime.Tuning),
	})
	browsers.SetExitHandler(a.ctrl.HandleBrowserExit)

	a.notifier.Status("launching browsers")
	if err := a.ctrl.LaunchAll(ctx); err != nil {
		a.logger.Warn("Some browsers failed to start, health checks will retry", "error", err)
	}

	a.pause = monitoring.NewPauseMonitor(monitoring.PauseMonitorOptions{
		Pool:     pool,
		Sessions: browsers,
		Bus:      bus,
		Interval: a.runtime.PauseMonitor.PauseInterval(),
		Enabled:  a.runtime.PauseMonitor.Enabled,
	})
	a.pause.Start(ctx)

	a.health = monitoring.NewHealthSupervisor(monitoring.HealthOptions{
		Pool:     pool,
		Sessions: browsers,
		Launcher: a.ctrl,
		Bus:      bus,
		Interval: a.runtime.Health.Interval(),
		Enabled:  a.runtime.Health.Enabled,
	})
	if err := a.health.Start(ctx); err != nil {
		a.pause.Stop()
		a.ctrl.ShutdownBrowsers(context.Background())
		browsers.StopAll()
		return fmt.Errorf("start health supervisor: %w", err)
	}

	apiOpts := &api.Options{
		AuthUsername:      opts.AuthUsername,
		AuthPassword:      opts.AuthPassword,
		Controller:        a.ctrl,
		Health:            a.health,
		EventBus:          bus,
		PrometheusHandler: metrics.Handler(),
	}
	if opts.VNCEnabled {
		apiOpts.VNCHandler = vnc.NewHandler(opts.VNCMinPort, opts.VNCMaxPort)
	}
	server := api.NewServer(apiOpts)

	var wg sync.WaitGroup
	if opts.VNCListen != "" {
		fwd := vnc.NewForwarder(opts.VNCListen, opts.VNCTargetPort)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fwd.ListenAndServe(ctx); err != nil {
				a.logger.Error("VNC forwarder stopped", "error", err)
			}
		}()
	}

	watcher := config.NewConfigWatcher(opts.Config, config.LoadRuntime, logging.GetLogger("config"))
	watcher.OnReload(func(rt config.Runtime) {
		a.notifier.Reloading()
		a.apply(rt)
		a.notifier.Ready()
	})
	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("Config hot reload disabled", "error", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(opts.Port)
	}()

	a.notifier.Ready()
	a.notifier.Status(fmt.Sprintf("serving %d encoders", len(bindings)))
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.notifier.Watchdog(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
		if runErr != nil {
			runErr = fmt.Errorf("http server: %w", runErr)
		}
		a.cancel()
	}

	a.notifier.Stopping()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		a.logger.Error("Error stopping HTTP server", "error", err)
	}
	if err := watcher.Stop(); err != nil {
		a.logger.Warn("Error stopping config watcher", "error", err)
	}
	a.pause.Stop()
	a.health.Stop()

	// Browsers go last so in-flight requests can finish against them.
	a.ctrl.ShutdownBrowsers(shutdownCtx)
	browsers.StopAll()
	wg.Wait()

	a.logger.Info("Shutdown complete")
	return runErr
}

// stop cancels run and waits for it to clean up.
func (a *app) stop() {
	a.cancel()
	select {
	case <-a.done:
	case <-time.After(shutdownTimeout + 5*time.Second):
		a.logger.Warn("Shutdown timed out")
	}
}

// apply hot-reloads tunables, monitor settings and log levels.
func (a *app) apply(rt config.Runtime) {
	logging.ApplyLevels(loggingConfig(a.opts, rt.Logging))
	a.ctrl.SetTuning(streams.TuningFromConfig(rt.Tuning))

	a.pause.SetInterval(rt.PauseMonitor.PauseInterval())
	a.pause.SetEnabled(rt.PauseMonitor.Enabled)

	if err := a.health.SetInterval(rt.Health.Interval()); err != nil {
		a.logger.Error("Failed to reschedule health checks", "error", err)
	}
	if err := a.health.SetEnabled(rt.Health.Enabled); err != nil {
		a.logger.Error("Failed to toggle health checks", "error", err)
	}

	a.logger.Info("Configuration applied",
		"pause_monitor", a.pause.Enabled(),
		"pause_interval", a.pause.Interval(),
		"health", a.health.Enabled(),
		"health_interval", a.health.Interval())
}

func browserOptions(opts *Options) browser.Options {
	var extra []string
	for _, f := range strings.Split(opts.BrowserExtraFlags, ",") {
		if f = strings.TrimSpace(f); f != "" {
			extra = append(extra, f)
		}
	}
	return browser.Options{
		ChromePath: opts.BrowserChromePath,
		ProfileDir: opts.BrowserProfileDir,
		Display:    opts.BrowserDisplay,
		ExtraFlags: extra,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
