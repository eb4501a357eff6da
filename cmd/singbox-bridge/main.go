package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"singbox-bridge/internal/bridge"
	"singbox-bridge/internal/core"
	"singbox-bridge/internal/engine/process"
	"singbox-bridge/internal/ipc"
	"singbox-bridge/internal/rules"
	"singbox-bridge/internal/servers"
	"singbox-bridge/internal/session"
	"singbox-bridge/internal/settings"
	"singbox-bridge/internal/stats"
	"singbox-bridge/internal/storage"
	"singbox-bridge/internal/tunnel"
)

// Build info, injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("singbox-bridge %s (commit=%s, built=%s)\n", version, commit, buildDate)
		return
	}

	if err := run(resolveRelativeToExe(*configPath)); err != nil {
		core.Log.Fatalf("Core", "Fatal: %v", err)
	}
}

func run(configPath string) error {
	// === 1. Config and logging ===
	bus := core.NewEventBus()
	cfgManager := core.NewConfigManager(configPath, bus)
	if err := cfgManager.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgManager.Get()
	core.Log = core.NewLogger(cfg.Logging)
	bus.Subscribe(core.EventConfigReloaded, func(core.Event) {
		core.Log.Reconfigure(cfgManager.Get().Logging)
	})
	core.Log.Infof("Core", "singbox-bridge %s starting (config=%s)", version, configPath)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lock, err := core.AcquireInstanceLock(filepath.Join(cfg.DataDir, "bridge.lock"))
	if err != nil {
		return err
	}
	defer lock.Release()

	// === 2. Storage and stores ===
	db, err := storage.Open(filepath.Join(cfg.DataDir, "bridge.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	ruleStore, err := rules.NewStore(db, bus)
	if err != nil {
		return err
	}
	settingsStore := settings.NewStore(db, bus)
	serverManager := servers.NewManager(db, settingsStore, bus)

	// === 3. Tunnel platform and engine ===
	workDir := filepath.Join(cfg.DataDir, "engine")
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return fmt.Errorf("create engine dir: %w", err)
	}
	builder := tunnel.NewBuilder(ruleStore, settingsStore, tunnel.AnyApp,
		tunnel.Capabilities{ExcludeRoute: true, HTTPProxy: true})
	platform := tunnel.NewPlatform(builder, tunnel.EngineManagedDevice, bus,
		tunnel.PlatformOptions{
			CABundle:        cfg.Engine.CABundle,
			MonitorInterval: cfg.Engine.MonitorIntervalDuration(),
		})
	eng := process.New(process.Options{
		Binary:        cfg.Engine.Binary,
		Args:          cfg.Engine.Args,
		WorkDir:       workDir,
		ClashAPI:      cfg.Engine.ClashAPI,
		Secret:        cfg.Engine.Secret,
		DelayURL:      cfg.Engine.DelayURL,
		DelayInterval: cfg.Engine.DelayIntervalDuration(),
	})

	// === 4. Session and command surface ===
	ctrl := session.NewController(eng, platform, stats.NewSampler(), bus,
		session.Config{StatsInterval: cfg.Session.StatsIntervalDuration()})
	svc := bridge.New(bridge.Deps{
		Controller: ctrl,
		Rules:      ruleStore,
		Settings:   settingsStore,
		Servers:    serverManager,
		Proxy:      platform,
		Bus:        bus,
	}, bridge.ConfigFrom(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	// === 5. IPC ===
	tracker := ipc.NewConnTracker(cfg.IPC.GracePeriodDuration(), func() {
		if !cfgManager.Get().IPC.StopWhenIdle {
			return
		}
		core.Log.Infof("Core", "No clients left, disconnecting")
		dctx, dcancel := context.WithTimeout(ctx, shutdownTimeout)
		defer dcancel()
		if err := svc.Disconnect(dctx); err != nil {
			core.Log.Warnf("Core", "Idle disconnect: %v", err)
		}
	})
	server := ipc.NewServer(cfg.IPC.Socket, ipc.NewHandler(svc, version), tracker.ServerOptions()...)
	ln, err := server.Listen()
	if err != nil {
		return err
	}

	// === 6. Run until signalled ===
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ln)
	})
	g.Go(func() error {
		return waitForSignals(gctx, cfgManager, svc)
	})
	g.Go(func() error {
		<-gctx.Done()
		core.Log.Infof("Core", "Shutting down...")
		tracker.CancelGrace()
		server.Stop()
		return nil
	})

	runErr := g.Wait()

	// === Graceful shutdown ===
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := svc.Close(sctx); err != nil {
		core.Log.Warnf("Core", "Session did not stop cleanly: %v", err)
	}
	core.Log.Infof("Core", "Shutdown complete.")
	if errors.Is(runErr, errShutdown) {
		return nil
	}
	return runErr
}

var errShutdown = errors.New("shutdown requested")

// waitForSignals reloads on SIGHUP and returns errShutdown on SIGINT or
// SIGTERM so the errgroup winds down.
func waitForSignals(ctx context.Context, cfgManager *core.ConfigManager, svc *bridge.Service) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sig)
	core.Log.Infof("Core", "Running. Press Ctrl+C to stop.")

	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-sig:
			if s != syscall.SIGHUP {
				return errShutdown
			}
			core.Log.Infof("Core", "SIGHUP: reloading config and session")
			if err := cfgManager.Load(); err != nil {
				core.Log.Warnf("Core", "Reload config: %v", err)
				continue
			}
			if err := svc.Reload(ctx); err != nil {
				core.Log.Warnf("Core", "Reload session: %v", err)
			}
		}
	}
}

// resolveRelativeToExe resolves a relative path against the directory
// containing the running executable. Absolute paths are returned unchanged.
func resolveRelativeToExe(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}
