package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bypasshub/control-plane/internal/adapter"
	"github.com/bypasshub/control-plane/internal/config"
	"github.com/bypasshub/control-plane/internal/lifecycle"
	"github.com/bypasshub/control-plane/internal/monitor"
	"github.com/bypasshub/control-plane/internal/statetable"
)

// runDaemon implements startup ordering: acquire the
// single-instance lock, initialize logging, start the StateTable server,
// publish the user list before anything waits on it, start the Monitor,
// then optionally the periodic backup. On SIGINT/SIGTERM the Cleanup
// handler releases the lock and closes the StateTable server, in that
// order, then stops the Monitor and the periodic backup concurrently.
func runDaemon(configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.Main.TempPath, 0o755); err != nil {
		return fmt.Errorf("creating temp directory: %w", err)
	}
	lock, err := lifecycle.AcquireLock(filepath.Join(cfg.Main.TempPath, "lock"))
	if err != nil {
		return err
	}

	app, err := openApp(configPath, debug, true)
	if err != nil {
		return err
	}
	log := app.log
	defer app.close()

	cleanup := lifecycle.New(log)
	cleanup.Add("instance-lock", lock.Release)

	server, err := statetable.NewServer(filepath.Join(app.cfg.Main.TempPath, "manager.sock"), app.cfg.API.Key)
	if err != nil {
		return fmt.Errorf("starting state synchronizer: %w", err)
	}
	go server.Serve()
	cleanup.Add("state-synchronizer", server.Close)

	// The daemon is its own first StateTable client: reconnect now that the
	// server it was waiting on (possibly itself) exists.
	timeout := time.Duration(app.cfg.Main.ServiceTimeout) * time.Second
	if err := app.table.Connect(timeout, false); err != nil {
		return err
	}

	if err := app.cat.GenerateList(); err != nil {
		return fmt.Errorf("generating user list: %w", err)
	}

	if app.reconciler == nil {
		return fmt.Errorf("daemon: no service is enabled for managing")
	}

	mon, err := monitor.New(app.reconciler, app.cat, app.services, app.table, monitor.Config{
		Interval:     time.Duration(app.cfg.Main.MonitorInterval) * time.Second,
		PassiveSteps: app.cfg.Main.MonitorPassiveSteps,
		Zombies:      app.cfg.Main.MonitorZombies,
	}, log)
	if err != nil {
		return fmt.Errorf("constructing monitor: %w", err)
	}
	mon.Start()
	cleanup.AddAsync("monitor", func() error {
		mon.Stop(false)
		return nil
	})

	if app.cfg.Database.BackupInterval > 0 {
		app.cat.StartBackup(time.Duration(app.cfg.Database.BackupInterval) * time.Second)
		cleanup.AddAsync("database-backup", func() error {
			app.cat.StopBackup()
			return nil
		})
	}

	log.Infow("control plane is started", "services", serviceNames(app.services))
	cleanup.Listen()

	// The process now idles until a signal fires the registered cleanup and
	// exits, per lifecycle.Cleanup's contract.
	select {}
}

func serviceNames(services []adapter.ServiceAdapter) []string {
	names := make([]string, len(services))
	for i, svc := range services {
		names[i] = svc.Name()
	}
	return names
}
