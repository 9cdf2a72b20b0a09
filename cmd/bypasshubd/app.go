package main

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/bypasshub/control-plane/internal/adapter"
	"github.com/bypasshub/control-plane/internal/catalog"
	"github.com/bypasshub/control-plane/internal/config"
	"github.com/bypasshub/control-plane/internal/logging"
	"github.com/bypasshub/control-plane/internal/reconciler"
	"github.com/bypasshub/control-plane/internal/statetable"
)

// app bundles the components every CLI command and the daemon loop share.
type app struct {
	cfg        *config.Config
	log        *zap.SugaredLogger
	cat        *catalog.Catalog
	table      *statetable.Client
	services   []adapter.ServiceAdapter
	reconciler *reconciler.Reconciler
}

// openApp loads configuration, opens the catalog, connects to the
// StateTable, and builds a Reconciler over the enabled service adapters.
// skipRetry mirrors the original CLI's Manager(skip_retry=True): commands
// should work (against the catalog, at least) even when the daemon isn't
// running.
func openApp(configPath string, debug, skipRetry bool) (*app, error) {
	log, err := logging.New(debug)
	if err != nil {
		return nil, fmt.Errorf("setting up logging: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	cat, err := catalog.Open(catalog.Options{
		Path:           cfg.Database.Path,
		TempPath:       cfg.Main.TempPath,
		MaxUsers:       cfg.Main.MaxUsers,
		MaxActiveUsers: cfg.Main.MaxActiveUsers,
	})
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	table := statetable.NewClient(filepath.Join(cfg.Main.TempPath, "manager.sock"), cfg.API.Key)
	timeout := time.Duration(cfg.Main.ServiceTimeout) * time.Second
	if err := table.Connect(timeout, skipRetry); err != nil {
		cat.Close()
		return nil, fmt.Errorf("connecting to state synchronizer: %w", err)
	}

	services, err := buildServices(cfg, timeout)
	if err != nil {
		cat.Close()
		table.Close()
		return nil, err
	}

	var rec *reconciler.Reconciler
	if len(services) > 0 {
		rec, err = reconciler.New(cat, services, table, log)
		if err != nil {
			cat.Close()
			table.Close()
			return nil, err
		}
	}

	return &app{cfg: cfg, log: log, cat: cat, table: table, services: services, reconciler: rec}, nil
}

func buildServices(cfg *config.Config, timeout time.Duration) ([]adapter.ServiceAdapter, error) {
	var services []adapter.ServiceAdapter
	if cfg.Main.ManageProxy {
		proxy, err := adapter.NewProxy(adapter.ProxyConfig{
			SocketPath:  cfg.Main.ProxyAPISocketPath,
			Domain:      cfg.Main.ProxyDomain,
			Flow:        cfg.Main.ProxyFlow,
			InboundTags: cfg.Main.ProxyInboundTags,
			Timeout:     timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("constructing proxy adapter: %w", err)
		}
		services = append(services, proxy)
	}
	if cfg.Main.ManageVPN {
		vpn, err := adapter.NewVPN(adapter.VPNConfig{
			SocketPath: cfg.Main.VPNBrokerSocketPath,
			Timeout:    timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("constructing vpn adapter: %w", err)
		}
		services = append(services, vpn)
	}
	return services, nil
}

// close releases every resource opened by openApp, logging (but not
// failing on) individual close errors.
func (a *app) close() {
	for _, svc := range a.services {
		if err := svc.Close(); err != nil {
			a.log.Warnw("failed to close service adapter", "service", svc.Name(), "error", err)
		}
	}
	if err := a.table.Close(); err != nil {
		a.log.Warnw("failed to close state synchronizer connection", "error", err)
	}
	if err := a.cat.Close(); err != nil {
		a.log.Warnw("failed to close catalog", "error", err)
	}
	_ = a.log.Sync()
}
