// Package monitor drives the Reconciler on a timer: an active loop per
// enabled service that polls traffic and enforces quota/expiry, and a
// passive loop that performs a full sync() every few ticks.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bypasshub/control-plane/internal/adapter"
	"github.com/bypasshub/control-plane/internal/catalog"
	"github.com/bypasshub/control-plane/internal/catalogtypes"
	"github.com/bypasshub/control-plane/internal/errs"
	"github.com/bypasshub/control-plane/internal/reconciler"
	"github.com/bypasshub/control-plane/internal/statetable"
)

// Config configures a Monitor.
type Config struct {
	Interval     time.Duration
	PassiveSteps int
	Zombies      bool
}

// Monitor is the periodic reconciliation driver.
type Monitor struct {
	reconciler *reconciler.Reconciler
	catalog    *catalog.Catalog
	services   []adapter.ServiceAdapter
	table      *statetable.Client
	cfg        Config
	log        *zap.SugaredLogger

	mu     sync.Mutex
	stop   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	tick   int

	statusMu sync.Mutex
	status   map[string]*disconnection
}

// disconnection records when a service was last observed unreachable, so
// the next successful tick can log the outage's duration.
type disconnection struct {
	since time.Time
}

// New constructs a Monitor over the given services.
func New(rec *reconciler.Reconciler, cat *catalog.Catalog, services []adapter.ServiceAdapter, table *statetable.Client, cfg Config, log *zap.SugaredLogger) (*Monitor, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("monitor: interval must be greater than zero")
	}
	if cfg.PassiveSteps <= 0 {
		cfg.PassiveSteps = 1
	}
	return &Monitor{
		reconciler: rec,
		catalog:    cat,
		services:   services,
		table:      table,
		cfg:        cfg,
		log:        log,
		status:     make(map[string]*disconnection),
	}, nil
}

// Start launches the monitor loop in its own goroutine.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.runTick(ctx)
			select {
			case <-m.stop:
				return
			default:
			}
		}
	}
}

func (m *Monitor) runTick(ctx context.Context) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []error

	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	}

	for _, svc := range m.services {
		wg.Add(1)
		go func(svc adapter.ServiceAdapter) {
			defer wg.Done()
			err := m.activeTick(ctx, svc)
			m.trackConnectivity(svc.Name(), err)
			if err != nil && !isServiceTimeout(err) {
				record(err)
			}
		}(svc)
	}

	m.tick++
	runPassive := m.tick%m.cfg.PassiveSteps == 0
	if runPassive {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.reconciler.Sync(ctx)
			if err != nil && errs.Is(err, errs.KindStateSynchronizerTimeout) {
				m.log.Warnw("state synchronizer unreachable during sync", "error", err)
				return
			}
			record(err)
		}()
	}

	wg.Wait()

	for _, err := range failures {
		m.log.Warnw("monitor tick failure", "error", err)
	}
}

func isServiceTimeout(err error) bool {
	return errs.Is(err, errs.KindProxyTimeout) || errs.Is(err, errs.KindVPNTimeout)
}

// trackConnectivity flips a service's connectivity status on timeout/
// recovery transitions, logging the outage duration once the service
// answers again. Non-timeout errors and steady states are no-ops.
func (m *Monitor) trackConnectivity(service string, err error) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	down, wasDown := m.status[service]
	switch {
	case isServiceTimeout(err):
		if !wasDown {
			m.status[service] = &disconnection{since: time.Now()}
			m.log.Errorw("service disconnected", "service", service, "error", err)
		}
	case wasDown:
		delete(m.status, service)
		m.log.Infow("service reconnected", "service", service, "outage", time.Since(down.since).String())
	}
}

// activeTick polls one service's traffic usage and reflects debits and
// expiry onto the catalog, active-loop algorithm.
func (m *Monitor) activeTick(ctx context.Context, svc adapter.ServiceAdapter) error {
	usage, err := svc.UsersTrafficUsage(ctx, true)
	if err != nil {
		return fmt.Errorf("%s: %w", svc.Name(), err)
	}

	for username, traffic := range usage {
		exists, err := m.catalog.IsExist(username)
		if err != nil {
			return err
		}
		if !exists {
			if m.cfg.Zombies {
				if err := m.handleZombie(ctx, svc, username, traffic); err != nil {
					return err
				}
			}
			continue
		}

		sessionUsage := traffic.Total()
		plan, err := m.catalog.GetPlan(username)
		if err != nil {
			return err
		}

		if !plan.UnlimitedTraffic() && sessionUsage > 0 {
			if err := m.debit(username, plan, traffic); err != nil {
				return err
			}
		}

		if err := m.reevaluate(ctx, username); err != nil {
			return err
		}
	}
	return nil
}

// handleZombie deletes a user present in svc but absent from the catalog
// and not yet tracked in the StateTable. The deletion is logged unless the
// zombie is still generating bytes this tick (a stale session still
// flushing its last counters rather than a true orphan) — the spec's
// variant-specific Proxy/VPN zombie-logging distinction unified behind one
// quiet-when-bytes-seen rule, per spec.md §9 Open Question (a).
func (m *Monitor) handleZombie(ctx context.Context, svc adapter.ServiceAdapter, username string, traffic catalogtypes.Traffic) error {
	state, err := m.table.GetUser(username, true)
	if err != nil {
		return err
	}
	if state.Services[svc.Name()] != statetable.ServiceUnknown {
		return nil
	}
	if traffic.Total() == 0 {
		m.log.Infow("deleting zombie user", "username", username, "service", svc.Name())
	}
	return svc.DeleteUser(ctx, username)
}

// debit applies a traffic session's usage to the plan's traffic and extra
// traffic counters, splitting across the two when the plan's base traffic
// is exhausted mid-session. The catalog write happens synchronously here,
// before any further suspension point, so the accounting survives
// cancellation.
func (m *Monitor) debit(username string, plan catalogtypes.Plan, traffic catalogtypes.Traffic) error {
	sessionUsage := traffic.Total()
	addedUsage := sessionUsage
	var addedExtra int64

	if plan.ExtraTraffic > 0 && plan.TrafficUsage+sessionUsage > *plan.Traffic {
		addedUsage = *plan.Traffic - plan.TrafficUsage
		if addedUsage < 0 {
			addedUsage = 0
		}
		addedExtra = sessionUsage - addedUsage
	}

	return m.catalog.UpdateTraffic(username, addedUsage, addedExtra, traffic.Uplink, traffic.Downlink)
}

func (m *Monitor) reevaluate(ctx context.Context, username string) error {
	active, err := m.catalog.HasActivePlan(username)
	if err != nil {
		return err
	}
	if active {
		return nil
	}
	activated, err := m.catalog.ActivateReservedPlan(username)
	if err != nil {
		return err
	}
	if activated {
		return nil
	}
	return m.reconciler.Delete(ctx, username, statetable.ReasonExpiredPlan, false, true)
}

// Stop ends the monitor loop. When force is false, an in-flight tick is
// allowed to drain (its adapter calls keep their own context) before the
// loop exits; force cancels the shared context immediately, aborting any
// in-flight adapter calls too.
func (m *Monitor) Stop(force bool) {
	m.mu.Lock()
	cancel := m.cancel
	stop := m.stop
	done := m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	close(stop)
	if force {
		cancel()
	}
	<-done
	cancel()
}
