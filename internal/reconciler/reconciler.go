// Package reconciler applies desired-state transitions to the enabled
// ServiceAdapters under the StateTable's locks and records the observed
// outcome. It is the only component that touches both services and state.
package reconciler

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bypasshub/control-plane/internal/adapter"
	"github.com/bypasshub/control-plane/internal/catalog"
	"github.com/bypasshub/control-plane/internal/catalogtypes"
	"github.com/bypasshub/control-plane/internal/errs"
	"github.com/bypasshub/control-plane/internal/statetable"
)

// Reconciler owns the catalog, the enabled service adapters, and the
// StateTable client used to record reconciliation outcomes.
type Reconciler struct {
	catalog  *catalog.Catalog
	services []adapter.ServiceAdapter
	table    *statetable.Client
	log      *zap.SugaredLogger
}

// New constructs a Reconciler. At least one service must be enabled.
func New(cat *catalog.Catalog, services []adapter.ServiceAdapter, table *statetable.Client, log *zap.SugaredLogger) (*Reconciler, error) {
	if len(services) == 0 {
		return nil, fmt.Errorf("reconciler: no service is enabled for managing")
	}
	return &Reconciler{catalog: cat, services: services, table: table, log: log}, nil
}

// serviceResult is the per-service outcome of an add/delete attempt.
type serviceResult struct {
	service adapter.ServiceAdapter
	state   statetable.ServiceState
	err     error
}

// Add reconciles username into every enabled service and records the
// outcome.
func (r *Reconciler) Add(ctx context.Context, username string, creds catalogtypes.Credentials, reason statetable.Reason, silent bool) error {
	lock, err := r.table.AcquireUserLock(username, silent)
	if err != nil {
		return err
	}
	defer lock.Release()

	state, err := r.table.GetUser(username, silent)
	if err != nil {
		return err
	}
	if state.Services == nil {
		state.Services = make(map[string]statetable.ServiceState)
	}

	results := r.parallel(func(svc adapter.ServiceAdapter) serviceResult {
		if state.Services[svc.Name()] == statetable.ServiceAdded {
			return serviceResult{service: svc, state: statetable.ServiceAdded}
		}
		err := svc.AddUser(ctx, creds)
		if err != nil && errs.Is(err, errs.KindUserExist) {
			r.log.Debugw("tried to add existent user to service", "username", username, "service", svc.Name())
			err = nil
		}
		if err != nil {
			return serviceResult{service: svc, err: err}
		}
		if reason != "" {
			r.log.Infow("added user to service", "username", username, "service", svc.Name(), "reason", reason)
		}
		return serviceResult{service: svc, state: statetable.ServiceAdded}
	})

	var failures []error
	for _, res := range results {
		if res.err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", res.service.Name(), res.err))
			continue
		}
		state.Services[res.service.Name()] = res.state
	}

	if group := errs.NewGroup(errs.GroupMessage, failures); group != nil {
		return group
	}

	state.Synced = true
	state.HasActivePlan = true
	if err := r.table.SetUser(username, state, silent); err != nil {
		return err
	}
	return r.table.ClearReason(username, silent)
}

// Delete reconciles username's removal from every enabled service. When
// permanently is set, the StateTable entry and reason are dropped too.
func (r *Reconciler) Delete(ctx context.Context, username string, reason statetable.Reason, permanently, silent bool) error {
	lock, err := r.table.AcquireUserLock(username, silent)
	if err != nil {
		return err
	}
	defer lock.Release()

	state, err := r.table.GetUser(username, silent)
	if err != nil {
		return err
	}
	if state.Services == nil {
		state.Services = make(map[string]statetable.ServiceState)
	}

	results := r.parallel(func(svc adapter.ServiceAdapter) serviceResult {
		if state.Services[svc.Name()] == statetable.ServiceDeleted {
			return serviceResult{service: svc, state: statetable.ServiceDeleted}
		}
		err := svc.DeleteUser(ctx, username)
		if err != nil && errs.Is(err, errs.KindUserNotExist) {
			r.log.Debugw("tried to remove non-existent user from service", "username", username, "service", svc.Name())
			err = nil
		}
		if err != nil {
			return serviceResult{service: svc, err: err}
		}
		if reason != "" {
			r.log.Infow("removed user from service", "username", username, "service", svc.Name(), "reason", reason)
		}
		return serviceResult{service: svc, state: statetable.ServiceDeleted}
	})

	var failures []error
	for _, res := range results {
		if res.err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", res.service.Name(), res.err))
			continue
		}
		state.Services[res.service.Name()] = res.state
	}

	if group := errs.NewGroup(errs.GroupMessage, failures); group != nil {
		return group
	}

	if permanently {
		if err := r.table.DeleteUser(username, silent); err != nil {
			return err
		}
		return nil
	}

	state.Synced = true
	state.HasActivePlan = false
	if err := r.table.SetUser(username, state, silent); err != nil {
		return err
	}
	return r.table.ClearReason(username, silent)
}

func (r *Reconciler) parallel(fn func(adapter.ServiceAdapter) serviceResult) []serviceResult {
	results := make([]serviceResult, len(r.services))
	var wg sync.WaitGroup
	for i, svc := range r.services {
		wg.Add(1)
		go func(i int, svc adapter.ServiceAdapter) {
			defer wg.Done()
			results[i] = fn(svc)
		}(i, svc)
	}
	wg.Wait()
	return results
}

// AddUser creates the user on the catalog, then reflects it to the
// services. Per the ordering contract, the catalog write happens first; on
// service-transition failure without force the catalog change is rolled
// back and the original error returned, with force it is retained and a
// SynchronizationError carrying the credentials is returned instead.
func (r *Reconciler) AddUser(ctx context.Context, username string, force bool) (catalogtypes.Credentials, error) {
	creds, err := r.catalog.AddUser(username)
	if err != nil {
		return catalogtypes.Credentials{}, err
	}

	if err := r.Add(ctx, creds.Username, creds, "", false); err != nil {
		if !force {
			_ = r.catalog.DeleteUser(creds.Username)
			_ = r.Delete(ctx, creds.Username, "", true, true)
			r.log.Errorw("failed to create user", "username", creds.Username)
			return catalogtypes.Credentials{}, err
		}
		syncErr := errs.SynchronizationError(
			fmt.Sprintf("failed to add user %q to the services", creds.Username),
			err,
			errs.WithPayload(creds),
		)
		r.log.Warnw("synchronization error", "error", syncErr)
		return creds, syncErr
	}

	r.log.Infow("user is created", "username", creds.Username)
	return creds, nil
}

// DeleteUser removes the user from the services then the catalog, with the
// same force semantics as AddUser but in reverse (service transition
// happens before the catalog delete is committed).
func (r *Reconciler) DeleteUser(ctx context.Context, username string, force bool) error {
	username, err := catalog.ValidateUsername(username)
	if err != nil {
		return err
	}
	exists, err := r.catalog.IsExist(username)
	if err != nil {
		return err
	}
	if !exists {
		return errs.UserNotExist(username)
	}

	if err := r.Delete(ctx, username, "", true, false); err != nil {
		if !force {
			if creds, credsErr := r.catalog.GetCredentials(username); credsErr == nil {
				_ = r.Add(ctx, username, creds, "", true)
			}
			r.log.Errorw("failed to delete user", "username", username)
			return err
		}
		syncErr := errs.SynchronizationError(
			fmt.Sprintf("failed to delete user %q from the services", username), err,
		)
		r.log.Warnw("synchronization error", "error", syncErr)
		if delErr := r.catalog.DeleteUser(username); delErr != nil {
			return delErr
		}
		r.log.Infow("user is deleted", "username", username)
		return syncErr
	}

	if err := r.catalog.DeleteUser(username); err != nil {
		return err
	}
	r.log.Infow("user is deleted", "username", username)
	return nil
}

// Sync performs a full reconciliation between the catalog and the
// StateTable/services. Returns whether any transition fired.
func (r *Reconciler) Sync(ctx context.Context) (bool, error) {
	synced := false

	stateUsernames, err := r.table.ListUsernames(false)
	if err != nil {
		return false, err
	}
	catalogUsernames, err := r.catalog.Usernames()
	if err != nil {
		return false, err
	}
	inCatalog := make(map[string]bool, len(catalogUsernames))
	for _, u := range catalogUsernames {
		inCatalog[u] = true
	}

	for _, username := range stateUsernames {
		if inCatalog[username] {
			continue
		}
		if err := r.Delete(ctx, username, statetable.ReasonSynchronization, true, false); err != nil {
			return synced, err
		}
		synced = true
	}

	for _, username := range catalogUsernames {
		if err := r.syncOne(ctx, username, &synced); err != nil {
			return synced, err
		}
	}

	if synced {
		if err := r.catalog.GenerateList(); err != nil {
			return synced, err
		}
	}
	return synced, nil
}

func (r *Reconciler) syncOne(ctx context.Context, username string, synced *bool) error {
	state, err := r.table.GetUser(username, false)
	if err != nil {
		return err
	}
	hasActivePlan, err := r.catalog.HasActivePlan(username)
	if err != nil {
		return err
	}

	if state.Synced {
		switch {
		case state.HasActivePlan && !hasActivePlan:
			activated, err := r.catalog.ActivateReservedPlan(username)
			if err != nil {
				return err
			}
			if activated {
				if err := r.table.SetReason(username, statetable.ReasonReservedPlan, false); err != nil {
					return err
				}
				creds, err := r.catalog.GetCredentials(username)
				if err != nil {
					return err
				}
				if err := r.Add(ctx, username, creds, statetable.ReasonReservedPlan, false); err != nil {
					return err
				}
			} else {
				if err := r.Delete(ctx, username, statetable.ReasonExpiredPlan, false, false); err != nil {
					return err
				}
			}
			*synced = true
		case !state.HasActivePlan && hasActivePlan:
			reason, found, err := r.table.GetReason(username, false)
			if err != nil {
				return err
			}
			if !found || reason == "" {
				reason = statetable.ReasonUpdatedPlan
			}
			creds, err := r.catalog.GetCredentials(username)
			if err != nil {
				return err
			}
			if err := r.Add(ctx, username, creds, reason, false); err != nil {
				return err
			}
			*synced = true
		default:
			if _, err := r.catalog.ActivateReservedPlan(username); err != nil {
				return err
			}
		}
		return nil
	}

	// State absent or not synced: treat as newly added.
	if hasActivePlan {
		creds, err := r.catalog.GetCredentials(username)
		if err != nil {
			return err
		}
		if err := r.Add(ctx, username, creds, statetable.ReasonSynchronization, false); err != nil {
			return err
		}
		*synced = true
		return nil
	}
	_, err = r.catalog.ActivateReservedPlan(username)
	return err
}
