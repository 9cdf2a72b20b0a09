package adapter

import (
	"context"
	"sync"

	"github.com/bypasshub/control-plane/internal/catalogtypes"
	"github.com/bypasshub/control-plane/internal/errs"
)

// Fake is an in-memory ServiceAdapter used by tests in place of the real
// Proxy/VPN transports, the substrate the end-to-end scenarios in spec.md
// §8 assume ("disable real services").
type Fake struct {
	name string

	mu       sync.Mutex
	users    map[string]catalogtypes.Credentials
	usage    map[string]catalogtypes.Traffic
	closed   bool
	addErr   error
	delErr   error
	usageErr error
	calls    []string
}

// NewFake constructs a named Fake adapter with no users and no queued
// errors.
func NewFake(name string) *Fake {
	return &Fake{
		name:  name,
		users: make(map[string]catalogtypes.Credentials),
		usage: make(map[string]catalogtypes.Traffic),
	}
}

func (f *Fake) Name() string { return f.name }

// FailNextAdd queues err to be returned by the next AddUser call.
func (f *Fake) FailNextAdd(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addErr = err
}

// FailNextDelete queues err to be returned by the next DeleteUser call.
func (f *Fake) FailNextDelete(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delErr = err
}

func (f *Fake) AddUser(_ context.Context, creds catalogtypes.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "add:"+creds.Username)
	if f.addErr != nil {
		err := f.addErr
		f.addErr = nil
		return err
	}
	if _, ok := f.users[creds.Username]; ok {
		return errs.UserExist(creds.Username)
	}
	f.users[creds.Username] = creds
	return nil
}

func (f *Fake) DeleteUser(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete:"+username)
	if f.delErr != nil {
		err := f.delErr
		f.delErr = nil
		return err
	}
	if _, ok := f.users[username]; !ok {
		return errs.UserNotExist(username)
	}
	delete(f.users, username)
	return nil
}

// SetTraffic queues a username's reported session traffic for the next
// UsersTrafficUsage call.
func (f *Fake) SetTraffic(username string, traffic catalogtypes.Traffic) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[username] = traffic
}

// FailNextUsage queues err to be returned by the next UsersTrafficUsage call.
func (f *Fake) FailNextUsage(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usageErr = err
}

func (f *Fake) UsersTrafficUsage(_ context.Context, reset bool) (map[string]catalogtypes.Traffic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usageErr != nil {
		err := f.usageErr
		f.usageErr = nil
		return nil, err
	}
	out := make(map[string]catalogtypes.Traffic, len(f.usage))
	for k, v := range f.usage {
		out[k] = v
	}
	if reset {
		f.usage = make(map[string]catalogtypes.Traffic)
	}
	return out, nil
}

// HasUser reports whether username is currently present in the fake's
// added-user set.
func (f *Fake) HasUser(username string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.users[username]
	return ok
}

// Calls returns the ordered list of "add:<user>"/"delete:<user>" calls
// observed so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var _ ServiceAdapter = (*Fake)(nil)
