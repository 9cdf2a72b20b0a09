// Package statetable is the cross-process map of desired user/service
// state: the only mutable resource shared between the main daemon and its
// API worker goroutine. It is built on net/rpc + encoding/gob over a UNIX
// socket: one process binds the socket and serves it, every process
// (including the binder) talks to it as a client.
package statetable

import (
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"sync"
	"time"

	"github.com/bypasshub/control-plane/internal/errs"
)

// Reason names why the next desired transition for a user exists.
type Reason string

const (
	ReasonUpdatedPlan     Reason = "updated plan"
	ReasonExpiredPlan     Reason = "expired plan"
	ReasonReservedPlan    Reason = "reserved plan activated"
	ReasonSynchronization Reason = "database synchronization"
	ReasonZombieUser      Reason = "user doesn't exist on database"
)

// ServiceState is the observed result of the most recent Reconciler apply
// against one service — never a desire, always a fact.
type ServiceState int

const (
	ServiceUnknown ServiceState = iota
	ServiceDeleted
	ServiceAdded
)

// UserState is the per-username row of the shared table.
type UserState struct {
	Synced         bool
	HasActivePlan  bool
	Services       map[string]ServiceState
}

func newUserState() UserState {
	return UserState{Services: make(map[string]ServiceState)}
}

// reservedName is a key that can never collide with a real username. No
// method uses it: the table keeps no table-wide lock under it, only the
// per-username locks handed out by lockFor.
const reservedName = "_global_lock"

// clientRetryDelay is the backoff between connection attempts while a
// client waits for the server side to come up.
const clientRetryDelay = time.Millisecond

// store is the data served by the RPC server: registered under Service's
// methods so both the binder and remote clients go through the same path.
type store struct {
	mu      sync.Mutex
	reasons map[string]Reason
	users   map[string]UserState

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func newStore() *store {
	return &store{
		reasons: make(map[string]Reason),
		users:   make(map[string]UserState),
		locks:   make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-username cross-process lock, creating it on
// first use. The returned mutex is shared by every connected client, so
// locking it from an RPC handler blocks every other caller contending for
// the same username across every process.
func (st *store) lockFor(username string) *sync.Mutex {
	st.locksMu.Lock()
	defer st.locksMu.Unlock()
	mu, ok := st.locks[username]
	if !ok {
		mu = &sync.Mutex{}
		st.locks[username] = mu
	}
	return mu
}

// Service is the net/rpc-exported type backing the synchronizer server.
// Every method takes and returns gob-encodable values only.
type Service struct {
	authKey string
	store   *store
}

type AuthenticatedRequest[T any] struct {
	AuthKey string
	Payload T
}

func (s *Service) checkAuth(key string) error {
	if key != s.authKey {
		return fmt.Errorf("statetable: authentication failed")
	}
	return nil
}

type GetUserArgs = AuthenticatedRequest[string]

func (s *Service) GetUser(args GetUserArgs, reply *UserState) error {
	if err := s.checkAuth(args.AuthKey); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	state, ok := s.store.users[args.Payload]
	if !ok {
		state = newUserState()
	}
	*reply = state
	return nil
}

type SetUserArgs = AuthenticatedRequest[setUserPayload]

type setUserPayload struct {
	Username string
	State    UserState
}

func (s *Service) SetUser(args SetUserArgs, reply *struct{}) error {
	if err := s.checkAuth(args.AuthKey); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.users[args.Payload.Username] = args.Payload.State
	return nil
}

type DeleteUserArgs = AuthenticatedRequest[string]

func (s *Service) DeleteUser(args DeleteUserArgs, reply *struct{}) error {
	if err := s.checkAuth(args.AuthKey); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	delete(s.store.users, args.Payload)
	delete(s.store.reasons, args.Payload)
	return nil
}

type GetReasonArgs = AuthenticatedRequest[string]
type GetReasonReply struct {
	Reason Reason
	Found  bool
}

func (s *Service) GetReason(args GetReasonArgs, reply *GetReasonReply) error {
	if err := s.checkAuth(args.AuthKey); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	reason, ok := s.store.reasons[args.Payload]
	reply.Reason = reason
	reply.Found = ok
	return nil
}

type SetReasonArgs = AuthenticatedRequest[setReasonPayload]
type setReasonPayload struct {
	Username string
	Reason   Reason
}

func (s *Service) SetReason(args SetReasonArgs, reply *struct{}) error {
	if err := s.checkAuth(args.AuthKey); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.reasons[args.Payload.Username] = args.Payload.Reason
	return nil
}

func (s *Service) ClearReason(args DeleteUserArgs, reply *struct{}) error {
	if err := s.checkAuth(args.AuthKey); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	delete(s.store.reasons, args.Payload)
	return nil
}

// LockArgs names the username whose cross-process lock is being taken or
// released.
type LockArgs = AuthenticatedRequest[string]

// LockUser blocks the calling goroutine (spawned per-RPC by net/rpc, so
// this never stalls the listener or other callers' requests) until
// username's cross-process lock is free, then holds it. This is the real
// mutual exclusion between OS processes the two-level locking discipline
// requires: the in-process cooperative lock alone only serializes callers
// within one process.
func (s *Service) LockUser(args LockArgs, reply *struct{}) error {
	if err := s.checkAuth(args.AuthKey); err != nil {
		return err
	}
	s.store.lockFor(args.Payload).Lock()
	return nil
}

// UnlockUser releases username's cross-process lock. The caller must hold
// it (via a prior successful LockUser call on the same username).
func (s *Service) UnlockUser(args LockArgs, reply *struct{}) error {
	if err := s.checkAuth(args.AuthKey); err != nil {
		return err
	}
	s.store.lockFor(args.Payload).Unlock()
	return nil
}

type ListUsernamesArgs = AuthenticatedRequest[struct{}]

func (s *Service) ListUsernames(args ListUsernamesArgs, reply *[]string) error {
	if err := s.checkAuth(args.AuthKey); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	usernames := make([]string, 0, len(s.store.users))
	for username := range s.store.users {
		usernames = append(usernames, username)
	}
	*reply = usernames
	return nil
}

// Server owns the UNIX socket listener backing the synchronizer, exactly
// one instance per deployment.
type Server struct {
	socketPath string
	listener   net.Listener
	service    *Service
	rpcServer  *rpc.Server
	done       chan struct{}
}

// NewServer binds the synchronizer's UNIX socket. Any stale socket file
// from a previous session is removed first.
func NewServer(socketPath, authKey string) (*Server, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("statetable: removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("statetable: binding socket: %w", err)
	}

	svc := &Service{authKey: authKey, store: newStore()}
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName("State", svc); err != nil {
		listener.Close()
		return nil, fmt.Errorf("statetable: registering service: %w", err)
	}

	return &Server{
		socketPath: socketPath,
		listener:   listener,
		service:    svc,
		rpcServer:  rpcServer,
		done:       make(chan struct{}),
	}, nil
}

// Serve accepts connections until Close is called. Intended to run in its
// own goroutine.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.rpcServer.ServeConn(conn)
	}
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	close(s.done)
	err := s.listener.Close()
	os.Remove(s.socketPath)
	return err
}

// Client is a connection to the synchronizer server, used by both the main
// daemon (talking to its own server over the loopback socket) and the
// CLI commands, each run as a separate process.
type Client struct {
	socketPath string
	authKey    string

	mu   sync.Mutex
	conn *rpc.Client

	cooperative sync.Map // username -> *sync.Mutex, the in-process lock
}

// NewClient constructs a client bound to socketPath; call Connect before
// use.
func NewClient(socketPath, authKey string) *Client {
	return &Client{socketPath: socketPath, authKey: authKey}
}

// Connect dials the synchronizer server, retrying for up to timeout. When
// skipRetry is set, it attempts once and returns without error so the
// caller can degrade quietly (the mechanism that lets the API worker serve
// read-only endpoints while the main daemon is down).
func (c *Client) Connect(timeout time.Duration, skipRetry bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	if timeout <= 0 {
		return fmt.Errorf("statetable: timeout must be greater than zero")
	}

	deadline := time.Now().Add(timeout)
	for {
		conn, err := rpc.Dial("unix", c.socketPath)
		if err == nil {
			c.conn = conn
			return nil
		}
		if skipRetry {
			return nil
		}
		if time.Now().After(deadline) {
			return errs.StateSynchronizerTimeout(errs.WithCause(err))
		}
		time.Sleep(clientRetryDelay)
	}
}

func (c *Client) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) call(serviceMethod string, args, reply any, silent bool) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		if silent {
			return nil
		}
		return errs.StateSynchronizerTimeout(errors.New("not connected"))
	}
	if err := conn.Call("State."+serviceMethod, args, reply); err != nil {
		if silent {
			return nil
		}
		return errs.StateSynchronizerTimeout(errs.WithCause(err))
	}
	return nil
}

// GetUser fetches the current observed UserState for username.
func (c *Client) GetUser(username string, silent bool) (UserState, error) {
	var reply UserState
	err := c.call("GetUser", GetUserArgs{AuthKey: c.authKey, Payload: username}, &reply, silent)
	return reply, err
}

// SetUser replaces the observed UserState for username.
func (c *Client) SetUser(username string, state UserState, silent bool) error {
	return c.call("SetUser", SetUserArgs{AuthKey: c.authKey, Payload: setUserPayload{username, state}}, &struct{}{}, silent)
}

// DeleteUser removes the username's state and reason entries entirely
// ("permanently" delete, ).
func (c *Client) DeleteUser(username string, silent bool) error {
	return c.call("DeleteUser", DeleteUserArgs{AuthKey: c.authKey, Payload: username}, &struct{}{}, silent)
}

// GetReason returns the pending transition reason for username, if any.
func (c *Client) GetReason(username string, silent bool) (Reason, bool, error) {
	var reply GetReasonReply
	err := c.call("GetReason", GetReasonArgs{AuthKey: c.authKey, Payload: username}, &reply, silent)
	return reply.Reason, reply.Found, err
}

// SetReason records why username is pending a transition.
func (c *Client) SetReason(username string, reason Reason, silent bool) error {
	return c.call("SetReason", SetReasonArgs{AuthKey: c.authKey, Payload: setReasonPayload{username, reason}}, &struct{}{}, silent)
}

// ClearReason drops username's pending transition reason.
func (c *Client) ClearReason(username string, silent bool) error {
	return c.call("ClearReason", DeleteUserArgs{AuthKey: c.authKey, Payload: username}, &struct{}{}, silent)
}

// ListUsernames returns every username currently tracked in the table.
func (c *Client) ListUsernames(silent bool) ([]string, error) {
	var reply []string
	err := c.call("ListUsernames", ListUsernamesArgs{AuthKey: c.authKey}, &reply, silent)
	return reply, err
}

// Close releases the client's connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Lock is the scoped resource returned by Client.AcquireUserLock; it
// releases both the in-process and cross-process locks, in reverse
// acquisition order, on every exit path.
type Lock struct {
	client      *Client
	username    string
	cooperative *sync.Mutex
}

// AcquireUserLock takes the in-process cooperative lock for username
// first, then the cross-process lock via the synchronizer's LockUser RPC —
// the two-level locking rule: acquiring the in-process lock before any
// suspension point (the RPC call blocks until the cross-process lock is
// free, which is itself a suspension point) prevents a cooperative task
// switch during cross-process lock acquisition from deadlocking the peer
// set. When silent is set and the synchronizer is unreachable, the
// cross-process half degrades to a no-op (matching every other silent
// StateTable call) rather than failing the caller.
func (c *Client) AcquireUserLock(username string, silent bool) (*Lock, error) {
	value, _ := c.cooperative.LoadOrStore(username, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()

	if err := c.call("LockUser", LockArgs{AuthKey: c.authKey, Payload: username}, &struct{}{}, silent); err != nil {
		mu.Unlock()
		return nil, err
	}
	return &Lock{client: c, username: username, cooperative: mu}, nil
}

// Release releases both locks, cross-process first, in reverse acquisition
// order. Safe to call exactly once. The cross-process release is
// best-effort: a deferred Release must not fail the caller, so any
// UnlockUser error is swallowed the same way a silent call would be.
func (l *Lock) Release() {
	defer l.cooperative.Unlock()
	_ = l.client.call("UnlockUser", LockArgs{AuthKey: l.client.authKey, Payload: l.username}, &struct{}{}, true)
}
