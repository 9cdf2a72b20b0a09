// Package errs models the error kinds as a single tagged
// value type, translating bypasshub's errors.py BaseError/ExceptionGroup
// pair into idiomatic Go (error interface + Unwrap, instead of exceptions).
package errs

import (
	"fmt"
	"net/http"
	"strings"
)

// Kind is a stable, transport-agnostic identifier for an error category.
type Kind string

const (
	KindInvalidUsername        Kind = "InvalidUsername"
	KindInvalidCredentials     Kind = "InvalidCredentials"
	KindUserExist               Kind = "UserExist"
	KindUserNotExist             Kind = "UserNotExist"
	KindUUIDOverlap              Kind = "UUIDOverlap"
	KindUsersCapacity            Kind = "UsersCapacity"
	KindActiveUsersCapacity      Kind = "ActiveUsersCapacity"
	KindNoTrafficLimit           Kind = "NoTrafficLimit"
	KindNoActivePlan             Kind = "NoActivePlan"
	KindProxyTimeout             Kind = "ProxyTimeout"
	KindVPNTimeout               Kind = "VPNTimeout"
	KindStateSynchronizerTimeout Kind = "StateSynchronizerTimeout"
	KindSynchronizationError     Kind = "SynchronizationError"
	KindUnexpected               Kind = "Unexpected"
)

// GroupMessage is the default message used when aggregating per-service
// add/delete failures into a *Group before wrapping them in
// SynchronizationError.
const GroupMessage = "one or more service transitions failed"

var httpStatus = map[Kind]int{
	KindInvalidUsername:         http.StatusBadRequest,
	KindInvalidCredentials:       http.StatusBadRequest,
	KindUserExist:                http.StatusBadRequest,
	KindUserNotExist:             http.StatusBadRequest,
	KindUUIDOverlap:              http.StatusInternalServerError,
	KindUsersCapacity:            http.StatusBadRequest,
	KindActiveUsersCapacity:      http.StatusBadRequest,
	KindNoTrafficLimit:           http.StatusBadRequest,
	KindNoActivePlan:             http.StatusBadRequest,
	KindProxyTimeout:             http.StatusInternalServerError,
	KindVPNTimeout:               http.StatusInternalServerError,
	KindStateSynchronizerTimeout: http.StatusInternalServerError,
	KindSynchronizationError:     http.StatusInternalServerError,
	KindUnexpected:               http.StatusInternalServerError,
}

// Error is the concrete error value used across the control plane.
type Error struct {
	Kind     Kind
	Message  string
	Cause    error
	Payload  any
	Group    string
	Username string
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	var causes []string
	if group, ok := e.Cause.(*Group); ok {
		for _, c := range group.Errors {
			causes = append(causes, c.Error())
		}
	} else {
		causes = append(causes, e.Cause.Error())
	}
	return fmt.Sprintf("%s due to:\n\t- %s", e.Message, strings.Join(causes, "\n\t- "))
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the HTTP status code associated with the error kind.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Group is an aggregate of independent failures, the Go analogue of
// Python's ExceptionGroup used by errors.py's SynchronizationError.
type Group struct {
	Message string
	Errors  []error
}

func (g *Group) Error() string {
	parts := make([]string, len(g.Errors))
	for i, e := range g.Errors {
		parts[i] = e.Error()
	}
	return fmt.Sprintf("%s: %s", g.Message, strings.Join(parts, "; "))
}

// NewGroup wraps a non-empty slice of errors into a *Group, flattening any
// nested groups, or returns nil when errs is empty.
func NewGroup(message string, errs []error) error {
	var flat []error
	for _, e := range errs {
		if e == nil {
			continue
		}
		if g, ok := e.(*Group); ok {
			flat = append(flat, g.Errors...)
			continue
		}
		flat = append(flat, e)
	}
	if len(flat) == 0 {
		return nil
	}
	return &Group{Message: message, Errors: flat}
}

func new(kind Kind, message string, opts ...func(*Error)) *Error {
	e := &Error{Kind: kind, Message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithCause attaches the originating error.
func WithCause(cause error) func(*Error) { return func(e *Error) { e.Cause = cause } }

// WithPayload attaches a caller-meaningful payload (e.g. credentials
// created before a forced synchronization failure).
func WithPayload(payload any) func(*Error) { return func(e *Error) { e.Payload = payload } }

func InvalidUsername(username string) *Error {
	return new(KindInvalidUsername, fmt.Sprintf("username %q is not valid", username), func(e *Error) { e.Username = username })
}

func InvalidCredentials() *Error {
	return new(KindInvalidCredentials, "user credentials is not valid")
}

func UserExist(username string) *Error {
	return new(KindUserExist, fmt.Sprintf("user %q already exists", username), func(e *Error) { e.Username = username })
}

func UserNotExist(username string) *Error {
	return new(KindUserNotExist, fmt.Sprintf("user %q does not exist", username), func(e *Error) { e.Username = username })
}

func UUIDOverlap() *Error {
	return new(KindUUIDOverlap, "cannot create the user due to overlapped UUIDs")
}

func UsersCapacity() *Error {
	return new(KindUsersCapacity, "cannot create the user due to capacity limit")
}

func ActiveUsersCapacity() *Error {
	return new(KindActiveUsersCapacity, "cannot create the user due to active capacity limit")
}

func NoTrafficLimit(username string) *Error {
	return new(KindNoTrafficLimit, fmt.Sprintf("cannot add extra traffic for user %q when plan has no traffic limit", username), func(e *Error) { e.Username = username })
}

func NoActivePlan(username string) *Error {
	return new(KindNoActivePlan, fmt.Sprintf("user %q has no active plan", username), func(e *Error) { e.Username = username })
}

func ProxyTimeout(opts ...func(*Error)) *Error {
	return new(KindProxyTimeout, "failed to communicate with the proxy server", opts...)
}

func VPNTimeout(opts ...func(*Error)) *Error {
	return new(KindVPNTimeout, "failed to communicate with the VPN server", opts...)
}

func StateSynchronizerTimeout(opts ...func(*Error)) *Error {
	return new(KindStateSynchronizerTimeout, "failed to communicate with the process state synchronizer", opts...)
}

// SynchronizationError wraps the failures collected while reflecting a
// database change to the enabled services.
func SynchronizationError(message string, cause error, opts ...func(*Error)) *Error {
	full := append([]func(*Error){WithCause(cause)}, opts...)
	return new(KindSynchronizationError, message, full...)
}

func Unexpected(cause error) *Error {
	return new(KindUnexpected, "unexpected error happened", WithCause(cause))
}

// Is lets errors.Is(err, errs.KindUserExist) style checks work through a
// thin helper since Kind isn't itself an error.
func Is(err error, kind Kind) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok && ce.Kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
