package errs

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, UserExist("bob").HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, ProxyTimeout().HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, (&Error{Kind: "made-up"}).HTTPStatus())
}

func TestIsMatchesWrappedKind(t *testing.T) {
	base := UserNotExist("alice")
	wrapped := Unexpected(base)
	assert.True(t, Is(wrapped, KindUserNotExist))
	assert.False(t, Is(wrapped, KindUserExist))
	assert.False(t, Is(errors.New("plain"), KindUserNotExist))
}

func TestNewGroupFlattensNestedGroups(t *testing.T) {
	inner := NewGroup("inner failure", []error{UserExist("a"), UserNotExist("b")})
	require.NotNil(t, inner)

	outer := NewGroup("outer failure", []error{inner, ProxyTimeout()})
	require.NotNil(t, outer)

	group, ok := outer.(*Group)
	require.True(t, ok)
	assert.Len(t, group.Errors, 3)
}

func TestNewGroupEmptyReturnsNil(t *testing.T) {
	assert.Nil(t, NewGroup("nothing failed", nil))
	assert.Nil(t, NewGroup("nothing failed", []error{nil, nil}))
}

func TestSynchronizationErrorCarriesPayload(t *testing.T) {
	cause := ProxyTimeout()
	payload := struct{ Username string }{"bob"}
	err := SynchronizationError("failed to add user", cause, WithPayload(payload))

	assert.Equal(t, KindSynchronizationError, err.Kind)
	assert.Equal(t, payload, err.Payload)
	assert.Same(t, cause, err.Cause)
	assert.ErrorIs(t, err, cause)
}

func TestErrorMessageIncludesGroupCauses(t *testing.T) {
	group := NewGroup(GroupMessage, []error{UserExist("a"), VPNTimeout()})
	err := SynchronizationError("failed to add user \"a\" to the services", group)

	msg := err.Error()
	assert.Contains(t, msg, "failed to add user")
	assert.Contains(t, msg, "already exists")
	assert.Contains(t, msg, "VPN server")
}
