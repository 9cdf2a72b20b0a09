package statetable

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "manager.sock")
	server, err := NewServer(socketPath, "secret")
	require.NoError(t, err)
	go server.Serve()
	t.Cleanup(func() { server.Close() })
	return server, socketPath
}

func newConnectedClient(t *testing.T, socketPath, key string) *Client {
	t.Helper()
	client := NewClient(socketPath, key)
	require.NoError(t, client.Connect(time.Second, false))
	t.Cleanup(func() { client.Close() })
	return client
}

func TestGetUserDefaultsToUnknown(t *testing.T) {
	_, socketPath := newTestServer(t)
	client := newConnectedClient(t, socketPath, "secret")

	state, err := client.GetUser("alice", false)
	require.NoError(t, err)
	assert.False(t, state.Synced)
	assert.False(t, state.HasActivePlan)
}

func TestSetAndGetUserRoundTrip(t *testing.T) {
	_, socketPath := newTestServer(t)
	client := newConnectedClient(t, socketPath, "secret")

	state := UserState{
		Synced:        true,
		HasActivePlan: true,
		Services:      map[string]ServiceState{"proxy": ServiceAdded},
	}
	require.NoError(t, client.SetUser("alice", state, false))

	got, err := client.GetUser("alice", false)
	require.NoError(t, err)
	assert.Equal(t, state, got)
}

func TestDeleteUserRemovesStateAndReason(t *testing.T) {
	_, socketPath := newTestServer(t)
	client := newConnectedClient(t, socketPath, "secret")

	require.NoError(t, client.SetUser("alice", UserState{Synced: true}, false))
	require.NoError(t, client.SetReason("alice", ReasonExpiredPlan, false))

	require.NoError(t, client.DeleteUser("alice", false))

	state, err := client.GetUser("alice", false)
	require.NoError(t, err)
	assert.False(t, state.Synced)
	assert.Empty(t, state.Services)

	_, found, err := client.GetReason("alice", false)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClearReasonLeavesUserState(t *testing.T) {
	_, socketPath := newTestServer(t)
	client := newConnectedClient(t, socketPath, "secret")

	require.NoError(t, client.SetUser("alice", UserState{Synced: true}, false))
	require.NoError(t, client.SetReason("alice", ReasonUpdatedPlan, false))
	require.NoError(t, client.ClearReason("alice", false))

	_, found, err := client.GetReason("alice", false)
	require.NoError(t, err)
	assert.False(t, found)

	state, err := client.GetUser("alice", false)
	require.NoError(t, err)
	assert.True(t, state.Synced)
}

func TestListUsernames(t *testing.T) {
	_, socketPath := newTestServer(t)
	client := newConnectedClient(t, socketPath, "secret")

	require.NoError(t, client.SetUser("alice", UserState{}, false))
	require.NoError(t, client.SetUser("bob", UserState{}, false))

	usernames, err := client.ListUsernames(false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, usernames)
}

func TestAuthenticationFailureIsRejected(t *testing.T) {
	_, socketPath := newTestServer(t)
	client := newConnectedClient(t, socketPath, "wrong-secret")

	_, err := client.GetUser("alice", false)
	assert.Error(t, err)
}

func TestMultipleClientsShareState(t *testing.T) {
	_, socketPath := newTestServer(t)
	clientA := newConnectedClient(t, socketPath, "secret")
	clientB := newConnectedClient(t, socketPath, "secret")

	require.NoError(t, clientA.SetUser("alice", UserState{Synced: true}, false))

	state, err := clientB.GetUser("alice", false)
	require.NoError(t, err)
	assert.True(t, state.Synced)
}

func TestSkipRetryDegradesQuietlyWhenUnreachable(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "never-bound.sock")
	client := NewClient(socketPath, "secret")

	err := client.Connect(50*time.Millisecond, true)
	require.NoError(t, err)
	assert.False(t, client.connected())

	_, err = client.GetUser("alice", true)
	assert.NoError(t, err) // silent: no-op instead of an error
}

func TestConnectTimesOutWhenNotSkippingRetry(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "never-bound.sock")
	client := NewClient(socketPath, "secret")

	err := client.Connect(20*time.Millisecond, false)
	assert.Error(t, err)
}

// TestAcquireUserLockSerializesPerUsername exercises the two-level locking
// discipline's in-process half: concurrent callers for the same username
// are serialized, while different usernames proceed independently.
func TestAcquireUserLockSerializesPerUsername(t *testing.T) {
	_, socketPath := newTestServer(t)
	client := newConnectedClient(t, socketPath, "secret")

	var mu sync.Mutex
	order := make([]int, 0, 2)

	lock, err := client.AcquireUserLock("alice", false)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		second, err := client.AcquireUserLock("alice", false)
		require.NoError(t, err)
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		second.Release()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	lock.Release()
	<-done

	assert.Equal(t, []int{1, 2}, order)
}

func TestAcquireUserLockIndependentForDifferentUsers(t *testing.T) {
	_, socketPath := newTestServer(t)
	client := newConnectedClient(t, socketPath, "secret")

	aliceLock, err := client.AcquireUserLock("alice", false)
	require.NoError(t, err)
	defer aliceLock.Release()

	acquired := make(chan struct{})
	go func() {
		bobLock, err := client.AcquireUserLock("bob", false)
		require.NoError(t, err)
		close(acquired)
		bobLock.Release()
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock for a different username should not block")
	}
}

// TestAcquireUserLockSerializesAcrossProcesses exercises the cross-process
// half of the two-level locking discipline: two independent clients (as if
// from two OS processes) contend for the same username's lock, and the
// second client's acquisition blocks on the synchronizer server until the
// first releases, rather than each client only serializing against its own
// in-process callers.
func TestAcquireUserLockSerializesAcrossProcesses(t *testing.T) {
	_, socketPath := newTestServer(t)
	clientA := newConnectedClient(t, socketPath, "secret")
	clientB := newConnectedClient(t, socketPath, "secret")

	var mu sync.Mutex
	order := make([]int, 0, 2)

	lockA, err := clientA.AcquireUserLock("alice", false)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		lockB, err := clientB.AcquireUserLock("alice", false)
		require.NoError(t, err)
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		lockB.Release()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	lockA.Release()
	<-done

	assert.Equal(t, []int{1, 2}, order)
}
