package lifecycle

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testSignal is a minimal os.Signal used to drive Cleanup.handle directly
// in tests, instead of sending a real process signal.
type testSignal struct{}

func (testSignal) String() string { return "test-signal" }
func (testSignal) Signal()        {}

func TestAcquireLockRejectsSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	first, err := AcquireLock(path)
	require.NoError(t, err)

	_, err = AcquireLock(path)
	assert.Error(t, err)

	require.NoError(t, first.Release())

	second, err := AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestReleaseUnlinksLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	lock, err := AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, lock.Release())

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	_, err = AcquireLock(path)
	require.NoError(t, err)
}

func TestCleanupRunsSyncThenAsyncCallbacks(t *testing.T) {
	c := New(zap.NewNop().Sugar())

	var order []string
	c.Add("sync-1", func() error {
		order = append(order, "sync-1")
		return nil
	})
	c.AddAsync("async-1", func() error {
		time.Sleep(5 * time.Millisecond)
		order = append(order, "async-1")
		return nil
	})
	c.Add("sync-2", func() error {
		order = append(order, "sync-2")
		return nil
	})

	// Exercise the ordering contract directly via the unexported handler
	// path used by Listen, without sending a real OS signal.
	done := make(chan struct{})
	var exited int32
	c.testExit = func(code int) {
		atomic.StoreInt32(&exited, int32(code))
		close(done)
	}
	c.handle(testSignal{})
	<-done

	require.Len(t, order, 3)
	assert.Equal(t, "sync-1", order[0])
	assert.Equal(t, "sync-2", order[1])
	assert.Equal(t, "async-1", order[2])
	assert.Equal(t, int32(0), atomic.LoadInt32(&exited))
}

func TestCleanupToleratesCallbackErrors(t *testing.T) {
	c := New(zap.NewNop().Sugar())
	ran := false
	c.Add("failing", func() error { return errors.New("boom") })
	c.Add("after", func() error { ran = true; return nil })

	done := make(chan struct{})
	c.testExit = func(int) { close(done) }
	c.handle(testSignal{})
	<-done

	assert.True(t, ran)
}

func TestStartAPIWorkerRegistersShutdownCleanup(t *testing.T) {
	server := &http.Server{Addr: "127.0.0.1:0"}
	cleanup := New(zap.NewNop().Sugar())
	StartAPIWorker(server, cleanup, zap.NewNop().Sugar(), time.Second)

	require.Len(t, cleanup.callbacks, 1)
	assert.Equal(t, "api-worker", cleanup.callbacks[0].name)
	assert.True(t, cleanup.callbacks[0].async)

	require.NoError(t, server.Close())
}
