package lock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-fleet/orchestrator/pkg/orcherr"
)

func TestWithProfileLock_RunsFnAndReleases(t *testing.T) {
	l := New(t.TempDir())
	ran := false

	err := WithProfileLock(context.Background(), l, "reviewer", time.Second, func(ctx context.Context) error {
		ran = true
		_, statErr := os.Stat(l.pathFor("reviewer"))
		assert.NoError(t, statErr, "lock file should exist while held")
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
	_, statErr := os.Stat(l.pathFor("reviewer"))
	assert.True(t, os.IsNotExist(statErr), "lock file should be removed after release")
}

func TestWithProfileLock_ReleasesOnError(t *testing.T) {
	l := New(t.TempDir())

	err := WithProfileLock(context.Background(), l, "reviewer", time.Second, func(ctx context.Context) error {
		return assert.AnError
	})

	assert.ErrorIs(t, err, assert.AnError)
	_, statErr := os.Stat(l.pathFor("reviewer"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWithProfileLock_TimesOutWhenHeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.Marshal(payload{PID: os.Getpid(), At: time.Now().UnixMilli()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(l.pathFor("reviewer"), data, 0o644))

	err = WithProfileLock(context.Background(), l, "reviewer", 150*time.Millisecond, func(ctx context.Context) error {
		t.Fatal("fn should not run when lock cannot be acquired")
		return nil
	})

	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.LockTimeout, kind)
}

func TestWithProfileLock_TakesOverStaleLock(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	require.NoError(t, os.MkdirAll(dir, 0o755))
	const deadPID = 1 << 30
	data, err := json.Marshal(payload{PID: deadPID, At: time.Now().UnixMilli()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(l.pathFor("reviewer"), data, 0o644))

	ran := false
	err = WithProfileLock(context.Background(), l, "reviewer", 2*time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithProfileLock_SerializesConcurrentCallers(t *testing.T) {
	l := New(t.TempDir())
	var active, maxActive int

	run := func() error {
		return WithProfileLock(context.Background(), l, "reviewer", 2*time.Second, func(ctx context.Context) error {
			active++
			if active > maxActive {
				maxActive = active
			}
			time.Sleep(20 * time.Millisecond)
			active--
			return nil
		})
	}

	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { done <- run() }()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, <-done)
	}
	assert.Equal(t, 1, maxActive)
}
