package estop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileWatcherTripsOnMarkerCreate(t *testing.T) {
	l := testLatch(t)
	w := NewFileWatcher(l, WatcherOptions{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Let the watch establish before dropping the marker.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(l.MarkerPath(), []byte("reason: disk full\n"), 0o644))

	require.Eventually(t, l.Engaged, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "disk full", l.Reason())

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestFileWatcherTripsOnPreexistingMarker(t *testing.T) {
	l := testLatch(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(l.MarkerPath()), 0o755))
	require.NoError(t, os.WriteFile(l.MarkerPath(), []byte("reason: left over\n"), 0o644))

	w := NewFileWatcher(l, WatcherOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, l.Engaged, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "left over", l.Reason())

	cancel()
	<-done
}

func TestPollingFallbackTrips(t *testing.T) {
	l := testLatch(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(l.MarkerPath()), 0o755))
	w := NewFileWatcher(l, WatcherOptions{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.runPolling(ctx) }()

	require.NoError(t, os.WriteFile(l.MarkerPath(), []byte("reason: poll caught it\n"), 0o644))
	require.Eventually(t, l.Engaged, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "poll caught it", l.Reason())

	cancel()
	err := <-done
	require.True(t, errors.Is(err, context.Canceled))
}
