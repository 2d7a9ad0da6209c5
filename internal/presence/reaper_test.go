package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReaperRemovesIdleSessions(t *testing.T) {
	n := &recordingNotifier{}
	tracker := NewTracker(n, nil)
	tracker.StartEditing("u1", "alice", 7)

	reaper := NewReaper(tracker, 10*time.Millisecond, 30*time.Millisecond)
	require.NoError(t, reaper.Start(context.Background()))
	t.Cleanup(reaper.Stop)

	require.Eventually(t, func() bool { return tracker.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	events := n.take()
	require.Equal(t, broadcast{reportID: 7, users: []string{}}, events[len(events)-1])
}

func TestHubStartRunsReaperOnce(t *testing.T) {
	hub := NewHub(Options{ReapInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, hub.Start(ctx))
	require.Error(t, hub.Start(ctx))
	hub.Shutdown()
}
