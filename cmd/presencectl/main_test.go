package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"casebook/api/internal/auth"
	"casebook/api/internal/presence"
	"github.com/stretchr/testify/require"
)

type fixedAuthenticator struct{}

func (fixedAuthenticator) Authenticate(r *http.Request) (auth.Identity, error) {
	if r.Header.Get("Authorization") != "Bearer good" {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	return auth.Identity{UserID: "u1", Username: "alice"}, nil
}

func TestDescribeEditors(t *testing.T) {
	require.Equal(t, "nobody editing", describeEditors(nil))
	got := describeEditors([]presence.Editor{{Username: "alice", StartTime: time.Now()}, {Username: "bob", StartTime: time.Now()}})
	require.Contains(t, got, "alice (since ")
	require.Contains(t, got, ", bob (since ")
}

func TestWatchCommandFailsOnRejectedToken(t *testing.T) {
	hub := presence.NewHub(presence.Options{})
	srv := httptest.NewServer(presence.NewHandler(hub, fixedAuthenticator{}, presence.HandlerConfig{}))
	defer srv.Close()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"watch", "--report", "7", "--url", "ws" + strings.TrimPrefix(srv.URL, "http"), "--token", "bad"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "authentication failed")
}

func TestWatchCommandRequiresReport(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"watch"})
	require.Error(t, root.Execute())
}

func TestWatchPrintsEditors(t *testing.T) {
	hub := presence.NewHub(presence.Options{})
	srv := httptest.NewServer(presence.NewHandler(hub, fixedAuthenticator{}, presence.HandlerConfig{}))
	defer srv.Close()

	root := newRootCmd()
	var out syncBuffer
	root.SetOut(&out)
	root.SetArgs([]string{"watch", "--report", "7", "--edit", "--url", "ws" + strings.TrimPrefix(srv.URL, "http"), "--token", "good"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "report 7: alice (since ")
	}, 3*time.Second, 10*time.Millisecond)
	require.Contains(t, out.String(), "connected as alice (u1)")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not exit")
	}
	require.Eventually(t, func() bool { return len(hub.Tracker().Editors(7)) == 0 }, 2*time.Second, 10*time.Millisecond)
}
