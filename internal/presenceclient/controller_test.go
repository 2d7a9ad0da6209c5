package presenceclient

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"casebook/api/internal/auth"
	"casebook/api/internal/presence"
	"github.com/stretchr/testify/require"
)

type staticAuthenticator struct {
	identity auth.Identity
	reject   bool
}

func (a staticAuthenticator) Authenticate(*http.Request) (auth.Identity, error) {
	if a.reject {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	return a.identity, nil
}

// outageAuthenticator fails the way a session store does when it is down.
type outageAuthenticator struct{}

func (outageAuthenticator) Authenticate(*http.Request) (auth.Identity, error) {
	return auth.Identity{}, errors.New("redis: connection refused")
}

type server struct {
	hub   *presence.Hub
	srv   *httptest.Server
	dials atomic.Int32
}

func newServer(t *testing.T, authenticator auth.Authenticator) *server {
	t.Helper()
	s := &server{hub: presence.NewHub(presence.Options{})}
	handler := presence.NewHandler(s.hub, authenticator, presence.HandlerConfig{})
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dials.Add(1)
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *server) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) contains(s State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.states {
		if got == s {
			return true
		}
	}
	return false
}

func TestBackoffSchedule(t *testing.T) {
	b := newBackoff(time.Second, 30*time.Second)
	var got []time.Duration
	for i := 0; i < 8; i++ {
		got = append(got, b.NextBackOff())
	}
	require.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)

	b.Reset()
	require.Equal(t, time.Second, b.NextBackOff())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "reconnecting", StateReconnecting.String())
	require.Equal(t, "unknown", State(42).String())
}

func TestOpenSendsProbeAndLearnsIdentity(t *testing.T) {
	s := newServer(t, staticAuthenticator{identity: auth.Identity{UserID: "u1", Username: "alice"}})

	identities := make(chan string, 4)
	c := New(Options{
		URL:        s.url(),
		OnIdentity: func(userID, username string) { identities <- userID + ":" + username },
	})
	c.Start()
	t.Cleanup(c.Dispose)

	select {
	case got := <-identities:
		require.Equal(t, "u1:alice", got)
	case <-time.After(2 * time.Second):
		t.Fatal("no liveness_ack received")
	}
	require.Equal(t, StateOpen, c.State())
}

func TestAuthenticationFailureIsTerminal(t *testing.T) {
	s := newServer(t, staticAuthenticator{reject: true})
	states := &stateLog{}
	c := New(Options{URL: s.url(), BaseDelay: 10 * time.Millisecond, OnStateChange: states.record})
	c.Start()
	t.Cleanup(c.Dispose)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not stop after auth failure")
	}
	require.True(t, errors.Is(c.Err(), ErrAuthenticationFailed))
	require.Equal(t, StateClosed, c.State())
	require.Zero(t, c.Attempt())

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), s.dials.Load())
	require.False(t, states.contains(StateReconnecting))
	require.False(t, states.contains(StateOpen))
}

func TestAuthOutageBacksOffExponentially(t *testing.T) {
	s := newServer(t, outageAuthenticator{})
	states := &stateLog{}
	c := New(Options{URL: s.url(), BaseDelay: 20 * time.Millisecond, MaxDelay: time.Second, OnStateChange: states.record})
	c.Start()
	t.Cleanup(c.Dispose)

	// Upgraded sockets closed with 1013 are not successful opens, so the
	// attempt counter keeps growing instead of restarting at one.
	require.Eventually(t, func() bool { return c.Attempt() >= 4 }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Err())
	require.False(t, states.contains(StateOpen))

	// 20+40+80+160+320ms: at most six dials fit in the first 620ms.
	time.Sleep(500 * time.Millisecond)
	require.LessOrEqual(t, s.dials.Load(), int32(7))
	require.GreaterOrEqual(t, c.Attempt(), 5)
}

func TestReconnectReplaysEditingState(t *testing.T) {
	s := newServer(t, staticAuthenticator{identity: auth.Identity{UserID: "u1", Username: "alice"}})

	var probes atomic.Int32
	c := New(Options{
		URL:        s.url(),
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   time.Second,
		OnIdentity: func(string, string) { probes.Add(1) },
	})
	require.NoError(t, c.StartEditing(7))
	c.Start()
	t.Cleanup(c.Dispose)

	editorsOf := func(id presence.ReportID) int { return len(s.hub.Tracker().Editors(id)) }
	require.Eventually(t, func() bool { return editorsOf(7) == 1 }, 2*time.Second, 10*time.Millisecond)

	s.hub.Registry().CloseAll(presence.CloseGoingAway, "restart")
	require.Eventually(t, func() bool { return s.hub.Registry().Len() == 0 && editorsOf(7) == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.dials.Load() >= 2 && c.State() == StateOpen }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return editorsOf(7) == 1 && probes.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, c.Attempt())

	require.NoError(t, c.StopEditing(7))
	require.Eventually(t, func() bool { return editorsOf(7) == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, c.Editing())
}

func TestUnreachableServerKeepsRetrying(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := New(Options{URL: url, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond})
	c.Start()
	t.Cleanup(c.Dispose)

	require.Eventually(t, func() bool { return c.Attempt() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Err())
}

func TestDisposeClosesNormallyAndStopsRetrying(t *testing.T) {
	s := newServer(t, staticAuthenticator{identity: auth.Identity{UserID: "u1", Username: "alice"}})
	c := New(Options{URL: s.url(), BaseDelay: 10 * time.Millisecond, KeepaliveInterval: 20 * time.Millisecond})
	require.NoError(t, c.StartEditing(3))
	c.Start()
	require.Eventually(t, func() bool { return len(s.hub.Tracker().Editors(3)) == 1 }, 2*time.Second, 10*time.Millisecond)

	c.Dispose()
	<-c.Done()
	require.Equal(t, StateClosed, c.State())
	require.NoError(t, c.Err())

	// The server sees an ordinary disconnect and drops the session.
	require.Eventually(t, func() bool { return s.hub.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, s.hub.Tracker().Editors(3))

	dials := s.dials.Load()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, dials, s.dials.Load())
}
