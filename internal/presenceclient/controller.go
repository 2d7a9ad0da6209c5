// Package presenceclient keeps a presence channel open from the client side:
// it reconnects with exponential backoff, re-learns its identity after every
// open and re-announces the reports it is editing.
package presenceclient

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"casebook/api/internal/presence"
	"casebook/api/internal/schedule"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
	writeWait        = 10 * time.Second
)

// ErrAuthenticationFailed is reported by Err once the server rejected the
// handshake. The controller does not retry after it.
var ErrAuthenticationFailed = errors.New("presence: authentication failed")

type Options struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	// BaseDelay and MaxDelay bound the reconnect schedule
	// min(BaseDelay*2^attempt, MaxDelay).
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// KeepaliveInterval sends activity for every report being edited. Zero
	// disables it.
	KeepaliveInterval time.Duration

	OnIdentity     func(userID, username string)
	OnEditingUsers func(presence.EditingUsers)
	OnStateChange  func(State)
}

// Controller owns one logical presence channel across reconnects. All
// methods are safe for concurrent use and none of them block on the network
// except Dispose, which waits for the close frame to be written.
type Controller struct {
	opts      Options
	ctx       context.Context
	cancel    context.CancelFunc
	keepalive *schedule.Task

	mu       sync.Mutex
	state    State
	ws       *websocket.Conn
	retry    *backoff.ExponentialBackOff
	attempt  int
	timer    *time.Timer
	editing  map[presence.ReportID]struct{}
	started  bool
	disposed bool
	err      error
	done     chan struct{}
	doneOnce sync.Once

	writeMu sync.Mutex
}

func New(opts Options) *Controller {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateClosed,
		retry:   newBackoff(opts.BaseDelay, opts.MaxDelay),
		editing: make(map[presence.ReportID]struct{}),
		done:    make(chan struct{}),
	}
	if opts.KeepaliveInterval > 0 {
		c.keepalive = schedule.Every("presence-keepalive", opts.KeepaliveInterval, func(context.Context, time.Time) {
			c.sendActivity()
		})
	}
	return c
}

// newBackoff yields base, 2*base, 4*base, ... capped at max, without jitter
// and without giving up.
func newBackoff(base, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Start begins connecting. Calling it more than once has no effect.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.started || c.disposed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	if c.keepalive != nil {
		if err := c.keepalive.Start(c.ctx); err != nil {
			log.Warn().Err(err).Msg("presence keepalive not started")
		}
	}
	go c.connect()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt is the number of retries scheduled since the last successful open,
// that is since the server last answered a liveness_probe.
func (c *Controller) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Err returns ErrAuthenticationFailed after a terminal rejection, nil
// otherwise.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the controller reaches a terminal state, either by an
// authentication failure or by Dispose.
func (c *Controller) Done() <-chan struct{} { return c.done }

// StartEditing announces reportID now if the channel is open and again after
// every reconnect until StopEditing is called.
func (c *Controller) StartEditing(reportID presence.ReportID) error {
	c.mu.Lock()
	c.editing[reportID] = struct{}{}
	c.mu.Unlock()
	return c.send(presence.StartEditing{ReportID: reportID})
}

func (c *Controller) StopEditing(reportID presence.ReportID) error {
	c.mu.Lock()
	delete(c.editing, reportID)
	c.mu.Unlock()
	return c.send(presence.StopEditing{ReportID: reportID})
}

func (c *Controller) Activity(reportID presence.ReportID) error {
	return c.send(presence.Activity{ReportID: reportID})
}

// Editing returns the reports currently announced, in ascending order.
func (c *Controller) Editing() []presence.ReportID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editingLocked()
}

func (c *Controller) editingLocked() []presence.ReportID {
	ids := make([]presence.ReportID, 0, len(c.editing))
	for id := range c.editing {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Dispose cancels any pending retry, closes the channel with a normal
// closure and stops the keepalive. The controller cannot be restarted.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.started = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		c.setState(StateClosing)
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	c.cancel()
	if c.keepalive != nil {
		c.keepalive.Stop()
	}
	c.setState(StateClosed)
	c.finish()
}

func (c *Controller) connect() {
	c.setState(StateConnecting)
	ws, resp, err := c.opts.Dialer.DialContext(c.ctx, c.opts.URL, c.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		log.Debug().Err(err).Str("url", c.opts.URL).Msg("presence dial failed")
		c.closed(nil, 0)
		return
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}
	c.ws = ws
	editing := c.editingLocked()
	c.mu.Unlock()

	// The server upgrades before it reports an authentication failure, so the
	// channel only counts as open once the liveness_ack arrives. Identity can
	// change across reconnects and is re-learned every time.
	_ = c.send(presence.LivenessProbe{})
	for _, id := range editing {
		_ = c.send(presence.StartEditing{ReportID: id})
	}
	c.readLoop(ws)
}

func (c *Controller) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			code := 0
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			_ = ws.Close()
			c.closed(ws, code)
			return
		}
		msg, err := presence.DecodeOutbound(data)
		if err != nil {
			log.Debug().Err(err).Msg("presence frame ignored")
			continue
		}
		switch m := msg.(type) {
		case presence.LivenessAck:
			c.opened(ws)
			if c.opts.OnIdentity != nil {
				c.opts.OnIdentity(m.UserID, m.Username)
			}
		case presence.EditingUsers:
			if c.opts.OnEditingUsers != nil {
				c.opts.OnEditingUsers(m)
			}
		}
	}
}

// opened marks ws as a successful open and resets the reconnect schedule.
// Later acks on the same socket change nothing.
func (c *Controller) opened(ws *websocket.Conn) {
	c.mu.Lock()
	if c.disposed || c.ws != ws || c.state == StateOpen {
		c.mu.Unlock()
		return
	}
	c.attempt = 0
	c.retry.Reset()
	c.state = StateOpen
	c.mu.Unlock()
	c.notify(StateOpen)
}

// closed handles the end of a connection attempt or of an open channel. ws
// is nil when the dial itself failed.
func (c *Controller) closed(ws *websocket.Conn, code int) {
	c.mu.Lock()
	if c.disposed || (ws != nil && c.ws != ws) {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.state = StateClosed
	if code == presence.CloseAuthenticationFailed {
		c.err = ErrAuthenticationFailed
		c.mu.Unlock()
		c.notify(StateClosed)
		log.Warn().Str("url", c.opts.URL).Msg("presence authentication failed; not reconnecting")
		if c.keepalive != nil {
			c.keepalive.Stop()
		}
		c.finish()
		return
	}
	delay := c.retry.NextBackOff()
	c.attempt++
	attempt := c.attempt
	c.state = StateReconnecting
	c.timer = time.AfterFunc(delay, c.connect)
	c.mu.Unlock()

	c.notify(StateClosed)
	c.notify(StateReconnecting)
	log.Debug().Int("close_code", code).Int("attempt", attempt).Dur("delay", delay).Msg("presence reconnect scheduled")
}

// send writes msg if the channel is open. Messages sent while disconnected
// are dropped; editing state is replayed on the next open.
func (c *Controller) send(msg presence.Inbound) error {
	data, err := presence.EncodeInbound(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Controller) sendActivity() {
	for _, id := range c.Editing() {
		if err := c.Activity(id); err != nil {
			log.Debug().Err(err).Int64("report_id", int64(id)).Msg("presence keepalive failed")
			return
		}
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.disposed && s != StateClosing && s != StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.notify(s)
}

func (c *Controller) notify(s State) {
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

func (c *Controller) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}
