package presence

import (
	"sync"

	"github.com/google/uuid"
)

// Close codes sent to clients. The 4xxx range is application defined.
const (
	CloseNormal               = 1000
	CloseGoingAway            = 1001
	CloseTryAgainLater        = 1013
	CloseSlowConsumer         = 4008
	CloseAuthenticationFailed = 4401
)

// Conn is the server side of one presence channel. Outbound frames are queued
// on a bounded channel drained by a single writer goroutine. The channel is
// never closed; done signals shutdown instead so a late Enqueue cannot panic.
type Conn struct {
	id   string
	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	mu        sync.Mutex
	interests map[ReportID]struct{}
}

func newConn(queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Conn{
		id:        uuid.NewString(),
		send:      make(chan []byte, queueSize),
		done:      make(chan struct{}),
		interests: make(map[ReportID]struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Enqueue queues msg without blocking. It returns false when the connection
// is closed or its queue is full.
func (c *Conn) Enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close marks the connection closed with the given close frame. Only the
// first call has effect. Once Close returns, Closed reports true and no
// further inbound frames are processed.
func (c *Conn) Close(code int, reason string) bool {
	closed := false
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
		closed = true
	})
	return closed
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// closeFrame returns the code and reason of the first Close. Valid only after
// Done is closed.
func (c *Conn) closeFrame() (int, string) {
	return c.closeCode, c.closeReason
}

func (c *Conn) addInterest(reportID ReportID) {
	c.mu.Lock()
	c.interests[reportID] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) interestedIn(reportID ReportID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.interests[reportID]
	return ok
}
