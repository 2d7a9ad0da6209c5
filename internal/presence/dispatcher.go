package presence

import (
	"encoding/json"
	"fmt"
	"strings"

	"casebook/api/internal/auth"
	"github.com/rs/zerolog/log"
)

// FanoutMode selects which connections receive an editing_users update.
type FanoutMode string

const (
	// FanoutAll sends every update to every connection.
	FanoutAll FanoutMode = "all"
	// FanoutSubscribed sends an update only to connections that have sent
	// start_editing or activity for that report.
	FanoutSubscribed FanoutMode = "subscribed"
)

func ParseFanoutMode(s string) (FanoutMode, error) {
	switch FanoutMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", FanoutAll:
		return FanoutAll, nil
	case FanoutSubscribed:
		return FanoutSubscribed, nil
	default:
		return "", fmt.Errorf("unknown presence fanout mode %q", s)
	}
}

// Dispatcher turns tracker changes into editing_users frames and queues them
// on registered connections. A connection whose queue is full is closed with
// CloseSlowConsumer; its read loop then unregisters it.
type Dispatcher struct {
	registry *Registry
	mode     FanoutMode
	metrics  *Metrics
}

func NewDispatcher(registry *Registry, mode FanoutMode, metrics *Metrics) *Dispatcher {
	if mode == "" {
		mode = FanoutAll
	}
	return &Dispatcher{registry: registry, mode: mode, metrics: metrics}
}

func (d *Dispatcher) Broadcast(reportID ReportID, editors []EditingSession) {
	payload, err := json.Marshal(newEditingUsers(reportID, editors))
	if err != nil {
		log.Error().Err(err).Int64("report_id", int64(reportID)).Msg("encode editing_users")
		return
	}
	d.metrics.broadcast()

	var overflowed []*Conn
	d.registry.Each(func(conn *Conn, _ auth.Identity) {
		if d.mode == FanoutSubscribed && !conn.interestedIn(reportID) {
			return
		}
		if conn.Closed() {
			return
		}
		if !conn.Enqueue(payload) {
			overflowed = append(overflowed, conn)
		}
	})
	for _, conn := range overflowed {
		d.Evict(conn)
	}
}

// Evict closes conn as a slow consumer. It never blocks on the registry.
func (d *Dispatcher) Evict(conn *Conn) {
	if conn.Close(CloseSlowConsumer, "send queue overflow") {
		d.metrics.evicted()
		log.Warn().Str("conn_id", conn.ID()).Msg("presence connection evicted: send queue full")
	}
}
