// Package presence tracks which users are editing which weekly reports and
// pushes the editor set to connected clients over websockets.
package presence

import (
	"context"
	"time"

	"casebook/api/internal/schedule"
)

type Options struct {
	// IdleTimeout is how long a session may go without activity before the
	// reaper removes it.
	IdleTimeout time.Duration
	// ReapInterval is how often the reaper runs.
	ReapInterval time.Duration
	Fanout       FanoutMode
	Metrics      *Metrics
}

// Hub wires the registry, tracker and dispatcher together and owns the
// inactivity reaper.
type Hub struct {
	registry   *Registry
	tracker    *Tracker
	dispatcher *Dispatcher
	reaper     *schedule.Task
	metrics    *Metrics
}

func NewHub(opts Options) *Hub {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Minute
	}
	registry := NewRegistry(nil, opts.Metrics)
	dispatcher := NewDispatcher(registry, opts.Fanout, opts.Metrics)
	tracker := NewTracker(dispatcher, opts.Metrics)
	registry.tracker = tracker
	return &Hub{
		registry:   registry,
		tracker:    tracker,
		dispatcher: dispatcher,
		reaper:     NewReaper(tracker, opts.ReapInterval, opts.IdleTimeout),
		metrics:    opts.Metrics,
	}
}

func (h *Hub) Registry() *Registry     { return h.registry }
func (h *Hub) Tracker() *Tracker       { return h.tracker }
func (h *Hub) Dispatcher() *Dispatcher { return h.dispatcher }

// Start launches the reaper. It runs until ctx is done or Shutdown is called.
func (h *Hub) Start(ctx context.Context) error {
	return h.reaper.Start(ctx)
}

// Shutdown stops the reaper and closes every connection with going-away.
func (h *Hub) Shutdown() {
	h.reaper.Stop()
	h.registry.CloseAll(CloseGoingAway, "server shutting down")
}
