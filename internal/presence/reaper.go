package presence

import (
	"context"
	"time"

	"casebook/api/internal/schedule"
	"github.com/rs/zerolog/log"
)

// NewReaper returns a task that removes sessions idle for longer than idle.
// It catches users whose disconnect was never observed.
func NewReaper(tracker *Tracker, interval, idle time.Duration) *schedule.Task {
	return schedule.Every("presence-reaper", interval, func(_ context.Context, now time.Time) {
		if n := tracker.Reap(now, idle); n > 0 {
			log.Info().Int("removed", n).Dur("idle_timeout", idle).Msg("reaped idle editing sessions")
		}
	})
}
