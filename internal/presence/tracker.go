package presence

import (
	"sort"
	"sync"
	"time"
)

// EditingSession records that a user has a report open for editing.
type EditingSession struct {
	ReportID     ReportID
	UserID       string
	Username     string
	StartTime    time.Time
	LastActivity time.Time
}

// Notifier receives the full editor set of a report after every change.
// Tracker calls it while holding its lock, so updates for one report reach
// the notifier in the order they were applied. Implementations must not call
// back into the Tracker.
type Notifier interface {
	Broadcast(reportID ReportID, editors []EditingSession)
}

type notifierFunc func(ReportID, []EditingSession)

func (f notifierFunc) Broadcast(reportID ReportID, editors []EditingSession) {
	f(reportID, editors)
}

// Tracker owns every EditingSession, keyed by report then user. A user has at
// most one session per report.
type Tracker struct {
	mu      sync.Mutex
	reports map[ReportID]map[string]*EditingSession
	notify  Notifier
	metrics *Metrics
	now     func() time.Time
}

func NewTracker(notify Notifier, metrics *Metrics) *Tracker {
	if notify == nil {
		notify = notifierFunc(func(ReportID, []EditingSession) {})
	}
	return &Tracker{
		reports: make(map[ReportID]map[string]*EditingSession),
		notify:  notify,
		metrics: metrics,
		now:     time.Now,
	}
}

// StartEditing opens a session for userID on reportID, or refreshes the
// existing one. Repeating the call never creates a second session and never
// moves StartTime.
func (t *Tracker) StartEditing(userID, username string, reportID ReportID) EditingSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	sessions := t.reports[reportID]
	if sessions == nil {
		sessions = make(map[string]*EditingSession)
		t.reports[reportID] = sessions
	}
	s, ok := sessions[userID]
	if ok {
		if now.After(s.LastActivity) {
			s.LastActivity = now
		}
		if username != "" {
			s.Username = username
		}
	} else {
		s = &EditingSession{
			ReportID:     reportID,
			UserID:       userID,
			Username:     username,
			StartTime:    now,
			LastActivity: now,
		}
		sessions[userID] = s
		t.metrics.sessionOpened()
	}
	t.publishLocked(reportID)
	return *s
}

// StopEditing removes the user's session on reportID. It reports whether a
// session existed; nothing is broadcast when it did not.
func (t *Tracker) StopEditing(userID string, reportID ReportID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.removeLocked(userID, reportID) {
		return false
	}
	t.publishLocked(reportID)
	return true
}

// Touch refreshes LastActivity of an existing session. Activity for a report
// the user is not editing is ignored.
func (t *Tracker) Touch(userID string, reportID ReportID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.reports[reportID][userID]
	if !ok {
		return false
	}
	if now := t.now(); now.After(s.LastActivity) {
		s.LastActivity = now
	}
	t.publishLocked(reportID)
	return true
}

// RemoveUser drops every session owned by userID and returns the reports that
// lost an editor. Each affected report is broadcast once.
func (t *Tracker) RemoveUser(userID string) []ReportID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var affected []ReportID
	for reportID := range t.reports {
		if t.removeLocked(userID, reportID) {
			affected = append(affected, reportID)
		}
	}
	sortReportIDs(affected)
	for _, reportID := range affected {
		t.publishLocked(reportID)
	}
	return affected
}

// Reap removes sessions idle for longer than idle as of now. Each report
// that lost at least one session is broadcast once. It returns the number of
// sessions removed.
func (t *Tracker) Reap(now time.Time, idle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	var affected []ReportID
	for reportID, sessions := range t.reports {
		lost := false
		for userID, s := range sessions {
			if now.Sub(s.LastActivity) > idle {
				delete(sessions, userID)
				t.metrics.sessionClosed()
				removed++
				lost = true
			}
		}
		if len(sessions) == 0 {
			delete(t.reports, reportID)
		}
		if lost {
			affected = append(affected, reportID)
		}
	}
	sortReportIDs(affected)
	for _, reportID := range affected {
		t.publishLocked(reportID)
	}
	t.metrics.reaped(removed)
	return removed
}

// Editors returns the current editors of reportID ordered by StartTime.
func (t *Tracker) Editors(reportID ReportID) []EditingSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(reportID)
}

// Len returns the total number of sessions across all reports.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, sessions := range t.reports {
		n += len(sessions)
	}
	return n
}

func (t *Tracker) removeLocked(userID string, reportID ReportID) bool {
	sessions := t.reports[reportID]
	if _, ok := sessions[userID]; !ok {
		return false
	}
	delete(sessions, userID)
	if len(sessions) == 0 {
		delete(t.reports, reportID)
	}
	t.metrics.sessionClosed()
	return true
}

func (t *Tracker) publishLocked(reportID ReportID) {
	t.notify.Broadcast(reportID, t.snapshotLocked(reportID))
}

func (t *Tracker) snapshotLocked(reportID ReportID) []EditingSession {
	sessions := t.reports[reportID]
	out := make([]EditingSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func sortReportIDs(ids []ReportID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
