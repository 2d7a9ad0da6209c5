package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"casebook/api/internal/auth"
	"casebook/api/internal/presence"
	"casebook/api/internal/rbac"
	"casebook/api/internal/store"
)

// Pinger is a dependency checked by the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type CreateProjectInput struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

type CreateCaseInput struct {
	Title string `json:"title"`
}

type CreateReportInput struct {
	CaseID    *int64 `json:"caseId"`
	WeekStart string `json:"weekStart"`
	Title     string `json:"title"`
	Content   string `json:"content"`
}

type SaveReportInput struct {
	Title           *string `json:"title"`
	Content         *string `json:"content"`
	ExpectedVersion *int64  `json:"expectedVersion"`
}

type Service struct {
	store    store.ReportStore
	tracker  *presence.Tracker
	sessions Pinger
	metrics  *Metrics
}

// NewService builds the request-facing service. sessions may be nil when
// cookie sessions are disabled.
func NewService(reports store.ReportStore, tracker *presence.Tracker, sessions Pinger, metrics *Metrics) *Service {
	return &Service{store: reports, tracker: tracker, sessions: sessions, metrics: metrics}
}

// Ping reports per-dependency readiness. The returned map is keyed by
// dependency name; err is non-nil if any dependency failed.
func (s *Service) Ping(ctx context.Context) (map[string]error, error) {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.sessions != nil {
		checks["sessions"] = s.sessions.Ping(ctx)
	}
	var failed []error
	for name, err := range checks {
		if err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", name, err))
		}
	}
	return checks, errors.Join(failed...)
}

func (s *Service) ListProjects(ctx context.Context) ([]store.Project, error) {
	return s.store.ListProjects(ctx)
}

func (s *Service) CreateProject(ctx context.Context, caller auth.Identity, input CreateProjectInput) (store.Project, error) {
	if err := requireRole(caller, rbac.ActionManage); err != nil {
		return store.Project{}, err
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Project{}, validationError("name is required")
	}
	code := strings.ToUpper(strings.TrimSpace(input.Code))
	if code == "" {
		return store.Project{}, validationError("code is required")
	}
	return s.store.CreateProject(ctx, name, code)
}

func (s *Service) ListCases(ctx context.Context, projectID int64) ([]store.Case, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListCases(ctx, projectID)
}

func (s *Service) CreateCase(ctx context.Context, caller auth.Identity, projectID int64, input CreateCaseInput) (store.Case, error) {
	if err := requireRole(caller, rbac.ActionWrite); err != nil {
		return store.Case{}, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Case{}, validationError("title is required")
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return store.Case{}, err
	}
	return s.store.CreateCase(ctx, projectID, title)
}

func (s *Service) ListReports(ctx context.Context, projectID int64) ([]store.Report, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListReports(ctx, projectID)
}

func (s *Service) CreateReport(ctx context.Context, caller auth.Identity, projectID int64, input CreateReportInput) (store.Report, error) {
	if err := requireRole(caller, rbac.ActionWrite); err != nil {
		return store.Report{}, err
	}
	weekStart, err := parseWeekStart(input.WeekStart)
	if err != nil {
		return store.Report{}, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = "Weekly report " + weekStart.Format("2006-01-02")
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return store.Report{}, err
	}
	if input.CaseID != nil {
		if err := s.requireCaseInProject(ctx, projectID, *input.CaseID); err != nil {
			return store.Report{}, err
		}
	}
	return s.store.CreateReport(ctx, store.NewReport{
		ProjectID: projectID,
		CaseID:    input.CaseID,
		WeekStart: weekStart,
		Title:     title,
		Content:   input.Content,
		CreatedBy: caller.Username,
	})
}

func (s *Service) GetReport(ctx context.Context, reportID int64) (store.Report, error) {
	return s.store.GetReport(ctx, reportID)
}

// SaveReport performs a version-checked write. A stale expectedVersion is
// not an error: it comes back as a WriteResult carrying the conflict.
func (s *Service) SaveReport(ctx context.Context, caller auth.Identity, reportID int64, input SaveReportInput) (store.WriteResult, error) {
	if err := requireRole(caller, rbac.ActionWrite); err != nil {
		return store.WriteResult{}, err
	}
	if input.ExpectedVersion == nil || *input.ExpectedVersion < 1 {
		return store.WriteResult{}, validationError("expectedVersion is required")
	}
	if input.Content == nil {
		return store.WriteResult{}, validationError("content is required")
	}
	if input.Title != nil && strings.TrimSpace(*input.Title) == "" {
		return store.WriteResult{}, validationError("title cannot be empty")
	}
	result, err := s.store.WriteReport(ctx, store.ReportWrite{
		ReportID:        reportID,
		ExpectedVersion: *input.ExpectedVersion,
		Title:           input.Title,
		Content:         *input.Content,
		UpdatedBy:       caller.Username,
	})
	if err != nil {
		return store.WriteResult{}, err
	}
	if result.Conflict != nil {
		s.metrics.versionConflict()
	}
	return result, nil
}

// Editors returns who currently has reportID open.
func (s *Service) Editors(reportID int64) []presence.EditingSession {
	return s.tracker.Editors(presence.ReportID(reportID))
}

// StopEditing is the request/response twin of the channel's stop_editing.
func (s *Service) StopEditing(caller auth.Identity, reportID int64) bool {
	return s.tracker.StopEditing(caller.UserID, presence.ReportID(reportID))
}

func (s *Service) requireCaseInProject(ctx context.Context, projectID, caseID int64) error {
	cases, err := s.store.ListCases(ctx, projectID)
	if err != nil {
		return err
	}
	for _, c := range cases {
		if c.ID == caseID {
			return nil
		}
	}
	return validationError("caseId does not belong to this project")
}

func requireRole(caller auth.Identity, action rbac.Action) error {
	if !rbac.Can(rbac.Normalize(caller.Role), action) {
		return forbidden()
	}
	return nil
}

// parseWeekStart accepts YYYY-MM-DD and moves it back to the Monday of its
// week. An empty value means the current week.
func parseWeekStart(value string) (time.Time, error) {
	day := time.Now().UTC()
	if value = strings.TrimSpace(value); value != "" {
		parsed, err := time.Parse("2006-01-02", value)
		if err != nil {
			return time.Time{}, validationError("weekStart must be YYYY-MM-DD")
		}
		day = parsed
	}
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset), nil
}
