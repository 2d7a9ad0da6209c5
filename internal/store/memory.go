package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process ReportStore. A single mutex makes the
// version check and increment in WriteReport atomic.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	nextID   int64
	projects map[int64]Project
	cases    map[int64]Case
	reports  map[int64]Report
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		projects: make(map[int64]Project),
		cases:    make(map[int64]Case),
		reports:  make(map[int64]Report),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateProject(_ context.Context, name, code string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	project := Project{ID: s.id(), Name: name, Code: strings.ToUpper(code), CreatedAt: now, UpdatedAt: now}
	s.projects[project.ID] = project
	return project, nil
}

func (s *MemoryStore) ListProjects(context.Context) ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	projects := make([]Project, 0, len(s.projects))
	for _, project := range s.projects {
		projects = append(projects, project)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, nil
}

func (s *MemoryStore) GetProject(_ context.Context, projectID int64) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[projectID]
	if !ok {
		return Project{}, ErrNotFound
	}
	return project, nil
}

func (s *MemoryStore) CreateCase(_ context.Context, projectID int64, title string) (Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return Case{}, ErrNotFound
	}
	now := s.now()
	item := Case{ID: s.id(), ProjectID: projectID, Title: title, Status: "open", CreatedAt: now, UpdatedAt: now}
	s.cases[item.ID] = item
	return item, nil
}

func (s *MemoryStore) ListCases(_ context.Context, projectID int64) ([]Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cases []Case
	for _, item := range s.cases {
		if item.ProjectID == projectID {
			cases = append(cases, item)
		}
	}
	sort.Slice(cases, func(i, j int) bool { return cases[i].ID < cases[j].ID })
	return cases, nil
}

func (s *MemoryStore) CreateReport(_ context.Context, input NewReport) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[input.ProjectID]; !ok {
		return Report{}, ErrNotFound
	}
	if input.CaseID != nil {
		if _, ok := s.cases[*input.CaseID]; !ok {
			return Report{}, ErrNotFound
		}
	}
	now := s.now()
	report := Report{
		ID:        s.id(),
		ProjectID: input.ProjectID,
		CaseID:    input.CaseID,
		WeekStart: input.WeekStart,
		Title:     input.Title,
		Content:   input.Content,
		Version:   1,
		UpdatedBy: input.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.reports[report.ID] = report
	return report, nil
}

func (s *MemoryStore) GetReport(_ context.Context, reportID int64) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.reports[reportID]
	if !ok {
		return Report{}, ErrNotFound
	}
	return report, nil
}

func (s *MemoryStore) ListReports(_ context.Context, projectID int64) ([]Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reports []Report
	for _, report := range s.reports {
		if report.ProjectID == projectID {
			reports = append(reports, report)
		}
	}
	sort.Slice(reports, func(i, j int) bool {
		if !reports[i].WeekStart.Equal(reports[j].WeekStart) {
			return reports[i].WeekStart.After(reports[j].WeekStart)
		}
		return reports[i].ID > reports[j].ID
	})
	return reports, nil
}

func (s *MemoryStore) WriteReport(_ context.Context, write ReportWrite) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.reports[write.ReportID]
	if !ok {
		return WriteResult{}, ErrNotFound
	}
	if report.Version != write.ExpectedVersion {
		return WriteResult{Conflict: &VersionConflict{
			ReportID:        write.ReportID,
			ExpectedVersion: write.ExpectedVersion,
			CurrentVersion:  report.Version,
		}}, nil
	}
	report.Content = write.Content
	if write.Title != nil {
		report.Title = *write.Title
	}
	report.UpdatedBy = write.UpdatedBy
	report.UpdatedAt = s.now()
	report.Version++
	s.reports[report.ID] = report
	return WriteResult{Report: &report}, nil
}

var _ ReportStore = (*MemoryStore)(nil)
