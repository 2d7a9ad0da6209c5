package store

import (
	"context"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// VersionConflict describes a rejected write: the caller expected one
// version but the report had already moved on.
type VersionConflict struct {
	ReportID        int64
	ExpectedVersion int64
	CurrentVersion  int64
}

func (c VersionConflict) String() string {
	return fmt.Sprintf("report %d: expected version %d, current version %d", c.ReportID, c.ExpectedVersion, c.CurrentVersion)
}

// WriteResult is the outcome of WriteReport. Exactly one of Report and
// Conflict is set. Infrastructure failures are returned as errors instead.
type WriteResult struct {
	Report   *Report
	Conflict *VersionConflict
}

func (r WriteResult) OK() bool {
	return r.Report != nil && r.Conflict == nil
}

// Version returns the new version on success and zero on conflict.
func (r WriteResult) Version() int64 {
	if r.Report == nil {
		return 0
	}
	return r.Report.Version
}

// ReportWrite is the content of a version-checked save.
type ReportWrite struct {
	ReportID        int64
	ExpectedVersion int64
	Title           *string
	Content         string
	UpdatedBy       string
}

type ReportStore interface {
	CreateProject(ctx context.Context, name, code string) (Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	GetProject(ctx context.Context, projectID int64) (Project, error)
	CreateCase(ctx context.Context, projectID int64, title string) (Case, error)
	ListCases(ctx context.Context, projectID int64) ([]Case, error)
	CreateReport(ctx context.Context, input NewReport) (Report, error)
	GetReport(ctx context.Context, reportID int64) (Report, error)
	ListReports(ctx context.Context, projectID int64) ([]Report, error)
	// WriteReport persists the write only if the stored version equals
	// ExpectedVersion, incrementing it by one in the same atomic step.
	WriteReport(ctx context.Context, write ReportWrite) (WriteResult, error)
	Ping(ctx context.Context) error
}
