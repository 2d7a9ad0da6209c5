package store

import "time"

type Project struct {
	ID        int64
	Name      string
	Code      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Case struct {
	ID        int64
	ProjectID int64
	Title     string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Report is one weekly report. Version starts at 1 and grows by exactly one
// on every successful WriteReport.
type Report struct {
	ID        int64
	ProjectID int64
	CaseID    *int64
	WeekStart time.Time
	Title     string
	Content   string
	Version   int64
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewReport carries the fields a caller supplies when creating a report.
type NewReport struct {
	ProjectID int64
	CaseID    *int64
	WeekStart time.Time
	Title     string
	Content   string
	CreatedBy string
}
