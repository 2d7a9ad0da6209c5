package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// runReportStoreContract exercises the version-checked write path of any
// ReportStore implementation.
func runReportStoreContract(t *testing.T, s ReportStore) {
	t.Helper()
	ctx := context.Background()

	project, err := s.CreateProject(ctx, "Contract", fmt.Sprintf("c%d", time.Now().UnixNano()))
	if err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}

	newReport := func(t *testing.T) Report {
		t.Helper()
		report, err := s.CreateReport(ctx, NewReport{
			ProjectID: project.ID,
			WeekStart: time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC),
			Title:     "Week 42",
			Content:   "initial",
			CreatedBy: "setup",
		})
		if err != nil {
			t.Fatalf("CreateReport() error = %v", err)
		}
		if report.Version != 1 {
			t.Fatalf("new report should start at version 1, got %d", report.Version)
		}
		return report
	}

	t.Run("write increments version once", func(t *testing.T) {
		report := newReport(t)
		result, err := s.WriteReport(ctx, ReportWrite{ReportID: report.ID, ExpectedVersion: 1, Content: "second", UpdatedBy: "x"})
		if err != nil {
			t.Fatalf("WriteReport() error = %v", err)
		}
		if !result.OK() || result.Version() != 2 {
			t.Fatalf("expected success at version 2, got %+v", result)
		}
		if result.Report.Content != "second" || result.Report.UpdatedBy != "x" {
			t.Fatalf("unexpected stored report %+v", result.Report)
		}
	})

	t.Run("stale writer gets conflict and document is untouched", func(t *testing.T) {
		report := newReport(t)
		for v := int64(1); v < 3; v++ {
			if res, err := s.WriteReport(ctx, ReportWrite{ReportID: report.ID, ExpectedVersion: v, Content: fmt.Sprintf("v%d", v+1)}); err != nil || !res.OK() {
				t.Fatalf("priming write %d failed: %+v %v", v, res, err)
			}
		}
		// Report is now at version 3. X wins, Y is stale.
		resX, err := s.WriteReport(ctx, ReportWrite{ReportID: report.ID, ExpectedVersion: 3, Content: "from X", UpdatedBy: "X"})
		if err != nil || !resX.OK() || resX.Version() != 4 {
			t.Fatalf("X should succeed at version 4, got %+v %v", resX, err)
		}
		resY, err := s.WriteReport(ctx, ReportWrite{ReportID: report.ID, ExpectedVersion: 3, Content: "from Y", UpdatedBy: "Y"})
		if err != nil {
			t.Fatalf("WriteReport() error = %v", err)
		}
		if resY.OK() || resY.Conflict == nil {
			t.Fatalf("Y should receive a conflict, got %+v", resY)
		}
		if resY.Conflict.ExpectedVersion != 3 || resY.Conflict.CurrentVersion != 4 {
			t.Fatalf("unexpected conflict %+v", resY.Conflict)
		}
		stored, err := s.GetReport(ctx, report.ID)
		if err != nil {
			t.Fatalf("GetReport() error = %v", err)
		}
		if stored.Version != 4 || stored.Content != "from X" {
			t.Fatalf("expected X's content at version 4, got %q at %d", stored.Content, stored.Version)
		}
	})

	t.Run("racing writers with same expected version", func(t *testing.T) {
		report := newReport(t)
		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		start := make(chan struct{})
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				res, err := s.WriteReport(ctx, ReportWrite{ReportID: report.ID, ExpectedVersion: 1, Content: fmt.Sprintf("writer %d", i)})
				if err != nil {
					t.Errorf("WriteReport() error = %v", err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if res.OK() {
					successes++
				} else {
					conflicts++
				}
			}(i)
		}
		close(start)
		wg.Wait()

		if successes != 1 || conflicts != writers-1 {
			t.Fatalf("expected 1 success and %d conflicts, got %d/%d", writers-1, successes, conflicts)
		}
		stored, err := s.GetReport(ctx, report.ID)
		if err != nil {
			t.Fatalf("GetReport() error = %v", err)
		}
		if stored.Version != 2 {
			t.Fatalf("final version must be 2, got %d", stored.Version)
		}
	})

	t.Run("missing report", func(t *testing.T) {
		_, err := s.WriteReport(ctx, ReportWrite{ReportID: 987654321, ExpectedVersion: 1})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.GetReport(ctx, 987654321); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runReportStoreContract(t, NewMemoryStore())
}

func TestMemoryStoreListsReportsNewestWeekFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	project, _ := s.CreateProject(ctx, "Ops", "ops")
	other, _ := s.CreateProject(ctx, "Other", "oth")
	caseItem, err := s.CreateCase(ctx, project.ID, "Outage follow-up")
	if err != nil {
		t.Fatalf("CreateCase() error = %v", err)
	}

	older := time.Date(2026, 10, 5, 0, 0, 0, 0, time.UTC)
	newer := older.AddDate(0, 0, 7)
	if _, err := s.CreateReport(ctx, NewReport{ProjectID: project.ID, WeekStart: older, Title: "w41"}); err != nil {
		t.Fatalf("CreateReport() error = %v", err)
	}
	if _, err := s.CreateReport(ctx, NewReport{ProjectID: project.ID, CaseID: &caseItem.ID, WeekStart: newer, Title: "w42"}); err != nil {
		t.Fatalf("CreateReport() error = %v", err)
	}
	if _, err := s.CreateReport(ctx, NewReport{ProjectID: other.ID, WeekStart: newer, Title: "elsewhere"}); err != nil {
		t.Fatalf("CreateReport() error = %v", err)
	}

	reports, err := s.ListReports(ctx, project.ID)
	if err != nil {
		t.Fatalf("ListReports() error = %v", err)
	}
	if len(reports) != 2 || reports[0].Title != "w42" || reports[1].Title != "w41" {
		t.Fatalf("unexpected ordering %+v", reports)
	}
	if reports[0].CaseID == nil || *reports[0].CaseID != caseItem.ID {
		t.Fatalf("expected case id on w42")
	}

	missingCase := int64(999)
	if _, err := s.CreateReport(ctx, NewReport{ProjectID: project.ID, CaseID: &missingCase, WeekStart: newer}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown case, got %v", err)
	}
}
