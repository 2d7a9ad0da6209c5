package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateProject(ctx context.Context, name, code string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (name, code)
		VALUES ($1, $2)
		RETURNING id, name, code, created_at, updated_at
	`, name, strings.ToUpper(code)).Scan(&project.ID, &project.Name, &project.Code, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return project, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, code, created_at, updated_at FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var project Project
		if err := rows.Scan(&project.ID, &project.Name, &project.Code, &project.CreatedAt, &project.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID int64) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `SELECT id, name, code, created_at, updated_at FROM projects WHERE id=$1`, projectID).
		Scan(&project.ID, &project.Name, &project.Code, &project.CreatedAt, &project.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

func (s *PostgresStore) CreateCase(ctx context.Context, projectID int64, title string) (Case, error) {
	var item Case
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cases (project_id, title)
		VALUES ($1, $2)
		RETURNING id, project_id, title, status, created_at, updated_at
	`, projectID, title).Scan(&item.ID, &item.ProjectID, &item.Title, &item.Status, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Case{}, fmt.Errorf("insert case: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListCases(ctx context.Context, projectID int64) ([]Case, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, status, created_at, updated_at
		FROM cases WHERE project_id=$1 ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	var cases []Case
	for rows.Next() {
		var item Case
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Title, &item.Status, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		cases = append(cases, item)
	}
	return cases, rows.Err()
}

const reportColumns = `id, project_id, case_id, week_start, title, content, version, updated_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (Report, error) {
	var (
		report Report
		caseID sql.NullInt64
	)
	err := row.Scan(
		&report.ID,
		&report.ProjectID,
		&caseID,
		&report.WeekStart,
		&report.Title,
		&report.Content,
		&report.Version,
		&report.UpdatedBy,
		&report.CreatedAt,
		&report.UpdatedAt,
	)
	if err != nil {
		return Report{}, err
	}
	if caseID.Valid {
		id := caseID.Int64
		report.CaseID = &id
	}
	return report, nil
}

func (s *PostgresStore) CreateReport(ctx context.Context, input NewReport) (Report, error) {
	var caseID any
	if input.CaseID != nil {
		caseID = *input.CaseID
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO weekly_reports (project_id, case_id, week_start, title, content, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+reportColumns,
		input.ProjectID, caseID, input.WeekStart, input.Title, input.Content, input.CreatedBy,
	)
	report, err := scanReport(row)
	if err != nil {
		return Report{}, fmt.Errorf("insert report: %w", err)
	}
	return report, nil
}

func (s *PostgresStore) GetReport(ctx context.Context, reportID int64) (Report, error) {
	report, err := scanReport(s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM weekly_reports WHERE id=$1`, reportID))
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("get report: %w", err)
	}
	return report, nil
}

func (s *PostgresStore) ListReports(ctx context.Context, projectID int64) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reportColumns+`
		FROM weekly_reports
		WHERE project_id=$1
		ORDER BY week_start DESC, id DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

// WriteReport compares and increments the version in a single UPDATE. Under
// concurrent writers Postgres re-evaluates the WHERE clause after the row
// lock is released, so only one writer per expected version matches.
func (s *PostgresStore) WriteReport(ctx context.Context, write ReportWrite) (WriteResult, error) {
	var title any
	if write.Title != nil {
		title = *write.Title
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE weekly_reports
		SET content = $3,
			title = COALESCE($4, title),
			updated_by = $5,
			updated_at = NOW(),
			version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING `+reportColumns,
		write.ReportID, write.ExpectedVersion, write.Content, title, write.UpdatedBy,
	)
	report, err := scanReport(row)
	if err == nil {
		return WriteResult{Report: &report}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return WriteResult{}, fmt.Errorf("write report: %w", err)
	}

	var current int64
	err = s.db.QueryRowContext(ctx, `SELECT version FROM weekly_reports WHERE id=$1`, write.ReportID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return WriteResult{}, ErrNotFound
	}
	if err != nil {
		return WriteResult{}, fmt.Errorf("read report version: %w", err)
	}
	return WriteResult{Conflict: &VersionConflict{
		ReportID:        write.ReportID,
		ExpectedVersion: write.ExpectedVersion,
		CurrentVersion:  current,
	}}, nil
}

var _ ReportStore = (*PostgresStore)(nil)
