package app

import (
	"time"

	"casebook/api/internal/store"
)

type projectView struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type caseView struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"projectId"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type reportView struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"projectId"`
	CaseID    *int64    `json:"caseId"`
	WeekStart string    `json:"weekStart"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Version   int64     `json:"version"`
	UpdatedBy string    `json:"updatedBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toProjectView(p store.Project) projectView {
	return projectView{ID: p.ID, Name: p.Name, Code: p.Code, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt}
}

func toCaseView(c store.Case) caseView {
	return caseView{ID: c.ID, ProjectID: c.ProjectID, Title: c.Title, Status: c.Status, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
}

func toReportView(r store.Report) reportView {
	return reportView{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		CaseID:    r.CaseID,
		WeekStart: r.WeekStart.Format("2006-01-02"),
		Title:     r.Title,
		Content:   r.Content,
		Version:   r.Version,
		UpdatedBy: r.UpdatedBy,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
