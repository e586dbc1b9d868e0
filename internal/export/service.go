package export

import (
	"context"
	"fmt"
	"sort"
	"time"

	"annotator/api/internal/agreement"
	"annotator/api/internal/store"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetTask(ctx context.Context, taskID string) (store.Task, error)
	GetPost(ctx context.Context, postID string) (store.Post, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	CodesForTask(ctx context.Context, taskID string) ([]store.CodeExportRow, error)
}

// Diagnostics computes the agreement figures the report renders.
type Diagnostics interface {
	Report(ctx context.Context, threadID, taskID string) (agreement.Report, error)
	Disagreements(ctx context.Context, threadID, taskID string) ([]agreement.Disagreement, error)
}

// Service provides export functionality
type Service struct {
	store DataStore
	diag  Diagnostics
}

// NewService creates a new export service
func NewService(store DataStore, diag Diagnostics) *Service {
	return &Service{store: store, diag: diag}
}

// CodesCSV exports every code recorded under a task as CSV.
func (s *Service) CodesCSV(ctx context.Context, taskID string) (*Result, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	rows, err := s.store.CodesForTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("codes for task: %w", err)
	}
	return codesCSV(task.Name, rows)
}

// AgreementReport renders the inter-annotator agreement report for a
// (thread, task) pair in the requested format.
func (s *Service) AgreementReport(ctx context.Context, threadID, taskID string, format Format) (*Result, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	root, err := s.store.GetPost(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("get thread root: %w", err)
	}

	report, err := s.diag.Report(ctx, threadID, taskID)
	if err != nil {
		return nil, fmt.Errorf("agreement report: %w", err)
	}
	disagreements, err := s.diag.Disagreements(ctx, threadID, taskID)
	if err != nil {
		return nil, fmt.Errorf("agreement disagreements: %w", err)
	}

	names := s.usernames(ctx, report.Users)

	data := ReportData{
		ThreadTitle: root.Title,
		ThreadID:    threadID,
		TaskName:    task.Name,
		GeneratedAt: time.Now().UTC(),
	}
	if data.ThreadTitle == "" {
		data.ThreadTitle = threadID
	}

	for _, p := range report.Pairs {
		data.Pairs = append(data.Pairs, ReportPair{
			UserA:       names[p.UserA],
			UserB:       names[p.UserB],
			SharedPosts: p.SharedPosts,
			Agreements:  p.Agreements,
			Percent:     p.PercentAgreement,
			Kappa:       p.Kappa,
		})
	}

	for _, d := range disagreements {
		item := ReportDisagreement{PostID: d.PostID}
		users := make([]string, 0, len(d.Labels))
		for u := range d.Labels {
			users = append(users, u)
		}
		sort.Strings(users)
		for _, u := range users {
			name, ok := names[u]
			if !ok {
				name = s.username(ctx, u)
				names[u] = name
			}
			item.Labels = append(item.Labels, ReportLabel{User: name, Label: d.Labels[u]})
		}
		data.Disagreements = append(data.Disagreements, item)
	}

	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}

	title := fmt.Sprintf("agreement %s %s", task.Name, data.ThreadTitle)
	switch format {
	case FormatPDF:
		return exportPDF(html, title)
	case FormatDOCX:
		return exportDOCX(html, title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func (s *Service) usernames(ctx context.Context, userIDs []string) map[string]string {
	names := make(map[string]string, len(userIDs))
	for _, id := range userIDs {
		names[id] = s.username(ctx, id)
	}
	return names
}

// username falls back to the raw id when the user row is gone.
func (s *Service) username(ctx context.Context, userID string) string {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil || user.Username == "" {
		return userID
	}
	return user.Username
}
