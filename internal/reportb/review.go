package reportb

import (
	"math"
	"strings"

	"manuscript/api/internal/store"
)

const (
	FeedbackAccepted = "accepted"
	FeedbackRejected = "rejected"
)

// DefaultPageSize matches the review screen.
const DefaultPageSize = 25

// ValidFeedbackStatus reports whether status may be stored. An empty status
// clears a decision.
func ValidFeedbackStatus(status string) bool {
	return status == "" || status == FeedbackAccepted || status == FeedbackRejected
}

// Query selects a page of issues.
type Query struct {
	IssueType string
	// Mine keeps only issues the caller has decided on or annotated.
	Mine     bool
	Page     int
	PageSize int
}

type Page struct {
	Issues     []Issue `json:"issues"`
	Page       int     `json:"page"`
	PageSize   int     `json:"pageSize"`
	Total      int     `json:"total"`
	TotalPages int     `json:"totalPages"`
}

// FeedbackIndex maps issue ids to feedback.
func FeedbackIndex(feedback []store.Feedback) map[string]store.Feedback {
	out := make(map[string]store.Feedback, len(feedback))
	for _, fb := range feedback {
		out[fb.IssueID] = fb
	}
	return out
}

func hasFeedback(fb store.Feedback) bool {
	return (fb.Status != nil && *fb.Status != "") || fb.Notes != ""
}

// Select filters issues and returns the requested page. "all" and "" disable
// the type filter.
func Select(issues []Issue, feedback map[string]store.Feedback, q Query) Page {
	filtered := make([]Issue, 0, len(issues))
	for _, issue := range issues {
		if q.Mine {
			fb, ok := feedback[issue.ID]
			if !ok || !hasFeedback(fb) {
				continue
			}
		}
		if q.IssueType != "" && q.IssueType != "all" && issue.IssueType != q.IssueType {
			continue
		}
		filtered = append(filtered, issue)
	}

	size := q.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	totalPages := (len(filtered) + size - 1) / size

	start := (page - 1) * size
	if start > len(filtered) {
		start = len(filtered)
	}
	end := min(start+size, len(filtered))

	return Page{
		Issues:     filtered[start:end],
		Page:       page,
		PageSize:   size,
		Total:      len(filtered),
		TotalPages: totalPages,
	}
}

type Metrics struct {
	TotalIssues       int     `json:"totalIssues"`
	Accepted          int     `json:"accepted"`
	Rejected          int     `json:"rejected"`
	Pending           int     `json:"pending"`
	WithNotes         int     `json:"withNotes"`
	ManualIssuesCount int     `json:"manualIssuesCount"`
	AcceptanceRate    float64 `json:"acceptanceRate"`
	RejectionRate     float64 `json:"rejectionRate"`
}

// ComputeMetrics summarizes feedback against every issue in the report.
func ComputeMetrics(report Report, feedback []store.Feedback, manualIssues int) Metrics {
	m := Metrics{TotalIssues: report.TotalIssues(), ManualIssuesCount: manualIssues}
	for _, fb := range feedback {
		if fb.Status != nil {
			switch *fb.Status {
			case FeedbackAccepted:
				m.Accepted++
			case FeedbackRejected:
				m.Rejected++
			}
		}
		if strings.TrimSpace(fb.Notes) != "" {
			m.WithNotes++
		}
	}
	m.Pending = m.TotalIssues - m.Accepted - m.Rejected
	if m.TotalIssues > 0 {
		m.AcceptanceRate = percent(m.Accepted, m.TotalIssues)
		m.RejectionRate = percent(m.Rejected, m.TotalIssues)
	}
	return m
}

func percent(n, total int) float64 {
	return math.Round(float64(n)/float64(total)*1000) / 10
}
