package audit

import (
	"context"
	"strings"

	"bitbucket.org/mmdatafocus/audit_backend/models"
	"bitbucket.org/mmdatafocus/audit_backend/repository"
	"github.com/shopspring/decimal"
)

type Progress struct {
	Total     int `json:"total"`
	Submitted int `json:"submitted"`
}

type DepartmentCompletion struct {
	Department string          `json:"department"`
	Reviewed   int             `json:"reviewed"`
	Total      int             `json:"total"`
	Percent    decimal.Decimal `json:"percent"`
}

// ReconciliationEngine aggregates assignments and reviews into progress and summary
// figures. It never writes.
type ReconciliationEngine struct {
	deps     *Deps
	sessions *SessionManager
}

// uniqueKeys trims, drops blanks and keeps the first occurrence of each key.
func uniqueKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// Progress counts how many of the listed departments have submitted. Sessions without
// any assignment rows fall back to counting departments that have at least one review.
func (e *ReconciliationEngine) Progress(ctx context.Context, sessionId string, departments []string) (progress Progress, err error) {
	ctx, done := begin(ctx, "reconciliation.progress", sessionAttr(sessionId))
	defer func() { done(err) }()

	if _, err := e.sessions.Require(ctx, sessionId, false); err != nil {
		return progress, err
	}
	departments = uniqueKeys(departments)
	progress.Total = len(departments)
	if len(departments) == 0 {
		return progress, nil
	}

	assignments, err := e.deps.Repo.ListAssignments(ctx, sessionId)
	if err != nil {
		return progress, err
	}
	submitted := make(map[string]bool, len(assignments))
	if len(assignments) > 0 {
		for _, a := range assignments {
			if a.IsSubmitted() {
				submitted[a.Department] = true
			}
		}
	} else {
		reviews, err := e.deps.Repo.ListReviews(ctx, repository.ReviewFilter{SessionId: sessionId})
		if err != nil {
			return progress, err
		}
		for _, r := range reviews {
			submitted[r.Department] = true
		}
	}
	for _, d := range departments {
		if submitted[d] {
			progress.Submitted++
		}
	}
	return progress, nil
}

func summarize(reviews []*models.AuditReview) map[string]models.StatusCounts {
	summary := make(map[string]models.StatusCounts)
	for _, r := range reviews {
		counts := summary[r.Department]
		counts.Add(r.Status)
		summary[r.Department] = counts
	}
	return summary
}

// SummaryByDepartment tallies review statuses per department.
func (e *ReconciliationEngine) SummaryByDepartment(ctx context.Context, sessionId string) (summary map[string]models.StatusCounts, err error) {
	ctx, done := begin(ctx, "reconciliation.summary", sessionAttr(sessionId))
	defer func() { done(err) }()

	if _, err := e.sessions.Require(ctx, sessionId, false); err != nil {
		return nil, err
	}
	return e.summary(ctx, sessionId)
}

func (e *ReconciliationEngine) summary(ctx context.Context, sessionId string) (map[string]models.StatusCounts, error) {
	rev, cacheable := e.deps.Cache.Revision(ctx, sessionId)
	if cacheable {
		if cached, hit := e.deps.Cache.GetSummary(ctx, sessionId, rev); hit {
			return cached, nil
		}
	}
	reviews, err := e.deps.Repo.ListReviews(ctx, repository.ReviewFilter{SessionId: sessionId})
	if err != nil {
		return nil, err
	}
	summary := summarize(reviews)
	if cacheable {
		e.deps.Cache.PutSummary(ctx, sessionId, rev, summary)
	}
	return summary, nil
}

// AssetTotalsByDepartment counts directory assets per listed department, optionally
// within one property. Every listed department is present in the result.
func (e *ReconciliationEngine) AssetTotalsByDepartment(ctx context.Context, departments []string, propertyId *string) (totals map[string]int, err error) {
	ctx, done := begin(ctx, "reconciliation.asset_totals")
	defer func() { done(err) }()

	departments = uniqueKeys(departments)
	propertyId = normalizeProperty(propertyId)
	totals = make(map[string]int, len(departments))
	if len(departments) == 0 {
		return totals, nil
	}
	if cached, hit := e.deps.Cache.GetTotals(ctx, departments, propertyId); hit {
		return cached, nil
	}

	filter := models.AssetFilter{Departments: departments}
	if propertyId != nil {
		filter.PropertyId = *propertyId
	}
	assets, err := e.deps.Directory.ListAssets(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, d := range departments {
		totals[d] = 0
	}
	for _, a := range assets {
		if _, listed := totals[a.Department]; listed {
			totals[a.Department]++
		}
	}
	e.deps.Cache.PutTotals(ctx, departments, propertyId, totals)
	return totals, nil
}

// Completion reports reviewed/total per department with a percentage rounded to two
// places. propertyId defaults to the session's property.
func (e *ReconciliationEngine) Completion(ctx context.Context, sessionId string, departments []string, propertyId *string) (completion []DepartmentCompletion, err error) {
	ctx, done := begin(ctx, "reconciliation.completion", sessionAttr(sessionId))
	defer func() { done(err) }()

	session, err := e.sessions.Require(ctx, sessionId, false)
	if err != nil {
		return nil, err
	}
	if normalizeProperty(propertyId) == nil {
		propertyId = session.PropertyId
	}
	departments = uniqueKeys(departments)

	summary, err := e.summary(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	totals, err := e.AssetTotalsByDepartment(ctx, departments, propertyId)
	if err != nil {
		return nil, err
	}

	hundred := decimal.NewFromInt(100)
	completion = make([]DepartmentCompletion, 0, len(departments))
	for _, d := range departments {
		row := DepartmentCompletion{
			Department: d,
			Reviewed:   summary[d].Total(),
			Total:      totals[d],
			Percent:    decimal.Zero,
		}
		if row.Total > 0 {
			row.Percent = decimal.NewFromInt(int64(row.Reviewed)).
				Mul(hundred).
				Div(decimal.NewFromInt(int64(row.Total))).
				Round(2)
		}
		completion = append(completion, row)
	}
	return completion, nil
}
