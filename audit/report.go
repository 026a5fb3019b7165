package audit

import (
	"context"
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/audit_backend/config"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"bitbucket.org/mmdatafocus/audit_backend/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// scoped listings over-fetch by this factor before the authorization post-filter runs
const recentReportsOverfetch = 5

type GenerateResult struct {
	Report *models.AuditReport `json:"report"`
	// LimitReached is set when the session already had its two reports; Report is then
	// the most recent existing one.
	LimitReached bool `json:"limit_reached"`
}

// ReportGenerator creates the immutable snapshots of a session, at most
// models.MaxReportsPerSession of them.
type ReportGenerator struct {
	deps           *Deps
	sessions       *SessionManager
	reconciliation *ReconciliationEngine
}

// Generate snapshots the session. Extra departments are listed in byDepartment even when
// nothing was recorded for them. Stopped sessions may still be reported on.
func (g *ReportGenerator) Generate(ctx context.Context, sessionId string, generatedBy *string, departments ...string) (result *GenerateResult, err error) {
	ctx, done := begin(ctx, "report.generate", sessionAttr(sessionId))
	defer func() { done(err) }()

	session, err := g.sessions.Require(ctx, sessionId, false)
	if err != nil {
		return nil, err
	}

	fields := logrus.Fields{"field": "auditReportGenerate", "session_id": sessionId}
	lock := g.deps.obtainLock(ctx, "lock:audit-report:"+sessionId, fields)
	defer g.deps.releaseLock(ctx, lock, fields)

	existing, err := g.deps.Repo.ListReports(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	if len(existing) >= models.MaxReportsPerSession {
		return &GenerateResult{Report: existing[0], LimitReached: true}, nil
	}

	payload, err := g.buildPayload(ctx, session, departments)
	if err != nil {
		return nil, err
	}
	report := &models.AuditReport{
		ID:          uuid.NewString(),
		SessionId:   sessionId,
		GeneratedAt: g.deps.now(),
		GeneratedBy: generatedBy,
		PropertyId:  session.PropertyId,
		Payload:     datatypes.NewJSONType(payload),
	}
	stored, created, err := g.deps.Repo.InsertReportCapped(ctx, report, models.MaxReportsPerSession)
	if err != nil {
		config.LogError(g.deps.Logger, "AuditReport", "Generate", "insert report", sessionId, err)
		return nil, err
	}
	if !created {
		return &GenerateResult{Report: stored, LimitReached: true}, nil
	}

	g.deps.archive(ctx, stored)
	g.deps.emit(ctx, Event{
		Type:       EventReportGenerated,
		SessionId:  sessionId,
		PropertyId: stored.PropertyId,
		ReportId:   stored.ID,
		Actor:      generatedBy,
	})
	return &GenerateResult{Report: stored}, nil
}

func (g *ReportGenerator) buildPayload(ctx context.Context, session *models.AuditSession, requested []string) (models.ReportPayload, error) {
	var payload models.ReportPayload

	reviews, err := g.deps.Repo.ListReviews(ctx, repository.ReviewFilter{SessionId: session.ID})
	if err != nil {
		return payload, err
	}
	assignments, err := g.deps.Repo.ListAssignments(ctx, session.ID)
	if err != nil {
		return payload, err
	}

	departments := uniqueKeys(requested)
	listed := make(map[string]bool, len(departments))
	for _, d := range departments {
		listed[d] = true
	}
	var discovered []string
	discover := func(d string) {
		if d != "" && !listed[d] {
			listed[d] = true
			discovered = append(discovered, d)
		}
	}
	for _, r := range reviews {
		discover(r.Department)
	}
	for _, a := range assignments {
		discover(a.Department)
	}
	if session.PropertyId != nil {
		assets, err := g.deps.Directory.ListAssets(ctx, models.AssetFilter{PropertyId: *session.PropertyId})
		if err != nil {
			g.warn(session.ID, "list scope assets", err)
		}
		for _, a := range assets {
			discover(strings.TrimSpace(a.Department))
		}
	}
	sort.Strings(discovered)
	departments = append(departments, discovered...)

	totals, err := g.reconciliation.AssetTotalsByDepartment(ctx, departments, session.PropertyId)
	if err != nil {
		g.warn(session.ID, "asset totals", err)
		totals = nil
	}

	counts := summarize(reviews)
	payload.ByDepartment = make([]models.DepartmentTally, 0, len(departments))
	for _, d := range departments {
		c := counts[d]
		total := totals[d]
		if total <= 0 {
			total = c.Total()
		}
		payload.ByDepartment = append(payload.ByDepartment, models.DepartmentTally{
			Department: d,
			Verified:   c.Verified,
			Missing:    c.Missing,
			Damaged:    c.Damaged,
			Total:      total,
		})
		payload.Totals.Verified += c.Verified
		payload.Totals.Missing += c.Missing
		payload.Totals.Damaged += c.Damaged
	}

	payload.Contributors = make([]models.ReportContributor, 0, len(assignments))
	for _, a := range assignments {
		payload.Contributors = append(payload.Contributors, models.ReportContributor{
			Department:  a.Department,
			Status:      a.Status,
			SubmittedAt: a.SubmittedAt,
			SubmittedBy: a.SubmittedBy,
		})
	}
	sort.SliceStable(payload.Contributors, func(i, j int) bool {
		return payload.Contributors[i].Department < payload.Contributors[j].Department
	})
	return payload, nil
}

func (g *ReportGenerator) warn(sessionId, step string, err error) {
	g.deps.Logger.WithFields(logrus.Fields{
		"field":      "auditReportGenerate",
		"session_id": sessionId,
		"step":       step,
	}).Warn("directory unavailable; falling back to review counts: " + err.Error())
}

// List returns the session's reports, newest first.
func (g *ReportGenerator) List(ctx context.Context, sessionId string) (reports []*models.AuditReport, err error) {
	ctx, done := begin(ctx, "report.list", sessionAttr(sessionId))
	defer func() { done(err) }()

	if _, err := g.sessions.Require(ctx, sessionId, false); err != nil {
		return nil, err
	}
	return g.deps.Repo.ListReports(ctx, sessionId)
}

func (g *ReportGenerator) GetById(ctx context.Context, reportId string) (report *models.AuditReport, err error) {
	ctx, done := begin(ctx, "report.get")
	defer func() { done(err) }()

	if err := models.RequireKey("report id", reportId); err != nil {
		return nil, err
	}
	return g.deps.Repo.GetReport(ctx, reportId)
}

// ListRecent lists reports across sessions, newest first. scope, when set, drops reports
// the caller may not see.
func (g *ReportGenerator) ListRecent(ctx context.Context, limit int, scope func(*models.AuditReport) bool) (reports []*models.AuditReport, err error) {
	ctx, done := begin(ctx, "report.list_recent")
	defer func() { done(err) }()

	if limit <= 0 {
		limit = g.deps.Policy.RecentReportsDefaultLimit
	}
	if scope == nil {
		return g.deps.Repo.ListRecentReports(ctx, limit)
	}
	candidates, err := g.deps.Repo.ListRecentReports(ctx, limit*recentReportsOverfetch)
	if err != nil {
		return nil, err
	}
	reports = make([]*models.AuditReport, 0, limit)
	for _, r := range candidates {
		if len(reports) == limit {
			break
		}
		if scope(r) {
			reports = append(reports, r)
		}
	}
	return reports, nil
}
