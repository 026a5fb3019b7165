package graph

import (
	"context"
	"maps"
	"slices"

	"bitbucket.org/mmdatafocus/audit_backend/audit"
	"bitbucket.org/mmdatafocus/audit_backend/directives"
	"bitbucket.org/mmdatafocus/audit_backend/models"
)

// ActiveSession is the resolver for the activeSession field.
func (r *queryResolver) ActiveSession(ctx context.Context, args activeSessionArgs) (*models.AuditSession, error) {
	return r.Engine.Sessions.GetActive(ctx, args.PropertyId)
}

// Assignments is the resolver for the assignments field.
func (r *queryResolver) Assignments(ctx context.Context, args sessionArgs) ([]*models.AuditAssignment, error) {
	return r.Engine.Assignments.ListFor(ctx, args.SessionId)
}

// DepartmentReviews is the resolver for the departmentReviews field.
func (r *queryResolver) DepartmentReviews(ctx context.Context, args departmentArgs) ([]*models.AuditReview, error) {
	return r.Engine.Reviews.ListForDepartment(ctx, args.SessionId, args.Department)
}

// SessionReviews is the resolver for the sessionReviews field.
func (r *queryResolver) SessionReviews(ctx context.Context, args sessionArgs) ([]*models.AuditReview, error) {
	return r.Engine.Reviews.ListForSession(ctx, args.SessionId)
}

// MyScans is the resolver for the myScans field.
func (r *queryResolver) MyScans(ctx context.Context, args myScansArgs) ([]*models.ScanLogEntry, error) {
	userId, err := directives.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	return r.Engine.Scans.ListMyScans(ctx, args.SessionId, userId, args.Limit)
}

// Progress is the resolver for the progress field.
func (r *queryResolver) Progress(ctx context.Context, args departmentsArgs) (audit.Progress, error) {
	return r.Engine.Reconciliation.Progress(ctx, args.SessionId, args.Departments)
}

// Summary is the resolver for the summary field.
func (r *queryResolver) Summary(ctx context.Context, args sessionArgs) ([]*DepartmentSummary, error) {
	summary, err := r.Engine.Reconciliation.SummaryByDepartment(ctx, args.SessionId)
	if err != nil {
		return nil, err
	}
	out := make([]*DepartmentSummary, 0, len(summary))
	for _, department := range slices.Sorted(maps.Keys(summary)) {
		counts := summary[department]
		out = append(out, &DepartmentSummary{Department: department, StatusCounts: counts, Total: counts.Total()})
	}
	return out, nil
}

// Completion is the resolver for the completion field.
func (r *queryResolver) Completion(ctx context.Context, args departmentsArgs) ([]audit.DepartmentCompletion, error) {
	return r.Engine.Reconciliation.Completion(ctx, args.SessionId, args.Departments, args.PropertyId)
}

// AssetTotals is the resolver for the assetTotals field.
func (r *queryResolver) AssetTotals(ctx context.Context, args departmentsArgs) ([]*DepartmentAssetTotal, error) {
	totals, err := r.Engine.Reconciliation.AssetTotalsByDepartment(ctx, args.Departments, args.PropertyId)
	if err != nil {
		return nil, err
	}
	out := make([]*DepartmentAssetTotal, 0, len(totals))
	for _, department := range slices.Sorted(maps.Keys(totals)) {
		out = append(out, &DepartmentAssetTotal{Department: department, Total: totals[department]})
	}
	return out, nil
}

// SessionReports is the resolver for the sessionReports field.
func (r *queryResolver) SessionReports(ctx context.Context, args sessionArgs) ([]*models.AuditReport, error) {
	if _, err := r.managedSession(ctx, args.SessionId); err != nil {
		return nil, err
	}
	return r.Engine.Reports.List(ctx, args.SessionId)
}

// Report is the resolver for the report field.
func (r *queryResolver) Report(ctx context.Context, args reportArgs) (*models.AuditReport, error) {
	report, err := r.Engine.Reports.GetById(ctx, args.ID)
	if err != nil {
		return nil, err
	}
	if err := r.requireManager(ctx, report.PropertyId); err != nil {
		return nil, err
	}
	return report, nil
}

// RecentReports is the resolver for the recentReports field.
func (r *queryResolver) RecentReports(ctx context.Context, args limitArgs) ([]*models.AuditReport, error) {
	return r.Engine.Reports.ListRecent(ctx, args.Limit, r.Authorizer.ReportScope(ctx))
}

// Incharge is the resolver for the incharge field.
func (r *queryResolver) Incharge(ctx context.Context, args propertyArgs) (*models.AuditIncharge, error) {
	return r.Engine.Incharges.Get(ctx, args.PropertyId)
}

// UserIncharges is the resolver for the userIncharges field.
func (r *queryResolver) UserIncharges(ctx context.Context, args userArgs) ([]*models.AuditIncharge, error) {
	userId, err := directives.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	if args.UserId != userId && !directives.IsAdmin(ctx) {
		return nil, models.ErrUnauthorized
	}
	return r.Engine.Incharges.ListForUser(ctx, args.UserId)
}

// StartSession is the resolver for the startSession field.
func (r *mutationResolver) StartSession(ctx context.Context, args startSessionArgs) (*models.AuditSession, error) {
	input := args.Input
	if err := r.requireManager(ctx, input.PropertyId); err != nil {
		return nil, err
	}
	if input.InitiatedBy == nil {
		input.InitiatedBy = actor(ctx)
	}
	return r.Engine.Sessions.Start(ctx, input.FrequencyMonths, input.InitiatedBy, input.PropertyId)
}

// StopSession is the resolver for the stopSession field.
func (r *mutationResolver) StopSession(ctx context.Context, args sessionArgs) (*SessionStopResult, error) {
	session, err := r.managedSession(ctx, args.SessionId)
	if err != nil {
		return nil, err
	}
	result, err := r.Engine.Sessions.Stop(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	return &SessionStopResult{ID: session.ID, Degraded: result.Degraded}, nil
}

// ResumeSession is the resolver for the resumeSession field.
func (r *mutationResolver) ResumeSession(ctx context.Context, args sessionArgs) (*models.AuditSession, error) {
	return r.Engine.Sessions.Resume(ctx, args.SessionId)
}

// EnsureAssignment is the resolver for the ensureAssignment field.
func (r *mutationResolver) EnsureAssignment(ctx context.Context, args departmentArgs) (*models.AuditAssignment, error) {
	return r.Engine.Assignments.Ensure(ctx, args.SessionId, args.Department)
}

// SubmitAssignment is the resolver for the submitAssignment field.
func (r *mutationResolver) SubmitAssignment(ctx context.Context, args submitArgs) (*AssignmentWriteResult, error) {
	submittedBy := args.SubmittedBy
	if submittedBy == nil {
		submittedBy = actor(ctx)
	}
	assignment, result, err := r.Engine.Assignments.Submit(ctx, args.SessionId, args.Department, submittedBy)
	if err != nil {
		return nil, err
	}
	return &AssignmentWriteResult{Assignment: assignment, Degraded: result.Degraded}, nil
}

// ReopenAssignment is the resolver for the reopenAssignment field.
func (r *mutationResolver) ReopenAssignment(ctx context.Context, args departmentArgs) (*AssignmentWriteResult, error) {
	session, err := r.managedSession(ctx, args.SessionId)
	if err != nil {
		return nil, err
	}
	assignment, result, err := r.Engine.Assignments.Reopen(ctx, session.ID, args.Department)
	if err != nil {
		return nil, err
	}
	return &AssignmentWriteResult{Assignment: assignment, Degraded: result.Degraded}, nil
}

// UpsertReviews is the resolver for the upsertReviews field.
func (r *mutationResolver) UpsertReviews(ctx context.Context, args upsertReviewsArgs) (*ReviewWriteResult, error) {
	result, err := r.Engine.Reviews.UpsertBatch(ctx, args.SessionId, args.Department, args.Rows, r.writeOptions(ctx, args.SessionId))
	if err != nil {
		return nil, err
	}
	return &ReviewWriteResult{Saved: len(args.Rows), Degraded: result.Degraded}, nil
}

// VerifyScan is the resolver for the verifyScan field.
func (r *mutationResolver) VerifyScan(ctx context.Context, args verifyScanArgs) (*ScanWriteResult, error) {
	userId, err := directives.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	entry, result, err := r.Engine.Scans.Verify(ctx, args.SessionId, args.Input, userId, r.writeOptions(ctx, args.SessionId))
	if err != nil {
		return nil, err
	}
	return &ScanWriteResult{Entry: entry, Degraded: result.Degraded}, nil
}

// GenerateReport is the resolver for the generateReport field.
func (r *mutationResolver) GenerateReport(ctx context.Context, args generateReportArgs) (*GenerateReportResult, error) {
	session, err := r.managedSession(ctx, args.SessionId)
	if err != nil {
		return nil, err
	}
	result, err := r.Engine.Reports.Generate(ctx, session.ID, actor(ctx), args.Departments...)
	if err != nil {
		return nil, err
	}
	return &GenerateReportResult{Report: result.Report, LimitReached: result.LimitReached}, nil
}

// SetIncharge is the resolver for the setIncharge field.
func (r *mutationResolver) SetIncharge(ctx context.Context, args setInchargeArgs) (*InchargeWriteResult, error) {
	incharge, result, err := r.Engine.Incharges.Set(ctx, args.PropertyId, args.Input)
	if err != nil {
		return nil, err
	}
	return &InchargeWriteResult{Incharge: incharge, Degraded: result.Degraded}, nil
}

// SetUserIncharges is the resolver for the setUserIncharges field.
func (r *mutationResolver) SetUserIncharges(ctx context.Context, args setUserInchargesArgs) (*UserInchargesWriteResult, error) {
	incharges, result, err := r.Engine.Incharges.SetForUser(ctx, args.UserId, args.Input)
	if err != nil {
		return nil, err
	}
	return &UserInchargesWriteResult{Incharges: incharges, Degraded: result.Degraded}, nil
}
