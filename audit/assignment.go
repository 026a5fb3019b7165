package audit

import (
	"context"
	"strings"

	"bitbucket.org/mmdatafocus/audit_backend/config"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"bitbucket.org/mmdatafocus/audit_backend/repository"
	"go.opentelemetry.io/otel/attribute"
)

// AssignmentTracker keeps the per-department pending/submitted state of a session.
type AssignmentTracker struct {
	deps     *Deps
	sessions *SessionManager
}

func departmentAttr(department string) attribute.KeyValue {
	return attribute.String("audit.department", department)
}

// Ensure creates the department's assignment on first touch and returns it unchanged
// afterwards.
func (t *AssignmentTracker) Ensure(ctx context.Context, sessionId, department string) (assignment *models.AuditAssignment, err error) {
	ctx, done := begin(ctx, "assignment.ensure", sessionAttr(sessionId), departmentAttr(department))
	defer func() { done(err) }()

	department = strings.TrimSpace(department)
	if err := models.RequireKey("department", department); err != nil {
		return nil, err
	}
	if _, err := t.sessions.Require(ctx, sessionId, true); err != nil {
		return nil, err
	}
	assignment, err = t.deps.Repo.EnsureAssignment(ctx, sessionId, department)
	if err != nil {
		config.LogError(t.deps.Logger, "AuditAssignment", "Ensure", "ensure assignment", department, err)
		return nil, err
	}
	return assignment, nil
}

// Submit marks the department as submitted. Submitting again overwrites the previous
// submission.
func (t *AssignmentTracker) Submit(ctx context.Context, sessionId, department string, submittedBy *string) (assignment *models.AuditAssignment, result repository.WriteResult, err error) {
	ctx, done := begin(ctx, "assignment.submit", sessionAttr(sessionId), departmentAttr(department))
	defer func() { done(err) }()

	department = strings.TrimSpace(department)
	if err := models.RequireKey("department", department); err != nil {
		return nil, result, err
	}
	session, err := t.sessions.Require(ctx, sessionId, true)
	if err != nil {
		return nil, result, err
	}

	now := t.deps.now()
	assignment = &models.AuditAssignment{
		SessionId:   sessionId,
		Department:  department,
		Status:      models.AssignmentStatusSubmitted,
		SubmittedAt: &now,
		SubmittedBy: submittedBy,
	}
	result, err = t.deps.Repo.SaveAssignment(ctx, assignment)
	if err != nil {
		config.LogError(t.deps.Logger, "AuditAssignment", "Submit", "save assignment", department, err)
		return nil, result, err
	}
	t.deps.Cache.Bump(ctx, sessionId)
	t.deps.emit(ctx, Event{
		Type:       EventDepartmentSubmitted,
		SessionId:  sessionId,
		PropertyId: session.PropertyId,
		Department: department,
		Actor:      submittedBy,
	})
	return assignment, result, nil
}

// Reopen puts a submitted department back to pending so its reviews can be edited again.
func (t *AssignmentTracker) Reopen(ctx context.Context, sessionId, department string) (assignment *models.AuditAssignment, result repository.WriteResult, err error) {
	ctx, done := begin(ctx, "assignment.reopen", sessionAttr(sessionId), departmentAttr(department))
	defer func() { done(err) }()

	department = strings.TrimSpace(department)
	if err := models.RequireKey("department", department); err != nil {
		return nil, result, err
	}
	if _, err := t.sessions.Require(ctx, sessionId, true); err != nil {
		return nil, result, err
	}
	assignment, err = t.deps.Repo.GetAssignment(ctx, sessionId, department)
	if err != nil {
		return nil, result, err
	}
	if assignment.Status == models.AssignmentStatusPending {
		return assignment, result, nil
	}
	assignment.Status = models.AssignmentStatusPending
	assignment.SubmittedAt = nil
	assignment.SubmittedBy = nil
	result, err = t.deps.Repo.SaveAssignment(ctx, assignment)
	if err != nil {
		return nil, result, err
	}
	t.deps.Cache.Bump(ctx, sessionId)
	return assignment, result, nil
}

func (t *AssignmentTracker) ListFor(ctx context.Context, sessionId string) (assignments []*models.AuditAssignment, err error) {
	ctx, done := begin(ctx, "assignment.list", sessionAttr(sessionId))
	defer func() { done(err) }()

	if _, err := t.sessions.Require(ctx, sessionId, false); err != nil {
		return nil, err
	}
	return t.deps.Repo.ListAssignments(ctx, sessionId)
}
