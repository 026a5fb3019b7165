package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/audit_backend/config"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"bitbucket.org/mmdatafocus/audit_backend/repository"
	"github.com/google/uuid"
)

// SessionManager owns the session lifecycle: none -> active -> ended. Clients only keep
// a session id and re-validate it with Resume.
type SessionManager struct {
	deps *Deps
}

func normalizeProperty(propertyId *string) *string {
	if propertyId == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*propertyId)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// Start opens a session for the property scope (or the global scope when propertyId is
// nil). It fails with ErrAlreadyActive while another session of the scope is active.
func (m *SessionManager) Start(ctx context.Context, frequency models.FrequencyMonths, initiatedBy, propertyId *string) (session *models.AuditSession, err error) {
	ctx, done := begin(ctx, "session.start")
	defer func() { done(err) }()

	propertyId = normalizeProperty(propertyId)
	input := models.NewAuditSession{FrequencyMonths: frequency, InitiatedBy: initiatedBy, PropertyId: propertyId}
	if err := models.ValidateInput(input); err != nil {
		return nil, err
	}

	scope := models.ScopeKey(propertyId)
	session = &models.AuditSession{
		ID:              uuid.NewString(),
		StartedAt:       m.deps.now(),
		FrequencyMonths: frequency,
		InitiatedBy:     initiatedBy,
		IsActive:        true,
		PropertyId:      propertyId,
		ActiveScope:     &scope,
	}
	if err := m.deps.Repo.CreateSessionIfNoneActive(ctx, session); err != nil {
		if !errors.Is(err, models.ErrAlreadyActive) {
			config.LogError(m.deps.Logger, "AuditSession", "Start", "create session", scope, err)
		}
		return nil, err
	}

	m.deps.emit(ctx, Event{
		Type:       EventSessionStarted,
		SessionId:  session.ID,
		PropertyId: session.PropertyId,
		Actor:      initiatedBy,
	})
	return session, nil
}

// Stop ends a session. Stopping an ended session is a no-op.
func (m *SessionManager) Stop(ctx context.Context, sessionId string) (result repository.WriteResult, err error) {
	ctx, done := begin(ctx, "session.stop", sessionAttr(sessionId))
	defer func() { done(err) }()

	current, err := m.Require(ctx, sessionId, false)
	if err != nil {
		return result, err
	}
	if !current.IsActive {
		return result, nil
	}
	session, result, err := m.deps.Repo.DeactivateSession(ctx, sessionId)
	if err != nil {
		config.LogError(m.deps.Logger, "AuditSession", "Stop", "deactivate session", sessionId, err)
		return result, err
	}
	m.deps.emit(ctx, Event{
		Type:       EventSessionStopped,
		SessionId:  session.ID,
		PropertyId: session.PropertyId,
	})
	return result, nil
}

// GetActive returns the active session of the scope, or nil when there is none.
func (m *SessionManager) GetActive(ctx context.Context, propertyId *string) (session *models.AuditSession, err error) {
	ctx, done := begin(ctx, "session.get_active")
	defer func() { done(err) }()

	return m.deps.Repo.GetActiveSession(ctx, models.ScopeKey(normalizeProperty(propertyId)))
}

// Resume re-validates a session id a client cached. Unknown or ended sessions yield nil.
func (m *SessionManager) Resume(ctx context.Context, cachedSessionId string) (session *models.AuditSession, err error) {
	ctx, done := begin(ctx, "session.resume", sessionAttr(cachedSessionId))
	defer func() { done(err) }()

	if strings.TrimSpace(cachedSessionId) == "" {
		return nil, nil
	}
	session, err = m.deps.Repo.GetSession(ctx, cachedSessionId)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !session.IsActive {
		return nil, nil
	}
	return session, nil
}

// Require loads a session for a caller. Writers pass forWrite and get ErrSessionInactive
// for ended sessions.
func (m *SessionManager) Require(ctx context.Context, sessionId string, forWrite bool) (*models.AuditSession, error) {
	if err := models.RequireKey("session id", sessionId); err != nil {
		return nil, err
	}
	session, err := m.deps.Repo.GetSession(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	if forWrite && !session.IsActive {
		return nil, fmt.Errorf("%w (session %s)", models.ErrSessionInactive, sessionId)
	}
	return session, nil
}
