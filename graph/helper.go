package graph

import (
	"context"
	"strings"

	"bitbucket.org/mmdatafocus/audit_backend/audit"
	"bitbucket.org/mmdatafocus/audit_backend/directives"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"bitbucket.org/mmdatafocus/audit_backend/utils"
)

// actor names the caller in audit trails: display name when present, user id otherwise.
func actor(ctx context.Context) *string {
	if name, ok := utils.GetUserNameFromContext(ctx); ok && strings.TrimSpace(name) != "" {
		return &name
	}
	if userId, ok := utils.GetUserIdFromContext(ctx); ok && userId != "" {
		return &userId
	}
	return nil
}

// requireManager checks the caller administers the property (admin or incharge).
func (r *Resolver) requireManager(ctx context.Context, propertyId *string) error {
	userId, err := directives.CurrentUser(ctx)
	if err != nil {
		return err
	}
	allowed, err := r.Authorizer.CanAccessProperty(ctx, userId, propertyId)
	if err != nil {
		return err
	}
	if !allowed {
		return models.ErrUnauthorized
	}
	return nil
}

func (r *Resolver) managedSession(ctx context.Context, sessionId string) (*models.AuditSession, error) {
	session, err := r.Engine.Sessions.Require(ctx, sessionId, false)
	if err != nil {
		return nil, err
	}
	if err := r.requireManager(ctx, session.PropertyId); err != nil {
		return nil, err
	}
	return session, nil
}

func (r *Resolver) writeOptions(ctx context.Context, sessionId string) audit.WriteOptions {
	session, err := r.Engine.Sessions.Require(ctx, sessionId, false)
	if err != nil {
		return audit.WriteOptions{}
	}
	return audit.WriteOptions{Override: r.Authorizer.CanOverrideLock(ctx, session.PropertyId)}
}
