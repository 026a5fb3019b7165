package directives

import (
	"context"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/audit_backend/models"
	"bitbucket.org/mmdatafocus/audit_backend/utils"
)

// InchargeLookup is the slice of the incharge registry authorization needs.
type InchargeLookup interface {
	Get(ctx context.Context, propertyId string) (*models.AuditIncharge, error)
}

// Authorizer answers "may this caller act on this property". Admins may act on every
// property; anyone else only on properties they are in charge of.
type Authorizer struct {
	incharges InchargeLookup
}

func NewAuthorizer(incharges InchargeLookup) *Authorizer {
	return &Authorizer{incharges: incharges}
}

// CurrentUser returns the authenticated user id or ErrUnauthorized.
func CurrentUser(ctx context.Context) (string, error) {
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || strings.TrimSpace(userId) == "" {
		return "", fmt.Errorf("%w: authentication required", models.ErrUnauthorized)
	}
	return userId, nil
}

func IsAdmin(ctx context.Context) bool {
	isAdmin, _ := utils.GetIsAdminFromContext(ctx)
	return isAdmin
}

// RequireAdmin rejects callers without the admin role.
func RequireAdmin(ctx context.Context) error {
	if _, err := CurrentUser(ctx); err != nil {
		return err
	}
	if !IsAdmin(ctx) {
		return fmt.Errorf("%w: admin role required", models.ErrUnauthorized)
	}
	return nil
}

func (a *Authorizer) CanAccessProperty(ctx context.Context, userId string, propertyId *string) (bool, error) {
	if IsAdmin(ctx) {
		return true, nil
	}
	if propertyId == nil || *propertyId == "" {
		// global sessions are administered by admins only
		return false, nil
	}
	incharge, err := a.incharges.Get(ctx, *propertyId)
	if err != nil {
		return false, err
	}
	return incharge != nil && incharge.UserId == userId, nil
}

// CanOverrideLock reports whether the caller may edit reviews of a submitted department.
func (a *Authorizer) CanOverrideLock(ctx context.Context, propertyId *string) bool {
	userId, err := CurrentUser(ctx)
	if err != nil {
		return false
	}
	ok, err := a.CanAccessProperty(ctx, userId, propertyId)
	return err == nil && ok
}

// ReportScope returns the post-filter applied to cross-session report listings.
func (a *Authorizer) ReportScope(ctx context.Context) func(*models.AuditReport) bool {
	if IsAdmin(ctx) {
		return nil
	}
	userId, err := CurrentUser(ctx)
	if err != nil {
		return func(*models.AuditReport) bool { return false }
	}
	allowed := map[string]bool{}
	return func(r *models.AuditReport) bool {
		if r.PropertyId == nil {
			return false
		}
		if v, ok := allowed[*r.PropertyId]; ok {
			return v
		}
		ok, err := a.CanAccessProperty(ctx, userId, r.PropertyId)
		allowed[*r.PropertyId] = err == nil && ok
		return allowed[*r.PropertyId]
	}
}
