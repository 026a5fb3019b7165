package audit

import (
	"context"
	"strings"

	"bitbucket.org/mmdatafocus/audit_backend/config"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"bitbucket.org/mmdatafocus/audit_backend/repository"
)

// InchargeRegistry maps each property to the one user delegated to administer its audit.
type InchargeRegistry struct {
	deps *Deps
}

// Get returns nil when nobody is in charge of the property.
func (r *InchargeRegistry) Get(ctx context.Context, propertyId string) (incharge *models.AuditIncharge, err error) {
	ctx, done := begin(ctx, "incharge.get")
	defer func() { done(err) }()

	propertyId = strings.TrimSpace(propertyId)
	if err := models.RequireKey("property id", propertyId); err != nil {
		return nil, err
	}
	return r.deps.Repo.GetIncharge(ctx, propertyId)
}

// Set replaces whoever was in charge of the property.
func (r *InchargeRegistry) Set(ctx context.Context, propertyId string, input models.NewAuditIncharge) (incharge *models.AuditIncharge, result repository.WriteResult, err error) {
	ctx, done := begin(ctx, "incharge.set")
	defer func() { done(err) }()

	propertyId = strings.TrimSpace(propertyId)
	input.UserId = strings.TrimSpace(input.UserId)
	if err := models.RequireKey("property id", propertyId); err != nil {
		return nil, result, err
	}
	if err := models.ValidateInput(input); err != nil {
		return nil, result, err
	}
	incharge = &models.AuditIncharge{
		PropertyId: propertyId,
		UserId:     input.UserId,
		UserName:   input.UserName,
		UpdatedAt:  r.deps.now(),
	}
	result, err = r.deps.Repo.UpsertIncharge(ctx, incharge)
	if err != nil {
		config.LogError(r.deps.Logger, "AuditIncharge", "Set", "upsert incharge", propertyId, err)
		return nil, result, err
	}
	return incharge, result, nil
}

func (r *InchargeRegistry) ListForUser(ctx context.Context, userId string) (incharges []*models.AuditIncharge, err error) {
	ctx, done := begin(ctx, "incharge.list_user")
	defer func() { done(err) }()

	userId = strings.TrimSpace(userId)
	if err := models.RequireKey("user id", userId); err != nil {
		return nil, err
	}
	return r.deps.Repo.ListInchargesForUser(ctx, userId)
}

// SetForUser makes the user in charge of exactly the listed properties. Properties the
// user held and are not listed are released; listed properties are taken over from
// whoever held them.
func (r *InchargeRegistry) SetForUser(ctx context.Context, userId string, input models.NewUserIncharges) (incharges []*models.AuditIncharge, result repository.WriteResult, err error) {
	ctx, done := begin(ctx, "incharge.set_user")
	defer func() { done(err) }()

	userId = strings.TrimSpace(userId)
	if err := models.RequireKey("user id", userId); err != nil {
		return nil, result, err
	}
	input.PropertyIds = uniqueKeys(input.PropertyIds)
	if err := models.ValidateInput(input); err != nil {
		return nil, result, err
	}
	result, err = r.deps.Repo.ReplaceInchargesForUser(ctx, userId, input.UserName, input.PropertyIds)
	if err != nil {
		config.LogError(r.deps.Logger, "AuditIncharge", "SetForUser", "replace incharges", userId, err)
		return nil, result, err
	}
	incharges, err = r.deps.Repo.ListInchargesForUser(ctx, userId)
	if err != nil {
		return nil, result, err
	}
	return incharges, result, nil
}
