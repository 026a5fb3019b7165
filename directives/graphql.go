package directives

import (
	"context"

	"bitbucket.org/mmdatafocus/audit_backend/models"
	"github.com/99designs/gqlgen/graphql"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Role is the minimum role of an @auth field.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Auth implements the @auth directive. Anonymous callers never reach the resolver;
// ADMIN fields additionally require the admin role.
func Auth(ctx context.Context, obj interface{}, next graphql.Resolver, requires Role) (interface{}, error) {
	var err error
	if requires == RoleAdmin {
		err = RequireAdmin(ctx)
	} else {
		_, err = CurrentUser(ctx)
	}
	if err != nil {
		return nil, &gqlerror.Error{
			Message:    err.Error(),
			Path:       graphql.GetPath(ctx),
			Extensions: map[string]interface{}{"kind": models.KindUnauthorized},
		}
	}
	return next(ctx)
}
