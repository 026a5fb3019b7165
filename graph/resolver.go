package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"bitbucket.org/mmdatafocus/audit_backend/audit"
	"bitbucket.org/mmdatafocus/audit_backend/directives"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"github.com/sirupsen/logrus"
)

// Resolver is the root of the GraphQL resolvers. It holds the same engine the REST
// handlers use.
type Resolver struct {
	Engine     *audit.Engine
	Authorizer *directives.Authorizer
	Logger     *logrus.Logger
}

type queryResolver struct{ *Resolver }

type mutationResolver struct{ *Resolver }

type fieldFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// bind decodes the field arguments into A and calls fn.
func bind[A any, R any](fn func(context.Context, A) (R, error)) fieldFunc {
	return func(ctx context.Context, raw map[string]interface{}) (interface{}, error) {
		var args A
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return fn(ctx, args)
	}
}

func decodeArgs(raw map[string]interface{}, dest any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, dest); err != nil {
		return fmt.Errorf("%w: %s", models.ErrValidation, err.Error())
	}
	return nil
}

func (r *Resolver) fields() map[string]fieldFunc {
	q := &queryResolver{r}
	m := &mutationResolver{r}
	return map[string]fieldFunc{
		"Query.activeSession":     bind(q.ActiveSession),
		"Query.assignments":       bind(q.Assignments),
		"Query.departmentReviews": bind(q.DepartmentReviews),
		"Query.sessionReviews":    bind(q.SessionReviews),
		"Query.myScans":           bind(q.MyScans),
		"Query.progress":          bind(q.Progress),
		"Query.summary":           bind(q.Summary),
		"Query.completion":        bind(q.Completion),
		"Query.assetTotals":       bind(q.AssetTotals),
		"Query.sessionReports":    bind(q.SessionReports),
		"Query.report":            bind(q.Report),
		"Query.recentReports":     bind(q.RecentReports),
		"Query.incharge":          bind(q.Incharge),
		"Query.userIncharges":     bind(q.UserIncharges),

		"Mutation.startSession":     bind(m.StartSession),
		"Mutation.stopSession":      bind(m.StopSession),
		"Mutation.resumeSession":    bind(m.ResumeSession),
		"Mutation.ensureAssignment": bind(m.EnsureAssignment),
		"Mutation.submitAssignment": bind(m.SubmitAssignment),
		"Mutation.reopenAssignment": bind(m.ReopenAssignment),
		"Mutation.upsertReviews":    bind(m.UpsertReviews),
		"Mutation.verifyScan":       bind(m.VerifyScan),
		"Mutation.generateReport":   bind(m.GenerateReport),
		"Mutation.setIncharge":      bind(m.SetIncharge),
		"Mutation.setUserIncharges": bind(m.SetUserIncharges),
	}
}
