package audit

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/audit_backend/config"
	"bitbucket.org/mmdatafocus/audit_backend/directory"
	"bitbucket.org/mmdatafocus/audit_backend/metrics"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"bitbucket.org/mmdatafocus/audit_backend/repository"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("audit-engine")

// Deps are the collaborators shared by every component. Only Repo and Directory are
// required; the rest degrade to no-ops.
type Deps struct {
	Repo      repository.Repository
	Directory directory.AssetDirectory
	Policy    config.AuditPolicy
	Cache     *SummaryCache
	Events    Publisher
	Archive   ReportArchive
	Locker    *redislock.Client
	Logger    *logrus.Logger
	Now       func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// Engine wires the components together in dependency order.
type Engine struct {
	Sessions       *SessionManager
	Assignments    *AssignmentTracker
	Reviews        *ReviewStore
	Reconciliation *ReconciliationEngine
	Reports        *ReportGenerator
	Incharges      *InchargeRegistry
	Scans          *ScanVerifier
}

func New(deps Deps) *Engine {
	d := &deps
	if d.Logger == nil {
		d.Logger = config.GetLogger()
	}
	if d.Events == nil {
		d.Events = NoopPublisher{}
	}
	if d.Archive == nil {
		d.Archive = NoopArchive{}
	}

	sessions := &SessionManager{deps: d}
	assignments := &AssignmentTracker{deps: d, sessions: sessions}
	reviews := &ReviewStore{deps: d, sessions: sessions}
	reconciliation := &ReconciliationEngine{deps: d, sessions: sessions}
	return &Engine{
		Sessions:       sessions,
		Assignments:    assignments,
		Reviews:        reviews,
		Reconciliation: reconciliation,
		Reports:        &ReportGenerator{deps: d, sessions: sessions, reconciliation: reconciliation},
		Incharges:      &InchargeRegistry{deps: d},
		Scans:          &ScanVerifier{deps: d, sessions: sessions, reviews: reviews},
	}
}

// WriteOptions carries caller privileges into write paths.
type WriteOptions struct {
	// Override lets reviews of a submitted department be edited.
	Override bool
}

// begin opens a span and returns the function that closes it and records the outcome.
func begin(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, "audit."+operation, trace.WithAttributes(attrs...))
	started := time.Now()
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.RecordOperation(operation, string(models.KindOf(err)), time.Since(started))
	}
}

func sessionAttr(sessionId string) attribute.KeyValue {
	return attribute.String("audit.session_id", sessionId)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
