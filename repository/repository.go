package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"bitbucket.org/mmdatafocus/audit_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// Repository is the durable store behind every audit component. The three atomic
// procedures (CreateSessionIfNoneActive, EnsureAssignment, InsertReportCapped) must be
// atomic in the implementation itself; everything else is plain last-write-wins.
type Repository interface {
	CreateSessionIfNoneActive(ctx context.Context, session *models.AuditSession) error
	DeactivateSession(ctx context.Context, sessionId string) (*models.AuditSession, WriteResult, error)
	GetSession(ctx context.Context, sessionId string) (*models.AuditSession, error)
	// GetActiveSession returns (nil, nil) when the scope has no active session.
	GetActiveSession(ctx context.Context, scopeKey string) (*models.AuditSession, error)

	EnsureAssignment(ctx context.Context, sessionId, department string) (*models.AuditAssignment, error)
	SaveAssignment(ctx context.Context, assignment *models.AuditAssignment) (WriteResult, error)
	GetAssignment(ctx context.Context, sessionId, department string) (*models.AuditAssignment, error)
	ListAssignments(ctx context.Context, sessionId string) ([]*models.AuditAssignment, error)

	// UpsertReviews writes the rows as one unit. UpdatedAt of an existing row only moves
	// when status or comment change.
	UpsertReviews(ctx context.Context, rows []*models.AuditReview) (WriteResult, error)
	// UpsertOpenReviews is UpsertReviews guarded by the department's assignment: it fails
	// with ErrReviewLocked when the assignment is submitted, checked in the same unit as
	// the write.
	UpsertOpenReviews(ctx context.Context, sessionId, department string, rows []*models.AuditReview) (WriteResult, error)
	ListReviews(ctx context.Context, filter ReviewFilter) ([]*models.AuditReview, error)

	// InsertReportCapped stores report with the next sequence unless the session already
	// holds limit reports, in which case it returns the latest one and created=false.
	InsertReportCapped(ctx context.Context, report *models.AuditReport, limit int) (*models.AuditReport, bool, error)
	ListReports(ctx context.Context, sessionId string) ([]*models.AuditReport, error)
	GetReport(ctx context.Context, reportId string) (*models.AuditReport, error)
	ListRecentReports(ctx context.Context, limit int) ([]*models.AuditReport, error)

	// GetIncharge returns (nil, nil) when nobody is in charge of the property.
	GetIncharge(ctx context.Context, propertyId string) (*models.AuditIncharge, error)
	UpsertIncharge(ctx context.Context, incharge *models.AuditIncharge) (WriteResult, error)
	ListInchargesForUser(ctx context.Context, userId string) ([]*models.AuditIncharge, error)
	ReplaceInchargesForUser(ctx context.Context, userId string, userName *string, propertyIds []string) (WriteResult, error)

	AppendScan(ctx context.Context, entry *models.ScanLogEntry) (WriteResult, error)
	ListScans(ctx context.Context, sessionId, userId string, limit int) ([]*models.ScanLogEntry, error)
}

// WriteResult reports how a non-atomic write was persisted.
type WriteResult struct {
	// Degraded is set when the remote store was unavailable and the write only reached
	// the local mirror. It is queued for replay.
	Degraded bool `json:"degraded"`
}

// Merge keeps the weakest outcome of two writes.
func (w WriteResult) Merge(other WriteResult) WriteResult {
	return WriteResult{Degraded: w.Degraded || other.Degraded}
}

type ReviewFilter struct {
	SessionId  string
	Department string
	AssetId    string
}

func (f ReviewFilter) Match(r *models.AuditReview) bool {
	if f.SessionId != "" && r.SessionId != f.SessionId {
		return false
	}
	if f.Department != "" && r.Department != f.Department {
		return false
	}
	if f.AssetId != "" && r.AssetId != f.AssetId {
		return false
	}
	return true
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// MySQL server errors that mean "try again later" rather than "bad request".
var transientMySQLErrors = map[uint16]bool{
	1040: true, // too many connections
	1053: true, // server shutdown in progress
	1205: true, // lock wait timeout
	1213: true, // deadlock
}

// IsUnavailable reports whether err means the store could not be reached.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, models.ErrStorageUnavailable) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysqlDriver.ErrInvalidConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return transientMySQLErrors[mysqlErr.Number]
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classify maps driver errors onto the models taxonomy. Not-found is left to callers
// because only they know which entity was missing.
func classify(err error) error {
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if IsUnavailable(err) && !errors.Is(err, models.ErrStorageUnavailable) {
		return fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}
	return err
}
