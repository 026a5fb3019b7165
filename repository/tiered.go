package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/audit_backend/metrics"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultMaxPending = 10000

// PendingWrite is a write that only reached the local mirror.
type PendingWrite struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"`
	QueuedAt  time.Time `json:"queuedAt"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`

	apply func(ctx context.Context, remote Repository) error
}

type ReplayStats struct {
	Replayed  int
	Dropped   int
	Remaining int
}

// Tiered layers a remote store over a local in-memory mirror.
//
// Writes go to the remote store. When it is unavailable a non-atomic write is kept in the
// mirror, queued for replay and reported as degraded; the atomic procedures never degrade.
// The mirror only holds active sessions, incharges and rows written while the replay
// queue is non-empty. It is cleared once the queue drains, and reads only consult it
// while writes are pending or the remote store is down.
type Tiered struct {
	remote Repository
	local  *Memory
	logger *logrus.Logger

	MaxPending int

	mu      sync.Mutex
	pending []*PendingWrite

	replayMu sync.Mutex
}

func NewTiered(remote Repository, local *Memory, logger *logrus.Logger) *Tiered {
	if local == nil {
		local = NewMemory()
	}
	return &Tiered{
		remote:     remote,
		local:      local,
		logger:     logger,
		MaxPending: defaultMaxPending,
	}
}

var _ Repository = (*Tiered)(nil)

func (t *Tiered) warn(fields logrus.Fields, msg string) {
	if t.logger == nil {
		return
	}
	t.logger.WithFields(fields).Warn(msg)
}

// degrade queues apply for replay when err means the remote store is down.
func (t *Tiered) degrade(operation string, err error, mirror func(), apply func(ctx context.Context, remote Repository) error) (WriteResult, bool) {
	if !IsUnavailable(err) {
		return WriteResult{}, false
	}
	t.mu.Lock()
	if mirror != nil {
		mirror()
	}
	limit := t.MaxPending
	if limit <= 0 {
		limit = defaultMaxPending
	}
	if len(t.pending) >= limit {
		dropped := t.pending[0]
		t.pending = t.pending[1:]
		t.warn(logrus.Fields{
			"module":    "repository",
			"operation": dropped.Operation,
			"write_id":  dropped.ID,
		}, "replay queue full; oldest pending write dropped")
		metrics.RecordReplay("dropped", 1)
	}
	t.pending = append(t.pending, &PendingWrite{
		ID:        uuid.NewString(),
		Operation: operation,
		QueuedAt:  time.Now().UTC(),
		LastError: err.Error(),
		apply:     apply,
	})
	queued := len(t.pending)
	t.mu.Unlock()

	metrics.RecordDegradedWrite(operation)
	metrics.SetPendingWrites(queued)
	t.warn(logrus.Fields{
		"module":    "repository",
		"operation": operation,
		"pending":   queued,
		"error":     err.Error(),
	}, "remote store unavailable; write kept in local mirror")
	return WriteResult{Degraded: true}, true
}

// Pending returns a snapshot of the replay queue, oldest first.
func (t *Tiered) Pending() []PendingWrite {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PendingWrite, 0, len(t.pending))
	for _, p := range t.pending {
		out = append(out, *p)
	}
	return out
}

// ReplayPending applies queued writes to the remote store in order. It stops at the first
// write that still hits an unavailable store; writes the store rejects are dropped.
func (t *Tiered) ReplayPending(ctx context.Context) (ReplayStats, error) {
	t.replayMu.Lock()
	defer t.replayMu.Unlock()

	var stats ReplayStats
	for {
		t.mu.Lock()
		if len(t.pending) == 0 {
			t.mu.Unlock()
			break
		}
		next := t.pending[0]
		t.mu.Unlock()

		if err := ctx.Err(); err != nil {
			stats.Remaining = t.pendingLen()
			return stats, err
		}

		err := next.apply(ctx, t.remote)
		if err != nil && IsUnavailable(err) {
			t.mu.Lock()
			next.Attempts++
			next.LastError = err.Error()
			t.mu.Unlock()
			stats.Remaining = t.pendingLen()
			metrics.SetPendingWrites(stats.Remaining)
			return stats, err
		}
		if err != nil {
			stats.Dropped++
			t.warn(logrus.Fields{
				"module":    "repository",
				"operation": next.Operation,
				"write_id":  next.ID,
				"error":     err.Error(),
			}, "pending write rejected by remote store; dropped")
		} else {
			stats.Replayed++
		}
		t.remove(next.ID)
	}
	stats.Remaining = t.dropMirrorIfDrained()
	metrics.RecordReplay("replayed", stats.Replayed)
	metrics.RecordReplay("dropped", stats.Dropped)
	metrics.SetPendingWrites(stats.Remaining)
	return stats, nil
}

// dropMirrorIfDrained clears the mirrored rows when nothing is left to replay.
func (t *Tiered) dropMirrorIfDrained() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		t.local.ClearRows()
	}
	return len(t.pending)
}

// mirrorWhilePending runs fn under the queue lock when writes are pending, so a row
// written after a degraded one still shadows it in merged reads.
func (t *Tiered) mirrorWhilePending(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) > 0 {
		fn()
	}
}

func (t *Tiered) pendingLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tiered) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.pending {
		if p.ID == id {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}

func unavailable(err error) error {
	if IsUnavailable(err) {
		return classify(err)
	}
	return err
}

// sessions

func (t *Tiered) CreateSessionIfNoneActive(ctx context.Context, session *models.AuditSession) error {
	if err := t.remote.CreateSessionIfNoneActive(ctx, session); err != nil {
		return unavailable(err)
	}
	t.local.PutSession(session)
	return nil
}

// keepSession mirrors active sessions and forgets stopped ones unless writes are pending.
func (t *Tiered) keepSession(session *models.AuditSession) {
	if session.IsActive || t.hasPending() {
		t.local.PutSession(session)
		return
	}
	t.local.DropSession(session.ID)
}

func (t *Tiered) DeactivateSession(ctx context.Context, sessionId string) (*models.AuditSession, WriteResult, error) {
	session, _, err := t.remote.DeactivateSession(ctx, sessionId)
	if err == nil {
		t.keepSession(session)
		return session, WriteResult{}, nil
	}
	if !IsUnavailable(err) {
		return nil, WriteResult{}, err
	}
	if _, localErr := t.local.GetSession(ctx, sessionId); localErr != nil {
		// nothing to mirror onto
		return nil, WriteResult{}, classify(err)
	}
	var local *models.AuditSession
	result, _ := t.degrade("deactivate_session", err, func() {
		local, _, _ = t.local.DeactivateSession(ctx, sessionId)
	}, func(ctx context.Context, remote Repository) error {
		_, _, err := remote.DeactivateSession(ctx, sessionId)
		return err
	})
	return local, result, nil
}

func (t *Tiered) GetSession(ctx context.Context, sessionId string) (*models.AuditSession, error) {
	session, err := t.remote.GetSession(ctx, sessionId)
	if err == nil {
		t.keepSession(session)
		return session, nil
	}
	if !IsUnavailable(err) {
		return nil, err
	}
	if local, localErr := t.local.GetSession(ctx, sessionId); localErr == nil {
		return local, nil
	}
	return nil, classify(err)
}

func (t *Tiered) GetActiveSession(ctx context.Context, scopeKey string) (*models.AuditSession, error) {
	session, err := t.remote.GetActiveSession(ctx, scopeKey)
	if err == nil {
		if session != nil {
			t.local.PutSession(session)
		} else if !t.hasPending() {
			t.local.DropActive(scopeKey)
		}
		return session, nil
	}
	if !IsUnavailable(err) {
		return nil, err
	}
	return t.local.GetActiveSession(ctx, scopeKey)
}

func (t *Tiered) hasPending() bool {
	return t.pendingLen() > 0
}

// assignments

func (t *Tiered) EnsureAssignment(ctx context.Context, sessionId, department string) (*models.AuditAssignment, error) {
	assignment, err := t.remote.EnsureAssignment(ctx, sessionId, department)
	if err != nil {
		return nil, unavailable(err)
	}
	return assignment, nil
}

func (t *Tiered) SaveAssignment(ctx context.Context, assignment *models.AuditAssignment) (WriteResult, error) {
	_, err := t.remote.SaveAssignment(ctx, assignment)
	mirror := func() { _, _ = t.local.SaveAssignment(ctx, assignment) }
	if err == nil {
		t.mirrorWhilePending(mirror)
		return WriteResult{}, nil
	}
	if !IsUnavailable(err) {
		return WriteResult{}, err
	}
	row := copyOf(assignment)
	result, _ := t.degrade("save_assignment", err, mirror, func(ctx context.Context, remote Repository) error {
		if !t.assignmentCurrent(ctx, row) {
			return nil
		}
		_, err := remote.SaveAssignment(ctx, row)
		return err
	})
	return result, nil
}

func (t *Tiered) GetAssignment(ctx context.Context, sessionId, department string) (*models.AuditAssignment, error) {
	remote, err := t.remote.GetAssignment(ctx, sessionId, department)
	if err != nil && !IsUnavailable(err) && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if IsUnavailable(err) || t.hasPending() {
		if local, localErr := t.local.GetAssignment(ctx, sessionId, department); localErr == nil {
			return local, nil
		}
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return remote, nil
}

func (t *Tiered) ListAssignments(ctx context.Context, sessionId string) ([]*models.AuditAssignment, error) {
	remote, err := t.remote.ListAssignments(ctx, sessionId)
	if err != nil {
		if !IsUnavailable(err) {
			return nil, err
		}
		return t.local.ListAssignments(ctx, sessionId)
	}
	if !t.hasPending() {
		return remote, nil
	}
	local, _ := t.local.ListAssignments(ctx, sessionId)
	if len(local) == 0 {
		return remote, nil
	}
	byDepartment := make(map[string]*models.AuditAssignment, len(remote)+len(local))
	for _, a := range remote {
		byDepartment[a.Department] = a
	}
	for _, a := range local {
		byDepartment[a.Department] = a
	}
	merged := make([]*models.AuditAssignment, 0, len(byDepartment))
	for _, a := range byDepartment {
		merged = append(merged, a)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Department < merged[j].Department })
	return merged, nil
}

// reviews

func (t *Tiered) UpsertReviews(ctx context.Context, rows []*models.AuditReview) (WriteResult, error) {
	_, err := t.remote.UpsertReviews(ctx, rows)
	return t.afterReviewWrite(ctx, "upsert_reviews", rows, err, func(ctx context.Context, remote Repository, queued []*models.AuditReview) error {
		_, err := remote.UpsertReviews(ctx, queued)
		return err
	})
}

func (t *Tiered) UpsertOpenReviews(ctx context.Context, sessionId, department string, rows []*models.AuditReview) (WriteResult, error) {
	_, err := t.remote.UpsertOpenReviews(ctx, sessionId, department, rows)
	if IsUnavailable(err) {
		// best effort against what this instance knows; replay re-checks remotely
		if local, localErr := t.local.GetAssignment(ctx, sessionId, department); localErr == nil && local.IsSubmitted() {
			return WriteResult{}, fmt.Errorf("%w (%s)", models.ErrReviewLocked, department)
		}
	}
	return t.afterReviewWrite(ctx, "upsert_reviews", rows, err, func(ctx context.Context, remote Repository, queued []*models.AuditReview) error {
		_, err := remote.UpsertOpenReviews(ctx, sessionId, department, queued)
		return err
	})
}

func (t *Tiered) afterReviewWrite(ctx context.Context, operation string, rows []*models.AuditReview, err error, apply func(ctx context.Context, remote Repository, queued []*models.AuditReview) error) (WriteResult, error) {
	mirror := func() { _, _ = t.local.UpsertReviews(ctx, rows) }
	if err == nil {
		t.mirrorWhilePending(mirror)
		return WriteResult{}, nil
	}
	if !IsUnavailable(err) {
		return WriteResult{}, err
	}
	queued := make([]*models.AuditReview, 0, len(rows))
	for _, row := range rows {
		queued = append(queued, copyOf(row))
	}
	result, _ := t.degrade(operation, err, mirror, func(ctx context.Context, remote Repository) error {
		current := t.currentReviews(queued)
		if len(current) == 0 {
			return nil
		}
		return apply(ctx, remote, current)
	})
	return result, nil
}

// currentReviews drops queued rows a later write has since replaced in the mirror.
func (t *Tiered) currentReviews(queued []*models.AuditReview) []*models.AuditReview {
	current := make([]*models.AuditReview, 0, len(queued))
	for _, row := range queued {
		if latest := t.local.Review(row.Key()); latest != nil && !latest.SameContent(row) {
			continue
		}
		current = append(current, row)
	}
	return current
}

func (t *Tiered) assignmentCurrent(ctx context.Context, row *models.AuditAssignment) bool {
	latest, err := t.local.GetAssignment(ctx, row.SessionId, row.Department)
	if err != nil {
		return true
	}
	return latest.Status == row.Status && equalTime(latest.SubmittedAt, row.SubmittedAt)
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (t *Tiered) ListReviews(ctx context.Context, filter ReviewFilter) ([]*models.AuditReview, error) {
	remote, err := t.remote.ListReviews(ctx, filter)
	if err != nil {
		if !IsUnavailable(err) {
			return nil, err
		}
		return t.local.ListReviews(ctx, filter)
	}
	if !t.hasPending() {
		return remote, nil
	}
	local, _ := t.local.ListReviews(ctx, filter)
	if len(local) == 0 {
		return remote, nil
	}
	byKey := make(map[models.ReviewKey]*models.AuditReview, len(remote)+len(local))
	for _, r := range remote {
		byKey[r.Key()] = r
	}
	for _, r := range local {
		byKey[r.Key()] = r
	}
	merged := make([]*models.AuditReview, 0, len(byKey))
	for _, r := range byKey {
		merged = append(merged, r)
	}
	sortReviews(merged)
	return merged, nil
}

// reports are atomic and never mirrored

func (t *Tiered) InsertReportCapped(ctx context.Context, report *models.AuditReport, limit int) (*models.AuditReport, bool, error) {
	stored, created, err := t.remote.InsertReportCapped(ctx, report, limit)
	if err != nil {
		return nil, false, unavailable(err)
	}
	return stored, created, nil
}

func (t *Tiered) ListReports(ctx context.Context, sessionId string) ([]*models.AuditReport, error) {
	reports, err := t.remote.ListReports(ctx, sessionId)
	return reports, unavailable(err)
}

func (t *Tiered) GetReport(ctx context.Context, reportId string) (*models.AuditReport, error) {
	report, err := t.remote.GetReport(ctx, reportId)
	return report, unavailable(err)
}

func (t *Tiered) ListRecentReports(ctx context.Context, limit int) ([]*models.AuditReport, error) {
	reports, err := t.remote.ListRecentReports(ctx, limit)
	return reports, unavailable(err)
}

// incharges

// GetIncharge only answers from the mirror when the remote store is down. A remote
// "nobody" removes the mirrored row.
func (t *Tiered) GetIncharge(ctx context.Context, propertyId string) (*models.AuditIncharge, error) {
	incharge, err := t.remote.GetIncharge(ctx, propertyId)
	if err != nil {
		if !IsUnavailable(err) {
			return nil, err
		}
		return t.local.GetIncharge(ctx, propertyId)
	}
	if incharge == nil {
		if !t.hasPending() {
			t.local.DropIncharge(propertyId)
		}
		return nil, nil
	}
	if !t.hasPending() {
		_, _ = t.local.UpsertIncharge(ctx, incharge)
	}
	return incharge, nil
}

func (t *Tiered) UpsertIncharge(ctx context.Context, incharge *models.AuditIncharge) (WriteResult, error) {
	_, err := t.remote.UpsertIncharge(ctx, incharge)
	if err != nil && !IsUnavailable(err) {
		return WriteResult{}, err
	}
	mirror := func() { _, _ = t.local.UpsertIncharge(ctx, incharge) }
	if err == nil {
		mirror()
		return WriteResult{}, nil
	}
	row := copyOf(incharge)
	result, _ := t.degrade("upsert_incharge", err, mirror, func(ctx context.Context, remote Repository) error {
		_, err := remote.UpsertIncharge(ctx, row)
		return err
	})
	return result, nil
}

func (t *Tiered) ListInchargesForUser(ctx context.Context, userId string) ([]*models.AuditIncharge, error) {
	incharges, err := t.remote.ListInchargesForUser(ctx, userId)
	if err != nil && IsUnavailable(err) {
		return t.local.ListInchargesForUser(ctx, userId)
	}
	return incharges, err
}

func (t *Tiered) ReplaceInchargesForUser(ctx context.Context, userId string, userName *string, propertyIds []string) (WriteResult, error) {
	_, err := t.remote.ReplaceInchargesForUser(ctx, userId, userName, propertyIds)
	if err != nil && !IsUnavailable(err) {
		return WriteResult{}, err
	}
	mirror := func() { _, _ = t.local.ReplaceInchargesForUser(ctx, userId, userName, propertyIds) }
	if err == nil {
		mirror()
		return WriteResult{}, nil
	}
	ids := append([]string(nil), propertyIds...)
	name := copyOf(userName)
	result, _ := t.degrade("replace_incharges", err, mirror, func(ctx context.Context, remote Repository) error {
		_, err := remote.ReplaceInchargesForUser(ctx, userId, name, ids)
		return err
	})
	return result, nil
}

// scan log

func (t *Tiered) AppendScan(ctx context.Context, entry *models.ScanLogEntry) (WriteResult, error) {
	_, err := t.remote.AppendScan(ctx, entry)
	if err == nil {
		return WriteResult{}, nil
	}
	if !IsUnavailable(err) {
		return WriteResult{}, err
	}
	row := copyOf(entry)
	result, _ := t.degrade("append_scan", err, func() {
		_, _ = t.local.AppendScan(ctx, row)
	}, func(ctx context.Context, remote Repository) error {
		_, err := remote.AppendScan(ctx, row)
		return err
	})
	return result, nil
}

// ListScans serves the scans still waiting for replay when the remote store is down.
func (t *Tiered) ListScans(ctx context.Context, sessionId, userId string, limit int) ([]*models.ScanLogEntry, error) {
	scans, err := t.remote.ListScans(ctx, sessionId, userId, limit)
	if err != nil && IsUnavailable(err) {
		return t.local.ListScans(ctx, sessionId, userId, limit)
	}
	return scans, err
}

func (s ReplayStats) String() string {
	return fmt.Sprintf("replayed=%d dropped=%d remaining=%d", s.Replayed, s.Dropped, s.Remaining)
}
