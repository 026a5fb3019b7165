package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"bitbucket.org/mmdatafocus/audit_backend/models"
)

type assignmentKey struct {
	sessionId  string
	department string
}

// Memory is a mutex-guarded store with the same semantics as Gorm. It backs local
// development, tests and the local tier of Tiered.
type Memory struct {
	mu sync.RWMutex

	sessions      map[string]*models.AuditSession
	activeByScope map[string]string
	assignments   map[assignmentKey]*models.AuditAssignment
	reviews       map[models.ReviewKey]*models.AuditReview
	reports       map[string]*models.AuditReport
	incharges     map[string]*models.AuditIncharge
	scans         []*models.ScanLogEntry
}

func NewMemory() *Memory {
	return &Memory{
		sessions:      make(map[string]*models.AuditSession),
		activeByScope: make(map[string]string),
		assignments:   make(map[assignmentKey]*models.AuditAssignment),
		reviews:       make(map[models.ReviewKey]*models.AuditReview),
		reports:       make(map[string]*models.AuditReport),
		incharges:     make(map[string]*models.AuditIncharge),
	}
}

var _ Repository = (*Memory)(nil)

func copyOf[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func (m *Memory) CreateSessionIfNoneActive(ctx context.Context, session *models.AuditSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	scope := session.ScopeKey()
	if _, ok := m.activeByScope[scope]; ok {
		return fmt.Errorf("%w (scope %s)", models.ErrAlreadyActive, scope)
	}
	session.IsActive = true
	session.ActiveScope = &scope
	m.sessions[session.ID] = copyOf(session)
	m.activeByScope[scope] = session.ID
	return nil
}

func (m *Memory) DeactivateSession(ctx context.Context, sessionId string) (*models.AuditSession, WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionId]
	if !ok {
		return nil, WriteResult{}, models.ErrSessionNotFound
	}
	if session.IsActive {
		if session.ActiveScope != nil && m.activeByScope[*session.ActiveScope] == sessionId {
			delete(m.activeByScope, *session.ActiveScope)
		}
		session.IsActive = false
		session.ActiveScope = nil
	}
	return copyOf(session), WriteResult{}, nil
}

// PutSession stores a session row as-is, replacing any previous copy. Used to mirror
// rows that were already committed elsewhere.
func (m *Memory) PutSession(session *models.AuditSession) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.sessions[session.ID]; ok && prev.ActiveScope != nil {
		if m.activeByScope[*prev.ActiveScope] == session.ID {
			delete(m.activeByScope, *prev.ActiveScope)
		}
	}
	row := copyOf(session)
	if row.IsActive {
		scope := row.ScopeKey()
		row.ActiveScope = &scope
		m.activeByScope[scope] = row.ID
	} else {
		row.ActiveScope = nil
	}
	m.sessions[row.ID] = row
}

// DropSession forgets a mirrored session row.
func (m *Memory) DropSession(sessionId string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.sessions[sessionId]; ok && prev.ActiveScope != nil {
		if m.activeByScope[*prev.ActiveScope] == sessionId {
			delete(m.activeByScope, *prev.ActiveScope)
		}
	}
	delete(m.sessions, sessionId)
}

// DropActive forgets the mirrored active session of scope, if any.
func (m *Memory) DropActive(scopeKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.activeByScope[scopeKey]; ok {
		delete(m.activeByScope, scopeKey)
		delete(m.sessions, id)
	}
}

// DropIncharge forgets the mirrored incharge of a property.
func (m *Memory) DropIncharge(propertyId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.incharges, propertyId)
}

// ClearRows empties assignments, reviews, reports and scans. Sessions and incharges stay.
func (m *Memory) ClearRows() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.assignments = make(map[assignmentKey]*models.AuditAssignment)
	m.reviews = make(map[models.ReviewKey]*models.AuditReview)
	m.reports = make(map[string]*models.AuditReport)
	m.scans = nil
}

// Size returns the number of assignment, review and scan rows held.
func (m *Memory) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.assignments) + len(m.reviews) + len(m.scans)
}

func (m *Memory) GetSession(ctx context.Context, sessionId string) (*models.AuditSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[sessionId]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return copyOf(session), nil
}

func (m *Memory) GetActiveSession(ctx context.Context, scopeKey string) (*models.AuditSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.activeByScope[scopeKey]
	if !ok {
		return nil, nil
	}
	return copyOf(m.sessions[id]), nil
}

func (m *Memory) EnsureAssignment(ctx context.Context, sessionId, department string) (*models.AuditAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := assignmentKey{sessionId: sessionId, department: department}
	assignment, ok := m.assignments[key]
	if !ok {
		assignment = models.NewPendingAssignment(sessionId, department)
		m.assignments[key] = assignment
	}
	return copyOf(assignment), nil
}

func (m *Memory) SaveAssignment(ctx context.Context, assignment *models.AuditAssignment) (WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := assignmentKey{sessionId: assignment.SessionId, department: assignment.Department}
	m.assignments[key] = copyOf(assignment)
	return WriteResult{}, nil
}

func (m *Memory) GetAssignment(ctx context.Context, sessionId, department string) (*models.AuditAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	assignment, ok := m.assignments[assignmentKey{sessionId: sessionId, department: department}]
	if !ok {
		return nil, models.ErrAssignmentNotFound
	}
	return copyOf(assignment), nil
}

func (m *Memory) ListAssignments(ctx context.Context, sessionId string) ([]*models.AuditAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*models.AuditAssignment
	for key, assignment := range m.assignments {
		if key.sessionId == sessionId {
			results = append(results, copyOf(assignment))
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Department < results[j].Department })
	return results, nil
}

func (m *Memory) UpsertReviews(ctx context.Context, rows []*models.AuditReview) (WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertReviews(rows)
	return WriteResult{}, nil
}

func (m *Memory) upsertReviews(rows []*models.AuditReview) {
	for _, row := range rows {
		key := row.Key()
		if existing, ok := m.reviews[key]; ok && existing.SameContent(row) {
			continue
		}
		m.reviews[key] = copyOf(row)
	}
}

// UpsertOpenReviews writes rows unless the department has already submitted.
func (m *Memory) UpsertOpenReviews(ctx context.Context, sessionId, department string, rows []*models.AuditReview) (WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if assignment, ok := m.assignments[assignmentKey{sessionId: sessionId, department: department}]; ok && assignment.IsSubmitted() {
		return WriteResult{}, fmt.Errorf("%w (%s)", models.ErrReviewLocked, department)
	}
	m.upsertReviews(rows)
	return WriteResult{}, nil
}

// Review returns the stored row for key, or nil.
func (m *Memory) Review(key models.ReviewKey) *models.AuditReview {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyOf(m.reviews[key])
}

func (m *Memory) ListReviews(ctx context.Context, filter ReviewFilter) ([]*models.AuditReview, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*models.AuditReview
	for _, review := range m.reviews {
		if filter.Match(review) {
			results = append(results, copyOf(review))
		}
	}
	sortReviews(results)
	return results, nil
}

func sortReviews(rows []*models.AuditReview) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Department != rows[j].Department {
			return rows[i].Department < rows[j].Department
		}
		if rows[i].AssetId != rows[j].AssetId {
			return rows[i].AssetId < rows[j].AssetId
		}
		return rows[i].SessionId < rows[j].SessionId
	})
}

func (m *Memory) InsertReportCapped(ctx context.Context, report *models.AuditReport, limit int) (*models.AuditReport, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[report.SessionId]; !ok {
		return nil, false, models.ErrSessionNotFound
	}
	var latest *models.AuditReport
	count := 0
	for _, existing := range m.reports {
		if existing.SessionId != report.SessionId {
			continue
		}
		count++
		if latest == nil || existing.Sequence > latest.Sequence {
			latest = existing
		}
	}
	if count >= limit {
		return copyOf(latest), false, nil
	}
	report.Sequence = count + 1
	m.reports[report.ID] = copyOf(report)
	return copyOf(report), true, nil
}

func (m *Memory) ListReports(ctx context.Context, sessionId string) ([]*models.AuditReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*models.AuditReport
	for _, report := range m.reports {
		if report.SessionId == sessionId {
			results = append(results, copyOf(report))
		}
	}
	sort.Slice(results, func(i, j int) bool { return models.NewerReport(results[i], results[j]) })
	return results, nil
}

func (m *Memory) GetReport(ctx context.Context, reportId string) (*models.AuditReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report, ok := m.reports[reportId]
	if !ok {
		return nil, models.ErrReportNotFound
	}
	return copyOf(report), nil
}

func (m *Memory) ListRecentReports(ctx context.Context, limit int) ([]*models.AuditReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*models.AuditReport, 0, len(m.reports))
	for _, report := range m.reports {
		results = append(results, copyOf(report))
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].GeneratedAt.Equal(results[j].GeneratedAt) {
			return results[i].GeneratedAt.After(results[j].GeneratedAt)
		}
		return results[i].ID > results[j].ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *Memory) GetIncharge(ctx context.Context, propertyId string) (*models.AuditIncharge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyOf(m.incharges[propertyId]), nil
}

func (m *Memory) UpsertIncharge(ctx context.Context, incharge *models.AuditIncharge) (WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incharges[incharge.PropertyId] = copyOf(incharge)
	return WriteResult{}, nil
}

func (m *Memory) ListInchargesForUser(ctx context.Context, userId string) ([]*models.AuditIncharge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*models.AuditIncharge
	for _, incharge := range m.incharges {
		if incharge.UserId == userId {
			results = append(results, copyOf(incharge))
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].PropertyId < results[j].PropertyId })
	return results, nil
}

func (m *Memory) ReplaceInchargesForUser(ctx context.Context, userId string, userName *string, propertyIds []string) (WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := make(map[string]bool, len(propertyIds))
	for _, propertyId := range propertyIds {
		keep[propertyId] = true
	}
	for propertyId, incharge := range m.incharges {
		if incharge.UserId == userId && !keep[propertyId] {
			delete(m.incharges, propertyId)
		}
	}
	for _, propertyId := range propertyIds {
		m.incharges[propertyId] = &models.AuditIncharge{
			PropertyId: propertyId,
			UserId:     userId,
			UserName:   copyOf(userName),
		}
	}
	return WriteResult{}, nil
}

func (m *Memory) AppendScan(ctx context.Context, entry *models.ScanLogEntry) (WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans = append(m.scans, copyOf(entry))
	return WriteResult{}, nil
}

func (m *Memory) ListScans(ctx context.Context, sessionId, userId string, limit int) ([]*models.ScanLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*models.ScanLogEntry
	// newest appended last; equal timestamps keep reverse insertion order
	for i := len(m.scans) - 1; i >= 0; i-- {
		entry := m.scans[i]
		if entry.SessionId == sessionId && entry.ScannedBy == userId {
			results = append(results, copyOf(entry))
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].ScannedAt.After(results[j].ScannedAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
