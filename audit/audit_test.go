package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/audit_backend/config"
	"bitbucket.org/mmdatafocus/audit_backend/directory"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"bitbucket.org/mmdatafocus/audit_backend/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingArchive struct {
	mu       sync.Mutex
	archived []string
}

func (a *recordingArchive) Archive(_ context.Context, report *models.AuditReport) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, report.ID)
	return nil
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Event) error {
	return errors.New("pubsub down")
}

// testClock hands out strictly increasing timestamps.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine    *Engine
	repo      *repository.Memory
	directory *directory.Static
	events    *recordingPublisher
	archive   *recordingArchive
	clock     *testClock
}

func propertyAssets() []*models.Asset {
	var assets []*models.Asset
	for i := 1; i <= 5; i++ {
		assets = append(assets, &models.Asset{
			ID: fmt.Sprintf("IT-%d", i), Name: fmt.Sprintf("Laptop %d", i),
			Department: "IT", Property: "Head Office", PropertyId: "PROP-001",
		})
	}
	return append(assets,
		&models.Asset{ID: "IT-9", Department: "IT", PropertyId: "PROP-002"},
		&models.Asset{ID: "HR-9", Department: "HR", PropertyId: "PROP-002"},
	)
}

func newFixture(t *testing.T, customize ...func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		repo:      repository.NewMemory(),
		directory: directory.NewStatic(propertyAssets()...),
		events:    &recordingPublisher{},
		archive:   &recordingArchive{},
		clock:     newTestClock(),
	}
	deps := Deps{
		Repo:      f.repo,
		Directory: f.directory,
		Policy:    config.DefaultAuditPolicy(),
		Events:    f.events,
		Archive:   f.archive,
		Now:       f.clock.Now,
	}
	for _, c := range customize {
		c(&deps)
	}
	f.engine = New(deps)
	return f
}

func strPtr(s string) *string {
	return &s
}

func reviewRows(statuses ...models.ReviewStatus) []models.ReviewInput {
	rows := make([]models.ReviewInput, 0, len(statuses))
	for i, s := range statuses {
		rows = append(rows, models.ReviewInput{AssetId: fmt.Sprintf("IT-%d", i+1), Status: s})
	}
	return rows
}

func (f *fixture) start(t *testing.T, propertyId *string) *models.AuditSession {
	t.Helper()
	session, err := f.engine.Sessions.Start(context.Background(), models.FrequencyQuarterly, strPtr("admin@x"), propertyId)
	require.NoError(t, err)
	return session
}

func TestConcreteScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, m := models.ReviewStatusVerified, models.ReviewStatusMissing

	// 1
	s1, err := f.engine.Sessions.Start(ctx, 3, strPtr("admin@x"), strPtr("PROP-001"))
	require.NoError(t, err)
	assert.True(t, s1.IsActive)

	// 2
	assignment, err := f.engine.Assignments.Ensure(ctx, s1.ID, "IT")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentStatusPending, assignment.Status)

	// 3
	_, err = f.engine.Reviews.UpsertBatch(ctx, s1.ID, "IT", reviewRows(v, v, v, v, m), WriteOptions{})
	require.NoError(t, err)
	assignment, _, err = f.engine.Assignments.Submit(ctx, s1.ID, "IT", strPtr("it@x"))
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentStatusSubmitted, assignment.Status)

	// 4
	progress, err := f.engine.Reconciliation.Progress(ctx, s1.ID, []string{"IT", "HR"})
	require.NoError(t, err)
	assert.Equal(t, Progress{Total: 2, Submitted: 1}, progress)

	// 5
	r1, err := f.engine.Reports.Generate(ctx, s1.ID, strPtr("admin@x"), "IT", "HR")
	require.NoError(t, err)
	require.False(t, r1.LimitReached)
	payload := r1.Report.Payload.Data()
	assert.Equal(t, models.StatusCounts{Verified: 4, Missing: 1, Damaged: 0}, payload.Totals)
	assert.Equal(t, []models.DepartmentTally{
		{Department: "IT", Verified: 4, Missing: 1, Damaged: 0, Total: 5},
		{Department: "HR", Verified: 0, Missing: 0, Damaged: 0, Total: 0},
	}, payload.ByDepartment)
	require.Len(t, payload.Contributors, 1)
	assert.Equal(t, "it@x", *payload.Contributors[0].SubmittedBy)

	// 6
	f.clock.Advance(time.Minute)
	r2, err := f.engine.Reports.Generate(ctx, s1.ID, strPtr("admin@x"), "IT", "HR")
	require.NoError(t, err)
	require.False(t, r2.LimitReached)
	assert.NotEqual(t, r1.Report.ID, r2.Report.ID)
	assert.Equal(t, 2, r2.Report.Sequence)

	// 7
	r3, err := f.engine.Reports.Generate(ctx, s1.ID, strPtr("admin@x"), "IT", "HR")
	require.NoError(t, err)
	assert.True(t, r3.LimitReached)
	assert.Equal(t, r2.Report.ID, r3.Report.ID)

	reports, err := f.engine.Reports.List(ctx, s1.ID)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, r2.Report.ID, reports[0].ID)

	assert.Equal(t, []EventType{
		EventSessionStarted, EventDepartmentSubmitted, EventReportGenerated, EventReportGenerated,
	}, f.events.types())
	assert.Len(t, f.archive.archived, 2)
}

func TestStartSingleActiveSessionPerScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var started, rejected int
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Sessions.Start(ctx, models.FrequencySemiAnnual, nil, strPtr("PROP-001"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				started++
			} else if errors.Is(err, models.ErrAlreadyActive) {
				rejected++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, started)
	assert.Equal(t, 9, rejected)

	// other scopes are independent
	global := f.start(t, nil)
	other := f.start(t, strPtr("PROP-002"))
	assert.NotEqual(t, global.ID, other.ID)

	active, err := f.engine.Sessions.GetActive(ctx, strPtr(" PROP-001 "))
	require.NoError(t, err)
	require.NotNil(t, active)

	_, err = f.engine.Sessions.Stop(ctx, active.ID)
	require.NoError(t, err)
	none, err := f.engine.Sessions.GetActive(ctx, strPtr("PROP-001"))
	require.NoError(t, err)
	assert.Nil(t, none)
	f.start(t, strPtr("PROP-001"))
}

func TestStartValidatesFrequency(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Sessions.Start(context.Background(), 4, nil, nil)
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestStopIsIdempotentAndResumeRevalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.start(t, strPtr("PROP-001"))

	resumed, err := f.engine.Sessions.Resume(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, resumed)
	assert.Equal(t, session.ID, resumed.ID)

	_, err = f.engine.Sessions.Stop(ctx, session.ID)
	require.NoError(t, err)
	_, err = f.engine.Sessions.Stop(ctx, session.ID)
	require.NoError(t, err)

	resumed, err = f.engine.Sessions.Resume(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, resumed)

	resumed, err = f.engine.Sessions.Resume(ctx, "no-such-session")
	require.NoError(t, err)
	assert.Nil(t, resumed)

	_, err = f.engine.Sessions.Stop(ctx, "no-such-session")
	assert.Equal(t, models.KindNotFound, models.KindOf(err))

	// one stopped event despite the double stop
	assert.Equal(t, []EventType{EventSessionStarted, EventSessionStopped}, f.events.types())
}

func TestWritesRequireActiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.start(t, strPtr("PROP-001"))
	_, err := f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", reviewRows(models.ReviewStatusVerified), WriteOptions{})
	require.NoError(t, err)
	_, err = f.engine.Sessions.Stop(ctx, session.ID)
	require.NoError(t, err)

	_, err = f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", reviewRows(models.ReviewStatusDamaged), WriteOptions{})
	require.ErrorIs(t, err, models.ErrSessionInactive)
	_, err = f.engine.Assignments.Ensure(ctx, session.ID, "IT")
	require.ErrorIs(t, err, models.ErrSessionInactive)
	_, _, err = f.engine.Scans.Verify(ctx, session.ID, models.NewScan{AssetId: "IT-1", Status: models.ReviewStatusMissing}, "u1", WriteOptions{})
	require.ErrorIs(t, err, models.ErrSessionInactive)

	// reads and reports keep working on ended sessions
	reviews, err := f.engine.Reviews.ListForSession(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, models.ReviewStatusVerified, reviews[0].Status)
	result, err := f.engine.Reports.Generate(ctx, session.ID, nil)
	require.NoError(t, err)
	assert.False(t, result.LimitReached)
}

func TestEnsureIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.start(t, nil)

	first, err := f.engine.Assignments.Ensure(ctx, session.ID, "IT")
	require.NoError(t, err)
	second, err := f.engine.Assignments.Ensure(ctx, session.ID, " IT ")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, _, err = f.engine.Assignments.Submit(ctx, session.ID, "IT", strPtr("it@x"))
	require.NoError(t, err)
	third, err := f.engine.Assignments.Ensure(ctx, session.ID, "IT")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentStatusSubmitted, third.Status)

	assignments, err := f.engine.Assignments.ListFor(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, assignments, 1)

	_, err = f.engine.Assignments.Ensure(ctx, session.ID, "  ")
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestSubmitOverwritesPreviousSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.start(t, nil)

	_, _, err := f.engine.Assignments.Submit(ctx, session.ID, "IT", strPtr("first@x"))
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	again, _, err := f.engine.Assignments.Submit(ctx, session.ID, "IT", strPtr("second@x"))
	require.NoError(t, err)
	assert.Equal(t, "second@x", *again.SubmittedBy)
	assert.Equal(t, f.clock.Now(), *again.SubmittedAt)
}

func TestUpsertBatchIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.start(t, nil)
	rows := []models.ReviewInput{
		{AssetId: "IT-1", Status: models.ReviewStatusVerified},
		{AssetId: "IT-2", Status: models.ReviewStatusDamaged, Comment: strPtr("cracked screen")},
	}

	_, err := f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", rows, WriteOptions{})
	require.NoError(t, err)
	before, err := f.engine.Reviews.ListForDepartment(ctx, session.ID, "IT")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", rows, WriteOptions{})
	require.NoError(t, err)
	after, err := f.engine.Reviews.ListForDepartment(ctx, session.ID, "IT")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// a changed comment moves updatedAt
	f.clock.Advance(time.Hour)
	rows[1].Comment = strPtr("screen replaced")
	_, err = f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", rows, WriteOptions{})
	require.NoError(t, err)
	changed, err := f.engine.Reviews.ListForDepartment(ctx, session.ID, "IT")
	require.NoError(t, err)
	require.Len(t, changed, 2)
	assert.Equal(t, before[0].UpdatedAt, changed[0].UpdatedAt)
	assert.Equal(t, f.clock.Now(), changed[1].UpdatedAt)
}

func TestUpsertBatchLastRowWinsAndValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.start(t, nil)

	_, err := f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", []models.ReviewInput{
		{AssetId: "IT-1", Status: models.ReviewStatusVerified},
		{AssetId: "IT-1", Status: models.ReviewStatusMissing},
	}, WriteOptions{})
	require.NoError(t, err)
	reviews, err := f.engine.Reviews.ListForDepartment(ctx, session.ID, "IT")
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, models.ReviewStatusMissing, reviews[0].Status)

	_, err = f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", []models.ReviewInput{
		{AssetId: "IT-2", Status: "lost"},
	}, WriteOptions{})
	require.ErrorIs(t, err, models.ErrValidation)
	_, err = f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", []models.ReviewInput{
		{AssetId: " ", Status: models.ReviewStatusVerified},
	}, WriteOptions{})
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestUpsertBatchChecksAssetsAgainstDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.start(t, nil)

	_, err := f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", []models.ReviewInput{
		{AssetId: "IT-1", Status: models.ReviewStatusVerified},
		{AssetId: "HR-9", Status: models.ReviewStatusVerified},
	}, WriteOptions{})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", []models.ReviewInput{
		{AssetId: "NOPE", Status: models.ReviewStatusVerified},
	}, WriteOptions{})
	require.ErrorIs(t, err, models.ErrValidation)

	// nothing from the rejected batches was stored
	reviews, err := f.engine.Reviews.ListForSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, reviews)

	unchecked := newFixture(t, func(d *Deps) { d.Policy.VerifyBatchAssets = false })
	other := unchecked.start(t, nil)
	_, err = unchecked.engine.Reviews.UpsertBatch(ctx, other.ID, "IT", []models.ReviewInput{
		{AssetId: "NOPE", Status: models.ReviewStatusVerified},
	}, WriteOptions{})
	require.NoError(t, err)
}

func TestReviewsLockAfterSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.start(t, nil)
	rows := reviewRows(models.ReviewStatusVerified)

	_, _, err := f.engine.Assignments.Submit(ctx, session.ID, "IT", strPtr("it@x"))
	require.NoError(t, err)

	_, err = f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", rows, WriteOptions{})
	require.ErrorIs(t, err, models.ErrReviewLocked)
	assert.Equal(t, models.KindUnauthorized, models.KindOf(err))

	_, err = f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", rows, WriteOptions{Override: true})
	require.NoError(t, err)

	// other departments are unaffected
	_, err = f.engine.Reviews.UpsertBatch(ctx, session.ID, "HR", []models.ReviewInput{
		{AssetId: "HR-9", Status: models.ReviewStatusVerified},
	}, WriteOptions{})
	require.NoError(t, err)

	reopened, _, err := f.engine.Assignments.Reopen(ctx, session.ID, "IT")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentStatusPending, reopened.Status)
	assert.Nil(t, reopened.SubmittedBy)
	_, err = f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", rows, WriteOptions{})
	require.NoError(t, err)

	_, _, err = f.engine.Assignments.Reopen(ctx, session.ID, "FINANCE")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestReviewLockCanBeDisabled(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Policy.LockReviewsAfterSubmit = false })
	ctx := context.Background()
	session := f.start(t, nil)

	_, _, err := f.engine.Assignments.Submit(ctx, session.ID, "IT", nil)
	require.NoError(t, err)
	_, err = f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", reviewRows(models.ReviewStatusDamaged), WriteOptions{})
	require.NoError(t, err)
}

func TestProgressIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.start(t, nil)
	departments := []string{"IT", "HR", "FINANCE", "IT"}

	last := -1
	for _, d := range []string{"", "IT", "HR", "FINANCE", "IT"} {
		if d != "" {
			_, _, err := f.engine.Assignments.Submit(ctx, session.ID, d, nil)
			require.NoError(t, err)
		}
		progress, err := f.engine.Reconciliation.Progress(ctx, session.ID, departments)
		require.NoError(t, err)
		assert.Equal(t, 3, progress.Total)
		assert.GreaterOrEqual(t, progress.Submitted, last)
		last = progress.Submitted
	}
	assert.Equal(t, 3, last)
}

func TestProgressFallsBackToReviewsWithoutAssignments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.start(t, nil)

	_, err := f.engine.Reviews.UpsertBatch(ctx, session.ID, "HR", []models.ReviewInput{
		{AssetId: "HR-9", Status: models.ReviewStatusVerified},
	}, WriteOptions{})
	require.NoError(t, err)

	progress, err := f.engine.Reconciliation.Progress(ctx, session.ID, []string{"IT", "HR"})
	require.NoError(t, err)
	assert.Equal(t, Progress{Total: 2, Submitted: 1}, progress)

	// once an assignment exists the primary rule applies
	_, err = f.engine.Assignments.Ensure(ctx, session.ID, "IT")
	require.NoError(t, err)
	progress, err = f.engine.Reconciliation.Progress(ctx, session.ID, []string{"IT", "HR"})
	require.NoError(t, err)
	assert.Equal(t, Progress{Total: 2, Submitted: 0}, progress)
}

func TestReportCapUnderConcurrentGenerates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.start(t, strPtr("PROP-001"))
	_, err := f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", reviewRows(models.ReviewStatusVerified), WriteOptions{})
	require.NoError(t, err)

	const n = 8
	results := make([]*GenerateResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.Reports.Generate(ctx, session.ID, strPtr("admin@x"))
		}(i)
	}
	wg.Wait()

	reports, err := f.engine.Reports.List(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, reports, models.MaxReportsPerSession)
	latest := reports[0]
	assert.Equal(t, 2, latest.Sequence)

	created := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if results[i].LimitReached {
			assert.Equal(t, latest.ID, results[i].Report.ID)
		} else {
			created++
		}
	}
	assert.Equal(t, models.MaxReportsPerSession, created)
}

func TestReportTotalsAreConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.start(t, nil)

	_, err := f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", reviewRows(
		models.ReviewStatusVerified, models.ReviewStatusDamaged, models.ReviewStatusMissing,
	), WriteOptions{})
	require.NoError(t, err)
	_, err = f.engine.Reviews.UpsertBatch(ctx, session.ID, "HR", []models.ReviewInput{
		{AssetId: "HR-9", Status: models.ReviewStatusVerified},
	}, WriteOptions{})
	require.NoError(t, err)
	_, err = f.engine.Assignments.Ensure(ctx, session.ID, "FINANCE")
	require.NoError(t, err)

	result, err := f.engine.Reports.Generate(ctx, session.ID, nil)
	require.NoError(t, err)
	payload := result.Report.Payload.Data()

	var sum models.StatusCounts
	departments := make([]string, 0, len(payload.ByDepartment))
	for _, row := range payload.ByDepartment {
		sum.Verified += row.Verified
		sum.Missing += row.Missing
		sum.Damaged += row.Damaged
		assert.GreaterOrEqual(t, row.Total, row.Verified+row.Missing+row.Damaged)
		departments = append(departments, row.Department)
	}
	assert.Equal(t, payload.Totals, sum)
	assert.Equal(t, 4, payload.Totals.Total())
	// discovered departments are sorted
	assert.Equal(t, []string{"FINANCE", "HR", "IT"}, departments)

	summary, err := f.engine.Reconciliation.SummaryByDepartment(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCounts{Verified: 1, Missing: 1, Damaged: 1}, summary["IT"])
	assert.Equal(t, models.StatusCounts{Verified: 1}, summary["HR"])
}

func TestAssetTotalsAndCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.start(t, strPtr("PROP-001"))

	totals, err := f.engine.Reconciliation.AssetTotalsByDepartment(ctx, []string{"IT", "HR"}, strPtr("PROP-001"))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"IT": 5, "HR": 0}, totals)

	totals, err = f.engine.Reconciliation.AssetTotalsByDepartment(ctx, []string{"IT", "HR"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"IT": 6, "HR": 1}, totals)

	_, err = f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", reviewRows(
		models.ReviewStatusVerified, models.ReviewStatusVerified, models.ReviewStatusVerified, models.ReviewStatusMissing,
	), WriteOptions{})
	require.NoError(t, err)

	completion, err := f.engine.Reconciliation.Completion(ctx, session.ID, []string{"IT", "HR"}, nil)
	require.NoError(t, err)
	require.Len(t, completion, 2)
	assert.Equal(t, 4, completion[0].Reviewed)
	assert.Equal(t, 5, completion[0].Total)
	assert.Equal(t, "80", completion[0].Percent.String())
	assert.True(t, completion[1].Percent.IsZero())

	f.directory.Put(&models.Asset{ID: "IT-6", Department: "IT", PropertyId: "PROP-001"})
	completion, err = f.engine.Reconciliation.Completion(ctx, session.ID, []string{"IT"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "66.67", completion[0].Percent.String())
}

type filterRecordingDirectory struct {
	*directory.Static
	filters []models.AssetFilter
}

func (d *filterRecordingDirectory) ListAssets(ctx context.Context, filter models.AssetFilter) ([]*models.Asset, error) {
	d.filters = append(d.filters, filter)
	return d.Static.ListAssets(ctx, filter)
}

func TestAssetTotalsOnlyListListedDepartments(t *testing.T) {
	dir := &filterRecordingDirectory{Static: directory.NewStatic(propertyAssets()...)}
	f := newFixture(t, func(d *Deps) { d.Directory = dir })

	totals, err := f.engine.Reconciliation.AssetTotalsByDepartment(context.Background(), []string{"IT", "HR"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"IT": 6, "HR": 1}, totals)
	require.Len(t, dir.filters, 1)
	assert.ElementsMatch(t, []string{"IT", "HR"}, dir.filters[0].Departments)
	assert.Empty(t, dir.filters[0].PropertyId)
}

func TestScanRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.start(t, strPtr("PROP-001"))

	entry, result, err := f.engine.Scans.Verify(ctx, session.ID, models.NewScan{
		AssetId: "IT-3", Status: models.ReviewStatusDamaged, Comment: strPtr("dented"),
	}, "auditor-1", WriteOptions{})
	require.NoError(t, err)
	assert.False(t, result.Degraded)
	assert.Equal(t, "IT-3", entry.AssetId)

	reviews, err := f.engine.Reviews.ListForDepartment(ctx, session.ID, "IT")
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, models.ReviewStatusDamaged, reviews[0].Status)
	assert.Equal(t, "dented", *reviews[0].Comment)

	f.clock.Advance(time.Second)
	_, _, err = f.engine.Scans.Verify(ctx, session.ID, models.NewScan{AssetId: "IT-3", Status: models.ReviewStatusVerified}, "auditor-1", WriteOptions{})
	require.NoError(t, err)
	_, _, err = f.engine.Scans.Verify(ctx, session.ID, models.NewScan{AssetId: "IT-4", Status: models.ReviewStatusVerified}, "auditor-2", WriteOptions{})
	require.NoError(t, err)

	mine, err := f.engine.Scans.ListMyScans(ctx, session.ID, "auditor-1", 0)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, models.ReviewStatusVerified, mine[0].Status)
	assert.Equal(t, models.ReviewStatusDamaged, mine[1].Status)

	limited, err := f.engine.Scans.ListMyScans(ctx, session.ID, "auditor-1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, _, err = f.engine.Scans.Verify(ctx, session.ID, models.NewScan{AssetId: "NOPE", Status: models.ReviewStatusVerified}, "auditor-1", WriteOptions{})
	require.ErrorIs(t, err, models.ErrAssetNotFound)
}

func TestInchargeReconciliation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.engine.Incharges

	_, _, err := reg.Set(ctx, "P4", models.NewAuditIncharge{UserId: "U2", UserName: strPtr("Bo")})
	require.NoError(t, err)
	list, _, err := reg.SetForUser(ctx, "U1", models.NewUserIncharges{UserName: strPtr("Ann"), PropertyIds: []string{"P1", "P2"}})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, _, err = reg.SetForUser(ctx, "U1", models.NewUserIncharges{PropertyIds: []string{"P2", "P3", "P3"}})
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, i := range list {
		ids = append(ids, i.PropertyId)
	}
	assert.ElementsMatch(t, []string{"P2", "P3"}, ids)

	p1, err := reg.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Nil(t, p1)
	p4, err := reg.Get(ctx, "P4")
	require.NoError(t, err)
	assert.Equal(t, "U2", p4.UserId)

	// taking over a listed property from another user
	_, _, err = reg.SetForUser(ctx, "U1", models.NewUserIncharges{PropertyIds: []string{"P4"}})
	require.NoError(t, err)
	p4, err = reg.Get(ctx, "P4")
	require.NoError(t, err)
	assert.Equal(t, "U1", p4.UserId)
	u2, err := reg.ListForUser(ctx, "U2")
	require.NoError(t, err)
	assert.Empty(t, u2)

	_, _, err = reg.Set(ctx, "P9", models.NewAuditIncharge{})
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestRecentReportsScopeFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.start(t, strPtr("PROP-001"))
	b := f.start(t, strPtr("PROP-002"))
	for _, s := range []*models.AuditSession{a, b} {
		f.clock.Advance(time.Minute)
		_, err := f.engine.Reports.Generate(ctx, s.ID, nil)
		require.NoError(t, err)
	}

	all, err := f.engine.Reports.ListRecent(ctx, 0, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].SessionId)

	onlyA, err := f.engine.Reports.ListRecent(ctx, 10, func(r *models.AuditReport) bool {
		return r.PropertyId != nil && *r.PropertyId == "PROP-001"
	})
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.Equal(t, a.ID, onlyA[0].SessionId)

	got, err := f.engine.Reports.GetById(ctx, onlyA[0].ID)
	require.NoError(t, err)
	assert.Equal(t, onlyA[0].ID, got.ID)
	_, err = f.engine.Reports.GetById(ctx, "missing")
	require.ErrorIs(t, err, models.ErrReportNotFound)
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Events = failingPublisher{} })
	session := f.start(t, nil)
	_, err := f.engine.Sessions.Stop(context.Background(), session.ID)
	require.NoError(t, err)
}
