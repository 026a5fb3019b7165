package audit

import (
	"context"
	"fmt"
	"testing"

	"bitbucket.org/mmdatafocus/audit_backend/config"
	"bitbucket.org/mmdatafocus/audit_backend/directives"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"bitbucket.org/mmdatafocus/audit_backend/repository"
	"bitbucket.org/mmdatafocus/audit_backend/utils"
	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestNewSummaryCacheDisabled(t *testing.T) {
	policy := config.DefaultAuditPolicy()
	assert.Nil(t, NewSummaryCache(nil, policy, nil))

	_, rdb := newRedis(t)
	policy.SummaryCacheEnabled = false
	assert.Nil(t, NewSummaryCache(rdb, policy, nil))

	// a nil cache is usable
	var cache *SummaryCache
	_, ok := cache.Revision(context.Background(), "S")
	assert.False(t, ok)
	cache.Bump(context.Background(), "S")
}

func TestSummaryCacheFollowsRevisions(t *testing.T) {
	mr, rdb := newRedis(t)
	f := newFixture(t, func(d *Deps) {
		d.Cache = NewSummaryCache(rdb, d.Policy, logrus.New())
	})
	ctx := context.Background()
	session := f.start(t, nil)

	_, err := f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", reviewRows(models.ReviewStatusVerified), WriteOptions{})
	require.NoError(t, err)
	rev, err := mr.Get(revisionKey(session.ID))
	require.NoError(t, err)
	assert.Equal(t, "1", rev)

	summary, err := f.engine.Reconciliation.SummaryByDepartment(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCounts{Verified: 1}, summary["IT"])
	assert.True(t, mr.Exists(summaryKey(session.ID, 1)))
	assert.True(t, mr.TTL(summaryKey(session.ID, 1)) > 0)

	// a write bumps the revision, so the next read is fresh
	_, err = f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", reviewRows(models.ReviewStatusMissing, models.ReviewStatusDamaged), WriteOptions{})
	require.NoError(t, err)
	summary, err = f.engine.Reconciliation.SummaryByDepartment(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCounts{Missing: 1, Damaged: 1}, summary["IT"])

	// submissions bump as well
	_, _, err = f.engine.Assignments.Submit(ctx, session.ID, "IT", nil)
	require.NoError(t, err)
	rev, err = mr.Get(revisionKey(session.ID))
	require.NoError(t, err)
	assert.Equal(t, "3", rev)
}

func TestSummaryCacheServesHits(t *testing.T) {
	_, rdb := newRedis(t)
	cache := NewSummaryCache(rdb, config.DefaultAuditPolicy(), logrus.New())
	ctx := context.Background()

	cache.PutSummary(ctx, "S1", 4, map[string]models.StatusCounts{"IT": {Verified: 7}})
	got, hit := cache.GetSummary(ctx, "S1", 4)
	require.True(t, hit)
	assert.Equal(t, 7, got["IT"].Verified)
	_, hit = cache.GetSummary(ctx, "S1", 5)
	assert.False(t, hit)

	cache.PutTotals(ctx, []string{"IT", "HR"}, nil, map[string]int{"IT": 3, "HR": 1})
	totals, hit := cache.GetTotals(ctx, []string{"HR", "IT"}, nil)
	require.True(t, hit)
	assert.Equal(t, map[string]int{"IT": 3, "HR": 1}, totals)
	_, hit = cache.GetTotals(ctx, []string{"HR", "IT"}, strPtr("PROP-001"))
	assert.False(t, hit)
}

func TestEngineSurvivesRedisOutage(t *testing.T) {
	mr, rdb := newRedis(t)
	f := newFixture(t, func(d *Deps) {
		d.Cache = NewSummaryCache(rdb, d.Policy, logrus.New())
		d.Locker = redislock.New(rdb)
	})
	ctx := context.Background()
	session := f.start(t, nil)
	mr.Close()

	_, err := f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", reviewRows(models.ReviewStatusVerified), WriteOptions{})
	require.NoError(t, err)
	summary, err := f.engine.Reconciliation.SummaryByDepartment(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary["IT"].Verified)
	result, err := f.engine.Reports.Generate(ctx, session.ID, nil)
	require.NoError(t, err)
	assert.False(t, result.LimitReached)
}

func TestGenerateHoldsRedisLock(t *testing.T) {
	mr, rdb := newRedis(t)
	f := newFixture(t, func(d *Deps) { d.Locker = redislock.New(rdb) })
	ctx := context.Background()
	session := f.start(t, nil)

	result, err := f.engine.Reports.Generate(ctx, session.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Report.Sequence)
	// released afterwards
	assert.False(t, mr.Exists("lock:audit-report:"+session.ID))
}

// downRepo fails every non-atomic remote write while down is set.
type downRepo struct {
	*repository.Memory
	down bool
}

func (r *downRepo) UpsertReviews(ctx context.Context, rows []*models.AuditReview) (repository.WriteResult, error) {
	if r.down {
		return repository.WriteResult{}, fmt.Errorf("%w: connection refused", models.ErrStorageUnavailable)
	}
	return r.Memory.UpsertReviews(ctx, rows)
}

func (r *downRepo) UpsertOpenReviews(ctx context.Context, sessionId, department string, rows []*models.AuditReview) (repository.WriteResult, error) {
	if r.down {
		return repository.WriteResult{}, fmt.Errorf("%w: connection refused", models.ErrStorageUnavailable)
	}
	return r.Memory.UpsertOpenReviews(ctx, sessionId, department, rows)
}

func (r *downRepo) SaveAssignment(ctx context.Context, a *models.AuditAssignment) (repository.WriteResult, error) {
	if r.down {
		return repository.WriteResult{}, fmt.Errorf("%w: connection refused", models.ErrStorageUnavailable)
	}
	return r.Memory.SaveAssignment(ctx, a)
}

func TestDegradedWritesAreFlaggedAndReplayed(t *testing.T) {
	remote := &downRepo{Memory: repository.NewMemory()}
	tiered := repository.NewTiered(remote, repository.NewMemory(), logrus.New())
	f := newFixture(t, func(d *Deps) { d.Repo = tiered })
	ctx := context.Background()
	session := f.start(t, nil)

	remote.down = true
	result, err := f.engine.Reviews.UpsertBatch(ctx, session.ID, "IT", reviewRows(models.ReviewStatusVerified), WriteOptions{})
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	_, result, err = f.engine.Assignments.Submit(ctx, session.ID, "IT", nil)
	require.NoError(t, err)
	assert.True(t, result.Degraded)

	// reads merge the locally mirrored rows
	reviews, err := f.engine.Reviews.ListForDepartment(ctx, session.ID, "IT")
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	progress, err := f.engine.Reconciliation.Progress(ctx, session.ID, []string{"IT"})
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Submitted)

	remote.down = false
	stats, err := tiered.ReplayPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Replayed)
	stored, err := remote.Memory.ListReviews(ctx, repository.ReviewFilter{SessionId: session.ID})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestReleasedInchargeLosesAccessOnEveryInstance(t *testing.T) {
	shared := repository.NewMemory()
	first := newFixture(t, func(d *Deps) { d.Repo = repository.NewTiered(shared, nil, nil) })
	second := newFixture(t, func(d *Deps) { d.Repo = repository.NewTiered(shared, nil, nil) })
	ctx := context.Background()
	property := strPtr("PROP-001")
	asU1 := utils.SetUserIdInContext(ctx, "U1")

	_, _, err := first.engine.Incharges.SetForUser(ctx, "U1", models.NewUserIncharges{PropertyIds: []string{"PROP-001"}})
	require.NoError(t, err)
	authorizer := directives.NewAuthorizer(first.engine.Incharges)
	ok, err := authorizer.CanAccessProperty(asU1, "U1", property)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = second.engine.Incharges.SetForUser(ctx, "U1", models.NewUserIncharges{PropertyIds: []string{}})
	require.NoError(t, err)

	ok, err = authorizer.CanAccessProperty(asU1, "U1", property)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, authorizer.CanOverrideLock(asU1, property))
}
