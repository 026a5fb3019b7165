package repository_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/audit_backend/config"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"bitbucket.org/mmdatafocus/audit_backend/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openMySQL connects to a disposable schema. Run with:
// INTEGRATION_TESTS=1 AUDIT_TEST_MYSQL_DSN='root:pw@tcp(127.0.0.1:3306)/audit_test?parseTime=true&loc=UTC' go test ./repository
func openMySQL(t *testing.T) *repository.Gorm {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires mysql)")
	}
	dsn := strings.TrimSpace(os.Getenv("AUDIT_TEST_MYSQL_DSN"))
	if dsn == "" {
		t.Skip("set AUDIT_TEST_MYSQL_DSN to run mysql repository tests")
	}
	db, err := config.OpenDatabase(dsn)
	if err != nil {
		t.Fatalf("open mysql: %v", err)
	}
	if err := models.MigrateTable(db, false); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repository.NewGorm(db)
}

func TestGormSingleActiveSessionPerScope(t *testing.T) {
	repo := openMySQL(t)
	ctx := context.Background()
	property := "it-" + uuid.NewString()

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.CreateSessionIfNoneActive(ctx, &models.AuditSession{
				ID:              uuid.NewString(),
				StartedAt:       time.Now().UTC(),
				FrequencyMonths: models.FrequencySemiAnnual,
				PropertyId:      &property,
			})
			if err != nil && !errors.Is(err, models.ErrAlreadyActive) {
				t.Errorf("create: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, created)

	active, err := repo.GetActiveSession(ctx, models.ScopeKey(&property))
	require.NoError(t, err)
	require.NotNil(t, active)

	stopped, _, err := repo.DeactivateSession(ctx, active.ID)
	require.NoError(t, err)
	assert.False(t, stopped.IsActive)

	active, err = repo.GetActiveSession(ctx, models.ScopeKey(&property))
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestGormReviewUpsertIsIdempotent(t *testing.T) {
	repo := openMySQL(t)
	ctx := context.Background()
	sessionId := uuid.NewString()

	t0 := time.Now().UTC().Truncate(time.Second)
	rows := []*models.AuditReview{
		{SessionId: sessionId, AssetId: "A1", Department: "IT", Status: models.ReviewStatusVerified, UpdatedAt: t0},
		{SessionId: sessionId, AssetId: "A2", Department: "IT", Status: models.ReviewStatusMissing, UpdatedAt: t0},
	}
	_, err := repo.UpsertReviews(ctx, rows)
	require.NoError(t, err)

	for _, r := range rows {
		r.UpdatedAt = t0.Add(time.Minute)
	}
	_, err = repo.UpsertReviews(ctx, rows)
	require.NoError(t, err)

	got, err := repo.ListReviews(ctx, repository.ReviewFilter{SessionId: sessionId})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.True(t, r.UpdatedAt.Equal(t0), "updated_at moved for %s", r.AssetId)
	}
}

func TestGormReportCapUnderConcurrency(t *testing.T) {
	repo := openMySQL(t)
	ctx := context.Background()
	session := &models.AuditSession{
		ID:              uuid.NewString(),
		StartedAt:       time.Now().UTC(),
		FrequencyMonths: models.FrequencyQuarterly,
		PropertyId:      func() *string { s := "rc-" + uuid.NewString(); return &s }(),
	}
	require.NoError(t, repo.CreateSessionIfNoneActive(ctx, session))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := repo.InsertReportCapped(ctx, &models.AuditReport{
				ID:          uuid.NewString(),
				SessionId:   session.ID,
				GeneratedAt: time.Now().UTC(),
			}, models.MaxReportsPerSession)
			if err != nil {
				t.Errorf("insert report: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, created)

	reports, err := repo.ListReports(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, reports, 2)
}

func TestGormOpenReviewsRejectSubmittedDepartment(t *testing.T) {
	repo := openMySQL(t)
	ctx := context.Background()
	sessionId := uuid.NewString()
	row := func(asset string) []*models.AuditReview {
		return []*models.AuditReview{{SessionId: sessionId, AssetId: asset, Department: "IT", Status: models.ReviewStatusVerified, UpdatedAt: time.Now().UTC()}}
	}

	// no assignment row yet
	_, err := repo.UpsertOpenReviews(ctx, sessionId, "IT", row("A1"))
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = repo.SaveAssignment(ctx, &models.AuditAssignment{
		SessionId:   sessionId,
		Department:  "IT",
		Status:      models.AssignmentStatusSubmitted,
		SubmittedAt: &now,
	})
	require.NoError(t, err)

	_, err = repo.UpsertOpenReviews(ctx, sessionId, "IT", row("A2"))
	require.ErrorIs(t, err, models.ErrReviewLocked)

	got, err := repo.ListReviews(ctx, repository.ReviewFilter{SessionId: sessionId})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "A1", got[0].AssetId)
}
