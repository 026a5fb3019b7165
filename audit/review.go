package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/audit_backend/config"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"bitbucket.org/mmdatafocus/audit_backend/repository"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// ReviewStore holds the per-(session, asset, department) verification rows. Writes are
// last-write-wins and idempotent: repeating a batch leaves the stored rows unchanged.
type ReviewStore struct {
	deps     *Deps
	sessions *SessionManager
}

func (s *ReviewStore) ListForDepartment(ctx context.Context, sessionId, department string) (reviews []*models.AuditReview, err error) {
	ctx, done := begin(ctx, "review.list_department", sessionAttr(sessionId), departmentAttr(department))
	defer func() { done(err) }()

	department = strings.TrimSpace(department)
	if err := models.RequireKey("department", department); err != nil {
		return nil, err
	}
	if _, err := s.sessions.Require(ctx, sessionId, false); err != nil {
		return nil, err
	}
	return s.deps.Repo.ListReviews(ctx, repository.ReviewFilter{SessionId: sessionId, Department: department})
}

// ListForSession dumps every review of the session, ordered by department then asset.
func (s *ReviewStore) ListForSession(ctx context.Context, sessionId string) (reviews []*models.AuditReview, err error) {
	ctx, done := begin(ctx, "review.list_session", sessionAttr(sessionId))
	defer func() { done(err) }()

	if _, err := s.sessions.Require(ctx, sessionId, false); err != nil {
		return nil, err
	}
	return s.deps.Repo.ListReviews(ctx, repository.ReviewFilter{SessionId: sessionId})
}

// UpsertBatch saves a department's form. When an asset appears more than once the last
// row wins. No assignment row is required.
func (s *ReviewStore) UpsertBatch(ctx context.Context, sessionId, department string, rows []models.ReviewInput, opts WriteOptions) (result repository.WriteResult, err error) {
	ctx, done := begin(ctx, "review.upsert_batch", sessionAttr(sessionId), departmentAttr(department),
		attribute.Int("audit.rows", len(rows)))
	defer func() { done(err) }()

	department = strings.TrimSpace(department)
	if err := models.RequireKey("department", department); err != nil {
		return result, err
	}
	if _, err := s.sessions.Require(ctx, sessionId, true); err != nil {
		return result, err
	}
	return s.write(ctx, sessionId, department, rows, opts, s.deps.Policy.VerifyBatchAssets)
}

// ScanUpsert records one scanned asset under the department the directory assigns it to.
func (s *ReviewStore) ScanUpsert(ctx context.Context, sessionId, assetId string, status models.ReviewStatus, comment *string, opts WriteOptions) (result repository.WriteResult, err error) {
	ctx, done := begin(ctx, "review.scan_upsert", sessionAttr(sessionId), attribute.String("audit.asset_id", assetId))
	defer func() { done(err) }()

	assetId = strings.TrimSpace(assetId)
	if err := models.RequireKey("asset id", assetId); err != nil {
		return result, err
	}
	if _, err := s.sessions.Require(ctx, sessionId, true); err != nil {
		return result, err
	}
	asset, err := s.deps.Directory.GetAsset(ctx, assetId)
	if err != nil {
		return result, err
	}
	if strings.TrimSpace(asset.Department) == "" {
		return result, models.Validationf("asset %s has no department", assetId)
	}
	rows := []models.ReviewInput{{AssetId: assetId, Status: status, Comment: comment}}
	return s.write(ctx, sessionId, asset.Department, rows, opts, false)
}

func (s *ReviewStore) write(ctx context.Context, sessionId, department string, rows []models.ReviewInput, opts WriteOptions, verifyAssets bool) (repository.WriteResult, error) {
	var result repository.WriteResult
	if len(rows) == 0 {
		return result, nil
	}

	order := make([]string, 0, len(rows))
	latest := make(map[string]models.ReviewInput, len(rows))
	for i, row := range rows {
		row.AssetId = strings.TrimSpace(row.AssetId)
		if err := models.ValidateInput(row); err != nil {
			return result, fmt.Errorf("row %d: %w", i, err)
		}
		if _, seen := latest[row.AssetId]; !seen {
			order = append(order, row.AssetId)
		}
		latest[row.AssetId] = row
	}

	if verifyAssets {
		if err := s.verifyAssets(ctx, department, order); err != nil {
			return result, err
		}
	}

	now := s.deps.now()
	reviews := make([]*models.AuditReview, 0, len(order))
	for _, assetId := range order {
		row := latest[assetId]
		reviews = append(reviews, &models.AuditReview{
			SessionId:  sessionId,
			AssetId:    assetId,
			Department: department,
			Status:     row.Status,
			Comment:    row.Comment,
			UpdatedAt:  now,
		})
	}
	var err error
	if s.deps.Policy.LockReviewsAfterSubmit && !opts.Override {
		// a submitted department rejects edits; checked in the same transaction as the write
		result, err = s.deps.Repo.UpsertOpenReviews(ctx, sessionId, department, reviews)
	} else {
		result, err = s.deps.Repo.UpsertReviews(ctx, reviews)
	}
	if errors.Is(err, models.ErrReviewLocked) {
		return result, err
	}
	if err != nil {
		config.LogError(s.deps.Logger, "AuditReview", "write", "upsert reviews", department, err)
		return result, err
	}
	s.deps.Cache.Bump(ctx, sessionId)
	return result, nil
}

// verifyAssets checks every row names a directory asset of department. The check is
// skipped when the directory cannot be reached.
func (s *ReviewStore) verifyAssets(ctx context.Context, department string, assetIds []string) error {
	assets, err := s.deps.Directory.GetAssets(ctx, assetIds)
	if errors.Is(err, models.ErrStorageUnavailable) {
		s.deps.Logger.WithFields(logrus.Fields{
			"field":      "ReviewStore.verifyAssets",
			"department": department,
			"rows":       len(assetIds),
		}).Warn("asset directory unavailable; batch accepted unchecked")
		return nil
	}
	if err != nil {
		return err
	}
	for _, id := range assetIds {
		asset, ok := assets[id]
		if !ok {
			return models.Validationf("asset %s is not in the directory", id)
		}
		if asset.Department != department {
			return models.Validationf("asset %s belongs to %s, not %s", id, asset.Department, department)
		}
	}
	return nil
}
