package audit

import (
	"context"
	"strings"

	"bitbucket.org/mmdatafocus/audit_backend/models"
	"bitbucket.org/mmdatafocus/audit_backend/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// ScanVerifier turns a scan event into a review write plus a personal scan-log entry.
// The log is history only; review state never depends on it.
type ScanVerifier struct {
	deps     *Deps
	sessions *SessionManager
	reviews  *ReviewStore
}

func (v *ScanVerifier) Verify(ctx context.Context, sessionId string, scan models.NewScan, scannedBy string, opts WriteOptions) (entry *models.ScanLogEntry, result repository.WriteResult, err error) {
	ctx, done := begin(ctx, "scan.verify", sessionAttr(sessionId), attribute.String("audit.asset_id", scan.AssetId))
	defer func() { done(err) }()

	scannedBy = strings.TrimSpace(scannedBy)
	scan.AssetId = strings.TrimSpace(scan.AssetId)
	if err := models.RequireKey("scanned by", scannedBy); err != nil {
		return nil, result, err
	}
	if err := models.ValidateInput(scan); err != nil {
		return nil, result, err
	}

	result, err = v.reviews.ScanUpsert(ctx, sessionId, scan.AssetId, scan.Status, scan.Comment, opts)
	if err != nil {
		return nil, result, err
	}

	entry = &models.ScanLogEntry{
		ID:        uuid.NewString(),
		SessionId: sessionId,
		ScannedBy: scannedBy,
		ScannedAt: v.deps.now(),
		AssetId:   scan.AssetId,
		Status:    scan.Status,
	}
	logResult, logErr := v.deps.Repo.AppendScan(ctx, entry)
	if logErr != nil {
		// the review is already stored; a lost history row is not worth failing the scan
		v.deps.Logger.WithFields(logrus.Fields{
			"field":      "auditScanVerify",
			"session_id": sessionId,
			"asset_id":   scan.AssetId,
		}).Warn("failed to append scan log: " + logErr.Error())
		return entry, result, nil
	}
	return entry, result.Merge(logResult), nil
}

// ListMyScans returns the user's scans of the session, newest first. limit <= 0 uses the
// configured default.
func (v *ScanVerifier) ListMyScans(ctx context.Context, sessionId, userId string, limit int) (entries []*models.ScanLogEntry, err error) {
	ctx, done := begin(ctx, "scan.list_mine", sessionAttr(sessionId))
	defer func() { done(err) }()

	userId = strings.TrimSpace(userId)
	if err := models.RequireKey("user id", userId); err != nil {
		return nil, err
	}
	if _, err := v.sessions.Require(ctx, sessionId, false); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = v.deps.Policy.ScanLogDefaultLimit
	}
	return v.deps.Repo.ListScans(ctx, sessionId, userId, limit)
}
