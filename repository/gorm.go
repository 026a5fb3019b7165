package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/audit_backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Gorm is the MySQL-backed store.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

var _ Repository = (*Gorm)(nil)

func (r *Gorm) CreateSessionIfNoneActive(ctx context.Context, session *models.AuditSession) error {
	scope := session.ScopeKey()
	session.IsActive = true
	session.ActiveScope = &scope

	err := r.db.WithContext(ctx).Create(session).Error
	if isDuplicateKeyErr(err) {
		return fmt.Errorf("%w (scope %s)", models.ErrAlreadyActive, scope)
	}
	return classify(err)
}

func (r *Gorm) DeactivateSession(ctx context.Context, sessionId string) (*models.AuditSession, WriteResult, error) {
	var session models.AuditSession
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", sessionId).
			First(&session).Error; err != nil {
			return err
		}
		if !session.IsActive {
			return nil
		}
		session.IsActive = false
		session.ActiveScope = nil
		return tx.Model(&models.AuditSession{}).
			Where("id = ?", sessionId).
			Updates(map[string]interface{}{
				"is_active":    false,
				"active_scope": nil,
			}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, WriteResult{}, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, WriteResult{}, classify(err)
	}
	return &session, WriteResult{}, nil
}

func (r *Gorm) GetSession(ctx context.Context, sessionId string) (*models.AuditSession, error) {
	var session models.AuditSession
	err := r.db.WithContext(ctx).Where("id = ?", sessionId).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &session, nil
}

func (r *Gorm) GetActiveSession(ctx context.Context, scopeKey string) (*models.AuditSession, error) {
	var session models.AuditSession
	err := r.db.WithContext(ctx).Where("active_scope = ?", scopeKey).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &session, nil
}

func (r *Gorm) EnsureAssignment(ctx context.Context, sessionId, department string) (*models.AuditAssignment, error) {
	db := r.db.WithContext(ctx)
	pending := models.NewPendingAssignment(sessionId, department)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(pending).Error; err != nil {
		return nil, classify(err)
	}
	var assignment models.AuditAssignment
	if err := db.Where("session_id = ? AND department = ?", sessionId, department).
		First(&assignment).Error; err != nil {
		return nil, classify(err)
	}
	return &assignment, nil
}

func (r *Gorm) SaveAssignment(ctx context.Context, assignment *models.AuditAssignment) (WriteResult, error) {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(assignment).Error
	return WriteResult{}, classify(err)
}

func (r *Gorm) GetAssignment(ctx context.Context, sessionId, department string) (*models.AuditAssignment, error) {
	var assignment models.AuditAssignment
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND department = ?", sessionId, department).
		First(&assignment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrAssignmentNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &assignment, nil
}

func (r *Gorm) ListAssignments(ctx context.Context, sessionId string) ([]*models.AuditAssignment, error) {
	var results []*models.AuditAssignment
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionId).
		Order("department").
		Find(&results).Error
	return results, classify(err)
}

// reviewUpsert keeps updated_at in place when the incoming row carries the same content.
// MySQL evaluates ON DUPLICATE KEY assignments left to right, so updated_at must come
// before status and comment are overwritten.
var reviewUpsert = clause.OnConflict{
	DoUpdates: clause.Set{
		{
			Column: clause.Column{Name: "updated_at"},
			Value:  gorm.Expr("IF(status <> VALUES(status) OR NOT (comment <=> VALUES(comment)), VALUES(updated_at), updated_at)"),
		},
		{Column: clause.Column{Name: "status"}, Value: gorm.Expr("VALUES(status)")},
		{Column: clause.Column{Name: "comment"}, Value: gorm.Expr("VALUES(comment)")},
	},
}

func (r *Gorm) UpsertReviews(ctx context.Context, rows []*models.AuditReview) (WriteResult, error) {
	if len(rows) == 0 {
		return WriteResult{}, nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(reviewUpsert).CreateInBatches(rows, 200).Error
	})
	return WriteResult{}, classify(err)
}

// UpsertOpenReviews holds a shared lock on the assignment row (or its gap) for the
// duration of the write, so a concurrent SaveAssignment waits for it or wins before it.
func (r *Gorm) UpsertOpenReviews(ctx context.Context, sessionId, department string, rows []*models.AuditReview) (WriteResult, error) {
	if len(rows) == 0 {
		return WriteResult{}, nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var assignments []models.AuditAssignment
		if err := tx.Clauses(clause.Locking{Strength: "SHARE"}).
			Where("session_id = ? AND department = ?", sessionId, department).
			Limit(1).
			Find(&assignments).Error; err != nil {
			return err
		}
		if len(assignments) > 0 && assignments[0].IsSubmitted() {
			return fmt.Errorf("%w (%s)", models.ErrReviewLocked, department)
		}
		return tx.Clauses(reviewUpsert).CreateInBatches(rows, 200).Error
	})
	if errors.Is(err, models.ErrReviewLocked) {
		return WriteResult{}, err
	}
	return WriteResult{}, classify(err)
}

func (r *Gorm) ListReviews(ctx context.Context, filter ReviewFilter) ([]*models.AuditReview, error) {
	db := r.db.WithContext(ctx)
	if filter.SessionId != "" {
		db = db.Where("session_id = ?", filter.SessionId)
	}
	if filter.Department != "" {
		db = db.Where("department = ?", filter.Department)
	}
	if filter.AssetId != "" {
		db = db.Where("asset_id = ?", filter.AssetId)
	}
	var results []*models.AuditReview
	err := db.Order("department, asset_id").Find(&results).Error
	return results, classify(err)
}

func (r *Gorm) InsertReportCapped(ctx context.Context, report *models.AuditReport, limit int) (*models.AuditReport, bool, error) {
	var (
		result  *models.AuditReport
		created bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// serializes concurrent generators of the same session
		var session models.AuditSession
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", report.SessionId).
			First(&session).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.ErrSessionNotFound
			}
			return err
		}

		var count int64
		if err := tx.Model(&models.AuditReport{}).
			Where("session_id = ?", report.SessionId).
			Count(&count).Error; err != nil {
			return err
		}
		if int(count) >= limit {
			var latest models.AuditReport
			if err := tx.Where("session_id = ?", report.SessionId).
				Order("sequence DESC").
				First(&latest).Error; err != nil {
				return err
			}
			result = &latest
			return nil
		}

		report.Sequence = int(count) + 1
		if err := tx.Create(report).Error; err != nil {
			return err
		}
		result = report
		created = true
		return nil
	})
	if isDuplicateKeyErr(err) {
		// lost a race the row lock should have prevented; surface the latest snapshot
		latest, latestErr := r.latestReport(ctx, report.SessionId)
		if latestErr != nil {
			return nil, false, latestErr
		}
		return latest, false, nil
	}
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, false, err
		}
		return nil, false, classify(err)
	}
	return result, created, nil
}

func (r *Gorm) latestReport(ctx context.Context, sessionId string) (*models.AuditReport, error) {
	var latest models.AuditReport
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionId).
		Order("sequence DESC").
		First(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrReportNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &latest, nil
}

func (r *Gorm) ListReports(ctx context.Context, sessionId string) ([]*models.AuditReport, error) {
	var results []*models.AuditReport
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionId).
		Order("sequence DESC").
		Find(&results).Error
	return results, classify(err)
}

func (r *Gorm) GetReport(ctx context.Context, reportId string) (*models.AuditReport, error) {
	var report models.AuditReport
	err := r.db.WithContext(ctx).Where("id = ?", reportId).First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrReportNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &report, nil
}

func (r *Gorm) ListRecentReports(ctx context.Context, limit int) ([]*models.AuditReport, error) {
	var results []*models.AuditReport
	db := r.db.WithContext(ctx).Order("generated_at DESC, id DESC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	err := db.Find(&results).Error
	return results, classify(err)
}

func (r *Gorm) GetIncharge(ctx context.Context, propertyId string) (*models.AuditIncharge, error) {
	var incharge models.AuditIncharge
	err := r.db.WithContext(ctx).Where("property_id = ?", propertyId).First(&incharge).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &incharge, nil
}

var inchargeUpsert = clause.OnConflict{
	Columns:   []clause.Column{{Name: "property_id"}},
	DoUpdates: clause.AssignmentColumns([]string{"user_id", "user_name", "updated_at"}),
}

func (r *Gorm) UpsertIncharge(ctx context.Context, incharge *models.AuditIncharge) (WriteResult, error) {
	incharge.UpdatedAt = time.Now().UTC()
	err := r.db.WithContext(ctx).Clauses(inchargeUpsert).Create(incharge).Error
	return WriteResult{}, classify(err)
}

func (r *Gorm) ListInchargesForUser(ctx context.Context, userId string) ([]*models.AuditIncharge, error) {
	var results []*models.AuditIncharge
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userId).
		Order("property_id").
		Find(&results).Error
	return results, classify(err)
}

func (r *Gorm) ReplaceInchargesForUser(ctx context.Context, userId string, userName *string, propertyIds []string) (WriteResult, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		del := tx.Where("user_id = ?", userId)
		if len(propertyIds) > 0 {
			del = del.Where("property_id NOT IN ?", propertyIds)
		}
		if err := del.Delete(&models.AuditIncharge{}).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, propertyId := range propertyIds {
			row := &models.AuditIncharge{
				PropertyId: propertyId,
				UserId:     userId,
				UserName:   userName,
				UpdatedAt:  now,
			}
			if err := tx.Clauses(inchargeUpsert).Create(row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return WriteResult{}, classify(err)
}

func (r *Gorm) AppendScan(ctx context.Context, entry *models.ScanLogEntry) (WriteResult, error) {
	err := r.db.WithContext(ctx).Create(entry).Error
	return WriteResult{}, classify(err)
}

func (r *Gorm) ListScans(ctx context.Context, sessionId, userId string, limit int) ([]*models.ScanLogEntry, error) {
	var results []*models.ScanLogEntry
	db := r.db.WithContext(ctx).
		Where("session_id = ? AND scanned_by = ?", sessionId, userId).
		Order("scanned_at DESC, id DESC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	err := db.Find(&results).Error
	return results, classify(err)
}
