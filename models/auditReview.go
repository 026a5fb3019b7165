package models

import "time"

type AuditReview struct {
	SessionId  string       `gorm:"primaryKey;size:36" json:"sessionId"`
	AssetId    string       `gorm:"primaryKey;size:64" json:"assetId"`
	Department string       `gorm:"primaryKey;size:100;index" json:"department"`
	Status     ReviewStatus `gorm:"size:20;not null" json:"status"`
	Comment    *string      `gorm:"type:text" json:"comment,omitempty"`
	UpdatedAt  time.Time    `gorm:"not null" json:"updatedAt"`
}

func (AuditReview) TableName() string {
	return "audit_reviews"
}

// ReviewKey identifies one review row.
type ReviewKey struct {
	SessionId  string
	AssetId    string
	Department string
}

func (r *AuditReview) Key() ReviewKey {
	return ReviewKey{SessionId: r.SessionId, AssetId: r.AssetId, Department: r.Department}
}

// SameContent reports whether two rows carry the same verification outcome.
func (r *AuditReview) SameContent(other *AuditReview) bool {
	if r.Status != other.Status {
		return false
	}
	if (r.Comment == nil) != (other.Comment == nil) {
		return false
	}
	return r.Comment == nil || *r.Comment == *other.Comment
}

// ReviewInput is one row of a batch save.
type ReviewInput struct {
	AssetId string       `json:"assetId" binding:"required" validate:"required,max=64"`
	Status  ReviewStatus `json:"status" binding:"required" validate:"required,oneof=verified missing damaged"`
	Comment *string      `json:"comment" validate:"omitempty,max=2000"`
}

// StatusCounts is the per-status tally used by summaries and report payloads.
type StatusCounts struct {
	Verified int `json:"verified"`
	Missing  int `json:"missing"`
	Damaged  int `json:"damaged"`
}

func (c *StatusCounts) Add(status ReviewStatus) {
	switch status {
	case ReviewStatusVerified:
		c.Verified++
	case ReviewStatusMissing:
		c.Missing++
	case ReviewStatusDamaged:
		c.Damaged++
	}
}

func (c StatusCounts) Total() int {
	return c.Verified + c.Missing + c.Damaged
}
