package models

import "time"

// ScanLogEntry is a personal, append-only scan history row. It is never consulted to
// decide review state.
type ScanLogEntry struct {
	ID        string       `gorm:"primaryKey;size:36" json:"id"`
	SessionId string       `gorm:"size:36;not null;index:idx_scan_log_user,priority:1" json:"sessionId"`
	ScannedBy string       `gorm:"size:255;not null;index:idx_scan_log_user,priority:2" json:"scannedBy"`
	ScannedAt time.Time    `gorm:"not null;index:idx_scan_log_user,priority:3" json:"scannedAt"`
	AssetId   string       `gorm:"size:64;not null" json:"assetId"`
	Status    ReviewStatus `gorm:"size:20;not null" json:"status"`
}

func (ScanLogEntry) TableName() string {
	return "audit_scan_logs"
}

type NewScan struct {
	AssetId string       `json:"assetId" binding:"required" validate:"required,max=64"`
	Status  ReviewStatus `json:"status" binding:"required" validate:"required,oneof=verified missing damaged"`
	Comment *string      `json:"comment" validate:"omitempty,max=2000"`
}
