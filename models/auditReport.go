package models

import (
	"time"

	"gorm.io/datatypes"
)

// MaxReportsPerSession caps how many snapshots a session may ever have.
const MaxReportsPerSession = 2

type AuditReport struct {
	ID          string                            `gorm:"primaryKey;size:36" json:"id"`
	SessionId   string                            `gorm:"size:36;not null;uniqueIndex:uniq_audit_report_seq,priority:1" json:"sessionId"`
	Sequence    int                               `gorm:"not null;uniqueIndex:uniq_audit_report_seq,priority:2" json:"sequence"`
	GeneratedAt time.Time                         `gorm:"not null;index" json:"generatedAt"`
	GeneratedBy *string                           `gorm:"size:255" json:"generatedBy,omitempty"`
	PropertyId  *string                           `gorm:"size:64;index" json:"propertyId,omitempty"`
	Payload     datatypes.JSONType[ReportPayload] `json:"payload"`
}

func (AuditReport) TableName() string {
	return "audit_reports"
}

type ReportPayload struct {
	Totals       StatusCounts        `json:"totals"`
	ByDepartment []DepartmentTally   `json:"byDepartment"`
	Contributors []ReportContributor `json:"contributors"`
}

type DepartmentTally struct {
	Department string `json:"department"`
	Verified   int    `json:"verified"`
	Missing    int    `json:"missing"`
	Damaged    int    `json:"damaged"`
	Total      int    `json:"total"`
}

type ReportContributor struct {
	Department  string           `json:"department"`
	Status      AssignmentStatus `json:"status"`
	SubmittedAt *time.Time       `json:"submittedAt,omitempty"`
	SubmittedBy *string          `json:"submittedBy,omitempty"`
}

// NewerReport orders reports newest first: by sequence within a session, then by time.
func NewerReport(a, b *AuditReport) bool {
	if a.SessionId == b.SessionId && a.Sequence != b.Sequence {
		return a.Sequence > b.Sequence
	}
	if !a.GeneratedAt.Equal(b.GeneratedAt) {
		return a.GeneratedAt.After(b.GeneratedAt)
	}
	return a.ID > b.ID
}
