package models

import "time"

type AuditAssignment struct {
	SessionId   string           `gorm:"primaryKey;size:36" json:"sessionId"`
	Department  string           `gorm:"primaryKey;size:100" json:"department"`
	Status      AssignmentStatus `gorm:"size:20;not null;default:pending" json:"status"`
	SubmittedAt *time.Time       `json:"submittedAt,omitempty"`
	SubmittedBy *string          `gorm:"size:255" json:"submittedBy,omitempty"`
}

func (AuditAssignment) TableName() string {
	return "audit_assignments"
}

func (a *AuditAssignment) IsSubmitted() bool {
	return a != nil && a.Status == AssignmentStatusSubmitted
}

func NewPendingAssignment(sessionId, department string) *AuditAssignment {
	return &AuditAssignment{
		SessionId:  sessionId,
		Department: department,
		Status:     AssignmentStatusPending,
	}
}
