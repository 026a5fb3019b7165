package models

import (
	"strings"
	"time"
)

// GlobalScopeKey is the active-session scope of sessions that are not bound to a property.
const GlobalScopeKey = "*"

type AuditSession struct {
	ID              string          `gorm:"primaryKey;size:36" json:"id"`
	StartedAt       time.Time       `gorm:"not null;index" json:"startedAt"`
	FrequencyMonths FrequencyMonths `gorm:"not null" json:"frequencyMonths"`
	InitiatedBy     *string         `gorm:"size:255" json:"initiatedBy,omitempty"`
	IsActive        bool            `gorm:"not null;default:true;index" json:"isActive"`
	PropertyId      *string         `gorm:"size:64;index" json:"propertyId,omitempty"`
	// ActiveScope carries the scope key while the session is active and NULL afterwards;
	// the unique index is what makes "one active session per scope" atomic.
	ActiveScope *string `gorm:"size:80;uniqueIndex:uniq_audit_active_scope" json:"-"`
}

func (AuditSession) TableName() string {
	return "audit_sessions"
}

// ScopeKey returns the active-session scope for an optional property id.
func ScopeKey(propertyId *string) string {
	if propertyId == nil || strings.TrimSpace(*propertyId) == "" {
		return GlobalScopeKey
	}
	return "property:" + strings.TrimSpace(*propertyId)
}

func (s *AuditSession) ScopeKey() string {
	return ScopeKey(s.PropertyId)
}

type NewAuditSession struct {
	FrequencyMonths FrequencyMonths `json:"frequencyMonths" validate:"required,oneof=3 6"`
	InitiatedBy     *string         `json:"initiatedBy" validate:"omitempty,max=255"`
	PropertyId      *string         `json:"propertyId" validate:"omitempty,max=64"`
}
