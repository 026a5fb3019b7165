package models

import (
	"gorm.io/gorm"
)

// MigrateTable creates or updates the audit schema. The assets table belongs to the
// catalog service and is only migrated when includeDirectory is set (local/dev setups).
func MigrateTable(db *gorm.DB, includeDirectory bool) error {
	tables := []interface{}{
		&AuditSession{}, &AuditAssignment{}, &AuditReview{}, &AuditReport{},
		&AuditIncharge{}, &ScanLogEntry{},
	}
	if includeDirectory {
		tables = append(tables, &Asset{})
	}
	return db.AutoMigrate(tables...)
}
