package models

import "time"

type AuditIncharge struct {
	PropertyId string    `gorm:"primaryKey;size:64" json:"propertyId"`
	UserId     string    `gorm:"size:64;not null;index" json:"userId"`
	UserName   *string   `gorm:"size:255" json:"userName,omitempty"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"-"`
}

func (AuditIncharge) TableName() string {
	return "audit_incharges"
}

type NewAuditIncharge struct {
	UserId   string  `json:"userId" binding:"required" validate:"required,max=64"`
	UserName *string `json:"userName" validate:"omitempty,max=255"`
}

type NewUserIncharges struct {
	UserName    *string  `json:"userName" validate:"omitempty,max=255"`
	PropertyIds []string `json:"propertyIds" validate:"dive,required,max=64"`
}
