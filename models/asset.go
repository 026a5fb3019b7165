package models

import "slices"

// Asset is a read-only row of the external asset catalog.
type Asset struct {
	ID         string `gorm:"primaryKey;size:64" json:"id" toml:"id"`
	Name       string `gorm:"size:255" json:"name" toml:"name"`
	Department string `gorm:"size:100;index" json:"department" toml:"department"`
	Property   string `gorm:"size:255" json:"property" toml:"property"`
	PropertyId string `gorm:"size:64;index" json:"propertyId" toml:"property_id"`
}

func (Asset) TableName() string {
	return "assets"
}

// AssetFilter narrows a directory listing; empty fields do not filter.
type AssetFilter struct {
	Department string
	// Departments keeps assets of any listed department.
	Departments []string
	PropertyId  string
}

func (f AssetFilter) Match(a *Asset) bool {
	if f.Department != "" && a.Department != f.Department {
		return false
	}
	if f.PropertyId != "" && a.PropertyId != f.PropertyId {
		return false
	}
	if len(f.Departments) > 0 && !slices.Contains(f.Departments, a.Department) {
		return false
	}
	return true
}
