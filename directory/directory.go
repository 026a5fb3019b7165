package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"bitbucket.org/mmdatafocus/audit_backend/models"
	"github.com/BurntSushi/toml"
	"gorm.io/gorm"
)

// AssetDirectory is the read-only view of the asset catalog the audit engine needs.
type AssetDirectory interface {
	ListAssets(ctx context.Context, filter models.AssetFilter) ([]*models.Asset, error)
	// GetAsset returns models.ErrAssetNotFound for unknown ids.
	GetAsset(ctx context.Context, id string) (*models.Asset, error)
	// GetAssets returns the known subset of ids keyed by id.
	GetAssets(ctx context.Context, ids []string) (map[string]*models.Asset, error)
}

// Gorm reads the catalog's assets table.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func (d *Gorm) ListAssets(ctx context.Context, filter models.AssetFilter) ([]*models.Asset, error) {
	db := d.db.WithContext(ctx)
	if filter.Department != "" {
		db = db.Where("department = ?", filter.Department)
	}
	if len(filter.Departments) > 0 {
		db = db.Where("department IN ?", filter.Departments)
	}
	if filter.PropertyId != "" {
		db = db.Where("property_id = ?", filter.PropertyId)
	}
	var results []*models.Asset
	if err := db.Order("department, id").Find(&results).Error; err != nil {
		return nil, fmt.Errorf("%w: list assets: %v", models.ErrStorageUnavailable, err)
	}
	return results, nil
}

func (d *Gorm) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	var asset models.Asset
	err := d.db.WithContext(ctx).Where("id = ?", id).First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrAssetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get asset: %v", models.ErrStorageUnavailable, err)
	}
	return &asset, nil
}

func (d *Gorm) GetAssets(ctx context.Context, ids []string) (map[string]*models.Asset, error) {
	var results []*models.Asset
	if len(ids) > 0 {
		if err := d.db.WithContext(ctx).Where("id IN ?", ids).Find(&results).Error; err != nil {
			return nil, fmt.Errorf("%w: get assets: %v", models.ErrStorageUnavailable, err)
		}
	}
	resultMap := make(map[string]*models.Asset, len(results))
	for _, a := range results {
		resultMap[a.ID] = a
	}
	return resultMap, nil
}

// Static is an in-memory catalog for local runs and tests.
type Static struct {
	mu     sync.RWMutex
	assets map[string]*models.Asset
}

func NewStatic(assets ...*models.Asset) *Static {
	s := &Static{assets: make(map[string]*models.Asset, len(assets))}
	for _, a := range assets {
		s.Put(a)
	}
	return s
}

// AssetFile is the TOML layout used by seed files:
//
//	[[assets]]
//	id = "A-1"
//	name = "Laptop"
//	department = "IT"
//	property = "Head Office"
//	property_id = "P1"
type AssetFile struct {
	Assets []*models.Asset `toml:"assets"`
}

func DecodeAssetFile(path string) (*AssetFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file AssetFile
	if _, err := toml.Decode(string(raw), &file); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for i, a := range file.Assets {
		if a.ID == "" || a.Department == "" {
			return nil, fmt.Errorf("%s: asset #%d needs id and department", path, i+1)
		}
	}
	return &file, nil
}

// LoadStaticFile builds a Static directory from a TOML seed file.
func LoadStaticFile(path string) (*Static, error) {
	file, err := DecodeAssetFile(path)
	if err != nil {
		return nil, err
	}
	return NewStatic(file.Assets...), nil
}

func (s *Static) Put(a *models.Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	s.assets[a.ID] = &c
}

func (s *Static) ListAssets(ctx context.Context, filter models.AssetFilter) ([]*models.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*models.Asset
	for _, a := range s.assets {
		if filter.Match(a) {
			c := *a
			results = append(results, &c)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Department != results[j].Department {
			return results[i].Department < results[j].Department
		}
		return results[i].ID < results[j].ID
	})
	return results, nil
}

func (s *Static) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[id]
	if !ok {
		return nil, models.ErrAssetNotFound
	}
	c := *a
	return &c, nil
}

func (s *Static) GetAssets(ctx context.Context, ids []string) (map[string]*models.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resultMap := make(map[string]*models.Asset, len(ids))
	for _, id := range ids {
		if a, ok := s.assets[id]; ok {
			c := *a
			resultMap[id] = &c
		}
	}
	return resultMap, nil
}
