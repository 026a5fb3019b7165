package middlewares

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/audit_backend/directory"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"github.com/graph-gophers/dataloader/v7"
)

type assetReader struct {
	dir directory.AssetDirectory
}

func (r *assetReader) getAssets(ctx context.Context, ids []string) []*dataloader.Result[*models.Asset] {
	resultMap, err := r.dir.GetAssets(ctx, ids)
	if err != nil {
		return handleError[*models.Asset](len(ids), err)
	}

	loaderResults := make([]*dataloader.Result[*models.Asset], 0, len(ids))
	for _, id := range ids {
		if asset, ok := resultMap[id]; ok {
			loaderResults = append(loaderResults, &dataloader.Result[*models.Asset]{Data: asset})
		} else {
			loaderResults = append(loaderResults, &dataloader.Result[*models.Asset]{Error: models.ErrAssetNotFound})
		}
	}
	return loaderResults
}

func GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	loaders := For(ctx)
	return loaders.assetLoader.Load(ctx, id)()
}

func GetAssets(ctx context.Context, ids []string) ([]*models.Asset, []error) {
	loaders := For(ctx)
	return loaders.assetLoader.LoadMany(ctx, ids)()
}

// LoadingDirectory batches GetAsset and GetAssets calls through the request's loader when
// one is installed and falls through to the wrapped directory otherwise.
type LoadingDirectory struct {
	directory.AssetDirectory
}

func NewLoadingDirectory(dir directory.AssetDirectory) *LoadingDirectory {
	return &LoadingDirectory{AssetDirectory: dir}
}

func (d *LoadingDirectory) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	if For(ctx) == nil {
		return d.AssetDirectory.GetAsset(ctx, id)
	}
	return GetAsset(ctx, id)
}

func (d *LoadingDirectory) GetAssets(ctx context.Context, ids []string) (map[string]*models.Asset, error) {
	if For(ctx) == nil {
		return d.AssetDirectory.GetAssets(ctx, ids)
	}
	assets, errs := GetAssets(ctx, ids)
	resultMap := make(map[string]*models.Asset, len(ids))
	for i, id := range ids {
		if i < len(errs) && errs[i] != nil {
			if errors.Is(errs[i], models.ErrAssetNotFound) {
				continue
			}
			return nil, errs[i]
		}
		if i < len(assets) && assets[i] != nil {
			resultMap[id] = assets[i]
		}
	}
	return resultMap, nil
}
