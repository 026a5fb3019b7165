package middlewares

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/audit_backend/directory"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders wrap your data loaders to inject via middleware
type Loaders struct {
	assetLoader *dataloader.Loader[string, *models.Asset]
}

func NewLoaders(dir directory.AssetDirectory) *Loaders {
	assetReader := &assetReader{dir: dir}

	return &Loaders{
		assetLoader: dataloader.NewBatchedLoader(assetReader.getAssets, dataloader.WithWait[string, *models.Asset](time.Millisecond)),
	}
}

func LoaderMiddleware(dir directory.AssetDirectory) gin.HandlerFunc {
	return func(c *gin.Context) {
		loader := NewLoaders(dir)
		ctx := context.WithValue(c.Request.Context(), loadersKey, loader)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// For returns the request's loaders, or nil outside a request.
func For(ctx context.Context) *Loaders {
	loaders, _ := ctx.Value(loadersKey).(*Loaders)
	return loaders
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}
