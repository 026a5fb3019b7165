package middlewares

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"bitbucket.org/mmdatafocus/audit_backend/directory"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"bitbucket.org/mmdatafocus/audit_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestAuthMiddlewareSetsIdentity(t *testing.T) {
	t.Setenv("API_SECRET", "test-secret")
	token, err := utils.JwtGenerate("U1", "Ann", "admin")
	require.NoError(t, err)

	r := gin.New()
	r.Use(AuthMiddleware())
	r.GET("/me", func(c *gin.Context) {
		ctx := c.Request.Context()
		userId, _ := utils.GetUserIdFromContext(ctx)
		name, _ := utils.GetUserNameFromContext(ctx)
		isAdmin, _ := utils.GetIsAdminFromContext(ctx)
		c.JSON(http.StatusOK, gin.H{"user": userId, "name": name, "admin": isAdmin})
	})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"U1","name":"Ann","admin":true}`, w.Body.String())
}

func TestAuthMiddlewareRejectsBadToken(t *testing.T) {
	r := gin.New()
	r.Use(AuthMiddleware())
	r.GET("/me", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, header := range []string{"Bearer nope", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", header)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, header)
	}

	// anonymous requests pass through
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

type countingDirectory struct {
	*directory.Static
	batches atomic.Int32
}

func (d *countingDirectory) GetAssets(ctx context.Context, ids []string) (map[string]*models.Asset, error) {
	d.batches.Add(1)
	return d.Static.GetAssets(ctx, ids)
}

func TestLoadingDirectoryBatchesLookups(t *testing.T) {
	dir := &countingDirectory{Static: directory.NewStatic(
		&models.Asset{ID: "A1", Department: "IT"},
		&models.Asset{ID: "A2", Department: "HR"},
	)}
	loading := NewLoadingDirectory(dir)

	ctx := context.WithValue(context.Background(), loadersKey, NewLoaders(dir))

	var wg sync.WaitGroup
	results := make([]*models.Asset, 2)
	errs := make([]error, 2)
	for i, id := range []string{"A1", "A2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i], errs[i] = loading.GetAsset(ctx, id)
		}(i, id)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, "IT", results[0].Department)
	assert.Equal(t, "HR", results[1].Department)
	assert.LessOrEqual(t, dir.batches.Load(), int32(2))

	_, err := loading.GetAsset(ctx, "missing")
	require.ErrorIs(t, err, models.ErrNotFound)

	// no loader in context: plain directory call
	asset, err := loading.GetAsset(context.Background(), "A2")
	require.NoError(t, err)
	assert.Equal(t, "HR", asset.Department)
}

func TestLoadingDirectoryLoadsManyInOneBatch(t *testing.T) {
	dir := &countingDirectory{Static: directory.NewStatic(
		&models.Asset{ID: "A1", Department: "IT"},
		&models.Asset{ID: "A2", Department: "HR"},
	)}
	loading := NewLoadingDirectory(dir)
	ctx := context.WithValue(context.Background(), loadersKey, NewLoaders(dir))

	found, err := loading.GetAssets(ctx, []string{"A1", "A2", "missing"})
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Equal(t, "HR", found["A2"].Department)
	assert.NotContains(t, found, "missing")
	assert.Equal(t, int32(1), dir.batches.Load())

	// cached by the request's loader
	_, err = loading.GetAssets(ctx, []string{"A1"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), dir.batches.Load())
}
