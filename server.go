package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/audit_backend/audit"
	"bitbucket.org/mmdatafocus/audit_backend/config"
	"bitbucket.org/mmdatafocus/audit_backend/directives"
	"bitbucket.org/mmdatafocus/audit_backend/directory"
	"bitbucket.org/mmdatafocus/audit_backend/graph"
	"bitbucket.org/mmdatafocus/audit_backend/metrics"
	"bitbucket.org/mmdatafocus/audit_backend/middlewares"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"bitbucket.org/mmdatafocus/audit_backend/repository"
	"bitbucket.org/mmdatafocus/audit_backend/utils"
	"bitbucket.org/mmdatafocus/audit_backend/workflow"
	"github.com/99designs/gqlgen/graphql/handler"
	"github.com/99designs/gqlgen/graphql/handler/extension"
	"github.com/99designs/gqlgen/graphql/handler/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ravilushqa/otelgqlgen"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

const apqPrefix = "apq:"

// Cache stores automatic persisted queries in Redis.
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// NewCache returns nil when Redis is not connected; the GraphQL server then runs
// without persisted queries.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if client == nil {
		return nil
	}
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) Add(ctx context.Context, key string, value interface{}) {
	c.client.Set(ctx, apqPrefix+key, value, c.ttl)
}

func (c *Cache) Get(ctx context.Context, key string) (interface{}, bool) {
	s, err := c.client.Get(ctx, apqPrefix+key).Result()
	if err != nil {
		return struct{}{}, false
	}
	return s, true
}

// newGraphQLServer serves the audit engine over GraphQL at /query.
func newGraphQLServer(engine *audit.Engine, authorizer *directives.Authorizer, logger *logrus.Logger, cache *Cache) http.Handler {
	c := graph.Config{Resolvers: &graph.Resolver{
		Engine:     engine,
		Authorizer: authorizer,
		Logger:     logger,
	}}
	c.Directives.Auth = directives.Auth

	h := handler.New(graph.NewExecutableSchema(c))
	h.AddTransport(transport.Options{})
	h.AddTransport(transport.GET{})
	h.AddTransport(transport.POST{})
	h.Use(otelgqlgen.Middleware())
	if cache != nil {
		h.Use(extension.AutomaticPersistedQuery{Cache: cache})
	}
	return h
}

func graphqlHandler(current func() *auditAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		api := current()
		if api == nil || api.graphql == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		api.graphql.ServeHTTP(c.Writer, c.Request)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// newRouter builds the HTTP surface. current returns nil until the database and Redis
// are connected; until then every app endpoint answers 503.
func newRouter(logger *logrus.Logger, current func() *auditAPI) *gin.Engine {
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		if current() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "x-correlation-id")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(httpMetrics())
	r.Use(middlewares.AuthMiddleware())
	r.Use(func(c *gin.Context) {
		api := current()
		if api == nil || api.directory == nil {
			c.Next()
			return
		}
		middlewares.LoaderMiddleware(api.directory)(c)
	})
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	registerAuditRoutes(r.Group("/audit"), current)
	r.POST("/query", graphqlHandler(current))
	r.GET("/query", graphqlHandler(current))
	r.POST("/pubsub/scans", scanPubSubHandler(current))
	r.NoRoute(customNotFoundHandler)
	return r
}

// wiring is what main needs to keep after connectAuditAPI.
type wiring struct {
	api    *auditAPI
	mirror *repository.Tiered
	policy config.AuditPolicy
	close  func()
}

// connectAuditAPI wires the engine once the database and Redis are connected.
func connectAuditAPI(ctx context.Context, logger *logrus.Logger) wiring {
	db := config.GetDB()
	tiered := repository.NewTiered(repository.NewGorm(db), repository.NewMemory(), logger)
	assets := directory.NewGorm(db)

	policy, err := config.LoadAuditPolicy()
	if err != nil {
		config.LogError(logger, "server.go", "connectAuditAPI", "LoadAuditPolicy", nil, err)
		policy = config.DefaultAuditPolicy()
	}

	deps := audit.Deps{
		Repo:      tiered,
		Directory: middlewares.NewLoadingDirectory(assets),
		Policy:    policy,
		Cache:     audit.NewSummaryCache(config.GetRedisDB(), policy, logger),
		Locker:    config.GetRedisLock(),
		Logger:    logger,
	}

	var closers []func()
	if config.PubSubEnabled() {
		publisher, err := audit.NewPubSubPublisher(ctx)
		if err != nil {
			config.LogError(logger, "server.go", "connectAuditAPI", "NewPubSubPublisher", config.AuditEventsTopic(), err)
		} else {
			deps.Events = publisher
			closers = append(closers, publisher.Stop, config.ClosePubSub)
		}
	}
	if bucket := utils.AuditBucket(); bucket != "" {
		client, err := utils.GetGCSClient(ctx)
		if err != nil {
			config.LogError(logger, "server.go", "connectAuditAPI", "GetGCSClient", bucket, err)
		} else {
			deps.Archive = audit.NewGCSArchive(client, bucket)
			closers = append(closers, func() { _ = client.Close() })
		}
	}

	return wiring{
		api:    newAuditAPI(audit.New(deps), assets, logger),
		mirror: tiered,
		policy: policy,
		close: func() {
			for _, closeFn := range closers {
				closeFn()
			}
		},
	}
}

func main() {
	port := os.Getenv("API_PORT_2")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	metrics.RegisterMetrics()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	var current atomic.Pointer[auditAPI]
	r := newRouter(logger, current.Load)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry(sigCtx)

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can block tables; allow running it as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db, false); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal("migration failed: " + err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	wired := connectAuditAPI(sigCtx, logger)
	defer wired.close()
	current.Store(wired.api)

	// Replays writes that only reached the local mirror while MySQL was unavailable.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go workflow.NewMirrorReplayer(wired.mirror, logger, wired.policy.ReplayInterval()).Run(workerCtx)

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("audit api listening on port ", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// httpMetrics records request counts and latency by route template.
func httpMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
			logger.WithFields(logrus.Fields{
				"field":          "http",
				"path":           c.FullPath(),
				"correlation_id": cid,
			}).Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := "ratelimit:" + c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		// fail open
		c.Next()
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		if err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err(); err != nil {
			c.Next()
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.Next()
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
