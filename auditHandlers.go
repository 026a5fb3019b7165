package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/audit_backend/audit"
	"bitbucket.org/mmdatafocus/audit_backend/config"
	"bitbucket.org/mmdatafocus/audit_backend/directives"
	"bitbucket.org/mmdatafocus/audit_backend/directory"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"bitbucket.org/mmdatafocus/audit_backend/repository"
	"bitbucket.org/mmdatafocus/audit_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// auditAPI is everything the HTTP handlers need once dependencies are connected.
type auditAPI struct {
	engine     *audit.Engine
	authorizer *directives.Authorizer
	directory  directory.AssetDirectory
	graphql    http.Handler
	logger     *logrus.Logger
}

func newAuditAPI(engine *audit.Engine, dir directory.AssetDirectory, logger *logrus.Logger) *auditAPI {
	authorizer := directives.NewAuthorizer(engine.Incharges)
	return &auditAPI{
		engine:     engine,
		authorizer: authorizer,
		directory:  dir,
		graphql:    newGraphQLServer(engine, authorizer, logger, NewCache(config.GetRedisDB(), 24*time.Hour)),
		logger:     logger,
	}
}

// writeResponse wraps the result of a non-atomic write.
type writeResponse struct {
	Data     any  `json:"data"`
	Degraded bool `json:"degraded"`
}

type resumeRequest struct {
	SessionId string `json:"sessionId" binding:"required"`
}

type submitRequest struct {
	SubmittedBy *string `json:"submittedBy"`
}

type reviewBatchRequest struct {
	Rows []models.ReviewInput `json:"rows" binding:"required"`
}

type generateRequest struct {
	Departments []string `json:"departments"`
}

func statusForError(err error) int {
	switch models.KindOf(err) {
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindAlreadyActive:
		return http.StatusConflict
	case models.KindUnauthorized:
		return http.StatusForbidden
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case models.KindLimitReached:
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	kind := models.KindOf(err)
	if kind == models.KindInternal {
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error", "kind": kind})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "kind": kind})
}

func bindError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": models.KindValidation})
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, dest any) error {
	if err := c.ShouldBindJSON(dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func respondWrite(c *gin.Context, status int, data any, result repository.WriteResult) {
	if result.Degraded {
		status = http.StatusAccepted
	}
	c.JSON(status, writeResponse{Data: data, Degraded: result.Degraded})
}

// actor names the caller in audit trails: display name when present, user id otherwise.
func actor(c *gin.Context) *string {
	ctx := c.Request.Context()
	if name, ok := utils.GetUserNameFromContext(ctx); ok && strings.TrimSpace(name) != "" {
		return &name
	}
	if userId, ok := utils.GetUserIdFromContext(ctx); ok && userId != "" {
		return &userId
	}
	return nil
}

func queryList(c *gin.Context, key string) []string {
	var out []string
	for _, v := range c.QueryArray(key) {
		out = append(out, splitAndTrim(v)...)
	}
	return out
}

func queryPtr(c *gin.Context, key string) *string {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return nil
	}
	return &v
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, models.Validationf("%s must be an integer", key)
	}
	return n, nil
}

// authenticated rejects anonymous callers.
func (a *auditAPI) authenticated(c *gin.Context) (string, bool) {
	userId, err := directives.CurrentUser(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return "", false
	}
	return userId, true
}

// requireManager checks the caller administers the property (admin or incharge).
func (a *auditAPI) requireManager(c *gin.Context, propertyId *string) bool {
	userId, ok := a.authenticated(c)
	if !ok {
		return false
	}
	allowed, err := a.authorizer.CanAccessProperty(c.Request.Context(), userId, propertyId)
	if err != nil {
		abortWithError(c, err)
		return false
	}
	if !allowed {
		abortWithError(c, models.ErrUnauthorized)
		return false
	}
	return true
}

// managedSession loads the path session and checks the caller administers it.
func (a *auditAPI) managedSession(c *gin.Context) (*models.AuditSession, bool) {
	if _, ok := a.authenticated(c); !ok {
		return nil, false
	}
	session, err := a.engine.Sessions.Require(c.Request.Context(), c.Param("id"), false)
	if err != nil {
		abortWithError(c, err)
		return nil, false
	}
	if !a.requireManager(c, session.PropertyId) {
		return nil, false
	}
	return session, true
}

func (a *auditAPI) writeOptions(c *gin.Context, sessionId string) audit.WriteOptions {
	ctx := c.Request.Context()
	session, err := a.engine.Sessions.Require(ctx, sessionId, false)
	if err != nil {
		return audit.WriteOptions{}
	}
	return audit.WriteOptions{Override: a.authorizer.CanOverrideLock(ctx, session.PropertyId)}
}

// sessions

func (a *auditAPI) startSession(c *gin.Context) {
	var input models.NewAuditSession
	if err := c.ShouldBindJSON(&input); err != nil {
		bindError(c, err)
		return
	}
	if !a.requireManager(c, input.PropertyId) {
		return
	}
	if input.InitiatedBy == nil {
		input.InitiatedBy = actor(c)
	}
	session, err := a.engine.Sessions.Start(c.Request.Context(), input.FrequencyMonths, input.InitiatedBy, input.PropertyId)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (a *auditAPI) getActiveSession(c *gin.Context) {
	if _, ok := a.authenticated(c); !ok {
		return
	}
	session, err := a.engine.Sessions.GetActive(c.Request.Context(), queryPtr(c, "property_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (a *auditAPI) stopSession(c *gin.Context) {
	session, ok := a.managedSession(c)
	if !ok {
		return
	}
	result, err := a.engine.Sessions.Stop(c.Request.Context(), session.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	respondWrite(c, http.StatusOK, gin.H{"id": session.ID, "isActive": false}, result)
}

func (a *auditAPI) resumeSession(c *gin.Context) {
	if _, ok := a.authenticated(c); !ok {
		return
	}
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	session, err := a.engine.Sessions.Resume(c.Request.Context(), req.SessionId)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// assignments

func (a *auditAPI) ensureAssignment(c *gin.Context) {
	if _, ok := a.authenticated(c); !ok {
		return
	}
	assignment, err := a.engine.Assignments.Ensure(c.Request.Context(), c.Param("id"), c.Param("dept"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, assignment)
}

func (a *auditAPI) submitAssignment(c *gin.Context) {
	if _, ok := a.authenticated(c); !ok {
		return
	}
	var req submitRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		bindError(c, err)
		return
	}
	if req.SubmittedBy == nil {
		req.SubmittedBy = actor(c)
	}
	assignment, result, err := a.engine.Assignments.Submit(c.Request.Context(), c.Param("id"), c.Param("dept"), req.SubmittedBy)
	if err != nil {
		abortWithError(c, err)
		return
	}
	respondWrite(c, http.StatusOK, assignment, result)
}

func (a *auditAPI) reopenAssignment(c *gin.Context) {
	session, ok := a.managedSession(c)
	if !ok {
		return
	}
	assignment, result, err := a.engine.Assignments.Reopen(c.Request.Context(), session.ID, c.Param("dept"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	respondWrite(c, http.StatusOK, assignment, result)
}

func (a *auditAPI) listAssignments(c *gin.Context) {
	if _, ok := a.authenticated(c); !ok {
		return
	}
	assignments, err := a.engine.Assignments.ListFor(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, assignments)
}

// reviews

func (a *auditAPI) listDepartmentReviews(c *gin.Context) {
	if _, ok := a.authenticated(c); !ok {
		return
	}
	reviews, err := a.engine.Reviews.ListForDepartment(c.Request.Context(), c.Param("id"), c.Param("dept"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, reviews)
}

func (a *auditAPI) upsertReviews(c *gin.Context) {
	if _, ok := a.authenticated(c); !ok {
		return
	}
	var req reviewBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	sessionId := c.Param("id")
	result, err := a.engine.Reviews.UpsertBatch(c.Request.Context(), sessionId, c.Param("dept"), req.Rows, a.writeOptions(c, sessionId))
	if err != nil {
		abortWithError(c, err)
		return
	}
	respondWrite(c, http.StatusOK, gin.H{"saved": len(req.Rows)}, result)
}

func (a *auditAPI) listSessionReviews(c *gin.Context) {
	if _, ok := a.authenticated(c); !ok {
		return
	}
	reviews, err := a.engine.Reviews.ListForSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, reviews)
}

// scans

func (a *auditAPI) verifyScan(c *gin.Context) {
	userId, ok := a.authenticated(c)
	if !ok {
		return
	}
	var scan models.NewScan
	if err := c.ShouldBindJSON(&scan); err != nil {
		bindError(c, err)
		return
	}
	sessionId := c.Param("id")
	entry, result, err := a.engine.Scans.Verify(c.Request.Context(), sessionId, scan, userId, a.writeOptions(c, sessionId))
	if err != nil {
		abortWithError(c, err)
		return
	}
	respondWrite(c, http.StatusCreated, entry, result)
}

func (a *auditAPI) listMyScans(c *gin.Context) {
	userId, ok := a.authenticated(c)
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		abortWithError(c, err)
		return
	}
	entries, err := a.engine.Scans.ListMyScans(c.Request.Context(), c.Param("id"), userId, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// reconciliation

func (a *auditAPI) progress(c *gin.Context) {
	if _, ok := a.authenticated(c); !ok {
		return
	}
	progress, err := a.engine.Reconciliation.Progress(c.Request.Context(), c.Param("id"), queryList(c, "departments"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (a *auditAPI) summary(c *gin.Context) {
	if _, ok := a.authenticated(c); !ok {
		return
	}
	summary, err := a.engine.Reconciliation.SummaryByDepartment(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (a *auditAPI) completion(c *gin.Context) {
	if _, ok := a.authenticated(c); !ok {
		return
	}
	completion, err := a.engine.Reconciliation.Completion(c.Request.Context(), c.Param("id"), queryList(c, "departments"), queryPtr(c, "property_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, completion)
}

func (a *auditAPI) assetTotals(c *gin.Context) {
	if _, ok := a.authenticated(c); !ok {
		return
	}
	totals, err := a.engine.Reconciliation.AssetTotalsByDepartment(c.Request.Context(), queryList(c, "departments"), queryPtr(c, "property_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, totals)
}

// reports

func (a *auditAPI) generateReport(c *gin.Context) {
	session, ok := a.managedSession(c)
	if !ok {
		return
	}
	var req generateRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		bindError(c, err)
		return
	}
	result, err := a.engine.Reports.Generate(c.Request.Context(), session.ID, actor(c), req.Departments...)
	if err != nil {
		abortWithError(c, err)
		return
	}
	status := http.StatusCreated
	if result.LimitReached {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (a *auditAPI) listSessionReports(c *gin.Context) {
	if _, ok := a.managedSession(c); !ok {
		return
	}
	reports, err := a.engine.Reports.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

func (a *auditAPI) getReport(c *gin.Context) {
	if _, ok := a.authenticated(c); !ok {
		return
	}
	report, err := a.engine.Reports.GetById(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !a.requireManager(c, report.PropertyId) {
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *auditAPI) listRecentReports(c *gin.Context) {
	if _, ok := a.authenticated(c); !ok {
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		abortWithError(c, err)
		return
	}
	ctx := c.Request.Context()
	reports, err := a.engine.Reports.ListRecent(ctx, limit, a.authorizer.ReportScope(ctx))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

// incharges

func (a *auditAPI) getIncharge(c *gin.Context) {
	if _, ok := a.authenticated(c); !ok {
		return
	}
	incharge, err := a.engine.Incharges.Get(c.Request.Context(), c.Param("property_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"incharge": incharge})
}

func (a *auditAPI) setIncharge(c *gin.Context) {
	if err := directives.RequireAdmin(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	var input models.NewAuditIncharge
	if err := c.ShouldBindJSON(&input); err != nil {
		bindError(c, err)
		return
	}
	incharge, result, err := a.engine.Incharges.Set(c.Request.Context(), c.Param("property_id"), input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	respondWrite(c, http.StatusOK, incharge, result)
}

func (a *auditAPI) listUserIncharges(c *gin.Context) {
	userId, ok := a.authenticated(c)
	if !ok {
		return
	}
	target := c.Param("user_id")
	if target != userId && !directives.IsAdmin(c.Request.Context()) {
		abortWithError(c, models.ErrUnauthorized)
		return
	}
	incharges, err := a.engine.Incharges.ListForUser(c.Request.Context(), target)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, incharges)
}

func (a *auditAPI) setUserIncharges(c *gin.Context) {
	if err := directives.RequireAdmin(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	var input models.NewUserIncharges
	if err := c.ShouldBindJSON(&input); err != nil {
		bindError(c, err)
		return
	}
	incharges, result, err := a.engine.Incharges.SetForUser(c.Request.Context(), c.Param("user_id"), input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	respondWrite(c, http.StatusOK, incharges, result)
}

// registerAuditRoutes mounts the audit API. current returns nil until dependencies are
// connected; the readiness gate answers 503 before then.
func registerAuditRoutes(g *gin.RouterGroup, current func() *auditAPI) {
	h := func(fn func(*auditAPI, *gin.Context)) gin.HandlerFunc {
		return func(c *gin.Context) {
			api := current()
			if api == nil {
				c.AbortWithStatus(http.StatusServiceUnavailable)
				return
			}
			fn(api, c)
		}
	}

	g.POST("/sessions", h((*auditAPI).startSession))
	g.GET("/sessions/active", h((*auditAPI).getActiveSession))
	g.POST("/sessions/resume", h((*auditAPI).resumeSession))
	g.POST("/sessions/:id/stop", h((*auditAPI).stopSession))

	g.POST("/sessions/:id/departments/:dept/ensure", h((*auditAPI).ensureAssignment))
	g.POST("/sessions/:id/departments/:dept/submit", h((*auditAPI).submitAssignment))
	g.POST("/sessions/:id/departments/:dept/reopen", h((*auditAPI).reopenAssignment))
	g.GET("/sessions/:id/assignments", h((*auditAPI).listAssignments))

	g.GET("/sessions/:id/departments/:dept/reviews", h((*auditAPI).listDepartmentReviews))
	g.PUT("/sessions/:id/departments/:dept/reviews", h((*auditAPI).upsertReviews))
	g.GET("/sessions/:id/reviews", h((*auditAPI).listSessionReviews))

	g.POST("/sessions/:id/scans", h((*auditAPI).verifyScan))
	g.GET("/sessions/:id/scans/mine", h((*auditAPI).listMyScans))

	g.GET("/sessions/:id/progress", h((*auditAPI).progress))
	g.GET("/sessions/:id/summary", h((*auditAPI).summary))
	g.GET("/sessions/:id/completion", h((*auditAPI).completion))
	g.GET("/asset-totals", h((*auditAPI).assetTotals))

	g.POST("/sessions/:id/reports", h((*auditAPI).generateReport))
	g.GET("/sessions/:id/reports", h((*auditAPI).listSessionReports))
	g.GET("/reports/:id", h((*auditAPI).getReport))
	g.GET("/reports", h((*auditAPI).listRecentReports))

	g.GET("/incharges/:property_id", h((*auditAPI).getIncharge))
	g.PUT("/incharges/:property_id", h((*auditAPI).setIncharge))
	g.GET("/users/:user_id/incharges", h((*auditAPI).listUserIncharges))
	g.PUT("/users/:user_id/incharges", h((*auditAPI).setUserIncharges))
}
