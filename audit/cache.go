package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/audit_backend/config"
	"bitbucket.org/mmdatafocus/audit_backend/metrics"
	"bitbucket.org/mmdatafocus/audit_backend/models"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// SummaryCache memoizes reconciliation reads in Redis. Summaries are keyed by a
// per-session revision that every review or assignment write bumps, so a hit is never
// older than the last successful bump. A nil *SummaryCache is a valid, disabled cache.
type SummaryCache struct {
	rdb        *redis.Client
	summaryTTL time.Duration
	totalsTTL  time.Duration
	logger     *logrus.Logger
}

// NewSummaryCache returns nil when Redis is not configured or the policy disables caching.
func NewSummaryCache(rdb *redis.Client, policy config.AuditPolicy, logger *logrus.Logger) *SummaryCache {
	if rdb == nil || !policy.SummaryCacheEnabled {
		return nil
	}
	return &SummaryCache{
		rdb:        rdb,
		summaryTTL: policy.SummaryCacheTTL(),
		totalsTTL:  policy.AssetTotalsCacheTTL(),
		logger:     logger,
	}
}

func revisionKey(sessionId string) string {
	return "audit:rev:" + sessionId
}

func summaryKey(sessionId string, rev int64) string {
	return fmt.Sprintf("audit:summary:%s:%d", sessionId, rev)
}

func totalsKey(departments []string, propertyId *string) string {
	sorted := append([]string(nil), departments...)
	sort.Strings(sorted)
	return fmt.Sprintf("audit:totals:%s:%s", models.ScopeKey(propertyId), strings.Join(sorted, ","))
}

func (c *SummaryCache) warn(op string, err error) {
	if c.logger == nil {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"field": "auditSummaryCache",
		"op":    op,
	}).Warn("summary cache unavailable: " + err.Error())
}

// Revision returns the session's current revision; ok is false when Redis failed.
func (c *SummaryCache) Revision(ctx context.Context, sessionId string) (int64, bool) {
	if c == nil {
		return 0, false
	}
	rev, err := c.rdb.Get(ctx, revisionKey(sessionId)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	if err != nil {
		c.warn("revision", err)
		return 0, false
	}
	return rev, true
}

// Bump invalidates every cached summary of the session.
func (c *SummaryCache) Bump(ctx context.Context, sessionId string) {
	if c == nil {
		return
	}
	if err := c.rdb.Incr(ctx, revisionKey(sessionId)).Err(); err != nil {
		c.warn("bump", err)
	}
}

func (c *SummaryCache) GetSummary(ctx context.Context, sessionId string, rev int64) (map[string]models.StatusCounts, bool) {
	if c == nil {
		return nil, false
	}
	var summary map[string]models.StatusCounts
	hit := c.getJSON(ctx, summaryKey(sessionId, rev), &summary)
	metrics.RecordCacheLookup("summary", hit)
	return summary, hit
}

func (c *SummaryCache) PutSummary(ctx context.Context, sessionId string, rev int64, summary map[string]models.StatusCounts) {
	if c == nil {
		return
	}
	c.setJSON(ctx, summaryKey(sessionId, rev), summary, c.summaryTTL)
}

func (c *SummaryCache) GetTotals(ctx context.Context, departments []string, propertyId *string) (map[string]int, bool) {
	if c == nil {
		return nil, false
	}
	var totals map[string]int
	hit := c.getJSON(ctx, totalsKey(departments, propertyId), &totals)
	metrics.RecordCacheLookup("asset_totals", hit)
	return totals, hit
}

func (c *SummaryCache) PutTotals(ctx context.Context, departments []string, propertyId *string, totals map[string]int) {
	if c == nil {
		return
	}
	c.setJSON(ctx, totalsKey(departments, propertyId), totals, c.totalsTTL)
}

func (c *SummaryCache) getJSON(ctx context.Context, key string, dest any) bool {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.warn("get", err)
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.warn("decode", err)
		return false
	}
	return true
}

func (c *SummaryCache) setJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.warn("encode", err)
		return
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		c.warn("set", err)
	}
}

// obtainLock takes a short Redis lock when one is available. A nil lock means "proceed
// without it"; storage atomicity is what keeps the result correct.
func (d *Deps) obtainLock(ctx context.Context, key string, fields logrus.Fields) *redislock.Lock {
	if d.Locker == nil {
		return nil
	}
	lock, err := d.Locker.Obtain(ctx, key, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 20),
	})
	if err == redislock.ErrNotObtained {
		d.Logger.WithFields(fields).Warn("could not obtain redis lock; proceeding without redis lock")
		return nil
	} else if err != nil {
		d.Logger.WithFields(fields).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
		return nil
	}
	return lock
}

func (d *Deps) releaseLock(ctx context.Context, lock *redislock.Lock, fields logrus.Fields) {
	if lock == nil {
		return
	}
	if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
		d.Logger.WithFields(fields).Warn("failed to release redis lock: " + err.Error())
	}
}
