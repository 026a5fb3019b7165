package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// AuditPolicy holds the engine switches that operators tune per deployment.
//
// Loaded from the TOML file named by AUDIT_POLICY_FILE (optional), then overridden by env:
// - AUDIT_LOCK_REVIEWS_AFTER_SUBMIT=true
// - AUDIT_VERIFY_BATCH_ASSETS=true
// - AUDIT_SUMMARY_CACHE_ENABLED=true
// - AUDIT_SUMMARY_CACHE_TTL_SECONDS=120
// - AUDIT_ASSET_TOTALS_CACHE_TTL_SECONDS=300
// - AUDIT_SCAN_LOG_DEFAULT_LIMIT=50
// - AUDIT_RECENT_REPORTS_DEFAULT_LIMIT=20
// - AUDIT_REPLAY_INTERVAL_SECONDS=15
type AuditPolicy struct {
	LockReviewsAfterSubmit     bool `toml:"lock_reviews_after_submit"`
	VerifyBatchAssets          bool `toml:"verify_batch_assets"`
	SummaryCacheEnabled        bool `toml:"summary_cache_enabled"`
	SummaryCacheTTLSeconds     int  `toml:"summary_cache_ttl_seconds"`
	AssetTotalsCacheTTLSeconds int  `toml:"asset_totals_cache_ttl_seconds"`
	ScanLogDefaultLimit        int  `toml:"scan_log_default_limit"`
	RecentReportsDefaultLimit  int  `toml:"recent_reports_default_limit"`
	ReplayIntervalSeconds      int  `toml:"replay_interval_seconds"`
}

func DefaultAuditPolicy() AuditPolicy {
	return AuditPolicy{
		LockReviewsAfterSubmit:     true,
		VerifyBatchAssets:          true,
		SummaryCacheEnabled:        true,
		SummaryCacheTTLSeconds:     120,
		AssetTotalsCacheTTLSeconds: 300,
		ScanLogDefaultLimit:        50,
		RecentReportsDefaultLimit:  20,
		ReplayIntervalSeconds:      15,
	}
}

// LoadAuditPolicy reads the optional policy file and applies env overrides.
func LoadAuditPolicy() (AuditPolicy, error) {
	policy := DefaultAuditPolicy()
	if path := strings.TrimSpace(os.Getenv("AUDIT_POLICY_FILE")); path != "" {
		if _, err := toml.DecodeFile(path, &policy); err != nil {
			return policy, fmt.Errorf("decode audit policy %q: %w", path, err)
		}
	}
	policy.LockReviewsAfterSubmit = boolFromEnv("AUDIT_LOCK_REVIEWS_AFTER_SUBMIT", policy.LockReviewsAfterSubmit)
	policy.VerifyBatchAssets = boolFromEnv("AUDIT_VERIFY_BATCH_ASSETS", policy.VerifyBatchAssets)
	policy.SummaryCacheEnabled = boolFromEnv("AUDIT_SUMMARY_CACHE_ENABLED", policy.SummaryCacheEnabled)
	policy.SummaryCacheTTLSeconds = intFromEnv("AUDIT_SUMMARY_CACHE_TTL_SECONDS", policy.SummaryCacheTTLSeconds)
	policy.AssetTotalsCacheTTLSeconds = intFromEnv("AUDIT_ASSET_TOTALS_CACHE_TTL_SECONDS", policy.AssetTotalsCacheTTLSeconds)
	policy.ScanLogDefaultLimit = intFromEnv("AUDIT_SCAN_LOG_DEFAULT_LIMIT", policy.ScanLogDefaultLimit)
	policy.RecentReportsDefaultLimit = intFromEnv("AUDIT_RECENT_REPORTS_DEFAULT_LIMIT", policy.RecentReportsDefaultLimit)
	policy.ReplayIntervalSeconds = intFromEnv("AUDIT_REPLAY_INTERVAL_SECONDS", policy.ReplayIntervalSeconds)
	return policy, policy.validate()
}

// DecodeAuditPolicy parses policy TOML on top of the defaults.
func DecodeAuditPolicy(data string) (AuditPolicy, error) {
	policy := DefaultAuditPolicy()
	if _, err := toml.Decode(data, &policy); err != nil {
		return policy, err
	}
	return policy, policy.validate()
}

func (p AuditPolicy) validate() error {
	if p.SummaryCacheTTLSeconds < 0 || p.AssetTotalsCacheTTLSeconds < 0 {
		return fmt.Errorf("audit policy: cache ttl must not be negative")
	}
	if p.ScanLogDefaultLimit <= 0 || p.RecentReportsDefaultLimit <= 0 {
		return fmt.Errorf("audit policy: default limits must be positive")
	}
	return nil
}

func (p AuditPolicy) SummaryCacheTTL() time.Duration {
	return time.Duration(p.SummaryCacheTTLSeconds) * time.Second
}

func (p AuditPolicy) AssetTotalsCacheTTL() time.Duration {
	return time.Duration(p.AssetTotalsCacheTTLSeconds) * time.Second
}

func (p AuditPolicy) ReplayInterval() time.Duration {
	if p.ReplayIntervalSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(p.ReplayIntervalSeconds) * time.Second
}
