package scheduler

import (
	"time"

	"github.com/smallbiznis/creatorledger/internal/config"
)

const (
	JobEligibilityScan = "eligibility_scan"
	JobPayoutSubmit    = "payout_submit"
	JobPayoutRetry     = "payout_retry"
	JobReconciliation  = "reconciliation"
	JobLedgerAudit     = "ledger_audit"
)

// Config controls job schedules, batch sizes and the leader lock. Enabled only
// gates the background cron loop; RunOnce and RunJob always work.
type Config struct {
	Enabled     bool
	EnabledJobs []string
	// Specs maps a job name to a cron spec; jobs without one use DefaultSpecs.
	Specs            map[string]string
	BatchSize        int
	MaxBatchesPerRun int
	JobTimeout       time.Duration
	AuditTimeout     time.Duration
	LockTTL          time.Duration
}

var DefaultSpecs = map[string]string{
	JobEligibilityScan: "@every 5m",
	JobPayoutSubmit:    "@every 30s",
	JobPayoutRetry:     "@every 1m",
	JobReconciliation:  "@every 10m",
	JobLedgerAudit:     "@every 1h",
}

func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		BatchSize:        50,
		MaxBatchesPerRun: 20,
		JobTimeout:       2 * time.Minute,
		AuditTimeout:     15 * time.Minute,
		LockTTL:          5 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	c := DefaultConfig()
	c.Enabled = cfg.Scheduler.Enabled
	c.EnabledJobs = cfg.Scheduler.EnabledJobs
	c.Specs = cfg.Scheduler.Specs
	c.BatchSize = cfg.Scheduler.BatchSize
	c.LockTTL = cfg.Scheduler.LockTTL
	return c.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaxBatchesPerRun <= 0 {
		c.MaxBatchesPerRun = defaults.MaxBatchesPerRun
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.AuditTimeout <= 0 {
		c.AuditTimeout = defaults.AuditTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	// A lock that expires mid-run lets a second instance start the same job.
	if c.LockTTL < c.AuditTimeout {
		c.LockTTL = c.AuditTimeout
	}
	specs := make(map[string]string, len(DefaultSpecs))
	for job, spec := range DefaultSpecs {
		specs[job] = spec
	}
	for job, spec := range c.Specs {
		if spec != "" {
			specs[job] = spec
		}
	}
	c.Specs = specs
	return c
}
