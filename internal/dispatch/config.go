package dispatch

import (
	"strings"
	"time"
)

// Config controls polling, batching and retry. Zero values take defaults.
type Config struct {
	// Schedule is the poll cadence: a cron spec ("*/1 * * * *", "@every 60s")
	// or an interval ("60s", "00:01").
	Schedule    string
	BatchSize   int
	Concurrency int
	SendTimeout time.Duration
	// Lease must outlive SendTimeout; it is raised to twice SendTimeout when shorter.
	Lease time.Duration

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// RetryMax is how many failed retries a reminder gets before it turns
	// terminal. The first failed attempt is not a retry. Zero takes
	// DefaultRetryMax; NoRetries makes the first failure terminal.
	RetryMax int

	// WorkerID names this process in leases and logs.
	WorkerID string
}

const (
	DefaultSchedule      = "@every 60s"
	DefaultBatchSize     = 50
	DefaultConcurrency   = 4
	DefaultSendTimeout   = 30 * time.Second
	DefaultLease         = 5 * time.Minute
	DefaultRetryBase     = time.Minute
	DefaultRetryMaxDelay = time.Hour
	DefaultRetryMax      = 5

	// NoRetries is any negative RetryMax.
	NoRetries = -1
)

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultSchedule
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.Lease < 2*c.SendTimeout {
		c.Lease = 2 * c.SendTimeout
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMax < 0 {
		c.RetryMax = NoRetries
	} else if c.RetryMax == 0 {
		c.RetryMax = DefaultRetryMax
	}
	if strings.TrimSpace(c.WorkerID) == "" {
		c.WorkerID = "worker"
	}
	return c
}
