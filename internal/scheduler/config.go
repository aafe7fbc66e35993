package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/connectpay/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval     time.Duration
	SweepBatchSize  int
	OutboxBatchSize int
	JobLockTTL      time.Duration
	// PayoutDay is the day of month monthly payouts run on.
	PayoutDay int
	// PayoutWeekday is the day weekly payouts run on.
	PayoutWeekday time.Weekday
	EnabledJobs   []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:     time.Minute,
		SweepBatchSize:  50,
		OutboxBatchSize: 100,
		JobLockTTL:      10 * time.Minute,
		PayoutDay:       1,
		PayoutWeekday:   time.Monday,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:   cfg.SchedulerInterval,
		EnabledJobs:   cfg.SchedulerJobs,
		PayoutDay:     cfg.PayoutDay,
		PayoutWeekday: parseWeekday(cfg.PayoutWeekday),
	}.withDefaults()
}

// parseWeekday accepts full or three-letter English day names and falls
// back to Monday.
func parseWeekday(name string) time.Weekday {
	name = strings.ToLower(strings.TrimSpace(name))
	for day := time.Sunday; day <= time.Saturday; day++ {
		full := strings.ToLower(day.String())
		if name == full || name == full[:3] {
			return day
		}
	}
	return time.Monday
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = defaults.SweepBatchSize
	}
	if c.OutboxBatchSize <= 0 {
		c.OutboxBatchSize = defaults.OutboxBatchSize
	}
	if c.JobLockTTL <= 0 {
		c.JobLockTTL = defaults.JobLockTTL
	}
	if c.PayoutDay < 1 || c.PayoutDay > 28 {
		c.PayoutDay = defaults.PayoutDay
	}
	if c.PayoutWeekday < time.Sunday || c.PayoutWeekday > time.Saturday {
		c.PayoutWeekday = defaults.PayoutWeekday
	}
	return c
}
