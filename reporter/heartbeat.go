package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/mesgateway/errors"
	"github.com/c360/mesgateway/health"
	"github.com/c360/mesgateway/pkg/retry"
)

// HeartbeatConfig controls the periodic machine status report.
type HeartbeatConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Interval time.Duration `json:"interval" yaml:"interval"`
	// Attempts per beat, including the first.
	Attempts int `json:"attempts" yaml:"attempts"`
}

// DefaultHeartbeatConfig returns a disabled one-minute heartbeat.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{Interval: time.Minute, Attempts: 3}
}

// Validate checks interval and attempts when enabled.
func (c HeartbeatConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Interval < time.Second {
		return errors.WrapInvalid(fmt.Errorf("%w: heartbeat interval %v below 1s", errors.ErrInvalidConfig, c.Interval),
			"reporter", "Validate", "check heartbeat interval")
	}
	if c.Attempts < 1 {
		return errors.WrapInvalid(fmt.Errorf("%w: heartbeat attempts %d", errors.ErrInvalidConfig, c.Attempts),
			"reporter", "Validate", "check heartbeat attempts")
	}
	return nil
}

// StatusFunc returns the machine state to report.
type StatusFunc func() MachineStatus

// Heartbeat reports machine status on a fixed interval.
type Heartbeat struct {
	reporter *Reporter
	status   StatusFunc
	interval time.Duration
	retry    retry.Config
	logger   *slog.Logger

	mu       sync.Mutex
	last     Result
	lastAt   time.Time
	failures int
}

// NewHeartbeat creates the job. Each beat is retried per cfg.Attempts with
// backoff; client errors (4xx) are not retried.
func NewHeartbeat(r *Reporter, status StatusFunc, cfg HeartbeatConfig) *Heartbeat {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.Attempts
	rc.MaxDelay = cfg.Interval / 2
	if rc.MaxDelay < rc.InitialDelay {
		rc.MaxDelay = rc.InitialDelay
	}
	h := &Heartbeat{
		reporter: r,
		status:   status,
		interval: cfg.Interval,
		retry:    rc,
		logger:   r.logger.With("job", "heartbeat"),
	}
	h.retry.OnRetry = func(attempt int, err error, next time.Duration) {
		h.logger.Debug("heartbeat retry", "attempt", attempt, "retry_in", next, "error", err)
	}
	return h
}

// Run beats immediately and then every interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	var res Result
	err := retry.Do(ctx, h.retry, func() error {
		res = h.reporter.ReportMachineStatus(ctx, h.status())
		if res.Success {
			return nil
		}
		if res.StatusCode >= 400 && res.StatusCode < 500 {
			return retry.Permanent(res.Err())
		}
		return res.Err()
	})

	h.mu.Lock()
	h.last = res
	h.lastAt = time.Now()
	if err != nil {
		h.failures++
	} else {
		h.failures = 0
	}
	h.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		h.logger.Warn("heartbeat failed", "status", res.StatusCode, "error", err)
	}
}

// Last returns the most recent beat result and when it finished.
func (h *Heartbeat) Last() (Result, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last, h.lastAt
}

// CheckHealth reports degraded after a failed beat. The MES being
// unreachable never makes the gateway unhealthy. The message carries only
// the status code since /api/health is public.
func (h *Heartbeat) CheckHealth(context.Context) health.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.lastAt.IsZero():
		return health.NewHealthy("heartbeat", "no beat yet")
	case h.failures > 0:
		return health.NewDegraded("heartbeat",
			fmt.Sprintf("%d consecutive failures, last status %d", h.failures, h.last.StatusCode))
	default:
		return health.NewHealthy("heartbeat", "last beat "+h.lastAt.Format(time.RFC3339))
	}
}
