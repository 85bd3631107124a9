package webhook

import (
	"context"
	"strconv"

	"github.com/robfig/cron/v3"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/logging"
)

// ScanFunc performs one catch-up sweep: re-derive webhook-queue entries
// from current issue/PR state for repos that may have missed a delivery
// while the ingress server was unreachable.
type ScanFunc func(ctx context.Context) error

// Catchup runs ScanFunc on a fixed interval via robfig/cron, independent
// of the webhook HTTP server's own lifecycle.
type Catchup struct {
	cfg    config.WebhookCatchup
	scan   ScanFunc
	logger *logging.Logger
	cron   *cron.Cron
}

// NewCatchup builds a Catchup that is a no-op Start if cfg.Enabled is
// false.
func NewCatchup(cfg config.WebhookCatchup, scan ScanFunc, logger *logging.Logger) *Catchup {
	return &Catchup{cfg: cfg, scan: scan, logger: logger}
}

// Start schedules the periodic scan and returns immediately; call Stop
// to halt it. ctx governs each individual scan invocation, not the
// scheduler itself.
func (c *Catchup) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	interval := c.cfg.IntervalMinutes
	if interval <= 0 {
		interval = 15
	}

	c.cron = cron.New()
	spec := cronSpecEveryNMinutes(interval)
	_, err := c.cron.AddFunc(spec, func() {
		if err := c.scan(ctx); err != nil && c.logger != nil {
			c.logger.WithError(err).Error("webhook catch-up scan failed")
		}
	})
	if err != nil {
		return err
	}
	c.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight scan to finish.
func (c *Catchup) Stop() {
	if c.cron != nil {
		ctx := c.cron.Stop()
		<-ctx.Done()
	}
}

// cronSpecEveryNMinutes builds a robfig/cron "@every" descriptor that
// fires every n minutes.
func cronSpecEveryNMinutes(n int) string {
	if n <= 0 {
		n = 15
	}
	return "@every " + strconv.Itoa(n) + "m"
}
