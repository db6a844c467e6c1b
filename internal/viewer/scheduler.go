package viewer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseSchedule parses a standard 5-field cron expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("parse refresh schedule %q: %w", spec, err)
	}
	return sched, nil
}

// RunRefreshSchedule calls c.Refresh at every activation of spec until ctx is
// done. An empty spec disables scheduling and returns immediately.
func RunRefreshSchedule(ctx context.Context, spec string, c *Controller, timeout time.Duration) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		log.Printf("report refresh schedule disabled")
		return nil
	}
	sched, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	log.Printf("report refresh scheduled cron=%q", spec)

	for {
		now := time.Now()
		next := sched.Next(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		refreshCtx := ctx
		var cancel context.CancelFunc = func() {}
		if timeout > 0 {
			refreshCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		c.Refresh(refreshCtx)
		cancel()
		log.Printf("report refresh done next=%s", sched.Next(time.Now()).Format(time.RFC3339))
	}
}
