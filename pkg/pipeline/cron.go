package pipeline

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sentinelsec/nuclei-orchestrator/internal/models"
)

// StartCron schedules recurring pipeline runs. The run id is derived from
// the firing time, so overlapping schedulers on different instances hit the
// same id and the Trigger idempotency check lets exactly one of them win.
func (p *Pipeline) StartCron(ctx context.Context, schedule string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		runID := "scheduled-" + time.Now().UTC().Format("2006-01-02T15-04")
		if _, err := p.Trigger(ctx, models.TriggerScheduled, runID); err != nil {
			p.logger.WithError(err).WithField("run_id", runID).Error("Scheduled pipeline trigger failed")
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
