package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunPeriodically starts in-process tickers for both jobs, for deployments
// without an external cron. The trigger endpoints keep working either way;
// overlapping invocations are safe because every record write carries a
// version precondition.
func (s *Scheduler) RunPeriodically(ctx context.Context, hourly, daily time.Duration) {
	go s.loop(ctx, "hourly", hourly, func(ctx context.Context) { s.RunHourly(ctx) })
	go s.loop(ctx, "daily", daily, func(ctx context.Context) { s.RunDaily(ctx) })
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context)) {
	s.logger.Info("job ticker started",
		zap.String("job", name), zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("job ticker stopped", zap.String("job", name))
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}
