package sandbox

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically reaps expired sandboxes on a cron schedule.
type Sweeper struct {
	cron *cron.Cron
}

// StartSweeper schedules m.Sweep according to spec, which accepts standard
// five-field cron expressions and descriptors such as "@every 5m".
func (m *Manager) StartSweeper(ctx context.Context, spec string) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	_, err := c.AddFunc(spec, func() {
		n, err := m.Sweep(ctx)
		if err != nil {
			m.logger.Warn("sandbox sweep failed", "error", err)
			return
		}
		if n > 0 {
			m.logger.Info("sandbox sweep", "expired", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parsing sweep schedule %q: %w", spec, err)
	}
	c.Start()
	return &Sweeper{cron: c}, nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
