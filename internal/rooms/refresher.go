package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/roomchat/internal/config"
)

// Refresher reloads the directory on a cron schedule.
type Refresher struct {
	cron    *cron.Cron
	dir     *Directory
	timeout time.Duration
	logger  *slog.Logger
}

// NewRefresher parses schedule (cron syntax or @every) and prepares the job.
func NewRefresher(dir *Directory, schedule string, timeout time.Duration, logger *slog.Logger) (*Refresher, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, fmt.Errorf("refresh schedule is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &Refresher{
		cron:    cron.New(cron.WithParser(config.CronParser)),
		dir:     dir,
		timeout: timeout,
		logger:  logger.With("component", "rooms.refresher"),
	}
	if _, err := r.cron.AddFunc(schedule, r.Refresh); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule: %w", err)
	}
	return r, nil
}

// Refresh reloads the directory once. Failures are logged and left for the
// next tick.
func (r *Refresher) Refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, err := r.dir.List(ctx); err != nil {
		r.logger.Warn("room refresh failed", "error", err)
	}
}

// Start runs the schedule in the background.
func (r *Refresher) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
}
