package ops

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/porter/internal/session"
)

// MaintenanceOpts parameterizes the periodic session sweep.
type MaintenanceOpts struct {
	Sessions *session.Store
	Schedule string        // cron spec, e.g. "@hourly" or "*/30 * * * *"
	MaxAge   time.Duration // active sessions idle longer than this are ended
}

// StartMaintenance schedules the stale-session sweep and returns the
// running scheduler. Callers stop it on shutdown.
func StartMaintenance(opts MaintenanceOpts) (*cron.Cron, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("ops: maintenance: session store is required")
	}
	if opts.MaxAge <= 0 {
		return nil, fmt.Errorf("ops: maintenance: max age must be positive")
	}
	schedule := opts.Schedule
	if schedule == "" {
		schedule = "@hourly"
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		sweep(opts.Sessions, opts.MaxAge)
	})
	if err != nil {
		return nil, fmt.Errorf("ops: maintenance: schedule %q: %w", schedule, err)
	}
	c.Start()
	log.Printf("ops: maintenance sweep scheduled (%s, max age %v)", schedule, opts.MaxAge)
	return c, nil
}

// sweep reaps active sessions that have been idle past the age cap.
func sweep(sessions *session.Store, maxAge time.Duration) {
	n, err := sessions.DeactivateStale(maxAge)
	if err != nil {
		log.Printf("ops: maintenance sweep: %v", err)
		return
	}
	if n > 0 {
		log.Printf("ops: maintenance sweep ended %d stale session(s)", n)
	}
}
