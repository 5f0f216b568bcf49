package coordinator

import (
	"context"
	"log"
	"time"
)

// Scheduler triggers update cycles on a minute ticker. A cycle runs when
// the local hour matches the scheduled hour, or early when an account has
// dates pending retry; either way at most once per account per hour.
type Scheduler struct {
	coordinators []*Coordinator
	scheduleHour int
	clock        Clock
	logger       *log.Logger
	lastRun      map[string]string
}

// NewScheduler constructs a Scheduler.
func NewScheduler(coordinators []*Coordinator, scheduleHour int, logger *log.Logger) *Scheduler {
	if scheduleHour < 0 || scheduleHour > 23 {
		scheduleHour = 0
	}
	return &Scheduler{
		coordinators: coordinators,
		scheduleHour: scheduleHour,
		clock:        SystemClock{},
		logger:       logger,
		lastRun:      make(map[string]string),
	}
}

// Start begins the scheduler loop. It returns when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || len(s.coordinators) == 0 {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

const hourKeyLayout = "2006-01-02T15"

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	hourKey := now.Format(hourKeyLayout)
	for _, c := range s.coordinators {
		if s.lastRun[c.Account()] == hourKey {
			continue
		}
		if now.Hour() != s.scheduleHour && c.PendingRetries() == 0 {
			continue
		}
		s.lastRun[c.Account()] = hourKey
		if _, err := c.RunCycle(ctx); err != nil && s.logger != nil {
			s.logger.Printf("scheduler: account=%s: %v", c.Account(), err)
		}
	}
}
