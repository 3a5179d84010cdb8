package agentpipe

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cadence turns an interval into a robfig/cron "@every" schedule rather
// than a bare time.Ticker: audit_interval_sec and sentinel_interval_sec
// are operator-facing config knobs (spec.md §6.2), and cron.Schedule
// gives the same "next fire time" primitive config reload can use to
// recompute a running cadence without restarting the pipe.
type cadence struct {
	schedule cron.Schedule
	last     time.Time
}

func newCadence(intervalSec int64) (*cadence, error) {
	if intervalSec <= 0 {
		intervalSec = 1
	}
	spec := fmt.Sprintf("@every %ds", intervalSec)
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("agentpipe: parse cadence %q: %w", spec, err)
	}
	// "@every" rounds each next fire time down to a whole second, so the
	// first tick is counted from the next whole second; otherwise it could
	// fire almost immediately instead of one interval after creation.
	return &cadence{schedule: sched, last: time.Now().Truncate(time.Second).Add(time.Second)}, nil
}

// timer returns a channel that fires once at the cadence's next
// scheduled time from last, and advances last so the next call to timer
// schedules the following tick.
func (c *cadence) timer() <-chan time.Time {
	next := c.schedule.Next(c.last)
	c.last = next
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	return time.After(d)
}
