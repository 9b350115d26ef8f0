package replicator

import (
	"time"

	"github.com/jackc/pglogrepl"
)

// flushState decides when to acknowledge, and which position.  It is only ever
// touched by the receive loop's goroutine.
type flushState struct {
	// pending is the highest position safely handled but not yet acknowledged.
	pending pglogrepl.LSN
	// nextDue is the earliest time at which the next ack may be sent.  The zero
	// time acks as soon as possible.
	nextDue time.Time
	// interval gates acks by time.  Zero acks after every poll cycle.
	interval time.Duration
}

func (f *flushState) reset(now time.Time) {
	f.pending = 0
	f.nextDue = time.Time{}
	if f.interval > 0 {
		f.nextDue = now.Add(f.interval)
	}
}

func (f *flushState) record(lsn pglogrepl.LSN) {
	if lsn > f.pending {
		f.pending = lsn
	}
}

func (f *flushState) due(now time.Time) bool {
	return f.interval <= 0 || f.nextDue.IsZero() || !now.Before(f.nextDue)
}

func (f *flushState) markSent(now time.Time) {
	f.pending = 0
	if f.interval > 0 {
		f.nextDue = now.Add(f.interval)
	}
}

// until returns how long until the pending position must be acked, capped at max.
func (f *flushState) until(now time.Time, max time.Duration) time.Duration {
	if f.pending == 0 || f.interval <= 0 || f.nextDue.IsZero() {
		return max
	}
	d := f.nextDue.Sub(now)
	if d < 0 {
		return 0
	}
	if d < max {
		return d
	}
	return max
}
