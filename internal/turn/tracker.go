package turn

import (
	"time"

	"github.com/markis/gh-analyst/internal/stream"
)

// Tracker turns the distinct thoughts of a turn into an ordered list of
// timed steps. It observes the same records as Turn.Apply and applies the
// same filter and dedup rule, so a step exists for exactly the thoughts the
// turn shows.
type Tracker struct {
	turn  *Turn
	clock func() time.Time
	seen  map[string]struct{}
}

// NewTracker returns a tracker writing into t's timings. A nil clock means
// time.Now.
func NewTracker(t *Turn, clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{turn: t, clock: clock, seen: make(map[string]struct{})}
}

// Observe closes the open step and opens a new one for every thought that
// is neither a diagnostic nor already seen. Other records are ignored.
// It reports whether a step was opened.
func (tr *Tracker) Observe(rec stream.Record) bool {
	if !tr.accepts(rec) {
		return false
	}
	now := tr.clock()
	tr.turn.update(func() { tr.observe(rec, now) })
	return true
}

// accepts reports whether rec starts a new step.
func (tr *Tracker) accepts(rec stream.Record) bool {
	if rec.Kind != stream.Thought || IsDiagnostic(rec.Payload) {
		return false
	}
	_, dup := tr.seen[rec.Payload]
	return !dup
}

// observe opens a step for an accepted thought. The turn lock must be held.
func (tr *Tracker) observe(rec stream.Record, now time.Time) {
	tr.seen[rec.Payload] = struct{}{}
	tr.openTimings()
	closeOpenStep(tr.turn.timings, now)
	tr.turn.timings.Steps = append(tr.turn.timings.Steps, Step{Label: rec.Payload, StartTime: now})
}

// Finish closes the last open step and stamps the end time. A turn that
// never produced a thought still gets timings covering its whole life.
func (tr *Tracker) Finish() {
	now := tr.clock()

	t := tr.turn
	t.mu.Lock()
	defer t.mu.Unlock()

	tr.openTimings()
	closeOpenStep(t.timings, now)
	end := now
	t.timings.EndTime = &end
}

// openTimings must be called with the turn lock held.
func (tr *Tracker) openTimings() {
	if tr.turn.timings == nil {
		tr.turn.timings = &Timings{StartTime: tr.turn.openedAt}
	}
}

func closeOpenStep(timings *Timings, now time.Time) {
	n := len(timings.Steps)
	if n == 0 || !timings.Steps[n-1].Open() {
		return
	}
	d := max(now.Sub(timings.Steps[n-1].StartTime), 0)
	timings.Steps[n-1].Duration = &d
}
