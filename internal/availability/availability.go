// Package availability derives booked, pending and blocked days from jobs
// and blocked dates. It is a read model: nothing here writes state.
//
// Callers that create a job or calendar slot must repeat CheckSlot inside
// the same store transaction that writes it, under a per-day lock, or two
// concurrent bookings can both observe a free day.
package availability

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"fieldservice/internal/errors"
	"fieldservice/internal/models"
)

// DefaultCapacity is the committed duration at which a day counts as booked.
const DefaultCapacity = 8 * time.Hour

// Class is how a job status counts toward availability.
type Class int

const (
	ClassNone Class = iota
	ClassPending
	ClassBooked
)

// Classify maps a job status to its availability class. Drafts and open
// quotes are pending; anything confirmed and not cancelled is booked.
func Classify(s models.JobStatus) Class {
	switch s {
	case models.StatusDraftQuote, models.StatusQuoteSent, models.StatusQuoteAccepted:
		return ClassPending
	case models.StatusScheduled, models.StatusInProgress, models.StatusCompleted,
		models.StatusInvoiced, models.StatusPaymentPending, models.StatusPaid, models.StatusPastDue:
		return ClassBooked
	}
	return ClassNone
}

// BookedStatuses lists the statuses whose durations commit capacity.
func BookedStatuses() []models.JobStatus {
	return lo.Filter(models.AllStatuses, func(s models.JobStatus, _ int) bool { return Classify(s) == ClassBooked })
}

// Occupancy is one job's claim on the calendar.
type Occupancy struct {
	JobID  string
	Status models.JobStatus
	Start  time.Time
	End    time.Time
}

// FromJob builds an Occupancy from a job with a slot.
func FromJob(job models.Job) (Occupancy, bool) {
	start, end, ok := job.Slot()
	if !ok {
		return Occupancy{}, false
	}
	return Occupancy{JobID: job.ID, Status: job.Status, Start: start, End: end}, true
}

// Calendar is the availability of a day range. Booked, Partial, Pending and
// Blocked are disjoint, with precedence in the order blocked, booked,
// partial, pending. A day is booked once its committed duration reaches
// capacity, however many jobs make that up; a day with confirmed work and
// room left is partial.
type Calendar struct {
	From             string         `json:"from"`
	To               string         `json:"to"`
	Booked           []string       `json:"booked"`
	Partial          []string       `json:"partial"`
	Pending          []string       `json:"pending"`
	Blocked          []string       `json:"blocked"`
	CommittedMinutes map[string]int `json:"committed_minutes"`
}

// Engine computes availability in a business timezone.
type Engine struct {
	capacity time.Duration
	loc      *time.Location
}

// New returns an Engine; capacity <= 0 means DefaultCapacity and a nil
// location means UTC.
func New(capacity time.Duration, loc *time.Location) *Engine {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{capacity: capacity, loc: loc}
}

// Capacity is the configured daily capacity.
func (e *Engine) Capacity() time.Duration { return e.capacity }

// Location is the timezone day-keys are computed in.
func (e *Engine) Location() *time.Location { return e.loc }

// DayKey formats t as a day-key in the business timezone.
func (e *Engine) DayKey(t time.Time) string {
	return t.In(e.loc).Format(models.DayLayout)
}

// DayBounds returns the [start, end) instants of a day-key.
func (e *Engine) DayBounds(day string) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(models.DayLayout, day, e.loc)
	if err != nil {
		return time.Time{}, time.Time{}, errors.Wrapf(errors.ErrInvalidInput, "day %q: %v", day, err)
	}
	return start, start.AddDate(0, 0, 1), nil
}

// Portion is the part of an interval that falls on one day.
type Portion struct {
	Day      string
	Duration time.Duration
}

// Split cuts [start, end) at local midnights.
func (e *Engine) Split(start, end time.Time) []Portion {
	var out []Portion
	cur := start.In(e.loc)
	end = end.In(e.loc)
	for cur.Before(end) {
		y, m, d := cur.Date()
		midnight := time.Date(y, m, d+1, 0, 0, 0, 0, e.loc)
		stop := end
		if midnight.Before(stop) {
			stop = midnight
		}
		out = append(out, Portion{Day: cur.Format(models.DayLayout), Duration: stop.Sub(cur)})
		cur = stop
	}
	return out
}

// Days lists the day-keys touched by [start, end).
func (e *Engine) Days(start, end time.Time) []string {
	return lo.Map(e.Split(start, end), func(p Portion, _ int) string { return p.Day })
}

// Committed sums booked job durations per day.
func (e *Engine) Committed(jobs []Occupancy) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, j := range jobs {
		if Classify(j.Status) != ClassBooked {
			continue
		}
		for _, p := range e.Split(j.Start, j.End) {
			out[p.Day] += p.Duration
		}
	}
	return out
}

// Compute builds the calendar for the inclusive day range [from, to].
func (e *Engine) Compute(from, to string, jobs []Occupancy, blocked []models.BlockedDate) (Calendar, error) {
	first, _, err := e.DayBounds(from)
	if err != nil {
		return Calendar{}, err
	}
	_, last, err := e.DayBounds(to)
	if err != nil {
		return Calendar{}, err
	}
	if !last.After(first) {
		return Calendar{}, errors.Wrap(errors.ErrInvalidInput, "range end before start")
	}

	inRange := func(day string) bool { return day >= from && day <= to }

	blockedSet := make(map[string]bool)
	for _, b := range blocked {
		if inRange(b.Day) {
			blockedSet[b.Day] = true
		}
	}

	committed := e.Committed(jobs)
	bookedSet := make(map[string]bool)
	partialSet := make(map[string]bool)
	for day, d := range committed {
		if !inRange(day) || blockedSet[day] {
			continue
		}
		if d >= e.capacity {
			bookedSet[day] = true
		} else if d > 0 {
			partialSet[day] = true
		}
	}

	pendingSet := make(map[string]bool)
	for _, j := range jobs {
		if Classify(j.Status) != ClassPending {
			continue
		}
		for _, day := range e.Days(j.Start, j.End) {
			if inRange(day) && !blockedSet[day] && !bookedSet[day] && !partialSet[day] {
				pendingSet[day] = true
			}
		}
	}

	minutes := make(map[string]int)
	for day, d := range committed {
		if inRange(day) {
			minutes[day] = int(d / time.Minute)
		}
	}
	return Calendar{
		From:             from,
		To:               to,
		Booked:           sortedKeys(bookedSet),
		Partial:          sortedKeys(partialSet),
		Pending:          sortedKeys(pendingSet),
		Blocked:          sortedKeys(blockedSet),
		CommittedMinutes: minutes,
	}, nil
}

// CheckSlot decides whether [start, end) can be booked given the current
// jobs and blocked dates. It returns errors.ErrDateBlocked or
// errors.ErrCapacityExceeded naming the offending day.
func (e *Engine) CheckSlot(start, end time.Time, jobs []Occupancy, blocked []models.BlockedDate) error {
	if !end.After(start) {
		return errors.Wrap(errors.ErrInvalidInput, "slot end must be after start")
	}
	blockedSet := lo.SliceToMap(blocked, func(b models.BlockedDate) (string, bool) { return b.Day, true })
	committed := e.Committed(jobs)
	for _, p := range e.Split(start, end) {
		if blockedSet[p.Day] {
			return errors.WithHint(errors.Wrapf(errors.ErrDateBlocked, "day %s", p.Day), "choose another day")
		}
		if committed[p.Day]+p.Duration > e.capacity {
			return errors.WithHint(
				errors.Wrapf(errors.ErrCapacityExceeded, "day %s has %s committed of %s", p.Day, committed[p.Day], e.capacity),
				"choose another day or a shorter slot",
			)
		}
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	if keys == nil {
		keys = []string{}
	}
	return keys
}
