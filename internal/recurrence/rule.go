package recurrence

import (
	"fmt"

	"github.com/teambition/rrule-go"

	"fieldservice/internal/errors"
	"fieldservice/internal/models"
)

// MaxFrequency bounds the week interval a customer may propose.
const MaxFrequency = 52

// weekdays is indexed by requested day, 0=Sunday.
var weekdays = [7]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

var dayNames = [7]string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// Rule is a stored recurrence: every Interval weeks or months, weekly rules
// optionally pinned to Day (0=Sunday … 6=Saturday).
type Rule struct {
	Freq     rrule.Frequency
	Interval int
	Day      *int
}

// Weekly is every interval weeks, on day if set.
func Weekly(interval int, day *int) Rule {
	return Rule{Freq: rrule.WEEKLY, Interval: interval, Day: day}
}

// Compile validates frequency and day and renders the RFC 5545 RRULE value,
// e.g. FREQ=WEEKLY;INTERVAL=2;BYDAY=WE.
func Compile(frequency int, day *int) (string, error) {
	r := Weekly(frequency, day)
	if err := r.Validate(); err != nil {
		return "", err
	}
	return r.String(), nil
}

// Validate checks the frequency, interval and day bounds.
func (r Rule) Validate() error {
	if r.Freq != rrule.WEEKLY && r.Freq != rrule.MONTHLY {
		return errors.Wrapf(errors.ErrInvalidInput, "unsupported FREQ %v", r.Freq)
	}
	if r.Interval < 1 || r.Interval > MaxFrequency {
		return errors.Wrapf(errors.ErrInvalidInput, "frequency must be between 1 and %d weeks", MaxFrequency)
	}
	if r.Day == nil {
		return nil
	}
	if r.Freq != rrule.WEEKLY {
		return errors.Wrap(errors.ErrInvalidInput, "a requested day needs a weekly rule")
	}
	if *r.Day < 0 || *r.Day > 6 {
		return errors.Wrap(errors.ErrInvalidInput, "requested day must be 0 (Sunday) to 6 (Saturday)")
	}
	return nil
}

func (r Rule) String() string {
	opt := rrule.ROption{Freq: r.Freq, Interval: r.Interval}
	if r.Day != nil {
		opt.Byweekday = []rrule.Weekday{weekdays[*r.Day]}
	}
	return opt.RRuleString()
}

// Describe renders the rule for people: "every 2 weeks on Wednesday".
func (r Rule) Describe() string {
	unit := "week"
	if r.Freq == rrule.MONTHLY {
		unit = "month"
	}
	s := "every " + unit
	if r.Interval > 1 {
		s = fmt.Sprintf("every %d %ss", r.Interval, unit)
	}
	if r.Day != nil {
		s += " on " + dayNames[*r.Day]
	}
	return s
}

// Parse reads a stored rule. Only the shapes Compile and Preset produce are
// accepted.
func Parse(rule string) (Rule, error) {
	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return Rule{}, errors.Mark(errors.Wrapf(err, "parse rule %q", rule), errors.ErrInvalidInput)
	}
	if opt.Count != 0 || !opt.Until.IsZero() {
		return Rule{}, errors.Wrapf(errors.ErrInvalidInput, "rule %q must be open ended", rule)
	}
	r := Rule{Freq: opt.Freq, Interval: opt.Interval}
	if r.Interval == 0 {
		r.Interval = 1
	}
	switch len(opt.Byweekday) {
	case 0:
	case 1:
		wd := opt.Byweekday[0]
		if wd.N() != 0 {
			return Rule{}, errors.Wrapf(errors.ErrInvalidInput, "rule %q uses an ordinal weekday", rule)
		}
		// rrule counts from Monday.
		d := (wd.Day() + 1) % 7
		r.Day = &d
	default:
		return Rule{}, errors.Wrapf(errors.ErrInvalidInput, "rule %q names more than one weekday", rule)
	}
	return r, r.Validate()
}

// DescribeStored describes a job's stored rule, or "" when there is none or
// it cannot be read.
func DescribeStored(rule *string) string {
	if rule == nil {
		return ""
	}
	r, err := Parse(*rule)
	if err != nil {
		return ""
	}
	return r.Describe()
}

// Preset returns the stored rule for a coarse recurrence setting chosen at
// job creation. Custom rules only come from an accepted request.
func Preset(r models.Recurrence) (*string, error) {
	var rule string
	switch r {
	case "", models.RecurrenceNone:
		return nil, nil
	case models.RecurrenceWeekly:
		rule = Weekly(1, nil).String()
	case models.RecurrenceMonthly:
		rule = Rule{Freq: rrule.MONTHLY, Interval: 1}.String()
	default:
		return nil, errors.Wrapf(errors.ErrInvalidInput, "recurrence %q cannot be set directly", r)
	}
	return &rule, nil
}
