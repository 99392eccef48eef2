package models

import "time"

// CalendarEventType separates job slots from admin-managed entries.
type CalendarEventType string

const (
	CalendarEventJob      CalendarEventType = "job"
	CalendarEventBlocked  CalendarEventType = "blocked"
	CalendarEventPersonal CalendarEventType = "personal"
)

// CalendarEvent is a materialized occupied slot.
type CalendarEvent struct {
	ID        string            `json:"id"`
	JobID     *string           `json:"job_id,omitempty"`
	Type      CalendarEventType `json:"type"`
	Title     string            `json:"title"`
	Start     time.Time         `json:"start"`
	End       time.Time         `json:"end"`
	CreatedAt time.Time         `json:"created_at"`
}

// BlockedDate is a calendar day excluded from booking. Day is YYYY-MM-DD in
// the business timezone.
type BlockedDate struct {
	Day       string    `json:"day"`
	Reason    string    `json:"reason"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// DayLayout is the day-key format used for availability and blocked dates.
const DayLayout = "2006-01-02"
