package models

import "time"

// RecurrenceStatus tracks the negotiation of a recurring schedule.
type RecurrenceStatus string

const (
	RecurrencePending   RecurrenceStatus = "pending"
	RecurrenceAccepted  RecurrenceStatus = "accepted"
	RecurrenceDeclined  RecurrenceStatus = "declined"
	RecurrenceCountered RecurrenceStatus = "countered"
)

// Open reports whether the request still awaits a decision from either side.
func (s RecurrenceStatus) Open() bool {
	return s == RecurrencePending || s == RecurrenceCountered
}

// RecurrenceRequest is a customer proposal to repeat a job. Countering
// updates this same row.
type RecurrenceRequest struct {
	ID           string           `json:"id"`
	JobID        string           `json:"job_id"`
	CustomerID   string           `json:"customer_id"`
	Frequency    int              `json:"frequency"`
	RequestedDay *int             `json:"requested_day,omitempty"`
	Status       RecurrenceStatus `json:"status"`
	Note         string           `json:"note,omitempty"`
	DecidedBy    *string          `json:"decided_by,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}
