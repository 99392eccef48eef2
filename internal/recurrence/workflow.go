// Package recurrence negotiates a repeating schedule for a job between the
// customer and an administrator.
//
// A request is open while pending (awaiting the admin) or countered
// (awaiting the customer). Countering rewrites the same request in place.
// Only an accepted request writes a job's recurrence rule.
package recurrence

import (
	"strings"
	"time"

	"fieldservice/internal/errors"
	"fieldservice/internal/lifecycle"
	"fieldservice/internal/models"
)

// Proposal is a frequency in weeks and an optional weekday.
type Proposal struct {
	Frequency    int    `json:"frequency"`
	RequestedDay *int   `json:"requested_day,omitempty"`
	Note         string `json:"note,omitempty"`
}

// Validate checks bounds.
func (p Proposal) Validate() error {
	return Rule{Interval: p.Frequency, Day: p.RequestedDay}.Validate()
}

// Role is which side of the negotiation acts.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleCustomer Role = "customer"
)

// Decision is an answer to an open request.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
	DecisionCounter Decision = "counter"
)

// ParseDecision normalizes user input.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionAccept, DecisionDecline, DecisionCounter:
		return d, nil
	}
	return "", errors.Wrapf(errors.ErrInvalidInput, "unknown decision %q", s)
}

// Outcome is what the caller must persist and send after a decision.
type Outcome struct {
	Request       models.RecurrenceRequest
	Rule          *string
	Notifications []lifecycle.Notification
}

// closedJobStatuses cannot take a recurrence proposal.
var closedJobStatuses = map[models.JobStatus]bool{
	models.StatusCancelled:     true,
	models.StatusQuoteDeclined: true,
	models.StatusQuoteExpired:  true,
}

// Propose opens request id for job on behalf of its customer. open is the
// job's currently open request, if any.
func Propose(id string, job models.Job, customerID string, p Proposal, open *models.RecurrenceRequest, now time.Time) (models.RecurrenceRequest, []lifecycle.Notification, error) {
	if job.CustomerID != customerID {
		return models.RecurrenceRequest{}, nil, errors.Wrapf(errors.ErrNotFound, "job %s", job.ID)
	}
	if closedJobStatuses[job.Status] {
		return models.RecurrenceRequest{}, nil, errors.Wrapf(errors.ErrInvalidInput, "job %s is %s", job.ID, job.Status)
	}
	if err := p.Validate(); err != nil {
		return models.RecurrenceRequest{}, nil, err
	}
	if open != nil && open.Status.Open() {
		return models.RecurrenceRequest{}, nil, errors.Wrapf(errors.ErrRequestAlreadyPending, "job %s has request %s", job.ID, open.ID)
	}
	req := models.RecurrenceRequest{
		ID:           id,
		JobID:        job.ID,
		CustomerID:   customerID,
		Frequency:    p.Frequency,
		RequestedDay: copyDay(p.RequestedDay),
		Status:       models.RecurrencePending,
		Note:         p.Note,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	note := lifecycle.Notification{
		Type:     models.EventRecurrenceProposed,
		Audience: lifecycle.AudienceAdmin,
		Payload:  payload(job, req),
	}
	return req, []lifecycle.Notification{note}, nil
}

// Decide applies a decision by role to req. counter carries new values for
// DecisionCounter and is ignored otherwise.
func Decide(job models.Job, req models.RecurrenceRequest, role Role, actorID string, d Decision, counter *Proposal, now time.Time) (Outcome, error) {
	if req.JobID != job.ID {
		return Outcome{}, errors.Wrapf(errors.ErrNotFound, "request %s", req.ID)
	}
	awaiting := map[models.RecurrenceStatus]Role{
		models.RecurrencePending:   RoleAdmin,
		models.RecurrenceCountered: RoleCustomer,
	}
	if who, ok := awaiting[req.Status]; !ok || who != role {
		return Outcome{}, errors.NewInvalidTransition(string(req.Status), string(role)+":"+string(d))
	}
	if role == RoleCustomer && req.CustomerID != actorID {
		return Outcome{}, errors.Wrapf(errors.ErrNotFound, "request %s", req.ID)
	}

	next := req
	next.UpdatedAt = now
	decidedBy := actorID
	next.DecidedBy = &decidedBy
	out := Outcome{}

	switch d {
	case DecisionAccept:
		rule, err := Compile(req.Frequency, req.RequestedDay)
		if err != nil {
			return Outcome{}, err
		}
		next.Status = models.RecurrenceAccepted
		out.Rule = &rule
		p := payload(job, next)
		p["recurrence_rule"] = rule
		p["schedule"] = Weekly(req.Frequency, req.RequestedDay).Describe()
		out.Notifications = append(out.Notifications, lifecycle.Notification{
			Type: models.EventRecurrenceAccepted, Audience: lifecycle.AudienceCustomer, Payload: p,
		})
		if role == RoleCustomer {
			out.Notifications = append(out.Notifications, lifecycle.Notification{
				Type: models.EventRecurrenceAccepted, Audience: lifecycle.AudienceAdmin, Payload: p,
			})
		}

	case DecisionDecline:
		next.Status = models.RecurrenceDeclined
		audience := lifecycle.AudienceCustomer
		if role == RoleCustomer {
			audience = lifecycle.AudienceAdmin
		}
		out.Notifications = append(out.Notifications, lifecycle.Notification{
			Type: models.EventRecurrenceDeclined, Audience: audience, Payload: payload(job, next),
		})

	case DecisionCounter:
		if counter == nil {
			return Outcome{}, errors.Wrap(errors.ErrInvalidInput, "counter requires a proposal")
		}
		if err := counter.Validate(); err != nil {
			return Outcome{}, err
		}
		next.Frequency = counter.Frequency
		next.RequestedDay = copyDay(counter.RequestedDay)
		if counter.Note != "" {
			next.Note = counter.Note
		}
		if role == RoleAdmin {
			next.Status = models.RecurrenceCountered
			out.Notifications = append(out.Notifications, lifecycle.Notification{
				Type: models.EventRecurrenceCountered, Audience: lifecycle.AudienceCustomer, Payload: payload(job, next),
			})
		} else {
			next.Status = models.RecurrencePending
			next.DecidedBy = nil
			out.Notifications = append(out.Notifications, lifecycle.Notification{
				Type: models.EventRecurrenceProposed, Audience: lifecycle.AudienceAdmin, Payload: payload(job, next),
			})
		}

	default:
		return Outcome{}, errors.Wrapf(errors.ErrInvalidInput, "unknown decision %q", d)
	}

	out.Request = next
	return out, nil
}

func payload(job models.Job, req models.RecurrenceRequest) map[string]any {
	p := map[string]any{
		"job_id":     job.ID,
		"title":      job.Title,
		"request_id": req.ID,
		"frequency":  req.Frequency,
		"status":     string(req.Status),
		"proposal":   Weekly(req.Frequency, req.RequestedDay).Describe(),
	}
	if req.RequestedDay != nil {
		p["requested_day"] = *req.RequestedDay
		p["requested_day_name"] = dayNames[*req.RequestedDay]
	}
	return p
}

func copyDay(d *int) *int {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
