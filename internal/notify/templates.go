package notify

import (
	"bytes"
	"os"
	"strings"
	"text/template"

	"github.com/BurntSushi/toml"

	"fieldservice/internal/errors"
	"fieldservice/internal/models"
)

// Template is the text for one event type. Short is used for SMS and push;
// Subject stands in when Short is empty.
type Template struct {
	Subject string `toml:"subject"`
	Body    string `toml:"body"`
	Short   string `toml:"short"`
}

// Rendered is a message ready for one channel.
type Rendered struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

var defaultTemplates = map[models.EventType]Template{
	models.EventBookingReceived: {
		Subject: "New booking request: {{.title}}",
		Body:    "A customer requested {{.title}}{{with .scheduled_start}} starting {{.}}{{end}}.",
	},
	models.EventQuoteSent: {
		Subject: "Your quote for {{.title}}",
		Body:    "Your quote for {{.title}} is ready.{{with .hosted_url}} Review it at {{.}}.{{end}}{{with .due_at}} It is valid until {{.}}.{{end}}",
	},
	models.EventQuoteAccepted:   {Subject: "Quote accepted: {{.title}}", Body: "The quote for {{.title}} was accepted."},
	models.EventQuoteDeclined:   {Subject: "Quote declined: {{.title}}", Body: "The quote for {{.title}} was declined."},
	models.EventQuoteExpired:    {Subject: "Quote expired: {{.title}}", Body: "The quote for {{.title}} expired without a response."},
	models.EventRevisionRequested: {
		Subject: "Revision requested: {{.title}}",
		Body:    "The customer asked for a revised quote for {{.title}}.",
	},
	models.EventJobScheduled: {
		Subject: "{{.title}} is scheduled",
		Body:    "{{.title}} is booked{{with .scheduled_start}} for {{.}}{{end}}.",
	},
	models.EventJobStarted:   {Subject: "Work has started: {{.title}}", Body: "Work on {{.title}} has started."},
	models.EventJobCompleted: {Subject: "Work completed: {{.title}}", Body: "Work on {{.title}} is complete."},
	models.EventInvoiceSent: {
		Subject: "Invoice for {{.title}}",
		Body:    "Your invoice for {{.title}} is ready.{{with .hosted_url}} Pay at {{.}}.{{end}}{{with .due_at}} Due {{.}}.{{end}}",
	},
	models.EventPaymentPending:  {Subject: "Payment processing: {{.title}}", Body: "We received your payment for {{.title}} and it is processing."},
	models.EventPaymentReceived: {Subject: "Payment received: {{.title}}", Body: "Thank you. Payment for {{.title}} is complete."},
	models.EventPaymentFailed: {
		Subject: "Payment failed: {{.title}}",
		Body:    "Your payment for {{.title}} did not go through.{{with .hosted_url}} Try again at {{.}}.{{end}}",
	},
	models.EventInvoicePastDue: {
		Subject: "Invoice past due: {{.title}}",
		Body:    "The invoice for {{.title}} is past due.{{with .hosted_url}} Pay at {{.}}.{{end}}",
	},
	models.EventJobCancelled: {Subject: "Cancelled: {{.title}}", Body: "{{.title}} has been cancelled."},
	models.EventRecurrenceProposed: {
		Subject: "Recurring schedule requested: {{.title}}",
		Body:    "A customer asked for {{.title}} to repeat: {{.proposal}}.",
	},
	models.EventRecurrenceAccepted: {
		Subject: "Recurring schedule confirmed: {{.title}}",
		Body:    "{{.title}} will repeat {{.schedule}}.",
	},
	models.EventRecurrenceDeclined: {
		Subject: "Recurring schedule declined: {{.title}}",
		Body:    "The recurring schedule for {{.title}} was declined.",
	},
	models.EventRecurrenceCountered: {
		Subject: "New recurring schedule proposed: {{.title}}",
		Body:    "A different schedule was proposed for {{.title}}: {{.proposal}}.",
	},
}

// Templates renders messages per event and channel.
type Templates struct {
	byType map[models.EventType]*compiled
}

type compiled struct {
	subject *template.Template
	body    *template.Template
	short   *template.Template
}

// DefaultTemplates returns the built-in set.
func DefaultTemplates() *Templates {
	t, err := newTemplates(defaultTemplates)
	if err != nil {
		panic(err)
	}
	return t
}

// LoadTemplates overlays a TOML file on the built-in set. Tables are keyed by
// event type; an empty path returns the defaults.
func LoadTemplates(path string) (*Templates, error) {
	if path == "" {
		return DefaultTemplates(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read templates %s", path)
	}
	return ParseTemplates(string(data))
}

// ParseTemplates overlays TOML text on the built-in set.
func ParseTemplates(text string) (*Templates, error) {
	var overrides map[string]Template
	if _, err := toml.Decode(text, &overrides); err != nil {
		return nil, errors.Wrap(err, "decode templates")
	}
	merged := make(map[models.EventType]Template, len(defaultTemplates)+len(overrides))
	for k, v := range defaultTemplates {
		merged[k] = v
	}
	for k, v := range overrides {
		base := merged[models.EventType(k)]
		if v.Subject != "" {
			base.Subject = v.Subject
		}
		if v.Body != "" {
			base.Body = v.Body
		}
		if v.Short != "" {
			base.Short = v.Short
		}
		merged[models.EventType(k)] = base
	}
	return newTemplates(merged)
}

func newTemplates(src map[models.EventType]Template) (*Templates, error) {
	out := &Templates{byType: make(map[models.EventType]*compiled, len(src))}
	for typ, tpl := range src {
		c := &compiled{}
		var err error
		if c.subject, err = parse(string(typ)+".subject", tpl.Subject); err != nil {
			return nil, err
		}
		if c.body, err = parse(string(typ)+".body", tpl.Body); err != nil {
			return nil, err
		}
		if c.short, err = parse(string(typ)+".short", tpl.Short); err != nil {
			return nil, err
		}
		out.byType[typ] = c
	}
	return out, nil
}

func parse(name, text string) (*template.Template, error) {
	if text == "" {
		return nil, nil
	}
	t, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, errors.Wrapf(err, "parse template %s", name)
	}
	return t, nil
}

// Render produces the message for one channel. Unknown event types fall back
// to the type name as the subject.
func (t *Templates) Render(typ models.EventType, ch models.Channel, payload map[string]any) (Rendered, error) {
	c, ok := t.byType[typ]
	if !ok {
		return Rendered{Subject: string(typ), Body: string(typ)}, nil
	}
	subject, err := execute(c.subject, payload)
	if err != nil {
		return Rendered{}, err
	}
	switch ch {
	case models.ChannelSMS, models.ChannelPush:
		short, err := execute(c.short, payload)
		if err != nil {
			return Rendered{}, err
		}
		if short == "" {
			short = subject
		}
		if ch == models.ChannelSMS {
			return Rendered{Body: short}, nil
		}
		return Rendered{Subject: subject, Body: short}, nil
	}
	body, err := execute(c.body, payload)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{Subject: subject, Body: body}, nil
}

func execute(t *template.Template, data map[string]any) (string, error) {
	if t == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", errors.Wrapf(err, "render %s", t.Name())
	}
	return strings.TrimSpace(strings.ReplaceAll(buf.String(), "<no value>", "")), nil
}
