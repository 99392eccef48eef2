// Package billing is the boundary to the external billing provider.
//
// The rest of the engine only sees draft ids, provider ids and hosted URLs;
// provider response shapes stay inside this package. Every mutating call is
// issued once: a timeout is reported as errors.ErrProviderOutcomeUnknown and
// recovered by Lookup on the last known identifier, never by creating again.
package billing

import (
	"context"
	"time"

	"github.com/samber/lo"

	"fieldservice/internal/models"
)

// Kind separates quotes from invoices on the provider.
type Kind string

const (
	KindQuote   Kind = "quote"
	KindInvoice Kind = "invoice"
)

// RecordStatus is the provider-side state of a quote or invoice.
type RecordStatus string

const (
	RecordDraft    RecordStatus = "draft"
	RecordOpen     RecordStatus = "open"
	RecordAccepted RecordStatus = "accepted"
	RecordPaid     RecordStatus = "paid"
	RecordVoid     RecordStatus = "void"
)

// Item is a line item as the provider sees it.
type Item struct {
	LocalID         string `json:"local_id,omitempty"`
	ProviderItemID  string `json:"id,omitempty"`
	Description     string `json:"description"`
	UnitAmountCents int64  `json:"unit_amount"`
	Quantity        int64  `json:"quantity"`
}

// ItemsFromLineItems converts local line items for a draft.
func ItemsFromLineItems(items []models.LineItem) []Item {
	return lo.Map(items, func(li models.LineItem, _ int) Item {
		return Item{
			LocalID:         li.ID,
			Description:     li.Description,
			UnitAmountCents: li.UnitAmountCents,
			Quantity:        li.Quantity,
		}
	})
}

// Draft is a freshly created provider draft.
type Draft struct {
	ID    string
	Items []Item
}

// Finalized is the durable result of finalize-and-send.
type Finalized struct {
	ProviderID string
	HostedURL  string
	DueAt      *time.Time
}

// Record is a provider quote or invoice.
type Record struct {
	ID          string
	Kind        Kind
	Status      RecordStatus
	CustomerRef string
	Description string
	Items       []Item
	TotalCents  int64
	HostedURL   string
	DueAt       *time.Time
	CreatedAt   time.Time
	SettledAt   *time.Time
	Raw         []byte
}

// Finalized reports whether the record has left draft.
func (r Record) Finalized() bool {
	return r.Status != RecordDraft
}

// Page is one page of ListPaid.
type Page struct {
	Records    []Record
	NextCursor string
	HasMore    bool
}

// Provider is everything the engine needs from the billing system.
type Provider interface {
	CreateDraft(ctx context.Context, kind Kind, customerRef string, items []Item) (Draft, error)
	FinalizeAndSend(ctx context.Context, draftID string) (Finalized, error)
	ListPaid(ctx context.Context, sinceCursor string) (Page, error)
	AddLineItem(ctx context.Context, draftID string, item Item) (string, error)
	DeleteLineItem(ctx context.Context, draftID, providerItemID string) error
	MarkPaidOutOfBand(ctx context.Context, providerID string) error
	Lookup(ctx context.Context, providerID string) (Record, error)
}
