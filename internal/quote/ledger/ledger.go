// Package ledger publishes calculation jobs to the shared job ledger the
// desktop agent watches.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Descriptor is what the agent needs to run one attempt of a quote.
type Descriptor struct {
	QuoteID     string    `json:"quote_id"`
	Reference   string    `json:"reference"`
	Attempt     int       `json:"attempt"`
	LeaseToken  string    `json:"lease_token"`
	RequestedAt time.Time `json:"requested_at"`
	ResultURL   string    `json:"result_url,omitempty"`
	Inputs      Inputs    `json:"inputs"`
}

// Inputs is the calculation input snapshot taken at submission.
type Inputs struct {
	ProjectReference string              `json:"project_reference"`
	ClientID         string              `json:"client_id"`
	MaterialID       *string             `json:"material_id"`
	Currency         *string             `json:"currency"`
	ExchangeRate     decimal.NullDecimal `json:"exchange_rate"`
	Items            []ItemInput         `json:"items"`
}

// ItemInput is one line's dimensional input.
type ItemInput struct {
	Position    int     `json:"position"`
	Description string  `json:"description"`
	Length      float64 `json:"length"`
	Width       float64 `json:"width"`
	Thickness   float64 `json:"thickness"`
	Quantity    float64 `json:"quantity"`
}

// Ledger is the handoff channel to the agent.
type Ledger interface {
	// Publish makes the descriptor visible to the agent. It replaces any
	// earlier descriptor of the same quote.
	Publish(ctx context.Context, d *Descriptor) error
	// Withdraw removes the descriptor of the quote once attempt is settled.
	// A descriptor of any other attempt is left in place.
	Withdraw(ctx context.Context, quoteID string, attempt int) error
}

// Multi fans out to several ledgers. Publish fails on the first error.
type Multi []Ledger

func (m Multi) Publish(ctx context.Context, d *Descriptor) error {
	for _, l := range m {
		if err := l.Publish(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Withdraw(ctx context.Context, quoteID string, attempt int) error {
	var errs []error
	for _, l := range m {
		if err := l.Withdraw(ctx, quoteID, attempt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Noop is used when agents read pending jobs through the API only.
type Noop struct{}

func (Noop) Publish(context.Context, *Descriptor) error  { return nil }
func (Noop) Withdraw(context.Context, string, int) error { return nil }
