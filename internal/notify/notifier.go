// Package notify hands "payment approved" events to the email collaborator
// through a message broker.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ratixpay/paycore/internal/currency"
	"github.com/ratixpay/paycore/internal/domain"
)

const RoutingKeyApproved = "payment.approved"

type ApprovedEvent struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	ExternalID    string          `json:"external_id"`
	ReferenceID   string          `json:"reference_id,omitempty"`
	AmountDisplay string          `json:"amount_display"`
	Transaction   json.RawMessage `json:"transaction"`
	ProductID     string          `json:"product_id"`
	ProductName   string          `json:"product_name,omitempty"`
	CustomerEmail string          `json:"customer_email,omitempty"`
	CustomerName  string          `json:"customer_name"`
	PaymentMethod string          `json:"payment_method"`
}

type Notifier struct {
	pub     Publisher
	timeout time.Duration
	logger  *slog.Logger
}

func NewNotifier(pub Publisher, timeout time.Duration, logger *slog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{pub: pub, timeout: timeout, logger: logger.With(slog.String("component", "notify"))}
}

// OnTransactionApproved publishes the approval. Errors are returned for
// logging only; the approval they describe is already durable.
func (n *Notifier) OnTransactionApproved(ctx context.Context, tx domain.Transaction, product *domain.Product) error {
	txJSON, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}

	ev := ApprovedEvent{
		ID:            uuid.NewString(),
		Type:          "PaymentApproved",
		OccurredAt:    time.Now().UTC(),
		ExternalID:    tx.ExternalID,
		ReferenceID:   tx.ReferenceID,
		AmountDisplay: currency.FormatMZN(tx.Amount),
		Transaction:   txJSON,
		ProductID:     tx.ProductRef,
		CustomerEmail: tx.Customer.Email,
		CustomerName:  tx.Customer.Name,
		PaymentMethod: string(tx.Method),
	}
	if product != nil {
		ev.ProductName = product.Name
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	if err := n.pub.Publish(ctx, RoutingKeyApproved, ev.ID, body); err != nil {
		return err
	}
	n.logger.Info("approval event published",
		slog.String("external_id", tx.ExternalID),
		slog.String("event_id", ev.ID),
	)
	return nil
}
