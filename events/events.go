// Package events provides the append-only timeline and transactional outbox
// writes that every state transition in the core performs alongside its own
// row changes, inside the caller's transaction.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Timeline event types appended by the core.
const (
	TypeBookingCreated    = "BOOKING_CREATED"
	TypeFundingRequested  = "MILESTONE_FUNDING_REQUESTED"
	TypeMilestoneFunded   = "MILESTONE_FUNDED"
	TypeMilestoneReleased = "MILESTONE_RELEASED"
	TypeMilestoneAdded    = "MILESTONE_ADDED"
	TypeChangeOrderOpened = "CHANGE_ORDER_OPENED"
	TypeChangeOrderClosed = "CHANGE_ORDER_CLOSED"
	TypeInvoiceIssued     = "INVOICE_ISSUED"
	TypeInvoicePaid       = "INVOICE_PAID"
	TypeDisputeOpened     = "DISPUTE_OPENED"
	TypeDisputeResolved   = "DISPUTE_RESOLVED"
	TypeBookingClosed     = "BOOKING_CLOSED"
)

// Writer bundles both writes behind the small interfaces services consume.
type Writer struct{}

func NewWriter() *Writer { return &Writer{} }

func (Writer) Append(ctx context.Context, tx pgx.Tx, bookingID, eventType string, actorID *string, payload map[string]any) error {
	return AppendTimeline(ctx, tx, bookingID, eventType, actorID, payload)
}

func (Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return EnqueueOutbox(ctx, tx, topic, payload)
}

// AppendTimeline inserts an immutable business event for a booking.
func AppendTimeline(ctx context.Context, tx pgx.Tx, bookingID, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}
	const q = `
INSERT INTO timeline_events (booking_id, type, payload, actor_id)
VALUES ($1, $2, $3::jsonb, $4::uuid)
`
	if _, err := tx.Exec(ctx, q, bookingID, eventType, body, actor); err != nil {
		return fmt.Errorf("events: insert timeline event: %w", err)
	}
	return nil
}

// EnqueueOutbox writes a message for downstream delivery by the relay.
func EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("events: enqueue outbox: %w", err)
	}
	return nil
}
