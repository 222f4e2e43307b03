// Package outbox delivers transactionally-enqueued messages to the broker.
// State transitions write their messages into the outbox table inside their
// own transaction; the relay drains that table and publishes, so a message
// exists if and only if the transition committed.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	defaultInterval  = 2 * time.Second
	defaultBatchSize = 50
	maxAttempts      = 10
)

// Message is one undelivered outbox row.
type Message struct {
	ID       string
	Topic    string
	Payload  []byte
	Attempts int
}

// Publisher delivers a message to the broker.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the relay's data access. Claimed rows stay locked until the
// surrounding transaction commits, so concurrent relays never double-send.
type Store interface {
	Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkDispatched(ctx context.Context, tx pgx.Tx, id string) error
	RecordFailure(ctx context.Context, tx pgx.Tx, id string, exhausted bool) error
}

// Relay drains the outbox on an interval.
type Relay struct {
	pool      TxBeginner
	store     Store
	publisher Publisher
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

func NewRelay(pool TxBeginner, store Store, publisher Publisher, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		pool:      pool,
		store:     store,
		publisher: publisher,
		logger:    logger,
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
	}
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	r.interval = d
	return r
}

// Run drains the outbox until the context is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.DispatchOnce(ctx)
			if err != nil {
				r.logger.Error("outbox dispatch failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Info("outbox dispatched", zap.Int("messages", n))
			}
		}
	}
}

// DispatchOnce claims one batch of pending messages, publishes them, and
// marks the outcome. Returns the number of messages delivered.
func (r *Relay) DispatchOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.store.Claim(ctx, tx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	delivered := 0
	for _, msg := range msgs {
		if err := r.publisher.Publish(msg.Topic, msg.Payload); err != nil {
			exhausted := msg.Attempts+1 >= maxAttempts
			r.logger.Warn("outbox publish failed",
				zap.String("message_id", msg.ID),
				zap.String("topic", msg.Topic),
				zap.Int("attempts", msg.Attempts+1),
				zap.Bool("exhausted", exhausted),
				zap.Error(err),
			)
			if err := r.store.RecordFailure(ctx, tx, msg.ID, exhausted); err != nil {
				return delivered, err
			}
			continue
		}
		if err := r.store.MarkDispatched(ctx, tx, msg.ID); err != nil {
			return delivered, err
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return delivered, fmt.Errorf("outbox: commit dispatch: %w", err)
	}
	return delivered, nil
}

// PGStore implements Store against the outbox table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	const query = `
SELECT id, topic, payload, attempts
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts); err != nil {
			return nil, fmt.Errorf("outbox: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate messages: %w", err)
	}
	return msgs, nil
}

func (s *PGStore) MarkDispatched(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `
UPDATE outbox SET status = 'dispatched', attempts = attempts + 1 WHERE id = $1
`, id); err != nil {
		return fmt.Errorf("outbox: mark dispatched: %w", err)
	}
	return nil
}

func (s *PGStore) RecordFailure(ctx context.Context, tx pgx.Tx, id string, exhausted bool) error {
	status := "pending"
	if exhausted {
		status = "failed"
	}
	if _, err := tx.Exec(ctx, `
UPDATE outbox SET status = $2, attempts = attempts + 1 WHERE id = $1
`, id, status); err != nil {
		return fmt.Errorf("outbox: record failure: %w", err)
	}
	return nil
}
