package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a pgx pool. Every terminal transition is
// an UPDATE guarded by payment_status = 'pending' with a row-count check, and
// the outbox row is inserted in the same transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Insert(ctx context.Context, o *Order, evt OutboxEvent) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (
			id, customer_name, customer_email, customer_phone,
			items, subtotal, total_amount,
			gateway, transaction_id, payment_amount, payment_status,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		o.ID, o.CustomerName, o.CustomerEmail, o.CustomerPhone,
		items, o.Subtotal, o.TotalAmount,
		o.Payment.Gateway, o.Payment.TransactionID, o.Payment.Amount, o.Payment.Status,
		o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	if err := insertOutbox(ctx, tx, evt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) SetPaymentURL(ctx context.Context, orderID, paymentURL string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET payment_url = $2, updated_at = NOW()
		WHERE id = $1`,
		orderID, paymentURL,
	)
	if err != nil {
		return fmt.Errorf("set payment url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (s *PostgresStore) GetByID(ctx context.Context, orderID string) (*Order, error) {
	return s.getOne(ctx, `WHERE id = $1`, orderID)
}

func (s *PostgresStore) GetByTransactionID(ctx context.Context, transactionID string) (*Order, error) {
	return s.getOne(ctx, `WHERE transaction_id = $1`, transactionID)
}

func (s *PostgresStore) getOne(ctx context.Context, where string, arg any) (*Order, error) {
	var (
		o         Order
		items     []byte
		downloads []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, customer_name, customer_email, customer_phone,
		       items, subtotal, total_amount,
		       gateway, transaction_id, payment_amount, payment_status,
		       payment_url, gateway_transaction_id, payment_method, paid_at,
		       failure_reason, download_links, created_at, updated_at
		FROM orders `+where,
		arg,
	).Scan(
		&o.ID, &o.CustomerName, &o.CustomerEmail, &o.CustomerPhone,
		&items, &o.Subtotal, &o.TotalAmount,
		&o.Payment.Gateway, &o.Payment.TransactionID, &o.Payment.Amount, &o.Payment.Status,
		&o.Payment.PaymentURL, &o.Payment.GatewayTransactionID, &o.Payment.PaymentMethod, &o.Payment.PaidAt,
		&o.Payment.FailureReason, &downloads, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	if err := json.Unmarshal(downloads, &o.DownloadLinks); err != nil {
		return nil, fmt.Errorf("unmarshal download links: %w", err)
	}

	return &o, nil
}

func (s *PostgresStore) CompletePayment(ctx context.Context, transactionID string, c Completion, evt OutboxEvent) (bool, error) {
	links, err := json.Marshal(c.DownloadLinks)
	if err != nil {
		return false, fmt.Errorf("marshal download links: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET payment_status = $2,
		    gateway_transaction_id = $3,
		    payment_method = $4,
		    download_links = $5,
		    paid_at = NOW(),
		    updated_at = NOW()
		WHERE transaction_id = $1 AND payment_status = $6`,
		transactionID, PaymentCompleted, c.GatewayTransactionID, c.PaymentMethod, links, PaymentPending,
	)
	if err != nil {
		return false, fmt.Errorf("complete payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race or already terminal; nothing to publish.
		return false, nil
	}

	if err := insertOutbox(ctx, tx, evt); err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}

func (s *PostgresStore) FailPayment(ctx context.Context, transactionID, reason string, evt OutboxEvent) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET payment_status = $2,
		    failure_reason = $3,
		    updated_at = NOW()
		WHERE transaction_id = $1 AND payment_status = $4`,
		transactionID, PaymentFailed, reason, PaymentPending,
	)
	if err != nil {
		return false, fmt.Errorf("fail payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := insertOutbox(ctx, tx, evt); err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}

func insertOutbox(ctx context.Context, tx pgx.Tx, evt OutboxEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO order_outbox (event_id, event_type, payload)
		VALUES ($1, $2, $3)`,
		evt.ID, evt.Type, evt.Payload,
	)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}
