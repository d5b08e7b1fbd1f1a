package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"

	"github.com/example/quickrun-notify/internal/models"
	"github.com/example/quickrun-notify/internal/subscription"
)

// PostgresStore keeps subscriptions in merchant_subscriptions with the payment
// ledger in merchant_payments. Each webhook write runs in one transaction.
type PostgresStore struct {
	db *sql.DB
}

var _ subscription.Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate executes a migration file from dir against the store's database.
func (p *PostgresStore) Migrate(ctx context.Context, dir, name string) error {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("exec migration %s: %w", name, err)
	}
	return nil
}

// SetPending records a checkout started by merchantID with phone.
func (p *PostgresStore) SetPending(ctx context.Context, merchantID, phone string) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO pending_subscriptions(merchant_id, phone, initiated_at) VALUES($1,$2,NOW())
		ON CONFLICT (merchant_id) DO UPDATE SET phone=EXCLUDED.phone, initiated_at=EXCLUDED.initiated_at`, merchantID, phone)
	return err
}

func (p *PostgresStore) FindMerchantByPendingContact(ctx context.Context, contact string) (string, error) {
	var id string
	err := p.db.QueryRowContext(ctx,
		`SELECT merchant_id FROM pending_subscriptions WHERE phone=$1 ORDER BY initiated_at DESC LIMIT 1`, contact).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func (p *PostgresStore) Activate(ctx context.Context, merchantID string, a subscription.Activation) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		s := a.Subscription
		_, err := tx.ExecContext(ctx, `INSERT INTO merchant_subscriptions(
				merchant_id, is_active, subscription_id, plan_id, customer_id, amount, currency, billing_interval,
				next_billing_date, auto_pay, status, webhook_event, last_payment_id,
				activated_at, last_renewal_at, cancelled_at, updated_at)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,NOW(),NULL,NULL,NOW())
			ON CONFLICT (merchant_id) DO UPDATE SET
				is_active=EXCLUDED.is_active, subscription_id=EXCLUDED.subscription_id, plan_id=EXCLUDED.plan_id,
				customer_id=EXCLUDED.customer_id, amount=EXCLUDED.amount, currency=EXCLUDED.currency,
				billing_interval=EXCLUDED.billing_interval, next_billing_date=EXCLUDED.next_billing_date,
				auto_pay=EXCLUDED.auto_pay, status=EXCLUDED.status, webhook_event=EXCLUDED.webhook_event,
				last_payment_id=EXCLUDED.last_payment_id, activated_at=NOW(), last_renewal_at=NULL,
				cancelled_at=NULL, updated_at=NOW()`,
			merchantID, s.IsActive, s.SubscriptionID, s.PlanID, s.CustomerID, s.Amount, s.Currency, s.Interval,
			s.NextBillingDate, s.AutoPay, string(s.Status), s.WebhookEvent, s.LastPaymentID)
		if err != nil {
			return fmt.Errorf("upsert subscription: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_subscriptions WHERE merchant_id=$1`, merchantID); err != nil {
			return fmt.Errorf("clear pending: %w", err)
		}
		return insertPayment(ctx, tx, merchantID, a.Payment)
	})
}

func (p *PostgresStore) Renew(ctx context.Context, merchantID string, r subscription.Renewal) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM merchant_subscriptions WHERE merchant_id=$1 FOR UPDATE`, merchantID).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `INSERT INTO merchant_subscriptions(merchant_id) VALUES($1)`, merchantID)
			if err != nil {
				return fmt.Errorf("create subscription row: %w", err)
			}
		case err != nil:
			return fmt.Errorf("load subscription: %w", err)
		case models.SubscriptionStatus(status) == models.SubscriptionCancelled:
			return subscription.ErrSubscriptionCanceled
		}

		lastPayment := ""
		if r.Payment != nil {
			lastPayment = r.Payment.PaymentID
		}
		_, err = tx.ExecContext(ctx, `UPDATE merchant_subscriptions SET
				subscription_id=$2, next_billing_date=$3, is_active=$4, status=$5, webhook_event=$6,
				last_payment_id=CASE WHEN $7 = '' THEN last_payment_id ELSE $7 END,
				last_renewal_at=NOW(), updated_at=NOW()
			WHERE merchant_id=$1`,
			merchantID, r.SubscriptionID, r.NextBillingDate, r.IsActive, string(r.Status), r.WebhookEvent, lastPayment)
		if err != nil {
			return fmt.Errorf("update subscription: %w", err)
		}
		return insertPayment(ctx, tx, merchantID, r.Payment)
	})
}

func (p *PostgresStore) Cancel(ctx context.Context, merchantID string, c subscription.Cancellation) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO merchant_subscriptions(merchant_id, is_active, status, webhook_event, cancelled_at, updated_at)
			VALUES($1, FALSE, $2, $3, NOW(), NOW())
		ON CONFLICT (merchant_id) DO UPDATE SET
			is_active=FALSE, status=EXCLUDED.status, webhook_event=EXCLUDED.webhook_event,
			cancelled_at=NOW(), updated_at=NOW()`,
		merchantID, string(models.SubscriptionCancelled), c.WebhookEvent)
	return err
}

func insertPayment(ctx context.Context, tx *sql.Tx, merchantID string, pay *models.PaymentEntry) error {
	if pay == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO merchant_payments(payment_id, merchant_id, subscription_id, amount, payment_type, status, webhook_event, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,NOW()) ON CONFLICT (payment_id) DO NOTHING`,
		pay.PaymentID, merchantID, pay.SubscriptionID, pay.Amount, string(pay.Type), pay.Status, pay.WebhookEvent)
	if err != nil {
		return fmt.Errorf("insert payment %s: %w", pay.PaymentID, err)
	}
	return nil
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Payments lists a merchant's ledger oldest first.
func (p *PostgresStore) Payments(ctx context.Context, merchantID string) ([]models.PaymentEntry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT payment_id, subscription_id, amount, payment_type, status, webhook_event, created_at
		FROM merchant_payments WHERE merchant_id=$1 ORDER BY created_at, payment_id`, merchantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.PaymentEntry
	for rows.Next() {
		var (
			e   models.PaymentEntry
			typ string
		)
		if err := rows.Scan(&e.PaymentID, &e.SubscriptionID, &e.Amount, &typ, &e.Status, &e.WebhookEvent, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Type = models.PaymentType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
