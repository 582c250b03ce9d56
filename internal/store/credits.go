package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"citestack/internal/models"
)

// EnsureAccount inserts the account if it does not exist yet.
func (s *Store) EnsureAccount(ctx context.Context, a models.CreditAccount) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credit_accounts (user_id, balance, monthly_grant, reset_at, plan)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO NOTHING`,
		a.UserID, a.Balance, a.MonthlyGrant, a.ResetAt, a.Plan)
	if err != nil {
		return fmt.Errorf("ensure credit account: %w", err)
	}
	return nil
}

// GetAccount reads a credit account.
func (s *Store) GetAccount(ctx context.Context, userID string) (models.CreditAccount, error) {
	var a models.CreditAccount
	var customer, subID, subStatus pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, balance, monthly_grant, reset_at, plan,
		       stripe_customer_id, stripe_subscription_id, stripe_subscription_status
		FROM credit_accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &a.Balance, &a.MonthlyGrant, &a.ResetAt, &a.Plan, &customer, &subID, &subStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CreditAccount{}, ErrNotFound
	}
	if err != nil {
		return models.CreditAccount{}, fmt.Errorf("get credit account: %w", err)
	}
	a.StripeCustomerID = textPtr(customer)
	a.StripeSubscriptionID = textPtr(subID)
	a.StripeSubscriptionStatus = textPtr(subStatus)
	return a, nil
}

// ApplyMonthlyGrant adds the monthly grant if reset_at still equals due, moving it to next.
// Concurrent callers race on the reset_at comparison and only one of them applies the grant.
func (s *Store) ApplyMonthlyGrant(ctx context.Context, userID string, due, next time.Time, entryID string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var grant int
	err = tx.QueryRow(ctx, `
		UPDATE credit_accounts
		SET balance = balance + monthly_grant, reset_at = $3, updated_at = now()
		WHERE user_id = $1 AND reset_at = $2
		RETURNING monthly_grant`, userID, due, next).Scan(&grant)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("apply monthly grant: %w", err)
	}
	if grant > 0 {
		if _, err := tx.Exec(ctx, `
			INSERT INTO credit_ledger (id, user_id, delta, reason, created_at)
			VALUES ($1, $2, $3, $4, now())`,
			entryID, userID, grant, models.ReasonMonthlyGrant); err != nil {
			return false, fmt.Errorf("insert grant entry: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// SpendCredits debits the balance when it covers the amount and appends the entry in the same tx.
// With a job id set, a job that was already charged reports success without charging again.
func (s *Store) SpendCredits(ctx context.Context, p models.Spend) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if p.JobID != "" {
		var charged bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM credit_ledger WHERE job_id = $1 AND delta < 0)`,
			p.JobID).Scan(&charged); err != nil {
			return false, fmt.Errorf("check job charge: %w", err)
		}
		if charged {
			return true, nil
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE credit_accounts
		SET balance = balance - $2, updated_at = now()
		WHERE user_id = $1 AND balance >= $2`, p.UserID, p.Amount)
	if err != nil {
		return false, fmt.Errorf("debit balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO credit_ledger (id, user_id, delta, reason, job_id, item_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		p.EntryID, p.UserID, -p.Amount, p.Reason, emptyToNil(p.JobID), emptyToNil(p.ItemID)); err != nil {
		return false, fmt.Errorf("insert spend entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// GrantCredits credits the balance. With an external ref set, a ref that was already
// granted reports false and leaves the balance alone.
func (s *Store) GrantCredits(ctx context.Context, p models.Grant) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		INSERT INTO credit_ledger (id, user_id, delta, reason, external_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (external_ref) DO NOTHING`,
		p.EntryID, p.UserID, p.Amount, p.Reason, emptyToNil(p.ExternalRef))
	if err != nil {
		return false, fmt.Errorf("insert grant entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	tag, err = tx.Exec(ctx, `
		UPDATE credit_accounts SET balance = balance + $2, updated_at = now() WHERE user_id = $1`,
		p.UserID, p.Amount)
	if err != nil {
		return false, fmt.Errorf("credit balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// RefundJobCredits returns a job's debit once. It reports the refunded amount, zero when
// the job was never charged or was already refunded.
func (s *Store) RefundJobCredits(ctx context.Context, userID, jobID, entryID string) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var (
		debit  int
		itemID pgtype.Text
	)
	err = tx.QueryRow(ctx, `
		SELECT -delta, item_id::text FROM credit_ledger
		WHERE job_id = $1 AND user_id = $2 AND delta < 0`, jobID, userID).Scan(&debit, &itemID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find job debit: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO credit_ledger (id, user_id, delta, reason, job_id, item_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (job_id) WHERE reason = 'refund' DO NOTHING`,
		entryID, userID, debit, models.ReasonRefund, jobID, textPtr(itemID))
	if err != nil {
		return 0, fmt.Errorf("insert refund entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, nil
	}
	if _, err := tx.Exec(ctx, `
		UPDATE credit_accounts SET balance = balance + $2, updated_at = now() WHERE user_id = $1`,
		userID, debit); err != nil {
		return 0, fmt.Errorf("credit refund: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return debit, nil
}

// ListLedger returns the newest entries first.
func (s *Store) ListLedger(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, delta, reason, job_id::text, item_id::text, external_ref, created_at
		FROM credit_ledger WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		var jobID, itemID, ext pgtype.Text
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.Reason, &jobID, &itemID, &ext, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.JobID = textPtr(jobID)
		e.ItemID = textPtr(itemID)
		e.ExternalRef = textPtr(ext)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListDueAccounts returns users whose monthly grant is due.
func (s *Store) ListDueAccounts(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM credit_accounts WHERE reset_at <= $1 ORDER BY reset_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetStripeCustomer records the billing customer of a user.
func (s *Store) SetStripeCustomer(ctx context.Context, userID, customerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE credit_accounts SET stripe_customer_id = $2, updated_at = now() WHERE user_id = $1`,
		userID, customerID)
	if err != nil {
		return fmt.Errorf("set stripe customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SyncPlan writes absolute plan values.
func (s *Store) SyncPlan(ctx context.Context, userID string, p models.PlanSync) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE credit_accounts
		SET plan = $2, monthly_grant = $3, stripe_subscription_id = $4,
		    stripe_subscription_status = $5, updated_at = now()
		WHERE user_id = $1`,
		userID, p.Plan, p.MonthlyGrant, emptyToNil(p.SubscriptionID), emptyToNil(p.SubscriptionStatus))
	if err != nil {
		return fmt.Errorf("sync plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindUserByStripeCustomer resolves a billing customer to a user id.
func (s *Store) FindUserByStripeCustomer(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx, `
		SELECT user_id FROM credit_accounts WHERE stripe_customer_id = $1`, customerID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find user by customer: %w", err)
	}
	return userID, nil
}
