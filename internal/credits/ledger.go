// Package credits owns the per-user credit balance: lazy account creation, monthly
// grants, spends, refunds and purchased or admin grants. Every balance change is a
// single conditional write in the store paired with its ledger entry.
package credits

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/phuslu/log"

	"citestack/internal/logging"
	"citestack/internal/models"
	"citestack/internal/store"
	"citestack/internal/telemetry"
)

// Store is the persistence the ledger needs.
type Store interface {
	EnsureAccount(ctx context.Context, a models.CreditAccount) error
	GetAccount(ctx context.Context, userID string) (models.CreditAccount, error)
	ApplyMonthlyGrant(ctx context.Context, userID string, due, next time.Time, entryID string) (bool, error)
	SpendCredits(ctx context.Context, p models.Spend) (bool, error)
	GrantCredits(ctx context.Context, p models.Grant) (bool, error)
	RefundJobCredits(ctx context.Context, userID, jobID, entryID string) (int, error)
	ListLedger(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error)
	ListDueAccounts(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// ErrInvalidAmount rejects non-positive spends and grants.
var ErrInvalidAmount = errors.New("amount must be a positive integer")

// InsufficientError reports a balance shortfall.
type InsufficientError struct {
	Required int
	Balance  int
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Balance)
}

// Message is the user-facing wording of the shortfall.
func (e *InsufficientError) Message() string {
	return fmt.Sprintf("Need %d credits; you have %d. Credits reset monthly.", e.Required, e.Balance)
}

// Balance is the caller-facing view of an account.
type Balance struct {
	Balance      int       `json:"balance"`
	ResetAt      time.Time `json:"resetAt"`
	MonthlyGrant int       `json:"monthlyGrant"`
	Plan         string    `json:"plan"`
}

// SpendOptions links a spend to the job and item it pays for.
type SpendOptions struct {
	JobID  string
	ItemID string
}

// Ledger applies credit operations against a Store.
type Ledger struct {
	store     Store
	freeGrant int
	now       func() time.Time
	log       *log.Logger
}

// NewLedger builds a ledger; freeGrant is the monthly grant of new accounts.
func NewLedger(st Store, freeGrant int, logger *log.Logger) *Ledger {
	return &Ledger{
		store:     st,
		freeGrant: freeGrant,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logging.OrNop(logger),
	}
}

// WithClock replaces the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Ensure creates the account on first use. New accounts start empty and due, so the
// first grant goes through the ledger like every later one.
func (l *Ledger) Ensure(ctx context.Context, userID string) error {
	return l.store.EnsureAccount(ctx, models.CreditAccount{
		UserID:       userID,
		Balance:      0,
		MonthlyGrant: l.freeGrant,
		ResetAt:      l.now().Truncate(time.Microsecond),
		Plan:         models.PlanFree,
	})
}

// GrantMonthlyIfDue applies at most one monthly grant when reset_at has passed.
func (l *Ledger) GrantMonthlyIfDue(ctx context.Context, userID string) (bool, error) {
	acc, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load account: %w", err)
	}
	now := l.now()
	if now.Before(acc.ResetAt) {
		return false, nil
	}
	next := NextReset(acc.ResetAt, now)
	applied, err := l.store.ApplyMonthlyGrant(ctx, userID, acc.ResetAt, next, newEntryID())
	if err != nil {
		return false, err
	}
	if applied {
		telemetry.CreditsGranted.WithLabelValues(models.ReasonMonthlyGrant).Add(float64(acc.MonthlyGrant))
		l.log.Info().Str("user_id", userID).Int("amount", acc.MonthlyGrant).Time("next_reset", next).Msg("monthly grant applied")
	}
	return applied, nil
}

// Balance ensures the account, catches up a due grant, then reads the current state.
func (l *Ledger) Balance(ctx context.Context, userID string) (Balance, error) {
	if err := l.Ensure(ctx, userID); err != nil {
		return Balance{}, err
	}
	if _, err := l.GrantMonthlyIfDue(ctx, userID); err != nil {
		return Balance{}, err
	}
	acc, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return Balance{}, fmt.Errorf("load account: %w", err)
	}
	return Balance{Balance: acc.Balance, ResetAt: acc.ResetAt, MonthlyGrant: acc.MonthlyGrant, Plan: acc.Plan}, nil
}

// Require returns an InsufficientError when the balance is below amount.
func (l *Ledger) Require(ctx context.Context, userID string, amount int) error {
	bal, err := l.Balance(ctx, userID)
	if err != nil {
		return err
	}
	if bal.Balance < amount {
		return &InsufficientError{Required: amount, Balance: bal.Balance}
	}
	return nil
}

// Spend debits amount when the balance covers it. ok=false means nothing changed.
func (l *Ledger) Spend(ctx context.Context, userID string, amount int, reason string, opts SpendOptions) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	if err := l.Ensure(ctx, userID); err != nil {
		return false, err
	}
	ok, err := l.store.SpendCredits(ctx, models.Spend{
		EntryID: newEntryID(),
		UserID:  userID,
		Amount:  amount,
		Reason:  reason,
		JobID:   opts.JobID,
		ItemID:  opts.ItemID,
		At:      l.now(),
	})
	if err != nil {
		return false, err
	}
	if ok {
		telemetry.CreditsSpent.WithLabelValues(reason).Add(float64(amount))
	} else {
		l.log.Info().Str("user_id", userID).Int("amount", amount).Str("reason", reason).Msg("spend refused")
	}
	return ok, nil
}

// Refund credits back the debit of a job, once.
func (l *Ledger) Refund(ctx context.Context, userID, jobID string) (int, error) {
	amount, err := l.store.RefundJobCredits(ctx, userID, jobID, newEntryID())
	if err != nil {
		return 0, err
	}
	if amount > 0 {
		telemetry.CreditsGranted.WithLabelValues(models.ReasonRefund).Add(float64(amount))
		l.log.Info().Str("user_id", userID).Str("job_id", jobID).Int("amount", amount).Msg("job charge refunded")
	}
	return amount, nil
}

// GrantAdmin adds credits on behalf of an operator.
func (l *Ledger) GrantAdmin(ctx context.Context, userID string, amount int) error {
	_, err := l.grant(ctx, userID, amount, models.ReasonAdminGrant, "")
	return err
}

// GrantPack adds purchased credits. The grant is keyed by eventID, so replaying the
// same purchase event reports false and adds nothing.
func (l *Ledger) GrantPack(ctx context.Context, userID string, amount int, eventID string) (bool, error) {
	return l.grant(ctx, userID, amount, models.ReasonCreditPack, eventID)
}

func (l *Ledger) grant(ctx context.Context, userID string, amount int, reason, ref string) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	if err := l.Ensure(ctx, userID); err != nil {
		return false, err
	}
	applied, err := l.store.GrantCredits(ctx, models.Grant{
		EntryID:     newEntryID(),
		UserID:      userID,
		Amount:      amount,
		Reason:      reason,
		ExternalRef: ref,
		At:          l.now(),
	})
	if err != nil {
		return false, err
	}
	if applied {
		telemetry.CreditsGranted.WithLabelValues(reason).Add(float64(amount))
	}
	return applied, nil
}

// Entries returns the newest ledger entries of a user.
func (l *Ledger) Entries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	return l.store.ListLedger(ctx, userID, limit)
}

// SweepMonthly applies due grants for up to limit accounts and returns how many were granted.
func (l *Ledger) SweepMonthly(ctx context.Context, limit int) (int, error) {
	ids, err := l.store.ListDueAccounts(ctx, l.now(), limit)
	if err != nil {
		return 0, err
	}
	granted := 0
	for _, id := range ids {
		ok, err := l.GrantMonthlyIfDue(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			l.log.Error().Err(err).Str("user_id", id).Msg("monthly grant failed")
			continue
		}
		if ok {
			granted++
		}
	}
	return granted, nil
}

// NextReset moves due forward by calendar months until it is after now.
func NextReset(due, now time.Time) time.Time {
	next := addMonth(due)
	for !next.After(now) {
		next = addMonth(next)
	}
	return next
}

// addMonth adds one calendar month, clamping to the last day of a shorter month.
func addMonth(t time.Time) time.Time {
	y, m, d := t.Date()
	firstOfNext := time.Date(y, m+1, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := firstOfNext.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(firstOfNext.Year(), firstOfNext.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func newEntryID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
