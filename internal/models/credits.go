package models

import "time"

// Plan names.
const (
	PlanFree  = "free"
	PlanPro   = "pro"
	PlanPower = "power"
)

// Ledger reasons.
const (
	ReasonEnrichFull     = "enrich_item_full"
	ReasonEnrichTagsOnly = "enrich_item_tags_only"
	ReasonCompareItems   = "compare_items"
	ReasonMonthlyGrant   = "monthly_grant"
	ReasonAdminGrant     = "admin_grant"
	ReasonCreditPack     = "credit_pack"
	ReasonRefund         = "refund"
)

// CreditAccount is the per-user balance row.
type CreditAccount struct {
	UserID                   string
	Balance                  int
	MonthlyGrant             int
	ResetAt                  time.Time
	Plan                     string
	StripeCustomerID         *string
	StripeSubscriptionID     *string
	StripeSubscriptionStatus *string
}

// LedgerEntry is an append-only record of a balance change.
type LedgerEntry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Delta       int       `json:"delta"`
	Reason      string    `json:"reason"`
	JobID       *string   `json:"jobId,omitempty"`
	ItemID      *string   `json:"itemId,omitempty"`
	ExternalRef *string   `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Spend describes a debit. A non-empty JobID makes the debit unique per job.
type Spend struct {
	EntryID string
	UserID  string
	Amount  int
	Reason  string
	JobID   string
	ItemID  string
	At      time.Time
}

// Grant describes a credit. A non-empty ExternalRef makes the grant unique per reference.
type Grant struct {
	EntryID     string
	UserID      string
	Amount      int
	Reason      string
	ExternalRef string
	At          time.Time
}

// PlanSync carries absolute plan values written by billing.
type PlanSync struct {
	Plan               string
	MonthlyGrant       int
	SubscriptionID     string
	SubscriptionStatus string
}

// IdempotencyRecord is a cached response for a (user, key) pair.
type IdempotencyRecord struct {
	UserID       string
	Key          string
	Fingerprint  string
	ResponseJSON []byte
	CreatedAt    time.Time
}
