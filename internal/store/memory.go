package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"citestack/internal/models"
)

// Memory is a single-instance store. One mutex guards every table, so each method is
// as atomic as the matching Postgres statement or transaction.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	items    map[string]*models.Item
	accounts map[string]*models.CreditAccount
	ledger   []models.LedgerEntry
	idem     map[string]models.IdempotencyRecord
	events   map[string]time.Time
	lastJob  time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]*models.Job),
		items:    make(map[string]*models.Item),
		accounts: make(map[string]*models.CreditAccount),
		idem:     make(map[string]models.IdempotencyRecord),
		events:   make(map[string]time.Time),
	}
}

// Jobs

func (m *Memory) CreateJob(_ context.Context, p models.NewJob) (models.Job, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = models.DefaultMaxAttempts
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// keep creation order strict so FIFO selection is deterministic
	created := time.Now().UTC()
	if !created.After(m.lastJob) {
		created = m.lastJob.Add(time.Nanosecond)
	}
	m.lastJob = created
	job := &models.Job{
		ID:          uuid.New().String(),
		UserID:      p.UserID,
		ItemID:      emptyToNil(p.ItemID),
		Type:        p.Type,
		Payload:     append(json.RawMessage(nil), p.Payload...),
		Status:      models.StatusQueued,
		MaxAttempts: p.MaxAttempts,
		CreatedAt:   created,
	}
	m.jobs[job.ID] = job
	return copyJob(job), nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return copyJob(job), nil
}

func (m *Memory) HasActiveJob(_ context.Context, itemID string, t models.JobType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.ItemID != nil && *job.ItemID == itemID && job.Type == t &&
			(job.Status == models.StatusQueued || job.Status == models.StatusRunning) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ResetStuckJobs(_ context.Context, startedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, job := range m.jobs {
		if job.Status == models.StatusRunning && job.StartedAt != nil && job.StartedAt.Before(startedBefore) {
			job.Status = models.StatusQueued
			job.StartedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListRunnableJobs(_ context.Context, now time.Time, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, job := range m.jobs {
		if job.Status != models.StatusQueued {
			continue
		}
		if job.RunAfter != nil && job.RunAfter.After(now) {
			continue
		}
		out = append(out, copyJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ClaimJob(_ context.Context, id string, now time.Time) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.StatusQueued {
		return models.Job{}, false, nil
	}
	started := now
	job.Status = models.StatusRunning
	job.StartedAt = &started
	job.Attempts++
	return copyJob(job), true, nil
}

func (m *Memory) RequeueJob(_ context.Context, id string, runAfter time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok && job.Status == models.StatusRunning {
		job.Status = models.StatusQueued
		job.RunAfter = &runAfter
		job.Error = &errMsg
		job.StartedAt = nil
		job.FinishedAt = nil
		job.Result = nil
	}
	return nil
}

func (m *Memory) CompleteJob(_ context.Context, id string, result json.RawMessage, now time.Time) error {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok && job.Status == models.StatusRunning {
		job.Status = models.StatusSucceeded
		job.Result = append(json.RawMessage(nil), result...)
		job.Error = nil
		job.FinishedAt = &now
	}
	return nil
}

func (m *Memory) FailJob(_ context.Context, id string, errMsg string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok && job.Status == models.StatusRunning {
		job.Status = models.StatusFailed
		job.Error = &errMsg
		job.Result = nil
		job.FinishedAt = &now
	}
	return nil
}

// SetJobState overwrites scheduling fields of a job. Test fixtures use it to stage
// jobs that look abandoned or delayed.
func (m *Memory) SetJobState(id, status string, startedAt, runAfter *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[id]; ok {
		job.Status = status
		job.StartedAt = startedAt
		job.RunAfter = runAfter
	}
}

// ListJobs returns every job of a user, oldest first.
func (m *Memory) ListJobs(userID string) []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, job := range m.jobs {
		if job.UserID == userID {
			out = append(out, copyJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func copyJob(j *models.Job) models.Job {
	out := *j
	out.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.Result != nil {
		out.Result = append(json.RawMessage(nil), j.Result...)
	}
	return out
}

// Credits

func (m *Memory) EnsureAccount(_ context.Context, a models.CreditAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.UserID]; !ok {
		acc := a
		m.accounts[a.UserID] = &acc
	}
	return nil
}

func (m *Memory) GetAccount(_ context.Context, userID string) (models.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[userID]
	if !ok {
		return models.CreditAccount{}, ErrNotFound
	}
	return *acc, nil
}

func (m *Memory) ApplyMonthlyGrant(_ context.Context, userID string, due, next time.Time, entryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[userID]
	if !ok || !acc.ResetAt.Equal(due) {
		return false, nil
	}
	acc.Balance += acc.MonthlyGrant
	acc.ResetAt = next
	if acc.MonthlyGrant > 0 {
		m.ledger = append(m.ledger, models.LedgerEntry{
			ID: entryID, UserID: userID, Delta: acc.MonthlyGrant, Reason: models.ReasonMonthlyGrant, CreatedAt: time.Now().UTC(),
		})
	}
	return true, nil
}

func (m *Memory) SpendCredits(_ context.Context, p models.Spend) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.JobID != "" {
		for _, e := range m.ledger {
			if e.JobID != nil && *e.JobID == p.JobID && e.Delta < 0 {
				return true, nil
			}
		}
	}
	acc, ok := m.accounts[p.UserID]
	if !ok || acc.Balance < p.Amount {
		return false, nil
	}
	acc.Balance -= p.Amount
	m.ledger = append(m.ledger, models.LedgerEntry{
		ID: p.EntryID, UserID: p.UserID, Delta: -p.Amount, Reason: p.Reason,
		JobID: emptyToNil(p.JobID), ItemID: emptyToNil(p.ItemID), CreatedAt: time.Now().UTC(),
	})
	return true, nil
}

func (m *Memory) GrantCredits(_ context.Context, p models.Grant) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ExternalRef != "" {
		for _, e := range m.ledger {
			if e.ExternalRef != nil && *e.ExternalRef == p.ExternalRef {
				return false, nil
			}
		}
	}
	acc, ok := m.accounts[p.UserID]
	if !ok {
		return false, ErrNotFound
	}
	acc.Balance += p.Amount
	m.ledger = append(m.ledger, models.LedgerEntry{
		ID: p.EntryID, UserID: p.UserID, Delta: p.Amount, Reason: p.Reason,
		ExternalRef: emptyToNil(p.ExternalRef), CreatedAt: time.Now().UTC(),
	})
	return true, nil
}

func (m *Memory) RefundJobCredits(_ context.Context, userID, jobID, entryID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var debit *models.LedgerEntry
	for i := range m.ledger {
		e := &m.ledger[i]
		if e.JobID == nil || *e.JobID != jobID || e.UserID != userID {
			continue
		}
		if e.Reason == models.ReasonRefund {
			return 0, nil
		}
		if e.Delta < 0 {
			debit = e
		}
	}
	acc, ok := m.accounts[userID]
	if debit == nil || !ok {
		return 0, nil
	}
	amount := -debit.Delta
	acc.Balance += amount
	m.ledger = append(m.ledger, models.LedgerEntry{
		ID: entryID, UserID: userID, Delta: amount, Reason: models.ReasonRefund,
		JobID: emptyToNil(jobID), ItemID: debit.ItemID, CreatedAt: time.Now().UTC(),
	})
	return amount, nil
}

func (m *Memory) ListLedger(_ context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.LedgerEntry{}
	for i := len(m.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if m.ledger[i].UserID == userID {
			out = append(out, m.ledger[i])
		}
	}
	return out, nil
}

func (m *Memory) ListDueAccounts(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, acc := range m.accounts {
		if !acc.ResetAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *Memory) SetStripeCustomer(_ context.Context, userID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[userID]
	if !ok {
		return ErrNotFound
	}
	acc.StripeCustomerID = &customerID
	return nil
}

func (m *Memory) SyncPlan(_ context.Context, userID string, p models.PlanSync) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[userID]
	if !ok {
		return ErrNotFound
	}
	acc.Plan = p.Plan
	acc.MonthlyGrant = p.MonthlyGrant
	acc.StripeSubscriptionID = emptyToNil(p.SubscriptionID)
	acc.StripeSubscriptionStatus = emptyToNil(p.SubscriptionStatus)
	return nil
}

func (m *Memory) FindUserByStripeCustomer(_ context.Context, customerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, acc := range m.accounts {
		if acc.StripeCustomerID != nil && *acc.StripeCustomerID == customerID {
			return id, nil
		}
	}
	return "", ErrNotFound
}

// Idempotency

func (m *Memory) GetIdempotencyRecord(_ context.Context, userID, key string) (models.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idem[userID+"\x00"+key]
	if !ok {
		return models.IdempotencyRecord{}, ErrNotFound
	}
	rec.ResponseJSON = append([]byte(nil), rec.ResponseJSON...)
	return rec, nil
}

func (m *Memory) PutIdempotencyRecord(_ context.Context, rec models.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ResponseJSON = append([]byte(nil), rec.ResponseJSON...)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.idem[rec.UserID+"\x00"+rec.Key] = rec
	return nil
}

// PutRawIdempotencyRecord stores a record as-is; used to stage corrupted rows in tests.
func (m *Memory) PutRawIdempotencyRecord(rec models.IdempotencyRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idem[rec.UserID+"\x00"+rec.Key] = rec
}

// Webhook events

func (m *Memory) WebhookEventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.events[eventID]
	return ok, nil
}

func (m *Memory) RecordWebhookEvent(_ context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; !ok {
		m.events[eventID] = at
	}
	return nil
}

// WebhookEventCount returns how many events have been recorded.
func (m *Memory) WebhookEventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// Items

func (m *Memory) CreateItem(_ context.Context, p models.NewItem) (models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	item := &models.Item{
		ID:           uuid.New().String(),
		UserID:       p.UserID,
		SourceType:   p.SourceType,
		URL:          p.URL,
		CanonicalURL: p.CanonicalURL,
		FilePath:     p.FilePath,
		MimeType:     p.MimeType,
		Title:        p.Title,
		RawText:      p.RawText,
		CleanedText:  p.RawText,
		Status:       models.ItemCaptured,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.items[item.ID] = item
	return copyItem(item), nil
}

func (m *Memory) GetItem(_ context.Context, id string) (models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return models.Item{}, ErrNotFound
	}
	return copyItem(item), nil
}

func (m *Memory) FindItemByCanonicalURL(_ context.Context, userID, canonical string) (models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Item
	for _, item := range m.items {
		if item.UserID == userID && item.CanonicalURL == canonical {
			if found == nil || item.CreatedAt.Before(found.CreatedAt) {
				found = item
			}
		}
	}
	if found == nil {
		return models.Item{}, ErrNotFound
	}
	return copyItem(found), nil
}

func (m *Memory) ClearItemError(_ context.Context, id string) error {
	return m.updateItem(id, func(item *models.Item) {
		item.Error = nil
		if item.Status == models.ItemFailed {
			item.Status = models.ItemCaptured
		}
	})
}

func (m *Memory) MarkItemFailed(_ context.Context, id, msg string) error {
	return m.updateItem(id, func(item *models.Item) {
		item.Status = models.ItemFailed
		item.Error = &msg
	})
}

func (m *Memory) SetItemError(_ context.Context, id, msg string) error {
	return m.updateItem(id, func(item *models.Item) { item.Error = &msg })
}

func (m *Memory) SaveExtraction(_ context.Context, id string, e models.Extraction) error {
	return m.updateItem(id, func(item *models.Item) {
		if item.Title == "" {
			item.Title = e.Title
		}
		item.RawText = e.RawText
		item.CleanedText = e.CleanedText
		item.Status = models.ItemExtracted
		item.Error = nil
	})
}

func (m *Memory) SaveEnrichment(_ context.Context, id string, e models.Enrichment) error {
	return m.updateItem(id, func(item *models.Item) {
		if e.Summary != "" {
			item.Summary = e.Summary
		}
		if e.SuggestedTitle != "" {
			item.SuggestedTitle = e.SuggestedTitle
		}
		if e.Quotes != nil {
			item.Quotes = append([]models.Quote(nil), e.Quotes...)
		}
		item.Tags = append([]string(nil), e.Tags...)
		sort.Strings(item.Tags)
		item.Status = models.ItemEnriched
		item.Error = nil
	})
}

func (m *Memory) SetItemThumbnail(_ context.Context, id, url string) error {
	return m.updateItem(id, func(item *models.Item) { item.ThumbnailURL = url })
}

// ItemCount returns how many items a user owns.
func (m *Memory) ItemCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, item := range m.items {
		if item.UserID == userID {
			n++
		}
	}
	return n
}

func (m *Memory) updateItem(id string, fn func(*models.Item)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	fn(item)
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func copyItem(i *models.Item) models.Item {
	out := *i
	out.Quotes = append([]models.Quote(nil), i.Quotes...)
	out.Tags = append([]string(nil), i.Tags...)
	return out
}
