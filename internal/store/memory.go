package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletledger/internal/domain"
)

// Memory is an in-process Store used by tests and by STORE_DRIVER=memory.
// Ledger postings take per-account locks in the same global order as the
// Postgres row locks; mu guards the maps and is never held while waiting for
// an account lock.
type Memory struct {
	currency string

	mu            sync.Mutex
	accounts      map[uuid.UUID]*memAccount
	byOwner       map[string]uuid.UUID
	transactions  map[string]*domain.Transaction
	entries       []domain.LedgerEntry
	requests      map[uuid.UUID]*domain.MoneyRequest
	settings      map[string]float64
	nextEntryID   int64
	bankAccountID uuid.UUID

	now func() time.Time
}

type memAccount struct {
	lock sync.Mutex
	acc  domain.Account
}

func NewMemory(currency string) *Memory {
	m := &Memory{
		currency:     currency,
		accounts:     make(map[uuid.UUID]*memAccount),
		byOwner:      make(map[string]uuid.UUID),
		transactions: make(map[string]*domain.Transaction),
		requests:     make(map[uuid.UUID]*domain.MoneyRequest),
		settings:     make(map[string]float64),
		now:          time.Now,
	}
	bank := m.getOrCreate(domain.ExternalBankOwner, domain.AccountKindSystem)
	m.bankAccountID = bank.ID
	return m
}

// SetClock overrides the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetRiskSetting mirrors an operator update of the risk_settings table.
func (m *Memory) SetRiskSetting(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[name] = value
}

// BankAccountID returns the external bank counter-account.
func (m *Memory) BankAccountID() uuid.UUID { return m.bankAccountID }

// Accounts

func (m *Memory) getOrCreate(ownerID string, kind domain.AccountKind) domain.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byOwner[ownerID]; ok {
		return m.accounts[id].acc
	}
	a := &memAccount{acc: domain.Account{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Currency:  m.currency,
		Kind:      kind,
		CreatedAt: m.now(),
	}}
	m.accounts[a.acc.ID] = a
	m.byOwner[ownerID] = a.acc.ID
	return a.acc
}

func (m *Memory) GetOrCreateAccount(ctx context.Context, ownerID string) (*domain.Account, error) {
	a := m.getOrCreate(ownerID, domain.AccountKindUser)
	return &a, nil
}

func (m *Memory) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	acc := a.acc
	return &acc, nil
}

func (m *Memory) GetAccountByOwner(ctx context.Context, ownerID string) (*domain.Account, error) {
	m.mu.Lock()
	id, ok := m.byOwner[ownerID]
	m.mu.Unlock()
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return m.GetAccount(ctx, id)
}

func (m *Memory) GetBalance(ctx context.Context, id uuid.UUID) (int64, error) {
	a, err := m.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

func (m *Memory) VerifyBalance(ctx context.Context, id uuid.UUID) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return 0, 0, domain.ErrAccountNotFound
	}
	var sum int64
	for _, e := range m.entries {
		if e.AccountID == id {
			sum += e.Amount
		}
	}
	return a.acc.Balance, sum, nil
}

// Ledger

func (m *Memory) AppendTransfer(ctx context.Context, p domain.Posting) (*domain.PostingResult, error) {
	return m.post(ctx, p, true)
}

func (m *Memory) AppendCredit(ctx context.Context, p domain.Posting) (*domain.PostingResult, error) {
	p.From = m.bankAccountID
	return m.post(ctx, p, false)
}

func (m *Memory) AppendDebit(ctx context.Context, p domain.Posting) (*domain.PostingResult, error) {
	p.To = m.bankAccountID
	return m.post(ctx, p, true)
}

func (m *Memory) post(ctx context.Context, p domain.Posting, checkFunds bool) (*domain.PostingResult, error) {
	if p.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if p.From == p.To {
		return nil, domain.ErrSameAccount
	}

	m.mu.Lock()
	from, okFrom := m.accounts[p.From]
	to, okTo := m.accounts[p.To]
	m.mu.Unlock()
	if !okFrom || !okTo {
		return nil, domain.ErrAccountNotFound
	}

	firstID, _ := lockOrder(p.From, p.To)
	first, second := from, to
	if firstID != p.From {
		first, second = to, from
	}
	first.lock.Lock()
	defer first.lock.Unlock()
	second.lock.Lock()
	defer second.lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[p.TransactionID]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	if t.Status == domain.StatusCompleted {
		return replayResult(m.entriesFor(p.TransactionID), p)
	}
	if !domain.CanTransition(t.Status, domain.StatusCompleted) {
		return nil, domain.ErrInvalidStateTransition
	}

	now := m.now()
	if checkFunds && from.acc.Balance < p.Amount {
		t.Status = domain.StatusFailed
		t.FailureReason = ptr(ReasonInsufficientFunds)
		t.UpdatedAt = now
		return nil, domain.ErrInsufficientFunds
	}

	from.acc.Balance -= p.Amount
	to.acc.Balance += p.Amount
	m.nextEntryID++
	m.entries = append(m.entries, domain.LedgerEntry{
		ID: m.nextEntryID, AccountID: p.From, Amount: -p.Amount, BalanceAfter: from.acc.Balance,
		TransactionID: p.TransactionID, Description: p.Description, CreatedAt: now,
	})
	m.nextEntryID++
	m.entries = append(m.entries, domain.LedgerEntry{
		ID: m.nextEntryID, AccountID: p.To, Amount: p.Amount, BalanceAfter: to.acc.Balance,
		TransactionID: p.TransactionID, Description: p.Description, CreatedAt: now,
	})
	t.Status = domain.StatusCompleted
	t.FailureReason = nil
	t.UpdatedAt = now

	return &domain.PostingResult{SenderBalance: from.acc.Balance, RecipientBalance: to.acc.Balance}, nil
}

func (m *Memory) entriesFor(transactionID string) []domain.LedgerEntry {
	var out []domain.LedgerEntry
	for _, e := range m.entries {
		if e.TransactionID == transactionID {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) EntriesForTransaction(ctx context.Context, transactionID string) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entriesFor(transactionID), nil
}

func (m *Memory) ListEntries(ctx context.Context, accountID uuid.UUID) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		return nil, domain.ErrAccountNotFound
	}
	var out []domain.LedgerEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].AccountID == accountID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

// Transactions

func (m *Memory) CreateTransaction(ctx context.Context, t *domain.Transaction) (*domain.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.transactions[t.ID]; ok {
		if existing.RequestHash != t.RequestHash {
			return nil, false, domain.ErrIdempotencyConflict
		}
		cp := *existing
		return &cp, false, nil
	}
	stored := *t
	now := m.now()
	stored.CreatedAt, stored.UpdatedAt = now, now
	m.transactions[t.ID] = &stored
	cp := stored
	return &cp, true, nil
}

func (m *Memory) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) UpdateTransactionStatus(ctx context.Context, id string, u StatusUpdate) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	if u.Status == domain.StatusCompleted || !domain.CanTransition(t.Status, u.Status) {
		return nil, domain.ErrInvalidStateTransition
	}
	t.Status = u.Status
	t.IsRisky = t.IsRisky || u.IsRisky
	if u.RiskReason != nil {
		t.RiskReason = u.RiskReason
	}
	if u.FailureReason != nil {
		t.FailureReason = u.FailureReason
	}
	t.UpdatedAt = m.now()
	cp := *t
	return &cp, nil
}

func (m *Memory) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Transaction
	for _, t := range m.transactions {
		if touches(t, accountID) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func touches(t *domain.Transaction, accountID uuid.UUID) bool {
	return (t.SenderAccountID != nil && *t.SenderAccountID == accountID) ||
		(t.RecipientAccountID != nil && *t.RecipientAccountID == accountID)
}

func (m *Memory) PendingOutgoingTotal(ctx context.Context, accountID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, t := range m.transactions {
		if t.Status == domain.StatusPendingConfirmation && t.SenderAccountID != nil && *t.SenderAccountID == accountID {
			total += t.Amount
		}
	}
	return total, nil
}

func (m *Memory) HasCompletedTransfer(ctx context.Context, from, to uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transactions {
		if t.Type == domain.TransactionSend && t.Status == domain.StatusCompleted &&
			t.SenderAccountID != nil && *t.SenderAccountID == from &&
			t.RecipientAccountID != nil && *t.RecipientAccountID == to {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ListPendingConfirmationBefore(ctx context.Context, before time.Time, limit int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Transaction
	for _, t := range m.transactions {
		if t.Status == domain.StatusPendingConfirmation && t.CreatedAt.Before(before) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Money requests

func (m *Memory) CreateRequest(ctx context.Context, r *domain.MoneyRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return domain.ErrIdempotencyConflict
	}
	stored := *r
	stored.UpdatedAt = stored.CreatedAt
	m.requests[r.ID] = &stored
	return nil
}

func (m *Memory) GetRequest(ctx context.Context, id uuid.UUID) (*domain.MoneyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, domain.ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ResolveRequest(ctx context.Context, id uuid.UUID, to domain.RequestStatus, linkedTransactionID *string) (*domain.MoneyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, domain.ErrRequestNotFound
	}
	if r.Status != domain.RequestPending {
		return nil, domain.ErrInvalidRequestState
	}
	now := m.now()
	r.Status = to
	r.LinkedTransactionID = linkedTransactionID
	r.RespondedAt = &now
	r.UpdatedAt = now
	cp := *r
	return &cp, nil
}

func (m *Memory) ListRequests(ctx context.Context, accountID uuid.UUID) ([]domain.MoneyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MoneyRequest
	for _, r := range m.requests {
		if r.RequesterAccountID == accountID || r.RequestedFromAccountID == accountID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListPendingRequestsBefore(ctx context.Context, before time.Time, limit int) ([]domain.MoneyRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MoneyRequest
	for _, r := range m.requests {
		if r.Status == domain.RequestPending && r.CreatedAt.Before(before) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Risk settings

func (m *Memory) LoadRiskSettings(ctx context.Context) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.settings))
	for k, v := range m.settings {
		out[k] = v
	}
	return out, nil
}
