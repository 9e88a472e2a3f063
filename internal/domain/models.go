package domain

import (
	"time"

	"github.com/google/uuid"
)

// AccountKind separates customer wallets from internal counter-accounts.
type AccountKind string

const (
	AccountKindUser   AccountKind = "user"
	AccountKindSystem AccountKind = "system"
)

// ExternalBankOwner owns the counter-account for deposits and withdrawals.
// Its balance is allowed to go negative.
const ExternalBankOwner = "system:external_bank"

// Account is a user's wallet. Balance is a cache of the sum of its ledger
// entries and is only ever changed together with those entries.
type Account struct {
	ID        uuid.UUID   `json:"id"`
	OwnerID   string      `json:"owner_id"`
	Currency  string      `json:"currency"`
	Kind      AccountKind `json:"kind"`
	Balance   int64       `json:"balance"`
	CreatedAt time.Time   `json:"created_at"`
}

// LedgerEntry represents one leg of a double-entry posting.
// The sum of Amounts for a given TransactionID must always equal 0.
type LedgerEntry struct {
	ID            int64     `json:"id"`
	AccountID     uuid.UUID `json:"account_id"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balance_after"`
	TransactionID string    `json:"transaction_id"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type TransactionType string

const (
	TransactionSend       TransactionType = "send"
	TransactionDeposit    TransactionType = "deposit"
	TransactionWithdrawal TransactionType = "withdrawal"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionSend, TransactionDeposit, TransactionWithdrawal:
		return true
	}
	return false
}

type TransactionStatus string

const (
	StatusCreated             TransactionStatus = "created"
	StatusCompleted           TransactionStatus = "completed"
	StatusPendingConfirmation TransactionStatus = "pending_confirmation"
	StatusBlocked             TransactionStatus = "blocked"
	StatusFailed              TransactionStatus = "failed"
	StatusCancelled           TransactionStatus = "cancelled"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusCompleted, StatusPendingConfirmation, StatusBlocked, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusBlocked, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	StatusCreated:             {StatusCompleted, StatusPendingConfirmation, StatusBlocked, StatusFailed},
	StatusPendingConfirmation: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal edge of the
// transaction state machine.
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range transactionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type WithdrawalSpeed string

const (
	SpeedStandard WithdrawalSpeed = "standard"
	SpeedInstant  WithdrawalSpeed = "instant"
)

func (s WithdrawalSpeed) Valid() bool {
	return s == SpeedStandard || s == SpeedInstant
}

// Transaction is the record of one user-initiated monetary intent. ID is the
// caller-supplied idempotency key.
type Transaction struct {
	ID                 string            `json:"id"`
	Type               TransactionType   `json:"type"`
	Amount             int64             `json:"amount"`
	Fee                int64             `json:"fee"`
	SenderAccountID    *uuid.UUID        `json:"sender_account_id,omitempty"`
	RecipientAccountID *uuid.UUID        `json:"recipient_account_id,omitempty"`
	Status             TransactionStatus `json:"status"`
	IsRisky            bool              `json:"is_risky"`
	RiskReason         *string           `json:"risk_reason,omitempty"`
	FailureReason      *string           `json:"failure_reason,omitempty"`
	Description        string            `json:"description"`
	BankRef            *string           `json:"bank_ref,omitempty"`
	Speed              *WithdrawalSpeed  `json:"speed,omitempty"`
	EstimatedArrival   *time.Time        `json:"estimated_arrival,omitempty"`
	RequestHash        string            `json:"-"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestDeclined  RequestStatus = "declined"
	RequestCancelled RequestStatus = "cancelled"
)

func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestAccepted, RequestDeclined, RequestCancelled:
		return true
	}
	return false
}

// MoneyRequest asks RequestedFrom to pay Requester. LinkedTransactionID is set
// if and only if Status is accepted.
type MoneyRequest struct {
	ID                     uuid.UUID     `json:"id"`
	RequesterAccountID     uuid.UUID     `json:"requester_account_id"`
	RequestedFromAccountID uuid.UUID     `json:"requested_from_account_id"`
	Amount                 int64         `json:"amount"`
	Note                   *string       `json:"note,omitempty"`
	Status                 RequestStatus `json:"status"`
	LinkedTransactionID    *string       `json:"linked_transaction_id,omitempty"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
	RespondedAt            *time.Time    `json:"responded_at,omitempty"`
}

// Posting is the input of a ledger append. For single-account credits and
// debits only the wallet side is set; the store fills in the counter-account.
type Posting struct {
	TransactionID string
	From          uuid.UUID
	To            uuid.UUID
	Amount        int64
	Description   string
}

// PostingResult carries the balances of both legs after the posting.
type PostingResult struct {
	SenderBalance    int64 `json:"sender_balance"`
	RecipientBalance int64 `json:"recipient_balance"`
	Replayed         bool  `json:"-"`
}

// Balance is the wallet view returned to clients. Pending is the sum of
// outgoing sends held for confirmation; those funds have not left Available.
type Balance struct {
	AccountID uuid.UUID `json:"account_id"`
	Currency  string    `json:"currency"`
	Available int64     `json:"available"`
	Pending   int64     `json:"pending"`
}
