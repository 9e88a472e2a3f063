// Package models holds the JSON shapes of the HTTP API. Amounts are integers
// in minor currency units.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletledger/internal/domain"
)

// TransferRequest is the payload of POST /transfers. The Idempotency-Key
// header becomes the transaction id.
type TransferRequest struct {
	To          string `json:"to"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// MoneyRequestCreate is the payload of POST /requests.
type MoneyRequestCreate struct {
	From   string  `json:"from"`
	Amount int64   `json:"amount"`
	Note   *string `json:"note,omitempty"`
}

type DepositRequest struct {
	Amount  int64  `json:"amount"`
	BankRef string `json:"bank_ref"`
}

type WithdrawalRequest struct {
	Amount  int64                  `json:"amount"`
	Speed   domain.WithdrawalSpeed `json:"speed"`
	BankRef string                 `json:"bank_ref"`
}

// AcceptResponse pairs a request with the transaction that paid it.
type AcceptResponse struct {
	Request     *domain.MoneyRequest `json:"request"`
	Transaction *domain.Transaction  `json:"transaction,omitempty"`
}

// VerifyResponse is the ledger audit of one account.
type VerifyResponse struct {
	AccountID     uuid.UUID `json:"account_id"`
	CachedBalance int64     `json:"cached_balance"`
	LedgerBalance int64     `json:"ledger_balance"`
	Consistent    bool      `json:"consistent"`
	CheckedAt     time.Time `json:"checked_at"`
}

// ErrorResponse is the body of every non-2xx response. Transaction is set
// when the failed call still recorded one, e.g. a blocked transfer.
type ErrorResponse struct {
	Error       string              `json:"error"`
	Reason      string              `json:"reason,omitempty"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
}
