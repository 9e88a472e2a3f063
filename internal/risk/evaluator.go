// Package risk decides whether a peer transfer completes immediately, waits
// for the sender's confirmation, or is blocked.
package risk

import (
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletledger/internal/domain"
)

type Decision string

const (
	Allow  Decision = "allow"
	Review Decision = "review"
	Block  Decision = "block"
)

// Status maps a decision to the transaction status it produces.
func (d Decision) Status() domain.TransactionStatus {
	switch d {
	case Review:
		return domain.StatusPendingConfirmation
	case Block:
		return domain.StatusBlocked
	default:
		return domain.StatusCompleted
	}
}

// Reasons attached to risky transactions.
const (
	ReasonLargeAmountNewRecipient = "large_amount_new_recipient"
	ReasonLargeAmount             = "large_amount"
	ReasonBlockUnknownRecipient   = "amount_exceeds_block_threshold_unknown_recipient"
)

// Input is everything the policy looks at for one transfer.
type Input struct {
	SenderAccountID            uuid.UUID
	RecipientAccountID         uuid.UUID
	Amount                     int64
	IsFirstTransferToRecipient bool
	RecipientAccountAge        time.Duration
}

type Result struct {
	Decision Decision
	Reason   string
}

// Evaluate applies the policy to in using the settings snapshot s. It is pure.
func Evaluate(s Settings, in Input) Result {
	unknownRecipient := in.IsFirstTransferToRecipient ||
		(s.NewAccountAge > 0 && in.RecipientAccountAge < s.NewAccountAge)

	if s.BlockThreshold > 0 && in.Amount > s.BlockThreshold && unknownRecipient {
		return Result{Decision: Block, Reason: ReasonBlockUnknownRecipient}
	}

	if s.ReviewThreshold > 0 && in.Amount > s.ReviewThreshold {
		if in.IsFirstTransferToRecipient {
			return Result{Decision: Review, Reason: ReasonLargeAmountNewRecipient}
		}
		if !s.ReviewFirstTransferOnly {
			return Result{Decision: Review, Reason: ReasonLargeAmount}
		}
	}

	return Result{Decision: Allow}
}
