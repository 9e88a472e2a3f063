// Package bank is the boundary to the external bank network. The network is
// simulated: a call either succeeds or fails as a whole.
package bank

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidBankRef = errors.New("bank reference is required")

// Network moves funds between a wallet and the owner's bank account.
type Network interface {
	// Pull collects amount from the bank account identified by ref.
	Pull(ctx context.Context, ref string, amount int64) (Receipt, error)
	// Push pays amount out to the bank account identified by ref.
	Push(ctx context.Context, ref string, amount int64, instant bool) (Receipt, error)
}

type Receipt struct {
	NetworkRef string
	AcceptedAt time.Time
}

// Simulated accepts every well-formed instruction.
type Simulated struct {
	Now func() time.Time
}

func (s Simulated) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Simulated) Pull(ctx context.Context, ref string, amount int64) (Receipt, error) {
	return s.accept(ctx, ref)
}

func (s Simulated) Push(ctx context.Context, ref string, amount int64, instant bool) (Receipt, error) {
	return s.accept(ctx, ref)
}

func (s Simulated) accept(ctx context.Context, ref string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if strings.TrimSpace(ref) == "" {
		return Receipt{}, ErrInvalidBankRef
	}
	return Receipt{NetworkRef: "sim_" + uuid.NewString(), AcceptedAt: s.now()}, nil
}

// ArrivalWindow returns the earliest and latest settlement time for a
// standard payout initiated at t: one to three business days.
func ArrivalWindow(t time.Time) (earliest, latest time.Time) {
	return addBusinessDays(t, 1), addBusinessDays(t, 3)
}

func addBusinessDays(t time.Time, days int) time.Time {
	for days > 0 {
		t = t.AddDate(0, 0, 1)
		if wd := t.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days--
		}
	}
	return t
}
