package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/punchamoorthee/walletledger/internal/domain"
	"github.com/punchamoorthee/walletledger/internal/store"
	"github.com/robfig/cron/v3"
)

const sweepBatch = 100

// SweepResult counts what one expiry pass cancelled.
type SweepResult struct {
	Transactions int
	Requests     int
}

// ExpireStale cancels transfers left in pending_confirmation and money
// requests left pending for longer than ttl. Items resolved concurrently are
// skipped.
func (s *Service) ExpireStale(ctx context.Context, ttl time.Duration) (SweepResult, error) {
	var res SweepResult
	if ttl <= 0 {
		return res, nil
	}
	cutoff := s.now().Add(-ttl)

	txs, err := s.store.ListPendingConfirmationBefore(ctx, cutoff, sweepBatch)
	if err != nil {
		return res, err
	}
	reason := ReasonExpired
	for _, t := range txs {
		updated, err := s.store.UpdateTransactionStatus(ctx, t.ID, store.StatusUpdate{
			Status:        domain.StatusCancelled,
			FailureReason: &reason,
		})
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			continue
		}
		if err != nil {
			return res, err
		}
		res.Transactions++
		expiredTotal.WithLabelValues("transaction").Inc()
		s.publishTransaction(ctx, updated)
	}

	reqs, err := s.store.ListPendingRequestsBefore(ctx, cutoff, sweepBatch)
	if err != nil {
		return res, err
	}
	for _, r := range reqs {
		if _, err := s.CancelRequest(ctx, r.ID); err != nil {
			if errors.Is(err, domain.ErrInvalidRequestState) {
				continue
			}
			return res, err
		}
		res.Requests++
		expiredTotal.WithLabelValues("request").Inc()
	}
	return res, nil
}

// ExpiryScheduler runs ExpireStale on a cron schedule.
type ExpiryScheduler struct {
	cron     *cron.Cron
	svc      *Service
	ttl      time.Duration
	schedule string
	logger   *slog.Logger
}

func NewExpiryScheduler(svc *Service, schedule string, ttl time.Duration, logger *slog.Logger) *ExpiryScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &ExpiryScheduler{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		svc:      svc,
		ttl:      ttl,
		schedule: schedule,
		logger:   logger.With("component", "expiry"),
	}
}

// Start registers the sweep and starts the scheduler. A zero ttl disables it.
func (e *ExpiryScheduler) Start() error {
	if e.ttl <= 0 {
		e.logger.Info("pending expiry disabled")
		return nil
	}
	if _, err := e.cron.AddFunc(e.schedule, e.run); err != nil {
		return err
	}
	e.logger.Info("scheduled pending expiry", "schedule", e.schedule, "ttl", e.ttl)
	e.cron.Start()
	return nil
}

func (e *ExpiryScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	res, err := e.svc.ExpireStale(ctx, e.ttl)
	if err != nil {
		e.logger.Error("expiry sweep failed", "err", err)
		return
	}
	if res.Transactions > 0 || res.Requests > 0 {
		e.logger.Info("expiry sweep", "transactions", res.Transactions, "requests", res.Requests)
	}
}

// Stop waits for a running sweep to finish.
func (e *ExpiryScheduler) Stop() context.Context {
	return e.cron.Stop()
}
