package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/walletledger/internal/domain"
)

// Postgres is the production Store. Every ledger mutation runs in a single
// repeatable-read transaction that locks account rows in id order.
type Postgres struct {
	Db          *pgxpool.Pool
	currency    string
	lockTimeout time.Duration
	maxRetries  int
	logger      *slog.Logger

	bankAccountID uuid.UUID
}

type PostgresOptions struct {
	Currency    string
	LockTimeout time.Duration
	MaxRetries  int
	Logger      *slog.Logger
}

func NewPostgres(ctx context.Context, connString string, opts PostgresOptions) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Postgres{
		Db:          pool,
		currency:    opts.Currency,
		lockTimeout: opts.LockTimeout,
		maxRetries:  opts.MaxRetries,
		logger:      opts.Logger.With("component", "store"),
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	bank, err := s.getOrCreate(ctx, domain.ExternalBankOwner, domain.AccountKindSystem)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap external bank account: %w", err)
	}
	s.bankAccountID = bank.ID
	return s, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

// Accounts

const accountColumns = "id, owner_id, currency, kind, balance, created_at"

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	var kind string
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Currency, &kind, &a.Balance, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	a.Kind = domain.AccountKind(kind)
	return &a, nil
}

func (s *Postgres) GetOrCreateAccount(ctx context.Context, ownerID string) (*domain.Account, error) {
	return s.getOrCreate(ctx, ownerID, domain.AccountKindUser)
}

func (s *Postgres) getOrCreate(ctx context.Context, ownerID string, kind domain.AccountKind) (*domain.Account, error) {
	// ON CONFLICT keeps exactly one account per owner under concurrent creation.
	_, err := s.Db.Exec(ctx,
		"INSERT INTO accounts (id, owner_id, currency, kind) VALUES ($1, $2, $3, $4) ON CONFLICT (owner_id) DO NOTHING",
		uuid.New(), ownerID, s.currency, string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("account insert failed: %w", err)
	}
	return s.GetAccountByOwner(ctx, ownerID)
}

func (s *Postgres) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return scanAccount(s.Db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
}

func (s *Postgres) GetAccountByOwner(ctx context.Context, ownerID string) (*domain.Account, error) {
	return scanAccount(s.Db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE owner_id = $1", ownerID))
}

func (s *Postgres) GetBalance(ctx context.Context, id uuid.UUID) (int64, error) {
	var balance int64
	err := s.Db.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1", id).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrAccountNotFound
	}
	return balance, err
}

func (s *Postgres) VerifyBalance(ctx context.Context, id uuid.UUID) (int64, int64, error) {
	var cached, ledger int64
	err := s.Db.QueryRow(ctx,
		`SELECT a.balance, COALESCE((SELECT SUM(amount) FROM ledger_entries WHERE account_id = a.id), 0)
		 FROM accounts a WHERE a.id = $1`, id,
	).Scan(&cached, &ledger)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, domain.ErrAccountNotFound
	}
	return cached, ledger, err
}

// Ledger

func (s *Postgres) AppendTransfer(ctx context.Context, p domain.Posting) (*domain.PostingResult, error) {
	return s.post(ctx, p, true)
}

func (s *Postgres) AppendCredit(ctx context.Context, p domain.Posting) (*domain.PostingResult, error) {
	p.From = s.bankAccountID
	return s.post(ctx, p, false)
}

func (s *Postgres) AppendDebit(ctx context.Context, p domain.Posting) (*domain.PostingResult, error) {
	p.To = s.bankAccountID
	return s.post(ctx, p, true)
}

// post writes both legs of p, updates the cached balances and finalizes the
// transaction row, all in one database transaction.
func (s *Postgres) post(ctx context.Context, p domain.Posting, checkFunds bool) (*domain.PostingResult, error) {
	if p.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if p.From == p.To {
		return nil, domain.ErrSameAccount
	}

	var result *domain.PostingResult
	var outcome error
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		result, outcome = nil, nil

		// 1. Lock the transaction row; it serializes retries of the same key.
		var status string
		err := tx.QueryRow(ctx, "SELECT status FROM transactions WHERE id = $1 FOR UPDATE", p.TransactionID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrTransactionNotFound
		}
		if err != nil {
			return fmt.Errorf("transaction lock failed: %w", err)
		}

		// 2. Idempotent replay
		if domain.TransactionStatus(status) == domain.StatusCompleted {
			entries, err := entriesForTransaction(ctx, tx, p.TransactionID)
			if err != nil {
				return err
			}
			result, err = replayResult(entries, p)
			return err
		}
		if !domain.CanTransition(domain.TransactionStatus(status), domain.StatusCompleted) {
			return domain.ErrInvalidStateTransition
		}

		// 3. Deterministic locking (deadlock prevention)
		first, second := lockOrder(p.From, p.To)
		balances := make(map[uuid.UUID]int64, 2)
		for _, id := range []uuid.UUID{first, second} {
			var balance int64
			err := tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1 FOR UPDATE", id).Scan(&balance)
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrAccountNotFound
			}
			if err != nil {
				return fmt.Errorf("lock acquisition failed: %w", err)
			}
			balances[id] = balance
		}

		// 4. Funds check, last thing before mutation
		if checkFunds && balances[p.From] < p.Amount {
			_, err := tx.Exec(ctx,
				"UPDATE transactions SET status = $1, failure_reason = $2, updated_at = now() WHERE id = $3",
				string(domain.StatusFailed), ReasonInsufficientFunds, p.TransactionID,
			)
			if err != nil {
				return fmt.Errorf("transaction fail update failed: %w", err)
			}
			outcome = domain.ErrInsufficientFunds
			return nil
		}

		// 5. Entries and balances
		fromAfter := balances[p.From] - p.Amount
		toAfter := balances[p.To] + p.Amount
		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_entries (account_id, amount, balance_after, transaction_id, description)
			 VALUES ($1, $2, $3, $7, $8), ($4, $5, $6, $7, $8)`,
			p.From, -p.Amount, fromAfter, p.To, p.Amount, toAfter, p.TransactionID, p.Description,
		)
		if err != nil {
			return fmt.Errorf("ledger entry failed: %w", err)
		}
		if _, err = tx.Exec(ctx, "UPDATE accounts SET balance = $1 WHERE id = $2", fromAfter, p.From); err != nil {
			return fmt.Errorf("sender balance update failed: %w", err)
		}
		if _, err = tx.Exec(ctx, "UPDATE accounts SET balance = $1 WHERE id = $2", toAfter, p.To); err != nil {
			return fmt.Errorf("recipient balance update failed: %w", err)
		}

		// 6. Finalize the transaction
		_, err = tx.Exec(ctx,
			"UPDATE transactions SET status = $1, failure_reason = NULL, updated_at = now() WHERE id = $2",
			string(domain.StatusCompleted), p.TransactionID,
		)
		if err != nil {
			return fmt.Errorf("transaction complete update failed: %w", err)
		}
		result = &domain.PostingResult{SenderBalance: fromAfter, RecipientBalance: toAfter}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return nil, outcome
	}
	return result, nil
}

// inTx runs fn in a repeatable-read transaction, retrying a bounded number of
// times on serialization failures, deadlocks and lock timeouts. Nothing has
// committed when a retry happens.
func (s *Postgres) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
		if attempt >= s.maxRetries {
			s.logger.Warn("ledger retries exhausted", "attempts", attempt+1, "err", err)
			return fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
		backoff := time.Duration(attempt+1) * 10 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (s *Postgres) runTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if s.lockTimeout > 0 {
		ms := s.lockTimeout.Milliseconds()
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)); err != nil {
			return fmt.Errorf("lock timeout setup failed: %w", err)
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const entryColumns = "id, account_id, amount, balance_after, transaction_id, description, created_at"

func scanEntries(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()
	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.BalanceAfter, &e.TransactionID, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("entry scan failed: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func entriesForTransaction(ctx context.Context, q interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
}, transactionID string) ([]domain.LedgerEntry, error) {
	rows, err := q.Query(ctx, "SELECT "+entryColumns+" FROM ledger_entries WHERE transaction_id = $1 ORDER BY id", transactionID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *Postgres) EntriesForTransaction(ctx context.Context, transactionID string) ([]domain.LedgerEntry, error) {
	return entriesForTransaction(ctx, s.Db, transactionID)
}

// ListEntries retrieves ledger entries for an account, newest first.
func (s *Postgres) ListEntries(ctx context.Context, accountID uuid.UUID) ([]domain.LedgerEntry, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	rows, err := s.Db.Query(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE account_id = $1 ORDER BY id DESC", accountID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// Transactions

const transactionColumns = `id, type, amount, fee, sender_account_id, recipient_account_id, status,
	is_risky, risk_reason, failure_reason, description, bank_ref, speed, estimated_arrival,
	request_hash, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var typ, status string
	var speed *string
	err := row.Scan(&t.ID, &typ, &t.Amount, &t.Fee, &t.SenderAccountID, &t.RecipientAccountID, &status,
		&t.IsRisky, &t.RiskReason, &t.FailureReason, &t.Description, &t.BankRef, &speed, &t.EstimatedArrival,
		&t.RequestHash, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, err
	}
	t.Type = domain.TransactionType(typ)
	t.Status = domain.TransactionStatus(status)
	if !t.Type.Valid() || !t.Status.Valid() {
		return nil, fmt.Errorf("transaction %s has unknown type %q or status %q", t.ID, typ, status)
	}
	if speed != nil {
		sp := domain.WithdrawalSpeed(*speed)
		t.Speed = &sp
	}
	return &t, nil
}

func scanTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateTransaction(ctx context.Context, t *domain.Transaction) (*domain.Transaction, bool, error) {
	if !t.Status.Valid() || !t.Type.Valid() {
		return nil, false, fmt.Errorf("invalid transaction type %q or status %q", t.Type, t.Status)
	}
	var speed *string
	if t.Speed != nil {
		speed = ptr(string(*t.Speed))
	}
	row := s.Db.QueryRow(ctx,
		`INSERT INTO transactions (id, type, amount, fee, sender_account_id, recipient_account_id, status,
			is_risky, risk_reason, description, bank_ref, speed, estimated_arrival, request_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING `+transactionColumns,
		t.ID, string(t.Type), t.Amount, t.Fee, t.SenderAccountID, t.RecipientAccountID, string(t.Status),
		t.IsRisky, t.RiskReason, t.Description, t.BankRef, speed, t.EstimatedArrival, t.RequestHash,
	)
	created, err := scanTransaction(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, domain.ErrTransactionNotFound) {
		return nil, false, fmt.Errorf("transaction insert failed: %w", err)
	}

	// The key already exists.
	existing, err := s.GetTransaction(ctx, t.ID)
	if err != nil {
		return nil, false, err
	}
	if existing.RequestHash != t.RequestHash {
		return nil, false, domain.ErrIdempotencyConflict
	}
	return existing, false, nil
}

func (s *Postgres) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return scanTransaction(s.Db.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id))
}

func (s *Postgres) UpdateTransactionStatus(ctx context.Context, id string, u StatusUpdate) (*domain.Transaction, error) {
	var updated *domain.Transaction
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, "SELECT status FROM transactions WHERE id = $1 FOR UPDATE", id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		// Completion is owned by the ledger; it must come with entries.
		if u.Status == domain.StatusCompleted || !domain.CanTransition(domain.TransactionStatus(status), u.Status) {
			return domain.ErrInvalidStateTransition
		}
		updated, err = scanTransaction(tx.QueryRow(ctx,
			`UPDATE transactions
			 SET status = $1, is_risky = is_risky OR $2, risk_reason = COALESCE($3, risk_reason),
			     failure_reason = COALESCE($4, failure_reason), updated_at = now()
			 WHERE id = $5
			 RETURNING `+transactionColumns,
			string(u.Status), u.IsRisky, u.RiskReason, u.FailureReason, id,
		))
		return err
	})
	return updated, err
}

// ListTransactions returns transactions touching the account, newest first.
func (s *Postgres) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.Db.Query(ctx,
		"SELECT "+transactionColumns+` FROM transactions
		 WHERE sender_account_id = $1 OR recipient_account_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func (s *Postgres) PendingOutgoingTotal(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var total int64
	err := s.Db.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE sender_account_id = $1 AND status = $2",
		accountID, string(domain.StatusPendingConfirmation),
	).Scan(&total)
	return total, err
}

func (s *Postgres) HasCompletedTransfer(ctx context.Context, from, to uuid.UUID) (bool, error) {
	var exists bool
	err := s.Db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM transactions
		 WHERE sender_account_id = $1 AND recipient_account_id = $2 AND type = $3 AND status = $4)`,
		from, to, string(domain.TransactionSend), string(domain.StatusCompleted),
	).Scan(&exists)
	return exists, err
}

func (s *Postgres) ListPendingConfirmationBefore(ctx context.Context, before time.Time, limit int) ([]domain.Transaction, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE status = $1 AND created_at < $2 ORDER BY created_at LIMIT $3",
		string(domain.StatusPendingConfirmation), before, limit)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

// Money requests

const requestColumns = `id, requester_account_id, requested_from_account_id, amount, note, status,
	linked_transaction_id, created_at, updated_at, responded_at`

func scanRequest(row pgx.Row) (*domain.MoneyRequest, error) {
	var r domain.MoneyRequest
	var status string
	err := row.Scan(&r.ID, &r.RequesterAccountID, &r.RequestedFromAccountID, &r.Amount, &r.Note, &status,
		&r.LinkedTransactionID, &r.CreatedAt, &r.UpdatedAt, &r.RespondedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRequestNotFound
		}
		return nil, err
	}
	r.Status = domain.RequestStatus(status)
	if !r.Status.Valid() {
		return nil, fmt.Errorf("money request %s has unknown status %q", r.ID, status)
	}
	return &r, nil
}

func scanRequests(rows pgx.Rows) ([]domain.MoneyRequest, error) {
	defer rows.Close()
	var out []domain.MoneyRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateRequest(ctx context.Context, r *domain.MoneyRequest) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO money_requests (id, requester_account_id, requested_from_account_id, amount, note, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		r.ID, r.RequesterAccountID, r.RequestedFromAccountID, r.Amount, r.Note, string(r.Status), r.CreatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrIdempotencyConflict
	}
	return err
}

func (s *Postgres) GetRequest(ctx context.Context, id uuid.UUID) (*domain.MoneyRequest, error) {
	return scanRequest(s.Db.QueryRow(ctx, "SELECT "+requestColumns+" FROM money_requests WHERE id = $1", id))
}

func (s *Postgres) ResolveRequest(ctx context.Context, id uuid.UUID, to domain.RequestStatus, linkedTransactionID *string) (*domain.MoneyRequest, error) {
	if (to == domain.RequestAccepted) != (linkedTransactionID != nil) {
		return nil, fmt.Errorf("linked transaction must be set exactly when accepting")
	}
	r, err := scanRequest(s.Db.QueryRow(ctx,
		`UPDATE money_requests
		 SET status = $1, linked_transaction_id = $2, responded_at = now(), updated_at = now()
		 WHERE id = $3 AND status = $4
		 RETURNING `+requestColumns,
		string(to), linkedTransactionID, id, string(domain.RequestPending),
	))
	if errors.Is(err, domain.ErrRequestNotFound) {
		// Either missing or no longer pending.
		if _, getErr := s.GetRequest(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, domain.ErrInvalidRequestState
	}
	return r, err
}

func (s *Postgres) ListRequests(ctx context.Context, accountID uuid.UUID) ([]domain.MoneyRequest, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+requestColumns+` FROM money_requests
		 WHERE requester_account_id = $1 OR requested_from_account_id = $1
		 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

func (s *Postgres) ListPendingRequestsBefore(ctx context.Context, before time.Time, limit int) ([]domain.MoneyRequest, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+requestColumns+" FROM money_requests WHERE status = $1 AND created_at < $2 ORDER BY created_at LIMIT $3",
		string(domain.RequestPending), before, limit)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

// Risk settings

func (s *Postgres) LoadRiskSettings(ctx context.Context) (map[string]float64, error) {
	rows, err := s.Db.Query(ctx, "SELECT name, value FROM risk_settings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	settings := make(map[string]float64)
	for rows.Next() {
		var name string
		var value float64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		settings[name] = value
	}
	return settings, rows.Err()
}

// UpsertRiskSetting is used by operators and the seeder.
func (s *Postgres) UpsertRiskSetting(ctx context.Context, name string, value float64) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO risk_settings (name, value) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		name, value)
	return err
}
