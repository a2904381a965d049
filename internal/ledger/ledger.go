// Package ledger implements the five-state double-entry CreditLedger:
// allocated, unlocked, reserved, consumed, expired balances per account,
// with the conservation invariant enforced after every mutation.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/gateway/internal/circuitbreaker"
	"github.com/ocx/gateway/internal/errs"
	"github.com/ocx/gateway/internal/walog"
)

// Tier is the coarse service level determining default pool and limits.
type Tier string

const (
	TierOG          Tier = "OG"
	TierContributor Tier = "CONTRIBUTOR"
	TierCommunity   Tier = "COMMUNITY"
	TierPartner     Tier = "PARTNER"
)

// Account holds the five balance buckets for one wallet identifier.
type Account struct {
	WalletID         string
	InitialAllocation uint64
	Allocated        uint64
	Unlocked         uint64
	Reserved         uint64
	Consumed         uint64
	Expired          uint64
	Tier             Tier
	ExpiresAt        time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (a *Account) sum() uint64 {
	return a.Allocated + a.Unlocked + a.Reserved + a.Consumed + a.Expired
}

// Result is returned by every ledger operation: either the outcome of a
// fresh mutation, or — for a replayed idempotency key — the prior
// outcome, unmutated.
type Result struct {
	Account       Account
	Replayed      bool
	TransactionID string
}

// LedgerTransaction is the immutable append-only journal row capturing
// one debit→credit move.
type LedgerTransaction struct {
	ID             string
	AccountID      string
	Operation      string
	DebitState     string
	CreditState    string
	Amount         uint64
	CorrelationID  string
	IdempotencyKey string
	Timestamp      time.Time
	Metadata       map[string]any
}

const streamName = "credit_ledger"

// CreditLedger is the in-memory projection rebuilt from the EventLog on
// startup, mutated only through the operations below. Fencing for
// writes is enforced by the caller supplying a valid token to the
// EventLog; the ledger itself serializes per-account via a keyed mutex.
type CreditLedger struct {
	log     *walog.EventLog
	logger  *slog.Logger
	breaker *circuitbreaker.CircuitBreaker

	mu       sync.Mutex // guards the maps below; per-account locks guard mutation
	accounts map[string]*Account
	locks    map[string]*sync.Mutex
	seen     map[string]*Result // idempotency_key -> prior result
}

func New(log *walog.EventLog, logger *slog.Logger) *CreditLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &CreditLedger{
		log:      log,
		logger:   logger.With("component", "ledger"),
		accounts: make(map[string]*Account),
		locks:    make(map[string]*sync.Mutex),
		seen:     make(map[string]*Result),
	}
}

// SetBreaker wires the budget circuit breaker onto the EventLog append
// path below. Left nil, ledger writes are never gated.
func (l *CreditLedger) SetBreaker(cb *circuitbreaker.CircuitBreaker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.breaker = cb
}

func (l *CreditLedger) currentBreaker() *circuitbreaker.CircuitBreaker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.breaker
}

// appendEvent wraps the EventLog append behind the budget circuit
// breaker: repeated write failures trip it, so the orchestrator can
// fail fast on BudgetCircuitOpen instead of piling up stuck reservations.
func (l *CreditLedger) appendEvent(ctx context.Context, fencingToken uint64, eventType string, payload map[string]any, correlationID string) (*walog.EventRecord, error) {
	breaker := l.currentBreaker()
	if breaker == nil {
		return l.log.Append(ctx, fencingToken, streamName, eventType, payload, correlationID)
	}
	result, err := breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return l.log.Append(ctx, fencingToken, streamName, eventType, payload, correlationID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*walog.EventRecord), nil
}

func (l *CreditLedger) accountLock(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

func (l *CreditLedger) getAccount(id string) (*Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[id]
	return a, ok
}

func (l *CreditLedger) putAccount(a *Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[a.WalletID] = a
}

func (l *CreditLedger) priorResult(key string) (*Result, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.seen[key]
	return r, ok
}

func (l *CreditLedger) rememberResult(key string, r *Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[key] = r
}

// Allocate creates a new account with the given initial allocation,
// placing the full amount in the "allocated" bucket.
func (l *CreditLedger) Allocate(ctx context.Context, fencingToken uint64, walletID string, amount uint64, tier Tier, expiresAt time.Time, correlationID, idempotencyKey string) (*Result, error) {
	lock := l.accountLock(walletID)
	lock.Lock()
	defer lock.Unlock()

	if prior, ok := l.priorResult(idempotencyKey); ok {
		return l.replayed(prior), nil
	}

	if _, exists := l.getAccount(walletID); exists {
		return nil, errs.Precondition("account_exists", fmt.Sprintf("account %s already exists", walletID))
	}

	now := time.Now().UTC()
	acc := &Account{
		WalletID:          walletID,
		InitialAllocation: amount,
		Allocated:         amount,
		Tier:              tier,
		ExpiresAt:         expiresAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	return l.commit(ctx, fencingToken, acc, "allocate", "", "allocated", amount, correlationID, idempotencyKey)
}

// Unlock moves amount from allocated to unlocked.
func (l *CreditLedger) Unlock(ctx context.Context, fencingToken uint64, walletID string, amount uint64, correlationID, idempotencyKey string) (*Result, error) {
	return l.transition(ctx, fencingToken, walletID, "unlock", "allocated", "unlocked", amount, correlationID, idempotencyKey,
		func(a *Account) error {
			if amount > a.Allocated {
				return errs.Precondition("insufficient_balance", "unlock amount exceeds allocated balance")
			}
			a.Allocated -= amount
			a.Unlocked += amount
			return nil
		})
}

// Reserve moves amount from unlocked to reserved.
func (l *CreditLedger) Reserve(ctx context.Context, fencingToken uint64, walletID string, amount uint64, correlationID, idempotencyKey string) (*Result, error) {
	return l.transition(ctx, fencingToken, walletID, "reserve", "unlocked", "reserved", amount, correlationID, idempotencyKey,
		func(a *Account) error {
			if amount > a.Unlocked {
				return errs.Precondition("insufficient_balance", "reserve amount exceeds unlocked balance")
			}
			a.Unlocked -= amount
			a.Reserved += amount
			return nil
		})
}

// Consume moves amount from reserved to consumed.
func (l *CreditLedger) Consume(ctx context.Context, fencingToken uint64, walletID string, amount uint64, correlationID, idempotencyKey string) (*Result, error) {
	return l.transition(ctx, fencingToken, walletID, "consume", "reserved", "consumed", amount, correlationID, idempotencyKey,
		func(a *Account) error {
			if amount > a.Reserved {
				return errs.Precondition("insufficient_balance", "consume amount exceeds reserved balance")
			}
			a.Reserved -= amount
			a.Consumed += amount
			return nil
		})
}

// Release moves amount from reserved back to unlocked.
func (l *CreditLedger) Release(ctx context.Context, fencingToken uint64, walletID string, amount uint64, correlationID, idempotencyKey string) (*Result, error) {
	return l.transition(ctx, fencingToken, walletID, "release", "reserved", "unlocked", amount, correlationID, idempotencyKey,
		func(a *Account) error {
			if amount > a.Reserved {
				return errs.Precondition("insufficient_balance", "release amount exceeds reserved balance")
			}
			a.Reserved -= amount
			a.Unlocked += amount
			return nil
		})
}

// Expire moves amount from allocated and/or unlocked into expired, only
// valid once now() > account.ExpiresAt.
func (l *CreditLedger) Expire(ctx context.Context, fencingToken uint64, walletID string, amount uint64, now time.Time, correlationID, idempotencyKey string) (*Result, error) {
	return l.transition(ctx, fencingToken, walletID, "expire", "allocated_or_unlocked", "expired", amount, correlationID, idempotencyKey,
		func(a *Account) error {
			if !now.After(a.ExpiresAt) {
				return errs.Precondition("not_yet_expired", "account has not reached its expiry time")
			}
			remaining := amount
			fromAllocated := min64(remaining, a.Allocated)
			a.Allocated -= fromAllocated
			remaining -= fromAllocated
			fromUnlocked := min64(remaining, a.Unlocked)
			a.Unlocked -= fromUnlocked
			remaining -= fromUnlocked
			if remaining > 0 {
				return errs.Precondition("insufficient_balance", "expire amount exceeds allocated+unlocked balance")
			}
			a.Expired += amount
			return nil
		})
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// transition is the shared idempotent-mutate-and-log path for every
// two-bucket operation.
func (l *CreditLedger) transition(ctx context.Context, fencingToken uint64, walletID, op, debit, credit string, amount uint64, correlationID, idempotencyKey string, mutate func(*Account) error) (*Result, error) {
	lock := l.accountLock(walletID)
	lock.Lock()
	defer lock.Unlock()

	if prior, ok := l.priorResult(idempotencyKey); ok {
		return l.replayed(prior), nil
	}

	acc, ok := l.getAccount(walletID)
	if !ok {
		return nil, errs.Precondition("account_not_found", fmt.Sprintf("account %s does not exist", walletID))
	}

	// mutate a copy; only publish on success, so a failed precondition
	// never partially mutates.
	next := *acc
	if err := mutate(&next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()

	return l.commit(ctx, fencingToken, &next, op, debit, credit, amount, correlationID, idempotencyKey)
}

// commit appends the authoritative event, recomputes I1, and only then
// publishes the new projection in memory.
func (l *CreditLedger) commit(ctx context.Context, fencingToken uint64, acc *Account, op, debit, credit string, amount uint64, correlationID, idempotencyKey string) (*Result, error) {
	if acc.sum() != acc.InitialAllocation {
		// Conservation violated before the write even lands — this is a
		// PreconditionViolated (recoverable by reject), not Fatal,
		// because nothing has been persisted yet.
		return nil, errs.Precondition("conservation_violation_precheck",
			fmt.Sprintf("account %s buckets sum to %d, expected %d", acc.WalletID, acc.sum(), acc.InitialAllocation))
	}

	payload := map[string]any{
		"operation":       op,
		"account_id":      acc.WalletID,
		"debit_state":     debit,
		"credit_state":    credit,
		"amount":          amount,
		"idempotency_key": idempotencyKey,
		"resulting":       acc,
	}

	rec, err := l.appendEvent(ctx, fencingToken, "ledger_"+op, payload, correlationID)
	if err != nil {
		return nil, err
	}

	// Authoritative write succeeded; publish the projection.
	l.putAccount(acc)

	if acc.sum() != acc.InitialAllocation {
		// A violation detected *after* the write is a code bug: fatal.
		fatalErr := errs.FatalErr("conservation_violation", fmt.Sprintf("account %s buckets sum to %d after write, expected %d", acc.WalletID, acc.sum(), acc.InitialAllocation), nil)
		errs.Terminate(l.logger, fatalErr)
	}

	result := &Result{Account: *acc, TransactionID: rec.ID}
	l.rememberResult(idempotencyKey, result)
	l.logger.Debug("ledger transition committed", "op", op, "account", acc.WalletID, "amount", amount, "wal_seq", rec.Sequence)
	return result, nil
}

func (l *CreditLedger) replayed(prior *Result) *Result {
	return &Result{Account: prior.Account, Replayed: true, TransactionID: prior.TransactionID}
}

// Snapshot returns a copy of the account's current balances.
func (l *CreditLedger) Snapshot(walletID string) (Account, bool) {
	a, ok := l.getAccount(walletID)
	if !ok {
		return Account{}, false
	}
	return *a, true
}

// Restore seeds the in-memory projection directly — used by crash
// recovery after replaying the EventLog.
func (l *CreditLedger) Restore(acc Account) {
	l.putAccount(&acc)
}
