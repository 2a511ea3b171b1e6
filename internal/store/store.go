// Package store defines the persistence contract for rounds, users and
// transactions, with a Postgres implementation for production and an
// in-memory implementation for tests and single-node development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Phase is a round lifecycle phase. Transitions are Pending -> Live -> Crashed
// and are written only by the round engine.
type Phase string

const (
	PhasePending Phase = "pending"
	PhaseLive    Phase = "live"
	PhaseCrashed Phase = "crashed"
)

// TxKind distinguishes the two ledger transaction types.
type TxKind string

const (
	TxBet     TxKind = "bet"
	TxCashout TxKind = "cashout"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrRoundNotFound        = errors.New("round not found")
	ErrRoundExists          = errors.New("round number already exists")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrDuplicateTransaction = errors.New("duplicate transaction for user, round and kind")
	ErrInsufficientFunds    = errors.New("insufficient wallet balance")
)

// Round is one play cycle. Seed stays server-side until the crash reveal;
// Commitment is public from creation. CrashPoint is zero until the round
// crashes and immutable after.
type Round struct {
	Number         int64     `json:"round_number"`
	Seed           string    `json:"seed,omitempty"`
	Commitment     string    `json:"commitment"`
	CrashPoint     float64   `json:"crash_point,omitempty"`
	Phase          Phase     `json:"phase"`
	BetWindowStart time.Time `json:"bet_window_start"`
	LiveStart      time.Time `json:"live_start,omitempty"`
	EndTime        time.Time `json:"end_time,omitempty"`
}

// User holds per-currency crypto balances. Balances never go negative;
// every mutation is paired with a Transaction record.
type User struct {
	ID        string                     `json:"id"`
	Username  string                     `json:"username"`
	Wallet    map[string]decimal.Decimal `json:"wallet"`
	CreatedAt time.Time                  `json:"created_at"`
}

// Transaction is an immutable ledger entry. At most one Bet and one Cashout
// may exist per (user, round); implementations enforce this.
type Transaction struct {
	Hash         string          `json:"hash"`
	UserID       string          `json:"user_id"`
	RoundNumber  int64           `json:"round_number"`
	Kind         TxKind          `json:"kind"`
	Currency     string          `json:"currency"`
	CryptoAmount decimal.Decimal `json:"crypto_amount"`
	USDAmount    decimal.Decimal `json:"usd_amount"`
	PriceAtTime  decimal.Decimal `json:"price_at_time"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Store is the persistence contract consumed by the ledger and round engine.
//
// ApplyTransaction is the one compound primitive: it adjusts the user's
// wallet balance by delta (negative for a bet debit) and records the
// transaction as a single atomic unit, failing without any change on
// insufficient funds or a duplicate (user, round, kind). This closes the
// read-modify-write races a separate get/set wallet API would reopen.
type Store interface {
	CreateRound(ctx context.Context, r *Round) error
	FindRoundByNumber(ctx context.Context, number int64) (Round, error)
	SaveRound(ctx context.Context, r *Round) error
	CountRounds(ctx context.Context) (int64, error)

	CreateUser(ctx context.Context, u *User) error
	FindUser(ctx context.Context, id string) (User, error)

	ApplyTransaction(ctx context.Context, tx *Transaction, delta decimal.Decimal) error
	FindTransaction(ctx context.Context, userID string, round int64, kind TxKind) (Transaction, error)
	ListTransactions(ctx context.Context, userID string) ([]Transaction, error)
}
