package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Postgres implements Store on a pgx pool. Duplicate transactions are also
// rejected by a unique constraint on (user_id, round_number, kind), so a
// race that slips past the ledger's locks still cannot double-write.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         UUID PRIMARY KEY,
	username   TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS wallets (
	user_id  UUID NOT NULL REFERENCES users(id),
	currency TEXT NOT NULL,
	balance  NUMERIC(30,8) NOT NULL CHECK (balance >= 0),
	PRIMARY KEY (user_id, currency)
);

CREATE TABLE IF NOT EXISTS rounds (
	round_number     BIGINT PRIMARY KEY,
	seed             TEXT NOT NULL,
	commitment       TEXT NOT NULL,
	crash_point      DOUBLE PRECISION,
	phase            TEXT NOT NULL,
	bet_window_start TIMESTAMPTZ NOT NULL,
	live_start       TIMESTAMPTZ,
	end_time         TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS transactions (
	hash          TEXT PRIMARY KEY,
	user_id       UUID NOT NULL REFERENCES users(id),
	round_number  BIGINT NOT NULL REFERENCES rounds(round_number),
	kind          TEXT NOT NULL,
	currency      TEXT NOT NULL,
	crypto_amount NUMERIC(30,8) NOT NULL,
	usd_amount    NUMERIC(30,8) NOT NULL,
	price_at_time NUMERIC(30,8) NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, round_number, kind)
);
`

// EnsureSchema creates the tables on startup if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) CreateRound(ctx context.Context, r *Round) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO rounds (round_number, seed, commitment, phase, bet_window_start)
		VALUES ($1, $2, $3, $4, $5)
	`, r.Number, r.Seed, r.Commitment, string(r.Phase), r.BetWindowStart)
	if isUniqueViolation(err) {
		return ErrRoundExists
	}
	return err
}

func (p *Postgres) FindRoundByNumber(ctx context.Context, number int64) (Round, error) {
	var out Round
	var phase string
	var crash *float64
	var liveStart, endTime *time.Time
	err := p.db.QueryRow(ctx, `
		SELECT round_number, seed, commitment, crash_point, phase, bet_window_start, live_start, end_time
		FROM rounds
		WHERE round_number = $1
	`, number).Scan(&out.Number, &out.Seed, &out.Commitment, &crash, &phase, &out.BetWindowStart, &liveStart, &endTime)
	if err == pgx.ErrNoRows {
		return out, ErrRoundNotFound
	}
	if err != nil {
		return out, err
	}
	out.Phase = Phase(phase)
	if crash != nil {
		out.CrashPoint = *crash
	}
	if liveStart != nil {
		out.LiveStart = *liveStart
	}
	if endTime != nil {
		out.EndTime = *endTime
	}
	return out, nil
}

func (p *Postgres) SaveRound(ctx context.Context, r *Round) error {
	var crash *float64
	if r.CrashPoint > 0 {
		crash = &r.CrashPoint
	}
	var liveStart, endTime *time.Time
	if !r.LiveStart.IsZero() {
		liveStart = &r.LiveStart
	}
	if !r.EndTime.IsZero() {
		endTime = &r.EndTime
	}
	cmd, err := p.db.Exec(ctx, `
		UPDATE rounds
		SET phase = $1, crash_point = $2, live_start = $3, end_time = $4
		WHERE round_number = $5
	`, string(r.Phase), crash, liveStart, endTime, r.Number)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrRoundNotFound
	}
	return nil
}

func (p *Postgres) CountRounds(ctx context.Context) (int64, error) {
	var count int64
	err := p.db.QueryRow(ctx, `SELECT COUNT(1) FROM rounds`).Scan(&count)
	return count, err
}

func (p *Postgres) CreateUser(ctx context.Context, u *User) error {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO users (id, username)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, u.ID, u.Username)
	if err != nil {
		return err
	}
	for currency, balance := range u.Wallet {
		_, err = tx.Exec(ctx, `
			INSERT INTO wallets (user_id, currency, balance)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, currency) DO NOTHING
		`, u.ID, currency, balance.String())
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) FindUser(ctx context.Context, id string) (User, error) {
	var out User
	err := p.db.QueryRow(ctx, `
		SELECT id, username, created_at
		FROM users
		WHERE id = $1
	`, id).Scan(&out.ID, &out.Username, &out.CreatedAt)
	if err == pgx.ErrNoRows {
		return out, ErrUserNotFound
	}
	if err != nil {
		return out, err
	}

	rows, err := p.db.Query(ctx, `
		SELECT currency, balance::text
		FROM wallets
		WHERE user_id = $1
		ORDER BY currency
	`, id)
	if err != nil {
		return out, err
	}
	defer rows.Close()

	out.Wallet = make(map[string]decimal.Decimal)
	for rows.Next() {
		var currency, balance string
		if err := rows.Scan(&currency, &balance); err != nil {
			return out, err
		}
		b, err := decimal.NewFromString(balance)
		if err != nil {
			return out, fmt.Errorf("parse balance for %s: %w", currency, err)
		}
		out.Wallet[currency] = b
	}
	return out, rows.Err()
}

func (p *Postgres) ApplyTransaction(ctx context.Context, t *Transaction, delta decimal.Decimal) error {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, t.UserID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrUserNotFound
	}

	var balanceText string
	err = tx.QueryRow(ctx, `
		SELECT balance::text
		FROM wallets
		WHERE user_id = $1 AND currency = $2
		FOR UPDATE
	`, t.UserID, t.Currency).Scan(&balanceText)
	balance := decimal.Zero
	switch {
	case err == pgx.ErrNoRows:
		// First credit in this currency creates the wallet row.
	case err != nil:
		return err
	default:
		balance, err = decimal.NewFromString(balanceText)
		if err != nil {
			return fmt.Errorf("parse balance: %w", err)
		}
	}

	next := balance.Add(delta)
	if next.IsNegative() {
		return ErrInsufficientFunds
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO wallets (user_id, currency, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, currency) DO UPDATE SET balance = $3
	`, t.UserID, t.Currency, next.String())
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO transactions (hash, user_id, round_number, kind, currency, crypto_amount, usd_amount, price_at_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.Hash, t.UserID, t.RoundNumber, string(t.Kind), t.Currency,
		t.CryptoAmount.String(), t.USDAmount.String(), t.PriceAtTime.String())
	if isUniqueViolation(err) {
		return ErrDuplicateTransaction
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) FindTransaction(ctx context.Context, userID string, round int64, kind TxKind) (Transaction, error) {
	row := p.db.QueryRow(ctx, `
		SELECT hash, user_id, round_number, kind, currency,
		       crypto_amount::text, usd_amount::text, price_at_time::text, created_at
		FROM transactions
		WHERE user_id = $1 AND round_number = $2 AND kind = $3
	`, userID, round, string(kind))
	out, err := scanTransaction(row)
	if err == pgx.ErrNoRows {
		return out, ErrTransactionNotFound
	}
	return out, err
}

func (p *Postgres) ListTransactions(ctx context.Context, userID string) ([]Transaction, error) {
	rows, err := p.db.Query(ctx, `
		SELECT hash, user_id, round_number, kind, currency,
		       crypto_amount::text, usd_amount::text, price_at_time::text, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY round_number, kind
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var out Transaction
	var kind, cryptoAmount, usdAmount, priceAtTime string
	err := row.Scan(&out.Hash, &out.UserID, &out.RoundNumber, &kind, &out.Currency,
		&cryptoAmount, &usdAmount, &priceAtTime, &out.CreatedAt)
	if err != nil {
		return out, err
	}
	out.Kind = TxKind(kind)
	if out.CryptoAmount, err = decimal.NewFromString(cryptoAmount); err != nil {
		return out, err
	}
	if out.USDAmount, err = decimal.NewFromString(usdAmount); err != nil {
		return out, err
	}
	if out.PriceAtTime, err = decimal.NewFromString(priceAtTime); err != nil {
		return out, err
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
