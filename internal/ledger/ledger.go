// Package ledger records bets and cash-outs against user wallets. Every
// operation is serialized per user and judged against the deterministic
// crash point, never against broadcast state.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crashd/internal/event"
	"crashd/internal/fair"
	"crashd/internal/round"
	"crashd/internal/store"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrRoundClosed      = errors.New("betting is closed for this round")
	ErrDuplicateBet     = errors.New("bet already placed for this round")
	ErrDuplicateCashout = errors.New("already cashed out for this round")
	ErrAlreadyCrashed   = errors.New("round already crashed")
	ErrNoBet            = errors.New("no bet found for this round")
)

// payoutScale truncates payouts to 8 decimal places, the smallest unit of
// the supported currencies.
const payoutScale = 8

// Converter is the price oracle surface the ledger consumes.
type Converter interface {
	ConvertUSDToCrypto(ctx context.Context, usd decimal.Decimal, symbol string) (crypto, price decimal.Decimal, err error)
	ConvertCryptoToUSD(ctx context.Context, amount decimal.Decimal, symbol string) (usd, price decimal.Decimal, err error)
}

// Rounds exposes the live round state owned by the engine.
type Rounds interface {
	Snapshot() (round.Snapshot, bool)
}

type Service struct {
	store  store.Store
	prices Converter
	rounds Rounds
	bc     round.Broadcaster
	log    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

func NewService(st store.Store, prices Converter, rounds Rounds, bc round.Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		prices: prices,
		rounds: rounds,
		bc:     bc,
		log:    logger,
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}
}

// userLock serializes all wallet mutations for one user. Different users'
// wallets are independent, so no global lock is taken.
func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// PlaceBet debits the USD equivalent from the user's wallet and records the
// bet. The round must already exist in the Pending phase; bets never create
// rounds; that is the engine's job alone.
func (s *Service) PlaceBet(ctx context.Context, userID string, roundNumber int64, usdAmount decimal.Decimal, currency string) (store.Transaction, error) {
	var out store.Transaction
	userID = strings.TrimSpace(userID)
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if userID == "" || currency == "" || roundNumber <= 0 {
		return out, fmt.Errorf("%w: user id, round number and currency are required", ErrInvalidInput)
	}
	if !usdAmount.IsPositive() {
		return out, fmt.Errorf("%w: bet amount must be positive", ErrInvalidInput)
	}

	if err := s.checkBettable(ctx, roundNumber); err != nil {
		return out, err
	}

	cryptoAmount, price, err := s.prices.ConvertUSDToCrypto(ctx, usdAmount, currency)
	if err != nil {
		return out, err
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.store.FindTransaction(ctx, userID, roundNumber, store.TxBet); err == nil {
		return out, ErrDuplicateBet
	} else if !errors.Is(err, store.ErrTransactionNotFound) {
		return out, err
	}

	// Re-check the phase inside the lock, as close to the write as possible:
	// the window may have closed while the oracle call was in flight. The
	// engine's Pending->Live transition is not serialized with this lock, so
	// a bet can still land a few milliseconds into the live phase; such a bet
	// is settled by the same crash-point rules as any other and gains nothing
	// from the timing.
	if err := s.checkBettable(ctx, roundNumber); err != nil {
		return out, err
	}

	tx := store.Transaction{
		Hash:         newTxHash(),
		UserID:       userID,
		RoundNumber:  roundNumber,
		Kind:         store.TxBet,
		Currency:     currency,
		CryptoAmount: cryptoAmount,
		USDAmount:    usdAmount,
		PriceAtTime:  price,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.ApplyTransaction(ctx, &tx, cryptoAmount.Neg()); err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			return out, ErrDuplicateBet
		}
		return out, err
	}

	s.log.Info("bet placed",
		"user", userID, "round", roundNumber,
		"usd", usdAmount.String(), "crypto", cryptoAmount.String(), "currency", currency)
	return tx, nil
}

// CashOut settles a live bet at the multiplier of this instant. Pass
// roundNumber 0 to target the current round. The multiplier and the true
// crash point are evaluated together against one clock reading, so a request
// racing the crash timer is judged on the same ground truth either way.
func (s *Service) CashOut(ctx context.Context, userID string, roundNumber int64, currency string) (store.Transaction, error) {
	var out store.Transaction
	userID = strings.TrimSpace(userID)
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if userID == "" || currency == "" {
		return out, fmt.Errorf("%w: user id and currency are required", ErrInvalidInput)
	}

	snap, active := s.rounds.Snapshot()
	if !active || (roundNumber != 0 && roundNumber != snap.Round.Number) {
		return out, s.closedRoundError(ctx, roundNumber)
	}
	switch snap.Round.Phase {
	case store.PhaseLive:
	case store.PhasePending:
		return out, fmt.Errorf("%w: round %d has not started", ErrRoundClosed, snap.Round.Number)
	default:
		return out, ErrAlreadyCrashed
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	// One clock reading for both the payout multiplier and the crash check.
	multiplier := round.MultiplierAt(snap.Round.LiveStart, s.now(), snap.GrowthFactor)
	trueCrash := fair.CrashPoint(snap.Round.Seed, snap.Round.Number, snap.MaxCrash)
	if multiplier >= trueCrash {
		return out, fmt.Errorf("%w: crashed at %.2fx", ErrAlreadyCrashed, trueCrash)
	}

	betTx, err := s.store.FindTransaction(ctx, userID, snap.Round.Number, store.TxBet)
	if errors.Is(err, store.ErrTransactionNotFound) {
		return out, ErrNoBet
	}
	if err != nil {
		return out, err
	}
	if betTx.Currency != currency {
		return out, fmt.Errorf("%w: bet was placed in %s", ErrInvalidInput, betTx.Currency)
	}

	payout := betTx.CryptoAmount.Mul(decimal.NewFromFloat(multiplier)).Truncate(payoutScale)
	usdAmount, price, err := s.prices.ConvertCryptoToUSD(ctx, payout, currency)
	if err != nil {
		return out, err
	}

	tx := store.Transaction{
		Hash:         newTxHash(),
		UserID:       userID,
		RoundNumber:  snap.Round.Number,
		Kind:         store.TxCashout,
		Currency:     currency,
		CryptoAmount: payout,
		USDAmount:    usdAmount,
		PriceAtTime:  price,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.ApplyTransaction(ctx, &tx, payout); err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			return out, ErrDuplicateCashout
		}
		return out, err
	}

	if s.bc != nil {
		s.bc.Broadcast(event.Envelope{Type: event.TypePlayerCashout, Data: event.PlayerCashout{
			UserID:       userID,
			Currency:     currency,
			PayoutCrypto: payout.String(),
			USDAmount:    usdAmount.String(),
		}})
	}
	s.log.Info("cashout settled",
		"user", userID, "round", snap.Round.Number,
		"multiplier", multiplier, "payout", payout.String(), "currency", currency)
	return tx, nil
}

// WalletBalance is one currency line of a wallet snapshot.
type WalletBalance struct {
	Currency      string          `json:"currency"`
	CryptoAmount  decimal.Decimal `json:"crypto_amount"`
	USDEquivalent decimal.Decimal `json:"usd_equivalent"`
}

// WalletView is the per-currency snapshot returned to wallet queries.
type WalletView struct {
	UserID   string          `json:"user_id"`
	Balances []WalletBalance `json:"wallet"`
}

// WalletSnapshot returns crypto balances with their current USD equivalents.
func (s *Service) WalletSnapshot(ctx context.Context, userID string) (WalletView, error) {
	out := WalletView{UserID: strings.TrimSpace(userID)}
	if out.UserID == "" {
		return out, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	u, err := s.store.FindUser(ctx, out.UserID)
	if err != nil {
		return out, err
	}

	currencies := make([]string, 0, len(u.Wallet))
	for c := range u.Wallet {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)

	for _, c := range currencies {
		usd, _, err := s.prices.ConvertCryptoToUSD(ctx, u.Wallet[c], c)
		if err != nil {
			return out, err
		}
		out.Balances = append(out.Balances, WalletBalance{
			Currency:      c,
			CryptoAmount:  u.Wallet[c],
			USDEquivalent: usd,
		})
	}
	return out, nil
}

// checkBettable verifies the target round is the active Pending round.
func (s *Service) checkBettable(ctx context.Context, roundNumber int64) error {
	snap, active := s.rounds.Snapshot()
	if !active || roundNumber != snap.Round.Number {
		return s.closedRoundError(ctx, roundNumber)
	}
	if snap.Round.Phase != store.PhasePending {
		return fmt.Errorf("%w: round %d is %s", ErrRoundClosed, roundNumber, snap.Round.Phase)
	}
	return nil
}

// closedRoundError distinguishes "no such round" from "round over" for a
// round that is not the active one.
func (s *Service) closedRoundError(ctx context.Context, roundNumber int64) error {
	if roundNumber == 0 {
		return store.ErrRoundNotFound
	}
	r, err := s.store.FindRoundByNumber(ctx, roundNumber)
	if err != nil {
		return err
	}
	if r.Phase == store.PhaseCrashed {
		return ErrAlreadyCrashed
	}
	return fmt.Errorf("%w: round %d is not accepting requests", ErrRoundClosed, roundNumber)
}

func newTxHash() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
