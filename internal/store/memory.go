package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Memory is a mutex-guarded in-process Store. It backs unit tests and the
// -store=memory development mode; data does not survive a restart.
type Memory struct {
	mu     sync.Mutex
	rounds map[int64]*Round
	users  map[string]*User
	txs    map[txKey]*Transaction
}

type txKey struct {
	userID string
	round  int64
	kind   TxKind
}

func NewMemory() *Memory {
	return &Memory{
		rounds: make(map[int64]*Round),
		users:  make(map[string]*User),
		txs:    make(map[txKey]*Transaction),
	}
}

func (m *Memory) CreateRound(_ context.Context, r *Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rounds[r.Number]; ok {
		return ErrRoundExists
	}
	cp := *r
	m.rounds[r.Number] = &cp
	return nil
}

func (m *Memory) FindRoundByNumber(_ context.Context, number int64) (Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[number]
	if !ok {
		return Round{}, ErrRoundNotFound
	}
	return *r, nil
}

func (m *Memory) SaveRound(_ context.Context, r *Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rounds[r.Number]; !ok {
		return ErrRoundNotFound
	}
	cp := *r
	m.rounds[r.Number] = &cp
	return nil
}

func (m *Memory) CountRounds(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.rounds)), nil
}

func (m *Memory) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	cp.Wallet = make(map[string]decimal.Decimal, len(u.Wallet))
	for c, b := range u.Wallet {
		cp.Wallet[c] = b
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = &cp
	return nil
}

func (m *Memory) FindUser(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	cp := *u
	cp.Wallet = make(map[string]decimal.Decimal, len(u.Wallet))
	for c, b := range u.Wallet {
		cp.Wallet[c] = b
	}
	return cp, nil
}

func (m *Memory) ApplyTransaction(_ context.Context, tx *Transaction, delta decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[tx.UserID]
	if !ok {
		return ErrUserNotFound
	}
	key := txKey{userID: tx.UserID, round: tx.RoundNumber, kind: tx.Kind}
	if _, ok := m.txs[key]; ok {
		return ErrDuplicateTransaction
	}

	next := u.Wallet[tx.Currency].Add(delta)
	if next.IsNegative() {
		return ErrInsufficientFunds
	}
	u.Wallet[tx.Currency] = next

	cp := *tx
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.txs[key] = &cp
	return nil
}

func (m *Memory) FindTransaction(_ context.Context, userID string, round int64, kind TxKind) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txKey{userID: userID, round: round, kind: kind}]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return *tx, nil
}

func (m *Memory) ListTransactions(_ context.Context, userID string) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transaction
	for _, tx := range m.txs {
		if tx.UserID == userID {
			out = append(out, *tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoundNumber != out[j].RoundNumber {
			return out[i].RoundNumber < out[j].RoundNumber
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}
