package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SeedDemoUsers creates a handful of funded demo accounts. IDs are derived
// from the username so re-seeding is idempotent against both backends.
func SeedDemoUsers(ctx context.Context, s Store) ([]User, error) {
	demo := []struct {
		Username string
		BTC      string
		ETH      string
	}{
		{"alice", "1.0", "5.0"},
		{"bob", "0.5", "2.0"},
		{"carol", "2.0", "10.0"},
		{"jeffry", "4.0", "8.0"},
		{"vans", "3.0", "7.0"},
	}

	out := make([]User, 0, len(demo))
	for _, d := range demo {
		btc, err := decimal.NewFromString(d.BTC)
		if err != nil {
			return nil, err
		}
		eth, err := decimal.NewFromString(d.ETH)
		if err != nil {
			return nil, err
		}
		u := User{
			ID:       uuid.NewSHA1(uuid.NameSpaceOID, []byte("crashd:"+d.Username)).String(),
			Username: d.Username,
			Wallet:   map[string]decimal.Decimal{"BTC": btc, "ETH": eth},
		}
		if err := s.CreateUser(ctx, &u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}
