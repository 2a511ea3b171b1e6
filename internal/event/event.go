// Package event defines the broadcast envelope and payloads shared by the
// round engine, the ledger and the websocket hub.
package event

import "time"

// Wire event types. Names are part of the client protocol.
const (
	TypeRoundPending     = "round:pending"
	TypeRoundLive        = "round:start"
	TypeMultiplierUpdate = "multiplier:update"
	TypeRoundCrash       = "round:crash"
	TypePlayerCashout    = "player:cashout"
	TypeCashoutSuccess   = "cashout:success"
	TypeError            = "error"
)

// Envelope is the JSON frame sent to every subscriber.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type RoundPending struct {
	RoundNumber      int64   `json:"round_number"`
	Commitment       string  `json:"commitment"`
	BetWindowSeconds float64 `json:"bet_window_seconds"`
}

type RoundLive struct {
	RoundNumber int64     `json:"round_number"`
	LiveStart   time.Time `json:"live_start"`
}

type MultiplierUpdate struct {
	Multiplier float64 `json:"multiplier"`
}

// RoundCrash reveals the seed so any observer can recompute the commitment
// and the crash point.
type RoundCrash struct {
	RoundNumber int64   `json:"round_number"`
	CrashPoint  float64 `json:"crash_point"`
	Seed        string  `json:"seed"`
}

type PlayerCashout struct {
	UserID       string `json:"user_id"`
	Currency     string `json:"currency"`
	PayoutCrypto string `json:"payout_crypto"`
	USDAmount    string `json:"usd_amount"`
}

type Error struct {
	Message string `json:"message"`
}
