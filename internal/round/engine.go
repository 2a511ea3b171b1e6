// Package round runs the timed round lifecycle: a single goroutine owns all
// phase transitions and the multiplier clock, while request handlers read a
// snapshot and recompute everything they need deterministically.
package round

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"crashd/internal/event"
	"crashd/internal/fair"
	"crashd/internal/store"
)

// Broadcaster is the fan-out sink for lifecycle events. Implementations must
// not block; the round clock never waits on observers.
type Broadcaster interface {
	Broadcast(ev event.Envelope)
}

// Config holds the fixed round timing parameters. They are service
// configuration, never request parameters.
type Config struct {
	BetWindow    time.Duration
	PlayWindow   time.Duration
	TickInterval time.Duration
	MaxCrash     float64
}

func DefaultConfig() Config {
	return Config{
		BetWindow:    10 * time.Second,
		PlayWindow:   20 * time.Second,
		TickInterval: 100 * time.Millisecond,
		MaxCrash:     120,
	}
}

// GrowthFactor is the multiplier slope per second, chosen so the multiplier
// reaches MaxCrash exactly at the end of the play window.
func (c Config) GrowthFactor() float64 {
	return (c.MaxCrash - 1) / c.PlayWindow.Seconds()
}

func (c Config) validate() error {
	if c.BetWindow <= 0 || c.PlayWindow <= 0 || c.TickInterval <= 0 {
		return fmt.Errorf("round durations must be positive")
	}
	if c.MaxCrash <= 1 {
		return fmt.Errorf("max crash must exceed 1.0")
	}
	return nil
}

// MultiplierAt evaluates the authoritative multiplier formula for a live
// round, truncated to one decimal place for display and settlement. The
// ledger calls this directly rather than trusting the last broadcast tick.
func MultiplierAt(liveStart, now time.Time, growthFactor float64) float64 {
	elapsed := now.Sub(liveStart).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Floor((1+elapsed*growthFactor)*10) / 10
}

// Snapshot is a point-in-time copy of the active round handed to request
// handlers. Seed is included so the ledger can re-derive the true crash
// point; the API layer must not expose it before the crash reveal.
type Snapshot struct {
	Round        store.Round
	GrowthFactor float64
	MaxCrash     float64
}

// Engine is the single writer for round state.
type Engine struct {
	cfg   Config
	store store.Store
	bc    Broadcaster
	log   *slog.Logger

	mu  sync.RWMutex
	cur *store.Round

	now func() time.Time
}

func NewEngine(cfg Config, st store.Store, bc Broadcaster, logger *slog.Logger) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:   cfg,
		store: st,
		bc:    bc,
		log:   logger,
		now:   time.Now,
	}, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Snapshot returns a copy of the active round, or false when no round is
// schedulable (between an aborted cycle and the next).
func (e *Engine) Snapshot() (Snapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cur == nil {
		return Snapshot{}, false
	}
	return Snapshot{Round: *e.cur, GrowthFactor: e.cfg.GrowthFactor(), MaxCrash: e.cfg.MaxCrash}, true
}

// CurrentMultiplier evaluates the live multiplier right now. Returns false
// unless a round is in the Live phase.
func (e *Engine) CurrentMultiplier() (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cur == nil || e.cur.Phase != store.PhaseLive {
		return 0, false
	}
	return MultiplierAt(e.cur.LiveStart, e.now(), e.cfg.GrowthFactor()), true
}

// Run drives round cycles until the context is cancelled. A failed cycle is
// isolated: the error is logged and the next round is still scheduled.
func (e *Engine) Run(ctx context.Context) {
	e.log.Info("round engine started",
		"bet_window", e.cfg.BetWindow.String(),
		"play_window", e.cfg.PlayWindow.String(),
		"max_crash", e.cfg.MaxCrash)
	for {
		if ctx.Err() != nil {
			e.log.Info("round engine stopped")
			return
		}
		if err := e.runCycle(ctx); err != nil {
			if ctx.Err() != nil {
				e.log.Info("round engine stopped")
				return
			}
			e.log.Error("round cycle aborted", "err", err)
			// Pause one bet window so a persistent storage fault cannot
			// hot-loop round creation.
			_ = e.sleep(ctx, e.cfg.BetWindow)
		}
	}
}

func (e *Engine) runCycle(ctx context.Context) error {
	cycleStart := e.now()

	seed, err := fair.GenerateSeed()
	if err != nil {
		return err
	}
	count, err := e.store.CountRounds(ctx)
	if err != nil {
		return fmt.Errorf("count rounds: %w", err)
	}
	number := count + 1

	r := &store.Round{
		Number:         number,
		Seed:           seed,
		Commitment:     fair.Commit(seed),
		Phase:          store.PhasePending,
		BetWindowStart: cycleStart,
	}
	if err := e.store.CreateRound(ctx, r); err != nil {
		return fmt.Errorf("create round %d: %w", number, err)
	}
	e.setCurrent(r)
	e.bc.Broadcast(event.Envelope{Type: event.TypeRoundPending, Data: event.RoundPending{
		RoundNumber:      number,
		Commitment:       r.Commitment,
		BetWindowSeconds: e.cfg.BetWindow.Seconds(),
	}})
	e.log.Info("round pending", "round", number, "commitment", r.Commitment)

	if err := e.sleep(ctx, e.cfg.BetWindow); err != nil {
		return err
	}

	// Pending -> Live. The in-memory phase advances only after the write
	// lands; on failure the round is unrecoverable and the cycle aborts.
	r.Phase = store.PhaseLive
	r.LiveStart = e.now()
	if err := e.store.SaveRound(ctx, r); err != nil {
		e.clearCurrent()
		return fmt.Errorf("persist live transition for round %d: %w", number, err)
	}
	e.setCurrent(r)
	e.bc.Broadcast(event.Envelope{Type: event.TypeRoundLive, Data: event.RoundLive{
		RoundNumber: number,
		LiveStart:   r.LiveStart,
	}})
	e.log.Info("round live", "round", number)

	// The crash is scheduled once as a deferred timer, not polled per tick.
	crash := fair.CrashPoint(seed, number, e.cfg.MaxCrash)
	crashDelay := time.Duration((crash - 1) / e.cfg.GrowthFactor() * float64(time.Second))

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	crashTimer := time.NewTimer(crashDelay)
	defer crashTimer.Stop()

clock:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m, ok := e.CurrentMultiplier(); ok {
				e.bc.Broadcast(event.Envelope{Type: event.TypeMultiplierUpdate, Data: event.MultiplierUpdate{Multiplier: m}})
			}
		case <-crashTimer.C:
			ticker.Stop()
			r.Phase = store.PhaseCrashed
			r.CrashPoint = crash
			r.EndTime = e.now()
			if err := e.store.SaveRound(ctx, r); err != nil {
				e.clearCurrent()
				return fmt.Errorf("persist crash for round %d: %w", number, err)
			}
			e.setCurrent(r)
			e.bc.Broadcast(event.Envelope{Type: event.TypeRoundCrash, Data: event.RoundCrash{
				RoundNumber: number,
				CrashPoint:  crash,
				Seed:        seed,
			}})
			e.log.Info("round crashed", "round", number, "crash_point", crash)
			break clock
		}
	}

	// Hold the fixed cycle cadence: the next bet window opens where it would
	// have regardless of how early the round crashed.
	if rest := e.cfg.BetWindow + e.cfg.PlayWindow - e.now().Sub(cycleStart); rest > 0 {
		return e.sleep(ctx, rest)
	}
	return nil
}

func (e *Engine) setCurrent(r *store.Round) {
	cp := *r
	e.mu.Lock()
	e.cur = &cp
	e.mu.Unlock()
}

func (e *Engine) clearCurrent() {
	e.mu.Lock()
	e.cur = nil
	e.mu.Unlock()
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
