package round

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crashd/internal/event"
	"crashd/internal/fair"
	"crashd/internal/store"
)

func testConfig() Config {
	return Config{
		BetWindow:    30 * time.Millisecond,
		PlayWindow:   60 * time.Millisecond,
		TickInterval: 5 * time.Millisecond,
		MaxCrash:     3,
	}
}

// recorder collects broadcast events and signals each crash so tests can
// wait for whole cycles without sleeping blindly.
type recorder struct {
	mu      sync.Mutex
	events  []event.Envelope
	crashed chan struct{}
}

func newRecorder() *recorder {
	return &recorder{crashed: make(chan struct{}, 16)}
}

func (r *recorder) Broadcast(ev event.Envelope) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if ev.Type == event.TypeRoundCrash {
		r.crashed <- struct{}{}
	}
}

func (r *recorder) snapshot() []event.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Envelope, len(r.events))
	copy(out, r.events)
	return out
}

func waitCrashes(t *testing.T, rec *recorder, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-rec.crashed:
		case <-deadline:
			t.Fatalf("timed out waiting for crash %d of %d", i+1, n)
		}
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero bet window", func(c *Config) { c.BetWindow = 0 }},
		{"zero play window", func(c *Config) { c.PlayWindow = 0 }},
		{"zero tick", func(c *Config) { c.TickInterval = 0 }},
		{"max crash at 1.0", func(c *Config) { c.MaxCrash = 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			if _, err := NewEngine(cfg, store.NewMemory(), newRecorder(), nil); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
	if _, err := NewEngine(testConfig(), store.NewMemory(), newRecorder(), nil); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestGrowthFactor(t *testing.T) {
	cfg := Config{BetWindow: time.Second, PlayWindow: 20 * time.Second, TickInterval: time.Second, MaxCrash: 120}
	if got, want := cfg.GrowthFactor(), 5.95; got != want {
		t.Fatalf("growth factor = %v, want %v", got, want)
	}
}

func TestMultiplierAt(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		elapsed time.Duration
		growth  float64
		want    float64
	}{
		{0, 5.95, 1.0},
		{1 * time.Second, 1.0, 2.0},
		{500 * time.Millisecond, 1.0, 1.5},
		{1 * time.Second, 5.95, 6.9}, // 6.95 truncated, never rounded up
		{-1 * time.Second, 5.95, 1.0},
	}
	for _, tc := range cases {
		if got := MultiplierAt(start, start.Add(tc.elapsed), tc.growth); got != tc.want {
			t.Fatalf("MultiplierAt(%v, growth %v) = %v, want %v", tc.elapsed, tc.growth, got, tc.want)
		}
	}
}

func TestRunCyclePhaseSequence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mem := store.NewMemory()
	rec := newRecorder()
	eng, err := NewEngine(testConfig(), mem, rec, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()
	waitCrashes(t, rec, 2)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after cancel")
	}

	events := rec.snapshot()
	var lastCommitment string
	var phase string
	var crashes int
	for _, ev := range events {
		switch ev.Type {
		case event.TypeRoundPending:
			if phase != "" && phase != "crash" {
				t.Fatalf("pending after %q", phase)
			}
			phase = "pending"
			lastCommitment = ev.Data.(event.RoundPending).Commitment
		case event.TypeRoundLive:
			if phase != "pending" {
				t.Fatalf("start after %q", phase)
			}
			phase = "live"
		case event.TypeMultiplierUpdate:
			if phase != "live" {
				t.Fatalf("multiplier update outside the live phase")
			}
		case event.TypeRoundCrash:
			if phase != "live" {
				t.Fatalf("crash after %q", phase)
			}
			phase = "crash"
			crashes++
			data := ev.Data.(event.RoundCrash)
			if !fair.Verify(data.Seed, lastCommitment) {
				t.Fatalf("round %d: revealed seed does not match the commitment", data.RoundNumber)
			}
			if got := fair.CrashPoint(data.Seed, data.RoundNumber, testConfig().MaxCrash); got != data.CrashPoint {
				t.Fatalf("round %d: broadcast crash %v, derived %v", data.RoundNumber, data.CrashPoint, got)
			}
		}
	}
	if crashes < 2 {
		t.Fatalf("observed %d crashes, want at least 2", crashes)
	}
}

func TestRunAssignsMonotonicRoundNumbers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mem := store.NewMemory()
	rec := newRecorder()
	eng, err := NewEngine(testConfig(), mem, rec, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	go eng.Run(ctx)
	waitCrashes(t, rec, 3)
	cancel()

	var want int64 = 1
	for _, ev := range rec.snapshot() {
		if ev.Type != event.TypeRoundCrash {
			continue
		}
		data := ev.Data.(event.RoundCrash)
		if data.RoundNumber != want {
			t.Fatalf("crash for round %d, want %d", data.RoundNumber, want)
		}
		r, err := mem.FindRoundByNumber(context.Background(), want)
		if err != nil {
			t.Fatalf("round %d not persisted: %v", want, err)
		}
		if r.Phase != store.PhaseCrashed || r.CrashPoint != data.CrashPoint {
			t.Fatalf("persisted round %d: phase %s crash %v", want, r.Phase, r.CrashPoint)
		}
		want++
	}
}

// failStore fails the Pending -> Live persistence write.
type failStore struct {
	store.Store
	failSave bool
}

var errSaveFailed = errors.New("save failed")

func (f *failStore) SaveRound(ctx context.Context, r *store.Round) error {
	if f.failSave {
		return errSaveFailed
	}
	return f.Store.SaveRound(ctx, r)
}

func TestRunCycleAbortsWhenLiveWriteFails(t *testing.T) {
	ctx := context.Background()
	fs := &failStore{Store: store.NewMemory(), failSave: true}
	eng, err := NewEngine(testConfig(), fs, newRecorder(), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	if err := eng.runCycle(ctx); !errors.Is(err, errSaveFailed) {
		t.Fatalf("runCycle error = %v, want errSaveFailed", err)
	}
	if _, ok := eng.Snapshot(); ok {
		t.Fatal("aborted cycle left an active round snapshot")
	}
	if _, ok := eng.CurrentMultiplier(); ok {
		t.Fatal("aborted cycle left a live multiplier")
	}
}

func TestCurrentMultiplierOnlyWhenLive(t *testing.T) {
	eng, err := NewEngine(testConfig(), store.NewMemory(), newRecorder(), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, ok := eng.CurrentMultiplier(); ok {
		t.Fatal("multiplier reported with no round")
	}
	eng.setCurrent(&store.Round{Number: 1, Phase: store.PhasePending})
	if _, ok := eng.CurrentMultiplier(); ok {
		t.Fatal("multiplier reported during the bet window")
	}
	eng.setCurrent(&store.Round{Number: 1, Phase: store.PhaseLive, LiveStart: time.Now()})
	if m, ok := eng.CurrentMultiplier(); !ok || m < 1.0 {
		t.Fatalf("live multiplier = %v, %v", m, ok)
	}
}
