// Package api exposes the HTTP surface: bets, cash-outs, wallet and round
// queries, fairness verification and the websocket upgrade.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"crashd/internal/config"
	"crashd/internal/fair"
	"crashd/internal/ledger"
	"crashd/internal/oracle"
	"crashd/internal/round"
	"crashd/internal/store"
	"crashd/internal/ws"
)

type Server struct {
	cfg    config.APIConfig
	log    *slog.Logger
	ledger *ledger.Service
	engine *round.Engine
	store  store.Store
	hub    *ws.Hub
	mux    *chi.Mux
}

func New(cfg config.APIConfig, logger *slog.Logger, ledgerSvc *ledger.Service, engine *round.Engine, st store.Store, hub *ws.Hub) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		log:    logger,
		ledger: ledgerSvc,
		engine: engine,
		store:  st,
		hub:    hub,
		mux:    chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Get("/ws", s.hub.ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/bet", s.handleBet)
		r.Post("/cashout", s.handleCashout)
		r.Get("/wallet/{user_id}", s.handleWallet)
		r.Get("/rounds/current", s.handleCurrentRound)
		r.Get("/rounds/{number}", s.handleRound)
		r.Get("/verify", s.handleVerify)
	})
}

type betRequest struct {
	UserID      string          `json:"user_id"`
	RoundNumber int64           `json:"round_number"`
	USDAmount   decimal.Decimal `json:"usd_amount"`
	Currency    string          `json:"currency"`
}

func (s *Server) handleBet(w http.ResponseWriter, r *http.Request) {
	var req betRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Omitted round number targets the active round.
	if req.RoundNumber == 0 {
		if snap, ok := s.engine.Snapshot(); ok {
			req.RoundNumber = snap.Round.Number
		}
	}
	tx, err := s.ledger.PlaceBet(r.Context(), req.UserID, req.RoundNumber, req.USDAmount, req.Currency)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transaction": tx})
}

type cashoutRequest struct {
	UserID      string `json:"user_id"`
	RoundNumber int64  `json:"round_number"`
	Currency    string `json:"currency"`
}

func (s *Server) handleCashout(w http.ResponseWriter, r *http.Request) {
	var req cashoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tx, err := s.ledger.CashOut(r.Context(), req.UserID, req.RoundNumber, req.Currency)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	view, err := s.ledger.WalletSnapshot(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// roundView is the public projection of a round. The seed stays hidden until
// the crash reveal; the commitment is always visible.
type roundView struct {
	RoundNumber int64       `json:"round_number"`
	Commitment  string      `json:"commitment"`
	Phase       store.Phase `json:"phase"`
	CrashPoint  *float64    `json:"crash_point,omitempty"`
	Seed        string      `json:"seed,omitempty"`
	Multiplier  *float64    `json:"multiplier,omitempty"`
}

func publicRound(r store.Round) roundView {
	v := roundView{
		RoundNumber: r.Number,
		Commitment:  r.Commitment,
		Phase:       r.Phase,
	}
	if r.Phase == store.PhaseCrashed {
		cp := r.CrashPoint
		v.CrashPoint = &cp
		v.Seed = r.Seed
	}
	return v
}

func (s *Server) handleCurrentRound(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.engine.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, "no active round")
		return
	}
	v := publicRound(snap.Round)
	if m, live := s.engine.CurrentMultiplier(); live {
		v.Multiplier = &m
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRound(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.ParseInt(chi.URLParam(r, "number"), 10, 64)
	if err != nil || number <= 0 {
		writeError(w, http.StatusBadRequest, "invalid round number")
		return
	}
	rd, err := s.store.FindRoundByNumber(r.Context(), number)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicRound(rd))
}

// handleVerify recomputes the commitment and crash point from a revealed
// seed so players can audit a finished round.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	seed := strings.TrimSpace(q.Get("seed"))
	commitment := strings.TrimSpace(q.Get("commitment"))
	if seed == "" || commitment == "" {
		writeError(w, http.StatusBadRequest, "seed and commitment are required")
		return
	}
	resp := map[string]any{
		"valid":      fair.Verify(seed, commitment),
		"commitment": fair.Commit(seed),
	}
	if raw := strings.TrimSpace(q.Get("round_number")); raw != "" {
		number, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || number <= 0 {
			writeError(w, http.StatusBadRequest, "invalid round number")
			return
		}
		resp["round_number"] = number
		resp["crash_point"] = fair.CrashPoint(seed, number, s.engine.Config().MaxCrash)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrDuplicateBet), errors.Is(err, ledger.ErrDuplicateCashout):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrRoundClosed), errors.Is(err, ledger.ErrAlreadyCrashed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrNoBet):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInsufficientFunds):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrUserNotFound), errors.Is(err, store.ErrRoundNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, oracle.ErrUnsupportedCurrency):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, oracle.ErrUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}
