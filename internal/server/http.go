package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"VaultLedger/internal/access"
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/lending"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/staking"
	"VaultLedger/internal/token"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server exposes the engine over HTTP/JSON.
type Server struct {
	engine  *core.Engine
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
}

func New(engine *core.Engine, health *observability.HealthChecker, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{engine: engine, health: health, metrics: metrics, log: log}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.instrument("stats", s.handleStats))

		r.Route("/lending", func(r chi.Router) {
			r.Get("/market", s.instrument("market", s.handleMarket))
			r.Get("/accounts/{account}", s.instrument("lending_account", s.handleLendingAccount))
			r.Post("/deposit", s.instrument("deposit", s.handleDeposit))
			r.Post("/borrow", s.instrument("borrow", s.handleBorrow))
			r.Post("/repay", s.instrument("repay", s.handleRepay))
			r.Post("/withdraw", s.instrument("withdraw", s.handleWithdraw))
			r.Post("/liquidate", s.instrument("liquidate", s.handleLiquidate))
		})

		r.Route("/staking", func(r chi.Router) {
			r.Get("/apr", s.instrument("apr", s.handleAPR))
			r.Get("/accounts/{account}", s.instrument("staking_account", s.handleStakingAccount))
			r.Post("/stake", s.instrument("stake", s.handleStake))
			r.Post("/cooldown", s.instrument("cooldown", s.handleCooldown))
			r.Post("/unstake", s.instrument("unstake", s.handleUnstake))
			r.Post("/claim", s.instrument("claim", s.handleClaim))
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/price", s.instrument("set_price", s.handleSetPrice))
			r.Post("/ltv", s.instrument("set_ltv", s.handleSetLTV))
			r.Post("/fund-pool", s.instrument("fund_pool", s.handleFundPool))
			r.Post("/reward-rate", s.instrument("reward_rate", s.handleRewardRate))
			r.Post("/fund-rewards", s.instrument("fund_rewards", s.handleFundRewards))
			r.Post("/emergency-withdraw", s.instrument("emergency_withdraw", s.handleEmergencyWithdraw))
		})
	})

	return r
}

// ListenAndServe runs the HTTP server until ctx-independent shutdown.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("http server listening")
	return srv.ListenAndServe()
}

func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
		}
		h(w, r)
		if s.metrics != nil {
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

// --- Request / response types ---

type amountRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type accountRequest struct {
	Account string `json:"account"`
}

type liquidateRequest struct {
	Caller   string `json:"caller"`
	Borrower string `json:"borrower"`
}

type priceRequest struct {
	Caller string `json:"caller"`
	Price  string `json:"price"`
}

type ltvRequest struct {
	Caller     string `json:"caller"`
	LTVPercent int64  `json:"ltv_percent"`
}

type rewardRateRequest struct {
	Caller     string `json:"caller"`
	APYPercent int64  `json:"apy_percent"`
}

type emergencyRequest struct {
	Caller  string `json:"caller"`
	Reserve string `json:"reserve"`
	Amount  string `json:"amount"`
}

type lendingAccountResponse struct {
	Account    string   `json:"account"`
	Collateral *big.Int `json:"collateral"`
	Debt       *big.Int `json:"debt"`
	Health     string   `json:"health"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.writeError(w, "stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.engine.Market(r.Context())
	if err != nil {
		s.writeError(w, "market", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"price":       market.Price,
		"ltv_percent": market.LTVPercent,
	})
}

func (s *Server) handleLendingAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := s.pathUUID(w, r, "account")
	if !ok {
		return
	}
	pos, err := s.engine.Position(r.Context(), account)
	if err != nil {
		s.writeError(w, "lending_account", err)
		return
	}
	health, err := s.engine.AccountHealth(r.Context(), account)
	if err != nil {
		s.writeError(w, "lending_account", err)
		return
	}
	s.writeJSON(w, http.StatusOK, lendingAccountResponse{
		Account:    account.String(),
		Collateral: pos.Collateral,
		Debt:       pos.Debt,
		Health:     health.String(),
	})
}

func (s *Server) handleStakingAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := s.pathUUID(w, r, "account")
	if !ok {
		return
	}
	info, err := s.engine.StakerInfo(r.Context(), account)
	if err != nil {
		s.writeError(w, "staking_account", err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAPR(w http.ResponseWriter, r *http.Request) {
	apr, err := s.engine.CurrentAPR(r.Context())
	if err != nil {
		s.writeError(w, "apr", err)
		return
	}
	resp := map[string]string{"apr": apr.String()}
	// Optional ?amount= returns the projected payout for staking that
	// amount for a year at the current rate.
	if raw := r.URL.Query().Get("amount"); raw != "" {
		amount, ok := s.parseAmount(w, raw)
		if !ok {
			return
		}
		yearly, err := s.engine.YearlyRewards(r.Context(), amount)
		if err != nil {
			s.writeError(w, "apr", err)
			return
		}
		resp["yearly_rewards"] = yearly.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.runAmountOp(w, r, "deposit", s.engine.DepositCollateral)
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	s.runAmountOp(w, r, "borrow", s.engine.Borrow)
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	s.runAmountOp(w, r, "repay", s.engine.Repay)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.runAmountOp(w, r, "withdraw", s.engine.WithdrawCollateral)
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	s.runAmountOp(w, r, "stake", s.engine.Stake)
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	s.runAmountOp(w, r, "unstake", s.engine.Unstake)
}

func (s *Server) handleFundPool(w http.ResponseWriter, r *http.Request) {
	s.runAmountOp(w, r, "fund_pool", s.engine.FundPool)
}

func (s *Server) handleFundRewards(w http.ResponseWriter, r *http.Request) {
	s.runAmountOp(w, r, "fund_rewards", s.engine.FundRewards)
}

func (s *Server) handleCooldown(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, ok := s.parseUUID(w, req.Account)
	if !ok {
		return
	}
	note, err := s.engine.StartCooldown(r.Context(), account)
	if err != nil {
		s.writeError(w, "cooldown", err)
		return
	}
	s.writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, ok := s.parseUUID(w, req.Account)
	if !ok {
		return
	}
	note, err := s.engine.ClaimRewards(r.Context(), account)
	if err != nil {
		s.writeError(w, "claim", err)
		return
	}
	s.writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := s.parseUUID(w, req.Caller)
	if !ok {
		return
	}
	borrower, ok := s.parseUUID(w, req.Borrower)
	if !ok {
		return
	}
	note, err := s.engine.Liquidate(r.Context(), caller, borrower)
	if err != nil {
		s.writeError(w, "liquidate", err)
		return
	}
	s.writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := s.parseUUID(w, req.Caller)
	if !ok {
		return
	}
	price, ok := s.parseAmount(w, req.Price)
	if !ok {
		return
	}
	note, err := s.engine.SetPrice(r.Context(), caller, price)
	if err != nil {
		s.writeError(w, "set_price", err)
		return
	}
	s.writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleSetLTV(w http.ResponseWriter, r *http.Request) {
	var req ltvRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := s.parseUUID(w, req.Caller)
	if !ok {
		return
	}
	note, err := s.engine.SetLTV(r.Context(), caller, req.LTVPercent)
	if err != nil {
		s.writeError(w, "set_ltv", err)
		return
	}
	s.writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleRewardRate(w http.ResponseWriter, r *http.Request) {
	var req rewardRateRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := s.parseUUID(w, req.Caller)
	if !ok {
		return
	}
	note, err := s.engine.UpdateRewardRate(r.Context(), caller, req.APYPercent)
	if err != nil {
		s.writeError(w, "reward_rate", err)
		return
	}
	s.writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := s.parseUUID(w, req.Caller)
	if !ok {
		return
	}
	amount, ok := s.parseAmount(w, req.Amount)
	if !ok {
		return
	}
	note, err := s.engine.EmergencyWithdraw(r.Context(), caller, req.Reserve, amount)
	if err != nil {
		s.writeError(w, "emergency_withdraw", err)
		return
	}
	s.writeJSON(w, http.StatusOK, note)
}

// --- Helpers ---

type amountOp func(ctx context.Context, account uuid.UUID, amount *big.Int) (*event.Notification, error)

// runAmountOp handles the common {account, amount} POST shape.
func (s *Server) runAmountOp(w http.ResponseWriter, r *http.Request, name string, op amountOp) {
	var req amountRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, ok := s.parseUUID(w, req.Account)
	if !ok {
		return
	}
	amount, ok := s.parseAmount(w, req.Amount)
	if !ok {
		return
	}
	note, err := op(r.Context(), account, amount)
	if err != nil {
		s.writeError(w, name, err)
		return
	}
	s.writeJSON(w, http.StatusOK, note)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return false
	}
	return true
}

func (s *Server) parseUUID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid account id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	return s.parseUUID(w, chi.URLParam(r, param))
}

// parseAmount reads a base-10 integer amount in token base units.
func (s *Server) parseAmount(w http.ResponseWriter, raw string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid amount"})
		return nil, false
	}
	return amount, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, endpoint string, err error) {
	status := statusFor(err)
	if s.metrics != nil {
		s.metrics.QueryErrors.WithLabelValues(endpoint, http.StatusText(status)).Inc()
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps operation errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, access.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, core.ErrReentrantCall):
		return http.StatusConflict
	case errors.Is(err, lending.ErrNotUndercollateralized),
		errors.Is(err, staking.ErrCooldownNotFinished),
		errors.Is(err, staking.ErrUnstakeWindowExpired),
		errors.Is(err, staking.ErrNotInCooldown):
		return http.StatusConflict
	case errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, staking.ErrInvalidAmount),
		errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrUnknownReserve),
		errors.Is(err, lending.ErrInvalidConfiguration),
		errors.Is(err, staking.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, lending.ErrInsufficientCollateral),
		errors.Is(err, lending.ErrExceedsBorrowLimit),
		errors.Is(err, lending.ErrInsufficientPoolLiquidity),
		errors.Is(err, lending.ErrInsufficientDebtToRepay),
		errors.Is(err, lending.ErrInsufficientCollateralAfterWithdrawal),
		errors.Is(err, staking.ErrInsufficientStake),
		errors.Is(err, staking.ErrNoRewardsToClaim),
		errors.Is(err, token.ErrTransferFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
