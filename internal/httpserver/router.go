package httpserver

import (
	"net/http"

	"simtrade/internal/accounts"
	"simtrade/internal/auth"
	"simtrade/internal/battle"
	"simtrade/internal/httputil"
	"simtrade/internal/ledger"
	"simtrade/internal/marketdata"
	"simtrade/internal/merge"
	"simtrade/internal/trading"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type RouterDeps struct {
	AuthHandler     *auth.Handler
	AccountsHandler *accounts.Handler
	TradeHandler    *trading.Handler
	BattleHandler   *battle.Handler
	MergeHandler    *merge.Handler
	LedgerHandler   *ledger.Handler
	MarketHandler   *marketdata.Handler
	Tokens          TokenParser
	InternalToken   string
	Origin          string
	WSHandler       http.Handler
	HealthHandler   http.Handler
	MetricsHandler  http.Handler
	RateLimiter     *RateLimiter
	Log             *zap.Logger
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func withUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserID(r)
		if !ok {
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
			return
		}
		h(w, r, userID)
	}
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(d.Log))
	r.Use(CORS(d.Origin))
	r.Use(SecurityHeaders)

	if d.HealthHandler != nil {
		r.Method(http.MethodGet, "/health", d.HealthHandler)
	} else {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	}
	if d.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", d.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}
		r.Post("/auth/register", d.AuthHandler.Register)
		r.Route("/market", func(r chi.Router) {
			r.Get("/snapshots", d.MarketHandler.List)
			r.Get("/snapshots/{symbol}", d.MarketHandler.Get)
			if d.WSHandler != nil {
				r.Method(http.MethodGet, "/ws", d.WSHandler)
			}
		})
		r.Group(func(r chi.Router) {
			r.Use(WithAuth(d.Tokens))
			r.Post("/auth/bind-phone", withUser(d.AuthHandler.BindPhone))

			r.Get("/account", withUser(d.AccountsHandler.Get))
			r.Get("/account/holdings", withUser(d.AccountsHandler.Holdings))
			r.Get("/account/summary", withUser(d.AccountsHandler.Summary))
			r.Get("/account/trades", withUser(d.TradeHandler.Trades))
			r.Get("/account/ledger", withUser(d.LedgerHandler.Entries))

			r.Post("/trade/buy", withUser(d.TradeHandler.Buy))
			r.Post("/trade/sell", withUser(d.TradeHandler.Sell))

			r.Get("/battle/config", withUser(d.BattleHandler.Config))
			r.Post("/battle/orders", withUser(d.BattleHandler.Create))
			r.Get("/battle/orders", withUser(d.BattleHandler.List))
			r.Post("/battle/orders/{id}/cancel", withUser(d.BattleHandler.Cancel))
		})
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuth(d.InternalToken))
		r.Post("/battle/settle", d.BattleHandler.Settle)
		r.Post("/accounts/merge", d.MergeHandler.Merge)
		r.Get("/ledger/{userID}/verify", d.LedgerHandler.Verify)
	})
	return r
}
