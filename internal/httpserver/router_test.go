package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"simtrade/internal/accounts"
	"simtrade/internal/auth"
	"simtrade/internal/battle"
	"simtrade/internal/holdings"
	"simtrade/internal/ledger"
	"simtrade/internal/marketdata"
	"simtrade/internal/merge"
	"simtrade/internal/model"
	"simtrade/internal/store/memory"
	"simtrade/internal/trading"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

type server struct {
	handler http.Handler
	auth    *auth.Service
	bus     *marketdata.Bus
	snaps   *marketdata.SnapshotStore
}

func newServer(t *testing.T, limiter *RateLimiter) *server {
	t.Helper()
	st := memory.New()
	led := ledger.NewService(nil)
	snaps := marketdata.NewSnapshotStore()
	snaps.Replace([]marketdata.Snapshot{{Symbol: "600519", Name: "Moutai", Price: decimal.NewFromInt(10)}}, time.Now())
	bus := marketdata.NewBus()
	merger := merge.NewService(st, nil, nil, nil)
	authSvc := auth.NewService(st, led, merger, "simtrade", []byte("secret"), time.Hour)
	engine, err := battle.NewEngine(st, led, snaps, battle.Options{Enabled: true, Rules: battle.DefaultRules(), Bus: bus})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(engine.Close)
	tradeSvc := trading.NewService(st, led, holdings.NewBook(), snaps, trading.Options{FeeRate: decimal.Zero})

	h := NewRouter(RouterDeps{
		AuthHandler:     auth.NewHandler(authSvc),
		AccountsHandler: accounts.NewHandler(accounts.NewService(st, snaps)),
		TradeHandler:    trading.NewHandler(tradeSvc),
		BattleHandler:   battle.NewHandler(engine),
		MergeHandler:    merge.NewHandler(merger),
		LedgerHandler:   ledger.NewHandler(led, st),
		MarketHandler:   marketdata.NewHandler(snaps),
		Tokens:          authSvc,
		InternalToken:   "internal",
		Origin:          "*",
		WSHandler:       NewWSHandler(bus, snaps, authSvc, "*", nil),
		RateLimiter:     limiter,
	})
	return &server{handler: h, auth: authSvc, bus: bus, snaps: snaps}
}

func (s *server) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *server) register(t *testing.T, externalID string) auth.Registration {
	t.Helper()
	rec := s.do(http.MethodPost, "/v1/auth/register", "", `{"external_id":"`+externalID+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	var reg auth.Registration
	if err := json.Unmarshal(rec.Body.Bytes(), &reg); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestRouterFlow(t *testing.T) {
	s := newServer(t, nil)
	reg := s.register(t, "openid-1")

	if rec := s.do(http.MethodGet, "/v1/account", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := s.do(http.MethodGet, "/v1/account", "nonsense", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rec.Code)
	}
	rec := s.do(http.MethodGet, "/v1/account", reg.AccessToken, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), reg.UserID) {
		t.Fatalf("account: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}

	rec = s.do(http.MethodPost, "/v1/trade/buy", reg.AccessToken, `{"symbol":"600519","amount":100}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("buy: %d %s", rec.Code, rec.Body.String())
	}
	rec = s.do(http.MethodGet, "/v1/account/trades", reg.AccessToken, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"symbol":"600519"`) {
		t.Fatalf("trades: %d %s", rec.Code, rec.Body.String())
	}
	rec = s.do(http.MethodGet, "/v1/account/holdings", reg.AccessToken, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"amount":100`) {
		t.Fatalf("holdings: %d %s", rec.Code, rec.Body.String())
	}
	rec = s.do(http.MethodGet, "/v1/market/snapshots/600519", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot: %d %s", rec.Code, rec.Body.String())
	}
}

func TestInternalRoutesNeedToken(t *testing.T) {
	s := newServer(t, nil)
	reg := s.register(t, "openid-1")

	if rec := s.do(http.MethodPost, "/internal/battle/settle", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/internal/ledger/"+reg.UserID+"/verify", nil)
	req.Header.Set("X-Internal-Token", "internal")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("verify: %d %s", rec.Code, rec.Body.String())
	}

	if rec := internalAuthStatus(""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("an empty internal token must lock the routes, got %d", rec.Code)
	}
}

func internalAuthStatus(token string) *httptest.ResponseRecorder {
	h := InternalAuth(token)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	return rec
}

func TestRateLimiter(t *testing.T) {
	s := newServer(t, NewRateLimiter(0.001, 2))
	for i := 0; i < 2; i++ {
		if rec := s.do(http.MethodGet, "/v1/market/snapshots", "", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
	if rec := s.do(http.MethodGet, "/v1/market/snapshots", "", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec := s.do(http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("health sits outside the limiter, got %d", rec.Code)
	}

	rl := NewRateLimiter(1, 1)
	rl.Allow("a")
	if n := rl.Prune(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("expected one idle client pruned, got %d", n)
	}
}

func TestDeliver(t *testing.T) {
	cases := []struct {
		name string
		evt  marketdata.Event
		want bool
	}{
		{"snapshots go to everyone", marketdata.Event{Type: marketdata.EventSnapshots}, true},
		{"own settlement", marketdata.Event{Type: marketdata.EventSettled, Data: model.BattleOrder{UserID: "u1"}}, true},
		{"someone else's settlement", marketdata.Event{Type: marketdata.EventSettled, Data: model.BattleOrder{UserID: "u2"}}, false},
		{"unknown type", marketdata.Event{Type: "quote"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := deliver(tc.evt, "u1"); got != tc.want {
				t.Fatalf("deliver = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWebSocket(t *testing.T) {
	s := newServer(t, nil)
	reg := s.register(t, "openid-1")
	srv := httptest.NewServer(s.handler)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/market/ws"

	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+reg.AccessToken, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var evt struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := conn.ReadJSON(&evt); err != nil || evt.Type != marketdata.EventSnapshots {
		t.Fatalf("expected initial snapshots, got %+v %v", evt, err)
	}

	s.bus.Publish(marketdata.Event{Type: marketdata.EventSettled, Data: model.BattleOrder{ID: "other", UserID: "someone-else"}})
	s.bus.Publish(marketdata.Event{Type: marketdata.EventSettled, Data: model.BattleOrder{ID: "mine", UserID: reg.UserID}})
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatal(err)
	}
	if evt.Type != marketdata.EventSettled || !strings.Contains(string(evt.Data), `"mine"`) {
		t.Fatalf("expected own settlement only, got %s %s", evt.Type, evt.Data)
	}
}
