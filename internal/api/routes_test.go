package api

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pumptrader/internal/config"
	"pumptrader/internal/models"
	"pumptrader/pkg/crypto"
)

type stubEngine struct{ resumed bool }

func (s *stubEngine) Trades() []models.TradeRecord {
	return []models.TradeRecord{{Symbol: "BTCUSDT", RuleID: "Rule 8", State: models.TradeStateActive}}
}
func (s *stubEngine) CloseTrade(ctx context.Context, key models.TradeKey, reason string) error {
	return nil
}
func (s *stubEngine) Symbols() []string      { return []string{"BTCUSDT"} }
func (s *stubEngine) Halted() (bool, string) { return false, "" }
func (s *stubEngine) Resume()                { s.resumed = true }
func (s *stubEngine) ActiveCount() int       { return 0 }

type stubRisk struct{}

func (stubRisk) State() models.RiskState  { return models.RiskState{PositionSizeMultiplier: 1} }
func (stubRisk) Resume() models.RiskState { return models.RiskState{PositionSizeMultiplier: 1} }

func newTestRouter(t *testing.T, token string) (http.Handler, *stubEngine) {
	t.Helper()
	var hash string
	if token != "" {
		var err error
		hash, err = crypto.HashToken(token, 4)
		require.NoError(t, err)
	}
	engine := &stubEngine{}
	router := SetupRoutes(&Dependencies{
		Engine:         engine,
		Risk:           stubRisk{},
		AdminTokenHash: hash,
		WebSocket: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusSwitchingProtocols)
		},
	})
	return router, engine
}

func do(h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRoutes_PublicEndpoints(t *testing.T) {
	router, _ := newTestRouter(t, "")

	w := do(router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "OK", w.Body.String())

	w = do(router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRoutes_AdminDisabledWithoutToken(t *testing.T) {
	router, _ := newTestRouter(t, "")

	require.Equal(t, http.StatusForbidden, do(router, http.MethodGet, "/api/trades", "x").Code)
	require.Equal(t, http.StatusForbidden, do(router, http.MethodGet, "/ws", "x").Code)
}

func TestRoutes_Authorized(t *testing.T) {
	router, engine := newTestRouter(t, "admin-token")

	require.Equal(t, http.StatusUnauthorized, do(router, http.MethodGet, "/api/trades", "").Code)

	w := do(router, http.MethodGet, "/api/trades", "admin-token")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"symbol":"BTCUSDT"`)

	w = do(router, http.MethodPost, "/api/trades/BTCUSDT/Rule%208/close", "admin-token")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(router, http.MethodPost, "/api/risk/resume", "admin-token")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, engine.resumed)

	// метод не разрешен
	require.Equal(t, http.StatusMethodNotAllowed, do(router, http.MethodDelete, "/api/trades", "admin-token").Code)

	// маршруты без зависимостей не регистрируются
	require.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/api/blacklist", "admin-token").Code)

	require.Equal(t, http.StatusSwitchingProtocols, do(router, http.MethodGet, "/ws?token=admin-token", "").Code)
}

func TestServer_GracefulShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	router, _ := newTestRouter(t, "")
	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, router, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(url)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.True(t, strings.HasPrefix(string(body), "OK"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
