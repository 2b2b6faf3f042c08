package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"vpn-subscription-bot/internal/engine"
	"vpn-subscription-bot/internal/panel"
	"vpn-subscription-bot/internal/services"
)

type fakeKeys struct {
	err      error
	lastReq  interface{}
	toggled  *bool
	deleted  string
	outcomes map[string]*engine.Outcome
}

func (f *fakeKeys) outcome(email string) *engine.Outcome {
	if o, ok := f.outcomes[email]; ok {
		return o
	}
	return &engine.Outcome{Email: email, Nodes: map[string]engine.NodeStatus{}}
}

func (f *fakeKeys) Create(_ context.Context, req engine.CreateRequest) (*engine.Outcome, error) {
	f.lastReq = req
	return f.outcome("new00001"), f.err
}

func (f *fakeKeys) Renew(_ context.Context, req engine.RenewRequest) (*engine.Outcome, error) {
	f.lastReq = req
	return f.outcome(req.Email), f.err
}

func (f *fakeKeys) Migrate(_ context.Context, email string, tariffID uint) (*engine.Outcome, error) {
	f.lastReq = tariffID
	return f.outcome(email), f.err
}

func (f *fakeKeys) Relocate(_ context.Context, email, cluster string) (*engine.Outcome, error) {
	f.lastReq = cluster
	return f.outcome(email), f.err
}

func (f *fakeKeys) Toggle(_ context.Context, email string, enable bool) (*engine.Outcome, error) {
	f.toggled = &enable
	return f.outcome(email), f.err
}

func (f *fakeKeys) ResetTraffic(_ context.Context, email string) (*engine.Outcome, error) {
	return f.outcome(email), f.err
}

func (f *fakeKeys) UpdateAll(_ context.Context, email string) (*engine.Outcome, error) {
	return f.outcome(email), f.err
}

func (f *fakeKeys) Delete(_ context.Context, email string) (*engine.Outcome, error) {
	f.deleted = email
	return f.outcome(email), f.err
}

func (f *fakeKeys) GetTraffic(_ context.Context, email string) (*engine.TrafficReport, error) {
	return &engine.TrafficReport{Total: 1024, PerServer: map[string]int64{"de-1": 1024}}, f.err
}

func (f *fakeKeys) Link(_ context.Context, email string) (*engine.Outcome, error) {
	if f.err != nil {
		return nil, f.err
	}
	o := f.outcome(email)
	o.Link = "https://sub.example.com/" + email
	return o, nil
}

type fakeStatuses []services.ServerStatus

func (f fakeStatuses) Statuses() []services.ServerStatus { return f }

func newTestServer(t *testing.T, keys *fakeKeys) (*Server, http.Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	s := New(keys, fakeStatuses{{Name: "de-1", Cluster: "de", Status: services.StatusOnline}}, Config{
		User:         "admin",
		PasswordHash: string(hash),
		JWTSecret:    "jwt-test-secret",
		RPS:          1000,
		Burst:        1000,
	})
	return s, s.Router()
}

func do(h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := do(h, http.MethodPost, "/api/login", "", `{"username":"admin","password":"s3cret"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	_, h := newTestServer(t, &fakeKeys{})
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/metrics", "", "").Code)
}

func TestLogin(t *testing.T) {
	_, h := newTestServer(t, &fakeKeys{})
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodPost, "/api/login", "", `{"username":"admin","password":"nope"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodPost, "/api/login", "", `{"username":"root","password":"s3cret"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/login", "", `{}`).Code)
	login(t, h)
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	s, h := newTestServer(t, &fakeKeys{})
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/keys/abc", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/servers", "garbage", "").Code)

	// просроченный токен
	s.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	old, err := s.GenerateToken("admin")
	require.NoError(t, err)
	s.now = time.Now
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/servers", old, "").Code)

	// чужой секрет
	other := New(nil, nil, Config{JWTSecret: "other"})
	forged, err := other.GenerateToken("admin")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/api/servers", forged, "").Code)
}

func TestKeyRoutes(t *testing.T) {
	keys := &fakeKeys{}
	_, h := newTestServer(t, keys)
	token := login(t, h)

	rec := do(h, http.MethodGet, "/api/keys/ab12cd34", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://sub.example.com/ab12cd34")

	rec = do(h, http.MethodPost, "/api/keys", token, `{"tg_id":5,"tariff_id":2,"cluster":"de"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	req := keys.lastReq.(engine.CreateRequest)
	assert.Equal(t, int64(5), req.TgID)
	assert.Equal(t, "de", req.Cluster)

	rec = do(h, http.MethodPost, "/api/keys/ab12cd34/renew", token, `{"days":30,"tariff_id":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	renew := keys.lastReq.(engine.RenewRequest)
	assert.Equal(t, 30, renew.Days)
	assert.Equal(t, "ab12cd34", renew.Email)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/keys/ab12cd34/renew", token, `{"days":-1}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/api/keys/ab12cd34/toggle", token, `{}`).Code)

	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/api/keys/ab12cd34/toggle", token, `{"enable":false}`).Code)
	require.NotNil(t, keys.toggled)
	assert.False(t, *keys.toggled)

	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/api/keys/ab12cd34/migrate", token, `{"tariff_id":9}`).Code)
	assert.Equal(t, uint(9), keys.lastReq)

	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/api/keys/ab12cd34/relocate", token, `{"cluster":"nl"}`).Code)
	assert.Equal(t, "nl", keys.lastReq)

	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/api/keys/ab12cd34/reset-traffic", token, "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/api/keys/ab12cd34/update-all", token, "").Code)

	rec = do(h, http.MethodGet, "/api/keys/ab12cd34/traffic", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1024`)

	assert.Equal(t, http.StatusOK, do(h, http.MethodDelete, "/api/keys/ab12cd34", token, "").Code)
	assert.Equal(t, "ab12cd34", keys.deleted)

	rec = do(h, http.MethodGet, "/api/servers", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "de-1")
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{engine.ErrKeyNotFound, http.StatusNotFound},
		{engine.ErrFSMBusy, http.StatusConflict},
		{engine.ErrInvalidExpiry, http.StatusUnprocessableEntity},
		{engine.ErrInsufficientBalance, http.StatusPaymentRequired},
		{fmt.Errorf("%w: %w", engine.ErrCreateFailed, engine.ErrNoServersAvailable), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: %w: boom", engine.ErrRenewFailed, engine.ErrPanelUnreachable), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: %w: boom", engine.ErrRenewFailed, engine.ErrPanelRejected), http.StatusBadGateway},
	}
	for _, tt := range tests {
		keys := &fakeKeys{err: tt.err}
		_, h := newTestServer(t, keys)
		token := login(t, h)
		rec := do(h, http.MethodPost, "/api/keys/ab12cd34/renew", token, `{"days":1}`)
		assert.Equal(t, tt.want, rec.Code, tt.err.Error())
	}
}

func TestErrorResponseCarriesNodes(t *testing.T) {
	keys := &fakeKeys{
		err: fmt.Errorf("%w: %w: down", engine.ErrOperationFailed, engine.ErrPanelUnreachable),
		outcomes: map[string]*engine.Outcome{"ab12cd34": {Email: "ab12cd34", Nodes: map[string]engine.NodeStatus{
			"de-1": {Panel: panel.TypeThreeXUI, Kind: panel.KindUnreachable, Err: "dial tcp: refused"},
		}}},
	}
	_, h := newTestServer(t, keys)
	token := login(t, h)
	rec := do(h, http.MethodPost, "/api/keys/ab12cd34/reset-traffic", token, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "dial tcp: refused")
}

func TestRateLimitPerIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(&fakeKeys{}, nil, Config{JWTSecret: "x", RPS: 0.001, Burst: 2})
	h := s.Router()
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodGet, "/health", "", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
