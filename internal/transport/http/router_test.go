package httptransport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempinbox/backend/internal/allocator"
	"tempinbox/backend/internal/config"
	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/health"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/service"
	"tempinbox/backend/internal/storage/memory"
)

type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type testServer struct {
	router *gin.Engine
	store  *memory.Store
	alloc  *allocator.Allocator
}

func testConfig() *config.Config {
	return &config.Config{
		Mailbox: config.MailboxConfig{
			AllowedDomains:  []string{"tempmail.io"},
			DefaultTTL:      time.Hour,
			MaxTTL:          24 * time.Hour,
			LocalPartLength: 10,
			ReuseCooldown:   time.Hour,
		},
		Sweeper: config.SweeperConfig{Interval: 30 * time.Second},
		CORS:    config.CORSConfig{AllowedOrigins: []string{"*"}},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	alloc := allocator.New(allocator.Options{
		Domains:         cfg.Mailbox.AllowedDomains,
		LocalPartLength: cfg.Mailbox.LocalPartLength,
		Cooldown:        cfg.Mailbox.ReuseCooldown,
		MaxActive:       cfg.Mailbox.MaxActive,
	})
	svc := service.NewMailboxService(store, alloc, cfg.Mailbox, zap.NewNop())

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetricsWith(reg, reg)

	router := NewRouter(RouterDependencies{
		Config:         cfg,
		MailboxService: svc,
		Metrics:        metrics,
		HealthChecker:  monitoring.NewHealthChecker(store, alloc, zap.NewNop(), "test"),
		Probes:         health.NewChecker(nil, zap.NewNop()),
		Logger:         zap.NewNop(),
	})
	return &testServer{router: router, store: store, alloc: alloc}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp apiResponse
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func (s *testServer) create(t *testing.T, body string) MailboxView {
	t.Helper()
	w, resp := s.do(t, http.MethodPost, "/mailbox", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var view MailboxView
	require.NoError(t, json.Unmarshal(resp.Data, &view))
	return view
}

func TestRouter_CreateMailbox(t *testing.T) {
	s := newTestServer(t, testConfig())

	view := s.create(t, "")
	assert.True(t, strings.HasSuffix(view.Address, "@tempmail.io"))
	assert.NotNil(t, view.Messages)
	assert.Empty(t, view.Messages)
	assert.Equal(t, time.Hour, view.ExpiresAt.Sub(view.CreatedAt))
	assert.True(t, s.store.Exists(view.Address))

	w, _ := s.do(t, http.MethodPost, "/mailbox", "")
	raw := w.Body.String()
	assert.Contains(t, raw, `"messages":[]`)
}

func TestRouter_CreateMailboxWithOptions(t *testing.T) {
	s := newTestServer(t, testConfig())

	view := s.create(t, `{"prefix":"Hello","ttl":600}`)
	assert.Equal(t, "hello@tempmail.io", view.Address)
	assert.Equal(t, 10*time.Minute, view.ExpiresAt.Sub(view.CreatedAt))

	w, resp := s.do(t, http.MethodPost, "/mailbox", `{"prefix":"hello"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, MsgAddressInUse, resp.Msg)

	view = s.create(t, `{"ttl":999999}`)
	assert.Equal(t, 24*time.Hour, view.ExpiresAt.Sub(view.CreatedAt))

	// 乘以秒会溢出的取值同样截断到上限
	view = s.create(t, `{"ttl":10000000000}`)
	assert.Equal(t, 24*time.Hour, view.ExpiresAt.Sub(view.CreatedAt))
}

func TestRouter_CreateMailboxValidation(t *testing.T) {
	s := newTestServer(t, testConfig())

	tests := []struct {
		name string
		body string
	}{
		{"负数有效期", `{"ttl":-1}`},
		{"溢出的负数有效期", `{"ttl":-10000000000}`},
		{"非法前缀", `{"prefix":"a!"}`},
		{"未管理的域名", `{"domain":"gmail.com"}`},
		{"JSON格式错误", `{"prefix":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := s.do(t, http.MethodPost, "/mailbox", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
		})
	}
}

func TestRouter_NamespaceExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.Mailbox.MaxActive = 1
	s := newTestServer(t, cfg)

	s.create(t, "")
	w, resp := s.do(t, http.MethodPost, "/mailbox", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, MsgNamespaceExhausted, resp.Msg)
}

func TestRouter_CreateRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Mailbox.CreatePerMinute = 1
	s := newTestServer(t, cfg)

	s.create(t, "")
	w, _ := s.do(t, http.MethodPost, "/mailbox", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRouter_MessageFlow(t *testing.T) {
	s := newTestServer(t, testConfig())
	view := s.create(t, "")

	_, err := s.store.Append(view.Address, &domain.Message{
		From:       "x@y.com",
		To:         view.Address,
		Subject:    "hi",
		Text:       "hello",
		ReceivedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	w, resp := s.do(t, http.MethodGet, "/mailbox/"+view.Address, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got MailboxView
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	require.Len(t, got.Messages, 1)
	msg := got.Messages[0]
	assert.Equal(t, "x@y.com", msg.Sender)
	assert.Equal(t, "hi", msg.Subject)
	assert.True(t, msg.IsNew)
	assert.Equal(t, 1, got.Unread)

	path := "/mailbox/" + view.Address + "/messages/" + msg.ID.String()
	w, resp = s.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, w.Code)
	var detail MessageView
	require.NoError(t, json.Unmarshal(resp.Data, &detail))
	assert.Equal(t, "hello", detail.Text)

	w, _ = s.do(t, http.MethodPost, path+"/read", "")
	require.Equal(t, http.StatusOK, w.Code)

	_, resp = s.do(t, http.MethodGet, "/mailbox/"+strings.ToUpper(view.Address), "")
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	require.Len(t, got.Messages, 1)
	assert.False(t, got.Messages[0].IsNew)
	assert.Zero(t, got.Unread)
}

func TestRouter_NotFound(t *testing.T) {
	s := newTestServer(t, testConfig())
	view := s.create(t, "")

	tests := []struct {
		name   string
		method string
		path   string
		msg    string
	}{
		{"邮箱不存在", http.MethodGet, "/mailbox/nobody0000@tempmail.io", MsgMailboxNotFound},
		{"邮件不存在", http.MethodGet, "/mailbox/" + view.Address + "/messages/42", MsgMessageNotFound},
		{"邮件编号非法", http.MethodPost, "/mailbox/" + view.Address + "/messages/abc/read", MsgMessageNotFound},
		{"标记不存在邮箱的邮件", http.MethodPost, "/mailbox/nobody0000@tempmail.io/messages/1/read", MsgMailboxNotFound},
		{"删除不存在的邮箱", http.MethodDelete, "/mailbox/nobody0000@tempmail.io", MsgMailboxNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := s.do(t, tt.method, tt.path, "")
			assert.Equal(t, http.StatusNotFound, w.Code)
			assert.Equal(t, tt.msg, resp.Msg)
		})
	}
}

func TestRouter_DeleteMailbox(t *testing.T) {
	s := newTestServer(t, testConfig())
	view := s.create(t, "")

	w, _ := s.do(t, http.MethodDelete, "/mailbox/"+view.Address, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, s.store.Exists(view.Address))
	assert.True(t, s.alloc.InCooldown(view.Address))

	w, _ = s.do(t, http.MethodGet, "/mailbox/"+view.Address, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_PublicConfig(t *testing.T) {
	s := newTestServer(t, testConfig())

	w, resp := s.do(t, http.MethodGet, "/v1/public/config", "")
	require.Equal(t, http.StatusOK, w.Code)

	var data struct {
		Domains       []string `json:"domains"`
		DefaultDomain string   `json:"defaultDomain"`
		DefaultTTL    int64    `json:"defaultTtl"`
		MaxTTL        int64    `json:"maxTtl"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, []string{"tempmail.io"}, data.Domains)
	assert.Equal(t, "tempmail.io", data.DefaultDomain)
	assert.Equal(t, int64(3600), data.DefaultTTL)
	assert.Equal(t, int64(86400), data.MaxTTL)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t, testConfig())
	s.create(t, "")

	w, _ := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var report monitoring.HealthReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Mailboxes)

	w, _ = s.do(t, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tempmail_http_requests_total")
}

func TestRouter_NoRoute(t *testing.T) {
	s := newTestServer(t, testConfig())

	w, resp := s.do(t, http.MethodGet, "/v1/mailboxes", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}
