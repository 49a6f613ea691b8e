package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/pos-offline-queue/internal/audit"
	"github.com/tbourn/pos-offline-queue/internal/domain"
	"github.com/tbourn/pos-offline-queue/internal/http/middleware"
	"github.com/tbourn/pos-offline-queue/internal/services"
	"github.com/tbourn/pos-offline-queue/internal/syncer"
)

// stubService scripts the service layer per test.
type stubService struct {
	queueID  string
	queueErr error
	gotInput services.QueueInput

	syncRes syncer.Result
	syncErr error
	gotSync string

	clearErr error
	gotClear string

	stats services.Stats
}

func (s *stubService) QueueRequest(_ context.Context, _ *domain.Session, in services.QueueInput) (string, error) {
	s.gotInput = in
	return s.queueID, s.queueErr
}

func (s *stubService) SyncQueue(_ context.Context, _ *domain.Session, restaurantID string) (syncer.Result, error) {
	s.gotSync = restaurantID
	return s.syncRes, s.syncErr
}

func (s *stubService) ClearQueue(_ context.Context, _ *domain.Session, restaurantID string) error {
	s.gotClear = restaurantID
	return s.clearErr
}

func (s *stubService) GetStatistics() services.Stats { return s.stats }

type stubAudit struct{ entries []audit.Entry }

func (a *stubAudit) Entries() []audit.Entry { return a.entries }

// newRouter mounts the handlers behind the session middleware, the way the
// real router does.
func newRouter(svc QueueService, log AuditLog) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Session())

	h := New(svc, log)
	r.POST("/queue", h.SubmitRequest)
	r.POST("/queue/sync", h.SyncNow)
	r.DELETE("/queue", h.ClearQueue)
	r.GET("/queue/stats", h.GetStatistics)
	r.GET("/queue/audit", h.GetAuditLog)
	return r
}

func identify(req *http.Request) {
	req.Header.Set(middleware.HeaderUserID, "user-1")
	req.Header.Set(middleware.HeaderRestaurantID, "rest-1")
}

func TestSubmitRequest_Accepted(t *testing.T) {
	svc := &stubService{queueID: "req-123"}
	r := newRouter(svc, &stubAudit{})

	body := `{"method":"POST","endpoint":"/api/orders","entity_type":"order","action":"create","payload":{"total":12.5}}`
	req := httptest.NewRequest(http.MethodPost, "/queue", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	identify(req)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d; want 202: %s", w.Code, w.Body.String())
	}
	var resp QueueSubmitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp.RequestID != "req-123" || resp.Status != "queued" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if svc.gotInput.Method != "POST" || svc.gotInput.Endpoint != "/api/orders" ||
		svc.gotInput.EntityType != "order" || svc.gotInput.Action != "create" {
		t.Fatalf("service received %+v", svc.gotInput)
	}
}

func TestSubmitRequest_NoIdentity401(t *testing.T) {
	r := newRouter(&stubService{}, &stubAudit{})

	req := httptest.NewRequest(http.MethodPost, "/queue", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d; want 401", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"code":"unauthorized"`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestSubmitRequest_MalformedJSON400(t *testing.T) {
	r := newRouter(&stubService{}, &stubAudit{})

	req := httptest.NewRequest(http.MethodPost, "/queue", strings.NewReader(`{not json`))
	req.Header.Set("Content-Type", "application/json")
	identify(req)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"code":"bad_request"`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestSubmitRequest_ErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"unauthorized", services.ErrUnauthorized, http.StatusUnauthorized, ErrCodeUnauthorized},
		{"tenant violation", services.ErrTenantViolation, http.StatusForbidden, ErrCodeTenantViolation},
		{"forbidden", services.ErrForbidden, http.StatusForbidden, ErrCodeForbidden},
		{"overflow", services.ErrQueueOverflow, http.StatusTooManyRequests, ErrCodeQueueFull},
		{"bad request", services.ErrBadRequest, http.StatusBadRequest, ErrCodeBadRequest},
		{"validation", services.ErrValidation, http.StatusBadRequest, ErrCodeValidationFailed},
		{"encryption", services.ErrEncryption, http.StatusInternalServerError, ErrCodeEncryptionFailed},
		{"internal", services.ErrInternal, http.StatusInternalServerError, ErrCodeInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRouter(&stubService{queueErr: tc.err}, &stubAudit{})

			req := httptest.NewRequest(http.MethodPost, "/queue", strings.NewReader(`{"method":"POST"}`))
			req.Header.Set("Content-Type", "application/json")
			identify(req)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d; want %d: %s", w.Code, tc.wantStatus, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), `"code":"`+tc.wantCode+`"`) {
				t.Fatalf("expected code %s, got: %s", tc.wantCode, w.Body.String())
			}
			if tc.err == services.ErrQueueOverflow {
				if w.Header().Get("Retry-After") != "30" {
					t.Fatalf("overflow must carry Retry-After")
				}
			}
		})
	}
}

func TestSyncNow_ScopeAndResult(t *testing.T) {
	svc := &stubService{syncRes: syncer.Result{Success: true, SyncedCount: 3, ConflictCount: 1}}
	r := newRouter(svc, &stubAudit{})

	req := httptest.NewRequest(http.MethodPost, "/queue/sync?restaurant_id=rest-9", nil)
	identify(req)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if svc.gotSync != "rest-9" {
		t.Fatalf("service scope = %q; want rest-9", svc.gotSync)
	}
	var res syncer.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if !res.Success || res.SyncedCount != 3 || res.ConflictCount != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestClearQueue_NoContent(t *testing.T) {
	svc := &stubService{}
	r := newRouter(svc, &stubAudit{})

	req := httptest.NewRequest(http.MethodDelete, "/queue?restaurant_id=rest-2", nil)
	identify(req)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d; want 204", w.Code)
	}
	if svc.gotClear != "rest-2" {
		t.Fatalf("service scope = %q; want rest-2", svc.gotClear)
	}
}

func TestGetStatistics(t *testing.T) {
	svc := &stubService{stats: services.Stats{QueueSize: 7, IsOnline: true, TotalSynced: 40}}
	r := newRouter(svc, &stubAudit{})

	req := httptest.NewRequest(http.MethodGet, "/queue/stats", nil)
	identify(req)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var stats services.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if stats.QueueSize != 7 || !stats.IsOnline || stats.TotalSynced != 40 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestGetAuditLog_OwnerOnly(t *testing.T) {
	log := &stubAudit{entries: []audit.Entry{
		{Timestamp: time.Now(), Event: "QUEUE_REQUEST", Severity: "INFO"},
		{Timestamp: time.Now(), Event: "ACCESS_DENIED", Severity: "CRITICAL"},
	}}
	r := newRouter(&stubService{}, log)

	// Regular user: 403.
	req := httptest.NewRequest(http.MethodGet, "/queue/audit", nil)
	identify(req)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("regular user: status = %d; want 403", w.Code)
	}

	// Platform owner: full trail.
	req = httptest.NewRequest(http.MethodGet, "/queue/audit", nil)
	identify(req)
	req.Header.Set(middleware.HeaderPlatformOwner, "true")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("owner: status = %d: %s", w.Code, w.Body.String())
	}
	var resp AuditResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp.Count != 2 || len(resp.Entries) != 2 || resp.Entries[1].Event != "ACCESS_DENIED" {
		t.Fatalf("unexpected audit response: %+v", resp)
	}
}

func TestGetAuditLog_Pagination(t *testing.T) {
	entries := make([]audit.Entry, 5)
	for i := range entries {
		entries[i] = audit.Entry{Timestamp: time.Now(), Event: "QUEUE_REQUEST", Severity: "INFO",
			Details: map[string]any{"n": i}}
	}
	r := newRouter(&stubService{}, &stubAudit{entries: entries})

	get := func(query string) AuditResponse {
		req := httptest.NewRequest(http.MethodGet, "/queue/audit"+query, nil)
		identify(req)
		req.Header.Set(middleware.HeaderPlatformOwner, "true")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("GET audit%s: status = %d", query, w.Code)
		}
		var resp AuditResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("bad body: %v", err)
		}
		return resp
	}

	// Middle page.
	resp := get("?offset=1&limit=2")
	if resp.Count != 5 || len(resp.Entries) != 2 {
		t.Fatalf("page: %+v", resp)
	}

	// Offset past the end clamps to an empty page.
	resp = get("?offset=99&limit=2")
	if resp.Count != 5 || len(resp.Entries) != 0 {
		t.Fatalf("clamped page: %+v", resp)
	}

	// Garbage parameters fall back to defaults, returning everything here.
	resp = get("?offset=x&limit=-3")
	if len(resp.Entries) != 5 {
		t.Fatalf("default page: %+v", resp)
	}
}

func TestEndpointsRequireIdentity(t *testing.T) {
	r := newRouter(&stubService{}, &stubAudit{})

	reqs := []*http.Request{
		httptest.NewRequest(http.MethodPost, "/queue/sync", nil),
		httptest.NewRequest(http.MethodDelete, "/queue", nil),
		httptest.NewRequest(http.MethodGet, "/queue/stats", nil),
		httptest.NewRequest(http.MethodGet, "/queue/audit", nil),
	}
	for _, req := range reqs {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: status = %d; want 401", req.Method, req.URL.Path, w.Code)
		}
	}
}
