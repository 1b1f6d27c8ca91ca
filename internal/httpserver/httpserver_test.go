package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"salonnotif/internal/domain"
	"salonnotif/internal/service"
	"salonnotif/internal/store/memory"
)

type fakeGate struct {
	adm   service.Admission
	err   error
	token string
	body  string
}

func (g *fakeGate) Admit(_ context.Context, token string, body []byte) (service.Admission, error) {
	g.token, g.body = token, string(body)
	return g.adm, g.err
}

func newWebhookRouter(g *fakeGate) http.Handler {
	s := New()
	(&Webhook{Gate: g, Secret: "s3cret"}).Register(s.Mux)
	return s.Mux
}

func postWebhook(h http.Handler, secret, requestID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/altegio", strings.NewReader(body))
	if secret != "" {
		req.Header.Set(HeaderWebhookSecret, secret)
	}
	if requestID != "" {
		req.Header.Set(HeaderRequestID, requestID)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestWebhookAccepted(t *testing.T) {
	g := &fakeGate{adm: service.Admission{Status: service.AdmissionAccepted, EventKey: "rid:abc", JobID: "01J"}}
	rr := postWebhook(newWebhookRouter(g), "s3cret", "abc", `{"type":"created"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", rr.Code, rr.Body.String())
	}
	var got service.Admission
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != service.AdmissionAccepted || got.EventKey != "rid:abc" {
		t.Fatalf("admission=%+v", got)
	}
	if g.token != "abc" || g.body != `{"type":"created"}` {
		t.Fatalf("gate saw token=%q body=%q", g.token, g.body)
	}
}

func TestWebhookStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		secret string
		err    error
		want   int
	}{
		{"missing secret", "", nil, http.StatusUnauthorized},
		{"wrong secret", "nope", nil, http.StatusUnauthorized},
		{"empty body", "s3cret", service.ErrEmptyBody, http.StatusBadRequest},
		{"too large after encoding", "s3cret", service.ErrBodyTooLarge, http.StatusRequestEntityTooLarge},
		{"enqueue failed", "s3cret", service.ErrEnqueue, http.StatusBadGateway},
		{"store down", "s3cret", errors.New("db down"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := &fakeGate{err: tc.err}
			rr := postWebhook(newWebhookRouter(g), tc.secret, "", "{}")
			if rr.Code != tc.want {
				t.Fatalf("code=%d want %d", rr.Code, tc.want)
			}
		})
	}
}

func TestWebhookOversizedBodyIsRejectedWhole(t *testing.T) {
	g := &fakeGate{}
	body := `{"raw":"` + strings.Repeat("x", maxWebhookBody) + `"}`
	rr := postWebhook(newWebhookRouter(g), "s3cret", "big", body)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("code=%d want 413", rr.Code)
	}
	if g.token != "" || g.body != "" {
		t.Fatalf("gate must not see a truncated body, got %d bytes", len(g.body))
	}
}

func TestWebhookRejectsEverythingWithoutConfiguredSecret(t *testing.T) {
	s := New()
	(&Webhook{Gate: &fakeGate{}}).Register(s.Mux)
	rr := postWebhook(s.Mux, "", "", "{}")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("code=%d", rr.Code)
	}
}

func newAdminRouter() http.Handler {
	s := New()
	(&Admin{Templates: &service.TemplateService{Store: memory.New()}, Token: "adm"}).Register(s.Mux)
	return s.Mux
}

func adminDo(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(HeaderAdminToken, "adm")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAdminTemplateLifecycle(t *testing.T) {
	h := newAdminRouter()

	rr := adminDo(h, http.MethodPost, "/admin/templates", `{"key":"APPT_CREATED","text":"Hi {{ client_name }}"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create code=%d body=%s", rr.Code, rr.Body.String())
	}
	var tpl domain.MessageTemplate
	if err := json.Unmarshal(rr.Body.Bytes(), &tpl); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tpl.Language != "ru" || !tpl.Active || tpl.Version != 1 {
		t.Fatalf("tpl=%+v", tpl)
	}

	if rr := adminDo(h, http.MethodPost, "/admin/templates", `{"key":"APPT_CREATED","text":"again"}`); rr.Code != http.StatusConflict {
		t.Fatalf("duplicate code=%d", rr.Code)
	}

	path := "/admin/templates/" + jsonInt(tpl.ID)
	rr = adminDo(h, http.MethodPut, path, `{"text":"Hello {{ client_name }}"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update code=%d body=%s", rr.Code, rr.Body.String())
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &tpl)
	if tpl.Version != 2 {
		t.Fatalf("text change should bump version, got %d", tpl.Version)
	}

	rr = adminDo(h, http.MethodPut, path, `{"is_active":false}`)
	_ = json.Unmarshal(rr.Body.Bytes(), &tpl)
	if rr.Code != http.StatusOK || tpl.Version != 2 || tpl.Active {
		t.Fatalf("toggle code=%d tpl=%+v", rr.Code, tpl)
	}

	rr = adminDo(h, http.MethodGet, "/admin/templates", "")
	var list []domain.MessageTemplate
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("list=%s err=%v", rr.Body.String(), err)
	}
}

func TestAdminErrors(t *testing.T) {
	h := newAdminRouter()
	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPut, "/admin/templates/999", `{"text":"x"}`, http.StatusNotFound},
		{http.MethodPut, "/admin/templates/abc", `{"text":"x"}`, http.StatusBadRequest},
		{http.MethodPost, "/admin/templates", `{"key":"K"}`, http.StatusBadRequest},
		{http.MethodPost, "/admin/templates", `not json`, http.StatusBadRequest},
		{http.MethodPost, "/admin/templates", `{"key":"K","text":"Hi {{ nickname }}"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if rr := adminDo(h, tc.method, tc.path, tc.body); rr.Code != tc.want {
			t.Fatalf("%s %s: code=%d want %d", tc.method, tc.path, rr.Code, tc.want)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/templates", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token code=%d", rr.Code)
	}
}

func TestReadyz(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("down") }

	rr := httptest.NewRecorder()
	Readyz(0, ok)(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("ready code=%d", rr.Code)
	}
	rr = httptest.NewRecorder()
	Readyz(0, ok, down)(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready code=%d", rr.Code)
	}
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
