package altegio

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetAppointment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/appointments/42" || r.URL.Query().Get("company_id") != "7" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing auth header")
		}
		_, _ = w.Write([]byte(`{
			"id": 42,
			"starts_at": "2025-01-10T13:00:00+03:00",
			"ends_at": "2025-01-10T14:00:00+03:00",
			"client": {"phone": "+7 900 111-22-33", "name": "Anna"},
			"staff": {"name": "Olga"},
			"service": {"name": "Haircut"}
		}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Token: "tok", CompanyID: 7, Limiter: NewLimiter(100)}
	info, err := c.GetAppointment(context.Background(), 42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if info.ClientPhone != "+79001112233" || info.StaffName != "Olga" || info.Status != "unknown" {
		t.Fatalf("info=%+v", info)
	}
	if want := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC); !info.StartsAt.Equal(want) {
		t.Fatalf("starts=%s want %s", info.StartsAt, want)
	}
}

func TestGetAppointmentStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	_, err := c.GetAppointment(context.Background(), 1)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusNotFound {
		t.Fatalf("err=%v", err)
	}
}

func TestNewLimiterDisabled(t *testing.T) {
	if NewLimiter(0) != nil {
		t.Fatalf("expected nil limiter for rps=0")
	}
}
