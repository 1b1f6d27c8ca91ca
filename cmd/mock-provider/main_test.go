package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"salonnotif/internal/providers/altegio"
	"salonnotif/internal/providers/whatsapp"
)

func newTestServer(outcomes ...string) *httptest.Server {
	s := newServer(config{Outcomes: outcomes, OutcomeMode: "fixed", ClientPhone: "+79001112233", ClientName: "Anna", Lead: 2 * time.Hour})
	s.now = func() time.Time { return time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC) }
	return httptest.NewServer(s.router())
}

func TestWhatsAppClientAgainstMock(t *testing.T) {
	ts := newTestServer("ok", "fail", "garbage")
	defer ts.Close()
	c := &whatsapp.Client{Token: "t", PhoneNumberID: "123", BaseURL: ts.URL, HTTP: ts.Client()}
	ctx := context.Background()

	id, err := c.SendText(ctx, "+79001112233", "hi")
	if err != nil || id != "wamid.MOCK0000000001" {
		t.Fatalf("ok outcome: id=%q err=%v", id, err)
	}
	if _, err := c.SendText(ctx, "+79001112233", "hi"); err == nil {
		t.Fatalf("fail outcome should error")
	}
	if id, err := c.SendText(ctx, "+79001112233", "hi"); err != nil || id != "" {
		t.Fatalf("garbage outcome: id=%q err=%v", id, err)
	}
}

func TestAltegioClientAgainstMock(t *testing.T) {
	ts := newTestServer("ok")
	defer ts.Close()
	c := &altegio.Client{BaseURL: ts.URL, Token: "t", CompanyID: 1, HTTP: ts.Client()}

	info, err := c.GetAppointment(context.Background(), 42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)
	if info.AppointmentID != 42 || info.ClientPhone != "+79001112233" || !info.StartsAt.Equal(want) {
		t.Fatalf("info=%+v", info)
	}
}

func TestMockRejectsMissingToken(t *testing.T) {
	ts := newTestServer("ok")
	defer ts.Close()
	resp, err := http.Post(ts.URL+"/v20.0/123/messages", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}
