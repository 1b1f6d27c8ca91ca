package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestParseAppointmentEventAcceptsStringIDs(t *testing.T) {
	for _, body := range []string{
		`{"type":"created","appointment_id":42,"client_phone":"+15551234567"}`,
		`{"type":"created","appointment_id":"42","client_phone":"+15551234567"}`,
	} {
		ev, err := ParseAppointmentEvent([]byte(body))
		if err != nil {
			t.Fatalf("parse %s: %v", body, err)
		}
		if ev.AppointmentID != 42 {
			t.Fatalf("appointment id=%d want 42", ev.AppointmentID)
		}
	}
}

func TestParseAppointmentEventRejectsGarbage(t *testing.T) {
	_, err := ParseAppointmentEvent([]byte(`{"appointment_id":"abc"}`))
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	now := time.Date(2025, 1, 5, 9, 30, 0, 0, time.UTC)
	ev := AppointmentEvent{Type: "Created", AppointmentID: 7, ClientPhone: " +1 555 123-4567 "}

	req, err := ev.Normalize("rid:abc", 1, now)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if req.ClientPhone != "+15551234567" {
		t.Fatalf("phone=%q", req.ClientPhone)
	}
	if req.EventType != EventCreated || req.Status != "created" {
		t.Fatalf("type=%q status=%q", req.EventType, req.Status)
	}
	if !req.StartsAt.Equal(now) || !req.EndsAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("window=%s..%s", req.StartsAt, req.EndsAt)
	}
}

func TestNormalizeNaiveTimesAreUTC(t *testing.T) {
	ev := AppointmentEvent{
		Type:          EventUpdated,
		AppointmentID: 7,
		ClientPhone:   "+15551234567",
		StartsAt:      "2025-01-10 10:00:00",
		EndsAt:        "2025-01-10T11:30",
		Status:        "confirmed",
	}
	req, err := ev.Normalize("k", 1, time.Now())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if want := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC); !req.StartsAt.Equal(want) {
		t.Fatalf("starts=%s want %s", req.StartsAt, want)
	}
	if want := time.Date(2025, 1, 10, 11, 30, 0, 0, time.UTC); !req.EndsAt.Equal(want) {
		t.Fatalf("ends=%s want %s", req.EndsAt, want)
	}
	if req.Status != "confirmed" {
		t.Fatalf("status=%q", req.Status)
	}
}

func TestNormalizeRejects(t *testing.T) {
	cases := []struct {
		name string
		ev   AppointmentEvent
	}{
		{"missing id", AppointmentEvent{ClientPhone: "+15551234567"}},
		{"missing phone", AppointmentEvent{AppointmentID: 1, ClientPhone: " - "}},
		{"inverted window", AppointmentEvent{
			AppointmentID: 1,
			ClientPhone:   "+15551234567",
			StartsAt:      "2025-01-10T11:00:00Z",
			EndsAt:        "2025-01-10T10:00:00Z",
		}},
		{"oversized type", AppointmentEvent{AppointmentID: 1, ClientPhone: "+15551234567", Type: EventType(strings.Repeat("t", MaxTypeLen+1))}},
		{"oversized status", AppointmentEvent{AppointmentID: 1, ClientPhone: "+15551234567", Status: strings.Repeat("s", MaxStatusLen+1)}},
		{"oversized phone", AppointmentEvent{AppointmentID: 1, ClientPhone: "+" + strings.Repeat("1", MaxPhoneLen)}},
	}
	for _, tc := range cases {
		if _, err := tc.ev.Normalize("k", 1, time.Now()); !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("%s: expected ErrMalformedEvent, got %v", tc.name, err)
		}
	}
}

func TestNormalizeTruncatesFreeText(t *testing.T) {
	ev := AppointmentEvent{
		AppointmentID: 1,
		ClientPhone:   "+15551234567",
		ClientName:    strings.Repeat("a", MaxNameLen+10),
		StaffName:     strings.Repeat("б", MaxNameLen),
		ServiceName:   "Manicure",
		Source:        strings.Repeat("w", MaxSourceLen*2),
	}
	req, err := ev.Normalize("k", 1, time.Now())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(req.ClientName) != MaxNameLen || len(req.Source) != MaxSourceLen {
		t.Fatalf("name=%d source=%d bytes", len(req.ClientName), len(req.Source))
	}
	if len(req.StaffName) > MaxNameLen || !utf8.ValidString(req.StaffName) {
		t.Fatalf("staff name %d bytes, valid=%v", len(req.StaffName), utf8.ValidString(req.StaffName))
	}
	if req.ServiceName != "Manicure" {
		t.Fatalf("short field changed: %q", req.ServiceName)
	}
}

func TestFillOnlyFillsGaps(t *testing.T) {
	ev := AppointmentEvent{AppointmentID: 9, ClientName: "Anna"}
	if !ev.NeedsDetail() {
		t.Fatalf("event without phone should need detail")
	}
	ev.Fill(AppointmentInfo{
		ClientPhone: "+79001112233",
		ClientName:  "Someone Else",
		StartsAt:    time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC),
		StaffName:   "Olga",
	})
	if ev.ClientPhone != "+79001112233" || ev.ClientName != "Anna" || ev.StaffName != "Olga" {
		t.Fatalf("unexpected fill: %+v", ev)
	}
	if ev.NeedsDetail() {
		t.Fatalf("filled event should not need detail")
	}
}
