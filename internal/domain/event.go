package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"salonnotif/internal/util"
)

type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
	EventUnknown EventType = "unknown"
)

// ProviderID accepts both JSON numbers and numeric strings.
type ProviderID int64

func (p *ProviderID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*p = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*p = 0
			return nil
		}
		b = []byte(s)
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("provider id %q: %w", string(b), err)
	}
	*p = ProviderID(n)
	return nil
}

// AppointmentEvent is the booking-provider webhook payload as received.
type AppointmentEvent struct {
	Type          EventType  `json:"type"`
	AppointmentID ProviderID `json:"appointment_id"`
	ClientPhone   string     `json:"client_phone"`
	ClientName    string     `json:"client_name"`
	StartsAt      string     `json:"starts_at"`
	EndsAt        string     `json:"ends_at"`
	StaffName     string     `json:"staff_name"`
	ServiceName   string     `json:"service_name"`
	Source        string     `json:"source"`
	Status        string     `json:"status"`
}

// Column bounds for synced appointment fields.
const (
	MaxTypeLen   = 64
	MaxStatusLen = 64
	MaxPhoneLen  = 32
	MaxSourceLen = 128
	MaxNameLen   = 256
)

// SyncRequest is a validated event ready for domain sync.
type SyncRequest struct {
	EventKey      string
	EventType     EventType
	CompanyID     int64
	AppointmentID int64
	ClientPhone   string
	ClientName    string
	StartsAt      time.Time
	EndsAt        time.Time
	StaffName     string
	ServiceName   string
	Source        string
	Status        string
}

func ParseAppointmentEvent(raw []byte) (AppointmentEvent, error) {
	var ev AppointmentEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return AppointmentEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

// NeedsDetail reports whether the payload is missing fields the booking provider can supply.
func (e AppointmentEvent) NeedsDetail() bool {
	return e.AppointmentID > 0 && (util.NormalizePhone(e.ClientPhone) == "" || parseTime(e.StartsAt).IsZero())
}

// Fill copies fields from provider detail into the gaps of the event.
func (e *AppointmentEvent) Fill(info AppointmentInfo) {
	if util.NormalizePhone(e.ClientPhone) == "" {
		e.ClientPhone = info.ClientPhone
	}
	if e.ClientName == "" {
		e.ClientName = info.ClientName
	}
	if parseTime(e.StartsAt).IsZero() && !info.StartsAt.IsZero() {
		e.StartsAt = info.StartsAt.UTC().Format(time.RFC3339)
	}
	if parseTime(e.EndsAt).IsZero() && !info.EndsAt.IsZero() {
		e.EndsAt = info.EndsAt.UTC().Format(time.RFC3339)
	}
	if e.StaffName == "" {
		e.StaffName = info.StaffName
	}
	if e.ServiceName == "" {
		e.ServiceName = info.ServiceName
	}
	if e.Source == "" {
		e.Source = info.Source
	}
	if e.Status == "" {
		e.Status = info.Status
	}
}

// Normalize validates the event and applies defaults: a missing start is now, a missing
// end is one hour after start, a missing status is the event type. Oversized type, status or
// phone make the event malformed; free-text names and source are truncated to fit.
func (e AppointmentEvent) Normalize(eventKey string, companyID int64, now time.Time) (SyncRequest, error) {
	if e.AppointmentID <= 0 {
		return SyncRequest{}, fmt.Errorf("%w: missing appointment_id", ErrMalformedEvent)
	}
	phone := util.NormalizePhone(e.ClientPhone)
	if phone == "" {
		return SyncRequest{}, fmt.Errorf("%w: missing client_phone", ErrMalformedEvent)
	}
	if len(phone) > MaxPhoneLen {
		return SyncRequest{}, fmt.Errorf("%w: client_phone longer than %d", ErrMalformedEvent, MaxPhoneLen)
	}

	typ := EventType(strings.ToLower(strings.TrimSpace(string(e.Type))))
	if typ == "" {
		typ = EventUnknown
	}
	if len(typ) > MaxTypeLen {
		return SyncRequest{}, fmt.Errorf("%w: type longer than %d", ErrMalformedEvent, MaxTypeLen)
	}

	starts := parseTime(e.StartsAt)
	if starts.IsZero() {
		starts = now.UTC()
	}
	ends := parseTime(e.EndsAt)
	if ends.IsZero() {
		ends = starts.Add(time.Hour)
	}
	if ends.Before(starts) {
		return SyncRequest{}, fmt.Errorf("%w: ends_at before starts_at", ErrMalformedEvent)
	}

	status := strings.TrimSpace(e.Status)
	if status == "" {
		status = string(typ)
	}
	if len(status) > MaxStatusLen {
		return SyncRequest{}, fmt.Errorf("%w: status longer than %d", ErrMalformedEvent, MaxStatusLen)
	}

	return SyncRequest{
		EventKey:      eventKey,
		EventType:     typ,
		CompanyID:     companyID,
		AppointmentID: int64(e.AppointmentID),
		ClientPhone:   phone,
		ClientName:    util.Truncate(strings.TrimSpace(e.ClientName), MaxNameLen),
		StartsAt:      starts,
		EndsAt:        ends,
		StaffName:     util.Truncate(strings.TrimSpace(e.StaffName), MaxNameLen),
		ServiceName:   util.Truncate(strings.TrimSpace(e.ServiceName), MaxNameLen),
		Source:        util.Truncate(strings.TrimSpace(e.Source), MaxSourceLen),
		Status:        status,
	}, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// parseTime returns the zero time for empty or unparseable input.
// Timestamps without an offset are taken as UTC.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
