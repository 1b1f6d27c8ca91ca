package store

import (
	"time"

	"salonnotif/internal/domain"
)

type ClientUpsert struct {
	Phone  string
	Name   string
	Locale string
	Now    time.Time
}

type AppointmentUpsert struct {
	CompanyID     int64
	AppointmentID int64
	ClientID      int64
	StartsAt      time.Time
	EndsAt        time.Time
	StaffName     string
	ServiceName   string
	Status        string
	Source        string
	Now           time.Time
}

type TaskInsert struct {
	AppointmentID int64
	Type          domain.TaskType
	PlannedAt     time.Time
	Payload       domain.TaskPayload
	Now           time.Time
}

// DueTask is a claimed task joined with the rows needed to render it.
type DueTask struct {
	Task        domain.Task
	Appointment domain.Appointment
	Client      domain.Client
}

type OutboxInsert struct {
	TaskID          int64
	ToPhone         string
	TemplateKey     string
	TemplateVersion int
	RenderedText    string
	Now             time.Time
}

// ClaimedOutbox is an outbox row leased to a sender, with the ids needed for auditing.
type ClaimedOutbox struct {
	Message       domain.OutboxMessage
	AppointmentID int64
	ClientID      int64
}

type OutboxSentUpdate struct {
	ID                int64
	ProviderMessageID string
	Now               time.Time
}

type OutboxFailedUpdate struct {
	ID    int64
	Error string
	Now   time.Time
}

type TemplateInsert struct {
	Key      string
	Language string
	Text     string
	Active   bool
	Now      time.Time
}

// TemplateUpdate carries optional changes; nil fields are left untouched.
type TemplateUpdate struct {
	ID     int64
	Text   *string
	Active *bool
	Now    time.Time
}

type EventInsert struct {
	Name            string
	AppointmentID   int64
	ClientID        int64
	TaskID          int64
	OutboxID        int64
	TemplateKey     string
	TemplateVersion int
	Meta            map[string]any
	Now             time.Time
}
