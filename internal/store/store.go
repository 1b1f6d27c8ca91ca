// Package store defines the persistence contract shared by the Postgres and in-memory backends.
//
// Uniqueness is enforced by the backend and reported as values, never as driver errors:
// InsertDedup returns false for an existing (provider, event key), upserts converge on their
// natural keys, and CreateTemplate returns domain.ErrConflict for an existing (key, language).
package store

import (
	"context"
	"time"

	"salonnotif/internal/domain"
)

// Tx is the set of operations available inside (and outside) a transaction.
type Tx interface {
	// InsertDedup records (provider, eventKey). It returns false when the pair already exists.
	InsertDedup(ctx context.Context, provider, eventKey string, now time.Time) (bool, error)

	UpsertClient(ctx context.Context, in ClientUpsert) (domain.Client, error)
	// UpsertAppointment returns created=true when no row existed for the provider key.
	UpsertAppointment(ctx context.Context, in AppointmentUpsert) (appt domain.Appointment, created bool, err error)
	GetAppointment(ctx context.Context, companyID, appointmentID int64) (domain.Appointment, bool, error)

	InsertTasks(ctx context.Context, in []TaskInsert) ([]domain.Task, error)
	ListTasks(ctx context.Context, appointmentID int64) ([]domain.Task, error)
	// ClaimDueTasks locks up to limit scheduled tasks with planned_at <= now, earliest first.
	// Concurrent claimers never receive the same task.
	ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]DueTask, error)
	MarkTaskQueued(ctx context.Context, id int64, now time.Time) error
	MarkTaskDone(ctx context.Context, id int64, now time.Time) error
	MarkTaskFailed(ctx context.Context, id int64, lastError string, now time.Time) error

	GetActiveTemplate(ctx context.Context, key, language string) (domain.MessageTemplate, error)
	GetTemplate(ctx context.Context, id int64) (domain.MessageTemplate, error)
	ListTemplates(ctx context.Context) ([]domain.MessageTemplate, error)
	CreateTemplate(ctx context.Context, in TemplateInsert) (domain.MessageTemplate, error)
	UpdateTemplate(ctx context.Context, in TemplateUpdate) (domain.MessageTemplate, error)

	InsertOutbox(ctx context.Context, in OutboxInsert) (domain.OutboxMessage, error)
	GetOutbox(ctx context.Context, id int64) (domain.OutboxMessage, bool, error)
	// ClaimNextOutbox leases the oldest queued message (queued -> sending).
	ClaimNextOutbox(ctx context.Context, now time.Time) (ClaimedOutbox, bool, error)
	MarkOutboxSent(ctx context.Context, in OutboxSentUpdate) error
	MarkOutboxFailed(ctx context.Context, in OutboxFailedUpdate) error
	// ReleaseOutbox returns a leased message to the queue without recording an attempt.
	ReleaseOutbox(ctx context.Context, id int64, now time.Time) error
	// ExpireStaleOutbox fails messages leased before staleBefore, together with their tasks.
	ExpireStaleOutbox(ctx context.Context, staleBefore time.Time, reason string, now time.Time) ([]domain.OutboxMessage, error)

	AppendEvent(ctx context.Context, in EventInsert) error
	ListEvents(ctx context.Context, name string) ([]domain.EventLog, error)

	// WithTx runs fn in a transaction, committing when fn returns nil. Inside a transaction
	// it opens a nested one (savepoint) whose failure leaves the outer transaction usable.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

type Store interface {
	Tx
	Ping(ctx context.Context) error
}
