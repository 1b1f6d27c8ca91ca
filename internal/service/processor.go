package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"salonnotif/internal/domain"
	"salonnotif/internal/observability"
	sqsqueue "salonnotif/internal/queue/sqs"
	"salonnotif/internal/store"
	"salonnotif/internal/util"
)

const DefaultLocale = "ru"

// BookingClient fetches appointment detail from the booking provider.
type BookingClient interface {
	GetAppointment(ctx context.Context, appointmentID int64) (domain.AppointmentInfo, error)
}

// Processor turns admitted events into client, appointment and task state.
type Processor struct {
	Store     store.Store
	Scheduler *Scheduler
	// Booking is optional; without it incomplete events are synced as received.
	Booking       BookingClient
	CompanyID     int64
	DefaultLocale string
	Now           func() time.Time
}

type SyncResult struct {
	Client      domain.Client
	Appointment domain.Appointment
	Created     bool
	Tasks       []domain.Task
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return util.NowUTC()
}

// Process handles one queued event. Malformed events are audited and dropped (nil error);
// store and booking-provider failures are returned so the queue redelivers the job.
func (p *Processor) Process(ctx context.Context, job sqsqueue.EventJob) error {
	now := p.now()

	ev, err := domain.ParseAppointmentEvent(job.Payload)
	if err == nil && p.Booking != nil && ev.NeedsDetail() {
		info, ferr := p.Booking.GetAppointment(ctx, int64(ev.AppointmentID))
		if ferr != nil {
			observability.WebhookEvents.WithLabelValues("enrich_failed").Inc()
			return fmt.Errorf("fetch appointment %d: %w", ev.AppointmentID, ferr)
		}
		ev.Fill(info)
	}

	var req domain.SyncRequest
	if err == nil {
		req, err = ev.Normalize(job.EventKey, p.CompanyID, now)
	}
	if err != nil {
		if errors.Is(err, domain.ErrMalformedEvent) {
			return p.dropMalformed(ctx, job, err, now)
		}
		return err
	}

	res, err := p.Sync(ctx, req, now)
	if err != nil {
		observability.WebhookEvents.WithLabelValues("sync_failed").Inc()
		return err
	}
	observability.WebhookEvents.WithLabelValues("processed").Inc()
	slog.Info("event processed",
		"event_key", job.EventKey,
		"event_type", req.EventType,
		"appointment_id", res.Appointment.ID,
		"created", res.Created,
		"tasks", len(res.Tasks),
	)
	return nil
}

func (p *Processor) dropMalformed(ctx context.Context, job sqsqueue.EventJob, cause error, now time.Time) error {
	observability.WebhookEvents.WithLabelValues("malformed").Inc()
	slog.Warn("dropping malformed event", "event_key", job.EventKey, "job_id", job.ID, "err", cause)
	return p.Store.AppendEvent(ctx, store.EventInsert{
		Name: "webhook.malformed",
		Meta: map[string]any{"event_key": job.EventKey, "error": cause.Error()},
		Now:  now,
	})
}

// Sync upserts the client and appointment for req and, for created events, seeds the default
// tasks, all in one transaction.
func (p *Processor) Sync(ctx context.Context, req domain.SyncRequest, now time.Time) (SyncResult, error) {
	locale := p.DefaultLocale
	if locale == "" {
		locale = DefaultLocale
	}

	var res SyncResult
	err := p.Store.WithTx(ctx, func(tx store.Tx) error {
		c, err := tx.UpsertClient(ctx, store.ClientUpsert{
			Phone: req.ClientPhone, Name: req.ClientName, Locale: locale, Now: now,
		})
		if err != nil {
			return err
		}
		a, created, err := tx.UpsertAppointment(ctx, store.AppointmentUpsert{
			CompanyID:     req.CompanyID,
			AppointmentID: req.AppointmentID,
			ClientID:      c.ID,
			StartsAt:      req.StartsAt,
			EndsAt:        req.EndsAt,
			StaffName:     req.StaffName,
			ServiceName:   req.ServiceName,
			Status:        req.Status,
			Source:        req.Source,
			Now:           now,
		})
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, store.EventInsert{
			Name:          "altegio.webhook." + string(req.EventType),
			AppointmentID: a.ID,
			ClientID:      c.ID,
			Meta:          map[string]any{"event_key": req.EventKey},
			Now:           now,
		}); err != nil {
			return err
		}

		res = SyncResult{Client: c, Appointment: a, Created: created}
		if req.EventType != domain.EventCreated {
			return nil
		}
		tasks, err := p.Scheduler.Seed(ctx, tx, a, now)
		if err != nil {
			return err
		}
		res.Tasks = tasks
		return tx.AppendEvent(ctx, store.EventInsert{
			Name:          "task.scheduled.default_set",
			AppointmentID: a.ID,
			ClientID:      c.ID,
			Now:           now,
		})
	})
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync appointment %d: %w", req.AppointmentID, err)
	}
	return res, nil
}
