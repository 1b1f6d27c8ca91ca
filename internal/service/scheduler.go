package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"salonnotif/internal/domain"
	"salonnotif/internal/observability"
	"salonnotif/internal/store"
	"salonnotif/internal/util"
)

const (
	DefaultSweepBatch = 200

	// neutral greeting used when the client has no name on file
	anonymousClientName = "😊"
)

var errNoTemplateKey = errors.New("no template_key in task payload")

// Scheduler seeds the default task set for new appointments and promotes due tasks to the outbox.
type Scheduler struct {
	Store     store.Store
	Location  *time.Location
	BatchSize int
	Now       func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

// DefaultTaskSet returns the five tasks planned for a newly created appointment.
func DefaultTaskSet(appt domain.Appointment, now time.Time) []store.TaskInsert {
	plan := []struct {
		typ domain.TaskType
		at  time.Time
		key string
	}{
		{domain.TaskCreatedConfirmation, now, domain.TemplateApptCreated},
		{domain.TaskReminder24h, appt.StartsAt.Add(-24 * time.Hour), domain.TemplateReminder24h},
		{domain.TaskReminder2h, appt.StartsAt.Add(-2 * time.Hour), domain.TemplateReminder2h},
		{domain.TaskReviewRequest, appt.EndsAt.Add(2 * time.Hour), domain.TemplateReviewRequest},
		{domain.TaskRebookInvite, appt.EndsAt.Add(21 * 24 * time.Hour), domain.TemplateRebookInvite},
	}
	out := make([]store.TaskInsert, 0, len(plan))
	for _, p := range plan {
		out = append(out, store.TaskInsert{
			AppointmentID: appt.ID,
			Type:          p.typ,
			PlannedAt:     p.at,
			Payload:       domain.TaskPayload{TemplateKey: p.key},
			Now:           now,
		})
	}
	return out
}

// Seed inserts the default task set inside the caller's transaction.
// It is not guarded against repeats; admission dedup is what keeps it once per appointment.
func (s *Scheduler) Seed(ctx context.Context, tx store.Tx, appt domain.Appointment, now time.Time) ([]domain.Task, error) {
	tasks, err := tx.InsertTasks(ctx, DefaultTaskSet(appt, now))
	if err != nil {
		return nil, fmt.Errorf("seed tasks for appointment %d: %w", appt.ID, err)
	}
	return tasks, nil
}

// RenderKeys are the placeholder names RenderContext fills.
var RenderKeys = []string{"client_name", "date", "time", "staff", "service"}

// RenderContext builds the placeholder values for an appointment. Date and time are shown in loc.
func RenderContext(appt domain.Appointment, client domain.Client, loc *time.Location) map[string]string {
	if loc == nil {
		loc = time.UTC
	}
	name := client.Name
	if name == "" {
		name = anonymousClientName
	}
	start := appt.StartsAt.In(loc)
	return map[string]string{
		"client_name": name,
		"date":        start.Format("02.01.2006"),
		"time":        start.Format("15:04"),
		"staff":       appt.StaffName,
		"service":     appt.ServiceName,
	}
}

// Sweep claims up to BatchSize due tasks and renders each into an outbox message, all in one
// transaction. A failing task is marked failed and the batch continues. It returns how many
// messages were queued.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	batch := s.BatchSize
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	now := s.now()

	made, failed := 0, 0
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		due, err := tx.ClaimDueTasks(ctx, now, batch)
		if err != nil {
			return err
		}
		for _, d := range due {
			itemErr := tx.WithTx(ctx, func(item store.Tx) error {
				return s.enqueue(ctx, item, d, now)
			})
			if itemErr == nil {
				made++
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			if err := s.fail(ctx, tx, d, itemErr, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}

	observability.SweepTasks.WithLabelValues("queued").Add(float64(made))
	observability.SweepTasks.WithLabelValues("failed").Add(float64(failed))
	if made > 0 || failed > 0 {
		slog.Info("sweep finished", "queued", made, "failed", failed)
	}
	return made, nil
}

func (s *Scheduler) enqueue(ctx context.Context, tx store.Tx, d store.DueTask, now time.Time) error {
	key := d.Task.Payload.TemplateKey
	if key == "" {
		return errNoTemplateKey
	}
	text, version, err := Render(ctx, tx, key, d.Client.Locale, RenderContext(d.Appointment, d.Client, s.Location))
	if err != nil {
		return err
	}
	msg, err := tx.InsertOutbox(ctx, store.OutboxInsert{
		TaskID:          d.Task.ID,
		ToPhone:         d.Client.Phone,
		TemplateKey:     key,
		TemplateVersion: version,
		RenderedText:    text,
		Now:             now,
	})
	if err != nil {
		return err
	}
	if err := tx.MarkTaskQueued(ctx, d.Task.ID, now); err != nil {
		return err
	}
	return tx.AppendEvent(ctx, store.EventInsert{
		Name:            "message.queued",
		AppointmentID:   d.Appointment.ID,
		ClientID:        d.Client.ID,
		TaskID:          d.Task.ID,
		OutboxID:        msg.ID,
		TemplateKey:     key,
		TemplateVersion: version,
		Now:             now,
	})
}

func (s *Scheduler) fail(ctx context.Context, tx store.Tx, d store.DueTask, cause error, now time.Time) error {
	slog.Warn("task render failed", "task_id", d.Task.ID, "appointment_id", d.Appointment.ID,
		"template_key", d.Task.Payload.TemplateKey, "err", cause)

	if err := tx.MarkTaskFailed(ctx, d.Task.ID, cause.Error(), now); err != nil {
		return err
	}
	return tx.AppendEvent(ctx, store.EventInsert{
		Name:          "task.failed",
		AppointmentID: d.Appointment.ID,
		ClientID:      d.Client.ID,
		TaskID:        d.Task.ID,
		TemplateKey:   d.Task.Payload.TemplateKey,
		Meta:          map[string]any{"error": cause.Error()},
		Now:           now,
	})
}
