package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"salonnotif/internal/domain"
	"salonnotif/internal/store"
)

const taskCols = `t.id, t.appointment_id, t.type, t.planned_at, t.status, t.payload_json, COALESCE(t.last_error,''), t.created_at`

func scanTask(row interface{ Scan(...any) error }, extra ...any) (domain.Task, error) {
	var t domain.Task
	var payload []byte
	dest := []any{&t.ID, &t.AppointmentID, &t.Type, &t.PlannedAt, &t.Status, &payload, &t.LastError, &t.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.Task{}, err
	}
	if len(payload) > 0 {
		// An unreadable payload leaves the template key empty, which the sweep fails explicitly.
		_ = json.Unmarshal(payload, &t.Payload)
	}
	return t, nil
}

func (s *Store) InsertTasks(ctx context.Context, in []store.TaskInsert) ([]domain.Task, error) {
	out := make([]domain.Task, 0, len(in))
	for _, ti := range in {
		b, err := json.Marshal(ti.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal task payload: %w", err)
		}
		row := s.q.QueryRow(ctx, `
			INSERT INTO tasks AS t (appointment_id, type, planned_at, status, payload_json, created_at, updated_at)
			VALUES ($1,$2,$3,'scheduled',$4,$5,$5)
			RETURNING `+taskCols+`
		`, ti.AppointmentID, string(ti.Type), ti.PlannedAt, b, ti.Now)
		t, err := scanTask(row)
		if err != nil {
			return nil, fmt.Errorf("insert task %s: %w", ti.Type, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) ListTasks(ctx context.Context, appointmentID int64) ([]domain.Task, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+taskCols+` FROM tasks t
		WHERE t.appointment_id=$1
		ORDER BY t.planned_at ASC, t.id ASC
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimDueTasks row-locks the selected tasks; the locks are held until the surrounding
// transaction ends, so it must run inside WithTx.
func (s *Store) ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]store.DueTask, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+taskCols+`,
			a.id, a.provider_company_id, a.provider_appointment_id, a.client_id, a.starts_at, a.ends_at,
			COALESCE(a.staff_name,''), COALESCE(a.service_name,''), a.status, COALESCE(a.source,''), a.updated_at,
			c.id, c.phone_e164, COALESCE(c.name,''), c.locale, c.created_at
		FROM tasks t
		JOIN appointments a ON a.id = t.appointment_id
		JOIN clients c ON c.id = a.client_id
		WHERE t.status = 'scheduled' AND t.planned_at <= $1
		ORDER BY t.planned_at ASC, t.id ASC
		LIMIT $2
		FOR UPDATE OF t SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	defer rows.Close()

	var out []store.DueTask
	for rows.Next() {
		var d store.DueTask
		a := &d.Appointment
		c := &d.Client
		t, err := scanTask(rows,
			&a.ID, &a.ProviderCompanyID, &a.ProviderAppointmentID, &a.ClientID, &a.StartsAt, &a.EndsAt,
			&a.StaffName, &a.ServiceName, &a.Status, &a.Source, &a.UpdatedAt,
			&c.ID, &c.Phone, &c.Name, &c.Locale, &c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan due task: %w", err)
		}
		d.Task = t
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due tasks iteration: %w", err)
	}
	return out, nil
}

func (s *Store) transitionTask(ctx context.Context, id int64, to domain.TaskStatus, lastError string, now time.Time, from ...domain.TaskStatus) error {
	fromStr := make([]string, len(from))
	for i, f := range from {
		fromStr[i] = string(f)
	}
	ct, err := s.q.Exec(ctx, `
		UPDATE tasks SET status=$2, last_error=COALESCE($3, last_error), updated_at=$4
		WHERE id=$1 AND status = ANY($5)
	`, id, string(to), nullIfEmpty(lastError), now, fromStr)
	if err != nil {
		return fmt.Errorf("task %d -> %s: %w", id, to, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("task %d -> %s: %w", id, to, domain.ErrInvalidTransition)
	}
	return nil
}

func (s *Store) MarkTaskQueued(ctx context.Context, id int64, now time.Time) error {
	return s.transitionTask(ctx, id, domain.TaskQueued, "", now, domain.TaskScheduled)
}

func (s *Store) MarkTaskDone(ctx context.Context, id int64, now time.Time) error {
	return s.transitionTask(ctx, id, domain.TaskDone, "", now, domain.TaskQueued)
}

func (s *Store) MarkTaskFailed(ctx context.Context, id int64, lastError string, now time.Time) error {
	return s.transitionTask(ctx, id, domain.TaskFailed, lastError, now, domain.TaskScheduled, domain.TaskQueued)
}
