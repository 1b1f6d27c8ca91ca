package pg

import (
	"context"
	"fmt"
	"time"

	"salonnotif/internal/domain"
	"salonnotif/internal/store"
)

const outboxCols = `id, task_id, to_phone, template_key, template_version, rendered_text, status,
	COALESCE(provider_message_id,''), COALESCE(error,''), created_at, locked_at, sent_at`

func scanOutbox(row interface{ Scan(...any) error }) (domain.OutboxMessage, error) {
	var m domain.OutboxMessage
	err := row.Scan(&m.ID, &m.TaskID, &m.ToPhone, &m.TemplateKey, &m.TemplateVersion, &m.RenderedText, &m.Status,
		&m.ProviderMessageID, &m.Error, &m.CreatedAt, &m.LockedAt, &m.SentAt)
	return m, err
}

func (s *Store) InsertOutbox(ctx context.Context, in store.OutboxInsert) (domain.OutboxMessage, error) {
	row := s.q.QueryRow(ctx, `
		INSERT INTO outbox_messages (task_id, to_phone, template_key, template_version, rendered_text, status, created_at)
		VALUES ($1,$2,$3,$4,$5,'queued',$6)
		RETURNING `+outboxCols,
		in.TaskID, in.ToPhone, in.TemplateKey, in.TemplateVersion, in.RenderedText, in.Now)
	m, err := scanOutbox(row)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("insert outbox: %w", err)
	}
	return m, nil
}

func (s *Store) GetOutbox(ctx context.Context, id int64) (domain.OutboxMessage, bool, error) {
	m, err := scanOutbox(s.q.QueryRow(ctx, `SELECT `+outboxCols+` FROM outbox_messages WHERE id=$1`, id))
	if err != nil {
		if isNoRows(err) {
			return domain.OutboxMessage{}, false, nil
		}
		return domain.OutboxMessage{}, false, err
	}
	return m, true, nil
}

// ClaimNextOutbox leases the oldest queued row. Ordering is by the bigserial id, which is
// monotonic in insert order and has no ties.
func (s *Store) ClaimNextOutbox(ctx context.Context, now time.Time) (store.ClaimedOutbox, bool, error) {
	m, err := scanOutbox(s.q.QueryRow(ctx, `
		UPDATE outbox_messages SET status='sending', locked_at=$1
		WHERE id = (
			SELECT id FROM outbox_messages
			WHERE status='queued'
			ORDER BY id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxCols, now))
	if err != nil {
		if isNoRows(err) {
			return store.ClaimedOutbox{}, false, nil
		}
		return store.ClaimedOutbox{}, false, fmt.Errorf("claim outbox: %w", err)
	}

	out := store.ClaimedOutbox{Message: m}
	err = s.q.QueryRow(ctx, `
		SELECT a.id, a.client_id FROM tasks t JOIN appointments a ON a.id = t.appointment_id WHERE t.id=$1
	`, m.TaskID).Scan(&out.AppointmentID, &out.ClientID)
	if err != nil {
		return store.ClaimedOutbox{}, false, fmt.Errorf("claim outbox %d: load owners: %w", m.ID, err)
	}
	return out, true, nil
}

func (s *Store) MarkOutboxSent(ctx context.Context, in store.OutboxSentUpdate) error {
	ct, err := s.q.Exec(ctx, `
		UPDATE outbox_messages SET status='sent', provider_message_id=$2, sent_at=$3, error=NULL
		WHERE id=$1 AND status='sending'
	`, in.ID, nullIfEmpty(in.ProviderMessageID), in.Now)
	if err != nil {
		return fmt.Errorf("outbox %d -> sent: %w", in.ID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("outbox %d -> sent: %w", in.ID, domain.ErrInvalidTransition)
	}
	return nil
}

func (s *Store) MarkOutboxFailed(ctx context.Context, in store.OutboxFailedUpdate) error {
	ct, err := s.q.Exec(ctx, `
		UPDATE outbox_messages SET status='failed', error=$2
		WHERE id=$1 AND status='sending'
	`, in.ID, in.Error)
	if err != nil {
		return fmt.Errorf("outbox %d -> failed: %w", in.ID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("outbox %d -> failed: %w", in.ID, domain.ErrInvalidTransition)
	}
	return nil
}

func (s *Store) ReleaseOutbox(ctx context.Context, id int64, now time.Time) error {
	ct, err := s.q.Exec(ctx, `
		UPDATE outbox_messages SET status='queued', locked_at=NULL
		WHERE id=$1 AND status='sending'
	`, id)
	if err != nil {
		return fmt.Errorf("release outbox %d: %w", id, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("release outbox %d: %w", id, domain.ErrInvalidTransition)
	}
	return nil
}

func (s *Store) ExpireStaleOutbox(ctx context.Context, staleBefore time.Time, reason string, now time.Time) ([]domain.OutboxMessage, error) {
	rows, err := s.q.Query(ctx, `
		UPDATE outbox_messages SET status='failed', error=$2
		WHERE status='sending' AND locked_at < $1
		RETURNING `+outboxCols, staleBefore, reason)
	if err != nil {
		return nil, fmt.Errorf("expire stale outbox: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboxMessage
	var taskIDs []int64
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
		taskIDs = append(taskIDs, m.TaskID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(taskIDs) == 0 {
		return nil, nil
	}

	if _, err := s.q.Exec(ctx, `
		UPDATE tasks SET status='failed', last_error=$2, updated_at=$3
		WHERE id = ANY($1) AND status='queued'
	`, taskIDs, reason, now); err != nil {
		return nil, fmt.Errorf("expire stale outbox tasks: %w", err)
	}
	return out, nil
}
