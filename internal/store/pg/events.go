package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"salonnotif/internal/domain"
	"salonnotif/internal/store"
)

func (s *Store) AppendEvent(ctx context.Context, in store.EventInsert) error {
	meta := in.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal event meta: %w", err)
	}
	var version any
	if in.TemplateVersion > 0 {
		version = in.TemplateVersion
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO event_log (ts, event_name, appointment_id, client_id, task_id, outbox_id, template_key, template_version, meta_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, in.Now, in.Name, nullIfZero(in.AppointmentID), nullIfZero(in.ClientID), nullIfZero(in.TaskID),
		nullIfZero(in.OutboxID), nullIfEmpty(in.TemplateKey), version, b)
	if err != nil {
		return fmt.Errorf("append event %s: %w", in.Name, err)
	}
	return nil
}

// ListEvents returns events with the given name, or all events when name is empty, oldest first.
func (s *Store) ListEvents(ctx context.Context, name string) ([]domain.EventLog, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, ts, event_name, appointment_id, client_id, task_id, outbox_id,
		       COALESCE(template_key,''), template_version, meta_json
		FROM event_log
		WHERE $1 = '' OR event_name = $1
		ORDER BY id ASC
	`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.EventLog
	for rows.Next() {
		var e domain.EventLog
		var meta []byte
		if err := rows.Scan(&e.ID, &e.TS, &e.Name, &e.AppointmentID, &e.ClientID, &e.TaskID, &e.OutboxID,
			&e.TemplateKey, &e.TemplateVersion, &meta); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(meta, &e.Meta)
		out = append(out, e)
	}
	return out, rows.Err()
}
