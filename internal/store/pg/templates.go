package pg

import (
	"context"
	"fmt"

	"salonnotif/internal/domain"
	"salonnotif/internal/store"
)

const templateCols = `id, key, language, text, is_active, version, updated_at`

func scanTemplate(row interface{ Scan(...any) error }) (domain.MessageTemplate, error) {
	var t domain.MessageTemplate
	err := row.Scan(&t.ID, &t.Key, &t.Language, &t.Text, &t.Active, &t.Version, &t.UpdatedAt)
	return t, err
}

func (s *Store) GetActiveTemplate(ctx context.Context, key, language string) (domain.MessageTemplate, error) {
	t, err := scanTemplate(s.q.QueryRow(ctx, `
		SELECT `+templateCols+` FROM message_templates
		WHERE key=$1 AND language=$2 AND is_active
	`, key, language))
	if err != nil {
		if isNoRows(err) {
			return domain.MessageTemplate{}, fmt.Errorf("%w: %s/%s", domain.ErrTemplateNotFound, key, language)
		}
		return domain.MessageTemplate{}, err
	}
	return t, nil
}

func (s *Store) GetTemplate(ctx context.Context, id int64) (domain.MessageTemplate, error) {
	t, err := scanTemplate(s.q.QueryRow(ctx, `SELECT `+templateCols+` FROM message_templates WHERE id=$1`, id))
	if err != nil {
		if isNoRows(err) {
			return domain.MessageTemplate{}, domain.ErrNotFound
		}
		return domain.MessageTemplate{}, err
	}
	return t, nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]domain.MessageTemplate, error) {
	rows, err := s.q.Query(ctx, `SELECT `+templateCols+` FROM message_templates ORDER BY key, language`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MessageTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CreateTemplate(ctx context.Context, in store.TemplateInsert) (domain.MessageTemplate, error) {
	t, err := scanTemplate(s.q.QueryRow(ctx, `
		INSERT INTO message_templates (key, language, text, is_active, version, updated_at)
		VALUES ($1,$2,$3,$4,1,$5)
		ON CONFLICT (key, language) DO NOTHING
		RETURNING `+templateCols,
		in.Key, in.Language, in.Text, in.Active, in.Now))
	if err != nil {
		if isNoRows(err) {
			return domain.MessageTemplate{}, fmt.Errorf("template %s/%s: %w", in.Key, in.Language, domain.ErrConflict)
		}
		return domain.MessageTemplate{}, fmt.Errorf("create template: %w", err)
	}
	return t, nil
}

// UpdateTemplate bumps the version only when the text actually changes.
func (s *Store) UpdateTemplate(ctx context.Context, in store.TemplateUpdate) (domain.MessageTemplate, error) {
	t, err := scanTemplate(s.q.QueryRow(ctx, `
		UPDATE message_templates SET
			version = CASE WHEN $2::text IS NOT NULL AND $2::text <> text THEN version + 1 ELSE version END,
			updated_at = CASE
				WHEN ($2::text IS NOT NULL AND $2::text <> text)
				  OR ($3::boolean IS NOT NULL AND $3::boolean <> is_active) THEN $4
				ELSE updated_at END,
			text = COALESCE($2::text, text),
			is_active = COALESCE($3::boolean, is_active)
		WHERE id=$1
		RETURNING `+templateCols,
		in.ID, in.Text, in.Active, in.Now))
	if err != nil {
		if isNoRows(err) {
			return domain.MessageTemplate{}, domain.ErrNotFound
		}
		return domain.MessageTemplate{}, fmt.Errorf("update template: %w", err)
	}
	return t, nil
}
