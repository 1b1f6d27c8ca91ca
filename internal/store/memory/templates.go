package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"

	"salonnotif/internal/domain"
	"salonnotif/internal/store"
)

func (s *Store) GetActiveTemplate(ctx context.Context, key, language string) (domain.MessageTemplate, error) {
	defer s.lock()()
	for _, t := range s.st.templates {
		if t.Key == key && t.Language == language && t.Active {
			return t, nil
		}
	}
	return domain.MessageTemplate{}, fmt.Errorf("%w: %s/%s", domain.ErrTemplateNotFound, key, language)
}

func (s *Store) GetTemplate(ctx context.Context, id int64) (domain.MessageTemplate, error) {
	defer s.lock()()
	t, ok := s.st.templates[id]
	if !ok {
		return domain.MessageTemplate{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]domain.MessageTemplate, error) {
	defer s.lock()()
	out := make([]domain.MessageTemplate, 0, len(s.st.templates))
	for _, t := range s.st.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Language < out[j].Language
	})
	return out, nil
}

func (s *Store) CreateTemplate(ctx context.Context, in store.TemplateInsert) (domain.MessageTemplate, error) {
	defer s.lock()()
	for _, t := range s.st.templates {
		if t.Key == in.Key && t.Language == in.Language {
			return domain.MessageTemplate{}, fmt.Errorf("template %s/%s: %w", in.Key, in.Language, domain.ErrConflict)
		}
	}
	t := domain.MessageTemplate{
		ID:        s.st.nextID(),
		Key:       in.Key,
		Language:  in.Language,
		Text:      in.Text,
		Active:    in.Active,
		Version:   1,
		UpdatedAt: in.Now,
	}
	s.st.templates[t.ID] = t
	return t, nil
}

func (s *Store) UpdateTemplate(ctx context.Context, in store.TemplateUpdate) (domain.MessageTemplate, error) {
	defer s.lock()()
	t, ok := s.st.templates[in.ID]
	if !ok {
		return domain.MessageTemplate{}, domain.ErrNotFound
	}
	changed := false
	if in.Text != nil && *in.Text != t.Text {
		t.Text = *in.Text
		t.Version++
		changed = true
	}
	if in.Active != nil && *in.Active != t.Active {
		t.Active = *in.Active
		changed = true
	}
	if changed {
		t.UpdatedAt = in.Now
	}
	s.st.templates[in.ID] = t
	return t, nil
}

func (s *Store) AppendEvent(ctx context.Context, in store.EventInsert) error {
	defer s.lock()()
	if err := s.st.fail("AppendEvent"); err != nil {
		return err
	}
	e := domain.EventLog{
		ID:          s.st.nextID(),
		TS:          in.Now,
		Name:        in.Name,
		TemplateKey: in.TemplateKey,
		Meta:        maps.Clone(in.Meta),
	}
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	ref := func(v int64) *int64 {
		if v == 0 {
			return nil
		}
		return &v
	}
	e.AppointmentID = ref(in.AppointmentID)
	e.ClientID = ref(in.ClientID)
	e.TaskID = ref(in.TaskID)
	e.OutboxID = ref(in.OutboxID)
	if in.TemplateVersion > 0 {
		v := in.TemplateVersion
		e.TemplateVersion = &v
	}
	s.st.events = append(s.st.events, e)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, name string) ([]domain.EventLog, error) {
	defer s.lock()()
	var out []domain.EventLog
	for _, e := range s.st.events {
		if name == "" || e.Name == name {
			out = append(out, e)
		}
	}
	return out, nil
}
