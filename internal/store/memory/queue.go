package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"salonnotif/internal/domain"
	"salonnotif/internal/store"
)

func (s *Store) InsertTasks(ctx context.Context, in []store.TaskInsert) ([]domain.Task, error) {
	defer s.lock()()
	if err := s.st.fail("InsertTasks"); err != nil {
		return nil, err
	}
	out := make([]domain.Task, 0, len(in))
	for _, ti := range in {
		if _, ok := s.st.appts[ti.AppointmentID]; !ok {
			return nil, fmt.Errorf("insert task %s: unknown appointment %d", ti.Type, ti.AppointmentID)
		}
		t := domain.Task{
			ID:            s.st.nextID(),
			AppointmentID: ti.AppointmentID,
			Type:          ti.Type,
			PlannedAt:     ti.PlannedAt,
			Status:        domain.TaskScheduled,
			Payload:       ti.Payload,
			CreatedAt:     ti.Now,
		}
		s.st.tasks[t.ID] = t
		out = append(out, t)
	}
	return out, nil
}

func sortTasks(ts []domain.Task) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].PlannedAt.Equal(ts[j].PlannedAt) {
			return ts[i].PlannedAt.Before(ts[j].PlannedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

func (s *Store) ListTasks(ctx context.Context, appointmentID int64) ([]domain.Task, error) {
	defer s.lock()()
	var out []domain.Task
	for _, t := range s.st.tasks {
		if t.AppointmentID == appointmentID {
			out = append(out, t)
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *Store) ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]store.DueTask, error) {
	defer s.lock()()
	if err := s.st.fail("ClaimDueTasks"); err != nil {
		return nil, err
	}
	var due []domain.Task
	for _, t := range s.st.tasks {
		if t.Status == domain.TaskScheduled && !t.PlannedAt.After(now) {
			due = append(due, t)
		}
	}
	sortTasks(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]store.DueTask, 0, len(due))
	for _, t := range due {
		a := s.st.appts[t.AppointmentID]
		out = append(out, store.DueTask{Task: t, Appointment: a, Client: s.st.clients[a.ClientID]})
	}
	return out, nil
}

func (s *Store) transitionTask(op string, id int64, to domain.TaskStatus, lastError string, from ...domain.TaskStatus) error {
	defer s.lock()()
	if err := s.st.fail(op); err != nil {
		return err
	}
	t, ok := s.st.tasks[id]
	if !ok || !slices.Contains(from, t.Status) {
		return fmt.Errorf("task %d -> %s: %w", id, to, domain.ErrInvalidTransition)
	}
	t.Status = to
	if lastError != "" {
		t.LastError = lastError
	}
	s.st.tasks[id] = t
	return nil
}

func (s *Store) MarkTaskQueued(ctx context.Context, id int64, now time.Time) error {
	return s.transitionTask("MarkTaskQueued", id, domain.TaskQueued, "", domain.TaskScheduled)
}

func (s *Store) MarkTaskDone(ctx context.Context, id int64, now time.Time) error {
	return s.transitionTask("MarkTaskDone", id, domain.TaskDone, "", domain.TaskQueued)
}

func (s *Store) MarkTaskFailed(ctx context.Context, id int64, lastError string, now time.Time) error {
	return s.transitionTask("MarkTaskFailed", id, domain.TaskFailed, lastError, domain.TaskScheduled, domain.TaskQueued)
}

func (s *Store) InsertOutbox(ctx context.Context, in store.OutboxInsert) (domain.OutboxMessage, error) {
	defer s.lock()()
	if err := s.st.fail("InsertOutbox"); err != nil {
		return domain.OutboxMessage{}, err
	}
	if _, ok := s.st.tasks[in.TaskID]; !ok {
		return domain.OutboxMessage{}, fmt.Errorf("insert outbox: unknown task %d", in.TaskID)
	}
	m := domain.OutboxMessage{
		ID:              s.st.nextID(),
		TaskID:          in.TaskID,
		ToPhone:         in.ToPhone,
		TemplateKey:     in.TemplateKey,
		TemplateVersion: in.TemplateVersion,
		RenderedText:    in.RenderedText,
		Status:          domain.OutboxQueued,
		CreatedAt:       in.Now,
	}
	s.st.outbox[m.ID] = m
	return m, nil
}

func (s *Store) GetOutbox(ctx context.Context, id int64) (domain.OutboxMessage, bool, error) {
	defer s.lock()()
	m, ok := s.st.outbox[id]
	return m, ok, nil
}

func (s *Store) ClaimNextOutbox(ctx context.Context, now time.Time) (store.ClaimedOutbox, bool, error) {
	defer s.lock()()
	if err := s.st.fail("ClaimNextOutbox"); err != nil {
		return store.ClaimedOutbox{}, false, err
	}
	var pick int64
	for id, m := range s.st.outbox {
		if m.Status == domain.OutboxQueued && (pick == 0 || id < pick) {
			pick = id
		}
	}
	if pick == 0 {
		return store.ClaimedOutbox{}, false, nil
	}
	m := s.st.outbox[pick]
	m.Status = domain.OutboxSending
	locked := now
	m.LockedAt = &locked
	s.st.outbox[pick] = m

	a := s.st.appts[s.st.tasks[m.TaskID].AppointmentID]
	return store.ClaimedOutbox{Message: m, AppointmentID: a.ID, ClientID: a.ClientID}, true, nil
}

func (s *Store) leased(id int64, to domain.OutboxStatus) (domain.OutboxMessage, error) {
	m, ok := s.st.outbox[id]
	if !ok || m.Status != domain.OutboxSending {
		return domain.OutboxMessage{}, fmt.Errorf("outbox %d -> %s: %w", id, to, domain.ErrInvalidTransition)
	}
	return m, nil
}

func (s *Store) MarkOutboxSent(ctx context.Context, in store.OutboxSentUpdate) error {
	defer s.lock()()
	if err := s.st.fail("MarkOutboxSent"); err != nil {
		return err
	}
	m, err := s.leased(in.ID, domain.OutboxSent)
	if err != nil {
		return err
	}
	sent := in.Now
	m.Status = domain.OutboxSent
	m.ProviderMessageID = in.ProviderMessageID
	m.SentAt = &sent
	m.Error = ""
	s.st.outbox[in.ID] = m
	return nil
}

func (s *Store) MarkOutboxFailed(ctx context.Context, in store.OutboxFailedUpdate) error {
	defer s.lock()()
	if err := s.st.fail("MarkOutboxFailed"); err != nil {
		return err
	}
	m, err := s.leased(in.ID, domain.OutboxFailed)
	if err != nil {
		return err
	}
	m.Status = domain.OutboxFailed
	m.Error = in.Error
	s.st.outbox[in.ID] = m
	return nil
}

func (s *Store) ReleaseOutbox(ctx context.Context, id int64, now time.Time) error {
	defer s.lock()()
	m, err := s.leased(id, domain.OutboxQueued)
	if err != nil {
		return err
	}
	m.Status = domain.OutboxQueued
	m.LockedAt = nil
	s.st.outbox[id] = m
	return nil
}

func (s *Store) ExpireStaleOutbox(ctx context.Context, staleBefore time.Time, reason string, now time.Time) ([]domain.OutboxMessage, error) {
	defer s.lock()()
	var out []domain.OutboxMessage
	for id, m := range s.st.outbox {
		if m.Status != domain.OutboxSending || m.LockedAt == nil || !m.LockedAt.Before(staleBefore) {
			continue
		}
		m.Status = domain.OutboxFailed
		m.Error = reason
		s.st.outbox[id] = m
		out = append(out, m)

		if t, ok := s.st.tasks[m.TaskID]; ok && t.Status == domain.TaskQueued {
			t.Status = domain.TaskFailed
			t.LastError = reason
			s.st.tasks[t.ID] = t
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
