package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"salonnotif/internal/domain"
	"salonnotif/internal/store"
)

var t0 = time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC)

func TestInsertDedupIsWriteOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	ok, err := s.InsertDedup(ctx, "altegio", "rid:1", t0)
	if err != nil || !ok {
		t.Fatalf("first insert ok=%v err=%v", ok, err)
	}
	ok, err = s.InsertDedup(ctx, "altegio", "rid:1", t0)
	if err != nil || ok {
		t.Fatalf("duplicate insert ok=%v err=%v", ok, err)
	}
	ok, _ = s.InsertDedup(ctx, "other", "rid:1", t0)
	if !ok {
		t.Fatalf("key should be scoped per provider")
	}
}

func TestWithTxRollsBack(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.UpsertClient(ctx, store.ClientUpsert{Phone: "+1", Locale: "ru", Now: t0}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	c, _ := s.UpsertClient(ctx, store.ClientUpsert{Phone: "+1", Name: "A", Locale: "ru", Now: t0})
	if c.ID != 1 {
		t.Fatalf("rolled back insert should not consume ids, got id=%d", c.ID)
	}
}

func TestWritesOutsideTxSurviveRollback(t *testing.T) {
	s := New()
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	txDone := make(chan error, 1)
	go func() {
		txDone <- s.WithTx(ctx, func(tx store.Tx) error {
			close(entered)
			<-release
			return errors.New("rollback")
		})
	}()
	<-entered

	inserted := make(chan bool, 1)
	go func() {
		ok, _ := s.InsertDedup(ctx, "altegio", "rid:outside", t0)
		inserted <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-txDone

	if !<-inserted {
		t.Fatalf("first insert should succeed")
	}
	if again, _ := s.InsertDedup(ctx, "altegio", "rid:outside", t0); again {
		t.Fatalf("write made during an open transaction was erased by its rollback")
	}
}

func TestClientNameIsNotCleared(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _ = s.UpsertClient(ctx, store.ClientUpsert{Phone: "+1", Name: "Anna", Locale: "ru", Now: t0})
	c, _ := s.UpsertClient(ctx, store.ClientUpsert{Phone: "+1", Locale: "ru", Now: t0})
	if c.Name != "Anna" {
		t.Fatalf("name=%q want Anna", c.Name)
	}
}

func TestOutboxClaimIsFIFOAndExclusive(t *testing.T) {
	s := New()
	ctx := context.Background()
	c, _ := s.UpsertClient(ctx, store.ClientUpsert{Phone: "+1", Locale: "ru", Now: t0})
	a, _, _ := s.UpsertAppointment(ctx, store.AppointmentUpsert{CompanyID: 1, AppointmentID: 1, ClientID: c.ID,
		StartsAt: t0, EndsAt: t0.Add(time.Hour), Status: "created", Now: t0})
	tasks, err := s.InsertTasks(ctx, []store.TaskInsert{
		{AppointmentID: a.ID, Type: domain.TaskReminder24h, PlannedAt: t0, Now: t0},
		{AppointmentID: a.ID, Type: domain.TaskReminder2h, PlannedAt: t0, Now: t0},
	})
	if err != nil {
		t.Fatalf("insert tasks: %v", err)
	}
	var ids []int64
	for _, task := range tasks {
		m, err := s.InsertOutbox(ctx, store.OutboxInsert{TaskID: task.ID, ToPhone: "+1", TemplateKey: "K", TemplateVersion: 1, RenderedText: "x", Now: t0})
		if err != nil {
			t.Fatalf("insert outbox: %v", err)
		}
		ids = append(ids, m.ID)
	}

	first, ok, _ := s.ClaimNextOutbox(ctx, t0)
	if !ok || first.Message.ID != ids[0] || first.AppointmentID != a.ID || first.ClientID != c.ID {
		t.Fatalf("unexpected first claim %+v", first)
	}
	second, ok, _ := s.ClaimNextOutbox(ctx, t0)
	if !ok || second.Message.ID != ids[1] {
		t.Fatalf("second claim should skip leased row, got %+v", second)
	}
	if _, ok, _ := s.ClaimNextOutbox(ctx, t0); ok {
		t.Fatalf("queue should be empty")
	}

	if err := s.ReleaseOutbox(ctx, first.Message.ID, t0); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, ok, _ := s.ClaimNextOutbox(ctx, t0)
	if !ok || again.Message.ID != ids[0] {
		t.Fatalf("released row should be claimable again, got %+v", again)
	}
	if err := s.MarkOutboxSent(ctx, store.OutboxSentUpdate{ID: ids[0], Now: t0}); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := s.MarkOutboxFailed(ctx, store.OutboxFailedUpdate{ID: ids[0], Error: "late"}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("sent row must not fail afterwards, got %v", err)
	}
}

func TestExpireStaleOutboxFailsTask(t *testing.T) {
	s := New()
	ctx := context.Background()
	c, _ := s.UpsertClient(ctx, store.ClientUpsert{Phone: "+1", Locale: "ru", Now: t0})
	a, _, _ := s.UpsertAppointment(ctx, store.AppointmentUpsert{CompanyID: 1, AppointmentID: 1, ClientID: c.ID,
		StartsAt: t0, EndsAt: t0, Now: t0})
	tasks, _ := s.InsertTasks(ctx, []store.TaskInsert{{AppointmentID: a.ID, Type: domain.TaskReminder2h, PlannedAt: t0, Now: t0}})
	_ = s.MarkTaskQueued(ctx, tasks[0].ID, t0)
	m, _ := s.InsertOutbox(ctx, store.OutboxInsert{TaskID: tasks[0].ID, ToPhone: "+1", TemplateKey: "K", TemplateVersion: 1, RenderedText: "x", Now: t0})
	_, _, _ = s.ClaimNextOutbox(ctx, t0)

	expired, err := s.ExpireStaleOutbox(ctx, t0.Add(time.Minute), "delivery outcome unknown", t0.Add(time.Hour))
	if err != nil || len(expired) != 1 || expired[0].ID != m.ID {
		t.Fatalf("expired=%v err=%v", expired, err)
	}
	got, _ := s.ListTasks(ctx, a.ID)
	if got[0].Status != domain.TaskFailed || got[0].LastError != "delivery outcome unknown" {
		t.Fatalf("task=%+v", got[0])
	}
}

func TestTemplateVersioning(t *testing.T) {
	s := New()
	ctx := context.Background()
	tpl, err := s.CreateTemplate(ctx, store.TemplateInsert{Key: "K", Language: "ru", Text: "a", Active: true, Now: t0})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateTemplate(ctx, store.TemplateInsert{Key: "K", Language: "ru", Text: "b", Now: t0}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	off := false
	tpl, _ = s.UpdateTemplate(ctx, store.TemplateUpdate{ID: tpl.ID, Active: &off, Now: t0})
	if tpl.Version != 1 {
		t.Fatalf("toggle bumped version to %d", tpl.Version)
	}
	if _, err := s.GetActiveTemplate(ctx, "K", "ru"); !errors.Is(err, domain.ErrTemplateNotFound) {
		t.Fatalf("inactive template should be invisible, got %v", err)
	}
	text := "b"
	tpl, _ = s.UpdateTemplate(ctx, store.TemplateUpdate{ID: tpl.ID, Text: &text, Now: t0})
	if tpl.Version != 2 {
		t.Fatalf("text edit version=%d want 2", tpl.Version)
	}
	tpl, _ = s.UpdateTemplate(ctx, store.TemplateUpdate{ID: tpl.ID, Text: &text, Now: t0})
	if tpl.Version != 2 {
		t.Fatalf("unchanged text bumped version to %d", tpl.Version)
	}
}
