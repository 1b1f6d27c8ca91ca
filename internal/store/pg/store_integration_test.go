//go:build integration
// +build integration

package pg

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"salonnotif/internal/domain"
	"salonnotif/internal/pacing"
	"salonnotif/internal/service"
	"salonnotif/internal/store"
	"salonnotif/internal/worker"
)

var t0 = time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC)

func TestDedupIsWriteOnce(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	first, err := s.InsertDedup(ctx, "altegio", "rid:abc", t0)
	if err != nil || !first {
		t.Fatalf("first insert: ok=%v err=%v", first, err)
	}
	again, err := s.InsertDedup(ctx, "altegio", "rid:abc", t0.Add(time.Minute))
	if err != nil || again {
		t.Fatalf("second insert: ok=%v err=%v", again, err)
	}
}

func TestUpsertAppointmentConverges(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	c := mustClient(t, s, "+15551234567")
	a1, created, err := s.UpsertAppointment(ctx, apptUpsert(c.ID, 42, "created"))
	if err != nil || !created {
		t.Fatalf("first upsert: created=%v err=%v", created, err)
	}
	in := apptUpsert(c.ID, 42, "updated")
	in.StaffName = "Olga"
	a2, created, err := s.UpsertAppointment(ctx, in)
	if err != nil || created || a2.ID != a1.ID || a2.Status != "updated" || a2.StaffName != "Olga" {
		t.Fatalf("second upsert: appt=%+v created=%v err=%v", a2, created, err)
	}

	bad := apptUpsert(c.ID, 43, "created")
	bad.EndsAt = bad.StartsAt.Add(-time.Minute)
	if _, _, err := s.UpsertAppointment(ctx, bad); err == nil {
		t.Fatalf("expected end-before-start to be rejected")
	}
}

func TestClaimDueTasksSkipsLockedRows(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	a := mustAppointment(t, s, 42)
	if _, err := s.InsertTasks(ctx, []store.TaskInsert{
		{AppointmentID: a.ID, Type: domain.TaskReminder24h, PlannedAt: t0, Payload: domain.TaskPayload{TemplateKey: domain.TemplateReminder24h}, Now: t0},
		{AppointmentID: a.ID, Type: domain.TaskReminder2h, PlannedAt: t0.Add(time.Hour), Payload: domain.TaskPayload{TemplateKey: domain.TemplateReminder2h}, Now: t0},
	}); err != nil {
		t.Fatalf("insert tasks: %v", err)
	}

	err := s.WithTx(ctx, func(tx store.Tx) error {
		claimed, err := tx.ClaimDueTasks(ctx, t0.Add(2*time.Hour), 10)
		if err != nil {
			return err
		}
		if len(claimed) != 2 || claimed[0].Task.PlannedAt.After(claimed[1].Task.PlannedAt) {
			return fmt.Errorf("claimed=%d, want 2 earliest first", len(claimed))
		}
		// A second sweep on another connection sees nothing while the first holds the rows.
		other, err := s.ClaimDueTasks(ctx, t0.Add(2*time.Hour), 10)
		if err != nil {
			return err
		}
		if len(other) != 0 {
			return fmt.Errorf("overlapping claim got %d tasks", len(other))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
}

func TestNestedTxRollsBackOnlyItself(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	a := mustAppointment(t, s, 42)
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.AppendEvent(ctx, store.EventInsert{Name: "outer", AppointmentID: a.ID, Now: t0}); err != nil {
			return err
		}
		if err := tx.WithTx(ctx, func(inner store.Tx) error {
			if err := inner.AppendEvent(ctx, store.EventInsert{Name: "inner", Now: t0}); err != nil {
				return err
			}
			return boom
		}); !errors.Is(err, boom) {
			return fmt.Errorf("inner err=%v", err)
		}
		return tx.AppendEvent(ctx, store.EventInsert{Name: "after", Now: t0})
	})
	if err != nil {
		t.Fatalf("outer: %v", err)
	}
	for name, want := range map[string]int{"outer": 1, "inner": 0, "after": 1} {
		evs, err := s.ListEvents(ctx, name)
		if err != nil || len(evs) != want {
			t.Fatalf("%s events=%d want %d err=%v", name, len(evs), want, err)
		}
	}
}

func TestOutboxClaimIsFIFOAndReleasable(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	a := mustAppointment(t, s, 42)
	tasks, err := s.InsertTasks(ctx, []store.TaskInsert{
		{AppointmentID: a.ID, Type: domain.TaskReminder24h, PlannedAt: t0, Now: t0},
		{AppointmentID: a.ID, Type: domain.TaskReminder2h, PlannedAt: t0, Now: t0},
	})
	if err != nil {
		t.Fatalf("insert tasks: %v", err)
	}
	var ids []int64
	for i, tk := range tasks {
		m, err := s.InsertOutbox(ctx, store.OutboxInsert{TaskID: tk.ID, ToPhone: "+15551234567",
			TemplateKey: "K", TemplateVersion: 1, RenderedText: fmt.Sprintf("m%d", i), Now: t0})
		if err != nil {
			t.Fatalf("insert outbox: %v", err)
		}
		ids = append(ids, m.ID)
	}

	c, ok, err := s.ClaimNextOutbox(ctx, t0)
	if err != nil || !ok || c.Message.ID != ids[0] || c.AppointmentID != a.ID {
		t.Fatalf("claim: %+v ok=%v err=%v", c, ok, err)
	}
	if err := s.ReleaseOutbox(ctx, c.Message.ID, t0); err != nil {
		t.Fatalf("release: %v", err)
	}
	c, _, _ = s.ClaimNextOutbox(ctx, t0)
	if c.Message.ID != ids[0] {
		t.Fatalf("released message should be claimed first again, got %d", c.Message.ID)
	}
	if err := s.MarkOutboxSent(ctx, store.OutboxSentUpdate{ID: c.Message.ID, ProviderMessageID: "wamid.1", Now: t0}); err != nil {
		t.Fatalf("sent: %v", err)
	}
	if err := s.MarkOutboxFailed(ctx, store.OutboxFailedUpdate{ID: c.Message.ID, Error: "late", Now: t0}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("sent -> failed should be rejected, got %v", err)
	}
}

func TestTemplateVersioning(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	tpl, err := s.CreateTemplate(ctx, store.TemplateInsert{Key: "K", Language: "ru", Text: "a", Active: true, Now: t0})
	if err != nil || tpl.Version != 1 {
		t.Fatalf("create: %+v err=%v", tpl, err)
	}
	if _, err := s.CreateTemplate(ctx, store.TemplateInsert{Key: "K", Language: "ru", Text: "b", Active: true, Now: t0}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate: %v", err)
	}
	text := "b"
	tpl, _ = s.UpdateTemplate(ctx, store.TemplateUpdate{ID: tpl.ID, Text: &text, Now: t0})
	off := false
	tpl, _ = s.UpdateTemplate(ctx, store.TemplateUpdate{ID: tpl.ID, Active: &off, Now: t0})
	if tpl.Version != 2 || tpl.Active {
		t.Fatalf("tpl=%+v", tpl)
	}
	if _, err := s.GetActiveTemplate(ctx, "K", "ru"); !errors.Is(err, domain.ErrTemplateNotFound) {
		t.Fatalf("inactive template rendered: %v", err)
	}
}

func TestPostgresPacerSpacing(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	p := pacing.NewPostgres(s.DB)
	start := time.Now()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("fresh slot should not block")
	}
	if err := p.Advance(ctx, 1500*time.Millisecond); err != nil {
		t.Fatalf("advance: %v", err)
	}
	start = time.Now()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if time.Since(start) < time.Second {
		t.Fatalf("wait returned after %s, want at least 1s", time.Since(start))
	}
}

func TestPostgresPacerReserveIsExclusive(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	a, b := pacing.NewPostgres(s.DB), pacing.NewPostgres(s.DB)
	results := make(chan bool, 2)
	for _, p := range []*pacing.Postgres{a, b} {
		go func(p *pacing.Postgres) {
			ok, err := p.Reserve(ctx, time.Minute)
			if err != nil {
				t.Errorf("reserve: %v", err)
			}
			results <- ok
		}(p)
	}
	won := 0
	for i := 0; i < 2; i++ {
		if <-results {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("%d reservations won, want 1", won)
	}
}

type okMessenger struct{ sent []string }

func (m *okMessenger) SendText(_ context.Context, to, text string) (string, error) {
	m.sent = append(m.sent, text)
	return fmt.Sprintf("wamid.%d", len(m.sent)), nil
}

// TestCreatedAppointmentFlowsToDelivery drives sync, sweep and send against Postgres.
func TestCreatedAppointmentFlowsToDelivery(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	now := t0
	clock := func() time.Time { return now }
	tplSvc := &service.TemplateService{Store: s, Now: clock}
	if _, err := tplSvc.Create(ctx, service.CreateTemplateRequest{Key: domain.TemplateApptCreated, Text: "Hi {{ client_name }}, {{ date }} {{ time }}"}); err != nil {
		t.Fatalf("template: %v", err)
	}

	sched := &service.Scheduler{Store: s, Location: time.UTC, Now: clock}
	proc := &service.Processor{Store: s, Scheduler: sched, CompanyID: 1, Now: clock}
	res, err := proc.Sync(ctx, domain.SyncRequest{
		EventKey: "rid:1", EventType: domain.EventCreated, CompanyID: 1, AppointmentID: 42,
		ClientPhone: "+15551234567", ClientName: "Anna",
		StartsAt: time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC), EndsAt: time.Date(2025, 1, 10, 11, 0, 0, 0, time.UTC),
		Status: "created",
	}, now)
	if err != nil || len(res.Tasks) != 5 {
		t.Fatalf("sync: tasks=%d err=%v", len(res.Tasks), err)
	}

	queued, err := sched.Sweep(ctx)
	if err != nil || queued != 1 {
		t.Fatalf("sweep: queued=%d err=%v", queued, err)
	}

	msgr := &okMessenger{}
	sender := &worker.Sender{Store: s, Messenger: msgr, Pacer: pacing.NewPostgres(s.DB), Interval: time.Second, Now: clock}
	out, err := sender.RunOnce(ctx)
	if err != nil || out != worker.OutcomeSent {
		t.Fatalf("send: out=%s err=%v", out, err)
	}
	if len(msgr.sent) != 1 || msgr.sent[0] != "Hi Anna, 10.01.2025 10:00" {
		t.Fatalf("sent=%q", msgr.sent)
	}
	tasks, _ := s.ListTasks(ctx, res.Appointment.ID)
	done := 0
	for _, tk := range tasks {
		if tk.Status == domain.TaskDone {
			done++
		}
	}
	if done != 1 {
		t.Fatalf("done tasks=%d want 1", done)
	}
}

func mustClient(t *testing.T, s *Store, phone string) domain.Client {
	t.Helper()
	c, err := s.UpsertClient(context.Background(), store.ClientUpsert{Phone: phone, Locale: "ru", Now: t0})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return c
}

func mustAppointment(t *testing.T, s *Store, id int64) domain.Appointment {
	t.Helper()
	c := mustClient(t, s, "+15551234567")
	a, _, err := s.UpsertAppointment(context.Background(), apptUpsert(c.ID, id, "created"))
	if err != nil {
		t.Fatalf("appointment: %v", err)
	}
	return a
}

func apptUpsert(clientID, id int64, status string) store.AppointmentUpsert {
	start := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)
	return store.AppointmentUpsert{CompanyID: 1, AppointmentID: id, ClientID: clientID,
		StartsAt: start, EndsAt: start.Add(time.Hour), Status: status, Now: t0}
}

func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	ctx := context.Background()
	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}
	db, err := NewPool(ctx, dbDSN, PoolOptions{MaxConns: 4})
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("migrate: %v", err)
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}
	return New(db), cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
