// Package memory is an in-process store.Store used by tests and local runs without Postgres.
// Transactions are serialized and roll back by restoring a snapshot. Calls made outside a
// transaction wait for any open one to finish, so a rollback never erases them.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"salonnotif/internal/domain"
	"salonnotif/internal/store"
)

type state struct {
	seq       int64
	dedup     map[string]time.Time
	clients   map[int64]domain.Client
	phones    map[string]int64
	appts     map[int64]domain.Appointment
	apptKeys  map[[2]int64]int64
	tasks     map[int64]domain.Task
	templates map[int64]domain.MessageTemplate
	outbox    map[int64]domain.OutboxMessage
	events    []domain.EventLog
	failOn    map[string]error
}

func newState() *state {
	return &state{
		dedup:     map[string]time.Time{},
		clients:   map[int64]domain.Client{},
		phones:    map[string]int64{},
		appts:     map[int64]domain.Appointment{},
		apptKeys:  map[[2]int64]int64{},
		tasks:     map[int64]domain.Task{},
		templates: map[int64]domain.MessageTemplate{},
		outbox:    map[int64]domain.OutboxMessage{},
		failOn:    map[string]error{},
	}
}

func (st *state) clone() *state {
	return &state{
		seq:       st.seq,
		dedup:     maps.Clone(st.dedup),
		clients:   maps.Clone(st.clients),
		phones:    maps.Clone(st.phones),
		appts:     maps.Clone(st.appts),
		apptKeys:  maps.Clone(st.apptKeys),
		tasks:     maps.Clone(st.tasks),
		templates: maps.Clone(st.templates),
		outbox:    maps.Clone(st.outbox),
		events:    append([]domain.EventLog(nil), st.events...),
		failOn:    st.failOn, // injected failures survive rollback
	}
}

func (st *state) nextID() int64 {
	st.seq++
	return st.seq
}

// fail consumes an injected error for op, if one is armed.
func (st *state) fail(op string) error {
	err, ok := st.failOn[op]
	if !ok {
		return nil
	}
	delete(st.failOn, op)
	return err
}

type Store struct {
	mu     *sync.Mutex
	txMu   *sync.Mutex
	st     *state
	nested bool
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{mu: &sync.Mutex{}, txMu: &sync.Mutex{}, st: newState()}
}

// FailNext makes the next call of the named operation (e.g. "InsertOutbox") return err.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.failOn[op] = err
}

// lock serializes a call against open transactions. Inside a transaction the caller already
// holds txMu, so only mu is taken.
func (s *Store) lock() func() {
	if !s.nested {
		s.txMu.Lock()
	}
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		if !s.nested {
			s.txMu.Unlock()
		}
	}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if !s.nested {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}
	s.mu.Lock()
	snap := s.st.clone()
	s.mu.Unlock()

	if err := fn(&Store{mu: s.mu, txMu: s.txMu, st: s.st, nested: true}); err != nil {
		s.mu.Lock()
		*s.st = *snap
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) InsertDedup(ctx context.Context, provider, eventKey string, now time.Time) (bool, error) {
	defer s.lock()()
	if err := s.st.fail("InsertDedup"); err != nil {
		return false, err
	}
	k := provider + "\x00" + eventKey
	if _, ok := s.st.dedup[k]; ok {
		return false, nil
	}
	s.st.dedup[k] = now
	return true, nil
}

func (s *Store) UpsertClient(ctx context.Context, in store.ClientUpsert) (domain.Client, error) {
	defer s.lock()()
	if err := s.st.fail("UpsertClient"); err != nil {
		return domain.Client{}, err
	}
	if id, ok := s.st.phones[in.Phone]; ok {
		c := s.st.clients[id]
		if in.Name != "" {
			c.Name = in.Name
		}
		s.st.clients[id] = c
		return c, nil
	}
	c := domain.Client{ID: s.st.nextID(), Phone: in.Phone, Name: in.Name, Locale: in.Locale, CreatedAt: in.Now}
	s.st.clients[c.ID] = c
	s.st.phones[c.Phone] = c.ID
	return c, nil
}

func (s *Store) UpsertAppointment(ctx context.Context, in store.AppointmentUpsert) (domain.Appointment, bool, error) {
	defer s.lock()()
	if err := s.st.fail("UpsertAppointment"); err != nil {
		return domain.Appointment{}, false, err
	}
	if in.EndsAt.Before(in.StartsAt) {
		return domain.Appointment{}, false, fmt.Errorf("upsert appointment: ends_at before starts_at")
	}
	key := [2]int64{in.CompanyID, in.AppointmentID}
	id, exists := s.st.apptKeys[key]
	if !exists {
		id = s.st.nextID()
		s.st.apptKeys[key] = id
	}
	a := domain.Appointment{
		ID:                    id,
		ProviderCompanyID:     in.CompanyID,
		ProviderAppointmentID: in.AppointmentID,
		ClientID:              in.ClientID,
		StartsAt:              in.StartsAt,
		EndsAt:                in.EndsAt,
		StaffName:             in.StaffName,
		ServiceName:           in.ServiceName,
		Status:                in.Status,
		Source:                in.Source,
		UpdatedAt:             in.Now,
	}
	s.st.appts[id] = a
	return a, !exists, nil
}

func (s *Store) GetAppointment(ctx context.Context, companyID, appointmentID int64) (domain.Appointment, bool, error) {
	defer s.lock()()
	id, ok := s.st.apptKeys[[2]int64{companyID, appointmentID}]
	if !ok {
		return domain.Appointment{}, false, nil
	}
	return s.st.appts[id], true, nil
}
