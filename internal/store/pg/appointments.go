package pg

import (
	"context"
	"fmt"
	"time"

	"salonnotif/internal/domain"
	"salonnotif/internal/store"
)

func (s *Store) InsertDedup(ctx context.Context, provider, eventKey string, now time.Time) (bool, error) {
	ct, err := s.q.Exec(ctx, `
		INSERT INTO webhook_dedup (provider, event_key, received_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (provider, event_key) DO NOTHING
	`, provider, eventKey, now)
	if err != nil {
		return false, fmt.Errorf("insert dedup: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// UpsertClient only overwrites the name when a non-empty one is supplied.
func (s *Store) UpsertClient(ctx context.Context, in store.ClientUpsert) (domain.Client, error) {
	var c domain.Client
	err := s.q.QueryRow(ctx, `
		INSERT INTO clients (phone_e164, name, locale, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (phone_e164)
		DO UPDATE SET name = COALESCE(EXCLUDED.name, clients.name)
		RETURNING id, phone_e164, COALESCE(name,''), locale, created_at
	`, in.Phone, nullIfEmpty(in.Name), in.Locale, in.Now).Scan(&c.ID, &c.Phone, &c.Name, &c.Locale, &c.CreatedAt)
	if err != nil {
		return domain.Client{}, fmt.Errorf("upsert client: %w", err)
	}
	return c, nil
}

const appointmentCols = `id, provider_company_id, provider_appointment_id, client_id, starts_at, ends_at,
	COALESCE(staff_name,''), COALESCE(service_name,''), status, COALESCE(source,''), updated_at`

func scanAppointment(row interface{ Scan(...any) error }, extra ...any) (domain.Appointment, error) {
	var a domain.Appointment
	dest := []any{&a.ID, &a.ProviderCompanyID, &a.ProviderAppointmentID, &a.ClientID, &a.StartsAt, &a.EndsAt,
		&a.StaffName, &a.ServiceName, &a.Status, &a.Source, &a.UpdatedAt}
	err := row.Scan(append(dest, extra...)...)
	return a, err
}

// UpsertAppointment replaces every mutable field on conflict; there is no merge.
func (s *Store) UpsertAppointment(ctx context.Context, in store.AppointmentUpsert) (domain.Appointment, bool, error) {
	var created bool
	row := s.q.QueryRow(ctx, `
		INSERT INTO appointments (provider_company_id, provider_appointment_id, client_id, status,
			starts_at, ends_at, staff_name, service_name, source, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (provider_company_id, provider_appointment_id)
		DO UPDATE SET client_id=EXCLUDED.client_id, status=EXCLUDED.status,
			starts_at=EXCLUDED.starts_at, ends_at=EXCLUDED.ends_at,
			staff_name=EXCLUDED.staff_name, service_name=EXCLUDED.service_name,
			source=EXCLUDED.source, updated_at=EXCLUDED.updated_at
		RETURNING `+appointmentCols+`, (xmax = 0)
	`, in.CompanyID, in.AppointmentID, in.ClientID, in.Status, in.StartsAt, in.EndsAt,
		nullIfEmpty(in.StaffName), nullIfEmpty(in.ServiceName), nullIfEmpty(in.Source), in.Now)
	a, err := scanAppointment(row, &created)
	if err != nil {
		return domain.Appointment{}, false, fmt.Errorf("upsert appointment: %w", err)
	}
	return a, created, nil
}

func (s *Store) GetAppointment(ctx context.Context, companyID, appointmentID int64) (domain.Appointment, bool, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+appointmentCols+` FROM appointments
		WHERE provider_company_id=$1 AND provider_appointment_id=$2
	`, companyID, appointmentID)
	a, err := scanAppointment(row)
	if err != nil {
		if isNoRows(err) {
			return domain.Appointment{}, false, nil
		}
		return domain.Appointment{}, false, err
	}
	return a, true, nil
}
