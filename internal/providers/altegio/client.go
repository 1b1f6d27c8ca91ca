// Package altegio reads appointment detail from the Altegio booking API.
package altegio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"salonnotif/internal/domain"
	"salonnotif/internal/util"
)

type Client struct {
	BaseURL   string
	Token     string
	CompanyID int64
	HTTP      *http.Client
	// Limiter throttles calls from this process; nil means unlimited.
	Limiter *rate.Limiter
}

// NewLimiter allows rps requests per second with a burst of one.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

type named struct {
	Name string `json:"name"`
}

type appointmentResponse struct {
	ID       domain.ProviderID `json:"id"`
	StartsAt string            `json:"starts_at"`
	EndsAt   string            `json:"ends_at"`
	Client   struct {
		Phone string `json:"phone"`
		Name  string `json:"name"`
	} `json:"client"`
	Staff   named  `json:"staff"`
	Service named  `json:"service"`
	Source  string `json:"source"`
	Status  string `json:"status"`
}

type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("altegio: status %d: %s", e.Status, e.Body)
}

// GetAppointment fetches one appointment. Any transport, status or decoding failure is an error.
func (c *Client) GetAppointment(ctx context.Context, appointmentID int64) (domain.AppointmentInfo, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return domain.AppointmentInfo{}, err
		}
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + "/api/v1/appointments/" + strconv.FormatInt(appointmentID, 10)
	q := url.Values{}
	q.Set("company_id", strconv.FormatInt(c.CompanyID, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return domain.AppointmentInfo{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "application/json")

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return domain.AppointmentInfo{}, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.AppointmentInfo{}, &StatusError{Status: resp.StatusCode, Body: util.Truncate(string(b), 256)}
	}

	var out appointmentResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return domain.AppointmentInfo{}, fmt.Errorf("altegio: decode appointment %d: %w", appointmentID, err)
	}
	starts, err := time.Parse(time.RFC3339, out.StartsAt)
	if err != nil {
		return domain.AppointmentInfo{}, fmt.Errorf("altegio: appointment %d starts_at: %w", appointmentID, err)
	}
	ends, err := time.Parse(time.RFC3339, out.EndsAt)
	if err != nil {
		return domain.AppointmentInfo{}, fmt.Errorf("altegio: appointment %d ends_at: %w", appointmentID, err)
	}
	status := out.Status
	if status == "" {
		status = "unknown"
	}

	return domain.AppointmentInfo{
		AppointmentID: appointmentID,
		ClientPhone:   util.NormalizePhone(out.Client.Phone),
		ClientName:    out.Client.Name,
		StartsAt:      starts.UTC(),
		EndsAt:        ends.UTC(),
		StaffName:     out.Staff.Name,
		ServiceName:   out.Service.Name,
		Source:        out.Source,
		Status:        status,
	}, nil
}
