package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"salonnotif/internal/domain"
	"salonnotif/internal/observability"
	"salonnotif/internal/pacing"
	"salonnotif/internal/store"
	"salonnotif/internal/util"
)

const (
	DefaultIdleBackoff  = 5 * time.Second
	DefaultSendTimeout  = 20 * time.Second
	DefaultLeaseTimeout = 5 * time.Minute

	staleLeaseReason = "delivery outcome unknown: sender stopped before recording the result"
)

var ErrEmptyProviderID = errors.New("provider returned no message id")

// Messenger delivers one text message and returns the provider message id.
type Messenger interface {
	SendText(ctx context.Context, to, text string) (string, error)
}

type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeFailed   Outcome = "failed"
	OutcomeIdle     Outcome = "idle"
	OutcomeReleased Outcome = "released"
	OutcomePaused   Outcome = "paused"
	// OutcomeContended means another sender took the slot between Wait and Reserve.
	OutcomeContended Outcome = "contended"
)

// Sender drains the outbox one message at a time under the shared pacing slot.
// Every attempt, successful or not, consumes a full Interval.
type Sender struct {
	Store     store.Store
	Messenger Messenger
	Pacer     pacing.Pacer
	Breaker   *gobreaker.CircuitBreaker

	Interval    time.Duration
	IdleBackoff time.Duration
	SendTimeout time.Duration
	// RequireProviderID treats an empty provider message id as a delivery failure.
	RequireProviderID bool

	Now func() time.Time
}

func (s *Sender) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

func (s *Sender) idle() time.Duration {
	if s.IdleBackoff > 0 {
		return s.IdleBackoff
	}
	return DefaultIdleBackoff
}

// NewBreaker trips after failures consecutive delivery errors and lets one request through after openFor.
func NewBreaker(failures uint32, openFor time.Duration) *gobreaker.CircuitBreaker {
	if failures == 0 {
		failures = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "messaging",
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= failures },
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// ExpireStale fails leases older than leaseTimeout. Their delivery outcome is unknown, so they
// are never sent again.
func (s *Sender) ExpireStale(ctx context.Context, leaseTimeout time.Duration) (int, error) {
	if leaseTimeout <= 0 {
		leaseTimeout = DefaultLeaseTimeout
	}
	now := s.now()
	var expired []domain.OutboxMessage
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		expired, err = tx.ExpireStaleOutbox(ctx, now.Add(-leaseTimeout), staleLeaseReason, now)
		if err != nil {
			return err
		}
		for _, m := range expired {
			if err := tx.AppendEvent(ctx, store.EventInsert{
				Name:            "message.failed",
				TaskID:          m.TaskID,
				OutboxID:        m.ID,
				TemplateKey:     m.TemplateKey,
				TemplateVersion: m.TemplateVersion,
				Meta:            map[string]any{"error": staleLeaseReason},
				Now:             now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("expire stale leases: %w", err)
	}
	for _, m := range expired {
		slog.Warn("expired stale outbox lease", "outbox_id", m.ID, "task_id", m.TaskID)
	}
	return len(expired), nil
}

// Run loops RunOnce until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("sender iteration failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.idle()):
			}
		}
	}
}

// RunOnce waits for the pacing slot and then handles at most one outbox message.
func (s *Sender) RunOnce(ctx context.Context) (Outcome, error) {
	waitStart := time.Now()
	if err := s.Pacer.Wait(ctx); err != nil {
		return "", fmt.Errorf("pacer wait: %w", err)
	}
	observability.PacerWait.Observe(time.Since(waitStart).Seconds())

	won, err := s.Pacer.Reserve(ctx, s.Interval)
	if err != nil {
		return "", fmt.Errorf("pacer reserve: %w", err)
	}
	if !won {
		observability.SenderMessages.WithLabelValues(string(OutcomeContended)).Inc()
		return OutcomeContended, nil
	}

	// The slot is ours from here; the Advance calls below only reshape it.
	if s.Breaker != nil && s.Breaker.State() == gobreaker.StateOpen {
		observability.SenderMessages.WithLabelValues(string(OutcomePaused)).Inc()
		return OutcomePaused, s.Pacer.Advance(ctx, s.idle())
	}

	claimed, ok, err := s.Store.ClaimNextOutbox(ctx, s.now())
	if err != nil {
		return "", err
	}
	if !ok {
		return OutcomeIdle, s.Pacer.Advance(ctx, s.idle())
	}
	msg := claimed.Message

	start := time.Now()
	providerID, sendErr := s.send(ctx, msg)
	observability.SendLatency.Observe(time.Since(start).Seconds())

	if errors.Is(sendErr, gobreaker.ErrOpenState) || errors.Is(sendErr, gobreaker.ErrTooManyRequests) {
		// Not an attempt: the provider was never called.
		observability.SenderMessages.WithLabelValues(string(OutcomeReleased)).Inc()
		if err := s.Store.ReleaseOutbox(ctx, msg.ID, s.now()); err != nil {
			return "", err
		}
		return OutcomeReleased, s.Pacer.Advance(ctx, s.idle())
	}

	outcome := OutcomeSent
	var finErr error
	if sendErr != nil {
		outcome = OutcomeFailed
		finErr = s.recordFailure(ctx, claimed, sendErr)
	} else {
		finErr = s.recordSuccess(ctx, claimed, providerID)
	}
	observability.SenderMessages.WithLabelValues(string(outcome)).Inc()

	// The slot is consumed whatever the outcome.
	if err := s.Pacer.Advance(ctx, s.Interval); err != nil {
		return outcome, errors.Join(finErr, err)
	}
	return outcome, finErr
}

func (s *Sender) send(ctx context.Context, msg domain.OutboxMessage) (string, error) {
	call := func() (string, error) {
		timeout := s.SendTimeout
		if timeout <= 0 {
			timeout = DefaultSendTimeout
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		id, err := s.Messenger.SendText(reqCtx, msg.ToPhone, msg.RenderedText)
		if err != nil {
			return "", err
		}
		if id == "" && s.RequireProviderID {
			return "", ErrEmptyProviderID
		}
		return id, nil
	}
	if s.Breaker == nil {
		return call()
	}
	res, err := s.Breaker.Execute(func() (any, error) { return call() })
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (s *Sender) recordSuccess(ctx context.Context, c store.ClaimedOutbox, providerID string) error {
	now := s.now()
	msg := c.Message
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.MarkOutboxSent(ctx, store.OutboxSentUpdate{ID: msg.ID, ProviderMessageID: providerID, Now: now}); err != nil {
			return err
		}
		if err := tx.MarkTaskDone(ctx, msg.TaskID, now); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, store.EventInsert{
			Name:            "message.sent",
			AppointmentID:   c.AppointmentID,
			ClientID:        c.ClientID,
			TaskID:          msg.TaskID,
			OutboxID:        msg.ID,
			TemplateKey:     msg.TemplateKey,
			TemplateVersion: msg.TemplateVersion,
			Meta:            map[string]any{"provider_message_id": providerID},
			Now:             now,
		})
	})
	if err != nil {
		return fmt.Errorf("record sent outbox %d: %w", msg.ID, err)
	}
	slog.Info("message sent", "outbox_id", msg.ID, "task_id", msg.TaskID, "provider_message_id", providerID)
	return nil
}

func (s *Sender) recordFailure(ctx context.Context, c store.ClaimedOutbox, cause error) error {
	now := s.now()
	msg := c.Message
	reason := cause.Error()
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.MarkOutboxFailed(ctx, store.OutboxFailedUpdate{ID: msg.ID, Error: reason, Now: now}); err != nil {
			return err
		}
		if err := tx.MarkTaskFailed(ctx, msg.TaskID, reason, now); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, store.EventInsert{
			Name:            "message.failed",
			AppointmentID:   c.AppointmentID,
			ClientID:        c.ClientID,
			TaskID:          msg.TaskID,
			OutboxID:        msg.ID,
			TemplateKey:     msg.TemplateKey,
			TemplateVersion: msg.TemplateVersion,
			Meta:            map[string]any{"error": reason},
			Now:             now,
		})
	})
	if err != nil {
		return fmt.Errorf("record failed outbox %d: %w", msg.ID, err)
	}
	slog.Warn("message failed", "outbox_id", msg.ID, "task_id", msg.TaskID, "err", cause)
	return nil
}
