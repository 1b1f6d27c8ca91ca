package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"salonnotif/internal/observability"
	sqsqueue "salonnotif/internal/queue/sqs"
	"salonnotif/internal/store"
	"salonnotif/internal/util"
)

const ProviderAltegio = "altegio"

const (
	AdmissionAccepted  = "accepted"
	AdmissionDuplicate = "duplicate_ignored"
)

var (
	ErrEmptyBody = errors.New("empty body")
	// ErrBodyTooLarge means the encoded payload would not fit in one queue message.
	ErrBodyTooLarge = errors.New("body too large")
	// ErrEnqueue means the event was admitted but could not be handed to processing.
	ErrEnqueue = errors.New("enqueue failed")
)

type EventQueue interface {
	EnqueueEvent(ctx context.Context, job sqsqueue.EventJob) error
}

// DedupGate admits each inbound provider event once and hands it to asynchronous processing.
type DedupGate struct {
	Store    store.Store
	Queue    EventQueue
	Provider string
	Now      func() time.Time
	IDGen    func() string
}

type Admission struct {
	Status   string `json:"status"`
	EventKey string `json:"event_key"`
	JobID    string `json:"job_id,omitempty"`
}

// MaxEventKeyLen matches the event_key column.
const MaxEventKeyLen = 128

// EventKey namespaces a caller token as rid:<token>; without one it hashes the body. Tokens too
// long for the key column are hashed as rid:sha256:<hex>.
func EventKey(token string, body []byte) string {
	if t := strings.TrimSpace(token); t != "" {
		if key := "rid:" + t; len(key) <= MaxEventKeyLen {
			return key
		}
		sum := sha256.Sum256([]byte(t))
		return "rid:sha256:" + hex.EncodeToString(sum[:])
	}
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// EventPayload returns body as-is when it is JSON, otherwise wrapped as {"raw": body}.
func EventPayload(body []byte) json.RawMessage {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	b, _ := json.Marshal(map[string]string{"raw": string(body)})
	return b
}

// Admit records the event key and enqueues the event only when the key is new. The dedup row
// is committed before enqueueing, so a failed enqueue loses the event; that is logged and
// audited as webhook.enqueue_failed.
func (g *DedupGate) Admit(ctx context.Context, token string, body []byte) (Admission, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return Admission{}, ErrEmptyBody
	}
	now := util.NowUTC()
	if g.Now != nil {
		now = g.Now()
	}
	provider := g.Provider
	if provider == "" {
		provider = ProviderAltegio
	}
	key := EventKey(token, body)
	payload := EventPayload(body)
	// Measure as the queue will encode it; HTML escaping can grow the body.
	if enc, err := json.Marshal(payload); err != nil || len(enc) > sqsqueue.MaxPayloadBytes {
		observability.WebhookEvents.WithLabelValues("too_large").Inc()
		return Admission{}, ErrBodyTooLarge
	}

	inserted, err := g.Store.InsertDedup(ctx, provider, key, now)
	if err != nil {
		observability.WebhookEvents.WithLabelValues("error").Inc()
		return Admission{}, fmt.Errorf("dedup %s: %w", key, err)
	}
	if !inserted {
		observability.WebhookEvents.WithLabelValues("duplicate").Inc()
		slog.Info("webhook duplicate ignored", "event_key", key)
		return Admission{Status: AdmissionDuplicate, EventKey: key}, nil
	}

	idGen := g.IDGen
	if idGen == nil {
		idGen = util.NewJobID
	}
	job := sqsqueue.EventJob{
		ID:         idGen(),
		Provider:   provider,
		EventKey:   key,
		ReceivedAt: now,
		Payload:    payload,
	}
	if err := g.Queue.EnqueueEvent(ctx, job); err != nil {
		observability.WebhookEvents.WithLabelValues("enqueue_failed").Inc()
		slog.Error("webhook enqueue failed", "err", err, "event_key", key, "job_id", job.ID)
		if aerr := g.Store.AppendEvent(ctx, store.EventInsert{
			Name: "webhook.enqueue_failed",
			Meta: map[string]any{"event_key": key, "job_id": job.ID, "error": err.Error()},
			Now:  now,
		}); aerr != nil {
			slog.Error("audit enqueue failure", "err", aerr, "event_key", key)
		}
		return Admission{}, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	observability.WebhookEvents.WithLabelValues("accepted").Inc()
	return Admission{Status: AdmissionAccepted, EventKey: key, JobID: job.ID}, nil
}
