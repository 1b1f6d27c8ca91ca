package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	sqsqueue "salonnotif/internal/queue/sqs"
	"salonnotif/internal/service"
)

const (
	HeaderWebhookSecret = "X-Altegio-Secret"
	HeaderRequestID     = "X-Request-Id"

	maxWebhookBody = sqsqueue.MaxPayloadBytes
)

type Admitter interface {
	Admit(ctx context.Context, token string, body []byte) (service.Admission, error)
}

// Webhook receives booking-provider events and admits them for processing.
type Webhook struct {
	Gate   Admitter
	Secret string
}

func (h *Webhook) Register(r *mux.Router) {
	sub := r.PathPrefix("/webhooks").Subrouter()
	sub.Use(RequireHeader(HeaderWebhookSecret, h.Secret))
	sub.HandleFunc("/altegio", h.handleAltegio).Methods(http.MethodPost)
}

func (h *Webhook) handleAltegio(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, ErrTooLarge, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, ErrEmptyBody, http.StatusBadRequest)
		return
	}

	adm, err := h.Gate.Admit(r.Context(), r.Header.Get(HeaderRequestID), body)
	switch {
	case errors.Is(err, service.ErrEmptyBody):
		http.Error(w, ErrEmptyBody, http.StatusBadRequest)
		return
	case errors.Is(err, service.ErrBodyTooLarge):
		http.Error(w, ErrTooLarge, http.StatusRequestEntityTooLarge)
		return
	case err != nil:
		slog.Error("webhook admission failed", "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, adm)
}
