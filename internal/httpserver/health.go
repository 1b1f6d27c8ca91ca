package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

type ReadyzCheck func(ctx context.Context) error

func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

func Readyz(timeout time.Duration, checks ...ReadyzCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		for _, check := range checks {
			if err := check(ctx); err != nil {
				slog.Warn("readiness check failed", "err", err)
				http.Error(w, ErrNotReady, http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}

// RegisterHealth mounts /healthz and /readyz on r.
func RegisterHealth(r *mux.Router, readyTimeout time.Duration, checks ...ReadyzCheck) {
	r.HandleFunc("/healthz", Healthz()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", Readyz(readyTimeout, checks...)).Methods(http.MethodGet)
}
