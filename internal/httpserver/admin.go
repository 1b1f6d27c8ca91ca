package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"salonnotif/internal/domain"
	"salonnotif/internal/service"
)

const HeaderAdminToken = "X-Admin-Token"

// Admin exposes template management.
type Admin struct {
	Templates *service.TemplateService
	Token     string
}

func (a *Admin) Register(r *mux.Router) {
	sub := r.PathPrefix("/admin").Subrouter()
	sub.Use(RequireHeader(HeaderAdminToken, a.Token))
	sub.HandleFunc("/templates", a.handleList).Methods(http.MethodGet)
	sub.HandleFunc("/templates", a.handleCreate).Methods(http.MethodPost)
	sub.HandleFunc("/templates/{id}", a.handleUpdate).Methods(http.MethodPut)
}

func (a *Admin) handleList(w http.ResponseWriter, r *http.Request) {
	out, err := a.Templates.List(r.Context())
	if err != nil {
		slog.Error("list templates failed", "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if out == nil {
		out = []domain.MessageTemplate{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *Admin) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req service.CreateTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	tpl, err := a.Templates.Create(r.Context(), req)
	if err != nil {
		a.writeError(w, err, "create template failed")
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (a *Admin) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	var req service.UpdateTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	tpl, err := a.Templates.Update(r.Context(), id, req)
	if err != nil {
		a.writeError(w, err, "update template failed")
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (a *Admin) writeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrMissingFields):
		http.Error(w, ErrMissingFields, http.StatusBadRequest)
	case errors.Is(err, domain.ErrUnknownPlaceholder):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrConflict):
		http.Error(w, ErrConflict, http.StatusConflict)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
	default:
		slog.Error(msg, "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
	}
}
