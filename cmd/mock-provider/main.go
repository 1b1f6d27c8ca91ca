package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"salonnotif/internal/httpserver"
	"salonnotif/internal/logging"
)

type config struct {
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Outcomes for the messages endpoint: ok, fail, garbage (2xx with an unparseable body), noid.
	OutcomeMode string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw string  `envconfig:"MOCK_OUTCOMES" default:"ok"`
	FailureRate float64 `envconfig:"MOCK_FAILURE_RATE" default:"0"`
	DelayMs     int     `envconfig:"MOCK_DELAY_MS" default:"0"`

	// Appointment detail returned by the booking endpoint.
	ClientPhone string `envconfig:"MOCK_CLIENT_PHONE" default:"+79001112233"`
	ClientName  string `envconfig:"MOCK_CLIENT_NAME" default:"Anna"`
	StaffName   string `envconfig:"MOCK_STAFF_NAME" default:"Olga"`
	ServiceName string `envconfig:"MOCK_SERVICE_NAME" default:"Manicure"`
	LeadTime    string `envconfig:"MOCK_LEAD_TIME" default:"30h"`

	Outcomes []string
	Delay    time.Duration
	Lead     time.Duration
}

type server struct {
	cfg   config
	idx   uint64
	rng   *rand.Rand
	rngMu sync.Mutex
	now   func() time.Time
}

func main() {
	cfg := loadConfig()
	logging.Init("mock-provider", cfg.LogFormat, "info")

	s := newServer(cfg)
	slog.Info("mock provider listening", "port", cfg.Port, "outcomes", cfg.Outcomes, "failure_rate", cfg.FailureRate)
	if err := http.ListenAndServe(":"+cfg.Port, httpserver.Logging(s.router())); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	if len(cfg.Outcomes) == 0 {
		cfg.Outcomes = []string{"ok"}
	}
	cfg.Delay = time.Duration(cfg.DelayMs) * time.Millisecond
	lead, err := time.ParseDuration(cfg.LeadTime)
	if err != nil {
		panic(fmt.Errorf("invalid MOCK_LEAD_TIME: %w", err))
	}
	cfg.Lead = lead
	return cfg
}

func newServer(cfg config) *server {
	return &server{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: time.Now,
	}
}

func (s *server) router() *mux.Router {
	r := httpserver.New().Mux
	r.HandleFunc("/{version}/{phoneID}/messages", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/appointments/{id}", s.handleAppointment).Methods(http.MethodGet)
	httpserver.RegisterHealth(r, 0)
	return r
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		writeError(w, http.StatusUnauthorized, 190, "missing access token")
		return
	}
	var req struct {
		To   string `json:"to"`
		Text struct {
			Body string `json:"body"`
		} `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" {
		writeError(w, http.StatusBadRequest, 100, "invalid parameter")
		return
	}
	if s.cfg.Delay > 0 {
		select {
		case <-time.After(s.cfg.Delay):
		case <-r.Context().Done():
			return
		}
	}

	n := atomic.AddUint64(&s.idx, 1)
	outcome := s.nextOutcome(n)
	slog.Info("mock send", "to", req.To, "outcome", outcome, "chars", len(req.Text.Body))

	switch outcome {
	case "fail":
		writeError(w, http.StatusInternalServerError, 131000, "something went wrong")
	case "garbage":
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>ok</html>"))
	case "noid":
		writeJSON(w, http.StatusOK, map[string]any{"messaging_product": "whatsapp", "messages": []any{}})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"messaging_product": "whatsapp",
			"contacts":          []map[string]string{{"input": req.To, "wa_id": strings.TrimPrefix(req.To, "+")}},
			"messages":          []map[string]string{{"id": fmt.Sprintf("wamid.MOCK%010d", n)}},
		})
	}
}

func (s *server) nextOutcome(n uint64) string {
	if s.cfg.FailureRate > 0 {
		s.rngMu.Lock()
		roll := s.rng.Float64()
		s.rngMu.Unlock()
		if roll < s.cfg.FailureRate {
			return "fail"
		}
	}
	if s.cfg.OutcomeMode == "random" {
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	}
	return s.cfg.Outcomes[(n-1)%uint64(len(s.cfg.Outcomes))]
}

func (s *server) handleAppointment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, 404, "appointment not found")
		return
	}
	start := s.now().UTC().Add(s.cfg.Lead).Truncate(time.Minute)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        id,
		"starts_at": start.Format(time.RFC3339),
		"ends_at":   start.Add(time.Hour).Format(time.RFC3339),
		"client":    map[string]string{"phone": s.cfg.ClientPhone, "name": s.cfg.ClientName},
		"staff":     map[string]string{"name": s.cfg.StaffName},
		"service":   map[string]string{"name": s.cfg.ServiceName},
		"source":    "mock",
		"status":    "created",
	})
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"message": msg, "code": code}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
