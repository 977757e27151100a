// mock-provider simulates the TextHub messaging gateway for local development
// and integration testing. Outcomes are driven by env config so failure
// handling in the dispatcher can be exercised deterministically.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"dispatchq/internal/httpapi"
	"dispatchq/internal/logging"
)

type mockConfig struct {
	Port        string  `envconfig:"PORT" default:"8090"`
	APIKey      string  `envconfig:"MOCK_API_KEY" default:""`
	OutcomeMode string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"` // fixed, sequence, random
	OutcomesRaw string  `envconfig:"MOCK_OUTCOMES" default:"ok"`        // ok, reject, error, timeout
	SuccessRate float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.9"`
	DelayMs     int     `envconfig:"MOCK_DELAY_MS" default:"0"`
	TimeoutMs   int     `envconfig:"MOCK_TIMEOUT_MS" default:"10000"`

	outcomes []string
}

type sendPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type sendResponse struct {
	ID      string `json:"id,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

type server struct {
	cfg   mockConfig
	idx   uint64
	seq   atomic.Uint64
	rng   *rand.Rand
	rngMu sync.Mutex
}

func main() {
	var cfg mockConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	cfg.outcomes = strings.Split(cfg.OutcomesRaw, ",")
	logging.Init("mock-provider", "json")

	s := &server{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/messages", s.handleSend).Methods(http.MethodPost)

	slog.Info("mock provider listening", "port", cfg.Port, "mode", cfg.OutcomeMode)
	if err := http.ListenAndServe(":"+cfg.Port, httpapi.Logging(router)); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.APIKey {
		writeJSON(w, http.StatusUnauthorized, sendResponse{Message: "invalid api key"})
		return
	}

	var req sendPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResponse{Message: "invalid json"})
		return
	}
	if req.To == "" || req.Body == "" {
		writeJSON(w, http.StatusUnprocessableEntity, sendResponse{Message: "missing to or body"})
		return
	}

	if s.cfg.DelayMs > 0 {
		time.Sleep(time.Duration(s.cfg.DelayMs) * time.Millisecond)
	}

	switch s.nextOutcome() {
	case "reject":
		writeJSON(w, http.StatusUnprocessableEntity, sendResponse{Message: "invalid recipient"})
	case "error":
		writeJSON(w, http.StatusInternalServerError, sendResponse{Message: "internal gateway error"})
	case "timeout":
		time.Sleep(time.Duration(s.cfg.TimeoutMs) * time.Millisecond)
		writeJSON(w, http.StatusGatewayTimeout, sendResponse{Message: "upstream timeout"})
	default:
		id := fmt.Sprintf("mock_%06d", s.seq.Add(1))
		writeJSON(w, http.StatusCreated, sendResponse{ID: id, Status: "accepted"})
	}
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "sequence":
		i := atomic.AddUint64(&s.idx, 1) - 1
		return strings.TrimSpace(s.cfg.outcomes[i%uint64(len(s.cfg.outcomes))])
	case "random":
		s.rngMu.Lock()
		roll := s.rng.Float64()
		s.rngMu.Unlock()
		if roll < s.cfg.SuccessRate {
			return "ok"
		}
		for _, o := range s.cfg.outcomes {
			if o := strings.TrimSpace(o); o != "ok" {
				return o
			}
		}
		return "error"
	default:
		return strings.TrimSpace(s.cfg.outcomes[0])
	}
}

func writeJSON(w http.ResponseWriter, status int, body sendResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
