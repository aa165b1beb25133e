package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// Actions is the supervisor-facing surface the control server drives.
// Each method maps to one route (Status and RecentLogs to GET routes, the
// rest to POST routes); a non-nil error becomes a 500 response with the
// {"ok": false, "error": ...} envelope.
type Actions interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	SetKillSwitch(ctx context.Context, enabled bool) error
	SetStartOnBoot(ctx context.Context, enabled bool) error
	BeginPayment(ctx context.Context) (map[string]any, error)
	Status(ctx context.Context) map[string]any
	RecentLogs() []string
	Exit(ctx context.Context) error
}

// MetricsRenderer renders the current metrics in Prometheus text format.
type MetricsRenderer interface {
	Render() string
}

// Server is the local-only HTTP control surface. It intentionally has no
// authentication middleware: the daemon binds it to a loopback host by
// default and the wire contract here never names an auth header, unlike
// the admin API this pattern is adapted from.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a Server bound to host:port, wired to actions and
// metricsReg.
func NewServer(host string, port int, actions Actions, metricsReg MetricsRenderer) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handleHealth())
	mux.HandleFunc("GET /metrics", handleMetrics(metricsReg))
	mux.HandleFunc("GET /status", handleStatus(actions))
	mux.HandleFunc("GET /logs", handleLogs(actions))
	mux.HandleFunc("POST /start", handleSimpleAction(actions.Start))
	mux.HandleFunc("POST /stop", handleSimpleAction(actions.Stop))
	mux.HandleFunc("POST /restart", handleSimpleAction(actions.Restart))
	mux.HandleFunc("POST /killswitch", handleKillSwitch(actions))
	mux.HandleFunc("POST /start_on_boot", handleStartOnBoot(actions))
	mux.HandleFunc("POST /payments", handlePayments(actions))
	mux.HandleFunc("POST /exit", handleSimpleAction(actions.Exit))

	mux.HandleFunc("/", handleNotFound())

	return &Server{
		httpServer: &http.Server{
			Addr:    host + ":" + strconv.Itoa(port),
			Handler: mux,
		},
	}
}

// ListenAndServe runs the control server until it is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the control server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, nil)
	}
}

func handleMetrics(reg MetricsRenderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, reg.Render())
	}
}

func handleStatus(actions Actions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, actions.Status(r.Context()))
	}
}

func handleLogs(actions Actions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"logs": actions.RecentLogs()})
	}
}

func handleSimpleAction(fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeOK(w, nil)
	}
}

type killSwitchRequest struct {
	Enabled bool `json:"enabled"`
}

func handleKillSwitch(actions Actions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req killSwitchRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
		}
		if err := actions.SetKillSwitch(r.Context(), req.Enabled); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeOK(w, nil)
	}
}

type startOnBootRequest struct {
	Enabled bool `json:"enabled"`
}

func handleStartOnBoot(actions Actions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startOnBootRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
		}
		if err := actions.SetStartOnBoot(r.Context(), req.Enabled); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeOK(w, nil)
	}
}

func handlePayments(actions Actions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := actions.BeginPayment(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func handleNotFound() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	}
}
