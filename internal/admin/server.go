// Package admin serves the worker's read-only operational surface: a
// liveness probe, a snapshot of every job recorded so far (finished ones
// included) across every configured project, and the Prometheus scrape
// endpoint. It is a supplement to
// the original scope, following a conventional chi-based router style.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/syncflow-io/text-egress-worker/internal/supervisor"
)

// ProjectLister exposes one Project Supervisor's job snapshot and identity
// to the admin surface without the admin package depending on the
// supervisor package's construction details.
type ProjectLister interface {
	ProjectID() string
	Jobs() []supervisor.Job
}

// jobView is the JSON-facing shape of a supervisor.Job.
type jobView struct {
	ProjectID string `json:"project_id"`
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	RoomName  string `json:"room_name"`
	Topic     string `json:"topic,omitempty"`
	Status    string `json:"status"`
	Files     int    `json:"file_count"`
	Uploaded  int    `json:"uploaded_count"`
	Error     string `json:"error,omitempty"`
}

// Server is the admin HTTP surface. It is entirely read-only: it never
// mutates a job, only reports the snapshot a ProjectLister hands back.
type Server struct {
	router   chi.Router
	projects []ProjectLister
	logger   *zap.Logger
}

// New builds a Server for the given set of project supervisors. registry
// must be the same *prometheus.Registry the worker's telemetry counters
// were registered against, or /metrics will never see them.
func New(projects []ProjectLister, registry *prometheus.Registry, logger *zap.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		projects: projects,
		logger:   logger.Named("admin"),
	}
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/jobs", s.handleJobs)
	s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return s
}

// ServeHTTP satisfies http.Handler so Server can be passed straight to
// http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	var views []jobView
	for _, proj := range s.projects {
		for _, job := range proj.Jobs() {
			errMsg := ""
			if job.Err != nil {
				errMsg = job.Err.Error()
			}
			views = append(views, jobView{
				ProjectID: proj.ProjectID(),
				ID:        job.ID,
				SessionID: job.SessionID,
				RoomName:  job.RoomName,
				Topic:     job.Topic,
				Status:    job.Status.String(),
				Files:     len(job.Files),
				Uploaded:  len(job.Uploaded),
				Error:     errMsg,
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		s.logger.Error("failed to encode jobs response", zap.Error(err))
	}
}
