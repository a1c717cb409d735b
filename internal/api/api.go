// ABOUTME: HTTP API surface: plugin registry and execution endpoints.
// ABOUTME: Routes requests to the registry, tracker, and supervisor and renders JSON.

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opsforge/plugind/internal/envs"
	errs "github.com/opsforge/plugind/internal/errors"
	"github.com/opsforge/plugind/internal/registry"
	"github.com/opsforge/plugind/internal/schema"
	"github.com/opsforge/plugind/internal/store"
	"github.com/opsforge/plugind/internal/supervisor"
	"github.com/opsforge/plugind/internal/tracker"
	"github.com/opsforge/plugind/internal/version"
)

type Server struct {
	registry    *registry.Service
	tracker     *tracker.Tracker
	supervisor  *supervisor.Supervisor
	provisioner *envs.Provisioner
}

func NewServer(r *registry.Service, t *tracker.Tracker, s *supervisor.Supervisor, p *envs.Provisioner) *Server {
	return &Server{registry: r, tracker: t, supervisor: s, provisioner: p}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/plugins", func(r chi.Router) {
			r.Get("/", s.handleListPlugins)
			r.Post("/", s.handleInstallPlugin)
			r.Route("/{pluginID}", func(r chi.Router) {
				r.Get("/", s.handleGetPlugin)
				r.Delete("/", s.handleUninstallPlugin)
				r.Put("/enable", s.handleEnablePlugin)
				r.Put("/disable", s.handleDisablePlugin)
				r.Post("/update", s.handleUpdatePlugin)
				r.Post("/execute", s.handleExecutePlugin)
			})
		})
		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleListExecutions)
			r.Route("/{executionID}", func(r chi.Router) {
				r.Get("/", s.handleGetExecution)
				r.Put("/stop", s.handleStopExecution)
				r.Get("/stream", s.handleStreamExecution)
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// pluginView is the wire shape for a plugin record.
type pluginView struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Version        string             `json:"version"`
	Kind           string             `json:"kind"`
	Description    string             `json:"description,omitempty"`
	Author         string             `json:"author,omitempty"`
	EntryPoint     string             `json:"entry_point"`
	Enabled        bool               `json:"enabled"`
	Parameters     []schema.Parameter `json:"parameters"`
	Dependencies   []string           `json:"dependencies,omitempty"`
	Metadata       json.RawMessage    `json:"metadata,omitempty"`
	MinHostVersion string             `json:"min_host_version,omitempty"`
	EnvReady       bool               `json:"environment_ready"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func (s *Server) viewPlugin(p *store.Plugin) pluginView {
	params := p.Parameters
	if params == nil {
		params = []schema.Parameter{}
	}
	return pluginView{
		ID:             p.ID,
		Name:           p.Name,
		Version:        p.Version,
		Kind:           p.Kind,
		Description:    p.Description,
		Author:         p.Author,
		EntryPoint:     p.EntryPoint,
		Enabled:        p.Enabled,
		Parameters:     params,
		Dependencies:   p.Dependencies,
		Metadata:       p.Metadata,
		MinHostVersion: p.MinHostVersion,
		EnvReady:       s.provisioner.Ready(p),
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

// executionView is the wire shape for an execution record.
type executionView struct {
	ID           string     `json:"id"`
	PluginID     string     `json:"plugin_id"`
	Status       string     `json:"status"`
	PID          *int       `json:"pid"`
	ExitCode     *int       `json:"exit_code"`
	Stdout       string     `json:"stdout"`
	Stderr       string     `json:"stderr"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
}

func viewExecution(e *store.Execution) executionView {
	return executionView{
		ID:           e.ID,
		PluginID:     e.PluginID,
		Status:       e.Status.String(),
		PID:          e.PID,
		ExitCode:     e.ExitCode,
		Stdout:       e.Stdout,
		Stderr:       e.Stderr,
		ErrorMessage: e.ErrorMessage,
		StartedAt:    e.StartedAt,
		FinishedAt:   e.FinishedAt,
	}
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	plugins, err := s.registry.List()
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	views := make([]pluginView, 0, len(plugins))
	for _, p := range plugins {
		views = append(views, s.viewPlugin(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": views})
}

func (s *Server) handleInstallPlugin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errs.WriteError(w, errs.New(errs.KindInvalidPackage, "invalid request body: %v", err))
		return
	}
	if req.Source == "" {
		errs.WriteError(w, errs.New(errs.KindInvalidPackage, "source is required"))
		return
	}

	plugin, err := s.registry.Install(r.Context(), req.Source)
	if err != nil {
		// The plugin may have installed with a broken environment; report
		// the failure, the record remains fetchable and retryable.
		errs.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.viewPlugin(plugin))
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	plugin, err := s.registry.Get(chi.URLParam(r, "pluginID"))
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewPlugin(plugin))
}

func (s *Server) handleUninstallPlugin(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Uninstall(chi.URLParam(r, "pluginID")); err != nil {
		errs.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnablePlugin(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) handleDisablePlugin(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "pluginID")
	var err error
	if enabled {
		err = s.registry.Enable(id)
	} else {
		err = s.registry.Disable(id)
	}
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	plugin, err := s.registry.Get(id)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewPlugin(plugin))
}

func (s *Server) handleUpdatePlugin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errs.WriteError(w, errs.New(errs.KindInvalidPackage, "invalid request body: %v", err))
		return
	}
	if req.Source == "" {
		errs.WriteError(w, errs.New(errs.KindInvalidPackage, "source is required"))
		return
	}

	plugin, err := s.registry.Update(r.Context(), chi.URLParam(r, "pluginID"), req.Source)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewPlugin(plugin))
}

func (s *Server) handleExecutePlugin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Params map[string]any `json:"params"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errs.WriteError(w, errs.New(errs.KindInvalidParameter, "invalid request body: %v", err))
			return
		}
	}

	execution, err := s.supervisor.Execute(r.Context(), chi.URLParam(r, "pluginID"), req.Params)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewExecution(execution))
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	executions, err := s.tracker.List(r.URL.Query().Get("plugin_id"))
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	views := make([]executionView, 0, len(executions))
	for _, e := range executions {
		views = append(views, viewExecution(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": views})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := s.tracker.Get(chi.URLParam(r, "executionID"))
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewExecution(execution))
}

func (s *Server) handleStopExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	if err := s.supervisor.Stop(id); err != nil {
		errs.WriteError(w, err)
		return
	}
	execution, err := s.tracker.Get(id)
	if err != nil {
		errs.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewExecution(execution))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
