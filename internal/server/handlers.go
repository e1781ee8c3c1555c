package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"pushdeploy/internal/deployment"
	"pushdeploy/internal/project"
)

const (
	MaxPayloadBytes = 1_000_000 // 1 MB
)

// pushPayload is the subset of a push event payload the coordinator needs
type pushPayload struct {
	Ref        string `json:"ref"`
	Repository struct {
		Name string `json:"name"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

// projectInfo is the wire form of a project in the listing response
type projectInfo struct {
	Name     string   `json:"name"`
	Repos    []string `json:"repos"`
	Path     string   `json:"path"`
	Branches []string `json:"branch"`
}

// HandleHealth handles health check requests. Liveness only, no
// information disclosure, hence unsigned.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// HandleProjects lists all configured projects, deduplicated by name
func (s *Server) HandleProjects(w http.ResponseWriter, r *http.Request) {
	projects := s.Registry.Projects()

	infos := make([]projectInfo, 0, len(projects))
	for _, proj := range projects {
		infos = append(infos, projectInfo{
			Name:     proj.Name,
			Repos:    proj.Repos,
			Path:     proj.Path,
			Branches: proj.Branches,
		})
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{"projects": infos})
}

// HandleStatus reports the current deployment slot. Read-only: a stale
// lock is reported but never cleared here.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.Lock.Check()

	if status.Deploying {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"deploying": true,
			"project":   status.Project,
			"pid":       status.PID,
			"started":   status.Started,
		})
		return
	}

	response := map[string]interface{}{"deploying": false}
	if status.Stale {
		response["note"] = "stale lock detected"
	}

	if s.History != nil {
		if last, err := s.History.LastFinished(r.Context()); err != nil {
			s.Logger.Error("Failed to query last finished deployment", "error", err)
		} else if last != nil {
			response["last_run"] = last
		}
	}

	s.respondJSON(w, http.StatusOK, response)
}

// HandleDeploy handles the push webhook: resolve the repository, filter
// the branch, guard the deployment slot, and dispatch asynchronously.
// The response acknowledges dispatch, never deployment success.
func (s *Server) HandleDeploy(w http.ResponseWriter, r *http.Request) {
	// The signature guard already rejected oversized payloads and
	// re-buffered the body; the limit here is belt and suspenders.
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes))
	if err != nil {
		s.Logger.Error("Failed to read request body", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read payload"})
		return
	}

	var payload pushPayload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			s.Logger.Error("Failed to parse JSON payload", "error", err)
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
			return
		}
	}

	req := deployment.Request{
		Ref:      payload.Ref,
		RepoName: valueOr(payload.Repository.Name, "unknown"),
		Pusher:   valueOr(payload.Pusher.Name, "unknown"),
	}

	outcome := s.Coordinator.Trigger(r.Context(), req)

	switch outcome.Disposition {
	case deployment.NotConfigured:
		s.respondJSON(w, http.StatusOK, map[string]string{
			"message": "repository " + outcome.Repo + " not configured",
		})

	case deployment.BranchSkipped:
		s.respondJSON(w, http.StatusOK, map[string]string{
			"message": "branch " + outcome.Branch + " not configured for deployment",
		})

	case deployment.Busy:
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "busy",
			"message": "another deployment is in progress",
			"details": map[string]interface{}{
				"deploying": outcome.Holder.Deploying,
				"project":   outcome.Holder.Project,
				"pid":       outcome.Holder.PID,
				"started":   outcome.Holder.Started,
			},
		})

	case deployment.Accepted:
		s.respondJSON(w, http.StatusAccepted, map[string]string{
			"status":       "accepted",
			"message":      "deployment started",
			"project":      outcome.Project,
			"repo":         outcome.Repo,
			"branch":       outcome.Branch,
			"triggered_by": outcome.Pusher,
		})
	}
}

// HandleReloadConfig rebuilds the project registry from the config
// directory. Synchronous; on failure the previous mapping stays in
// service.
func (s *Server) HandleReloadConfig(w http.ResponseWriter, r *http.Request) {
	byRepo, err := project.LoadDir(s.ConfigDir)
	if err != nil {
		s.Logger.Error("Failed to reload configuration", "error", err, "config_dir", s.ConfigDir)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to reload configuration"})
		return
	}

	s.Registry.Replace(byRepo)
	s.Logger.Info("Configuration reloaded", "repos", len(byRepo))

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "configuration reloaded",
		"projects": s.Registry.Names(),
	})
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("Failed to encode JSON response", "error", err)
	}
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
