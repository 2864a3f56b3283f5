package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stepwise-dev/stepwise/internal/logger"
)

// skillView is the wire form of a registry entry.
type skillView struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version,omitempty"`
	SkillType   string `json:"skill_type,omitempty"`
	ToolCount   int    `json:"tool_count"`
}

// queryRequest is the body of POST /query.
type queryRequest struct {
	Query      string   `json:"query"`
	UserGroups []string `json:"user_groups,omitempty"`
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"skills": s.registry.Count(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	var groups []string
	if raw := r.URL.Query().Get("groups"); raw != "" {
		groups = strings.Split(raw, ",")
	}

	var views []skillView
	for _, skill := range s.registry.List(groups) {
		views = append(views, skillView{
			Name:        skill.Name,
			Description: skill.Description,
			Version:     skill.Version,
			SkillType:   skill.SkillType,
			ToolCount:   len(skill.Tools),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"skills": views})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": summaries})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "id")

	plan, err := s.store.Get(planID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if plan == nil {
		writeError(w, http.StatusNotFound, "plan not found")
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	result, err := s.runner.Run(r.Context(), req.Query)
	if err != nil {
		logger.GetLogger().Error().Err(err).Msg("Query execution failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.GetLogger().Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
