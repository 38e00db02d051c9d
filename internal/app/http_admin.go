package app

import (
	"net/http"

	"temerio/api/internal/rbac"
)

// routeAdmin serves /api/admin/*. Every route requires the admin role.
func (s *HTTPServer) routeAdmin(w http.ResponseWriter, r *http.Request, session Session) {
	if !s.service.Can(session.Roles, rbac.ActionAdmin) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	parts := splitPath(r.URL.Path)
	// parts[0:2] == ["api", "admin"]
	switch {
	case len(parts) == 3 && parts[2] == "users" && r.Method == http.MethodGet:
		s.handleAdminUsers(w, r)
	case len(parts) == 5 && parts[2] == "users" && parts[4] == "roles" && r.Method == http.MethodPost:
		s.handleAdminGrantRole(w, r, session, parts[3])
	case len(parts) == 6 && parts[2] == "users" && parts[4] == "roles" && r.Method == http.MethodDelete:
		s.handleAdminRevokeRole(w, r, session, parts[3], parts[5])
	case len(parts) == 3 && parts[2] == "activity" && r.Method == http.MethodGet:
		s.handleAdminActivity(w, r)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 20)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	result, err := s.service.ListUsers(r.Context(), r.URL.Query().Get("search"), limit, offset)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleAdminGrantRole(w http.ResponseWriter, r *http.Request, session Session, userID string) {
	var body struct {
		Role string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.GrantRole(r.Context(), session, userID, body.Role); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleAdminRevokeRole(w http.ResponseWriter, r *http.Request, session Session, userID, role string) {
	if err := s.service.RevokeRole(r.Context(), session, userID, role); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleAdminActivity(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 100)
	if !ok {
		return
	}
	events, err := s.service.ListActivity(r.Context(), r.URL.Query().Get("actorId"), limit)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
