package app

import (
	"net/http"
	"strings"

	"tasksync/internal/rbac"
)

func (s *HTTPServer) handleRoomPresence(w http.ResponseWriter, r *http.Request, session Session, roomID string) {
	if !s.service.Can(session.Role, rbac.ActionView) {
		s.forbid(w, r, session, string(rbac.ActionView))
		return
	}
	snapshot, err := s.service.Presence(roomID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handleUserSessions lists live sessions. Users may read their own; reading
// anyone else's needs the manage action.
func (s *HTTPServer) handleUserSessions(w http.ResponseWriter, r *http.Request, session Session, userID string) {
	if userID != session.UserID && !s.service.Can(session.Role, rbac.ActionManage) {
		s.forbid(w, r, session, string(rbac.ActionManage))
		return
	}
	s.writeSessions(w, r, userID)
}

// handleInternal serves the event ingress used by the data layer. The sync
// token has already been checked.
func (s *HTTPServer) handleInternal(w http.ResponseWriter, r *http.Request, parts []string) {
	route := strings.Join(parts, "/")

	switch {
	case route == "notifications":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body NotifyInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		n, err := s.service.Notify(r.Context(), body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "id": n.ID})

	case route == "entities/changed":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body EntityChangedInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.EntityChanged(r.Context(), body); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})

	case route == "entities/deleted":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body EntityDeletedInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.EntityDeleted(r.Context(), body); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})

	case len(parts) == 2 && parts[0] == "online":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.writeSessions(w, r, parts[1])

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) writeSessions(w http.ResponseWriter, r *http.Request, userID string) {
	records, err := s.service.OnlineSessions(r.Context(), userID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":   userID,
		"online":   len(records) > 0,
		"sessions": records,
	})
}
