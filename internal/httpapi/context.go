package httpapi

import "net/http"

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	snap, err := s.conversations.ContextSnapshot(r.Context(), userID)
	if err != nil {
		status, body := turnError(err)
		respondJSON(w, status, body)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleClearContext(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	snap, err := s.conversations.ClearContext(r.Context(), userID)
	if err != nil {
		status, body := turnError(err)
		respondJSON(w, status, body)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	existed, err := s.conversations.DeleteContext(r.Context(), userID)
	if err != nil {
		status, body := turnError(err)
		respondJSON(w, status, body)
		return
	}
	if !existed {
		respondError(w, http.StatusNotFound, "context_not_found", "no context for this user")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleContextStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.conversations.CacheStats(r.Context()))
}
