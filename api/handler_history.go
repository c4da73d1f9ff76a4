package api

import (
	"net/http"
	"strconv"
)

// registerHistoryHandlers sets up /api/haghost5/history routes.
func (s *Server) registerHistoryHandlers() {
	s.mux.HandleFunc("GET /api/haghost5/history", s.handleHistoryList)
	s.mux.HandleFunc("GET /api/haghost5/history/totals", s.handleHistoryTotals)
	s.mux.HandleFunc("GET /api/haghost5/history/{id}", s.handleHistoryGetJob)
	s.mux.HandleFunc("DELETE /api/haghost5/history/{id}", s.handleHistoryDeleteJob)
}

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	start, _ := strconv.Atoi(query.Get("start"))
	limit, _ := strconv.Atoi(query.Get("limit"))
	before, _ := strconv.ParseFloat(query.Get("before"), 64)
	since, _ := strconv.ParseFloat(query.Get("since"), 64)

	if limit == 0 {
		limit = 50
	}

	jobs, count := s.history.ListJobs(query.Get("printer"), start, limit, before, since, query.Get("order"))
	writeJSON(w, map[string]interface{}{
		"result": map[string]interface{}{
			"count": count,
			"jobs":  jobs,
		},
	})
}

func (s *Server) handleHistoryTotals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]interface{}{
		"result": map[string]interface{}{
			"job_totals": s.history.Totals(),
		},
	})
}

func (s *Server) handleHistoryGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.history.GetJob(r.PathValue("id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, map[string]interface{}{
		"result": map[string]interface{}{"job": job},
	})
}

func (s *Server) handleHistoryDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.history.DeleteJob(id) {
		writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, map[string]interface{}{
		"result": map[string]interface{}{
			"deleted_jobs": []string{id},
		},
	})
}
