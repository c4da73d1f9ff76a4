package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/haghost5/hag5bridge/integration"
	"github.com/haghost5/hag5bridge/registry"
)

// registerEntryHandlers sets up the config flow routes.
func (s *Server) registerEntryHandlers() {
	s.mux.HandleFunc("GET /api/haghost5/entries", s.handleEntryList)
	s.mux.HandleFunc("POST /api/haghost5/entries", s.handleEntryCreate)
	s.mux.HandleFunc("DELETE /api/haghost5/entries/{id}", s.handleEntryDelete)
}

type entryView struct {
	registry.Entry
	Device registry.DeviceInfo `json:"device"`
	Loaded bool                `json:"loaded"`
}

func (s *Server) entryView(e registry.Entry) entryView {
	_, loaded := s.printers.Printer(e.ID)
	return entryView{Entry: e, Device: e.DeviceInfo(), Loaded: loaded}
}

func (s *Server) handleEntryList(w http.ResponseWriter, _ *http.Request) {
	entries := s.entries.List()
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, s.entryView(e))
	}
	writeJSON(w, map[string]interface{}{"result": views})
}

// handleEntryCreate is the single-step config flow: it takes the printer
// address, validates it, stores the entry and sets it up.
func (s *Server) handleEntryCreate(w http.ResponseWriter, r *http.Request) {
	var input struct {
		IPAddress string `json:"ip_address"`
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	} else {
		input.IPAddress = r.FormValue("ip_address")
	}

	e, err := s.entries.Create(input.IPAddress)
	switch {
	case errors.Is(err, registry.ErrInvalidIP), errors.Is(err, registry.ErrAlreadyConfigured):
		writeJSONStatus(w, http.StatusBadRequest, map[string]interface{}{
			"errors": map[string]string{"ip_address": err.Error()},
		})
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if _, err := s.printers.SetupEntry(e); err != nil {
		log.Errorf("Setting up entry %s: %v", e.ID, err)
	}
	writeJSONStatus(w, http.StatusCreated, map[string]interface{}{"result": s.entryView(e)})
}

func (s *Server) handleEntryDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.entries.Get(id); err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	if err := s.printers.UnloadEntry(id); err != nil && !errors.Is(err, integration.ErrNotLoaded) {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.entries.Delete(id); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"result": "ok"})
}
