package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/haghost5/hag5bridge/integration"
	"github.com/haghost5/hag5bridge/printer"
	"github.com/haghost5/hag5bridge/registry"
)

// registerPrinterHandlers sets up /api/haghost5/printers routes.
func (s *Server) registerPrinterHandlers() {
	s.mux.HandleFunc("GET /api/haghost5/printers", s.handlePrinterList)
	s.mux.HandleFunc("GET /api/haghost5/printers/{id}/states", s.handlePrinterStates)
	s.mux.HandleFunc("GET /api/haghost5/printers/{id}/states/{key}", s.handlePrinterState)
	s.mux.HandleFunc("POST /api/haghost5/printers/{id}/command", s.handlePrinterCommand)
	s.mux.HandleFunc("POST /api/haghost5/printers/{id}/print/{action}", s.handlePrintAction)
}

type printerView struct {
	EntryID   string              `json:"entry_id"`
	IPAddress string              `json:"ip_address"`
	Title     string              `json:"title"`
	Device    registry.DeviceInfo `json:"device"`
	Connected bool                `json:"connected"`
	State     printer.StateData   `json:"state"`
}

func newPrinterView(p *integration.Printer) printerView {
	return printerView{
		EntryID:   p.Entry.ID,
		IPAddress: p.Entry.IPAddress,
		Title:     p.Entry.Title,
		Device:    p.Entry.DeviceInfo(),
		Connected: p.Client.Connected(),
		State:     p.Device.Snapshot(),
	}
}

func (s *Server) printerList() []printerView {
	loaded := s.printers.Printers()
	views := make([]printerView, 0, len(loaded))
	for _, p := range loaded {
		views = append(views, newPrinterView(p))
	}
	return views
}

var (
	errUnknownEntry    = errors.New("unknown entry_id")
	errNoPrinter       = errors.New("no printer configured")
	errSeveralPrinters = errors.New("several printers configured, entry_id required")
)

// targetPrinter picks the printer a request is meant for: the given entry,
// or the only loaded one when no entry is named.
func (s *Server) targetPrinter(entryID string) (*integration.Printer, error) {
	if entryID != "" {
		p, ok := s.printers.Printer(entryID)
		if !ok {
			return nil, fmt.Errorf("%w %s", errUnknownEntry, entryID)
		}
		return p, nil
	}

	loaded := s.printers.Printers()
	switch len(loaded) {
	case 0:
		return nil, errNoPrinter
	case 1:
		return loaded[0], nil
	default:
		return nil, errSeveralPrinters
	}
}

// targetPrinterMessage is the response text for a targetPrinter error.
func targetPrinterMessage(err error, entryID string) string {
	switch {
	case errors.Is(err, errUnknownEntry):
		return "Unknown entry_id " + entryID
	case errors.Is(err, errNoPrinter):
		return "No printer configured"
	case errors.Is(err, errSeveralPrinters):
		return "Several printers configured, entry_id required"
	}
	return err.Error()
}

// lookupPrinter resolves the {id} path value or writes a 404.
func (s *Server) lookupPrinter(w http.ResponseWriter, r *http.Request) (*integration.Printer, bool) {
	p, ok := s.printers.Printer(r.PathValue("id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "printer not found")
	}
	return p, ok
}

func (s *Server) handlePrinterList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]interface{}{"result": s.printerList()})
}

func (s *Server) handlePrinterStates(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPrinter(w, r)
	if !ok {
		return
	}
	writeJSON(w, map[string]interface{}{"result": p.Device.Readings()})
}

func (s *Server) handlePrinterState(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPrinter(w, r)
	if !ok {
		return
	}
	reading, ok := p.Device.Reading(r.PathValue("key"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "sensor not found")
		return
	}
	writeJSON(w, map[string]interface{}{"result": reading})
}

// sendScript sends every non-empty line of script as a separate command.
func sendScript(p *integration.Printer, script string) error {
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := p.Client.Send(line); err != nil {
			return err
		}
	}
	return nil
}

func writeCommandError(w http.ResponseWriter, err error) {
	if errors.Is(err, printer.ErrNotConnected) {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSONError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handlePrinterCommand(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPrinter(w, r)
	if !ok {
		return
	}

	var body struct {
		Script string `json:"script"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Script) == "" {
		writeJSONError(w, http.StatusBadRequest, "script is required")
		return
	}

	if err := sendScript(p, body.Script); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"result": "ok"})
}

func (s *Server) handlePrintAction(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookupPrinter(w, r)
	if !ok {
		return
	}

	var err error
	switch action := r.PathValue("action"); action {
	case "pause":
		err = p.Client.Pause()
	case "resume":
		err = p.Client.Resume()
	case "cancel":
		err = p.Client.Cancel()
	case "start":
		filename := r.URL.Query().Get("filename")
		if filename == "" {
			writeJSONError(w, http.StatusBadRequest, "filename is required")
			return
		}
		err = p.Client.StartPrint(r.Context(), filename)
	default:
		writeJSONError(w, http.StatusNotFound, "unknown print action "+action)
		return
	}

	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"result": "ok"})
}
