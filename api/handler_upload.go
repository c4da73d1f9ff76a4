package api

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/haghost5/hag5bridge/files"
	"github.com/haghost5/hag5bridge/printer"
)

// multipartMemory is how much of a multipart body is kept in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

// registerUploadHandlers sets up the upload views used by the dashboard card.
func (s *Server) registerUploadHandlers() {
	s.mux.HandleFunc("POST /api/haghost5/upload", s.handleUpload)
	s.mux.HandleFunc("POST /api/haghost5/upload_and_print", s.handleUploadAndPrint)
	s.mux.HandleFunc("GET /api/haghost5/get_gcode_file", s.handleGetGCodeFile)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.upload(w, r, false)
}

func (s *Server) handleUploadAndPrint(w http.ResponseWriter, r *http.Request) {
	s.upload(w, r, true)
}

// upload stores the posted file locally, forwards it to the printer and
// optionally starts it.
func (s *Server) upload(w http.ResponseWriter, r *http.Request, startPrint bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		log.Warnf("Parsing upload form: %v", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeText(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer file.Close()

	entryID := r.FormValue("entry_id")
	p, err := s.targetPrinter(entryID)
	if err != nil {
		writeText(w, http.StatusBadRequest, targetPrinterMessage(err, entryID))
		return
	}
	ip := p.Entry.IPAddress

	data, err := io.ReadAll(file)
	if err != nil {
		writeText(w, http.StatusBadRequest, "Error reading upload: "+err.Error())
		return
	}

	filename := files.BaseName(header.Filename)
	log.Infof("Received file %s for printer %s (print: %v)", filename, ip, startPrint)

	if _, err := s.files.Save(filename, data); err != nil {
		log.Errorf("Error saving file: %v", err)
		writeText(w, http.StatusInternalServerError, "Error saving file: "+err.Error())
		return
	}
	s.hub.BroadcastFileListChanged("create_file", filename)

	if err := p.Client.Upload(r.Context(), filename, data); err != nil {
		var uploadErr *printer.UploadError
		switch {
		case errors.As(err, &uploadErr):
			log.Errorf("Printer upload error: %d %s", uploadErr.StatusCode, uploadErr.Body)
			writeText(w, http.StatusInternalServerError, fmt.Sprintf("Printer upload error: %d %s", uploadErr.StatusCode, uploadErr.Body))
		case errors.Is(err, printer.ErrUploadTimeout):
			log.Error("Timeout while uploading file to printer.")
			writeText(w, http.StatusGatewayTimeout, "Timeout while uploading file to printer.")
		default:
			log.Errorf("Exception uploading file to printer: %v", err)
			writeText(w, http.StatusInternalServerError, "Exception uploading file: "+err.Error())
		}
		return
	}

	if !startPrint {
		writeText(w, http.StatusOK, fmt.Sprintf("File %s uploaded to printer %s.", filename, ip))
		return
	}

	if err := p.Client.StartPrint(r.Context(), filename); err != nil {
		log.Errorf("Error sending WS commands: %v", err)
		writeText(w, http.StatusInternalServerError, "Error sending WS commands: "+err.Error())
		return
	}
	writeText(w, http.StatusOK, fmt.Sprintf("File %s uploaded to printer %s and print started!", filename, ip))
}

// handleGetGCodeFile returns a stored file as plain text for the card's
// preview.
func (s *Server) handleGetGCodeFile(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		writeText(w, http.StatusBadRequest, "Missing parameter ?filename=")
		return
	}

	data, err := s.files.Read(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, files.ErrInvalidPath) {
			writeText(w, http.StatusNotFound, fmt.Sprintf("File '%s' not found.", filename))
			return
		}
		log.Errorf("Error reading GCODE file '%s': %v", filename, err)
		writeText(w, http.StatusInternalServerError, "Error reading file: "+err.Error())
		return
	}

	log.Debugf("Serving GCODE file: %s", filename)
	writeText(w, http.StatusOK, strings.ToValidUTF8(string(data), "\uFFFD"))
}
