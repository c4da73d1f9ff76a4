package api

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/haghost5/hag5bridge/files"
)

// registerFileHandlers sets up /api/haghost5/files routes.
func (s *Server) registerFileHandlers() {
	s.mux.HandleFunc("GET /api/haghost5/files", s.handleFileList)
	s.mux.HandleFunc("GET /api/haghost5/files/metadata", s.handleFileMetadata)
	s.mux.HandleFunc("DELETE /api/haghost5/files/{path...}", s.handleFileDelete)
}

func (s *Server) handleFileList(w http.ResponseWriter, _ *http.Request) {
	list, err := s.files.List()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]interface{}{
		"result": map[string]interface{}{
			"files":      list,
			"disk_usage": s.files.DiskUsage(),
		},
	})
}

func (s *Server) handleFileMetadata(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		writeJSONError(w, http.StatusBadRequest, "filename is required")
		return
	}

	meta, err := s.files.Metadata(filename)
	if err != nil {
		writeFileError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"result": meta})
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	if err := s.files.Delete(path); err != nil {
		writeFileError(w, err)
		return
	}

	s.hub.BroadcastFileListChanged("delete_file", path)
	writeJSON(w, map[string]interface{}{
		"result": map[string]interface{}{
			"item":   map[string]interface{}{"path": path},
			"action": "delete_file",
		},
	})
}

func writeFileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, files.ErrInvalidPath):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, fs.ErrNotExist):
		writeJSONError(w, http.StatusNotFound, "file not found")
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
