package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/peximo/stitch/internal/logging"
	"github.com/peximo/stitch/internal/upload"
)

// multipartOverhead is slack on top of the chunk size for field parts and
// multipart framing.
const multipartOverhead = 64 << 10

// initRequest is the body of POST /api/upload/init.
type initRequest struct {
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	FileType    string `json:"fileType"`
	TotalChunks int    `json:"totalChunks"`
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	handle, err := s.manager.Init(upload.Declared{
		FileName:    req.FileName,
		FileSize:    req.FileSize,
		MimeType:    req.FileType,
		TotalChunks: req.TotalChunks,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uploadId": handle,
	})
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["uploadId"]
	if err := upload.ValidateHandle(handle); err != nil {
		writeErrorMessage(w, http.StatusNotFound, "not_found", "unknown session")
		return
	}

	chunkSize := s.manager.ChunkSize()
	r.Body = http.MaxBytesReader(w, r.Body, chunkSize+multipartOverhead)

	if err := r.ParseMultipartForm(chunkSize + multipartOverhead); err != nil {
		if r.Context().Err() == nil && requestTooLarge(err) {
			writeErrorMessage(w, http.StatusRequestEntityTooLarge, "bad_request", "chunk exceeds maximum size")
			return
		}
		writeErrorMessage(w, http.StatusBadRequest, "bad_request", "invalid multipart form")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	index, err := strconv.Atoi(r.FormValue("chunkIndex"))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "bad_request", "invalid chunk index")
		return
	}
	totalChunks := 0
	if v := r.FormValue("totalChunks"); v != "" {
		totalChunks, err = strconv.Atoi(v)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "bad_request", "invalid total chunks")
			return
		}
	}
	fileType := r.FormValue("fileType")

	part, header, err := r.FormFile("chunk")
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "bad_request", "missing chunk part")
		return
	}
	defer func() { _ = part.Close() }()

	if header.Size > chunkSize {
		writeErrorMessage(w, http.StatusRequestEntityTooLarge, "bad_request", "chunk exceeds maximum size")
		return
	}

	progress, err := s.manager.PutChunk(r.Context(), handle, index, part, header.Size, totalChunks, fileType)
	if err != nil {
		logging.Debug("Chunk rejected",
			zap.String("handle", handle[:8]),
			zap.Int("index", index),
			zap.Error(err))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"progress": progress,
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["uploadId"]
	if err := upload.ValidateHandle(handle); err != nil {
		writeErrorMessage(w, http.StatusNotFound, "not_found", "unknown session")
		return
	}

	rec, err := s.manager.Complete(r.Context(), handle)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"uploadSpeed": rec.Speed(),
		"status":      string(rec.Status),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["uploadId"]
	if err := upload.ValidateHandle(handle); err != nil {
		writeErrorMessage(w, http.StatusNotFound, "not_found", "unknown session")
		return
	}

	rec, err := s.manager.Status(handle)
	if err != nil {
		writeError(w, err)
		return
	}
	progress := rec.Progress()
	indices, _, err := s.manager.Resume(handle)
	if err != nil {
		writeError(w, err)
		return
	}
	if indices == nil {
		indices = []int{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          string(rec.Status),
		"uploadedChunks":  progress.ReceivedCount,
		"totalChunks":     progress.TotalCount,
		"progress":        progress.Percentage,
		"uploadedIndices": indices,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["uploadId"]
	if err := upload.ValidateHandle(handle); err != nil {
		writeErrorMessage(w, http.StatusNotFound, "not_found", "unknown session")
		return
	}

	if err := s.manager.Remove(handle); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Stats())
}

// handleHealth returns a simple JSON payload indicating the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
	})
}
