// Package testserver is an in-memory implementation of the bytevault chunk upload endpoints for tests.
package testserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/zstd"
)

// Session is the server side state of one upload.
type Session struct {
	ID        string
	FileName  string
	FileSize  int64
	FileType  string
	ParentID  int64
	Public    bool
	Chunks    map[int][]byte
	Merged    []byte
	Completed bool
}

// Server serves /api/files/chunk/{init,upload,uploaded,complete}.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	sessions    map[string]*Session
	nextID      int
	token       string
	uploadCalls map[int]int
	initCalls   int
	compCalls   int
	authHeaders []string

	// ChunkStatus, when set, may override the response status of a chunk upload. Returning 0 stores the chunk.
	ChunkStatus func(index, call int) int
	// CompleteDelay delays the merge response.
	CompleteDelay time.Duration
	// CompleteStatus, when non-zero, replaces the merge response status.
	CompleteStatus int
}

type initRequest struct {
	FileName string `json:"filename"`
	FileSize int64  `json:"fileSize"`
	FileType string `json:"fileType"`
	ParentID int64  `json:"parentId"`
	IsPublic bool   `json:"isPublic"`
}

type completeRequest struct {
	TotalChunks int `json:"totalChunks"`
}

// New starts a server. When token is not empty every request must carry it as a bearer token.
func New(token string) *Server {
	s := &Server{
		sessions:    map[string]*Session{},
		token:       token,
		uploadCalls: map[int]int{},
	}

	router := mux.NewRouter()
	api := router.PathPrefix("/api/files/chunk").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/init", s.handleInit).Methods(http.MethodPost)
	api.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/uploaded/{uploadId}", s.handleUploaded).Methods(http.MethodGet)
	api.HandleFunc("/complete/{uploadId}", s.handleComplete).Methods(http.MethodPost)

	s.Server = httptest.NewServer(router)
	return s
}

// Session returns a copy of the session with the given id.
func (s *Server) Session(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	cp := *session
	cp.Chunks = make(map[int][]byte, len(session.Chunks))
	for i, c := range session.Chunks {
		cp.Chunks[i] = c
	}
	return cp, true
}

// PutChunk stores a chunk directly, as if an earlier process had uploaded it.
func (s *Server) PutChunk(sessionID string, index int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[sessionID]; ok {
		session.Chunks[index] = data
	}
}

// UploadCalls returns how many upload requests were received per chunk index.
func (s *Server) UploadCalls() map[int]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	calls := make(map[int]int, len(s.uploadCalls))
	for i, n := range s.uploadCalls {
		calls[i] = n
	}
	return calls
}

// InitCalls ...
func (s *Server) InitCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initCalls
}

// CompleteCalls ...
func (s *Server) CompleteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compCalls
}

// AuthHeaders returns the Authorization headers of every request received so far.
func (s *Server) AuthHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.authHeaders...)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		s.mu.Lock()
		s.authHeaders = append(s.authHeaders, header)
		s.mu.Unlock()

		if s.token != "" && header != "Bearer "+s.token {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"message": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"message": err.Error()})
		return
	}
	if req.FileSize <= 0 || req.FileName == "" {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"message": "invalid file parameters"})
		return
	}

	s.mu.Lock()
	s.initCalls++
	s.nextID++
	id := fmt.Sprintf("upload-%d", s.nextID)
	s.sessions[id] = &Session{
		ID:       id,
		FileName: req.FileName,
		FileSize: req.FileSize,
		FileType: req.FileType,
		ParentID: req.ParentID,
		Public:   req.IsPublic,
		Chunks:   map[int][]byte{},
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "ok", "uploadId": id})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Content-Encoding") == "zstd" {
		decoder, err := zstd.NewReader(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"message": err.Error()})
			return
		}
		data, err := io.ReadAll(decoder)
		decoder.Close()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"message": err.Error()})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(data))
		r.ContentLength = int64(len(data))
	}

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"message": err.Error()})
		return
	}
	id := r.FormValue("uploadId")
	index, err := strconv.Atoi(r.FormValue("chunkIndex"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"message": "invalid chunkIndex"})
		return
	}
	file, _, err := r.FormFile("chunk")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"message": err.Error()})
		return
	}
	defer file.Close() //nolint:errcheck
	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"message": err.Error()})
		return
	}

	s.mu.Lock()
	s.uploadCalls[index]++
	call := s.uploadCalls[index]
	hook := s.ChunkStatus
	session, ok := s.sessions[id]
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "message": "unknown upload"})
		return
	}
	if hook != nil {
		if status := hook(index, call); status != 0 {
			writeJSON(w, status, map[string]interface{}{"success": false, "message": "injected failure"})
			return
		}
	}

	s.mu.Lock()
	session.Chunks[index] = data
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "ok"})
}

func (s *Server) handleUploaded(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uploadId"]

	s.mu.Lock()
	session, ok := s.sessions[id]
	var indices []int
	if ok {
		for i := range session.Chunks {
			indices = append(indices, i)
		}
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"message": "unknown upload"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "ok", "uploadedChunks": indices})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uploadId"]

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"message": err.Error()})
		return
	}

	s.mu.Lock()
	s.compCalls++
	delay := s.CompleteDelay
	status := s.CompleteStatus
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		writeJSON(w, status, map[string]interface{}{"message": "injected merge failure"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"message": "unknown upload"})
		return
	}

	var merged bytes.Buffer
	for i := 0; i < req.TotalChunks; i++ {
		chunk, ok := session.Chunks[i]
		if !ok {
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"message": fmt.Sprintf("chunk %d missing", i)})
			return
		}
		merged.Write(chunk)
	}
	if int64(merged.Len()) != session.FileSize {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"message": "merged size mismatch"})
		return
	}
	session.Merged = merged.Bytes()
	session.Completed = true

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "ok",
		"fileId":   strings.TrimPrefix(id, "upload-"),
		"fileName": session.FileName,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
