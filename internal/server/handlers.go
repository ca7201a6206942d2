package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/BadgerOps/repoexport/internal/engine"
	"github.com/BadgerOps/repoexport/internal/repository"
	"github.com/BadgerOps/repoexport/internal/safety"
	"github.com/BadgerOps/repoexport/internal/store"
)

const maxRequestBodyBytes = 1 << 20

type exportJSON struct {
	ID              string     `json:"id"`
	Path            string     `json:"path"`
	Identity        string     `json:"identity,omitempty"`
	Status          string     `json:"status"`
	ItemCount       int        `json:"item_count"`
	SourceBytes     int64      `json:"source_bytes"`
	ContainerBytes  int64      `json:"container_bytes"`
	SizeConstrained bool       `json:"size_constrained"`
	Split           bool       `json:"split"`
	Expired         bool       `json:"expired"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

type resultJSON struct {
	ID              string                      `json:"id"`
	State           engine.State                `json:"state"`
	Outcome         engine.State                `json:"outcome"`
	Stats           engine.Stats                `json:"stats"`
	Empty           bool                        `json:"empty"`
	SizeConstrained bool                        `json:"size_constrained"`
	Split           bool                        `json:"split"`
	FileURLs        []string                    `json:"file_urls"`
	ManifestURLs    map[engine.Algorithm]string `json:"manifest_urls"`
	ExpiresAt       *time.Time                  `json:"expires_at,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Server) recordToJSON(rec store.ExportRecord) exportJSON {
	return exportJSON{
		ID:              rec.ID,
		Path:            rec.Path,
		Identity:        rec.Identity,
		Status:          rec.Status,
		ItemCount:       rec.ItemCount,
		SourceBytes:     rec.SourceBytes,
		ContainerBytes:  rec.ContainerBytes,
		SizeConstrained: rec.SizeConstrained,
		Split:           rec.Split,
		Expired:         rec.Expired(s.now()),
		Error:           rec.ErrorMessage,
		CreatedAt:       rec.CreatedAt,
		CompletedAt:     timePtr(rec.CompletedAt),
		ExpiresAt:       timePtr(rec.ExpiresAt),
	}
}

func resultToJSON(res *engine.Result) resultJSON {
	out := resultJSON{
		ID:              res.ID,
		State:           res.State,
		Outcome:         res.Outcome,
		Stats:           res.Stats,
		Empty:           res.Empty,
		SizeConstrained: res.SizeConstrained,
		Split:           res.Split,
		FileURLs:        res.FileURLs,
		ManifestURLs:    res.ManifestURLs,
		ExpiresAt:       timePtr(res.ExpiresAt),
	}
	if out.FileURLs == nil {
		out.FileURLs = []string{}
	}
	return out
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListExports returns tracked exports, newest first.
func (s *Server) handleListExports(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var (
		records []store.ExportRecord
		err     error
	)
	if r.URL.Query().Get("expired") == "true" {
		records, err = s.store.ListExpiredExports(s.now())
	} else {
		records, err = s.store.ListExports(limit)
	}
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result := make([]exportJSON, 0, len(records))
	for _, rec := range records {
		result = append(result, s.recordToJSON(rec))
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetExport returns one tracked export.
func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.recordToJSON(*rec))
}

// handleCreateExport runs a submitted request to completion and returns its
// result. The body is JSON and may carry comments and trailing commas.
func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	body, err := safety.ReadAllWithLimit(r.Body, maxRequestBodyBytes)
	if err != nil {
		jsonError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	req, err := s.decodeRequest(body)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("export requested", "start", req.StartObjects, "user", req.Identity.User, "remote", r.RemoteAddr)
	res, err := s.exporter.Run(r.Context(), req)
	if err != nil {
		s.logger.Error("export failed", "error", err)
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, resultToJSON(res))
}

// decodeRequest parses a submitted request. The acting identity and the
// splitting utility are server settings: a body that names an identity is
// rejected and any splitter it names is replaced with the configured one.
func (s *Server) decodeRequest(body []byte) (*engine.Request, error) {
	var req engine.Request
	if err := json.Unmarshal(jsonc.ToJSON(body), &req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if req.Identity != (repository.Identity{}) {
		return nil, errors.New("identity is set by the server and cannot be supplied")
	}
	req.ApplyDefaults(s.defaults)
	req.Identity = s.defaults.Identity
	req.Limits.Splitter = s.defaults.Limits.Splitter
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// handleExportFile serves one deliverable or manifest from a completed,
// unexpired export directory.
func (s *Server) handleExportFile(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r.PathValue("id"))
	if !ok {
		return
	}
	if rec.Status != store.StatusCompleted {
		jsonError(w, http.StatusNotFound, "export has no published files")
		return
	}
	if rec.Expired(s.now()) {
		jsonError(w, http.StatusGone, "export expired")
		return
	}

	path, err := safety.SafeJoinUnder(rec.Path, r.PathValue("file"))
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		jsonError(w, http.StatusNotFound, "file not found")
		return
	}
	http.ServeFile(w, r, path)
}

// lookup fetches the record for id, writing an error response when it
// cannot.
func (s *Server) lookup(w http.ResponseWriter, id string) (*store.ExportRecord, bool) {
	rec, err := s.store.GetExport(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, http.StatusNotFound, "export not found")
			return nil, false
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if rec.ID != id {
		jsonError(w, http.StatusNotFound, "export not found")
		return nil, false
	}
	return rec, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
