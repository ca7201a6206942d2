package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/repoexport/internal/config"
	"github.com/BadgerOps/repoexport/internal/engine"
	"github.com/BadgerOps/repoexport/internal/repository"
	"github.com/BadgerOps/repoexport/internal/store"
)

func setupTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.New(":memory:", logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Fatalf("failed to close store: %v", err)
		}
	})

	mem := repository.NewMemory(
		&repository.MemoryObject{PID: "demo:root", Title: "Demo", ModelTags: []string{repository.CollectionModel}},
		&repository.MemoryObject{
			PID:       "demo:1",
			Title:     "Scan",
			Relations: map[string][]string{"isMemberOfCollection": {"demo:root"}},
			Datastreams: []*repository.MemoryUnit{
				{DSID: "OBJ", Mime: "image/tiff", Content: "tiff bytes"},
			},
		},
	)

	cfg := config.DefaultConfig()
	cfg.Export.RootDir = t.TempDir()
	exp := engine.NewExporter(mem, mem, st, nil, engine.Options{
		RootDir:   cfg.Export.RootDir,
		Relations: []string{"isMemberOfCollection"},
	}, logger)

	defaults := engine.Request{
		Identity:     repository.Identity{User: "svc-export"},
		Limits:       engine.SizeLimits{Splitter: "split"},
		ContentTypes: []string{"image/tiff"},
		Checksums:    []string{"md5"},
		TTLHours:     24,
		BaseURL:      "http://exports.example.test/exports",
	}
	return NewServer(exp, st, cfg, defaults, logger), st
}

func createExport(t *testing.T, srv *Server, body string) resultJSON {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/exports", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.setupRoutes().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var res resultJSON
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return res
}

func TestHandleCreateExport(t *testing.T) {
	srv, st := setupTestServer(t)

	res := createExport(t, srv, `{
		// comments and trailing commas are accepted
		"start_objects": ["demo:root"],
	}`)

	if res.Empty || res.Stats.Count != 1 {
		t.Fatalf("expected one archived item, got %+v", res)
	}
	if len(res.FileURLs) != 1 || !strings.HasSuffix(res.FileURLs[0], "/"+res.ID+"/export.tar.zst") {
		t.Errorf("unexpected file urls: %v", res.FileURLs)
	}
	if res.ManifestURLs[engine.MD5] == engine.NotApplicable {
		t.Errorf("md5 manifest should be published")
	}
	if res.ExpiresAt == nil {
		t.Error("expected an expiry")
	}

	rec, err := st.GetExport(res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusCompleted || rec.Identity != "svc-export" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestHandleCreateExportRejectsBadRequests(t *testing.T) {
	srv, _ := setupTestServer(t)
	mux := srv.setupRoutes()

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"start_objects": [`},
		{"no start objects", `{}`},
		{"bad checksum", `{"start_objects": ["demo:root"], "checksums": ["crc32"]}`},
		{"identity supplied", `{"start_objects": ["demo:root"], "identity": {"user": "admin"}}`},
		{"overflowing limit", `{"start_objects": ["demo:root"], "limits": {"source_limit": 17592186044416}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest("POST", "/api/exports", strings.NewReader(tt.body)))
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body["error"] == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestDecodeRequestUsesServerSplitter(t *testing.T) {
	srv, _ := setupTestServer(t)

	req, err := srv.decodeRequest([]byte(`{
		"start_objects": ["demo:root"],
		"limits": {"scale": 1, "split_threshold": 1, "splitter": "/tmp/not-a-splitter"},
	}`))
	if err != nil {
		t.Fatalf("decodeRequest: %v", err)
	}
	if req.Limits.Splitter != "split" {
		t.Errorf("splitter = %q, want the configured one", req.Limits.Splitter)
	}
	if req.Limits.SplitThreshold != 1 {
		t.Errorf("split threshold = %d, want the submitted value", req.Limits.SplitThreshold)
	}
	if req.Identity.User != "svc-export" {
		t.Errorf("identity = %q, want the configured one", req.Identity.User)
	}
}

func TestHandleCreateExportIgnoresSubmittedSplitter(t *testing.T) {
	if err := exec.Command("split", "--version").Run(); err != nil {
		t.Skip("GNU split not available")
	}
	srv, _ := setupTestServer(t)

	res := createExport(t, srv, `{
		"start_objects": ["demo:root"],
		"checksums": ["none"],
		"limits": {"scale": 1, "split_threshold": 16, "splitter": "/tmp/not-a-splitter"}
	}`)
	if !res.Split {
		t.Fatalf("expected the configured splitter to split the container, got %+v", res)
	}
	for _, u := range res.FileURLs {
		if strings.HasSuffix(u, "/export.tar.zst") {
			t.Errorf("unsplit container should not be published: %v", res.FileURLs)
		}
	}
}

func TestHandleExportFile(t *testing.T) {
	srv, _ := setupTestServer(t)
	mux := srv.setupRoutes()
	res := createExport(t, srv, `{"start_objects": ["demo:root"]}`)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/exports/"+res.ID+"/md5.txt", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.HasSuffix(strings.TrimSpace(w.Body.String()), " *export.tar.zst") {
		t.Errorf("unexpected md5 manifest: %q", w.Body.String())
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/exports/"+res.ID+"/export.tar.zst", nil))
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("expected container bytes, got %d (%d bytes)", w.Code, w.Body.Len())
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/exports/"+res.ID+"/missing.txt", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing file, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/exports/no-such-export/md5.txt", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown export, got %d", w.Code)
	}
}

func TestHandleExportFileRejectsTraversal(t *testing.T) {
	srv, _ := setupTestServer(t)
	res := createExport(t, srv, `{"start_objects": ["demo:root"]}`)

	req := httptest.NewRequest("GET", "/exports/x/y", nil)
	req.SetPathValue("id", res.ID)
	req.SetPathValue("file", "../escape.txt")
	w := httptest.NewRecorder()
	srv.handleExportFile(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleExportFileExpired(t *testing.T) {
	srv, _ := setupTestServer(t)
	mux := srv.setupRoutes()
	res := createExport(t, srv, `{"start_objects": ["demo:root"], "ttl_hours": 1}`)

	srv.now = func() time.Time { return res.ExpiresAt.Add(time.Second) }

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/exports/"+res.ID+"/export.tar.zst", nil))
	if w.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/api/exports?expired=true", nil))
	var exports []exportJSON
	if err := json.NewDecoder(w.Body).Decode(&exports); err != nil {
		t.Fatal(err)
	}
	if len(exports) != 1 || !exports[0].Expired {
		t.Errorf("expected one expired export, got %+v", exports)
	}
}

func TestHandleEmptyExportHasNoFiles(t *testing.T) {
	srv, _ := setupTestServer(t)
	mux := srv.setupRoutes()
	res := createExport(t, srv, `{"start_objects": ["demo:root"], "content_types": ["application/pdf"]}`)

	if !res.Empty || len(res.FileURLs) != 0 {
		t.Fatalf("expected an empty export, got %+v", res)
	}

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/api/exports/"+res.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var rec exportJSON
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusEmpty || rec.ExpiresAt != nil {
		t.Errorf("unexpected record: %+v", rec)
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/exports/"+res.ID+"/files.txt", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandleListExports(t *testing.T) {
	srv, _ := setupTestServer(t)
	mux := srv.setupRoutes()

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/api/exports", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var exports []exportJSON
	if err := json.NewDecoder(w.Body).Decode(&exports); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(exports) != 0 {
		t.Errorf("expected 0 exports, got %d", len(exports))
	}

	createExport(t, srv, `{"start_objects": ["demo:root"]}`)
	createExport(t, srv, `{"start_objects": ["demo:root"]}`)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/api/exports?limit=1", nil))
	if err := json.NewDecoder(w.Body).Decode(&exports); err != nil {
		t.Fatal(err)
	}
	if len(exports) != 1 {
		t.Errorf("expected limit to apply, got %d exports", len(exports))
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/api/exports?limit=-3", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative limit, got %d", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := httptest.NewRecorder()
	srv.handleHealth(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
