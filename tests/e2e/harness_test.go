package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/prodtrack/internal/api"
	"github.com/rendis/prodtrack/internal/audit"
	"github.com/rendis/prodtrack/internal/cache"
	"github.com/rendis/prodtrack/internal/engine"
	"github.com/rendis/prodtrack/internal/identity"
	"github.com/rendis/prodtrack/internal/logging"
	"github.com/rendis/prodtrack/internal/store"
	"github.com/rendis/prodtrack/internal/streaming"
	"github.com/rendis/prodtrack/internal/validation"
	prodmcp "github.com/rendis/prodtrack/pkg/mcp"
)

// harness wires the full stack over a libSQL file in a temp dir.
type harness struct {
	t      *testing.T
	dbPath string
	store  *store.LibSQLStore
	hub    *streaming.MemoryHub
	cache  *cache.WorkflowCache
	audit  *audit.Log
	editor engine.StepEditor
	http   *httptest.Server
	mcp    *prodmcp.Server

	stopCache context.CancelFunc
	cacheDone chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return openHarness(t, filepath.Join(t.TempDir(), "e2e.db"))
}

// openHarness opens (or reopens) the database at dbPath.
func openHarness(t *testing.T, dbPath string) *harness {
	t.Helper()

	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))

	v, err := validation.NewJSONSchemaValidator(nil)
	require.NoError(t, err)

	hub := streaming.NewMemoryHub()
	wc := cache.New(s, hub, cache.DefaultConfig())
	log := audit.New(audit.Config{Store: s, Validator: v, Logger: logging.Discard()})
	editor := engine.NewStepEditor(engine.EditorConfig{
		Store:     wc,
		Validator: v,
		Audit:     log,
		Hub:       hub,
		Logger:    logging.Discard(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = wc.Run(ctx)
	}()

	srv := httptest.NewServer(api.NewServer(api.Deps{Editor: editor, Audit: log, Cache: wc, Logger: logging.Discard()}).Handler())

	h := &harness{
		t:      t,
		dbPath: dbPath,
		store:  s,
		hub:    hub,
		cache:  wc,
		audit:  log,
		editor: editor,
		http:   srv,
		mcp:    prodmcp.NewServer(prodmcp.ServerDeps{Editor: editor, Audit: log, Logger: logging.Discard()}),

		stopCache: cancel,
		cacheDone: done,
	}
	t.Cleanup(h.close)
	return h
}

// close shuts the stack down. It is safe to call more than once.
func (h *harness) close() {
	if h.store == nil {
		return
	}
	h.http.Close()
	h.stopCache()
	<-h.cacheDone
	h.audit.Close()
	_ = h.store.Close()
	h.store = nil
}

// call sends a JSON request as actor u-1 and decodes the JSON response.
func (h *harness) call(method, path string, body any) (int, map[string]any) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.http.URL+path, &buf)
	require.NoError(h.t, err)
	req.Header.Set(identity.HeaderActorID, "u-1")
	req.Header.Set(identity.HeaderActorName, "Dr. X")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (h *harness) start(schedule, assignee string) string {
	h.t.Helper()
	code, body := h.call(http.MethodPost, "/api/workflows", map[string]any{
		"scheduleId": schedule, "assigneeId": assignee, "departmentName": "Cardiology",
	})
	require.Contains(h.t, []int{http.StatusOK, http.StatusCreated}, code)
	return body["workflow"].(map[string]any)["workflowId"].(string)
}

func formBody(status, reason string) map[string]any {
	return map[string]any{"formData": map[string]any{
		"name":           "Dr. X",
		"languages":      []string{"en", "es"},
		"date":           "2024-05-01",
		"recordedStatus": status,
		"reason":         reason,
	}}
}

func (h *harness) submit(id string, step int, status, reason string) (int, map[string]any) {
	h.t.Helper()
	return h.call(http.MethodPost, "/api/workflows/"+id+"/steps/"+strconv.Itoa(step), formBody(status, reason))
}

// submitAt submits with the workflow version the client last read.
func (h *harness) submitAt(id string, step int, version float64, status, reason string) (int, map[string]any) {
	h.t.Helper()
	body := formBody(status, reason)
	body["version"] = version
	return h.call(http.MethodPost, "/api/workflows/"+id+"/steps/"+strconv.Itoa(step), body)
}

func (h *harness) progress(id string) map[string]any {
	h.t.Helper()
	code, body := h.call(http.MethodGet, "/api/workflows/"+id+"/progress", nil)
	require.Equal(h.t, http.StatusOK, code)
	return body
}

// stepStatus returns the display status of stepNumber from a progress body.
func stepStatus(progress map[string]any, stepNumber int) string {
	steps := progress["steps"].([]any)
	return steps[stepNumber-1].(map[string]any)["status"].(string)
}
