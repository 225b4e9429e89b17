package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/tasync/apiexec"
	"github.com/hazyhaar/tasync/attendancesync"
	"github.com/hazyhaar/tasync/canonical"
	"github.com/hazyhaar/tasync/dbopen"
	"github.com/hazyhaar/tasync/idgen"
	"github.com/hazyhaar/tasync/matcher"
	"github.com/hazyhaar/tasync/observability"
	"github.com/hazyhaar/tasync/secretbox"
	"github.com/hazyhaar/tasync/shield"
	"github.com/hazyhaar/tasync/syncstore"
	"github.com/hazyhaar/tasync/taerr"

	_ "modernc.org/sqlite"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// stubAttendance records the last request and answers with a canned result.
type stubAttendance struct {
	got attendancesync.Request
	res *attendancesync.Result
	err error
}

func (s *stubAttendance) Run(_ context.Context, req attendancesync.Request) (*attendancesync.Result, error) {
	s.got = req
	return s.res, s.err
}

type recordedMetrics struct {
	mu     sync.Mutex
	labels []map[string]string
}

func (m *recordedMetrics) RecordLabeled(name string, _ float64, _ string, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == observability.MetricHTTPRequestLatency {
		m.labels = append(m.labels, labels)
	}
}

type testEnv struct {
	srv        *httptest.Server
	store      *syncstore.Store
	box        *secretbox.Box
	attendance *stubAttendance
	metrics    *recordedMetrics
}

func newEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(syncstore.Schema))
	if err := observability.Init(db); err != nil {
		t.Fatalf("observability.Init: %v", err)
	}
	store := syncstore.NewStore(db, syncstore.WithIDGenerators(idgen.Sequence("job"), idgen.Sequence("itm")))
	box, err := secretbox.New(testKey)
	if err != nil {
		t.Fatalf("secretbox.New: %v", err)
	}
	events := observability.NewEventLogger(db)

	env := &testEnv{
		store: store,
		box:   box,
		attendance: &stubAttendance{res: &attendancesync.Result{
			JobID:             "job-x",
			OK:                true,
			Summary:           canonical.Summary{Planned: 2, Upserted: 1, Skipped: 1},
			Errors:            []*taerr.Error{},
			UnmatchedStudents: []matcher.Result{},
		}},
		metrics: &recordedMetrics{},
	}
	cfg := Config{
		Attendance:  env.attendance,
		Canonical:   apiexec.NewRunner(apiexec.RunnerConfig{Store: store, Events: events, Logger: quiet}),
		Store:       store,
		Credentials: box,
		Events:      events,
		Metrics:     env.metrics,
		Logger:      quiet,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.srv = httptest.NewServer(New(cfg).Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if method != http.MethodHead {
		data, _ := io.ReadAll(resp.Body)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &out); err != nil {
				t.Fatalf("%s %s: decode %q: %v", method, path, data, err)
			}
		}
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	env := newEnv(t, nil)
	resp, body := env.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
	if resp, _ := env.do(t, http.MethodHead, "/health", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("HEAD /health: %d", resp.StatusCode)
	}
}

func TestAttendanceSync_ReturnsResultContract(t *testing.T) {
	env := newEnv(t, nil)
	resp, body := env.do(t, http.MethodPost, "/api/classrooms/c1/attendance-sync",
		map[string]any{"mode": "execute", "date": "2024-01-10", "executionMode": "full_auto"},
		"X-User-ID", "teacher-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	for _, key := range []string{"jobId", "ok", "summary", "errors", "unmatchedStudents"} {
		if _, ok := body[key]; !ok {
			t.Errorf("response missing %q: %v", key, body)
		}
	}

	got := env.attendance.got
	if got.ClassroomID != "c1" || got.Mode != "execute" || got.CreatedBy != "teacher-1" || got.ExecutionMode != "full_auto" {
		t.Errorf("request = %+v", got)
	}
	if got.DateRange == nil || got.DateRange.Start != "2024-01-10" || got.DateRange.End != "2024-01-10" {
		t.Errorf("date range = %+v", got.DateRange)
	}
}

func TestAttendanceSync_AuthorIsTheAuthenticatedCaller(t *testing.T) {
	env := newEnv(t, nil)
	path := "/api/classrooms/c1/attendance-sync"

	env.do(t, http.MethodPost, path, map[string]any{"mode": "dry_run", "date": "2024-01-10", "createdBy": "someone-else"},
		"X-User-ID", "teacher-1")
	if got := env.attendance.got.CreatedBy; got != "teacher-1" {
		t.Errorf("with identity: createdBy = %q, want teacher-1", got)
	}

	env.do(t, http.MethodPost, path, map[string]any{"mode": "dry_run", "date": "2024-01-10", "createdBy": "scheduler"})
	if got := env.attendance.got.CreatedBy; got != "scheduler" {
		t.Errorf("without identity: createdBy = %q, want scheduler", got)
	}
}

func TestAttendanceSync_ErrorMapping(t *testing.T) {
	env := newEnv(t, nil)

	env.attendance.err = fmt.Errorf("%w: mode must be dry_run or execute", attendancesync.ErrInvalidRequest)
	if resp, _ := env.do(t, http.MethodPost, "/api/classrooms/c1/attendance-sync", map[string]any{"mode": "x"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid request: %d", resp.StatusCode)
	}

	env.attendance.err = errors.New("database is locked")
	if resp, _ := env.do(t, http.MethodPost, "/api/classrooms/c1/attendance-sync", map[string]any{"mode": "dry_run"}); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("internal error: %d", resp.StatusCode)
	}

	if resp, _ := env.do(t, http.MethodPost, "/api/classrooms/c1/attendance-sync", "{not json"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: %d", resp.StatusCode)
	}
}

func TestCanonicalSync_AndJobReadBack(t *testing.T) {
	env := newEnv(t, nil)
	payload := map[string]any{
		"mode": "dry_run",
		"payload": map[string]any{
			"marks": []any{
				map[string]any{"entity_key": "m1", "student_key": "s1", "assessment_key": "q1", "earned": 7, "possible": 10},
			},
		},
	}
	resp, body := env.do(t, http.MethodPost, "/api/classrooms/c1/canonical-sync", payload, "X-User-ID", "u9")
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("canonical sync: %d %v", resp.StatusCode, body)
	}
	jobID, _ := body["jobId"].(string)
	if jobID == "" {
		t.Fatalf("no job id: %v", body)
	}

	resp, view := env.do(t, http.MethodGet, "/api/jobs/"+jobID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get job: %d %v", resp.StatusCode, view)
	}
	job := view["job"].(map[string]any)
	if job["status"] != syncstore.JobCompleted || job["provider"] != syncstore.ProviderAPI || job["created_by"] != "u9" {
		t.Errorf("job = %v", job)
	}
	if items := view["items"].([]any); len(items) != 1 {
		t.Errorf("items = %v", items)
	}
	if events, _ := view["events"].([]any); len(events) != 2 {
		t.Errorf("events = %v", view["events"])
	}
}

func TestCanonicalSync_NotConfigured(t *testing.T) {
	env := newEnv(t, func(c *Config) { c.Canonical = nil })
	if resp, _ := env.do(t, http.MethodPost, "/api/classrooms/c1/canonical-sync", map[string]any{"mode": "dry_run"}); resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	env := newEnv(t, nil)
	if resp, _ := env.do(t, http.MethodGet, "/api/jobs/job-404", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestTAConfig_Upsert(t *testing.T) {
	env := newEnv(t, nil)
	path := "/api/classrooms/c1/ta-config"

	if resp, _ := env.do(t, http.MethodGet, path, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("before save: %d", resp.StatusCode)
	}

	first := map[string]any{
		"username":         "teacher",
		"password":         "s3cret",
		"baseUrl":          "http://10.1.2.3/ta",
		"courseSearchText": "MATH 10",
		"blockCode":        "B2",
		"executionMode":    "full_auto",
	}
	resp, body := env.do(t, http.MethodPut, path, first)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save: %d %v", resp.StatusCode, body)
	}
	if _, leaked := body["password"]; leaked || body["hasPassword"] != true {
		t.Errorf("view = %v", body)
	}

	stored, err := env.store.GetTAConfig(context.Background(), "c1")
	if err != nil || stored == nil {
		t.Fatalf("GetTAConfig: %v %v", stored, err)
	}
	if stored.EncryptedPassword == "s3cret" {
		t.Fatal("password stored in clear")
	}
	if plain, err := env.box.Decrypt(stored.EncryptedPassword); err != nil || plain != "s3cret" {
		t.Fatalf("Decrypt = %q, %v", plain, err)
	}

	// Omitted password and mode keep the stored values.
	second := map[string]any{"username": "teacher2", "baseUrl": "http://10.1.2.3/ta", "courseSearchText": "MATH 10"}
	if resp, body := env.do(t, http.MethodPut, path, second); resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %v", resp.StatusCode, body)
	}
	stored, _ = env.store.GetTAConfig(context.Background(), "c1")
	if stored.Username != "teacher2" || stored.ExecutionMode != "full_auto" {
		t.Errorf("stored = %+v", stored)
	}
	if plain, _ := env.box.Decrypt(stored.EncryptedPassword); plain != "s3cret" {
		t.Errorf("password changed: %q", plain)
	}

	if resp, body := env.do(t, http.MethodGet, path, nil); resp.StatusCode != http.StatusOK || body["username"] != "teacher2" {
		t.Errorf("get: %d %v", resp.StatusCode, body)
	}
}

func TestTAConfig_Validation(t *testing.T) {
	env := newEnv(t, nil)
	path := "/api/classrooms/c2/ta-config"
	base := func() map[string]any {
		return map[string]any{"username": "t", "password": "p", "baseUrl": "https://ta.example.org", "courseSearchText": "X"}
	}
	cases := map[string]func(map[string]any){
		"missing username": func(b map[string]any) { delete(b, "username") },
		"missing password": func(b map[string]any) { delete(b, "password") },
		"bad scheme":       func(b map[string]any) { b["baseUrl"] = "file:///etc/passwd" },
		"bad mode":         func(b map[string]any) { b["executionMode"] = "yolo" },
	}
	for name, mutate := range cases {
		b := base()
		mutate(b)
		if resp, body := env.do(t, http.MethodPut, path, b); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: %d %v", name, resp.StatusCode, body)
		}
	}
}

func TestRequestLatencyUsesRoutePattern(t *testing.T) {
	env := newEnv(t, nil)
	env.do(t, http.MethodGet, "/api/jobs/job-1", nil)

	env.metrics.mu.Lock()
	defer env.metrics.mu.Unlock()
	if len(env.metrics.labels) != 1 {
		t.Fatalf("metrics = %v", env.metrics.labels)
	}
	l := env.metrics.labels[0]
	if l["route"] != "/api/jobs/{jobID}" || l["status"] != "404" || l["method"] != "GET" {
		t.Errorf("labels = %v", l)
	}
}

func TestSyncEndpointsAreRateLimited(t *testing.T) {
	env := newEnv(t, func(c *Config) { c.RateLimiter = shield.NewRateLimiter(1, time.Hour) })
	path := "/api/classrooms/c1/attendance-sync"
	if resp, _ := env.do(t, http.MethodPost, path, map[string]any{"mode": "dry_run"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("first: %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodPost, path, map[string]any{"mode": "dry_run"}); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second: %d, want 429", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodGet, "/health", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("health throttled: %d", resp.StatusCode)
	}
}
