package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/heimdex/heimdex-trim/internal/catalog"
	"github.com/heimdex/heimdex-trim/internal/logging"
	"github.com/heimdex/heimdex-trim/internal/media"
	"github.com/heimdex/heimdex-trim/internal/media/mediatest"
	"github.com/heimdex/heimdex-trim/internal/toolchain"
	"github.com/heimdex/heimdex-trim/internal/trim"
	"github.com/heimdex/heimdex-trim/internal/watcher"
)

const testToken = "test-token"

type fakeTrim struct {
	mu        sync.Mutex
	state     trim.State
	session   *trim.Session
	beginErr  error
	setErr    error
	statusErr error
	begins    []trim.TimeRange
	cancels   int
	sources   []media.Source
	bus       *trim.Bus
}

func newFakeTrim() *fakeTrim {
	return &fakeTrim{state: trim.StateIdle, bus: trim.NewBus(0, logging.Discard())}
}

func (f *fakeTrim) BeginExport(ctx context.Context, start, end float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return "", f.beginErr
	}
	f.begins = append(f.begins, trim.TimeRange{Start: start, End: end})
	f.state = trim.StateSeeking
	f.session = &trim.Session{
		ID:        "sess-1",
		Range:     trim.TimeRange{Start: start, End: end},
		State:     trim.StateSeeking,
		Container: "mp4",
		StartedAt: time.Now(),
		Position:  start,
	}
	return f.session.ID, nil
}

func (f *fakeTrim) CancelExport(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeTrim) Status(ctx context.Context) (trim.State, *trim.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return "", nil, f.statusErr
	}
	return f.state, f.session, nil
}

func (f *fakeTrim) SetSource(ctx context.Context, src media.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.sources = append(f.sources, src)
	return nil
}

func (f *fakeTrim) Subscribe() *trim.Subscription {
	return f.bus.Subscribe()
}

type startCall struct {
	sessionID string
	sourceID  string
	r         trim.TimeRange
	container string
}

type fakeCatalog struct {
	mu      sync.Mutex
	sources map[string]*catalog.Source
	exports map[string]*catalog.Export
	addErr  error
	started []startCall
	removed []string
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		sources: make(map[string]*catalog.Source),
		exports: make(map[string]*catalog.Export),
	}
}

func (f *fakeCatalog) AddSource(ctx context.Context, path, displayName string) (*catalog.Source, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &catalog.Source{ID: "src-1", Path: path, DisplayName: "clip.mp4", Duration: 10, AudioCodec: "aac", Present: true}
	f.sources[s.ID] = s
	return s, nil
}

func (f *fakeCatalog) RemoveSource(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	delete(f.sources, id)
	return nil
}

func (f *fakeCatalog) GetSources(ctx context.Context) ([]*catalog.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*catalog.Source
	for _, s := range f.sources {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeCatalog) GetSource(ctx context.Context, id string) (*catalog.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sources[id], nil
}

func (f *fakeCatalog) VerifySource(ctx context.Context, id string) (*catalog.Source, error) {
	return f.GetSource(ctx, id)
}

func (f *fakeCatalog) RecordExportStarted(ctx context.Context, sessionID, sourceID string, r trim.TimeRange, container string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, startCall{sessionID, sourceID, r, container})
	return nil
}

func (f *fakeCatalog) GetExports(ctx context.Context, limit int) ([]*catalog.Export, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*catalog.Export
	for _, e := range f.exports {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeCatalog) GetExport(ctx context.Context, id string) (*catalog.Export, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exports[id], nil
}

// fakeRepo only answers the auth token lookup.
type fakeRepo struct {
	catalog.Repository
}

func (f *fakeRepo) GetConfig(ctx context.Context, key string) (string, error) {
	if key == AuthTokenKey {
		return testToken, nil
	}
	return "", nil
}

type fakeDownloads struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeDownloads) ServeFile(w http.ResponseWriter, r *http.Request, path, filename string) error {
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "video/mp4")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write([]byte("video"))
	}
	return nil
}

type fakeWatcher struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeWatcher) Watch(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	return nil
}

func (f *fakeWatcher) Stop() error { return nil }

func (f *fakeWatcher) OnChange(func(path string, event watcher.EventType)) {}

type fakeDoctorRunner struct {
	caps *toolchain.Capabilities
}

func (f *fakeDoctorRunner) RunDoctor(ctx context.Context) (*toolchain.Capabilities, error) {
	if f.caps == nil {
		return nil, errors.New("no toolchain")
	}
	return f.caps, nil
}

type testEnv struct {
	trim      *fakeTrim
	catalog   *fakeCatalog
	downloads *fakeDownloads
	watcher   *fakeWatcher
	cfg       ServerConfig
}

func newTestEnv() *testEnv {
	env := &testEnv{
		trim:      newFakeTrim(),
		catalog:   newFakeCatalog(),
		downloads: &fakeDownloads{},
		watcher:   &fakeWatcher{},
	}
	env.cfg = ServerConfig{
		Trim:           env.trim,
		CatalogService: env.catalog,
		Repository:     &fakeRepo{},
		Downloads:      env.downloads,
		Watcher:        env.watcher,
		OpenSource: func(ctx context.Context, s *catalog.Source) (media.Source, error) {
			return mediatest.New(mediatest.Config{Duration: s.Duration}), nil
		},
		FrameRate: 30,
		Logger:    logging.Discard(),
		StartTime: time.Now(),
		DeviceID:  "test-device",
		Heartbeat: 20 * time.Millisecond,
	}
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.RemoteAddr = "127.0.0.1:40000"
	rr := httptest.NewRecorder()
	NewRouter(e.cfg).ServeHTTP(rr, req)
	return rr
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return body
}

func TestHealth_NoAuth(t *testing.T) {
	env := newTestEnv()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	NewRouter(env.cfg).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	body := decodeJSONBody(t, rr)
	if body["device_id"] != "test-device" {
		t.Errorf("device_id = %v", body["device_id"])
	}
}

func TestAuth(t *testing.T) {
	env := newTestEnv()
	router := NewRouter(env.cfg)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "wrong token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "bearer", header: "Bearer " + testToken, want: http.StatusOK},
		{name: "query", query: "?access_token=" + testToken, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestStatus_Idle(t *testing.T) {
	env := newTestEnv()

	rr := env.do(t, http.MethodGet, "/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	body := decodeJSONBody(t, rr)
	if body["state"] != "idle" {
		t.Errorf("state = %v, want idle", body["state"])
	}
	for _, key := range []string{"session", "source", "toolchain"} {
		if _, ok := body[key]; ok {
			t.Errorf("%s should be omitted", key)
		}
	}
}

func TestStatus_FailedSessionAndToolchain(t *testing.T) {
	env := newTestEnv()
	env.trim.state = trim.StateFailed
	env.trim.session = &trim.Session{ID: "s1", State: trim.StateFailed, Reason: trim.ReasonSeekFailed, Range: trim.TimeRange{Start: 1, End: 2}}

	doctor := toolchain.NewCachedDoctor(&fakeDoctorRunner{caps: &toolchain.Capabilities{
		FFmpeg:    toolchain.Binary{Available: true, Version: "6.1"},
		FFprobe:   toolchain.Binary{Available: true, Version: "6.1"},
		CanDecode: true,
		CanProbe:  true,
		ProbedAt:  time.Now(),
	}}, logging.Discard())
	if _, err := doctor.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	env.cfg.Doctor = doctor

	body := decodeJSONBody(t, env.do(t, http.MethodGet, "/status", ""))
	if body["last_error"] != trim.ReasonSeekFailed {
		t.Errorf("last_error = %v", body["last_error"])
	}
	tc, ok := body["toolchain"].(map[string]interface{})
	if !ok {
		t.Fatal("toolchain missing")
	}
	if tc["ready"] != true || tc["ffmpeg_version"] != "6.1" {
		t.Errorf("toolchain = %v", tc)
	}
}

func TestStatus_EmptyDoctorCacheOmitsToolchain(t *testing.T) {
	env := newTestEnv()
	env.cfg.Doctor = toolchain.NewCachedDoctor(&fakeDoctorRunner{}, logging.Discard())

	body := decodeJSONBody(t, env.do(t, http.MethodGet, "/status", ""))
	if _, ok := body["toolchain"]; ok {
		t.Error("toolchain should be omitted before the first probe")
	}
}

func TestStatus_CoreStopped(t *testing.T) {
	env := newTestEnv()
	env.trim.statusErr = errors.New("loop stopped")

	rr := env.do(t, http.MethodGet, "/status", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
}

func TestAddSource_LoadsAndWatches(t *testing.T) {
	env := newTestEnv()

	rr := env.do(t, http.MethodPost, "/sources", `{"path":"/videos/clip.mp4"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decodeJSONBody(t, rr)
	if body["source_id"] != "src-1" || body["has_audio"] != true {
		t.Errorf("body = %v", body)
	}
	if len(env.trim.sources) != 1 {
		t.Errorf("SetSource called %d times, want 1", len(env.trim.sources))
	}
	if len(env.watcher.paths) != 1 || env.watcher.paths[0] != "/videos/clip.mp4" {
		t.Errorf("watched paths = %v", env.watcher.paths)
	}
}

func TestAddSource_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		addErr   error
		setErr   error
		wantCode int
		wantErr  string
	}{
		{name: "bad json", body: `{`, wantCode: http.StatusBadRequest, wantErr: "BAD_REQUEST"},
		{name: "no path", body: `{}`, wantCode: http.StatusBadRequest, wantErr: "BAD_REQUEST"},
		{name: "not video", body: `{"path":"/a.txt"}`, addErr: catalog.ErrNotVideo, wantCode: http.StatusBadRequest, wantErr: "NOT_VIDEO"},
		{name: "no video track", body: `{"path":"/a.mp4"}`, addErr: media.ErrNoVideo, wantCode: http.StatusBadRequest, wantErr: "NO_VIDEO_TRACK"},
		{name: "exporting", body: `{"path":"/a.mp4"}`, setErr: trim.ErrExportInProgress, wantCode: http.StatusConflict, wantErr: "EXPORT_IN_PROGRESS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			env.catalog.addErr = tt.addErr
			env.trim.setErr = tt.setErr

			rr := env.do(t, http.MethodPost, "/sources", tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if body := decodeJSONBody(t, rr); body["code"] != tt.wantErr {
				t.Errorf("code = %v, want %s", body["code"], tt.wantErr)
			}
		})
	}
}

func TestDeleteSource_RefusesLoaded(t *testing.T) {
	env := newTestEnv()
	router := NewRouter(env.cfg)

	send := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+testToken)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	if rr := send(http.MethodPost, "/sources", `{"path":"/videos/clip.mp4"}`); rr.Code != http.StatusCreated {
		t.Fatalf("add status = %d", rr.Code)
	}
	if rr := send(http.MethodDelete, "/sources/src-1", ""); rr.Code != http.StatusConflict {
		t.Errorf("delete loaded status = %d, want %d", rr.Code, http.StatusConflict)
	}
	if rr := send(http.MethodDelete, "/sources/other", ""); rr.Code != http.StatusNoContent {
		t.Errorf("delete other status = %d, want %d", rr.Code, http.StatusNoContent)
	}

	rr := send(http.MethodGet, "/sources", "")
	var resp SourcesResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Sources) != 1 || !resp.Sources[0].Loaded {
		t.Errorf("sources = %+v", resp.Sources)
	}
}
