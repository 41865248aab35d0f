package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/heimdex/heimdex-trim/internal/catalog"
	"github.com/heimdex/heimdex-trim/internal/loop"
	"github.com/heimdex/heimdex-trim/internal/trim"
)

func TestBeginExport(t *testing.T) {
	env := newTestEnv()

	rr := env.do(t, http.MethodPost, "/exports", `{"start":1.5,"end":4}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var resp BeginExportResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.SessionID != "sess-1" || resp.Start != 1.5 || resp.End != 4 {
		t.Errorf("resp = %+v", resp)
	}
	if len(env.catalog.started) != 1 {
		t.Fatalf("RecordExportStarted called %d times", len(env.catalog.started))
	}
	got := env.catalog.started[0]
	if got.sessionID != "sess-1" || got.container != "mp4" || got.r != (trim.TimeRange{Start: 1.5, End: 4}) {
		t.Errorf("recorded %+v", got)
	}
}

func TestBeginExport_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantErr  string
	}{
		{name: "missing end", body: `{"start":1}`, wantCode: http.StatusBadRequest, wantErr: "INVALID_RANGE"},
		{name: "bad json", body: `nope`, wantCode: http.StatusBadRequest, wantErr: "BAD_REQUEST"},
		{name: "invalid range", body: `{"start":3,"end":1}`, err: trim.ErrInvalidRange, wantCode: http.StatusBadRequest, wantErr: "INVALID_RANGE"},
		{name: "in progress", body: `{"start":0,"end":1}`, err: trim.ErrExportInProgress, wantCode: http.StatusConflict, wantErr: "EXPORT_IN_PROGRESS"},
		{name: "no source", body: `{"start":0,"end":1}`, err: trim.ErrNoSource, wantCode: http.StatusPreconditionFailed, wantErr: "NO_SOURCE"},
		{name: "stopped", body: `{"start":0,"end":1}`, err: loop.ErrStopped, wantCode: http.StatusServiceUnavailable, wantErr: "UNAVAILABLE"},
		{name: "other", body: `{"start":0,"end":1}`, err: errors.New("boom"), wantCode: http.StatusInternalServerError, wantErr: "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			env.trim.beginErr = tt.err

			rr := env.do(t, http.MethodPost, "/exports", tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if body := decodeJSONBody(t, rr); body["code"] != tt.wantErr {
				t.Errorf("code = %v, want %s", body["code"], tt.wantErr)
			}
			if len(env.catalog.started) != 0 {
				t.Error("rejected export was recorded")
			}
		})
	}
}

func TestCurrentAndCancel(t *testing.T) {
	env := newTestEnv()

	if rr := env.do(t, http.MethodGet, "/exports/current", ""); rr.Code != http.StatusNotFound {
		t.Errorf("current before begin = %d, want 404", rr.Code)
	}

	env.do(t, http.MethodPost, "/exports", `{"start":0,"end":2}`)
	env.trim.session.Position = 1

	rr := env.do(t, http.MethodGet, "/exports/current", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("current status = %d", rr.Code)
	}
	var s SessionResponse
	if err := json.NewDecoder(rr.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if s.ID != "sess-1" || s.Progress != 0.5 {
		t.Errorf("session = %+v", s)
	}

	if rr := env.do(t, http.MethodDelete, "/exports/current", ""); rr.Code != http.StatusNoContent {
		t.Errorf("cancel status = %d, want 204", rr.Code)
	}
	if env.trim.cancels != 1 {
		t.Errorf("cancels = %d, want 1", env.trim.cancels)
	}
}

func TestListAndGetExports(t *testing.T) {
	env := newTestEnv()
	env.catalog.exports["e1"] = &catalog.Export{ID: "e1", Status: catalog.ExportStatusCompleted, OutputPath: "/x/e1.mp4", Filename: "e1.mp4"}

	rr := env.do(t, http.MethodGet, "/exports?limit=5", "")
	var list ExportsResponse
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Exports) != 1 || !list.Exports[0].Downloadable {
		t.Errorf("exports = %+v", list.Exports)
	}

	if rr := env.do(t, http.MethodGet, "/exports?limit=zero", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/exports/e1", ""); rr.Code != http.StatusOK {
		t.Errorf("get status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/exports/missing", ""); rr.Code != http.StatusNotFound {
		t.Errorf("get missing status = %d", rr.Code)
	}
}

func TestDownload(t *testing.T) {
	env := newTestEnv()
	env.catalog.exports["done"] = &catalog.Export{ID: "done", Status: catalog.ExportStatusCompleted, OutputPath: "/x/done.mp4", Filename: "done.mp4"}
	env.catalog.exports["running"] = &catalog.Export{ID: "running", Status: catalog.ExportStatusRunning}
	env.catalog.exports["failed"] = &catalog.Export{ID: "failed", Status: catalog.ExportStatusFailed, Reason: "seek_failed"}

	tests := []struct {
		id       string
		wantCode int
	}{
		{"done", http.StatusOK},
		{"running", http.StatusConflict},
		{"failed", http.StatusNotFound},
		{"missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			rr := env.do(t, http.MethodGet, "/exports/"+tt.id+"/download", "")
			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
		})
	}
	if len(env.downloads.paths) != 1 || env.downloads.paths[0] != "/x/done.mp4" {
		t.Errorf("served paths = %v", env.downloads.paths)
	}
}

func TestDownload_NonLoopbackRejected(t *testing.T) {
	env := newTestEnv()
	env.catalog.exports["done"] = &catalog.Export{ID: "done", Status: catalog.ExportStatusCompleted, OutputPath: "/x/done.mp4"}

	req := httptest.NewRequest(http.MethodGet, "/exports/done/download", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.RemoteAddr = "10.0.0.5:4000"
	rr := httptest.NewRecorder()
	NewRouter(env.cfg).ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusForbidden)
	}
	if len(env.downloads.paths) != 0 {
		t.Error("file served to non-loopback client")
	}
}

func TestEDL(t *testing.T) {
	env := newTestEnv()
	env.catalog.sources["src-1"] = &catalog.Source{ID: "src-1", Path: "/videos/clip.mp4", DisplayName: "clip.mp4"}
	env.catalog.exports["e1"] = &catalog.Export{ID: "e1", SourceID: "src-1", Start: 1, End: 3, Status: catalog.ExportStatusCompleted, Filename: "trimmed.mp4"}
	env.catalog.exports["orphan"] = &catalog.Export{ID: "orphan", Start: 1, End: 3}

	rr := env.do(t, http.MethodGet, "/exports/e1/edl", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "trimmed.edl") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "00:00:01:00 00:00:03:00") {
		t.Errorf("edl missing source in/out:\n%s", body)
	}
	if !strings.Contains(body, "/videos/clip.mp4") {
		t.Errorf("edl missing source path:\n%s", body)
	}

	if rr := env.do(t, http.MethodGet, "/exports/orphan/edl", ""); rr.Code != http.StatusNotFound {
		t.Errorf("orphan status = %d, want 404", rr.Code)
	}
}

func TestEvents_StreamsNotifications(t *testing.T) {
	env := newTestEnv()
	server := httptest.NewServer(NewRouter(env.cfg))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/exports/events?access_token="+testToken, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// The subscription exists once the connected comment arrives.
	reader := bufio.NewReader(resp.Body)
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ": connected") {
		t.Fatalf("first line = %q, %v", line, err)
	}

	env.trim.bus.Notify(trim.Notification{
		Kind:      trim.KindCancelled,
		SessionID: "sess-1",
		Time:      time.Now(),
		Range:     trim.TimeRange{Start: 0, End: 2},
		Position:  1,
	})

	var event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}

	if event != "cancelled" {
		t.Errorf("event = %q, want cancelled", event)
	}
	var ev EventResponse
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.SessionID != "sess-1" || ev.Progress != 0.5 {
		t.Errorf("event = %+v", ev)
	}
}

func TestEvents_ClosesSubscriptionOnDisconnect(t *testing.T) {
	env := newTestEnv()
	server := httptest.NewServer(NewRouter(env.cfg))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/exports/events", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	bufio.NewReader(resp.Body).ReadString('\n')
	if n := env.trim.bus.Subscribers(); n != 1 {
		t.Fatalf("Subscribers() = %d, want 1", n)
	}

	cancel()
	resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for env.trim.bus.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not closed after client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
