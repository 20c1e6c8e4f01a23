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

	"github.com/gin-gonic/gin"

	"bucketdrop/internal/backend"
	"bucketdrop/internal/job"
	"bucketdrop/internal/storage"
)

const testDeadline = 2 * time.Second

type fakeBrowser struct {
	objects []storage.Object
	listErr error
	signed  string
	signErr error
}

func (f *fakeBrowser) List(ctx context.Context, prefix string) ([]storage.Object, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]storage.Object, 0, len(f.objects))
	for _, o := range f.objects {
		if strings.HasPrefix(o.Key, prefix) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeBrowser) PresignGet(ctx context.Context, key string) (string, error) {
	if f.signErr != nil {
		return "", f.signErr
	}
	return f.signed + key, nil
}

type fakeBackend struct {
	initResp backend.InitiateResponse
	initErr  error
	status   job.State
	events   chan job.State
}

func (f *fakeBackend) Initiate(ctx context.Context, keys []string) (backend.InitiateResponse, error) {
	return f.initResp, f.initErr
}

func (f *fakeBackend) Status(ctx context.Context, jobID string) (job.State, error) {
	return f.status, nil
}

func (f *fakeBackend) Subscribe(ctx context.Context, subscribeURL string) (<-chan job.State, error) {
	if f.events == nil {
		return nil, errors.New("no push channel")
	}
	return f.events, nil
}

func setupRouter(t *testing.T, browser ObjectBrowser, jobBackend JobBackend) (*gin.Engine, *job.Tracker) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tracker := job.NewTracker(job.TrackerOptions{
		PollInterval:  5 * time.Millisecond,
		RedirectDelay: time.Millisecond,
	})
	t.Cleanup(func() { tracker.Close(context.Background()) })

	router := gin.New()
	apiHandler := NewAPI(browser, jobBackend, tracker)
	apiHandler.RegisterRoutes(router)
	return router, tracker
}

func TestListObjects(t *testing.T) {
	browser := &fakeBrowser{objects: []storage.Object{
		{Key: "docs/a.txt", Size: 12},
		{Key: "media/b.png", Size: 9},
	}}
	router, _ := setupRouter(t, browser, &fakeBackend{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/objects?prefix=docs/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Objects []storage.Object `json:"objects"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Objects) != 1 || resp.Objects[0].Key != "docs/a.txt" {
		t.Fatalf("unexpected listing: %+v", resp.Objects)
	}
}

func TestListObjectsUpstreamError(t *testing.T) {
	router, _ := setupRouter(t, &fakeBrowser{listErr: errors.New("boom")}, &fakeBackend{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/objects", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}

func TestPresignObject(t *testing.T) {
	router, _ := setupRouter(t, &fakeBrowser{signed: "https://signed/"}, &fakeBackend{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/objects/url?key=docs/a.txt", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "https://signed/docs/a.txt") {
		t.Fatalf("missing signed url in %s", w.Body.String())
	}

	// key is mandatory
	req = httptest.NewRequest(http.MethodGet, "/api/v1/objects/url", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without key, got %d", w.Code)
	}
}

func TestStartDownloadValidation(t *testing.T) {
	router, _ := setupRouter(t, &fakeBrowser{}, &fakeBackend{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/downloads", strings.NewReader(`{"keys":[]}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty selection, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/downloads", strings.NewReader(`not json`))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", w.Code)
	}
}

func TestStartDownloadInitiationFailure(t *testing.T) {
	router, _ := setupRouter(t, &fakeBrowser{}, &fakeBackend{initErr: errors.New("backend down")})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/downloads", strings.NewReader(`{"keys":["a.txt"]}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}

func TestNoActiveDownloadEndpoints(t *testing.T) {
	router, _ := setupRouter(t, &fakeBrowser{}, &fakeBackend{})

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/downloads/current"},
		{http.MethodGet, "/api/v1/downloads/current/events"},
		{http.MethodGet, "/api/v1/downloads/current/artifact"},
		{http.MethodDelete, "/api/v1/downloads/current"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", tc.method, tc.path, w.Code)
		}
	}
}

// Full flow: initiate with one key, observe a poll snapshot, then the push
// channel completes and the artifact endpoint redirects exactly there.
func TestDownloadFlowCompletesAndRedirects(t *testing.T) {
	events := make(chan job.State, 4)
	jobBackend := &fakeBackend{
		initResp: backend.InitiateResponse{JobID: "j1", Status: job.StatusQueued, TotalFiles: 1, SubscribeURL: "/v1/download/subscribe/j1"},
		status:   job.State{JobID: "j1", Status: job.StatusProcessing, Progress: 40, FilesCompleted: 0, TotalFiles: 1},
		events:   events,
	}
	router, tracker := setupRouter(t, &fakeBrowser{}, jobBackend)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/downloads", strings.NewReader(`{"keys":["a.txt"]}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil || created.JobID != "j1" {
		t.Fatalf("unexpected create response: %s", w.Body.String())
	}

	// poll fallback shows progress before the push channel speaks
	waitForStatus(t, router, func(s job.State) bool { return s.Progress == 40 })

	events <- job.State{JobID: "j1", Status: job.StatusCompleted, DownloadURL: "https://x/y", FilesCompleted: 1, TotalFiles: 1}

	deadline := time.Now().Add(testDeadline)
	for {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/downloads/current/artifact", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code == http.StatusSeeOther {
			if loc := w.Header().Get("Location"); loc != "https://x/y" {
				t.Fatalf("unexpected redirect target %q", loc)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("artifact never became ready, last status %d", w.Code)
		}
		time.Sleep(2 * time.Millisecond)
	}

	var final job.State
	waitForStatus(t, router, func(s job.State) bool { final = s; return s.Status == job.StatusCompleted })
	if final.Progress != 100 || final.FilesCompleted != 1 {
		t.Fatalf("final state not completed/100: %+v", final)
	}

	if url, err := tracker.ArtifactURL(); err != nil || url != "https://x/y" {
		t.Fatalf("artifact url not recorded once: %q %v", url, err)
	}

	// history endpoint picks the job up after completion
	waitFor(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/downloads/history", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return strings.Contains(w.Body.String(), `"j1"`)
	}, "history entry")
}

func TestDismissActiveDownload(t *testing.T) {
	events := make(chan job.State, 1)
	jobBackend := &fakeBackend{
		initResp: backend.InitiateResponse{JobID: "j1", Status: job.StatusQueued, TotalFiles: 1},
		status:   job.State{JobID: "j1", Status: job.StatusProcessing},
		events:   events,
	}
	router, _ := setupRouter(t, &fakeBrowser{}, jobBackend)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/downloads", strings.NewReader(`{"keys":["a.txt"]}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/downloads/current", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/downloads/current", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after dismiss, got %d", w.Code)
	}
}

// The SSE relay must deliver progress, complete and finally the one-shot
// redirect event, then end the stream.
func TestStreamDownloadEmitsRedirect(t *testing.T) {
	events := make(chan job.State, 4)
	jobBackend := &fakeBackend{
		initResp: backend.InitiateResponse{JobID: "j1", Status: job.StatusQueued, TotalFiles: 1},
		status:   job.State{JobID: "j1", Status: job.StatusProcessing, Progress: 10},
		events:   events,
	}
	router, _ := setupRouter(t, &fakeBrowser{}, jobBackend)
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/downloads", "application/json", strings.NewReader(`{"keys":["a.txt"]}`))
	if err != nil {
		t.Fatalf("start download: %v", err)
	}
	resp.Body.Close()

	stream, err := http.Get(srv.URL + "/api/v1/downloads/current/events")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	events <- job.State{JobID: "j1", Status: job.StatusCompleted, DownloadURL: "https://x/y", FilesCompleted: 1, TotalFiles: 1}

	var sawComplete, sawRedirect bool
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			name := strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			switch name {
			case "complete":
				sawComplete = true
			case "redirect":
				sawRedirect = true
			}
		}
	}
	if !sawComplete || !sawRedirect {
		t.Fatalf("stream missing events: complete=%v redirect=%v", sawComplete, sawRedirect)
	}
}

func waitForStatus(t *testing.T, router *gin.Engine, cond func(job.State) bool) {
	t.Helper()
	waitFor(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/downloads/current", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			return false
		}
		var s job.State
		if err := json.Unmarshal(w.Body.Bytes(), &s); err != nil {
			return false
		}
		return cond(s)
	}, "download status condition")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(testDeadline)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}
