package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cvtailor/internal/config"
	"cvtailor/internal/models"
	"cvtailor/internal/queue"
	"cvtailor/internal/store"
)

type fakeJobStore struct {
	mu         sync.Mutex
	jobs       map[string]models.Job
	docs       map[string]models.Document
	claimNext  bool
	claimErr   error
	failedJobs []string
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:      map[string]models.Job{},
		docs:      map[string]models.Document{},
		claimNext: true,
	}
}

func (f *fakeJobStore) CreateOrClaimJob(_ context.Context, p store.ClaimJobParams) (models.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return models.Job{}, false, f.claimErr
	}
	if !f.claimNext {
		for _, j := range f.jobs {
			if j.UserID == p.UserID && j.CVID == p.CVID && j.DescHash == p.DescHash {
				return j, false, nil
			}
		}
	}
	job := models.Job{
		ID:       "job-1",
		UserID:   p.UserID,
		CVID:     p.CVID,
		DescHash: p.DescHash,
		Status:   models.StatusProcessing,
		Metadata: p.Metadata,
	}
	f.jobs[job.ID] = job
	return job, true, nil
}

func (f *fakeJobStore) GetJob(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobStore) GetJobByKey(_ context.Context, userID, cvID, descHash string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.UserID == userID && j.CVID == cvID && j.DescHash == descHash {
			return j, nil
		}
	}
	return models.Job{}, store.ErrNotFound
}

func (f *fakeJobStore) FailJob(_ context.Context, id, code, msg string, _ *models.OptimizationResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedJobs = append(f.failedJobs, id)
	if job, ok := f.jobs[id]; ok {
		job.Status = models.StatusError
		job.ErrorCode = &code
		job.ErrorMessage = &msg
		f.jobs[id] = job
	}
	return nil
}

func (f *fakeJobStore) CreateDocument(_ context.Context, doc models.Document) (models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc.ID == "" {
		doc.ID = "doc-1"
	}
	f.docs[doc.ID] = doc
	return doc, nil
}

func (f *fakeJobStore) GetDocument(_ context.Context, id string) (models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return models.Document{}, store.ErrNotFound
	}
	return doc, nil
}

func (f *fakeJobStore) ActiveJobs(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.jobs {
		if !models.Terminal(j.Status) {
			n++
		}
	}
	return n, nil
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []string
	err        error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.dispatched = append(f.dispatched, jobID)
	return nil
}

func (f *fakeDispatcher) Ping(context.Context) error { return nil }

type fakeLimiter struct{ allow bool }

func (f *fakeLimiter) AllowUser(context.Context, string) (bool, error) { return f.allow, nil }

func testServer(t *testing.T, st *fakeJobStore, disp *fakeDispatcher, lim RateLimiter) *Server {
	t.Helper()
	cfg := config.Config{
		DispatchTimeout: time.Second,
		StallThreshold:  5 * time.Minute,
		PresignTTL:      15 * time.Minute,
	}
	auth := NewTokenAuthenticator(map[string]string{"tok-alice": "alice", "tok-bob": "bob"})
	return New(cfg, st, disp, lim, nil, auth, nil)
}

func doRequest(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestStartOptimizationAccepted(t *testing.T) {
	st := newFakeJobStore()
	disp := &fakeDispatcher{}
	srv := testServer(t, st, disp, &fakeLimiter{allow: true})

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/v1/optimize", "tok-alice", map[string]any{
		"cvText":         "ten years of backend engineering experience",
		"jobDescription": "we need a senior go engineer for our platform team",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[optimizeResponse](t, rec)
	if !resp.Success || resp.JobID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(disp.dispatched) != 1 || disp.dispatched[0] != resp.JobID {
		t.Fatalf("dispatched = %v, want [%s]", disp.dispatched, resp.JobID)
	}
}

func TestStartOptimizationRequiresAuth(t *testing.T) {
	srv := testServer(t, newFakeJobStore(), &fakeDispatcher{}, &fakeLimiter{allow: true})

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/v1/optimize", "", map[string]any{
		"cvText":         "ten years of backend engineering experience",
		"jobDescription": "we need a senior go engineer for our platform team",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = doRequest(t, srv.Router(), http.MethodPost, "/api/v1/optimize", "bogus", map[string]any{
		"cvText":         "ten years of backend engineering experience",
		"jobDescription": "we need a senior go engineer for our platform team",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with bad token = %d, want 401", rec.Code)
	}
}

func TestStartOptimizationValidation(t *testing.T) {
	srv := testServer(t, newFakeJobStore(), &fakeDispatcher{}, &fakeLimiter{allow: true})

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing description", map[string]any{"cvText": "long enough cv text here"}},
		{"missing cv", map[string]any{"jobDescription": "a long enough job description"}},
		{"short description", map[string]any{"cvText": "long enough cv text here", "jobDescription": "short"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, srv.Router(), http.MethodPost, "/api/v1/optimize", "tok-alice", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400, body %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestStartOptimizationRateLimited(t *testing.T) {
	srv := testServer(t, newFakeJobStore(), &fakeDispatcher{}, &fakeLimiter{allow: false})

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/v1/optimize", "tok-alice", map[string]any{
		"cvText":         "ten years of backend engineering experience",
		"jobDescription": "we need a senior go engineer for our platform team",
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	resp := decodeBody[errorResponse](t, rec)
	if resp.ErrorCode != "RATE_LIMIT" {
		t.Fatalf("errorCode = %q, want RATE_LIMIT", resp.ErrorCode)
	}
}

func TestStartOptimizationShortCircuit(t *testing.T) {
	st := newFakeJobStore()
	disp := &fakeDispatcher{}
	srv := testServer(t, st, disp, &fakeLimiter{allow: true})
	body := map[string]any{
		"cvText":         "ten years of backend engineering experience",
		"jobDescription": "we need a senior go engineer for our platform team",
	}

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/v1/optimize", "tok-alice", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first dispatch status = %d, want 202", rec.Code)
	}

	st.claimNext = false
	rec = doRequest(t, srv.Router(), http.MethodPost, "/api/v1/optimize", "tok-alice", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("second dispatch status = %d, want 202", rec.Code)
	}
	resp := decodeBody[optimizeResponse](t, rec)
	if resp.JobID != "job-1" {
		t.Fatalf("jobId = %q, want the existing job", resp.JobID)
	}
	if !strings.Contains(resp.Message, "already in progress") {
		t.Fatalf("message = %q, want already-in-progress notice", resp.Message)
	}
	if len(disp.dispatched) != 1 {
		t.Fatalf("dispatched %d times, want 1 (short circuit must not re-enqueue)", len(disp.dispatched))
	}
}

func TestForceContinueResumesExistingJob(t *testing.T) {
	st := newFakeJobStore()
	desc := "we need a senior go engineer for our platform team"
	// A stalled-looking job the client previously abandoned. A plain
	// re-dispatch would restart it; forceContinue only resumes it.
	st.jobs["job-7"] = models.Job{
		ID:       "job-7",
		UserID:   "alice",
		DescHash: DescriptionHash(desc),
		Status:   models.StatusProcessing,
		Progress: 40,
	}
	disp := &fakeDispatcher{}
	srv := testServer(t, st, disp, &fakeLimiter{allow: true})

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/v1/optimize", "tok-alice", map[string]any{
		"cvText":         "ten years of backend engineering experience",
		"jobDescription": desc,
		"forceContinue":  true,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[optimizeResponse](t, rec)
	if resp.JobID != "job-7" {
		t.Fatalf("jobId = %q, want the resumed job", resp.JobID)
	}
	if len(disp.dispatched) != 0 {
		t.Fatalf("resume must not re-enqueue, dispatched %v", disp.dispatched)
	}
	if st.jobs["job-7"].Progress != 40 {
		t.Fatal("resume must not reset the job")
	}
}

func TestForceContinueFallsThroughWhenTerminal(t *testing.T) {
	st := newFakeJobStore()
	desc := "we need a senior go engineer for our platform team"
	st.jobs["job-8"] = models.Job{
		ID:       "job-8",
		UserID:   "alice",
		DescHash: DescriptionHash(desc),
		Status:   models.StatusError,
	}
	disp := &fakeDispatcher{}
	srv := testServer(t, st, disp, &fakeLimiter{allow: true})

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/v1/optimize", "tok-alice", map[string]any{
		"cvText":         "ten years of backend engineering experience",
		"jobDescription": desc,
		"forceContinue":  true,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(disp.dispatched) != 1 {
		t.Fatalf("a terminal job is not resumable, expected a fresh dispatch, got %v", disp.dispatched)
	}
}

func TestStartOptimizationQueueFull(t *testing.T) {
	st := newFakeJobStore()
	disp := &fakeDispatcher{err: queue.ErrQueueFull}
	srv := testServer(t, st, disp, &fakeLimiter{allow: true})

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/v1/optimize", "tok-alice", map[string]any{
		"cvText":         "ten years of backend engineering experience",
		"jobDescription": "we need a senior go engineer for our platform team",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	resp := decodeBody[errorResponse](t, rec)
	if !resp.ServiceUnavailable {
		t.Fatal("serviceUnavailable flag not set")
	}
	if len(st.failedJobs) != 1 {
		t.Fatalf("failed jobs = %v, want the claimed job released", st.failedJobs)
	}
}

func TestStatusByJobID(t *testing.T) {
	st := newFakeJobStore()
	st.jobs["job-9"] = models.Job{
		ID:       "job-9",
		UserID:   "alice",
		Status:   models.StatusProcessing,
		Progress: 40,
		Stage:    "generate",
		Metadata: map[string]any{"checkpoint:analyze": "2026-08-30T10:00:00Z"},
	}
	srv := testServer(t, st, &fakeDispatcher{}, &fakeLimiter{allow: true})

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/v1/optimize/status", "tok-alice", map[string]any{"jobId": "job-9"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[statusResponse](t, rec)
	if resp.Status != models.StatusProcessing || resp.Progress != 40 || resp.Stage != "generate" {
		t.Fatalf("unexpected status payload: %+v", resp)
	}
	if resp.OptimizationState["checkpoint:analyze"] == nil {
		t.Fatal("optimizationState missing checkpoint metadata")
	}
}

func TestStatusByKey(t *testing.T) {
	st := newFakeJobStore()
	desc := "we need a senior go engineer for our platform team"
	st.jobs["job-5"] = models.Job{
		ID:       "job-5",
		UserID:   "alice",
		CVID:     "doc-3",
		DescHash: DescriptionHash(desc),
		Status:   models.StatusCompleted,
		Progress: 100,
		Result:   &models.OptimizationResult{OptimizedContent: "## Summary\n\nDone."},
	}
	srv := testServer(t, st, &fakeDispatcher{}, &fakeLimiter{allow: true})

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/v1/optimize/status", "tok-alice", map[string]any{
		"cvId":           "doc-3",
		"jobDescription": desc,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeBody[statusResponse](t, rec)
	if resp.Result == nil || resp.Result.OptimizedContent == "" {
		t.Fatalf("completed status missing result: %+v", resp)
	}
}

func TestStatusHidesOtherUsersJobs(t *testing.T) {
	st := newFakeJobStore()
	st.jobs["job-9"] = models.Job{ID: "job-9", UserID: "alice", Status: models.StatusProcessing}
	srv := testServer(t, st, &fakeDispatcher{}, &fakeLimiter{allow: true})

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/v1/optimize/status", "tok-bob", map[string]any{"jobId": "job-9"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for foreign job", rec.Code)
	}
}

func TestStatusErrorCarriesPartialResults(t *testing.T) {
	st := newFakeJobStore()
	code := "RATE_LIMIT"
	msg := "mistral: status 429"
	st.jobs["job-2"] = models.Job{
		ID:           "job-2",
		UserID:       "alice",
		Status:       models.StatusError,
		Progress:     75,
		ErrorCode:    &code,
		ErrorMessage: &msg,
		Result: &models.OptimizationResult{
			OptimizedContent: "## Experience\n\nPartial output.",
			Warnings:         []string{"generation incomplete"},
		},
	}
	srv := testServer(t, st, &fakeDispatcher{}, &fakeLimiter{allow: true})

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/v1/optimize/status", "tok-alice", map[string]any{"jobId": "job-2"})
	resp := decodeBody[statusResponse](t, rec)
	if resp.ErrorCode != "RATE_LIMIT" || resp.Error == "" {
		t.Fatalf("error fields missing: %+v", resp)
	}
	if resp.PartialResults == nil || resp.PartialResults.OptimizedContent == "" {
		t.Fatalf("partialResults missing: %+v", resp)
	}
	if resp.Result != nil {
		t.Fatal("failed job must not expose result as final")
	}
}

func TestStatusUnknownJob(t *testing.T) {
	srv := testServer(t, newFakeJobStore(), &fakeDispatcher{}, &fakeLimiter{allow: true})

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/v1/optimize/status", "tok-alice", map[string]any{"jobId": "nope"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	st := newFakeJobStore()
	srv := testServer(t, st, &fakeDispatcher{}, &fakeLimiter{allow: true})

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/v1/documents", "tok-alice", map[string]any{
		"name": "cv.md",
		"text": "# Jane Doe\n\nBackend engineer.",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201, body %s", rec.Code, rec.Body.String())
	}
	doc := decodeBody[models.Document](t, rec)

	rec = doRequest(t, srv.Router(), http.MethodGet, "/api/v1/documents/"+doc.ID, "tok-alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, srv.Router(), http.MethodGet, "/api/v1/documents/"+doc.ID, "tok-bob", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign get status = %d, want 404", rec.Code)
	}
}

func TestOptimizeUnknownDocument(t *testing.T) {
	srv := testServer(t, newFakeJobStore(), &fakeDispatcher{}, &fakeLimiter{allow: true})

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/v1/optimize", "tok-alice", map[string]any{
		"cvId":           "11111111-2222-4333-8444-555555555555",
		"jobDescription": "we need a senior go engineer for our platform team",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDescriptionHashStable(t *testing.T) {
	a := DescriptionHash("  senior go engineer  ")
	b := DescriptionHash("senior go engineer")
	if a != b {
		t.Fatal("hash must ignore surrounding whitespace")
	}
	if a == DescriptionHash("junior go engineer") {
		t.Fatal("distinct descriptions must hash differently")
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestHealthReportsActiveJobs(t *testing.T) {
	st := newFakeJobStore()
	st.jobs["job-1"] = models.Job{ID: "job-1", UserID: "alice", Status: models.StatusProcessing}
	st.jobs["job-2"] = models.Job{ID: "job-2", UserID: "alice", Status: models.StatusCompleted}
	srv := testServer(t, st, &fakeDispatcher{}, &fakeLimiter{allow: true})

	rec := doRequest(t, srv.Router(), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["status"] != "ok" || body["activeJobs"] != float64(1) {
		t.Fatalf("unexpected health payload: %v", body)
	}
}

func TestClaimErrorSurfacesAs500(t *testing.T) {
	st := newFakeJobStore()
	st.claimErr = errors.New("connection refused")
	srv := testServer(t, st, &fakeDispatcher{}, &fakeLimiter{allow: true})

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/v1/optimize", "tok-alice", map[string]any{
		"cvText":         "ten years of backend engineering experience",
		"jobDescription": "we need a senior go engineer for our platform team",
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
