package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-analyzer/internal/config"
	"session-analyzer/internal/jobstate"
	"session-analyzer/internal/lock"
	"session-analyzer/internal/models"
	"session-analyzer/internal/pipeline"
	"session-analyzer/internal/restart"
	"session-analyzer/internal/storage"
	"session-analyzer/internal/store"
	"session-analyzer/internal/store/inmem"
)

type fakeRunner struct {
	claims *lock.Local
	// gate, when set, holds RunClaimed until closed.
	gate    chan struct{}
	started chan string

	mu     sync.Mutex
	inputs []pipeline.Input
}

func (f *fakeRunner) Claim(ctx context.Context, jobID string) (lock.Release, bool) {
	release, ok, err := f.claims.TryAcquire(ctx, pipeline.ClaimKey(jobID))
	if err != nil || !ok {
		return func() {}, false
	}
	return release, true
}

func (f *fakeRunner) RunClaimed(_ context.Context, in pipeline.Input) (models.Job, error) {
	if f.started != nil {
		f.started <- in.JobID
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return models.Job{ID: in.JobID}, nil
}

type fakeRestarter struct {
	calls int
	err   error
}

func (f *fakeRestarter) RunOnce(context.Context) (restart.Report, error) {
	f.calls++
	return restart.Report{Total: 2, Resumed: 1, Failed: 1}, f.err
}

type fakeSigner struct{}

func (fakeSigner) SignedURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	return "https://signed.test/" + path + "?ttl=" + ttl.String(), nil
}

type fixture struct {
	store     *inmem.Store
	runner    *fakeRunner
	restarter *fakeRestarter
	server    *Server
	handler   http.Handler
}

func newFixture() *fixture {
	cfg := config.Config{MaxUploadBytes: 1024, SignedURLTTL: time.Hour, InternalServiceKey: "svc-secret"}
	f := &fixture{store: inmem.New(), runner: &fakeRunner{claims: lock.NewLocal()}, restarter: &fakeRestarter{}}
	f.server = New(cfg, f.store, f.runner, f.restarter, fakeSigner{}, nil)
	f.handler = f.server.Router()
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, fields map[string]string, fileName string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func analyzeRequest(t *testing.T, user string, fields map[string]string, fileName string, data []byte) *http.Request {
	body, ct := multipartBody(t, fields, fileName, data)
	req := httptest.NewRequest(http.MethodPost, "/analyze", body)
	req.Header.Set("Content-Type", ct)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAnalyze_CreatesJobAndStartsPipeline(t *testing.T) {
	f := newFixture()
	rec := f.do(analyzeRequest(t, "u1", map[string]string{"subject": "Algorithms", "language": "English"}, "lesson.mp4", []byte("video-bytes")))
	f.server.Wait()

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, jobstate.Created, resp.Job.Status)
	assert.Equal(t, "u1", resp.Job.UserID)
	require.NotNil(t, resp.Job.VideoMetadata)
	assert.Equal(t, "lesson.mp4", resp.Job.VideoMetadata.FileName)
	assert.Equal(t, int64(len("video-bytes")), resp.Job.VideoMetadata.FileSize)

	require.Len(t, f.runner.inputs, 1)
	in := f.runner.inputs[0]
	assert.Equal(t, resp.Job.ID, in.JobID)
	assert.Equal(t, "Algorithms", in.Subject)
	assert.Equal(t, "English", in.Language)
	assert.Equal(t, "video-bytes", string(in.Video))

	release, ok, err := f.runner.claims.TryAcquire(context.Background(), pipeline.ClaimKey(resp.Job.ID))
	require.NoError(t, err)
	require.True(t, ok, "claim released once the pipeline returns")
	release()
}

type nopResumer struct{}

func (nopResumer) Resume(_ context.Context, in pipeline.Input) (models.Job, error) {
	return models.Job{ID: in.JobID}, nil
}

func TestAnalyze_RecoveryPassLeavesInFlightSubmissionAlone(t *testing.T) {
	f := newFixture()
	f.runner.gate = make(chan struct{})
	f.runner.started = make(chan string, 1)

	rec := f.do(analyzeRequest(t, "u1", map[string]string{"subject": "Algorithms", "language": "English"}, "lesson.mp4", []byte("video-bytes")))
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := <-f.runner.started

	sup := restart.New(f.store, fakeSigner{}, nil, nopResumer{}, f.runner.claims, restart.Options{}, nil)
	rep, err := sup.RunOnce(context.Background())
	require.NoError(t, err)
	sup.Wait()
	close(f.runner.gate)
	f.server.Wait()

	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, rep.Failed)
	job, err := f.store.GetJob(context.Background(), id, "")
	require.NoError(t, err)
	assert.Equal(t, jobstate.Created, job.Status)
	assert.Nil(t, job.Error)
}

func TestAnalyze_ClaimUnavailable(t *testing.T) {
	f := newFixture()
	f.server = New(config.Config{MaxUploadBytes: 1024}, f.store, refusingRunner{}, f.restarter, fakeSigner{}, nil)
	f.handler = f.server.Router()

	rec := f.do(analyzeRequest(t, "u1", map[string]string{"subject": "Math", "language": "English"}, "a.mp4", []byte("x")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	jobs, err := f.store.ListUserJobs(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

type refusingRunner struct{}

func (refusingRunner) Claim(context.Context, string) (lock.Release, bool) { return func() {}, false }

func (refusingRunner) RunClaimed(context.Context, pipeline.Input) (models.Job, error) {
	return models.Job{}, errors.New("not claimed")
}

func TestAnalyze_RejectsInvalidInputWithoutCreatingJob(t *testing.T) {
	cases := []struct {
		name   string
		user   string
		fields map[string]string
		file   string
		data   []byte
		code   int
	}{
		{"no user", "", map[string]string{"subject": "Math", "language": "English"}, "a.mp4", []byte("x"), http.StatusUnauthorized},
		{"no file", "u1", map[string]string{"subject": "Math", "language": "English"}, "", nil, http.StatusBadRequest},
		{"no subject", "u1", map[string]string{"language": "English"}, "a.mp4", []byte("x"), http.StatusBadRequest},
		{"blank language", "u1", map[string]string{"subject": "Math", "language": "  "}, "a.mp4", []byte("x"), http.StatusBadRequest},
		{"empty file", "u1", map[string]string{"subject": "Math", "language": "English"}, "a.mp4", []byte{}, http.StatusBadRequest},
		{"too large", "u1", map[string]string{"subject": "Math", "language": "English"}, "a.mp4", bytes.Repeat([]byte("x"), 2048), http.StatusRequestEntityTooLarge},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture()
			rec := f.do(analyzeRequest(t, c.user, c.fields, c.file, c.data))
			assert.Equal(t, c.code, rec.Code)
			jobs, err := f.store.ListUserJobs(context.Background(), "u1", 0)
			require.NoError(t, err)
			assert.Empty(t, jobs)
			assert.Empty(t, f.runner.inputs)
		})
	}
}

func TestJobs_OwnerScoped(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	mine, err := f.store.CreateJob(ctx, store.CreateJobParams{UserID: "u1", Subject: "Math", Language: "English"})
	require.NoError(t, err)
	theirs, err := f.store.CreateJob(ctx, store.CreateJobParams{UserID: "u2", Subject: "Art", Language: "Hindi"})
	require.NoError(t, err)

	get := func(id string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/jobs/"+id, nil)
		req.Header.Set("X-User-ID", "u1")
		return f.do(req)
	}
	assert.Equal(t, http.StatusOK, get(mine.ID).Code)
	assert.Equal(t, http.StatusNotFound, get(theirs.ID).Code)

	req := httptest.NewRequest(http.MethodGet, "/jobs?limit=10", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["jobs"], 1)

	del := httptest.NewRequest(http.MethodDelete, "/jobs/"+theirs.ID, nil)
	del.Header.Set("X-User-ID", "u1")
	assert.Equal(t, http.StatusNotFound, f.do(del).Code)

	del = httptest.NewRequest(http.MethodDelete, "/jobs/"+mine.ID, nil)
	del.Header.Set("X-User-ID", "u1")
	assert.Equal(t, http.StatusOK, f.do(del).Code)
	assert.Equal(t, http.StatusNotFound, get(mine.ID).Code)
}

func TestMemory_OwnUserOnly(t *testing.T) {
	f := newFixture()
	m := models.NewMemory("u1")
	_, err := f.store.UpsertMemory(context.Background(), m, 0)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/memory/u2", nil)
	req.Header.Set("X-User-ID", "u1")
	assert.Equal(t, http.StatusForbidden, f.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/memory/u1", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	mem := decode(t, rec)["memory"].(map[string]any)
	assert.Equal(t, "u1", mem["userId"])

	req = httptest.NewRequest(http.MethodGet, "/memory/u3", nil)
	req.Header.Set("X-User-ID", "u3")
	assert.Equal(t, http.StatusNotFound, f.do(req).Code)
}

func TestSignedURL(t *testing.T) {
	f := newFixture()
	call := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/video/signed-url?path="+path, nil)
		req.Header.Set("X-User-ID", "u1")
		return f.do(req)
	}
	assert.Equal(t, http.StatusBadRequest, call("").Code)
	assert.Equal(t, http.StatusForbidden, call("u2/1_a.mp4").Code)
	assert.Equal(t, http.StatusForbidden, call("u1/../u2/1_a.mp4").Code)
	assert.Equal(t, http.StatusForbidden, call(url.QueryEscape("u1/../u2/1_a.mp4")).Code)
	assert.Equal(t, http.StatusForbidden, call("u1/./1_a.mp4").Code)

	rec := call("u1/1_a.mp4")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://signed.test/u1/1_a.mp4?ttl=1h0m0s", decode(t, rec)["url"])
}

func TestSignedURL_EscapedOwnerSegment(t *testing.T) {
	f := newFixture()
	key := storage.ObjectKey("auth0|abc", "a.mp4", time.UnixMilli(1))

	req := httptest.NewRequest(http.MethodGet, "/video/signed-url?path="+url.QueryEscape(key), nil)
	req.Header.Set("X-User-ID", "auth0|abc")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://signed.test/"+key+"?ttl=1h0m0s", decode(t, rec)["url"])

	req = httptest.NewRequest(http.MethodGet, "/video/signed-url?path="+url.QueryEscape(key), nil)
	req.Header.Set("X-User-ID", "auth0_abc")
	assert.Equal(t, http.StatusForbidden, f.do(req).Code)
}

func TestSignedURL_LocalBackendRefusesTraversal(t *testing.T) {
	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	obj, err := backend.Upload(context.Background(), []byte("secret"), "victim", "secret.mp4", "video/mp4")
	require.NoError(t, err)

	srv := New(config.Config{SignedURLTTL: time.Hour}, inmem.New(), &fakeRunner{claims: lock.NewLocal()}, &fakeRestarter{}, backend, nil)
	req := httptest.NewRequest(http.MethodGet, "/video/signed-url?path="+url.QueryEscape("attacker/../"+obj.Path), nil)
	req.Header.Set("X-User-ID", "attacker")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotContains(t, rec.Body.String(), "victim")
}

func TestRestart_RequiresServiceKey(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodPost, "/jobs/restart", nil)
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)
	req.Header.Set("X-Service-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)
	assert.Zero(t, f.restarter.calls)

	req.Header.Set("X-Service-Key", "svc-secret")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.restarter.calls)
	assert.EqualValues(t, 2, decode(t, rec)["count"])

	f.restarter.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, f.do(req).Code)
}

func TestRestart_IncompleteReport(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	j, err := f.store.CreateJob(ctx, store.CreateJobParams{UserID: "u1", Subject: "Math", Language: "English"})
	require.NoError(t, err)
	done, err := f.store.CreateJob(ctx, store.CreateJobParams{UserID: "u1", Subject: "Art", Language: "English"})
	require.NoError(t, err)
	_, err = f.store.UpdateJob(ctx, done.ID, models.FailureUpdate("boom"))
	require.NoError(t, err)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/jobs/restart", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["count"])
	first := body["jobs"].([]any)[0].(map[string]any)
	assert.Equal(t, j.ID, first["id"])
	assert.Equal(t, "created", first["status"])
	assert.Equal(t, "Math", first["subject"])
}

func TestHealthz(t *testing.T) {
	f := newFixture()
	rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
