package restart

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-analyzer/internal/inference"
	"session-analyzer/internal/jobstate"
	"session-analyzer/internal/lock"
	"session-analyzer/internal/models"
	"session-analyzer/internal/pipeline"
	"session-analyzer/internal/storage"
	"session-analyzer/internal/store/inmem"
)

type fakeSigner struct {
	fail map[string]bool
}

func (f *fakeSigner) SignedURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	if f.fail[path] {
		return "", errors.New("access denied")
	}
	return "https://storage.test/" + path + "?ttl=" + ttl.String(), nil
}

type fakeFetcher struct {
	err   error
	calls atomic.Int32
}

func (f *fakeFetcher) Fetch(_ context.Context, ref string) ([]byte, string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, "", f.err
	}
	return []byte("bytes of " + ref), "video/mp4", nil
}

type fakeResumer struct {
	mu     sync.Mutex
	inputs []pipeline.Input
}

func (f *fakeResumer) Resume(_ context.Context, in pipeline.Input) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return models.Job{ID: in.JobID}, nil
}

func (f *fakeResumer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

func seed(st *inmem.Store, id string, status jobstate.Status, path string, age time.Duration) {
	now := time.Now().Add(-age)
	j := models.Job{
		ID: id, UserID: "u1", Status: status, Progress: 30,
		Subject: "Algorithms", Language: "English",
		VideoMetadata:   &models.VideoMetadata{FileName: "lesson.mp4", MimeType: "video/mp4", StoragePath: path},
		CreatedAt:       now,
		UpdatedAt:       now,
		StatusStartedAt: now,
	}
	st.PutJob(j)
}

func TestRunOnce_MissingStoragePathFailsWithoutInference(t *testing.T) {
	ctx := context.Background()
	st := inmem.New()
	seed(st, "j1", jobstate.Uploading, "", time.Minute)

	var inferCalls atomic.Int32
	analyzer := analyzerFunc(func(context.Context, inference.Request) (inference.Result, error) {
		inferCalls.Add(1)
		return inference.Result{}, errors.New("should not be called")
	})
	coord := pipeline.NewCoordinator(pipeline.Deps{Jobs: st, Results: st, Memories: st, Inference: analyzer}, pipeline.Timeouts{})
	fetcher := &fakeFetcher{}
	sup := New(st, &fakeSigner{}, fetcher, coord, lock.NewLocal(), Options{}, nil)

	rep, err := sup.RunOnce(ctx)
	require.NoError(t, err)
	sup.Wait()

	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, Outcome{JobID: "j1", Action: ActionFailed, Reason: "missing storage path"}, rep.Outcomes[0])
	assert.Zero(t, inferCalls.Load())
	assert.Zero(t, fetcher.calls.Load())

	job, err := st.GetJob(ctx, "j1", "")
	require.NoError(t, err)
	assert.Equal(t, jobstate.Failed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, pipeline.MsgMissingStoragePath, *job.Error)
}

func TestRunOnce_ResumesWithPersistedInputs(t *testing.T) {
	ctx := context.Background()
	st := inmem.New()
	seed(st, "j1", jobstate.Analyzing, "u1/1_lesson.mp4", time.Minute)
	resumer := &fakeResumer{}
	sup := New(st, &fakeSigner{}, &fakeFetcher{}, resumer, lock.NewLocal(), Options{SignedURLTTL: time.Hour}, nil)

	rep, err := sup.RunOnce(ctx)
	require.NoError(t, err)
	sup.Wait()

	assert.Equal(t, 1, rep.Resumed)
	require.Equal(t, 1, resumer.count())
	in := resumer.inputs[0]
	assert.Equal(t, "j1", in.JobID)
	assert.Equal(t, "u1", in.UserID)
	assert.Equal(t, "Algorithms", in.Subject)
	assert.Equal(t, "English", in.Language)
	assert.Equal(t, "lesson.mp4", in.FileName)
	assert.Equal(t, "video/mp4", in.ContentType)
	assert.Equal(t, "bytes of https://storage.test/u1/1_lesson.mp4?ttl=1h0m0s", string(in.Video))

	job, err := st.GetJob(ctx, "j1", "")
	require.NoError(t, err)
	assert.Equal(t, jobstate.Created, job.Status, "reset before resuming")
	assert.Zero(t, job.Progress)
	assert.Nil(t, job.Error)
}

func TestRunOnce_DefaultsMissingClassification(t *testing.T) {
	st := inmem.New()
	st.PutJob(models.Job{ID: "j1", UserID: "u1", Status: jobstate.Uploaded, VideoMetadata: &models.VideoMetadata{StoragePath: "u1/x.mp4"}})
	resumer := &fakeResumer{}
	sup := New(st, &fakeSigner{}, &fakeFetcher{}, resumer, nil, Options{}, nil)

	_, err := sup.RunOnce(context.Background())
	require.NoError(t, err)
	sup.Wait()

	require.Equal(t, 1, resumer.count())
	assert.Equal(t, DefaultSubject, resumer.inputs[0].Subject)
	assert.Equal(t, DefaultLanguage, resumer.inputs[0].Language)
}

func TestRunOnce_FetchFailuresFailTheJob(t *testing.T) {
	ctx := context.Background()
	st := inmem.New()
	seed(st, "signed", jobstate.Analyzing, "u1/denied.mp4", 2*time.Minute)
	sup := New(st, &fakeSigner{fail: map[string]bool{"u1/denied.mp4": true}}, &fakeFetcher{}, &fakeResumer{}, nil, Options{}, nil)

	rep, err := sup.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	job, _ := st.GetJob(ctx, "signed", "")
	require.NotNil(t, job.Error)
	assert.Equal(t, pipeline.MsgSignedURLFailed, *job.Error)

	seed(st, "download", jobstate.Analyzing, "u1/gone.mp4", time.Minute)
	sup = New(st, &fakeSigner{}, &fakeFetcher{err: storage.ErrNotFound}, &fakeResumer{}, nil, Options{}, nil)
	rep, err = sup.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	job, _ = st.GetJob(ctx, "download", "")
	require.NotNil(t, job.Error)
	assert.Equal(t, pipeline.MsgDownloadFailed, *job.Error)
}

func TestRunOnce_SkipsJobsClaimedElsewhere(t *testing.T) {
	ctx := context.Background()
	st := inmem.New()
	seed(st, "j1", jobstate.Analyzing, "u1/a.mp4", time.Minute)
	locker := lock.NewLocal()
	release, ok, err := locker.TryAcquire(ctx, pipeline.ClaimKey("j1"))
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	resumer := &fakeResumer{}
	sup := New(st, &fakeSigner{}, &fakeFetcher{}, resumer, locker, Options{}, nil)
	rep, err := sup.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, resumer.count())
	job, _ := st.GetJob(ctx, "j1", "")
	assert.Equal(t, jobstate.Analyzing, job.Status)
}

func TestRunOnce_IsolatesFailures(t *testing.T) {
	ctx := context.Background()
	st := inmem.New()
	seed(st, "ok1", jobstate.Analyzing, "u1/a.mp4", 3*time.Minute)
	seed(st, "nopath", jobstate.Uploading, "", 2*time.Minute)
	seed(st, "ok2", jobstate.GeneratingFeedback, "u1/b.mp4", time.Minute)
	seed(st, "done", jobstate.Completed, "u1/c.mp4", time.Minute)

	resumer := &fakeResumer{}
	sup := New(st, &fakeSigner{}, &fakeFetcher{}, resumer, lock.NewLocal(), Options{Concurrency: 2}, nil)
	rep, err := sup.RunOnce(ctx)
	require.NoError(t, err)
	sup.Wait()

	assert.Equal(t, 3, rep.Total)
	assert.Equal(t, 2, rep.Resumed)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 2, resumer.count())
	assert.Equal(t, []string{"ok1", "nopath", "ok2"}, []string{rep.Outcomes[0].JobID, rep.Outcomes[1].JobID, rep.Outcomes[2].JobID})
}

func TestRunOnce_EndToEndResume(t *testing.T) {
	ctx := context.Background()
	st := inmem.New()
	seed(st, "j1", jobstate.Analyzing, "u1/1_lesson.mp4", time.Minute)

	analyzer := analyzerFunc(func(_ context.Context, req inference.Request) (inference.Result, error) {
		return inference.Result{Topic: req.Topic, Transcript: "t", Scores: models.Scores{ClarityScore: 70, DominantEmotion: "neutral"}}, nil
	})
	coord := pipeline.NewCoordinator(pipeline.Deps{
		Jobs: st, Results: st, Memories: st,
		Inference: analyzer,
		Feedback:  feedbackFunc(func(context.Context, string) (models.Feedback, error) { return models.Feedback{}, errors.New("offline") }),
	}, pipeline.Timeouts{})
	sup := New(st, &fakeSigner{}, &fakeFetcher{}, coord, lock.NewLocal(), Options{}, nil)

	_, err := sup.RunOnce(ctx)
	require.NoError(t, err)
	sup.Wait()
	coord.Wait()

	job, err := st.GetJob(ctx, "j1", "")
	require.NoError(t, err)
	assert.Equal(t, jobstate.Completed, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.AnalysisID)
	assert.Equal(t, 1, st.AnalysisCount())
}

type analyzerFunc func(context.Context, inference.Request) (inference.Result, error)

func (f analyzerFunc) Analyze(ctx context.Context, req inference.Request) (inference.Result, error) {
	return f(ctx, req)
}

type feedbackFunc func(context.Context, string) (models.Feedback, error)

func (f feedbackFunc) Generate(ctx context.Context, prompt string) (models.Feedback, error) {
	return f(ctx, prompt)
}
