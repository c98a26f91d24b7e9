// Package pipeline drives one job through upload, analysis, feedback and
// persistence, recording every step on the job record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"session-analyzer/internal/feedback"
	"session-analyzer/internal/inference"
	"session-analyzer/internal/jobstate"
	"session-analyzer/internal/lock"
	"session-analyzer/internal/logger"
	"session-analyzer/internal/models"
	"session-analyzer/internal/storage"
	"session-analyzer/internal/store"
	"session-analyzer/internal/telemetry"
)

// Phase names used in logs, spans and metrics.
const (
	PhaseUpload   = "upload"
	PhaseAnalyze  = "analyze"
	PhaseFeedback = "feedback"
	PhasePersist  = "persist"
)

// JobStore is the job persistence the coordinator writes through.
type JobStore interface {
	GetJob(ctx context.Context, id, userID string) (models.Job, error)
	UpdateJob(ctx context.Context, id string, u models.JobUpdate) (models.Job, error)
}

// ResultStore persists analysis results.
type ResultStore interface {
	CreateAnalysis(ctx context.Context, a models.AnalysisResult) (models.AnalysisResult, error)
	AttachFeedback(ctx context.Context, id string, fb *models.Feedback, feedbackErr string, status models.ProcessingStatus) (models.AnalysisResult, error)
}

// MemoryReader loads a user's aggregate for prompt context.
type MemoryReader interface {
	GetMemory(ctx context.Context, userID string) (models.Memory, error)
}

type Uploader interface {
	Upload(ctx context.Context, data []byte, ownerID, fileName, contentType string) (storage.Object, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, req inference.Request) (inference.Result, error)
}

type FeedbackGenerator interface {
	Generate(ctx context.Context, prompt string) (models.Feedback, error)
}

type MemoryUpdater interface {
	Update(ctx context.Context, userID string, result models.AnalysisResult) (models.Memory, error)
}

// Deps are the coordinator's collaborators.
type Deps struct {
	Jobs      JobStore
	Results   ResultStore
	Memories  MemoryReader
	Storage   Uploader
	Inference Analyzer
	Feedback  FeedbackGenerator
	Memory    MemoryUpdater
	// Claims, when set, holds a per-job lease for the length of a Run so
	// recovery in any process leaves live pipelines alone.
	Claims lock.Locker
	Log    *logger.Logger
}

// ClaimKey is the lease key guarding one job's pipeline.
func ClaimKey(jobID string) string {
	return "job:" + jobID
}

// Timeouts bound each collaborator call. Zero means no extra bound.
type Timeouts struct {
	Upload    time.Duration
	Inference time.Duration
	Feedback  time.Duration
	Memory    time.Duration
}

// Input is what a run needs besides the persisted job.
type Input struct {
	JobID       string
	UserID      string
	Subject     string
	Language    string
	TeacherName string
	Video       []byte
	FileName    string
	ContentType string
}

// Coordinator runs pipelines. Memory updates it starts in the background are
// tracked so callers can Wait for them on shutdown.
type Coordinator struct {
	deps     Deps
	timeouts Timeouts
	log      *logger.Logger
	tracer   trace.Tracer
	now      func() time.Time
	bg       sync.WaitGroup
}

func NewCoordinator(deps Deps, timeouts Timeouts) *Coordinator {
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Coordinator{
		deps:     deps,
		timeouts: timeouts,
		log:      log,
		tracer:   otel.Tracer("session-analyzer/pipeline"),
		now:      time.Now,
	}
}

// Wait blocks until every background memory update has finished.
func (c *Coordinator) Wait() {
	c.bg.Wait()
}

// run is the explicit state handed from phase to phase.
type run struct {
	input       Input
	job         models.Job
	analysis    models.AnalysisResult
	report      models.Feedback
	feedbackErr string
	status      models.ProcessingStatus
}

type phaseFunc func(ctx context.Context, r run) (run, error)

// errSuperseded stops a run whose job was finalized by someone else.
var errSuperseded = errors.New("job finalized elsewhere")

// Claim takes the job's lease. ok is false when another holder has it. A
// claim backend error is logged and yields a no-op release so the run can
// proceed unclaimed. The returned release is never nil.
func (c *Coordinator) Claim(ctx context.Context, jobID string) (release lock.Release, ok bool) {
	if c.deps.Claims == nil {
		return func() {}, true
	}
	release, ok, err := c.deps.Claims.TryAcquire(ctx, ClaimKey(jobID))
	if err != nil {
		c.log.Warn("job claim unavailable, running unclaimed", "job_id", jobID, "error", err)
		return func() {}, true
	}
	if !ok {
		return func() {}, false
	}
	return release, true
}

// Run executes all four phases for a freshly created job, holding its claim
// for the duration.
func (c *Coordinator) Run(ctx context.Context, in Input) (models.Job, error) {
	release, ok := c.Claim(ctx, in.JobID)
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", in.JobID, errSuperseded)
	}
	defer release()
	return c.RunClaimed(ctx, in)
}

// RunClaimed is Run for a caller that already holds the job's claim.
func (c *Coordinator) RunClaimed(ctx context.Context, in Input) (models.Job, error) {
	return c.execute(ctx, in, []string{PhaseUpload, PhaseAnalyze, PhaseFeedback, PhasePersist})
}

// Resume re-drives a job whose upload already landed, starting at analysis.
// in.Video must hold the bytes fetched back from storage. The caller is
// expected to hold the job's claim.
func (c *Coordinator) Resume(ctx context.Context, in Input) (models.Job, error) {
	return c.execute(ctx, in, []string{PhaseAnalyze, PhaseFeedback, PhasePersist})
}

func (c *Coordinator) execute(ctx context.Context, in Input, phases []string) (final models.Job, err error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("job_id", in.JobID),
		attribute.String("user_id", in.UserID),
		attribute.String("first_phase", phases[0]),
	))
	defer span.End()
	telemetry.PipelinesInFlight.Inc()
	defer telemetry.PipelinesInFlight.Dec()

	log := c.log.With("job_id", in.JobID, "user_id", in.UserID)
	r := run{input: in}
	phase := "load"

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during %s: %v", phase, rec)
			log.Error("pipeline panic", "phase", phase, "panic", rec)
			final = c.fail(ctx, r, phase, err)
		}
		if err != nil && !errors.Is(err, errSuperseded) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	job, err := c.deps.Jobs.GetJob(ctx, in.JobID, "")
	if err != nil {
		return models.Job{}, fmt.Errorf("load job %s: %w", in.JobID, err)
	}
	if job.Status.Terminal() {
		return job, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, errSuperseded)
	}
	r.job = job
	if r.input.Subject == "" {
		r.input.Subject = job.Subject
	}
	if r.input.Language == "" {
		r.input.Language = job.Language
	}

	steps := map[string]phaseFunc{
		PhaseUpload:   c.upload,
		PhaseAnalyze:  c.analyze,
		PhaseFeedback: c.generateFeedback,
		PhasePersist:  c.persist,
	}
	for _, name := range phases {
		phase = name
		start := time.Now()
		pctx, pspan := c.tracer.Start(ctx, "pipeline."+name)
		next, perr := steps[name](pctx, r)
		telemetry.PhaseDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if perr != nil {
			pspan.RecordError(perr)
			pspan.SetStatus(codes.Error, perr.Error())
		}
		pspan.End()

		if errors.Is(perr, errSuperseded) {
			log.Info("pipeline stopped, job finalized elsewhere", "phase", name, "status", next.job.Status.String())
			return next.job, perr
		}
		if perr != nil {
			log.Warn("phase failed", "phase", name, "error", perr)
			return c.fail(ctx, next, name, perr), perr
		}
		r = next
		log.Debug("phase complete", "phase", name, "status", r.job.Status.String(), "progress", r.job.Progress)
	}
	log.Info("pipeline completed", "analysis_id", r.analysis.ID)
	return r.job, nil
}

func (c *Coordinator) upload(ctx context.Context, r run) (run, error) {
	r, err := c.advance(ctx, r, models.StatusUpdate(jobstate.Uploading, jobstate.ProgressUploading))
	if err != nil {
		return r, err
	}
	if len(r.input.Video) == 0 {
		return r, errors.New("upload: empty video")
	}

	uctx, cancel := withTimeout(ctx, c.timeouts.Upload)
	obj, err := c.deps.Storage.Upload(uctx, r.input.Video, r.input.UserID, r.input.FileName, r.input.ContentType)
	cancel()
	if err != nil {
		return r, fmt.Errorf("upload failed: %w", err)
	}

	// The storage path must be durable before analysis starts so a crash
	// from here on is resumable.
	u := models.StatusUpdate(jobstate.Uploaded, jobstate.ProgressUploaded)
	u.VideoMetadata = &models.VideoMetadata{StoragePath: obj.Path, VideoURL: obj.URL}
	return c.advance(ctx, r, u)
}

func (c *Coordinator) analyze(ctx context.Context, r run) (run, error) {
	r, err := c.advance(ctx, r, models.StatusUpdate(jobstate.Analyzing, jobstate.ProgressAnalyzing))
	if err != nil {
		return r, err
	}
	meta := models.VideoMetadata{}
	if r.job.VideoMetadata != nil {
		meta = *r.job.VideoMetadata
	}
	fileName := r.input.FileName
	if fileName == "" {
		fileName = meta.FileName
	}
	contentType := r.input.ContentType
	if contentType == "" {
		contentType = meta.MimeType
	}

	actx, cancel := withTimeout(ctx, c.timeouts.Inference)
	res, err := c.deps.Inference.Analyze(actx, inference.Request{
		Video:       r.input.Video,
		FileName:    fileName,
		ContentType: contentType,
		Topic:       r.input.Subject,
		Language:    r.input.Language,
	})
	cancel()
	if err != nil {
		return r, fmt.Errorf("analysis: %w", err)
	}

	if res.SessionID == "" {
		res.SessionID = fmt.Sprintf("sess_%d", c.now().UnixMilli())
	}
	if res.Topic == "" {
		res.Topic = r.input.Subject
	}
	r.status = models.ProcessingStatus{
		Video:    models.ComponentCompleted,
		Audio:    models.ComponentCompleted,
		Text:     models.ComponentCompleted,
		Feedback: models.ComponentPending,
		Overall:  models.ComponentProcessing,
	}
	analysis, err := c.deps.Results.CreateAnalysis(ctx, models.AnalysisResult{
		JobID:            r.job.ID,
		UserID:           r.job.UserID,
		Subject:          r.input.Subject,
		Language:         r.input.Language,
		VideoMetadata:    r.job.VideoMetadata,
		VideoURL:         meta.VideoURL,
		SessionID:        res.SessionID,
		Topic:            res.Topic,
		Transcript:       res.Transcript,
		Scores:           res.Scores,
		ProcessingStatus: r.status,
	})
	if err != nil {
		return r, fmt.Errorf("save analysis: %w", err)
	}
	r.analysis = analysis

	u := models.StatusUpdate(jobstate.AnalysisDone, jobstate.ProgressAnalysisDone)
	u.AnalysisID = &analysis.ID
	return c.advance(ctx, r, u)
}

// generateFeedback never fails the job on a generation error; it falls
// back to a report built from the scores.
func (c *Coordinator) generateFeedback(ctx context.Context, r run) (run, error) {
	r, err := c.advance(ctx, r, models.StatusUpdate(jobstate.GeneratingFeedback, jobstate.ProgressGeneratingFeedback))
	if err != nil {
		return r, err
	}

	var history *models.Memory
	if c.deps.Memories != nil {
		m, err := c.deps.Memories.GetMemory(ctx, r.job.UserID)
		switch {
		case err == nil:
			history = &m
		case !errors.Is(err, store.ErrNotFound):
			c.log.Warn("memory lookup for prompt failed", "job_id", r.job.ID, "error", err)
		}
	}
	prompt := feedback.BuildPrompt(feedback.PromptInput{
		TeacherName: r.input.TeacherName,
		Topic:       r.input.Subject,
		Language:    r.input.Language,
		Transcript:  r.analysis.Transcript,
		Scores:      r.analysis.Scores,
		Memory:      history,
	})

	fctx, cancel := withTimeout(ctx, c.timeouts.Feedback)
	report, err := c.deps.Feedback.Generate(fctx, prompt)
	cancel()
	if err != nil {
		c.log.Warn("feedback generation failed, using fallback", "job_id", r.job.ID, "error", err)
		telemetry.FeedbackFallbacks.Inc()
		report = feedback.Fallback(r.input.TeacherName, r.analysis.Scores)
		r.feedbackErr = err.Error()
		r.status.Feedback = models.ComponentFailed
	} else {
		r.status.Feedback = models.ComponentCompleted
	}
	r.report = report

	return c.advance(ctx, r, models.StatusUpdate(jobstate.GeneratingFeedback, jobstate.ProgressFeedbackDone))
}

func (c *Coordinator) persist(ctx context.Context, r run) (run, error) {
	r.status.Overall = models.ComponentCompleted
	report := r.report
	analysis, err := c.deps.Results.AttachFeedback(ctx, r.analysis.ID, &report, r.feedbackErr, r.status)
	if err != nil {
		return r, fmt.Errorf("save feedback: %w", err)
	}
	r.analysis = analysis

	c.updateMemory(ctx, r.job.UserID, analysis)

	r, err = c.advance(ctx, r, models.StatusUpdate(jobstate.Completed, jobstate.ProgressCompleted))
	if err != nil {
		return r, err
	}
	telemetry.JobsCompleted.Inc()
	return r, nil
}

// updateMemory folds the result into the user's aggregate in the
// background. Its outcome never reaches the job.
func (c *Coordinator) updateMemory(ctx context.Context, userID string, analysis models.AnalysisResult) {
	if c.deps.Memory == nil {
		return
	}
	mctx, cancel := withTimeout(context.WithoutCancel(ctx), c.timeouts.Memory)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				telemetry.MemoryUpdateFailures.Inc()
				c.log.Error("memory update panic", "user_id", userID, "analysis_id", analysis.ID, "panic", rec)
			}
		}()
		m, err := c.deps.Memory.Update(mctx, userID, analysis)
		if err != nil {
			telemetry.MemoryUpdateFailures.Inc()
			c.log.Error("memory update failed", "user_id", userID, "analysis_id", analysis.ID, "error", err)
			return
		}
		c.log.Debug("memory updated", "user_id", userID, "total_sessions", m.TotalSessions)
	}()
}

// advance writes u and refreshes r.job. A job that turned terminal without
// this run asking for it yields errSuperseded.
func (c *Coordinator) advance(ctx context.Context, r run, u models.JobUpdate) (run, error) {
	job, err := c.deps.Jobs.UpdateJob(ctx, r.job.ID, u)
	if err != nil {
		return r, fmt.Errorf("update job: %w", err)
	}
	r.job = job
	if job.Status.Terminal() && (u.Status == nil || *u.Status != job.Status) {
		return r, errSuperseded
	}
	return r, nil
}

// fail records a terminal failure. The write uses a context detached from
// the run so a cancelled request still leaves the job in a final state.
func (c *Coordinator) fail(ctx context.Context, r run, phase string, cause error) models.Job {
	telemetry.JobsFailed.WithLabelValues(phase).Inc()
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	msg := UserMessage(cause)
	job, err := c.deps.Jobs.UpdateJob(fctx, r.input.JobID, models.FailureUpdate(msg))
	if err != nil {
		c.log.Error("recording job failure failed", "job_id", r.input.JobID, "phase", phase, "error", err)
		return r.job
	}
	c.log.Info("job failed", "job_id", job.ID, "phase", phase, "message", msg)
	return job
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
