// Package restart re-drives jobs that were interrupted before reaching a
// terminal status, typically because the process went down mid-pipeline.
package restart

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"session-analyzer/internal/lock"
	"session-analyzer/internal/logger"
	"session-analyzer/internal/models"
	"session-analyzer/internal/pipeline"
	"session-analyzer/internal/telemetry"
)

// Defaults applied to jobs created without a classification.
const (
	DefaultSubject  = "General Teaching"
	DefaultLanguage = "English"
)

// Jobs is the job persistence the supervisor needs.
type Jobs interface {
	ListIncompleteJobs(ctx context.Context) ([]models.Job, error)
	ResetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJob(ctx context.Context, id string, u models.JobUpdate) (models.Job, error)
}

// Signer issues time-limited references to stored videos.
type Signer interface {
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// Fetcher downloads a video by reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, string, error)
}

// Resumer continues a pipeline from the analysis phase.
type Resumer interface {
	Resume(ctx context.Context, in pipeline.Input) (models.Job, error)
}

// Action is what the supervisor did with one job.
type Action string

const (
	ActionResumed Action = "resumed"
	ActionFailed  Action = "failed"
	ActionSkipped Action = "skipped"
)

// Outcome records the decision for one job.
type Outcome struct {
	JobID  string `json:"jobId"`
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Report summarizes one recovery pass.
type Report struct {
	Total    int       `json:"total"`
	Resumed  int       `json:"resumed"`
	Failed   int       `json:"failed"`
	Skipped  int       `json:"skipped"`
	Outcomes []Outcome `json:"outcomes"`
}

type Options struct {
	SignedURLTTL time.Duration
	// Concurrency bounds how many jobs are triaged at once. Zero means no bound.
	Concurrency int
}

// Supervisor triages incomplete jobs. Resumed pipelines keep running after
// RunOnce returns; Wait blocks until they finish.
type Supervisor struct {
	jobs    Jobs
	signer  Signer
	fetcher Fetcher
	coord   Resumer
	locker  lock.Locker
	opts    Options
	log     *logger.Logger

	bg sync.WaitGroup
}

// New builds a supervisor. locker may be nil when only one process ever
// runs recovery.
func New(jobs Jobs, signer Signer, fetcher Fetcher, coord Resumer, locker lock.Locker, opts Options, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Nop()
	}
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = time.Hour
	}
	return &Supervisor{
		jobs:    jobs,
		signer:  signer,
		fetcher: fetcher,
		coord:   coord,
		locker:  locker,
		opts:    opts,
		log:     log,
	}
}

// Wait blocks until every pipeline started by RunOnce has returned.
func (s *Supervisor) Wait() {
	s.bg.Wait()
}

// RunOnce handles every currently incomplete job. A failure on one job never
// stops the others; only listing the jobs can fail the pass.
func (s *Supervisor) RunOnce(ctx context.Context) (Report, error) {
	jobs, err := s.jobs.ListIncompleteJobs(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list incomplete jobs: %w", err)
	}
	s.log.Info("restart pass starting", "incomplete", len(jobs))

	outcomes := make([]Outcome, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	if s.opts.Concurrency > 0 {
		g.SetLimit(s.opts.Concurrency)
	}
	for i, job := range jobs {
		g.Go(func() error {
			outcomes[i] = s.handle(gctx, job)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Total: len(jobs), Outcomes: outcomes}
	for _, o := range outcomes {
		switch o.Action {
		case ActionResumed:
			rep.Resumed++
		case ActionFailed:
			rep.Failed++
		default:
			rep.Skipped++
		}
	}
	s.log.Info("restart pass finished", "total", rep.Total, "resumed", rep.Resumed, "failed", rep.Failed, "skipped", rep.Skipped)
	return rep, nil
}

func (s *Supervisor) handle(ctx context.Context, job models.Job) Outcome {
	log := s.log.With("job_id", job.ID, "user_id", job.UserID, "status", job.Status.String())

	release := lock.Release(func() {})
	if s.locker != nil {
		r, ok, err := s.locker.TryAcquire(ctx, pipeline.ClaimKey(job.ID))
		if err != nil {
			log.Warn("restart claim failed", "error", err)
			return Outcome{JobID: job.ID, Action: ActionSkipped, Reason: "claim error"}
		}
		if !ok {
			log.Debug("job claimed by a live pipeline or another supervisor")
			return Outcome{JobID: job.ID, Action: ActionSkipped, Reason: "claimed elsewhere"}
		}
		release = r
	}

	path := job.StoragePath()
	if path == "" {
		release()
		return s.failJob(ctx, log, job, pipeline.MsgMissingStoragePath, "missing storage path")
	}

	ref, err := s.signer.SignedURL(ctx, path, s.opts.SignedURLTTL)
	if err != nil {
		release()
		log.Warn("signed url for restart failed", "path", path, "error", err)
		return s.failJob(ctx, log, job, pipeline.MsgSignedURLFailed, "signed url failed")
	}
	video, contentType, err := s.fetcher.Fetch(ctx, ref)
	if err != nil {
		release()
		log.Warn("video download for restart failed", "path", path, "error", err)
		return s.failJob(ctx, log, job, pipeline.MsgDownloadFailed, "download failed")
	}

	if _, err := s.jobs.ResetJob(ctx, job.ID); err != nil {
		release()
		log.Error("reset before restart failed", "error", err)
		return Outcome{JobID: job.ID, Action: ActionSkipped, Reason: "reset failed"}
	}

	subject, language := job.Subject, job.Language
	if subject == "" {
		subject = DefaultSubject
	}
	if language == "" {
		language = DefaultLanguage
	}
	in := pipeline.Input{
		JobID:       job.ID,
		UserID:      job.UserID,
		Subject:     subject,
		Language:    language,
		Video:       video,
		ContentType: contentType,
	}
	if meta := job.VideoMetadata; meta != nil {
		in.FileName = meta.FileName
		if meta.MimeType != "" {
			in.ContentType = meta.MimeType
		}
	}

	telemetry.RestartsResumed.Inc()
	log.Info("resuming job from analysis", "path", path)
	rctx := context.WithoutCancel(ctx)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer release()
		if _, err := s.coord.Resume(rctx, in); err != nil {
			log.Warn("resumed pipeline ended with error", "error", err)
		}
	}()
	return Outcome{JobID: job.ID, Action: ActionResumed}
}

func (s *Supervisor) failJob(ctx context.Context, log *logger.Logger, job models.Job, msg, reason string) Outcome {
	telemetry.RestartsFailed.Inc()
	if _, err := s.jobs.UpdateJob(ctx, job.ID, models.FailureUpdate(msg)); err != nil {
		log.Error("marking unrecoverable job failed", "error", err)
	}
	log.Info("job not resumable", "reason", reason)
	return Outcome{JobID: job.ID, Action: ActionFailed, Reason: reason}
}
