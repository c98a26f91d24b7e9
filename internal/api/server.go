package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"session-analyzer/internal/config"
	"session-analyzer/internal/lock"
	"session-analyzer/internal/logger"
	"session-analyzer/internal/models"
	"session-analyzer/internal/pipeline"
	"session-analyzer/internal/restart"
	"session-analyzer/internal/storage"
	"session-analyzer/internal/store"
	"session-analyzer/internal/telemetry"
)

// Store is the persistence the handlers read and write.
type Store interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id, userID string) (models.Job, error)
	ListUserJobs(ctx context.Context, userID string, limit int) ([]models.Job, error)
	ListIncompleteJobs(ctx context.Context) ([]models.Job, error)
	DeleteJob(ctx context.Context, id, userID string) (bool, error)
	GetMemory(ctx context.Context, userID string) (models.Memory, error)
}

// Runner claims and drives submitted jobs.
type Runner interface {
	Claim(ctx context.Context, jobID string) (release lock.Release, ok bool)
	RunClaimed(ctx context.Context, in pipeline.Input) (models.Job, error)
}

type Restarter interface {
	RunOnce(ctx context.Context) (restart.Report, error)
}

type Signer interface {
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// Server wires HTTP handlers for submission, polling and recovery.
type Server struct {
	cfg       config.Config
	store     Store
	coord     Runner
	restarter Restarter
	signer    Signer
	log       *logger.Logger
	validate  *validator.Validate

	bg sync.WaitGroup
}

// New constructs the API server.
func New(cfg config.Config, st Store, coord Runner, restarter Restarter, signer Signer, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		cfg:       cfg,
		store:     st,
		coord:     coord,
		restarter: restarter,
		signer:    signer,
		log:       log,
		validate:  validator.New(),
	}
}

// Wait blocks until every pipeline started by a submission has returned.
func (s *Server) Wait() {
	s.bg.Wait()
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/jobs/restart", s.handleIncomplete)
	r.Post("/jobs/restart", s.handleRestart)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/analyze", s.handleAnalyze)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleDeleteJob)
		r.Get("/memory/{userId}", s.handleGetMemory)
		r.Get("/video/signed-url", s.handleSignedURL)
	})
	return r
}

type userKey struct{}

// requireUser takes the caller identity from X-User-ID, which the fronting
// gateway sets after authentication.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if uid == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, uid)))
	})
}

func userFrom(r *http.Request) string {
	uid, _ := r.Context().Value(userKey{}).(string)
	return uid
}

type submitForm struct {
	Subject     string `validate:"required,max=200"`
	Language    string `validate:"required,max=64"`
	TeacherName string `validate:"max=200"`
}

type submitResponse struct {
	Success bool       `json:"success"`
	Job     models.Job `json:"job"`
}

const multipartMemory = 32 << 20

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "video exceeds upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	form := submitForm{
		Subject:     strings.TrimSpace(r.FormValue("subject")),
		Language:    strings.TrimSpace(r.FormValue("language")),
		TeacherName: strings.TrimSpace(r.FormValue("teacherName")),
	}
	file, header, err := r.FormFile("file")
	if err != nil || s.validate.Struct(form) != nil {
		writeError(w, http.StatusBadRequest, "file, subject, and language are required")
		return
	}
	defer file.Close()
	if header.Size <= 0 {
		writeError(w, http.StatusBadRequest, "file is empty")
		return
	}
	if header.Size > s.cfg.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "video exceeds upload limit")
		return
	}
	video, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read file")
		return
	}

	uid := userFrom(r)
	contentType := header.Header.Get("Content-Type")

	// The claim is taken before the row exists so a concurrent recovery pass
	// never sees the new job unclaimed.
	id := uuid.New().String()
	release, ok := s.coord.Claim(r.Context(), id)
	if !ok {
		writeError(w, http.StatusInternalServerError, "failed to create analysis job")
		return
	}
	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		ID:     id,
		UserID: uid,
		VideoMetadata: &models.VideoMetadata{
			FileName: header.Filename,
			FileSize: header.Size,
			MimeType: contentType,
		},
		Subject:  form.Subject,
		Language: form.Language,
	})
	if err != nil {
		release()
		s.log.Error("create job failed", "user_id", uid, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create analysis job")
		return
	}
	telemetry.JobsSubmitted.Inc()
	s.log.Info("job submitted", "job_id", job.ID, "user_id", uid, "size", header.Size)

	in := pipeline.Input{
		JobID:       job.ID,
		UserID:      uid,
		Subject:     form.Subject,
		Language:    form.Language,
		TeacherName: form.TeacherName,
		Video:       video,
		FileName:    header.Filename,
		ContentType: contentType,
	}
	ctx := context.WithoutCancel(r.Context())
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer release()
		if _, err := s.coord.RunClaimed(ctx, in); err != nil {
			s.log.Debug("pipeline returned error", "job_id", in.JobID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, submitResponse{Success: true, Job: job})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := s.store.ListUserJobs(r.Context(), userFrom(r), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id, userFrom(r))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.store.DeleteJob(r.Context(), id, userFrom(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "userId")
	if target != userFrom(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	mem, err := s.store.GetMemory(r.Context(), target)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "memory not found for this user")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch memory")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "memory": mem})
}

// handleSignedURL hands out a playback reference for one of the caller's
// own videos.
func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if !storage.OwnsKey(userFrom(r), path) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	url, err := s.signer.SignedURL(r.Context(), path, s.cfg.SignedURLTTL)
	if err != nil {
		s.log.Warn("signed url failed", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to generate signed url")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "url": url})
}

type incompleteJob struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	Subject   string    `json:"subject"`
}

func (s *Server) handleIncomplete(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListIncompleteJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get incomplete jobs")
		return
	}
	out := make([]incompleteJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, incompleteJob{ID: j.ID, Status: j.Status.String(), CreatedAt: j.CreatedAt, Subject: j.Subject})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(out), "jobs": out})
}

// handleRestart runs a recovery pass. An unset service key disables it.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-Service-Key")
	if s.cfg.InternalServiceKey == "" || key != s.cfg.InternalServiceKey {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rep, err := s.restarter.RunOnce(r.Context())
	if err != nil {
		s.log.Error("restart pass failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to restart jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": rep.Total, "report": rep})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
