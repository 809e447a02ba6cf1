package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"cvtailor/internal/ai"
	"cvtailor/internal/config"
	"cvtailor/internal/models"
	"cvtailor/internal/queue"
	"cvtailor/internal/storage"
	"cvtailor/internal/store"
	"cvtailor/internal/telemetry"
)

// JobStore is the persistence surface the handlers need; *store.Store
// satisfies it.
type JobStore interface {
	CreateOrClaimJob(ctx context.Context, p store.ClaimJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetJobByKey(ctx context.Context, userID, cvID, descHash string) (models.Job, error)
	FailJob(ctx context.Context, id, code, msg string, partial *models.OptimizationResult) error
	CreateDocument(ctx context.Context, doc models.Document) (models.Document, error)
	GetDocument(ctx context.Context, id string) (models.Document, error)
	ActiveJobs(ctx context.Context) (int64, error)
}

// Dispatcher hands accepted jobs to the worker pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
	Ping(ctx context.Context) error
}

// RateLimiter throttles job starts per user.
type RateLimiter interface {
	AllowUser(ctx context.Context, userID string) (bool, error)
}

// Server wires HTTP handlers for the optimization API.
type Server struct {
	cfg      config.Config
	store    JobStore
	queue    Dispatcher
	limiter  RateLimiter
	blobs    storage.BlobStore
	auth     Authenticator
	validate *validator.Validate
	log      *zap.Logger
}

// New constructs the API server. limiter and blobs may be nil (rate limiting
// and presigned uploads disabled, respectively).
func New(cfg config.Config, st JobStore, q Dispatcher, limiter RateLimiter, blobs storage.BlobStore, auth Authenticator, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		limiter:  limiter,
		blobs:    blobs,
		auth:     auth,
		validate: validate,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/v1/optimize", s.handleStartOptimization)
	r.Post("/api/v1/optimize/status", s.handleStatus)
	r.Post("/api/v1/documents", s.handleCreateDocument)
	r.Get("/api/v1/documents/{id}", s.handleGetDocument)
	r.Post("/api/v1/uploads/presign", s.handlePresignUpload)
	return r
}

// handleHealth doubles as a dependency probe: the active-job count exercises
// Postgres, the queue ping exercises Redis.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, err := s.store.ActiveJobs(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": "database unreachable"})
		return
	}
	if err := s.queue.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": "queue unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "activeJobs": active})
}

type optimizeRequest struct {
	CVID           string `json:"cvId" validate:"omitempty,uuid4"`
	CVText         string `json:"cvText" validate:"omitempty,min=10"`
	JobDescription string `json:"jobDescription" validate:"required,min=10"`
	JobTitle       string `json:"jobTitle"`
	Retry          bool   `json:"retry"`
	ForceContinue  bool   `json:"forceContinue"`
}

type optimizeResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

type errorResponse struct {
	Success            bool   `json:"success"`
	Error              string `json:"error"`
	ErrorCode          string `json:"errorCode,omitempty"`
	ServiceUnavailable bool   `json:"serviceUnavailable,omitempty"`
}

func (s *Server) handleStartOptimization(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.UserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required", "", false)
		return
	}

	var req optimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body", "", false)
		return
	}
	if msg := s.validateOptimizeRequest(req); msg != "" {
		writeError(w, http.StatusBadRequest, msg, "MISSING_PARAMETER", false)
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.AllowUser(r.Context(), userID)
		if err != nil {
			s.log.Warn("rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "too many optimization requests, slow down", ai.CodeRateLimit, false)
			return
		}
	}

	// An owned document must exist before we accept work against it.
	if req.CVID != "" {
		doc, err := s.store.GetDocument(r.Context(), req.CVID)
		if err != nil || doc.UserID != userID {
			writeError(w, http.StatusNotFound, "cv document not found", "CONTENT_NOT_FOUND", false)
			return
		}
	}

	// forceContinue resumes interest in a job the client had abandoned: any
	// non-terminal row is handed back as-is, even a stalled one that a plain
	// dispatch would restart. Terminal or missing rows fall through to a
	// fresh claim.
	if req.ForceContinue {
		existing, err := s.store.GetJobByKey(r.Context(), userID, req.CVID, DescriptionHash(req.JobDescription))
		if err == nil && !models.Terminal(existing.Status) {
			telemetry.JobsShortCircuit.Inc()
			writeJSON(w, http.StatusAccepted, optimizeResponse{
				Success: true,
				JobID:   existing.ID,
				Message: "optimization already in progress",
			})
			return
		}
	}

	job, claimed, err := s.store.CreateOrClaimJob(r.Context(), store.ClaimJobParams{
		UserID:         userID,
		CVID:           req.CVID,
		CVText:         req.CVText,
		JobDescription: req.JobDescription,
		JobTitle:       req.JobTitle,
		DescHash:       DescriptionHash(req.JobDescription),
		Force:          req.Retry,
		StallThreshold: s.cfg.StallThreshold,
		Metadata: map[string]any{
			"dispatchedAt": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		s.log.Error("claim job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job", "", false)
		return
	}

	if !claimed {
		// Another dispatch owns this key and is actively progressing. The
		// caller just resumes polling; forceContinue is the explicit form of
		// the same thing.
		telemetry.JobsShortCircuit.Inc()
		writeJSON(w, http.StatusAccepted, optimizeResponse{
			Success: true,
			JobID:   job.ID,
			Message: "optimization already in progress",
		})
		return
	}

	// Hand off to the worker pool, bounded so a hung Redis cannot pin the
	// request. A timeout here does not cancel anything server-side.
	dispatchCtx, cancel := context.WithTimeout(r.Context(), s.cfg.DispatchTimeout)
	defer cancel()
	if err := s.queue.Dispatch(dispatchCtx, job.ID); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			telemetry.QueueFullRejects.Inc()
		}
		// Release the claim so a client retry is not locked out until the
		// stall threshold passes.
		_ = s.store.FailJob(r.Context(), job.ID, ai.CodeServer, "dispatch failed: "+err.Error(), nil)
		s.log.Warn("dispatch failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "optimization service is busy, try again shortly", ai.CodeServer, true)
		return
	}

	telemetry.JobsDispatched.Inc()
	writeJSON(w, http.StatusAccepted, optimizeResponse{
		Success: true,
		JobID:   job.ID,
		Message: "optimization started",
	})
}

func (s *Server) validateOptimizeRequest(req optimizeRequest) string {
	if req.CVID == "" && strings.TrimSpace(req.CVText) == "" {
		return "either cvId or cvText is required"
	}
	if err := s.validate.Struct(req); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 {
			f := invalid[0]
			switch f.Tag() {
			case "required":
				return fmt.Sprintf("%s is required", f.Field())
			case "min":
				return fmt.Sprintf("%s must be at least %s characters", f.Field(), f.Param())
			default:
				return fmt.Sprintf("%s is invalid", f.Field())
			}
		}
		return "invalid request"
	}
	return ""
}

type statusRequest struct {
	JobID          string `json:"jobId"`
	CVID           string `json:"cvId"`
	JobDescription string `json:"jobDescription"`
}

type statusResponse struct {
	Success           bool                       `json:"success"`
	Status            string                     `json:"status"`
	Progress          int                        `json:"progress"`
	Stage             string                     `json:"stage,omitempty"`
	Result            *models.OptimizationResult `json:"result,omitempty"`
	PartialResults    *models.OptimizationResult `json:"partialResults,omitempty"`
	Error             string                     `json:"error,omitempty"`
	ErrorCode         string                     `json:"errorCode,omitempty"`
	OptimizationState map[string]any             `json:"optimizationState,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.UserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required", "", false)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body", "", false)
		return
	}

	var job models.Job
	switch {
	case req.JobID != "":
		job, err = s.store.GetJob(r.Context(), req.JobID)
	case req.CVID != "" && req.JobDescription != "":
		job, err = s.store.GetJobByKey(r.Context(), userID, req.CVID, DescriptionHash(req.JobDescription))
	default:
		writeError(w, http.StatusBadRequest, "jobId or cvId+jobDescription is required", "MISSING_PARAMETER", false)
		return
	}
	if errors.Is(err, store.ErrNotFound) || (err == nil && job.UserID != userID) {
		// Not fatal for a poller: the job may simply not exist yet.
		writeError(w, http.StatusNotFound, "no results yet", "", false)
		return
	}
	if err != nil {
		s.log.Error("load job status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load status", "", false)
		return
	}

	resp := statusResponse{
		Success:           true,
		Status:            job.Status,
		Progress:          job.Progress,
		Stage:             job.Stage,
		OptimizationState: job.Metadata,
	}
	switch job.Status {
	case models.StatusCompleted:
		resp.Result = job.Result
	case models.StatusError:
		if job.ErrorMessage != nil {
			resp.Error = *job.ErrorMessage
		}
		if job.ErrorCode != nil {
			resp.ErrorCode = *job.ErrorCode
		}
		// A failed job can still carry output from earlier stages.
		resp.PartialResults = job.Result
	}
	writeJSON(w, http.StatusOK, resp)
}

type createDocumentRequest struct {
	Name        string `json:"name" validate:"required"`
	S3Key       string `json:"s3Key"`
	ContentType string `json:"contentType"`
	Text        string `json:"text"`
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.UserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required", "", false)
		return
	}
	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body", "", false)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "name is required", "MISSING_PARAMETER", false)
		return
	}
	if req.S3Key == "" && strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "either s3Key or text is required", "MISSING_PARAMETER", false)
		return
	}

	doc, err := s.store.CreateDocument(r.Context(), models.Document{
		UserID:      userID,
		Name:        req.Name,
		S3Key:       req.S3Key,
		ContentType: req.ContentType,
		Text:        req.Text,
	})
	if err != nil {
		s.log.Error("create document", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create document", "", false)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.UserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required", "", false)
		return
	}
	id := chi.URLParam(r, "id")
	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil || doc.UserID != userID {
		writeError(w, http.StatusNotFound, "document not found", "CONTENT_NOT_FOUND", false)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type presignRequest struct {
	Filename    string `json:"filename" validate:"required"`
	ContentType string `json:"contentType"`
}

type presignResponse struct {
	Success   bool      `json:"success"`
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handlePresignUpload issues a URL the browser can PUT the CV file to
// directly, keeping document bytes off the API path.
func (s *Server) handlePresignUpload(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.UserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required", "", false)
		return
	}
	var req presignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body", "", false)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "filename is required", "MISSING_PARAMETER", false)
		return
	}
	if s.blobs == nil {
		writeError(w, http.StatusNotImplemented, "uploads are not configured", "", false)
		return
	}

	key := fmt.Sprintf("cvs/%s/%s-%s", userID, uuid.New().String(), req.Filename)
	url, expires, err := s.blobs.PresignPut(r.Context(), key, req.ContentType, s.cfg.PresignTTL)
	if err != nil {
		if errors.Is(err, storage.ErrPresignUnsupported) {
			writeError(w, http.StatusNotImplemented, "uploads require s3 storage", "", false)
			return
		}
		s.log.Error("presign upload", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to presign upload", "", false)
		return
	}
	writeJSON(w, http.StatusOK, presignResponse{Success: true, URL: url, Key: key, ExpiresAt: expires})
}

// DescriptionHash derives the stable key component for a job description.
func DescriptionHash(desc string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(desc)))
	return hex.EncodeToString(sum[:])
}

func writeError(w http.ResponseWriter, code int, msg, errCode string, unavailable bool) {
	writeJSON(w, code, errorResponse{
		Success:            false,
		Error:              msg,
		ErrorCode:          errCode,
		ServiceUnavailable: unavailable,
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
