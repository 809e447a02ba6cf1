package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"cvtailor/internal/ai"
	"cvtailor/internal/chunk"
	"cvtailor/internal/models"
	"cvtailor/internal/storage"
	"cvtailor/internal/store"
	"cvtailor/internal/telemetry"
)

// Progress checkpoints written by the pipeline. The generate stage emits
// intermediate values between checkpointGenerate and checkpointGenerated when
// the CV is processed in multiple chunks.
const (
	checkpointPrepare   = 10
	checkpointAnalyzed  = 25
	checkpointGenerate  = 40
	checkpointGenerated = 75
	checkpointPostProc  = 90
)

// JobStore is the persistence surface the pipeline needs. *store.Store
// satisfies it; tests use an in-memory fake.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateProgress(ctx context.Context, id string, progress int, stage string) error
	CompleteJob(ctx context.Context, id string, result models.OptimizationResult) error
	FailJob(ctx context.Context, id, code, msg string, partial *models.OptimizationResult) error
	GetDocument(ctx context.Context, id string) (models.Document, error)
	SetDocumentText(ctx context.Context, id, text string) error
}

// Optimizer runs the staged optimization pipeline for one job: analyze the
// job description, generate tailored CV content (chunked for long CVs), then
// normalize the output. All outcomes, success or failure, are written to the
// job record; the dispatching request has long since returned.
type Optimizer struct {
	store     JobStore
	analyzer  ai.Analyzer
	generator ai.Generator
	limiter   *ai.Limiter
	blobs     storage.BlobStore
	log       *zap.Logger

	cvChunkSize   int
	descChunkSize int
}

// OptimizerParams collects the pipeline's collaborators.
type OptimizerParams struct {
	Store         JobStore
	Analyzer      ai.Analyzer
	Generator     ai.Generator
	Limiter       *ai.Limiter
	Blobs         storage.BlobStore
	Logger        *zap.Logger
	CVChunkSize   int
	DescChunkSize int
}

func NewOptimizer(p OptimizerParams) *Optimizer {
	if p.CVChunkSize <= 0 {
		p.CVChunkSize = 6000
	}
	if p.DescChunkSize <= 0 {
		p.DescChunkSize = 4000
	}
	if p.Limiter == nil {
		p.Limiter = ai.NewLimiter(1)
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &Optimizer{
		store:         p.Store,
		analyzer:      p.Analyzer,
		generator:     p.Generator,
		limiter:       p.Limiter,
		blobs:         p.Blobs,
		log:           p.Logger,
		cvChunkSize:   p.CVChunkSize,
		descChunkSize: p.DescChunkSize,
	}
}

// Run executes the pipeline for job. The returned error is for logging only;
// terminal state has already been written to the store when it is non-nil.
func (o *Optimizer) Run(ctx context.Context, job models.Job) error {
	log := o.log.With(zap.String("job_id", job.ID), zap.String("user_id", job.UserID))

	if err := o.store.UpdateProgress(ctx, job.ID, checkpointPrepare, "prepare"); err != nil {
		return fmt.Errorf("checkpoint prepare: %w", err)
	}

	cvText, err := o.resolveCVText(ctx, job)
	if err != nil {
		_ = o.store.FailJob(ctx, job.ID, "CONTENT_NOT_FOUND", err.Error(), nil)
		return err
	}

	var warnings []string

	// Stage 1: analysis. A fast classification call; failure degrades the
	// prompt instead of failing the job.
	desc := chunk.First(job.JobDescription, o.descChunkSize)
	insight := o.analyze(ctx, desc, log, &warnings)
	if err := o.store.UpdateProgress(ctx, job.ID, checkpointAnalyzed, "analyze"); err != nil {
		return fmt.Errorf("checkpoint analyze: %w", err)
	}

	// Stage 2: generation, chunked when the CV exceeds the provider limit.
	// Every CV chunk is paired with the same leading description chunk.
	if err := o.store.UpdateProgress(ctx, job.ID, checkpointGenerate, "generate"); err != nil {
		return fmt.Errorf("checkpoint generate: %w", err)
	}
	cvChunks := chunk.Split(cvText, o.cvChunkSize)
	parts := make([]string, 0, len(cvChunks))
	for i, cvChunk := range cvChunks {
		part, genErr := o.generate(ctx, ai.GenerateRequest{
			CVText:         cvChunk,
			JobDescription: desc,
			JobTitle:       job.JobTitle,
			Insight:        insight,
		})
		if genErr != nil {
			o.failGeneration(ctx, job.ID, i, len(cvChunks), parts, insight, warnings, genErr)
			return genErr
		}
		parts = append(parts, part)
		if len(cvChunks) > 1 {
			p := checkpointGenerate + ((i+1)*(checkpointGenerated-checkpointGenerate))/len(cvChunks)
			if err := o.store.UpdateProgress(ctx, job.ID, p, "generate"); err != nil {
				return fmt.Errorf("checkpoint generate chunk %d: %w", i, err)
			}
		}
	}

	// Stage 3: post-processing to the expected markdown structure.
	if err := o.store.UpdateProgress(ctx, job.ID, checkpointPostProc, "post_process"); err != nil {
		return fmt.Errorf("checkpoint post_process: %w", err)
	}
	content := NormalizeMarkdown(strings.Join(parts, "\n\n"))

	result := models.OptimizationResult{
		OptimizedContent: content,
		Warnings:         warnings,
	}
	if insight != nil {
		result.Analysis = insight.Raw
	}
	if err := o.store.CompleteJob(ctx, job.ID, result); err != nil {
		// A duplicate run (expired lease picked up twice) can lose the race
		// to a worker that already finished; the first result stands.
		if errors.Is(err, store.ErrTerminal) {
			log.Warn("job reached terminal state elsewhere, discarding duplicate result")
			return nil
		}
		return fmt.Errorf("complete job: %w", err)
	}
	log.Info("optimization completed",
		zap.Int("cv_chunks", len(cvChunks)),
		zap.Int("warnings", len(warnings)))
	return nil
}

// resolveCVText returns inline text or loads it from the referenced document,
// extracting and caching blob text on first use.
func (o *Optimizer) resolveCVText(ctx context.Context, job models.Job) (string, error) {
	if strings.TrimSpace(job.CVText) != "" {
		return job.CVText, nil
	}
	if job.CVID == "" {
		return "", errors.New("job has neither cv text nor a cv document")
	}

	doc, err := o.store.GetDocument(ctx, job.CVID)
	if err != nil {
		return "", fmt.Errorf("load cv document %s: %w", job.CVID, err)
	}
	if doc.Text != "" {
		return doc.Text, nil
	}
	if o.blobs == nil {
		return "", fmt.Errorf("document %s has no extracted text", doc.ID)
	}

	body, err := o.blobs.Get(ctx, doc.S3Key)
	if err != nil {
		return "", fmt.Errorf("fetch cv blob: %w", err)
	}
	text, err := storage.ExtractText(doc.S3Key, doc.ContentType, body)
	if err != nil {
		return "", err
	}
	if err := o.store.SetDocumentText(ctx, doc.ID, text); err != nil {
		o.log.Warn("cache extracted text", zap.String("document_id", doc.ID), zap.Error(err))
	}
	return text, nil
}

func (o *Optimizer) analyze(ctx context.Context, desc string, log *zap.Logger, warnings *[]string) *ai.Insight {
	if o.analyzer == nil {
		return nil
	}
	start := time.Now()
	insight, err := o.analyzer.Analyze(ctx, desc)
	if err != nil {
		telemetry.AICallDuration.WithLabelValues("openai", "error").Observe(time.Since(start).Seconds())
		log.Warn("analysis failed, continuing without insight", zap.Error(err))
		*warnings = append(*warnings, "analysis unavailable: optimized without structured insight")
		return nil
	}
	telemetry.AICallDuration.WithLabelValues("openai", "ok").Observe(time.Since(start).Seconds())
	return &insight
}

func (o *Optimizer) generate(ctx context.Context, req ai.GenerateRequest) (string, error) {
	var out string
	start := time.Now()
	err := o.limiter.Execute(ctx, func(ctx context.Context) error {
		var genErr error
		out, genErr = o.generator.Generate(ctx, req)
		return genErr
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.AICallDuration.WithLabelValues("mistral", outcome).Observe(time.Since(start).Seconds())
	return out, err
}

// failGeneration writes the error state, preserving output from chunks that
// already succeeded so the poller can surface a partial result.
func (o *Optimizer) failGeneration(ctx context.Context, jobID string, failedChunk, totalChunks int, parts []string, insight *ai.Insight, warnings []string, genErr error) {
	code := ai.CodeFor(genErr)
	msg := fmt.Sprintf("generation failed on chunk %d of %d: %v", failedChunk+1, totalChunks, genErr)

	var partial *models.OptimizationResult
	if len(parts) > 0 {
		partial = &models.OptimizationResult{
			OptimizedContent: NormalizeMarkdown(strings.Join(parts, "\n\n")),
			Warnings: append(warnings,
				fmt.Sprintf("only %d of %d sections optimized before failure", len(parts), totalChunks)),
		}
		if insight != nil {
			partial.Analysis = insight.Raw
		}
	}
	if err := o.store.FailJob(ctx, jobID, code, msg, partial); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			o.log.Warn("job reached terminal state elsewhere, discarding failure", zap.String("job_id", jobID))
			return
		}
		o.log.Error("write failure state", zap.String("job_id", jobID), zap.Error(err))
	}
}
