package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"time"

	"studyloop/api/internal/genai"
	"studyloop/api/internal/store"
)

// Worker drains the generation job queue. Several instances may run across
// processes; the store's conditional claim is the only coordination point,
// so a worker that loses a claim race just moves on to the next candidate.
type Worker struct {
	service  *Service
	interval time.Duration
	batch    int
}

func NewWorker(service *Service, interval time.Duration, batch int) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 5
	}
	return &Worker{service: service, interval: interval, batch: batch}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("worker: polling every %s, batch size %d", w.interval, w.batch)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker: stopping: %v", ctx.Err())
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce claims and processes up to one batch of pending jobs. Returns the
// number of jobs this worker actually won and processed.
func (w *Worker) runOnce(ctx context.Context) int {
	// A worker that died mid-job leaves its claim in processing, which
	// blocks the (material, type) dedupe key. Expired claims go back to
	// pending without counting an attempt; the lease outlives any per-job
	// timeout so a live worker is never preempted.
	cutoff := time.Now().Add(-(w.service.cfg.GenTimeout + 2*time.Minute))
	if n, err := w.service.store.ReclaimStaleJobs(ctx, cutoff); err != nil {
		log.Printf("worker: reclaim stale jobs: %v", err)
	} else if n > 0 {
		log.Printf("worker: requeued %d stale processing jobs", n)
	}

	jobs, err := w.service.store.PendingJobs(ctx, w.batch)
	if err != nil {
		log.Printf("worker: list pending jobs: %v", err)
		return 0
	}

	processed := 0
	for _, job := range jobs {
		claimed, err := w.service.store.ClaimJob(ctx, job.ID)
		if err != nil {
			log.Printf("worker: claim job %s: %v", job.ID, err)
			continue
		}
		if !claimed {
			// Another worker won this one.
			continue
		}
		w.process(ctx, job)
		processed++
	}
	return processed
}

// process runs one claimed job to completion or failure. The per-job
// timeout keeps a hung backend call from starving the poll loop.
func (w *Worker) process(ctx context.Context, job store.GenerationJob) {
	jobCtx, cancel := context.WithTimeout(ctx, w.service.cfg.GenTimeout+30*time.Second)
	defer cancel()

	// The outcome write must survive cancellation of the run loop: the
	// attempt may have failed precisely because ctx was cancelled, and a
	// job stuck in processing would block its dedupe key forever.
	bookCtx := context.WithoutCancel(ctx)

	version, err := w.service.processJob(jobCtx, job)
	if err != nil {
		log.Printf("worker: job %s attempt failed: %v", job.ID, err)
		if failErr := w.service.store.FailJob(bookCtx, job.ID, err.Error()); failErr != nil {
			log.Printf("worker: record failure for job %s: %v", job.ID, failErr)
		}
		return
	}

	result, _ := json.Marshal(map[string]any{
		"versionId": version.ID,
		"type":      version.Type,
		"preview":   version.Preview,
	})
	if err := w.service.store.CompleteJob(bookCtx, job.ID, result); err != nil {
		log.Printf("worker: complete job %s: %v", job.ID, err)
	}
}

// processJob executes the generation path for one claimed job. A version
// that appeared since the job was queued short-circuits to completion:
// queued duplicates converge on the same artifact.
func (s *Service) processJob(ctx context.Context, job store.GenerationJob) (store.ArtifactVersion, error) {
	t := genai.ArtifactType(job.JobType)
	if !genai.ValidType(job.JobType) {
		return store.ArtifactVersion{}, domainError(400, "INVALID_TYPE", "unknown artifact type "+job.JobType, nil)
	}

	material, err := s.store.GetMaterial(ctx, job.MaterialID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ArtifactVersion{}, notFound("material not found")
	}
	if err != nil {
		return store.ArtifactVersion{}, err
	}

	if cached, ok, err := s.cachedVersion(ctx, material, t); err != nil {
		return store.ArtifactVersion{}, err
	} else if ok {
		return cached, nil
	}

	// The flag may have flipped since the job was accepted.
	if !material.AIEnabled {
		return store.ArtifactVersion{}, forbidden("AI features are disabled for this material")
	}

	return s.generate(ctx, material, t, job.UserID, genai.Options{}, store.GeneratedByWorker)
}
