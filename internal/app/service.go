package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"studyloop/api/internal/config"
	"studyloop/api/internal/genai"
	"studyloop/api/internal/search"
	"studyloop/api/internal/store"
)

type dataStore interface {
	Ping(context.Context) error
	GetMaterial(context.Context, string) (store.Material, error)
	InsertMaterial(context.Context, store.Material) (string, error)
	SetLatestArtifact(ctx context.Context, materialID, artifactType, versionID string) error
	InsertVersion(context.Context, store.ArtifactVersion) (store.ArtifactVersion, error)
	LatestVersionByType(ctx context.Context, materialID, artifactType string) (store.ArtifactVersion, error)
	ListVersions(ctx context.Context, materialID, artifactType string) ([]store.ArtifactVersion, error)
	GetVersion(context.Context, string) (store.ArtifactVersion, error)
	InsertEmbedding(context.Context, store.Embedding) (string, error)
	GetEmbeddingByVersion(context.Context, string) (store.Embedding, error)
	CreateJob(context.Context, store.GenerationJob) (string, bool, error)
	GetJob(context.Context, string) (store.GenerationJob, error)
	PendingJobs(context.Context, int) ([]store.GenerationJob, error)
	ReclaimStaleJobs(ctx context.Context, cutoff time.Time) (int, error)
	ClaimJob(context.Context, string) (bool, error)
	CompleteJob(context.Context, string, json.RawMessage) error
	FailJob(ctx context.Context, jobID, message string) error
}

type generator interface {
	Generate(ctx context.Context, t genai.ArtifactType, text string, opts genai.Options) (json.RawMessage, error)
	Embed(ctx context.Context, text string) ([]float64, string, error)
}

// dedupeLocker collapses concurrent generations of the same artifact.
// A nil locker disables dedupe (single-instance dev setups without Redis).
type dedupeLocker interface {
	Key(materialID, artifactType string) string
	Acquire(ctx context.Context, key string) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexArtifact(rec search.ArtifactRecord)
}

type textSource interface {
	ExtractedText(ctx context.Context, objectKey, inline string) string
}

type Service struct {
	cfg    config.Config
	store  dataStore
	gen    generator
	locker dedupeLocker  // may be nil
	search searchService // may be nil
	text   textSource    // may be nil
}

func New(cfg config.Config, dataStore dataStore, gen generator) *Service {
	return &Service{cfg: cfg, store: dataStore, gen: gen}
}

// NewWithDeps wires the optional collaborators: dedupe lock, artifact
// search, and the object-storage text source. Any of them may be nil.
func NewWithDeps(cfg config.Config, dataStore dataStore, gen generator, locker dedupeLocker, searchSvc searchService, text textSource) *Service {
	return &Service{cfg: cfg, store: dataStore, gen: gen, locker: locker, search: searchSvc, text: text}
}

// UseDedupeLock, UseSearch, and UseTextSource wire the optional
// collaborators at startup. Passing a typed nil pointer through
// NewWithDeps would defeat the nil checks, so main wires each one only
// when it is actually configured.
func (s *Service) UseDedupeLock(locker dedupeLocker) { s.locker = locker }

func (s *Service) UseSearch(searchSvc searchService) { s.search = searchSvc }

func (s *Service) UseTextSource(text textSource) { s.text = text }

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap seeds a demo material for local development. Production
// deployments leave SeedDemo off; materials belong to the main application.
func (s *Service) Bootstrap(ctx context.Context) error {
	if !s.cfg.SeedDemo {
		return nil
	}
	const demoID = "mat_demo"
	if _, err := s.store.GetMaterial(ctx, demoID); err == nil {
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	_, err := s.store.InsertMaterial(ctx, store.Material{
		ID:        demoID,
		OwnerID:   "user_demo",
		IsPublic:  true,
		AIEnabled: true,
		ExtractedText: "The water cycle describes how water moves through the " +
			"atmosphere, land, and oceans. Evaporation lifts water vapor from " +
			"surfaces, condensation forms clouds, and precipitation returns " +
			"water to the ground where it collects in rivers and aquifers.",
	})
	if err != nil {
		return err
	}
	log.Printf("app: seeded demo material %s", demoID)
	return nil
}

// canRead reports whether requester may see this material's artifacts.
func canRead(m store.Material, requester string) bool {
	return m.IsPublic || (requester != "" && requester == m.OwnerID)
}

// GetOrGenerate returns the latest artifact of the given type, generating
// one when none exists. Authorization and the feature flag are checked
// before the generation backend is ever contacted.
func (s *Service) GetOrGenerate(ctx context.Context, materialID string, t genai.ArtifactType, requester string, opts genai.Options) (store.ArtifactVersion, error) {
	if !genai.ValidType(string(t)) {
		return store.ArtifactVersion{}, domainError(400, "INVALID_TYPE", fmt.Sprintf("unknown artifact type %q", t), nil)
	}

	material, err := s.store.GetMaterial(ctx, materialID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ArtifactVersion{}, notFound("material not found")
	}
	if err != nil {
		return store.ArtifactVersion{}, fmt.Errorf("load material: %w", err)
	}

	if !canRead(material, requester) {
		return store.ArtifactVersion{}, forbidden("you do not have access to this material")
	}

	// Presence alone is a cache hit: an existing artifact is returned even
	// if AI features were disabled after it was generated.
	if cached, ok, err := s.cachedVersion(ctx, material, t); err != nil {
		return store.ArtifactVersion{}, err
	} else if ok {
		return cached, nil
	}

	// New generation is owner-only and gated on the feature flag; both are
	// settled before any backend cost is incurred.
	if requester != material.OwnerID {
		return store.ArtifactVersion{}, forbidden("only the owner can generate new artifacts")
	}
	if !material.AIEnabled {
		return store.ArtifactVersion{}, forbidden("AI features are disabled for this material")
	}

	return s.generateWithDedupe(ctx, material, t, requester, opts)
}

// cachedVersion resolves the latest artifact, preferring the material's
// pointer map but always able to recompute from the version store. The
// pointer is a read optimization and is never trusted blindly.
func (s *Service) cachedVersion(ctx context.Context, material store.Material, t genai.ArtifactType) (store.ArtifactVersion, bool, error) {
	if id := material.LatestArtifacts[string(t)]; id != "" {
		version, err := s.store.GetVersion(ctx, id)
		if err == nil && version.MaterialID == material.ID && version.Type == string(t) {
			return version, true, nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return store.ArtifactVersion{}, false, fmt.Errorf("resolve pointer: %w", err)
		}
		log.Printf("app: stale latest_artifacts pointer %s on material %s, recomputing", id, material.ID)
	}

	version, err := s.store.LatestVersionByType(ctx, material.ID, string(t))
	if errors.Is(err, sql.ErrNoRows) {
		return store.ArtifactVersion{}, false, nil
	}
	if err != nil {
		return store.ArtifactVersion{}, false, fmt.Errorf("latest version: %w", err)
	}
	return version, true, nil
}

// generateWithDedupe takes the per-(material, type) lock before generating.
// A caller that loses the lock polls the cache until the winner publishes
// its version or the lock frees up.
func (s *Service) generateWithDedupe(ctx context.Context, material store.Material, t genai.ArtifactType, requester string, opts genai.Options) (store.ArtifactVersion, error) {
	if s.locker == nil {
		return s.generate(ctx, material, t, requester, opts, store.GeneratedByUser)
	}

	key := s.locker.Key(material.ID, string(t))
	deadline := time.Now().Add(s.cfg.LockWaitMax)

	for {
		token, acquired, err := s.locker.Acquire(ctx, key)
		if err != nil {
			// Redis being down must not block generation entirely.
			log.Printf("app: dedupe lock unavailable, generating without it: %v", err)
			return s.generate(ctx, material, t, requester, opts, store.GeneratedByUser)
		}
		if acquired {
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
					log.Printf("app: release lock %s: %v", key, err)
				}
			}()
			// Re-check the cache: the previous holder may have published
			// while we were waiting.
			if cached, ok, err := s.cachedVersion(ctx, material, t); err != nil {
				return store.ArtifactVersion{}, err
			} else if ok {
				return cached, nil
			}
			return s.generate(ctx, material, t, requester, opts, store.GeneratedByUser)
		}

		if time.Now().After(deadline) {
			return store.ArtifactVersion{}, generationFailed("another generation for this artifact is still in progress")
		}
		select {
		case <-ctx.Done():
			return store.ArtifactVersion{}, generationFailed("request cancelled while waiting for an in-flight generation")
		case <-time.After(500 * time.Millisecond):
		}
		if cached, ok, err := s.cachedVersion(ctx, material, t); err != nil {
			return store.ArtifactVersion{}, err
		} else if ok {
			return cached, nil
		}
	}
}

// generate runs the miss path: backend call, parse, durable insert, then
// the best-effort tail (embedding, pointer, search index). Nothing is
// persisted when the backend call fails; the version insert is the only
// step allowed to fail the whole operation afterwards.
func (s *Service) generate(ctx context.Context, material store.Material, t genai.ArtifactType, requester string, opts genai.Options, generatedBy string) (store.ArtifactVersion, error) {
	text := material.ExtractedText
	if s.text != nil {
		text = s.text.ExtractedText(ctx, material.ObjectKey, material.ExtractedText)
	}
	if genai.NormalizeText(text) == "" {
		return store.ArtifactVersion{}, generationFailed("material has no extracted text")
	}

	raw, err := s.gen.Generate(ctx, t, text, opts)
	if err != nil {
		return store.ArtifactVersion{}, generationFailed(err.Error())
	}

	parsed := genai.Parse(t, raw)

	content, err := json.Marshal(parsed.Content)
	if err != nil {
		return store.ArtifactVersion{}, persistenceFailed(fmt.Sprintf("encode content: %v", err))
	}
	params, _ := json.Marshal(map[string]any{
		"language":      opts.Language,
		"min_words":     opts.MinWords,
		"max_words":     opts.MaxWords,
		"num_questions": opts.NumQuestions,
		"num_cards":     opts.NumCards,
	})

	version, err := s.store.InsertVersion(ctx, store.ArtifactVersion{
		MaterialID:  material.ID,
		Type:        string(t),
		Content:     content,
		ModelName:   modelName(parsed.Content.Metadata),
		ModelParams: params,
		Confidence:  parsed.Confidence,
		Language:    opts.Language,
		Preview:     parsed.Preview,
		CreatedBy:   requester,
		GeneratedBy: generatedBy,
	})
	if err != nil {
		return store.ArtifactVersion{}, persistenceFailed(err.Error())
	}

	// Everything below is best-effort: the version is durable, so partial
	// failures here must not surface to the caller.
	s.storeEmbedding(ctx, version, parsed.Content)

	if err := s.store.SetLatestArtifact(ctx, material.ID, string(t), version.ID); err != nil {
		log.Printf("app: update latest_artifacts pointer for %s/%s: %v", material.ID, t, err)
	}

	if s.search != nil {
		s.search.IndexArtifact(search.ArtifactRecord{
			ID:         version.ID,
			MaterialID: material.ID,
			OwnerID:    material.OwnerID,
			IsPublic:   material.IsPublic,
			Type:       string(t),
			Preview:    version.Preview,
		})
	}

	return version, nil
}

// storeEmbedding computes and persists the vector for a new version.
// Failures are logged and swallowed; the artifact itself already succeeded.
func (s *Service) storeEmbedding(ctx context.Context, version store.ArtifactVersion, content genai.Content) {
	text := embeddingText(content)
	if text == "" {
		return
	}
	vector, model, err := s.gen.Embed(ctx, text)
	if err != nil {
		log.Printf("app: embed version %s: %v", version.ID, err)
		return
	}
	if _, err := s.store.InsertEmbedding(ctx, store.Embedding{
		VersionID: version.ID,
		Vector:    vector,
		ModelName: model,
	}); err != nil {
		log.Printf("app: store embedding for version %s: %v", version.ID, err)
	}
}

// embeddingText flattens the salient content into one string for embedding.
func embeddingText(content genai.Content) string {
	switch content.Type {
	case genai.TypeSummary:
		return content.Summary
	case genai.TypeKeyPoints:
		return joinNonEmpty(content.KeyPoints)
	case genai.TypeQuiz:
		parts := make([]string, 0, len(content.Questions))
		for _, q := range content.Questions {
			parts = append(parts, q.Question)
		}
		return joinNonEmpty(parts)
	case genai.TypeFlashcards:
		parts := make([]string, 0, len(content.Flashcards)*2)
		for _, c := range content.Flashcards {
			parts = append(parts, c.Front, c.Back)
		}
		return joinNonEmpty(parts)
	}
	return ""
}

func joinNonEmpty(parts []string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p
	}
	return out
}

func modelName(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	if name, ok := metadata["model"].(string); ok {
		return name
	}
	return ""
}

// ListVersions returns a material's artifact history, newest first.
// artifactType may be empty to list all types.
func (s *Service) ListVersions(ctx context.Context, materialID, artifactType, requester string) ([]store.ArtifactVersion, error) {
	if artifactType != "" && !genai.ValidType(artifactType) {
		return nil, domainError(400, "INVALID_TYPE", fmt.Sprintf("unknown artifact type %q", artifactType), nil)
	}
	material, err := s.store.GetMaterial(ctx, materialID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("material not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load material: %w", err)
	}
	if !canRead(material, requester) {
		return nil, forbidden("you do not have access to this material")
	}
	return s.store.ListVersions(ctx, materialID, artifactType)
}

// GetVersion returns one version by id, subject to the owning material's
// visibility.
func (s *Service) GetVersion(ctx context.Context, versionID, requester string) (store.ArtifactVersion, error) {
	version, err := s.store.GetVersion(ctx, versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ArtifactVersion{}, notFound("version not found")
	}
	if err != nil {
		return store.ArtifactVersion{}, fmt.Errorf("load version: %w", err)
	}
	material, err := s.store.GetMaterial(ctx, version.MaterialID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ArtifactVersion{}, notFound("version not found")
	}
	if err != nil {
		return store.ArtifactVersion{}, fmt.Errorf("load material: %w", err)
	}
	if !canRead(material, requester) {
		return store.ArtifactVersion{}, forbidden("you do not have access to this material")
	}
	return version, nil
}

// EmbeddingByVersion returns the stored vector for a version, subject to
// the owning material's visibility. Not every version has one; embedding
// persistence is best-effort.
func (s *Service) EmbeddingByVersion(ctx context.Context, versionID, requester string) (store.Embedding, error) {
	if _, err := s.GetVersion(ctx, versionID, requester); err != nil {
		return store.Embedding{}, err
	}
	embedding, err := s.store.GetEmbeddingByVersion(ctx, versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Embedding{}, notFound("no embedding for this version")
	}
	if err != nil {
		return store.Embedding{}, fmt.Errorf("load embedding: %w", err)
	}
	return embedding, nil
}

// EnqueueGeneration creates a deferred generation job, or returns the
// already-queued one for the same (material, type). The same authorization
// as inline generation applies before the job is accepted.
func (s *Service) EnqueueGeneration(ctx context.Context, materialID string, t genai.ArtifactType, requester string, priority int) (store.GenerationJob, bool, error) {
	if !genai.ValidType(string(t)) {
		return store.GenerationJob{}, false, domainError(400, "INVALID_TYPE", fmt.Sprintf("unknown artifact type %q", t), nil)
	}
	material, err := s.store.GetMaterial(ctx, materialID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.GenerationJob{}, false, notFound("material not found")
	}
	if err != nil {
		return store.GenerationJob{}, false, fmt.Errorf("load material: %w", err)
	}
	if requester != material.OwnerID {
		return store.GenerationJob{}, false, forbidden("only the owner can request generation")
	}
	if !material.AIEnabled {
		return store.GenerationJob{}, false, forbidden("AI features are disabled for this material")
	}

	jobID, reused, err := s.store.CreateJob(ctx, store.GenerationJob{
		MaterialID:  materialID,
		UserID:      requester,
		JobType:     string(t),
		Priority:    priority,
		MaxAttempts: store.DefaultMaxAttempts,
	})
	if err != nil {
		return store.GenerationJob{}, false, persistenceFailed(err.Error())
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return store.GenerationJob{}, false, fmt.Errorf("load job: %w", err)
	}
	return job, reused, nil
}

// JobStatus returns a job for polling. Visible to the job's creator and
// the material owner.
func (s *Service) JobStatus(ctx context.Context, jobID, requester string) (store.GenerationJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.GenerationJob{}, notFound("job not found")
	}
	if err != nil {
		return store.GenerationJob{}, fmt.Errorf("load job: %w", err)
	}
	if job.UserID == requester {
		return job, nil
	}
	material, err := s.store.GetMaterial(ctx, job.MaterialID)
	if err == nil && requester == material.OwnerID {
		return job, nil
	}
	return store.GenerationJob{}, forbidden("you do not have access to this job")
}

// SearchArtifacts runs a preview search scoped to the requester.
func (s *Service) SearchArtifacts(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}
