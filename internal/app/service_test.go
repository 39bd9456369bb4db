package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"testing"

	"studyloop/api/internal/config"
	"studyloop/api/internal/genai"
	"studyloop/api/internal/store"
)

// fakeStore is an in-memory dataStore for service tests.
type fakeStore struct {
	mu         sync.Mutex
	materials  map[string]store.Material
	versions   map[string]store.ArtifactVersion
	embeddings map[string]store.Embedding
	jobs       map[string]store.GenerationJob
	seq        int

	insertVersionErr error
	setLatestErr     error
	embeddingErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		materials:  map[string]store.Material{},
		versions:   map[string]store.ArtifactVersion{},
		embeddings: map[string]store.Embedding{},
		jobs:       map[string]store.GenerationJob{},
	}
}

func (f *fakeStore) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%04d", prefix, f.seq)
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) GetMaterial(_ context.Context, id string) (store.Material, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.materials[id]
	if !ok {
		return store.Material{}, sql.ErrNoRows
	}
	return m, nil
}

func (f *fakeStore) InsertMaterial(_ context.Context, m store.Material) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == "" {
		m.ID = f.nextID("mat")
	}
	m.CreatedAt = time.Now()
	f.materials[m.ID] = m
	return m.ID, nil
}

func (f *fakeStore) SetLatestArtifact(_ context.Context, materialID, artifactType, versionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setLatestErr != nil {
		return f.setLatestErr
	}
	m, ok := f.materials[materialID]
	if !ok {
		return sql.ErrNoRows
	}
	if m.LatestArtifacts == nil {
		m.LatestArtifacts = map[string]string{}
	}
	m.LatestArtifacts[artifactType] = versionID
	f.materials[materialID] = m
	return nil
}

func (f *fakeStore) InsertVersion(_ context.Context, v store.ArtifactVersion) (store.ArtifactVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertVersionErr != nil {
		return store.ArtifactVersion{}, f.insertVersionErr
	}
	v.ID = f.nextID("ver")
	v.CreatedAt = time.Now()
	f.versions[v.ID] = v
	return v, nil
}

func (f *fakeStore) LatestVersionByType(_ context.Context, materialID, artifactType string) (store.ArtifactVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best store.ArtifactVersion
	found := false
	for _, v := range f.versions {
		if v.MaterialID != materialID || v.Type != artifactType {
			continue
		}
		if !found || v.CreatedAt.After(best.CreatedAt) || (v.CreatedAt.Equal(best.CreatedAt) && v.ID > best.ID) {
			best = v
			found = true
		}
	}
	if !found {
		return store.ArtifactVersion{}, sql.ErrNoRows
	}
	return best, nil
}

func (f *fakeStore) ListVersions(_ context.Context, materialID, artifactType string) ([]store.ArtifactVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ArtifactVersion
	for _, v := range f.versions {
		if v.MaterialID != materialID {
			continue
		}
		if artifactType != "" && v.Type != artifactType {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (f *fakeStore) GetVersion(_ context.Context, id string) (store.ArtifactVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[id]
	if !ok {
		return store.ArtifactVersion{}, sql.ErrNoRows
	}
	return v, nil
}

func (f *fakeStore) InsertEmbedding(_ context.Context, e store.Embedding) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.embeddingErr != nil {
		return "", f.embeddingErr
	}
	e.ID = f.nextID("emb")
	e.Dimensions = len(e.Vector)
	e.CreatedAt = time.Now()
	f.embeddings[e.VersionID] = e
	return e.ID, nil
}

func (f *fakeStore) GetEmbeddingByVersion(_ context.Context, versionID string) (store.Embedding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.embeddings[versionID]
	if !ok {
		return store.Embedding{}, sql.ErrNoRows
	}
	return e, nil
}

func (f *fakeStore) CreateJob(_ context.Context, j store.GenerationJob) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, existing := range f.jobs {
		if existing.MaterialID == j.MaterialID && existing.JobType == j.JobType &&
			(existing.Status == store.JobPending || existing.Status == store.JobProcessing) {
			return id, true, nil
		}
	}
	j.ID = f.nextID("job")
	j.Status = store.JobPending
	j.CreatedAt = time.Now()
	if j.MaxAttempts == 0 {
		j.MaxAttempts = store.DefaultMaxAttempts
	}
	f.jobs[j.ID] = j
	return j.ID, false, nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (store.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return store.GenerationJob{}, sql.ErrNoRows
	}
	return j, nil
}

func (f *fakeStore) PendingJobs(_ context.Context, limit int) ([]store.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.GenerationJob
	for _, j := range f.jobs {
		if j.Status == store.JobPending && j.Attempts < j.MaxAttempts {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ClaimJob(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != store.JobPending {
		return false, nil
	}
	now := time.Now()
	j.Status = store.JobProcessing
	j.StartedAt = &now
	f.jobs[id] = j
	return true, nil
}

func (f *fakeStore) ReclaimStaleJobs(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reclaimed := 0
	for id, j := range f.jobs {
		if j.Status != store.JobProcessing || j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			continue
		}
		j.Status = store.JobPending
		j.StartedAt = nil
		f.jobs[id] = j
		reclaimed++
	}
	return reclaimed, nil
}

func (f *fakeStore) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != store.JobProcessing {
		return sql.ErrNoRows
	}
	now := time.Now()
	j.Status = store.JobCompleted
	j.Result = result
	j.ErrorMessage = ""
	j.CompletedAt = &now
	f.jobs[id] = j
	return nil
}

func (f *fakeStore) FailJob(ctx context.Context, id, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != store.JobProcessing {
		return sql.ErrNoRows
	}
	j.Attempts++
	j.ErrorMessage = message
	if j.Attempts >= j.MaxAttempts {
		now := time.Now()
		j.Status = store.JobFailed
		j.CompletedAt = &now
	} else {
		j.Status = store.JobPending
		j.StartedAt = nil
	}
	f.jobs[id] = j
	return nil
}

// fakeGenerator returns canned backend responses and records calls.
type fakeGenerator struct {
	mu       sync.Mutex
	raw      json.RawMessage
	err      error
	vector   []float64
	model    string
	embedErr error

	generateCalls int
	embedCalls    int
	lastText      string
	lastOpts      genai.Options
}

func (g *fakeGenerator) Generate(_ context.Context, _ genai.ArtifactType, text string, opts genai.Options) (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.generateCalls++
	g.lastText = text
	g.lastOpts = opts
	if g.err != nil {
		return nil, g.err
	}
	return g.raw, nil
}

func (g *fakeGenerator) Embed(_ context.Context, _ string) ([]float64, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.embedCalls++
	if g.embedErr != nil {
		return nil, "", g.embedErr
	}
	return g.vector, g.model, nil
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generateCalls
}

func testConfig() config.Config {
	return config.Config{
		GenTimeout:  time.Second,
		LockWaitMax: time.Second,
	}
}

func summaryBackendResponse() json.RawMessage {
	return json.RawMessage(`{"summary":"Photosynthesis converts light into chemical energy.","word_count":6,"confidence":0.92,"model":"llama3"}`)
}

func seedMaterial(fs *fakeStore, m store.Material) store.Material {
	if m.ID == "" {
		m.ID = "mat_1"
	}
	if m.ExtractedText == "" {
		m.ExtractedText = "Photosynthesis is the process plants use to convert light."
	}
	fs.materials[m.ID] = m
	return m
}

func assertDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d/%s, got %d/%s", status, code, domainErr.Status, domainErr.Code)
	}
}

func TestGetOrGenerateRejectsUnknownType(t *testing.T) {
	fs := newFakeStore()
	gen := &fakeGenerator{}
	svc := New(testConfig(), fs, gen)

	_, err := svc.GetOrGenerate(context.Background(), "mat_1", "poem", "user-1", genai.Options{})
	assertDomainError(t, err, 400, "INVALID_TYPE")
	if gen.calls() != 0 {
		t.Fatalf("backend called for invalid type")
	}
}

func TestGetOrGenerateMissingMaterial(t *testing.T) {
	svc := New(testConfig(), newFakeStore(), &fakeGenerator{})
	_, err := svc.GetOrGenerate(context.Background(), "mat_missing", genai.TypeSummary, "user-1", genai.Options{})
	assertDomainError(t, err, 404, "NOT_FOUND")
}

func TestGetOrGeneratePrivateMaterialHiddenFromStranger(t *testing.T) {
	fs := newFakeStore()
	seedMaterial(fs, store.Material{ID: "mat_1", OwnerID: "owner", AIEnabled: true})
	gen := &fakeGenerator{raw: summaryBackendResponse()}
	svc := New(testConfig(), fs, gen)

	_, err := svc.GetOrGenerate(context.Background(), "mat_1", genai.TypeSummary, "stranger", genai.Options{})
	assertDomainError(t, err, 403, "FORBIDDEN")
	if gen.calls() != 0 {
		t.Fatalf("backend called for forbidden request")
	}
}

func TestGetOrGenerateCacheHitSkipsBackend(t *testing.T) {
	fs := newFakeStore()
	existing, err := fs.InsertVersion(context.Background(), store.ArtifactVersion{
		MaterialID: "mat_1",
		Type:       string(genai.TypeSummary),
		Content:    json.RawMessage(`{"type":"summary","summary":"cached"}`),
		Preview:    "cached",
	})
	if err != nil {
		t.Fatal(err)
	}
	// AI disabled after the artifact was made; it must stay readable.
	seedMaterial(fs, store.Material{
		ID: "mat_1", OwnerID: "owner", AIEnabled: false,
		LatestArtifacts: map[string]string{string(genai.TypeSummary): existing.ID},
	})
	gen := &fakeGenerator{}
	svc := New(testConfig(), fs, gen)

	got, err := svc.GetOrGenerate(context.Background(), "mat_1", genai.TypeSummary, "owner", genai.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != existing.ID {
		t.Fatalf("expected cached version %s, got %s", existing.ID, got.ID)
	}
	if gen.calls() != 0 {
		t.Fatalf("backend called on cache hit")
	}
}

func TestGetOrGenerateDisabledBlocksNewGeneration(t *testing.T) {
	fs := newFakeStore()
	seedMaterial(fs, store.Material{ID: "mat_1", OwnerID: "owner", AIEnabled: false})
	gen := &fakeGenerator{raw: summaryBackendResponse()}
	svc := New(testConfig(), fs, gen)

	_, err := svc.GetOrGenerate(context.Background(), "mat_1", genai.TypeSummary, "owner", genai.Options{})
	assertDomainError(t, err, 403, "FORBIDDEN")
	if gen.calls() != 0 {
		t.Fatalf("backend called while disabled")
	}
}

func TestGetOrGeneratePublicReadDoesNotAllowGeneration(t *testing.T) {
	fs := newFakeStore()
	seedMaterial(fs, store.Material{ID: "mat_1", OwnerID: "owner", IsPublic: true, AIEnabled: true})
	gen := &fakeGenerator{raw: summaryBackendResponse()}
	svc := New(testConfig(), fs, gen)

	_, err := svc.GetOrGenerate(context.Background(), "mat_1", genai.TypeSummary, "stranger", genai.Options{})
	assertDomainError(t, err, 403, "FORBIDDEN")
	if gen.calls() != 0 {
		t.Fatalf("stranger triggered generation on a public material")
	}
}

func TestGetOrGenerateCreatesVersionAndPointer(t *testing.T) {
	fs := newFakeStore()
	seedMaterial(fs, store.Material{ID: "mat_1", OwnerID: "owner", AIEnabled: true})
	gen := &fakeGenerator{raw: summaryBackendResponse(), vector: []float64{0.1, 0.2}, model: "all-MiniLM-L6-v2"}
	svc := New(testConfig(), fs, gen)

	got, err := svc.GetOrGenerate(context.Background(), "mat_1", genai.TypeSummary, "owner", genai.Options{Language: "en"})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID == "" {
		t.Fatal("version id not assigned")
	}
	if got.Preview == "" {
		t.Fatal("preview not derived from content")
	}
	if got.ModelName != "llama3" {
		t.Fatalf("model name %q", got.ModelName)
	}
	if got.Confidence == nil || *got.Confidence != 0.92 {
		t.Fatalf("confidence %v", got.Confidence)
	}
	if got.GeneratedBy != store.GeneratedByUser {
		t.Fatalf("generated_by %q", got.GeneratedBy)
	}

	material := fs.materials["mat_1"]
	if material.LatestArtifacts[string(genai.TypeSummary)] != got.ID {
		t.Fatalf("pointer map not updated: %v", material.LatestArtifacts)
	}
	if _, err := fs.GetEmbeddingByVersion(context.Background(), got.ID); err != nil {
		t.Fatalf("embedding not stored: %v", err)
	}

	var content genai.Content
	if err := json.Unmarshal(got.Content, &content); err != nil {
		t.Fatal(err)
	}
	if content.Type != genai.TypeSummary || content.Summary == "" {
		t.Fatalf("content %+v", content)
	}
}

func TestGetOrGenerateSecondCallReusesVersion(t *testing.T) {
	fs := newFakeStore()
	seedMaterial(fs, store.Material{ID: "mat_1", OwnerID: "owner", AIEnabled: true})
	gen := &fakeGenerator{raw: summaryBackendResponse()}
	svc := New(testConfig(), fs, gen)

	first, err := svc.GetOrGenerate(context.Background(), "mat_1", genai.TypeSummary, "owner", genai.Options{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.GetOrGenerate(context.Background(), "mat_1", genai.TypeSummary, "owner", genai.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("second call generated a new version: %s vs %s", first.ID, second.ID)
	}
	if gen.calls() != 1 {
		t.Fatalf("backend called %d times", gen.calls())
	}
}

func TestGetOrGenerateEmbeddingFailureIsSwallowed(t *testing.T) {
	fs := newFakeStore()
	seedMaterial(fs, store.Material{ID: "mat_1", OwnerID: "owner", AIEnabled: true})
	gen := &fakeGenerator{raw: summaryBackendResponse(), embedErr: errors.New("embedding backend down")}
	svc := New(testConfig(), fs, gen)

	got, err := svc.GetOrGenerate(context.Background(), "mat_1", genai.TypeSummary, "owner", genai.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.GetEmbeddingByVersion(context.Background(), got.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected no embedding, got %v", err)
	}
}

func TestGetOrGeneratePointerUpdateFailureIsNonFatal(t *testing.T) {
	fs := newFakeStore()
	fs.setLatestErr = errors.New("connection reset")
	seedMaterial(fs, store.Material{ID: "mat_1", OwnerID: "owner", AIEnabled: true})
	svc := New(testConfig(), fs, &fakeGenerator{raw: summaryBackendResponse()})

	got, err := svc.GetOrGenerate(context.Background(), "mat_1", genai.TypeSummary, "owner", genai.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := fs.versions[got.ID]; !ok {
		t.Fatal("version was not persisted")
	}
}

func TestGetOrGenerateStalePointerFallsBackToVersionStore(t *testing.T) {
	fs := newFakeStore()
	existing, err := fs.InsertVersion(context.Background(), store.ArtifactVersion{
		MaterialID: "mat_1",
		Type:       string(genai.TypeSummary),
		Content:    json.RawMessage(`{"type":"summary"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	seedMaterial(fs, store.Material{
		ID: "mat_1", OwnerID: "owner", AIEnabled: true,
		LatestArtifacts: map[string]string{string(genai.TypeSummary): "ver_gone"},
	})
	gen := &fakeGenerator{}
	svc := New(testConfig(), fs, gen)

	got, err := svc.GetOrGenerate(context.Background(), "mat_1", genai.TypeSummary, "owner", genai.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != existing.ID {
		t.Fatalf("expected fallback to %s, got %s", existing.ID, got.ID)
	}
	if gen.calls() != 0 {
		t.Fatalf("backend called despite an existing version")
	}
}

func TestGetOrGenerateEmptyTextFails(t *testing.T) {
	fs := newFakeStore()
	seedMaterial(fs, store.Material{ID: "mat_1", OwnerID: "owner", AIEnabled: true, ExtractedText: "   \n\t "})
	svc := New(testConfig(), fs, &fakeGenerator{raw: summaryBackendResponse()})

	_, err := svc.GetOrGenerate(context.Background(), "mat_1", genai.TypeSummary, "owner", genai.Options{})
	assertDomainError(t, err, 502, "GENERATION_FAILED")
	if len(fs.versions) != 0 {
		t.Fatalf("version persisted for empty text")
	}
}

func TestGetOrGenerateBackendFailurePersistsNothing(t *testing.T) {
	fs := newFakeStore()
	seedMaterial(fs, store.Material{ID: "mat_1", OwnerID: "owner", AIEnabled: true})
	svc := New(testConfig(), fs, &fakeGenerator{err: errors.New("model overloaded")})

	_, err := svc.GetOrGenerate(context.Background(), "mat_1", genai.TypeSummary, "owner", genai.Options{})
	assertDomainError(t, err, 502, "GENERATION_FAILED")
	if len(fs.versions) != 0 {
		t.Fatalf("version persisted after backend failure")
	}
	m := fs.materials["mat_1"]
	if len(m.LatestArtifacts) != 0 {
		t.Fatalf("pointer updated after backend failure")
	}
}

// fakeLocker scripts dedupe lock outcomes.
type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	err      error
	releases int
}

func (l *fakeLocker) Key(materialID, artifactType string) string {
	return "genlock:" + materialID + ":" + artifactType
}

func (l *fakeLocker) Acquire(_ context.Context, _ string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", false, l.err
	}
	if l.held {
		return "", false, nil
	}
	l.held = true
	return "token-1", true, nil
}

func (l *fakeLocker) Release(_ context.Context, _, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.releases++
	return nil
}

func TestGenerateReleasesDedupeLock(t *testing.T) {
	fs := newFakeStore()
	seedMaterial(fs, store.Material{ID: "mat_1", OwnerID: "owner", AIEnabled: true})
	locker := &fakeLocker{}
	svc := NewWithDeps(testConfig(), fs, &fakeGenerator{raw: summaryBackendResponse()}, locker, nil, nil)

	if _, err := svc.GetOrGenerate(context.Background(), "mat_1", genai.TypeSummary, "owner", genai.Options{}); err != nil {
		t.Fatal(err)
	}
	if locker.releases != 1 {
		t.Fatalf("lock released %d times", locker.releases)
	}
	if locker.held {
		t.Fatal("lock still held")
	}
}

func TestGenerateDegradesWhenLockBackendDown(t *testing.T) {
	fs := newFakeStore()
	seedMaterial(fs, store.Material{ID: "mat_1", OwnerID: "owner", AIEnabled: true})
	locker := &fakeLocker{err: errors.New("redis unreachable")}
	svc := NewWithDeps(testConfig(), fs, &fakeGenerator{raw: summaryBackendResponse()}, locker, nil, nil)

	got, err := svc.GetOrGenerate(context.Background(), "mat_1", genai.TypeSummary, "owner", genai.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID == "" {
		t.Fatal("generation did not proceed without the lock")
	}
}

func TestGenerateTimesOutWaitingForLockHolder(t *testing.T) {
	fs := newFakeStore()
	seedMaterial(fs, store.Material{ID: "mat_1", OwnerID: "owner", AIEnabled: true})
	locker := &fakeLocker{held: true}
	cfg := testConfig()
	cfg.LockWaitMax = -time.Millisecond
	svc := NewWithDeps(cfg, fs, &fakeGenerator{raw: summaryBackendResponse()}, locker, nil, nil)

	_, err := svc.GetOrGenerate(context.Background(), "mat_1", genai.TypeSummary, "owner", genai.Options{})
	assertDomainError(t, err, 502, "GENERATION_FAILED")
}

func TestListVersionsRequiresAccess(t *testing.T) {
	fs := newFakeStore()
	seedMaterial(fs, store.Material{ID: "mat_1", OwnerID: "owner"})
	svc := New(testConfig(), fs, &fakeGenerator{})

	if _, err := svc.ListVersions(context.Background(), "mat_1", "", "stranger"); err == nil {
		t.Fatal("expected forbidden")
	}
	if _, err := svc.ListVersions(context.Background(), "mat_1", "poem", "owner"); err == nil {
		t.Fatal("expected invalid type")
	}
	if _, err := svc.ListVersions(context.Background(), "mat_1", "", "owner"); err != nil {
		t.Fatal(err)
	}
}

func TestGetVersionVisibilityFollowsMaterial(t *testing.T) {
	fs := newFakeStore()
	seedMaterial(fs, store.Material{ID: "mat_1", OwnerID: "owner"})
	v, err := fs.InsertVersion(context.Background(), store.ArtifactVersion{MaterialID: "mat_1", Type: string(genai.TypeSummary)})
	if err != nil {
		t.Fatal(err)
	}
	svc := New(testConfig(), fs, &fakeGenerator{})

	if _, err := svc.GetVersion(context.Background(), v.ID, "owner"); err != nil {
		t.Fatal(err)
	}
	_, err = svc.GetVersion(context.Background(), v.ID, "stranger")
	assertDomainError(t, err, 403, "FORBIDDEN")
	_, err = svc.GetVersion(context.Background(), "ver_missing", "owner")
	assertDomainError(t, err, 404, "NOT_FOUND")
}

func TestEnqueueGenerationDeduplicatesActiveJobs(t *testing.T) {
	fs := newFakeStore()
	seedMaterial(fs, store.Material{ID: "mat_1", OwnerID: "owner", AIEnabled: true})
	svc := New(testConfig(), fs, &fakeGenerator{})

	first, reused, err := svc.EnqueueGeneration(context.Background(), "mat_1", genai.TypeQuiz, "owner", 0)
	if err != nil {
		t.Fatal(err)
	}
	if reused {
		t.Fatal("first enqueue reported reuse")
	}
	if first.Status != store.JobPending {
		t.Fatalf("status %q", first.Status)
	}

	second, reused, err := svc.EnqueueGeneration(context.Background(), "mat_1", genai.TypeQuiz, "owner", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !reused || second.ID != first.ID {
		t.Fatalf("expected the existing job back, got %s reused=%v", second.ID, reused)
	}

	// A different type queues independently.
	other, reused, err := svc.EnqueueGeneration(context.Background(), "mat_1", genai.TypeSummary, "owner", 0)
	if err != nil {
		t.Fatal(err)
	}
	if reused || other.ID == first.ID {
		t.Fatalf("summary job not independent: %s reused=%v", other.ID, reused)
	}
}

func TestEnqueueGenerationChecksOwnerAndFlag(t *testing.T) {
	fs := newFakeStore()
	seedMaterial(fs, store.Material{ID: "mat_1", OwnerID: "owner", IsPublic: true, AIEnabled: true})
	seedMaterial(fs, store.Material{ID: "mat_2", OwnerID: "owner", AIEnabled: false})
	svc := New(testConfig(), fs, &fakeGenerator{})

	_, _, err := svc.EnqueueGeneration(context.Background(), "mat_1", genai.TypeSummary, "stranger", 0)
	assertDomainError(t, err, 403, "FORBIDDEN")
	_, _, err = svc.EnqueueGeneration(context.Background(), "mat_2", genai.TypeSummary, "owner", 0)
	assertDomainError(t, err, 403, "FORBIDDEN")
}

func TestEmbeddingByVersionFollowsVisibility(t *testing.T) {
	fs := newFakeStore()
	seedMaterial(fs, store.Material{ID: "mat_1", OwnerID: "owner"})
	v, err := fs.InsertVersion(context.Background(), store.ArtifactVersion{MaterialID: "mat_1", Type: string(genai.TypeSummary)})
	if err != nil {
		t.Fatal(err)
	}
	bare, err := fs.InsertVersion(context.Background(), store.ArtifactVersion{MaterialID: "mat_1", Type: string(genai.TypeQuiz)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.InsertEmbedding(context.Background(), store.Embedding{VersionID: v.ID, Vector: []float64{0.5, 0.5}}); err != nil {
		t.Fatal(err)
	}
	svc := New(testConfig(), fs, &fakeGenerator{})

	got, err := svc.EmbeddingByVersion(context.Background(), v.ID, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if got.Dimensions != 2 {
		t.Fatalf("dimensions %d", got.Dimensions)
	}
	_, err = svc.EmbeddingByVersion(context.Background(), v.ID, "stranger")
	assertDomainError(t, err, 403, "FORBIDDEN")
	_, err = svc.EmbeddingByVersion(context.Background(), bare.ID, "owner")
	assertDomainError(t, err, 404, "NOT_FOUND")
}

func TestBootstrapSeedsDemoMaterialOnce(t *testing.T) {
	fs := newFakeStore()
	cfg := testConfig()
	cfg.SeedDemo = true
	svc := New(cfg, fs, &fakeGenerator{})

	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	m, err := fs.GetMaterial(context.Background(), "mat_demo")
	if err != nil {
		t.Fatal(err)
	}
	if !m.AIEnabled || m.ExtractedText == "" {
		t.Fatalf("demo material %+v", m)
	}
	if err := svc.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fs.materials) != 1 {
		t.Fatalf("bootstrap reseeded: %d materials", len(fs.materials))
	}

	cfg.SeedDemo = false
	empty := newFakeStore()
	if err := New(cfg, empty, &fakeGenerator{}).Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(empty.materials) != 0 {
		t.Fatal("seeded without the flag")
	}
}

func TestJobStatusVisibleToCreatorAndOwner(t *testing.T) {
	fs := newFakeStore()
	seedMaterial(fs, store.Material{ID: "mat_1", OwnerID: "owner", AIEnabled: true})
	jobID, _, err := fs.CreateJob(context.Background(), store.GenerationJob{
		MaterialID: "mat_1", UserID: "owner", JobType: string(genai.TypeSummary),
	})
	if err != nil {
		t.Fatal(err)
	}
	svc := New(testConfig(), fs, &fakeGenerator{})

	if _, err := svc.JobStatus(context.Background(), jobID, "owner"); err != nil {
		t.Fatal(err)
	}
	_, err = svc.JobStatus(context.Background(), jobID, "stranger")
	assertDomainError(t, err, 403, "FORBIDDEN")
	_, err = svc.JobStatus(context.Background(), "job_missing", "owner")
	assertDomainError(t, err, 404, "NOT_FOUND")
}
