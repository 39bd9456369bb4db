package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"studyloop/api/internal/util"
)

var (
	// ErrDimensionMismatch is returned when an embedding vector does not
	// match the deployment's configured dimensionality.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

const pgUniqueViolation = "23505"

type PostgresStore struct {
	db            *sql.DB
	embeddingDims int
}

func NewPostgresStore(db *sql.DB, embeddingDims int) *PostgresStore {
	return &PostgresStore{db: db, embeddingDims: embeddingDims}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- materials -------------------------------------------------------------

func (s *PostgresStore) GetMaterial(ctx context.Context, id string) (Material, error) {
	const query = `
		SELECT id, owner_id, is_public, ai_enabled,
		       COALESCE(extracted_text, ''), COALESCE(object_key, ''),
		       COALESCE(latest_artifacts::text, '{}'),
		       created_at, updated_at
		FROM materials
		WHERE id = $1 AND deleted_at IS NULL
	`
	var m Material
	var pointers string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.OwnerID, &m.IsPublic, &m.AIEnabled,
		&m.ExtractedText, &m.ObjectKey, &pointers,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return Material{}, err
	}
	if err := json.Unmarshal([]byte(pointers), &m.LatestArtifacts); err != nil {
		// A corrupt pointer map is recoverable: the version store is the
		// source of truth, so treat it as empty.
		m.LatestArtifacts = map[string]string{}
	}
	return m, nil
}

// SetLatestArtifact merges one type -> version entry into the material's
// latest_artifacts pointer map. The map is a read optimization only; callers
// must tolerate this update failing.
func (s *PostgresStore) SetLatestArtifact(ctx context.Context, materialID, artifactType, versionID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE materials
		SET latest_artifacts = COALESCE(latest_artifacts, '{}'::jsonb) || jsonb_build_object($2::text, $3::text),
		    updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, materialID, artifactType, versionID)
	if err != nil {
		return fmt.Errorf("update latest_artifacts: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("material %s not found", materialID)
	}
	return nil
}

// InsertMaterial exists for bootstrap and test fixtures; production rows are
// created by the upload feature of the main application.
func (s *PostgresStore) InsertMaterial(ctx context.Context, m Material) (string, error) {
	if m.ID == "" {
		m.ID = util.NewID(util.PrefixMaterial)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO materials (id, owner_id, is_public, ai_enabled, extracted_text, object_key)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.OwnerID, m.IsPublic, m.AIEnabled, m.ExtractedText, m.ObjectKey)
	if err != nil {
		return "", fmt.Errorf("insert material: %w", err)
	}
	return m.ID, nil
}

// --- artifact versions -----------------------------------------------------

func (s *PostgresStore) InsertVersion(ctx context.Context, v ArtifactVersion) (ArtifactVersion, error) {
	if v.ID == "" {
		v.ID = util.NewID(util.PrefixVersion)
	}
	if len(v.Content) == 0 {
		v.Content = json.RawMessage(`{}`)
	}
	if len(v.ModelParams) == 0 {
		v.ModelParams = json.RawMessage(`{}`)
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO artifact_versions
			(id, material_id, type, content, model_name, model_params,
			 confidence, language, preview, created_by, generated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11)
		RETURNING created_at
	`, v.ID, v.MaterialID, v.Type, string(v.Content), v.ModelName, string(v.ModelParams),
		v.Confidence, v.Language, v.Preview, v.CreatedBy, v.GeneratedBy,
	).Scan(&v.CreatedAt)
	if err != nil {
		return ArtifactVersion{}, fmt.Errorf("insert artifact version: %w", err)
	}
	return v, nil
}

const versionColumns = `
	id, material_id, type, content::text, model_name, model_params::text,
	confidence, COALESCE(language, ''), preview, created_by, generated_by, created_at
`

func scanVersion(row interface{ Scan(...any) error }) (ArtifactVersion, error) {
	var v ArtifactVersion
	var content, params string
	err := row.Scan(
		&v.ID, &v.MaterialID, &v.Type, &content, &v.ModelName, &params,
		&v.Confidence, &v.Language, &v.Preview, &v.CreatedBy, &v.GeneratedBy, &v.CreatedAt,
	)
	if err != nil {
		return ArtifactVersion{}, err
	}
	v.Content = json.RawMessage(content)
	v.ModelParams = json.RawMessage(params)
	return v, nil
}

// LatestVersionByType returns the newest version for (material, type).
// Ties on created_at break by id descending so reads stay deterministic.
func (s *PostgresStore) LatestVersionByType(ctx context.Context, materialID, artifactType string) (ArtifactVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM artifact_versions
		WHERE material_id = $1 AND type = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, materialID, artifactType)
	return scanVersion(row)
}

// ListVersions returns the version history for a material, newest first.
// An empty artifactType lists every type.
func (s *PostgresStore) ListVersions(ctx context.Context, materialID, artifactType string) ([]ArtifactVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM artifact_versions
		WHERE material_id = $1 AND ($2 = '' OR type = $2)
		ORDER BY created_at DESC, id DESC
	`, materialID, artifactType)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []ArtifactVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *PostgresStore) GetVersion(ctx context.Context, id string) (ArtifactVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM artifact_versions
		WHERE id = $1
	`, id)
	return scanVersion(row)
}

// --- embeddings ------------------------------------------------------------

func (s *PostgresStore) InsertEmbedding(ctx context.Context, e Embedding) (string, error) {
	if len(e.Vector) != s.embeddingDims {
		return "", fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(e.Vector), s.embeddingDims)
	}
	if e.ID == "" {
		e.ID = util.NewID(util.PrefixEmbedding)
	}
	vector, err := json.Marshal(e.Vector)
	if err != nil {
		return "", fmt.Errorf("encode vector: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO embeddings (id, version_id, vector, dimensions, model_name)
		VALUES ($1, $2, $3, $4, $5)
	`, e.ID, e.VersionID, string(vector), len(e.Vector), e.ModelName)
	if err != nil {
		return "", fmt.Errorf("insert embedding: %w", err)
	}
	return e.ID, nil
}

func (s *PostgresStore) GetEmbeddingByVersion(ctx context.Context, versionID string) (Embedding, error) {
	var e Embedding
	var vector string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, version_id, vector::text, dimensions, model_name, created_at
		FROM embeddings
		WHERE version_id = $1
	`, versionID).Scan(&e.ID, &e.VersionID, &vector, &e.Dimensions, &e.ModelName, &e.CreatedAt)
	if err != nil {
		return Embedding{}, err
	}
	if err := json.Unmarshal([]byte(vector), &e.Vector); err != nil {
		return Embedding{}, fmt.Errorf("decode vector: %w", err)
	}
	return e, nil
}

// --- generation jobs -------------------------------------------------------

// CreateJob inserts a new pending job, unless a pending or processing job
// already exists for the same (material, job_type); in that case the
// existing job's id is returned with reused=true. A partial unique index
// backs the dedupe, so two racing creators converge on one row.
func (s *PostgresStore) CreateJob(ctx context.Context, job GenerationJob) (string, bool, error) {
	if existing, err := s.activeJobID(ctx, job.MaterialID, job.JobType); err != nil {
		return "", false, err
	} else if existing != "" {
		return existing, true, nil
	}

	if job.ID == "" {
		job.ID = util.NewID(util.PrefixJob)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generation_jobs (id, material_id, user_id, job_type, status, priority, max_attempts)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6)
	`, job.ID, job.MaterialID, job.UserID, job.JobType, job.Priority, job.MaxAttempts)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			// Lost the creation race; hand back the winner.
			existing, selErr := s.activeJobID(ctx, job.MaterialID, job.JobType)
			if selErr == nil && existing != "" {
				return existing, true, nil
			}
		}
		return "", false, fmt.Errorf("insert job: %w", err)
	}
	return job.ID, false, nil
}

func (s *PostgresStore) activeJobID(ctx context.Context, materialID, jobType string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM generation_jobs
		WHERE material_id = $1 AND job_type = $2 AND status IN ('pending', 'processing')
		ORDER BY created_at ASC
		LIMIT 1
	`, materialID, jobType).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup active job: %w", err)
	}
	return id, nil
}

const jobColumns = `
	id, material_id, user_id, job_type, status, priority, attempts, max_attempts,
	COALESCE(error_message, ''), COALESCE(result::text, ''), started_at, completed_at, created_at
`

func scanJob(row interface{ Scan(...any) error }) (GenerationJob, error) {
	var j GenerationJob
	var result string
	err := row.Scan(
		&j.ID, &j.MaterialID, &j.UserID, &j.JobType, &j.Status, &j.Priority,
		&j.Attempts, &j.MaxAttempts, &j.ErrorMessage, &result,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt,
	)
	if err != nil {
		return GenerationJob{}, err
	}
	if result != "" {
		j.Result = json.RawMessage(result)
	}
	return j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (GenerationJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// PendingJobs returns claimable candidates in dispatch order.
func (s *PostgresStore) PendingJobs(ctx context.Context, limit int) ([]GenerationJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM generation_jobs
		WHERE status = 'pending' AND attempts < max_attempts
		ORDER BY priority DESC, created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []GenerationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ReclaimStaleJobs requeues processing jobs whose claim started before
// cutoff, covering workers that died without recording an outcome. The
// lost attempt is not counted; it produced nothing.
func (s *PostgresStore) ReclaimStaleJobs(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = 'pending', started_at = NULL
		WHERE status = 'processing' AND started_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs rows: %w", err)
	}
	return int(n), nil
}

// ClaimJob transitions one job from pending to processing. The conditional
// WHERE is the cross-process coordination point: of two racing workers only
// one sees RowsAffected == 1, the other must concede.
func (s *PostgresStore) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = 'processing', started_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, jobID)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job rows: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = 'completed', result = $2, completed_at = NOW(), error_message = NULL
		WHERE id = $1 AND status = 'processing'
	`, jobID, string(result))
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// FailJob records one failed attempt: the job goes back to pending while
// attempts remain, and terminates as failed once they are exhausted.
func (s *PostgresStore) FailJob(ctx context.Context, jobID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE generation_jobs
		SET attempts = attempts + 1,
		    error_message = $2,
		    status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
		    completed_at = CASE WHEN attempts + 1 >= max_attempts THEN NOW() ELSE NULL END,
		    started_at = CASE WHEN attempts + 1 >= max_attempts THEN started_at ELSE NULL END
		WHERE id = $1 AND status = 'processing'
	`, jobID, message)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}
