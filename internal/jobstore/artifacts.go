package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cratedig/internal/fingerprint"
)

const (
	// indexWriteChunk bounds how many embedding rows land per transaction
	// during backfill, keeping write locks short.
	indexWriteChunk = 128
	// busyWriteAttempts and busyWriteDelay govern retries when a batched
	// write loses a lock race with another connection.
	busyWriteAttempts = 3
	busyWriteDelay    = 50 * time.Millisecond
)

// SaveFeatures upserts a sample's feature vector.
func (s *Store) SaveFeatures(ctx context.Context, row FeatureRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO features (sample_id, feat_version, vec_blob, computed_at)
         VALUES (?, ?, ?, ?)
         ON CONFLICT (sample_id) DO UPDATE SET
            feat_version = excluded.feat_version,
            vec_blob = excluded.vec_blob,
            computed_at = excluded.computed_at`,
		row.SampleID, row.FeatVersion, row.Vec, row.ComputedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save features: %w", err)
	}
	return nil
}

// SaveEmbedding upserts a sample's embedding.
func (s *Store) SaveEmbedding(ctx context.Context, row EmbeddingRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings (sample_id, model_id, dim, dtype, l2_normed, vec, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (sample_id) DO UPDATE SET
            model_id = excluded.model_id,
            dim = excluded.dim,
            dtype = excluded.dtype,
            l2_normed = excluded.l2_normed,
            vec = excluded.vec,
            created_at = excluded.created_at`,
		row.SampleID, row.ModelID, row.Dim, row.Dtype, boolToInt(row.L2Normed), row.Vec,
		row.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save embedding: %w", err)
	}
	return nil
}

// GetFeatures fetches a sample's feature row, or nil when absent.
func (s *Store) GetFeatures(ctx context.Context, sampleID string) (*FeatureRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sample_id, feat_version, vec_blob, computed_at FROM features WHERE sample_id = ?`,
		sampleID,
	)
	var (
		out         FeatureRow
		computedRaw string
	)
	err := row.Scan(&out.SampleID, &out.FeatVersion, &out.Vec, &computedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get features: %w", err)
	}
	if ts, err := parseTimeString(computedRaw); err == nil {
		out.ComputedAt = ts
	}
	return &out, nil
}

// GetEmbedding fetches a sample's embedding row, or nil when absent.
func (s *Store) GetEmbedding(ctx context.Context, sampleID string) (*EmbeddingRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sample_id, model_id, dim, dtype, l2_normed, vec, created_at FROM embeddings WHERE sample_id = ?`,
		sampleID,
	)
	out, err := scanEmbedding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding: %w", err)
	}
	return out, nil
}

// EmbeddingsForSamples returns stored embeddings keyed by sample ID.
func (s *Store) EmbeddingsForSamples(ctx context.Context, sampleIDs []string) (map[string]EmbeddingRow, error) {
	if len(sampleIDs) == 0 {
		return map[string]EmbeddingRow{}, nil
	}
	args := make([]any, 0, len(sampleIDs))
	for _, id := range sampleIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sample_id, model_id, dim, dtype, l2_normed, vec, created_at
         FROM embeddings WHERE sample_id IN (`+makePlaceholders(len(sampleIDs))+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("embeddings for samples: %w", err)
	}
	defer rows.Close()

	out := make(map[string]EmbeddingRow, len(sampleIDs))
	for rows.Next() {
		row, err := scanEmbedding(rows)
		if err != nil {
			return nil, err
		}
		out[row.SampleID] = *row
	}
	return out, rows.Err()
}

// PutCachedFeatures records a feature vector in the content-hash cache.
func (s *Store) PutCachedFeatures(ctx context.Context, row CachedFeatures) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_cache_features
            (content_hash, analysis_version, feat_version, vec_blob, computed_at, duration_seconds, sr_used)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (content_hash, analysis_version, feat_version) DO UPDATE SET
            vec_blob = excluded.vec_blob,
            computed_at = excluded.computed_at,
            duration_seconds = excluded.duration_seconds,
            sr_used = excluded.sr_used`,
		row.ContentHash, row.AnalysisVersion, row.FeatVersion, row.Vec,
		row.ComputedAt.UTC().Format(time.RFC3339Nano),
		nullableFloat(row.DurationSeconds), nullableInt(row.SRUsed),
	)
	if err != nil {
		return fmt.Errorf("cache features: %w", err)
	}
	return nil
}

// PutCachedEmbedding records an embedding in the content-hash cache.
func (s *Store) PutCachedEmbedding(ctx context.Context, row CachedEmbedding) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_cache_embeddings
            (content_hash, analysis_version, model_id, dim, dtype, l2_normed, vec, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (content_hash, analysis_version, model_id) DO UPDATE SET
            dim = excluded.dim,
            dtype = excluded.dtype,
            l2_normed = excluded.l2_normed,
            vec = excluded.vec,
            created_at = excluded.created_at`,
		row.ContentHash, row.AnalysisVersion, row.ModelID, row.Dim, row.Dtype,
		boolToInt(row.L2Normed), row.Vec, row.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("cache embedding: %w", err)
	}
	return nil
}

// GetCachedFeatures fetches a feature-cache entry, or nil on miss.
func (s *Store) GetCachedFeatures(ctx context.Context, key fingerprint.ContentKey, featVersion int) (*CachedFeatures, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT content_hash, analysis_version, feat_version, vec_blob, computed_at, duration_seconds, sr_used
         FROM analysis_cache_features
         WHERE content_hash = ? AND analysis_version = ? AND feat_version = ?`,
		key.Hash, key.AnalysisVersion, featVersion,
	)
	var (
		out         CachedFeatures
		computedRaw string
		duration    sql.NullFloat64
		srUsed      sql.NullInt64
	)
	err := row.Scan(&out.ContentHash, &out.AnalysisVersion, &out.FeatVersion, &out.Vec, &computedRaw, &duration, &srUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cached features: %w", err)
	}
	if ts, err := parseTimeString(computedRaw); err == nil {
		out.ComputedAt = ts
	}
	if duration.Valid {
		v := duration.Float64
		out.DurationSeconds = &v
	}
	if srUsed.Valid {
		v := int(srUsed.Int64)
		out.SRUsed = &v
	}
	return &out, nil
}

// GetCachedEmbedding fetches an embedding-cache entry, or nil on miss.
func (s *Store) GetCachedEmbedding(ctx context.Context, key fingerprint.ContentKey, modelID string) (*CachedEmbedding, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT content_hash, analysis_version, model_id, dim, dtype, l2_normed, vec, created_at
         FROM analysis_cache_embeddings
         WHERE content_hash = ? AND analysis_version = ? AND model_id = ?`,
		key.Hash, key.AnalysisVersion, modelID,
	)
	var (
		out        CachedEmbedding
		l2         int
		createdRaw string
	)
	err := row.Scan(&out.ContentHash, &out.AnalysisVersion, &out.ModelID, &out.Dim, &out.Dtype, &l2, &out.Vec, &createdRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cached embedding: %w", err)
	}
	out.L2Normed = l2 != 0
	if ts, err := parseTimeString(createdRaw); err == nil {
		out.CreatedAt = ts
	}
	return &out, nil
}

// UpsertIndexEntry writes one sample's embedding into the similarity index.
func (s *Store) UpsertIndexEntry(ctx context.Context, sampleID string, dim int, vec []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ann_index (sample_id, dim, vec, updated_at)
         VALUES (?, ?, ?, ?)
         ON CONFLICT (sample_id) DO UPDATE SET
            dim = excluded.dim,
            vec = excluded.vec,
            updated_at = excluded.updated_at`,
		sampleID, dim, vec, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert index entry: %w", err)
	}
	return nil
}

// IndexEntryCount returns the number of samples present in the similarity
// index.
func (s *Store) IndexEntryCount(ctx context.Context) (int, error) {
	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM ann_index`)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("index entry count: %w", err)
	}
	return count, nil
}

// WriteEmbeddingBatch persists embeddings and their index entries in chunks,
// each chunk inside one IMMEDIATE transaction. Lock contention retries a few
// times before surfacing.
func (s *Store) WriteEmbeddingBatch(ctx context.Context, rows []EmbeddingRow) error {
	for start := 0; start < len(rows); start += indexWriteChunk {
		end := start + indexWriteChunk
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		err := retryBusy(ctx, func() error {
			return s.withImmediate(ctx, func(conn *sql.Conn) error {
				now := time.Now().UTC().Format(time.RFC3339Nano)
				for _, row := range chunk {
					if _, err := conn.ExecContext(ctx,
						`INSERT INTO embeddings (sample_id, model_id, dim, dtype, l2_normed, vec, created_at)
                         VALUES (?, ?, ?, ?, ?, ?, ?)
                         ON CONFLICT (sample_id) DO UPDATE SET
                            model_id = excluded.model_id,
                            dim = excluded.dim,
                            dtype = excluded.dtype,
                            l2_normed = excluded.l2_normed,
                            vec = excluded.vec,
                            created_at = excluded.created_at`,
						row.SampleID, row.ModelID, row.Dim, row.Dtype, boolToInt(row.L2Normed), row.Vec,
						row.CreatedAt.UTC().Format(time.RFC3339Nano),
					); err != nil {
						return fmt.Errorf("write embedding for %s: %w", row.SampleID, err)
					}
					if _, err := conn.ExecContext(ctx,
						`INSERT INTO ann_index (sample_id, dim, vec, updated_at)
                         VALUES (?, ?, ?, ?)
                         ON CONFLICT (sample_id) DO UPDATE SET
                            dim = excluded.dim,
                            vec = excluded.vec,
                            updated_at = excluded.updated_at`,
						row.SampleID, row.Dim, row.Vec, now,
					); err != nil {
						return fmt.Errorf("write index entry for %s: %w", row.SampleID, err)
					}
				}
				return nil
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func retryBusy(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < busyWriteAttempts; attempt++ {
		err = op()
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyWriteDelay):
		}
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func scanEmbedding(scanner interface{ Scan(dest ...any) error }) (*EmbeddingRow, error) {
	var (
		out        EmbeddingRow
		l2         int
		createdRaw string
	)
	if err := scanner.Scan(&out.SampleID, &out.ModelID, &out.Dim, &out.Dtype, &l2, &out.Vec, &createdRaw); err != nil {
		return nil, err
	}
	out.L2Normed = l2 != 0
	if ts, err := parseTimeString(createdRaw); err == nil {
		out.CreatedAt = ts
	}
	return &out, nil
}
