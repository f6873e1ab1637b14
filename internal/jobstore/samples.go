package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// upsertBatchSize bounds the multi-row INSERT used by UpsertSamples.
const upsertBatchSize = 200

// sampleUnchangedExpr decides whether an upsert may keep the stored
// analysis columns. A sample counts as unchanged when the hash matches, or
// when the incoming hash is a fast (metadata) hash and size plus mtime are
// identical; in that case the stored hash may be stronger than the incoming
// one, so it is kept too.
const sampleUnchangedExpr = `(samples.content_hash = excluded.content_hash
        OR (excluded.content_hash LIKE 'fast-%'
            AND samples.size = excluded.size
            AND samples.mtime_ns = excluded.mtime_ns))`

// UpsertSamples records scan results. New rows insert as unanalyzed;
// existing rows keep their analysis metadata only while the content looks
// unchanged.
func (s *Store) UpsertSamples(ctx context.Context, rows []SampleUpsert) error {
	for start := 0; start < len(rows); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO samples (sample_id, content_hash, size, mtime_ns) VALUES `)
		args := make([]any, 0, len(batch)*4)
		for i, row := range batch {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?)")
			args = append(args, row.SampleID, row.ContentHash, row.Size, row.MTimeNS)
		}
		sb.WriteString(` ON CONFLICT (sample_id) DO UPDATE SET
            duration_seconds = CASE WHEN ` + sampleUnchangedExpr + ` THEN samples.duration_seconds ELSE NULL END,
            sr_used = CASE WHEN ` + sampleUnchangedExpr + ` THEN samples.sr_used ELSE NULL END,
            analysis_version = CASE WHEN ` + sampleUnchangedExpr + ` THEN samples.analysis_version ELSE NULL END,
            content_hash = CASE WHEN ` + sampleUnchangedExpr + ` THEN samples.content_hash ELSE excluded.content_hash END,
            size = excluded.size,
            mtime_ns = excluded.mtime_ns`)

		if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("upsert samples: %w", err)
		}
	}
	return nil
}

// GetSample fetches a catalog row, or nil when absent.
func (s *Store) GetSample(ctx context.Context, sampleID string) (*Sample, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sample_id, content_hash, size, mtime_ns, duration_seconds, sr_used, analysis_version
         FROM samples WHERE sample_id = ?`,
		sampleID,
	)
	sample, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sample: %w", err)
	}
	return sample, nil
}

// UpdateAnalysisMetadata stores decode-time facts about a sample after
// analysis, or after a skip decision that still counts as handled.
func (s *Store) UpdateAnalysisMetadata(ctx context.Context, sampleID string, duration *float64, srUsed *int, analysisVersion string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE samples SET duration_seconds = ?, sr_used = ?, analysis_version = ? WHERE sample_id = ?`,
		nullableFloat(duration), nullableInt(srUsed), nullableString(analysisVersion), sampleID,
	)
	if err != nil {
		return fmt.Errorf("update analysis metadata: %w", err)
	}
	return nil
}

// SamplesNeedingAnalysis returns samples whose analysis is missing or was
// produced by a different version.
func (s *Store) SamplesNeedingAnalysis(ctx context.Context, analysisVersion string) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sample_id, content_hash, size, mtime_ns, duration_seconds, sr_used, analysis_version
         FROM samples
         WHERE analysis_version IS NULL OR analysis_version != ?
         ORDER BY sample_id`,
		analysisVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("samples needing analysis: %w", err)
	}
	defer rows.Close()
	return collectSamples(rows)
}

// SamplesNeedingEmbedding returns IDs of samples with no embedding row for
// modelID, in catalog order. Backfill enqueueing batches these into jobs.
func (s *Store) SamplesNeedingEmbedding(ctx context.Context, modelID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.sample_id
         FROM samples s
         LEFT JOIN embeddings e ON e.sample_id = s.sample_id
         WHERE e.sample_id IS NULL OR e.model_id != ?
         ORDER BY s.sample_id`,
		modelID,
	)
	if err != nil {
		return nil, fmt.Errorf("samples needing embedding: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListSamples returns the whole catalog ordered by sample ID.
func (s *Store) ListSamples(ctx context.Context) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sample_id, content_hash, size, mtime_ns, duration_seconds, sr_used, analysis_version
         FROM samples ORDER BY sample_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()
	return collectSamples(rows)
}

// DeleteSamples removes samples and every artifact or job attached to them.
func (s *Store) DeleteSamples(ctx context.Context, sampleIDs []string) error {
	if len(sampleIDs) == 0 {
		return nil
	}
	placeholders := makePlaceholders(len(sampleIDs))
	args := make([]any, 0, len(sampleIDs))
	for _, id := range sampleIDs {
		args = append(args, id)
	}

	return s.withImmediate(ctx, func(conn *sql.Conn) error {
		for _, table := range []string{"analysis_jobs", "features", "embeddings", "ann_index", "samples"} {
			query := `DELETE FROM ` + table + ` WHERE sample_id IN (` + placeholders + `)`
			if _, err := conn.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
		}
		return nil
	})
}

func collectSamples(rows *sql.Rows) ([]Sample, error) {
	var samples []Sample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, *sample)
	}
	return samples, rows.Err()
}

func scanSample(scanner interface{ Scan(dest ...any) error }) (*Sample, error) {
	var (
		sample   Sample
		duration sql.NullFloat64
		srUsed   sql.NullInt64
		version  sql.NullString
	)
	if err := scanner.Scan(
		&sample.SampleID,
		&sample.ContentHash,
		&sample.Size,
		&sample.MTimeNS,
		&duration,
		&srUsed,
		&version,
	); err != nil {
		return nil, err
	}
	if duration.Valid {
		v := duration.Float64
		sample.DurationSeconds = &v
	}
	if srUsed.Valid {
		v := int(srUsed.Int64)
		sample.SRUsed = &v
	}
	sample.AnalysisVersion = version.String
	return &sample, nil
}
