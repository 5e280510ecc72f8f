package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/user/listing-crawler/internal/entity"
)

// FailedJobRepoImpl provides a concrete implementation for the FailedJobRepository interface using PostgreSQL.
type FailedJobRepoImpl struct {
	db *pgxpool.Pool
}

// NewFailedJobRepo creates a new instance of FailedJobRepoImpl.
func NewFailedJobRepo(db *pgxpool.Pool) *FailedJobRepoImpl {
	return &FailedJobRepoImpl{db: db}
}

// SaveBatch stores the skipped jobs of a run. Re-saving a page updates its record.
func (r *FailedJobRepoImpl) SaveBatch(ctx context.Context, jobs []*entity.FailedJob) error {
	if len(jobs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, j := range jobs {
		batch.Queue(`
			INSERT INTO failed_jobs (run_id, url, page_index, verdict, failure_reason, attempts, last_attempt_timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (run_id, page_index) DO UPDATE SET
				verdict = EXCLUDED.verdict,
				failure_reason = EXCLUDED.failure_reason,
				attempts = failed_jobs.attempts + EXCLUDED.attempts,
				last_attempt_timestamp = EXCLUDED.last_attempt_timestamp;`,
			j.RunID, j.URL, j.PageIndex, j.Verdict, j.FailureReason, j.Attempts, j.LastAttemptTimestamp)
	}
	return r.db.SendBatch(ctx, batch).Close()
}

// FindByRun retrieves the failed jobs of a run ordered by page index.
func (r *FailedJobRepoImpl) FindByRun(ctx context.Context, runID string) ([]*entity.FailedJob, error) {
	query := `
		SELECT id, run_id, url, page_index, verdict, failure_reason, attempts, last_attempt_timestamp
		FROM failed_jobs
		WHERE run_id = $1
		ORDER BY page_index ASC;
	`
	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*entity.FailedJob
	for rows.Next() {
		var j entity.FailedJob
		if err := rows.Scan(
			&j.ID,
			&j.RunID,
			&j.URL,
			&j.PageIndex,
			&j.Verdict,
			&j.FailureReason,
			&j.Attempts,
			&j.LastAttemptTimestamp,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, &j)
	}

	return jobs, rows.Err()
}
