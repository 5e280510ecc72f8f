package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/user/listing-crawler/internal/entity"
	"github.com/user/listing-crawler/internal/repository"
)

// RunRepoImpl provides a concrete implementation for the RunRepository interface using PostgreSQL.
type RunRepoImpl struct {
	db *pgxpool.Pool
}

// NewRunRepo creates a new instance of RunRepoImpl.
func NewRunRepo(db *pgxpool.Pool) *RunRepoImpl {
	return &RunRepoImpl{db: db}
}

// Create inserts a new run in the QUEUED state.
func (r *RunRepoImpl) Create(ctx context.Context, run *entity.Run) error {
	query := `
		INSERT INTO crawl_runs (id, query, location, status, created_at)
		VALUES ($1, $2, $3, $4, $5);
	`
	_, err := r.db.Exec(ctx, query, run.ID, run.Query, run.Location, string(run.Status), run.CreatedAt)
	return err
}

// MarkRunning moves a queued run to RUNNING.
func (r *RunRepoImpl) MarkRunning(ctx context.Context, runID string) error {
	query := `UPDATE crawl_runs SET status = $2, started_at = NOW() WHERE id = $1 AND status = $3;`
	tag, err := r.db.Exec(ctx, query, runID, string(entity.RunRunning), string(entity.RunQueued))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrRunNotQueued
	}
	return nil
}

// CancelQueued cancels a run only while it is still QUEUED, so it never races a dispatcher that already started it.
func (r *RunRepoImpl) CancelQueued(ctx context.Context, runID, reason string) error {
	query := `
		UPDATE crawl_runs SET status = $2, error_message = $3, finished_at = NOW()
		WHERE id = $1 AND status = $4;
	`
	tag, err := r.db.Exec(ctx, query, runID, string(entity.RunCancelled), reason, string(entity.RunQueued))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrRunNotQueued
	}
	return nil
}

// SaveOutcome stores the terminal state, pages, and records of a run within a single transaction.
func (r *RunRepoImpl) SaveOutcome(ctx context.Context, outcome *entity.RunOutcome, records []entity.Record) error {
	healthJSON, err := json.Marshal(outcome.ProxyHealth)
	if err != nil {
		return err
	}

	recordsByPage := make(map[int][]entity.Record)
	for _, rec := range records {
		recordsByPage[rec.PageIndex] = append(recordsByPage[rec.PageIndex], rec)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE crawl_runs SET
			status = $2,
			error_message = $3,
			pages_fetched = $4,
			records_found = $5,
			fetches = $6,
			proxy_health = $7,
			finished_at = $8
		WHERE id = $1;`,
		outcome.RunID,
		string(outcome.Status),
		outcome.ErrorMessage(),
		len(outcome.Pages),
		len(records),
		outcome.Fetches,
		healthJSON,
		outcome.FinishedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrRunNotFound
	}

	if len(outcome.Pages) > 0 {
		batch := &pgx.Batch{}
		for _, p := range outcome.Pages {
			recJSON, err := json.Marshal(recordsByPage[p.PageIndex])
			if err != nil {
				return err
			}
			batch.Queue(`
				INSERT INTO crawl_pages (run_id, page_index, url, lane_id, proxy_id, raw_body, records, fetched_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (run_id, page_index) DO UPDATE SET
					raw_body = EXCLUDED.raw_body,
					records = EXCLUDED.records,
					fetched_at = EXCLUDED.fetched_at;`,
				outcome.RunID, p.PageIndex, p.URL, p.LaneID, p.ProxyID, p.RawBody, recJSON, p.FetchedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save pages: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// FindByID retrieves a run by its ID.
func (r *RunRepoImpl) FindByID(ctx context.Context, runID string) (*entity.Run, error) {
	query := `
		SELECT id, query, location, status, COALESCE(error_message, ''), pages_fetched, records_found, created_at, started_at, finished_at
		FROM crawl_runs
		WHERE id = $1;
	`
	var (
		run    entity.Run
		status string
	)
	err := r.db.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.Query,
		&run.Location,
		&status,
		&run.ErrorMessage,
		&run.PagesFetched,
		&run.RecordsFound,
		&run.CreatedAt,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	run.Status = entity.RunStatus(status)
	return &run, nil
}

// FindRecords retrieves every record extracted for a run.
func (r *RunRepoImpl) FindRecords(ctx context.Context, runID string) ([]entity.Record, error) {
	query := `
		SELECT records
		FROM crawl_pages
		WHERE run_id = $1
		ORDER BY page_index ASC;
	`
	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []entity.Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var page []entity.Record
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &page); err != nil {
				return nil, err
			}
		}
		records = append(records, page...)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].PageIndex != records[j].PageIndex {
			return records[i].PageIndex < records[j].PageIndex
		}
		return records[i].Position < records[j].Position
	})
	return records, nil
}
