// Package runs records every analysis run in Postgres so a conversation's
// history of runs and their outcomes can be read back.
package runs

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	apperrors "analysis-workers/internal/common/errors"
	"analysis-workers/internal/models"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is one row of analysis_runs.
type Run struct {
	ID                  string
	ConversationID      string
	DatasetKey          string
	UserMessage         string
	Status              Status
	Rounds              int
	ArtifactCount       int
	ExternalContextUsed bool
	Summary             string
	ErrorCode           string
	StartedAt           time.Time
	FinishedAt          *time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS analysis_runs (
	id                    UUID PRIMARY KEY,
	conversation_id       TEXT NOT NULL,
	dataset_key           TEXT NOT NULL,
	user_message          TEXT NOT NULL,
	status                TEXT NOT NULL,
	rounds                INTEGER NOT NULL DEFAULT 0,
	artifact_count        INTEGER NOT NULL DEFAULT 0,
	external_context_used BOOLEAN NOT NULL DEFAULT FALSE,
	summary               TEXT NOT NULL DEFAULT '',
	error_code            TEXT NOT NULL DEFAULT '',
	started_at            TIMESTAMPTZ NOT NULL,
	finished_at           TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS analysis_runs_conversation_idx
	ON analysis_runs (conversation_id, started_at DESC);`

type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return apperrors.NewDatabaseError("schema migration", err)
	}
	return nil
}

// Start inserts a running row and returns its ID.
func (r *Repository) Start(ctx context.Context, conversationID, datasetKey, userMessage string) (string, error) {
	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO analysis_runs (id, conversation_id, dataset_key, user_message, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, conversationID, datasetKey, userMessage, StatusRunning, r.now(),
	)
	if err != nil {
		return "", apperrors.NewDatabaseError("run insert", err)
	}
	return id, nil
}

func (r *Repository) Complete(ctx context.Context, id string, out *models.OrchestratorOutput) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE analysis_runs
		SET status = $2, rounds = $3, artifact_count = $4, external_context_used = $5,
		    summary = $6, finished_at = $7
		WHERE id = $1`,
		id, StatusCompleted, out.Metrics.Rounds, out.Metrics.ArtifactCount,
		out.Metrics.ExternalContextUsed, out.Summary, r.now(),
	)
	if err != nil {
		return apperrors.NewDatabaseError("run complete", err)
	}
	return nil
}

func (r *Repository) Fail(ctx context.Context, id, errorCode string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE analysis_runs
		SET status = $2, error_code = $3, finished_at = $4
		WHERE id = $1`,
		id, StatusFailed, errorCode, r.now(),
	)
	if err != nil {
		return apperrors.NewDatabaseError("run fail", err)
	}
	return nil
}

// ListByConversation returns the newest runs first.
func (r *Repository) ListByConversation(ctx context.Context, conversationID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, conversation_id, dataset_key, user_message, status, rounds, artifact_count,
		       external_context_used, summary, error_code, started_at, finished_at
		FROM analysis_runs
		WHERE conversation_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("run list", err)
	}
	defer rows.Close()

	out := []Run{}
	for rows.Next() {
		var run Run
		var finished sql.NullTime
		if err := rows.Scan(
			&run.ID, &run.ConversationID, &run.DatasetKey, &run.UserMessage, &run.Status,
			&run.Rounds, &run.ArtifactCount, &run.ExternalContextUsed,
			&run.Summary, &run.ErrorCode, &run.StartedAt, &finished,
		); err != nil {
			return nil, apperrors.NewDatabaseError("run scan", err)
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("run list", err)
	}
	return out, nil
}
