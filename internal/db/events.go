package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

// Append records a progress event.
func (d *DB) Append(ctx context.Context, e pipeline.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := d.pool.Exec(ctx,
		`INSERT INTO pipeline_events (pipeline_id, stage_key, event, message, timestamp) VALUES ($1, $2, $3, $4, $5)`,
		e.PipelineID, e.StageKey, e.Type, e.Message, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// LatestEvent returns the most recent event for a pipeline stage, or nil.
func (d *DB) LatestEvent(ctx context.Context, pipelineID string, stageKey int) (*pipeline.Event, error) {
	e := pipeline.Event{PipelineID: pipelineID, StageKey: stageKey}
	var msg *string
	err := d.pool.QueryRow(ctx, `
		SELECT event, message, timestamp FROM pipeline_events
		WHERE pipeline_id = $1 AND stage_key = $2
		ORDER BY timestamp DESC, id DESC LIMIT 1`,
		pipelineID, stageKey,
	).Scan(&e.Type, &msg, &e.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest event: %w", err)
	}
	if msg != nil {
		e.Message = *msg
	}
	return &e, nil
}

// History returns every event for a pipeline, newest first.
func (d *DB) History(ctx context.Context, pipelineID string) ([]pipeline.Event, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT stage_key, event, message, timestamp FROM pipeline_events
		WHERE pipeline_id = $1
		ORDER BY timestamp DESC, id DESC`,
		pipelineID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var events []pipeline.Event
	for rows.Next() {
		e := pipeline.Event{PipelineID: pipelineID}
		var msg *string
		if err := rows.Scan(&e.StageKey, &e.Type, &msg, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if msg != nil {
			e.Message = *msg
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
