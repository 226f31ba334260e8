package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

// Create inserts a new pipeline and its spaces at version 1.
func (d *DB) Create(ctx context.Context, p *pipeline.Pipeline) error {
	data, err := json.Marshal(withVersion(p, 1))
	if err != nil {
		return fmt.Errorf("marshal pipeline: %w", err)
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO pipelines (id, kind, version, data, created_at, updated_at) VALUES ($1, $2, 1, $3, $4, $5)`,
		p.ID, string(p.Kind), data, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return fmt.Errorf("pipeline %s already exists", p.ID)
		}
		return fmt.Errorf("insert pipeline: %w", err)
	}
	for _, sp := range p.Spaces {
		if err := insertSpace(ctx, tx, p.ID, sp); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	p.Version = 1
	for _, sp := range p.Spaces {
		sp.Version = 1
	}
	return nil
}

func withVersion(p *pipeline.Pipeline, v int64) *pipeline.Pipeline {
	cp := *p
	cp.Version = v
	return &cp
}

func insertSpace(ctx context.Context, tx pgx.Tx, pipelineID string, sp *pipeline.Space) error {
	data, err := json.Marshal(sp)
	if err != nil {
		return fmt.Errorf("marshal space %s: %w", sp.ID, err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO pipeline_spaces (pipeline_id, space_id, version, data) VALUES ($1, $2, 1, $3)`,
		pipelineID, sp.ID, data,
	)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return pipeline.Conflict(pipelineID, "space "+sp.ID)
		}
		return fmt.Errorf("insert space %s: %w", sp.ID, err)
	}
	return nil
}

// Read loads a pipeline with its spaces. The version columns are
// authoritative over any version embedded in the JSON.
func (d *DB) Read(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	var (
		version int64
		data    []byte
	)
	err := d.pool.QueryRow(ctx, `SELECT version, data FROM pipelines WHERE id = $1`, id).Scan(&version, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pipeline.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("query pipeline: %w", err)
	}

	var p pipeline.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline %s: %w", id, err)
	}
	p.Version = version
	if p.StageOutputs == nil {
		p.StageOutputs = make(map[int]*pipeline.StageOutput)
	}
	if p.RetryState == nil {
		p.RetryState = make(map[int]*pipeline.RetryRecord)
	}

	rows, err := d.pool.Query(ctx, `SELECT version, data FROM pipeline_spaces WHERE pipeline_id = $1 ORDER BY space_id`, id)
	if err != nil {
		return nil, fmt.Errorf("query spaces: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sp pipeline.Space
		if err := rows.Scan(&version, &data); err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		if err := json.Unmarshal(data, &sp); err != nil {
			return nil, fmt.Errorf("unmarshal space: %w", err)
		}
		sp.Version = version
		p.Spaces = append(p.Spaces, &sp)
	}
	return &p, rows.Err()
}

// ConditionalWrite applies cs in one transaction if every version it
// names still matches. The pipeline row is locked first by every writer,
// exclusively for pipeline writes and shared for space-only writes, so
// space writers never block each other.
func (d *DB) ConditionalWrite(ctx context.Context, id string, cs pipeline.Changeset) error {
	err := d.conditionalWrite(ctx, id, cs)
	if isContention(err) {
		return pipeline.Conflict(id, "pipeline")
	}
	return err
}

func (d *DB) conditionalWrite(ctx context.Context, id string, cs pipeline.Changeset) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	lock := "FOR SHARE"
	if cs.Pipeline != nil {
		lock = "FOR UPDATE"
	}
	var current int64
	err = tx.QueryRow(ctx, `SELECT version FROM pipelines WHERE id = $1 `+lock, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.NotFound(id)
	}
	if err != nil {
		return fmt.Errorf("lock pipeline: %w", err)
	}
	if (cs.Pipeline != nil || cs.GuardPipeline) && current != cs.Expected {
		return pipeline.Conflict(id, "pipeline")
	}

	if len(cs.Guards) > 0 {
		stored, err := spaceVersions(ctx, tx, id)
		if err != nil {
			return err
		}
		for spaceID, v := range cs.Guards {
			if stored[spaceID] != v {
				return pipeline.Conflict(id, "space "+spaceID)
			}
		}
	}

	if cs.ReplaceSpaces {
		keep := make([]string, 0, len(cs.Spaces))
		for _, w := range cs.Spaces {
			keep = append(keep, w.Space.ID)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM pipeline_spaces WHERE pipeline_id = $1 AND NOT (space_id = ANY($2))`, id, keep,
		); err != nil {
			return fmt.Errorf("drop spaces: %w", err)
		}
	}

	versions := make([]int64, len(cs.Spaces))
	for i, w := range cs.Spaces {
		v, err := writeSpace(ctx, tx, id, w, cs.ReplaceSpaces)
		if err != nil {
			return err
		}
		versions[i] = v
	}

	if cs.Pipeline != nil {
		data, err := json.Marshal(withVersion(cs.Pipeline, cs.Expected+1))
		if err != nil {
			return fmt.Errorf("marshal pipeline: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE pipelines SET version = version + 1, data = $2, updated_at = $3 WHERE id = $1 AND version = $4`,
			id, data, cs.Pipeline.UpdatedAt, cs.Expected,
		)
		if err != nil {
			return fmt.Errorf("update pipeline: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return pipeline.Conflict(id, "pipeline")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	for i, w := range cs.Spaces {
		w.Space.Version = versions[i]
	}
	if cs.Pipeline != nil {
		cs.Pipeline.Version = cs.Expected + 1
	}
	return nil
}

func spaceVersions(ctx context.Context, tx pgx.Tx, id string) (map[string]int64, error) {
	rows, err := tx.Query(ctx, `SELECT space_id, version FROM pipeline_spaces WHERE pipeline_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query space versions: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var (
			spaceID string
			v       int64
		)
		if err := rows.Scan(&spaceID, &v); err != nil {
			return nil, fmt.Errorf("scan space version: %w", err)
		}
		out[spaceID] = v
	}
	return out, rows.Err()
}

func writeSpace(ctx context.Context, tx pgx.Tx, pipelineID string, w pipeline.SpaceWrite, replace bool) (int64, error) {
	data, err := json.Marshal(w.Space)
	if err != nil {
		return 0, fmt.Errorf("marshal space %s: %w", w.Space.ID, err)
	}

	var v int64
	switch {
	case replace:
		err = tx.QueryRow(ctx, `
			INSERT INTO pipeline_spaces (pipeline_id, space_id, version, data) VALUES ($1, $2, 1, $3)
			ON CONFLICT (pipeline_id, space_id) DO UPDATE SET version = pipeline_spaces.version + 1, data = EXCLUDED.data
			RETURNING version`,
			pipelineID, w.Space.ID, data,
		).Scan(&v)
	case w.Expected == 0:
		err = tx.QueryRow(ctx,
			`INSERT INTO pipeline_spaces (pipeline_id, space_id, version, data) VALUES ($1, $2, 1, $3) RETURNING version`,
			pipelineID, w.Space.ID, data,
		).Scan(&v)
		if pgCode(err) == codeUniqueViolation {
			return 0, pipeline.Conflict(pipelineID, "space "+w.Space.ID)
		}
	default:
		err = tx.QueryRow(ctx, `
			UPDATE pipeline_spaces SET version = version + 1, data = $3
			WHERE pipeline_id = $1 AND space_id = $2 AND version = $4
			RETURNING version`,
			pipelineID, w.Space.ID, data, w.Expected,
		).Scan(&v)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, pipeline.Conflict(pipelineID, "space "+w.Space.ID)
		}
	}
	if err != nil {
		return 0, fmt.Errorf("write space %s: %w", w.Space.ID, err)
	}
	return v, nil
}

// List returns all pipelines ordered by creation time.
func (d *DB) List(ctx context.Context) ([]*pipeline.Pipeline, error) {
	rows, err := d.pool.Query(ctx, `SELECT id FROM pipelines ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query pipelines: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan pipeline ids: %w", err)
	}

	out := make([]*pipeline.Pipeline, 0, len(ids))
	for _, id := range ids {
		p, err := d.Read(ctx, id)
		if errors.Is(err, pipeline.ErrNotFound) {
			continue // deleted between the two queries
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Delete removes a pipeline, its spaces and its events.
func (d *DB) Delete(ctx context.Context, id string) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.NotFound(id)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM pipeline_events WHERE pipeline_id = $1`, id); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return tx.Commit(ctx)
}
