// Package kv stores pipeline records and events in an embedded Badger
// database through badgerhold.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

// Records hold the JSON encoding of the domain types so that json tags
// (and the unexported-from-JSON Spaces field) stay authoritative. None of
// them carries a badgerhold index: an index entry is one shared key per
// value, and writing it would make writers of different spaces conflict.
type pipelineRecord struct {
	ID        string `badgerhold:"key"`
	Kind      string
	Version   int64
	CreatedAt time.Time
	Data      []byte
}

type spaceRecord struct {
	Key        string `badgerhold:"key"`
	PipelineID string
	SpaceID    string
	Version    int64
	Data       []byte
}

type eventRecord struct {
	PipelineID string
	StageKey   int
	Type       string
	Message    string
	Timestamp  time.Time
	Seq        uint64
}

var eventSequence uint64

func spaceKey(pipelineID, spaceID string) string {
	return pipelineID + "/" + spaceID
}

// Store implements pipeline.RecordStore and pipeline.EventLog on Badger.
type Store struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// Open opens (creating if needed) a Badger database in dir.
func Open(dir string, logger arbor.ILogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	logger.Debug().Str("path", dir).Msg("Badger record store opened")
	return &Store{store: store, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.store.Close()
}

// Create inserts a new pipeline and its spaces at version 1.
func (s *Store) Create(ctx context.Context, p *pipeline.Pipeline) error {
	err := s.store.Badger().Update(func(tx *badger.Txn) error {
		var existing pipelineRecord
		err := s.store.TxGet(tx, p.ID, &existing)
		if err == nil {
			return fmt.Errorf("pipeline %s already exists", p.ID)
		}
		if !errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("get pipeline: %w", err)
		}
		for _, sp := range p.Spaces {
			if err := putSpace(s.store, tx, p.ID, sp, 1); err != nil {
				return err
			}
		}
		return putPipeline(s.store, tx, p, 1)
	})
	if err != nil {
		return err
	}
	p.Version = 1
	for _, sp := range p.Spaces {
		sp.Version = 1
	}
	return nil
}

func putPipeline(store *badgerhold.Store, tx *badger.Txn, p *pipeline.Pipeline, version int64) error {
	cp := *p
	cp.Version = version
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("marshal pipeline: %w", err)
	}
	rec := pipelineRecord{ID: p.ID, Kind: string(p.Kind), Version: version, CreatedAt: p.CreatedAt, Data: data}
	if err := store.TxUpsert(tx, rec.ID, &rec); err != nil {
		return fmt.Errorf("put pipeline: %w", err)
	}
	return nil
}

func putSpace(store *badgerhold.Store, tx *badger.Txn, pipelineID string, sp *pipeline.Space, version int64) error {
	cp := *sp
	cp.Version = version
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("marshal space %s: %w", sp.ID, err)
	}
	rec := spaceRecord{Key: spaceKey(pipelineID, sp.ID), PipelineID: pipelineID, SpaceID: sp.ID, Version: version, Data: data}
	if err := store.TxUpsert(tx, rec.Key, &rec); err != nil {
		return fmt.Errorf("put space %s: %w", sp.ID, err)
	}
	return nil
}

// Read loads a pipeline with its spaces.
func (s *Store) Read(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	var p *pipeline.Pipeline
	err := s.store.Badger().View(func(tx *badger.Txn) error {
		var err error
		p, err = readTx(s.store, tx, id)
		return err
	})
	return p, err
}

func readTx(store *badgerhold.Store, tx *badger.Txn, id string) (*pipeline.Pipeline, error) {
	var rec pipelineRecord
	if err := store.TxGet(tx, id, &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, pipeline.NotFound(id)
		}
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	var p pipeline.Pipeline
	if err := json.Unmarshal(rec.Data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline %s: %w", id, err)
	}
	p.Version = rec.Version
	if p.StageOutputs == nil {
		p.StageOutputs = make(map[int]*pipeline.StageOutput)
	}
	if p.RetryState == nil {
		p.RetryState = make(map[int]*pipeline.RetryRecord)
	}

	var spaces []spaceRecord
	if err := store.TxFind(tx, &spaces, badgerhold.Where("PipelineID").Eq(id)); err != nil {
		return nil, fmt.Errorf("find spaces: %w", err)
	}
	sort.Slice(spaces, func(i, j int) bool { return spaces[i].SpaceID < spaces[j].SpaceID })
	for _, r := range spaces {
		var sp pipeline.Space
		if err := json.Unmarshal(r.Data, &sp); err != nil {
			return nil, fmt.Errorf("unmarshal space %s: %w", r.SpaceID, err)
		}
		sp.Version = r.Version
		p.Spaces = append(p.Spaces, &sp)
	}
	return &p, nil
}

// ConditionalWrite applies cs in one Badger transaction if every version
// it names still matches. Badger's own conflict detection covers writers
// that commit between our read and our commit.
func (s *Store) ConditionalWrite(ctx context.Context, id string, cs pipeline.Changeset) error {
	versions := make([]int64, len(cs.Spaces))
	err := s.store.Badger().Update(func(tx *badger.Txn) error {
		var cur pipelineRecord
		if err := s.store.TxGet(tx, id, &cur); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return pipeline.NotFound(id)
			}
			return fmt.Errorf("get pipeline: %w", err)
		}
		if (cs.Pipeline != nil || cs.GuardPipeline) && cur.Version != cs.Expected {
			return pipeline.Conflict(id, "pipeline")
		}

		if cs.ReplaceSpaces {
			if err := s.dropSpaces(tx, id, cs.Spaces); err != nil {
				return err
			}
		}
		for i, w := range cs.Spaces {
			stored, err := spaceVersion(s.store, tx, id, w.Space.ID)
			if err != nil {
				return err
			}
			if !cs.ReplaceSpaces && stored != w.Expected {
				return pipeline.Conflict(id, "space "+w.Space.ID)
			}
			versions[i] = stored + 1
			if err := putSpace(s.store, tx, id, w.Space, versions[i]); err != nil {
				return err
			}
		}
		for spaceID, v := range cs.Guards {
			stored, err := spaceVersion(s.store, tx, id, spaceID)
			if err != nil {
				return err
			}
			if stored != v {
				return pipeline.Conflict(id, "space "+spaceID)
			}
		}

		if cs.Pipeline != nil {
			return putPipeline(s.store, tx, cs.Pipeline, cur.Version+1)
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return pipeline.Conflict(id, "pipeline")
	}
	if err != nil {
		return err
	}

	for i, w := range cs.Spaces {
		w.Space.Version = versions[i]
	}
	if cs.Pipeline != nil {
		cs.Pipeline.Version = cs.Expected + 1
	}
	return nil
}

// spaceVersion returns the stored version of one space, or 0 if absent.
// Only the space's own key is read so that Badger tracks no dependency on
// sibling spaces.
func spaceVersion(store *badgerhold.Store, tx *badger.Txn, pipelineID, spaceID string) (int64, error) {
	var rec spaceRecord
	err := store.TxGet(tx, spaceKey(pipelineID, spaceID), &rec)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get space %s: %w", spaceID, err)
	}
	return rec.Version, nil
}

func (s *Store) dropSpaces(tx *badger.Txn, id string, writes []pipeline.SpaceWrite) error {
	keep := make(map[string]bool, len(writes))
	for _, w := range writes {
		keep[w.Space.ID] = true
	}
	var existing []spaceRecord
	if err := s.store.TxFind(tx, &existing, badgerhold.Where("PipelineID").Eq(id)); err != nil {
		return fmt.Errorf("find spaces: %w", err)
	}
	for _, r := range existing {
		if keep[r.SpaceID] {
			continue
		}
		if err := s.store.TxDelete(tx, r.Key, spaceRecord{}); err != nil {
			return fmt.Errorf("delete space %s: %w", r.SpaceID, err)
		}
	}
	return nil
}

// List returns all pipelines ordered by creation time.
func (s *Store) List(ctx context.Context) ([]*pipeline.Pipeline, error) {
	var out []*pipeline.Pipeline
	err := s.store.Badger().View(func(tx *badger.Txn) error {
		var recs []pipelineRecord
		if err := s.store.TxFind(tx, &recs, badgerhold.Where("ID").Ne("").SortBy("CreatedAt")); err != nil {
			return fmt.Errorf("find pipelines: %w", err)
		}
		for _, r := range recs {
			p, err := readTx(s.store, tx, r.ID)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// Delete removes a pipeline, its spaces and its events.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.store.Badger().Update(func(tx *badger.Txn) error {
		if err := s.store.TxDelete(tx, id, pipelineRecord{}); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return pipeline.NotFound(id)
			}
			return fmt.Errorf("delete pipeline: %w", err)
		}
		if err := s.store.TxDeleteMatching(tx, &spaceRecord{}, badgerhold.Where("PipelineID").Eq(id)); err != nil {
			return fmt.Errorf("delete spaces: %w", err)
		}
		if err := s.store.TxDeleteMatching(tx, &eventRecord{}, badgerhold.Where("PipelineID").Eq(id)); err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
		return nil
	})
}

// Append records a progress event.
func (s *Store) Append(ctx context.Context, e pipeline.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	seq := atomic.AddUint64(&eventSequence, 1)
	rec := eventRecord{
		PipelineID: e.PipelineID,
		StageKey:   e.StageKey,
		Type:       e.Type,
		Message:    e.Message,
		Timestamp:  e.Timestamp,
		Seq:        seq,
	}
	key := fmt.Sprintf("%s_%d_%d", e.PipelineID, e.Timestamp.UnixNano(), seq)
	if err := s.store.Insert(key, &rec); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// LatestEvent returns the most recent event for a pipeline stage, or nil.
func (s *Store) LatestEvent(ctx context.Context, pipelineID string, stageKey int) (*pipeline.Event, error) {
	var recs []eventRecord
	query := badgerhold.Where("PipelineID").Eq(pipelineID).
		And("StageKey").Eq(stageKey).
		SortBy("Timestamp", "Seq").Reverse().Limit(1)
	if err := s.store.Find(&recs, query); err != nil {
		return nil, fmt.Errorf("find latest event: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	e := recs[0].event()
	return &e, nil
}

// History returns every event for a pipeline, newest first.
func (s *Store) History(ctx context.Context, pipelineID string) ([]pipeline.Event, error) {
	var recs []eventRecord
	query := badgerhold.Where("PipelineID").Eq(pipelineID).SortBy("Timestamp", "Seq").Reverse()
	if err := s.store.Find(&recs, query); err != nil {
		return nil, fmt.Errorf("find events: %w", err)
	}
	events := make([]pipeline.Event, len(recs))
	for i, r := range recs {
		events[i] = r.event()
	}
	return events, nil
}

func (r eventRecord) event() pipeline.Event {
	return pipeline.Event{
		PipelineID: r.PipelineID,
		StageKey:   r.StageKey,
		Type:       r.Type,
		Message:    r.Message,
		Timestamp:  r.Timestamp,
	}
}
