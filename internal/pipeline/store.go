package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// lockStaleAfter is how old a write lock file may get before another
// process treats it as abandoned.
const lockStaleAfter = 30 * time.Second

// Store keeps pipeline records and events as files on disk:
//
//	<base>/<id>/pipeline.json
//	<base>/<id>/spaces/<space>.json
//	<base>/<id>/events.jsonl
//
// Conditional writes are serialized per pipeline by an in-process mutex
// and a lock file, so separate processes sharing the directory are safe.
type Store struct {
	baseDir string // defaults to ~/.renderfactory/pipelines

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir, locks: make(map[string]*sync.Mutex)}
}

// DefaultStore returns a Store at ~/.renderfactory/pipelines, creating the directory if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".renderfactory", "pipelines")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return NewStore(dir), nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) pipelineDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Store) pipelinePath(id string) string {
	return filepath.Join(s.pipelineDir(id), "pipeline.json")
}

func (s *Store) spacesDir(id string) string {
	return filepath.Join(s.pipelineDir(id), "spaces")
}

func (s *Store) spacePath(id, spaceID string) string {
	return filepath.Join(s.spacesDir(id), spaceID+".json")
}

func (s *Store) eventsPath(id string) string {
	return filepath.Join(s.pipelineDir(id), "events.jsonl")
}

// Create writes a new pipeline record. It fails if the id is taken.
func (s *Store) Create(ctx context.Context, p *Pipeline) error {
	if p.ID == "" || strings.ContainsAny(p.ID, `/\`) {
		return fmt.Errorf("invalid pipeline id %q", p.ID)
	}
	release, err := s.lock(p.ID)
	if err != nil {
		return err
	}
	defer release()

	dir := s.pipelineDir(p.ID)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("pipeline %s already exists", p.ID)
	}
	if err := os.MkdirAll(filepath.Join(dir, "spaces"), 0o755); err != nil {
		return fmt.Errorf("mkdir spaces: %w", err)
	}

	p.Version = 1
	for _, sp := range p.Spaces {
		sp.Version = 1
		if err := WriteJSON(s.spacePath(p.ID, sp.ID), sp); err != nil {
			return fmt.Errorf("write space %s: %w", sp.ID, err)
		}
	}
	if err := WriteJSON(s.pipelinePath(p.ID), p); err != nil {
		return fmt.Errorf("write pipeline.json: %w", err)
	}
	return nil
}

// Read loads a pipeline record with its spaces.
func (s *Store) Read(ctx context.Context, id string) (*Pipeline, error) {
	var p Pipeline
	if err := ReadJSON(s.pipelinePath(id), &p); err != nil {
		if os.IsNotExist(err) {
			return nil, NotFound(id)
		}
		return nil, err
	}
	spaces, err := s.readSpaces(id)
	if err != nil {
		return nil, err
	}
	p.Spaces = spaces
	if p.StageOutputs == nil {
		p.StageOutputs = make(map[int]*StageOutput)
	}
	if p.RetryState == nil {
		p.RetryState = make(map[int]*RetryRecord)
	}
	return &p, nil
}

func (s *Store) readSpaces(id string) ([]*Space, error) {
	entries, err := os.ReadDir(s.spacesDir(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read spaces dir: %w", err)
	}
	var spaces []*Space
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var sp Space
		if err := ReadJSON(filepath.Join(s.spacesDir(id), e.Name()), &sp); err != nil {
			return nil, err
		}
		spaces = append(spaces, &sp)
	}
	sortSpaces(spaces)
	return spaces, nil
}

// ConditionalWrite applies cs if every version it names still matches.
func (s *Store) ConditionalWrite(ctx context.Context, id string, cs Changeset) error {
	release, err := s.lock(id)
	if err != nil {
		return err
	}
	defer release()

	cur, err := s.Read(ctx, id)
	if err != nil {
		return err
	}
	if (cs.Pipeline != nil || cs.GuardPipeline) && cur.Version != cs.Expected {
		return Conflict(id, "pipeline")
	}
	stored := make(map[string]int64, len(cur.Spaces))
	for _, sp := range cur.Spaces {
		stored[sp.ID] = sp.Version
	}
	for _, w := range cs.Spaces {
		if !cs.ReplaceSpaces && stored[w.Space.ID] != w.Expected {
			return Conflict(id, "space "+w.Space.ID)
		}
	}
	for spaceID, v := range cs.Guards {
		if stored[spaceID] != v {
			return Conflict(id, "space "+spaceID)
		}
	}

	if cs.ReplaceSpaces {
		keep := make(map[string]bool, len(cs.Spaces))
		for _, w := range cs.Spaces {
			keep[w.Space.ID] = true
		}
		for spaceID := range stored {
			if !keep[spaceID] {
				if err := os.Remove(s.spacePath(id, spaceID)); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("remove space %s: %w", spaceID, err)
				}
			}
		}
	}
	for _, w := range cs.Spaces {
		w.Space.Version = stored[w.Space.ID] + 1
		if err := WriteJSON(s.spacePath(id, w.Space.ID), w.Space); err != nil {
			return fmt.Errorf("write space %s: %w", w.Space.ID, err)
		}
	}
	if cs.Pipeline != nil {
		cs.Pipeline.Version = cur.Version + 1
		if err := WriteJSON(s.pipelinePath(id), cs.Pipeline); err != nil {
			return fmt.Errorf("write pipeline.json: %w", err)
		}
	}
	return nil
}

// List returns all pipelines sorted by creation time.
func (s *Store) List(ctx context.Context) ([]*Pipeline, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var pipelines []*Pipeline
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		p, err := s.Read(ctx, entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		pipelines = append(pipelines, p)
	}

	sort.Slice(pipelines, func(i, j int) bool {
		return pipelines[i].CreatedAt.Before(pipelines[j].CreatedAt)
	})
	return pipelines, nil
}

// Delete removes all data for a pipeline.
func (s *Store) Delete(ctx context.Context, id string) error {
	dir := s.pipelineDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return NotFound(id)
	}
	return os.RemoveAll(dir)
}

// Append adds an event to the pipeline's event log.
func (s *Store) Append(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.MkdirAll(s.pipelineDir(e.PipelineID), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", e.PipelineID, err)
	}
	f, err := os.OpenFile(s.eventsPath(e.PipelineID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// LatestEvent returns the most recent event for a pipeline stage, or nil.
func (s *Store) LatestEvent(ctx context.Context, pipelineID string, stageKey int) (*Event, error) {
	events, err := s.readEvents(pipelineID)
	if err != nil {
		return nil, err
	}
	var latest *Event
	for i := range events {
		e := &events[i]
		if e.StageKey != stageKey {
			continue
		}
		if latest == nil || !e.Timestamp.Before(latest.Timestamp) {
			latest = e
		}
	}
	return latest, nil
}

// History returns every event for a pipeline, newest first.
func (s *Store) History(ctx context.Context, pipelineID string) ([]Event, error) {
	events, err := s.readEvents(pipelineID)
	if err != nil {
		return nil, err
	}
	slices.Reverse(events)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	return events, nil
}

func (s *Store) readEvents(pipelineID string) ([]Event, error) {
	f, err := os.Open(s.eventsPath(pipelineID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events: %w", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue // torn trailing line from a crashed writer
		}
		events = append(events, e)
	}
	return events, sc.Err()
}

// lock serializes writers of one pipeline, in-process and across processes.
func (s *Store) lock(id string) (func(), error) {
	s.mu.Lock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	s.mu.Unlock()
	m.Lock()

	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		m.Unlock()
		return nil, fmt.Errorf("mkdir %s: %w", s.baseDir, err)
	}
	path := filepath.Join(s.baseDir, "."+id+".lock")
	deadline := time.Now().Add(5 * time.Second)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			f.Close()
			return func() {
				os.Remove(path)
				m.Unlock()
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			m.Unlock()
			return nil, fmt.Errorf("create lock: %w", err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			m.Unlock()
			return nil, fmt.Errorf("pipeline %s is locked by another writer", id)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func sortSpaces(spaces []*Space) {
	sort.Slice(spaces, func(i, j int) bool { return spaces[i].ID < spaces[j].ID })
}
