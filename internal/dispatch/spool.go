package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

// Spool writes each job as a JSON file into a directory that a local
// worker drains. It is the default when no Redis queue is configured.
type Spool struct {
	dir string
}

// NewSpool creates a spool rooted at dir.
func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Spool{dir: dir}, nil
}

// Submit writes the job atomically so a worker never reads a partial file.
func (s *Spool) Submit(ctx context.Context, job Job) (string, error) {
	if _, err := prepare(&job); err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	name := fmt.Sprintf("%s-%s.json", job.SubmittedAt.Format("20060102T150405.000000000"), job.ID)
	if err := pipeline.WriteJSON(filepath.Join(s.dir, name), job); err != nil {
		return "", fmt.Errorf("spool job: %w", err)
	}
	return job.ID, nil
}

// Pending returns the spooled jobs in submission order.
func (s *Spool) Pending() ([]Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	jobs := make([]Job, 0, len(names))
	for _, n := range names {
		var j Job
		if err := pipeline.ReadJSON(filepath.Join(s.dir, n), &j); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
