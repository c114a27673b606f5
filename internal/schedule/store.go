package schedule

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// stateFile is the on-disk shape of the schedule state.
type stateFile struct {
	Tasks []Task `yaml:"tasks"`
}

// Store persists scheduled tasks to a YAML state file. Every mutation
// is written back atomically (temp file + rename) before it is
// acknowledged, so a crash never leaves a half-written state file.
type Store struct {
	mu    sync.Mutex
	path  string
	tasks map[string]*Task
}

// NewStore loads the state file at path. A missing file starts empty; a
// corrupt one is an error, the operator must decide what to keep.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:  path,
		tasks: make(map[string]*Task),
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading schedule state: %w", err)
	}
	var state stateFile
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding schedule state %s: %w", path, err)
	}
	for i := range state.Tasks {
		t := state.Tasks[i]
		if t.ID == "" {
			continue
		}
		s.tasks[t.ID] = &t
	}
	return s, nil
}

// Create validates and stores a new task. The returned task carries the
// assigned ID; NextRunAt stays zero until the scheduler's first tick.
func (s *Store) Create(t Task) (*Task, error) {
	if err := validateTask(&t); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t.ID = uuid.NewString()
	t.CreatedAt = time.Now()
	t.LastRunAt = time.Time{}
	t.NextRunAt = time.Time{}
	s.tasks[t.ID] = &t
	if err := s.saveLocked(); err != nil {
		delete(s.tasks, t.ID)
		return nil, err
	}
	out := cloneTask(&t)
	return &out, nil
}

// List returns all tasks, oldest first.
func (s *Store) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Get returns one task by ID.
func (s *Store) Get(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// Update applies a partial patch. Any accepted patch zeroes NextRunAt;
// the scheduler recomputes it on the next tick, so an edited task fires
// at its new time, not a stale one.
func (s *Store) Update(id string, p Patch) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	next := cloneTask(cur)

	interval := next.Interval
	if p.Interval != nil {
		interval = *p.Interval
	}
	if interval == IntervalHourly && p.Hour != nil {
		return nil, fmt.Errorf("%w: hourly tasks take no hour", ErrInvalidTask)
	}
	if interval == IntervalDaily && next.Interval == IntervalHourly && p.Hour == nil {
		return nil, fmt.Errorf("%w: switching to daily requires an hour", ErrInvalidTask)
	}

	next.Interval = interval
	if interval == IntervalHourly {
		next.Hour = nil
	}
	if p.Hour != nil {
		h := *p.Hour
		next.Hour = &h
	}
	if p.Workflow != nil {
		next.Workflow = *p.Workflow
	}
	if p.Repo != nil {
		next.Repo = *p.Repo
	}
	if p.Ref != nil {
		next.Ref = *p.Ref
	}
	if p.CloneURL != nil {
		next.CloneURL = *p.CloneURL
	}
	if p.Minute != nil {
		next.Minute = *p.Minute
	}
	if p.Enabled != nil {
		next.Enabled = *p.Enabled
	}
	if err := validateTask(&next); err != nil {
		return nil, err
	}
	next.NextRunAt = time.Time{}

	s.tasks[id] = &next
	if err := s.saveLocked(); err != nil {
		s.tasks[id] = cur
		return nil, err
	}
	out := cloneTask(&next)
	return &out, nil
}

// Delete removes the task.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	delete(s.tasks, id)
	if err := s.saveLocked(); err != nil {
		s.tasks[id] = cur
		return err
	}
	return nil
}

// SetSchedule advances a task's clock after the scheduler touched it.
// A zero lastRunAt keeps the existing value (used when initializing
// NextRunAt without a fire).
func (s *Store) SetSchedule(id string, lastRunAt, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if !lastRunAt.IsZero() {
		t.LastRunAt = lastRunAt
	}
	t.NextRunAt = nextRunAt
	return s.saveLocked()
}

func (s *Store) sortedLocked() []Task {
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// saveLocked writes the state file atomically. Must be called with the
// mutex held.
func (s *Store) saveLocked() error {
	data, err := yaml.Marshal(stateFile{Tasks: s.sortedLocked()})
	if err != nil {
		return fmt.Errorf("encoding schedule state: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".schedules-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmpName)
		if werr != nil {
			return fmt.Errorf("writing schedule state: %w", werr)
		}
		return fmt.Errorf("writing schedule state: %w", cerr)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting state file mode: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing schedule state: %w", err)
	}
	return nil
}
