// Package workflow models the declarative pipeline definitions the service
// executes: YAML documents with a push trigger, an optional interpreter
// matrix, and per-job step lists.
package workflow

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"gopkg.in/yaml.v3"
)

// Defaults applied after decoding.
const (
	DefaultTimezone       = "UTC"
	DefaultJobTimeoutMins = 30
	DefaultMinPercent     = 65.0
)

// Definition is one workflow file: what triggers it and what it runs.
type Definition struct {
	Name     string            `yaml:"name"`
	On       Trigger           `yaml:"on"`
	Timezone string            `yaml:"timezone,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	Runtime  *RuntimeSpec      `yaml:"runtime,omitempty"`
	Jobs     map[string]*Job   `yaml:"jobs"`

	// Path is the source file the definition was loaded from, kept for
	// diagnostics. Empty when parsed from a reader.
	Path string `yaml:"-"`
}

// Trigger holds the event filters that start a run.
type Trigger struct {
	Push *PushFilter `yaml:"push,omitempty"`
}

// PushFilter narrows push events by branch glob. An empty list matches
// every branch.
type PushFilter struct {
	Branches []string `yaml:"branches,omitempty"`
}

// RuntimeSpec declares the interpreter matrix: every job runs once per
// version.
type RuntimeSpec struct {
	Kind     string   `yaml:"kind"`
	Versions []string `yaml:"versions"`
}

// Job is a named sequence of steps. Jobs without needs run in parallel.
type Job struct {
	Name           string            `yaml:"name,omitempty"`
	Needs          []string          `yaml:"needs,omitempty"`
	TimeoutMinutes int               `yaml:"timeout-minutes,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	Steps          []Step            `yaml:"steps"`
}

// Step is one unit of work. Exactly one of Run, Checkout or Coverage must
// be set; Name, Env and TimeoutMinutes apply to whichever it is.
type Step struct {
	Name           string            `yaml:"name,omitempty"`
	Run            string            `yaml:"run,omitempty"`
	Checkout       *CheckoutSpec     `yaml:"checkout,omitempty"`
	Coverage       *CoverageSpec     `yaml:"coverage,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	TimeoutMinutes int               `yaml:"timeout-minutes,omitempty"`
}

// CheckoutSpec fetches the run's commit into the job workspace.
type CheckoutSpec struct {
	// Depth limits the fetch history; 0 means a full clone.
	Depth int `yaml:"depth,omitempty"`
}

// CoverageSpec gates the job on a coverage report produced by an earlier
// step.
type CoverageSpec struct {
	Report     string  `yaml:"report"`
	Package    string  `yaml:"package,omitempty"`
	MinPercent float64 `yaml:"min-percent,omitempty"`
}

// StepKind identifies which one-of field of a Step is set.
type StepKind int

const (
	KindInvalid StepKind = iota
	KindRun
	KindCheckout
	KindCoverage
)

// Kind returns the step's kind, or KindInvalid when zero or more than one
// of the one-of fields is set.
func (s *Step) Kind() StepKind {
	n := 0
	kind := KindInvalid
	if s.Run != "" {
		n++
		kind = KindRun
	}
	if s.Checkout != nil {
		n++
		kind = KindCheckout
	}
	if s.Coverage != nil {
		n++
		kind = KindCoverage
	}
	if n != 1 {
		return KindInvalid
	}
	return kind
}

// Label returns the step's display name, falling back to a kind-derived
// default so skipped and failed steps are always identifiable.
func (s *Step) Label(index int) string {
	if s.Name != "" {
		return s.Name
	}
	switch s.Kind() {
	case KindCheckout:
		return "checkout"
	case KindCoverage:
		return "coverage gate"
	case KindRun:
		return fmt.Sprintf("run #%d", index+1)
	}
	return fmt.Sprintf("step #%d", index+1)
}

// Parse decodes a single workflow document. Unknown fields are rejected so
// typos fail loudly instead of silently dropping configuration.
func Parse(r io.Reader) (*Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("workflow document is empty")
		}
		return nil, fmt.Errorf("decoding workflow: %w", err)
	}
	def.applyDefaults()
	return &def, nil
}

// ParseFile decodes the workflow definition at path.
func ParseFile(p string) (*Definition, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening workflow file: %w", err)
	}
	defer f.Close()

	def, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	def.Path = p
	return def, nil
}

func (d *Definition) applyDefaults() {
	if d.Timezone == "" {
		d.Timezone = DefaultTimezone
	}
	for _, job := range d.Jobs {
		if job == nil {
			continue
		}
		if job.TimeoutMinutes == 0 {
			job.TimeoutMinutes = DefaultJobTimeoutMins
		}
		for i := range job.Steps {
			if cov := job.Steps[i].Coverage; cov != nil && cov.MinPercent == 0 {
				cov.MinPercent = DefaultMinPercent
			}
		}
	}
}

// Matches reports whether a push to the given branch triggers this
// workflow. Branch globs use path.Match semantics, so "*" does not cross
// a slash; tag pushes arrive with an empty branch and never match.
func (d *Definition) Matches(branch string) bool {
	if d.On.Push == nil || branch == "" {
		return false
	}
	if len(d.On.Push.Branches) == 0 {
		return true
	}
	for _, pat := range d.On.Push.Branches {
		if ok, err := path.Match(pat, branch); err == nil && ok {
			return true
		}
	}
	return false
}

// JobNames returns the job keys in sorted order. Execution and expansion
// use this order so runs are deterministic.
func (d *Definition) JobNames() []string {
	names := make([]string, 0, len(d.Jobs))
	for name := range d.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
