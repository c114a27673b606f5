package workflow

import (
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/dominikbraun/graph"

	"github.com/ninakahr/greenlight/internal/validation"
)

// Validate checks a parsed definition for structural problems. A
// definition that fails validation is never registered and never runs.
func (d *Definition) Validate() error {
	if _, err := validation.ValidateWorkflowName(d.Name); err != nil {
		return fmt.Errorf("workflow name: %w", err)
	}
	if d.On.Push == nil {
		return fmt.Errorf("workflow %q: no trigger; an on.push section is required", d.Name)
	}
	for _, pat := range d.On.Push.Branches {
		if pat == "" {
			return fmt.Errorf("workflow %q: empty branch pattern", d.Name)
		}
		if _, err := path.Match(pat, "probe"); err != nil {
			return fmt.Errorf("workflow %q: branch pattern %q: %w", d.Name, pat, err)
		}
	}
	if _, err := time.LoadLocation(d.Timezone); err != nil {
		return fmt.Errorf("workflow %q: timezone %q: %w", d.Name, d.Timezone, err)
	}
	if d.Runtime != nil {
		if d.Runtime.Kind == "" {
			return fmt.Errorf("workflow %q: runtime kind is required when a runtime is declared", d.Name)
		}
		if len(d.Runtime.Versions) == 0 {
			return fmt.Errorf("workflow %q: runtime declares no versions", d.Name)
		}
		seen := make(map[string]bool, len(d.Runtime.Versions))
		for _, v := range d.Runtime.Versions {
			if v == "" {
				return fmt.Errorf("workflow %q: empty runtime version", d.Name)
			}
			if seen[v] {
				return fmt.Errorf("workflow %q: duplicate runtime version %q", d.Name, v)
			}
			seen[v] = true
		}
	}
	if len(d.Jobs) == 0 {
		return fmt.Errorf("workflow %q: no jobs", d.Name)
	}

	for _, name := range d.JobNames() {
		job := d.Jobs[name]
		if job == nil {
			return fmt.Errorf("workflow %q: job %q is empty", d.Name, name)
		}
		if err := d.validateJob(name, job); err != nil {
			return err
		}
	}
	return d.validateNeeds()
}

func (d *Definition) validateJob(name string, job *Job) error {
	if job.TimeoutMinutes < 0 {
		return fmt.Errorf("workflow %q: job %q: negative timeout", d.Name, name)
	}
	if len(job.Steps) == 0 {
		return fmt.Errorf("workflow %q: job %q: no steps", d.Name, name)
	}
	for _, need := range job.Needs {
		if need == name {
			return fmt.Errorf("workflow %q: job %q needs itself", d.Name, name)
		}
		if _, ok := d.Jobs[need]; !ok {
			return fmt.Errorf("workflow %q: job %q needs unknown job %q", d.Name, name, need)
		}
	}
	for i := range job.Steps {
		step := &job.Steps[i]
		if step.Kind() == KindInvalid {
			return fmt.Errorf("workflow %q: job %q step %d: exactly one of run, checkout or coverage must be set", d.Name, name, i+1)
		}
		if step.TimeoutMinutes < 0 {
			return fmt.Errorf("workflow %q: job %q step %d: negative timeout", d.Name, name, i+1)
		}
		if cov := step.Coverage; cov != nil {
			if cov.Report == "" {
				return fmt.Errorf("workflow %q: job %q step %d: coverage report path is required", d.Name, name, i+1)
			}
			if cov.MinPercent <= 0 || cov.MinPercent > 100 {
				return fmt.Errorf("workflow %q: job %q step %d: min-percent %.1f out of range (0,100]", d.Name, name, i+1, cov.MinPercent)
			}
		}
	}
	return nil
}

// validateNeeds builds the dependency graph and rejects cycles.
func (d *Definition) validateNeeds() error {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	for _, name := range d.JobNames() {
		if err := g.AddVertex(name); err != nil {
			return fmt.Errorf("workflow %q: job graph: %w", d.Name, err)
		}
	}
	for _, name := range d.JobNames() {
		for _, need := range d.Jobs[name].Needs {
			err := g.AddEdge(need, name)
			if errors.Is(err, graph.ErrEdgeCreatesCycle) {
				return fmt.Errorf("workflow %q: needs cycle involving jobs %q and %q", d.Name, need, name)
			}
			if err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
				return fmt.Errorf("workflow %q: job graph: %w", d.Name, err)
			}
		}
	}
	return nil
}
