package workflow

import (
	"fmt"
	"strings"
	"unicode"
)

// MatrixJob is one expanded entry of a definition's matrix: a job bound
// to a single runtime version.
type MatrixJob struct {
	// Key uniquely identifies the entry within a run, e.g.
	// "test (python 3.11)".
	Key     string
	JobName string
	Version string
	Job     *Job
	// Env carries the matrix-injected variables for this entry, e.g.
	// MATRIX_PYTHON_VERSION=3.11.
	Env map[string]string
}

// ExpandMatrix crosses the definition's jobs with its runtime versions.
// Expansion is pure: the same definition always yields the same entries
// in the same order (jobs sorted by name, versions as declared). A
// definition without a runtime yields one entry per job with an empty
// version.
func (d *Definition) ExpandMatrix() []MatrixJob {
	names := d.JobNames()
	if d.Runtime == nil {
		out := make([]MatrixJob, 0, len(names))
		for _, name := range names {
			out = append(out, MatrixJob{
				Key:     name,
				JobName: name,
				Job:     d.Jobs[name],
				Env:     map[string]string{},
			})
		}
		return out
	}

	envKey := matrixEnvKey(d.Runtime.Kind)
	out := make([]MatrixJob, 0, len(names)*len(d.Runtime.Versions))
	for _, name := range names {
		for _, version := range d.Runtime.Versions {
			out = append(out, MatrixJob{
				Key:     jobKey(name, d.Runtime.Kind, version),
				JobName: name,
				Version: version,
				Job:     d.Jobs[name],
				Env:     map[string]string{envKey: version},
			})
		}
	}
	return out
}

// NarrowMatrix returns only the entries for the given version, used by
// single-version local execution. An empty version returns everything.
func (d *Definition) NarrowMatrix(version string) []MatrixJob {
	all := d.ExpandMatrix()
	if version == "" {
		return all
	}
	out := make([]MatrixJob, 0, len(all))
	for _, mj := range all {
		if mj.Version == version {
			out = append(out, mj)
		}
	}
	return out
}

func jobKey(name, kind, version string) string {
	return fmt.Sprintf("%s (%s %s)", name, kind, version)
}

// matrixEnvKey derives the env var name for the matrix axis:
// "python" becomes MATRIX_PYTHON_VERSION.
func matrixEnvKey(kind string) string {
	var b strings.Builder
	for _, r := range kind {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToUpper(r))
		default:
			b.WriteRune('_')
		}
	}
	return "MATRIX_" + b.String() + "_VERSION"
}
