// Package coverage parses test-coverage reports and evaluates the
// minimum-percentage gate a workflow step declares. Two formats are
// accepted, because Python test suites emit either: Cobertura XML
// (pytest --cov-report=xml) and coverage.py JSON (coverage json).
package coverage

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Stats counts statements for one package.
type Stats struct {
	Covered int64
	Total   int64
}

// Percent is covered/total as a percentage. A package with no statements
// is vacuously fully covered.
func (s Stats) Percent() float64 {
	if s.Total == 0 {
		return 100.0
	}
	return float64(s.Covered) / float64(s.Total) * 100.0
}

// Report is a parsed coverage report, rolled up by package. Package names
// are dot-separated regardless of the source format.
type Report struct {
	Packages map[string]Stats
	Total    Stats
}

// ParseFile reads and parses the report at path, sniffing the format
// from the first non-space byte.
func ParseFile(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading coverage report: %w", err)
	}
	return Parse(data)
}

// Parse decodes a report from raw bytes.
func Parse(data []byte) (*Report, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("coverage report is empty")
	}
	switch trimmed[0] {
	case '<':
		return parseCobertura(trimmed)
	case '{':
		return parseCoveragePyJSON(trimmed)
	}
	return nil, fmt.Errorf("unrecognized coverage report format (starts with %q)", trimmed[0])
}

// Percent returns the coverage percentage for the named package,
// aggregating subpackages (pkg "a" includes "a.b"). An empty name means
// the whole report. ok is false when the package does not appear.
func (r *Report) Percent(pkg string) (float64, bool) {
	if pkg == "" {
		return r.Total.Percent(), true
	}
	var agg Stats
	found := false
	for name, st := range r.Packages {
		if name == pkg || strings.HasPrefix(name, pkg+".") {
			agg.Covered += st.Covered
			agg.Total += st.Total
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return agg.Percent(), true
}

// PackageNames returns the report's package names, sorted.
func (r *Report) PackageNames() []string {
	names := make([]string, 0, len(r.Packages))
	for name := range r.Packages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Gate is the threshold a coverage step enforces.
type Gate struct {
	// Package scopes the gate; empty gates the whole report.
	Package string
	// MinPercent passes at or above the threshold.
	MinPercent float64
}

// GateResult is the outcome of evaluating a gate against a report.
type GateResult struct {
	Passed    bool
	Percent   float64
	Threshold float64
	Package   string
	Reason    string
}

// String renders the result the way it appears in step output.
func (g GateResult) String() string {
	scope := g.Package
	if scope == "" {
		scope = "total"
	}
	if g.Reason != "" {
		return fmt.Sprintf("coverage gate on %s: %s", scope, g.Reason)
	}
	verdict := "passed"
	if !g.Passed {
		verdict = "failed"
	}
	return fmt.Sprintf("coverage gate on %s: %.1f%% (minimum %.1f%%) %s",
		scope, g.Percent, g.Threshold, verdict)
}

// Evaluate checks the report against the gate. The comparison is
// inclusive: a measurement exactly at the threshold passes.
func (g Gate) Evaluate(rep *Report) GateResult {
	res := GateResult{
		Threshold: g.MinPercent,
		Package:   g.Package,
	}
	pct, ok := rep.Percent(g.Package)
	if !ok {
		res.Reason = fmt.Sprintf("package %q not present in report (packages: %s)",
			g.Package, strings.Join(rep.PackageNames(), ", "))
		return res
	}
	res.Percent = pct
	res.Passed = pct >= g.MinPercent
	return res
}

// Cobertura XML shapes. Statement counts come from the <line> elements
// rather than the precomputed line-rate attributes, so rounding in the
// producer cannot move a measurement across the threshold.
type coberturaDoc struct {
	XMLName  xml.Name           `xml:"coverage"`
	Packages []coberturaPackage `xml:"packages>package"`
}

type coberturaPackage struct {
	Name    string           `xml:"name,attr"`
	Classes []coberturaClass `xml:"classes>class"`
}

type coberturaClass struct {
	Filename string          `xml:"filename,attr"`
	Lines    []coberturaLine `xml:"lines>line"`
}

type coberturaLine struct {
	Hits int64 `xml:"hits,attr"`
}

func parseCobertura(data []byte) (*Report, error) {
	var doc coberturaDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding cobertura report: %w", err)
	}
	rep := &Report{Packages: map[string]Stats{}}
	for _, pkg := range doc.Packages {
		st := rep.Packages[pkg.Name]
		for _, cls := range pkg.Classes {
			for _, line := range cls.Lines {
				st.Total++
				if line.Hits > 0 {
					st.Covered++
				}
			}
		}
		rep.Packages[pkg.Name] = st
		rep.Total.Covered += st.Covered
		rep.Total.Total += st.Total
	}
	return rep, nil
}

// coverage.py JSON shapes ("coverage json" output).
type coveragePyDoc struct {
	Files  map[string]coveragePyFile `json:"files"`
	Totals *coveragePySummary        `json:"totals"`
}

type coveragePyFile struct {
	Summary coveragePySummary `json:"summary"`
}

type coveragePySummary struct {
	CoveredLines  int64 `json:"covered_lines"`
	NumStatements int64 `json:"num_statements"`
}

func parseCoveragePyJSON(data []byte) (*Report, error) {
	var doc coveragePyDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding coverage.py report: %w", err)
	}
	if doc.Files == nil {
		return nil, fmt.Errorf("coverage.py report has no files section")
	}
	rep := &Report{Packages: map[string]Stats{}}
	for file, fc := range doc.Files {
		name := packageOf(file)
		st := rep.Packages[name]
		st.Covered += fc.Summary.CoveredLines
		st.Total += fc.Summary.NumStatements
		rep.Packages[name] = st
		rep.Total.Covered += fc.Summary.CoveredLines
		rep.Total.Total += fc.Summary.NumStatements
	}
	if doc.Totals != nil {
		rep.Total = Stats{Covered: doc.Totals.CoveredLines, Total: doc.Totals.NumStatements}
	}
	return rep, nil
}

// packageOf maps a file path to a dot-separated package name: the file's
// directory path. Files at the report root land in the "" package.
func packageOf(file string) string {
	p := strings.ReplaceAll(file, "\\", "/")
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(p[:idx], "/", ".")
}
