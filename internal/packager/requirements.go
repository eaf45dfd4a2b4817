package packager

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// DevDependencies are excluded from the headless manifest. Entries are
// glob patterns matched against normalized package names.
var DevDependencies = []string{
	"pytest", "pytest-*", "coverage", "mypy", "mypy-*", "black", "ruff",
	"flake8", "flake8-*", "isort", "pylint", "pre-commit", "tox", "ipython",
	"jupyter", "jupyter-*", "jupyterlab", "hypothesis", "types-*",
}

// NormalizeName lowercases a package name and replaces "_" and "." with "-"
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("_", "-", ".", "-").Replace(name)
}

func isDevInclude(ref string) bool {
	base := strings.ToLower(filepath.Base(ref))
	for _, marker := range []string{"dev", "test", "lint", "doc"} {
		if strings.Contains(base, marker) {
			return true
		}
	}
	return false
}

// readRequirements parses a requirements file, following -r includes that
// are not development includes, and returns the headless dependency set
// sorted by normalized name. Duplicate names keep the first declaration.
func readRequirements(root, rel string, exclude []string) ([]Dependency, error) {
	seen := make(map[string]Dependency)
	visited := make(map[string]bool)
	if err := parseRequirementsFile(root, rel, exclude, seen, visited); err != nil {
		return nil, err
	}

	deps := make([]Dependency, 0, len(seen))
	for _, d := range seen {
		deps = append(deps, d)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	return deps, nil
}

func parseRequirementsFile(root, rel string, exclude []string, seen map[string]Dependency, visited map[string]bool) error {
	abs, err := resolveUnder(root, rel)
	if err != nil {
		return err
	}
	if visited[abs] {
		return nil
	}
	visited[abs] = true

	data, err := os.ReadFile(abs)
	if err != nil {
		return &MissingSourceError{Path: rel, Err: err}
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.Index(line, " #"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if ref, ok := includeRef(line); ok {
			if isDevInclude(ref) {
				continue
			}
			next := path.Join(path.Dir(filepath.ToSlash(rel)), ref)
			if err := parseRequirementsFile(root, next, exclude, seen, visited); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, "-") {
			// index options, hashes and editable installs are not carried over
			continue
		}

		dep, err := parseRequirement(line)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", rel, lineNo, err)
		}
		if excluded(dep.Name, exclude) {
			continue
		}
		if _, dup := seen[dep.Name]; !dup {
			seen[dep.Name] = dep
		}
	}
	return scanner.Err()
}

func includeRef(line string) (string, bool) {
	for _, prefix := range []string{"-r ", "--requirement ", "--requirement="} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
	}
	return "", false
}

func parseRequirement(line string) (Dependency, error) {
	spec, marker, hasMarker := strings.Cut(line, ";")
	spec = strings.TrimSpace(spec)
	end := strings.IndexAny(spec, "[<>=!~@ \t")
	if end < 0 {
		end = len(spec)
	}
	name := spec[:end]
	if name == "" {
		return Dependency{}, fmt.Errorf("invalid requirement %q", line)
	}
	constraint := strings.Join(strings.Fields(spec[end:]), "")
	if hasMarker {
		constraint += "; " + strings.Join(strings.Fields(marker), " ")
	}
	return Dependency{Name: NormalizeName(name), Constraint: constraint}, nil
}

func excluded(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(NormalizeName(p), name); ok {
			return true
		}
	}
	return false
}
