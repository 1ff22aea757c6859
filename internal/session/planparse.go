package session

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// taskSpec is one checklist line parsed out of a plan document, ready to
// hand to tasks.Manager.Add. Dependencies are local parts (e.g. "T1") in
// the order written; parsePlan does not resolve them to global ids, since
// the global id depends on the owning session (spec §6.3).
type taskSpec struct {
	localPart   string
	description string
	deps        []string
	priority    int
}

// checklistLine matches `- [ ] T1: description (deps: T0,T2) (priority: 0)`.
// The deps and priority clauses are both optional; a bare `- [ ] T1:
// description` defaults to no dependencies and priority 0. Grounded on the
// checklist format the planning/planning_revision workflows are prompted
// to emit (internal/workflow/planning_new.go, planning_revision.go).
var checklistLine = regexp.MustCompile(
	`^-\s*\[[ xX]?\]\s*([A-Za-z0-9]+):\s*(.+?)` +
		`(?:\s*\(deps:\s*([^)]*)\))?` +
		`(?:\s*\(priority:\s*(-?\d+)\))?` +
		`\s*$`,
)

// parsePlan extracts the checklist section of a plan document. Forward
// references are allowed: a task may depend on
// any local id appearing anywhere in the document, since the dependency
// edges themselves (not the file's line order) are what tasks.Manager
// validates. Lines outside the checklist grammar are prose and ignored.
func parsePlan(text string) ([]taskSpec, error) {
	var specs []taskSpec
	seen := make(map[string]bool)

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := checklistLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		localPart := m[1]
		if seen[localPart] {
			return nil, fmt.Errorf("plan parse: duplicate task id %s", localPart)
		}
		seen[localPart] = true

		spec := taskSpec{localPart: localPart, description: strings.TrimSpace(m[2])}

		if depsRaw := strings.TrimSpace(m[3]); depsRaw != "" && !strings.EqualFold(depsRaw, "none") {
			for _, d := range strings.Split(depsRaw, ",") {
				d = strings.TrimSpace(d)
				if d != "" {
					spec.deps = append(spec.deps, d)
				}
			}
		}

		if prioRaw := strings.TrimSpace(m[4]); prioRaw != "" {
			p, err := strconv.Atoi(prioRaw)
			if err != nil {
				return nil, fmt.Errorf("plan parse: invalid priority %q for task %s", prioRaw, localPart)
			}
			spec.priority = p
		}

		specs = append(specs, spec)
	}

	if len(specs) == 0 {
		return nil, fmt.Errorf("plan parse: no checklist tasks found")
	}
	return specs, nil
}

// topoSortSpecs orders specs so that any dependency on another spec in the
// same batch is added before its dependent, tolerating either forward or
// backward references within the document. A dependency on a task outside
// the batch (already committed from an earlier approval) is left for
// tasks.Manager.Add's own existence check. Grounded on the same
// gray/black DFS coloring as tasks.Manager.findCycleLocked.
func topoSortSpecs(specs []taskSpec) ([]taskSpec, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	byID := make(map[string]taskSpec, len(specs))
	for _, sp := range specs {
		byID[sp.localPart] = sp
	}
	color := make(map[string]int, len(specs))
	var order []taskSpec
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("dependency cycle detected: %v", append(append([]string{}, path...), id))
		}
		sp, ok := byID[id]
		if !ok {
			return nil // not part of this batch
		}
		color[id] = gray
		path = append(path, id)
		for _, dep := range sp.deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		order = append(order, sp)
		return nil
	}

	for _, sp := range specs {
		if err := visit(sp.localPart); err != nil {
			return nil, err
		}
	}
	return order, nil
}
