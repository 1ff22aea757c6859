// Package roles implements the Role Registry (component C4): a static
// catalogue of agent roles and prompt templates, loaded once at startup.
// Grounded on the teacher's internal/agents config-loading idiom
// (gopkg.in/yaml.v3 unmarshal of a static file) adapted to the spec's
// fixed role set and template-substitution contract.
package roles

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/apc-daemon/apcd/internal/domain"
	"gopkg.in/yaml.v3"
)

// Registry is the static role table.
type Registry struct {
	roles       map[string]domain.Role
	templates   map[string]string // templateID -> raw template text
	unityGated  bool
}

// defaultRoles mirrors the roles named by the Workflow Runtime phases in
// spec §4.7: context gatherer, planner, analyst, engineer, reviewer.
func defaultRoles() []domain.Role {
	return []domain.Role{
		{ID: "context_gatherer", DisplayName: "Context Gatherer", ModelTier: domain.TierLow,
			WorkflowKinds:    []domain.WorkflowKind{domain.KindPlanningNew},
			PromptTemplateID: "context_gatherer"},
		{ID: "planner", DisplayName: "Planner", ModelTier: domain.TierHigh,
			WorkflowKinds:    []domain.WorkflowKind{domain.KindPlanningNew, domain.KindPlanningRevision},
			PromptTemplateID: "planner"},
		{ID: "analyst", DisplayName: "Analyst", ModelTier: domain.TierMid,
			WorkflowKinds:    []domain.WorkflowKind{domain.KindPlanningNew, domain.KindPlanningRevision},
			PromptTemplateID: "analyst"},
		{ID: "engineer", DisplayName: "Engineer", ModelTier: domain.TierHigh,
			WorkflowKinds:    []domain.WorkflowKind{domain.KindTaskImplementation, domain.KindErrorResolution},
			PromptTemplateID: "engineer"},
		{ID: "reviewer", DisplayName: "Reviewer", ModelTier: domain.TierMid,
			WorkflowKinds:    []domain.WorkflowKind{domain.KindTaskImplementation},
			PromptTemplateID: "reviewer"},
		{ID: "unity_engineer", DisplayName: "Unity Engineer", ModelTier: domain.TierHigh, UnityOnly: true,
			WorkflowKinds:    []domain.WorkflowKind{domain.KindTaskImplementation},
			PromptTemplateID: "engineer"},
	}
}

func defaultTemplates() map[string]string {
	return map[string]string{
		"context_gatherer": "Gather context for: {{.Requirement}}\nWrite findings to {{.ContextPath}}.",
		"planner":          "Draft an implementation plan for: {{.Requirement}}\nContext:\n{{.Context}}",
		"analyst":          "Review this plan for gaps, risks, and missing tasks:\n{{.Plan}}",
		"engineer":         "Implement task {{.TaskID}}: {{.TaskDescription}}\nPlan excerpt:\n{{.PlanExcerpt}}\nHistory:\n{{.History}}",
		"reviewer":         "Review the engineer's output for task {{.TaskID}}:\n{{.EngineerOutput}}",
	}
}

// New builds the static registry from the built-in defaults.
func New() *Registry {
	r := &Registry{roles: make(map[string]domain.Role), templates: defaultTemplates()}
	for _, role := range defaultRoles() {
		r.roles[role.ID] = role
	}
	return r
}

// LoadOverrides merges role-override JSON/YAML files from dir
// (.config/roles/*.json per spec §6.1) into the registry. A missing
// directory is not an error — overrides are optional.
func (r *Registry) LoadOverrides(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("role registry: read overrides dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("role registry: read override %s: %w", e.Name(), err)
		}
		var override domain.Role
		// .json files use domain.Role's camelCase json tags; yaml.v3 would
		// only match lowercased field names.
		if strings.HasSuffix(e.Name(), ".json") {
			err = json.Unmarshal(data, &override)
		} else {
			err = yaml.Unmarshal(data, &override)
		}
		if err != nil {
			return fmt.Errorf("role registry: parse override %s: %w", e.Name(), err)
		}
		if override.ID == "" {
			continue
		}
		r.roles[override.ID] = override
	}
	return nil
}

// SetUnityEnabled gates visibility of UnityOnly roles without mutating
// their definitions (spec §4.4).
func (r *Registry) SetUnityEnabled(enabled bool) { r.unityGated = !enabled }

// Get returns one role by id, or false if unknown or gated off.
func (r *Registry) Get(roleID string) (domain.Role, bool) {
	role, ok := r.roles[roleID]
	if !ok {
		return domain.Role{}, false
	}
	if role.UnityOnly && r.unityGated {
		return domain.Role{}, false
	}
	return role, true
}

// List returns every visible role.
func (r *Registry) List() []domain.Role {
	out := make([]domain.Role, 0, len(r.roles))
	for _, role := range r.roles {
		if role.UnityOnly && r.unityGated {
			continue
		}
		out = append(out, role)
	}
	return out
}

// RolesForWorkflowKind returns the visible roles that may serve kind.
func (r *Registry) RolesForWorkflowKind(kind domain.WorkflowKind) []domain.Role {
	var out []domain.Role
	for _, role := range r.List() {
		if role.ServesKind(kind) {
			out = append(out, role)
		}
	}
	return out
}

// PromptFor renders a role's prompt template by substituting context. No
// runtime compilation beyond Go's text/template substitution — the
// template set itself is fixed at startup.
func (r *Registry) PromptFor(roleID string, context map[string]any) (string, error) {
	role, ok := r.Get(roleID)
	if !ok {
		return "", fmt.Errorf("role registry: unknown role %q", roleID)
	}
	raw, ok := r.templates[role.PromptTemplateID]
	if !ok {
		return "", fmt.Errorf("role registry: unknown template %q for role %q", role.PromptTemplateID, roleID)
	}
	tmpl, err := template.New(role.PromptTemplateID).Option("missingkey=zero").Parse(raw)
	if err != nil {
		return "", fmt.Errorf("role registry: parse template %q: %w", role.PromptTemplateID, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, context); err != nil {
		return "", fmt.Errorf("role registry: render template %q: %w", role.PromptTemplateID, err)
	}
	return buf.String(), nil
}
