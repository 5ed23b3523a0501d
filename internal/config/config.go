package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"jobflow/internal/domain"
)

// Config models jobflow.yml: the workflow graph and the scoring criteria.
type Config struct {
	Roles       []string           `yaml:"roles"`
	Statuses    []StatusConfig     `yaml:"statuses"`
	Transitions []TransitionConfig `yaml:"transitions"`
	Criteria    []CriterionConfig  `yaml:"criteria"`
	Personnel   []PersonnelConfig  `yaml:"personnel,omitempty"`
	Extra       map[string]any     `yaml:",inline"`
}

type StatusConfig struct {
	Key       string `yaml:"key"`
	Label     string `yaml:"label"`
	Color     string `yaml:"color"`
	SortOrder int    `yaml:"sort"`
	Active    *bool  `yaml:"active,omitempty"`
}

type TransitionConfig struct {
	From          string   `yaml:"from"`
	To            string   `yaml:"to"`
	Roles         []string `yaml:"roles"`
	RequiresNote  bool     `yaml:"requires_note"`
	RequiresParts bool     `yaml:"requires_parts"`
	AutoActions   []string `yaml:"auto_actions"`
	Active        *bool    `yaml:"active,omitempty"`
}

type CriterionConfig struct {
	Key      string  `yaml:"key"`
	Label    string  `yaml:"label"`
	Category string  `yaml:"category"`
	MaxScore float64 `yaml:"max_score"`
	Weight   float64 `yaml:"weight"`
	Active   *bool   `yaml:"active,omitempty"`
}

type PersonnelConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

var knownActions = map[string]bool{
	domain.ActionSetCompletedAt:   true,
	domain.ActionClearCompletedAt: true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Extra) > 0 {
		for k := range c.Extra {
			return fmt.Errorf("config: unknown top-level key %q", k)
		}
	}
	if len(c.Statuses) == 0 {
		return fmt.Errorf("config.statuses is required")
	}
	roles := map[string]bool{}
	for _, r := range c.Roles {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("config.roles contains empty role")
		}
		roles[r] = true
	}
	statuses := map[string]bool{}
	for _, s := range c.Statuses {
		if s.Key == "" {
			return fmt.Errorf("config.statuses contains empty key")
		}
		if s.Key == domain.WildcardStatus {
			return fmt.Errorf("status key %q is reserved", s.Key)
		}
		if statuses[s.Key] {
			return fmt.Errorf("duplicate status %s", s.Key)
		}
		if s.Label == "" {
			return fmt.Errorf("status %s has empty label", s.Key)
		}
		statuses[s.Key] = true
	}
	edges := map[string]bool{}
	for _, t := range c.Transitions {
		if t.From != domain.WildcardStatus && !statuses[t.From] {
			return fmt.Errorf("transition %s->%s references unknown status %s", t.From, t.To, t.From)
		}
		if !statuses[t.To] {
			return fmt.Errorf("transition %s->%s references unknown status %s", t.From, t.To, t.To)
		}
		edge := t.From + "->" + t.To
		if edges[edge] {
			return fmt.Errorf("duplicate transition %s", edge)
		}
		edges[edge] = true
		if len(t.Roles) == 0 {
			return fmt.Errorf("transition %s has no roles", edge)
		}
		for _, r := range t.Roles {
			if r == "" {
				return fmt.Errorf("transition %s has empty role", edge)
			}
			if len(roles) > 0 && !roles[r] {
				return fmt.Errorf("transition %s references unknown role %s", edge, r)
			}
		}
		for _, a := range t.AutoActions {
			if !knownActions[a] {
				return fmt.Errorf("transition %s has unknown auto action %s", edge, a)
			}
		}
	}
	criteria := map[string]bool{}
	for _, cr := range c.Criteria {
		if cr.Key == "" {
			return fmt.Errorf("config.criteria contains empty key")
		}
		if criteria[cr.Key] {
			return fmt.Errorf("duplicate criterion %s", cr.Key)
		}
		criteria[cr.Key] = true
		if cr.Weight <= 0 {
			return fmt.Errorf("criterion %s weight must be positive", cr.Key)
		}
		if cr.MaxScore <= 0 {
			return fmt.Errorf("criterion %s max_score must be positive", cr.Key)
		}
	}
	for _, p := range c.Personnel {
		if p.ID == "" || p.Name == "" {
			return fmt.Errorf("config.personnel entries need id and name")
		}
	}
	return nil
}

// DomainStatuses converts the status list.
func (c *Config) DomainStatuses() []domain.Status {
	out := make([]domain.Status, 0, len(c.Statuses))
	for _, s := range c.Statuses {
		out = append(out, domain.Status{
			Key:       s.Key,
			Label:     s.Label,
			Color:     s.Color,
			SortOrder: s.SortOrder,
			Active:    boolOr(s.Active, true),
		})
	}
	return out
}

// DomainTransitions converts the transition list.
func (c *Config) DomainTransitions() []domain.Transition {
	out := make([]domain.Transition, 0, len(c.Transitions))
	for _, t := range c.Transitions {
		out = append(out, domain.Transition{
			FromStatus:    t.From,
			ToStatus:      t.To,
			AllowedRoles:  append([]string(nil), t.Roles...),
			RequiresNote:  t.RequiresNote,
			RequiresParts: t.RequiresParts,
			AutoActions:   append([]string(nil), t.AutoActions...),
			Active:        boolOr(t.Active, true),
		})
	}
	return out
}

// DomainCriteria converts the criterion list.
func (c *Config) DomainCriteria() []domain.Criterion {
	out := make([]domain.Criterion, 0, len(c.Criteria))
	for _, cr := range c.Criteria {
		out = append(out, domain.Criterion{
			Key:      cr.Key,
			Label:    cr.Label,
			Category: cr.Category,
			MaxScore: cr.MaxScore,
			Weight:   cr.Weight,
			Active:   boolOr(cr.Active, true),
		})
	}
	return out
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Path returns the rules file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "jobflow.yml")
}

// Load reads and validates the rules file from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("rules %s not found; import with jf rules import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in boat service rule set.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default rules invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default rules YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid rules yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `roles: [ADMIN, COORDINATOR, TECHNICIAN]

statuses:
  - {key: APPOINTMENT,   label: "Appointment",    color: "#6c757d", sort: 10}
  - {key: RECEIVED,      label: "Boat received",  color: "#0dcaf0", sort: 20}
  - {key: IN_PROGRESS,   label: "In progress",    color: "#0d6efd", sort: 30}
  - {key: WAITING_PARTS, label: "Waiting parts",  color: "#fd7e14", sort: 40}
  - {key: QUALITY_CHECK, label: "Quality check",  color: "#6f42c1", sort: 50}
  - {key: DONE,          label: "Done",           color: "#198754", sort: 60}
  - {key: DELIVERED,     label: "Delivered",      color: "#20c997", sort: 70}
  - {key: CANCELLED,     label: "Cancelled",      color: "#dc3545", sort: 80}

transitions:
  - {from: APPOINTMENT,   to: RECEIVED,      roles: [ADMIN, COORDINATOR]}
  - {from: APPOINTMENT,   to: IN_PROGRESS,   roles: [ADMIN, COORDINATOR]}
  - {from: APPOINTMENT,   to: CANCELLED,     roles: [ADMIN, COORDINATOR], requires_note: true}
  - {from: RECEIVED,      to: IN_PROGRESS,   roles: [ADMIN, COORDINATOR, TECHNICIAN]}
  - {from: IN_PROGRESS,   to: WAITING_PARTS, roles: [ADMIN, COORDINATOR, TECHNICIAN], requires_note: true}
  - {from: WAITING_PARTS, to: IN_PROGRESS,   roles: [ADMIN, COORDINATOR, TECHNICIAN]}
  - {from: IN_PROGRESS,   to: QUALITY_CHECK, roles: [ADMIN, COORDINATOR, TECHNICIAN], requires_parts: true}
  - {from: QUALITY_CHECK, to: IN_PROGRESS,   roles: [ADMIN, COORDINATOR], requires_note: true}
  - {from: QUALITY_CHECK, to: DONE,          roles: [ADMIN, COORDINATOR], auto_actions: [setCompletedAt]}
  - {from: DONE,          to: DELIVERED,     roles: [ADMIN, COORDINATOR]}
  - {from: "*",           to: IN_PROGRESS,   roles: [ADMIN], requires_note: true, auto_actions: [clearCompletedAt]}
  - {from: "*",           to: CANCELLED,     roles: [ADMIN], requires_note: true}

criteria:
  - {key: quality,      label: "Work quality",          category: technical, max_score: 5, weight: 2}
  - {key: timeliness,   label: "On-time delivery",      category: process,   max_score: 5, weight: 1.5}
  - {key: cleanliness,  label: "Boat left clean",       category: process,   max_score: 5, weight: 1}
  - {key: satisfaction, label: "Customer satisfaction", category: customer,  max_score: 5, weight: 1}
`
