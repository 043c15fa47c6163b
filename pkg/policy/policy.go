// Package policy evaluates configured rules against a project's components
// and findings. Rules are defined in YAML, compiled at construction, and
// evaluated in priority order; every match becomes a policy violation record.
package policy

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/deptrail/deptrail/pkg/errors"
	"github.com/deptrail/deptrail/pkg/model"
)

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// Rule defines one policy rule.
type Rule struct {
	// Name is the rule identifier, unique within a policy.
	Name string `yaml:"name"`

	// Description explains what the rule checks.
	Description string `yaml:"description,omitempty"`

	// Enabled indicates if the rule is active.
	Enabled bool `yaml:"enabled"`

	// Priority orders evaluation; higher runs first.
	Priority int `yaml:"priority"`

	// Severity is the violation severity when the rule matches.
	Severity string `yaml:"severity"`

	// Message is recorded as the violation detail.
	Message string `yaml:"message,omitempty"`

	// Condition is what triggers the rule.
	Condition Condition `yaml:"condition"`
}

// Condition specifies when a rule matches a component. All specified fields
// must match; empty fields are ignored.
type Condition struct {
	// MinFindingSeverity matches when the component carries a finding at or
	// above this severity.
	MinFindingSeverity string `yaml:"min_finding_severity,omitempty"`

	// PURLMatch matches the component's package URL against a regex.
	PURLMatch string `yaml:"purl_match,omitempty"`

	// LicenseIn matches when the component's license is one of these.
	LicenseIn []string `yaml:"license_in,omitempty"`

	// LicenseRequired matches components carrying no license at all.
	LicenseRequired bool `yaml:"license_required,omitempty"`

	// Internal restricts the rule to internal or external components.
	Internal *bool `yaml:"internal,omitempty"`
}

// Policy is a loadable rule set.
type Policy struct {
	Rules []Rule `yaml:"rules"`
}

// LoadPolicy parses a YAML policy document.
func LoadPolicy(raw []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, errors.E(errors.KindValidation, "policy.LoadPolicy", "malformed policy document", err)
	}
	return &p, nil
}

// DefaultPolicy returns the embedded default rule set.
func DefaultPolicy() *Policy {
	p, err := LoadPolicy(defaultPolicyYAML)
	if err != nil {
		// The embedded policy is validated by tests; a parse failure here is
		// a build defect.
		panic(fmt.Sprintf("embedded default policy is invalid: %v", err))
	}
	return p
}

// compiledRule is a rule with its regex compiled once.
type compiledRule struct {
	Rule
	purlRe      *regexp.Regexp
	minSeverity model.Severity
	licenses    map[string]bool
}

// Engine evaluates a compiled policy. Safe for concurrent use after
// construction.
type Engine struct {
	rules []compiledRule
}

// NewEngine compiles the policy's enabled rules, ordered by priority.
func NewEngine(p *Policy) (*Engine, error) {
	const op = "policy.NewEngine"

	var rules []compiledRule
	for _, r := range p.Rules {
		if !r.Enabled {
			continue
		}
		cr := compiledRule{Rule: r}
		if r.Condition.PURLMatch != "" {
			re, err := regexp.Compile(r.Condition.PURLMatch)
			if err != nil {
				return nil, errors.E(errors.KindValidation, op,
					fmt.Sprintf("rule %q: invalid purl_match", r.Name), err)
			}
			cr.purlRe = re
		}
		if r.Condition.MinFindingSeverity != "" {
			cr.minSeverity = model.NormalizeSeverity(r.Condition.MinFindingSeverity)
			if cr.minSeverity == model.SeverityUnknown {
				return nil, errors.E(errors.KindValidation, op,
					fmt.Sprintf("rule %q: unknown min_finding_severity %q", r.Name, r.Condition.MinFindingSeverity))
			}
		}
		if len(r.Condition.LicenseIn) > 0 {
			cr.licenses = make(map[string]bool, len(r.Condition.LicenseIn))
			for _, l := range r.Condition.LicenseIn {
				cr.licenses[l] = true
			}
		}
		rules = append(rules, cr)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	return &Engine{rules: rules}, nil
}

// Evaluate returns one violation per (rule, component) match.
func (e *Engine) Evaluate(projectUUID uuid.UUID, components []model.Component, findings []model.Finding) []model.PolicyViolation {
	worst := make(map[uuid.UUID]model.Severity)
	for _, f := range findings {
		if f.Severity.Rank() > worst[f.ComponentUUID].Rank() {
			worst[f.ComponentUUID] = f.Severity
		}
	}

	now := time.Now().UTC()
	var violations []model.PolicyViolation
	for _, rule := range e.rules {
		for _, c := range components {
			if !rule.matches(c, worst[c.UUID]) {
				continue
			}
			violations = append(violations, model.PolicyViolation{
				ProjectUUID:   projectUUID,
				ComponentUUID: c.UUID,
				RuleName:      rule.Name,
				Severity:      model.NormalizeSeverity(rule.Severity),
				Detail:        rule.Message,
				RecordedAt:    now,
			})
		}
	}
	return violations
}

// RuleCount returns the number of active compiled rules.
func (e *Engine) RuleCount() int {
	return len(e.rules)
}

func (r *compiledRule) matches(c model.Component, worstFinding model.Severity) bool {
	cond := r.Condition

	if r.minSeverity != "" && worstFinding.Rank() < r.minSeverity.Rank() {
		return false
	}
	if r.purlRe != nil && !r.purlRe.MatchString(c.PURL) {
		return false
	}
	if r.licenses != nil && !r.licenses[c.License] {
		return false
	}
	if cond.LicenseRequired && c.License != "" {
		return false
	}
	if cond.Internal != nil && c.Internal != *cond.Internal {
		return false
	}

	// A rule whose condition is entirely empty never matches; it would flag
	// every component.
	if r.minSeverity == "" && r.purlRe == nil && r.licenses == nil &&
		!cond.LicenseRequired && cond.Internal == nil {
		return false
	}
	return true
}
