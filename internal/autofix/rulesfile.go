package autofix

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/jxucoder/autopatch/internal/model"
)

// RulesFile is the YAML layout accepted by LoadRules:
//
//	rules:
//	  - name: missing env file
//	    pattern: "ENOENT.*\\.env"
//	    skip_fix: true
//	  - pattern: "Module not found"
//	    error_type: dependency
//	    custom_prompt: Prefer adding the dependency over removing the import.
//	    priority: 10
type RulesFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// RuleSpec is one rule in a RulesFile. Enabled defaults to true.
type RuleSpec struct {
	Name         string `yaml:"name"`
	Pattern      string `yaml:"pattern"`
	ErrorType    string `yaml:"error_type"`
	SkipFix      bool   `yaml:"skip_fix"`
	CustomPrompt string `yaml:"custom_prompt"`
	Priority     int    `yaml:"priority"`
	Enabled      *bool  `yaml:"enabled"`
}

// ParseRules decodes a rules document into rules for subscriptionID.
func ParseRules(data []byte, subscriptionID string) ([]*model.FixRule, error) {
	var f RulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	rules := make([]*model.FixRule, 0, len(f.Rules))
	for i, rs := range f.Rules {
		if rs.Pattern == "" {
			return nil, fmt.Errorf("rule %d (%s): pattern is required", i+1, rs.Name)
		}
		enabled := true
		if rs.Enabled != nil {
			enabled = *rs.Enabled
		}
		rules = append(rules, &model.FixRule{
			ID:             uuid.New().String(),
			SubscriptionID: subscriptionID,
			Name:           rs.Name,
			Pattern:        rs.Pattern,
			ErrorType:      rs.ErrorType,
			SkipFix:        rs.SkipFix,
			CustomPrompt:   rs.CustomPrompt,
			Priority:       rs.Priority,
			Enabled:        enabled,
		})
	}
	return rules, nil
}

// RuleCreator persists rules.
type RuleCreator interface {
	CreateRule(ctx context.Context, r *model.FixRule) error
}

// LoadRules reads a rules file and stores every rule under subscriptionID.
func LoadRules(ctx context.Context, rc RuleCreator, path, subscriptionID string) ([]*model.FixRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	rules, err := ParseRules(data, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, r := range rules {
		if err := rc.CreateRule(ctx, r); err != nil {
			return nil, fmt.Errorf("storing rule %q: %w", r.Pattern, err)
		}
	}
	return rules, nil
}
