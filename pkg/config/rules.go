package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/stackmesa/steward/pkg/governor"
)

// ruleFileSchema constrains governor rule documents before they reach
// the rule engine. Malformed files are rejected at load, not at fire
// time.
const ruleFileSchema = `{
  "type": "object",
  "required": ["rules"],
  "properties": {
    "rules": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "actions"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "priority": {"type": "integer", "minimum": 0},
          "cooldown": {"type": "string"},
          "expression": {"type": "string"},
          "conditions": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["field", "op", "value"],
              "properties": {
                "field": {"type": "string", "minLength": 1},
                "op": {"enum": ["gt", "gte", "lt", "lte", "eq", "neq"]},
                "value": {"type": "number"}
              }
            }
          },
          "actions": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["type"],
              "properties": {
                "type": {"enum": ["BLOCK", "THROTTLE", "RESTRICT_FEATURE"]},
                "feature": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`

// ruleDocument is the wire shape of a rule file.
type ruleDocument struct {
	Rules []ruleEntry `json:"rules"`
}

type ruleEntry struct {
	ID          string           `json:"id"`
	Description string           `json:"description"`
	Priority    int              `json:"priority"`
	Cooldown    string           `json:"cooldown"`
	Expression  string           `json:"expression"`
	Conditions  []conditionEntry `json:"conditions"`
	Actions     []actionEntry    `json:"actions"`
}

type conditionEntry struct {
	Field string  `json:"field"`
	Op    string  `json:"op"`
	Value float64 `json:"value"`
}

type actionEntry struct {
	Type    string `json:"type"`
	Feature string `json:"feature"`
}

func compileRuleSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://steward.schemas.local/governor/rules.schema.json"
	if err := c.AddResource(url, strings.NewReader(ruleFileSchema)); err != nil {
		return nil, fmt.Errorf("rule schema load failed: %w", err)
	}
	return c.Compile(url)
}

// ValidateRuleFile checks a JSON rule document against the schema without
// constructing rules.
func ValidateRuleFile(data []byte) error {
	schema, err := compileRuleSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("rule file is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("rule file rejected: %w", err)
	}
	return nil
}

// LoadRuleFile validates and parses a JSON rule document into governor
// rules.
func LoadRuleFile(path string) ([]governor.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules validates a rule document and converts it into governor
// rules.
func ParseRules(data []byte) ([]governor.Rule, error) {
	if err := ValidateRuleFile(data); err != nil {
		return nil, err
	}
	var doc ruleDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}

	rules := make([]governor.Rule, 0, len(doc.Rules))
	for _, entry := range doc.Rules {
		rule := governor.Rule{
			ID:          entry.ID,
			Description: entry.Description,
			Priority:    entry.Priority,
			Expression:  entry.Expression,
		}
		if entry.Cooldown != "" {
			d, err := time.ParseDuration(entry.Cooldown)
			if err != nil {
				return nil, fmt.Errorf("rule %s: bad cooldown: %w", entry.ID, err)
			}
			rule.Cooldown = d
		}
		for _, c := range entry.Conditions {
			rule.Conditions = append(rule.Conditions, governor.Condition{
				Field: c.Field,
				Op:    governor.Comparison(c.Op),
				Value: c.Value,
			})
		}
		for _, a := range entry.Actions {
			rule.Actions = append(rule.Actions, governor.Action{
				Type:    governor.ActionType(a.Type),
				Feature: a.Feature,
			})
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
