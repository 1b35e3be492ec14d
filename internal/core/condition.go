package core

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Operator is the restricted comparison set available to edge conditions.
// Only the condition evaluator introspects node outputs; everything else in
// the core treats them as opaque blobs.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "notEquals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "notContains"
	OpGreaterThan Operator = "greaterThan"
	OpLessThan    Operator = "lessThan"
	OpRegex       Operator = "regex"
)

// Condition gates an edge: it is evaluated against the source node's output
// after the source completes. A false condition skips the target node; it
// never fails it and never causes a retry.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Eval evaluates the condition against a node output. The output must be a
// JSON value; Field addresses a key of the top-level object (dot-separated
// for nested objects). A missing field evaluates to false for every
// operator except notEquals and notContains.
func (c *Condition) Eval(output json.RawMessage) (bool, error) {
	actual, found := lookupField(output, c.Field)

	switch c.Operator {
	case OpEquals:
		return found && equalValues(actual, c.Value), nil
	case OpNotEquals:
		return !found || !equalValues(actual, c.Value), nil
	case OpContains:
		return found && strings.Contains(asString(actual), asString(c.Value)), nil
	case OpNotContains:
		return !found || !strings.Contains(asString(actual), asString(c.Value)), nil
	case OpGreaterThan:
		a, aok := asNumber(actual)
		b, bok := asNumber(c.Value)
		return found && aok && bok && a > b, nil
	case OpLessThan:
		a, aok := asNumber(actual)
		b, bok := asNumber(c.Value)
		return found && aok && bok && a < b, nil
	case OpRegex:
		re, err := regexp.Compile(asString(c.Value))
		if err != nil {
			return false, fmt.Errorf("invalid condition regex %q: %w", asString(c.Value), err)
		}
		return found && re.MatchString(asString(actual)), nil
	default:
		return false, fmt.Errorf("unknown condition operator %q", c.Operator)
	}
}

// Validate checks the operator and, for regex, compiles the pattern.
func (c *Condition) Validate() error {
	switch c.Operator {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpGreaterThan, OpLessThan:
		return nil
	case OpRegex:
		if _, err := regexp.Compile(asString(c.Value)); err != nil {
			return fmt.Errorf("invalid condition regex: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown condition operator %q", c.Operator)
	}
}

func lookupField(output json.RawMessage, field string) (any, bool) {
	if len(output) == 0 {
		return nil, false
	}
	var doc any
	if err := json.Unmarshal(output, &doc); err != nil {
		return nil, false
	}
	if field == "" {
		return doc, true
	}
	cur := doc
	for _, part := range strings.Split(field, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equalValues(a, b any) bool {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			return an == bn
		}
	}
	return asString(a) == asString(b)
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
