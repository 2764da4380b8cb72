package types

import (
	"fmt"
	"maps"
)

// CompatibilityKind selects how a new schema is compared to the group history
type CompatibilityKind string

const (
	// AllowAny accepts every schema
	AllowAny CompatibilityKind = "ALLOW_ANY"
	// DenyAll rejects every schema
	DenyAll CompatibilityKind = "DENY_ALL"
	// Backward: new schema can read data written with the latest schema
	Backward CompatibilityKind = "BACKWARD"
	// BackwardTransitive: new schema can read data written with all previous schemas
	BackwardTransitive CompatibilityKind = "BACKWARD_TRANSITIVE"
	// BackwardTill: new schema can read data written with every schema from BackwardTill on
	BackwardTill CompatibilityKind = "BACKWARD_TILL"
	// Forward: latest schema can read data written with the new schema
	Forward CompatibilityKind = "FORWARD"
	// ForwardTransitive: all previous schemas can read data written with the new schema
	ForwardTransitive CompatibilityKind = "FORWARD_TRANSITIVE"
	// ForwardTill: every schema from ForwardTill on can read data written with the new schema
	ForwardTill CompatibilityKind = "FORWARD_TILL"
	// BackwardAndForwardTill combines BackwardTill and ForwardTill with separate bounds
	BackwardAndForwardTill CompatibilityKind = "BACKWARD_AND_FORWARD_TILL"
	// Full: both backward and forward compatibility with the latest schema
	Full CompatibilityKind = "FULL"
	// FullTransitive: both backward and forward compatibility with all previous schemas
	FullTransitive CompatibilityKind = "FULL_TRANSITIVE"
)

// Compatibility is one compatibility rule. The Till bounds are inclusive.
type Compatibility struct {
	Kind         CompatibilityKind `json:"kind"`
	BackwardTill *VersionInfo      `json:"backwardTill,omitempty"`
	ForwardTill  *VersionInfo      `json:"forwardTill,omitempty"`
}

// Validate checks that the bounds required by Kind are present.
func (c Compatibility) Validate() error {
	switch c.Kind {
	case AllowAny, DenyAll, Backward, BackwardTransitive, Forward, ForwardTransitive, Full, FullTransitive:
		return nil
	case BackwardTill:
		if c.BackwardTill == nil {
			return fmt.Errorf("%s requires backwardTill", c.Kind)
		}
	case ForwardTill:
		if c.ForwardTill == nil {
			return fmt.Errorf("%s requires forwardTill", c.Kind)
		}
	case BackwardAndForwardTill:
		if c.BackwardTill == nil || c.ForwardTill == nil {
			return fmt.Errorf("%s requires backwardTill and forwardTill", c.Kind)
		}
	default:
		return fmt.Errorf("invalid compatibility kind: %s", c.Kind)
	}
	return nil
}

// Equal compares kinds and bounds by value.
func (c Compatibility) Equal(o Compatibility) bool {
	return c.Kind == o.Kind && equalBound(c.BackwardTill, o.BackwardTill) && equalBound(c.ForwardTill, o.ForwardTill)
}

func equalBound(a, b *VersionInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// CompatibilityRule is the rule name under which the compatibility policy is kept.
const CompatibilityRule = "Compatibility"

// SchemaValidationRules is the named set of rules a group validates against
type SchemaValidationRules struct {
	Rules map[string]Compatibility `json:"rules"`
}

// RulesOf returns a rule set holding a single compatibility rule.
func RulesOf(c Compatibility) SchemaValidationRules {
	return SchemaValidationRules{Rules: map[string]Compatibility{CompatibilityRule: c}}
}

// Compatibility returns the compatibility rule, if set.
func (r SchemaValidationRules) Compatibility() (Compatibility, bool) {
	c, ok := r.Rules[CompatibilityRule]
	return c, ok
}

// Validate checks every rule.
func (r SchemaValidationRules) Validate() error {
	for name, c := range r.Rules {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", name, err)
		}
	}
	return nil
}

// Equal compares rule sets by value.
func (r SchemaValidationRules) Equal(o SchemaValidationRules) bool {
	return maps.EqualFunc(r.Rules, o.Rules, Compatibility.Equal)
}
