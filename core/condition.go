package core

import (
	"fmt"
	"strings"
	"time"
)

// Named condition types referenced by logic-tree leaves.
const (
	ConditionSimple   = "SIMPLE"
	ConditionSequence = "SEQUENCE"
)

// NamedCondition is a reusable atomic condition that logic trees
// reference by code ("cond:<code>"). The payload mirrors the rule mode
// payloads: a SIMPLE condition carries a SimpleSpec, a SEQUENCE
// condition a SequenceSpec.
type NamedCondition struct {
	Code     string        `json:"code" validate:"required,max=50"`
	Label    string        `json:"label,omitempty"`
	Type     string        `json:"type"`
	Simple   *SimpleSpec   `json:"simple,omitempty"`
	Sequence *SequenceSpec `json:"sequence,omitempty"`
	IsActive bool          `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Normalize canonicalizes enum casing and drops the payload that does
// not belong to the condition type.
func (c *NamedCondition) Normalize() {
	c.Code = strings.TrimSpace(c.Code)
	c.Type = strings.ToUpper(strings.TrimSpace(c.Type))
	if c.Type == "" {
		c.Type = ConditionSimple
	}
	switch c.Type {
	case ConditionSimple:
		c.Sequence = nil
		if c.Simple == nil {
			c.Simple = &SimpleSpec{FrequencyCount: 1}
		}
		c.Simple.ConditionType = strings.ToUpper(strings.TrimSpace(c.Simple.ConditionType))
	case ConditionSequence:
		c.Simple = nil
	}
}

// Validate rejects malformed named conditions at save time.
func (c *NamedCondition) Validate() error {
	if c == nil {
		return fmt.Errorf("cannot validate nil condition")
	}
	if c.Code == "" {
		return &ValidationError{Field: "code", Message: "code is required"}
	}
	if strings.ContainsAny(c.Code, ": \t") {
		return &ValidationError{Field: "code", Message: "code cannot contain spaces or colons"}
	}
	switch c.Type {
	case ConditionSimple:
		if c.Simple == nil {
			return &ValidationError{Field: "simple", Message: "SIMPLE condition requires a simple payload"}
		}
		return c.Simple.validate()
	case ConditionSequence:
		if c.Sequence == nil {
			return &ValidationError{Field: "sequence", Message: "SEQUENCE condition requires a sequence payload"}
		}
		return c.Sequence.validate()
	default:
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown condition type %q", c.Type)}
	}
}
