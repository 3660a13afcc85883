package engine

import (
	"fmt"
	"strings"
)

// Fingerprint is the identity of a craftable resource type.
//
// Fingerprints are comparable values and are used directly as map keys. Two
// fingerprints are exactly equal when every field matches (the == operator).
// Fuzzy equality is weaker and is defined by FuzzyKey.
type Fingerprint struct {
	// Item is the base type of the resource (e.g., "minecraft:planks").
	Item string `json:"item" yaml:"item"`

	// Variant is the subtype or wear value of the resource.
	Variant int `json:"variant,omitempty" yaml:"variant,omitempty"`

	// HasSubtypes reports whether Variant distinguishes different resources.
	// When false, Variant is wear and all variants share one fuzzy bucket.
	HasSubtypes bool `json:"has_subtypes,omitempty" yaml:"has_subtypes,omitempty"`

	// Tag is the canonical encoding of auxiliary data attached to the resource.
	Tag string `json:"tag,omitempty" yaml:"tag,omitempty"`
}

// FuzzyMode controls how auxiliary tag data is blended into fuzzy matching.
type FuzzyMode string

const (
	// FuzzyIgnoreTag drops the tag from fuzzy keys.
	FuzzyIgnoreTag FuzzyMode = "ignore-tag"

	// FuzzyMatchTag keeps the tag in fuzzy keys.
	FuzzyMatchTag FuzzyMode = "match-tag"
)

// Validate checks if the fuzzy mode is valid.
func (m FuzzyMode) Validate() error {
	switch m {
	case FuzzyIgnoreTag, FuzzyMatchTag:
		return nil
	default:
		return fmt.Errorf("invalid fuzzy mode: %s", m)
	}
}

// FuzzyKey is the bucket two fuzzy-equal fingerprints share.
type FuzzyKey struct {
	Item   string
	Bucket int
	Tag    string
}

// FuzzyKey returns the fuzzy bucket for the fingerprint under the given mode.
func (f Fingerprint) FuzzyKey(mode FuzzyMode) FuzzyKey {
	key := FuzzyKey{Item: f.Item}
	if f.HasSubtypes {
		key.Bucket = f.Variant
	}
	if mode == FuzzyMatchTag {
		key.Tag = f.Tag
	}
	return key
}

// FuzzyEquals reports whether two fingerprints fall into the same fuzzy bucket.
func (f Fingerprint) FuzzyEquals(other Fingerprint, mode FuzzyMode) bool {
	return f.FuzzyKey(mode) == other.FuzzyKey(mode)
}

// IsZero reports whether the fingerprint names no resource.
func (f Fingerprint) IsZero() bool {
	return f.Item == ""
}

// String renders the fingerprint as item[:variant][{tag}].
func (f Fingerprint) String() string {
	var b strings.Builder
	b.WriteString(f.Item)
	if f.HasSubtypes || f.Variant != 0 {
		fmt.Fprintf(&b, ":%d", f.Variant)
	}
	if f.Tag != "" {
		b.WriteString("{")
		b.WriteString(f.Tag)
		b.WriteString("}")
	}
	return b.String()
}

// Less orders fingerprints by item, variant, then tag. Used for stable output.
func (f Fingerprint) Less(other Fingerprint) bool {
	if f.Item != other.Item {
		return f.Item < other.Item
	}
	if f.Variant != other.Variant {
		return f.Variant < other.Variant
	}
	return f.Tag < other.Tag
}

// Stack is a fingerprint with a quantity and a craftable marker.
//
// The fingerprint part is immutable; Quantity and Craftable are transient
// fields owned by whoever holds the copy.
type Stack struct {
	Fingerprint `yaml:",inline"`

	// Quantity is the number of units in the stack.
	Quantity int64 `json:"quantity" yaml:"quantity"`

	// Craftable marks stacks that are reported as producible on demand.
	Craftable bool `json:"craftable,omitempty" yaml:"craftable,omitempty"`
}

// NewStack creates a stack of qty units of f.
func NewStack(f Fingerprint, qty int64) Stack {
	return Stack{Fingerprint: f, Quantity: qty}
}

// Copy returns an independent copy of the stack.
func (s Stack) Copy() Stack {
	return s
}

// Reset returns a copy with the quantity cleared and the craftable flag unset.
func (s Stack) Reset() Stack {
	s.Quantity = 0
	s.Craftable = false
	return s
}

// WithCraftable returns a copy with the craftable flag set to v.
func (s Stack) WithCraftable(v bool) Stack {
	s.Craftable = v
	return s
}

// WithQuantity returns a copy holding qty units.
func (s Stack) WithQuantity(qty int64) Stack {
	s.Quantity = qty
	return s
}

// String renders the stack as "<qty>x<fingerprint>".
func (s Stack) String() string {
	return fmt.Sprintf("%dx%s", s.Quantity, s.Fingerprint)
}
