package engine

// World is an opaque handle to the simulation the engine is embedded in.
type World interface {
	// Name identifies the world (dimension, save, shard).
	Name() string
}

// Pattern is a recipe contributed by a crafting provider.
//
// Patterns are immutable for the lifetime of a catalog; provider churn
// triggers a rebuild instead of in-place edits. Implementations must be
// comparable (pointer types are) because patterns are used as map keys.
type Pattern interface {
	// Name identifies the pattern in logs and snapshots.
	Name() string

	// Priority orders patterns producing the same output. Higher wins.
	Priority() int

	// Outputs lists the produced stacks in declaration order.
	Outputs() []Stack

	// Inputs lists the required stacks in declaration order.
	Inputs() []Stack

	// CanSubstitute reports whether the pattern may satisfy fuzzy lookups.
	CanSubstitute() bool

	// IsCraftable reports whether the pattern is a grid recipe whose slots
	// accept substitutes, as opposed to a processing pattern.
	IsCraftable() bool

	// ValidForSlot reports whether candidate may be used in the given slot.
	ValidForSlot(slot int, candidate Stack, world World) bool
}

// Medium is a provider-local channel able to execute a pattern.
type Medium interface {
	// Name identifies the medium (usually its provider).
	Name() string

	// PushPattern hands one invocation of the pattern to the medium.
	PushPattern(p Pattern) bool

	// IsBusy reports whether the medium can accept more work.
	IsBusy() bool
}

// SlotPredicate decides whether candidate may occupy slot of a pattern.
type SlotPredicate func(slot int, candidate Stack, world World) bool

// BasicPattern is a value-described Pattern.
type BasicPattern struct {
	// ID is the pattern name.
	ID string

	// Prio is the pattern priority.
	Prio int

	// Out lists the produced stacks.
	Out []Stack

	// In lists the consumed stacks.
	In []Stack

	// Substitute marks the pattern as eligible for fuzzy lookups.
	Substitute bool

	// Craftable marks grid recipes.
	Craftable bool

	// SlotRule optionally restricts which candidates a slot accepts.
	// When nil, a slot accepts a candidate fuzzy-equal to its declared input.
	SlotRule SlotPredicate
}

// Name implements Pattern.
func (p *BasicPattern) Name() string { return p.ID }

// Priority implements Pattern.
func (p *BasicPattern) Priority() int { return p.Prio }

// Outputs implements Pattern.
func (p *BasicPattern) Outputs() []Stack { return p.Out }

// Inputs implements Pattern.
func (p *BasicPattern) Inputs() []Stack { return p.In }

// CanSubstitute implements Pattern.
func (p *BasicPattern) CanSubstitute() bool { return p.Substitute }

// IsCraftable implements Pattern.
func (p *BasicPattern) IsCraftable() bool { return p.Craftable }

// ValidForSlot implements Pattern.
func (p *BasicPattern) ValidForSlot(slot int, candidate Stack, world World) bool {
	if p.SlotRule != nil {
		return p.SlotRule(slot, candidate, world)
	}
	if slot < 0 || slot >= len(p.In) {
		return false
	}
	return p.In[slot].FuzzyEquals(candidate.Fingerprint, FuzzyIgnoreTag)
}

// HasOutput reports whether the pattern declares at least one output with a
// positive quantity.
func HasOutput(p Pattern) bool {
	for _, out := range p.Outputs() {
		if !out.IsZero() && out.Quantity > 0 {
			return true
		}
	}
	return false
}

// OutputQuantity returns how many units of f one invocation of p produces.
func OutputQuantity(p Pattern, f Fingerprint) int64 {
	var total int64
	for _, out := range p.Outputs() {
		if out.Fingerprint == f {
			total += out.Quantity
		}
	}
	return total
}
