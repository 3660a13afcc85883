package engine

import "fmt"

// CraftingMode selects how a planner treats requirements it cannot satisfy.
type CraftingMode string

const (
	// ModeStandard fails the plan when any requirement is missing.
	ModeStandard CraftingMode = "standard"

	// ModeIgnoreMissing records missing requirements and still returns a
	// plan, flagged as a simulation.
	ModeIgnoreMissing CraftingMode = "ignore-missing"
)

// Validate checks if the crafting mode is valid.
func (m CraftingMode) Validate() error {
	switch m {
	case ModeStandard, ModeIgnoreMissing:
		return nil
	default:
		return fmt.Errorf("invalid crafting mode: %s", m)
	}
}

// ActionSource identifies who or what initiated an operation.
type ActionSource struct {
	// Name is a human-readable origin (player name, machine ID).
	Name string `json:"name"`

	// Player is true when a player initiated the operation.
	Player bool `json:"player"`
}

// IsPlayer reports whether the source is a player.
func (s ActionSource) IsPlayer() bool {
	return s.Player
}

func (s ActionSource) String() string {
	if s.Player {
		return "player:" + s.Name
	}
	return "machine:" + s.Name
}

// MachineSource returns a non-player action source.
func MachineSource(name string) ActionSource {
	return ActionSource{Name: name}
}

// PlayerSource returns a player action source.
func PlayerSource(name string) ActionSource {
	return ActionSource{Name: name, Player: true}
}

// PlanStep is one pattern invoked a number of times.
type PlanStep struct {
	// Pattern is the recipe to run.
	Pattern Pattern

	// Crafts is the number of invocations.
	Crafts int64
}

// Plan is a feasible (or, for simulations, best-effort) decomposition of a
// request into pattern invocations.
type Plan struct {
	// Steps lists pattern invocations, leaves first.
	Steps []PlanStep

	// Consumed lists stacks taken from stock.
	Consumed []Stack

	// Emitted lists stacks produced by infinite sources.
	Emitted []Stack

	// Missing lists stacks neither stocked nor craftable. Non-empty only for
	// simulations.
	Missing []Stack
}

// Job is a crafting request together with its computed plan.
//
// A job holds no scheduling state beyond its plan and is discarded after
// submission or rejection.
type Job struct {
	// Output is the requested fingerprint and quantity.
	Output Stack

	// Plan is the computed plan, nil when none could be computed.
	Plan *Plan

	// ByteTotal estimates the cluster storage the plan occupies.
	ByteTotal int64

	// Simulation marks preview plans that must never be submitted.
	Simulation bool
}

// IsSimulation reports whether the job is a preview only.
func (j *Job) IsSimulation() bool {
	return j != nil && j.Simulation
}

// Submittable reports whether the job carries a real plan.
func (j *Job) Submittable() bool {
	return j != nil && !j.Simulation && j.Plan != nil
}
