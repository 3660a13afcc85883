package scheduler

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/openfroyo/craftgrid/pkg/catalog"
	"github.com/openfroyo/craftgrid/pkg/engine"
)

// Algorithm selects a plan computation strategy.
type Algorithm string

const (
	// AlgorithmLegacy expands each requirement depth-first through its
	// highest-priority pattern only.
	AlgorithmLegacy Algorithm = "legacy"

	// AlgorithmV2 tries every pattern in priority order and backtracks on
	// failure. It honours CraftingMode.
	AlgorithmV2 Algorithm = "v2"
)

// Validate checks if the algorithm is known.
func (a Algorithm) Validate() error {
	switch a {
	case AlgorithmLegacy, AlgorithmV2:
		return nil
	default:
		return engine.NewConfigurationError(fmt.Sprintf("unknown planner algorithm: %q", a), nil).
			WithCode(engine.ErrCodeUnknownAlgorithm)
	}
}

// Snapshot is the immutable network state a plan is computed against.
type Snapshot struct {
	// Catalog is the pattern index at scheduling time.
	Catalog catalog.View

	// Stock is the stored quantity per fingerprint. Planners copy it.
	Stock map[engine.Fingerprint]int64
}

// Request is the input of one plan computation.
type Request struct {
	World   engine.World
	Network *Snapshot
	Source  engine.ActionSource
	Target  engine.Stack
	Mode    engine.CraftingMode
}

// Planner computes a plan for a request. Implementations must only read the
// snapshot and must honour ctx cancellation.
type Planner interface {
	Plan(ctx context.Context, req Request) (*engine.Job, error)
}

// NewPlanner returns the planner for alg.
func NewPlanner(alg Algorithm) (Planner, error) {
	switch alg {
	case AlgorithmLegacy:
		return legacyPlanner{}, nil
	case AlgorithmV2:
		return v2Planner{}, nil
	default:
		return nil, alg.Validate()
	}
}

// EstimateBytes returns the cluster storage a plan occupies: one byte per
// consumed or emitted unit and len(inputs)+len(outputs) bytes per pattern
// invocation.
func EstimateBytes(plan *engine.Plan) int64 {
	if plan == nil {
		return 0
	}
	var total int64
	for _, s := range plan.Consumed {
		total += s.Quantity
	}
	for _, step := range plan.Steps {
		total += step.Crafts * int64(len(step.Pattern.Inputs())+len(step.Pattern.Outputs()))
	}
	for _, s := range plan.Emitted {
		total += s.Quantity
	}
	return total
}

// planState is the mutable scratch space of one computation.
type planState struct {
	view  catalog.View
	mode  engine.CraftingMode
	stock map[engine.Fingerprint]int64

	// surplus holds units produced by earlier steps beyond what they were
	// crafted for. Using surplus does not count as consuming stock.
	surplus  map[engine.Fingerprint]int64
	consumed map[engine.Fingerprint]int64
	emitted  map[engine.Fingerprint]int64
	missing  map[engine.Fingerprint]int64

	steps    []engine.PlanStep
	visiting map[engine.Pattern]bool
}

func newPlanState(req Request) *planState {
	return &planState{
		view:     req.Network.Catalog,
		mode:     req.Mode,
		stock:    maps.Clone(req.Network.Stock),
		surplus:  make(map[engine.Fingerprint]int64),
		consumed: make(map[engine.Fingerprint]int64),
		emitted:  make(map[engine.Fingerprint]int64),
		missing:  make(map[engine.Fingerprint]int64),
		visiting: make(map[engine.Pattern]bool),
	}
}

func (s *planState) clone() *planState {
	c := *s
	c.stock = maps.Clone(s.stock)
	c.surplus = maps.Clone(s.surplus)
	c.consumed = maps.Clone(s.consumed)
	c.emitted = maps.Clone(s.emitted)
	c.missing = maps.Clone(s.missing)
	c.steps = slices.Clone(s.steps)
	c.visiting = maps.Clone(s.visiting)
	return &c
}

// take satisfies qty of f from surplus, then stock, and returns what is left.
func (s *planState) take(f engine.Fingerprint, qty int64) int64 {
	if have := s.surplus[f]; have > 0 {
		n := min(have, qty)
		s.surplus[f] -= n
		qty -= n
	}
	if qty == 0 {
		return 0
	}
	if have := s.stock[f]; have > 0 {
		n := min(have, qty)
		s.stock[f] -= n
		s.consumed[f] += n
		qty -= n
	}
	return qty
}

// craft runs p enough times to yield qty of f, resolving its inputs through
// need. Leftover output goes to surplus.
func (s *planState) craft(ctx context.Context, p engine.Pattern, f engine.Fingerprint, qty int64,
	need func(context.Context, engine.Fingerprint, int64) error) error {
	perCraft := engine.OutputQuantity(p, f)
	if perCraft <= 0 {
		return noPlan(f, "pattern %q does not produce it", p.Name())
	}
	crafts := (qty + perCraft - 1) / perCraft

	s.visiting[p] = true
	for _, in := range p.Inputs() {
		if in.IsZero() || in.Quantity <= 0 {
			continue
		}
		if err := need(ctx, in.Fingerprint, in.Quantity*crafts); err != nil {
			delete(s.visiting, p)
			return err
		}
	}
	delete(s.visiting, p)

	s.addStep(p, crafts)
	for _, out := range p.Outputs() {
		s.surplus[out.Fingerprint] += out.Quantity * crafts
	}
	s.surplus[f] -= qty
	return nil
}

func (s *planState) addStep(p engine.Pattern, crafts int64) {
	for i := range s.steps {
		if s.steps[i].Pattern == p {
			s.steps[i].Crafts += crafts
			return
		}
	}
	s.steps = append(s.steps, engine.PlanStep{Pattern: p, Crafts: crafts})
}

func (s *planState) job(target engine.Stack) *engine.Job {
	plan := &engine.Plan{
		Steps:    s.steps,
		Consumed: stacks(s.consumed),
		Emitted:  stacks(s.emitted),
		Missing:  stacks(s.missing),
	}
	return &engine.Job{
		Output:     target,
		Plan:       plan,
		ByteTotal:  EstimateBytes(plan),
		Simulation: len(plan.Missing) > 0,
	}
}

func stacks(m map[engine.Fingerprint]int64) []engine.Stack {
	keys := make([]engine.Fingerprint, 0, len(m))
	for f, q := range m {
		if q > 0 {
			keys = append(keys, f)
		}
	}
	slices.SortFunc(keys, func(a, b engine.Fingerprint) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		default:
			return 0
		}
	})
	out := make([]engine.Stack, 0, len(keys))
	for _, f := range keys {
		out = append(out, engine.NewStack(f, m[f]))
	}
	return out
}

func noPlan(f engine.Fingerprint, format string, args ...any) error {
	return engine.NewComputationError(fmt.Sprintf(format, args...), nil).
		WithCode(engine.ErrCodeNoFeasiblePlan).
		WithFingerprint(f)
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return engine.NewComputationError("plan computation cancelled", err).
			WithCode(engine.ErrCodeCancelled)
	}
	return nil
}

// legacyPlanner commits to the first pattern for every requirement.
type legacyPlanner struct{}

func (legacyPlanner) Plan(ctx context.Context, req Request) (*engine.Job, error) {
	s := newPlanState(req)

	var need func(context.Context, engine.Fingerprint, int64) error
	need = func(ctx context.Context, f engine.Fingerprint, qty int64) error {
		if err := cancelled(ctx); err != nil {
			return err
		}
		if qty = s.take(f, qty); qty == 0 {
			return nil
		}
		if s.view.CanEmit(f) {
			s.emitted[f] += qty
			return nil
		}
		patterns := s.view.Lookup(f)
		if len(patterns) == 0 {
			return noPlan(f, "missing %d of %s", qty, f)
		}
		p := patterns[0]
		if s.visiting[p] {
			return noPlan(f, "pattern %q requires its own output", p.Name())
		}
		return s.craft(ctx, p, f, qty, need)
	}

	if err := need(ctx, req.Target.Fingerprint, req.Target.Quantity); err != nil {
		return nil, err
	}
	return s.job(req.Target), nil
}

// v2Planner backtracks over alternative patterns on a cloned state.
type v2Planner struct{}

func (v2Planner) Plan(ctx context.Context, req Request) (*engine.Job, error) {
	s := newPlanState(req)

	var need func(context.Context, engine.Fingerprint, int64) error
	need = func(ctx context.Context, f engine.Fingerprint, qty int64) error {
		if err := cancelled(ctx); err != nil {
			return err
		}
		if qty = s.take(f, qty); qty == 0 {
			return nil
		}
		if s.view.CanEmit(f) {
			s.emitted[f] += qty
			return nil
		}

		var lastErr error
		for _, p := range s.view.Lookup(f) {
			if s.visiting[p] {
				continue
			}
			saved := s.clone()
			err := s.craft(ctx, p, f, qty, need)
			if err == nil {
				return nil
			}
			if engine.HasCode(err, engine.ErrCodeCancelled) {
				return err
			}
			*s = *saved
			lastErr = err
		}

		if s.mode == engine.ModeIgnoreMissing {
			s.missing[f] += qty
			return nil
		}
		if lastErr != nil {
			return lastErr
		}
		return noPlan(f, "missing %d of %s", qty, f)
	}

	if err := need(ctx, req.Target.Fingerprint, req.Target.Quantity); err != nil {
		return nil, err
	}
	return s.job(req.Target), nil
}
