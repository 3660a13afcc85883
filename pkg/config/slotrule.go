package config

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"

	"github.com/openfroyo/craftgrid/pkg/engine"
)

// maxRuleSteps bounds a single slot rule evaluation.
const maxRuleSteps = 10_000

// SlotRule is a compiled Starlark expression deciding whether a candidate
// item may fill a pattern slot. The expression sees slot, item, variant,
// tag and world, and must yield a bool:
//
//	slot == 0 and item == "planks"
//	tag.startswith("ore:") or variant < 3
type SlotRule struct {
	src string
	fn  *starlark.Function
}

// CompileSlotRule compiles expr once. The returned rule is safe for
// concurrent use.
func CompileSlotRule(expr string) (*SlotRule, error) {
	if expr == "" {
		return nil, fmt.Errorf("slot rule is empty")
	}
	script := "def rule(slot, item, variant, tag, world):\n    return (" + expr + ")\n"

	thread := newRuleThread("compile")
	globals, err := starlark.ExecFile(thread, "slot_rule.star", script, starlark.StringDict{})
	if err != nil {
		return nil, fmt.Errorf("failed to compile slot rule %q: %w", expr, err)
	}
	fn, ok := globals["rule"].(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("failed to compile slot rule %q", expr)
	}
	return &SlotRule{src: expr, fn: fn}, nil
}

// String returns the rule source.
func (r *SlotRule) String() string { return r.src }

// Eval runs the rule for candidate in slot.
func (r *SlotRule) Eval(slot int, candidate engine.Stack, world engine.World) (bool, error) {
	worldName := ""
	if world != nil {
		worldName = world.Name()
	}
	args := starlark.Tuple{
		starlark.MakeInt(slot),
		starlark.String(candidate.Fingerprint.Item),
		starlark.MakeInt(candidate.Fingerprint.Variant),
		starlark.String(candidate.Fingerprint.Tag),
		starlark.String(worldName),
	}

	v, err := starlark.Call(newRuleThread("eval"), r.fn, args, nil)
	if err != nil {
		return false, fmt.Errorf("slot rule %q failed: %w", r.src, err)
	}
	b, ok := v.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("slot rule %q returned %s, want bool", r.src, v.Type())
	}
	return bool(b), nil
}

// Predicate adapts the rule to engine.SlotPredicate. An evaluation error
// rejects the candidate.
func (r *SlotRule) Predicate() engine.SlotPredicate {
	return func(slot int, candidate engine.Stack, world engine.World) bool {
		ok, err := r.Eval(slot, candidate, world)
		if err != nil {
			log.Warn().Err(err).Int("slot", slot).Str("candidate", candidate.String()).Msg("Slot rule rejected candidate")
			return false
		}
		return ok
	}
}

func newRuleThread(name string) *starlark.Thread {
	thread := &starlark.Thread{
		Name:  "slot_rule_" + name,
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(maxRuleSteps)
	return thread
}
