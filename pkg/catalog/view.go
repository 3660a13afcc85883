package catalog

import (
	"slices"

	"github.com/openfroyo/craftgrid/pkg/engine"
)

// View is a read-only snapshot of a catalog, safe to share with planners
// running off the tick goroutine.
type View struct {
	patterns map[engine.Fingerprint][]engine.Pattern
	emitable map[engine.Fingerprint]struct{}
	outputs  []engine.Fingerprint
}

// NewView builds a view from explicit data. Intended for planners fed from
// outside a catalog.
func NewView(patterns map[engine.Fingerprint][]engine.Pattern, emitable []engine.Fingerprint) View {
	v := View{
		patterns: make(map[engine.Fingerprint][]engine.Pattern, len(patterns)),
		emitable: make(map[engine.Fingerprint]struct{}, len(emitable)),
	}
	for f, list := range patterns {
		l := slices.Clone(list)
		sortByPriority(l)
		v.patterns[f] = l
		v.outputs = append(v.outputs, f)
	}
	slices.SortFunc(v.outputs, func(a, b engine.Fingerprint) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		default:
			return 0
		}
	})
	for _, f := range emitable {
		v.emitable[f] = struct{}{}
	}
	return v
}

// Lookup returns the patterns producing f, highest priority first. The
// returned slice must not be modified.
func (v View) Lookup(f engine.Fingerprint) []engine.Pattern {
	return v.patterns[f]
}

// CanEmit reports whether f is producible without a finite plan.
func (v View) CanEmit(f engine.Fingerprint) bool {
	_, ok := v.emitable[f]
	return ok
}

// Outputs lists the craftable fingerprints.
func (v View) Outputs() []engine.Fingerprint {
	return slices.Clone(v.outputs)
}

// Empty reports whether the view holds no patterns and no emitables.
func (v View) Empty() bool {
	return len(v.patterns) == 0 && len(v.emitable) == 0
}
