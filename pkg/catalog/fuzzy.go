package catalog

import (
	"github.com/openfroyo/craftgrid/pkg/engine"
)

type fuzzyEntry struct {
	output  engine.Fingerprint
	pattern engine.Pattern
}

// fuzzyIndex maps fuzzy buckets to substitution-eligible patterns. It is
// filled during one rebuild pass and then frozen.
type fuzzyIndex struct {
	mode    engine.FuzzyMode
	buckets map[engine.FuzzyKey][]fuzzyEntry
	frozen  bool
}

func newFuzzyIndex(mode engine.FuzzyMode) *fuzzyIndex {
	return &fuzzyIndex{
		mode:    mode,
		buckets: make(map[engine.FuzzyKey][]fuzzyEntry),
	}
}

func (x *fuzzyIndex) put(output engine.Fingerprint, p engine.Pattern) {
	if x.frozen {
		engine.Invariant(engine.NewInvariantError("insert into frozen fuzzy index", nil).
			WithCode(engine.ErrCodeFrozenIndex).
			WithFingerprint(output))
		return
	}
	key := output.FuzzyKey(x.mode)
	for _, e := range x.buckets[key] {
		if e.output == output && e.pattern == p {
			return
		}
	}
	x.buckets[key] = append(x.buckets[key], fuzzyEntry{output: output, pattern: p})
}

func (x *fuzzyIndex) freeze() {
	x.frozen = true
}

// matches returns the entries fuzzy-equal to f in insertion order.
func (x *fuzzyIndex) matches(f engine.Fingerprint) []fuzzyEntry {
	return x.buckets[f.FuzzyKey(x.mode)]
}

func (x *fuzzyIndex) len() int {
	n := 0
	for _, b := range x.buckets {
		n += len(b)
	}
	return n
}
