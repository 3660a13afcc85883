// Package config loads crafting scenarios from YAML.
//
// # Overview
//
// A scenario describes one crafting network: its CPU clusters, the providers
// contributing patterns, the initial stock and a list of crafting requests.
// Documents are decoded with gopkg.in/yaml.v3 (unknown fields rejected) and
// validated with go-playground/validator struct tags plus cross-reference
// checks.
//
// # Slot rules
//
// A pattern may restrict which items fill its slots with a Starlark
// expression. The expression is compiled once and evaluated with the slot
// index and the candidate's item, variant and tag bound:
//
//	slot_rule: 'item == "planks" and variant in (0, 2)'
//
// A rule that fails or does not return a bool rejects the candidate.
//
// # Hot reload
//
// Watcher follows a scenario file with fsnotify and hands every valid
// version to a reload callback after a short debounce. Callers apply the
// reload inside a catalog pause window so that replacing many providers
// costs one rebuild.
//
// # Usage Example
//
//	s, err := config.Load("factory.yaml")
//	if err != nil {
//	    return err
//	}
//	providers, err := s.BuildProviders()
package config
