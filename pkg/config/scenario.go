package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/craftgrid/pkg/catalog"
	"github.com/openfroyo/craftgrid/pkg/cluster"
	"github.com/openfroyo/craftgrid/pkg/engine"
	"github.com/openfroyo/craftgrid/pkg/scheduler"
)

// Scenario is a crafting network described in YAML: its clusters, the
// providers contributing patterns, initial stock and the requests to run.
type Scenario struct {
	Name      string         `yaml:"name" validate:"required"`
	Engine    EngineSettings `yaml:"engine"`
	Clusters  []ClusterSpec  `yaml:"clusters" validate:"dive"`
	Providers []ProviderSpec `yaml:"providers" validate:"dive"`
	Stock     []StackSpec    `yaml:"stock" validate:"dive"`
	Requests  []RequestSpec  `yaml:"requests" validate:"dive"`

	// Ticks is how many grid ticks a simulation runs after submitting.
	Ticks int `yaml:"ticks" validate:"gte=0"`

	// Powered switches the network's power. Defaults to true.
	Powered *bool `yaml:"powered"`
}

// EngineSettings tunes the engine components.
type EngineSettings struct {
	Algorithm string `yaml:"algorithm" validate:"omitempty,oneof=legacy v2"`
	Workers   int    `yaml:"workers" validate:"gte=0"`
	FuzzyMode string `yaml:"fuzzy_mode" validate:"omitempty,oneof=ignore-tag match-tag"`

	// PrioritizePower ranks clusters by co-processors first. Defaults to true.
	PrioritizePower *bool `yaml:"prioritize_power"`
}

// ItemSpec describes a fingerprint.
type ItemSpec struct {
	Item     string `yaml:"item" validate:"required"`
	Variant  int    `yaml:"variant" validate:"gte=0"`
	Subtypes bool   `yaml:"subtypes"`
	Tag      string `yaml:"tag"`
}

// StackSpec is an item with a quantity.
type StackSpec struct {
	ItemSpec `yaml:",inline"`
	Quantity int64 `yaml:"quantity" validate:"gt=0"`
}

// ClusterSpec describes a crafting cluster.
type ClusterSpec struct {
	Name         string `yaml:"name" validate:"required"`
	Capacity     int64  `yaml:"capacity" validate:"gt=0"`
	CoProcessors int    `yaml:"co_processors" validate:"gte=0"`
	AllowMode    string `yaml:"allow_mode" validate:"omitempty,oneof=any players-only non-players-only"`
	Inactive     bool   `yaml:"inactive"`
}

// ProviderSpec describes a machine contributing patterns.
type ProviderSpec struct {
	Name     string        `yaml:"name" validate:"required"`
	Medium   string        `yaml:"medium"`
	Patterns []PatternSpec `yaml:"patterns" validate:"dive"`
	Emitable []ItemSpec    `yaml:"emitable" validate:"dive"`
}

// PatternSpec describes one pattern.
type PatternSpec struct {
	Name       string      `yaml:"name" validate:"required"`
	Priority   int         `yaml:"priority"`
	Outputs    []StackSpec `yaml:"outputs" validate:"required,min=1,dive"`
	Inputs     []StackSpec `yaml:"inputs" validate:"dive"`
	Substitute bool        `yaml:"substitute"`
	Craftable  bool        `yaml:"craftable"`
	SlotRule   string      `yaml:"slot_rule"`
}

// RequestSpec is a crafting request issued during a simulation.
type RequestSpec struct {
	StackSpec `yaml:",inline"`
	Source    string `yaml:"source" validate:"required"`
	Player    bool   `yaml:"player"`
	Mode      string `yaml:"mode" validate:"omitempty,oneof=standard ignore-missing"`
	Cluster   string `yaml:"cluster"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and validates the scenario at path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes and validates a scenario document. Unknown fields are
// rejected.
func Parse(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s Scenario
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, engine.NewConfigurationError("failed to decode scenario", err).WithOperation("parse_scenario")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks struct tags and cross references.
func (s *Scenario) Validate() error {
	if err := validate.Struct(s); err != nil {
		return engine.NewConfigurationError("invalid scenario", err).WithOperation("validate_scenario")
	}

	invalid := func(format string, args ...any) error {
		return engine.NewConfigurationError(fmt.Sprintf(format, args...), nil).WithOperation("validate_scenario")
	}

	clusters := make(map[string]bool, len(s.Clusters))
	for _, c := range s.Clusters {
		if clusters[c.Name] {
			return invalid("duplicate cluster %q", c.Name)
		}
		clusters[c.Name] = true
	}

	providers := make(map[string]bool, len(s.Providers))
	for _, p := range s.Providers {
		if providers[p.Name] {
			return invalid("duplicate provider %q", p.Name)
		}
		providers[p.Name] = true
		for _, pat := range p.Patterns {
			if pat.SlotRule == "" {
				continue
			}
			if _, err := CompileSlotRule(pat.SlotRule); err != nil {
				return engine.NewConfigurationError(fmt.Sprintf("pattern %q", pat.Name), err).
					WithOperation("validate_scenario")
			}
		}
	}

	for i, r := range s.Requests {
		if r.Cluster != "" && !clusters[r.Cluster] {
			return invalid("request %d targets unknown cluster %q", i, r.Cluster)
		}
	}
	return nil
}

// Algorithm returns the configured planner algorithm, v2 by default.
func (s *Scenario) Algorithm() scheduler.Algorithm {
	if s.Engine.Algorithm == "" {
		return scheduler.AlgorithmV2
	}
	return scheduler.Algorithm(s.Engine.Algorithm)
}

// FuzzyMode returns the configured fuzzy mode.
func (s *Scenario) FuzzyMode() engine.FuzzyMode {
	if s.Engine.FuzzyMode == "" {
		return engine.FuzzyIgnoreTag
	}
	return engine.FuzzyMode(s.Engine.FuzzyMode)
}

// PrioritizePower reports the cluster ranking preference.
func (s *Scenario) PrioritizePower() bool {
	return s.Engine.PrioritizePower == nil || *s.Engine.PrioritizePower
}

// IsPowered reports whether the network starts with power.
func (s *Scenario) IsPowered() bool {
	return s.Powered == nil || *s.Powered
}

// Mode returns the cluster's allow mode, any by default.
func (c ClusterSpec) Mode() cluster.AllowMode {
	if c.AllowMode == "" {
		return cluster.AllowAny
	}
	return cluster.AllowMode(c.AllowMode)
}

// Fingerprint converts the item to an engine fingerprint.
func (i ItemSpec) Fingerprint() engine.Fingerprint {
	return engine.Fingerprint{Item: i.Item, Variant: i.Variant, HasSubtypes: i.Subtypes, Tag: i.Tag}
}

// Stack converts the entry to an engine stack.
func (s StackSpec) Stack() engine.Stack {
	return engine.NewStack(s.Fingerprint(), s.Quantity)
}

// BuildClusters creates one cluster per spec, in declaration order.
func (s *Scenario) BuildClusters() []*cluster.Cluster {
	out := make([]*cluster.Cluster, 0, len(s.Clusters))
	for _, spec := range s.Clusters {
		c := cluster.New(cluster.Config{
			Name:         spec.Name,
			Capacity:     spec.Capacity,
			CoProcessors: spec.CoProcessors,
			AllowMode:    spec.Mode(),
		})
		if spec.Inactive {
			c.SetActive(false)
		}
		out = append(out, c)
	}
	return out
}

// BuildProviders compiles every provider spec into a catalog provider.
func (s *Scenario) BuildProviders() ([]*Provider, error) {
	out := make([]*Provider, 0, len(s.Providers))
	for _, spec := range s.Providers {
		p, err := buildProvider(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// StockLevels returns the initial stock as a map. Repeated items add up.
func (s *Scenario) StockLevels() map[engine.Fingerprint]int64 {
	out := make(map[engine.Fingerprint]int64, len(s.Stock))
	for _, st := range s.Stock {
		out[st.Fingerprint()] += st.Quantity
	}
	return out
}

// ActionSource returns the source issuing the request.
func (r RequestSpec) ActionSource() engine.ActionSource {
	if r.Player {
		return engine.PlayerSource(r.Source)
	}
	return engine.MachineSource(r.Source)
}

// CraftingMode returns the request mode, standard by default.
func (r RequestSpec) CraftingMode() engine.CraftingMode {
	if r.Mode == "" {
		return engine.ModeStandard
	}
	return engine.CraftingMode(r.Mode)
}

// Provider is a catalog provider built from a scenario.
type Provider struct {
	name     string
	medium   *Medium
	patterns []engine.Pattern
	emitable []engine.Stack
}

var _ catalog.Provider = (*Provider)(nil)

func buildProvider(spec ProviderSpec) (*Provider, error) {
	mediumName := spec.Medium
	if mediumName == "" {
		mediumName = spec.Name
	}
	p := &Provider{name: spec.Name, medium: &Medium{name: mediumName}}

	for _, ps := range spec.Patterns {
		pat := &engine.BasicPattern{
			ID:         ps.Name,
			Prio:       ps.Priority,
			Substitute: ps.Substitute,
			Craftable:  ps.Craftable,
		}
		for _, o := range ps.Outputs {
			pat.Out = append(pat.Out, o.Stack())
		}
		for _, in := range ps.Inputs {
			pat.In = append(pat.In, in.Stack())
		}
		if ps.SlotRule != "" {
			rule, err := CompileSlotRule(ps.SlotRule)
			if err != nil {
				return nil, engine.NewConfigurationError(fmt.Sprintf("provider %q pattern %q", spec.Name, ps.Name), err)
			}
			pat.SlotRule = rule.Predicate()
		}
		p.patterns = append(p.patterns, pat)
	}
	for _, e := range spec.Emitable {
		p.emitable = append(p.emitable, engine.NewStack(e.Fingerprint(), 0))
	}
	return p, nil
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Medium returns the machine the provider pushes its patterns to.
func (p *Provider) Medium() *Medium { return p.medium }

// Patterns returns the provider's patterns.
func (p *Provider) Patterns() []engine.Pattern { return p.patterns }

// ProvideCrafting implements catalog.Provider.
func (p *Provider) ProvideCrafting(h catalog.Helper) {
	for _, pat := range p.patterns {
		// A rejected pattern excludes this provider; the catalog logs it.
		if err := h.AddCraftingOption(p.medium, pat); err != nil {
			return
		}
	}
	for _, e := range p.emitable {
		h.SetEmitable(e)
	}
}

// Medium is the machine executing a provider's patterns. It accepts every
// push and counts them.
type Medium struct {
	name   string
	pushed int
}

func (m *Medium) Name() string { return m.name }

func (m *Medium) PushPattern(engine.Pattern) bool {
	m.pushed++
	return true
}

func (m *Medium) IsBusy() bool { return false }

// Pushed returns how many patterns were pushed to the medium.
func (m *Medium) Pushed() int { return m.pushed }
