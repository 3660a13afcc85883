// Package catalog maintains the index of which patterns produce which
// resources.
//
// The catalog is derived state: it is rebuilt wholesale from the registered
// providers and never patched in place. Rebuild requests are coalesced through
// a Coordinator so a topology pass that touches many providers costs a single
// rebuild.
package catalog

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/craftgrid/pkg/engine"
	"github.com/openfroyo/craftgrid/pkg/telemetry"
)

// Provider contributes patterns to the catalog.
type Provider interface {
	// ProvideCrafting is invoked once per rebuild. The provider pushes its
	// (pattern, medium) pairs and emitable stacks into h.
	ProvideCrafting(h Helper)
}

// Helper is the sink providers push into during a rebuild.
type Helper interface {
	// AddCraftingOption registers pattern as executable through medium.
	// A malformed pattern is rejected and excludes the provider from the
	// rebuild in progress.
	AddCraftingOption(medium engine.Medium, pattern engine.Pattern) error

	// SetEmitable marks stack as producible without a finite plan.
	SetEmitable(stack engine.Stack)
}

// Options configures a Catalog.
type Options struct {
	// Coordinator coalesces rebuilds. Defaults to DefaultCoordinator.
	Coordinator *Coordinator

	// Storage receives craftability alterations. Optional.
	Storage engine.StorageGrid

	// FuzzyMode controls tag blending for fuzzy lookups.
	FuzzyMode engine.FuzzyMode

	// Logger is the component logger. Defaults to the global logger.
	Logger *zerolog.Logger

	// Metrics records rebuild statistics. Optional.
	Metrics *telemetry.Metrics
}

// Catalog indexes patterns by the fingerprints they produce.
//
// Catalog is not safe for concurrent mutation; it belongs to the tick
// goroutine. Views returned by Snapshot are immutable and may be read from
// any goroutine.
type Catalog struct {
	coordinator *Coordinator
	storage     engine.StorageGrid
	fuzzyMode   engine.FuzzyMode
	logger      zerolog.Logger
	metrics     *telemetry.Metrics

	providers []Provider
	static    *staticProvider

	methods     map[engine.Pattern][]engine.Medium
	methodOrder []engine.Pattern

	craftable   map[engine.Fingerprint][]engine.Pattern
	outputOrder []engine.Fingerprint
	substitutes *fuzzyIndex

	emitable  map[engine.Fingerprint]struct{}
	emitOrder []engine.Fingerprint

	rebuilds uint64
}

// New creates an empty catalog.
func New(opts Options) *Catalog {
	coordinator := opts.Coordinator
	if coordinator == nil {
		coordinator = DefaultCoordinator
	}
	mode := opts.FuzzyMode
	if mode == "" {
		mode = engine.FuzzyIgnoreTag
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	c := &Catalog{
		coordinator: coordinator,
		storage:     opts.Storage,
		fuzzyMode:   mode,
		logger:      logger.With().Str("component", "catalog").Logger(),
		metrics:     opts.Metrics,
	}
	c.resetDerived()
	return c
}

// SetStorage attaches the storage backend notified about craftability.
func (c *Catalog) SetStorage(s engine.StorageGrid) {
	c.storage = s
}

// AddProvider registers p. Registering the same provider twice is a no-op.
// The caller requests a rebuild separately.
func (c *Catalog) AddProvider(p Provider) {
	if slices.Contains(c.providers, p) {
		return
	}
	c.providers = append(c.providers, p)
}

// RemoveProvider unregisters p.
func (c *Catalog) RemoveProvider(p Provider) {
	if i := slices.Index(c.providers, p); i >= 0 {
		c.providers = slices.Delete(c.providers, i, i+1)
	}
}

// Providers returns the number of registered providers.
func (c *Catalog) Providers() int {
	return len(c.providers)
}

// AddPattern registers a (pattern, medium) pair owned by the catalog itself.
// Malformed patterns are rejected here and never reach a rebuild.
func (c *Catalog) AddPattern(pattern engine.Pattern, medium engine.Medium) error {
	if err := validatePattern(pattern); err != nil {
		return err
	}
	if c.static == nil {
		c.static = &staticProvider{}
		c.AddProvider(c.static)
	}
	c.static.options = append(c.static.options, option{medium: medium, pattern: pattern})
	return nil
}

// RequestRebuild asks for a rebuild. It runs immediately unless the
// coordinator is paused, in which case it is deferred and deduplicated.
func (c *Catalog) RequestRebuild() {
	if c.coordinator.request(c) {
		c.rebuild("immediate")
		return
	}
	c.metrics.RecordRebuildDeferred()
	c.logger.Debug().Msg("Rebuild deferred while paused")
}

// RebuildIfReady runs a rebuild released by the coordinator, if any. It
// reports whether a rebuild ran.
func (c *Catalog) RebuildIfReady() bool {
	if !c.coordinator.takeReady(c) {
		return false
	}
	c.rebuild("coalesced")
	return true
}

// Rebuild recomputes every derived index from the registered providers.
func (c *Catalog) Rebuild() {
	c.rebuild("direct")
}

// Close drops any rebuild still queued for this catalog.
func (c *Catalog) Close() {
	c.coordinator.forget(c)
}

func (c *Catalog) rebuild(trigger string) {
	timer := telemetry.NewTimer()
	_, span := otel.Tracer("craftgrid/catalog").Start(context.Background(), "catalog.rebuild")
	defer span.End()

	previous := c.outputOrder

	c.resetDerived()
	c.postAlteration(previous)

	excluded := 0
	for _, p := range c.providers {
		h := &rebuildHelper{}
		p.ProvideCrafting(h)
		if h.err != nil {
			excluded++
			c.metrics.RecordProviderExcluded()
			c.logger.Warn().
				Err(h.err).
				Str("provider", providerName(p)).
				Msg("Provider excluded from rebuild")
			continue
		}
		for _, opt := range h.options {
			c.addMethod(opt.pattern, opt.medium)
		}
		for _, s := range h.emitable {
			c.addEmitable(s.Fingerprint)
		}
	}

	c.index()
	c.rebuilds++

	c.postAlteration(c.outputOrder)

	span.SetAttributes(
		attribute.String("trigger", trigger),
		attribute.Int("patterns", len(c.methodOrder)),
		attribute.Int("outputs", len(c.outputOrder)),
		attribute.Int("excluded_providers", excluded),
	)
	c.metrics.RecordRebuild(trigger, timer.Duration(), len(c.outputOrder))
	c.logger.Debug().
		Str("trigger", trigger).
		Int("patterns", len(c.methodOrder)).
		Int("outputs", len(c.outputOrder)).
		Int("emitable", len(c.emitOrder)).
		Int("excluded_providers", excluded).
		Msg("Catalog rebuilt")
}

// resetDerived installs fresh indices. Maps are replaced rather than cleared
// so previously handed out views stay intact.
func (c *Catalog) resetDerived() {
	c.methods = make(map[engine.Pattern][]engine.Medium)
	c.methodOrder = nil
	c.craftable = make(map[engine.Fingerprint][]engine.Pattern)
	c.outputOrder = nil
	c.substitutes = newFuzzyIndex(c.fuzzyMode)
	c.emitable = make(map[engine.Fingerprint]struct{})
	c.emitOrder = nil
}

func (c *Catalog) postAlteration(changed []engine.Fingerprint) {
	if c.storage == nil {
		return
	}
	c.storage.PostAlterationOfStoredItems(engine.ChannelItems, append([]engine.Fingerprint{}, changed...), engine.ActionSource{Name: "catalog"})
}

func (c *Catalog) addMethod(p engine.Pattern, m engine.Medium) {
	mediums, ok := c.methods[p]
	if !ok {
		c.methodOrder = append(c.methodOrder, p)
	}
	if m != nil {
		mediums = append(mediums, m)
	}
	c.methods[p] = mediums
}

func (c *Catalog) addEmitable(f engine.Fingerprint) {
	if _, ok := c.emitable[f]; ok {
		return
	}
	c.emitable[f] = struct{}{}
	c.emitOrder = append(c.emitOrder, f)
}

// index builds the per-output priority lists and the fuzzy index from the
// collected methods. Equal priorities keep registration order.
func (c *Catalog) index() {
	for _, p := range c.methodOrder {
		for _, out := range p.Outputs() {
			if out.IsZero() || out.Quantity <= 0 {
				continue
			}
			key := out.Fingerprint

			if p.CanSubstitute() {
				c.substitutes.put(key, p)
			}

			list, ok := c.craftable[key]
			if !ok {
				c.outputOrder = append(c.outputOrder, key)
			}
			if slices.Contains(list, p) {
				continue
			}
			c.craftable[key] = append(list, p)
		}
	}

	c.substitutes.freeze()

	for _, key := range c.outputOrder {
		sortByPriority(c.craftable[key])
	}
}

func sortByPriority(list []engine.Pattern) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Priority() > list[j].Priority()
	})
}

// Lookup returns the patterns producing f, highest priority first. The
// result is empty, never nil, when nothing produces f.
func (c *Catalog) Lookup(f engine.Fingerprint) []engine.Pattern {
	return cloneList(c.craftable[f])
}

// LookupFuzzy returns the exact matches for f followed by the
// substitution-eligible patterns whose outputs are fuzzy-equal to f.
func (c *Catalog) LookupFuzzy(f engine.Fingerprint) []engine.Pattern {
	out := cloneList(c.craftable[f])
	var fuzzy []engine.Pattern
	for _, e := range c.substitutes.matches(f) {
		if slices.Contains(out, e.pattern) || slices.Contains(fuzzy, e.pattern) {
			continue
		}
		fuzzy = append(fuzzy, e.pattern)
	}
	sortByPriority(fuzzy)
	return append(out, fuzzy...)
}

// CraftingFor returns the patterns that can produce what for slot of the
// context pattern.
//
// An exact hit is returned as is. On a miss, and only when the context
// pattern is itself craftable, the first substitution-eligible output that is
// fuzzy-equal to what and accepted by context.ValidForSlot supplies the list.
func (c *Catalog) CraftingFor(what engine.Fingerprint, context engine.Pattern, slot int, world engine.World) []engine.Pattern {
	if res, ok := c.craftable[what]; ok {
		return cloneList(res)
	}
	if context == nil || !context.IsCraftable() {
		return []engine.Pattern{}
	}
	for _, e := range c.substitutes.matches(what) {
		candidate := engine.NewStack(e.output, 1)
		if context.ValidForSlot(slot, candidate, world) {
			return cloneList(c.craftable[e.output])
		}
	}
	return []engine.Pattern{}
}

// Patterns returns a copy of the output → patterns map.
func (c *Catalog) Patterns() map[engine.Fingerprint][]engine.Pattern {
	out := make(map[engine.Fingerprint][]engine.Pattern, len(c.craftable))
	for k, v := range c.craftable {
		out[k] = cloneList(v)
	}
	return out
}

// Outputs returns the craftable fingerprints in first-registration order.
func (c *Catalog) Outputs() []engine.Fingerprint {
	return slices.Clone(c.outputOrder)
}

// Mediums returns the mediums able to execute p.
func (c *Catalog) Mediums(p engine.Pattern) []engine.Medium {
	m := c.methods[p]
	if m == nil {
		return []engine.Medium{}
	}
	return slices.Clone(m)
}

// CanEmitFor reports whether f is producible without a finite plan.
func (c *Catalog) CanEmitFor(f engine.Fingerprint) bool {
	_, ok := c.emitable[f]
	return ok
}

// IsCraftable reports whether any pattern produces f.
func (c *Catalog) IsCraftable(f engine.Fingerprint) bool {
	_, ok := c.craftable[f]
	return ok
}

// AvailableItems implements engine.CellProvider: craftable outputs followed by
// emitable stacks, all flagged craftable with zero quantity.
func (c *Catalog) AvailableItems() []engine.Stack {
	out := make([]engine.Stack, 0, len(c.outputOrder)+len(c.emitOrder))
	for _, f := range c.outputOrder {
		out = append(out, engine.NewStack(f, 0).WithCraftable(true))
	}
	for _, f := range c.emitOrder {
		if _, dup := c.craftable[f]; dup {
			continue
		}
		out = append(out, engine.NewStack(f, 0).WithCraftable(true))
	}
	return out
}

// Rebuilds returns how many rebuilds have run.
func (c *Catalog) Rebuilds() uint64 {
	return c.rebuilds
}

// Snapshot returns an immutable view of the current indices.
func (c *Catalog) Snapshot() View {
	return View{
		patterns: c.craftable,
		emitable: c.emitable,
		outputs:  c.outputOrder,
	}
}

func cloneList(list []engine.Pattern) []engine.Pattern {
	if list == nil {
		return []engine.Pattern{}
	}
	return slices.Clone(list)
}

func validatePattern(p engine.Pattern) error {
	if p == nil {
		return engine.NewConfigurationError("nil pattern", nil).
			WithCode(engine.ErrCodeNoOutput).
			WithOperation("add_pattern")
	}
	if !engine.HasOutput(p) {
		return engine.NewConfigurationError(
			fmt.Sprintf("pattern %q declares no constructible output", p.Name()), nil).
			WithCode(engine.ErrCodeNoOutput).
			WithOperation("add_pattern")
	}
	return nil
}

func providerName(p Provider) string {
	if n, ok := p.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", p)
}

type option struct {
	medium  engine.Medium
	pattern engine.Pattern
}

// rebuildHelper buffers one provider's contributions so a malformed pattern
// can exclude the whole provider.
type rebuildHelper struct {
	options  []option
	emitable []engine.Stack
	err      error
}

func (h *rebuildHelper) AddCraftingOption(medium engine.Medium, pattern engine.Pattern) error {
	if err := validatePattern(pattern); err != nil {
		if h.err == nil {
			h.err = err
		}
		return err
	}
	h.options = append(h.options, option{medium: medium, pattern: pattern})
	return nil
}

func (h *rebuildHelper) SetEmitable(stack engine.Stack) {
	h.emitable = append(h.emitable, stack.Copy())
}

// staticProvider holds patterns registered directly on the catalog.
type staticProvider struct {
	options []option
}

func (s *staticProvider) Name() string { return "static" }

func (s *staticProvider) ProvideCrafting(h Helper) {
	for _, opt := range s.options {
		_ = h.AddCraftingOption(opt.medium, opt.pattern)
	}
}
