package cluster

import (
	"slices"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/craftgrid/pkg/engine"
	"github.com/openfroyo/craftgrid/pkg/nexus"
	"github.com/openfroyo/craftgrid/pkg/telemetry"
)

// Source enumerates the clusters currently formed in the topology.
type Source interface {
	Clusters() []*Cluster
}

// Admission outcomes recorded in metrics.
const (
	OutcomeSimulation = "simulation"
	OutcomeTarget     = "target"
	OutcomeRanked     = "ranked"
	OutcomeNone       = "none"
)

// Registry is the live cluster set of one grid and its admission policy.
//
// Registry is owned by the tick goroutine.
type Registry struct {
	clusters []*Cluster
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
}

// NewRegistry creates an empty registry. A nil logger selects the global one.
func NewRegistry(logger *zerolog.Logger, metrics *telemetry.Metrics) *Registry {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Registry{
		logger:  l.With().Str("component", "registry").Logger(),
		metrics: metrics,
	}
}

// Reconcile replaces the cluster set with the one src reports and returns
// each cluster's last link so nexus state survives the rebuild.
func (r *Registry) Reconcile(src Source) []*nexus.Link {
	r.clusters = r.clusters[:0]
	var links []*nexus.Link
	for _, c := range src.Clusters() {
		if c == nil || slices.Contains(r.clusters, c) {
			continue
		}
		r.clusters = append(r.clusters, c)
		if l := c.LastLink(); l != nil {
			links = append(links, l)
		}
	}
	r.logger.Debug().Int("clusters", len(r.clusters)).Int("links", len(links)).Msg("Clusters reconciled")
	return links
}

// All returns every known cluster.
func (r *Registry) All() []*Cluster {
	return slices.Clone(r.clusters)
}

// Active returns the clusters that are active and not destroyed.
func (r *Registry) Active() []*Cluster {
	var out []*Cluster
	for _, c := range r.clusters {
		if c.IsActive() {
			out = append(out, c)
		}
	}
	return out
}

// Has reports whether c is part of the registry.
func (r *Registry) Has(c *Cluster) bool {
	return slices.Contains(r.clusters, c)
}

// Alive reports whether cpu is a registered, undestroyed cluster. It is the
// liveness check used by the dead-link sweep.
func (r *Registry) Alive(cpu nexus.CPU) bool {
	c, ok := cpu.(*Cluster)
	return ok && r.Has(c) && !c.IsDestroyed()
}

// IsRequesting reports whether any cluster is producing f.
func (r *Registry) IsRequesting(f engine.Fingerprint) bool {
	for _, c := range r.clusters {
		if c.IsMaking(f) {
			return true
		}
	}
	return false
}

// AdvanceAll runs one tick of work on every cluster, pushing plan steps to
// the mediums src reports.
func (r *Registry) AdvanceAll(sink OutputSink, src MediumSource) int64 {
	var produced int64
	for _, c := range r.clusters {
		produced += c.Advance(sink, src)
	}
	return produced
}

// Select picks the cluster that should run job, or nil.
//
// A nil result is a normal outcome: the job is simply not submitted this
// tick. Simulation jobs always yield nil. An explicit target must belong to
// the registry and is validated against the same admission rule instead of
// being ranked.
func (r *Registry) Select(job *engine.Job, src engine.ActionSource, target *Cluster, prioritizePower bool) *Cluster {
	if job.IsSimulation() || !job.Submittable() {
		r.metrics.RecordAdmission(OutcomeSimulation)
		return nil
	}

	if target != nil {
		if r.Has(target) && target.CanAccept(job) && target.AllowMode().Permits(src) {
			r.metrics.RecordAdmission(OutcomeTarget)
			return target
		}
		r.metrics.RecordAdmission(OutcomeNone)
		return nil
	}

	var candidates []*candidate
	for _, c := range r.clusters {
		if !c.CanAccept(job) || !c.AllowMode().Permits(src) {
			continue
		}
		candidates = append(candidates, snapshotCandidate(c))
	}

	if len(candidates) == 0 {
		r.metrics.RecordAdmission(OutcomeNone)
		r.logger.Debug().Str("output", job.Output.String()).Msg("No cluster can accept job")
		return nil
	}

	rank(candidates, prioritizePower)
	r.metrics.RecordAdmission(OutcomeRanked)
	return candidates[0].cluster
}

type candidate struct {
	cluster      *Cluster
	busy         bool
	coProcessors int
	capacity     int64
	name         string
}

func snapshotCandidate(c *Cluster) *candidate {
	return &candidate{
		cluster:      c,
		busy:         c.Busy(),
		coProcessors: c.CoProcessors(),
		capacity:     c.Capacity(),
		name:         c.Name(),
	}
}

// rank orders candidates for admission. Busy clusters come first. Within a
// group, prioritizePower ranks by co-processors descending, then capacity
// descending, then name ascending; otherwise all three keys are reversed.
func rank(candidates []*candidate, prioritizePower bool) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.busy != b.busy {
			return a.busy
		}
		cmp := comparePower(a, b)
		if !prioritizePower {
			cmp = -cmp
		}
		return cmp < 0
	})
}

// comparePower returns a negative value when a ranks before b under
// prioritizePower.
func comparePower(a, b *candidate) int {
	if a.coProcessors != b.coProcessors {
		if a.coProcessors > b.coProcessors {
			return -1
		}
		return 1
	}
	if a.capacity != b.capacity {
		if a.capacity > b.capacity {
			return -1
		}
		return 1
	}
	return strings.Compare(a.name, b.name)
}
