// Package cluster models CPU clusters and the admission policy that picks
// one for a computed crafting plan.
package cluster

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/craftgrid/pkg/engine"
	"github.com/openfroyo/craftgrid/pkg/nexus"
)

// State is the activation state of a cluster.
type State string

const (
	// StateActive clusters accept and advance jobs.
	StateActive State = "active"

	// StateInactive clusters keep their jobs but neither accept nor advance.
	StateInactive State = "inactive"

	// StateDestroyed clusters have disbanded. The state is terminal.
	StateDestroyed State = "destroyed"
)

// AllowMode restricts who may submit jobs to a cluster.
type AllowMode string

const (
	// AllowAny accepts every request.
	AllowAny AllowMode = "any"

	// AllowPlayersOnly accepts player requests only.
	AllowPlayersOnly AllowMode = "players-only"

	// AllowNonPlayersOnly accepts machine requests only.
	AllowNonPlayersOnly AllowMode = "non-players-only"
)

// Validate checks if the allow mode is valid.
func (m AllowMode) Validate() error {
	switch m {
	case AllowAny, AllowPlayersOnly, AllowNonPlayersOnly:
		return nil
	default:
		return fmt.Errorf("invalid allow mode: %s", m)
	}
}

// Permits reports whether a request from src may use a cluster in mode m.
func (m AllowMode) Permits(src engine.ActionSource) bool {
	if src.IsPlayer() {
		return m != AllowNonPlayersOnly
	}
	return m != AllowPlayersOnly
}

// OutputSink receives crafted output nobody else claimed.
type OutputSink interface {
	// InjectItems stores stack and returns what could not be stored.
	InjectItems(stack engine.Stack, src engine.ActionSource) engine.Stack
}

// MediumSource finds the mediums able to execute a pattern.
type MediumSource interface {
	Mediums(p engine.Pattern) []engine.Medium
}

// Config describes a cluster.
type Config struct {
	Name         string
	Capacity     int64
	CoProcessors int
	AllowMode    AllowMode
}

type pendingStep struct {
	pattern engine.Pattern
	crafts  int64
}

type runningJob struct {
	link      *nexus.Link
	remaining int64
	bytes     int64
	source    engine.ActionSource

	// steps are the plan invocations not yet pushed, leaves first.
	steps []*pendingStep
	// stocked is the part of the output taken from storage rather than
	// crafted.
	stocked int64
}

func newRunningJob(link *nexus.Link, job *engine.Job, src engine.ActionSource) *runningJob {
	j := &runningJob{
		link:      link,
		remaining: job.Output.Quantity,
		bytes:     job.ByteTotal,
		source:    src,
	}
	var crafted int64
	for _, step := range job.Plan.Steps {
		if step.Pattern == nil || step.Crafts <= 0 {
			continue
		}
		j.steps = append(j.steps, &pendingStep{pattern: step.Pattern, crafts: step.Crafts})
		crafted += step.Crafts * engine.OutputQuantity(step.Pattern, job.Output.Fingerprint)
	}
	j.stocked = max(job.Output.Quantity-crafted, 0)
	return j
}

// Cluster is an aggregated crafting CPU. It runs one job at a time; jobs for
// the same output may be merged onto it while it is busy.
type Cluster struct {
	name         string
	capacity     int64
	coProcessors int

	mu        sync.Mutex
	allowMode AllowMode
	state     State
	used      int64
	output    engine.Fingerprint
	jobs      []*runningJob
	lastLink  *nexus.Link

	logger zerolog.Logger
}

// New creates an active cluster.
func New(cfg Config) *Cluster {
	mode := cfg.AllowMode
	if mode == "" {
		mode = AllowAny
	}
	return &Cluster{
		name:         cfg.Name,
		capacity:     cfg.Capacity,
		coProcessors: cfg.CoProcessors,
		allowMode:    mode,
		state:        StateActive,
		logger:       log.With().Str("component", "cluster").Str("cluster", cfg.Name).Logger(),
	}
}

// Name returns the cluster name.
func (c *Cluster) Name() string { return c.name }

// Capacity returns the total storage of the cluster.
func (c *Cluster) Capacity() int64 { return c.capacity }

// CoProcessors returns the co-processor count.
func (c *Cluster) CoProcessors() int { return c.coProcessors }

// State returns the activation state.
func (c *Cluster) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsActive reports whether the cluster accepts and advances jobs.
func (c *Cluster) IsActive() bool {
	return c.State() == StateActive
}

// IsDestroyed implements nexus.CPU.
func (c *Cluster) IsDestroyed() bool {
	return c.State() == StateDestroyed
}

// SetActive toggles between active and inactive. Destroyed clusters stay
// destroyed.
func (c *Cluster) SetActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDestroyed {
		return
	}
	if active {
		c.state = StateActive
	} else {
		c.state = StateInactive
	}
}

// AllowMode returns who may submit jobs.
func (c *Cluster) AllowMode() AllowMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowMode
}

// SetAllowMode changes who may submit jobs.
func (c *Cluster) SetAllowMode(m AllowMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowMode = m
}

// Busy reports whether a job is running.
func (c *Cluster) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs) > 0
}

// UsedStorage returns the storage held by running jobs.
func (c *Cluster) UsedStorage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// FreeStorage returns capacity minus used storage.
func (c *Cluster) FreeStorage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity - c.used
}

// FinalOutput returns the fingerprint and remaining quantity being made.
func (c *Cluster) FinalOutput() (engine.Stack, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.jobs) == 0 {
		return engine.Stack{}, false
	}
	var remaining int64
	for _, j := range c.jobs {
		remaining += j.remaining
	}
	return engine.NewStack(c.output, remaining), true
}

// IsMaking reports whether the cluster is producing f.
func (c *Cluster) IsMaking(f engine.Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs) > 0 && c.output == f
}

// LastLink returns the CPU side of the most recently accepted job.
func (c *Cluster) LastLink() *nexus.Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastLink
}

// CanAccept reports whether job fits: the cluster is active and either busy
// on the same output with enough free storage, or idle with enough capacity.
func (c *Cluster) CanAccept(job *engine.Job) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canAcceptLocked(job)
}

func (c *Cluster) canAcceptLocked(job *engine.Job) bool {
	if c.state != StateActive || !job.Submittable() {
		return false
	}
	if len(c.jobs) > 0 {
		return c.output == job.Output.Fingerprint && c.capacity >= c.used+job.ByteTotal
	}
	return c.capacity >= job.ByteTotal
}

// Submit starts job, or merges it onto the running one. A nil requester
// yields a standalone link and no requester link.
func (c *Cluster) Submit(job *engine.Job, requester nexus.Requester, src engine.ActionSource) (*nexus.Link, *nexus.Link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.canAcceptLocked(job) {
		return nil, nil, engine.NewAdmissionError(fmt.Sprintf("cluster %s cannot accept job", c.name), nil).
			WithCode(engine.ErrCodeClusterRejected).
			WithFingerprint(job.Output.Fingerprint).
			WithOperation("cluster_submit")
	}

	id := uuid.NewString()
	var reqLink, cpuLink *nexus.Link
	if requester == nil {
		cpuLink = nexus.NewStandaloneLink(id, c)
	} else {
		cpuLink = nexus.NewCPULink(id, c)
		reqLink = nexus.NewRequesterLink(id, requester)
	}

	merged := len(c.jobs) > 0
	c.jobs = append(c.jobs, newRunningJob(cpuLink, job, src))
	c.used += job.ByteTotal
	c.output = job.Output.Fingerprint
	c.lastLink = cpuLink

	c.logger.Info().
		Str("crafting_id", id).
		Str("output", job.Output.String()).
		Int64("bytes", job.ByteTotal).
		Bool("merged", merged).
		Msg("Job accepted")

	return reqLink, cpuLink, nil
}

// Advance runs one tick of work and returns the number of output units
// produced.
//
// A tick has a budget of 1+coProcessors operations. Extracting one unit of
// stocked output costs one operation, and so does pushing one plan step
// invocation to a medium from mediums. Steps run in plan order; a step with
// no idle medium stalls the job until a later tick. Output goes to the
// requester first and to sink for whatever the requester refuses.
func (c *Cluster) Advance(sink OutputSink, mediums MediumSource) int64 {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return 0
	}
	c.dropCancelledLocked()

	budget := int64(1 + c.coProcessors)
	var produced int64
	type delivery struct {
		link  *nexus.Link
		stack engine.Stack
		src   engine.ActionSource
		done  bool
	}
	var deliveries []delivery

	for budget > 0 && len(c.jobs) > 0 {
		j := c.jobs[0]
		made, stalled := c.workLocked(j, &budget, mediums)
		n := min(made, j.remaining)
		j.remaining -= n
		produced += n

		d := delivery{link: j.link, stack: engine.NewStack(c.output, n), src: j.source}
		if j.remaining <= 0 {
			d.done = true
			c.used -= j.bytes
			c.jobs = c.jobs[1:]
		}
		deliveries = append(deliveries, d)
		if stalled {
			break
		}
	}
	if len(c.jobs) == 0 {
		c.used = 0
	}
	c.mu.Unlock()

	// Requesters and sinks may call back into the grid; deliver unlocked.
	for _, d := range deliveries {
		if d.stack.Quantity > 0 {
			c.deliver(d.link, d.stack, d.src, sink)
		}
		if d.done {
			d.link.MarkDone()
			c.logger.Info().Str("crafting_id", d.link.ID()).Msg("Job completed")
		}
	}
	return produced
}

// workLocked spends budget on j and returns the output units made and
// whether j is waiting for a medium.
func (c *Cluster) workLocked(j *runningJob, budget *int64, mediums MediumSource) (int64, bool) {
	var made int64
	if j.stocked > 0 {
		n := min(*budget, j.stocked)
		j.stocked -= n
		*budget -= n
		made += n
	}
	for *budget > 0 && len(j.steps) > 0 {
		step := j.steps[0]
		if !pushStep(step.pattern, mediums) {
			c.logger.Debug().Str("pattern", step.pattern.Name()).Msg("No idle medium for pattern")
			return made, true
		}
		*budget--
		step.crafts--
		made += engine.OutputQuantity(step.pattern, c.output)
		if step.crafts <= 0 {
			j.steps = j.steps[1:]
		}
	}
	if len(j.steps) == 0 && j.stocked == 0 {
		// Every operation of the plan has run; settle what is still owed.
		made = max(made, j.remaining)
	}
	return made, false
}

// pushStep hands one invocation of p to the first idle medium accepting it.
func pushStep(p engine.Pattern, mediums MediumSource) bool {
	if mediums == nil {
		return false
	}
	for _, m := range mediums.Mediums(p) {
		if m.IsBusy() {
			continue
		}
		if m.PushPattern(p) {
			return true
		}
	}
	return false
}

func (c *Cluster) deliver(link *nexus.Link, stack engine.Stack, src engine.ActionSource, sink OutputSink) {
	leftover := stack
	if req := link.Counterpart(); req != nil && req.Requester() != nil {
		leftover = req.Requester().InjectCraftedItems(req, stack)
	}
	if leftover.Quantity <= 0 {
		return
	}
	if sink == nil {
		c.logger.Warn().Str("stack", leftover.String()).Msg("Crafted output dropped, no sink")
		return
	}
	if rest := sink.InjectItems(leftover, src); rest.Quantity > 0 {
		c.logger.Warn().Str("stack", rest.String()).Msg("Storage refused crafted output")
	}
}

func (c *Cluster) dropCancelledLocked() {
	kept := c.jobs[:0]
	for _, j := range c.jobs {
		if j.link.IsCancelled() {
			c.used -= j.bytes
			c.logger.Info().Str("crafting_id", j.link.ID()).Msg("Job cancelled")
			continue
		}
		kept = append(kept, j)
	}
	c.jobs = kept
	if len(c.jobs) == 0 {
		c.used = 0
	}
}

// Cancel cancels every running job.
func (c *Cluster) Cancel() {
	c.mu.Lock()
	jobs := c.jobs
	c.jobs = nil
	c.used = 0
	c.mu.Unlock()

	for _, j := range jobs {
		j.link.Cancel()
	}
}

// Destroy cancels outstanding work and disbands the cluster.
func (c *Cluster) Destroy() {
	c.Cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDestroyed
}

// String renders the cluster for logs.
func (c *Cluster) String() string {
	return fmt.Sprintf("%s(cap=%d,co=%d)", c.name, c.capacity, c.coProcessors)
}
