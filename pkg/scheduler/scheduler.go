// Package scheduler computes crafting plans off the tick goroutine.
//
// BeginJob validates a request synchronously and queues the computation on a
// shared worker pool. The computation reads only the snapshot it was given;
// its result comes back through a Future and, on success, a Callback. The
// caller applies the plan on the tick goroutine.
package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/openfroyo/craftgrid/pkg/engine"
	"github.com/openfroyo/craftgrid/pkg/telemetry"
)

// Options configures a Scheduler.
type Options struct {
	// Algorithm selects the planner. Defaults to AlgorithmV2.
	Algorithm Algorithm

	// Pool runs computations. Defaults to DefaultPool().
	Pool *Pool

	// Logger is the component logger. Defaults to the global logger.
	Logger *zerolog.Logger

	// Metrics records computation statistics. Optional.
	Metrics *telemetry.Metrics
}

// Scheduler dispatches plan computations to a worker pool.
type Scheduler struct {
	algorithm Algorithm
	planner   Planner
	pool      *Pool
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
}

// New creates a scheduler. An unknown algorithm is a configuration error.
func New(opts Options) (*Scheduler, error) {
	alg := opts.Algorithm
	if alg == "" {
		alg = AlgorithmV2
	}
	planner, err := NewPlanner(alg)
	if err != nil {
		return nil, err
	}
	pool := opts.Pool
	if pool == nil {
		pool = DefaultPool()
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Scheduler{
		algorithm: alg,
		planner:   planner,
		pool:      pool,
		logger:    logger.With().Str("component", "scheduler").Str("algorithm", string(alg)).Logger(),
		metrics:   opts.Metrics,
	}, nil
}

// Algorithm returns the selected planner algorithm.
func (s *Scheduler) Algorithm() Algorithm {
	return s.algorithm
}

// BeginJob validates the request and schedules its computation. Invalid
// input is rejected before anything is queued. The computation is cancelled
// with ctx or with the returned future; no timeout is imposed otherwise.
func (s *Scheduler) BeginJob(
	ctx context.Context,
	world engine.World,
	network *Snapshot,
	src engine.ActionSource,
	target engine.Stack,
	mode engine.CraftingMode,
	cb Callback,
) (*Future, error) {
	if mode == "" {
		mode = engine.ModeStandard
	}
	req := Request{World: world, Network: network, Source: src, Target: target, Mode: mode}
	if err := validate(req); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	future := newFuture(id, cancel)
	stop := context.AfterFunc(ctx, func() { future.Cancel() })

	s.metrics.RecordPlanQueued()
	err := s.pool.Submit(ctx, func() {
		defer stop()
		s.compute(jobCtx, future, req, cb)
	})
	if err != nil {
		stop()
		cancel()
		s.metrics.RecordPlanComputed(string(s.algorithm), "rejected", 0)
		return nil, fmt.Errorf("failed to schedule plan computation: %w", err)
	}

	s.logger.Debug().
		Str("computation_id", id).
		Str("target", target.String()).
		Str("mode", string(mode)).
		Msg("Plan computation queued")
	return future, nil
}

func (s *Scheduler) compute(ctx context.Context, future *Future, req Request, cb Callback) {
	timer := telemetry.NewTimer()
	ctx, span := otel.Tracer("craftgrid/scheduler").Start(ctx, "planner.compute")
	defer span.End()
	span.SetAttributes(
		attribute.String("computation_id", future.ID()),
		attribute.String("algorithm", string(s.algorithm)),
		attribute.String("target", req.Target.String()),
		attribute.String("mode", string(req.Mode)),
	)

	job, err := s.run(ctx, req)

	status := "succeeded"
	switch {
	case engine.HasCode(err, engine.ErrCodeCancelled):
		status = "cancelled"
	case err != nil:
		status = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case job.IsSimulation():
		status = "simulation"
	}
	s.metrics.RecordPlanComputed(string(s.algorithm), status, timer.Duration())

	logger := s.logger.With().Str("computation_id", future.ID()).Str("target", req.Target.String()).Logger()
	if err != nil && status == "failed" {
		logger.Warn().Err(err).Msg("Plan computation failed")
	}

	if !future.complete(job, err) {
		if future.Cancelled() {
			logger.Debug().Msg("Plan discarded after cancellation")
		}
		return
	}

	logger.Debug().
		Int64("bytes", job.ByteTotal).
		Int("steps", len(job.Plan.Steps)).
		Bool("simulation", job.Simulation).
		Dur("duration", timer.Duration()).
		Msg("Plan computed")
	if cb != nil {
		cb.CalculationComplete(job)
	}
}

// run isolates a planner panic to its own computation.
func (s *Scheduler) run(ctx context.Context, req Request) (job *engine.Job, err error) {
	defer func() {
		if r := recover(); r != nil {
			job = nil
			err = engine.NewComputationError(fmt.Sprintf("planner panicked: %v", r), nil).
				WithCode(engine.ErrCodePlannerPanic).
				WithFingerprint(req.Target.Fingerprint)
		}
	}()
	return s.planner.Plan(ctx, req)
}

func validate(req Request) error {
	invalid := func(msg string) error {
		return engine.NewConfigurationError(msg, nil).
			WithCode(engine.ErrCodeInvalidRequest).
			WithOperation("begin_job")
	}
	switch {
	case req.World == nil:
		return invalid("world is required")
	case req.Network == nil:
		return invalid("network snapshot is required")
	case req.Source.Name == "":
		return invalid("action source is required")
	case req.Target.IsZero():
		return invalid("target fingerprint is required")
	case req.Target.Quantity <= 0:
		return invalid(fmt.Sprintf("target quantity must be positive, got %d", req.Target.Quantity))
	}
	if err := req.Mode.Validate(); err != nil {
		return invalid(err.Error())
	}
	return nil
}
