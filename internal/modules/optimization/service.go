package optimization

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/portfolio-optimizer/internal/config"
)

// Default solver settings.
const (
	DefaultTolerance          = 1e-6
	DefaultMaxIterations      = 1000
	DefaultConditionThreshold = 1e10
)

// Options configures the optimizer.
type Options struct {
	Method             string
	MaxIterations      int
	Tolerance          float64
	ConditionThreshold float64
	Policy             ConditioningPolicy
}

// DefaultOptions returns the dual solver with default tolerances.
func DefaultOptions() Options {
	return Options{
		Method:             MethodDual,
		MaxIterations:      DefaultMaxIterations,
		Tolerance:          DefaultTolerance,
		ConditionThreshold: DefaultConditionThreshold,
		Policy:             PolicyRegularize,
	}
}

// OptionsFromConfig maps the OPTIMIZER_* settings onto Options.
func OptionsFromConfig(cfg config.OptimizerConfig) Options {
	return Options{
		Method:             cfg.Method,
		MaxIterations:      cfg.MaxIterations,
		Tolerance:          cfg.Tolerance,
		ConditionThreshold: cfg.ConditionThreshold,
		Policy:             ConditioningPolicy(cfg.IllConditioned),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Method == "" {
		o.Method = d.Method
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.Tolerance <= 0 {
		o.Tolerance = d.Tolerance
	}
	if o.ConditionThreshold <= 1 {
		o.ConditionThreshold = d.ConditionThreshold
	}
	if o.Policy == "" {
		o.Policy = d.Policy
	}
	return o
}

// OptimizerService runs the full pipeline for one request:
// statistics -> constraints -> optimization.
type OptimizerService struct {
	constraints *ConstraintsBuilder
	optimizer   *MVOptimizer
	log         zerolog.Logger
}

// NewOptimizerService creates a service using the solver named by opts.Method.
func NewOptimizerService(opts Options, log zerolog.Logger) (*OptimizerService, error) {
	mvo, err := NewMVOptimizer(opts, log)
	if err != nil {
		return nil, err
	}
	return newOptimizerService(mvo, log), nil
}

// NewOptimizerServiceWithSolver creates a service around an explicit solver.
func NewOptimizerServiceWithSolver(solver Solver, opts Options, log zerolog.Logger) *OptimizerService {
	return newOptimizerService(NewMVOptimizerWithSolver(solver, opts, log), log)
}

func newOptimizerService(mvo *MVOptimizer, log zerolog.Logger) *OptimizerService {
	return &OptimizerService{
		constraints: NewConstraintsBuilder(log),
		optimizer:   mvo,
		log:         log.With().Str("component", "optimizer_service").Logger(),
	}
}

// Method returns the name of the solver in use.
func (s *OptimizerService) Method() string { return s.optimizer.Method() }

// Optimize computes the return-maximizing long-only portfolio of table's assets
// whose volatility does not exceed riskLevel and whose weights do not exceed
// maxWeight. The table is not modified.
func (s *OptimizerService) Optimize(ctx context.Context, table ReturnsTable, riskLevel, maxWeight float64) (*Portfolio, error) {
	start := time.Now()
	table = table.Clone()

	stats, err := EstimateStatistics(table)
	if err != nil {
		return nil, err
	}

	cons, err := s.constraints.BuildConstraints(stats.NumAssets(), riskLevel, maxWeight)
	if err != nil {
		return nil, err
	}

	s.log.Debug().
		Int("assets", stats.NumAssets()).
		Int("observations", stats.Observations).
		Float64("risk_level", riskLevel).
		Float64("max_weight", maxWeight).
		Str("method", s.optimizer.Method()).
		Msg("Starting optimization")

	portfolio, err := s.optimizer.Optimize(ctx, stats, cons)
	if err != nil {
		s.log.Debug().Err(err).Msg("Optimization failed")
		return nil, err
	}

	s.log.Info().
		Float64("expected_return", portfolio.ExpectedReturn).
		Float64("volatility", portfolio.Volatility).
		Int("iterations", portfolio.Iterations).
		Str("status", portfolio.Status).
		Dur("duration", time.Since(start)).
		Msg("Optimization complete")

	return portfolio, nil
}
