// internal/chaos/chaos.go
package chaos

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"librarium/internal/logging"
)

// Experiment defines one fault-injection test against the running library.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
	Interval    time.Duration
}

// Metric is a measurable system property with a steady-state threshold.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

// Threshold compares a sampled value against an expected bound.
type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Action injects or removes a fault.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion validates the experiment outcome from the final observation.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// Violation records one threshold breach during observation.
type Violation struct {
	MetricName string
	Expected   float64
	Actual     float64
	Timestamp  time.Time
}

// Result captures one experiment execution.
type Result struct {
	ExperimentName   string
	StartTime        time.Time
	EndTime          time.Time
	Duration         time.Duration
	HypothesisHeld   bool
	SteadyStateValid bool
	Violations       []Violation
	Observations     map[string][]float64
}

// ErrSteadyStateInvalid aborts an experiment whose preconditions fail.
var ErrSteadyStateInvalid = errors.New("steady state invalid, aborting experiment")

// Engine runs chaos experiments and keeps their results.
type Engine struct {
	tracer      trace.Tracer
	logger      logging.Logger
	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

// NewEngine creates an empty Engine.
func NewEngine(logger logging.Logger) *Engine {
	return &Engine{
		tracer: otel.Tracer("librarium/chaos"),
		logger: logger,
	}
}

// Register adds an experiment to the suite.
func (e *Engine) Register(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

// Experiments returns the registered suite.
func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

// Results returns the accumulated experiment results.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// RunAll executes every registered experiment in order.
func (e *Engine) RunAll(ctx context.Context) []Result {
	for _, exp := range e.Experiments() {
		result, err := e.Run(ctx, exp)
		if err != nil {
			e.logger.Error("chaos: experiment %q failed: %v", exp.Name, err)
			continue
		}
		if result.HypothesisHeld {
			e.logger.Info("chaos: %q hypothesis held", exp.Name)
		} else {
			e.logger.Warn("chaos: %q hypothesis violated (%d violations)", exp.Name, len(result.Violations))
		}
	}
	return e.Results()
}

// Run executes a single experiment: validate steady state, inject the
// faults, observe, roll back, validate assertions.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]float64),
	}

	span.AddEvent("validating_steady_state")
	if valid, violations := e.validateSteadyState(ctx, exp.SteadyState); !valid {
		result.Violations = violations
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_faults")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			e.logger.Error("chaos: action %s on %s failed: %v", action.Type, action.Target, err)
			span.RecordError(err)
		}
	}

	span.AddEvent("observing")
	e.observe(ctx, exp, result)

	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			span.RecordError(err)
		}
	}

	span.AddEvent("validating_assertions")
	result.HypothesisHeld = e.validateAssertions(exp.Validation, result)
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

func (e *Engine) observe(ctx context.Context, exp Experiment, result *Result) {
	interval := exp.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	observationCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-observationCtx.Done():
			return
		case <-ticker.C:
			for _, metric := range exp.SteadyState {
				value, err := metric.Query(ctx)
				if err != nil {
					e.logger.Warn("chaos: sampling %q failed: %v", metric.Name, err)
					continue
				}
				result.Observations[metric.Name] = append(result.Observations[metric.Name], value)
				if !evaluate(value, metric.Threshold) {
					result.Violations = append(result.Violations, Violation{
						MetricName: metric.Name,
						Expected:   metric.Threshold.Value,
						Actual:     value,
						Timestamp:  time.Now(),
					})
				}
			}
		}
	}
}

func (e *Engine) validateSteadyState(ctx context.Context, metrics []Metric) (bool, []Violation) {
	var violations []Violation
	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			violations = append(violations, Violation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     -1,
				Timestamp:  time.Now(),
			})
			continue
		}
		if !evaluate(value, metric.Threshold) {
			violations = append(violations, Violation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}
	return len(violations) == 0, violations
}

func evaluate(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}

func (e *Engine) validateAssertions(assertions []Assertion, result *Result) bool {
	for _, assertion := range assertions {
		observations := result.Observations[assertion.Metric]
		if len(observations) == 0 {
			return false
		}
		if !assertion.Condition(observations[len(observations)-1]) {
			e.logger.Warn("chaos: assertion failed: %s", assertion.Message)
			return false
		}
	}
	return true
}
