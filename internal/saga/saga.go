// Package saga runs ordered steps with compensating actions.
//
// Steps execute strictly in order. When a forward action fails, the steps
// that already completed are compensated in reverse order and the original
// error is returned. Best-effort step lists run every step regardless of
// failures and only report outcomes.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"coderoom/pkg/types"
)

// DefaultCompensationTimeout bounds each compensating action.
const DefaultCompensationTimeout = 10 * time.Second

// Step is one unit of a saga. Compensate may be nil for steps with nothing
// to undo.
type Step struct {
	Name       string
	Forward    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Result describes a saga run. Err is nil when every step succeeded.
type Result struct {
	Steps      []types.StepResult
	FailedStep string
	Err        error
}

// Compensated reports whether any compensation ran.
func (r *Result) Compensated() bool {
	for _, s := range r.Steps {
		if s.Outcome == types.OutcomeCompensated || s.Outcome == types.OutcomeCompensationFailed {
			return true
		}
	}
	return false
}

// Runner executes sagas.
type Runner struct {
	// CompensationTimeout bounds each compensating action. Compensation runs
	// on a context detached from the caller's cancellation.
	CompensationTimeout time.Duration
	Logger              logrus.FieldLogger
	// OnCompensate observes each compensation attempt; err is nil on success.
	OnCompensate func(step string, err error)
}

// NewRunner creates a runner with the default timeout.
func NewRunner(logger logrus.FieldLogger) *Runner {
	return &Runner{CompensationTimeout: DefaultCompensationTimeout, Logger: logger}
}

// Run executes steps in order, compensating completed steps on failure.
func (r *Runner) Run(ctx context.Context, steps []Step) *Result {
	res := &Result{Steps: make([]types.StepResult, len(steps))}
	for i, s := range steps {
		res.Steps[i] = types.StepResult{Step: s.Name, Outcome: types.OutcomeSkipped}
	}

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			res.FailedStep = step.Name
			res.Err = fmt.Errorf("saga canceled before %s: %w", step.Name, err)
			res.Steps[i] = types.StepResult{Step: step.Name, Outcome: types.OutcomeFailed, Error: err.Error()}
			r.compensate(ctx, steps[:i], res)
			return res
		}

		if err := step.Forward(ctx); err != nil {
			res.FailedStep = step.Name
			res.Err = err
			res.Steps[i] = types.StepResult{Step: step.Name, Outcome: types.OutcomeFailed, Error: err.Error()}
			r.logger().WithError(err).WithField("step", step.Name).Warn("saga step failed, compensating")
			r.compensate(ctx, steps[:i], res)
			return res
		}
		res.Steps[i].Outcome = types.OutcomeOK
	}
	return res
}

// compensate walks the completed steps backward.
func (r *Runner) compensate(ctx context.Context, done []Step, res *Result) {
	base := context.WithoutCancel(ctx)
	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		if step.Compensate == nil {
			continue
		}

		cctx, cancel := context.WithTimeout(base, r.timeout())
		err := step.Compensate(cctx)
		cancel()

		if err != nil {
			res.Steps[i] = types.StepResult{Step: step.Name, Outcome: types.OutcomeCompensationFailed, Error: err.Error()}
			r.logger().WithError(err).WithField("step", step.Name).Error("compensation failed, resource may be orphaned")
		} else {
			res.Steps[i].Outcome = types.OutcomeCompensated
		}
		if r.OnCompensate != nil {
			r.OnCompensate(step.Name, err)
		}
	}
}

// RunBestEffort executes every step and reports each outcome. Failures are
// logged at warn level and never stop later steps.
func (r *Runner) RunBestEffort(ctx context.Context, steps []Step) []types.StepResult {
	results := make([]types.StepResult, 0, len(steps))
	for _, step := range steps {
		err := step.Forward(ctx)
		if err != nil {
			r.logger().WithError(err).WithField("step", step.Name).Warn("best-effort step failed")
			results = append(results, types.StepResult{Step: step.Name, Outcome: types.OutcomeFailed, Error: err.Error()})
			continue
		}
		results = append(results, types.StepResult{Step: step.Name, Outcome: types.OutcomeOK})
	}
	return results
}

// FirstFailure returns the first failed result, if any.
func FirstFailure(results []types.StepResult) (types.StepResult, bool) {
	for _, r := range results {
		if r.Outcome == types.OutcomeFailed {
			return r, true
		}
	}
	return types.StepResult{}, false
}

func (r *Runner) timeout() time.Duration {
	if r.CompensationTimeout <= 0 {
		return DefaultCompensationTimeout
	}
	return r.CompensationTimeout
}

func (r *Runner) logger() logrus.FieldLogger {
	if r.Logger == nil {
		return logrus.StandardLogger()
	}
	return r.Logger
}
