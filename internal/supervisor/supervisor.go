package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/stationops/keeper/internal/notify"
	"github.com/stationops/keeper/internal/report"
	"github.com/stationops/keeper/pkg/config"
	"github.com/stationops/keeper/pkg/logging"
)

// State identifies where the run loop currently is. States are logged on
// every transition so the journal reads as a trace of the machine.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateEvaluating
	StateBackoff
	StateTerminalSuccess
	StateTerminalFatal
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateEvaluating:
		return "evaluating"
	case StateBackoff:
		return "backoff"
	case StateTerminalSuccess:
		return "terminal_success"
	case StateTerminalFatal:
		return "terminal_fatal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is the terminal outcome of one supervision loop.
type Result struct {
	State    State
	ExitCode int // process exit code keeper itself should return
	Runs     int // total worker launches, including the first
}

// Supervisor owns the run-evaluate-backoff loop for a single worker.
// It is strictly sequential: it blocks on the worker, then on each
// backoff sleep. Counters live only for the lifetime of one Run call.
type Supervisor struct {
	cfg        config.Supervisor
	runner     Runner
	classifier *Classifier
	logger     *logging.Logger
	notifier   notify.Notifier
	metrics    *report.Metrics

	// sleep is swapped out in tests to record backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a Supervisor. notifier and metrics may be nil when alerting or
// the metrics endpoint is disabled.
func New(cfg config.Supervisor, runner Runner, logger *logging.Logger, notifier notify.Notifier, metrics *report.Metrics) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		runner:     runner,
		classifier: NewClassifier(cfg.FatalExitCodes),
		logger:     logger,
		notifier:   notifier,
		metrics:    metrics,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the worker until a terminal state. A run longer than the
// healthy threshold forgives all prior instability: retryCount and the
// backoff delay go back to baseline before the exit is classified.
func (s *Supervisor) Run(ctx context.Context) Result {
	retryCount := 0
	delay := s.cfg.InitialDelay
	runs := 0

	s.transition(StateStarting, StateRunning, nil)

	for {
		if ctx.Err() != nil {
			s.logger.Info("Supervision cancelled", map[string]interface{}{"runs": runs})
			return Result{State: StateTerminalSuccess, ExitCode: 0, Runs: runs}
		}

		runs++
		s.logger.Info("Launching worker", map[string]interface{}{
			"attempt": retryCount + 1,
			"run":     runs,
		})

		res, err := s.runner.Run(ctx)
		if err != nil {
			// Could not even start or wait. Treat like a restart-eligible
			// failure with an indeterminate exit code.
			s.logger.Error("Worker run failed", map[string]interface{}{"error": err.Error()})
			res.ExitCode = -1
		}

		if ctx.Err() != nil {
			// Shutdown tore the worker down; its exit code reflects our
			// signal, not a worker failure.
			s.logger.Info("Worker stopped for shutdown", map[string]interface{}{
				"exit_code": res.ExitCode,
				"runs":      runs,
			})
			s.countRun(GracefulStop)
			return Result{State: StateTerminalSuccess, ExitCode: 0, Runs: runs}
		}

		s.transition(StateRunning, StateEvaluating, map[string]interface{}{
			"exit_code": res.ExitCode,
			"duration":  res.Duration().Round(time.Second).String(),
		})

		if res.Duration() > s.cfg.HealthyRunThreshold && retryCount > 0 {
			s.logger.Info("Healthy run, resetting retry budget", map[string]interface{}{
				"duration":  res.Duration().Round(time.Second).String(),
				"threshold": s.cfg.HealthyRunThreshold.String(),
			})
			retryCount = 0
			delay = s.cfg.InitialDelay
		}

		class := s.classifier.Classify(res.ExitCode)
		s.countRun(class)

		switch class {
		case Success, GracefulStop:
			s.transition(StateEvaluating, StateTerminalSuccess, map[string]interface{}{
				"classification": class.String(),
			})
			return Result{State: StateTerminalSuccess, ExitCode: 0, Runs: runs}

		case Fatal:
			s.transition(StateEvaluating, StateTerminalFatal, map[string]interface{}{
				"exit_code": res.ExitCode,
			})
			s.notify(ctx, fmt.Sprintf("Worker exited with unrecoverable code %d, giving up.", res.ExitCode))
			return Result{State: StateTerminalFatal, ExitCode: res.ExitCode, Runs: runs}

		case RestartEligible:
			retryCount++
			if retryCount > s.cfg.MaxRetries {
				s.transition(StateEvaluating, StateTerminalFatal, map[string]interface{}{
					"retries": retryCount - 1,
				})
				s.notify(ctx, fmt.Sprintf("Worker failed %d times in a row, max retries reached. Not restarting.", retryCount))
				return Result{State: StateTerminalFatal, ExitCode: 1, Runs: runs}
			}

			s.transition(StateEvaluating, StateBackoff, map[string]interface{}{
				"exit_code": res.ExitCode,
				"attempt":   retryCount,
				"delay":     delay.String(),
			})
			s.notify(ctx, fmt.Sprintf("Worker exited with code %d (attempt %d/%d), restarting in %s.",
				res.ExitCode, retryCount, s.cfg.MaxRetries, delay))

			if s.metrics != nil {
				s.metrics.Restarts.Inc()
				s.metrics.RestartDelay.Set(delay.Seconds())
			}
			if err := s.sleep(ctx, delay); err != nil {
				s.logger.Info("Backoff interrupted", map[string]interface{}{"error": err.Error()})
				return Result{State: StateTerminalSuccess, ExitCode: 0, Runs: runs}
			}

			delay *= 2
			if delay > s.cfg.MaxDelay {
				delay = s.cfg.MaxDelay
			}
			s.transition(StateBackoff, StateRunning, nil)
		}
	}
}

func (s *Supervisor) transition(from, to State, fields map[string]interface{}) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["from"] = from.String()
	fields["to"] = to.String()
	s.logger.Info("State transition", fields)
}

func (s *Supervisor) countRun(class Classification) {
	if s.metrics != nil {
		s.metrics.WorkerRuns.WithLabelValues(class.String()).Inc()
	}
}

func (s *Supervisor) notify(ctx context.Context, message string) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, message)
	}
}
