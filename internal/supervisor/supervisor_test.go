package supervisor

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stationops/keeper/pkg/config"
	"github.com/stationops/keeper/pkg/logging"
)

func testLogger() *logging.Logger {
	l := logging.NewLogger(logging.ERROR, false)
	l.SetOutput(io.Discard)
	return l
}

func testPolicy() config.Supervisor {
	return config.Supervisor{
		MaxRetries:          10,
		InitialDelay:        5 * time.Second,
		MaxDelay:            300 * time.Second,
		HealthyRunThreshold: 60 * time.Second,
		FatalExitCodes:      []int{78},
	}
}

// scriptedRunner replays a fixed sequence of runs. The last entry repeats
// if the supervisor asks for more runs than scripted.
type scriptedRunner struct {
	script []RunResult
	calls  int
}

func (r *scriptedRunner) Run(ctx context.Context) (RunResult, error) {
	i := r.calls
	if i >= len(r.script) {
		i = len(r.script) - 1
	}
	r.calls++
	return r.script[i], nil
}

func run(code int, lasted time.Duration) RunResult {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return RunResult{ExitCode: code, StartedAt: start, FinishedAt: start.Add(lasted)}
}

type recordingNotifier struct {
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, message string) {
	n.messages = append(n.messages, message)
}

// newTestSupervisor builds a supervisor with instant sleeps, recording
// every backoff delay the loop would have waited.
func newTestSupervisor(runner Runner, notifier *recordingNotifier) (*Supervisor, *[]time.Duration) {
	s := New(testPolicy(), runner, testLogger(), notifier, nil)
	var delays []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return s, &delays
}

func TestCleanFirstRunExitsZeroWithoutNotifying(t *testing.T) {
	runner := &scriptedRunner{script: []RunResult{run(0, 2*time.Second)}}
	notifier := &recordingNotifier{}
	s, delays := newTestSupervisor(runner, notifier)

	res := s.Run(context.Background())

	if res.State != StateTerminalSuccess || res.ExitCode != 0 {
		t.Fatalf("got state=%v exit=%d, want terminal_success exit 0", res.State, res.ExitCode)
	}
	if runner.calls != 1 {
		t.Errorf("worker launched %d times, want 1", runner.calls)
	}
	if len(notifier.messages) != 0 {
		t.Errorf("sent %d notifications on clean exit, want 0", len(notifier.messages))
	}
	if len(*delays) != 0 {
		t.Errorf("slept %d times on clean exit, want 0", len(*delays))
	}
}

func TestGracefulStopIsTerminalSuccess(t *testing.T) {
	for _, code := range []int{130, 143} {
		runner := &scriptedRunner{script: []RunResult{run(code, 2*time.Second)}}
		notifier := &recordingNotifier{}
		s, _ := newTestSupervisor(runner, notifier)

		res := s.Run(context.Background())

		if res.State != StateTerminalSuccess || res.ExitCode != 0 {
			t.Errorf("exit %d: got state=%v exit=%d, want terminal_success exit 0", code, res.State, res.ExitCode)
		}
		if len(notifier.messages) != 0 {
			t.Errorf("exit %d: sent %d notifications, want 0", code, len(notifier.messages))
		}
	}
}

func TestFatalExitStopsImmediatelyWithOneNotification(t *testing.T) {
	runner := &scriptedRunner{script: []RunResult{run(78, 2*time.Second)}}
	notifier := &recordingNotifier{}
	s, delays := newTestSupervisor(runner, notifier)

	res := s.Run(context.Background())

	if res.State != StateTerminalFatal || res.ExitCode != 78 {
		t.Fatalf("got state=%v exit=%d, want terminal_fatal exit 78", res.State, res.ExitCode)
	}
	if runner.calls != 1 {
		t.Errorf("worker launched %d times, want 1", runner.calls)
	}
	if len(notifier.messages) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(notifier.messages))
	}
	if len(*delays) != 0 {
		t.Errorf("slept before fatal exit, want no backoff")
	}
}

func TestRetryBudgetExhaustsWithDoublingCappedDelays(t *testing.T) {
	runner := &scriptedRunner{script: []RunResult{run(1, 3*time.Second)}}
	notifier := &recordingNotifier{}
	s, delays := newTestSupervisor(runner, notifier)

	res := s.Run(context.Background())

	if res.State != StateTerminalFatal || res.ExitCode != 1 {
		t.Fatalf("got state=%v exit=%d, want terminal_fatal exit 1", res.State, res.ExitCode)
	}
	if runner.calls != 11 {
		t.Errorf("worker launched %d times, want 11 (first run + 10 restarts)", runner.calls)
	}

	want := []time.Duration{5, 10, 20, 40, 80, 160, 300, 300, 300, 300}
	for i := range want {
		want[i] *= time.Second
	}
	if len(*delays) != len(want) {
		t.Fatalf("slept %d times, want %d: %v", len(*delays), len(want), *delays)
	}
	for i, d := range *delays {
		if d != want[i] {
			t.Errorf("delay[%d] = %s, want %s", i, d, want[i])
		}
	}

	// One notification per restart, then exactly one max-retries notice.
	if len(notifier.messages) != 11 {
		t.Fatalf("sent %d notifications, want 11", len(notifier.messages))
	}
	exhausted := 0
	for _, msg := range notifier.messages {
		if strings.Contains(msg, "max retries") {
			exhausted++
		}
	}
	if exhausted != 1 {
		t.Errorf("sent %d max-retries notifications, want exactly 1", exhausted)
	}
	if !strings.Contains(notifier.messages[len(notifier.messages)-1], "max retries") {
		t.Errorf("last notification is not the max-retries notice: %q", notifier.messages[len(notifier.messages)-1])
	}
}

func TestHealthyRunResetsRetryBudget(t *testing.T) {
	// Two quick crashes, then a 65s run ending in another crash. The long
	// run must reset the budget so the following exit counts as attempt 1
	// with the baseline delay, and a final clean exit ends the loop.
	runner := &scriptedRunner{script: []RunResult{
		run(1, 3*time.Second),
		run(1, 3*time.Second),
		run(1, 65*time.Second),
		run(0, 2*time.Second),
	}}
	notifier := &recordingNotifier{}
	s, delays := newTestSupervisor(runner, notifier)

	res := s.Run(context.Background())

	if res.State != StateTerminalSuccess {
		t.Fatalf("got state=%v, want terminal_success", res.State)
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 5 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("slept %d times, want %d: %v", len(*delays), len(want), *delays)
	}
	for i, d := range *delays {
		if d != want[i] {
			t.Errorf("delay[%d] = %s, want %s", i, d, want[i])
		}
	}
	if !strings.Contains(notifier.messages[2], "attempt 1/") {
		t.Errorf("post-reset notification not counted as attempt 1: %q", notifier.messages[2])
	}
}

func TestExactThresholdRunDoesNotResetBudget(t *testing.T) {
	// The budget forgives runs strictly longer than the threshold. A run
	// lasting exactly the threshold keeps counting, so the third crash is
	// attempt 2 with a doubled delay.
	runner := &scriptedRunner{script: []RunResult{
		run(1, 3*time.Second),
		run(1, 60*time.Second),
		run(0, 2*time.Second),
	}}
	notifier := &recordingNotifier{}
	s, delays := newTestSupervisor(runner, notifier)

	res := s.Run(context.Background())

	if res.State != StateTerminalSuccess {
		t.Fatalf("got state=%v, want terminal_success", res.State)
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("slept %d times, want %d: %v", len(*delays), len(want), *delays)
	}
	for i, d := range *delays {
		if d != want[i] {
			t.Errorf("delay[%d] = %s, want %s", i, d, want[i])
		}
	}
	if !strings.Contains(notifier.messages[1], "attempt 2/") {
		t.Errorf("exact-threshold run reset the budget: %q", notifier.messages[1])
	}
}

// cancellingRunner simulates an operator shutdown arriving mid-run: the
// context is cancelled and the worker dies from the forwarded signal.
type cancellingRunner struct {
	cancel context.CancelFunc
	calls  int
}

func (r *cancellingRunner) Run(ctx context.Context) (RunResult, error) {
	r.calls++
	r.cancel()
	return run(-1, 2*time.Second), nil
}

func TestShutdownDuringRunEndsQuietly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &cancellingRunner{cancel: cancel}
	notifier := &recordingNotifier{}
	s, delays := newTestSupervisor(runner, notifier)

	res := s.Run(ctx)

	if res.State != StateTerminalSuccess || res.ExitCode != 0 {
		t.Fatalf("got state=%v exit=%d, want terminal_success exit 0", res.State, res.ExitCode)
	}
	if runner.calls != 1 {
		t.Errorf("worker relaunched after shutdown, calls=%d", runner.calls)
	}
	if len(notifier.messages) != 0 {
		t.Errorf("sent %d notifications during shutdown, want 0: %v",
			len(notifier.messages), notifier.messages)
	}
	if len(*delays) != 0 {
		t.Errorf("slept during shutdown, delays=%v", *delays)
	}
}

func TestInterruptedBackoffEndsLoop(t *testing.T) {
	runner := &scriptedRunner{script: []RunResult{run(1, 3*time.Second)}}
	s := New(testPolicy(), runner, testLogger(), nil, nil)
	s.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	res := s.Run(context.Background())

	if res.State != StateTerminalSuccess || res.ExitCode != 0 {
		t.Fatalf("got state=%v exit=%d, want terminal_success exit 0", res.State, res.ExitCode)
	}
	if runner.calls != 1 {
		t.Errorf("worker relaunched after interrupted backoff, calls=%d", runner.calls)
	}
}

func TestClassifyVerdictTable(t *testing.T) {
	c := NewClassifier([]int{78, 64})

	tests := []struct {
		code int
		want Classification
	}{
		{0, Success},
		{130, GracefulStop},
		{143, GracefulStop},
		{78, Fatal},
		{64, Fatal},
		{1, RestartEligible},
		{2, RestartEligible},
		{137, RestartEligible},
		{255, RestartEligible},
		{-1, RestartEligible},
	}
	for _, tt := range tests {
		if got := c.Classify(tt.code); got != tt.want {
			t.Errorf("Classify(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestFatalSetNeverShadowsCleanOrGracefulExits(t *testing.T) {
	// An operator listing 0 or 143 as fatal must not turn clean exits fatal.
	c := NewClassifier([]int{0, 143})
	if got := c.Classify(0); got != Success {
		t.Errorf("Classify(0) = %v, want success", got)
	}
	if got := c.Classify(143); got != GracefulStop {
		t.Errorf("Classify(143) = %v, want graceful_stop", got)
	}
}
