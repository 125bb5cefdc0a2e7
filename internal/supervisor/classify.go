package supervisor

import "fmt"

// Classification is the restart-policy verdict for one worker exit.
type Classification int

const (
	// Success: clean exit 0, the worker finished its job.
	Success Classification = iota
	// GracefulStop: the worker was told to stop (SIGINT/SIGTERM) and obeyed.
	GracefulStop
	// Fatal: exit codes the operator declared unrecoverable. Restarting
	// would fail the same way, so the loop must stop.
	Fatal
	// RestartEligible: anything else. The worker died, a restart may help.
	RestartEligible
)

func (c Classification) String() string {
	switch c {
	case Success:
		return "success"
	case GracefulStop:
		return "graceful_stop"
	case Fatal:
		return "fatal"
	case RestartEligible:
		return "restart_eligible"
	default:
		return fmt.Sprintf("classification(%d)", int(c))
	}
}

// 128+SIGINT and 128+SIGTERM, the shell convention for signal deaths.
const (
	exitSigint  = 130
	exitSigterm = 143
)

// Classifier maps worker exit codes to a verdict. The fatal set is
// operator-configured; everything not matched is restart eligible.
type Classifier struct {
	fatal map[int]bool
}

// NewClassifier builds a Classifier from the configured fatal exit codes.
func NewClassifier(fatalCodes []int) *Classifier {
	fatal := make(map[int]bool, len(fatalCodes))
	for _, code := range fatalCodes {
		fatal[code] = true
	}
	return &Classifier{fatal: fatal}
}

// Classify applies the verdict table in order: clean exit, graceful stop,
// operator-declared fatal, then the restart-eligible catch-all. A fatal
// code wins over the signal convention only when it is not 0/130/143.
func (c *Classifier) Classify(exitCode int) Classification {
	switch exitCode {
	case 0:
		return Success
	case exitSigint, exitSigterm:
		return GracefulStop
	}
	if c.fatal[exitCode] {
		return Fatal
	}
	return RestartEligible
}
