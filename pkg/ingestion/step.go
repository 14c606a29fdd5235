package ingestion

const (
	// DefaultStep is the initial backfill window width in blocks.
	DefaultStep int64 = 1_000_000
	// MinStep is the floor a rate-limited window collapses to instead of 0.
	MinStep int64 = 1000
	// HeadTolerance is how far the cached head may lag before a clamped window re-queries it.
	HeadTolerance int64 = 10
	// MaxStep caps window growth so repeated doubling can never overflow.
	MaxStep int64 = 1 << 40
)

// Density tiers for NextStep, by number of logs in the last successful window.
const (
	sparseLogs = 100
	mediumLogs = 1000
	denseLogs  = 5000
)

// NextStep grows the window after a successful query that returned n logs.
// The result saturates at MaxStep.
func NextStep(step int64, n int) int64 {
	switch {
	case n <= sparseLogs:
		return grow(step, step)
	case n <= mediumLogs:
		return grow(step, step/2)
	case n <= denseLogs:
		return grow(step, step/4)
	default:
		return min(step, MaxStep)
	}
}

func grow(step, by int64) int64 {
	if step >= MaxStep || by > MaxStep-step {
		return MaxStep
	}
	return step + by
}

// ShrinkStep reduces the window after the provider refused it.
func ShrinkStep(step int64) int64 {
	if s := step / 3; s > 0 {
		return s
	}
	return MinStep
}

// Window is one inclusive [From, To] range queried in a single request.
type Window struct {
	From int64
	To   int64
}

// NextWindow returns the window starting at from with the given step, clamped to head.
// clamped reports whether head cut the window short.
func NextWindow(from, step, head int64) (w Window, clamped bool) {
	to := from + step
	if to > head {
		return Window{From: from, To: max(head, from)}, true
	}
	return Window{From: from, To: to}, false
}
