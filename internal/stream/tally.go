package stream

// Tokens is a pair of running token counters.
type Tokens struct {
	Input  int
	Output int
}

// Tally folds stream elements into token counts. Implementations are not safe for
// concurrent use; an Accumulator drives its tally from one goroutine.
type Tally[E any] interface {
	Observe(elem E)
	// Usage returns the counters and whether any element carried usage at all.
	Usage() (Tokens, bool)
}

// TrailingSummary is the tally for providers that attach a complete usage summary to
// one (usually the final) element. The last element carrying usage wins; nothing is summed.
func TrailingSummary[E any](usageOf func(E) (Tokens, bool)) Tally[E] {
	return &trailingSummary[E]{usageOf: usageOf}
}

type trailingSummary[E any] struct {
	usageOf func(E) (Tokens, bool)
	tokens  Tokens
	seen    bool
}

func (t *trailingSummary[E]) Observe(elem E) {
	if u, ok := t.usageOf(elem); ok {
		t.tokens = u
		t.seen = true
	}
}

func (t *trailingSummary[E]) Usage() (Tokens, bool) {
	return t.tokens, t.seen
}

// Phase classifies an element of a typed event stream.
type Phase int

const (
	PhaseOther Phase = iota
	// PhaseStart carries the input token count.
	PhaseStart
	// PhaseProgress carries the latest cumulative output token count.
	PhaseProgress
	// PhaseStop ends accounting; later elements are ignored.
	PhaseStop
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseProgress:
		return "progress"
	case PhaseStop:
		return "stop"
	default:
		return "other"
	}
}

// TypedEvents is the tally for providers that spread usage across typed events: the start
// event reports input tokens and progress events report cumulative output tokens.
// phaseOf returns the element's phase and the count it carries, with ok=false when the
// element carries no usage.
func TypedEvents[E any](phaseOf func(E) (phase Phase, count int, ok bool)) Tally[E] {
	return &typedEvents[E]{phaseOf: phaseOf}
}

type typedEvents[E any] struct {
	phaseOf func(E) (Phase, int, bool)
	tokens  Tokens
	seen    bool
	stopped bool
}

func (t *typedEvents[E]) Observe(elem E) {
	if t.stopped {
		return
	}
	phase, count, ok := t.phaseOf(elem)
	switch phase {
	case PhaseStart:
		if ok {
			t.tokens.Input = count
			t.seen = true
		}
	case PhaseProgress:
		if ok {
			t.tokens.Output = count
			t.seen = true
		}
	case PhaseStop:
		t.stopped = true
	}
}

func (t *typedEvents[E]) Usage() (Tokens, bool) {
	return t.tokens, t.seen
}
