// Package timing computes step start times and the total duration of a
// recipe with nested repeat blocks, and checks that the blocks are well formed.
package timing

import (
	"fmt"
	"math"
	"time"

	herrors "mbe-recipe-host/pkg/errors"
	"mbe-recipe-host/pkg/recipe"
	"mbe-recipe-host/pkg/schema"
)

// MaxNestingDepth is the number of loop counters in the PLC.
const MaxNestingDepth = 3

// LoopMetadata describes one repeat block after analysis.
type LoopMetadata struct {
	StartIndex        int
	EndIndex          int
	NestingDepth      int // 1 for an outermost loop
	IterationDuration time.Duration
	IterationCount    int
}

// TotalDuration is the time spent in all iterations of the loop.
func (l LoopMetadata) TotalDuration() time.Duration {
	d, _ := mulSat(l.IterationDuration, l.IterationCount)
	return d
}

// Contains reports whether index lies strictly inside the loop.
func (l LoopMetadata) Contains(index int) bool {
	return index > l.StartIndex && index < l.EndIndex
}

// Warning is a recoverable problem found during analysis.
type Warning struct {
	Index  int
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("step %d: %s", w.Index, w.Reason)
}

// Result holds the timing facts of one recipe.
type Result struct {
	Total time.Duration

	// StepStart holds the start time of every physical step in its first
	// iteration.
	StepStart map[int]time.Duration

	// LoopsByStart is keyed by the index of the loop's For step.
	LoopsByStart map[int]LoopMetadata

	// EnclosingLoops lists the loops around a step, innermost first.
	EnclosingLoops map[int][]LoopMetadata

	Warnings []Warning
}

// StartOf returns the start time of step i.
func (r *Result) StartOf(i int) (time.Duration, bool) {
	d, ok := r.StepStart[i]
	return d, ok
}

// LoopAt returns the loop opened by step i.
func (r *Result) LoopAt(i int) (LoopMetadata, bool) {
	l, ok := r.LoopsByStart[i]
	return l, ok
}

// Enclosing returns the loops around step i, innermost first.
func (r *Result) Enclosing(i int) []LoopMetadata {
	return r.EnclosingLoops[i]
}

// HasWarnings reports whether the analysis produced warnings.
func (r *Result) HasWarnings() bool {
	return len(r.Warnings) > 0
}

type loopFrame struct {
	startIndex int
	iterations int
	bodyStart  time.Duration
}

// Analyze walks the recipe once. Loop bodies are scanned a single time; the
// remaining iterations are added when the loop closes.
func Analyze(r recipe.Recipe) (*Result, error) {
	res := &Result{
		StepStart:      make(map[int]time.Duration, r.Len()),
		LoopsByStart:   make(map[int]LoopMetadata),
		EnclosingLoops: make(map[int][]LoopMetadata),
	}

	var elapsed time.Duration
	var stack []loopFrame
	var closed []LoopMetadata

	for i := 0; i < r.Len(); i++ {
		step := r.Step(i)
		res.StepStart[i] = elapsed

		switch step.Loop() {
		case schema.LoopStart:
			if len(stack) >= MaxNestingDepth {
				return nil, herrors.LoopDepthError(i, MaxNestingDepth)
			}
			stack = append(stack, loopFrame{
				startIndex: i,
				iterations: iterationCount(step),
				bodyStart:  elapsed,
			})

		case schema.LoopEnd:
			if len(stack) == 0 {
				return nil, herrors.UnmatchedEndForError(i)
			}
			frame := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			iter := elapsed - frame.bodyStart
			if iter < 0 {
				iter = 0
			}
			loop := LoopMetadata{
				StartIndex:        frame.startIndex,
				EndIndex:          i,
				NestingDepth:      len(stack) + 1,
				IterationDuration: iter,
				IterationCount:    frame.iterations,
			}
			res.LoopsByStart[frame.startIndex] = loop
			closed = append(closed, loop)
			before := elapsed
			rest, overMul := mulSat(iter, frame.iterations-1)
			var overAdd bool
			elapsed, overAdd = addSat(elapsed, rest)
			if (overMul || overAdd) && before < maxDuration {
				res.Warnings = append(res.Warnings, Warning{Index: i,
					Reason: fmt.Sprintf("%d iterations overflow the recipe time, total saturated", frame.iterations)})
			}

		default:
			d, warn := stepDuration(step)
			if warn != "" {
				res.Warnings = append(res.Warnings, Warning{Index: i, Reason: warn})
			}
			before := elapsed
			var over bool
			if elapsed, over = addSat(elapsed, d); over && before < maxDuration && warn == "" {
				res.Warnings = append(res.Warnings, Warning{Index: i, Reason: "recipe time overflows, total saturated"})
			}
		}
	}

	if len(stack) > 0 {
		return nil, herrors.UnmatchedForError(stack[len(stack)-1].startIndex)
	}

	// Enclosing lists stay ordered innermost first.
	for _, loop := range closed {
		for j := loop.StartIndex + 1; j < loop.EndIndex; j++ {
			res.EnclosingLoops[j] = insertByDepth(res.EnclosingLoops[j], loop)
		}
	}

	res.Total = elapsed
	return res, nil
}

func insertByDepth(loops []LoopMetadata, l LoopMetadata) []LoopMetadata {
	pos := len(loops)
	for k, existing := range loops {
		if l.NestingDepth > existing.NestingDepth {
			pos = k
			break
		}
	}
	loops = append(loops, LoopMetadata{})
	copy(loops[pos+1:], loops[pos:])
	loops[pos] = l
	return loops
}

// iterationCount reads the Task value of a For step. Missing or < 1 means 1.
func iterationCount(step recipe.Step) int {
	p, ok := step.Get(schema.TaskKey)
	if !ok {
		return 1
	}
	n := int(math.Floor(p.Seconds()))
	if n < 1 {
		return 1
	}
	return n
}

// stepDuration returns the wall-clock contribution of an ordinary step. A
// negative duration counts as zero and produces a warning.
func stepDuration(step recipe.Step) (time.Duration, string) {
	if step.Deploy() != schema.LongLasting {
		return 0, ""
	}
	p, ok := step.Get(schema.StepDurationKey)
	if !ok {
		return 0, ""
	}
	secs := p.Seconds()
	if secs < 0 {
		return 0, fmt.Sprintf("negative step duration %gs treated as 0", secs)
	}
	ns := secs * float64(time.Second)
	if ns >= math.MaxInt64 {
		return maxDuration, fmt.Sprintf("step duration %gs saturated", secs)
	}
	return time.Duration(ns), ""
}

// maxDuration is where recipe time saturates instead of wrapping.
const maxDuration = time.Duration(math.MaxInt64)

func addSat(a, b time.Duration) (time.Duration, bool) {
	if b > 0 && a > maxDuration-b {
		return maxDuration, true
	}
	return a + b, false
}

func mulSat(d time.Duration, n int) (time.Duration, bool) {
	if d <= 0 || n <= 0 {
		return 0, false
	}
	if d > maxDuration/time.Duration(n) {
		return maxDuration, true
	}
	return d * time.Duration(n), false
}

// ValidateLoops checks loop structure without computing times. It returns the
// nesting depth of every step: 0 at top level, and For/EndFor rows carry the
// depth of the loop they bracket.
func ValidateLoops(r recipe.Recipe) (map[int]int, error) {
	depths := make(map[int]int, r.Len())
	var stack []int

	for i := 0; i < r.Len(); i++ {
		switch r.Step(i).Loop() {
		case schema.LoopStart:
			if len(stack) >= MaxNestingDepth {
				return nil, herrors.LoopDepthError(i, MaxNestingDepth)
			}
			stack = append(stack, i)
			depths[i] = len(stack)
		case schema.LoopEnd:
			if len(stack) == 0 {
				return nil, herrors.UnmatchedEndForError(i)
			}
			depths[i] = len(stack)
			stack = stack[:len(stack)-1]
		default:
			depths[i] = len(stack)
		}
	}

	if len(stack) > 0 {
		return nil, herrors.UnmatchedForError(stack[len(stack)-1])
	}
	return depths, nil
}
