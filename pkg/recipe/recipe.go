package recipe

import (
	"fmt"
)

// Recipe is an immutable ordered list of steps.
type Recipe struct {
	steps []Step
}

// New returns a recipe holding a copy of steps.
func New(steps ...Step) Recipe {
	return Recipe{steps: append([]Step(nil), steps...)}
}

// Len returns the number of steps.
func (r Recipe) Len() int { return len(r.steps) }

// Step returns the step at index i.
func (r Recipe) Step(i int) Step { return r.steps[i] }

// Steps returns a copy of the steps.
func (r Recipe) Steps() []Step {
	return append([]Step(nil), r.steps...)
}

// With returns a recipe with step i replaced.
func (r Recipe) With(i int, s Step) (Recipe, error) {
	if i < 0 || i >= len(r.steps) {
		return r, fmt.Errorf("step index %d out of range [0,%d)", i, len(r.steps))
	}
	steps := r.Steps()
	steps[i] = s
	return Recipe{steps: steps}, nil
}

// Insert returns a recipe with s inserted before index i. i == Len appends.
func (r Recipe) Insert(i int, s Step) (Recipe, error) {
	if i < 0 || i > len(r.steps) {
		return r, fmt.Errorf("insert index %d out of range [0,%d]", i, len(r.steps))
	}
	steps := make([]Step, 0, len(r.steps)+1)
	steps = append(steps, r.steps[:i]...)
	steps = append(steps, s)
	steps = append(steps, r.steps[i:]...)
	return Recipe{steps: steps}, nil
}

// Remove returns a recipe without step i.
func (r Recipe) Remove(i int) (Recipe, error) {
	if i < 0 || i >= len(r.steps) {
		return r, fmt.Errorf("step index %d out of range [0,%d)", i, len(r.steps))
	}
	steps := make([]Step, 0, len(r.steps)-1)
	steps = append(steps, r.steps[:i]...)
	steps = append(steps, r.steps[i+1:]...)
	return Recipe{steps: steps}, nil
}

// Equal compares two recipes step by step.
func (r Recipe) Equal(o Recipe) bool {
	if len(r.steps) != len(o.steps) {
		return false
	}
	for i := range r.steps {
		if !r.steps[i].Equal(o.steps[i]) {
			return false
		}
	}
	return true
}
