package recipe_test

import (
	"testing"

	herrors "mbe-recipe-host/pkg/errors"
	"mbe-recipe-host/pkg/recipe"
	"mbe-recipe-host/pkg/schema"
	"mbe-recipe-host/pkg/schema/schematest"
)

func TestBuilderDefaults(t *testing.T) {
	reg := schematest.Registry()

	b, err := recipe.NewBuilder(reg, schematest.Ramp)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	step := b.Build()

	if step.ActionID() != schematest.Ramp || step.Deploy() != schema.LongLasting {
		t.Fatalf("step action = %d deploy = %v", step.ActionID(), step.Deploy())
	}
	want := []schema.ColumnKey{"action", "ramp_rate", "setpoint", "step_duration", "target"}
	keys := step.Keys()
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}

	rate, _ := step.Get("ramp_rate")
	if rate.Float() != 1 {
		t.Errorf("ramp_rate default = %v, want 1", rate.Float())
	}
	if _, ok := step.Get(schema.TaskKey); ok {
		t.Error("ramp step must not carry task")
	}
}

func TestBuilderRejectsUnsupportedColumn(t *testing.T) {
	reg := schematest.Registry()
	b, _ := recipe.NewBuilder(reg, schematest.Open)

	err := b.SetInt(schema.TaskKey, 3)
	if !herrors.Is(err, herrors.ErrValidation) {
		t.Fatalf("SetInt(task) error = %v, want VALIDATION", err)
	}
	if err := b.SetInt("target", 2); err != nil {
		t.Fatalf("SetInt(target): %v", err)
	}
	if err := b.SetInt("target", 9); !herrors.Is(err, herrors.ErrValidation) {
		t.Fatalf("SetInt(target, 9) error = %v", err)
	}
	target, _ := b.Build().Get("target")
	if target.Int() != 2 || target.String() != "As" {
		t.Fatalf("target = %d (%s)", target.Int(), target)
	}
}

func TestBuilderUnknownAction(t *testing.T) {
	if _, err := recipe.NewBuilder(schematest.Registry(), 99); !herrors.Is(err, herrors.ErrValidation) {
		t.Fatalf("error = %v", err)
	}
}

func TestSetFloatOnIntegerColumn(t *testing.T) {
	b, _ := recipe.NewBuilder(schematest.Registry(), schematest.For)
	if err := b.SetFloat(schema.TaskKey, 2.5); err == nil {
		t.Fatal("fractional task accepted")
	}
	if err := b.SetFloat(schema.TaskKey, 12); err != nil {
		t.Fatalf("SetFloat(12): %v", err)
	}
	task, _ := b.Build().Get(schema.TaskKey)
	if task.Int() != 12 {
		t.Fatalf("task = %d", task.Int())
	}
}

func TestPropertyIsImmutable(t *testing.T) {
	reg := schematest.Registry()
	col, _ := reg.Column("setpoint")

	p, err := recipe.NewFloat(col, 500)
	if err != nil {
		t.Fatal(err)
	}
	q, err := p.WithFloat(650)
	if err != nil {
		t.Fatal(err)
	}
	if p.Float() != 500 || q.Float() != 650 {
		t.Fatalf("p = %v q = %v", p.Float(), q.Float())
	}
	if _, err := p.WithFloat(-1); !herrors.Is(err, herrors.ErrValidation) {
		t.Fatalf("negative setpoint error = %v", err)
	}
}

func TestRecipeEditing(t *testing.T) {
	reg := schematest.Registry()
	mk := func(id int16) recipe.Step {
		b, err := recipe.NewBuilder(reg, id)
		if err != nil {
			t.Fatal(err)
		}
		return b.Build()
	}

	r := recipe.New(mk(schematest.Wait), mk(schematest.Open))
	r2, err := r.Insert(1, mk(schematest.Close))
	if err != nil {
		t.Fatal(err)
	}
	if r.Len() != 2 || r2.Len() != 3 || r2.Step(1).ActionID() != schematest.Close {
		t.Fatalf("insert: r=%d r2=%d", r.Len(), r2.Len())
	}

	r3, err := r2.Remove(0)
	if err != nil {
		t.Fatal(err)
	}
	if r3.Step(0).ActionID() != schematest.Close || r2.Step(0).ActionID() != schematest.Wait {
		t.Fatal("remove changed the original recipe")
	}

	if _, err := r3.With(5, mk(schematest.Wait)); err == nil {
		t.Fatal("With out of range succeeded")
	}

	steps := r3.Steps()
	steps[0] = mk(schematest.Wait)
	if r3.Step(0).ActionID() != schematest.Close {
		t.Fatal("Steps returned shared storage")
	}
}

func TestStepWith(t *testing.T) {
	reg := schematest.Registry()
	b, _ := recipe.NewBuilder(reg, schematest.Wait)
	step := b.Build()

	durCol, _ := reg.Column(schema.StepDurationKey)
	d, _ := recipe.NewFloat(durCol, 30)
	step2, err := step.With(d)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := step2.Get(schema.StepDurationKey); got.Seconds() != 30 {
		t.Fatalf("duration = %v", got.Seconds())
	}
	if got, _ := step.Get(schema.StepDurationKey); got.Seconds() != 0 {
		t.Fatal("With modified the original step")
	}
	if step.Equal(step2) {
		t.Fatal("steps with different durations compare equal")
	}

	taskCol, _ := reg.Column(schema.TaskKey)
	task, _ := recipe.NewInt(taskCol, 2)
	if _, err := step.With(task); err == nil {
		t.Fatal("With accepted unsupported column")
	}
}

func TestStepMapped(t *testing.T) {
	reg := schematest.Registry()
	b, _ := recipe.NewBuilder(reg, schematest.Wait)
	if err := b.SetText("comment", "hold"); err != nil {
		t.Fatal(err)
	}
	step := b.Build()

	m := step.Mapped(reg)
	keys := m.Keys()
	if len(keys) != 2 || keys[0] != schema.ActionKey || keys[1] != schema.StepDurationKey {
		t.Fatalf("mapped keys = %v", keys)
	}
	if _, ok := step.Get("comment"); !ok {
		t.Error("Mapped modified the original step")
	}
	if m.Equal(step) {
		t.Error("mapped step still equals a step with a comment")
	}
}
