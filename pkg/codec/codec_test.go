package codec

import (
	"math/rand"
	"testing"

	herrors "mbe-recipe-host/pkg/errors"
	"mbe-recipe-host/pkg/recipe"
	"mbe-recipe-host/pkg/schema"
	"mbe-recipe-host/pkg/schema/schematest"
)

func TestFloatRegisters(t *testing.T) {
	tests := []struct {
		f     float32
		order WordOrder
		want  [2]uint16
	}{
		{1.0, HighWordFirst, [2]uint16{0x3F80, 0x0000}},
		{1.0, LowWordFirst, [2]uint16{0x0000, 0x3F80}},
		{-2.5, HighWordFirst, [2]uint16{0xC020, 0x0000}},
		{123.456, HighWordFirst, [2]uint16{0x42F6, 0xE979}},
		{123.456, LowWordFirst, [2]uint16{0xE979, 0x42F6}},
	}
	for _, tt := range tests {
		got := FloatToRegisters(tt.f, tt.order)
		if got != tt.want {
			t.Errorf("FloatToRegisters(%v, %v) = %04X, want %04X", tt.f, tt.order, got, tt.want)
		}
		if back := RegistersToFloat(got, tt.order); back != tt.f {
			t.Errorf("RegistersToFloat(%04X, %v) = %v, want %v", got, tt.order, back, tt.f)
		}
	}
}

func TestParseWordOrder(t *testing.T) {
	if o, err := ParseWordOrder("LOW_FIRST"); err != nil || o != LowWordFirst {
		t.Fatalf("ParseWordOrder(LOW_FIRST) = %v, %v", o, err)
	}
	if _, err := ParseWordOrder("middle"); err == nil {
		t.Fatal("expected error")
	}
}

func build(t *testing.T, reg *schema.Registry, action int16, set func(b *recipe.Builder) error) recipe.Step {
	t.Helper()
	b, err := recipe.NewBuilder(reg, action)
	if err != nil {
		t.Fatal(err)
	}
	if set != nil {
		if err := set(b); err != nil {
			t.Fatal(err)
		}
	}
	return b.Build()
}

func TestEncodeLayout(t *testing.T) {
	reg := schematest.Registry()
	steps := []recipe.Step{
		build(t, reg, schematest.Ramp, func(b *recipe.Builder) error {
			if err := b.SetInt("target", 2); err != nil {
				return err
			}
			if err := b.SetFloat("setpoint", 1.0); err != nil {
				return err
			}
			return b.SetFloat(schema.StepDurationKey, -2.5)
		}),
		build(t, reg, schematest.For, func(b *recipe.Builder) error {
			return b.SetInt(schema.TaskKey, 9)
		}),
	}

	ints, floats := Encode(steps, reg, HighWordFirst)
	wantInts := []uint16{uint16(schematest.Ramp), 0, 2, uint16(schematest.For), 9, 0}
	if len(ints) != len(wantInts) {
		t.Fatalf("ints = %v", ints)
	}
	for i := range wantInts {
		if ints[i] != wantInts[i] {
			t.Fatalf("ints = %v, want %v", ints, wantInts)
		}
	}

	if len(floats) != 2*3*2 {
		t.Fatalf("len(floats) = %d", len(floats))
	}
	// row 0: step_duration@0, setpoint@1, ramp_rate@2 (default 1.0)
	wantRow0 := []uint16{0xC020, 0, 0x3F80, 0, 0x3F80, 0}
	for i := range wantRow0 {
		if floats[i] != wantRow0[i] {
			t.Fatalf("float row 0 = %04X, want %04X", floats[:6], wantRow0)
		}
	}
	for i, v := range floats[6:] {
		if v != 0 {
			t.Fatalf("float row 1 register %d = %04X, want 0", i, v)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	reg := schematest.Registry()
	rng := rand.New(rand.NewSource(42))

	for _, order := range []WordOrder{HighWordFirst, LowWordFirst} {
		var steps []recipe.Step
		for i := 0; i < 50; i++ {
			switch rng.Intn(5) {
			case 0:
				steps = append(steps, build(t, reg, schematest.Wait, func(b *recipe.Builder) error {
					if err := b.SetText("comment", "hold"); err != nil {
						return err
					}
					return b.SetFloat(schema.StepDurationKey, rng.Float32()*1000)
				}))
			case 1:
				steps = append(steps, build(t, reg, schematest.Open, func(b *recipe.Builder) error {
					return b.SetInt("target", int16(rng.Intn(3)))
				}))
			case 2:
				steps = append(steps, build(t, reg, schematest.Ramp, func(b *recipe.Builder) error {
					if err := b.SetFloat("setpoint", rng.Float32()*1500); err != nil {
						return err
					}
					if err := b.SetFloat("ramp_rate", 0.01+rng.Float32()*99); err != nil {
						return err
					}
					return b.SetInt("target", 1)
				}))
			case 3:
				steps = append(steps, build(t, reg, schematest.For, func(b *recipe.Builder) error {
					return b.SetInt(schema.TaskKey, int16(rng.Intn(10000)))
				}))
			default:
				steps = append(steps, build(t, reg, schematest.EndFor, nil))
			}
		}

		ints, floats := Encode(steps, reg, order)
		decoded, err := Decode(ints, floats, len(steps), reg, order)
		if err != nil {
			t.Fatalf("%v: Decode: %v", order, err)
		}
		if len(decoded) != len(steps) {
			t.Fatalf("%v: decoded %d steps, want %d", order, len(decoded), len(steps))
		}
		for i := range steps {
			if !decoded[i].Equal(steps[i].Mapped(reg)) {
				t.Fatalf("%v: row %d: decoded %v, want %v", order, i, decoded[i].Keys(), steps[i].Keys())
			}
			if _, ok := decoded[i].Get("comment"); ok {
				t.Fatalf("%v: row %d: unmapped comment present after decode", order, i)
			}
		}
	}
}

func TestDecodeIgnoresInapplicableRegisters(t *testing.T) {
	reg := schematest.Registry()
	// One Open row whose task register and float area hold leftovers.
	ints := []uint16{uint16(schematest.Open), 777, 1}
	floats := []uint16{0x4120, 0, 0x4120, 0, 0x4120, 0}

	steps, err := Decode(ints, floats, 1, reg, HighWordFirst)
	if err != nil {
		t.Fatal(err)
	}
	s := steps[0]
	if _, ok := s.Get(schema.TaskKey); ok {
		t.Fatal("task present on an Open step")
	}
	if _, ok := s.Get(schema.StepDurationKey); ok {
		t.Fatal("step_duration present on an Open step")
	}
	if p, _ := s.Get("target"); p.Int() != 1 {
		t.Fatalf("target = %d", p.Int())
	}
	if _, ok := s.Get("comment"); ok {
		t.Fatal("unmapped column present")
	}
}

func TestDecodeZeroesToDefaults(t *testing.T) {
	reg := schematest.Registry()

	ints := []uint16{uint16(schematest.Ramp), 0, 0}
	steps, err := Decode(ints, nil, 2, reg, HighWordFirst)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d", len(steps))
	}

	ramp := steps[0]
	if p, _ := ramp.Get("ramp_rate"); p.Float() != 1 {
		t.Errorf("ramp_rate = %v, want default 1", p.Float())
	}
	if p, _ := ramp.Get("setpoint"); p.Float() != 0 {
		t.Errorf("setpoint = %v", p.Float())
	}

	// Row 1 lies past the end of both arrays and decodes as action 0.
	if steps[1].ActionID() != schematest.Wait {
		t.Errorf("row 1 action = %d", steps[1].ActionID())
	}
	if p, _ := steps[1].Get(schema.StepDurationKey); p.Float() != 0 {
		t.Errorf("row 1 duration = %v", p.Float())
	}
}

func TestDecodeInvalidValue(t *testing.T) {
	reg := schematest.Registry()

	_, err := Decode([]uint16{uint16(schematest.Open), 0, 9}, nil, 1, reg, HighWordFirst)
	if !herrors.Is(err, herrors.ErrValidation) {
		t.Fatalf("error = %v, want VALIDATION", err)
	}
	he := err.(*herrors.HostError)
	if row, _ := he.ContextInt("row"); row != 0 || he.Option != "target" {
		t.Fatalf("context = %v option = %q", he.Context, he.Option)
	}

	_, err = Decode([]uint16{0, 0, 0, 55, 0, 0}, nil, 2, reg, HighWordFirst)
	if !herrors.Is(err, herrors.ErrValidation) {
		t.Fatalf("unknown action error = %v", err)
	}
	if row, _ := err.(*herrors.HostError).ContextInt("row"); row != 1 {
		t.Fatalf("row = %d", row)
	}
}
