// Package recipefile reads and writes recipes as TOML documents so they can
// be edited offline and sent to the PLC later.
//
// A file holds an optional [recipe] header and one [[step]] table per row:
//
//	[recipe]
//	name = "GaAs buffer"
//
//	[[step]]
//	action = "Ramp"
//	target = "Ga"
//	setpoint = 600.0
//	ramp_rate = 2.5
//	step_duration = 20.0
//
// Actions and enum values may be given by name or by numeric id.
package recipefile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	herrors "mbe-recipe-host/pkg/errors"
	"mbe-recipe-host/pkg/recipe"
	"mbe-recipe-host/pkg/schema"
)

// Header is the [recipe] table.
type Header struct {
	Name    string `toml:"name,omitempty"`
	Comment string `toml:"comment,omitempty"`
}

type document struct {
	Recipe Header           `toml:"recipe"`
	Steps  []map[string]any `toml:"step"`
}

// Load reads a recipe file from disk.
func Load(path string, reg *schema.Registry) (recipe.Recipe, Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return recipe.Recipe{}, Header{}, herrors.Wrap(err, herrors.ErrValidation, "cannot open recipe file")
	}
	defer f.Close()
	return Read(f, reg)
}

// Read decodes a recipe document and builds every step against reg.
func Read(r io.Reader, reg *schema.Registry) (recipe.Recipe, Header, error) {
	var doc document
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return recipe.Recipe{}, Header{}, syntaxError(err)
	}

	steps := make([]recipe.Step, 0, len(doc.Steps))
	for i, table := range doc.Steps {
		s, err := buildStep(reg, table)
		if err != nil {
			return recipe.Recipe{}, Header{}, stepError(err, i)
		}
		steps = append(steps, s)
	}
	return recipe.New(steps...), doc.Recipe, nil
}

func syntaxError(err error) error {
	he := herrors.Wrap(err, herrors.ErrValidation, "malformed recipe file")
	var derr *toml.DecodeError
	if errors.As(err, &derr) {
		row, col := derr.Position()
		he.SetContext("line", row).SetContext("column", col)
	}
	var serr *toml.StrictMissingError
	if errors.As(err, &serr) {
		he.Message = "unknown table in recipe file"
	}
	return he
}

func stepError(err error, index int) error {
	var he *herrors.HostError
	if errors.As(err, &he) {
		return he.SetContext("step", index)
	}
	return herrors.Wrap(err, herrors.ErrValidation, "invalid step").SetContext("step", index)
}

func buildStep(reg *schema.Registry, table map[string]any) (recipe.Step, error) {
	raw, ok := table[string(schema.ActionKey)]
	if !ok {
		return recipe.Step{}, herrors.ValidationError(string(schema.ActionKey), "missing")
	}
	id, err := actionID(reg, raw)
	if err != nil {
		return recipe.Step{}, err
	}
	b, err := recipe.NewBuilder(reg, id)
	if err != nil {
		return recipe.Step{}, err
	}

	for key, v := range table {
		if key == string(schema.ActionKey) {
			continue
		}
		col, ok := reg.Column(schema.ColumnKey(key))
		if !ok {
			return recipe.Step{}, herrors.ValidationError(key, "unknown column")
		}
		if err := setValue(b, col, v); err != nil {
			return recipe.Step{}, err
		}
	}
	return b.Build(), nil
}

func actionID(reg *schema.Registry, v any) (int16, error) {
	switch x := v.(type) {
	case string:
		a, ok := reg.ActionByName(x)
		if !ok {
			return 0, herrors.ValidationError(string(schema.ActionKey), fmt.Sprintf("unknown action %q", x))
		}
		return a.ID, nil
	case int64:
		if x < math.MinInt16 || x > math.MaxInt16 {
			return 0, herrors.ValidationError(string(schema.ActionKey), fmt.Sprintf("action id %d out of range", x))
		}
		return int16(x), nil
	}
	return 0, herrors.ValidationError(string(schema.ActionKey), fmt.Sprintf("unexpected %T", v))
}

func setValue(b *recipe.Builder, col *schema.Column, v any) error {
	key := col.Key
	switch x := v.(type) {
	case string:
		switch col.Type.Kind {
		case schema.KindText:
			return b.SetText(key, x)
		case schema.KindEnum:
			for _, ev := range col.Type.Values {
				if strings.EqualFold(ev.Name, x) {
					return b.SetInt(key, ev.ID)
				}
			}
			return herrors.ValidationError(string(key), fmt.Sprintf("%q is not a valid choice", x))
		}
	case int64:
		if col.Type.Kind != schema.KindText {
			if x < math.MinInt16 || x > math.MaxInt16 {
				return herrors.ValidationError(string(key), fmt.Sprintf("%d is not a 16-bit integer", x))
			}
			return b.SetInt(key, int16(x))
		}
	case float64:
		if col.Type.Kind != schema.KindText {
			return b.SetFloat(key, float32(x))
		}
	}
	return herrors.ValidationError(string(key), fmt.Sprintf("%T does not fit a %s column", v, col.Type.Kind))
}

// Save writes a recipe file to disk.
func Save(path string, reg *schema.Registry, r recipe.Recipe, h Header) error {
	var buf bytes.Buffer
	if err := Write(&buf, reg, r, h); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Write encodes r. Enum values are written by name, floats with the
// shortest text that reads back to the same float32.
func Write(w io.Writer, reg *schema.Registry, r recipe.Recipe, h Header) error {
	doc := document{Recipe: h, Steps: make([]map[string]any, 0, r.Len())}
	for _, s := range r.Steps() {
		table := map[string]any{string(schema.ActionKey): s.Action().Name}
		for _, key := range s.Action().Columns {
			p, ok := s.Get(key)
			if !ok {
				continue
			}
			table[string(key)] = value(reg, p)
		}
		doc.Steps = append(doc.Steps, table)
	}
	enc := toml.NewEncoder(w)
	enc.SetIndentTables(true)
	return enc.Encode(doc)
}

func value(reg *schema.Registry, p recipe.Property) any {
	switch p.Type().Kind {
	case schema.KindEnum:
		if name, ok := reg.EnumName(p.Column(), p.Int()); ok {
			return name
		}
		return int64(p.Int())
	case schema.KindInt16:
		return int64(p.Int())
	case schema.KindFloat32:
		f, _ := strconv.ParseFloat(strconv.FormatFloat(float64(p.Float()), 'g', -1, 32), 64)
		return f
	default:
		return p.Text()
	}
}
