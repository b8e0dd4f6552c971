package schema

import (
	_ "embed"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	herrors "mbe-recipe-host/pkg/errors"
)

//go:embed definition.cue
var definition string

type fileType struct {
	Kind      string   `json:"kind"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	MaxLength int      `json:"max_length,omitempty"`
	Values    []struct {
		ID   int16  `json:"id"`
		Name string `json:"name"`
	} `json:"values,omitempty"`
}

type fileColumn struct {
	Key  string   `json:"key"`
	Name string   `json:"name"`
	Type fileType `json:"type"`
	PLC  *struct {
		Area  string `json:"area"`
		Index int    `json:"index"`
	} `json:"plc,omitempty"`
}

type fileAction struct {
	ID      int16    `json:"id"`
	Name    string   `json:"name"`
	Deploy  string   `json:"deploy"`
	Loop    string   `json:"loop"`
	Columns []string `json:"columns"`
}

type file struct {
	Columns []fileColumn `json:"columns"`
	Actions []fileAction `json:"actions"`
}

// Load reads a CUE schema file and builds its Registry.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, herrors.Wrap(err, herrors.ErrSchema, "unable to read schema")
	}
	return LoadBytes(path, data)
}

// LoadBytes compiles schema source, checks it against the closed schema
// definition and builds its Registry. name is used in error positions.
func LoadBytes(name string, data []byte) (*Registry, error) {
	ctx := cuecontext.New()

	def := ctx.CompileString("close({"+definition+"})", cue.Filename("definition.cue"))
	if err := def.Err(); err != nil {
		return nil, cueError(err)
	}

	value := ctx.CompileBytes(data, cue.Filename(name))
	if err := value.Err(); err != nil {
		return nil, cueError(err)
	}

	unified := def.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(err)
	}

	var f file
	if err := unified.Decode(&f); err != nil {
		return nil, cueError(err)
	}
	return f.registry()
}

func cueError(err error) error {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		msgs = append(msgs, e.Error())
	}
	return herrors.Wrap(err, herrors.ErrSchema, strings.Join(msgs, "; "))
}

func (f *file) registry() (*Registry, error) {
	columns := make([]Column, 0, len(f.Columns))
	for _, fc := range f.Columns {
		kind, err := ParseKind(fc.Type.Kind)
		if err != nil {
			return nil, herrors.SchemaError("column %q: %v", fc.Key, err)
		}
		typ := &PropertyType{
			Kind:      kind,
			Min:       fc.Type.Min,
			Max:       fc.Type.Max,
			MaxLength: fc.Type.MaxLength,
		}
		for _, v := range fc.Type.Values {
			typ.Values = append(typ.Values, EnumValue{ID: v.ID, Name: v.Name})
		}

		col := Column{Key: ColumnKey(fc.Key), Name: fc.Name, Type: typ}
		if col.Name == "" {
			col.Name = fc.Key
		}
		if fc.PLC != nil {
			area := AreaInt
			if fc.PLC.Area == "float" {
				area = AreaFloat
			}
			col.PLC = &Mapping{Area: area, Index: fc.PLC.Index}
		}
		columns = append(columns, col)
	}

	actions := make([]ActionDefinition, 0, len(f.Actions))
	for _, fa := range f.Actions {
		a := ActionDefinition{ID: fa.ID, Name: fa.Name}
		if fa.Deploy == "long_lasting" {
			a.Deploy = LongLasting
		}
		switch fa.Loop {
		case "start":
			a.Loop = LoopStart
		case "end":
			a.Loop = LoopEnd
		}
		for _, key := range fa.Columns {
			a.Columns = append(a.Columns, ColumnKey(key))
		}
		actions = append(actions, a)
	}

	return NewRegistry(columns, actions)
}
