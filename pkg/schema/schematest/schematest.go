// Package schematest provides a ready-made recipe schema for tests.
package schematest

import (
	"mbe-recipe-host/pkg/schema"
)

// Action ids of the test schema.
const (
	Wait   int16 = 0
	Open   int16 = 1
	Close  int16 = 2
	Ramp   int16 = 3
	Set    int16 = 4
	For    int16 = 10
	EndFor int16 = 11
)

// Source is the CUE text of the test schema.
const Source = `
columns: [
	{key: "action", type: {kind: "enum"}, plc: {area: "int", index: 0}},
	{key: "task", type: {kind: "int16", min: 0, max: 10000}, plc: {area: "int", index: 1}},
	{key: "target", type: {kind: "enum", values: [{id: 0, name: "None"}, {id: 1, name: "Ga"}, {id: 2, name: "As"}]}, plc: {area: "int", index: 2}},
	{key: "step_duration", type: {kind: "float32"}, plc: {area: "float", index: 0}},
	{key: "setpoint", type: {kind: "float32", min: 0, max: 1500}, plc: {area: "float", index: 1}},
	{key: "ramp_rate", type: {kind: "float32", min: 0.01, max: 100}, plc: {area: "float", index: 2}},
	{key: "comment", type: {kind: "text", max_length: 16}},
]
actions: [
	{id: 0, name: "Wait", deploy: "long_lasting", columns: ["step_duration", "comment"]},
	{id: 1, name: "Open", columns: ["target"]},
	{id: 2, name: "Close", columns: ["target"]},
	{id: 3, name: "Ramp", deploy: "long_lasting", columns: ["target", "setpoint", "ramp_rate", "step_duration"]},
	{id: 4, name: "Set", columns: ["target", "setpoint"]},
	{id: 10, name: "For", loop: "start", columns: ["task"]},
	{id: 11, name: "EndFor", loop: "end"},
]
`

// Registry compiles Source. It panics on error since Source is fixed.
func Registry() *schema.Registry {
	reg, err := schema.LoadBytes("schematest.cue", []byte(Source))
	if err != nil {
		panic(err)
	}
	return reg
}
