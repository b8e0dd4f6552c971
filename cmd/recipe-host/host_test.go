package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mbe-recipe-host/pkg/config"
	"mbe-recipe-host/pkg/log"
	"mbe-recipe-host/pkg/plc"
	"mbe-recipe-host/pkg/plcsim"
	"mbe-recipe-host/pkg/recipefile"
	"mbe-recipe-host/pkg/schema/schematest"
)

const recipeDoc = `
[recipe]
name = "loop"

[[step]]
action = "For"
task = 3

[[step]]
action = "Wait"
step_duration = 2.0

[[step]]
action = "EndFor"

[[step]]
action = "Wait"
step_duration = -1.0
`

func startHost(t *testing.T) (*host, *plcsim.Server) {
	t.Helper()
	sim := plcsim.New(plcsim.Config{ControlRegister: 0, MagicNumber: 0x4D42})
	sim.SetLogger(log.Discard())
	if err := sim.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sim.Close() })
	_, port, _ := net.SplitHostPort(sim.Addr().String())

	hc, err := config.HostConfigFromString(fmt.Sprintf(`
[plc]
host: 127.0.0.1
port: %s
control_register: 0
magic_number: 0x4D42
retry_delay: 0.01

[recipe_area]
int_base: 100
float_base: 1000
max_rows: 20
`, port))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	h, err := newHost(hc, schematest.Registry(), nil)
	if err != nil {
		t.Fatalf("newHost: %v", err)
	}
	h.manager.SetLogger(log.Discard())
	h.service.Logger = log.Discard()
	t.Cleanup(h.manager.Disconnect)
	return h, sim
}

func TestManagerSettings(t *testing.T) {
	hc, err := config.HostConfigFromString(`
[plc]
transport: rtu
unit_id: 7
control_register: 0
magic_number: 1
backoff: constant

[recipe_area]
int_base: 100
float_base: 1000

[serial]
device: /dev/ttyUSB3
baud: 38400
parity: odd
stop_bits: 2
`)
	if err != nil {
		t.Fatal(err)
	}
	s, d, err := managerSettings(hc)
	if err != nil {
		t.Fatal(err)
	}
	rtu, ok := d.(plc.RTUDialer)
	if !ok {
		t.Fatalf("dialer = %T, want RTUDialer", d)
	}
	if rtu.Serial.Device != "/dev/ttyUSB3" || rtu.Serial.BaudRate != 38400 || rtu.Serial.StopBits != 2 {
		t.Errorf("serial = %+v", rtu.Serial)
	}
	if s.Params.UnitID != 7 || s.Params.Address != "" || s.Retry.Backoff != plc.BackoffConstant {
		t.Errorf("settings = %+v", s)
	}
}

func TestSendAndReceive(t *testing.T) {
	h, sim := startHost(t)
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "loop.toml")
	if err := os.WriteFile(path, []byte(recipeDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := sendFile(ctx, h, path, true); err != nil {
		t.Fatalf("sendFile: %v", err)
	}
	if rows := sim.Registers(1, 1)[0]; rows != 4 {
		t.Errorf("row count register = %d, want 4", rows)
	}

	r, res, err := h.service.ReceiveRecipe(ctx)
	if err != nil {
		t.Fatalf("ReceiveRecipe: %v", err)
	}
	var buf bytes.Buffer
	if err := writeTable(&buf, r, res); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"x3, 2s per iteration, 6s total", "  Wait", "total 6s", "warning: step 3"} {
		if !strings.Contains(out, want) {
			t.Errorf("table lacks %q:\n%s", want, out)
		}
	}

	export := filepath.Join(dir, "export.toml")
	if err := receiveRecipe(ctx, h, false, export); err != nil {
		t.Fatalf("receiveRecipe: %v", err)
	}
	got, _, err := recipefile.Load(export, h.registry)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	if got.Len() != 4 || got.Step(0).ActionID() != schematest.For {
		t.Errorf("exported %d steps", got.Len())
	}
}

func TestWriteTableBrokenStructure(t *testing.T) {
	r, _, err := recipefile.Read(strings.NewReader("[[step]]\naction = \"EndFor\"\n"), schematest.Registry())
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := writeTable(&buf, r, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "EndFor") || strings.Contains(buf.String(), "total") {
		t.Errorf("table:\n%s", buf.String())
	}
}
