// mock-plc serves a simulated MBE PLC over Modbus TCP for trying the host
// without hardware. The handshake magic number is preloaded at the control
// register; every other register starts at zero.
//
// Usage:
//
//	mock-plc [-listen :5020] [-control 0] [-magic 0x4D42] [-trace]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"mbe-recipe-host/pkg/log"
	"mbe-recipe-host/pkg/plcsim"
)

func main() {
	listen := flag.String("listen", ":5020", "Modbus TCP listen address")
	unit := flag.Uint("unit", 0, "Unit id to answer (0 answers every unit)")
	control := flag.Int("control", 0, "Control register holding the magic number")
	magic := flag.String("magic", "0x4D42", "Handshake magic number")
	maxConns := flag.Int("max-conns", 4, "Concurrent client connections")
	trace := flag.Bool("trace", false, "Log every register request")
	flag.Parse()

	logger := log.New("mock-plc")
	log.ConfigureFromEnv(logger)
	if *trace {
		logger.SetLevel(log.DEBUG)
	}
	log.SetDefaultLogger(logger)

	magicValue, err := strconv.ParseUint(*magic, 0, 16)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid -magic %q: %v\n", *magic, err)
		os.Exit(2)
	}
	if *unit > 247 {
		fmt.Fprintf(os.Stderr, "Error: -unit must be 0..247\n")
		os.Exit(2)
	}

	sim := plcsim.New(plcsim.Config{
		UnitID:          byte(*unit),
		ControlRegister: *control,
		MagicNumber:     uint16(magicValue),
		MaxConns:        *maxConns,
		HistoryLimit:    1024,
	})
	if err := sim.Start(*listen); err != nil {
		logger.WithError(err).Error("cannot listen on %s", *listen)
		os.Exit(1)
	}
	logger.Info("simulated PLC on %s (control register %d, magic %#04x)", sim.Addr(), *control, magicValue)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	if err := sim.Close(); err != nil {
		logger.WithError(err).Warn("close")
	}
}
