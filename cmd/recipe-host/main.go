// recipe-host moves MBE growth recipes between TOML files and the PLC, and
// serves the connection status to dashboards.
//
// Usage:
//
//	recipe-host -config ~/mbe.cfg [options]
//
// Options:
//
//	-config string   Host configuration file (required)
//	-schema string   Recipe schema file, overrides [schema] path
//	-probe           Connect, validate the PLC and print the link status
//	-send string     Send a TOML recipe to the PLC
//	-verify          After -send, read the registers back and compare
//	-receive         Read the PLC recipe and print its step table
//	-export string   Write the PLC recipe to a TOML file
//	-serve           Run the status API until interrupted
//	-status string   Status API address, overrides [status_api] addr
//	-logfile string  Log file path (default: stderr)
//	-journal         Also log to the systemd journal
//	-trace           Enable debug logging
//	-list-ports      Print serial devices and exit
//
// Examples:
//
//	# Check the PLC answers the handshake
//	recipe-host -config ~/mbe.cfg -probe
//
//	# Send a recipe and confirm what the PLC holds
//	recipe-host -config ~/mbe.cfg -send gaas.toml -verify
//
//	# Keep the status API running
//	recipe-host -config ~/mbe.cfg -serve
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mbe-recipe-host/pkg/config"
	herrors "mbe-recipe-host/pkg/errors"
	"mbe-recipe-host/pkg/exchange"
	"mbe-recipe-host/pkg/log"
	"mbe-recipe-host/pkg/recipefile"
	"mbe-recipe-host/pkg/schema"
	"mbe-recipe-host/pkg/serial"
	"mbe-recipe-host/pkg/statusapi"
)

func main() {
	configFile := flag.String("config", "", "Host configuration file (required)")
	schemaFile := flag.String("schema", "", "Recipe schema file, overrides [schema] path")
	probe := flag.Bool("probe", false, "Connect, validate the PLC and print the link status")
	sendFile := flag.String("send", "", "Send a TOML recipe to the PLC")
	verify := flag.Bool("verify", false, "After -send, read the registers back and compare")
	receive := flag.Bool("receive", false, "Read the PLC recipe and print its step table")
	exportFile := flag.String("export", "", "Write the PLC recipe to a TOML file")
	serve := flag.Bool("serve", false, "Run the status API until interrupted")
	statusAddr := flag.String("status", "", "Status API address, overrides [status_api] addr")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	journal := flag.Bool("journal", false, "Also log to the systemd journal")
	trace := flag.Bool("trace", false, "Enable debug logging")
	listPorts := flag.Bool("list-ports", false, "Print serial devices and exit")
	flag.Parse()

	if *listPorts {
		ports, err := serial.ListPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(2)
	}

	logger, closeLog, err := setupLogging(*logFile, *journal, *trace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	if err := run(logger, options{
		configFile: *configFile,
		schemaFile: *schemaFile,
		probe:      *probe,
		sendFile:   *sendFile,
		verify:     *verify,
		receive:    *receive,
		exportFile: *exportFile,
		serve:      *serve,
		statusAddr: *statusAddr,
	}); err != nil {
		logger.WithError(err).Error("recipe-host failed")
		closeLog()
		os.Exit(1)
	}
}

type options struct {
	configFile string
	schemaFile string
	probe      bool
	sendFile   string
	verify     bool
	receive    bool
	exportFile string
	serve      bool
	statusAddr string
}

func setupLogging(path string, journal, trace bool) (*log.Logger, func(), error) {
	logger := log.New("recipe-host")
	log.ConfigureFromEnv(logger)
	if trace {
		logger.SetLevel(log.DEBUG)
	}

	closeLog := func() {}
	if path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		logger.SetWriter(f)
		closeLog = func() { _ = f.Close() }
	}
	if journal {
		opts := log.SinkOptions{Level: logger.GetLevel(), Journal: true}
		if path == "" {
			opts.Terminal = os.Stderr
		}
		logger.SetHandler(log.NewSystemHandler(opts))
	}
	log.SetDefaultLogger(logger)
	return logger, closeLog, nil
}

func run(logger *log.Logger, opts options) error {
	hc, err := config.ParseHostConfig(opts.configFile)
	if err != nil {
		return err
	}
	schemaPath := hc.SchemaPath
	if opts.schemaFile != "" {
		schemaPath = opts.schemaFile
	}
	if schemaPath == "" {
		return herrors.ConfigValidationError("schema", "path", "no recipe schema configured")
	}
	reg, err := schema.Load(schemaPath)
	if err != nil {
		return err
	}

	h, err := newHost(hc, reg, nil)
	if err != nil {
		return err
	}
	defer h.manager.Disconnect()

	logger.Info("PLC %s over %s, schema %s (%d actions)",
		h.manager.Settings().Params, hc.Transport, schemaPath, len(reg.Actions()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.probe {
		if err := h.manager.EnsureConnected(ctx); err != nil {
			return err
		}
		out, _ := json.MarshalIndent(h.manager.Status(), "", "  ")
		fmt.Println(string(out))
	}

	if opts.sendFile != "" {
		if err := sendFile(ctx, h, opts.sendFile, opts.verify); err != nil {
			return err
		}
	}

	if opts.receive || opts.exportFile != "" {
		if err := receiveRecipe(ctx, h, opts.receive, opts.exportFile); err != nil {
			return err
		}
	}

	if opts.serve {
		addr := hc.StatusAddr
		if opts.statusAddr != "" {
			addr = opts.statusAddr
		}
		if addr == "" {
			addr = ":7126"
		}
		return serveStatus(ctx, logger, h, addr)
	}
	return nil
}

func sendFile(ctx context.Context, h *host, path string, verify bool) error {
	r, hdr, err := recipefile.Load(path, h.registry)
	if err != nil {
		return err
	}
	report, err := h.service.SendRecipe(ctx, r)
	if errors.Is(err, exchange.ErrWriteStateUnknown) {
		fmt.Fprintln(os.Stderr, "The send was interrupted; re-read the PLC recipe before starting a run.")
	}
	if err != nil {
		return err
	}
	name := hdr.Name
	if name == "" {
		name = path
	}
	fmt.Printf("sent %q: %d rows, %s\n", name, report.Rows, formatDuration(report.Total))
	for _, w := range report.Warnings {
		fmt.Printf("warning: %s\n", w)
	}

	if verify {
		ok, err := h.service.Verify(ctx, r)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("PLC registers differ from the recipe just sent")
		}
		fmt.Println("verified")
	}
	return nil
}

func receiveRecipe(ctx context.Context, h *host, show bool, exportPath string) error {
	r, res, err := h.service.ReceiveRecipe(ctx)
	if err != nil && !herrors.IsStructural(err) {
		return err
	}
	if show {
		if werr := writeTable(os.Stdout, r, res); werr != nil {
			return werr
		}
	}
	if exportPath != "" {
		hdr := recipefile.Header{Comment: "read from PLC " + time.Now().Format(time.RFC3339)}
		if serr := recipefile.Save(exportPath, h.registry, r, hdr); serr != nil {
			return serr
		}
		fmt.Printf("exported %d rows to %s\n", r.Len(), exportPath)
	}
	return err
}

func serveStatus(ctx context.Context, logger *log.Logger, h *host, addr string) error {
	srv := statusapi.New(statusapi.Config{
		Addr:    addr,
		PLC:     h.manager,
		Recipes: h.service,
		Metrics: h.metrics,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	// Connect in the background so the API is up even when the PLC is not.
	go func() {
		if err := h.manager.EnsureConnected(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("initial connect failed")
		}
	}()

	logger.Info("status API on http://localhost%s, press Ctrl+C to stop", addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
