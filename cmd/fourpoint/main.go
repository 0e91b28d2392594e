package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/adapters/observability"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/adapters/transport"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/instrument"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/pkg/fourpoint"
)

const bannerPlain = `
  fourpoint · four-point-probe SMU
`

const bannerColor = "\n  \x1b[1;36mfourpoint\x1b[0m \x1b[2m· four-point-probe SMU\x1b[0m\n"

func main() {
	noColor := os.Getenv("NO_COLOR") != ""
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: "15:04:05",
			NoColor:    noColor,
		}),
	))

	fmt.Print(selectBanner(noColor))
	fmt.Println()
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "measure":
		err = measureCommand(os.Args[2:])
	case "verify":
		err = verifyCommand(os.Args[2:])
	case "diagnose":
		err = diagnoseCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		slog.Error("fourpoint "+cmd+" failed", "err", err)
		os.Exit(1)
	}
}

// connFlags are shared by every command that talks to the instrument.
type connFlags struct {
	config     *string
	connection *string
	address    *string
}

func addConnFlags(fs *flag.FlagSet) connFlags {
	return connFlags{
		config:     fs.String("config", "", "Path to configuration file (defaults are used when empty)"),
		connection: fs.String("connection", "", "Override instrument.connection (usb, ethernet, sim)"),
		address:    fs.String("address", "", "Override instrument.address (serial port or IP)"),
	}
}

func (c connFlags) load() (*fourpoint.Config, error) {
	cfg := fourpoint.DefaultConfig()
	if *c.config != "" {
		loaded, err := fourpoint.LoadConfig(*c.config)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if *c.connection != "" {
		cfg.Instrument.Connection = strings.ToLower(*c.connection)
		if *c.address == "" {
			cfg.Instrument.Address = ""
		}
	}
	if *c.address != "" {
		cfg.Instrument.Address = *c.address
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	conn := addConnFlags(fs)
	record := fs.Int("record", 0, "Record one capture of N points after start (0 = just poll)")
	metrics := fs.Bool("metrics", true, "Serve /metrics and /healthz on metrics.addr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := conn.load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := fourpoint.NewRuntime(cfg, fourpoint.WithMetricsServer(*metrics))
	if err != nil {
		return err
	}
	defer shutdown(rt)

	if err := rt.Start(ctx); err != nil {
		return err
	}
	slog.Info("polling", "address", cfg.DialAddress(), "interval", cfg.Acquisition.Interval)

	if *record > 0 {
		id, err := rt.BeginRecording(*record)
		if err != nil {
			return err
		}
		slog.Info("recording", "capture", id, "points", *record)
	}

	events := rt.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			printEvent(ev)
			if ev.Err != nil && fourpoint.IsFatal(ev.Err) {
				return ev.Err
			}
			if ev.Flushed {
				slog.Info("capture saved", "capture", ev.CaptureID, "points", ev.Saved)
				if *record > 0 {
					return nil
				}
			}
		}
	}
}

func printEvent(ev fourpoint.Event) {
	r, m := ev.Reading, ev.Metrics
	line := fmt.Sprintf("%s  V=%.4f V  I=%.4f mA  Vin=%.5f V  Rs=%.4g Ω/sq  ρ=%.4g Ω·m",
		r.Timestamp.Format("15:04:05.000"), r.VOuter, r.IOuter*1000, r.VInner, m.SheetResistance, m.Resistivity)
	if ev.Capacity > 0 {
		line += fmt.Sprintf("  [%d/%d]", ev.Saved, ev.Capacity)
	}
	fmt.Println(line)
	if ev.Err != nil {
		slog.Warn("read fault", "err", ev.Err)
	}
	for _, w := range ev.Warnings {
		slog.Warn(w)
	}
}

func measureCommand(args []string) error {
	fs := flag.NewFlagSet("measure", flag.ExitOnError)
	conn := addConnFlags(fs)
	n := fs.Int("n", 1, "Number of readings to average")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := conn.load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The polling loop is not needed; keep it idle.
	cfg.Acquisition.Interval = time.Hour
	rt, err := fourpoint.NewRuntime(cfg, fourpoint.WithMetricsServer(false))
	if err != nil {
		return err
	}
	defer shutdown(rt)

	if err := rt.Start(ctx); err != nil {
		return err
	}
	summary, records, err := rt.Measure(ctx, *n)
	if err != nil {
		return err
	}

	fmt.Printf("capture %s: %d readings\n", records[0].CaptureID, summary.N)
	fmt.Printf("  current           %.6g ± %.2g A\n", summary.Current.Mean, summary.Current.StdDev)
	fmt.Printf("  inner voltage     %.6g ± %.2g V\n", summary.InnerVoltage.Mean, summary.InnerVoltage.StdDev)
	fmt.Printf("  sheet resistance  %.6g ± %.2g Ω/sq\n", summary.SheetResistance.Mean, summary.SheetResistance.StdDev)
	fmt.Printf("  resistivity       %.6g ± %.2g Ω·m\n", summary.Resistivity.Mean, summary.Resistivity.StdDev)
	fmt.Printf("  conductivity      %.6g ± %.2g S/m\n", summary.Conductivity.Mean, summary.Conductivity.StdDev)
	return nil
}

func verifyCommand(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	conn := addConnFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := conn.load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := instrument.Connect(ctx, transport.Dialer(cfg.TransportOptions()), cfg.DialAddress(),
		instrument.WithObservability(cliObs()))
	if err != nil {
		return err
	}
	defer s.DisableAndClose()

	fmt.Printf("connected to %s (%s): %q\n", s.Address(), cfg.Instrument.Connection, s.Identity())
	return nil
}

func diagnoseCommand(args []string) error {
	fs := flag.NewFlagSet("diagnose", flag.ExitOnError)
	conn := addConnFlags(fs)
	drive := fs.Float64("drive", 0.5, "Source voltage for the SMU1 test (V)")
	settle := fs.Duration("settle", 500*time.Millisecond, "Wait after each stage")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := conn.load()
	if err != nil {
		return err
	}
	if *drive < 0 || *drive > cfg.Probe.VoltageLimitV {
		return fmt.Errorf("drive %v V outside [0, %v]", *drive, cfg.Probe.VoltageLimitV)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := instrument.Diagnose(ctx, transport.Dialer(cfg.TransportOptions()), cfg.DialAddress(), *drive, *settle,
		instrument.WithObservability(cliObs()))
	if err != nil {
		return err
	}

	fmt.Printf("device: %q\n", d.Identity)
	for i, st := range d.Steps {
		fmt.Printf("%d. %s\n", i+1, st)
	}
	fmt.Printf("outer: V=%.4f V  I=%.4f mA\n", d.SourcedV, d.OuterCurrentA*1000)
	fmt.Printf("inner: V=%.5f V\n", d.InnerV)
	if d.NearZeroCurrent {
		fmt.Println("WARNING: current is near zero; open circuit or probe issue")
	}
	if d.Failed() {
		return fmt.Errorf("diagnostics reported failures")
	}
	return nil
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := fourpoint.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	probe, err := cfg.ProbeSettings()
	if err != nil {
		return err
	}
	if err := instrument.ValidateProbe(probe); err != nil {
		return err
	}
	fmt.Printf("config %s looks good ✅\n", *cfgPath)
	return nil
}

func selectBanner(noColor bool) string {
	if noColor {
		return bannerPlain
	}
	return bannerColor
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	targets := map[string]float64{
		observability.TicksTotal:        0,
		observability.ReadFaults:        0,
		observability.RecordsExported:   0,
		observability.SheetResistance:   0,
		observability.ExportQueueLength: 0,
		observability.JournalSizeBytes:  0,
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for key := range targets {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %g", &value); err == nil {
					targets[key] = value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] ticks=%.0f faults=%.0f exported=%.0f rs=%.4g queue=%.0f journal_bytes=%.0f\n",
		time.Now().Format(time.RFC3339),
		targets[observability.TicksTotal],
		targets[observability.ReadFaults],
		targets[observability.RecordsExported],
		targets[observability.SheetResistance],
		targets[observability.ExportQueueLength],
		targets[observability.JournalSizeBytes],
	)
	return nil
}

// cliObs logs through the default slog handler; its metrics are never served.
func cliObs() ports.Observability {
	return observability.NewPromObs(observability.WithRegisterer(prometheus.NewRegistry()), observability.WithLogger(slog.Default()))
}

func shutdown(rt *fourpoint.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		slog.Error("shutdown", "err", err)
	}
}

func printUsage() {
	fmt.Printf(`Four-point-probe SMU CLI

Usage:
  fourpoint <command> [flags]

Commands:
  run        Connect, configure and poll continuously; -record N saves one capture
  measure    Take -n readings, save them as one capture and print the averages
  verify     Connect, check the greeting and disconnect
  diagnose   Step through reset, SMU1 source/measure and VSense1 measure
  validate   Load and validate a config file without touching the instrument
  stats      Poll the Prometheus metrics endpoint and print live counters

Examples:
  fourpoint run -config ./data/config.yaml -record 50
  fourpoint measure -connection sim -n 10
  fourpoint verify -connection ethernet -address 192.168.0.50
  fourpoint diagnose -address /dev/ttyACM0
  fourpoint stats -url http://localhost:9100/metrics -interval 1s
`)
}
