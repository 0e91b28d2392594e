// Package config loads the YAML configuration of the measurement engine.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/adapters/transport"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

type Config struct {
	Instrument  InstrumentConfig  `yaml:"instrument"`
	Probe       ProbeConfig       `yaml:"probe"`
	Sample      SampleConfig      `yaml:"sample"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Policy      ports.Policy      `yaml:"policy"`
	Export      ExportConfig      `yaml:"export"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type InstrumentConfig struct {
	Connection string        `yaml:"connection"`
	Address    string        `yaml:"address"`
	BaudRate   int           `yaml:"baud_rate"`
	Port       int           `yaml:"port"`
	Timeout    time.Duration `yaml:"timeout"`
	// SimSheetOhms is the sheet resistance reported by connection "sim".
	SimSheetOhms float64 `yaml:"sim_sheet_ohms"`
}

type ProbeConfig struct {
	SpacingMM      float64       `yaml:"spacing_mm"`
	DriveVoltageV  float64       `yaml:"drive_voltage_v"`
	Polarity       int           `yaml:"polarity"`
	VoltageLimitV  float64       `yaml:"voltage_limit_v"`
	CurrentLimitMA float64       `yaml:"current_limit_ma"`
	SampleCount    int           `yaml:"sample_count"`
	CurrentRange   string        `yaml:"current_range"`
	SettleTime     time.Duration `yaml:"settle_time"`
	Variant        string        `yaml:"variant"`
}

type SampleConfig struct {
	Geometry    string  `yaml:"geometry"`
	LengthMM    float64 `yaml:"length_mm"`
	WidthMM     float64 `yaml:"width_mm"`
	DiameterMM  float64 `yaml:"diameter_mm"`
	ThicknessUM float64 `yaml:"thickness_um"`
}

type AcquisitionConfig struct {
	Interval     time.Duration `yaml:"interval"`
	PointsToSave int           `yaml:"points_to_save"`
	EventBuffer  int           `yaml:"event_buffer"`
}

type ExportConfig struct {
	ResultsDir  string         `yaml:"results_dir"`
	LegacyCSV   *bool          `yaml:"legacy_csv"`
	ExtendedCSV bool           `yaml:"extended_csv"`
	JournalDir  string         `yaml:"journal_dir"`
	Postgres    PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	ConnString string `yaml:"conn_string"`
	Table      string `yaml:"table"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	in := &c.Instrument
	if in.Connection == "" {
		in.Connection = transport.KindUSB
	}
	in.Connection = strings.ToLower(in.Connection)
	if in.Address == "" && in.Connection == transport.KindUSB {
		in.Address = "/dev/ttyACM0"
	}
	if in.Address == "" && in.Connection == transport.KindSim {
		in.Address = "sim"
	}
	if in.BaudRate == 0 {
		in.BaudRate = 115200
	}
	if in.Port == 0 {
		in.Port = transport.DefaultTCPPort
	}
	if in.Timeout == 0 {
		in.Timeout = 2 * time.Second
	}

	p := &c.Probe
	if p.SpacingMM == 0 {
		p.SpacingMM = domain.DefaultSpacingMM
	}
	if p.DriveVoltageV == 0 {
		p.DriveVoltageV = domain.DefaultDriveVoltageV
	}
	if p.Polarity == 0 {
		p.Polarity = 1
	}
	if p.VoltageLimitV == 0 {
		p.VoltageLimitV = domain.DefaultVoltageLimitV
	}
	if p.CurrentLimitMA == 0 {
		p.CurrentLimitMA = domain.DefaultCurrentLimitA * 1000
	}
	if p.SampleCount == 0 {
		p.SampleCount = int(domain.DefaultSampleCount)
	}
	if p.CurrentRange == "" {
		p.CurrentRange = "Autorange"
	}
	if p.SettleTime == 0 {
		p.SettleTime = domain.DefaultSettleTime
	}
	if p.Variant == "" {
		p.Variant = "dashboard"
	}

	s := &c.Sample
	if s.Geometry == "" {
		s.Geometry = "Rectangular"
	}
	if s.LengthMM == 0 {
		s.LengthMM = 60
	}
	if s.WidthMM == 0 {
		s.WidthMM = 60
	}
	if s.DiameterMM == 0 {
		s.DiameterMM = 14
	}

	a := &c.Acquisition
	if a.Interval == 0 {
		a.Interval = 500 * time.Millisecond
	}
	if a.PointsToSave == 0 {
		a.PointsToSave = 50
	}
	if a.EventBuffer == 0 {
		a.EventBuffer = 64
	}

	pol := &c.Policy
	if pol.MaxLogSizeBytes == 0 {
		pol.MaxLogSizeBytes = 1 << 30
	}
	if pol.MaxQueueLen == 0 {
		pol.MaxQueueLen = 100_000
	}
	if pol.MaxBatchSize == 0 {
		pol.MaxBatchSize = 500
	}
	if pol.IdleSleep == 0 {
		pol.IdleSleep = 5 * time.Millisecond
	}
	if pol.OnQueueFull == "" {
		pol.OnQueueFull = "block"
	}
	if pol.OnLogFull == "" {
		pol.OnLogFull = "block"
	}

	e := &c.Export
	if e.ResultsDir == "" {
		e.ResultsDir = "results"
	}
	if e.LegacyCSV == nil {
		on := true
		e.LegacyCSV = &on
	}
	if e.JournalDir == "" {
		e.JournalDir = "./data/journal"
	}
	if e.Postgres.Table == "" {
		e.Postgres.Table = "measurements"
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
}

func (c *Config) validate() error {
	var errs []error
	switch c.Instrument.Connection {
	case transport.KindUSB, transport.KindEthernet, transport.KindSim:
	default:
		errs = append(errs, fmt.Errorf("instrument.connection: unknown %q (usb, ethernet, sim)", c.Instrument.Connection))
	}
	if c.Instrument.Address == "" {
		errs = append(errs, errors.New("instrument.address is required"))
	}
	if c.Instrument.Port < 1 || c.Instrument.Port > 65535 {
		errs = append(errs, fmt.Errorf("instrument.port: %d out of range", c.Instrument.Port))
	}
	if c.Instrument.Timeout < 0 {
		errs = append(errs, errors.New("instrument.timeout must not be negative"))
	}

	if c.Probe.Polarity != 1 && c.Probe.Polarity != -1 {
		errs = append(errs, fmt.Errorf("probe.polarity: %d, want 1 or -1", c.Probe.Polarity))
	}
	if !domain.SampleCount(c.Probe.SampleCount).Valid() {
		errs = append(errs, fmt.Errorf("probe.sample_count: %d, want one of %v", c.Probe.SampleCount, domain.SampleCounts))
	}
	if _, err := domain.ParseCurrentRange(c.Probe.CurrentRange); err != nil {
		errs = append(errs, fmt.Errorf("probe.current_range: %w", err))
	}
	if _, err := domain.ParseVariant(c.Probe.Variant); err != nil {
		errs = append(errs, fmt.Errorf("probe.variant: %w", err))
	}
	if c.Probe.SpacingMM <= 0 {
		errs = append(errs, errors.New("probe.spacing_mm must be positive"))
	}

	if _, err := domain.ParseShape(c.Sample.Geometry); err != nil {
		errs = append(errs, fmt.Errorf("sample.geometry: %w", err))
	}
	if c.Sample.ThicknessUM < 0 {
		errs = append(errs, errors.New("sample.thickness_um must not be negative"))
	}

	if c.Acquisition.Interval <= 0 {
		errs = append(errs, errors.New("acquisition.interval must be positive"))
	}
	if c.Acquisition.PointsToSave < 1 {
		errs = append(errs, errors.New("acquisition.points_to_save must be at least 1"))
	}

	switch c.Policy.OnLogFull {
	case "block", "drop":
	default:
		errs = append(errs, fmt.Errorf("policy.on_log_full: unknown %q (block, drop)", c.Policy.OnLogFull))
	}
	switch c.Policy.OnQueueFull {
	case "block", "drop", "reject":
	default:
		errs = append(errs, fmt.Errorf("policy.on_queue_full: unknown %q (block, drop, reject)", c.Policy.OnQueueFull))
	}

	if c.Export.JournalDir == "" {
		errs = append(errs, errors.New("export.journal_dir is required"))
	}
	if c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required"))
	}
	return errors.Join(errs...)
}

// Validate re-checks a configuration built in code.
func (c *Config) Validate() error {
	c.applyDefaults()
	return c.validate()
}

// ProbeSettings converts the probe section. Limits are checked by the
// instrument session when it is configured.
func (c *Config) ProbeSettings() (domain.ProbeConfig, error) {
	rng, err := domain.ParseCurrentRange(c.Probe.CurrentRange)
	if err != nil {
		return domain.ProbeConfig{}, err
	}
	variant, err := domain.ParseVariant(c.Probe.Variant)
	if err != nil {
		return domain.ProbeConfig{}, err
	}
	return domain.ProbeConfig{
		SpacingMM:     c.Probe.SpacingMM,
		DriveVoltageV: c.Probe.DriveVoltageV,
		Polarity:      float64(c.Probe.Polarity),
		VoltageLimitV: c.Probe.VoltageLimitV,
		CurrentLimitA: c.Probe.CurrentLimitMA / 1000,
		SampleCount:   domain.SampleCount(c.Probe.SampleCount),
		CurrentRange:  rng,
		SettleTime:    c.Probe.SettleTime,
		Variant:       variant,
	}, nil
}

func (c *Config) SampleSpec() (domain.SampleSpec, error) {
	shape, err := domain.ParseShape(c.Sample.Geometry)
	if err != nil {
		return domain.SampleSpec{}, err
	}
	g := domain.Rectangular(c.Sample.LengthMM, c.Sample.WidthMM)
	if shape == domain.ShapeCircular {
		g = domain.Circular(c.Sample.DiameterMM)
	}
	return domain.SampleSpec{Geometry: g, ThicknessUM: c.Sample.ThicknessUM}, nil
}

// DialAddress is the address handed to the transport; ethernet hosts get
// the configured port.
func (c *Config) DialAddress() string {
	addr := c.Instrument.Address
	if c.Instrument.Connection == transport.KindEthernet {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, strconv.Itoa(c.Instrument.Port))
		}
	}
	return addr
}

func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		Kind:         c.Instrument.Connection,
		BaudRate:     c.Instrument.BaudRate,
		Timeout:      c.Instrument.Timeout,
		SimSheetOhms: c.Instrument.SimSheetOhms,
	}
}
