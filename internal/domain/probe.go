package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultSpacingMM     = 1.27
	DefaultDriveVoltageV = 0.5
	DefaultVoltageLimitV = 10.5
	DefaultCurrentLimitA = 0.220
	DefaultSettleTime    = 500 * time.Millisecond
	DefaultSampleCount   = SampleCount(8192)
)

// SampleCount is the per-point filter length accepted by the SMU firmware.
type SampleCount int

// SampleCounts lists the filter lengths the firmware accepts.
var SampleCounts = []SampleCount{64, 256, 1024, 4096, 8192}

func (n SampleCount) Valid() bool {
	for _, c := range SampleCounts {
		if n == c {
			return true
		}
	}
	return false
}

// CurrentRange selects the SMU current measurement range.
type CurrentRange uint8

const (
	RangeAuto CurrentRange = iota
	Range200mA
	Range20mA
	Range200uA
)

func (r CurrentRange) String() string {
	switch r {
	case RangeAuto:
		return "Autorange"
	case Range200mA:
		return "200 mA"
	case Range20mA:
		return "20 mA"
	case Range200uA:
		return "200 uA"
	default:
		return fmt.Sprintf("CurrentRange(%d)", uint8(r))
	}
}

// ParseCurrentRange accepts "Autorange", "200mA", "200 mA", "20mA", "200uA".
func ParseCurrentRange(s string) (CurrentRange, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "")) {
	case "", "auto", "autorange":
		return RangeAuto, nil
	case "200ma":
		return Range200mA, nil
	case "20ma":
		return Range20mA, nil
	case "200ua", "200µa":
		return Range200uA, nil
	default:
		return 0, fmt.Errorf("unknown current range %q", s)
	}
}

// Variant picks which front-end drive behaviour a session reproduces.
type Variant uint8

const (
	// VariantDashboard sources the configured drive voltage.
	VariantDashboard Variant = iota
	// VariantDesktop always sources the fixed legacy 0.5 V.
	VariantDesktop
)

func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "dashboard", "web":
		return VariantDashboard, nil
	case "desktop", "gui":
		return VariantDesktop, nil
	default:
		return 0, fmt.Errorf("unknown probe variant %q", s)
	}
}

// ProbeConfig is the immutable acquisition setup for one session.
type ProbeConfig struct {
	SpacingMM     float64
	DriveVoltageV float64
	Polarity      float64
	VoltageLimitV float64
	CurrentLimitA float64
	SampleCount   SampleCount
	CurrentRange  CurrentRange
	SettleTime    time.Duration
	Variant       Variant
}

// DefaultProbeConfig mirrors the front-ends' "reset defaults".
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		SpacingMM:     DefaultSpacingMM,
		DriveVoltageV: DefaultDriveVoltageV,
		Polarity:      1,
		VoltageLimitV: DefaultVoltageLimitV,
		CurrentLimitA: DefaultCurrentLimitA,
		SampleCount:   DefaultSampleCount,
		CurrentRange:  RangeAuto,
		SettleTime:    DefaultSettleTime,
	}
}

// SourceVoltage is the signed voltage applied to the outer probes.
func (c ProbeConfig) SourceVoltage() float64 {
	drive := c.DriveVoltageV
	if c.Variant == VariantDesktop {
		drive = DefaultDriveVoltageV
	}
	if c.Polarity < 0 {
		return -drive
	}
	return drive
}
