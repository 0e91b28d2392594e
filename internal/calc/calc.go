// Package calc turns four-point readings into sheet resistance, resistivity
// and conductivity. Everything here is pure.
package calc

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/correction"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
)

// K is the infinite-sheet four-point-probe constant, π/ln 2.
var K = math.Pi / math.Ln2

// Compute derives metrics from the inner-probe voltage and outer current.
// A zero current is the open-circuit case: zero metrics with C = 1.
func Compute(voltageV, currentA float64, g domain.Geometry, thicknessUM, spacingMM float64) domain.Metrics {
	if currentA == 0 {
		return domain.Metrics{CorrectionFactor: 1.0}
	}

	resistance := voltageV / currentA
	c := correction.Factor(g, spacingMM)
	sheet := K * resistance * c
	resistivity := sheet * (thicknessUM * 1e-6)

	var conductivity float64
	if resistivity > 0 {
		conductivity = 1.0 / resistivity
	}

	return domain.Metrics{
		Resistance:       resistance,
		SheetResistance:  sheet,
		Resistivity:      resistivity,
		Conductivity:     conductivity,
		CorrectionFactor: c,
	}
}

// ForReading is Compute fed from a RawReading.
func ForReading(r domain.RawReading, spec domain.SampleSpec, spacingMM float64) domain.Metrics {
	return Compute(r.VInner, r.IOuter, spec.Geometry, spec.ThicknessUM, spacingMM)
}

// Stat is the mean and sample standard deviation of one quantity.
type Stat struct {
	Mean   float64
	StdDev float64
}

// Summary describes a capture.
type Summary struct {
	N               int
	Current         Stat
	InnerVoltage    Stat
	SheetResistance Stat
	Resistivity     Stat
	Conductivity    Stat
}

// Summarize aggregates records. StdDev is zero for fewer than two records.
func Summarize(records []domain.Record) Summary {
	n := len(records)
	if n == 0 {
		return Summary{}
	}

	cols := make([][]float64, 5)
	for i := range cols {
		cols[i] = make([]float64, n)
	}
	for i, r := range records {
		cols[0][i] = r.Reading.IOuter
		cols[1][i] = r.Reading.VInner
		cols[2][i] = r.Metrics.SheetResistance
		cols[3][i] = r.Metrics.Resistivity
		cols[4][i] = r.Metrics.Conductivity
	}

	return Summary{
		N:               n,
		Current:         describe(cols[0]),
		InnerVoltage:    describe(cols[1]),
		SheetResistance: describe(cols[2]),
		Resistivity:     describe(cols[3]),
		Conductivity:    describe(cols[4]),
	}
}

func describe(xs []float64) Stat {
	if len(xs) < 2 {
		return Stat{Mean: stat.Mean(xs, nil)}
	}
	mean, std := stat.MeanStdDev(xs, nil)
	return Stat{Mean: mean, StdDev: std}
}
