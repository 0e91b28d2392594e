// Package correction holds the finite-geometry correction tables for
// four-point-probe sheet resistance.
//
// The tables approximate Smits (1958). Below the tabulated domain both shapes
// decay linearly toward zero; that extrapolation is an approximation carried
// over from the legacy tooling, not a measured law.
package correction

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/interp"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
)

// Table is a piecewise-linear lookup of C against d/s.
type Table struct {
	xs, ys []float64
	pl     interp.PiecewiseLinear
}

// NewTable fits xs/ys. xs must be strictly increasing.
func NewTable(xs, ys []float64) (*Table, error) {
	if len(xs) != len(ys) {
		return nil, errors.New("correction: knot and value counts differ")
	}
	if len(xs) < 2 {
		return nil, errors.New("correction: need at least two knots")
	}
	for i := 1; i < len(xs); i++ {
		if !(xs[i] > xs[i-1]) {
			return nil, errors.New("correction: knots must be strictly increasing")
		}
	}
	t := &Table{
		xs: append([]float64(nil), xs...),
		ys: append([]float64(nil), ys...),
	}
	if err := t.pl.Fit(t.xs, t.ys); err != nil {
		return nil, err
	}
	return t, nil
}

func mustTable(xs, ys []float64) *Table {
	t, err := NewTable(xs, ys)
	if err != nil {
		panic(err)
	}
	return t
}

// At interpolates; ratios outside the table clamp to the end values.
func (t *Table) At(ratio float64) float64 { return t.pl.Predict(ratio) }

// Lowest returns the first control point.
func (t *Table) Lowest() (ratio, c float64) { return t.xs[0], t.ys[0] }

var (
	// Rectangular is keyed on min(length, width) / spacing.
	Rectangular = mustTable(
		[]float64{1.0, 2.0, 3.0, 4.0, 5.0},
		[]float64{0.865, 0.98, 0.997, 0.999, 1.0},
	)
	// Circular is keyed on diameter / spacing.
	Circular = mustTable(
		[]float64{3.0, 4.0, 5.0, 10.0, 20.0, 100.0},
		[]float64{0.500, 0.646, 0.741, 0.926, 0.98, 1.0},
	)
)

// rectangularFlat is where the strip is wide enough to need no correction.
const rectangularFlat = 4.0

// Factor returns the correction factor C for the geometry and probe spacing.
// It never fails: a ratio that cannot be formed yields 1.0.
func Factor(g domain.Geometry, spacingMM float64) float64 {
	ratio, ok := Ratio(g, spacingMM)
	if !ok {
		return 1.0
	}

	switch g.Shape {
	case domain.ShapeCircular:
		lo, c0 := Circular.Lowest()
		if ratio < lo {
			return c0 * (ratio / lo)
		}
		return Circular.At(ratio)
	default:
		lo, c0 := Rectangular.Lowest()
		switch {
		case ratio < lo:
			return c0 * ratio
		case ratio < rectangularFlat:
			return Rectangular.At(ratio)
		default:
			return 1.0
		}
	}
}

// Ratio is d/s for the geometry. ok is false when it is not a finite,
// non-negative number.
func Ratio(g domain.Geometry, spacingMM float64) (float64, bool) {
	if !(spacingMM > 0) || math.IsInf(spacingMM, 0) {
		return 0, false
	}
	r := g.CharacteristicMM() / spacingMM
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, false
	}
	return r, true
}
