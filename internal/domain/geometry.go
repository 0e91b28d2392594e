package domain

import (
	"fmt"
	"strings"
)

// InfiniteDimensionMM stands in for an unset sample dimension; a sheet this
// large relative to the probe spacing needs no finite-size correction.
const InfiniteDimensionMM = 100.0

// Shape tags the Geometry variant.
type Shape uint8

const (
	ShapeRectangular Shape = iota
	ShapeCircular
)

func (s Shape) String() string {
	switch s {
	case ShapeRectangular:
		return "Rectangular"
	case ShapeCircular:
		return "Circular"
	default:
		return fmt.Sprintf("Shape(%d)", uint8(s))
	}
}

// ParseShape accepts the front-end spellings ("Rectangular", "circular", ...).
func ParseShape(s string) (Shape, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rectangular", "rect", "":
		return ShapeRectangular, nil
	case "circular", "circle":
		return ShapeCircular, nil
	default:
		return 0, fmt.Errorf("unknown geometry %q", s)
	}
}

// Geometry describes the sample outline. Only the fields of the active Shape
// are meaningful.
type Geometry struct {
	Shape      Shape
	LengthMM   float64
	WidthMM    float64
	DiameterMM float64
}

func Rectangular(lengthMM, widthMM float64) Geometry {
	return Geometry{Shape: ShapeRectangular, LengthMM: lengthMM, WidthMM: widthMM}
}

func Circular(diameterMM float64) Geometry {
	return Geometry{Shape: ShapeCircular, DiameterMM: diameterMM}
}

// CharacteristicMM returns the dimension the correction tables are keyed on:
// the shorter side of a rectangle or the diameter of a disc. Unset or
// non-positive dimensions yield InfiniteDimensionMM.
func (g Geometry) CharacteristicMM() float64 {
	switch g.Shape {
	case ShapeCircular:
		if g.DiameterMM > 0 {
			return g.DiameterMM
		}
	default:
		if g.LengthMM > 0 && g.WidthMM > 0 {
			return min(g.LengthMM, g.WidthMM)
		}
	}
	return InfiniteDimensionMM
}

// SampleSpec is everything about the sample the metrics need besides the
// probe spacing.
type SampleSpec struct {
	Geometry    Geometry
	ThicknessUM float64
}
