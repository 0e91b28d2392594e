package instrument

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// parseValues reads a measurement reply such as "[0.5, 0.075]", "0.5,0.075",
// "[[0.5 0.075]]" or "1.2e-3;" and requires at least want numbers. Empty or
// short replies are malformed; nothing is zero-filled.
func parseValues(reply string, want int) ([]float64, error) {
	fields := strings.FieldsFunc(reply, func(r rune) bool {
		switch r {
		case '[', ']', '(', ')', ',', ';', ' ', '\t', '\r', '\n':
			return true
		}
		return false
	})
	if len(fields) < want {
		return nil, fmt.Errorf("%w: want %d values, got %d in %q", ErrMalformedResponse, want, len(fields), reply)
	}

	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %q is not a finite number", ErrMalformedResponse, f)
		}
		out = append(out, v)
	}
	return out, nil
}
