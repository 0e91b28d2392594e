package sink

import (
	"errors"
	"fmt"
	"strings"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

// Multi writes every batch to each sink in turn. All sinks are tried; the
// batch fails if any of them failed.
type Multi []ports.Sink

func (m Multi) Name() string {
	names := make([]string, len(m))
	for i, s := range m {
		names[i] = s.Name()
	}
	return "multi(" + strings.Join(names, ",") + ")"
}

func (m Multi) WriteBatch(records []*domain.Record) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteBatch(records); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

var _ ports.Sink = Multi(nil)
