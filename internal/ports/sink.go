package ports

import "github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"

type Sink interface {
	WriteBatch(records []*domain.Record) error
	Name() string
}
