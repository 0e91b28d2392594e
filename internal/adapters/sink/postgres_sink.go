package sink

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

const DefaultTable = "measurements"

var tableNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

var measurementColumns = []string{
	"capture_id", "seq", "ts",
	"current_a", "voltage_v", "v_outer_v",
	"sheet_resistance", "resistivity", "conductivity",
	"correction_factor", "compliance",
}

// PostgresSink stores records one row each. (capture_id, seq) is the
// idempotency key, so replayed journal entries are ignored.
type PostgresSink struct {
	db    *sql.DB
	table string
}

func NewPostgresSink(db *sql.DB, table string) (*PostgresSink, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableNameRE.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresSink{db: db, table: table}, nil
}

func (p *PostgresSink) Name() string { return "postgres" }

// EnsureSchema creates the table when it does not exist.
func (p *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+p.table+` (
	capture_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	current_a DOUBLE PRECISION NOT NULL,
	voltage_v DOUBLE PRECISION NOT NULL,
	v_outer_v DOUBLE PRECISION NOT NULL,
	sheet_resistance DOUBLE PRECISION NOT NULL,
	resistivity DOUBLE PRECISION NOT NULL,
	conductivity DOUBLE PRECISION NOT NULL,
	correction_factor DOUBLE PRECISION NOT NULL,
	compliance BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (capture_id, seq)
)`)
	if err != nil {
		return fmt.Errorf("ensure %s: %w", p.table, err)
	}
	return nil
}

func (p *PostgresSink) WriteBatch(records []*domain.Record) error {
	if len(records) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(p.table)
	b.WriteString(" (")
	b.WriteString(strings.Join(measurementColumns, ", "))
	b.WriteString(") VALUES ")

	cols := len(measurementColumns)
	args := make([]any, 0, len(records)*cols)
	for i, r := range records {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", len(args)+c+1)
		}
		b.WriteString(")")

		args = append(args,
			r.CaptureID,
			int64(r.Seq),
			r.Reading.Timestamp,
			r.Reading.IOuter,
			r.Reading.VInner,
			r.Reading.VOuter,
			r.Metrics.SheetResistance,
			r.Metrics.Resistivity,
			r.Metrics.Conductivity,
			r.Metrics.CorrectionFactor,
			r.Reading.Compliance,
		)
	}
	b.WriteString(" ON CONFLICT (capture_id, seq) DO NOTHING")

	if _, err := p.db.Exec(b.String(), args...); err != nil {
		return fmt.Errorf("insert %d records: %w", len(records), err)
	}
	return nil
}

var _ ports.Sink = (*PostgresSink)(nil)
