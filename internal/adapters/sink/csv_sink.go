package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"
	"github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/ports"
)

// Layout selects the CSV columns.
type Layout uint8

const (
	// LayoutLegacy is the desktop export: current, inner voltage, sheet resistance.
	LayoutLegacy Layout = iota
	// LayoutExtended is the dashboard export with wall-clock time and derived
	// quantities.
	LayoutExtended
)

var (
	legacyHeader   = []string{"Current (A)", "Voltage (V)", "Sheet Resistance (Ohm/square)"}
	extendedHeader = []string{"Time", "Current (A)", "Voltage (V)", "Sheet Res (Ω/sq)", "Resistivity (Ω.m)", "Conductivity (S/m)"}
)

// CSVSink writes one file per capture into dir. The header is written when
// the file is created; later batches of the same capture append rows.
type CSVSink struct {
	mu     sync.Mutex
	dir    string
	layout Layout
}

func NewCSVSink(dir string, layout Layout) *CSVSink {
	return &CSVSink{dir: dir, layout: layout}
}

func (c *CSVSink) Name() string {
	if c.layout == LayoutExtended {
		return "csv-extended"
	}
	return "csv-legacy"
}

// Path returns the file a capture is written to.
func (c *CSVSink) Path(captureID string) string {
	if c.layout == LayoutExtended {
		return filepath.Join(c.dir, "measurement_web_"+captureID+".csv")
	}
	return filepath.Join(c.dir, "measurement_"+captureID+".csv")
}

func (c *CSVSink) WriteBatch(records []*domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}

	var order []string
	groups := make(map[string][]*domain.Record)
	for _, r := range records {
		if _, ok := groups[r.CaptureID]; !ok {
			order = append(order, r.CaptureID)
		}
		groups[r.CaptureID] = append(groups[r.CaptureID], r)
	}

	var errs []error
	for _, id := range order {
		if err := c.writeCapture(id, groups[id]); err != nil {
			errs = append(errs, fmt.Errorf("capture %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (c *CSVSink) writeCapture(captureID string, records []*domain.Record) error {
	if captureID == "" || filepath.Base(captureID) != captureID {
		return fmt.Errorf("invalid capture id %q", captureID)
	}
	f, err := os.OpenFile(c.Path(captureID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	w := csv.NewWriter(f)
	if st.Size() == 0 {
		if err := w.Write(c.header()); err != nil {
			f.Close()
			return err
		}
	}
	for _, r := range records {
		if err := w.Write(c.row(r)); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	return errors.Join(w.Error(), f.Close())
}

func (c *CSVSink) header() []string {
	if c.layout == LayoutExtended {
		return extendedHeader
	}
	return legacyHeader
}

func (c *CSVSink) row(r *domain.Record) []string {
	if c.layout == LayoutExtended {
		return []string{
			r.Reading.Timestamp.Format("15:04:05"),
			formatFloat(r.Reading.IOuter),
			formatFloat(r.Reading.VInner),
			formatFloat(r.Metrics.SheetResistance),
			formatFloat(r.Metrics.Resistivity),
			formatFloat(r.Metrics.Conductivity),
		}
	}
	return []string{
		formatFloat(r.Reading.IOuter),
		formatFloat(r.Reading.VInner),
		formatFloat(r.Metrics.SheetResistance),
	}
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

var _ ports.Sink = (*CSVSink)(nil)
