package acquisition

import "github.com/S8bin-dev/Osilla-Four-Point-Probe-SMU/internal/domain"

// SampleBuffer collects the records of one capture. It never grows past its
// capacity; Append reports when the last slot was filled.
type SampleBuffer struct {
	captureID string
	records   []domain.Record
}

func NewSampleBuffer(captureID string, capacity int) *SampleBuffer {
	return &SampleBuffer{
		captureID: captureID,
		records:   make([]domain.Record, 0, capacity),
	}
}

// Append stores a record and returns true once the buffer is full. A full
// buffer ignores further appends.
func (b *SampleBuffer) Append(r domain.RawReading, m domain.Metrics) bool {
	if b.Full() {
		return true
	}
	b.records = append(b.records, domain.Record{
		CaptureID: b.captureID,
		Seq:       uint64(len(b.records)),
		Reading:   r,
		Metrics:   m,
	})
	return b.Full()
}

func (b *SampleBuffer) Full() bool { return len(b.records) == cap(b.records) }

func (b *SampleBuffer) Len() int { return len(b.records) }

func (b *SampleBuffer) Cap() int { return cap(b.records) }

func (b *SampleBuffer) CaptureID() string { return b.captureID }

// Snapshot returns a copy the caller may keep.
func (b *SampleBuffer) Snapshot() []domain.Record {
	out := make([]domain.Record, len(b.records))
	copy(out, b.records)
	return out
}
