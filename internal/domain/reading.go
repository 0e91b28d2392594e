package domain

import "time"

// RawReading is one poll of the instrument.
type RawReading struct {
	VOuter     float64   `json:"v_outer"`
	IOuter     float64   `json:"i_outer"`
	VInner     float64   `json:"v_inner"`
	Timestamp  time.Time `json:"ts"`
	Compliance bool      `json:"compliance,omitempty"`
}

// Metrics is derived from a RawReading and the sample description.
type Metrics struct {
	Resistance       float64 `json:"resistance"`
	SheetResistance  float64 `json:"sheet_resistance"`
	Resistivity      float64 `json:"resistivity"`
	Conductivity     float64 `json:"conductivity"`
	CorrectionFactor float64 `json:"correction_factor"`
}

// Record is a saved measurement: the unit that is journaled and exported.
type Record struct {
	CaptureID string     `json:"capture_id"`
	Seq       uint64     `json:"seq"`
	Reading   RawReading `json:"reading"`
	Metrics   Metrics    `json:"metrics"`
}

// SessionState tracks where an instrument session is in its lifecycle.
type SessionState uint8

const (
	StateDisconnected SessionState = iota
	StateConfiguring
	StateArmed
	StateMeasuring
	StateDisabled
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConfiguring:
		return "configuring"
	case StateArmed:
		return "armed"
	case StateMeasuring:
		return "measuring"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}
