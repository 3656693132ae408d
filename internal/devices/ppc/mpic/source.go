package mpic

import (
	"errors"
	"fmt"
)

// Source id layout. The ranges are fixed for the lifetime of the controller.
const (
	NumExternalSources = 128
	NumTimerSources    = 4
	NumIPISources      = 4

	TimerSourceBase = NumExternalSources
	IPISourceBase   = TimerSourceBase + NumTimerSources
	NumSources      = IPISourceBase + NumIPISources

	// MaxCPU is the width of the destination bitmask.
	MaxCPU = 4
)

var (
	ErrInvalidSource = errors.New("mpic: invalid source id")
	ErrInvalidCPU    = errors.New("mpic: invalid cpu index")
)

// Sense selects how a source's pending flag behaves across EOI.
type Sense uint8

const (
	// SenseEdge sources are one-shot: EOI clears pending.
	SenseEdge Sense = iota
	// SenseLevel sources stay pending while the input is asserted.
	SenseLevel
)

func (s Sense) String() string {
	switch s {
	case SenseEdge:
		return "edge"
	case SenseLevel:
		return "level"
	default:
		return fmt.Sprintf("Sense(%d)", uint8(s))
	}
}

// ParseSense accepts the names produced by Sense.String.
func ParseSense(name string) (Sense, error) {
	switch name {
	case "edge":
		return SenseEdge, nil
	case "level":
		return SenseLevel, nil
	}
	return 0, fmt.Errorf("mpic: unknown sense %q", name)
}

// SourceKind names the fixed range a source id belongs to.
func SourceKind(id uint32) string {
	switch {
	case id < TimerSourceBase:
		return "external"
	case id < IPISourceBase:
		return "timer"
	case id < NumSources:
		return "ipi"
	default:
		return "invalid"
	}
}

// InterruptSource is the configuration and live state of one source.
type InterruptSource struct {
	Vector   uint8
	Priority uint8 // 0-15
	Sense    Sense
	Polarity bool
	Masked   bool

	// Destination is a target-CPU bitmask. It is stored but delivery only
	// targets CPU 0.
	Destination uint8

	// Activity is set while the source is latched on some output tier.
	Activity bool
	// Pending is set while the source has an unacknowledged assertion.
	Pending bool
}

// SourceTable owns every InterruptSource of a controller.
type SourceTable struct {
	sources [NumSources]InterruptSource
}

func validSource(id uint32) error {
	if id >= NumSources {
		return fmt.Errorf("%w: %d", ErrInvalidSource, id)
	}
	return nil
}

// ConfigureVP sets the vector/priority word fields of a source. Priority is
// truncated to 4 bits.
func (t *SourceTable) ConfigureVP(id uint32, vector, priority uint8, sense Sense, polarity, masked bool) error {
	if err := validSource(id); err != nil {
		return err
	}
	s := &t.sources[id]
	s.Vector = vector
	s.Priority = priority & 0xf
	s.Sense = sense & 1
	s.Polarity = polarity
	s.Masked = masked
	return nil
}

// ConfigureDestination sets the destination bitmask of a source.
func (t *SourceTable) ConfigureDestination(id uint32, mask uint8) error {
	if err := validSource(id); err != nil {
		return err
	}
	t.sources[id].Destination = mask & (1<<MaxCPU - 1)
	return nil
}

// SetPending records the external level of a source.
func (t *SourceTable) SetPending(id uint32, level bool) error {
	if err := validSource(id); err != nil {
		return err
	}
	t.sources[id].Pending = level
	return nil
}

// Source returns a copy of a source.
func (t *SourceTable) Source(id uint32) (InterruptSource, error) {
	if err := validSource(id); err != nil {
		return InterruptSource{}, err
	}
	return t.sources[id], nil
}

// Vector returns the vector of a source.
func (t *SourceTable) Vector(id uint32) (uint8, error) {
	s, err := t.Source(id)
	return s.Vector, err
}

// Priority returns the priority of a source.
func (t *SourceTable) Priority(id uint32) (uint8, error) {
	s, err := t.Source(id)
	return s.Priority, err
}

// Pending reports whether a source is pending.
func (t *SourceTable) Pending(id uint32) (bool, error) {
	s, err := t.Source(id)
	return s.Pending, err
}

// Active reports whether a source is latched.
func (t *SourceTable) Active(id uint32) (bool, error) {
	s, err := t.Source(id)
	return s.Activity, err
}

// at returns the source without bounds checking. Callers decode ids from
// validated register addresses or latches.
func (t *SourceTable) at(id uint32) *InterruptSource {
	return &t.sources[id]
}

func (t *SourceTable) reset() {
	for i := range t.sources {
		s := &t.sources[i]
		s.Masked = true
		s.Polarity = true
		s.Pending = false
		s.Activity = false
	}
}
