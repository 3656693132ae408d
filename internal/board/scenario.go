package board

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tinyrange/mpic/internal/devices/ppc/mpic"
	"gopkg.in/yaml.v3"
)

var ErrExpectation = errors.New("board: expectation failed")

// Scenario is a scripted sequence of bus accesses and line changes.
type Scenario struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is one scenario action. Op selects which of the other fields apply:
//
//	irq      line or source, level
//	pulse    line
//	read     offset, want
//	write    offset, value
//	source   source, vector, priority, sense, masked
//	taskpri  cpu, value
//	borders  crit, mcheck
//	ack      cpu, tier, want
//	eoi      cpu, tier
//	rx       uart, data
//	uartrd   uart, offset, want
//	uartwr   uart, offset, value
//	poll
//	reset
//	expect   cpu, pins
type Step struct {
	Op string `yaml:"op"`

	Line   string  `yaml:"line,omitempty"`
	Source *uint32 `yaml:"source,omitempty"`
	Level  bool    `yaml:"level,omitempty"`

	Offset uint64  `yaml:"offset,omitempty"`
	Value  uint32  `yaml:"value,omitempty"`
	Want   *uint32 `yaml:"want,omitempty"`

	Vector   uint8  `yaml:"vector,omitempty"`
	Priority uint8  `yaml:"priority,omitempty"`
	Sense    string `yaml:"sense,omitempty"`
	Masked   bool   `yaml:"masked,omitempty"`

	Crit   uint8 `yaml:"crit,omitempty"`
	Mcheck uint8 `yaml:"mcheck,omitempty"`

	UART string `yaml:"uart,omitempty"`
	Data string `yaml:"data,omitempty"`

	CPU  int             `yaml:"cpu,omitempty"`
	Tier string          `yaml:"tier,omitempty"`
	Pins map[string]bool `yaml:"pins,omitempty"`
}

// StepResult reports the outcome of one executed step.
type StepResult struct {
	Index int
	Step  Step
	// Value holds the data returned by read and ack steps.
	Value    uint32
	HasValue bool
	Pins     [mpic.NumTiers]bool
}

// ParseScenario decodes a YAML scenario.
func ParseScenario(data []byte) (Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario: %w", err)
	}
	for i, step := range s.Steps {
		if step.Op == "" {
			return Scenario{}, fmt.Errorf("scenario step %d: missing op", i)
		}
	}
	return s, nil
}

// LoadScenario reads a YAML scenario from disk.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseScenario(data)
}

// Run executes every step in order, calling fn after each one. It stops at
// the first failing step.
func (m *Machine) Run(s Scenario, fn func(StepResult)) error {
	for i, step := range s.Steps {
		res, err := m.runStep(step)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
		res.Index = i
		res.Step = step
		if pins, err := m.Pins(step.CPU); err == nil {
			res.Pins = pins.Levels()
		}
		if fn != nil {
			fn(res)
		}
	}
	return nil
}

func (m *Machine) runStep(step Step) (StepResult, error) {
	var res StepResult

	switch step.Op {
	case "irq":
		if step.Source != nil {
			return res, m.SetSource(*step.Source, step.Level)
		}
		return res, m.SetLine(step.Line, step.Level)

	case "pulse":
		line, err := m.Line(step.Line)
		if err != nil {
			return res, err
		}
		line.PulseInterrupt()
		return res, nil

	case "read":
		v, err := m.ReadRegister(step.Offset)
		if err != nil {
			return res, err
		}
		res.Value, res.HasValue = v, true
		return res, checkWant(step.Want, v)

	case "write":
		return res, m.WriteRegister(step.Offset, step.Value)

	case "source":
		if step.Source == nil {
			return res, fmt.Errorf("source step needs a source id")
		}
		if *step.Source >= mpic.NumSources {
			return res, fmt.Errorf("%w: %d", mpic.ErrInvalidSource, *step.Source)
		}
		sense := mpic.SenseEdge
		if step.Sense != "" {
			var err error
			if sense, err = mpic.ParseSense(step.Sense); err != nil {
				return res, err
			}
		}
		vp := mpic.EncodeVP(mpic.InterruptSource{
			Vector:   step.Vector,
			Priority: step.Priority,
			Sense:    sense,
			Masked:   step.Masked,
		})
		return res, m.WriteRegister(mpic.SourceVPOffset(*step.Source), vp)

	case "taskpri":
		if err := m.checkCPU(step.CPU); err != nil {
			return res, err
		}
		return res, m.WriteRegister(mpic.CPUOffset(step.CPU, mpic.TaskPriorityRegister), step.Value)

	case "borders":
		return res, m.WriteRegister(mpic.VendorIntTypeRegister, mpic.EncodeVendorIntType(step.Crit, step.Mcheck))

	case "ack":
		tier, err := m.stepTier(step)
		if err != nil {
			return res, err
		}
		v, err := m.ReadRegister(mpic.AckOffset(step.CPU, tier))
		if err != nil {
			return res, err
		}
		res.Value, res.HasValue = v, true
		return res, checkWant(step.Want, v)

	case "eoi":
		tier, err := m.stepTier(step)
		if err != nil {
			return res, err
		}
		return res, m.WriteRegister(mpic.EOIOffset(step.CPU, tier), 0)

	case "rx":
		uart, err := m.UART(step.UART)
		if err != nil {
			return res, err
		}
		uart.Receive([]byte(step.Data))
		return res, nil

	case "uartrd":
		v, err := m.ReadUART(step.UART, step.Offset)
		if err != nil {
			return res, err
		}
		res.Value, res.HasValue = uint32(v), true
		return res, checkWant(step.Want, uint32(v))

	case "uartwr":
		return res, m.WriteUART(step.UART, step.Offset, byte(step.Value))

	case "poll":
		return res, m.Poll(context.Background())

	case "reset":
		return res, m.Reset()

	case "expect":
		pins, err := m.Pins(step.CPU)
		if err != nil {
			return res, err
		}
		for name, want := range step.Pins {
			tier, err := mpic.ParseTier(name)
			if err != nil {
				return res, err
			}
			if got := pins.Level(tier); got != want {
				return res, fmt.Errorf("%w: cpu %d %s pin is %v, want %v", ErrExpectation, step.CPU, tier, got, want)
			}
		}
		return res, nil
	}

	return res, fmt.Errorf("unknown op %q", step.Op)
}

func (m *Machine) checkCPU(cpu int) error {
	if cpu < 0 || cpu >= m.cfg.CPUs {
		return fmt.Errorf("%w: %d", mpic.ErrInvalidCPU, cpu)
	}
	return nil
}

func (m *Machine) stepTier(step Step) (mpic.Tier, error) {
	if err := m.checkCPU(step.CPU); err != nil {
		return 0, err
	}
	if step.Tier == "" {
		return mpic.TierNonCritical, nil
	}
	return mpic.ParseTier(step.Tier)
}

func checkWant(want *uint32, got uint32) error {
	if want != nil && *want != got {
		return fmt.Errorf("%w: got %#x, want %#x", ErrExpectation, got, *want)
	}
	return nil
}
