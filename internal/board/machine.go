// Package board assembles an interrupt controller, its peripheral lines and
// the processor input pins into a small machine that can be driven from
// scenario files.
package board

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/mpic/internal/chipset"
	"github.com/tinyrange/mpic/internal/devices/ppc/mpic"
	"github.com/tinyrange/mpic/internal/devices/serial"
	"github.com/tinyrange/mpic/internal/hv"
)

var (
	ErrUnknownLine = errors.New("board: unknown line")
	ErrUnknownUART = errors.New("board: unknown uart")
)

type options struct {
	consoleOut io.Writer
	consoleIn  io.Reader
}

// Option customizes machine construction.
type Option func(*options)

// WithConsole connects the first UART to out and in. Either may be nil.
func WithConsole(out io.Writer, in io.Reader) Option {
	return func(o *options) {
		o.consoleOut = out
		o.consoleIn = in
	}
}

// PinWatcher observes transitions of a processor input pin. It runs while
// the controller lock is held and must not call back into the machine.
type PinWatcher func(cpu int, tier mpic.Tier, level bool)

// Pins records the interrupt inputs of one processor core.
type Pins struct {
	cpu int

	mu     sync.Mutex
	levels [mpic.NumTiers]bool
	rises  [mpic.NumTiers]uint64
	watch  PinWatcher
}

func (p *Pins) line(tier mpic.Tier) chipset.LineInterrupt {
	return chipset.LineInterruptFromFunc(func(level bool) {
		p.mu.Lock()
		changed := p.levels[tier] != level
		p.levels[tier] = level
		if changed && level {
			p.rises[tier]++
		}
		watch := p.watch
		p.mu.Unlock()

		if changed && watch != nil {
			watch(p.cpu, tier, level)
		}
	})
}

// Level reports the current level of one input.
func (p *Pins) Level(tier mpic.Tier) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.levels[tier]
}

// Levels reports all three inputs indexed by tier.
func (p *Pins) Levels() [mpic.NumTiers]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.levels
}

// Rises counts low-to-high transitions of an input.
func (p *Pins) Rises(tier mpic.Tier) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rises[tier]
}

// Machine is a board built from a Config.
type Machine struct {
	cfg   Config
	order binary.ByteOrder

	space   *hv.AddressSpace
	chipset *chipset.Chipset
	pic     *mpic.MPIC
	lines   *chipset.LineSet

	named map[string]chipset.LineInterrupt
	uarts map[string]*serial.UART
	pins  []*Pins
}

// New builds and initializes a machine.
func New(cfg Config, opts ...Option) (*Machine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid board config: %w", err)
	}

	m := &Machine{
		cfg:   cfg,
		order: binary.BigEndian,
		space: hv.NewAddressSpace(hv.ArchitecturePPC32, cfg.RAMBase, cfg.RAMSize),
		named: make(map[string]chipset.LineInterrupt, len(cfg.Lines)),
		uarts: make(map[string]*serial.UART, len(cfg.UARTs)),
	}
	if cfg.MPIC.Endian == "little" {
		m.order = binary.LittleEndian
	}

	m.pic = mpic.New(mpic.Config{
		Base:         cfg.MPIC.Base,
		CPUs:         cfg.CPUs,
		LittleEndian: cfg.MPIC.Endian == "little",
	})
	m.lines = chipset.NewLineSet(busSink{m})
	m.pic.SetEOIHook(m.lines)

	builder := chipset.NewBuilder()
	if err := builder.RegisterDevice(m.pic.DeviceId(), m.pic); err != nil {
		return nil, err
	}
	// The controller owns every interrupt input on the bus.
	for source := uint32(0); source < mpic.NumSources; source++ {
		if err := builder.WithInterruptLine(source, m.pic); err != nil {
			return nil, err
		}
	}
	for _, line := range cfg.Lines {
		m.named[line.Name] = m.lines.AllocateLine(line.Source)
	}

	for i, uc := range cfg.UARTs {
		var out io.Writer
		var in io.Reader
		if i == 0 {
			out, in = o.consoleOut, o.consoleIn
		}
		uart := serial.New(uc.Name, uc.Base, m.named[uc.Line], out, in)
		if err := builder.RegisterDevice(uc.Name, uart); err != nil {
			return nil, err
		}
		m.uarts[uc.Name] = uart
	}

	cs, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build chipset: %w", err)
	}
	m.chipset = cs
	if err := cs.Init(m); err != nil {
		return nil, err
	}

	for cpu := 0; cpu < cfg.CPUs; cpu++ {
		pins := &Pins{cpu: cpu}
		var outs [mpic.NumTiers]chipset.LineInterrupt
		for t := mpic.TierNonCritical; t < mpic.NumTiers; t++ {
			outs[t] = pins.line(t)
		}
		if err := m.pic.SetOutputs(cpu, outs); err != nil {
			return nil, err
		}
		m.pins = append(m.pins, pins)
	}

	if err := cs.Start(); err != nil {
		return nil, err
	}

	slog.Debug("board: machine ready",
		"name", cfg.Name,
		"cpus", cfg.CPUs,
		"mpic", fmt.Sprintf("%#x", cfg.MPIC.Base),
		"lines", len(cfg.Lines),
		"uarts", len(cfg.UARTs))
	return m, nil
}

// Architecture implements hv.VirtualMachine.
func (m *Machine) Architecture() hv.CpuArchitecture { return hv.ArchitecturePPC32 }

// CPUCount implements hv.VirtualMachine.
func (m *Machine) CPUCount() int { return m.cfg.CPUs }

// AddressSpace implements hv.VirtualMachine.
func (m *Machine) AddressSpace() *hv.AddressSpace { return m.space }

func (m *Machine) Config() Config { return m.cfg }

// MPIC returns the interrupt controller.
func (m *Machine) MPIC() *mpic.MPIC { return m.pic }

// Chipset returns the device bus.
func (m *Machine) Chipset() *chipset.Chipset { return m.chipset }

// Pins returns the interrupt inputs of a core.
func (m *Machine) Pins(cpu int) (*Pins, error) {
	if cpu < 0 || cpu >= len(m.pins) {
		return nil, fmt.Errorf("%w: %d", mpic.ErrInvalidCPU, cpu)
	}
	return m.pins[cpu], nil
}

// Watch installs fn on every core's pins. A nil fn removes the watcher.
func (m *Machine) Watch(fn PinWatcher) {
	for _, p := range m.pins {
		p.mu.Lock()
		p.watch = fn
		p.mu.Unlock()
	}
}

// LineNames lists the configured peripheral lines in sorted order.
func (m *Machine) LineNames() []string {
	names := make([]string, 0, len(m.named))
	for name := range m.named {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Line returns the handle of a named peripheral line.
func (m *Machine) Line(name string) (chipset.LineInterrupt, error) {
	line, ok := m.named[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownLine, name)
	}
	return line, nil
}

// SetLine drives a named peripheral line.
func (m *Machine) SetLine(name string, level bool) error {
	line, err := m.Line(name)
	if err != nil {
		return err
	}
	line.SetLevel(level)
	return nil
}

// SetSource drives a controller input by number. A source that also has a
// named line shares that line's level, so the last driver wins.
func (m *Machine) SetSource(source uint32, level bool) error {
	if source >= mpic.NumSources {
		return fmt.Errorf("%w: %d", mpic.ErrInvalidSource, source)
	}
	m.lines.AllocateLine(source).SetLevel(level)
	return nil
}

// UART returns a configured serial channel.
func (m *Machine) UART(name string) (*serial.UART, error) {
	uart, ok := m.uarts[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownUART, name)
	}
	return uart, nil
}

// ReadUART reads one channel register through the bus.
func (m *Machine) ReadUART(name string, reg uint64) (byte, error) {
	uart, err := m.UART(name)
	if err != nil {
		return 0, err
	}
	var buf [1]byte
	if err := m.chipset.HandleMMIO(uart.Base()+reg, buf[:], false); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteUART writes one channel register through the bus.
func (m *Machine) WriteUART(name string, reg uint64, value byte) error {
	uart, err := m.UART(name)
	if err != nil {
		return err
	}
	return m.chipset.HandleMMIO(uart.Base()+reg, []byte{value}, true)
}

// Poll gives every pollable device a chance to pick up external input.
func (m *Machine) Poll(ctx context.Context) error {
	return m.chipset.Poll(ctx)
}

// OnEOI registers fn to run whenever a source is retired by an EOI.
func (m *Machine) OnEOI(source uint32, fn func()) {
	m.lines.RegisterEOICallback(source, fn)
}

// ReadRegister performs a 32-bit bus read at an offset from the controller
// base.
func (m *Machine) ReadRegister(offset uint64) (uint32, error) {
	var buf [4]byte
	if err := m.chipset.HandleMMIO(m.cfg.MPIC.Base+offset, buf[:], false); err != nil {
		return 0, err
	}
	return m.order.Uint32(buf[:]), nil
}

// WriteRegister performs a 32-bit bus write at an offset from the
// controller base.
func (m *Machine) WriteRegister(offset uint64, value uint32) error {
	var buf [4]byte
	m.order.PutUint32(buf[:], value)
	return m.chipset.HandleMMIO(m.cfg.MPIC.Base+offset, buf[:], true)
}

// Reset resets every device on the board.
func (m *Machine) Reset() error {
	return m.chipset.Reset()
}

// Close stops every device. Registers stay accessible but no device picks
// up external input afterwards.
func (m *Machine) Close() error {
	return m.chipset.Stop()
}

// ConfigHash identifies the board layout for snapshot compatibility.
func (m *Machine) ConfigHash() hv.ConfigHash {
	devices := []hv.DeviceConfig{
		{ID: m.pic.DeviceId(), Base: m.cfg.MPIC.Base, Size: mpic.RegisterWindowSize},
	}
	for _, line := range m.cfg.Lines {
		devices = append(devices, hv.DeviceConfig{ID: line.Name, IRQLine: line.Source})
	}
	for _, uc := range m.cfg.UARTs {
		devices = append(devices, hv.DeviceConfig{ID: uc.Name, Base: uc.Base, Size: serial.WindowSize})
	}
	return hv.ComputeConfigHash(m.space.Architecture(), m.space.RAMBase(), m.space.RAMSize(), m.cfg.CPUs, devices)
}

// busSink carries peripheral line levels over the chipset to the
// controller.
type busSink struct{ m *Machine }

func (b busSink) SetIRQ(line uint32, level bool) {
	if b.m.chipset == nil {
		b.m.pic.SetIRQ(line, level)
		return
	}
	if err := b.m.chipset.SetIRQ(line, level); err != nil {
		slog.Warn("board: interrupt dropped", "line", line, "level", level, "err", err)
	}
}

var _ hv.VirtualMachine = (*Machine)(nil)
