// Package mpic emulates an OpenPIC-style multiprocessor interrupt controller
// as found in PowerPC embedded SoCs. Sources are arbitrated by priority onto
// three processor outputs per CPU: non-critical, critical and machine check.
package mpic

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/mpic/internal/chipset"
	"github.com/tinyrange/mpic/internal/hv"
)

const (
	// DefaultBaseAddress is the CCSR location of the MPIC on e500 parts.
	DefaultBaseAddress uint64 = 0xE0040000

	resetSpuriousVector = 0xff
	resetBorder         = 0x10
)

// Config describes how the controller is attached to the machine.
type Config struct {
	Base uint64
	// CPUs is the number of per-CPU register blocks, 1 to MaxCPU.
	CPUs int
	// LittleEndian selects little-endian register accesses on the MMIO
	// bus. The default is big-endian.
	LittleEndian bool
}

func (c *Config) normalize() {
	if c.Base == 0 {
		c.Base = DefaultBaseAddress
	}
	if c.CPUs <= 0 {
		c.CPUs = 1
	}
	if c.CPUs > MaxCPU {
		c.CPUs = MaxCPU
	}
}

// EOIHook is notified after an EOI retires a source, outside the controller
// lock. chipset.LineSet satisfies it.
type EOIHook interface {
	BroadcastEOI(line uint32)
}

// Stats counts controller events.
type Stats struct {
	Acknowledges uint64
	Spurious     uint64
	EOIs         uint64
	Resets       uint64
	// Deliveries counts how often each source was latched.
	Deliveries [NumSources]uint64
}

// MPIC is the interrupt controller device. Every entry point takes mu for
// the whole read-decide-update transaction including pushing output levels.
// Output line handles must not call back into the controller.
type MPIC struct {
	mu sync.Mutex

	cfg   Config
	order binary.ByteOrder

	sources SourceTable
	global  GlobalConfig
	cpus    [MaxCPU]cpuState

	outputs [MaxCPU][NumTiers]chipset.LineInterrupt
	levels  [MaxCPU][NumTiers]bool

	eoiHook EOIHook
	stats   Stats
}

// New builds a controller in its reset state with all outputs detached.
func New(cfg Config) *MPIC {
	cfg.normalize()
	m := &MPIC{cfg: cfg, order: binary.BigEndian}
	if cfg.LittleEndian {
		m.order = binary.LittleEndian
	}
	for cpu := range m.outputs {
		for t := range m.outputs[cpu] {
			m.outputs[cpu][t] = chipset.LineInterruptDetached()
		}
	}
	m.mu.Lock()
	m.resetLocked()
	m.stats.Resets = 0
	m.mu.Unlock()
	return m
}

// Config returns the normalized configuration.
func (m *MPIC) Config() Config {
	return m.cfg
}

// SetOutputs attaches the three output lines of a CPU, indexed by Tier, and
// drives them to their current level. Nil entries are detached.
func (m *MPIC) SetOutputs(cpu int, lines [NumTiers]chipset.LineInterrupt) error {
	if cpu < 0 || cpu >= m.cfg.CPUs {
		return fmt.Errorf("%w: %d", ErrInvalidCPU, cpu)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, line := range lines {
		if line == nil {
			line = chipset.LineInterruptDetached()
		}
		m.outputs[cpu][t] = line
		line.SetLevel(m.levels[cpu][t])
	}
	return nil
}

// SetEOIHook installs a hook that observes retired sources.
func (m *MPIC) SetEOIHook(hook EOIHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eoiHook = hook
}

// SetIRQ drives the input of a source. It implements chipset.InterruptSink.
func (m *MPIC) SetIRQ(line uint32, level bool) {
	if line >= NumSources {
		slog.Warn("mpic: input for invalid source dropped", "source", line, "level", level)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources.at(line).Pending = level
	m.arbitrateLocked(0)
}

// Read performs a 32-bit register read at an offset from the base.
func (m *MPIC) Read(offset uint64) uint32 {
	r := decode(offset, m.cfg.CPUs)
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.kind == regUnmapped {
		slog.Debug("mpic: read from unmapped register", "offset", fmt.Sprintf("%#x", offset))
		return 0
	}
	value, mutated := m.readLocked(r)
	if mutated {
		m.arbitrateLocked(r.cpu)
	}
	return value
}

// Write performs a 32-bit register write at an offset from the base.
func (m *MPIC) Write(offset uint64, value uint32) {
	r := decode(offset, m.cfg.CPUs)
	if r.kind == regUnmapped {
		slog.Debug("mpic: write to unmapped register ignored",
			"offset", fmt.Sprintf("%#x", offset), "value", fmt.Sprintf("%#x", value))
		return
	}

	m.mu.Lock()
	retired := m.writeLocked(r, value)
	if r.perCPU() {
		m.arbitrateLocked(r.cpu)
	}
	if !r.perCPU() || r.cpu != 0 {
		m.arbitrateLocked(0)
	}
	hook := m.eoiHook
	m.mu.Unlock()

	if retired != idle && hook != nil {
		hook.BroadcastEOI(uint32(retired))
	}
}

// Reset returns the controller to its power-on state and lowers every
// output. It implements chipset.ChangeDeviceState.
func (m *MPIC) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
	return nil
}

func (m *MPIC) resetLocked() {
	m.sources.reset()
	for cpu := range m.cpus {
		m.cpus[cpu].reset()
	}
	m.global = GlobalConfig{
		PassThrough8259: true,
		CritBorder:      resetBorder,
		McheckBorder:    resetBorder,
		SpuriousVector:  resetSpuriousVector,
	}
	m.stats.Resets++
	for cpu := 0; cpu < m.cfg.CPUs; cpu++ {
		m.arbitrateLocked(cpu)
	}
	slog.Debug("mpic: reset")
}

// arbitrateLocked re-runs arbitration for cpu and pushes changed output
// levels.
func (m *MPIC) arbitrateLocked(cpu int) {
	state := &m.cpus[cpu]
	result := resolve(&m.sources, &m.global, state, cpu)
	for _, id := range result.apply(&m.sources, state) {
		m.stats.Deliveries[id]++
	}
	for t, level := range result.assert {
		m.setOutputLocked(cpu, Tier(t), level)
	}
}

func (m *MPIC) setOutputLocked(cpu int, tier Tier, level bool) {
	if m.levels[cpu][tier] == level {
		return
	}
	m.levels[cpu][tier] = level
	m.outputs[cpu][tier].SetLevel(level)
}

// acknowledgeLocked lowers the output of a tier and returns the vector of
// the latched source, or the spurious vector when nothing is latched.
func (m *MPIC) acknowledgeLocked(cpu int, tier Tier) uint8 {
	state := &m.cpus[cpu]
	m.setOutputLocked(cpu, tier, false)
	cur := state.current[tier]
	if cur == idle {
		m.stats.Spurious++
		slog.Debug("mpic: spurious acknowledge", "cpu", cpu, "tier", tier)
		return m.global.SpuriousVector
	}
	state.acked[tier] = true
	m.stats.Acknowledges++
	return m.sources.at(uint32(cur)).Vector
}

// eoiLocked retires the latched source of a tier. It returns the retired
// source, or idle when nothing was latched.
func (m *MPIC) eoiLocked(cpu int, tier Tier) int {
	state := &m.cpus[cpu]
	cur := state.current[tier]
	if cur == idle {
		return idle
	}
	src := m.sources.at(uint32(cur))
	src.Activity = false
	if src.Sense == SenseEdge {
		src.Pending = false
	}
	state.current[tier] = idle
	state.acked[tier] = false
	m.stats.EOIs++
	return cur
}

// Source returns a copy of a source.
func (m *MPIC) Source(id uint32) (InterruptSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sources.Source(id)
}

// Global returns a copy of the global configuration.
func (m *MPIC) Global() GlobalConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global
}

// TaskPriority returns the task priority of a CPU.
func (m *MPIC) TaskPriority(cpu int) (uint8, error) {
	if cpu < 0 || cpu >= m.cfg.CPUs {
		return 0, fmt.Errorf("%w: %d", ErrInvalidCPU, cpu)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cpus[cpu].taskPriority, nil
}

// Current returns the source latched on a tier of a CPU.
func (m *MPIC) Current(cpu int, tier Tier) (uint32, bool) {
	if cpu < 0 || cpu >= m.cfg.CPUs || tier < 0 || tier >= NumTiers {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.cpus[cpu].current[tier]
	if cur == idle {
		return 0, false
	}
	return uint32(cur), true
}

// OutputLevel reports the level last driven on an output line.
func (m *MPIC) OutputLevel(cpu int, tier Tier) bool {
	if cpu < 0 || cpu >= m.cfg.CPUs || tier < 0 || tier >= NumTiers {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[cpu][tier]
}

// Stats returns a copy of the event counters.
func (m *MPIC) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Validate checks the latch invariants of every CPU.
func (m *MPIC) Validate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validateLocked()
}

func (m *MPIC) validateLocked() error {
	var latched [NumSources]bool
	for cpu := 0; cpu < m.cfg.CPUs; cpu++ {
		state := &m.cpus[cpu]
		for t, cur := range state.current {
			if cur == idle {
				continue
			}
			if cur < 0 || cur >= NumSources {
				return fmt.Errorf("mpic: cpu %d %s latch refers to invalid source %d", cpu, Tier(t), cur)
			}
			if !m.sources.at(uint32(cur)).Activity {
				return fmt.Errorf("mpic: cpu %d %s latch %d is not active", cpu, Tier(t), cur)
			}
			latched[cur] = true
			for other := t + 1; other < NumTiers; other++ {
				if state.current[other] == cur {
					return fmt.Errorf("mpic: cpu %d source %d latched on %s and %s", cpu, cur, Tier(t), Tier(other))
				}
			}
		}
		if state.taskPriority >= taskPriorityMasked {
			for t, level := range m.levels[cpu] {
				if level {
					return fmt.Errorf("mpic: cpu %d fully masked but %s output is high", cpu, Tier(t))
				}
			}
		}
	}
	// An active source nobody has latched can never win arbitration again.
	for id := range m.sources.sources {
		if m.sources.sources[id].Activity && !latched[id] {
			return fmt.Errorf("mpic: source %d is active but not latched", id)
		}
	}
	return nil
}

func (m *MPIC) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("MPIC(base=%#x, cpus=%d, levels=%v)", m.cfg.Base, m.cfg.CPUs, m.levels[:m.cfg.CPUs])
}

// Device plumbing -----------------------------------------------------------

// Init implements hv.Device by claiming the register window.
func (m *MPIC) Init(vm hv.VirtualMachine) error {
	if vm == nil {
		return nil
	}
	if vm.CPUCount() < m.cfg.CPUs {
		return fmt.Errorf("mpic: configured for %d cpus but machine has %d", m.cfg.CPUs, vm.CPUCount())
	}
	if as := vm.AddressSpace(); as != nil {
		if err := as.RegisterFixed("mpic", m.cfg.Base, RegisterWindowSize); err != nil {
			return fmt.Errorf("mpic: %w", err)
		}
	}
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (m *MPIC) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (m *MPIC) Stop() error { return nil }

// MMIORegions implements hv.MemoryMappedIODevice.
func (m *MPIC) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{
		{Address: m.cfg.Base, Size: RegisterWindowSize},
	}
}

// SupportsMmio implements chipset.ChipsetDevice.
func (m *MPIC) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: m.MMIORegions(),
		Handler: m,
	}
}

// SupportsPollDevice implements chipset.ChipsetDevice.
func (m *MPIC) SupportsPollDevice() *chipset.PollDevice { return nil }

// ReadMMIO implements hv.MemoryMappedIODevice.
func (m *MPIC) ReadMMIO(addr uint64, data []byte) error {
	offset, err := m.mmioOffset(addr, data)
	if err != nil {
		return fmt.Errorf("mpic: read: %w", err)
	}
	m.order.PutUint32(data, m.Read(offset))
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (m *MPIC) WriteMMIO(addr uint64, data []byte) error {
	offset, err := m.mmioOffset(addr, data)
	if err != nil {
		return fmt.Errorf("mpic: write: %w", err)
	}
	m.Write(offset, m.order.Uint32(data))
	return nil
}

func (m *MPIC) mmioOffset(addr uint64, data []byte) (uint64, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("invalid access size %d at 0x%x", len(data), addr)
	}
	if addr < m.cfg.Base || addr+4 > m.cfg.Base+RegisterWindowSize {
		return 0, fmt.Errorf("address 0x%x outside MMIO window", addr)
	}
	return addr - m.cfg.Base, nil
}

var (
	_ hv.MemoryMappedIODevice = (*MPIC)(nil)
	_ chipset.ChipsetDevice   = (*MPIC)(nil)
	_ chipset.InterruptSink   = (*MPIC)(nil)
	_ hv.DeviceSnapshotter    = (*MPIC)(nil)
)
