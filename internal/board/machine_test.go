package board

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/mpic/internal/devices/ppc/mpic"
)

func newTestMachine(t *testing.T) *Machine {
	m, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	return m
}

func mustWrite(t *testing.T, m *Machine, offset uint64, value uint32) {
	if err := m.WriteRegister(offset, value); err != nil {
		t.Fatalf("write %#x: %v", offset, err)
	}
}

func mustRead(t *testing.T, m *Machine, offset uint64) uint32 {
	v, err := m.ReadRegister(offset)
	if err != nil {
		t.Fatalf("read %#x: %v", offset, err)
	}
	return v
}

func programSource(t *testing.T, m *Machine, id uint32, vector, priority uint8, sense mpic.Sense) {
	mustWrite(t, m, mpic.SourceVPOffset(id), mpic.EncodeVP(mpic.InterruptSource{
		Vector:   vector,
		Priority: priority,
		Sense:    sense,
	}))
}

func pins(t *testing.T, m *Machine, cpu int) *Pins {
	p, err := m.Pins(cpu)
	if err != nil {
		t.Fatalf("pins: %v", err)
	}
	return p
}

func TestMachineClaimsRegisterWindow(t *testing.T) {
	m := newTestMachine(t)
	regions := m.AddressSpace().FixedRegions()
	if len(regions) != 2 || regions[1].Name != "mpic" || regions[1].Base != mpic.DefaultBaseAddress {
		t.Fatalf("unexpected fixed regions: %+v", regions)
	}
	if regions[0].Name != "duart0" || regions[0].Base != 0xE0004500 {
		t.Fatalf("uart window not claimed: %+v", regions[0])
	}
	if got := mustRead(t, m, mpic.FeatureReportRegister); got != 135<<16|3<<8|2 {
		t.Fatalf("feature report = %#x", got)
	}
}

func TestMachineRejectsOverlappingRAM(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RAMBase = 0xE0000000
	cfg.RAMSize = 0x1000000
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error when RAM covers the controller window")
	}
}

func TestMachineLineDeliversToPin(t *testing.T) {
	m := newTestMachine(t)
	programSource(t, m, 42, 0x2a, 5, mpic.SenseEdge)
	mustWrite(t, m, mpic.CPUOffset(0, mpic.TaskPriorityRegister), 0)

	var transitions []bool
	m.Watch(func(cpu int, tier mpic.Tier, level bool) {
		if cpu == 0 && tier == mpic.TierNonCritical {
			transitions = append(transitions, level)
		}
	})

	var retired int
	m.OnEOI(42, func() { retired++ })

	if err := m.SetLine("duart", true); err != nil {
		t.Fatalf("set line: %v", err)
	}
	p := pins(t, m, 0)
	if !p.Level(mpic.TierNonCritical) {
		t.Fatalf("non-critical pin not raised")
	}
	if got := mustRead(t, m, mpic.AckOffset(0, mpic.TierNonCritical)); got != 0x2a {
		t.Fatalf("ack = %#x, want 0x2a", got)
	}
	if p.Level(mpic.TierNonCritical) {
		t.Fatalf("pin still high after ack")
	}
	mustWrite(t, m, mpic.EOIOffset(0, mpic.TierNonCritical), 0)

	if retired != 1 {
		t.Fatalf("EOI callback ran %d times, want 1", retired)
	}
	if len(transitions) != 2 || !transitions[0] || transitions[1] {
		t.Fatalf("unexpected pin transitions: %v", transitions)
	}
	if p.Rises(mpic.TierNonCritical) != 1 {
		t.Fatalf("rises = %d, want 1", p.Rises(mpic.TierNonCritical))
	}
}

func TestMachineEOICallbackCanDeassertLine(t *testing.T) {
	m := newTestMachine(t)
	programSource(t, m, 42, 0x2a, 5, mpic.SenseLevel)
	mustWrite(t, m, mpic.CPUOffset(0, mpic.TaskPriorityRegister), 0)

	// The peripheral drops its request once the handler has run.
	m.OnEOI(42, func() {
		if err := m.SetLine("duart", false); err != nil {
			t.Errorf("deassert: %v", err)
		}
	})

	if err := m.SetLine("duart", true); err != nil {
		t.Fatalf("set line: %v", err)
	}
	mustRead(t, m, mpic.AckOffset(0, mpic.TierNonCritical))
	mustWrite(t, m, mpic.EOIOffset(0, mpic.TierNonCritical), 0)

	// The level source re-latched on EOI before the callback lowered the
	// input, so one more ack/EOI round drains it.
	mustRead(t, m, mpic.AckOffset(0, mpic.TierNonCritical))
	mustWrite(t, m, mpic.EOIOffset(0, mpic.TierNonCritical), 0)

	if pins(t, m, 0).Level(mpic.TierNonCritical) {
		t.Fatalf("pin high after the line was deasserted")
	}
	if src, _ := m.MPIC().Source(42); src.Pending || src.Activity {
		t.Fatalf("source not drained: %+v", src)
	}
}

func TestMachineSetSourceWithoutLine(t *testing.T) {
	m := newTestMachine(t)
	programSource(t, m, 99, 0x63, 3, mpic.SenseEdge)
	mustWrite(t, m, mpic.CPUOffset(0, mpic.TaskPriorityRegister), 0)

	if err := m.SetSource(99, true); err != nil {
		t.Fatalf("set source: %v", err)
	}
	if !pins(t, m, 0).Level(mpic.TierNonCritical) {
		t.Fatalf("pin not raised for unwired source")
	}
	if err := m.SetSource(mpic.NumSources, true); !errors.Is(err, mpic.ErrInvalidSource) {
		t.Fatalf("expected ErrInvalidSource, got %v", err)
	}
}

func TestMachineUnknownLine(t *testing.T) {
	m := newTestMachine(t)
	if err := m.SetLine("nope", true); !errors.Is(err, ErrUnknownLine) {
		t.Fatalf("expected ErrUnknownLine, got %v", err)
	}
	if _, err := m.Pins(4); !errors.Is(err, mpic.ErrInvalidCPU) {
		t.Fatalf("expected ErrInvalidCPU, got %v", err)
	}
	names := m.LineNames()
	if len(names) != 4 || names[0] != "duart" {
		t.Fatalf("unexpected line names: %v", names)
	}
}

func TestMachineResetLowersPins(t *testing.T) {
	m := newTestMachine(t)
	programSource(t, m, 13, 0x0d, 9, mpic.SenseEdge)
	mustWrite(t, m, mpic.CPUOffset(0, mpic.TaskPriorityRegister), 0)
	if err := m.SetLine("etsec1-tx", true); err != nil {
		t.Fatalf("set line: %v", err)
	}
	if err := m.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if pins(t, m, 0).Levels() != [mpic.NumTiers]bool{} {
		t.Fatalf("pins high after reset")
	}
}

func TestMachineSnapshotRoundTrip(t *testing.T) {
	m := newTestMachine(t)
	mustWrite(t, m, mpic.VendorIntTypeRegister, mpic.EncodeVendorIntType(8, 14))
	programSource(t, m, 14, 0x0e, 9, mpic.SenseLevel)
	programSource(t, m, 42, 0x2a, 3, mpic.SenseEdge)
	mustWrite(t, m, mpic.CPUOffset(0, mpic.TaskPriorityRegister), 1)
	if err := m.SetLine("etsec1-rx", true); err != nil {
		t.Fatalf("set line: %v", err)
	}
	if err := m.SetLine("duart", true); err != nil {
		t.Fatalf("set line: %v", err)
	}

	var buf bytes.Buffer
	if err := m.SaveSnapshot(&buf); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := newTestMachine(t)
	if err := restored.LoadSnapshot(&buf); err != nil {
		t.Fatalf("load: %v", err)
	}

	want := [mpic.NumTiers]bool{true, true, false}
	if got := pins(t, restored, 0).Levels(); got != want {
		t.Fatalf("restored pins = %v, want %v", got, want)
	}
	if got := mustRead(t, restored, mpic.AckOffset(0, mpic.TierCritical)); got != 0x0e {
		t.Fatalf("critical ack = %#x, want 0x0e", got)
	}
	if got := mustRead(t, restored, mpic.AckOffset(0, mpic.TierNonCritical)); got != 0x2a {
		t.Fatalf("non-critical ack = %#x, want 0x2a", got)
	}
}

func TestMachineSnapshotRejectsDifferentLayout(t *testing.T) {
	m := newTestMachine(t)
	var buf bytes.Buffer
	if err := m.SaveSnapshot(&buf); err != nil {
		t.Fatalf("save: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Lines = cfg.Lines[:1]
	other, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := other.LoadSnapshot(&buf); !errors.Is(err, ErrSnapshotMismatch) {
		t.Fatalf("expected ErrSnapshotMismatch, got %v", err)
	}

	if err := other.LoadSnapshot(bytes.NewReader(bytes.Repeat([]byte{0x5a}, 128))); !errors.Is(err, ErrSnapshotMismatch) {
		t.Fatalf("expected ErrSnapshotMismatch for garbage, got %v", err)
	}
}

func TestMachineSnapshotFile(t *testing.T) {
	m := newTestMachine(t)
	path := t.TempDir() + "/machine.snap"
	if err := m.SaveSnapshotFile(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := newTestMachine(t).LoadSnapshotFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestMachineUARTInterruptPath(t *testing.T) {
	var console bytes.Buffer
	m, err := New(DefaultConfig(), WithConsole(&console, nil))
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	programSource(t, m, 42, 0x2a, 5, mpic.SenseLevel)
	mustWrite(t, m, mpic.CPUOffset(0, mpic.TaskPriorityRegister), 0)

	// IER: receive data available.
	if err := m.WriteUART("duart0", 1, 0x01); err != nil {
		t.Fatalf("write ier: %v", err)
	}
	uart, err := m.UART("duart0")
	if err != nil {
		t.Fatalf("uart: %v", err)
	}
	uart.Receive([]byte{'k'})

	p := pins(t, m, 0)
	if !p.Level(mpic.TierNonCritical) {
		t.Fatalf("uart receive did not reach the processor")
	}
	if got := mustRead(t, m, mpic.AckOffset(0, mpic.TierNonCritical)); got != 0x2a {
		t.Fatalf("ack = %#x, want 0x2a", got)
	}
	if b, err := m.ReadUART("duart0", 0); err != nil || b != 'k' {
		t.Fatalf("rbr = %q, %v", b, err)
	}
	mustWrite(t, m, mpic.EOIOffset(0, mpic.TierNonCritical), 0)
	if p.Level(mpic.TierNonCritical) {
		t.Fatalf("pin high after the uart was serviced")
	}

	if err := m.WriteUART("duart0", 0, 'O'); err != nil {
		t.Fatalf("write thr: %v", err)
	}
	if console.String() != "O" {
		t.Fatalf("console = %q", console.String())
	}
	if _, err := m.UART("duart9"); !errors.Is(err, ErrUnknownUART) {
		t.Fatalf("expected ErrUnknownUART, got %v", err)
	}
}

func TestMachinePollFeedsConsoleInput(t *testing.T) {
	m, err := New(DefaultConfig(), WithConsole(nil, strings.NewReader("z")))
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	if err := m.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	// LSR data ready.
	if lsr, err := m.ReadUART("duart0", 5); err != nil || lsr&0x01 == 0 {
		t.Fatalf("lsr = %#x, %v", lsr, err)
	}
}

func TestMachineCloseStopsConsoleInput(t *testing.T) {
	m, err := New(DefaultConfig(), WithConsole(nil, strings.NewReader("xy")))
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	if err := m.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Poll(context.Background()); err != nil {
		t.Fatalf("poll after close: %v", err)
	}
	uart, err := m.UART("duart0")
	if err != nil {
		t.Fatalf("uart: %v", err)
	}
	if got := uart.Stats().RxBytes; got != 1 {
		t.Fatalf("received %d bytes, want 1", got)
	}
	// The register window stays usable after close.
	if b, err := m.ReadUART("duart0", 0); err != nil || b != 'x' {
		t.Fatalf("rbr = %q, %v", b, err)
	}
}

func TestMachineSetSourceSharesLineLevel(t *testing.T) {
	m := newTestMachine(t)
	programSource(t, m, 42, 0x2a, 4, mpic.SenseLevel)
	mustWrite(t, m, mpic.CPUOffset(0, mpic.TaskPriorityRegister), 0)

	if err := m.SetLine("duart", true); err != nil {
		t.Fatalf("set line: %v", err)
	}
	if err := m.SetSource(42, false); err != nil {
		t.Fatalf("set source: %v", err)
	}
	if m.lines.Level(42) {
		t.Fatalf("line level still high after SetSource lowered it")
	}

	// Drain the latch taken by the first assertion.
	mustRead(t, m, mpic.AckOffset(0, mpic.TierNonCritical))
	mustWrite(t, m, mpic.EOIOffset(0, mpic.TierNonCritical), 0)
	if src, _ := m.MPIC().Source(42); src.Pending {
		t.Fatalf("source still pending after the input dropped: %+v", src)
	}

	// The peripheral asserting again must reach the controller.
	if err := m.SetLine("duart", true); err != nil {
		t.Fatalf("set line: %v", err)
	}
	if src, _ := m.MPIC().Source(42); !src.Pending {
		t.Fatalf("re-assertion swallowed: %+v", src)
	}
	if !pins(t, m, 0).Level(mpic.TierNonCritical) {
		t.Fatalf("pin not raised for re-asserted line")
	}
}
