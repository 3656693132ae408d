// Package serial models the NS16550-compatible DUART channels found in the
// CCSR block of PowerPC embedded SoCs.
package serial

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/mpic/internal/chipset"
	"github.com/tinyrange/mpic/internal/hv"
)

const (
	// WindowSize is the register window of one channel.
	WindowSize = 0x100

	registerCount = 8
	fifoSize      = 16

	lcrDLAB = 1 << 7
	mcrLoop = 1 << 4

	lsrDataReady = 1 << 0
	lsrOverrun   = 1 << 1
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	ierRX     = 1 << 0
	ierTX     = 1 << 1
	ierLine   = 1 << 2
	iirNone   = 0x01
	iirFIFOs  = 0xc0
	fcrEnable = 1 << 0
	fcrClrRX  = 1 << 1
	fcrClrTX  = 1 << 2

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrDCD = 1 << 7
)

func init() {
	gob.Register(&uartSnapshot{})
}

// Stats counts bytes moved through a channel.
type Stats struct {
	TxBytes uint64
	RxBytes uint64
	Overrun uint64
}

// UART is one DUART channel. Registers are byte wide at consecutive
// addresses. The interrupt output is a level that follows the interrupt
// identification register.
type UART struct {
	mu sync.Mutex

	name string
	base uint64
	irq  chipset.LineInterrupt
	out  io.Writer
	in   io.Reader

	dll, dlm byte
	ier      byte
	lcr      byte
	mcr      byte
	lsr      byte
	scr      byte

	rx          []byte
	fifoEnabled bool
	trigger     int

	// txIdle latches the transmitter-empty interrupt until IIR reports it.
	txIdle   bool
	asserted bool
	stats    Stats

	// running gates Poll between Start and Stop.
	running bool
}

// New builds a channel at base. Transmitted bytes go to out and Poll pulls
// received bytes from in; either may be nil.
func New(name string, base uint64, irq chipset.LineInterrupt, out io.Writer, in io.Reader) *UART {
	if irq == nil {
		irq = chipset.LineInterruptDetached()
	}
	u := &UART{name: name, base: base, irq: irq, out: out, in: in}
	u.resetLocked()
	return u
}

func (u *UART) resetLocked() {
	u.dll, u.dlm, u.ier, u.lcr, u.mcr, u.scr = 0, 0, 0, 0, 0, 0
	u.lsr = lsrTHRE | lsrTEMT
	u.rx = u.rx[:0]
	u.fifoEnabled = false
	u.trigger = 1
	u.txIdle = false
	u.updateLocked()
}

// Init implements hv.Device.
func (u *UART) Init(vm hv.VirtualMachine) error {
	if vm == nil {
		return nil
	}
	if as := vm.AddressSpace(); as != nil {
		if err := as.RegisterFixed(u.name, u.base, WindowSize); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (u *UART) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.running = true
	return nil
}

// Stop implements chipset.ChangeDeviceState. A stopped channel no longer
// reads from its input stream; register accesses keep working.
func (u *UART) Stop() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.running = false
	return nil
}

// Reset implements chipset.ChangeDeviceState.
func (u *UART) Reset() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resetLocked()
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (u *UART) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []hv.MMIORegion{{Address: u.base, Size: WindowSize}},
		Handler: u,
	}
}

// SupportsPollDevice implements chipset.ChipsetDevice.
func (u *UART) SupportsPollDevice() *chipset.PollDevice {
	if u.in == nil {
		return nil
	}
	return &chipset.PollDevice{Handler: u}
}

// Poll moves at most one byte from the input stream into the receiver.
func (u *UART) Poll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.running || u.in == nil || len(u.rx) >= fifoSize {
		return nil
	}
	var buf [1]byte
	n, err := u.in.Read(buf[:])
	if n > 0 {
		u.receiveLocked(buf[0])
	}
	if err != nil && err != io.EOF {
		return fmt.Errorf("serial: %s: read input: %w", u.name, err)
	}
	return nil
}

// Receive injects bytes as if they arrived on the wire.
func (u *UART) Receive(data []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, b := range data {
		u.receiveLocked(b)
	}
}

// ReadMMIO implements chipset.MmioHandler.
func (u *UART) ReadMMIO(addr uint64, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := range data {
		reg, err := u.register(addr + uint64(i))
		if err != nil {
			return err
		}
		data[i] = u.readLocked(reg)
	}
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (u *UART) WriteMMIO(addr uint64, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, b := range data {
		reg, err := u.register(addr + uint64(i))
		if err != nil {
			return err
		}
		u.writeLocked(reg, b)
	}
	return nil
}

func (u *UART) register(addr uint64) (uint64, error) {
	if addr < u.base || addr >= u.base+WindowSize {
		return 0, fmt.Errorf("serial: %s: address 0x%x out of bounds", u.name, addr)
	}
	return addr - u.base, nil
}

func (u *UART) readLocked(reg uint64) byte {
	switch reg {
	case 0:
		if u.lcr&lcrDLAB != 0 {
			return u.dll
		}
		return u.popLocked()
	case 1:
		if u.lcr&lcrDLAB != 0 {
			return u.dlm
		}
		return u.ier
	case 2:
		iir := u.iirLocked()
		if iir == 0x02 {
			u.txIdle = false
			u.updateLocked()
		}
		if u.fifoEnabled {
			iir |= iirFIFOs
		}
		return iir
	case 3:
		return u.lcr
	case 4:
		return u.mcr
	case 5:
		v := u.lsr
		u.lsr &^= lsrOverrun
		u.updateLocked()
		return v
	case 6:
		return msrCTS | msrDSR | msrDCD
	case 7:
		return u.scr
	}
	return 0
}

func (u *UART) writeLocked(reg uint64, value byte) {
	switch reg {
	case 0:
		if u.lcr&lcrDLAB != 0 {
			u.dll = value
			return
		}
		u.transmitLocked(value)
	case 1:
		if u.lcr&lcrDLAB != 0 {
			u.dlm = value
			return
		}
		if value&ierTX != 0 && u.ier&ierTX == 0 && u.lsr&lsrTHRE != 0 {
			u.txIdle = true
		}
		u.ier = value & 0x0f
	case 2:
		u.setFCRLocked(value)
	case 3:
		u.lcr = value
	case 4:
		prev := u.mcr
		u.mcr = value & 0x1f
		if prev&mcrLoop != 0 && u.mcr&mcrLoop == 0 {
			u.rx = u.rx[:0]
			u.lsr &^= lsrDataReady
		}
	case 7:
		u.scr = value
	default:
		return
	}
	u.updateLocked()
}

func (u *UART) setFCRLocked(value byte) {
	if value&fcrClrRX != 0 {
		u.rx = u.rx[:0]
		u.lsr &^= lsrDataReady
	}
	if value&fcrClrTX != 0 {
		u.lsr |= lsrTHRE | lsrTEMT
	}
	u.fifoEnabled = value&fcrEnable != 0
	switch value & 0xc0 {
	case 0x40:
		u.trigger = 4
	case 0x80:
		u.trigger = 8
	case 0xc0:
		u.trigger = 14
	default:
		u.trigger = 1
	}
}

func (u *UART) transmitLocked(value byte) {
	u.stats.TxBytes++
	if u.mcr&mcrLoop != 0 {
		u.receiveLocked(value)
	} else if u.out != nil {
		_, _ = u.out.Write([]byte{value})
	}
	u.lsr |= lsrTHRE | lsrTEMT
	u.txIdle = true
}

func (u *UART) receiveLocked(value byte) {
	depth := 1
	if u.fifoEnabled {
		depth = fifoSize
	}
	if len(u.rx) >= depth {
		u.lsr |= lsrOverrun
		u.stats.Overrun++
		u.updateLocked()
		return
	}
	u.rx = append(u.rx, value)
	u.stats.RxBytes++
	u.lsr |= lsrDataReady
	u.updateLocked()
}

func (u *UART) popLocked() byte {
	if len(u.rx) == 0 {
		return 0
	}
	v := u.rx[0]
	u.rx = append(u.rx[:0], u.rx[1:]...)
	if len(u.rx) == 0 {
		u.lsr &^= lsrDataReady
	}
	u.updateLocked()
	return v
}

// rxReadyLocked applies the FIFO trigger level to receive interrupts.
func (u *UART) rxReadyLocked() bool {
	if !u.fifoEnabled {
		return len(u.rx) > 0
	}
	return len(u.rx) >= u.trigger
}

func (u *UART) iirLocked() byte {
	switch {
	case u.ier&ierLine != 0 && u.lsr&lsrOverrun != 0:
		return 0x06
	case u.ier&ierRX != 0 && u.rxReadyLocked():
		return 0x04
	case u.ier&ierTX != 0 && u.txIdle:
		return 0x02
	}
	return iirNone
}

func (u *UART) updateLocked() {
	level := u.iirLocked() != iirNone
	if level == u.asserted {
		return
	}
	u.asserted = level
	u.irq.SetLevel(level)
}

// Base returns the start of the register window.
func (u *UART) Base() uint64 { return u.base }

// Asserted reports the level of the interrupt output.
func (u *UART) Asserted() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.asserted
}

// Stats returns the channel counters.
func (u *UART) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stats
}

type uartSnapshot struct {
	DLL, DLM, IER, LCR, MCR, LSR, SCR byte
	RX                                []byte
	FIFOEnabled                       bool
	TxIdle                            bool
	Trigger                           int
	Stats                             Stats
}

func (u *UART) DeviceId() string { return u.name }

func (u *UART) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return &uartSnapshot{
		DLL: u.dll, DLM: u.dlm, IER: u.ier, LCR: u.lcr, MCR: u.mcr, LSR: u.lsr, SCR: u.scr,
		RX:          append([]byte(nil), u.rx...),
		FIFOEnabled: u.fifoEnabled,
		TxIdle:      u.txIdle,
		Trigger:     u.trigger,
		Stats:       u.stats,
	}, nil
}

func (u *UART) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*uartSnapshot)
	if !ok {
		return fmt.Errorf("serial: %s: invalid snapshot type", u.name)
	}
	if len(data.RX) > fifoSize {
		return fmt.Errorf("serial: %s: snapshot holds %d receive bytes", u.name, len(data.RX))
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dll, u.dlm, u.ier, u.lcr, u.mcr, u.lsr, u.scr =
		data.DLL, data.DLM, data.IER, data.LCR, data.MCR, data.LSR, data.SCR
	u.rx = append(u.rx[:0], data.RX...)
	u.fifoEnabled = data.FIFOEnabled
	u.txIdle = data.TxIdle
	u.trigger = data.Trigger
	u.stats = data.Stats
	u.updateLocked()
	return nil
}

var (
	_ chipset.ChipsetDevice = (*UART)(nil)
	_ chipset.MmioHandler   = (*UART)(nil)
	_ chipset.PollHandler   = (*UART)(nil)
	_ hv.DeviceSnapshotter  = (*UART)(nil)
)
