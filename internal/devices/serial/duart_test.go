package serial

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
)

const testBase = 0xE0004500

// testIRQLine captures interrupt line state changes.
type testIRQLine struct {
	mu     sync.Mutex
	level  bool
	events []bool
}

func (t *testIRQLine) SetLevel(level bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.level = level
	t.events = append(t.events, level)
}

func (t *testIRQLine) PulseInterrupt() {
	t.SetLevel(true)
	t.SetLevel(false)
}

func (t *testIRQLine) Level() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

func writeByte(t *testing.T, u *UART, reg uint64, value byte) {
	if err := u.WriteMMIO(testBase+reg, []byte{value}); err != nil {
		t.Fatalf("write reg %d: %v", reg, err)
	}
}

func readByte(t *testing.T, u *UART, reg uint64) byte {
	var buf [1]byte
	if err := u.ReadMMIO(testBase+reg, buf[:]); err != nil {
		t.Fatalf("read reg %d: %v", reg, err)
	}
	return buf[0]
}

func TestUARTTransmit(t *testing.T) {
	var out bytes.Buffer
	u := New("duart0", testBase, nil, &out, nil)

	for _, b := range []byte("hi\n") {
		writeByte(t, u, 0, b)
	}
	if out.String() != "hi\n" {
		t.Fatalf("output = %q", out.String())
	}
	if lsr := readByte(t, u, 5); lsr&(lsrTHRE|lsrTEMT) != lsrTHRE|lsrTEMT {
		t.Fatalf("transmitter not empty: lsr=%#x", lsr)
	}
	if u.Stats().TxBytes != 3 {
		t.Fatalf("tx bytes = %d", u.Stats().TxBytes)
	}
}

func TestUARTDivisorLatch(t *testing.T) {
	u := New("duart0", testBase, nil, nil, nil)
	writeByte(t, u, 3, lcrDLAB)
	writeByte(t, u, 0, 0x0c)
	writeByte(t, u, 1, 0x01)
	if readByte(t, u, 0) != 0x0c || readByte(t, u, 1) != 0x01 {
		t.Fatalf("divisor latch not readable")
	}
	writeByte(t, u, 3, 0x03)
	if readByte(t, u, 1) != 0 {
		t.Fatalf("IER picked up divisor write")
	}
}

func TestUARTReceiveInterrupt(t *testing.T) {
	irq := &testIRQLine{}
	u := New("duart0", testBase, irq, nil, nil)

	u.Receive([]byte{'x'})
	if irq.Level() {
		t.Fatalf("interrupt raised with IER clear")
	}
	writeByte(t, u, 1, ierRX)
	if !irq.Level() {
		t.Fatalf("receive interrupt not raised")
	}
	if iir := readByte(t, u, 2); iir != 0x04 {
		t.Fatalf("iir = %#x, want 0x04", iir)
	}
	if got := readByte(t, u, 0); got != 'x' {
		t.Fatalf("rbr = %q", got)
	}
	if irq.Level() {
		t.Fatalf("interrupt still raised after draining receiver")
	}
}

func TestUARTFIFOTriggerLevel(t *testing.T) {
	irq := &testIRQLine{}
	u := New("duart0", testBase, irq, nil, nil)
	writeByte(t, u, 2, fcrEnable|0x40)
	writeByte(t, u, 1, ierRX)

	u.Receive([]byte("abc"))
	if irq.Level() {
		t.Fatalf("interrupt raised below trigger level")
	}
	u.Receive([]byte("d"))
	if !irq.Level() {
		t.Fatalf("interrupt not raised at trigger level")
	}
	if iir := readByte(t, u, 2); iir&iirFIFOs != iirFIFOs {
		t.Fatalf("iir does not report FIFOs enabled: %#x", iir)
	}
	var got []byte
	for readByte(t, u, 5)&lsrDataReady != 0 {
		got = append(got, readByte(t, u, 0))
	}
	if string(got) != "abcd" {
		t.Fatalf("received %q", got)
	}
}

func TestUARTOverrun(t *testing.T) {
	irq := &testIRQLine{}
	u := New("duart0", testBase, irq, nil, nil)
	writeByte(t, u, 1, ierLine)

	u.Receive([]byte("ab"))
	if !irq.Level() {
		t.Fatalf("line status interrupt not raised on overrun")
	}
	if lsr := readByte(t, u, 5); lsr&lsrOverrun == 0 {
		t.Fatalf("overrun not reported: lsr=%#x", lsr)
	}
	if irq.Level() {
		t.Fatalf("reading LSR did not clear the overrun interrupt")
	}
	if u.Stats().Overrun != 1 {
		t.Fatalf("overrun count = %d", u.Stats().Overrun)
	}
}

func TestUARTTransmitEmptyInterrupt(t *testing.T) {
	irq := &testIRQLine{}
	u := New("duart0", testBase, irq, nil, nil)

	writeByte(t, u, 1, ierTX)
	if !irq.Level() {
		t.Fatalf("enabling THRE interrupt with empty transmitter did not raise it")
	}
	if iir := readByte(t, u, 2); iir != 0x02 {
		t.Fatalf("iir = %#x, want 0x02", iir)
	}
	if irq.Level() {
		t.Fatalf("reading IIR did not clear THRE interrupt")
	}
	writeByte(t, u, 0, 'z')
	if !irq.Level() {
		t.Fatalf("THRE interrupt not raised after transmit")
	}
}

func TestUARTLoopback(t *testing.T) {
	var out bytes.Buffer
	u := New("duart0", testBase, nil, &out, nil)
	writeByte(t, u, 4, mcrLoop)
	writeByte(t, u, 0, 'q')
	if out.Len() != 0 {
		t.Fatalf("loopback byte escaped to output")
	}
	if got := readByte(t, u, 0); got != 'q' {
		t.Fatalf("loopback rbr = %q", got)
	}
}

func TestUARTPoll(t *testing.T) {
	irq := &testIRQLine{}
	u := New("duart0", testBase, irq, nil, strings.NewReader("ok"))
	if u.SupportsPollDevice() == nil {
		t.Fatalf("channel with input should be pollable")
	}
	writeByte(t, u, 2, fcrEnable)
	writeByte(t, u, 1, ierRX)
	if err := u.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := u.Poll(context.Background()); err != nil {
			t.Fatalf("poll: %v", err)
		}
	}
	if u.Stats().RxBytes != 2 || !irq.Level() {
		t.Fatalf("poll did not deliver input: %+v", u.Stats())
	}

	if New("duart1", testBase, nil, nil, nil).SupportsPollDevice() != nil {
		t.Fatalf("channel without input should not be pollable")
	}
}

func TestUARTStoppedChannelIgnoresInput(t *testing.T) {
	u := New("duart0", testBase, nil, nil, strings.NewReader("abc"))

	if err := u.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got := u.Stats().RxBytes; got != 0 {
		t.Fatalf("unstarted channel received %d bytes", got)
	}

	if err := u.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := u.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if err := u.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := u.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got := u.Stats().RxBytes; got != 1 {
		t.Fatalf("received %d bytes, want 1", got)
	}
	// Registers stay reachable while stopped.
	if got := readByte(t, u, 0); got != 'a' {
		t.Fatalf("rbr = %q, want 'a'", got)
	}
}

func TestUARTResetLowersInterrupt(t *testing.T) {
	irq := &testIRQLine{}
	u := New("duart0", testBase, irq, nil, nil)
	writeByte(t, u, 1, ierRX)
	u.Receive([]byte{'!'})
	if err := u.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if irq.Level() || u.Asserted() {
		t.Fatalf("interrupt still raised after reset")
	}
	if readByte(t, u, 5)&lsrDataReady != 0 {
		t.Fatalf("receiver not cleared by reset")
	}
}

func TestUARTOutOfBounds(t *testing.T) {
	u := New("duart0", testBase, nil, nil, nil)
	if err := u.ReadMMIO(testBase+WindowSize, make([]byte, 1)); err == nil {
		t.Fatalf("expected error for access past the window")
	}
}

func TestUARTSnapshot(t *testing.T) {
	irq := &testIRQLine{}
	u := New("duart0", testBase, irq, nil, nil)
	writeByte(t, u, 1, ierRX)
	writeByte(t, u, 7, 0x5a)
	u.Receive([]byte{'s'})

	snap, err := u.CaptureSnapshot()
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	restoredIRQ := &testIRQLine{}
	restored := New("duart0", testBase, restoredIRQ, nil, nil)
	if err := restored.RestoreSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restoredIRQ.Level() {
		t.Fatalf("restored channel did not raise its interrupt")
	}
	if readByte(t, restored, 7) != 0x5a || readByte(t, restored, 0) != 's' {
		t.Fatalf("register state not restored")
	}
	if err := restored.RestoreSnapshot(struct{}{}); err == nil {
		t.Fatalf("expected error for foreign snapshot")
	}
}
