package chipset

import "sync"

// LineSet manages interrupt lines and EOI callbacks.
type LineSet struct {
	mu sync.Mutex

	sink InterruptSink

	lines map[uint32]*lineState
	eoi   map[uint32][]func()
}

// NewLineSet builds a LineSet that forwards assertions to the provided sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[uint32]*lineState),
		eoi:   make(map[uint32][]func()),
	}
}

// AllocateLine returns a LineInterrupt handle for the given IRQ line.
func (l *LineSet) AllocateLine(irq uint32) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[irq]; !ok {
		l.lines[irq] = &lineState{}
	}
	return &lineHandle{owner: l, irq: irq}
}

// Level reports the last level driven on the line.
func (l *LineSet) Level(irq uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.lines[irq]
	return state != nil && state.level
}

// RegisterEOICallback registers a callback for the given line.
// The callback is invoked when BroadcastEOI is called with the same line.
func (l *LineSet) RegisterEOICallback(line uint32, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoi[line] = append(l.eoi[line], fn)
}

// BroadcastEOI notifies listeners that an EOI was signalled for the line.
func (l *LineSet) BroadcastEOI(line uint32) {
	l.mu.Lock()
	callbacks := append([]func(){}, l.eoi[line]...)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

type lineState struct {
	level bool
}

type lineHandle struct {
	owner *LineSet
	irq   uint32
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.irq, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.pulse(h.irq)
}

// The sink is called with the lock held so the sink always sees levels in
// the order they were cached. Sinks must not drive lines of the same set.
func (l *LineSet) setLevel(irq uint32, high bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.lines[irq]
	if state == nil {
		state = &lineState{}
		l.lines[irq] = state
	}
	if state.level == high {
		return
	}
	state.level = high
	l.sink.SetIRQ(irq, high)
}

func (l *LineSet) pulse(irq uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state := l.lines[irq]; state != nil {
		state.level = false
	}
	l.sink.SetIRQ(irq, true)
	l.sink.SetIRQ(irq, false)
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint32, bool) {}
