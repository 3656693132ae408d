package mpic

import "fmt"

// Tier is one of the three processor-facing interrupt outputs.
type Tier int

const (
	TierNonCritical Tier = iota
	TierCritical
	TierMachineCheck

	NumTiers = 3
)

func (t Tier) String() string {
	switch t {
	case TierNonCritical:
		return "noncritical"
	case TierCritical:
		return "critical"
	case TierMachineCheck:
		return "mcheck"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// ParseTier accepts the names produced by Tier.String.
func ParseTier(name string) (Tier, error) {
	for t := TierNonCritical; t < NumTiers; t++ {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("mpic: unknown tier %q", name)
}

const (
	// idle marks a tier with nothing latched.
	idle = -1

	// taskPriorityMasked blocks every source on a CPU.
	taskPriorityMasked = 15
)

// GlobalConfig holds the controller-wide arbitration settings.
type GlobalConfig struct {
	PassThrough8259 bool
	CritBorder      uint8 // 0-31
	McheckBorder    uint8 // 0-31
	SpuriousVector  uint8

	// TimerFrequency is reported back to the guest and has no effect on
	// arbitration.
	TimerFrequency uint32
}

// tierFor classifies a priority against the tier borders.
func (g *GlobalConfig) tierFor(priority uint8) Tier {
	switch {
	case priority >= g.McheckBorder:
		return TierMachineCheck
	case priority >= g.CritBorder:
		return TierCritical
	default:
		return TierNonCritical
	}
}

type cpuState struct {
	taskPriority uint8
	current      [NumTiers]int
	// acked is set once the latch on a tier has been read through the
	// acknowledge register. An acknowledged latch keeps its output low.
	acked [NumTiers]bool
}

func (c *cpuState) reset() {
	c.taskPriority = taskPriorityMasked
	for t := range c.current {
		c.current[t] = idle
		c.acked[t] = false
	}
}

// routedTo reports whether sources are delivered to cpu.
// TODO: honour InterruptSource.Destination once multi-CPU delivery rules are defined.
func routedTo(cpu int) bool {
	return cpu == 0
}

// arbitration is the outcome of one resolve pass for a CPU.
type arbitration struct {
	latch  [NumTiers]int
	assert [NumTiers]bool
}

// resolve picks the source that should be latched on each tier of cpu. It
// does not modify any state.
func resolve(sources *SourceTable, g *GlobalConfig, state *cpuState, cpu int) arbitration {
	var out arbitration
	out.latch = state.current

	if state.taskPriority >= taskPriorityMasked {
		return out
	}

	best := [NumTiers]int{idle, idle, idle}
	if routedTo(cpu) {
		for id := range sources.sources {
			src := &sources.sources[id]
			if !src.Pending || src.Masked || src.Priority <= state.taskPriority {
				continue
			}
			tier := g.tierFor(src.Priority)
			// A source in service on another tier cannot win this one.
			if src.Activity && state.current[tier] != id {
				continue
			}
			// Strict comparison keeps the lowest id on equal priority.
			if best[tier] == idle || src.Priority > sources.sources[best[tier]].Priority {
				best[tier] = id
			}
		}
	}

	for t := range best {
		cur, cand := state.current[t], best[t]
		switch {
		case cand == idle, cand == cur:
		case cur == idle:
			out.latch[t] = cand
		case sources.sources[cand].Priority > sources.sources[cur].Priority:
			out.latch[t] = cand
		}
		if out.latch[t] == idle {
			continue
		}
		out.assert[t] = out.latch[t] != cur || !state.acked[t]
	}
	return out
}

// apply commits an arbitration result to the source table and CPU state.
// It returns the sources that became newly latched.
func (a arbitration) apply(sources *SourceTable, state *cpuState) []uint32 {
	var latched []uint32
	for t, next := range a.latch {
		prev := state.current[t]
		if next == prev {
			continue
		}
		if prev != idle {
			sources.at(uint32(prev)).Activity = false
		}
		state.current[t] = next
		state.acked[t] = false
		if next != idle {
			sources.at(uint32(next)).Activity = true
			latched = append(latched, uint32(next))
		}
	}
	return latched
}
