package mpic

import (
	"encoding/gob"
	"fmt"

	"github.com/tinyrange/mpic/internal/hv"
)

func init() {
	// Register snapshot types for gob encoding/decoding.
	gob.Register(&mpicSnapshot{})
}

type cpuSnapshot struct {
	TaskPriority uint8
	Current      [NumTiers]int
	Acked        [NumTiers]bool
	Levels       [NumTiers]bool
}

type mpicSnapshot struct {
	Sources []InterruptSource
	Global  GlobalConfig
	CPUs    []cpuSnapshot
	Stats   Stats
}

func (m *MPIC) DeviceId() string { return "mpic" }

func (m *MPIC) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &mpicSnapshot{
		Sources: make([]InterruptSource, NumSources),
		Global:  m.global,
		CPUs:    make([]cpuSnapshot, m.cfg.CPUs),
		Stats:   m.stats,
	}
	copy(snap.Sources, m.sources.sources[:])
	for cpu := range snap.CPUs {
		state := &m.cpus[cpu]
		snap.CPUs[cpu] = cpuSnapshot{
			TaskPriority: state.taskPriority,
			Current:      state.current,
			Acked:        state.acked,
			Levels:       m.levels[cpu],
		}
	}
	return snap, nil
}

func (m *MPIC) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*mpicSnapshot)
	if !ok {
		return fmt.Errorf("mpic: invalid snapshot type")
	}
	if len(data.Sources) != NumSources {
		return fmt.Errorf("mpic: snapshot source count mismatch: got %d, want %d", len(data.Sources), NumSources)
	}
	if len(data.CPUs) != m.cfg.CPUs {
		return fmt.Errorf("mpic: snapshot cpu count mismatch: got %d, want %d", len(data.CPUs), m.cfg.CPUs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prevSources, prevCPUs, prevGlobal, prevLevels := m.sources, m.cpus, m.global, m.levels

	copy(m.sources.sources[:], data.Sources)
	m.global = data.Global
	for cpu, c := range data.CPUs {
		m.cpus[cpu] = cpuState{
			taskPriority: c.TaskPriority,
			current:      c.Current,
			acked:        c.Acked,
		}
		m.levels[cpu] = c.Levels
	}
	if err := m.validateLocked(); err != nil {
		m.sources, m.cpus, m.global, m.levels = prevSources, prevCPUs, prevGlobal, prevLevels
		return fmt.Errorf("mpic: restore: %w", err)
	}
	m.stats = data.Stats

	for cpu := range data.CPUs {
		for t, level := range m.levels[cpu] {
			if level != prevLevels[cpu][t] {
				m.outputs[cpu][t].SetLevel(level)
			}
		}
	}
	return nil
}
