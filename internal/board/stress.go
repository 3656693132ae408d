package board

import (
	"context"
	"fmt"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/mpic/internal/devices/ppc/mpic"
)

// StressOptions controls a randomized stress run.
type StressOptions struct {
	// Sources is the number of external sources exercised, counting up from
	// 0 and skipping sources owned by a configured line.
	Sources int
	// Drivers toggle source inputs. Servicers run ack/EOI cycles.
	Drivers    int
	Servicers  int
	Iterations int
	Seed       uint64
	// Progress is called once per completed iteration from any worker.
	Progress func()
}

func (o *StressOptions) normalize() {
	if o.Sources <= 0 || o.Sources > mpic.NumExternalSources {
		o.Sources = 32
	}
	if o.Drivers <= 0 {
		o.Drivers = 4
	}
	if o.Servicers <= 0 {
		o.Servicers = 2
	}
	if o.Iterations <= 0 {
		o.Iterations = 1000
	}
	if o.Progress == nil {
		o.Progress = func() {}
	}
}

// Stress programs a spread of sources across all three tiers and hammers
// the controller from concurrent input drivers and interrupt handlers.
// Afterwards it checks the controller invariants.
func (m *Machine) Stress(ctx context.Context, opts StressOptions) error {
	opts.normalize()

	ids := m.stressSources(opts.Sources)
	if len(ids) == 0 {
		return fmt.Errorf("board: no free sources to stress")
	}

	if err := m.WriteRegister(mpic.VendorIntTypeRegister, mpic.EncodeVendorIntType(6, 12)); err != nil {
		return err
	}
	for _, id := range ids {
		sense := mpic.SenseEdge
		if id%2 == 0 {
			sense = mpic.SenseLevel
		}
		vp := mpic.EncodeVP(mpic.InterruptSource{
			Vector:   uint8(id),
			Priority: uint8(1 + id%15),
			Sense:    sense,
		})
		if err := m.WriteRegister(mpic.SourceVPOffset(id), vp); err != nil {
			return err
		}
	}
	if err := m.WriteRegister(mpic.CPUOffset(0, mpic.TaskPriorityRegister), 0); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	for w := 0; w < opts.Drivers; w++ {
		rng := rand.New(rand.NewPCG(opts.Seed, uint64(w)))
		g.Go(func() error {
			for i := 0; i < opts.Iterations; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				source := ids[rng.IntN(len(ids))]
				if err := m.SetSource(source, rng.IntN(2) == 0); err != nil {
					return err
				}
				opts.Progress()
			}
			return nil
		})
	}

	for w := 0; w < opts.Servicers; w++ {
		rng := rand.New(rand.NewPCG(opts.Seed, uint64(opts.Drivers+w)))
		g.Go(func() error {
			for i := 0; i < opts.Iterations; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				tier := mpic.Tier(rng.IntN(int(mpic.NumTiers)))
				if _, err := m.ReadRegister(mpic.AckOffset(0, tier)); err != nil {
					return err
				}
				if err := m.WriteRegister(mpic.EOIOffset(0, tier), 0); err != nil {
					return err
				}
				opts.Progress()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := m.pic.Validate(); err != nil {
		return fmt.Errorf("controller inconsistent after stress: %w", err)
	}
	return nil
}

// stressSources picks up to n external sources that no configured line
// drives, so a stress run never fights a peripheral for its input.
func (m *Machine) stressSources(n int) []uint32 {
	owned := make(map[uint32]bool, len(m.cfg.Lines))
	for _, line := range m.cfg.Lines {
		owned[line.Source] = true
	}
	ids := make([]uint32, 0, n)
	for id := uint32(0); id < mpic.NumExternalSources && len(ids) < n; id++ {
		if !owned[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// StressTotal is the number of Progress calls a run with opts makes.
func StressTotal(opts StressOptions) int {
	opts.normalize()
	return (opts.Drivers + opts.Servicers) * opts.Iterations
}
