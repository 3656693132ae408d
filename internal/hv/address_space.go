package hv

import (
	"fmt"
	"sync"
)

// MMIOAllocation describes a named MMIO window in the guest physical map.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

// AddressSpace tracks RAM and the fixed MMIO windows of a machine.
type AddressSpace struct {
	mu sync.Mutex

	arch    CpuArchitecture
	ramBase uint64
	ramSize uint64

	// fixedRegions holds pre-determined MMIO regions (interrupt controller, UART, etc.)
	fixedRegions []MMIOAllocation
}

// NewAddressSpace creates a new physical address map for a machine.
func NewAddressSpace(arch CpuArchitecture, ramBase, ramSize uint64) *AddressSpace {
	return &AddressSpace{
		arch:    arch,
		ramBase: ramBase,
		ramSize: ramSize,
	}
}

// RegisterFixed registers a pre-determined MMIO region.
// Returns error if the region overlaps with RAM or another fixed region.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}

	regionEnd := base + size
	if regionEnd < base {
		return fmt.Errorf("address_space: fixed region %s at 0x%x with size 0x%x overflows", name, base, size)
	}

	ramEnd := a.ramBase + a.ramSize
	if a.ramSize != 0 && base < ramEnd && regionEnd > a.ramBase {
		return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
			name, base, regionEnd, a.ramBase, ramEnd)
	}

	for _, existing := range a.fixedRegions {
		if base < existing.Base+existing.Size && existing.Base < regionEnd {
			return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				name, base, regionEnd, existing.Name, existing.Base, existing.Base+existing.Size)
		}
	}

	a.fixedRegions = append(a.fixedRegions, MMIOAllocation{
		Name: name,
		Base: base,
		Size: size,
	})

	return nil
}

// FixedRegions returns a copy of all fixed MMIO regions.
func (a *AddressSpace) FixedRegions() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, len(a.fixedRegions))
	copy(result, a.fixedRegions)
	return result
}

// RAMBase returns the RAM base address.
func (a *AddressSpace) RAMBase() uint64 {
	return a.ramBase
}

// RAMSize returns the RAM size.
func (a *AddressSpace) RAMSize() uint64 {
	return a.ramSize
}

// RAMEnd returns the first address after RAM.
func (a *AddressSpace) RAMEnd() uint64 {
	return a.ramBase + a.ramSize
}

// Architecture returns the CPU architecture.
func (a *AddressSpace) Architecture() CpuArchitecture {
	return a.arch
}
