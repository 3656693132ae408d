// Package hv holds the machine-facing interfaces devices are written against.
package hv

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitecturePPC32   CpuArchitecture = "ppc32"
)

type Device interface {
	Init(vm VirtualMachine) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// MemoryMappedIODevice is a device that claims fixed MMIO windows.
type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// VirtualMachine is the view of the emulated machine a device gets at attach
// time.
type VirtualMachine interface {
	Architecture() CpuArchitecture
	CPUCount() int
	AddressSpace() *AddressSpace
}

// DeviceSnapshot is an opaque, gob-encodable device state blob.
type DeviceSnapshot interface{}

// DeviceSnapshotter is implemented by devices whose state can be captured
// and restored.
type DeviceSnapshotter interface {
	DeviceId() string
	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}
