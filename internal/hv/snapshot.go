package hv

// Snapshot file format constants
const (
	SnapshotMagic   uint32 = 0x534e4150 // "SNAP"
	SnapshotVersion uint32 = 1
)

// Architecture encoding for snapshot files
const (
	SnapshotArchInvalid uint32 = 0
	SnapshotArchPPC32   uint32 = 4
)

// ArchToSnapshotArch converts a CpuArchitecture to its snapshot file encoding.
func ArchToSnapshotArch(arch CpuArchitecture) uint32 {
	switch arch {
	case ArchitecturePPC32:
		return SnapshotArchPPC32
	default:
		return SnapshotArchInvalid
	}
}

// SnapshotArchToArch converts a snapshot file architecture encoding to CpuArchitecture.
func SnapshotArchToArch(arch uint32) CpuArchitecture {
	switch arch {
	case SnapshotArchPPC32:
		return ArchitecturePPC32
	default:
		return ArchitectureInvalid
	}
}
