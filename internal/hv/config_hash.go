package hv

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// ConfigHash identifies a machine layout. A snapshot can only be restored
// onto a machine with the same hash.
type ConfigHash [32]byte

// DeviceConfig captures device configuration for hashing.
type DeviceConfig struct {
	ID      string
	Base    uint64
	Size    uint64
	IRQLine uint32
}

// ComputeConfigHash computes a deterministic hash of machine configuration parameters.
func ComputeConfigHash(arch CpuArchitecture, ramBase, ramSize uint64,
	cpuCount int, deviceConfigs []DeviceConfig) ConfigHash {
	h := sha256.New()

	h.Write([]byte(arch))
	h.Write([]byte{0}) // null terminator

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], ramBase)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], ramSize)
	h.Write(buf[:])

	binary.LittleEndian.PutUint64(buf[:], uint64(cpuCount))
	h.Write(buf[:])

	// Device configurations (order matters)
	for _, dc := range deviceConfigs {
		h.Write([]byte(dc.ID))
		h.Write([]byte{0})
		binary.LittleEndian.PutUint64(buf[:], dc.Base)
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], dc.Size)
		h.Write(buf[:])
		binary.LittleEndian.PutUint32(buf[:4], dc.IRQLine)
		h.Write(buf[:4])
	}

	var result ConfigHash
	copy(result[:], h.Sum(nil))
	return result
}

// String returns a hex string representation of the hash.
func (h ConfigHash) String() string {
	return hex.EncodeToString(h[:])
}
