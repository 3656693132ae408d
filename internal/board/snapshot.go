package board

import (
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/mpic/internal/hv"
)

var ErrSnapshotMismatch = errors.New("board: snapshot does not match machine")

type snapshotHeader struct {
	Magic   uint32
	Version uint32
	Arch    uint32
	Hash    hv.ConfigHash
}

type machineSnapshot struct {
	Devices map[string]hv.DeviceSnapshot
}

func (m *Machine) snapshotters() []hv.DeviceSnapshotter {
	var out []hv.DeviceSnapshotter
	for _, dev := range m.chipset.Devices() {
		if s, ok := dev.(hv.DeviceSnapshotter); ok {
			out = append(out, s)
		}
	}
	return out
}

// SaveSnapshot writes the state of every snapshot-capable device.
func (m *Machine) SaveSnapshot(w io.Writer) error {
	snap := machineSnapshot{Devices: make(map[string]hv.DeviceSnapshot)}
	for _, s := range m.snapshotters() {
		state, err := s.CaptureSnapshot()
		if err != nil {
			return fmt.Errorf("capture %s: %w", s.DeviceId(), err)
		}
		snap.Devices[s.DeviceId()] = state
	}

	hdr := snapshotHeader{
		Magic:   hv.SnapshotMagic,
		Version: hv.SnapshotVersion,
		Arch:    hv.ArchToSnapshotArch(m.Architecture()),
		Hash:    m.ConfigHash(),
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	if err := gob.NewEncoder(w).Encode(&snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot restores device state written by SaveSnapshot. The snapshot
// must come from a machine with the same layout.
func (m *Machine) LoadSnapshot(r io.Reader) error {
	var hdr snapshotHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("read snapshot header: %w", err)
	}
	if hdr.Magic != hv.SnapshotMagic {
		return fmt.Errorf("%w: bad magic %#x", ErrSnapshotMismatch, hdr.Magic)
	}
	if hdr.Version != hv.SnapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrSnapshotMismatch, hdr.Version)
	}
	if arch := hv.SnapshotArchToArch(hdr.Arch); arch != m.Architecture() {
		return fmt.Errorf("%w: architecture %q", ErrSnapshotMismatch, arch)
	}
	if hdr.Hash != m.ConfigHash() {
		return fmt.Errorf("%w: config hash %s", ErrSnapshotMismatch, hdr.Hash)
	}

	var snap machineSnapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	for _, s := range m.snapshotters() {
		state, ok := snap.Devices[s.DeviceId()]
		if !ok {
			return fmt.Errorf("%w: missing state for %s", ErrSnapshotMismatch, s.DeviceId())
		}
		if err := s.RestoreSnapshot(state); err != nil {
			return fmt.Errorf("restore %s: %w", s.DeviceId(), err)
		}
	}
	return nil
}

// SaveSnapshotFile writes a snapshot to path.
func (m *Machine) SaveSnapshotFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := m.SaveSnapshot(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadSnapshotFile restores a snapshot from path.
func (m *Machine) LoadSnapshotFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	return m.LoadSnapshot(f)
}
