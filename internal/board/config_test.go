package board

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/mpic/internal/devices/ppc/mpic"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
ramBase: 0x0
ramSize: 0x10000000
lines:
  - name: uart
    source: 42
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Name != "board" || cfg.CPUs != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.MPIC.Base != mpic.DefaultBaseAddress || cfg.MPIC.Endian != "big" {
		t.Fatalf("unexpected mpic defaults: %+v", cfg.MPIC)
	}
	if cfg.RAMSize != 0x10000000 {
		t.Fatalf("ramSize = %#x", cfg.RAMSize)
	}
	if len(cfg.Lines) != 1 || cfg.Lines[0].Source != 42 {
		t.Fatalf("unexpected lines: %+v", cfg.Lines)
	}
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"too many cpus", "cpus: 5\n", "cpus"},
		{"bad endian", "mpic:\n  endian: middle\n", "endian"},
		{"duplicate line", "lines:\n  - {name: a, source: 1}\n  - {name: a, source: 2}\n", "twice"},
		{"unnamed line", "lines:\n  - {source: 1}\n", "no name"},
		{"source range", "lines:\n  - {name: a, source: 136}\n", "out of range"},
		{"bad yaml", "lines: [", "parse"},
		{"uart line", "uarts:\n  - {name: u, base: 0x1000, line: nope}\n", "unknown line"},
		{"uart name", "lines:\n  - {name: a, source: 1}\nuarts:\n  - {name: mpic, base: 0x1000, line: a}\n", "already used"},
		{"uart base", "lines:\n  - {name: a, source: 1}\nuarts:\n  - {name: u, line: a}\n", "no base"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestWriteConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.yaml")
	want := DefaultConfig()
	want.CPUs = 2
	if err := WriteConfig(path, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Name != want.Name || got.CPUs != 2 || got.MPIC != want.MPIC ||
		len(got.Lines) != len(want.Lines) || len(got.UARTs) != 1 || got.UARTs[0] != want.UARTs[0] {
		t.Fatalf("loaded config differs: %+v", got)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
