package board

import (
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/mpic/internal/devices/ppc/mpic"
	"gopkg.in/yaml.v3"
)

// Config describes a board: its RAM, the interrupt controller placement and
// which peripheral lines feed which controller sources.
type Config struct {
	Name    string `yaml:"name"`
	RAMBase uint64 `yaml:"ramBase"`
	RAMSize uint64 `yaml:"ramSize"`
	CPUs    int    `yaml:"cpus,omitempty"`

	MPIC  MPICConfig   `yaml:"mpic"`
	Lines []LineConfig `yaml:"lines,omitempty"`
	UARTs []UARTConfig `yaml:"uarts,omitempty"`
}

type MPICConfig struct {
	Base uint64 `yaml:"base,omitempty"`
	// Endian is "big" (default) or "little".
	Endian string `yaml:"endian,omitempty"`
}

// LineConfig wires a named peripheral output to a controller source.
type LineConfig struct {
	Name   string `yaml:"name"`
	Source uint32 `yaml:"source"`
}

// UARTConfig places a DUART channel whose interrupt output drives a named
// line.
type UARTConfig struct {
	Name string `yaml:"name"`
	Base uint64 `yaml:"base"`
	Line string `yaml:"line"`
}

// DefaultConfig returns an MPC85xx-style layout with a couple of common
// peripherals wired up.
func DefaultConfig() Config {
	cfg := Config{
		Name:    "e500",
		RAMBase: 0,
		RAMSize: 256 << 20,
		Lines: []LineConfig{
			{Name: "duart", Source: 42},
			{Name: "etsec1-tx", Source: 13},
			{Name: "etsec1-rx", Source: 14},
			{Name: "pci-inta", Source: 1},
		},
		UARTs: []UARTConfig{
			{Name: "duart0", Base: 0xE0004500, Line: "duart"},
		},
	}
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.Name == "" {
		c.Name = "board"
	}
	if c.CPUs <= 0 {
		c.CPUs = 1
	}
	if c.MPIC.Base == 0 {
		c.MPIC.Base = mpic.DefaultBaseAddress
	}
	if c.MPIC.Endian == "" {
		c.MPIC.Endian = "big"
	}
}

func (c *Config) validate() error {
	if c.CPUs > mpic.MaxCPU {
		return fmt.Errorf("cpus %d exceeds controller maximum %d", c.CPUs, mpic.MaxCPU)
	}
	switch c.MPIC.Endian {
	case "big", "little":
	default:
		return fmt.Errorf("mpic endian %q must be big or little", c.MPIC.Endian)
	}
	seen := make(map[string]bool, len(c.Lines))
	for _, line := range c.Lines {
		if line.Name == "" {
			return fmt.Errorf("line for source %d has no name", line.Source)
		}
		if seen[line.Name] {
			return fmt.Errorf("line %q defined twice", line.Name)
		}
		seen[line.Name] = true
		if line.Source >= mpic.NumSources {
			return fmt.Errorf("line %q: source %d out of range", line.Name, line.Source)
		}
	}
	devices := map[string]bool{"mpic": true}
	for _, uart := range c.UARTs {
		if uart.Name == "" || devices[uart.Name] {
			return fmt.Errorf("uart name %q is empty or already used", uart.Name)
		}
		devices[uart.Name] = true
		if uart.Base == 0 {
			return fmt.Errorf("uart %q has no base address", uart.Name)
		}
		if !seen[uart.Line] {
			return fmt.Errorf("uart %q drives unknown line %q", uart.Name, uart.Line)
		}
	}
	return nil
}

// ParseConfig decodes and validates a YAML board description.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse board config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid board config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads a YAML board description from disk.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseConfig(data)
}

// EncodeConfig writes a board description as YAML.
func EncodeConfig(w io.Writer, cfg Config) error {
	cfg.normalize()
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode board config: %w", err)
	}
	return enc.Close()
}

// WriteConfig writes a board description to path.
func WriteConfig(path string, cfg Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := EncodeConfig(f, cfg); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
