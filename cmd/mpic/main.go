package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/mpic/internal/board"
	"github.com/tinyrange/mpic/internal/devices/ppc/mpic"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "mpic: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `mpic - drive an emulated MPIC interrupt controller

USAGE:
  mpic trace [flags] <scenario.yaml>
  mpic stress [flags]
  mpic board [-o file]

COMMANDS:
  trace    Run a scenario and print every step with the processor pin levels
  stress   Hammer the controller from concurrent workers and check invariants
  board    Write the default board description as YAML

Run "mpic <command> -h" for command flags.
`)
}

func run(args []string) error {
	if len(args) < 1 {
		usage()
		return flag.ErrHelp
	}
	switch args[0] {
	case "trace":
		return runTrace(args[1:])
	case "stress":
		return runStress(args[1:])
	case "board":
		return runBoard(args[1:])
	case "-h", "-help", "--help", "help":
		usage()
		return nil
	}
	usage()
	return fmt.Errorf("unknown command %q", args[0])
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func loadMachine(path string, opts ...board.Option) (*board.Machine, error) {
	cfg := board.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = board.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	return board.New(cfg, opts...)
}

func runBoard(args []string) error {
	fs := flag.NewFlagSet("board", flag.ContinueOnError)
	out := fs.String("o", "", "output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out != "" {
		return board.WriteConfig(*out, board.DefaultConfig())
	}
	return board.EncodeConfig(os.Stdout, board.DefaultConfig())
}

// painter styles trace output when stdout is a terminal.
type painter struct {
	color bool
}

func (p painter) paint(s string, style ansi.Style) string {
	if !p.color {
		return s
	}
	return style.Styled(s)
}

func (p painter) pins(levels [mpic.NumTiers]bool) string {
	var parts []string
	for t, high := range levels {
		name := mpic.Tier(t).String()
		if high {
			parts = append(parts, p.paint(name, ansi.Style{}.Bold().ForegroundColor(ansi.Green)))
		} else {
			parts = append(parts, p.paint(name, ansi.Style{}.Faint()))
		}
	}
	return strings.Join(parts, " ")
}

// pad right-aligns on visible width so styled cells line up.
func pad(s string, width int) string {
	if w := ansi.StringWidth(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

func describeStep(step board.Step) string {
	switch step.Op {
	case "irq":
		target := step.Line
		if step.Source != nil {
			target = fmt.Sprintf("src%d", *step.Source)
		}
		return fmt.Sprintf("%s=%v", target, step.Level)
	case "pulse":
		return step.Line
	case "read":
		return fmt.Sprintf("%#x", step.Offset)
	case "write":
		return fmt.Sprintf("%#x <- %#x", step.Offset, step.Value)
	case "source":
		if step.Source == nil {
			return ""
		}
		return fmt.Sprintf("src%d vec=%#x pri=%d %s", *step.Source, step.Vector, step.Priority, step.Sense)
	case "taskpri":
		return fmt.Sprintf("cpu%d=%d", step.CPU, step.Value)
	case "borders":
		return fmt.Sprintf("crit=%d mcheck=%d", step.Crit, step.Mcheck)
	case "rx":
		return fmt.Sprintf("%s %q", step.UART, step.Data)
	case "uartrd":
		return fmt.Sprintf("%s+%d", step.UART, step.Offset)
	case "uartwr":
		return fmt.Sprintf("%s+%d <- %#02x", step.UART, step.Offset, step.Value)
	case "ack", "eoi":
		tier := step.Tier
		if tier == "" {
			tier = mpic.TierNonCritical.String()
		}
		return fmt.Sprintf("cpu%d %s", step.CPU, tier)
	}
	return ""
}

func runTrace(args []string) error {
	fs := flag.NewFlagSet("trace", flag.ContinueOnError)
	boardPath := fs.String("board", "", "board description (default: built-in e500 layout)")
	loadSnap := fs.String("load", "", "restore machine state from a snapshot before running")
	saveSnap := fs.String("save", "", "write machine state to a snapshot after running")
	verbose := fs.Bool("v", false, "enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mpic trace [flags] <scenario.yaml>\n\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return flag.ErrHelp
	}
	setupLogging(*verbose)

	scenario, err := board.LoadScenario(fs.Arg(0))
	if err != nil {
		return err
	}
	// Guest console output goes to stderr so it does not break up the trace.
	m, err := loadMachine(*boardPath, board.WithConsole(os.Stderr, nil))
	if err != nil {
		return err
	}
	defer m.Close()
	if *loadSnap != "" {
		if err := m.LoadSnapshotFile(*loadSnap); err != nil {
			return err
		}
	}

	p := painter{color: term.IsTerminal(int(os.Stdout.Fd()))}
	out := io.Writer(os.Stdout)

	if *verbose {
		m.Watch(func(cpu int, tier mpic.Tier, level bool) {
			slog.Debug("pin", "cpu", cpu, "tier", tier, "level", level)
		})
	}

	name := scenario.Name
	if name == "" {
		name = fs.Arg(0)
	}
	fmt.Fprintf(out, "%s on %s (%d steps)\n", p.paint(name, ansi.Style{}.Bold()), m.Config().Name, len(scenario.Steps))

	err = m.Run(scenario, func(r board.StepResult) {
		line := fmt.Sprintf("%3d  %s  %s", r.Index, pad(r.Step.Op, 7), pad(describeStep(r.Step), 34))
		if r.HasValue {
			line += " " + pad(p.paint(fmt.Sprintf("= %#08x", r.Value), ansi.Style{}.ForegroundColor(ansi.Cyan)), 12)
		} else {
			line += " " + pad("", 12)
		}
		fmt.Fprintf(out, "%s  [%s]\n", line, p.pins(r.Pins))
	})
	if err != nil {
		fmt.Fprintln(out, p.paint("FAIL", ansi.Style{}.Bold().ForegroundColor(ansi.Red)))
		return err
	}

	stats := m.MPIC().Stats()
	fmt.Fprintf(out, "%s acks=%d spurious=%d eois=%d\n",
		p.paint("ok", ansi.Style{}.Bold().ForegroundColor(ansi.Green)),
		stats.Acknowledges, stats.Spurious, stats.EOIs)

	if *saveSnap != "" {
		if err := m.SaveSnapshotFile(*saveSnap); err != nil {
			return err
		}
		slog.Info("snapshot written", "path", *saveSnap, "config", m.ConfigHash().String())
	}
	return nil
}

func runStress(args []string) error {
	fs := flag.NewFlagSet("stress", flag.ContinueOnError)
	boardPath := fs.String("board", "", "board description (default: built-in e500 layout)")
	sources := fs.Int("sources", 32, "number of external sources to exercise")
	drivers := fs.Int("drivers", 4, "goroutines toggling source inputs")
	servicers := fs.Int("servicers", 2, "goroutines running ack/EOI cycles")
	iterations := fs.Int("n", 10000, "iterations per goroutine")
	seed := fs.Uint64("seed", 1, "random seed")
	verbose := fs.Bool("v", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(*verbose)

	m, err := loadMachine(*boardPath)
	if err != nil {
		return err
	}
	defer m.Close()

	opts := board.StressOptions{
		Sources:    *sources,
		Drivers:    *drivers,
		Servicers:  *servicers,
		Iterations: *iterations,
		Seed:       *seed,
	}

	bar := progressbar.NewOptions(board.StressTotal(opts),
		progressbar.OptionSetDescription("stress"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.NewOptions(board.StressTotal(opts), progressbar.OptionSetVisibility(false))
	}
	opts.Progress = func() { bar.Add(1) }

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err = m.Stress(ctx, opts)
	bar.Finish()
	if err != nil {
		return err
	}

	stats := m.MPIC().Stats()
	var deliveries uint64
	for _, n := range stats.Deliveries {
		deliveries += n
	}
	slog.Info("stress complete",
		"deliveries", deliveries,
		"acks", stats.Acknowledges,
		"spurious", stats.Spurious,
		"eois", stats.EOIs)
	return nil
}
